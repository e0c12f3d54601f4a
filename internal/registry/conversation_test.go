package registry

import (
	"testing"
	"time"
)

func TestConversationBindLookup(t *testing.T) {
	c := NewConversationRegistry(time.Minute)

	if _, ok := c.Lookup("discord", "chan-1"); ok {
		t.Fatal("Lookup() before Bind returned ok")
	}

	c.Bind("discord", "chan-1", "openai", "sess-1")
	entry, ok := c.Lookup("discord", "chan-1")
	if !ok {
		t.Fatal("Lookup() after Bind ok = false")
	}
	if entry.SessionID != "sess-1" || entry.ProviderID != "openai" {
		t.Errorf("entry = %+v", entry)
	}

	// Same conversation id on another platform is a distinct key.
	if _, ok := c.Lookup("slack", "chan-1"); ok {
		t.Error("platform must partition conversation keys")
	}

	// Rebinding replaces the session.
	c.Bind("discord", "chan-1", "openai", "sess-2")
	entry, _ = c.Lookup("discord", "chan-1")
	if entry.SessionID != "sess-2" {
		t.Errorf("SessionID = %q after rebind, want sess-2", entry.SessionID)
	}
}

func TestConversationExpiry(t *testing.T) {
	c := NewConversationRegistry(30 * time.Millisecond)
	c.Bind("discord", "chan-1", "openai", "sess-1")

	time.Sleep(60 * time.Millisecond)

	// Expired entries read as absent even before the sweep runs.
	if _, ok := c.Lookup("discord", "chan-1"); ok {
		t.Fatal("Lookup() returned expired entry")
	}
	if c.Len() != 1 {
		t.Fatalf("Len() = %d before sweep, want 1", c.Len())
	}

	if removed := c.Sweep(); removed != 1 {
		t.Errorf("Sweep() = %d, want 1", removed)
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d after sweep, want 0", c.Len())
	}
}

func TestConversationTouchKeepsAlive(t *testing.T) {
	c := NewConversationRegistry(50 * time.Millisecond)
	c.Bind("discord", "chan-1", "openai", "sess-1")

	time.Sleep(30 * time.Millisecond)
	c.Touch("discord", "chan-1")
	time.Sleep(30 * time.Millisecond)

	if _, ok := c.Lookup("discord", "chan-1"); !ok {
		t.Fatal("touched entry expired")
	}
}

func TestConversationDrop(t *testing.T) {
	c := NewConversationRegistry(time.Minute)
	c.Bind("discord", "chan-1", "openai", "sess-1")

	c.Drop("discord", "chan-1")
	if _, ok := c.Lookup("discord", "chan-1"); ok {
		t.Fatal("Lookup() after Drop ok = true")
	}
	// Dropping again is harmless.
	c.Drop("discord", "chan-1")
}

func TestSweeperLifecycle(t *testing.T) {
	c := NewConversationRegistry(time.Minute)
	if err := c.StartSweeper("@every 1h"); err != nil {
		t.Fatalf("StartSweeper() error = %v", err)
	}
	c.StopSweeper()
	// Stopping twice is harmless.
	c.StopSweeper()

	if err := c.StartSweeper("not a schedule"); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}
