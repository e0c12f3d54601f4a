// Package cli runs a turn by spawning an external CLI tool per prompt and
// parsing its stdout incrementally. The CLI manages its own backend auth, so
// no credential flows through this adapter.
package cli

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hexwave/chatmux/internal/process"
	"github.com/hexwave/chatmux/internal/provider"
	"github.com/hexwave/chatmux/pkg/events"
)

const (
	defaultStopTimeout = 5 * time.Second
	stderrTailLimit    = 4 * 1024
)

// Config controls how the CLI is invoked. The defaults drive the claude CLI
// in single-prompt text mode with the prompt on stdin.
type Config struct {
	Command     string
	BaseArgs    []string
	ModelFlag   string
	ResumeFlag  string
	StopTimeout time.Duration
	OutputCap   int64
}

func (c Config) withDefaults() Config {
	if c.Command == "" {
		c.Command = "claude"
		c.BaseArgs = []string{"-p", "--output-format", "text"}
		c.ModelFlag = "--model"
		c.ResumeFlag = "--resume"
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = defaultStopTimeout
	}
	return c
}

type Adapter struct {
	id       string
	model    string
	cfg      Config
	sessions *provider.Sessions
}

var _ provider.Adapter = (*Adapter)(nil)

func New(id, defaultModel string, cfg Config) *Adapter {
	return &Adapter{
		id:       id,
		model:    defaultModel,
		cfg:      cfg.withDefaults(),
		sessions: provider.NewSessions(id),
	}
}

func (a *Adapter) ID() string { return a.id }

func (a *Adapter) StartTurn(ctx context.Context, req provider.TurnRequest) (<-chan events.Event, error) {
	sessionID := req.Options.ResumeSessionID
	resumed := sessionID != ""
	if resumed && a.cfg.ResumeFlag == "" {
		return nil, provider.ErrResumeUnsupported
	}
	if !resumed {
		sessionID = uuid.NewString()
	}

	model := req.Options.Model
	if model == "" {
		model = a.model
	}

	turnCtx, cancel := context.WithCancel(context.Background())
	if err := a.sessions.Track(sessionID, req.UserID, cancel); err != nil {
		cancel()
		return nil, err
	}

	em := provider.NewEmitter(sessionID, a.id, 100, a.cfg.OutputCap)
	em.Created(model)

	args := append([]string(nil), a.cfg.BaseArgs...)
	if a.cfg.ModelFlag != "" && model != "" {
		args = append(args, a.cfg.ModelFlag, model)
	}
	if resumed {
		args = append(args, a.cfg.ResumeFlag, sessionID)
	}

	h, err := process.Start(turnCtx, process.Config{
		Command:     a.cfg.Command,
		Args:        args,
		WorkingDir:  req.Options.WorkingDir,
		StopTimeout: a.cfg.StopTimeout,
	})
	if err != nil {
		a.sessions.Finish(sessionID)
		cancel()
		em.Error(fmt.Sprintf("spawn %s: %v", a.cfg.Command, err), events.CategoryTransport)
		return em.Events(), nil
	}

	go a.run(turnCtx, cancel, h, em, sessionID, req.Prompt)
	return em.Events(), nil
}

func (a *Adapter) run(ctx context.Context, cancel context.CancelFunc, h *process.Handle, em *provider.Emitter, sessionID, prompt string) {
	defer cancel()

	go func() {
		_, _ = io.WriteString(h.Stdin(), prompt)
		h.CloseStdin()
	}()

	// Capture a bounded tail of stderr for the error message on failure.
	stderrDone := make(chan string, 1)
	go func() {
		var tail bytes.Buffer
		scanner := bufio.NewScanner(h.Stderr())
		for scanner.Scan() {
			line := scanner.Text()
			if tail.Len()+len(line) < stderrTailLimit {
				tail.WriteString(line)
				tail.WriteByte('\n')
			}
		}
		stderrDone <- strings.TrimSpace(tail.String())
	}()

	first := true
	scanner := bufio.NewScanner(h.Stdout())
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		a.sessions.Touch(sessionID)
		delta := scanner.Text()
		if !first {
			delta = "\n" + delta
		}
		first = false
		em.Text(delta)
	}

	stderrTail := <-stderrDone
	waitErr := h.Wait()

	// Removal from the session table arbitrates the abort race: if Abort
	// already removed this session, it killed the process, the dispatcher
	// emits session_aborted, and no terminal event may come from here.
	if !a.sessions.Finish(sessionID) {
		em.CloseQuiet()
		return
	}

	if waitErr != nil || h.ExitCode() != 0 {
		msg := fmt.Sprintf("%s exited with code %d", a.cfg.Command, h.ExitCode())
		if stderrTail != "" {
			msg += ": " + stderrTail
		}
		em.Error(msg, events.CategoryTransport)
		return
	}

	em.Stop()
	em.Complete(em.Result())
}

func (a *Adapter) Abort(sessionID string) bool {
	return a.sessions.Abort(sessionID)
}

func (a *Adapter) IsActive(sessionID string) bool {
	return a.sessions.IsActive(sessionID)
}

func (a *Adapter) ActiveSessions() []string {
	return a.sessions.ActiveSessions()
}
