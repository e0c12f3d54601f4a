// Package credential resolves provider secrets. A per-user stored credential
// wins over the process-wide environment fallback; absence of both is a
// configuration error the caller surfaces before any I/O begins.
package credential

import (
	"os"

	"github.com/hexwave/chatmux/internal/catalog"
)

// Store is the externally-owned per-user credential source.
type Store interface {
	// ActiveCredential returns the stored secret for the user and credential
	// kind, or "" with false when none is stored or it has been revoked.
	ActiveCredential(userID, kind string) (string, bool)
}

// StoreFunc adapts a function to the Store interface.
type StoreFunc func(userID, kind string) (string, bool)

func (f StoreFunc) ActiveCredential(userID, kind string) (string, bool) {
	return f(userID, kind)
}

type Resolver struct {
	store  Store
	getenv func(string) string
}

// NewResolver builds a resolver over the given store. A nil store means no
// per-user credentials exist and only the environment fallback applies.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store, getenv: os.Getenv}
}

// NewResolverWithEnv is NewResolver with an injectable environment lookup.
func NewResolverWithEnv(store Store, getenv func(string) string) *Resolver {
	if getenv == nil {
		getenv = os.Getenv
	}
	return &Resolver{store: store, getenv: getenv}
}

// Resolve returns the secret for the user and provider, or "" with false
// when neither a stored credential nor the environment fallback exists.
// Providers that manage their own auth resolve to an empty secret with true.
func (r *Resolver) Resolve(userID string, desc catalog.Descriptor) (string, bool) {
	if desc.ManagesOwnAuth() {
		return "", true
	}
	if r.store != nil {
		if secret, ok := r.store.ActiveCredential(userID, desc.CredentialKind); ok && secret != "" {
			return secret, true
		}
	}
	if desc.EnvVar != "" {
		if secret := r.getenv(desc.EnvVar); secret != "" {
			return secret, true
		}
	}
	return "", false
}

// Available reports whether the provider is usable by the user: either a
// credential resolves or the backend manages its own auth.
func (r *Resolver) Available(userID string, desc catalog.Descriptor) bool {
	_, ok := r.Resolve(userID, desc)
	return ok
}
