package loader

import (
	"context"
	"errors"
	"slices"

	"github.com/wnxd/microld/loader"
)

type ownerKey struct{ l *Ldr }

// session is owned by the goroutine holding the loader lock. Contexts
// carrying it re-enter the lock; it also records the chain of modules
// being loaded for diagnostics.
type session struct {
	id     uint64
	locked bool
	chain  []string
}

func (l *Ldr) enter(ctx context.Context) (context.Context, *session, func()) {
	if s, ok := ctx.Value(ownerKey{l}).(*session); ok && l.owner.Load() == s.id {
		return ctx, s, func() {}
	}
	s := &session{id: l.sessions.Inc()}
	if l.phase.Load() != phaseBootstrap {
		l.mu.Lock()
		s.locked = true
	}
	l.owner.Store(s.id)
	return context.WithValue(ctx, ownerKey{l}, s), s, func() {
		l.owner.Store(0)
		if s.locked {
			l.mu.Unlock()
		}
	}
}

func (s *session) push(name string, limit int) error {
	if len(s.chain) >= limit {
		return loader.ErrRecursionTooDeep
	}
	s.chain = append(s.chain, name)
	return nil
}

func (s *session) pop() {
	s.chain = s.chain[:len(s.chain)-1]
}

// top returns the module currently being loaded, if any.
func (s *session) top() string {
	if len(s.chain) == 0 {
		return ""
	}
	return s.chain[len(s.chain)-1]
}

// fail wraps err once with the module name and the current load chain.
func (s *session) fail(name string, err error) error {
	var le *loader.LoadError
	if errors.As(err, &le) {
		return err
	}
	chain := slices.Clone(s.chain)
	if len(chain) == 0 || chain[len(chain)-1] != name {
		chain = append(chain, name)
	}
	return &loader.LoadError{Name: name, Chain: chain, Err: err}
}
