package backend

import (
	"context"
	"sync/atomic"
)

// Switchable wraps a Backend behind an atomic pointer so admins can swap
// providers at runtime without restarting in-flight generations.
type Switchable struct {
	v atomic.Pointer[holder]
}

type holder struct {
	b Backend
}

func NewSwitchable(b Backend) *Switchable {
	s := &Switchable{}
	s.v.Store(&holder{b: b})
	return s
}

func (s *Switchable) Set(b Backend) {
	s.v.Store(&holder{b: b})
}

func (s *Switchable) Name() string {
	return s.v.Load().b.Name()
}

func (s *Switchable) Generate(ctx context.Context, req Request) (string, error) {
	return s.v.Load().b.Generate(ctx, req)
}

func (s *Switchable) Configure(examples []string) error {
	return s.v.Load().b.Configure(examples)
}
