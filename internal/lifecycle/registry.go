package lifecycle

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrScopeCanceled is the cancellation cause of calls canceled through their
// scope.
var ErrScopeCanceled = errors.New("scope canceled")

// Scope groups in-flight calls so they can be canceled together.
type Scope struct {
	ID   uuid.UUID
	Name string
}

func (s Scope) IsZero() bool { return s.ID == uuid.Nil }

func (s Scope) String() string {
	if s.Name == "" {
		return s.ID.String()
	}
	return s.Name + "/" + s.ID.String()
}

type scopeCalls struct {
	calls    map[uuid.UUID]context.CancelCauseFunc
	canceled bool
}

type Registry struct {
	mu     sync.Mutex
	scopes map[uuid.UUID]*scopeCalls
}

func NewRegistry() *Registry {
	return &Registry{scopes: map[uuid.UUID]*scopeCalls{}}
}

func (r *Registry) NewScope(name string) Scope {
	s := Scope{ID: uuid.New(), Name: name}
	r.mu.Lock()
	r.scopes[s.ID] = &scopeCalls{calls: map[uuid.UUID]context.CancelCauseFunc{}}
	r.mu.Unlock()
	return s
}

// Register records cancel under s. When s was already canceled the call is
// canceled at once and ok is false.
func (r *Registry) Register(s Scope, cancel context.CancelCauseFunc) (id uuid.UUID, ok bool) {
	id = uuid.New()
	r.mu.Lock()
	sc := r.scopes[s.ID]
	if sc == nil {
		sc = &scopeCalls{calls: map[uuid.UUID]context.CancelCauseFunc{}}
		r.scopes[s.ID] = sc
	}
	if sc.canceled {
		r.mu.Unlock()
		cancel(ErrScopeCanceled)
		return id, false
	}
	sc.calls[id] = cancel
	r.mu.Unlock()
	return id, true
}

func (r *Registry) Unregister(s Scope, id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sc := r.scopes[s.ID]; sc != nil {
		delete(sc.calls, id)
	}
}

// CancelAll cancels every call registered under s and every call registered
// later. Calling it again is a no-op.
func (r *Registry) CancelAll(s Scope) {
	r.mu.Lock()
	sc := r.scopes[s.ID]
	if sc == nil {
		sc = &scopeCalls{calls: map[uuid.UUID]context.CancelCauseFunc{}}
		r.scopes[s.ID] = sc
	}
	if sc.canceled {
		r.mu.Unlock()
		return
	}
	sc.canceled = true
	calls := sc.calls
	sc.calls = map[uuid.UUID]context.CancelCauseFunc{}
	r.mu.Unlock()

	for _, cancel := range calls {
		cancel(ErrScopeCanceled)
	}
}

// Release forgets s entirely.
func (r *Registry) Release(s Scope) {
	r.mu.Lock()
	delete(r.scopes, s.ID)
	r.mu.Unlock()
}

func (r *Registry) Pending(s Scope) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sc := r.scopes[s.ID]; sc != nil {
		return len(sc.calls)
	}
	return 0
}

func (r *Registry) Canceled(s Scope) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sc := r.scopes[s.ID]
	return sc != nil && sc.canceled
}

// WasCanceled reports whether ctx ended because its scope was canceled.
func WasCanceled(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), ErrScopeCanceled)
}
