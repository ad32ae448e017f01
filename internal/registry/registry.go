// Package registry keeps the variable states of one model instance by name
// and serializes access to each of them.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/samcharles93/kvstate/internal/logger"
	"github.com/samcharles93/kvstate/internal/state"
)

var (
	ErrNotFound  = errors.New("state not found")
	ErrDuplicate = errors.New("state already registered")
)

// Entry is a registered state. A state is never used by two goroutines at
// once: every access goes through Do.
type Entry struct {
	ID      uuid.UUID
	Name    string
	Variant string
	Created time.Time

	mu    sync.Mutex
	state state.State
}

// Info is a point-in-time summary of an entry.
type Info struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Variant     string `json:"variant"`
	Precision   string `json:"precision"`
	External    string `json:"external"`
	Internal    string `json:"internal,omitempty"`
	Dims        []int  `json:"dims"`
	Reset       bool   `json:"reset"`
	InternalMax int    `json:"internal_max,omitempty"`
	BeamMax     int    `json:"beam_max,omitempty"`
}

// Do runs fn with exclusive access to the entry's state.
func (e *Entry) Do(fn func(state.State) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.state)
}

// Describe summarizes the entry.
func (e *Entry) Describe() Info {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.describe()
}

// Inspect runs fn and summarizes the entry under one lock, so the summary
// describes the state fn left behind.
func (e *Entry) Inspect(fn func(state.State) error) (Info, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := fn(e.state); err != nil {
		return Info{}, err
	}
	return e.describe(), nil
}

func (e *Entry) describe() Info {
	info := Info{
		ID:        e.ID.String(),
		Name:      e.Name,
		Variant:   e.Variant,
		Precision: e.state.ExternalDesc().DType.String(),
		External:  e.state.ExternalDesc().String(),
		Dims:      []int{},
		Reset:     e.state.IsResetState(),
	}
	if b, ok := e.state.(state.Buffers); ok {
		info.Internal = b.InternalDesc().String()
		if mem := b.InputMem(); mem != nil {
			info.Dims = mem.Dims()
		}
	}
	if kv, ok := e.state.(*state.KVCache); ok {
		info.InternalMax = kv.InternalMaxSize()
		info.BeamMax = kv.BeamTableMaxSize()
	}
	return info
}

// Registry holds states in registration order.
type Registry struct {
	mu      sync.RWMutex
	entries *orderedmap.OrderedMap[string, *Entry]
	log     logger.Logger
}

func New(log logger.Logger) *Registry {
	if log == nil {
		log = logger.Discard()
	}
	return &Registry{
		entries: orderedmap.New[string, *Entry](),
		log:     log,
	}
}

// Add registers s under its name.
func (r *Registry) Add(s state.State) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := s.Name()
	if _, ok := r.entries.Get(name); ok {
		return nil, fmt.Errorf("%w: %q", ErrDuplicate, name)
	}
	e := &Entry{
		ID:      uuid.New(),
		Name:    name,
		Variant: state.Variant(s),
		Created: time.Now(),
		state:   s,
	}
	r.entries.Set(name, e)
	r.log.Debug("state registered", logger.StateKey, name, "variant", e.Variant, "id", e.ID)
	return e, nil
}

func (r *Registry) Get(name string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return e, nil
}

func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries.Delete(name); !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	r.log.Debug("state removed", logger.StateKey, name)
	return nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries.Len()
}

// Entries returns the entries in registration order.
func (r *Registry) Entries() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, r.entries.Len())
	for pair := r.entries.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// Do runs fn with exclusive access to the named state.
func (r *Registry) Do(name string, fn func(state.State) error) error {
	e, err := r.Get(name)
	if err != nil {
		return err
	}
	return e.Do(fn)
}

// ResetAll resets every state, as done when a new sequence starts.
func (r *Registry) ResetAll() {
	for _, e := range r.Entries() {
		_ = e.Do(func(s state.State) error {
			s.Reset()
			return nil
		})
	}
	r.log.Debug("all states reset", "count", r.Len())
}

// CommitAll commits every state at the end of an inference step.
func (r *Registry) CommitAll() {
	for _, e := range r.Entries() {
		_ = e.Do(func(s state.State) error {
			s.Commit()
			return nil
		})
	}
	r.log.Trace("all states committed", "count", r.Len())
}

// Info summarizes the named entry.
func (r *Registry) Info(name string) (Info, error) {
	e, err := r.Get(name)
	if err != nil {
		return Info{}, err
	}
	return e.Describe(), nil
}

// Inspect runs fn on the named state and returns the summary taken under
// the same lock.
func (r *Registry) Inspect(name string, fn func(state.State) error) (Info, error) {
	e, err := r.Get(name)
	if err != nil {
		return Info{}, err
	}
	return e.Inspect(fn)
}

// Describe summarizes every entry in registration order.
func (r *Registry) Describe() []Info {
	entries := r.Entries()
	out := make([]Info, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Describe())
	}
	return out
}
