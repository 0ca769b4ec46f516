package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/cuongbtq/battle-orchestrator/internal/job"
)

// HandlerFunc runs one claimed job
type HandlerFunc func(ctx context.Context, j *job.Job) (job.Result, error)

// Entry binds a job type to its handler
type Entry struct {
	Type    job.Type
	Handler HandlerFunc
	Timeout time.Duration // zero means the worker default
}

// EntryOption tunes a registry entry
type EntryOption func(*Entry)

// WithTimeout overrides the worker-wide deadline for one job type
func WithTimeout(d time.Duration) EntryOption {
	return func(e *Entry) { e.Timeout = d }
}

// Handle adapts a typed handler into an Entry. The job type comes from
// the payload variant P and the payload is decoded at dispatch time; a
// payload that does not decode is a permanent failure.
func Handle[P job.Payload](fn func(ctx context.Context, payload P) (job.Result, error), opts ...EntryOption) Entry {
	var zero P
	e := Entry{
		Type: zero.JobType(),
		Handler: func(ctx context.Context, j *job.Job) (job.Result, error) {
			var payload P
			if err := json.Unmarshal(j.Payload, &payload); err != nil {
				return job.Result{}, job.Permanent(fmt.Errorf("%w: %v", job.ErrInvalidPayload, err))
			}
			return fn(ctx, payload)
		},
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

// Registry maps job types to handlers. It is built once and never
// mutated afterwards, so lookups need no locking.
type Registry struct {
	entries map[job.Type]Entry
}

// NewRegistry builds a registry, rejecting unknown or duplicate types
func NewRegistry(entries ...Entry) (*Registry, error) {
	r := &Registry{entries: make(map[job.Type]Entry, len(entries))}
	for _, e := range entries {
		if !e.Type.Valid() {
			return nil, fmt.Errorf("%w: %q", job.ErrUnknownType, e.Type)
		}
		if e.Handler == nil {
			return nil, fmt.Errorf("nil handler for job type %s", e.Type)
		}
		if _, dup := r.entries[e.Type]; dup {
			return nil, fmt.Errorf("duplicate handler for job type %s", e.Type)
		}
		r.entries[e.Type] = e
	}
	return r, nil
}

// Lookup returns the entry registered for t
func (r *Registry) Lookup(t job.Type) (Entry, bool) {
	e, ok := r.entries[t]
	return e, ok
}

// Types lists the registered job types in name order
func (r *Registry) Types() []job.Type {
	types := make([]job.Type, 0, len(r.entries))
	for t := range r.entries {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
