package task

import "context"

// Query filters and bounds a Registry listing. Order is always by
// CreatedAt descending, per spec.
type Query struct {
	Origin     Origin // zero value means "any"
	Status     Status // zero value means "any"
	WorkingDir string // zero value means "any"
	Limit      int    // zero/negative means "no limit"
}

// Registry is the durable, transactional store of all tasks across
// restarts — the single source of truth for status queries. It is modeled
// as an injectable collaborator (not a singleton) so tests can substitute
// an in-memory fake and drive concurrency/restart scenarios deterministically.
type Registry interface {
	// Create inserts a new task. Fails if the ID already exists.
	Create(ctx context.Context, t *Task) error

	// Get returns the task with the given ID, or (nil, false) if absent.
	Get(ctx context.Context, id string) (*Task, bool, error)

	// Query returns a finite, ordered sequence of tasks matching q.
	Query(ctx context.Context, q Query) ([]*Task, error)

	// Update applies patch to the stored task, rejecting illegal status
	// transitions, and stamps UpdatedAt. patch receives the current task
	// and mutates it in place.
	Update(ctx context.Context, id string, patch func(*Task) error) (*Task, error)

	// Evict removes a terminal task. No-op if the task is non-terminal or absent.
	Evict(ctx context.Context, id string) error

	// Reconcile is run once at startup. For each non-terminal task with the
	// given origin, resolve calculates its fate: returning a non-nil
	// *Task commits that replacement; returning nil leaves the task as-is.
	Reconcile(ctx context.Context, origin Origin, resolve func(*Task) (*Task, error)) error

	// Close releases underlying storage resources.
	Close() error
}
