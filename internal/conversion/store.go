package conversion

import "context"

// Store persists jobs. Update runs fn against the current stored job and
// writes the result atomically; if fn returns an error nothing is written.
type Store interface {
	Create(ctx context.Context, job Job) error
	Get(ctx context.Context, id string) (Job, error)
	Update(ctx context.Context, id string, fn func(*Job) error) (Job, error)
	List(ctx context.Context, opts ListOptions) ([]Job, error)
	Close() error
}

type ListOptions struct {
	// Statuses filters by status; empty means all.
	Statuses []Status
	Limit    int
	// NewestFirst orders by created_at descending.
	NewestFirst bool
}

func (o ListOptions) Matches(s Status) bool {
	if len(o.Statuses) == 0 {
		return true
	}
	for _, want := range o.Statuses {
		if want == s {
			return true
		}
	}
	return false
}
