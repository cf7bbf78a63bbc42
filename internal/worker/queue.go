package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/cuongbtq/jobworker/internal/worker/domain"
)

// QueueSet is an ordered, duplicate-free list of bound queue names. The
// order is the polling priority.
type QueueSet struct {
	names []string
	index map[string]int
}

// NewQueueSet validates names without touching a broker
func NewQueueSet(names []string) (*QueueSet, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: no queue names given", domain.ErrBinding)
	}

	set := &QueueSet{
		names: make([]string, 0, len(names)),
		index: make(map[string]int, len(names)),
	}
	for i, name := range names {
		if strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("%w: queue name at position %d is empty", domain.ErrBinding, i)
		}
		if _, dup := set.index[name]; dup {
			return nil, fmt.Errorf("%w: queue %q is listed more than once", domain.ErrBinding, name)
		}
		set.index[name] = len(set.names)
		set.names = append(set.names, name)
	}
	return set, nil
}

// Bind validates every name and then declares each queue on the broker.
// Nothing is declared when any name is invalid.
func Bind(ctx context.Context, d Declarer, names []string) (*QueueSet, error) {
	set, err := NewQueueSet(names)
	if err != nil {
		return nil, err
	}

	for _, name := range set.names {
		if err := d.Declare(ctx, name); err != nil {
			return nil, fmt.Errorf("%w: failed to declare queue %q: %w", domain.ErrConnection, name, err)
		}
	}
	return set, nil
}

// Names returns the queue names in priority order
func (q *QueueSet) Names() []string {
	out := make([]string, len(q.names))
	copy(out, q.names)
	return out
}

func (q *QueueSet) Len() int {
	return len(q.names)
}

func (q *QueueSet) Contains(name string) bool {
	_, ok := q.index[name]
	return ok
}

// Priority returns the position of name, or -1 when it is not bound
func (q *QueueSet) Priority(name string) int {
	if q == nil {
		return -1
	}
	if i, ok := q.index[name]; ok {
		return i
	}
	return -1
}

func (q *QueueSet) String() string {
	return strings.Join(q.names, ",")
}
