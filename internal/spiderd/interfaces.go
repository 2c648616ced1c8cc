package spiderd

import (
	"context"
	"io"
	"time"
)

// Queue is a durable, priority-ordered holding area for one project's
// pending jobs. Pop returns the entry with the greatest priority, breaking
// ties by insertion order. Implementations must survive a process restart
// without losing unpopped entries.
type Queue interface {
	Put(ctx context.Context, msg Message, priority float64) error
	Pop(ctx context.Context) (Message, bool, error)
	Remove(ctx context.Context, match func(Message) bool) (int, error)
	Count(ctx context.Context) (int, error)
	List(ctx context.Context) ([]QueueEntry, error)
	Clear(ctx context.Context) error
	Close() error
}

// EggStorage stores versioned project artifacts as opaque blobs.
type EggStorage interface {
	Put(ctx context.Context, egg io.Reader, project, version string) error
	// Get returns the named version, or the latest one when version is
	// empty. A missing project or version yields ok=false, not an error.
	Get(ctx context.Context, project, version string) (string, io.ReadCloser, bool, error)
	List(ctx context.Context, project string) ([]string, error)
	ListProjects(ctx context.Context) ([]string, error)
	// Delete removes one version, or the whole project when version is
	// empty.
	Delete(ctx context.Context, project, version string) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
