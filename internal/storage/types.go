package storage

import "time"

// Config configures the sqlite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Image is one pool entry. Locator is an opaque content reference (local
// path or URL) owned by the ingestion side; core code never rewrites it.
type Image struct {
	ID        int64
	Locator   string
	Caption   string
	Active    bool
	Sent      bool
	SendCount int
	LastSent  *time.Time
	CreatedAt time.Time
}

// Job is the singleton persisted schedule record. It is replaced (never
// appended) after every cycle and removed only on explicit stop.
type Job struct {
	FireAt    time.Time
	Grace     time.Duration
	UpdatedAt time.Time
}

// Delivery is one row of the append-only delivery log.
// ImageID is 0 for cycles that found the pool empty.
type Delivery struct {
	At            time.Time
	ImageID       int64
	CorrelationID string
	Outcome       string
	Reference     string
	Error         string
	Forced        bool
	TookMS        int64
}

// PoolStats summarizes the pool for status/observability surfaces.
type PoolStats struct {
	Total  int
	Active int
	Unsent int
}
