// Package retention sweeps resolved orders out of the review queue.
//
// The janitor runs as a background goroutine. Each cycle it finds records in
// a terminal status (dispatched, rejected) whose last update is older than
// the retention window, archives them, and purges them from the hot store.
// Archiving is fail-safe: when the archive write fails, nothing is purged
// that cycle.
package retention

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/orderdesk/posgate/internal/review"
	"github.com/orderdesk/posgate/pkg/models"
)

// DefaultRetentionDays is the window applied when none is configured.
const DefaultRetentionDays = 30

// resolvedStatuses are the terminal states eligible for purge. dispatch_failed
// stays hot: an operator still has to act on it.
var resolvedStatuses = map[string]bool{
	models.StatusDispatched: true,
	models.StatusRejected:   true,
}

// Archiver writes a batch of review records to durable storage and returns
// a URI locating the written batch.
type Archiver interface {
	Kind() string
	ArchiveRecords(ctx context.Context, records []models.ReviewRecord) (string, error)
}

// CycleStats summarizes one sweep.
type CycleStats struct {
	Matched    int      `json:"matched"`
	Archived   int      `json:"archived"`
	Purged     int      `json:"purged"`
	ArchiveURI string   `json:"archive_uri,omitempty"`
	Errors     []string `json:"errors,omitempty"`
}

// Janitor periodically archives and purges resolved review records.
type Janitor struct {
	reviews   *review.Store
	archiver  Archiver
	retention time.Duration
	interval  time.Duration
	now       func() time.Time

	mu   sync.Mutex
	last *CycleStats
}

// Option configures a Janitor.
type Option func(*Janitor)

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(j *Janitor) { j.now = now }
}

// NewJanitor builds a janitor sweeping on the given interval. A nil archiver
// means purge-only. Retention below one hour is raised to the default window;
// intervals below one minute are raised to one hour.
func NewJanitor(reviews *review.Store, archiver Archiver, retention, interval time.Duration, opts ...Option) *Janitor {
	if retention < time.Hour {
		retention = DefaultRetentionDays * 24 * time.Hour
	}
	if interval < time.Minute {
		interval = time.Hour
	}
	j := &Janitor{
		reviews:   reviews,
		archiver:  archiver,
		retention: retention,
		interval:  interval,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Start runs the sweep loop until ctx is cancelled. The first sweep runs
// immediately.
func (j *Janitor) Start(ctx context.Context) {
	kind := "none"
	if j.archiver != nil {
		kind = j.archiver.Kind()
	}
	log.Info().
		Dur("retention", j.retention).
		Dur("interval", j.interval).
		Str("archiver", kind).
		Msg("retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("retention janitor stopped")
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep performs one archive-and-purge cycle and returns its stats.
func (j *Janitor) Sweep(ctx context.Context) CycleStats {
	start := j.now()
	cutoff := start.Add(-j.retention)
	expired := j.reviews.Snapshot(func(record models.ReviewRecord) bool {
		return resolvedStatuses[record.OrderPayload.ReviewQueueStatus] &&
			record.UpdatedAt.Before(cutoff)
	})

	stats := CycleStats{Matched: len(expired)}
	defer func() {
		j.mu.Lock()
		j.last = &stats
		j.mu.Unlock()
	}()
	if len(expired) == 0 {
		return stats
	}

	if j.archiver != nil {
		uri, err := j.archiver.ArchiveRecords(ctx, expired)
		if err != nil {
			log.Warn().Err(err).Int("records", len(expired)).
				Msg("archive failed, skipping purge")
			stats.Errors = append(stats.Errors, err.Error())
			return stats
		}
		stats.Archived = len(expired)
		stats.ArchiveURI = uri
	}

	for _, record := range expired {
		deleted, err := j.reviews.Delete(record.OrderID)
		if err != nil {
			log.Warn().Err(err).Str("order_id", record.OrderID).
				Msg("failed to purge resolved order")
			stats.Errors = append(stats.Errors, err.Error())
			continue
		}
		if deleted {
			stats.Purged++
		}
	}

	log.Info().
		Int("matched", stats.Matched).
		Int("archived", stats.Archived).
		Int("purged", stats.Purged).
		Dur("elapsed", time.Since(start)).
		Msg("retention cycle complete")
	return stats
}

// LastCycle returns the most recent sweep stats, or nil before the first.
func (j *Janitor) LastCycle() *CycleStats {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.last == nil {
		return nil
	}
	copied := *j.last
	return &copied
}
