// Package ingest periodically sweeps watched properties through the fetch
// gateway and publishes change events to their broadcast topics.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"github.com/NickAiNYC/ViolationSentinel/internal/gateway"
	"github.com/NickAiNYC/ViolationSentinel/internal/metrics"
)

// BatchFetcher is the slice of the gateway the watcher needs.
type BatchFetcher interface {
	FetchBatch(ctx context.Context, reqs []gateway.FetchRequest) map[string]gateway.Result
}

// Publisher fans an event out to a topic's subscribers.
type Publisher interface {
	Publish(topicID string, payload json.RawMessage) int
}

// UpdateEvent is the payload published when a watched property's record
// count changes.
type UpdateEvent struct {
	Collection    string `json:"collection"`
	BBL           string `json:"bbl"`
	RecordCount   int    `json:"record_count"`
	PreviousCount int    `json:"previous_count"`
	ObservedAt    string `json:"observed_at"`
}

// Options configure the watcher.
type Options struct {
	Properties  []string // BBLs to sweep
	Collections []string // collections checked per property; defaults to violations
	Schedule    string   // cron expression; empty disables the schedule
	FetchLimit  int      // records requested per property, 0 uses the upstream default
}

// Watcher diffs record counts between sweeps. The first sweep establishes a
// baseline and publishes nothing.
type Watcher struct {
	fetcher   BatchFetcher
	publisher Publisher
	clock     clockwork.Clock
	opts      Options
	cron      *cron.Cron

	mu         sync.Mutex
	lastCounts map[string]int
}

func New(fetcher BatchFetcher, publisher Publisher, opts Options, clock clockwork.Clock) *Watcher {
	if len(opts.Collections) == 0 {
		opts.Collections = []string{"violations"}
	}
	return &Watcher{
		fetcher:    fetcher,
		publisher:  publisher,
		clock:      clock,
		opts:       opts,
		lastCounts: make(map[string]int),
	}
}

// Start registers the sweep on the cron schedule. A watcher with no schedule
// or no properties is a no-op.
func (w *Watcher) Start() error {
	if w.opts.Schedule == "" || len(w.opts.Properties) == 0 {
		slog.Info("ingest watcher disabled")
		return nil
	}

	w.cron = cron.New()
	_, err := w.cron.AddFunc(w.opts.Schedule, func() {
		w.RunOnce(context.Background())
	})
	if err != nil {
		return fmt.Errorf("invalid ingest schedule %q: %w", w.opts.Schedule, err)
	}

	w.cron.Start()
	slog.Info("ingest watcher started", "schedule", w.opts.Schedule, "properties", len(w.opts.Properties))
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (w *Watcher) Stop() {
	if w.cron == nil {
		return
	}
	<-w.cron.Stop().Done()
}

// RunOnce sweeps every watched property once and publishes an UpdateEvent
// for each changed count.
func (w *Watcher) RunOnce(ctx context.Context) {
	start := w.clock.Now()

	reqs := make([]gateway.FetchRequest, 0, len(w.opts.Properties)*len(w.opts.Collections))
	for _, bbl := range w.opts.Properties {
		for _, collection := range w.opts.Collections {
			reqs = append(reqs, gateway.FetchRequest{
				Collection:  collection,
				FilterField: "bbl",
				FilterValue: bbl,
				Limit:       w.opts.FetchLimit,
			})
		}
	}
	if len(reqs) == 0 {
		return
	}

	results := w.fetcher.FetchBatch(ctx, reqs)

	published := 0
	failed := 0
	for _, req := range reqs {
		result, ok := results[req.Key()]
		if !ok {
			continue
		}
		if result.Err != nil {
			failed++
			slog.Warn("sweep fetch failed", "collection", req.Collection, "bbl", req.FilterValue, "error", result.Err)
			continue
		}
		if w.recordCount(req, len(result.Records)) {
			published++
		}
	}

	result := "ok"
	if failed == len(reqs) {
		result = "failed"
	} else if failed > 0 {
		result = "partial"
	}
	metrics.IngestSweepsTotal.WithLabelValues(result).Inc()
	metrics.IngestSweepDuration.Observe(w.clock.Since(start).Seconds())

	slog.Info("ingest sweep complete",
		"properties", len(w.opts.Properties),
		"published", published,
		"failed", failed,
		"duration", w.clock.Since(start),
	)
}

// recordCount stores the observed count and publishes when it moved. Returns
// true when an event went out.
func (w *Watcher) recordCount(req gateway.FetchRequest, count int) bool {
	key := req.Key()

	w.mu.Lock()
	previous, seen := w.lastCounts[key]
	w.lastCounts[key] = count
	w.mu.Unlock()

	if !seen || count == previous {
		return false
	}

	event := UpdateEvent{
		Collection:    req.Collection,
		BBL:           req.FilterValue,
		RecordCount:   count,
		PreviousCount: previous,
		ObservedAt:    w.clock.Now().UTC().Format(time.RFC3339),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to marshal update event", "error", err)
		return false
	}

	delivered := w.publisher.Publish(topicForProperty(req.FilterValue), payload)
	metrics.IngestUpdatesPublished.Inc()
	slog.Info("published property update",
		"collection", req.Collection,
		"bbl", req.FilterValue,
		"record_count", count,
		"previous_count", previous,
		"delivered", delivered,
	)
	return true
}

func topicForProperty(bbl string) string {
	return "property:" + bbl
}
