// Package discovery supplies the current worker-endpoint set for a service
// key. Snapshots are eventually consistent: subscribers must tolerate
// duplicate notifications and missed terminations (the delivery layer's
// resend logic covers the latter).
package discovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/sevenDatabase/SevenFlow/internal/delivery"
)

// Registry is the subscription surface the work-pulling router consumes.
type Registry interface {
	// Subscribe yields snapshots of the worker set registered under
	// serviceKey, starting with the current one. The channel closes when
	// ctx is done.
	Subscribe(ctx context.Context, serviceKey string) <-chan []delivery.Worker
}

type entry struct {
	worker   delivery.Worker
	deadline time.Time // zero when registered without TTL
}

// MemoryRegistry is an in-process Registry with optional per-entry TTLs and
// a pruning loop that expires endpoints whose TTL lapsed.
type MemoryRegistry struct {
	clk clock.Clock

	mu       sync.Mutex
	services map[string]map[string]entry
	subs     map[string][]chan []delivery.Worker
}

func NewMemoryRegistry(clk clock.Clock) *MemoryRegistry {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryRegistry{
		clk:      clk,
		services: make(map[string]map[string]entry),
		subs:     make(map[string][]chan []delivery.Worker),
	}
}

// Register adds or refreshes a worker under serviceKey. A zero ttl means the
// entry never expires on its own.
func (r *MemoryRegistry) Register(serviceKey string, w delivery.Worker, ttl time.Duration) {
	r.mu.Lock()
	svc := r.services[serviceKey]
	if svc == nil {
		svc = make(map[string]entry)
		r.services[serviceKey] = svc
	}
	e := entry{worker: w}
	if ttl > 0 {
		e.deadline = r.clk.Now().Add(ttl)
	}
	svc[w.ID] = e
	r.mu.Unlock()
	r.notify(serviceKey)
}

// Deregister removes a worker. Removing an unknown worker is a no-op.
func (r *MemoryRegistry) Deregister(serviceKey, workerID string) {
	r.mu.Lock()
	if svc := r.services[serviceKey]; svc != nil {
		delete(svc, workerID)
	}
	r.mu.Unlock()
	r.notify(serviceKey)
}

// Subscribe implements Registry.
func (r *MemoryRegistry) Subscribe(ctx context.Context, serviceKey string) <-chan []delivery.Worker {
	ch := make(chan []delivery.Worker, 16)
	r.mu.Lock()
	r.subs[serviceKey] = append(r.subs[serviceKey], ch)
	snap := r.snapshotLocked(serviceKey)
	r.mu.Unlock()
	ch <- snap
	go func() {
		<-ctx.Done()
		r.mu.Lock()
		subs := r.subs[serviceKey]
		for i, c := range subs {
			if c == ch {
				r.subs[serviceKey] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		r.mu.Unlock()
		close(ch)
	}()
	return ch
}

// RunPruning expires TTL'd entries every interval until ctx is done.
func (r *MemoryRegistry) RunPruning(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	t := r.clk.Ticker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.prune()
		}
	}
}

func (r *MemoryRegistry) prune() {
	now := r.clk.Now()
	var touched []string
	r.mu.Lock()
	for key, svc := range r.services {
		for id, e := range svc {
			if !e.deadline.IsZero() && now.After(e.deadline) {
				delete(svc, id)
				touched = append(touched, key)
				slog.Debug("PRUNE", slog.String("service_key", key), slog.String("worker_id", id))
			}
		}
	}
	r.mu.Unlock()
	for _, key := range touched {
		r.notify(key)
	}
}

func (r *MemoryRegistry) snapshotLocked(serviceKey string) []delivery.Worker {
	svc := r.services[serviceKey]
	out := make([]delivery.Worker, 0, len(svc))
	for _, e := range svc {
		out = append(out, e.worker)
	}
	return out
}

func (r *MemoryRegistry) notify(serviceKey string) {
	r.mu.Lock()
	snap := r.snapshotLocked(serviceKey)
	subs := append([]chan []delivery.Worker(nil), r.subs[serviceKey]...)
	r.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- snap:
		default:
			// A subscriber whose buffer is full misses this snapshot and
			// sees the set again on the next change.
		}
	}
}
