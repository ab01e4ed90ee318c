// Package subscriber implements the subscriber registry (component G):
// a connectionId -> Subscriber map routed by projectId, with parallel,
// failure-isolated fan-out.
package subscriber

import (
	"sync"

	"go.uber.org/zap"

	"signalwatch/metrics"
	"signalwatch/model"
)

// Registry is guarded by sync.RWMutex with snapshot reads during
// fan-out, mirroring the teacher's cbMu-guarded-map pattern in
// notify.Notifier.circuitBreakers. Mutation is single-writer; reads take
// a consistent snapshot so dispatch never iterates a mutating map.
type Registry struct {
	mu          sync.RWMutex
	subscribers map[string]model.Subscriber
	logger      *zap.SugaredLogger
}

// NewRegistry constructs an empty Registry.
func NewRegistry(logger *zap.SugaredLogger) *Registry {
	return &Registry{
		subscribers: make(map[string]model.Subscriber),
		logger:      logger,
	}
}

// Subscribe registers sub under its ConnectionID, returning an
// unsubscribe handle. Re-subscribing with the same connection id
// replaces the previous registration.
func (r *Registry) Subscribe(sub model.Subscriber) func() {
	r.mu.Lock()
	r.subscribers[sub.ConnectionID] = sub
	r.mu.Unlock()

	return func() { r.Unsubscribe(sub.ConnectionID) }
}

// Unsubscribe removes a subscriber. Removing an unknown id is a no-op.
func (r *Registry) Unsubscribe(connectionID string) {
	r.mu.Lock()
	delete(r.subscribers, connectionID)
	r.mu.Unlock()
}

// Count reports the number of live subscribers, for diagnostics.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscribers)
}

// DispatchByProject routes n to every subscriber registered for
// n.ProjectID, in parallel, isolating each callback's panics/errors from
// its siblings. The registry itself only routes by projectId; it is the
// Subscriber's own Deliver callback that hydrates logs and applies any
// service/level filter (per spec.md §4.G, since the payload carries only
// ids).
func (r *Registry) DispatchByProject(projectID string, n model.Notification) {
	r.mu.RLock()
	matching := make([]model.Subscriber, 0)
	for _, sub := range r.subscribers {
		if sub.Filter.ProjectID == projectID {
			matching = append(matching, sub)
		}
	}
	r.mu.RUnlock()

	if len(matching) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, sub := range matching {
		wg.Add(1)
		go func(s model.Subscriber) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					metrics.SubscriberDispatchErrors.Inc()
					r.logger.Errorw("subscriber callback panicked", "connection_id", s.ConnectionID, "panic", rec)
				}
			}()
			s.Deliver(n)
		}(sub)
	}
	wg.Wait()
}
