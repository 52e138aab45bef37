package main

import (
	"context"
	"hash/fnv"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	retryInitialDelay = 30 * time.Second
	retryMaxDelay     = 5 * time.Minute
	retryJitterWindow = 10 * time.Second

	healthFailureRateLimit = 0.5
	healthLatencyLimit     = 10 * time.Second
)

// RetryStats is the externally visible view of the retry table.
type RetryStats struct {
	FailedServices []string       `json:"failedServices"`
	RetryCounts    map[string]int `json:"retryCounts"`
}

// lifecycleManager drives connection state for every registered backend:
// parallel startup, scheduled reconnects with backoff, and periodic health
// probes. It owns the retry timers; nothing else schedules reconnects.
type lifecycleManager struct {
	router *toolRouter
	sink   EventSink

	mu      sync.Mutex
	timers  map[string]*time.Timer
	retries map[string]int
	stopped bool

	healthCancel context.CancelFunc
	healthDone   chan struct{}
}

func newLifecycleManager(router *toolRouter, sink EventSink) *lifecycleManager {
	return &lifecycleManager{
		router:  router,
		sink:    sink,
		timers:  make(map[string]*time.Timer),
		retries: make(map[string]int),
	}
}

// StartAllServices connects every backend in parallel and waits for all
// attempts to settle. One slow or broken backend never blocks the rest; a
// failed backend enters the retry table unless it is marked panicIfInvalid.
func (m *lifecycleManager) StartAllServices(ctx context.Context) error {
	var eg errgroup.Group
	for _, name := range m.router.serviceNames() {
		svc, ok := m.router.service(name)
		if !ok {
			continue
		}
		svcCopy := svc
		eg.Go(func() error {
			log.Printf("<%s> Connecting", svcCopy.name)
			if err := svcCopy.connect(ctx); err != nil {
				log.Printf("<%s> Failed to connect: %v", svcCopy.name, err)
				if svcCopy.config.panicIfInvalid() {
					svcCopy.markFailed(err)
					publish(m.sink, Event{Kind: EventBackendFailed, Backend: svcCopy.name, Err: err})
					return err
				}
				publish(m.sink, Event{Kind: EventBackendDisconnected, Backend: svcCopy.name, Err: err})
				m.scheduleRetry(svcCopy.name)
				return nil
			}
			publish(m.sink, Event{Kind: EventBackendConnected, Backend: svcCopy.name})
			return nil
		})
	}
	err := eg.Wait()
	m.router.rebuildCatalog()
	return err
}

// StopAllServices cancels every pending retry before closing connections so
// a timer cannot fire into a half-torn-down gateway. Per-backend close errors
// are logged, not propagated.
func (m *lifecycleManager) StopAllServices() {
	m.mu.Lock()
	m.stopped = true
	for name, timer := range m.timers {
		timer.Stop()
		delete(m.timers, name)
	}
	cancel := m.healthCancel
	done := m.healthDone
	m.healthCancel = nil
	m.healthDone = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	for _, name := range m.router.serviceNames() {
		svc, ok := m.router.service(name)
		if !ok {
			continue
		}
		if err := svc.disconnect(); err != nil {
			log.Printf("<%s> close: %v", name, err)
		}
	}
	m.router.rebuildCatalog()
}

// retryDelay doubles from the initial delay up to the cap, plus a stable
// per-name jitter so backends configured together do not thunder in lockstep.
func retryDelay(name string, attempt int) time.Duration {
	delay := retryInitialDelay
	for i := 0; i < attempt && delay < retryMaxDelay; i++ {
		delay *= 2
	}
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	jitter := time.Duration(h.Sum32()) % retryJitterWindow
	return delay + jitter
}

func (m *lifecycleManager) scheduleRetry(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	if _, pending := m.timers[name]; pending {
		return
	}
	if _, known := m.retries[name]; !known {
		m.retries[name] = 0
	}
	attempt := m.retries[name]
	delay := retryDelay(name, attempt)
	log.Printf("<%s> retry %d in %s", name, attempt+1, delay)
	m.timers[name] = time.AfterFunc(delay, func() { m.runRetry(name) })
}

func (m *lifecycleManager) runRetry(name string) {
	m.mu.Lock()
	delete(m.timers, name)
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.retries[name]++
	attempt := m.retries[name]
	m.mu.Unlock()

	svc, ok := m.router.service(name)
	if !ok {
		// backend was removed while the timer was pending
		m.clearRetry(name)
		return
	}
	svc.setRetryCount(attempt)

	ctx, cancel := context.WithTimeout(context.Background(), svc.config.timeout())
	defer cancel()
	if err := svc.reconnect(ctx); err != nil {
		log.Printf("<%s> retry %d failed: %v", name, attempt, err)
		publish(m.sink, Event{Kind: EventBackendDisconnected, Backend: name, Err: err})
		m.scheduleRetry(name)
		return
	}
	log.Printf("<%s> reconnected after %d retries", name, attempt)
	m.clearRetry(name)
	svc.setRetryCount(0)
	publish(m.sink, Event{Kind: EventBackendConnected, Backend: name})
	m.router.rebuildCatalog()
}

func (m *lifecycleManager) clearRetry(name string) {
	m.mu.Lock()
	if timer, ok := m.timers[name]; ok {
		timer.Stop()
		delete(m.timers, name)
	}
	delete(m.retries, name)
	m.mu.Unlock()
}

func (m *lifecycleManager) retryStats() RetryStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := RetryStats{
		FailedServices: make([]string, 0, len(m.retries)),
		RetryCounts:    make(map[string]int, len(m.retries)),
	}
	for name, count := range m.retries {
		stats.FailedServices = append(stats.FailedServices, name)
		stats.RetryCounts[name] = count
	}
	sort.Strings(stats.FailedServices)
	return stats
}

// StartHealthLoop probes connected backends on a fixed interval. A failed
// ping, a failure rate above the limit, or an average latency above the limit
// marks the backend unhealthy and reconnects it in place; only a failed
// reconnect enters the retry table.
func (m *lifecycleManager) StartHealthLoop(interval time.Duration) {
	if interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.mu.Lock()
	if m.stopped || m.healthCancel != nil {
		m.mu.Unlock()
		cancel()
		return
	}
	m.healthCancel = cancel
	m.healthDone = done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.checkHealth(ctx)
			}
		}
	}()
}

func (m *lifecycleManager) checkHealth(ctx context.Context) {
	for _, name := range m.router.serviceNames() {
		svc, ok := m.router.service(name)
		if !ok || svc.currentState() != StateConnected {
			continue
		}
		reason := unhealthyReason(ctx, svc)
		if reason == "" {
			continue
		}
		log.Printf("<%s> unhealthy: %s", name, reason)
		publish(m.sink, Event{Kind: EventBackendUnhealthy, Backend: name, Detail: reason})

		reconnectCtx, cancel := context.WithTimeout(ctx, svc.config.timeout())
		err := svc.reconnect(reconnectCtx)
		cancel()
		if err != nil {
			log.Printf("<%s> reconnect failed: %v", name, err)
			publish(m.sink, Event{Kind: EventBackendDisconnected, Backend: name, Err: err})
			m.router.rebuildCatalog()
			m.scheduleRetry(name)
			continue
		}
		log.Printf("<%s> reconnected", name)
		publish(m.sink, Event{Kind: EventBackendConnected, Backend: name})
		m.router.rebuildCatalog()
	}
}

func unhealthyReason(ctx context.Context, svc *serviceConnection) string {
	stats := svc.takeStats()
	if stats.calls > 0 {
		rate := float64(stats.failures) / float64(stats.calls)
		if rate > healthFailureRateLimit {
			return "failure rate above threshold"
		}
		if avg := stats.totalLatency / time.Duration(stats.calls); avg > healthLatencyLimit {
			return "average latency above threshold"
		}
	}
	if err := svc.ping(ctx); err != nil {
		return "ping failed: " + err.Error()
	}
	return ""
}
