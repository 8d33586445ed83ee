package lim

import (
	"context"
	"sync"
	"time"

	"docgate/metrics"
	"docgate/svc/db"
	"docgate/svc/util"
)

const throttleSweepPeriod = 5 * time.Minute

// Throttle counts failed password and recovery attempts per document+caller
// and blocks further attempts once the window fills up. Backed by Redis when
// available so counts are shared across replicas; otherwise an in-memory
// window does the same job per instance.
type Throttle struct {
	rdb      *db.Redis
	window   time.Duration
	maxFails int

	mu    sync.Mutex
	local map[string]*localWindow
	quit  chan struct{}
}

type localWindow struct {
	count   int64
	resetAt time.Time
}

func NewThrottle(rdb *db.Redis, window time.Duration, maxFails int) *Throttle {
	t := &Throttle{
		rdb:      rdb,
		window:   window,
		maxFails: maxFails,
		local:    make(map[string]*localWindow),
		quit:     make(chan struct{}),
	}
	go t.cleanupLoop()
	return t
}

func (t *Throttle) Stop() {
	close(t.quit)
}

func key(documentID, caller string) string {
	return documentID + ":" + caller
}

// Allowed reports whether another attempt against the gate may proceed.
// Errors talking to Redis fall through to the local window rather than
// letting attempts bypass the throttle.
func (t *Throttle) Allowed(ctx context.Context, documentID, caller string) bool {
	k := key(documentID, caller)
	if t.rdb != nil {
		count, err := t.rdb.FailedAttemptCount(ctx, k)
		if err == nil {
			if count >= int64(t.maxFails) {
				metrics.ThrottledAttempts.Inc()
				return false
			}
			return true
		}
		util.Warn().Err(err).Msg("failed attempt count unavailable, using local window")
	}
	if t.localCount(k) >= int64(t.maxFails) {
		metrics.ThrottledAttempts.Inc()
		return false
	}
	return true
}

// RecordFailure bumps the failure count for the document+caller pair.
func (t *Throttle) RecordFailure(ctx context.Context, documentID, caller string) {
	k := key(documentID, caller)
	if t.rdb != nil {
		if _, err := t.rdb.RecordFailedAttempt(ctx, k, t.window); err == nil {
			return
		} else {
			util.Warn().Err(err).Msg("failed to record gate failure in redis, using local window")
		}
	}
	t.localRecord(k)
}

// RecordSuccess clears the window after a correct password or answer set,
// so a legitimate user who finally gets it right is not locked out.
func (t *Throttle) RecordSuccess(ctx context.Context, documentID, caller string) {
	k := key(documentID, caller)
	if t.rdb != nil {
		if err := t.rdb.ClearFailedAttempts(ctx, k); err != nil {
			util.Warn().Err(err).Msg("failed to clear gate failures in redis")
		}
	}
	t.mu.Lock()
	delete(t.local, k)
	t.mu.Unlock()
}

func (t *Throttle) localCount(k string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.local[k]
	if !ok {
		return 0
	}
	if time.Now().After(w.resetAt) {
		delete(t.local, k)
		return 0
	}
	return w.count
}

func (t *Throttle) localRecord(k string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.local[k]
	if !ok || time.Now().After(w.resetAt) {
		t.local[k] = &localWindow{count: 1, resetAt: time.Now().Add(t.window)}
		return
	}
	w.count++
}

func (t *Throttle) cleanupLoop() {
	ticker := time.NewTicker(throttleSweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.evictExpired()
		case <-t.quit:
			return
		}
	}
}

func (t *Throttle) evictExpired() {
	now := time.Now()
	t.mu.Lock()
	for k, w := range t.local {
		if now.After(w.resetAt) {
			delete(t.local, k)
		}
	}
	t.mu.Unlock()
}
