package lim

import (
	"sync"
	"time"

	"docgate/metrics"
	"docgate/svc/util"
)

const (
	anomalyBuckets     = 5
	anomalyTick        = time.Minute
	anomalyMinRequests = 10
	anomalyMaxErrPct   = 5.0
)

// AnomalyDetector keeps a rolling window of request and error counts, one
// bucket per minute. A sustained error rate above the threshold is treated
// as a probing or brute-force signal and trips the adaptive limit callback.
type AnomalyDetector struct {
	mu        sync.Mutex
	window    [anomalyBuckets]bucket
	current   int
	onAnomaly func()
	done      chan struct{}
}

type bucket struct {
	requests int64
	errors   int64
}

func NewAnomalyDetector(onAnomaly func()) *AnomalyDetector {
	return &AnomalyDetector{
		onAnomaly: onAnomaly,
		done:      make(chan struct{}),
	}
}

func (d *AnomalyDetector) Start() {
	ticker := time.NewTicker(anomalyTick)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.rotate()
			case <-d.done:
				return
			}
		}
	}()
}

func (d *AnomalyDetector) Stop() {
	close(d.done)
}

func (d *AnomalyDetector) RecordRequest() {
	d.mu.Lock()
	d.window[d.current].requests++
	d.mu.Unlock()
}

func (d *AnomalyDetector) RecordError() {
	d.mu.Lock()
	d.window[d.current].errors++
	d.mu.Unlock()
}

// rotate evaluates the full window, then opens a fresh bucket.
func (d *AnomalyDetector) rotate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	var reqs, errs int64
	for _, b := range d.window {
		reqs += b.requests
		errs += b.errors
	}
	var errRate float64
	if reqs > 0 {
		errRate = float64(errs) / float64(reqs) * 100.0
	}
	metrics.RecentErrorRatePercent.Set(errRate)
	if reqs > anomalyMinRequests && errRate > anomalyMaxErrPct {
		util.Warn().
			Float64("error_rate", errRate).
			Int64("requests", reqs).
			Int64("errors", errs).
			Msg("sustained error rate, triggering adaptive rate limit")
		if d.onAnomaly != nil {
			d.onAnomaly()
		}
	}
	d.current = (d.current + 1) % anomalyBuckets
	d.window[d.current] = bucket{}
}
