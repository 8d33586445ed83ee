package lim

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"docgate/svc/db"
	"docgate/svc/util"
)

const (
	maxCallerLimiters  = 10000
	limiterSweepPeriod = 5 * time.Minute
	callerLimiterTTL   = 30 * time.Minute
	adaptiveWindow     = 60 * time.Second
	redisCheckTimeout  = 100 * time.Millisecond
)

// Limiter enforces per-endpoint request limits. When Redis is available the
// limit is shared across replicas; otherwise each instance falls back to a
// conservative local per-IP budget so an outage never disables limiting.
type Limiter struct {
	rdb            *db.Redis
	trustedProxies []string
	detector       *AnomalyDetector

	adaptiveUntil int64

	mu        sync.Mutex
	perCaller map[string]*callerLimiter

	conservativeLimit int
	burstLimit        int
	globalRPM         int

	quit        chan struct{}
	evictionSem chan struct{}
}

type callerLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

func New(globalRPM, perIPBurst, conservativeLimit int, rdb *db.Redis, trustedProxies []string) *Limiter {
	mustValidateProxies(trustedProxies)
	l := &Limiter{
		rdb:               rdb,
		trustedProxies:    trustedProxies,
		perCaller:         make(map[string]*callerLimiter),
		conservativeLimit: conservativeLimit,
		burstLimit:        perIPBurst,
		globalRPM:         globalRPM,
		quit:              make(chan struct{}),
		evictionSem:       make(chan struct{}, 1),
	}
	l.detector = NewAnomalyDetector(l.TriggerAdaptiveMode)
	l.detector.Start()
	go l.sweepLoop()
	return l
}

func mustValidateProxies(proxies []string) {
	for _, proxy := range proxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				panic(fmt.Sprintf("invalid CIDR in trustedProxies: %s: %v", proxy, err))
			}
			continue
		}
		if net.ParseIP(proxy) == nil {
			panic(fmt.Sprintf("invalid IP in trustedProxies: %s", proxy))
		}
	}
}

func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(limiterSweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictStale()
		case <-l.quit:
			return
		}
	}
}

func (l *Limiter) evictStale() {
	now := time.Now()
	l.mu.Lock()
	evicted := 0
	for key, entry := range l.perCaller {
		if now.Sub(entry.lastSeen) > callerLimiterTTL {
			delete(l.perCaller, key)
			evicted++
		}
	}
	remaining := len(l.perCaller)
	l.mu.Unlock()
	if evicted > 0 {
		util.Debug().Int("evicted", evicted).Int("remaining", remaining).Msg("rate limiter sweep")
	}
}

func (l *Limiter) Stop() {
	close(l.quit)
	l.detector.Stop()
}

// TriggerAdaptiveMode halves limits for 60s. Wired to the anomaly detector
// so a burst of gate failures tightens the door instead of opening it.
func (l *Limiter) TriggerAdaptiveMode() {
	atomic.StoreInt64(&l.adaptiveUntil, time.Now().Add(adaptiveWindow).Unix())
}

func (l *Limiter) isAdaptiveMode() bool {
	return time.Now().Unix() < atomic.LoadInt64(&l.adaptiveUntil)
}

// halveIfAdaptive shrinks a limit under adaptive mode, never below one.
func (l *Limiter) halveIfAdaptive(limit int) int {
	if !l.isAdaptiveMode() {
		return limit
	}
	if limit /= 2; limit < 1 {
		return 1
	}
	return limit
}

func (l *Limiter) RecordRequest() {
	l.detector.RecordRequest()
}

func (l *Limiter) RecordError() {
	l.detector.RecordError()
}

func (l *Limiter) CheckLimit(w http.ResponseWriter, r *http.Request, endpoint string) *RateLimitResult {
	ip := GetRealIP(r, l.trustedProxies)
	if l.rdb == nil {
		return l.failClosedLocal(ip, endpoint)
	}
	limit := l.halveIfAdaptive(l.globalRPM)
	ctx, cancel := context.WithTimeout(r.Context(), redisCheckTimeout)
	defer cancel()
	usage, err := l.rdb.RateLimit(ctx, "global:"+endpoint, limit, time.Minute)
	if err != nil {
		util.Warn().Err(err).Msg("redis rate limit unavailable, using local fallback")
		return l.failClosedLocal(ip, endpoint)
	}
	remaining := limit - usage
	if remaining < 0 {
		remaining = 0
	}
	return &RateLimitResult{
		Allowed:   usage <= limit,
		Limit:     limit,
		Remaining: remaining,
		Reset:     time.Now().Add(time.Minute),
	}
}

func (l *Limiter) failClosedLocal(ip, endpoint string) *RateLimitResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.perCaller) >= (maxCallerLimiters*9)/10 {
		l.scheduleEviction(len(l.perCaller) / 10)
	}
	if len(l.perCaller) >= maxCallerLimiters {
		util.Warn().
			Int("limiters", len(l.perCaller)).
			Str("ip", ip).
			Msg("rate limiter at capacity, rejecting request")
		return &RateLimitResult{
			Allowed: false,
			Limit:   l.conservativeLimit,
			Reset:   time.Now().Add(time.Minute),
		}
	}
	limit := l.halveIfAdaptive(l.conservativeLimit)
	key := ip + ":" + endpoint
	entry, ok := l.perCaller[key]
	if !ok {
		entry = &callerLimiter{
			limiter: rate.NewLimiter(rate.Limit(limit)/60.0, limit),
		}
		l.perCaller[key] = entry
	}
	entry.lastSeen = time.Now()
	if !entry.limiter.Allow() {
		return &RateLimitResult{
			Allowed: false,
			Limit:   limit,
			Reset:   time.Now().Add(time.Minute),
		}
	}
	return &RateLimitResult{
		Allowed:   true,
		Limit:     limit,
		Remaining: l.conservativeLimit - 1,
		Reset:     time.Now().Add(time.Minute),
	}
}

// scheduleEviction kicks off at most one background eviction at a time.
// Caller holds l.mu.
func (l *Limiter) scheduleEviction(count int) {
	if count <= 0 {
		return
	}
	select {
	case l.evictionSem <- struct{}{}:
		go func() {
			defer func() { <-l.evictionSem }()
			l.evictOldest(count)
		}()
	default:
	}
}

func (l *Limiter) evictOldest(count int) {
	type aged struct {
		key      string
		lastSeen time.Time
	}
	l.mu.Lock()
	if len(l.perCaller) < (maxCallerLimiters*8)/10 {
		l.mu.Unlock()
		return
	}
	entries := make([]aged, 0, len(l.perCaller))
	for k, v := range l.perCaller {
		entries = append(entries, aged{k, v.lastSeen})
	}
	l.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].lastSeen.Before(entries[j].lastSeen)
	})

	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for i := 0; i < count && i < len(entries); i++ {
		if _, ok := l.perCaller[entries[i].key]; ok {
			delete(l.perCaller, entries[i].key)
			evicted++
		}
	}
	if evicted > 0 {
		util.Debug().Int("evicted", evicted).Msg("limiter eviction completed")
	}
}

// GetRealIP resolves the client address, trusting X-Forwarded-For only when
// the direct peer is a trusted proxy. The header is walked right to left;
// the first hop we do not operate is the client.
func GetRealIP(r *http.Request, trustedProxies []string) string {
	remoteIP := stripPort(r.RemoteAddr)
	if len(trustedProxies) == 0 || !isTrustedProxy(remoteIP, trustedProxies) {
		return remoteIP
	}
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return remoteIP
	}
	const maxHops = 100
	hops := strings.Split(xff, ",")
	if len(hops) > maxHops {
		util.Warn().Int("hops", len(hops)).Str("remote", remoteIP).Msg("XFF header excessive, truncated parsing")
		hops = hops[len(hops)-maxHops:]
	}
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if net.ParseIP(hop) == nil {
			util.Warn().Str("ip", hop).Msg("invalid IP in X-Forwarded-For, skipping")
			continue
		}
		if !isTrustedProxy(hop, trustedProxies) {
			return hop
		}
	}
	return remoteIP
}

func isTrustedProxy(ip string, trustedProxies []string) bool {
	for _, proxy := range trustedProxies {
		if ip == proxy {
			return true
		}
		if !strings.Contains(proxy, "/") {
			continue
		}
		_, subnet, err := net.ParseCIDR(proxy)
		if err != nil {
			continue
		}
		if parsed := net.ParseIP(ip); parsed != nil && subnet.Contains(parsed) {
			return true
		}
	}
	return false
}

func stripPort(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
