package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"docgate/pkg/domain"
)

// LRU holds access-gate records keyed by document id. Entries carry a TTL
// so updates made by another replica are picked up within GateCacheTTL;
// local mutations invalidate the entry immediately via Delete.
type LRU struct {
	c  *lru.Cache[string, item]
	mu sync.Mutex
}

type item struct {
	gate *domain.AccessGate
	exp  time.Time
}

func NewLRU(size int) (*LRU, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > 100000 {
		return nil, errors.New("cache size too large")
	}
	c, err := lru.New[string, item](size)
	if err != nil {
		return nil, err
	}
	return &LRU{c: c}, nil
}

func (l *LRU) Get(ctx context.Context, documentID string) *domain.AccessGate {
	select {
	case <-ctx.Done():
		return nil
	default:
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	it, ok := l.c.Get(documentID)
	if !ok {
		return nil
	}
	if time.Now().After(it.exp) {
		l.c.Remove(documentID)
		return nil
	}
	return it.gate
}

func (l *LRU) Set(ctx context.Context, g *domain.AccessGate, ttl time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Add(g.DocumentID, item{
		gate: g,
		exp:  time.Now().Add(ttl),
	})
}

func (l *LRU) Delete(documentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Remove(documentID)
}
