package util

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// CallerHasher turns client IPs into stable, non-reversible keys for the
// recovery-attempt throttle. Keys rotate by epoch so old throttle buckets
// cannot be correlated back to addresses.
type CallerHasher struct {
	rotationInterval time.Duration
	pepper           []byte
	mu               sync.RWMutex
	currentKey       []byte
	currentEpoch     int64
	stopChan         chan struct{}
	stopped          bool
}

var (
	globalCallerHasher *CallerHasher
	callerHasherOnce   sync.Once
	callerHasherErr    error

	ErrHasherNotInit   = errors.New("caller hasher not initialized")
	ErrHasherStopped   = errors.New("caller hasher stopped")
	ErrInvalidInterval = errors.New("rotation interval must be >= 15 minutes")
)

func InitCallerHasher(pepper []byte, rotationInterval time.Duration) error {
	if rotationInterval < 15*time.Minute {
		return ErrInvalidInterval
	}
	if len(pepper) < 32 {
		return errors.New("pepper must be at least 32 bytes")
	}
	callerHasherOnce.Do(func() {
		h := &CallerHasher{
			rotationInterval: rotationInterval,
			pepper:           make([]byte, len(pepper)),
			stopChan:         make(chan struct{}),
		}
		copy(h.pepper, pepper)
		h.currentEpoch = h.getEpoch(time.Now())
		h.rotateKey()
		go h.rotationLoop()
		globalCallerHasher = h
	})
	return callerHasherErr
}

func GetCallerHasher() (*CallerHasher, error) {
	if globalCallerHasher == nil {
		return nil, ErrHasherNotInit
	}
	if globalCallerHasher.stopped {
		return nil, ErrHasherStopped
	}
	return globalCallerHasher, nil
}

func StopCallerHasher() {
	if globalCallerHasher != nil {
		globalCallerHasher.Stop()
		globalCallerHasher = nil
		callerHasherOnce = sync.Once{}
		callerHasherErr = nil
	}
}

// HashCaller returns an epoch-scoped HMAC of the caller address.
func (h *CallerHasher) HashCaller(ip string) (string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.stopped {
		return "", ErrHasherStopped
	}
	mac := hmac.New(sha256.New, h.currentKey)
	mac.Write([]byte(ip))
	sum := mac.Sum(nil)
	return fmt.Sprintf("caller:%d:%s", h.currentEpoch, hex.EncodeToString(sum[:16])), nil
}

func (h *CallerHasher) getEpoch(t time.Time) int64 {
	return t.Unix() / int64(h.rotationInterval.Seconds())
}

func (h *CallerHasher) rotateKey() {
	mac := hmac.New(sha256.New, h.pepper)
	fmt.Fprintf(mac, "caller-hasher-v1:%d", h.currentEpoch)
	key := mac.Sum(nil)

	h.mu.Lock()
	if h.currentKey != nil {
		Wipe(h.currentKey)
	}
	h.currentKey = key
	h.mu.Unlock()
}

func (h *CallerHasher) rotationLoop() {
	ticker := time.NewTicker(h.rotationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopChan:
			return
		case <-ticker.C:
			newEpoch := h.getEpoch(time.Now())
			h.mu.Lock()
			changed := newEpoch != h.currentEpoch
			if changed {
				h.currentEpoch = newEpoch
			}
			h.mu.Unlock()
			if changed {
				h.rotateKey()
				Debug().Int64("epoch", newEpoch).Msg("rotated caller hasher key")
			}
		}
	}
}

func (h *CallerHasher) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.stopped = true
	close(h.stopChan)
	if h.currentKey != nil {
		Wipe(h.currentKey)
		h.currentKey = nil
	}
	if h.pepper != nil {
		Wipe(h.pepper)
		h.pepper = nil
	}
}
