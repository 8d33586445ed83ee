package lim

import (
	"net/http/httptest"
	"testing"
)

func TestGetRealIPWithoutProxies(t *testing.T) {
	r := httptest.NewRequest("GET", "/documents/abc/download", nil)
	r.RemoteAddr = "203.0.113.9:4412"
	r.Header.Set("X-Forwarded-For", "198.51.100.7")

	// No trusted proxies means the header is attacker-controlled.
	if got := GetRealIP(r, nil); got != "203.0.113.9" {
		t.Fatalf("GetRealIP = %q, want direct peer", got)
	}
}

func TestGetRealIPWalksForwardedChain(t *testing.T) {
	trusted := []string{"10.0.0.0/8"}
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.5:9000"
	r.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.2, 10.0.0.3")

	if got := GetRealIP(r, trusted); got != "198.51.100.7" {
		t.Fatalf("GetRealIP = %q, want first untrusted hop", got)
	}
}

func TestGetRealIPSkipsGarbageHops(t *testing.T) {
	trusted := []string{"10.0.0.5"}
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.5:9000"
	r.Header.Set("X-Forwarded-For", "198.51.100.7, not-an-ip")

	if got := GetRealIP(r, trusted); got != "198.51.100.7" {
		t.Fatalf("GetRealIP = %q, want hop before garbage", got)
	}
}

func TestGetRealIPUntrustedPeerIgnoresHeader(t *testing.T) {
	trusted := []string{"10.0.0.5"}
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.0.2.44:1234"
	r.Header.Set("X-Forwarded-For", "198.51.100.7")

	if got := GetRealIP(r, trusted); got != "192.0.2.44" {
		t.Fatalf("GetRealIP = %q, want direct peer", got)
	}
}

func TestLocalFallbackEnforcesLimit(t *testing.T) {
	l := New(100, 5, 3, nil, nil)
	defer l.Stop()

	r := httptest.NewRequest("POST", "/documents/abc/verify-password", nil)
	r.RemoteAddr = "203.0.113.9:4412"

	allowed := 0
	for i := 0; i < 10; i++ {
		res := l.CheckLimit(nil, r, "verify")
		if res.Allowed {
			allowed++
		}
	}
	if allowed != 3 {
		t.Fatalf("allowed %d requests without redis, want conservative limit 3", allowed)
	}
}

func TestLocalFallbackIsolatesEndpoints(t *testing.T) {
	l := New(100, 5, 1, nil, nil)
	defer l.Stop()

	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "203.0.113.9:4412"

	if !l.CheckLimit(nil, r, "verify").Allowed {
		t.Fatal("first verify request should pass")
	}
	if l.CheckLimit(nil, r, "verify").Allowed {
		t.Fatal("second verify request should be limited")
	}
	if !l.CheckLimit(nil, r, "download").Allowed {
		t.Fatal("download bucket should be independent of verify")
	}
}

func TestAdaptiveModeHalvesLimit(t *testing.T) {
	l := New(100, 5, 4, nil, nil)
	defer l.Stop()
	l.TriggerAdaptiveMode()

	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "203.0.113.9:4412"

	allowed := 0
	for i := 0; i < 10; i++ {
		if l.CheckLimit(nil, r, "catalog").Allowed {
			allowed++
		}
	}
	if allowed != 2 {
		t.Fatalf("allowed %d requests in adaptive mode, want 2", allowed)
	}
}

func TestNewPanicsOnBadProxyConfig(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for malformed proxy entry")
		}
	}()
	New(100, 5, 3, nil, []string{"10.0.0.0/notacidr"})
}
