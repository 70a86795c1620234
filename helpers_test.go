package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

// fakeResolver answers from a fixed table; unknown hosts fail to resolve.
type fakeResolver map[string][]string

func (f fakeResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	ips, ok := f[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	out := make([]net.IPAddr, 0, len(ips))
	for _, ip := range ips {
		out = append(out, net.IPAddr{IP: net.ParseIP(ip)})
	}
	return out, nil
}

// loopbackPolicy is the default policy minus 127.0.0.0/8 so tests can reach
// httptest servers. Every other range stays blocked.
func loopbackPolicy() Policy {
	p := DefaultPolicy()
	loopback := netip.MustParsePrefix("127.0.0.0/8")
	kept := p.BlockedPrefixes[:0]
	for _, prefix := range p.BlockedPrefixes {
		if prefix != loopback {
			kept = append(kept, prefix)
		}
	}
	p.BlockedPrefixes = kept
	return p
}

func testConfig() Config {
	return Config{
		Host:                "127.0.0.1",
		Port:                "0",
		SourcesTTL:          time.Minute,
		ImageAllowedDomains: []string{"doubanio.com"},
		ImageCacheDays:      30,
		UpstreamTimeout:     5 * time.Second,
		PlaylistTimeout:     5 * time.Second,
		PrecheckTimeout:     5 * time.Second,
		MaxPlaylistBytes:    defaultMaxPlaylistBytes,
		DefaultUserAgent:    defaultUserAgent,
		LogLevel:            "debug",
		LogFormat:           "console",
	}
}

var testSources = StaticSources{
	"live": {Key: "live", Name: "Live", URL: "http://example.com/live.m3u", UserAgent: "okhttp/3.15"},
	"tv":   {Key: "tv", Name: "TV", Headers: map[string]string{"Referer": "https://tv.example/"}},
}

type testEnv struct {
	server *Server
	proxy  *httptest.Server
}

func newTestEnv(t *testing.T, cfg Config, resolver Resolver) *testEnv {
	t.Helper()
	log := zaptest.NewLogger(t)
	guard := NewGuard(loopbackPolicy(), resolver)
	fetcher := NewFetcher(newUpstreamClient(guard), guard, log)
	srv := NewServer(cfg, testSources, guard, fetcher, log)
	proxy := httptest.NewServer(srv.routes())
	t.Cleanup(proxy.Close)
	return &testEnv{server: srv, proxy: proxy}
}

func (e *testEnv) get(t *testing.T, path string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.proxy.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	for k, vv := range header {
		req.Header[k] = vv
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// redirectChain serves /hop/N redirecting to /hop/N+1 until N == hops, where
// it answers 200 with body.
func redirectChain(hops int, body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var n int
		if _, err := fmt.Sscanf(r.URL.Path, "/hop/%d", &n); err != nil {
			http.NotFound(w, r)
			return
		}
		if n < hops {
			http.Redirect(w, r, fmt.Sprintf("/hop/%d", n+1), http.StatusFound)
			return
		}
		w.Write([]byte(body))
	})
}
