package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// newUpstreamClient returns a client that never follows redirects itself and
// whose dialer re-checks every address with the guard.
func newUpstreamClient(guard *Guard) *http.Client {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           guard.DialContext(dialer),
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 20 * time.Second,
		ExpectContinueTimeout: time.Second,
		DisableCompression:    true,
	}
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// FetchOptions tune one logical fetch.
type FetchOptions struct {
	// Header is sent unchanged on every hop.
	Header http.Header
	// CarryCookies forwards cookies set by earlier hops to later ones.
	CarryCookies bool
	// AllowNotModified accepts a 304 as a final response.
	AllowNotModified bool
	// CheckHop, when set, runs on every target after the guard allowed it.
	CheckHop func(*url.URL) error
}

// FetchResult is a successful fetch. Chain lists every URL requested, the
// last one being the URL that produced Response.
type FetchResult struct {
	Response *http.Response
	Chain    []string
}

// FinalURL is the post-redirect URL of the response.
func (r *FetchResult) FinalURL() string {
	return r.Chain[len(r.Chain)-1]
}

// Fetcher performs GET requests, following at most maxHops redirects and
// validating each target before connecting to it.
type Fetcher struct {
	client  *http.Client
	guard   *Guard
	log     *zap.Logger
	maxHops int
}

func NewFetcher(client *http.Client, guard *Guard, log *zap.Logger) *Fetcher {
	return &Fetcher{client: client, guard: guard, log: log, maxHops: maxRedirectHops}
}

// Fetch returns the first non-redirect response. Non-2xx responses are
// reported as *UpstreamError with the body already closed. The caller owns
// Response.Body on success.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, opts FetchOptions) (*FetchResult, error) {
	current := rawURL
	chain := make([]string, 0, 2)
	var jar cookieJar

	for hop := 0; ; hop++ {
		if dec := f.guard.ValidateURL(ctx, current); !dec.Allowed {
			f.log.Warn("ssrf blocked",
				zap.String("url", current),
				zap.Int("hop", hop),
				zap.String("reason", dec.Reason))
			return nil, dec.Err()
		}
		chain = append(chain, current)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, current, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
		if opts.CheckHop != nil {
			if err := opts.CheckHop(req.URL); err != nil {
				f.log.Warn("hop rejected", zap.String("url", current), zap.Int("hop", hop), zap.Error(err))
				return nil, err
			}
		}
		if opts.Header != nil {
			req.Header = opts.Header.Clone()
		}
		if opts.CarryCookies {
			jar.apply(req)
		}

		resp, err := f.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", current, err)
		}

		if isRedirect(resp.StatusCode) {
			location := strings.TrimSpace(resp.Header.Get("Location"))
			if opts.CarryCookies {
				jar.collect(resp)
			}
			drainAndClose(resp)

			if location == "" {
				return nil, fmt.Errorf("%w: %d from %s", ErrMissingLocation, resp.StatusCode, current)
			}
			if hop >= f.maxHops {
				return nil, fmt.Errorf("%w: more than %d hops from %s", ErrTooManyRedirects, f.maxHops, rawURL)
			}
			next, err := resolveURL(current, location)
			if err != nil {
				return nil, fmt.Errorf("%w: bad location: %v", ErrMissingLocation, err)
			}
			f.log.Debug("following redirect",
				zap.String("from", current),
				zap.String("to", next),
				zap.Int("hop", hop+1))
			current = next
			continue
		}

		if isSuccess(resp.StatusCode) || (opts.AllowNotModified && resp.StatusCode == http.StatusNotModified) {
			return &FetchResult{Response: resp, Chain: chain}, nil
		}
		drainAndClose(resp)
		return nil, &UpstreamError{Status: resp.StatusCode, URL: current}
	}
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

// drainAndClose discards a little of the body so the connection can be
// reused, then closes it.
func drainAndClose(resp *http.Response) {
	io.CopyN(io.Discard, resp.Body, 4096)
	resp.Body.Close()
}

// cookieJar carries cookies across the hops of a single fetch. It is never
// shared between requests. Cookies keep their host and path scope, so one
// origin's session is not replayed to another origin later in the chain.
type cookieJar struct {
	jar *cookiejar.Jar
}

func (j *cookieJar) collect(resp *http.Response) {
	cookies := resp.Cookies()
	if len(cookies) == 0 || resp.Request == nil {
		return
	}
	if j.jar == nil {
		j.jar, _ = cookiejar.New(nil)
	}
	j.jar.SetCookies(resp.Request.URL, cookies)
}

func (j *cookieJar) apply(req *http.Request) {
	if j.jar == nil {
		return
	}
	for _, c := range j.jar.Cookies(req.URL) {
		req.AddCookie(c)
	}
}
