package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// ErrPlaylistTooLarge is returned when a playlist body exceeds the read cap.
var ErrPlaylistTooLarge = errors.New("playlist too large")

func isAbsoluteHTTP(ref string) bool {
	lower := strings.ToLower(ref)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// resolveURL resolves ref against base. Absolute http(s) references are
// returned unchanged and protocol-relative ones inherit the base scheme.
func resolveURL(base, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if isAbsoluteHTTP(ref) {
		return ref, nil
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base %q: %w", base, err)
	}
	relURL, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse reference %q: %w", ref, err)
	}
	return baseURL.ResolveReference(relURL).String(), nil
}

// deriveBase returns the directory URL that relative playlist entries are
// resolved against. finalURL must be the post-redirect URL.
func deriveBase(finalURL string) (string, error) {
	u, err := url.Parse(finalURL)
	if err != nil {
		return "", fmt.Errorf("parse playlist url %q: %w", finalURL, err)
	}
	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""

	escaped := u.EscapedPath()
	switch ext := strings.ToLower(path.Ext(escaped)); {
	case ext == ".m3u8" || ext == ".m3u":
		escaped = escaped[:strings.LastIndexByte(escaped, '/')+1]
	case !strings.HasSuffix(escaped, "/"):
		escaped += "/"
	}
	if escaped == "" {
		escaped = "/"
	}

	unescaped, err := url.PathUnescape(escaped)
	if err != nil {
		return "", fmt.Errorf("unescape playlist path: %w", err)
	}
	u.Path = unescaped
	u.RawPath = escaped
	return u.String(), nil
}

// readPlaylistBody reads at most limit decoded bytes, undoing any content
// encoding the upstream applied despite being asked for identity.
func readPlaylistBody(resp *http.Response, limit int64) ([]byte, error) {
	var reader io.Reader = resp.Body

	switch enc := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))); enc {
	case "", "identity":
	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip body: %w", err)
		}
		defer gz.Close()
		reader = gz
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "deflate":
		zr, err := zlib.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("deflate body: %w", err)
		}
		defer zr.Close()
		reader = zr
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", enc)
	}

	body, err := io.ReadAll(io.LimitReader(reader, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, ErrPlaylistTooLarge
	}
	return body, nil
}

var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Proxy-Connection":    true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// copyHeader relays upstream response headers, dropping hop-by-hop headers,
// anything named in Connection, upstream CORS headers and cookies.
func copyHeader(dst, src http.Header) {
	skip := map[string]bool{}
	for _, c := range src.Values("Connection") {
		for _, token := range strings.Split(c, ",") {
			if t := strings.TrimSpace(token); t != "" {
				skip[http.CanonicalHeaderKey(t)] = true
			}
		}
	}
	for k, vv := range src {
		ck := http.CanonicalHeaderKey(k)
		if hopByHopHeaders[ck] || skip[ck] || ck == "Set-Cookie" ||
			strings.HasPrefix(ck, "Access-Control-") {
			continue
		}
		dst[ck] = append([]string(nil), vv...)
	}
}

const streamChunkSize = 32 * 1024

// streamCopy relays r to w one chunk at a time and flushes after every
// chunk, so nothing read from upstream waits on the next upstream read.
func streamCopy(w http.ResponseWriter, r io.Reader) (int64, error) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, streamChunkSize)
	var written int64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			m, werr := w.Write(buf[:n])
			written += int64(m)
			if werr != nil {
				return written, werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return written, nil
			}
			return written, err
		}
	}
}

// errUpstreamIdle is the cancel cause of a relay whose upstream stopped
// making progress. It matches context.DeadlineExceeded.
var errUpstreamIdle = fmt.Errorf("upstream idle: %w", context.DeadlineExceeded)

// idleTimer cancels a relay once no progress has been seen for d. Each
// touch pushes the deadline back, so a live stream may run indefinitely.
type idleTimer struct {
	d time.Duration
	t *time.Timer
}

func newIdleTimer(d time.Duration, cancel context.CancelCauseFunc) *idleTimer {
	return &idleTimer{d: d, t: time.AfterFunc(d, func() { cancel(errUpstreamIdle) })}
}

func (i *idleTimer) touch() { i.t.Reset(i.d) }

func (i *idleTimer) stop() { i.t.Stop() }

// progressReader touches the idle timer on every read that returns data.
type progressReader struct {
	r    io.Reader
	idle *idleTimer
}

func (p progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.idle.touch()
	}
	return n, err
}
