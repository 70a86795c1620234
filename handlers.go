package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

type resourceKind string

const (
	kindPlaylist resourceKind = "playlist"
	kindSegment  resourceKind = "segment"
	kindKey      resourceKind = "key"
	kindLogo     resourceKind = "logo"
	kindImage    resourceKind = "image"
)

// proxyRequest is the validated form of one inbound proxy call.
type proxyRequest struct {
	kind      resourceKind
	target    *url.URL
	sourceKey string
	source    *MediaSource
	allowCORS bool
}

// Server holds the read-only collaborators shared by all handlers.
type Server struct {
	cfg     Config
	sources SourceLookup
	guard   *Guard
	fetcher *Fetcher
	log     *zap.Logger
	images  *imageAllowlist
}

func NewServer(cfg Config, sources SourceLookup, guard *Guard, fetcher *Fetcher, log *zap.Logger) *Server {
	return &Server{
		cfg:     cfg,
		sources: sources,
		guard:   guard,
		fetcher: fetcher,
		log:     log,
		images:  newImageAllowlist(cfg.imageAllowlist()),
	}
}

// parseProxyRequest validates the url, source and allowCORS parameters.
// A missing source is accepted only when sourceRequired is false.
func (s *Server) parseProxyRequest(r *http.Request, kind resourceKind, sourceRequired bool) (*proxyRequest, error) {
	query, err := url.ParseQuery(r.URL.RawQuery)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed query: %v", ErrBadRequest, err)
	}

	raw := strings.TrimSpace(query.Get("url"))
	if raw == "" {
		return nil, fmt.Errorf("%w: url parameter is required", ErrBadRequest)
	}
	target, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid url: %v", ErrBadRequest, err)
	}
	if !target.IsAbs() || target.Host == "" {
		return nil, fmt.Errorf("%w: url must be absolute", ErrBadRequest)
	}

	pr := &proxyRequest{kind: kind, target: target}
	pr.allowCORS, _ = strconv.ParseBool(query.Get("allowCORS"))

	pr.sourceKey = strings.TrimSpace(query.Get("source"))
	switch {
	case pr.sourceKey != "":
		src, ok := s.sources.Lookup(pr.sourceKey)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSource, pr.sourceKey)
		}
		pr.source = &src
	case sourceRequired:
		return nil, fmt.Errorf("%w: source parameter is required", ErrBadRequest)
	}
	return pr, nil
}

// proxyBase is the absolute prefix rewritten playlist entries point at.
func (s *Server) proxyBase(r *http.Request) string {
	if s.cfg.PublicURL != "" {
		return s.cfg.PublicURL + proxyPrefix
	}
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(firstCSV(r.Header.Get("X-Forwarded-Proto")), "https") {
		scheme = "https"
	}
	host := r.Host
	if fh := firstCSV(r.Header.Get("X-Forwarded-Host")); fh != "" {
		host = fh
	}
	return scheme + "://" + host + proxyPrefix
}

func firstCSV(s string) string {
	if i := strings.IndexByte(s, ','); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// fail reports err to the client without internal detail.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, pr *proxyRequest, err error) {
	if errors.Is(r.Context().Err(), context.Canceled) {
		s.log.Debug("client went away", zap.String("path", r.URL.Path), zap.Error(err))
		return
	}
	status, message := statusFor(err)
	fields := []zap.Field{
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.Error(err),
	}
	if pr != nil {
		fields = append(fields, zap.String("source", pr.sourceKey))
	}
	if status >= 500 {
		s.log.Warn("proxy request failed", fields...)
	} else {
		s.log.Info("proxy request rejected", fields...)
	}
	sendError(w, status, message)
}

// handlePlaylist fetches a playlist, rewrites every URI in it to go through
// the proxy and returns the text.
func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	pr, err := s.parseProxyRequest(r, kindPlaylist, true)
	if err != nil {
		s.fail(w, r, nil, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.PlaylistTimeout)
	defer cancel()

	header := upstreamHeaders(pr.target, pr.source, s.cfg.DefaultUserAgent)
	header.Set("Accept-Encoding", "identity")

	res, err := s.fetcher.Fetch(ctx, pr.target.String(), FetchOptions{Header: header, CarryCookies: true})
	if err != nil {
		s.fail(w, r, pr, err)
		return
	}
	defer res.Response.Body.Close()

	body, err := readPlaylistBody(res.Response, s.cfg.MaxPlaylistBytes)
	if err != nil {
		s.fail(w, r, pr, err)
		return
	}

	upstreamType := res.Response.Header.Get("Content-Type")
	w.Header().Set("Cache-Control", "no-cache")

	if !looksLikePlaylist(body, upstreamType) {
		// Not a manifest; hand it back as fetched.
		if upstreamType != "" {
			w.Header().Set("Content-Type", upstreamType)
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(http.StatusOK)
		w.Write(body)
		return
	}

	base, err := deriveBase(res.FinalURL())
	if err != nil {
		s.fail(w, r, pr, err)
		return
	}
	rewritten := rewritePlaylist(string(body), base, s.proxyBase(r), pr.sourceKey, pr.allowCORS)

	contentType := "application/vnd.apple.mpegurl"
	if strings.Contains(strings.ToLower(upstreamType), "mpegurl") {
		contentType = upstreamType
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(rewritten)))
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(rewritten))

	s.log.Debug("playlist rewritten",
		zap.String("source", pr.sourceKey),
		zap.Strings("chain", res.Chain),
		zap.Int("bytes", len(rewritten)))
}

// relayPolicy is the response treatment for one binary resource kind.
type relayPolicy struct {
	forwardRange       bool
	forwardConditional bool
	// defaultType is used when the upstream sends no Content-Type.
	defaultType string
	// forceType replaces the upstream Content-Type when set.
	forceType string
	// cacheControl replaces the upstream Cache-Control when set.
	cacheControl string
	// checkHop restricts every redirect target beyond the SSRF guard.
	checkHop func(*url.URL) error
}

func (s *Server) segmentPolicy(pr *proxyRequest) relayPolicy {
	return relayPolicy{forwardRange: true, defaultType: segmentContentType(pr.target)}
}

// segmentContentType guesses a media type from the URL when the upstream
// sends none.
func segmentContentType(target *url.URL) string {
	switch strings.ToLower(path.Ext(target.Path)) {
	case ".m4s":
		return "video/iso.segment"
	case ".mp4", ".m4v":
		return "video/mp4"
	case ".aac":
		return "audio/aac"
	case ".vtt", ".webvtt":
		return "text/vtt"
	default:
		return "video/mp2t"
	}
}

func (s *Server) keyPolicy(*proxyRequest) relayPolicy {
	return relayPolicy{forceType: "application/octet-stream", cacheControl: "public, max-age=3600"}
}

func (s *Server) imagePolicy(*proxyRequest) relayPolicy {
	return relayPolicy{
		forwardConditional: true,
		defaultType:        "image/jpeg",
		cacheControl:       fmt.Sprintf("public, max-age=%d, immutable", s.cfg.ImageCacheDays*86400),
	}
}

func (s *Server) handleSegment(w http.ResponseWriter, r *http.Request) {
	s.handleBinary(w, r, kindSegment, true, s.segmentPolicy)
}

func (s *Server) handleKey(w http.ResponseWriter, r *http.Request) {
	s.handleBinary(w, r, kindKey, true, s.keyPolicy)
}

func (s *Server) handleLogo(w http.ResponseWriter, r *http.Request) {
	s.handleBinary(w, r, kindLogo, false, s.imagePolicy)
}

func (s *Server) handleBinary(w http.ResponseWriter, r *http.Request, kind resourceKind, sourceRequired bool, policyFor func(*proxyRequest) relayPolicy) {
	pr, err := s.parseProxyRequest(r, kind, sourceRequired)
	if err != nil {
		s.fail(w, r, nil, err)
		return
	}
	header := upstreamHeaders(pr.target, pr.source, s.cfg.DefaultUserAgent)
	s.relay(w, r, pr, header, policyFor(pr))
}

// relay streams the upstream body to the client as it arrives. Nothing is
// buffered beyond one chunk. The upstream is cut only after UpstreamTimeout
// without progress, never for total duration.
func (s *Server) relay(w http.ResponseWriter, r *http.Request, pr *proxyRequest, header http.Header, policy relayPolicy) {
	ctx, cancel := context.WithCancelCause(r.Context())
	defer cancel(nil)
	idle := newIdleTimer(s.cfg.UpstreamTimeout, cancel)
	defer idle.stop()

	if policy.forwardRange {
		forwardRange(header, r)
	}
	if policy.forwardConditional {
		for _, k := range []string{"If-None-Match", "If-Modified-Since"} {
			if v := r.Header.Get(k); v != "" {
				header.Set(k, v)
			}
		}
	}

	res, err := s.fetcher.Fetch(ctx, pr.target.String(), FetchOptions{
		Header:           header,
		CarryCookies:     true,
		AllowNotModified: policy.forwardConditional,
		CheckHop:         policy.checkHop,
	})
	if err != nil {
		if cause := context.Cause(ctx); errors.Is(cause, errUpstreamIdle) {
			err = fmt.Errorf("%w: %v", cause, err)
		}
		s.fail(w, r, pr, err)
		return
	}
	resp := res.Response
	defer resp.Body.Close()
	idle.touch()

	copyHeader(w.Header(), resp.Header)
	switch {
	case policy.forceType != "":
		w.Header().Set("Content-Type", policy.forceType)
	case resp.Header.Get("Content-Type") == "" && policy.defaultType != "":
		w.Header().Set("Content-Type", policy.defaultType)
	}
	if policy.cacheControl != "" {
		w.Header().Set("Cache-Control", policy.cacheControl)
	}
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(resp.StatusCode)

	if resp.StatusCode == http.StatusNotModified {
		return
	}
	start := time.Now()
	n, err := streamCopy(w, progressReader{r: resp.Body, idle: idle})
	if err != nil {
		// Headers are already out; all that is left is to stop.
		s.log.Debug("relay interrupted",
			zap.String("kind", string(pr.kind)),
			zap.Int64("bytes", n),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
			zap.NamedError("cause", context.Cause(ctx)))
	}
}
