package main

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"

	"go.uber.org/zap"
)

type streamType string

const (
	streamMP4  streamType = "mp4"
	streamFLV  streamType = "flv"
	streamM3U8 streamType = "m3u8"
)

// classifyStream picks the playback type from the upstream Content-Type.
// Generic binary types fall back to the URL extension, and anything still
// unknown is treated as HLS, the common case for live sources.
func classifyStream(contentType, finalURL string) streamType {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch {
	case mediaType == "video/mp4":
		return streamMP4
	case mediaType == "video/x-flv" || mediaType == "video/flv":
		return streamFLV
	case strings.Contains(mediaType, "mpegurl"):
		return streamM3U8
	case mediaType == "" || mediaType == "application/octet-stream" || mediaType == "binary/octet-stream":
		if u, err := url.Parse(finalURL); err == nil {
			switch strings.ToLower(path.Ext(u.Path)) {
			case ".mp4":
				return streamMP4
			case ".flv":
				return streamFLV
			}
		}
	}
	return streamM3U8
}

// precheck follows redirects by hand, carrying cookies that providers set
// mid-chain, and stops reading as soon as the final headers arrive.
func (s *Server) precheck(ctx context.Context, target string, header http.Header) (streamType, error) {
	current := target
	var jar cookieJar

	for hop := 0; ; hop++ {
		if dec := s.guard.ValidateURL(ctx, current); !dec.Allowed {
			s.log.Warn("ssrf blocked", zap.String("url", current), zap.Int("hop", hop), zap.String("reason", dec.Reason))
			return "", dec.Err()
		}

		hopCtx, cancel := context.WithCancel(ctx)
		req, err := http.NewRequestWithContext(hopCtx, http.MethodGet, current, nil)
		if err != nil {
			cancel()
			return "", fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
		req.Header = header.Clone()
		jar.apply(req)

		resp, err := s.fetcher.client.Do(req)
		if err != nil {
			cancel()
			return "", fmt.Errorf("precheck %s: %w", current, err)
		}
		// The body may be an endless live stream; only headers are needed.
		cancel()
		resp.Body.Close()

		if isRedirect(resp.StatusCode) {
			jar.collect(resp)
			location := strings.TrimSpace(resp.Header.Get("Location"))
			if location == "" {
				return "", fmt.Errorf("%w: %d from %s", ErrMissingLocation, resp.StatusCode, current)
			}
			if hop >= maxRedirectHops {
				return "", fmt.Errorf("%w: more than %d hops from %s", ErrTooManyRedirects, maxRedirectHops, target)
			}
			if current, err = resolveURL(current, location); err != nil {
				return "", fmt.Errorf("%w: bad location: %v", ErrMissingLocation, err)
			}
			continue
		}
		if !isSuccess(resp.StatusCode) {
			return "", &UpstreamError{Status: resp.StatusCode, URL: current}
		}
		return classifyStream(resp.Header.Get("Content-Type"), current), nil
	}
}

func (s *Server) handlePrecheck(w http.ResponseWriter, r *http.Request) {
	pr, err := s.parseProxyRequest(r, kindPlaylist, true)
	if err != nil {
		s.fail(w, r, nil, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.PrecheckTimeout)
	defer cancel()

	header := upstreamHeaders(pr.target, pr.source, s.cfg.DefaultUserAgent)
	typ, err := s.precheck(ctx, pr.target.String(), header)
	if err != nil {
		s.fail(w, r, pr, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	json.NewEncoder(w).Encode(map[string]string{"type": string(typ)})
}
