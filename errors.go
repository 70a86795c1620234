package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrBadRequest       = errors.New("bad request")
	ErrUnknownSource    = errors.New("unknown source")
	ErrSSRFBlocked      = errors.New("ssrf blocked")
	ErrTooManyRedirects = errors.New("too many redirects")
	ErrMissingLocation  = errors.New("redirect without location")
	ErrImageHost        = errors.New("image host not allowed")
)

// UpstreamError reports a non-2xx final response from the origin.
type UpstreamError struct {
	Status int
	URL    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s returned %d", e.URL, e.Status)
}

// statusFor maps an error to the status code returned to the client, along
// with a message that is safe to show. Internal details such as resolved
// addresses never leave the process.
func statusFor(err error) (int, string) {
	var upstream *UpstreamError
	switch {
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest, "invalid request"
	case errors.Is(err, ErrUnknownSource):
		return http.StatusNotFound, "unknown source"
	case errors.Is(err, ErrSSRFBlocked), errors.Is(err, ErrImageHost):
		return http.StatusForbidden, "target not allowed"
	case errors.Is(err, ErrTooManyRedirects), errors.Is(err, ErrMissingLocation):
		return http.StatusBadGateway, "upstream redirect error"
	case errors.As(err, &upstream):
		if upstream.Status >= 400 && upstream.Status < 600 {
			return upstream.Status, "upstream error"
		}
		return http.StatusBadGateway, "upstream error"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "upstream timeout"
	default:
		return http.StatusBadGateway, "upstream fetch failed"
	}
}

// sendError writes a small JSON error body.
func sendError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Del("Content-Length")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
