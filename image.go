package main

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// imageAllowlist limits the image proxy to a few CDN domains and their
// subdomains, on top of the SSRF guard.
type imageAllowlist struct {
	domains []string
}

func newImageAllowlist(domains []string) *imageAllowlist {
	l := &imageAllowlist{}
	for _, d := range domains {
		d = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(d)), ".")
		if d != "" {
			l.domains = append(l.domains, d)
		}
	}
	return l
}

func (l *imageAllowlist) allows(host string) bool {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	for _, d := range l.domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func (l *imageAllowlist) check(u *url.URL) error {
	if !l.allows(u.Hostname()) {
		return fmt.Errorf("%w: %s", ErrImageHost, u.Hostname())
	}
	return nil
}

var doubanImageHost = regexp.MustCompile(`^img\d*\.doubanio\.com$`)

// doubanMirror points Douban image URLs at the configured mirror host.
func doubanMirror(target *url.URL, mirror string) *url.URL {
	if mirror == "" || !doubanImageHost.MatchString(strings.ToLower(target.Hostname())) {
		return target
	}
	out := *target
	out.Scheme = "https"
	out.Host = mirror
	return &out
}

// handleImage proxies allowlisted images such as Douban posters. No source
// configuration is involved.
func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	pr, err := s.parseProxyRequest(r, kindImage, false)
	if err != nil {
		s.fail(w, r, nil, err)
		return
	}
	original := pr.target
	pr.target = doubanMirror(pr.target, s.cfg.DoubanImageMirror)
	pr.source = nil

	if err := s.images.check(pr.target); err != nil {
		s.fail(w, r, pr, err)
		return
	}

	// The Referer follows the original host so mirrored Douban URLs still
	// present themselves as coming from Douban.
	header := upstreamHeaders(original, nil, s.cfg.DefaultUserAgent)
	header.Set("Accept", "image/avif,image/webp,image/apng,image/*,*/*;q=0.8")

	policy := s.imagePolicy(pr)
	policy.checkHop = s.images.check
	s.relay(w, r, pr, header, policy)
}
