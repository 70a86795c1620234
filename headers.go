package main

import (
	"net/http"
	"net/url"
	"strings"
)

// refererRule injects a Referer for CDNs that reject requests without their
// own site as the referrer. Matching is a substring test on the host.
type refererRule struct {
	hostContains string
	referer      string
}

var refererRules = []refererRule{
	{"huya", "https://www.huya.com/"},
	{"douyu", "https://www.douyu.com/"},
	{"bilivideo", "https://live.bilibili.com/"},
	{"doubanio.com", "https://movie.douban.com/"},
}

// refererFor returns the Referer required by the target host, or "".
func refererFor(target *url.URL) string {
	host := strings.ToLower(target.Hostname())
	for _, rule := range refererRules {
		if strings.Contains(host, rule.hostContains) {
			return rule.referer
		}
	}
	return ""
}

// upstreamHeaders builds the headers sent on every hop of a fetch. The
// source's own headers override the defaults and the Referer rules.
func upstreamHeaders(target *url.URL, src *MediaSource, defaultUA string) http.Header {
	h := http.Header{}
	h.Set("User-Agent", defaultUA)
	h.Set("Accept", "*/*")
	h.Set("Accept-Language", "zh-CN,zh;q=0.9,en-US;q=0.8,en;q=0.7")

	if ref := refererFor(target); ref != "" {
		h.Set("Referer", ref)
	}

	if src != nil {
		if ua := strings.TrimSpace(src.UserAgent); ua != "" {
			h.Set("User-Agent", ua)
		}
		for k, v := range src.Headers {
			if v = strings.TrimSpace(v); v != "" {
				h.Set(k, v)
			}
		}
	}
	return h
}

// forwardRange copies the client's range headers onto h.
func forwardRange(h http.Header, r *http.Request) {
	for _, k := range []string{"Range", "If-Range"} {
		if v := r.Header.Get(k); v != "" {
			h.Set(k, v)
		}
	}
}
