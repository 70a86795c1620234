package main

import (
	"net/url"
	"strings"
)

// proxyPrefix is the path under which the playlist, segment, key and logo
// endpoints are served.
const proxyPrefix = "/proxy"

// Proxy endpoint names, relative to the proxy base.
const (
	endpointPlaylist = "playlist"
	endpointSegment  = "segment"
	endpointKey      = "key"
	endpointLogo     = "logo"
)

type lineKind int

const (
	lineBlank lineKind = iota
	lineComment
	lineTagWithURI
	lineMediaURI
	lineStreamInf
)

// playlistLine is one classified M3U8 line. raw keeps the original text
// without its line terminator; cr records whether that terminator was CRLF.
type playlistLine struct {
	kind lineKind
	raw  string
	cr   bool

	// lineTagWithURI: endpoint the URI attribute is rewritten to, and the
	// byte range of the attribute value inside raw.
	endpoint   string
	valueStart int
	valueEnd   int

	// lineMediaURI and lineTagWithURI
	uri string
}

// uriTags maps tags whose URI attribute is rewritten to the endpoint serving
// it. Init sections are media, not playlists. Alternate renditions and
// I-frame variants are playlists in their own right.
var uriTags = []struct {
	prefix   string
	endpoint string
}{
	{"#EXT-X-MAP:", endpointSegment},
	{"#EXT-X-KEY:", endpointKey},
	{"#EXT-X-MEDIA:", endpointPlaylist},
	{"#EXT-X-I-FRAME-STREAM-INF:", endpointPlaylist},
}

// parsePlaylist splits text into classified lines.
func parsePlaylist(text string) []playlistLine {
	rawLines := strings.Split(text, "\n")
	lines := make([]playlistLine, 0, len(rawLines))
	for _, raw := range rawLines {
		line := playlistLine{raw: raw}
		if strings.HasSuffix(raw, "\r") {
			line.raw = raw[:len(raw)-1]
			line.cr = true
		}
		classifyLine(&line)
		lines = append(lines, line)
	}
	return lines
}

func classifyLine(line *playlistLine) {
	trimmed := strings.TrimSpace(line.raw)
	switch {
	case trimmed == "":
		line.kind = lineBlank
	case !strings.HasPrefix(trimmed, "#"):
		line.kind = lineMediaURI
		line.uri = trimmed
	case strings.HasPrefix(trimmed, "#EXT-X-STREAM-INF:") || trimmed == "#EXT-X-STREAM-INF":
		line.kind = lineStreamInf
	default:
		line.kind = lineComment
		for _, t := range uriTags {
			if !strings.HasPrefix(trimmed, t.prefix) {
				continue
			}
			start, end, ok := findURIAttribute(line.raw)
			if !ok {
				// Malformed attribute lists are passed through untouched.
				return
			}
			line.kind = lineTagWithURI
			line.endpoint = t.endpoint
			line.valueStart, line.valueEnd = start, end
			line.uri = line.raw[start:end]
			return
		}
	}
}

// findURIAttribute locates the quoted value of a URI attribute. It returns
// false when the attribute is absent, unquoted or missing its closing quote.
func findURIAttribute(raw string) (start, end int, ok bool) {
	const attr = `URI="`
	from := 0
	for {
		i := strings.Index(raw[from:], attr)
		if i < 0 {
			return 0, 0, false
		}
		i += from
		// Must start an attribute, not end a longer name.
		if i > 0 && raw[i-1] != ':' && raw[i-1] != ',' && raw[i-1] != ' ' {
			from = i + len(attr)
			continue
		}
		start = i + len(attr)
		closing := strings.IndexByte(raw[start:], '"')
		if closing < 0 {
			return 0, 0, false
		}
		return start, start + closing, true
	}
}

// rewritePlaylist rewrites every URI in text so it is fetched through the
// proxy. baseURL is the directory of the playlist's final URL.
//
// A bare URI that follows #EXT-X-STREAM-INF (with any number of other tags
// or blanks in between) is a variant playlist; any other bare URI is a
// segment, passed through as an absolute URL when allowCORS is set.
func rewritePlaylist(text, baseURL, proxyBase, sourceKey string, allowCORS bool) string {
	lines := parsePlaylist(text)
	var b strings.Builder
	b.Grow(len(text) + len(text)/2)

	pendingStreamInf := false
	for i, line := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		out := line.raw

		switch line.kind {
		case lineBlank, lineComment:
		case lineStreamInf:
			pendingStreamInf = true
		case lineTagWithURI:
			if resolved, err := resolveURL(baseURL, line.uri); err == nil {
				// Only playlist links carry allowCORS; keys and init
				// sections are always proxied.
				carry := allowCORS && line.endpoint == endpointPlaylist
				proxied := endpointURL(proxyBase, line.endpoint, resolved, sourceKey, carry)
				out = line.raw[:line.valueStart] + proxied + line.raw[line.valueEnd:]
			}
		case lineMediaURI:
			resolved, err := resolveURL(baseURL, line.uri)
			if err != nil {
				break
			}
			switch {
			case pendingStreamInf:
				out = endpointURL(proxyBase, endpointPlaylist, resolved, sourceKey, allowCORS)
				pendingStreamInf = false
			case allowCORS:
				out = resolved
			default:
				out = endpointURL(proxyBase, endpointSegment, resolved, sourceKey, false)
			}
		}

		b.WriteString(out)
		if line.cr {
			b.WriteByte('\r')
		}
	}
	return b.String()
}

// endpointURL builds a proxy URL for target. Both query values are
// percent-encoded.
func endpointURL(proxyBase, endpoint, target, sourceKey string, allowCORS bool) string {
	var b strings.Builder
	b.WriteString(proxyBase)
	b.WriteByte('/')
	b.WriteString(endpoint)
	b.WriteString("?url=")
	b.WriteString(url.QueryEscape(target))
	b.WriteString("&source=")
	b.WriteString(url.QueryEscape(sourceKey))
	if allowCORS {
		b.WriteString("&allowCORS=true")
	}
	return b.String()
}

// looksLikePlaylist reports whether body or its content type identify an
// M3U8 document.
func looksLikePlaylist(body []byte, contentType string) bool {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "mpegurl") {
		return true
	}
	head := strings.TrimLeft(string(body[:min(len(body), 64)]), "\ufeff \t\r\n")
	return strings.HasPrefix(head, "#EXTM3U")
}
