package main

import (
	"bytes"
	"net/url"
	"strings"
	"testing"

	"github.com/grafov/m3u8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testProxyBase = "https://proxy.example/proxy"

func proxied(endpoint, target, source string) string {
	return testProxyBase + "/" + endpoint + "?url=" + url.QueryEscape(target) + "&source=" + url.QueryEscape(source)
}

func TestParsePlaylistClassifiesLines(t *testing.T) {
	text := strings.Join([]string{
		"#EXTM3U",
		"",
		"   ",
		`#EXT-X-KEY:METHOD=AES-128,URI="key.bin",IV=0x1`,
		`#EXT-X-MAP:URI="init.mp4"`,
		`#EXT-X-KEY:METHOD=AES-128,URI="broken`,
		"#EXT-X-STREAM-INF:BANDWIDTH=100",
		"sub.m3u8",
		"# a comment",
	}, "\n")

	var kinds []lineKind
	for _, l := range parsePlaylist(text) {
		kinds = append(kinds, l.kind)
	}
	assert.Equal(t, []lineKind{
		lineComment, lineBlank, lineBlank, lineTagWithURI, lineTagWithURI,
		lineComment, lineStreamInf, lineMediaURI, lineComment,
	}, kinds)
}

func TestRewriteStreamInfGoesToPlaylistEndpoint(t *testing.T) {
	out := rewritePlaylist("#EXT-X-STREAM-INF:BANDWIDTH=100\nhttp://cdn/sub.m3u8", "http://cdn/", testProxyBase, "live", false)
	lines := strings.Split(out, "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "#EXT-X-STREAM-INF:BANDWIDTH=100", lines[0])
	assert.Equal(t, proxied("playlist", "http://cdn/sub.m3u8", "live"), lines[1])
}

func TestRewriteBareURIGoesToSegmentEndpoint(t *testing.T) {
	out := rewritePlaylist("#EXTINF:6,\nhttp://cdn/sub.m3u8", "http://cdn/", testProxyBase, "live", false)
	assert.Equal(t, "#EXTINF:6,\n"+proxied("segment", "http://cdn/sub.m3u8", "live"), out)
}

func TestRewriteKeyResolvesAgainstBase(t *testing.T) {
	out := rewritePlaylist(`#EXT-X-KEY:METHOD=AES-128,URI="key.bin"`, "https://cdn/a/b/", testProxyBase, "live", false)
	want := `#EXT-X-KEY:METHOD=AES-128,URI="` + proxied("key", "https://cdn/a/b/key.bin", "live") + `"`
	assert.Equal(t, want, out)
}

func TestRewriteMapUsesSegmentEndpoint(t *testing.T) {
	out := rewritePlaylist(`#EXT-X-MAP:URI="init.mp4",BYTERANGE="720@0"`, "https://cdn/v/", testProxyBase, "live", false)
	want := `#EXT-X-MAP:URI="` + proxied("segment", "https://cdn/v/init.mp4", "live") + `",BYTERANGE="720@0"`
	assert.Equal(t, want, out)
}

func TestRewriteLeavesMalformedTagsAlone(t *testing.T) {
	in := strings.Join([]string{
		`#EXT-X-KEY:METHOD=AES-128,URI="key.bin`,
		`#EXT-X-KEY:METHOD=NONE`,
		`#EXT-X-KEY:METHOD=AES-128,URI=key.bin`,
		`#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aac",URI="audio.m3u8`,
		`#EXT-X-MEDIA:TYPE=CLOSED-CAPTIONS,GROUP-ID="cc",INSTREAM-ID="CC1"`,
		`#EXT-X-PROGRAM-DATE-TIME:2024-01-01T00:00:00Z`,
	}, "\n")
	assert.Equal(t, in, rewritePlaylist(in, "https://cdn/", testProxyBase, "live", false))
}

func TestRewriteRenditionsGoToPlaylistEndpoint(t *testing.T) {
	in := strings.Join([]string{
		`#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aac",NAME="en",URI="audio/en.m3u8"`,
		`#EXT-X-MEDIA:TYPE=SUBTITLES,GROUP-ID="subs",NAME="zh",URI="../subs/zh.m3u8"`,
		`#EXT-X-I-FRAME-STREAM-INF:BANDWIDTH=86000,URI="iframe.m3u8"`,
		"#EXTINF:4,",
		"seg.ts",
	}, "\n")
	lines := strings.Split(rewritePlaylist(in, "https://cdn/live/hd/", testProxyBase, "live", false), "\n")

	require.Len(t, lines, 5)
	assert.Equal(t, `#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aac",NAME="en",URI="`+proxied("playlist", "https://cdn/live/hd/audio/en.m3u8", "live")+`"`, lines[0])
	assert.Equal(t, `#EXT-X-MEDIA:TYPE=SUBTITLES,GROUP-ID="subs",NAME="zh",URI="`+proxied("playlist", "https://cdn/live/subs/zh.m3u8", "live")+`"`, lines[1])
	assert.Equal(t, `#EXT-X-I-FRAME-STREAM-INF:BANDWIDTH=86000,URI="`+proxied("playlist", "https://cdn/live/hd/iframe.m3u8", "live")+`"`, lines[2])
	// A rendition tag is not a variant marker.
	assert.Equal(t, proxied("segment", "https://cdn/live/hd/seg.ts", "live"), lines[4])

	withCORS := rewritePlaylist(`#EXT-X-MEDIA:TYPE=AUDIO,URI="a.m3u8"`, "https://cdn/", testProxyBase, "live", true)
	assert.Equal(t, `#EXT-X-MEDIA:TYPE=AUDIO,URI="`+proxied("playlist", "https://cdn/a.m3u8", "live")+`&allowCORS=true"`, withCORS)
}

func TestRewritePendingStreamInfSurvivesTags(t *testing.T) {
	in := strings.Join([]string{
		"#EXTM3U",
		"#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=1280x720",
		"",
		"#EXT-X-PROGRAM-DATE-TIME:2024-01-01T00:00:00Z",
		"# vendor comment",
		"720p/index.m3u8",
		"#EXTINF:4,",
		"seg-1.ts",
	}, "\n")
	lines := strings.Split(rewritePlaylist(in, "https://cdn/live/", testProxyBase, "tv", false), "\n")

	require.Len(t, lines, 8)
	assert.Equal(t, "", lines[2])
	assert.Equal(t, proxied("playlist", "https://cdn/live/720p/index.m3u8", "tv"), lines[5])
	assert.Equal(t, proxied("segment", "https://cdn/live/seg-1.ts", "tv"), lines[7])
}

func TestRewriteAllowCORS(t *testing.T) {
	in := "#EXT-X-STREAM-INF:BANDWIDTH=1\nlow.m3u8\n#EXTINF:4,\nseg.ts\n#EXT-X-KEY:METHOD=AES-128,URI=\"k\""
	lines := strings.Split(rewritePlaylist(in, "https://cdn/x/", testProxyBase, "live", true), "\n")

	assert.Equal(t, proxied("playlist", "https://cdn/x/low.m3u8", "live")+"&allowCORS=true", lines[1])
	assert.Equal(t, "https://cdn/x/seg.ts", lines[3])
	assert.Equal(t, `#EXT-X-KEY:METHOD=AES-128,URI="`+proxied("key", "https://cdn/x/k", "live")+`"`, lines[4])
}

func TestRewriteEscapesQueryValues(t *testing.T) {
	out := rewritePlaylist("seg.ts?a=1&b=2#frag", "https://cdn/x/", testProxyBase, "key&with=stuff", false)

	u, err := url.Parse(out)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/x/seg.ts?a=1&b=2#frag", u.Query().Get("url"))
	assert.Equal(t, "key&with=stuff", u.Query().Get("source"))
	assert.Len(t, u.Query(), 2)
}

func TestRewritePreservesLineEndings(t *testing.T) {
	in := "#EXTM3U\r\n#EXTINF:4,\r\nseg.ts\r\n\r\n"
	out := rewritePlaylist(in, "https://cdn/", testProxyBase, "live", false)
	assert.Equal(t, "#EXTM3U\r\n#EXTINF:4,\r\n"+proxied("segment", "https://cdn/seg.ts", "live")+"\r\n\r\n", out)
}

func TestRewriteIsDeterministic(t *testing.T) {
	in := masterPlaylist
	first := rewritePlaylist(in, "https://cdn/live/", testProxyBase, "live", false)
	second := rewritePlaylist(in, "https://cdn/live/", testProxyBase, "live", false)
	assert.Equal(t, first, second)
}

const masterPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-STREAM-INF:BANDWIDTH=1280000,RESOLUTION=640x360
low/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2560000,RESOLUTION=1280x720
https://other.example/mid/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=7680000,RESOLUTION=1920x1080
//mirror.example/high/index.m3u8
`

const mediaPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:0
#EXT-X-KEY:METHOD=AES-128,URI="../keys/k1.bin"
#EXTINF:6.000,
seg-0.ts
#EXTINF:6.000,
/abs/seg-1.ts
#EXT-X-ENDLIST
`

func TestRewrittenMasterStillDecodes(t *testing.T) {
	out := rewritePlaylist(masterPlaylist, "https://cdn/live/", testProxyBase, "live", false)

	p, listType, err := m3u8.DecodeFrom(bytes.NewBufferString(out), true)
	require.NoError(t, err)
	require.Equal(t, m3u8.MASTER, listType)

	master := p.(*m3u8.MasterPlaylist)
	require.Len(t, master.Variants, 3)
	assert.Equal(t, proxied("playlist", "https://cdn/live/low/index.m3u8", "live"), master.Variants[0].URI)
	assert.Equal(t, proxied("playlist", "https://other.example/mid/index.m3u8", "live"), master.Variants[1].URI)
	assert.Equal(t, proxied("playlist", "https://mirror.example/high/index.m3u8", "live"), master.Variants[2].URI)
	assert.Equal(t, uint32(2560000), master.Variants[1].Bandwidth)
}

func TestRewrittenMediaStillDecodes(t *testing.T) {
	out := rewritePlaylist(mediaPlaylist, "https://cdn/live/hd/", testProxyBase, "live", false)

	p, listType, err := m3u8.DecodeFrom(bytes.NewBufferString(out), true)
	require.NoError(t, err)
	require.Equal(t, m3u8.MEDIA, listType)

	media := p.(*m3u8.MediaPlaylist)
	require.GreaterOrEqual(t, len(media.Segments), 2)
	assert.Equal(t, proxied("segment", "https://cdn/live/hd/seg-0.ts", "live"), media.Segments[0].URI)
	assert.Equal(t, proxied("segment", "https://cdn/abs/seg-1.ts", "live"), media.Segments[1].URI)
	require.NotNil(t, media.Key)
	assert.Equal(t, proxied("key", "https://cdn/live/keys/k1.bin", "live"), media.Key.URI)
}

func TestLooksLikePlaylist(t *testing.T) {
	assert.True(t, looksLikePlaylist([]byte("#EXTM3U\n"), ""))
	assert.True(t, looksLikePlaylist([]byte("\ufeff\n#EXTM3U\n"), "text/plain"))
	assert.True(t, looksLikePlaylist(nil, "application/vnd.apple.mpegurl"))
	assert.True(t, looksLikePlaylist(nil, "audio/x-mpegURL; charset=utf-8"))
	assert.False(t, looksLikePlaylist([]byte("<html>"), "text/html"))
	assert.False(t, looksLikePlaylist(nil, ""))
}
