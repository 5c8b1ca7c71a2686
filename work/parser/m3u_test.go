package parser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePlaylist = `#EXTM3U
#EXTINF:-1 tvg-id="cctv1" tvg-name="CCTV-1" tvg-logo="http://logo/cctv1.png" group-title="央视",CCTV-1 综合
http://provider.example/live/cctv1.ts
#EXTINF:-1 group-title="Sports & More",ESPN HD
https://provider.example/live/espn.m3u8
#EXTINF:-1,Bare Channel
http://provider.example/live/bare.ts
`

func TestParseM3U(t *testing.T) {
	tracks, err := ParseM3U(strings.NewReader(samplePlaylist), "http://provider.example/playlist.m3u")
	require.NoError(t, err)
	require.Len(t, tracks, 3)

	first := tracks[0]
	assert.Equal(t, "http://provider.example/live/cctv1.ts", first.URL)
	assert.Equal(t, "CCTV-1 综合", first.Name)
	assert.Equal(t, "cctv1", first.TvgID)
	assert.Equal(t, "http://logo/cctv1.png", first.LogoURL)
	assert.Equal(t, "央视", first.Group)

	second := tracks[1]
	assert.Equal(t, "ESPN HD", second.Name)
	assert.Equal(t, "Sports & More", second.Group, "quoted attribute values may contain spaces")
	assert.Empty(t, second.TvgID)

	third := tracks[2]
	assert.Equal(t, "Bare Channel", third.Name)
	assert.Empty(t, third.Group)
}

func TestParseM3UIgnoresJunkLines(t *testing.T) {
	doc := "#EXTM3U\n#EXTVLCOPT:something\n#EXTINF:-1,One\nhttp://x/1\nnot-a-url\n"
	tracks, err := ParseM3U(strings.NewReader(doc), "")
	require.NoError(t, err)
	require.Len(t, tracks, 1)
	assert.Equal(t, "One", tracks[0].Name)
}

func TestParseM3UMasterPlaylist(t *testing.T) {
	doc := "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1280000,RESOLUTION=640x360\nhttp://provider.example/low.m3u8\n"
	tracks, err := ParseM3U(strings.NewReader(doc), "http://provider.example/master.m3u8")
	require.NoError(t, err)
	require.Len(t, tracks, 1)
	assert.Equal(t, "http://provider.example/low.m3u8", tracks[0].URL)
	assert.Equal(t, "Stream_640x360", tracks[0].Name)
}

func TestTrackFromEXTINFCommaInsideQuotes(t *testing.T) {
	track := trackFromEXTINF(`-1 tvg-name="News, Weather & Sport" group-title="UK",BBC One`)
	assert.Equal(t, "BBC One", track.Name)
	assert.Equal(t, "News, Weather & Sport", track.Attributes["tvg-name"])
	assert.Equal(t, "UK", track.Group)
}

func TestTrackFromEXTINFNoName(t *testing.T) {
	track := trackFromEXTINF(`-1 tvg-name="Fallback Name" tvg-id="fb"`)
	assert.Equal(t, "Fallback Name", track.Name, "tvg-name fills in a missing display name")
	assert.Equal(t, "fb", track.TvgID)
}

func TestChannelID(t *testing.T) {
	withID := &Track{TvgID: "cctv1", Name: "CCTV-1"}
	assert.Equal(t, "cctv1", withID.ChannelID())

	withoutID := &Track{Name: "BBC One HD"}
	assert.Equal(t, "bbc_one_hd", withoutID.ChannelID())
}
