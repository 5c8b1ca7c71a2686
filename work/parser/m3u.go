package parser

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"iptv-relay/work/client"
	"iptv-relay/work/config"
	"iptv-relay/work/logger"
	"iptv-relay/work/utils"

	"github.com/grafana/regexp"
	"github.com/grafov/m3u8"
)

// extinfAttr matches key="value" pairs inside an EXTINF line. Values may
// contain spaces, so splitting on whitespace is not enough.
var extinfAttr = regexp.MustCompile(`([a-zA-Z0-9][a-zA-Z0-9_-]*)="([^"]*)"`)

// Track is one entry parsed out of an imported playlist.
type Track struct {
	URL        string
	Name       string
	TvgID      string
	LogoURL    string
	Group      string
	Attributes map[string]string
}

// ChannelID returns the stable identifier for the track: the tvg-id when the
// playlist carries one, otherwise a slug of the display name.
func (t *Track) ChannelID() string {
	if t.TvgID != "" {
		return t.TvgID
	}
	return utils.SlugifyChannelID(t.Name)
}

// FetchM3U downloads and parses the playlist behind an import source. Header
// overrides from the import config are applied to the request.
func FetchM3U(ctx context.Context, httpClient *client.HeaderSettingClient, obfuscate bool, imp *config.ImportConfig) ([]*Track, error) {
	logger.Debug("{parser - FetchM3U} Fetching playlist from %s", utils.LogURL(obfuscate, imp.URL))

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imp.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create import request: %w", err)
	}

	resp, err := httpClient.DoWithHeaders(req, client.Headers{
		UserAgent: imp.UserAgent,
		Origin:    imp.ReqOrigin,
		Referrer:  imp.ReqReferrer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch playlist: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("playlist fetch returned HTTP %d", resp.StatusCode)
	}

	tracks, err := ParseM3U(resp.Body, imp.URL)
	if err != nil {
		return nil, err
	}

	logger.Debug("{parser - FetchM3U} Parsed %d tracks from %s", len(tracks), utils.LogURL(obfuscate, imp.URL))
	return tracks, nil
}

// ParseM3U reads an M3U/M3U8 document. Proper HLS playlists go through the
// grafov decoder; plain IPTV channel lists fail its strict mode (their
// EXTINF lines carry attributes instead of a duration) and fall back to a
// line scanner that understands that syntax. sourceURL is the address the
// document was fetched from, used when the document IS the stream.
func ParseM3U(r io.Reader, sourceURL string) ([]*Track, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read playlist body: %w", err)
	}

	playlist, listType, err := m3u8.DecodeFrom(strings.NewReader(string(data)), true)
	if err == nil {
		if tracks := fromGrafov(playlist, listType, sourceURL); tracks != nil {
			return tracks, nil
		}
	}

	return parseFallback(strings.NewReader(string(data))), nil
}

// fromGrafov converts a decoded grafov playlist into tracks. A media
// playlist means the fetched URL is itself a single live stream; a master
// playlist maps each variant to a track.
func fromGrafov(playlist m3u8.Playlist, listType m3u8.ListType, sourceURL string) []*Track {
	switch listType {
	case m3u8.MASTER:
		master := playlist.(*m3u8.MasterPlaylist)
		var tracks []*Track
		for _, variant := range master.Variants {
			if variant == nil {
				continue
			}
			name := variant.Name
			if name == "" && variant.Resolution != "" {
				name = fmt.Sprintf("Stream_%s", variant.Resolution)
			} else if name == "" {
				name = fmt.Sprintf("Stream_%d", variant.Bandwidth)
			}
			tracks = append(tracks, &Track{
				URL:        variant.URI,
				Name:       name,
				Attributes: map[string]string{},
			})
		}
		return tracks

	case m3u8.MEDIA:
		if sourceURL == "" {
			return nil
		}
		return []*Track{{
			URL:        sourceURL,
			Name:       "Direct Stream",
			Attributes: map[string]string{},
		}}
	}

	return nil
}

// parseFallback scans the document line by line, pairing each EXTINF header
// with the URL that follows it.
func parseFallback(r io.Reader) []*Track {
	var tracks []*Track
	var pending *Track

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		switch {
		case strings.HasPrefix(line, "#EXTINF:"):
			pending = trackFromEXTINF(strings.TrimPrefix(line, "#EXTINF:"))
		case pending != nil && (strings.HasPrefix(line, "http://") || strings.HasPrefix(line, "https://")):
			pending.URL = line
			tracks = append(tracks, pending)
			pending = nil
		}
	}

	return tracks
}

// trackFromEXTINF parses the attribute section and trailing display name of
// an EXTINF line (without the #EXTINF: prefix).
func trackFromEXTINF(line string) *Track {
	track := &Track{Attributes: make(map[string]string)}

	// The display name follows the last comma outside of quotes.
	lastComma := -1
	inQuotes := false
	for i := len(line) - 1; i >= 0; i-- {
		if line[i] == '"' {
			inQuotes = !inQuotes
		} else if line[i] == ',' && !inQuotes {
			lastComma = i
			break
		}
	}

	attrPart := line
	if lastComma != -1 {
		attrPart = line[:lastComma]
		track.Name = strings.TrimSpace(line[lastComma+1:])
	}

	for _, m := range extinfAttr.FindAllStringSubmatch(attrPart, -1) {
		track.Attributes[m[1]] = m[2]
	}

	track.TvgID = track.Attributes["tvg-id"]
	track.LogoURL = track.Attributes["tvg-logo"]
	track.Group = track.Attributes["group-title"]
	if track.Name == "" {
		track.Name = track.Attributes["tvg-name"]
	}

	return track
}
