package playlist

import (
	"fmt"
	"strings"

	"iptv-relay/work/registry"
)

// Entry is one projected channel for playlist emission: identity, display
// metadata, and whether the channel currently has any source to play.
type Entry struct {
	ID          string
	DisplayName string
	Group       string
	LogoURL     string
	Playable    bool
}

// Project builds the playlist view of the source registry: channel entries in
// insertion order, optionally restricted to one group. Pure function of
// current registry state; channels with empty source lists come back with
// Playable=false.
func Project(reg *registry.Registry, groupFilter string) []Entry {
	channels := reg.ListChannels(groupFilter)
	entries := make([]Entry, 0, len(channels))

	for _, ch := range channels {
		name := ch.DisplayName
		if name == "" {
			name = ch.ID
		}
		entries = append(entries, Entry{
			ID:          ch.ID,
			DisplayName: name,
			Group:       ch.Group,
			LogoURL:     ch.LogoURL,
			Playable:    ch.Playable(),
		})
	}

	return entries
}

// Render emits an M3U playlist over the projected entries, pointing every
// channel at this server's relay endpoint. Unplayable channels are omitted,
// matching the relay's 404 for sourceless channels. An empty entry set still
// yields a valid playlist header.
func Render(entries []Entry, baseURL string) string {
	baseURL = strings.TrimRight(baseURL, "/")

	var b strings.Builder
	b.Grow(len(entries)*160 + 16)
	b.WriteString("#EXTM3U\n")

	for _, e := range entries {
		if !e.Playable {
			continue
		}

		b.WriteString(fmt.Sprintf("#EXTINF:-1 tvg-id=%q", e.ID))
		if e.LogoURL != "" {
			b.WriteString(fmt.Sprintf(" tvg-logo=%q", e.LogoURL))
		}
		if e.Group != "" {
			b.WriteString(fmt.Sprintf(" group-title=%q", e.Group))
		}
		b.WriteString(fmt.Sprintf(",%s\n", e.DisplayName))
		b.WriteString(fmt.Sprintf("%s/proxy/channel/%s\n", baseURL, e.ID))
	}

	return b.String()
}
