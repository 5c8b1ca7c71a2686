package registry

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"iptv-relay/work/logger"

	"github.com/puzpuzpuz/xsync/v3"
)

// ErrChannelNotFound is returned when an operation targets a channel id that
// has never been registered.
var ErrChannelNotFound = errors.New("channel not found")

// Source is one concrete upstream URL believed to carry a channel's live
// stream, plus provider headers and bookkeeping. Sources are owned by their
// channel; list order defines failover priority (lower index tried first).
type Source struct {
	URL         string    // Upstream stream URL
	Priority    int       // Original priority rank from admin/import input
	UserAgent   string    // Provider-specific User-Agent, empty for default
	Origin      string    // Provider-specific Origin header
	Referrer    string    // Provider-specific Referer header
	LastChecked time.Time // Last time a fetch attempt touched this source
}

// Channel is an immutable snapshot of one logical TV channel: identifier,
// display metadata, and its ordered source list. Mutations never modify a
// stored Channel in place; they build a replacement and swap it whole, so
// readers never observe a partially-updated source list.
type Channel struct {
	ID          string
	DisplayName string
	Group       string
	LogoURL     string
	Sources     []Source
}

// Playable reports whether the channel has at least one source. Channels with
// an empty source list are considered unavailable.
func (c *Channel) Playable() bool {
	return len(c.Sources) > 0
}

// Registry is the process-wide table of channels keyed by channel id. Reads
// are lock-free via the concurrent map; mutations swap immutable channel
// values, so an in-flight failover iteration working on a copied source list
// is never corrupted by a concurrent admin update.
type Registry struct {
	channels *xsync.MapOf[string, *Channel]

	// orderMu guards insertion-order bookkeeping only; per-channel mutation
	// atomicity comes from immutable value swaps in the concurrent map.
	orderMu sync.Mutex
	order   []string
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		channels: xsync.NewMapOf[string, *Channel](),
	}
}

// AddOrUpdateChannel replaces the channel's metadata and source list
// atomically, creating the channel when it does not exist (upsert semantics).
// The caller's source slice is copied, never retained.
func (r *Registry) AddOrUpdateChannel(id, displayName, group, logoURL string, sources []Source) {
	ch := &Channel{
		ID:          id,
		DisplayName: displayName,
		Group:       group,
		LogoURL:     logoURL,
		Sources:     append([]Source(nil), sources...),
	}

	_, loaded := r.channels.LoadAndStore(id, ch)
	if !loaded {
		r.orderMu.Lock()
		r.order = append(r.order, id)
		r.orderMu.Unlock()
	}

	logger.Debug("{registry - AddOrUpdateChannel} Upserted channel %s (%d sources, group %q)", id, len(sources), group)
}

// AddSource appends a source to an existing channel's list. Returns
// ErrChannelNotFound when the channel id is unknown.
func (r *Registry) AddSource(id string, src Source) error {
	var found bool
	r.channels.Compute(id, func(old *Channel, loaded bool) (*Channel, bool) {
		if !loaded {
			// keep the map unchanged, signal deletion of the placeholder
			return nil, true
		}
		found = true
		next := &Channel{
			ID:          old.ID,
			DisplayName: old.DisplayName,
			Group:       old.Group,
			LogoURL:     old.LogoURL,
			Sources:     append(append([]Source(nil), old.Sources...), src),
		}
		return next, false
	})

	if !found {
		return ErrChannelNotFound
	}

	logger.Debug("{registry - AddSource} Appended source to channel %s", id)
	return nil
}

// MergeImported folds one imported track into the registry: it creates the
// channel when unknown, fills in metadata fields the channel is missing, and
// appends the source unless its URL is already present. The merged source
// list stays ordered by priority (stable, so same-priority sources keep
// import order).
func (r *Registry) MergeImported(id, displayName, group, logoURL string, src Source) {
	var created bool
	r.channels.Compute(id, func(old *Channel, loaded bool) (*Channel, bool) {
		if !loaded {
			created = true
			return &Channel{
				ID:          id,
				DisplayName: displayName,
				Group:       group,
				LogoURL:     logoURL,
				Sources:     []Source{src},
			}, false
		}

		next := &Channel{
			ID:          old.ID,
			DisplayName: old.DisplayName,
			Group:       old.Group,
			LogoURL:     old.LogoURL,
			Sources:     append([]Source(nil), old.Sources...),
		}
		if next.DisplayName == "" {
			next.DisplayName = displayName
		}
		if next.Group == "" {
			next.Group = group
		}
		if next.LogoURL == "" {
			next.LogoURL = logoURL
		}

		for _, existing := range next.Sources {
			if existing.URL == src.URL {
				return next, false
			}
		}
		next.Sources = append(next.Sources, src)
		sort.SliceStable(next.Sources, func(i, j int) bool {
			return next.Sources[i].Priority < next.Sources[j].Priority
		})
		return next, false
	})

	if created {
		r.orderMu.Lock()
		r.order = append(r.order, id)
		r.orderMu.Unlock()
	}
}

// SetInfo creates or updates a channel's display metadata without touching
// its source list. Used by the admin surface, where info and sources are
// registered in separate calls.
func (r *Registry) SetInfo(id, displayName, group, logoURL string) {
	var created bool
	r.channels.Compute(id, func(old *Channel, loaded bool) (*Channel, bool) {
		next := &Channel{
			ID:          id,
			DisplayName: displayName,
			Group:       group,
			LogoURL:     logoURL,
		}
		if loaded {
			next.Sources = old.Sources
		} else {
			created = true
		}
		return next, false
	})

	if created {
		r.orderMu.Lock()
		r.order = append(r.order, id)
		r.orderMu.Unlock()
	}

	logger.Debug("{registry - SetInfo} Set info for channel %s (group %q)", id, group)
}

// Get returns the current immutable snapshot for a channel id.
func (r *Registry) Get(id string) (*Channel, bool) {
	return r.channels.Load(id)
}

// SourcesFor returns a copy of the channel's current source list, in failover
// priority order. The copy is the snapshot a failover pass iterates; registry
// growth during the pass becomes visible on the next pass, never mid-pass.
func (r *Registry) SourcesFor(id string) ([]Source, error) {
	ch, ok := r.channels.Load(id)
	if !ok {
		return nil, ErrChannelNotFound
	}
	return append([]Source(nil), ch.Sources...), nil
}

// ListChannels returns channel snapshots in insertion order, optionally
// restricted to one group. An empty filter returns all channels. Insertion
// order keeps playlist output deterministic across calls.
func (r *Registry) ListChannels(groupFilter string) []*Channel {
	r.orderMu.Lock()
	ids := append([]string(nil), r.order...)
	r.orderMu.Unlock()

	out := make([]*Channel, 0, len(ids))
	for _, id := range ids {
		ch, ok := r.channels.Load(id)
		if !ok {
			continue
		}
		if groupFilter != "" && !strings.EqualFold(ch.Group, groupFilter) {
			continue
		}
		out = append(out, ch)
	}
	return out
}

// Len returns the number of registered channels.
func (r *Registry) Len() int {
	return r.channels.Size()
}
