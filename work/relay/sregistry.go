package relay

import (
	"iptv-relay/work/buffer"
	"iptv-relay/work/failover"
	"iptv-relay/work/logger"
	"iptv-relay/work/metrics"
	"iptv-relay/work/registry"

	"github.com/puzpuzpuz/xsync/v3"
)

// SessionRegistry is the process-wide table of active relay sessions keyed by
// channel id. It enforces the single-session-per-channel invariant: two
// clients requesting the same channel at the same instant share one session
// and therefore one upstream fetch.
type SessionRegistry struct {
	channels *registry.Registry
	selector func(channelID string) *failover.Selector
	pool     *buffer.Pool
	opts     Options
	sessions *xsync.MapOf[string, *Session]
}

// NewSessionRegistry wires a SessionRegistry over the source registry. The
// selector factory is invoked once per session so per-channel health hooks
// can be attached.
func NewSessionRegistry(channels *registry.Registry, selector func(channelID string) *failover.Selector, pool *buffer.Pool, opts Options) *SessionRegistry {
	return &SessionRegistry{
		channels: channels,
		selector: selector,
		pool:     pool,
		opts:     opts,
		sessions: xsync.NewMapOf[string, *Session](),
	}
}

// Attach looks up or atomically creates the relay session for a channel and
// attaches a client to it. Returns registry.ErrChannelNotFound when the
// channel is unknown or has no sources (an empty source list means the
// channel is unavailable and no network fetch is attempted).
func (sr *SessionRegistry) Attach(channelID, clientID string) (*Session, *Client, error) {
	ch, ok := sr.channels.Get(channelID)
	if !ok || !ch.Playable() {
		return nil, nil, registry.ErrChannelNotFound
	}

	for {
		sess, loaded := sr.sessions.LoadOrCompute(channelID, func() *Session {
			return sr.newSession(channelID)
		})
		if !loaded {
			metrics.ActiveSessions.Inc()
			logger.Debug("{relay - Attach} Channel %s: created relay session", channelID)
		}

		c, err := sess.Attach(clientID)
		if err == nil {
			return sess, c, nil
		}

		// the session raced into teardown; drop the dead entry and retry
		sr.dropIfCurrent(channelID, sess)
	}
}

// Release detaches a client from a channel's session. Idempotent: releasing
// an unknown channel or an already detached client is a no-op. The session
// removes itself from the registry when its last client detaches.
func (sr *SessionRegistry) Release(channelID, clientID string) {
	if sess, ok := sr.sessions.Load(channelID); ok {
		sess.Detach(clientID)
	}
}

// Get returns the active session for a channel, if one exists.
func (sr *SessionRegistry) Get(channelID string) (*Session, bool) {
	return sr.sessions.Load(channelID)
}

// Len reports the number of active sessions.
func (sr *SessionRegistry) Len() int {
	return sr.sessions.Size()
}

// Range iterates over the active sessions.
func (sr *SessionRegistry) Range(fn func(channelID string, sess *Session) bool) {
	sr.sessions.Range(fn)
}

// dropIfCurrent removes a channel's registry entry only while it still points
// at the given session, so a replacement created concurrently is never
// evicted. A no-op when the entry is already gone: the compute callback must
// signal deletion for an absent key, otherwise the map would store the zero
// value and later lookups would hand out a nil session.
func (sr *SessionRegistry) dropIfCurrent(channelID string, sess *Session) bool {
	removed := false
	sr.sessions.Compute(channelID, func(cur *Session, loaded bool) (*Session, bool) {
		if !loaded {
			// keep the map unchanged, signal deletion of the placeholder
			return nil, true
		}
		removed = cur == sess
		return cur, removed
	})
	return removed
}

func (sr *SessionRegistry) newSession(channelID string) *Session {
	snapshot := func() ([]registry.Source, error) {
		return sr.channels.SourcesFor(channelID)
	}
	onEmpty := func(dead *Session) {
		if sr.dropIfCurrent(channelID, dead) {
			metrics.ActiveSessions.Dec()
			logger.Debug("{relay - onEmpty} Channel %s: relay session removed", channelID)
		}
	}
	return newSession(channelID, snapshot, sr.selector(channelID), sr.pool, sr.opts, onEmpty)
}
