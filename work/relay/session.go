package relay

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"iptv-relay/work/buffer"
	"iptv-relay/work/failover"
	"iptv-relay/work/logger"
	"iptv-relay/work/metrics"
	"iptv-relay/work/registry"
)

// ErrSessionClosed is returned by Attach when the session is tearing down.
// Callers retry through the session registry, which replaces dead sessions.
var ErrSessionClosed = errors.New("relay session closed")

// errNoClients stops the pump when the attached set empties mid-broadcast.
var errNoClients = errors.New("no clients attached")

// Client is one downstream consumer attached to a session. It owns a bounded
// chunk queue; the session never blocks on a client, it drops the client
// instead when the queue stays full.
type Client struct {
	ID    string
	queue chan []byte
	done  chan struct{}

	closeOnce sync.Once
	err       atomic.Value // error, set before done closes on terminal teardown
	misses    int          // consecutive full-queue broadcasts, session-owned
}

func newClient(id string, queueSize int) *Client {
	return &Client{
		ID:    id,
		queue: make(chan []byte, queueSize),
		done:  make(chan struct{}),
	}
}

// Chunks is the client's receive queue. Consumers must also select on Done;
// the queue itself is never closed.
func (c *Client) Chunks() <-chan []byte { return c.queue }

// Done is closed when the client is detached, for any reason.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the client was detached. Nil for a plain detach (client
// left, or was dropped for backpressure); failover.ErrAllSourcesFailed when
// the session terminated because every upstream source failed.
func (c *Client) Err() error {
	if v := c.err.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func (c *Client) close(reason error) {
	c.closeOnce.Do(func() {
		if reason != nil {
			c.err.Store(reason)
		}
		close(c.done)
	})
}

// Session owns the single upstream connection for one channel and fans its
// bytes out to every attached client. At most one Session exists per channel
// (enforced by the session registry) and at most one upstream fetch is open
// per Session (enforced by the single pump goroutine).
type Session struct {
	ChannelID string

	// sources re-snapshots the channel's source list from the source
	// registry. Called at stream start and again on every mid-stream
	// failover, so admin-added sources are picked up on the next pass.
	sources func() ([]registry.Source, error)

	selector   *failover.Selector
	pool       *buffer.Pool
	catchup    *buffer.ChunkRing
	chunkSize  int
	queueSize  int
	stallLimit int

	// onEmpty is invoked once, after the last client detaches or the
	// session terminates, so the session registry can drop its entry.
	onEmpty func(*Session)

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	clients map[string]*Client
	closed  bool

	running     atomic.Bool
	stopOnce    sync.Once
	stopped     chan struct{} // closed after the pump goroutine has released the upstream
	contentType atomic.Value  // string
	current     atomic.Value  // registry.Source
	lastActive  atomic.Int64
}

// Options bundles the tuning knobs a Session needs.
type Options struct {
	ChunkSize     int
	QueueSize     int
	CatchupWindow int
	StallLimit    int
}

func newSession(channelID string, sources func() ([]registry.Source, error), selector *failover.Selector, pool *buffer.Pool, opts Options, onEmpty func(*Session)) *Session {
	if opts.StallLimit <= 0 {
		opts.StallLimit = 3
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ChannelID:  channelID,
		sources:    sources,
		selector:   selector,
		pool:       pool,
		catchup:    buffer.NewChunkRing(opts.CatchupWindow),
		chunkSize:  opts.ChunkSize,
		queueSize:  opts.QueueSize,
		stallLimit: opts.StallLimit,
		onEmpty:    onEmpty,
		ctx:        ctx,
		cancel:     cancel,
		clients:    make(map[string]*Client),
		stopped:    make(chan struct{}),
	}
	s.contentType.Store("video/mp2t")
	s.lastActive.Store(time.Now().Unix())
	return s
}

// ContentType reports the upstream content type once streaming has started,
// defaulting to MPEG-TS before the first byte.
func (s *Session) ContentType() string {
	return s.contentType.Load().(string)
}

// CurrentSource reports the source currently being relayed, if any.
func (s *Session) CurrentSource() (registry.Source, bool) {
	if v := s.current.Load(); v != nil {
		return v.(registry.Source), true
	}
	return registry.Source{}, false
}

// ClientCount reports the number of attached clients.
func (s *Session) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Attach registers a new client. The first client starts upstream
// acquisition; later clients join the running broadcast at the live edge,
// primed with the bounded catch-up window. Returns ErrSessionClosed when the
// session is already tearing down.
func (s *Session) Attach(clientID string) (*Client, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}

	c := newClient(clientID, s.queueSize)

	// prime the queue with the catch-up window before the client becomes
	// visible to the broadcast loop; both paths hold s.mu so ordering is
	// preserved and nothing is delivered twice
	for _, chunk := range s.catchup.Snapshot() {
		select {
		case c.queue <- chunk:
		default:
		}
	}

	s.clients[clientID] = c
	count := len(s.clients)
	s.mu.Unlock()

	metrics.ClientsConnected.WithLabelValues(s.ChannelID).Set(float64(count))
	logger.Debug("{relay - Attach} Channel %s: client %s attached, total %d", s.ChannelID, clientID, count)

	if s.running.CompareAndSwap(false, true) {
		logger.Debug("{relay - Attach} Channel %s: first client, starting pump", s.ChannelID)
		go s.run()
	}

	return c, nil
}

// Detach removes a client. Idempotent: detaching an unknown or already
// detached client is a no-op. When the attached set empties, the session is
// torn down and the upstream handle closed.
func (s *Session) Detach(clientID string) {
	s.mu.Lock()
	c, ok := s.clients[clientID]
	if ok {
		delete(s.clients, clientID)
	}
	remaining := len(s.clients)
	empty := ok && remaining == 0 && !s.closed
	if empty {
		s.closed = true
	}
	s.mu.Unlock()

	if !ok {
		return
	}

	c.close(nil)
	metrics.ClientsConnected.WithLabelValues(s.ChannelID).Set(float64(remaining))
	logger.Debug("{relay - Detach} Channel %s: client %s detached, remaining %d", s.ChannelID, clientID, remaining)

	if empty {
		logger.Debug("{relay - Detach} Channel %s: last client left, tearing down", s.ChannelID)
		s.teardown()
	}
}

// teardown cancels the pump (which closes the upstream handle) and
// unregisters the session. Safe to call once per session; callers hold the
// closed flag transition.
func (s *Session) teardown() {
	s.cancel()
	if !s.running.Load() {
		// no pump goroutine holds an upstream handle
		s.markStopped()
	}
	if s.onEmpty != nil {
		s.onEmpty(s)
	}
}

func (s *Session) markStopped() {
	s.stopOnce.Do(func() { close(s.stopped) })
}

// Stopped is closed once no goroutine holds an upstream handle for this
// session anymore. Used by tests and by graceful shutdown.
func (s *Session) Stopped() <-chan struct{} {
	return s.stopped
}

// run is the session pump: acquire an upstream via failover, relay chunks to
// all clients, and on upstream failure re-snapshot the source list and fail
// over again without dropping attached clients. Exits on cancellation, on an
// empty client set, or on failover exhaustion.
func (s *Session) run() {
	defer func() {
		s.running.Store(false)
		s.markStopped()
	}()

	for {
		sources, err := s.sources()
		if err != nil {
			// channel vanished from the registry mid-stream
			logger.Warn("{relay - run} Channel %s: source snapshot failed: %v", s.ChannelID, err)
			s.terminate(failover.ErrAllSourcesFailed)
			return
		}

		result, err := s.selector.Run(s.ctx, s.ChannelID, sources)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			metrics.StreamErrors.WithLabelValues(s.ChannelID, "exhausted").Inc()
			s.terminate(failover.ErrAllSourcesFailed)
			return
		}

		s.contentType.Store(result.Handle.ContentType())
		s.current.Store(result.Source)

		// drop any tail retained from a source that already died; joiners
		// only catch up on bytes from the source currently streaming
		s.mu.Lock()
		s.catchup.Reset()
		s.mu.Unlock()

		err = s.pump(result.Handle)
		result.Handle.Close()

		switch {
		case s.ctx.Err() != nil:
			return
		case errors.Is(err, errNoClients):
			return
		default:
			// upstream failed mid-stream; loop re-snapshots the registry so
			// newly added sources participate in the next failover pass
			logger.Warn("{relay - run} Channel %s: upstream failed mid-stream (%v), failing over", s.ChannelID, err)
			metrics.StreamErrors.WithLabelValues(s.ChannelID, "read").Inc()
		}
	}
}

// pump relays chunks from one upstream handle until it fails, the context is
// cancelled, or no clients remain. io.EOF counts as a failure: live streams
// do not end, so an ending stream means the source went away.
func (s *Session) pump(handle io.Reader) error {
	staging := s.pool.Get()
	defer s.pool.Put(staging)
	buf := staging.B[:s.chunkSize]

	for {
		if err := s.ctx.Err(); err != nil {
			return err
		}

		n, err := handle.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			s.lastActive.Store(time.Now().Unix())
			metrics.BytesTransferred.WithLabelValues(s.ChannelID, "upstream").Add(float64(n))

			if active := s.broadcast(chunk); active == 0 {
				return errNoClients
			}
		}

		if err != nil {
			return err
		}
	}
}

// broadcast records one chunk in the catch-up ring and delivers it to every
// attached client without blocking. Ring append and delivery happen under the
// same lock Attach holds while priming, so a joining client sees each chunk
// exactly once: either from its ring snapshot or from a later broadcast.
// A client whose queue is full misses the chunk; stallLimit consecutive
// misses mark it failed and it is detached so it cannot stall the others.
// Returns the number of clients still attached afterwards.
func (s *Session) broadcast(chunk []byte) int {
	var dropped []*Client

	s.mu.Lock()
	s.catchup.Append(chunk)
	for id, c := range s.clients {
		select {
		case c.queue <- chunk:
			c.misses = 0
			metrics.BytesTransferred.WithLabelValues(s.ChannelID, "downstream").Add(float64(len(chunk)))
		default:
			c.misses++
			if c.misses >= s.stallLimit {
				delete(s.clients, id)
				dropped = append(dropped, c)
			}
		}
	}
	remaining := len(s.clients)
	empty := remaining == 0 && !s.closed
	if empty {
		s.closed = true
	}
	s.mu.Unlock()

	for _, c := range dropped {
		c.close(nil)
		metrics.ClientsDropped.WithLabelValues(s.ChannelID, "backpressure").Inc()
		logger.Warn("{relay - broadcast} Channel %s: dropped stalled client %s", s.ChannelID, c.ID)
	}
	if len(dropped) > 0 {
		metrics.ClientsConnected.WithLabelValues(s.ChannelID).Set(float64(remaining))
	}
	if empty {
		s.teardown()
	}

	return remaining
}

// terminate detaches every client with a terminal reason and unregisters the
// session. Used on failover exhaustion: clients observe Done with
// Err() == failover.ErrAllSourcesFailed.
func (s *Session) terminate(reason error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	detached := make([]*Client, 0, len(s.clients))
	for id, c := range s.clients {
		delete(s.clients, id)
		detached = append(detached, c)
	}
	s.mu.Unlock()

	for _, c := range detached {
		c.close(reason)
	}
	metrics.ClientsConnected.WithLabelValues(s.ChannelID).Set(0)
	logger.Warn("{relay - terminate} Channel %s: session terminated (%v), %d clients signalled",
		s.ChannelID, reason, len(detached))

	s.teardown()
}
