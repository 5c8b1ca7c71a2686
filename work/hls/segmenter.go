package hls

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"iptv-relay/work/logger"
	"iptv-relay/work/relay"

	"github.com/grafov/m3u8"
	"github.com/puzpuzpuz/xsync/v3"
)

// Segment is one time-sliced piece of the relayed stream, addressable by its
// media sequence number.
type Segment struct {
	Seq      uint64
	Duration float64
	Data     []byte
}

// Segmenter converts a channel's continuous relay stream into an HLS window.
// It attaches to the channel session like any other client, cuts the byte
// stream into fixed-duration segments and maintains a sliding media playlist.
type Segmenter struct {
	channelID string
	clientID  string

	targetDuration time.Duration
	windowSize     uint

	mu       sync.RWMutex
	segments map[uint64]*Segment
	oldest   uint64
	nextSeq  uint64
	playlist *m3u8.MediaPlaylist
	err      error

	lastAccess int64 // unix nano, bumped on every playlist or segment read

	stopOnce sync.Once
	stopped  chan struct{}
}

// newSegmenter builds the segmenter and its backing media playlist.
func newSegmenter(channelID string, targetDuration time.Duration, windowSize uint) (*Segmenter, error) {
	pl, err := m3u8.NewMediaPlaylist(windowSize, windowSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create media playlist: %w", err)
	}
	pl.TargetDuration = targetDuration.Seconds()

	s := &Segmenter{
		channelID:      channelID,
		clientID:       fmt.Sprintf("hls-%s-%d", channelID, time.Now().UnixNano()),
		targetDuration: targetDuration,
		windowSize:     windowSize,
		segments:       make(map[uint64]*Segment),
		playlist:       pl,
		stopped:        make(chan struct{}),
	}
	s.touch()
	return s, nil
}

// run consumes the relay client until the session ends or the segmenter is
// stopped, cutting a segment every target duration.
func (s *Segmenter) run(client *relay.Client) {
	ticker := time.NewTicker(s.targetDuration)
	defer ticker.Stop()

	var pending bytes.Buffer

	cut := func() {
		if pending.Len() == 0 {
			return
		}
		data := make([]byte, pending.Len())
		copy(data, pending.Bytes())
		pending.Reset()
		s.appendSegment(data)
	}

	for {
		select {
		case chunk := <-client.Chunks():
			pending.Write(chunk)
		case <-ticker.C:
			cut()
		case <-client.Done():
			cut()
			s.fail(client.Err())
			return
		case <-s.stopped:
			return
		}
	}
}

// appendSegment stores the segment, slides the playlist window and evicts
// segments that fell out of it.
func (s *Segmenter) appendSegment(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seg := &Segment{
		Seq:      s.nextSeq,
		Duration: s.targetDuration.Seconds(),
		Data:     data,
	}
	s.segments[seg.Seq] = seg
	s.nextSeq++

	uri := fmt.Sprintf("%d.ts", seg.Seq)
	if s.playlist.Count() < s.windowSize {
		if err := s.playlist.Append(uri, seg.Duration, ""); err != nil {
			logger.Warn("{hls - appendSegment} playlist append failed for %s: %v", s.channelID, err)
		}
	} else {
		s.playlist.Slide(uri, seg.Duration, "")
	}

	for s.nextSeq-s.oldest > uint64(s.windowSize) {
		delete(s.segments, s.oldest)
		s.oldest++
	}
}

// Manifest renders the current live playlist. It returns false until the
// first segment exists so handlers can tell players to retry.
func (s *Segmenter) Manifest() ([]byte, bool) {
	s.touch()
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.nextSeq == 0 {
		return nil, false
	}
	return s.playlist.Encode().Bytes(), true
}

// Segment returns the segment with the given sequence number if it is still
// inside the window.
func (s *Segmenter) Segment(seq uint64) (*Segment, bool) {
	s.touch()
	s.mu.RLock()
	defer s.mu.RUnlock()

	seg, found := s.segments[seq]
	return seg, found
}

// Err reports why segmenting ended, if it has.
func (s *Segmenter) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *Segmenter) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.stop()
}

func (s *Segmenter) stop() {
	s.stopOnce.Do(func() { close(s.stopped) })
}

func (s *Segmenter) touch() {
	s.mu.Lock()
	s.lastAccess = time.Now().UnixNano()
	s.mu.Unlock()
}

func (s *Segmenter) idleSince() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Unix(0, s.lastAccess)
}

// Manager owns one segmenter per channel, creating them lazily on the first
// HLS request and reaping the ones no player has touched recently.
type Manager struct {
	sessions       *relay.SessionRegistry
	targetDuration time.Duration
	windowSize     uint

	segmenters *xsync.MapOf[string, *Segmenter]

	reapStop chan struct{}
	reapOnce sync.Once
}

// NewManager wires the manager to the relay session registry.
func NewManager(sessions *relay.SessionRegistry, targetDuration time.Duration, windowSize uint) *Manager {
	if targetDuration <= 0 {
		targetDuration = 4 * time.Second
	}
	if windowSize == 0 {
		windowSize = 6
	}
	m := &Manager{
		sessions:       sessions,
		targetDuration: targetDuration,
		windowSize:     windowSize,
		segmenters:     xsync.NewMapOf[string, *Segmenter](),
		reapStop:       make(chan struct{}),
	}
	go m.reapLoop()
	return m
}

// Get returns the live segmenter for the channel, starting one if needed.
// Starting attaches a relay client, which spins up the upstream session.
func (m *Manager) Get(channelID string) (*Segmenter, error) {
	var startErr error

	seg, _ := m.segmenters.LoadOrCompute(channelID, func() *Segmenter {
		s, err := newSegmenter(channelID, m.targetDuration, m.windowSize)
		if err != nil {
			startErr = err
			return nil
		}
		_, client, err := m.sessions.Attach(channelID, s.clientID)
		if err != nil {
			startErr = err
			return nil
		}
		go func() {
			s.run(client)
			m.sessions.Release(channelID, s.clientID)
			m.remove(channelID, s)
		}()
		logger.Info("{hls - Get} Started segmenter for channel %s", channelID)
		return s
	})

	if startErr != nil {
		m.segmenters.Delete(channelID)
		return nil, startErr
	}
	if seg == nil {
		// Lost a race with a failed start; retry once.
		return m.Get(channelID)
	}

	select {
	case <-seg.stopped:
		// Session ended underneath an existing segmenter; replace it.
		m.remove(channelID, seg)
		return m.Get(channelID)
	default:
	}

	return seg, nil
}

// remove deletes the mapping only if it still points at the given segmenter,
// so a replacement started concurrently is never evicted.
func (m *Manager) remove(channelID string, s *Segmenter) {
	m.segmenters.Compute(channelID, func(cur *Segmenter, loaded bool) (*Segmenter, bool) {
		if !loaded {
			// keep the map unchanged, signal deletion of the placeholder
			return nil, true
		}
		return cur, cur == s
	})
}

// Stop tears down all segmenters and the reaper.
func (m *Manager) Stop() {
	m.reapOnce.Do(func() { close(m.reapStop) })
	m.segmenters.Range(func(id string, s *Segmenter) bool {
		s.stop()
		m.sessions.Release(id, s.clientID)
		m.segmenters.Delete(id)
		return true
	})
}

// reapLoop drops segmenters idle for longer than three full windows, which
// releases their relay client and lets the upstream session close.
func (m *Manager) reapLoop() {
	interval := m.targetDuration * time.Duration(m.windowSize)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.reapStop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-3 * interval)
			m.segmenters.Range(func(id string, s *Segmenter) bool {
				if s.idleSince().Before(cutoff) {
					logger.Debug("{hls - reapLoop} Reaping idle segmenter for channel %s", id)
					s.stop()
					m.sessions.Release(id, s.clientID)
					m.remove(id, s)
				}
				return true
			})
		}
	}
}
