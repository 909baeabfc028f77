package events

import (
	"context"
	"sync"
)

const (
	// DefaultStreamBuffer is the number of events kept per run for replay.
	DefaultStreamBuffer = 256
	// DefaultStreamRuns is the number of runs whose events are kept.
	DefaultStreamRuns = 512
	subscriberBacklog = 64
)

// Sequenced is an event with its position in the run's stream. Sequences
// start at 1.
type Sequenced struct {
	Seq   uint64
	Event Event
}

// StreamConfig sizes a Stream.
type StreamConfig struct {
	// Buffer is the per-run replay window.
	Buffer int
	// Runs bounds how many runs with events are kept; the oldest is
	// forgotten first. Runs that only have waiting subscribers do not count.
	Runs int
}

// Stream keeps recent events per run and fans them out to live subscribers.
// It is a Publisher, so the engine feeds it like any other sink.
type Stream struct {
	mu      sync.Mutex
	buffer  int
	maxRuns int
	runs    map[string]*runStream
	order   []string
	closed  bool
}

type runStream struct {
	events   *ring[Sequenced]
	next     uint64
	subs     map[chan Sequenced]struct{}
	finished bool
	// tracked is set once the run has published and counts toward maxRuns.
	tracked bool
}

// NewStream creates a Stream.
func NewStream(cfg StreamConfig) *Stream {
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultStreamBuffer
	}
	if cfg.Runs <= 0 {
		cfg.Runs = DefaultStreamRuns
	}
	return &Stream{
		buffer:  cfg.Buffer,
		maxRuns: cfg.Runs,
		runs:    make(map[string]*runStream),
	}
}

// Publish implements Publisher. A subscriber that cannot keep up is
// disconnected; it may resume from the last sequence it saw.
func (s *Stream) Publish(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}

	rs := s.runLocked(event.RunID)
	s.trackLocked(event.RunID, rs)
	rs.next++
	msg := Sequenced{Seq: rs.next, Event: event}
	rs.events.add(msg)
	for ch := range rs.subs {
		select {
		case ch <- msg:
		default:
			delete(rs.subs, ch)
			close(ch)
		}
	}
	if event.Type == RunFinished {
		rs.finished = true
		for ch := range rs.subs {
			close(ch)
		}
		rs.subs = nil
	}
	return nil
}

// Subscribe returns the buffered events of runID after sequence after, and a
// channel of later events. The channel is closed once the run finishes, the
// subscriber lags behind, or cancel is called. Subscribing to a run that has
// not started yet is allowed.
func (s *Stream) Subscribe(runID string, after uint64) ([]Sequenced, <-chan Sequenced, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Sequenced, subscriberBacklog)
	if s.closed {
		close(ch)
		return nil, ch, func() {}
	}

	rs := s.runLocked(runID)
	var backlog []Sequenced
	for _, msg := range rs.events.all() {
		if msg.Seq > after {
			backlog = append(backlog, msg)
		}
	}
	if rs.finished {
		close(ch)
		return backlog, ch, func() {}
	}

	if rs.subs == nil {
		rs.subs = make(map[chan Sequenced]struct{})
	}
	rs.subs[ch] = struct{}{}
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if _, ok := rs.subs[ch]; ok {
				delete(rs.subs, ch)
				close(ch)
			}
			if !rs.tracked && len(rs.subs) == 0 && s.runs[runID] == rs {
				delete(s.runs, runID)
			}
		})
	}
	return backlog, ch, cancel
}

// Has reports whether events of runID are still held.
func (s *Stream) Has(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.runs[runID]
	return ok && rs.events.len() > 0
}

// Close disconnects every subscriber. Later events are dropped.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, rs := range s.runs {
		for ch := range rs.subs {
			close(ch)
		}
		rs.subs = nil
	}
	return nil
}

func (s *Stream) runLocked(runID string) *runStream {
	if rs, ok := s.runs[runID]; ok {
		return rs
	}
	rs := &runStream{events: newRing[Sequenced](s.buffer), subs: make(map[chan Sequenced]struct{})}
	s.runs[runID] = rs
	return rs
}

// trackLocked counts rs toward maxRuns and evicts the oldest tracked runs
// beyond it, disconnecting their subscribers.
func (s *Stream) trackLocked(runID string, rs *runStream) {
	if rs.tracked {
		return
	}
	rs.tracked = true
	s.order = append(s.order, runID)
	for len(s.order) > s.maxRuns {
		oldest := s.order[0]
		s.order = s.order[1:]
		old, ok := s.runs[oldest]
		if !ok {
			continue
		}
		for ch := range old.subs {
			close(ch)
		}
		old.subs = nil
		delete(s.runs, oldest)
	}
}
