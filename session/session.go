// Package session assembles the engine: chunk store, generation queue,
// buffer manager, sync loop, and coordinator, behind one playback API.
// The session owns a dispatch goroutine; all user callbacks fire from
// it, never from component internals.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	gosync "sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/lessonkit/lessonaudio"
	"github.com/lessonkit/lessonaudio/buffer"
	"github.com/lessonkit/lessonaudio/coordinator"
	"github.com/lessonkit/lessonaudio/merge"
	"github.com/lessonkit/lessonaudio/queue"
	"github.com/lessonkit/lessonaudio/store"
	syncpkg "github.com/lessonkit/lessonaudio/sync"
)

// Session is one lesson playback instance. Safe for concurrent use; the
// playback state machine serializes lifecycle transitions.
type Session struct {
	ID  string
	cfg lessonaudio.Config

	store       *store.Store
	queue       *queue.Queue
	buffers     *buffer.Manager
	sync        *syncpkg.Manager
	coordinator *coordinator.Coordinator
	machine     *lessonaudio.StateMachine
	merger      *merge.Merger

	callbacks lessonaudio.Callbacks
	dispatch  chan func()

	mu     gosync.Mutex
	events map[string]lessonaudio.TimelineEvent
	order  []lessonaudio.TimelineEvent
	closed bool

	stopTimers chan struct{}
	wg         gosync.WaitGroup

	instruments *lessonaudio.Instruments
	logger      *log.Logger
}

// New wires a session from config. The synthesizer and element factory
// are the two external boundaries the caller must provide.
func New(cfg lessonaudio.Config, synth lessonaudio.Synthesizer, factory lessonaudio.ElementFactory, cb lessonaudio.Callbacks) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	instruments, err := lessonaudio.NewInstruments()
	if err != nil {
		return nil, err
	}

	st := store.New()

	buffers, err := buffer.New(cfg.Buffer, st, instruments)
	if err != nil {
		return nil, err
	}

	co, err := coordinator.New(cfg.Coordinator, instruments)
	if err != nil {
		buffers.Close()
		return nil, err
	}

	merger, err := merge.New(cfg.Merge)
	if err != nil {
		buffers.Close()
		return nil, err
	}

	s := &Session{
		ID:          uuid.NewString(),
		cfg:         cfg,
		store:       st,
		buffers:     buffers,
		coordinator: co,
		machine:     lessonaudio.NewStateMachine(),
		merger:      merger,
		callbacks:   cb,
		dispatch:    make(chan func(), 64),
		events:      make(map[string]lessonaudio.TimelineEvent),
		stopTimers:  make(chan struct{}),
		instruments: instruments,
		logger:      log.WithPrefix("session"),
	}

	s.queue = queue.New(cfg.Queue, st, synth, instruments)
	s.sync = syncpkg.NewManager(cfg.Sync, st, buffers, factory, instruments)
	s.sync.SetRequestImmediate(s.queue.RequestImmediate)
	co.SetPositionSource(s.sync.Position)

	s.queue.OnReady(s.handleChunkReady)
	s.queue.OnError(s.handleChunkError)
	s.sync.OnChunkComplete(s.handleChunkComplete)
	s.sync.OnTimelineEnd(s.handleTimelineEnd)
	s.sync.OnCorrection(co.NotifySyncCorrection)
	if cb.OnSyncUpdate != nil {
		s.sync.OnUpdate(func(status syncpkg.Status) {
			s.post(func() { s.callbacks.OnSyncUpdate(status.State, status.Offset) })
		})
	}
	co.OnAdvance(s.handleAdvance)

	s.wg.Add(1)
	go s.dispatchLoop()

	s.queue.Start()
	s.sync.Start()
	co.Start()
	s.startTimers()

	if cfg.Session.DefaultSpeed > 0 && cfg.Session.DefaultSpeed != 1 {
		if err := s.sync.SetSpeed(cfg.Session.DefaultSpeed); err != nil {
			s.Close()
			return nil, err
		}
	}

	return s, nil
}

// Load ingests the lesson timeline. Narration events become chunks with
// estimated durations and the first look-ahead window is queued.
func (s *Session) Load(events []lessonaudio.TimelineEvent) error {
	if !s.machine.Transition(lessonaudio.StateLoading) {
		return fmt.Errorf("load from %s: %w", s.machine.Current(), lessonaudio.ErrInvalidState)
	}

	if err := s.store.Load(events); err != nil {
		s.machine.Transition(lessonaudio.StateError)
		return err
	}

	s.mu.Lock()
	s.events = make(map[string]lessonaudio.TimelineEvent, len(events))
	s.order = append([]lessonaudio.TimelineEvent(nil), events...)
	sort.SliceStable(s.order, func(i, j int) bool { return s.order[i].Start < s.order[j].Start })
	for _, ev := range events {
		s.events[ev.ID] = ev
	}
	s.mu.Unlock()

	s.enqueueWindow(0)

	if !s.machine.Transition(lessonaudio.StateReady) {
		return lessonaudio.ErrStateTransition
	}
	s.logger.Info("timeline loaded", "events", len(events), "chunks", s.store.Len(),
		"duration", s.store.TotalDuration())
	return nil
}

// Play starts or resumes playback.
func (s *Session) Play() error {
	if !s.machine.Current().CanPlay() {
		return fmt.Errorf("play from %s: %w", s.machine.Current(), lessonaudio.ErrInvalidState)
	}
	if !s.machine.Transition(lessonaudio.StatePlaying) {
		return lessonaudio.ErrStateTransition
	}
	s.sync.Play()
	s.post(func() {
		if s.callbacks.OnPlaybackStart != nil {
			s.callbacks.OnPlaybackStart()
		}
	})
	return nil
}

// Pause suspends playback, keeping position.
func (s *Session) Pause() error {
	if !s.machine.Current().CanPause() {
		return fmt.Errorf("pause from %s: %w", s.machine.Current(), lessonaudio.ErrInvalidState)
	}
	if !s.machine.Transition(lessonaudio.StatePaused) {
		return lessonaudio.ErrStateTransition
	}
	s.sync.Pause()
	s.post(func() {
		if s.callbacks.OnPlaybackPause != nil {
			s.callbacks.OnPlaybackPause()
		}
	})
	return nil
}

// Stop halts playback and rewinds to the start. The timeline stays
// loaded; Play starts over.
func (s *Session) Stop() error {
	if !s.machine.Transition(lessonaudio.StateStopping) {
		return fmt.Errorf("stop from %s: %w", s.machine.Current(), lessonaudio.ErrInvalidState)
	}
	s.sync.Stop()
	s.sync.Start()
	s.machine.Transition(lessonaudio.StateReady)
	s.post(func() {
		if s.callbacks.OnPlaybackEnd != nil {
			s.callbacks.OnPlaybackEnd()
		}
	})
	return nil
}

// Seek scrubs to a timeline position. Playback resumes automatically if
// it was running.
func (s *Session) Seek(ctx context.Context, target time.Duration) error {
	prev := s.machine.Current()
	if !prev.CanSeek() {
		return fmt.Errorf("seek from %s: %w", prev, lessonaudio.ErrInvalidState)
	}
	if !s.machine.Transition(lessonaudio.StateSeeking) {
		return lessonaudio.ErrStateTransition
	}

	s.coordinator.NotifySeek(target)
	err := s.sync.SeekTo(ctx, target)

	// A timed-out seek still repositioned the timeline; audio joins in
	// once the chunk under the playhead is ready. A superseded seek must
	// not touch the state machine, the newer seek owns it.
	if !errors.Is(err, lessonaudio.ErrSeekSuperseded) {
		s.machine.Transition(prev)
	}

	s.enqueueWindow(target)
	return err
}

// SetSpeed changes the playback rate.
func (s *Session) SetSpeed(speed float64) error {
	return s.sync.SetSpeed(speed)
}

// SetVolume changes playback volume.
func (s *Session) SetVolume(vol float64) error {
	return s.sync.SetVolume(vol)
}

// SetMode switches the audio-visual coordination mode.
func (s *Session) SetMode(mode lessonaudio.CoordinationMode) {
	s.coordinator.SetMode(mode)
}

// VisualComplete reports that the visual layer finished a timeline step.
func (s *Session) VisualComplete(eventID string) {
	s.coordinator.NotifyVisualComplete(eventID)
}

// State returns the playback lifecycle state.
func (s *Session) State() lessonaudio.PlaybackState {
	return s.machine.Current()
}

// Position returns the current timeline position.
func (s *Session) Position() time.Duration {
	return s.sync.Position()
}

// Status returns the reconciled sync snapshot.
func (s *Session) Status() syncpkg.Status {
	return s.sync.Status()
}

// ExportTrack synthesizes any missing narration synchronously and merges
// every chunk into one continuous WAV track with a segment index.
func (s *Session) ExportTrack(ctx context.Context, synth lessonaudio.Synthesizer) (*merge.Result, error) {
	chunks := s.store.Ordered()
	if len(chunks) == 0 {
		return nil, lessonaudio.ErrNoNarration
	}

	segments := make([]merge.Segment, 0, len(chunks))
	for _, c := range chunks {
		clip := c.Audio
		if clip == nil || len(clip.Data) == 0 {
			if err := s.buffers.Restore(c.ID); err == nil {
				if rc, ok := s.store.Get(c.ID); ok {
					clip = rc.Audio
				}
			}
		}
		if clip == nil || len(clip.Data) == 0 {
			result, err := synth.Synthesize(ctx, lessonaudio.SynthesisRequest{
				Text: c.Text, Voice: c.Voice, Speed: c.Speed,
			})
			if err != nil {
				return nil, fmt.Errorf("export chunk %s: %w", c.ID, err)
			}
			clip = result.Audio
		}
		segments = append(segments, merge.Segment{ID: c.ID, Text: c.Text, Clip: clip})
	}

	return s.merger.Merge(segments)
}

// Close shuts the session down. In-flight synthesis results are dropped.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return lessonaudio.ErrSessionClosed
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stopTimers)
	s.queue.Abandon()
	s.queue.Close()
	s.sync.Stop()
	s.coordinator.Stop()
	close(s.dispatch)
	s.wg.Wait()
	return s.buffers.Close()
}

// post hands a callback to the dispatch goroutine without blocking the
// component that produced it.
func (s *Session) post(fn func()) {
	// The lock is held across the send so Close cannot close the channel
	// between the closed check and the send.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.dispatch <- fn:
	default:
		// Dispatch backlog full; drop rather than stall a component.
		s.logger.Warn("callback dropped, dispatch backlog full")
	}
}

func (s *Session) dispatchLoop() {
	defer s.wg.Done()
	for fn := range s.dispatch {
		fn()
	}
}

func (s *Session) startTimers() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		preload := time.NewTicker(s.cfg.Session.PreloadSweep)
		cleanup := time.NewTicker(s.cfg.Buffer.CleanupInterval)
		defer preload.Stop()
		defer cleanup.Stop()
		for {
			select {
			case <-s.stopTimers:
				return
			case <-preload.C:
				if s.machine.Current().Active() {
					s.enqueueWindow(s.sync.Position())
				}
			case <-cleanup.C:
				s.buffers.Cleanup(s.sync.Position())
			}
		}
	}()
}

// enqueueWindow queues synthesis for the preload candidates around pos.
func (s *Session) enqueueWindow(pos time.Duration) {
	for _, id := range s.buffers.PreloadCandidates(pos) {
		c, ok := s.store.Get(id)
		if !ok {
			continue
		}
		req := queue.Request{
			ChunkID:    id,
			Priority:   s.priorityFor(c, pos),
			TargetTime: targetTime(c, s.cfg.Queue.Lookahead),
			Voice:      c.Voice,
			Speed:      c.Speed,
			Background: true,
		}
		if err := s.queue.Enqueue(req); err != nil &&
			!errors.Is(err, lessonaudio.ErrDuplicateWork) {
			s.logger.Warn("enqueue failed", "chunk", id, "err", err)
		}
	}
}

// priorityFor grades a chunk by how soon the playhead needs it.
func (s *Session) priorityFor(c *lessonaudio.StreamingAudioChunk, pos time.Duration) queue.Priority {
	dist := c.Start - pos
	switch {
	case dist <= 0:
		return queue.PriorityCritical
	case dist <= s.cfg.Session.PreloadSweep:
		return queue.PriorityHigh
	case dist <= s.cfg.Queue.Lookahead:
		return queue.PriorityNormal
	default:
		return queue.PriorityLow
	}
}

func targetTime(c *lessonaudio.StreamingAudioChunk, lookahead time.Duration) time.Duration {
	t := c.Start - lookahead
	if t < 0 {
		t = 0
	}
	return t
}

func (s *Session) handleChunkReady(chunkID string, latency time.Duration) {
	s.post(func() {
		if s.callbacks.OnChunkReady != nil {
			s.callbacks.OnChunkReady(chunkID)
		}
	})
}

// handleChunkError retries bounded by config, then degrades: the chunk
// stays in error state, the sync loop plays around it, and the visual
// timeline keeps advancing without narration.
func (s *Session) handleChunkError(chunkID string, err error) {
	c, ok := s.store.Get(chunkID)
	if !ok {
		return
	}

	if lessonaudio.IsRecoverable(err) && c.Processing.RetryCount <= s.cfg.Queue.MaxRetries {
		s.logger.Warn("retrying chunk", "chunk", chunkID,
			"attempt", c.Processing.RetryCount, "err", err)
		s.store.Update(chunkID, func(u *lessonaudio.StreamingAudioChunk) {
			u.State = lessonaudio.ChunkPending
		})
		s.queue.Enqueue(queue.Request{
			ChunkID:    chunkID,
			Priority:   queue.PriorityHigh,
			TargetTime: targetTime(c, s.cfg.Queue.Lookahead),
			Voice:      c.Voice,
			Speed:      c.Speed,
		})
		return
	}

	s.logger.Error("chunk failed permanently, continuing without narration",
		"chunk", chunkID, "retries", c.Processing.RetryCount, "err", err)
	s.post(func() {
		if s.callbacks.OnError != nil {
			s.callbacks.OnError(err)
		}
	})
}

func (s *Session) handleChunkComplete(chunkID string) {
	c, ok := s.store.Get(chunkID)
	if !ok {
		return
	}
	s.coordinator.NotifyAudioComplete(c.EventID, chunkID)
}

func (s *Session) handleTimelineEnd() {
	if s.machine.Transition(lessonaudio.StateStopping) {
		s.machine.Transition(lessonaudio.StateReady)
	}
	s.post(func() {
		if s.callbacks.OnPlaybackEnd != nil {
			s.callbacks.OnPlaybackEnd()
		}
	})
}

// handleAdvance maps a coordination advance to a slide change when the
// following event sits on a different slide.
func (s *Session) handleAdvance(eventID string) {
	s.mu.Lock()
	ev, ok := s.events[eventID]
	var next *lessonaudio.TimelineEvent
	if ok {
		for i := range s.order {
			if s.order[i].ID == eventID && i+1 < len(s.order) {
				next = &s.order[i+1]
				break
			}
		}
	}
	s.mu.Unlock()

	if !ok || next == nil || next.Slide == ev.Slide {
		return
	}
	slide := next.Slide
	s.post(func() {
		if s.callbacks.OnSlideChange != nil {
			s.callbacks.OnSlideChange(slide)
		}
	})
}
