// Package sync reconciles the visual timeline clock with actual audio
// playback. A periodic loop derives the set of audible chunks, elects a
// reference chunk, classifies the offset between the two clocks, and
// nudges the timeline toward the audio when drift exceeds threshold.
package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/lessonkit/lessonaudio"
	"github.com/lessonkit/lessonaudio/buffer"
	"github.com/lessonkit/lessonaudio/store"
)

// Status is a snapshot of the reconciled playback position.
type Status struct {
	Position   time.Duration // timeline clock
	Audio      time.Duration // audio-derived timeline position
	Offset     time.Duration // audio minus timeline
	State      lessonaudio.SyncState
	Confidence float64
	Reference  string // chunk id the audio position was derived from
	Speed      float64
	Playing    bool
}

// Manager drives the reconciliation loop. The timeline clock advances
// with wall time scaled by speed; audio position comes from the element
// of the elected reference chunk.
type Manager struct {
	cfg     lessonaudio.SyncConfig
	store   *store.Store
	buffers *buffer.Manager
	factory lessonaudio.ElementFactory

	// requestImmediate escalates synthesis for chunks the playhead is
	// blocked on. Injected to avoid a dependency on the queue.
	requestImmediate func(ids []string)

	mu       gosync.RWMutex
	playing  bool
	basePos  time.Duration
	baseTime time.Time
	speed    float64
	volume   float64
	elements map[string]lessonaudio.AudioElement
	status   Status
	history  []lessonaudio.AudioTimelinePosition
	seekGen  int

	waitBreaker *lessonaudio.CircuitBreaker
	playBreaker *lessonaudio.CircuitBreaker

	ticker *time.Ticker
	stopCh chan struct{}

	onUpdate        func(Status)
	onChunkComplete func(chunkID string)
	onTimelineEnd   func()
	onCorrection    func(chunkID string, delta time.Duration)

	instruments *lessonaudio.Instruments
	logger      *log.Logger
}

// NewManager creates a sync manager. The element factory is invoked once
// per chunk entering the audible set.
func NewManager(cfg lessonaudio.SyncConfig, st *store.Store, buf *buffer.Manager, factory lessonaudio.ElementFactory, instruments *lessonaudio.Instruments) *Manager {
	return &Manager{
		cfg:         cfg,
		store:       st,
		buffers:     buf,
		factory:     factory,
		speed:       1.0,
		volume:      1.0,
		elements:    make(map[string]lessonaudio.AudioElement),
		waitBreaker: lessonaudio.NewCircuitBreaker("seek-wait", cfg.MaxWaitRetries),
		playBreaker: lessonaudio.NewCircuitBreaker("chunk-play", cfg.MaxPlayAttempts),
		stopCh:      make(chan struct{}),
		status:      Status{State: lessonaudio.SyncSynced, Confidence: 1, Speed: 1.0},
		instruments: instruments,
		logger:      log.WithPrefix("sync"),
	}
}

// SetRequestImmediate injects the escalation hook.
func (m *Manager) SetRequestImmediate(fn func(ids []string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestImmediate = fn
}

// OnUpdate registers a callback invoked after every reconciliation tick.
func (m *Manager) OnUpdate(fn func(Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUpdate = fn
}

// OnCorrection registers a callback fired after each applied drift
// correction with the reference chunk and the timeline delta.
func (m *Manager) OnCorrection(fn func(chunkID string, delta time.Duration)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCorrection = fn
}

// OnChunkComplete registers a callback fired when the playhead passes the
// end of a chunk that was audible.
func (m *Manager) OnChunkComplete(fn func(chunkID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChunkComplete = fn
}

// OnTimelineEnd registers a callback fired once the playhead reaches the
// end of the last chunk.
func (m *Manager) OnTimelineEnd(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTimelineEnd = fn
}

// Start launches the reconciliation loop. Playback does not begin until
// Play is called.
func (m *Manager) Start() {
	m.ticker = time.NewTicker(m.cfg.UpdateInterval)
	go m.loop()
}

// Stop halts the loop, releases every element, and rewinds to zero.
func (m *Manager) Stop() {
	close(m.stopCh)
	if m.ticker != nil {
		m.ticker.Stop()
	}

	m.mu.Lock()
	m.playing = false
	m.basePos = 0
	for id, el := range m.elements {
		el.Close()
		delete(m.elements, id)
	}
	m.mu.Unlock()

	m.stopCh = make(chan struct{})
}

// Play starts or resumes timeline advancement.
func (m *Manager) Play() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.playing {
		return
	}
	m.playing = true
	m.baseTime = time.Now()
	for _, el := range m.elements {
		el.Play()
	}
}

// Pause freezes the timeline clock, retaining position.
func (m *Manager) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.playing {
		return
	}
	m.basePos = m.positionLocked(time.Now())
	m.playing = false
	for _, el := range m.elements {
		el.Pause()
	}
}

// Position returns the current timeline clock.
func (m *Manager) Position() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.positionLocked(time.Now())
}

// Status returns the latest reconciled snapshot.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.status
	s.Position = m.positionLocked(time.Now())
	s.Speed = m.speed
	s.Playing = m.playing
	return s
}

// History returns the bounded log of reconciled positions, oldest first.
func (m *Manager) History() []lessonaudio.AudioTimelinePosition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]lessonaudio.AudioTimelinePosition, len(m.history))
	copy(out, m.history)
	return out
}

// SetSpeed changes the playback rate for the timeline clock and every
// live element. Valid range is (0, 4].
func (m *Manager) SetSpeed(speed float64) error {
	if speed <= 0 || speed > 4 {
		return fmt.Errorf("speed %v out of range (0, 4]: %w", speed, lessonaudio.ErrInvalidRate)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Rebase so the already-elapsed portion keeps the old speed.
	m.basePos = m.positionLocked(time.Now())
	m.baseTime = time.Now()
	m.speed = speed
	for _, el := range m.elements {
		el.SetRate(speed)
	}
	return nil
}

// SetVolume changes the volume for every live element.
func (m *Manager) SetVolume(vol float64) error {
	if vol < 0 || vol > 1 {
		return fmt.Errorf("volume %v out of range [0, 1]: %w", vol, lessonaudio.ErrInvalidConfig)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.volume = vol
	for _, el := range m.elements {
		el.SetVolume(vol)
	}
	return nil
}

// SeekTo repositions the playhead. When the target chunk's audio is not
// resident it escalates synthesis and polls for readiness; the whole
// operation is bounded by the configured seek timeout, and a newer seek
// supersedes one still in flight.
func (m *Manager) SeekTo(ctx context.Context, target time.Duration) error {
	total := m.store.TotalDuration()
	if target < 0 || (total > 0 && target > total) {
		return fmt.Errorf("seek to %v outside [0, %v]: %w", target, total, lessonaudio.ErrSeekOutOfRange)
	}

	started := time.Now()

	m.mu.Lock()
	m.seekGen++
	gen := m.seekGen
	wasPlaying := m.playing
	m.playing = false
	m.basePos = target
	m.status.State = lessonaudio.SyncSeeking
	for id, el := range m.elements {
		el.Stop()
		el.Close()
		delete(m.elements, id)
		m.store.Update(id, func(c *lessonaudio.StreamingAudioChunk) {
			c.Playing = false
			if c.State == lessonaudio.ChunkPlaying {
				c.State = lessonaudio.ChunkReady
			}
		})
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.SeekTimeout)
	defer cancel()

	target = m.waitForChunk(ctx, gen, target)
	if err := ctx.Err(); err != nil {
		m.logger.Warn("seek timed out", "target", target)
		return fmt.Errorf("seek to %v: %w", target, lessonaudio.ErrSeekTimeout)
	}
	if m.superseded(gen) {
		return lessonaudio.ErrSeekSuperseded
	}

	m.mu.Lock()
	if gen != m.seekGen {
		m.mu.Unlock()
		return lessonaudio.ErrSeekSuperseded
	}
	var seekErr error
	for _, c := range m.store.Overlapping(target) {
		if !c.Loaded {
			continue
		}
		el, err := m.attachLocked(c)
		if err != nil {
			seekErr = err
			continue
		}
		if err := el.Seek(ctx, ChunkSeek(&c.TimelineAudioChunk, target)); err != nil {
			seekErr = err
		}
	}
	if wasPlaying {
		m.playing = true
		m.baseTime = time.Now()
		for _, el := range m.elements {
			el.Play()
		}
	}
	m.status.State = lessonaudio.SyncSynced
	m.status.Offset = 0
	m.mu.Unlock()

	latency := time.Since(started)
	m.instruments.RecordSeekLatency(context.Background(),
		float64(latency.Microseconds())/1000.0, latency <= m.cfg.SeekTarget)

	if seekErr != nil {
		return lessonaudio.NewEngineError(seekErr, "sync", "seek")
	}
	return nil
}

// waitForChunk blocks until the chunk under target (if any) is loaded,
// escalating synthesis once and polling on a breaker-bounded interval.
// Returns the target unchanged for convenience.
func (m *Manager) waitForChunk(ctx context.Context, gen int, target time.Duration) time.Duration {
	pending := func() []string {
		var ids []string
		for _, c := range m.store.Overlapping(target) {
			if !c.Loaded {
				ids = append(ids, c.ID)
			}
		}
		return ids
	}

	ids := pending()
	if len(ids) == 0 {
		return target
	}

	// Spilled audio restores without a synthesis round trip.
	for _, id := range ids {
		m.buffers.Restore(id)
	}
	ids = pending()
	if len(ids) == 0 {
		return target
	}

	m.mu.RLock()
	escalate := m.requestImmediate
	m.mu.RUnlock()
	if escalate != nil {
		escalate(ids)
	}

	interval := m.cfg.SeekTimeout / time.Duration(maxInt(m.cfg.MaxWaitRetries, 1))
	m.waitBreaker.Reset()
	for {
		if err := m.waitBreaker.Attempt(); err != nil {
			return target
		}
		if m.superseded(gen) {
			return target
		}
		if len(pending()) == 0 {
			return target
		}
		select {
		case <-ctx.Done():
			return target
		case <-time.After(interval):
		}
	}
}

func (m *Manager) superseded(gen int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return gen != m.seekGen
}

func (m *Manager) loop() {
	stop := m.stopCh
	for {
		select {
		case <-stop:
			return
		case <-m.ticker.C:
			m.tick(time.Now())
		}
	}
}

// tick is one reconciliation pass.
func (m *Manager) tick(now time.Time) {
	m.mu.Lock()

	pos := m.positionLocked(now)
	total := m.store.TotalDuration()

	// Timeline exhaustion.
	if m.playing && total > 0 && pos >= total {
		m.playing = false
		m.basePos = total
		pos = total
		done := m.onTimelineEnd
		m.mu.Unlock()
		if done != nil {
			go done()
		}
		return
	}

	active := m.store.Overlapping(pos)
	activeSet := make(map[string]bool, len(active))
	for _, c := range active {
		activeSet[c.ID] = true
	}

	var completed []string
	for id, el := range m.elements {
		if activeSet[id] {
			continue
		}
		c, ok := m.store.Get(id)
		el.Stop()
		el.Close()
		delete(m.elements, id)
		if ok && pos > c.End() {
			m.store.Update(id, func(u *lessonaudio.StreamingAudioChunk) {
				u.Playing = false
				u.HasPlayed = true
				u.State = lessonaudio.ChunkCompleted
			})
			completed = append(completed, id)
		} else if ok {
			// Moved backwards past the chunk, leave it replayable.
			m.store.Update(id, func(u *lessonaudio.StreamingAudioChunk) {
				u.Playing = false
				if u.State == lessonaudio.ChunkPlaying {
					u.State = lessonaudio.ChunkReady
				}
			})
		}
	}

	var escalateIDs []string
	for _, c := range active {
		if _, ok := m.elements[c.ID]; ok {
			continue
		}
		if !c.Loaded {
			if m.buffers.Restore(c.ID) != nil {
				escalateIDs = append(escalateIDs, c.ID)
			}
			continue
		}
		if _, err := m.attachLocked(c); err != nil {
			m.logger.Warn("element attach failed", "chunk", c.ID, "err", err)
		}
	}

	ref, refEl := m.referenceLocked(active)

	var snapshot lessonaudio.AudioTimelinePosition
	snapshot.Timeline = pos
	if ref != nil {
		audioTimeline := ref.Start + scaleToTimeline(refEl.Position(), ref)
		snapshot.Audio = audioTimeline
		snapshot.Offset = audioTimeline - pos
		snapshot.State = Classify(snapshot.Offset, m.cfg.Tolerance)
		snapshot.Confidence = Confidence(snapshot.Offset, m.cfg.Tolerance)
	} else if len(escalateIDs) > 0 {
		// Playhead over a chunk with no audio yet.
		snapshot.Audio = pos
		snapshot.State = lessonaudio.SyncError
		snapshot.Confidence = minConfidence
	} else {
		snapshot.Audio = pos
		snapshot.State = lessonaudio.SyncSynced
		snapshot.Confidence = 1
	}

	// Drift correction nudges the reference element toward the timeline
	// clock in bounded steps. The clock itself never moves, so the visual
	// layer observes a steady playhead while the audio converges.
	var correctedID string
	var correctedDelta time.Duration
	if m.cfg.DriftCorrection && ref != nil && m.playing {
		if offset := snapshot.Offset; abs(offset) > m.cfg.DriftThreshold {
			step := minDur(abs(offset), m.cfg.MaxCorrectionStep)
			if offset > 0 {
				step = -step
			}
			target := ChunkSeek(&ref.TimelineAudioChunk, snapshot.Audio+step)
			if err := refEl.Seek(context.Background(), target); err != nil {
				m.logger.Warn("drift correction seek failed", "chunk", ref.ID, "err", err)
			} else {
				m.store.Update(ref.ID, func(u *lessonaudio.StreamingAudioChunk) {
					u.Sync.RecordAdjustment(step, "drift")
				})
				m.instruments.RecordCorrection(context.Background())
				m.logger.Debug("drift correction", "offset", offset, "step", step, "chunk", ref.ID)
				correctedID = ref.ID
				correctedDelta = step
			}
		}
	}

	m.status.Position = pos
	m.status.Audio = snapshot.Audio
	m.status.Offset = snapshot.Offset
	m.status.State = snapshot.State
	m.status.Confidence = snapshot.Confidence
	if ref != nil {
		m.status.Reference = ref.ID
	} else {
		m.status.Reference = ""
	}

	m.history = append(m.history, snapshot)
	if m.cfg.HistorySize > 0 && len(m.history) > m.cfg.HistorySize {
		m.history = m.history[len(m.history)-m.cfg.HistorySize:]
	}

	onUpdate := m.onUpdate
	onComplete := m.onChunkComplete
	onCorrection := m.onCorrection
	status := m.status
	m.mu.Unlock()

	if correctedID != "" && onCorrection != nil {
		go onCorrection(correctedID, correctedDelta)
	}

	if len(escalateIDs) > 0 {
		if m.playBreaker.Attempt() == nil {
			m.mu.RLock()
			escalate := m.requestImmediate
			m.mu.RUnlock()
			if escalate != nil {
				escalate(escalateIDs)
			}
		}
	}

	for _, id := range completed {
		m.buffers.Touch(id)
		if onComplete != nil {
			go onComplete(id)
		}
	}
	if onUpdate != nil {
		go onUpdate(status)
	}
}

// attachLocked creates, loads, and starts an element for a loaded chunk.
// Caller holds m.mu.
func (m *Manager) attachLocked(c *lessonaudio.StreamingAudioChunk) (lessonaudio.AudioElement, error) {
	if el, ok := m.elements[c.ID]; ok {
		return el, nil
	}
	el, err := m.factory()
	if err != nil {
		return nil, lessonaudio.NewEngineError(err, "sync", "element")
	}
	if err := el.Load(c.Audio); err != nil {
		el.Close()
		return nil, lessonaudio.NewEngineError(err, "sync", "load").WithChunk(c.ID)
	}
	el.SetRate(m.speed)
	vol := m.volume
	if c.Volume > 0 {
		vol = vol * c.Volume
	}
	el.SetVolume(vol)

	id := c.ID
	el.OnEnded(func() {
		m.store.Update(id, func(u *lessonaudio.StreamingAudioChunk) {
			u.Playing = false
			u.HasPlayed = true
		})
	})

	m.elements[c.ID] = el
	if m.playing {
		if err := el.Play(); err != nil {
			return el, lessonaudio.NewEngineError(err, "sync", "play").WithChunk(c.ID)
		}
	}
	m.store.Update(c.ID, func(u *lessonaudio.StreamingAudioChunk) {
		u.Playing = true
		u.State = lessonaudio.ChunkPlaying
		u.PlayCount++
		u.Touch()
	})
	m.playBreaker.Reset()
	return el, nil
}

// referenceLocked elects the loaded audible chunk with the most remaining
// audio. Caller holds m.mu.
func (m *Manager) referenceLocked(active []*lessonaudio.StreamingAudioChunk) (*lessonaudio.StreamingAudioChunk, lessonaudio.AudioElement) {
	var best *lessonaudio.StreamingAudioChunk
	var bestEl lessonaudio.AudioElement
	var bestRemaining time.Duration = -1
	for _, c := range active {
		el, ok := m.elements[c.ID]
		if !ok || !c.Loaded {
			continue
		}
		remaining := c.AudioDuration - el.Position()
		if remaining > bestRemaining {
			best, bestEl, bestRemaining = c, el, remaining
		}
	}
	return best, bestEl
}

func (m *Manager) positionLocked(now time.Time) time.Duration {
	if !m.playing {
		return m.basePos
	}
	return m.basePos + time.Duration(float64(now.Sub(m.baseTime))*m.speed)
}

// minConfidence is the floor for the position confidence score.
const minConfidence = 0.3

// confidenceScale maps offset magnitude onto the confidence range: at
// ten times the tolerance the score bottoms out at the floor.
const confidenceScale = 10

// Classify maps an offset to a sync state. An offset exactly at the
// tolerance still counts as synced.
func Classify(offset, tolerance time.Duration) lessonaudio.SyncState {
	switch {
	case offset > tolerance:
		return lessonaudio.SyncLeading
	case offset < -tolerance:
		return lessonaudio.SyncLagging
	default:
		return lessonaudio.SyncSynced
	}
}

// Confidence scores how trustworthy the reconciled position is, falling
// linearly with offset magnitude down to the floor.
func Confidence(offset, tolerance time.Duration) float64 {
	if tolerance <= 0 {
		return minConfidence
	}
	c := 1.0 - float64(abs(offset))/float64(tolerance*confidenceScale)
	if c < minConfidence {
		return minConfidence
	}
	return c
}

// ChunkSeek maps a timeline position inside a chunk to a position in the
// chunk's audio, scaling for estimate error and clamping to the clip.
func ChunkSeek(c *lessonaudio.TimelineAudioChunk, target time.Duration) time.Duration {
	rel := target - c.Start
	if rel <= 0 {
		return 0
	}
	audioPos := rel
	if c.TimelineDuration > 0 && c.AudioDuration > 0 {
		audioPos = time.Duration(float64(rel) * float64(c.AudioDuration) / float64(c.TimelineDuration))
	}
	if audioPos > c.AudioDuration {
		return c.AudioDuration
	}
	return audioPos
}

// scaleToTimeline maps a position in a chunk's audio back to timeline
// time, the inverse of ChunkSeek's scaling.
func scaleToTimeline(audioPos time.Duration, c *lessonaudio.StreamingAudioChunk) time.Duration {
	if c.TimelineDuration <= 0 || c.AudioDuration <= 0 {
		return audioPos
	}
	t := time.Duration(float64(audioPos) * float64(c.TimelineDuration) / float64(c.AudioDuration))
	if t > c.TimelineDuration {
		return c.TimelineDuration
	}
	return t
}

func abs(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
