// Package coordinator couples audio completion with visual progression.
// It owns the decision of when the visual layer may advance to the next
// timeline step, under one of four coupling modes, and keeps an audit
// ring of every decision it makes.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/lessonkit/lessonaudio"
)

// handler receives coordination audit events.
type handler func(lessonaudio.AVSyncEvent)

// pending tracks one timeline event waiting on its counterpart side in
// synchronized mode.
type pending struct {
	eventID    string
	audioDone  bool
	visualDone bool
	firstAt    time.Time
}

// Coordinator decides visual progression from audio and visual
// completion notifications. Thread safe; notifications may come from the
// sync loop, element callbacks, and the visual layer concurrently.
type Coordinator struct {
	cfg  lessonaudio.CoordinatorConfig
	mode lessonaudio.CoordinationMode

	mu       sync.Mutex
	pendings map[string]*pending
	history  []lessonaudio.AVSyncEvent
	handlers map[lessonaudio.AVEventType]map[int]handler
	nextID   int
	position func() time.Duration
	stats    statsAccum

	// onAdvance fires when the coordinator decides the visual layer may
	// progress past the given timeline event.
	onAdvance func(eventID string)

	sweep  *time.Ticker
	stopCh chan struct{}

	instruments *lessonaudio.Instruments
	logger      *log.Logger
}

// New creates a coordinator in the configured mode.
func New(cfg lessonaudio.CoordinatorConfig, instruments *lessonaudio.Instruments) (*Coordinator, error) {
	mode, err := cfg.ParseMode()
	if err != nil {
		return nil, err
	}
	return &Coordinator{
		cfg:         cfg,
		mode:        mode,
		pendings:    make(map[string]*pending),
		handlers:    make(map[lessonaudio.AVEventType]map[int]handler),
		stopCh:      make(chan struct{}),
		instruments: instruments,
		logger:      log.WithPrefix("coordinator"),
	}, nil
}

// SetPositionSource injects the timeline clock used to stamp events.
func (co *Coordinator) SetPositionSource(fn func() time.Duration) {
	co.mu.Lock()
	defer co.mu.Unlock()
	co.position = fn
}

// OnAdvance registers the visual progression callback.
func (co *Coordinator) OnAdvance(fn func(eventID string)) {
	co.mu.Lock()
	defer co.mu.Unlock()
	co.onAdvance = fn
}

// Start launches the sweep loop that resolves stuck synchronized-mode
// coordinations.
func (co *Coordinator) Start() {
	co.sweep = time.NewTicker(co.cfg.SweepInterval)
	go co.loop()
}

// Stop halts the sweep loop and clears pending coordinations.
func (co *Coordinator) Stop() {
	close(co.stopCh)
	if co.sweep != nil {
		co.sweep.Stop()
	}

	co.mu.Lock()
	co.pendings = make(map[string]*pending)
	co.mu.Unlock()

	co.stopCh = make(chan struct{})
}

// Mode returns the active coordination mode.
func (co *Coordinator) Mode() lessonaudio.CoordinationMode {
	co.mu.Lock()
	defer co.mu.Unlock()
	return co.mode
}

// SetMode switches coordination modes. Pending coordinations are
// resolved immediately so no event is stranded under the old rules.
func (co *Coordinator) SetMode(mode lessonaudio.CoordinationMode) {
	co.mu.Lock()
	var flush []string
	for id := range co.pendings {
		flush = append(flush, id)
	}
	co.pendings = make(map[string]*pending)
	co.mode = mode
	advance := co.onAdvance
	co.mu.Unlock()

	for _, id := range flush {
		if advance != nil {
			advance(id)
		}
	}
}

// On subscribes to coordination audit events of one type. The returned
// id deregisters via Off.
func (co *Coordinator) On(typ lessonaudio.AVEventType, fn func(lessonaudio.AVSyncEvent)) int {
	co.mu.Lock()
	defer co.mu.Unlock()
	co.nextID++
	id := co.nextID
	if co.handlers[typ] == nil {
		co.handlers[typ] = make(map[int]handler)
	}
	co.handlers[typ][id] = fn
	return id
}

// Off removes a subscription.
func (co *Coordinator) Off(typ lessonaudio.AVEventType, id int) {
	co.mu.Lock()
	defer co.mu.Unlock()
	delete(co.handlers[typ], id)
}

// NotifyAudioComplete reports that a timeline event's narration finished
// playing. Depending on mode this may advance the visuals.
func (co *Coordinator) NotifyAudioComplete(eventID, chunkID string) {
	now := time.Now()

	co.mu.Lock()
	mode := co.mode
	var decided []string
	switch mode {
	case lessonaudio.ModeAudioDriven:
		decided = []string{eventID}
	case lessonaudio.ModeVisualDriven, lessonaudio.ModeIndependent:
		// Recorded only.
	case lessonaudio.ModeSynchronized:
		p := co.pendingLocked(eventID, now)
		p.audioDone = true
		if p.visualDone {
			delete(co.pendings, eventID)
			decided = []string{eventID}
		}
	}
	advance := co.onAdvance
	delay := co.cfg.ProgressionDelay
	co.mu.Unlock()

	co.record(lessonaudio.AVSyncEvent{
		Type:    lessonaudio.AVAudioComplete,
		EventID: eventID,
		ChunkID: chunkID,
		Actual:  now,
		Mode:    mode,
	})

	for _, id := range decided {
		if advance == nil {
			continue
		}
		if mode == lessonaudio.ModeAudioDriven && delay > 0 {
			// The brief hold lets the last audio frames drain before the
			// visual state changes.
			id := id
			time.AfterFunc(delay, func() { advance(id) })
			continue
		}
		advance(id)
	}
}

// NotifyVisualComplete reports that the visual layer finished a timeline
// step.
func (co *Coordinator) NotifyVisualComplete(eventID string) {
	now := time.Now()

	co.mu.Lock()
	mode := co.mode
	var decided []string
	switch mode {
	case lessonaudio.ModeVisualDriven:
		decided = []string{eventID}
	case lessonaudio.ModeAudioDriven, lessonaudio.ModeIndependent:
		// Recorded only.
	case lessonaudio.ModeSynchronized:
		p := co.pendingLocked(eventID, now)
		p.visualDone = true
		if p.audioDone {
			delete(co.pendings, eventID)
			decided = []string{eventID}
		}
	}
	advance := co.onAdvance
	co.mu.Unlock()

	co.record(lessonaudio.AVSyncEvent{
		Type:    lessonaudio.AVVisualComplete,
		EventID: eventID,
		Actual:  now,
		Mode:    mode,
	})

	for _, id := range decided {
		if advance != nil {
			advance(id)
		}
	}
}

// NotifySeek records a scrub so an audit trail survives position jumps.
// Pending coordinations are dropped: after a seek they refer to a part
// of the timeline the playhead left.
func (co *Coordinator) NotifySeek(target time.Duration) {
	co.mu.Lock()
	co.pendings = make(map[string]*pending)
	mode := co.mode
	co.mu.Unlock()

	co.record(lessonaudio.AVSyncEvent{
		Type:     lessonaudio.AVSeek,
		Timeline: target,
		Actual:   time.Now(),
		Mode:     mode,
	})
}

// NotifySyncCorrection records one drift correction applied by the sync
// loop.
func (co *Coordinator) NotifySyncCorrection(chunkID string, delta time.Duration) {
	co.mu.Lock()
	mode := co.mode
	co.mu.Unlock()

	co.record(lessonaudio.AVSyncEvent{
		Type:     lessonaudio.AVSyncCorrection,
		ChunkID:  chunkID,
		Accuracy: delta,
		Actual:   time.Now(),
		Mode:     mode,
	})
}

// History returns the audit ring, oldest first.
func (co *Coordinator) History() []lessonaudio.AVSyncEvent {
	co.mu.Lock()
	defer co.mu.Unlock()
	out := make([]lessonaudio.AVSyncEvent, len(co.history))
	copy(out, co.history)
	return out
}

// Pending returns the number of synchronized-mode coordinations still
// waiting on one side.
func (co *Coordinator) Pending() int {
	co.mu.Lock()
	defer co.mu.Unlock()
	return len(co.pendings)
}

func (co *Coordinator) loop() {
	stop := co.stopCh
	for {
		select {
		case <-stop:
			return
		case <-co.sweep.C:
			co.resolveStuck(time.Now())
		}
	}
}

// resolveStuck force-advances synchronized coordinations where one side
// has waited past twice the completion tolerance. Without this escape
// hatch a missing visual notification would halt the lesson.
func (co *Coordinator) resolveStuck(now time.Time) {
	limit := 2 * co.cfg.CompletionTolerance

	co.mu.Lock()
	if co.mode != lessonaudio.ModeSynchronized {
		co.mu.Unlock()
		return
	}
	var stuck []*pending
	for id, p := range co.pendings {
		if now.Sub(p.firstAt) > limit {
			stuck = append(stuck, p)
			delete(co.pendings, id)
		}
	}
	advance := co.onAdvance
	mode := co.mode
	co.mu.Unlock()

	for _, p := range stuck {
		co.logger.Warn("forcing stuck coordination",
			"event", p.eventID, "audio_done", p.audioDone, "visual_done", p.visualDone,
			"waited", now.Sub(p.firstAt))
		co.instruments.RecordCoordinationError(context.Background(), "stuck_coordination")
		co.record(lessonaudio.AVSyncEvent{
			Type:      co.stuckType(p),
			EventID:   p.eventID,
			Scheduled: p.firstAt,
			Actual:    now,
			Accuracy:  now.Sub(p.firstAt),
			Mode:      mode,
			Err:       "forced after timeout",
		})
		if advance != nil {
			advance(p.eventID)
		}
	}
}

// stuckType reports which side the forced coordination was waiting on.
func (co *Coordinator) stuckType(p *pending) lessonaudio.AVEventType {
	if p.audioDone {
		return lessonaudio.AVVisualComplete
	}
	return lessonaudio.AVAudioComplete
}

// pendingLocked finds or creates the pending record for an event.
// Caller holds co.mu.
func (co *Coordinator) pendingLocked(eventID string, now time.Time) *pending {
	if p, ok := co.pendings[eventID]; ok {
		return p
	}
	p := &pending{eventID: eventID, firstAt: now}
	co.pendings[eventID] = p
	return p
}

// record appends to the audit ring and dispatches subscribers.
func (co *Coordinator) record(ev lessonaudio.AVSyncEvent) {
	co.mu.Lock()
	if co.position != nil && ev.Timeline == 0 {
		ev.Timeline = co.position()
	}
	co.stats.add(ev)
	co.history = append(co.history, ev)
	if co.cfg.HistorySize > 0 && len(co.history) > co.cfg.HistorySize {
		co.history = co.history[len(co.history)-co.cfg.HistorySize:]
	}
	var fns []handler
	for _, fn := range co.handlers[ev.Type] {
		fns = append(fns, fn)
	}
	co.mu.Unlock()

	co.instruments.RecordCoordination(context.Background(), ev.Type, ev.Mode)
	for _, fn := range fns {
		go fn(ev)
	}
}

// statsAccum aggregates coordination outcomes. Guarded by co.mu.
type statsAccum struct {
	total       int
	failed      int
	accuracySum time.Duration
	byMode      map[lessonaudio.CoordinationMode]int
	byType      map[lessonaudio.AVEventType]int
}

func (s *statsAccum) add(ev lessonaudio.AVSyncEvent) {
	if s.byMode == nil {
		s.byMode = make(map[lessonaudio.CoordinationMode]int)
		s.byType = make(map[lessonaudio.AVEventType]int)
	}
	s.total++
	s.accuracySum += ev.Accuracy
	s.byMode[ev.Mode]++
	s.byType[ev.Type]++
	if ev.Err != "" {
		s.failed++
	}
}

// Stats is a point-in-time aggregate over recorded coordination events.
type Stats struct {
	Total           int
	Succeeded       int
	Failed          int
	AverageAccuracy time.Duration
	ByMode          map[lessonaudio.CoordinationMode]int
	ByType          map[lessonaudio.AVEventType]int
}

// GetStats returns aggregate coordination metrics.
func (co *Coordinator) GetStats() Stats {
	co.mu.Lock()
	defer co.mu.Unlock()

	out := Stats{
		Total:     co.stats.total,
		Succeeded: co.stats.total - co.stats.failed,
		Failed:    co.stats.failed,
		ByMode:    make(map[lessonaudio.CoordinationMode]int, len(co.stats.byMode)),
		ByType:    make(map[lessonaudio.AVEventType]int, len(co.stats.byType)),
	}
	if co.stats.total > 0 {
		out.AverageAccuracy = co.stats.accuracySum / time.Duration(co.stats.total)
	}
	for m, n := range co.stats.byMode {
		out.ByMode[m] = n
	}
	for typ, n := range co.stats.byType {
		out.ByType[typ] = n
	}
	return out
}
