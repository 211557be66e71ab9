// Package store is the single source of truth mapping narration-bearing
// timeline events to audio chunks.
package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/lessonkit/lessonaudio"
	"github.com/lessonkit/lessonaudio/timing"
)

const (
	// initialRecalibrateDelta is the measured-vs-estimated divergence that
	// first triggers a recalibration walk.
	initialRecalibrateDelta = 0.20
	// repeatRecalibrateDelta re-triggers recalibration on later
	// measurements, higher noise floor to avoid thrashing.
	repeatRecalibrateDelta = 0.15
)

// Store owns every StreamingAudioChunk for one lesson session. Other
// components reference chunks by id and mutate them through Update so the
// store's lock stays the single guard over chunk state.
type Store struct {
	mu     sync.RWMutex
	chunks map[string]*lessonaudio.StreamingAudioChunk
	order  []string // chunk ids sorted by timeline start

	calibrator *timing.Calibrator
	logger     *log.Logger
}

// New creates an empty chunk store.
func New() *Store {
	return &Store{
		chunks:     make(map[string]*lessonaudio.StreamingAudioChunk),
		calibrator: timing.NewCalibrator(),
		logger:     log.WithPrefix("store"),
	}
}

// Load replaces the chunk set with chunks derived from the narration
// events in the given timeline. Idempotent: calling it again for the same
// lesson rebuilds the same chunk ids. Non-narration events never produce
// chunks.
func (s *Store) Load(events []lessonaudio.TimelineEvent) error {
	chunks := make(map[string]*lessonaudio.StreamingAudioChunk)
	order := make([]string, 0, len(events))

	for i := range events {
		ev := &events[i]
		if !ev.HasNarration() {
			continue
		}

		id := chunkID(ev.ID)
		if _, dup := chunks[id]; dup {
			return fmt.Errorf("duplicate narration event id %q", ev.ID)
		}

		cue := ev.Cue
		estimated := timing.Estimate(cue.Text, cue.Voice, cue.Speed)
		chunks[id] = &lessonaudio.StreamingAudioChunk{
			TimelineAudioChunk: lessonaudio.TimelineAudioChunk{
				ID:               id,
				EventID:          ev.ID,
				Text:             cue.Text,
				Start:            ev.Start,
				OriginalStart:    ev.Start,
				TimelineDuration: ev.Duration,
				AudioDuration:    estimated,
				Voice:            cue.Voice,
				Speed:            cue.Speed,
				Volume:           cue.Volume,
			},
			State: lessonaudio.ChunkPending,
			Processing: lessonaudio.ProcessingMeta{
				TextLength: len(cue.Text),
			},
		}
		order = append(order, id)
	}

	sort.Slice(order, func(i, j int) bool {
		return chunks[order[i]].Start < chunks[order[j]].Start
	})

	s.mu.Lock()
	s.chunks = chunks
	s.order = order
	s.mu.Unlock()

	s.logger.Debug("loaded timeline", "events", len(events), "chunks", len(order))
	return nil
}

// Get returns the chunk with the given id.
func (s *Store) Get(id string) (*lessonaudio.StreamingAudioChunk, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chunks[id]
	return c, ok
}

// Update runs fn against the chunk under the store's lock. Returns
// ErrChunkNotFound for unknown ids.
func (s *Store) Update(id string, fn func(*lessonaudio.StreamingAudioChunk)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chunks[id]
	if !ok {
		return lessonaudio.ErrChunkNotFound
	}
	fn(c)
	return nil
}

// Overlapping returns the chunks whose [start, start+audioDuration]
// interval contains the position, ordered by timeline start. Linear scan;
// lesson-scale chunk counts are tens, not millions.
func (s *Store) Overlapping(pos time.Duration) []*lessonaudio.StreamingAudioChunk {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*lessonaudio.StreamingAudioChunk
	for _, id := range s.order {
		c := s.chunks[id]
		if c.Contains(pos) {
			out = append(out, c)
		}
	}
	return out
}

// Ordered returns all chunks sorted by timeline start.
func (s *Store) Ordered() []*lessonaudio.StreamingAudioChunk {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*lessonaudio.StreamingAudioChunk, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.chunks[id])
	}
	return out
}

// Len returns the number of chunks in the store.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}

// TotalDuration returns the timeline position at which the last chunk's
// audio ends.
func (s *Store) TotalDuration() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.order) == 0 {
		return 0
	}
	last := s.chunks[s.order[len(s.order)-1]]
	return last.End()
}

// Calibrator exposes the per-voice rate calibrator fed by measured
// durations.
func (s *Store) Calibrator() *timing.Calibrator {
	return s.calibrator
}

// UpdateMeasuredDuration replaces a chunk's working duration with the
// measured one when the divergence is large enough, then walks downstream
// chunks so no two narration chunks overlap: each start is pushed to
// max(originalStart, previousChunkEnd). The first application triggers at
// >20% divergence; re-measurements only re-trigger beyond 15%.
func (s *Store) UpdateMeasuredDuration(id string, measured time.Duration) (bool, error) {
	if measured <= 0 {
		return false, lessonaudio.ErrInvalidDuration
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chunks[id]
	if !ok {
		return false, lessonaudio.ErrChunkNotFound
	}

	s.calibrator.Observe(c.Text, c.Voice, c.Speed, measured)

	working := c.AudioDuration
	threshold := initialRecalibrateDelta
	if c.Recalibrated {
		threshold = repeatRecalibrateDelta
	}

	delta := relativeDelta(working, measured)
	if delta <= threshold {
		return false, nil
	}

	s.logger.Debug("recalibrating from measured duration",
		"chunk", id, "estimated", working, "measured", measured, "delta", delta)

	c.AudioDuration = measured
	c.Recalibrated = true
	s.recalibrateLocked()
	return true, nil
}

// recalibrateLocked walks chunks in timeline order pushing each start
// forward to the previous chunk's end. Starts stay non-decreasing and no
// two chunks overlap afterwards.
func (s *Store) recalibrateLocked() {
	sort.Slice(s.order, func(i, j int) bool {
		return s.chunks[s.order[i]].Start < s.chunks[s.order[j]].Start
	})

	var prevEnd time.Duration
	for i, id := range s.order {
		c := s.chunks[id]
		if i > 0 {
			start := c.OriginalStart
			if prevEnd > start {
				start = prevEnd
			}
			c.Start = start
		}
		prevEnd = c.End()
	}
}

func relativeDelta(working, measured time.Duration) float64 {
	if working <= 0 {
		return 1
	}
	d := float64(measured-working) / float64(working)
	if d < 0 {
		return -d
	}
	return d
}

func chunkID(eventID string) string {
	return "chunk-" + eventID
}
