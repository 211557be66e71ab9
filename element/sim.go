package element

import (
	"context"
	"sync"
	"time"

	"github.com/lessonkit/lessonaudio"
)

// NewSimFactory returns an ElementFactory producing simulated elements.
// They advance position with wall time scaled by rate and fire OnEnded
// at clip end, without touching any audio device. Used in tests and
// headless sessions.
func NewSimFactory() lessonaudio.ElementFactory {
	return func() (lessonaudio.AudioElement, error) {
		return NewSim(), nil
	}
}

// Sim is a clock-driven AudioElement.
type Sim struct {
	mu       sync.Mutex
	clip     *lessonaudio.Clip
	playing  bool
	basePos  time.Duration
	baseTime time.Time
	rate     float64
	volume   float64
	closed   bool
	onEnded  func()
	endTimer *time.Timer
}

// NewSim creates a stopped simulated element.
func NewSim() *Sim {
	return &Sim{rate: 1.0, volume: 1.0}
}

func (s *Sim) Load(clip *lessonaudio.Clip) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return lessonaudio.ErrElementClosed
	}
	if clip == nil || len(clip.Data) == 0 {
		return lessonaudio.ErrChunkNotLoaded
	}
	s.stopTimerLocked()
	s.clip = clip
	s.playing = false
	s.basePos = 0
	return nil
}

func (s *Sim) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return lessonaudio.ErrElementClosed
	}
	if s.clip == nil {
		return lessonaudio.ErrChunkNotLoaded
	}
	if s.playing {
		return lessonaudio.ErrAlreadyPlaying
	}
	s.playing = true
	s.baseTime = time.Now()
	s.armTimerLocked()
	return nil
}

func (s *Sim) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.playing {
		return lessonaudio.ErrNotPlaying
	}
	s.basePos = s.positionLocked(time.Now())
	s.playing = false
	s.stopTimerLocked()
	return nil
}

func (s *Sim) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playing = false
	s.basePos = 0
	s.stopTimerLocked()
	return nil
}

func (s *Sim) Position() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positionLocked(time.Now())
}

func (s *Sim) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clip == nil {
		return 0
	}
	return s.clip.Duration
}

func (s *Sim) Seek(_ context.Context, pos time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return lessonaudio.ErrElementClosed
	}
	if s.clip == nil {
		return lessonaudio.ErrChunkNotLoaded
	}
	if pos < 0 || pos > s.clip.Duration {
		return lessonaudio.ErrSeekOutOfRange
	}
	s.basePos = pos
	s.baseTime = time.Now()
	if s.playing {
		s.armTimerLocked()
	}
	return nil
}

func (s *Sim) SetRate(rate float64) error {
	if rate <= 0 || rate > 4 {
		return lessonaudio.ErrInvalidRate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.basePos = s.positionLocked(time.Now())
	s.baseTime = time.Now()
	s.rate = rate
	if s.playing {
		s.armTimerLocked()
	}
	return nil
}

func (s *Sim) SetVolume(vol float64) error {
	if vol < 0 || vol > 1 {
		return lessonaudio.ErrInvalidConfig
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volume = vol
	return nil
}

func (s *Sim) OnEnded(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEnded = fn
}

func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.playing = false
	s.stopTimerLocked()
	return nil
}

func (s *Sim) positionLocked(now time.Time) time.Duration {
	pos := s.basePos
	if s.playing {
		pos += time.Duration(float64(now.Sub(s.baseTime)) * s.rate)
	}
	if s.clip != nil && pos > s.clip.Duration {
		pos = s.clip.Duration
	}
	return pos
}

// armTimerLocked schedules the OnEnded firing for the remaining play
// time at the current rate.
func (s *Sim) armTimerLocked() {
	s.stopTimerLocked()
	if s.clip == nil {
		return
	}
	remaining := s.clip.Duration - s.basePos
	if remaining < 0 {
		remaining = 0
	}
	wall := time.Duration(float64(remaining) / s.rate)
	s.endTimer = time.AfterFunc(wall, func() {
		s.mu.Lock()
		s.playing = false
		s.basePos = 0
		if s.clip != nil {
			s.basePos = s.clip.Duration
		}
		fn := s.onEnded
		s.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
}

func (s *Sim) stopTimerLocked() {
	if s.endTimer != nil {
		s.endTimer.Stop()
		s.endTimer = nil
	}
}
