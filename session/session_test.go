package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lessonkit/lessonaudio"
	"github.com/lessonkit/lessonaudio/element"
	"github.com/lessonkit/lessonaudio/synth"
)

func testConfig(t *testing.T) lessonaudio.Config {
	t.Helper()
	cfg := lessonaudio.DefaultConfig()
	cfg.Buffer.SpillDir = t.TempDir()
	cfg.Queue.Workers = 1
	cfg.Queue.RequestsPerSecond = 0 // unlimited
	cfg.Session.PreloadSweep = 50 * time.Millisecond
	cfg.Buffer.CleanupInterval = time.Second
	return cfg
}

func testTimeline() []lessonaudio.TimelineEvent {
	return []lessonaudio.TimelineEvent{
		{
			ID: "ev-intro", Kind: lessonaudio.EventNarration,
			Start: 0, Slide: 0,
			Cue: &lessonaudio.AudioCue{Text: "Welcome to the lesson.", Speed: 1.0, Volume: 1.0},
		},
		{
			ID: "ev-slide-two", Kind: lessonaudio.EventSlide,
			Start: 5 * time.Second, Slide: 1,
		},
		{
			ID: "ev-body", Kind: lessonaudio.EventNarration,
			Start: 5 * time.Second, Slide: 1,
			Cue: &lessonaudio.AudioCue{Text: "This slide covers the main topic in detail.", Speed: 1.0, Volume: 1.0},
		},
	}
}

func newSession(t *testing.T, cb lessonaudio.Callbacks) (*Session, *synth.Mock) {
	t.Helper()
	mock := synth.NewMock()
	s, err := New(testConfig(t), mock, element.NewSimFactory(), cb)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, mock
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestLoadSchedulesNarration(t *testing.T) {
	s, mock := newSession(t, lessonaudio.Callbacks{})

	if err := s.Load(testTimeline()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := s.State(); got != lessonaudio.StateReady {
		t.Fatalf("state after load = %v, want ready", got)
	}

	// The look-ahead window covers both narration chunks.
	waitFor(t, 2*time.Second, func() bool { return mock.Calls() >= 2 })
}

func TestLoadRejectedWhilePlaying(t *testing.T) {
	s, _ := newSession(t, lessonaudio.Callbacks{})
	if err := s.Load(testTimeline()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := s.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if err := s.Load(testTimeline()); !errors.Is(err, lessonaudio.ErrInvalidState) {
		t.Fatalf("Load while playing = %v, want ErrInvalidState", err)
	}
}

func TestPlayBeforeLoadFails(t *testing.T) {
	s, _ := newSession(t, lessonaudio.Callbacks{})
	if err := s.Play(); !errors.Is(err, lessonaudio.ErrInvalidState) {
		t.Fatalf("Play from idle = %v, want ErrInvalidState", err)
	}
}

func TestPlayPauseLifecycle(t *testing.T) {
	started := make(chan struct{}, 1)
	paused := make(chan struct{}, 1)
	s, _ := newSession(t, lessonaudio.Callbacks{
		OnPlaybackStart: func() { started <- struct{}{} },
		OnPlaybackPause: func() { paused <- struct{}{} },
	})
	if err := s.Load(testTimeline()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := s.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("OnPlaybackStart not dispatched")
	}
	if got := s.State(); got != lessonaudio.StatePlaying {
		t.Fatalf("state = %v, want playing", got)
	}

	if err := s.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	select {
	case <-paused:
	case <-time.After(time.Second):
		t.Fatal("OnPlaybackPause not dispatched")
	}
	pos := s.Position()
	time.Sleep(30 * time.Millisecond)
	if got := s.Position(); got != pos {
		t.Fatalf("position advanced while paused: %v -> %v", pos, got)
	}
}

func TestStopRewindsAndFiresEnd(t *testing.T) {
	ended := make(chan struct{}, 1)
	s, _ := newSession(t, lessonaudio.Callbacks{
		OnPlaybackEnd: func() { ended <- struct{}{} },
	})
	if err := s.Load(testTimeline()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := s.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-ended:
	case <-time.After(time.Second):
		t.Fatal("OnPlaybackEnd not dispatched")
	}
	if got := s.State(); got != lessonaudio.StateReady {
		t.Fatalf("state after stop = %v, want ready", got)
	}
	if got := s.Position(); got != 0 {
		t.Fatalf("position after stop = %v, want 0", got)
	}
}

func TestSeekRepositionsTimeline(t *testing.T) {
	s, mock := newSession(t, lessonaudio.Callbacks{})
	if err := s.Load(testTimeline()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return mock.Calls() >= 2 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Seek(ctx, 5*time.Second); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if got := s.Position(); got < 5*time.Second-50*time.Millisecond {
		t.Fatalf("position after seek = %v, want ~5s", got)
	}
	if got := s.State(); got != lessonaudio.StateReady {
		t.Fatalf("state after seek from ready = %v, want ready", got)
	}
}

func TestSeekOutOfRange(t *testing.T) {
	s, _ := newSession(t, lessonaudio.Callbacks{})
	if err := s.Load(testTimeline()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	err := s.Seek(context.Background(), -time.Second)
	if !errors.Is(err, lessonaudio.ErrSeekOutOfRange) {
		t.Fatalf("Seek(-1s) = %v, want ErrSeekOutOfRange", err)
	}
	if got := s.State(); got != lessonaudio.StateReady {
		t.Fatalf("state after failed seek = %v, want ready", got)
	}
}

func TestChunkErrorRetriesThenDegrades(t *testing.T) {
	errs := make(chan error, 8)
	s, mock := newSession(t, lessonaudio.Callbacks{
		OnError: func(err error) { errs <- err },
	})
	mock.Fail(errors.New("synthesis backend down"))

	if err := s.Load(testTimeline()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	select {
	case err := <-errs:
		if err == nil {
			t.Fatal("nil error dispatched")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnError not dispatched after retries exhausted")
	}

	// Playback still works without narration.
	if err := s.Play(); err != nil {
		t.Fatalf("Play after degrade: %v", err)
	}
}

func TestVisualCompleteRoutesToCoordinator(t *testing.T) {
	cfg := testConfig(t)
	cfg.Coordinator.Mode = "visual_driven"
	mock := synth.NewMock()
	s, err := New(cfg, mock, element.NewSimFactory(), lessonaudio.Callbacks{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if err := s.Load(testTimeline()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	s.VisualComplete("ev-intro")
	waitFor(t, time.Second, func() bool {
		for _, ev := range s.coordinator.History() {
			if ev.EventID == "ev-intro" {
				return true
			}
		}
		return false
	})
}

func TestExportTrackMergesAllChunks(t *testing.T) {
	s, mock := newSession(t, lessonaudio.Callbacks{})
	if err := s.Load(testTimeline()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return mock.Calls() >= 2 })

	result, err := s.ExportTrack(context.Background(), mock)
	if err != nil {
		t.Fatalf("ExportTrack: %v", err)
	}
	if len(result.Data) == 0 {
		t.Fatal("empty track data")
	}
	if len(result.Segments) != 2 {
		t.Fatalf("segments = %d, want 2", len(result.Segments))
	}
	if result.Duration <= 0 {
		t.Fatalf("duration = %v, want > 0", result.Duration)
	}
	last := result.Segments[len(result.Segments)-1]
	if last.End != result.Duration {
		t.Fatalf("last span end %v != total %v", last.End, result.Duration)
	}
}

func TestCloseIsTerminal(t *testing.T) {
	mock := synth.NewMock()
	s, err := New(testConfig(t), mock, element.NewSimFactory(), lessonaudio.Callbacks{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); !errors.Is(err, lessonaudio.ErrSessionClosed) {
		t.Fatalf("second Close = %v, want ErrSessionClosed", err)
	}
}

func TestSyncUpdatesReachCallbacks(t *testing.T) {
	updates := make(chan lessonaudio.SyncState, 8)
	s, _ := newSession(t, lessonaudio.Callbacks{
		OnSyncUpdate: func(state lessonaudio.SyncState, _ time.Duration) {
			select {
			case updates <- state:
			default:
			}
		},
	})

	if err := s.Load(testTimeline()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := s.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}

	select {
	case <-updates:
	case <-time.After(5 * time.Second):
		t.Fatal("no sync update observed")
	}
}
