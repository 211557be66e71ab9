package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lessonkit/lessonaudio"
	"github.com/lessonkit/lessonaudio/store"
)

type scriptedSynth struct {
	mu      sync.Mutex
	order   []string
	failFor map[string]error
	delay   time.Duration
}

func (s *scriptedSynth) Synthesize(_ context.Context, req lessonaudio.SynthesisRequest) (*lessonaudio.SynthesisResult, error) {
	s.mu.Lock()
	s.order = append(s.order, req.Text)
	err := s.failFor[req.Text]
	s.mu.Unlock()

	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if err != nil {
		return nil, err
	}
	return &lessonaudio.SynthesisResult{
		Audio: &lessonaudio.Clip{
			Data:       make([]byte, 4410),
			Format:     lessonaudio.FormatPCM16,
			SampleRate: 22050,
			Channels:   1,
			Duration:   2 * time.Second,
		},
	}, nil
}

func (s *scriptedSynth) SynthesizeStream(_ context.Context, _ lessonaudio.SynthesisRequest) (<-chan lessonaudio.StreamChunk, error) {
	return nil, lessonaudio.ErrSynthesisFailed
}

func (s *scriptedSynth) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

func testConfig() lessonaudio.QueueConfig {
	return lessonaudio.QueueConfig{
		Workers:           1,
		Lookahead:         10 * time.Second,
		MaxRetries:        3,
		RequestsPerSecond: 1000,
		Burst:             8,
		MaxPending:        64,
	}
}

func seedStore(t *testing.T, texts ...string) *store.Store {
	t.Helper()
	st := store.New()
	events := make([]lessonaudio.TimelineEvent, 0, len(texts))
	for i, text := range texts {
		events = append(events, lessonaudio.TimelineEvent{
			ID:    text,
			Kind:  lessonaudio.EventNarration,
			Start: time.Duration(i) * 5 * time.Second,
			Cue:   &lessonaudio.AudioCue{Text: text, Voice: "en_US-lessac-medium", Speed: 1.0},
		})
	}
	if err := st.Load(events); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return st
}

func TestProcessesByPriorityThenDeadline(t *testing.T) {
	st := seedStore(t, "normal", "high", "critical")
	synth := &scriptedSynth{}
	q := New(testConfig(), st, synth, nil)
	defer q.Close()

	done := make(chan string, 3)
	q.OnReady(func(id string, _ time.Duration) { done <- id })

	// Insertion order deliberately does not match priority order.
	reqs := []Request{
		{ChunkID: "chunk-normal", Priority: PriorityNormal, TargetTime: 500 * time.Millisecond, Voice: "en_US-lessac-medium", Speed: 1.0},
		{ChunkID: "chunk-high", Priority: PriorityHigh, TargetTime: 900 * time.Millisecond, Voice: "en_US-lessac-medium", Speed: 1.0},
		{ChunkID: "chunk-critical", Priority: PriorityCritical, TargetTime: 2 * time.Second, Voice: "en_US-lessac-medium", Speed: 1.0},
	}
	for _, r := range reqs {
		if err := q.Enqueue(r); err != nil {
			t.Fatalf("Enqueue(%s): %v", r.ChunkID, err)
		}
	}

	q.Start()
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for completions")
		}
	}

	want := []string{"critical", "high", "normal"}
	got := synth.texts()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("processing order = %v, want %v", got, want)
		}
	}
}

func TestEqualPriorityOrdersByDeadline(t *testing.T) {
	st := seedStore(t, "later", "sooner", "middle")
	synth := &scriptedSynth{}
	q := New(testConfig(), st, synth, nil)
	defer q.Close()

	done := make(chan string, 3)
	q.OnReady(func(id string, _ time.Duration) { done <- id })

	for _, r := range []Request{
		{ChunkID: "chunk-later", Priority: PriorityNormal, TargetTime: 9 * time.Second},
		{ChunkID: "chunk-sooner", Priority: PriorityNormal, TargetTime: 1 * time.Second},
		{ChunkID: "chunk-middle", Priority: PriorityNormal, TargetTime: 5 * time.Second},
	} {
		if err := q.Enqueue(r); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	q.Start()
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for completions")
		}
	}

	want := []string{"sooner", "middle", "later"}
	got := synth.texts()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("processing order = %v, want %v", got, want)
		}
	}
}

func TestEnqueueUpgradesPendingRequest(t *testing.T) {
	st := seedStore(t, "a", "b")
	q := New(testConfig(), st, &scriptedSynth{}, nil)
	defer q.Close()

	if err := q.Enqueue(Request{ChunkID: "chunk-a", Priority: PriorityLow, TargetTime: time.Second}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue(Request{ChunkID: "chunk-a", Priority: PriorityHigh, TargetTime: 2 * time.Second}); err != nil {
		t.Fatalf("re-Enqueue: %v", err)
	}
	if depth := q.Depth(); depth != 1 {
		t.Fatalf("Depth = %d, want 1 (upsert, not duplicate)", depth)
	}
}

func TestEnqueueRejectsInFlightChunk(t *testing.T) {
	st := seedStore(t, "a")
	q := New(testConfig(), st, &scriptedSynth{}, nil)
	defer q.Close()

	if err := st.Update("chunk-a", func(c *lessonaudio.StreamingAudioChunk) {
		c.State = lessonaudio.ChunkGenerating
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := q.Enqueue(Request{ChunkID: "chunk-a"}); !errors.Is(err, lessonaudio.ErrDuplicateWork) {
		t.Fatalf("Enqueue = %v, want ErrDuplicateWork", err)
	}
}

func TestEnqueueUnknownChunk(t *testing.T) {
	st := seedStore(t, "a")
	q := New(testConfig(), st, &scriptedSynth{}, nil)
	defer q.Close()

	if err := q.Enqueue(Request{ChunkID: "chunk-missing"}); !errors.Is(err, lessonaudio.ErrChunkNotFound) {
		t.Fatalf("Enqueue = %v, want ErrChunkNotFound", err)
	}
}

func TestEnqueueRespectsMaxPending(t *testing.T) {
	st := seedStore(t, "a", "b")
	cfg := testConfig()
	cfg.MaxPending = 1
	q := New(cfg, st, &scriptedSynth{}, nil)
	defer q.Close()

	if err := q.Enqueue(Request{ChunkID: "chunk-a"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue(Request{ChunkID: "chunk-b"}); !errors.Is(err, lessonaudio.ErrQueueFull) {
		t.Fatalf("Enqueue = %v, want ErrQueueFull", err)
	}
}

func TestRequestImmediatePromotes(t *testing.T) {
	st := seedStore(t, "queued", "fresh")
	q := New(testConfig(), st, &scriptedSynth{}, nil)
	defer q.Close()

	if err := q.Enqueue(Request{ChunkID: "chunk-queued", Priority: PriorityLow, TargetTime: time.Second}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	q.RequestImmediate([]string{"chunk-queued", "chunk-fresh"})

	if depth := q.Depth(); depth != 2 {
		t.Fatalf("Depth = %d, want 2", depth)
	}
	if stats := q.GetStats(); stats.Promoted != 1 {
		t.Fatalf("Promoted = %d, want 1", stats.Promoted)
	}
}

func TestFailureMarksChunkAndInvokesCallback(t *testing.T) {
	st := seedStore(t, "broken")
	boom := errors.New("piper exploded")
	synth := &scriptedSynth{failFor: map[string]error{"broken": boom}}
	q := New(testConfig(), st, synth, nil)
	defer q.Close()

	failed := make(chan error, 1)
	q.OnError(func(_ string, err error) { failed <- err })

	if err := q.Enqueue(Request{ChunkID: "chunk-broken"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	q.Start()

	var err error
	select {
	case err = <-failed:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for failure callback")
	}
	if !errors.Is(err, boom) {
		t.Fatalf("callback err = %v, want wrapped %v", err, boom)
	}

	c, ok := st.Get("chunk-broken")
	if !ok {
		t.Fatal("chunk missing")
	}
	if c.State != lessonaudio.ChunkError {
		t.Fatalf("State = %v, want ChunkError", c.State)
	}
	if c.Processing.RetryCount != 1 {
		t.Fatalf("RetryCount = %d, want 1", c.Processing.RetryCount)
	}
	if c.Processing.LastError == "" {
		t.Fatal("LastError not recorded")
	}
}

func TestCompletionCommitsAudio(t *testing.T) {
	st := seedStore(t, "ok")
	q := New(testConfig(), st, &scriptedSynth{}, nil)
	defer q.Close()

	done := make(chan string, 1)
	q.OnReady(func(id string, _ time.Duration) { done <- id })

	if err := q.Enqueue(Request{ChunkID: "chunk-ok", Priority: PriorityNormal}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	q.Start()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}

	c, _ := st.Get("chunk-ok")
	if c.State != lessonaudio.ChunkReady {
		t.Fatalf("State = %v, want ChunkReady", c.State)
	}
	if !c.Loaded || c.Audio == nil {
		t.Fatal("audio not committed")
	}
	if c.AudioDuration != 2*time.Second {
		t.Fatalf("AudioDuration = %v, want 2s", c.AudioDuration)
	}
	if stats := q.GetStats(); stats.Completed != 1 {
		t.Fatalf("Completed = %d, want 1", stats.Completed)
	}
}

func TestRequestImmediateRequeuesEvictedReadyChunk(t *testing.T) {
	st := seedStore(t, "evicted", "resident")
	q := New(testConfig(), st, &scriptedSynth{}, nil)
	defer q.Close()

	// chunk-evicted is ready on paper but its audio is gone from memory;
	// chunk-resident still holds its audio.
	for _, c := range []struct {
		id     string
		loaded bool
	}{
		{"chunk-evicted", false},
		{"chunk-resident", true},
	} {
		loaded := c.loaded
		if err := st.Update(c.id, func(u *lessonaudio.StreamingAudioChunk) {
			u.State = lessonaudio.ChunkReady
			u.Loaded = loaded
		}); err != nil {
			t.Fatalf("Update(%s): %v", c.id, err)
		}
	}

	q.RequestImmediate([]string{"chunk-evicted", "chunk-resident"})

	if depth := q.Depth(); depth != 1 {
		t.Fatalf("Depth = %d, want 1 (only the chunk without audio needs synthesis)", depth)
	}
}
