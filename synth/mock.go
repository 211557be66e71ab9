// Package synth provides Synthesizer implementations: a subprocess
// engine driving a local piper binary, and a mock for tests.
package synth

import (
	"context"
	"sync"
	"time"

	"github.com/lessonkit/lessonaudio"
	"github.com/lessonkit/lessonaudio/timing"
)

// Mock is a scriptable Synthesizer for tests. It produces silence sized
// to the duration estimate and can simulate latency and failures.
type Mock struct {
	mu sync.Mutex

	// Delay simulates synthesis latency per request.
	Delay time.Duration
	// SampleRate of generated silence. Defaults to 22050.
	SampleRate int

	shouldFail bool
	failErr    error
	calls      int
	requests   []lessonaudio.SynthesisRequest
}

// NewMock creates a mock synthesizer with no artificial delay.
func NewMock() *Mock {
	return &Mock{SampleRate: 22050}
}

// Fail makes subsequent calls return err.
func (m *Mock) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shouldFail = true
	m.failErr = err
}

// Recover clears a scripted failure.
func (m *Mock) Recover() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shouldFail = false
	m.failErr = nil
}

// Calls returns how many synthesis calls were made.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Requests returns a copy of every request received.
func (m *Mock) Requests() []lessonaudio.SynthesisRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]lessonaudio.SynthesisRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// Synthesize returns silence sized to the estimated duration of the text.
func (m *Mock) Synthesize(ctx context.Context, req lessonaudio.SynthesisRequest) (*lessonaudio.SynthesisResult, error) {
	m.mu.Lock()
	m.calls++
	m.requests = append(m.requests, req)
	fail := m.shouldFail
	err := m.failErr
	delay := m.Delay
	rate := m.SampleRate
	m.mu.Unlock()

	if fail {
		if err == nil {
			err = lessonaudio.ErrSynthesisFailed
		}
		return nil, err
	}
	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, lessonaudio.ErrSynthesisCancelled
		case <-time.After(delay):
		}
	}
	if rate == 0 {
		rate = 22050
	}

	duration := timing.Estimate(req.Text, req.Voice, req.Speed)
	samples := int(duration.Seconds() * float64(rate))
	clip := &lessonaudio.Clip{
		Data:       make([]byte, samples*2),
		Format:     lessonaudio.FormatPCM16,
		SampleRate: rate,
		Channels:   1,
		Duration:   duration,
	}
	return &lessonaudio.SynthesisResult{Audio: clip, DurationHint: duration}, nil
}

// SynthesizeStream yields the synthesized audio in fixed-size chunks.
func (m *Mock) SynthesizeStream(ctx context.Context, req lessonaudio.SynthesisRequest) (<-chan lessonaudio.StreamChunk, error) {
	result, err := m.Synthesize(ctx, req)
	if err != nil {
		return nil, err
	}

	ch := make(chan lessonaudio.StreamChunk)
	go func() {
		defer close(ch)
		const chunkSize = 4096
		data := result.Audio.Data
		index := 0
		for off := 0; off < len(data); off += chunkSize {
			end := off + chunkSize
			if end > len(data) {
				end = len(data)
			}
			chunk := lessonaudio.StreamChunk{
				Index: index,
				Text:  req.Text,
				Audio: &lessonaudio.Clip{
					Data:       data[off:end],
					Format:     result.Audio.Format,
					SampleRate: result.Audio.SampleRate,
					Channels:   result.Audio.Channels,
				},
				Ready: true,
			}
			select {
			case <-ctx.Done():
				return
			case ch <- chunk:
			}
			index++
		}
	}()
	return ch, nil
}
