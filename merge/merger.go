// Package merge pre-combines independently synthesized narration clips
// into one continuous track, crossfading at each joint and reporting
// where each source segment lands in the merged output.
package merge

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"

	"github.com/lessonkit/lessonaudio"
)

// Segment is one input clip with a caller-supplied identity. Text is the
// narration the clip was synthesized from; it is carried through to the
// segment index for scrub-bar labels.
type Segment struct {
	ID   string
	Text string
	Clip *lessonaudio.Clip
}

// SegmentSpan locates one input segment inside the merged track. Spans
// meet at the midpoint of each crossfade.
type SegmentSpan struct {
	ID    string
	Text  string
	Start time.Duration
	End   time.Duration
}

// Result is a merged track: WAV-encoded audio plus the segment index.
type Result struct {
	ID         string
	Data       []byte // 16-bit PCM WAV
	Duration   time.Duration
	SampleRate int
	Channels   int
	Segments   []SegmentSpan
}

// FadeShape selects the crossfade gain curve.
type FadeShape int

const (
	// FadeLinear ramps gain linearly.
	FadeLinear FadeShape = iota
	// FadeExponential starts slow and accelerates.
	FadeExponential
	// FadeLogarithmic starts fast and settles.
	FadeLogarithmic
)

// ParseFadeShape converts a configured shape name.
func ParseFadeShape(name string) (FadeShape, error) {
	switch name {
	case "linear", "":
		return FadeLinear, nil
	case "exponential":
		return FadeExponential, nil
	case "logarithmic":
		return FadeLogarithmic, nil
	}
	return FadeLinear, fmt.Errorf("%w: fade shape %q", lessonaudio.ErrInvalidConfig, name)
}

// Merger combines clips pairwise with a fixed crossfade.
type Merger struct {
	cfg    lessonaudio.MergeConfig
	shape  FadeShape
	logger *log.Logger
}

// New creates a merger from config.
func New(cfg lessonaudio.MergeConfig) (*Merger, error) {
	shape, err := ParseFadeShape(cfg.FadeShape)
	if err != nil {
		return nil, err
	}
	if cfg.Crossfade < 0 {
		return nil, fmt.Errorf("%w: negative crossfade", lessonaudio.ErrInvalidConfig)
	}
	if cfg.SilenceGap < 0 {
		return nil, fmt.Errorf("%w: negative silence gap", lessonaudio.ErrInvalidConfig)
	}
	return &Merger{
		cfg:    cfg,
		shape:  shape,
		logger: log.WithPrefix("merge"),
	}, nil
}

// Merge folds the segments left to right, crossfading each joint, and
// returns the WAV-encoded track with its segment index. A single
// segment passes through unchanged apart from WAV encoding. All inputs
// must be 16-bit PCM with matching sample rate and channel count.
func (m *Merger) Merge(segments []Segment) (*Result, error) {
	rate, channels, err := validateSegments(segments)
	if err != nil {
		return nil, err
	}

	merged := pcmToSamples(segments[0].Clip.Data)
	durations := []time.Duration{clipDuration(segments[0].Clip)}

	for _, s := range segments[1:] {
		next := pcmToSamples(s.Clip.Data)
		fade := m.overlapFrames(rate, channels, len(merged), len(next))
		merged = m.crossfade(merged, next, fade, channels)
		durations = append(durations, clipDuration(s.Clip))
	}

	clip := &lessonaudio.Clip{
		Data:       samplesToPCM(merged),
		Format:     lessonaudio.FormatPCM16,
		SampleRate: rate,
		Channels:   channels,
	}
	clip.Duration = clip.PCMDuration()

	data, err := EncodeWAV(clip)
	if err != nil {
		return nil, err
	}

	spans := m.segmentSpans(segments, durations)

	m.logger.Debug("merged segments",
		"count", len(segments), "duration", clip.Duration, "crossfade", m.cfg.Crossfade)

	return &Result{
		ID:         uuid.NewString(),
		Data:       data,
		Duration:   clip.Duration,
		SampleRate: rate,
		Channels:   channels,
		Segments:   spans,
	}, nil
}

// MergeWithSilence concatenates the segments with a fixed pause between
// each pair instead of overlapping them, for export styles where every
// word must survive intact. The gap length comes from config; gaps
// belong to no segment, so spans cover each clip exactly.
func (m *Merger) MergeWithSilence(segments []Segment) (*Result, error) {
	rate, channels, err := validateSegments(segments)
	if err != nil {
		return nil, err
	}

	gapSamples := int(float64(m.cfg.SilenceGap) / float64(time.Second) * float64(rate))
	gapSamples *= channels

	var merged []int16
	spans := make([]SegmentSpan, 0, len(segments))
	pos := time.Duration(0)
	for i, s := range segments {
		if i > 0 {
			merged = append(merged, make([]int16, gapSamples)...)
			pos += m.cfg.SilenceGap
		}
		merged = append(merged, pcmToSamples(s.Clip.Data)...)
		d := clipDuration(s.Clip)
		spans = append(spans, SegmentSpan{
			ID:    s.ID,
			Text:  s.Text,
			Start: pos,
			End:   pos + d,
		})
		pos += d
	}

	clip := &lessonaudio.Clip{
		Data:       samplesToPCM(merged),
		Format:     lessonaudio.FormatPCM16,
		SampleRate: rate,
		Channels:   channels,
	}
	clip.Duration = clip.PCMDuration()

	data, err := EncodeWAV(clip)
	if err != nil {
		return nil, err
	}

	m.logger.Debug("merged segments with silence",
		"count", len(segments), "duration", clip.Duration, "gap", m.cfg.SilenceGap)

	return &Result{
		ID:         uuid.NewString(),
		Data:       data,
		Duration:   clip.Duration,
		SampleRate: rate,
		Channels:   channels,
		Segments:   spans,
	}, nil
}

// validateSegments rejects empty, non-PCM16, or mismatched inputs and
// returns the common sample rate and channel count.
func validateSegments(segments []Segment) (rate, channels int, err error) {
	if len(segments) == 0 {
		return 0, 0, fmt.Errorf("%w: no segments", lessonaudio.ErrInvalidConfig)
	}
	for i, s := range segments {
		if s.Clip == nil || len(s.Clip.Data) == 0 {
			return 0, 0, fmt.Errorf("%w: segment %d has no audio", lessonaudio.ErrInvalidConfig, i)
		}
		if s.Clip.Format != lessonaudio.FormatPCM16 {
			return 0, 0, fmt.Errorf("%w: segment %d is not 16-bit PCM", lessonaudio.ErrInvalidConfig, i)
		}
		if s.Clip.SampleRate != segments[0].Clip.SampleRate || s.Clip.Channels != segments[0].Clip.Channels {
			return 0, 0, fmt.Errorf("%w: segment %d format differs from segment 0", lessonaudio.ErrInvalidConfig, i)
		}
	}
	return segments[0].Clip.SampleRate, segments[0].Clip.Channels, nil
}

// segmentSpans computes where each input lands in the merged track. Each
// crossfaded edge costs a segment half the crossfade, so adjacent spans
// meet at the fade midpoint.
func (m *Merger) segmentSpans(segments []Segment, durations []time.Duration) []SegmentSpan {
	n := len(segments)
	half := m.cfg.Crossfade / 2

	spans := make([]SegmentSpan, 0, n)
	pos := time.Duration(0)
	for i := 0; i < n; i++ {
		eff := durations[i]
		if i > 0 {
			eff -= half
		}
		if i < n-1 {
			eff -= half
		}
		if eff < 0 {
			eff = 0
		}
		spans = append(spans, SegmentSpan{
			ID:    segments[i].ID,
			Text:  segments[i].Text,
			Start: pos,
			End:   pos + eff,
		})
		pos += eff
	}
	return spans
}

// overlapFrames clamps the configured crossfade to what both sides can
// afford, returned in samples (frames x channels).
func (m *Merger) overlapFrames(rate, channels, lenA, lenB int) int {
	want := int(float64(m.cfg.Crossfade) / float64(time.Second) * float64(rate))
	want *= channels
	if want > lenA {
		want = lenA
	}
	if want > lenB {
		want = lenB
	}
	if want < 0 {
		want = 0
	}
	return want
}

// crossfade overlays the head of b onto the tail of a over fade samples.
func (m *Merger) crossfade(a, b []int16, fade, channels int) []int16 {
	if fade == 0 {
		return append(a, b...)
	}

	out := make([]int16, len(a)+len(b)-fade)
	copy(out, a[:len(a)-fade])

	frames := fade / channels
	if frames == 0 {
		frames = 1
	}
	base := len(a) - fade
	for i := 0; i < fade; i++ {
		t := float64(i/channels) / float64(frames)
		gain := fadeGain(m.shape, t)
		sa := float64(a[base+i]) * (1 - gain)
		sb := float64(b[i]) * gain
		out[base+i] = clampSample(sa + sb)
	}

	copy(out[len(a):], b[fade:])
	return out
}

// fadeGain maps fade progress t in [0,1] to incoming gain.
func fadeGain(shape FadeShape, t float64) float64 {
	switch shape {
	case FadeExponential:
		return t * t
	case FadeLogarithmic:
		return math.Sqrt(t)
	default:
		return t
	}
}

func clampSample(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

func clipDuration(c *lessonaudio.Clip) time.Duration {
	if c.Duration > 0 {
		return c.Duration
	}
	return c.PCMDuration()
}

func pcmToSamples(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}

func samplesToPCM(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	return data
}

// DecodeWAV parses a 16-bit PCM WAV payload into a clip.
func DecodeWAV(data []byte) (*lessonaudio.Clip, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	if dec.BitDepth != 16 {
		return nil, fmt.Errorf("decode wav: unsupported bit depth %d", dec.BitDepth)
	}

	samples := make([]int16, len(buf.Data))
	for i, s := range buf.Data {
		samples[i] = int16(s)
	}
	clip := &lessonaudio.Clip{
		Data:       samplesToPCM(samples),
		Format:     lessonaudio.FormatPCM16,
		SampleRate: buf.Format.SampleRate,
		Channels:   buf.Format.NumChannels,
	}
	clip.Duration = clip.PCMDuration()
	return clip, nil
}

// EncodeWAV renders a clip as a 16-bit PCM WAV payload. The encoder
// needs a seekable writer to patch the header, so it goes through a
// temporary file.
func EncodeWAV(clip *lessonaudio.Clip) ([]byte, error) {
	if clip.Format != lessonaudio.FormatPCM16 {
		return nil, fmt.Errorf("encode wav: only 16-bit PCM supported")
	}

	file, err := os.CreateTemp("", "lessonaudio-*.wav")
	if err != nil {
		return nil, fmt.Errorf("encode wav: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	samples := pcmToSamples(clip.Data)
	buf := &audio.IntBuffer{
		Format: &audio.Format{NumChannels: clip.Channels, SampleRate: clip.SampleRate},
		Data:   make([]int, len(samples)),
	}
	for i, s := range samples {
		buf.Data[i] = int(s)
	}

	enc := wav.NewEncoder(file, clip.SampleRate, 16, clip.Channels, 1)
	if err := enc.Write(buf); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}

	return os.ReadFile(file.Name())
}
