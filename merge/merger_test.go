package merge

import (
	"testing"
	"time"

	"github.com/lessonkit/lessonaudio"
)

// tone builds a clip of the given length filled with a constant sample.
func tone(t *testing.T, d time.Duration, rate int, value int16) *lessonaudio.Clip {
	t.Helper()
	frames := int(float64(d) / float64(time.Second) * float64(rate))
	data := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		data[i*2] = byte(uint16(value))
		data[i*2+1] = byte(uint16(value) >> 8)
	}
	return &lessonaudio.Clip{
		Data:       data,
		Format:     lessonaudio.FormatPCM16,
		SampleRate: rate,
		Channels:   1,
		Duration:   d,
	}
}

func newMerger(t *testing.T, crossfade time.Duration, shape string) *Merger {
	t.Helper()
	m, err := New(lessonaudio.MergeConfig{
		Crossfade:  crossfade,
		FadeShape:  shape,
		SampleRate: 1000,
		Channels:   1,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func TestMergeDurationAndBoundaries(t *testing.T) {
	m := newMerger(t, time.Second, "linear")

	res, err := m.Merge([]Segment{
		{ID: "a", Clip: tone(t, 5*time.Second, 1000, 8000)},
		{ID: "b", Clip: tone(t, 4*time.Second, 1000, -8000)},
	})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}

	if res.Duration != 8*time.Second {
		t.Fatalf("Duration = %v, want 8s (5+4 minus one 1s crossfade)", res.Duration)
	}

	want := []SegmentSpan{
		{ID: "a", Start: 0, End: 4500 * time.Millisecond},
		{ID: "b", Start: 4500 * time.Millisecond, End: 8 * time.Second},
	}
	if len(res.Segments) != len(want) {
		t.Fatalf("Segments = %+v, want %+v", res.Segments, want)
	}
	for i := range want {
		if res.Segments[i] != want[i] {
			t.Fatalf("Segments[%d] = %+v, want %+v", i, res.Segments[i], want[i])
		}
	}
}

func TestMergeThreeSegments(t *testing.T) {
	m := newMerger(t, time.Second, "linear")

	res, err := m.Merge([]Segment{
		{ID: "a", Clip: tone(t, 5*time.Second, 1000, 100)},
		{ID: "b", Clip: tone(t, 4*time.Second, 1000, 100)},
		{ID: "c", Clip: tone(t, 3*time.Second, 1000, 100)},
	})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}

	if res.Duration != 10*time.Second {
		t.Fatalf("Duration = %v, want 10s (12s minus two crossfades)", res.Duration)
	}
	// Middle segment loses half a crossfade at each edge.
	mid := res.Segments[1]
	if mid.Start != 4500*time.Millisecond || mid.End != 7500*time.Millisecond {
		t.Fatalf("middle span = %+v, want [4.5s, 7.5s]", mid)
	}
	last := res.Segments[2]
	if last.End != res.Duration {
		t.Fatalf("last span end = %v, want total duration %v", last.End, res.Duration)
	}
}

func TestSingleSegmentPassthrough(t *testing.T) {
	m := newMerger(t, time.Second, "linear")
	in := tone(t, 3*time.Second, 1000, 4000)

	res, err := m.Merge([]Segment{{ID: "only", Clip: in}})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if res.Duration != 3*time.Second {
		t.Fatalf("Duration = %v, want 3s unchanged", res.Duration)
	}
	if len(res.Segments) != 1 || res.Segments[0].Start != 0 || res.Segments[0].End != 3*time.Second {
		t.Fatalf("Segments = %+v, want single full span", res.Segments)
	}

	clip, err := DecodeWAV(res.Data)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if len(clip.Data) != len(in.Data) {
		t.Fatalf("payload length %d, want %d", len(clip.Data), len(in.Data))
	}
	for i := range clip.Data {
		if clip.Data[i] != in.Data[i] {
			t.Fatalf("payload differs at byte %d", i)
		}
	}
}

func TestMergeRejectsBadInput(t *testing.T) {
	m := newMerger(t, time.Second, "linear")

	if _, err := m.Merge(nil); err == nil {
		t.Fatal("Merge(nil) succeeded")
	}
	if _, err := m.Merge([]Segment{{ID: "x", Clip: &lessonaudio.Clip{}}}); err == nil {
		t.Fatal("Merge(empty clip) succeeded")
	}
	if _, err := m.Merge([]Segment{
		{ID: "a", Clip: tone(t, time.Second, 1000, 0)},
		{ID: "b", Clip: tone(t, time.Second, 2000, 0)},
	}); err == nil {
		t.Fatal("Merge(mismatched rates) succeeded")
	}
}

func TestCrossfadeMixesAtMidpoint(t *testing.T) {
	m := newMerger(t, time.Second, "linear")

	res, err := m.Merge([]Segment{
		{ID: "a", Clip: tone(t, 2*time.Second, 1000, 10000)},
		{ID: "b", Clip: tone(t, 2*time.Second, 1000, -10000)},
	})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}

	clip, err := DecodeWAV(res.Data)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	samples := pcmToSamples(clip.Data)

	// Fade spans samples [1000, 2000); at its midpoint the opposing
	// constants should nearly cancel.
	midpoint := samples[1500]
	if midpoint < -200 || midpoint > 200 {
		t.Fatalf("midpoint sample = %d, want near 0", midpoint)
	}
	if samples[500] != 10000 {
		t.Fatalf("pre-fade sample = %d, want untouched 10000", samples[500])
	}
	if samples[2500] != -10000 {
		t.Fatalf("post-fade sample = %d, want untouched -10000", samples[2500])
	}
}

func TestCrossfadeClampsToShortSegment(t *testing.T) {
	m := newMerger(t, 10*time.Second, "linear")

	res, err := m.Merge([]Segment{
		{ID: "a", Clip: tone(t, 2*time.Second, 1000, 100)},
		{ID: "b", Clip: tone(t, 1*time.Second, 1000, 100)},
	})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	// Overlap clamps to the 1s segment: 2s + 1s - 1s.
	if res.Duration != 2*time.Second {
		t.Fatalf("Duration = %v, want 2s", res.Duration)
	}
}

func TestFadeGainCurves(t *testing.T) {
	for _, shape := range []FadeShape{FadeLinear, FadeExponential, FadeLogarithmic} {
		if g := fadeGain(shape, 0); g != 0 {
			t.Errorf("shape %v: gain(0) = %v, want 0", shape, g)
		}
		if g := fadeGain(shape, 1); g != 1 {
			t.Errorf("shape %v: gain(1) = %v, want 1", shape, g)
		}
	}
	exp := fadeGain(FadeExponential, 0.5)
	lin := fadeGain(FadeLinear, 0.5)
	logG := fadeGain(FadeLogarithmic, 0.5)
	if !(exp < lin && lin < logG) {
		t.Errorf("gain ordering at t=0.5: exp=%v lin=%v log=%v, want exp < lin < log", exp, lin, logG)
	}
}

func TestParseFadeShape(t *testing.T) {
	tests := []struct {
		name    string
		want    FadeShape
		wantErr bool
	}{
		{"linear", FadeLinear, false},
		{"", FadeLinear, false},
		{"exponential", FadeExponential, false},
		{"logarithmic", FadeLogarithmic, false},
		{"triangle", FadeLinear, true},
	}
	for _, tt := range tests {
		got, err := ParseFadeShape(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFadeShape(%q) err = %v, wantErr %v", tt.name, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseFadeShape(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestWAVRoundTrip(t *testing.T) {
	in := tone(t, time.Second, 22050, 1234)
	data, err := EncodeWAV(in)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}

	out, err := DecodeWAV(data)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if out.SampleRate != 22050 || out.Channels != 1 {
		t.Fatalf("format = %d Hz x %d ch, want 22050 x 1", out.SampleRate, out.Channels)
	}
	if len(out.Data) != len(in.Data) {
		t.Fatalf("payload length %d, want %d", len(out.Data), len(in.Data))
	}
}

func TestMergeWithSilenceInsertsGaps(t *testing.T) {
	m, err := New(lessonaudio.MergeConfig{
		SilenceGap: 500 * time.Millisecond,
		SampleRate: 1000,
		Channels:   1,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := m.MergeWithSilence([]Segment{
		{ID: "a", Text: "first", Clip: tone(t, 5*time.Second, 1000, 8000)},
		{ID: "b", Text: "second", Clip: tone(t, 4*time.Second, 1000, -8000)},
	})
	if err != nil {
		t.Fatalf("MergeWithSilence: %v", err)
	}

	if res.Duration != 9500*time.Millisecond {
		t.Fatalf("Duration = %v, want 9.5s (5+4 plus one 500ms gap)", res.Duration)
	}

	want := []SegmentSpan{
		{ID: "a", Text: "first", Start: 0, End: 5 * time.Second},
		{ID: "b", Text: "second", Start: 5500 * time.Millisecond, End: 9500 * time.Millisecond},
	}
	if len(res.Segments) != len(want) {
		t.Fatalf("Segments = %+v, want %+v", res.Segments, want)
	}
	for i := range want {
		if res.Segments[i] != want[i] {
			t.Fatalf("Segments[%d] = %+v, want %+v", i, res.Segments[i], want[i])
		}
	}

	// The gap itself must be silent.
	clip, err := DecodeWAV(res.Data)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	samples := pcmToSamples(clip.Data)
	mid := samples[5250] // 5.25s, inside the gap
	if mid != 0 {
		t.Fatalf("gap sample = %d, want 0", mid)
	}
}

func TestMergeWithSilenceRejectsNegativeGap(t *testing.T) {
	_, err := New(lessonaudio.MergeConfig{SilenceGap: -time.Second, SampleRate: 1000, Channels: 1})
	if err == nil {
		t.Fatal("New accepted a negative silence gap")
	}
}
