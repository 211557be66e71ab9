package synth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lessonkit/lessonaudio"
)

func TestMockProducesSilenceSizedToEstimate(t *testing.T) {
	m := NewMock()

	res, err := m.Synthesize(context.Background(), lessonaudio.SynthesisRequest{
		Text: "hello there everyone", Voice: "en_US-lessac-medium", Speed: 1.0,
	})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if res.Audio == nil || len(res.Audio.Data) == 0 {
		t.Fatal("no audio produced")
	}
	if res.Audio.Duration < time.Second {
		t.Fatalf("Duration = %v, want at least the 1s floor", res.Audio.Duration)
	}
	if got := res.Audio.PCMDuration(); got != res.Audio.Duration {
		// Sample count and declared duration must agree within one frame.
		diff := got - res.Audio.Duration
		if diff < 0 {
			diff = -diff
		}
		if diff > time.Millisecond {
			t.Fatalf("PCMDuration %v vs declared %v", got, res.Audio.Duration)
		}
	}
	if m.Calls() != 1 {
		t.Fatalf("Calls = %d, want 1", m.Calls())
	}
}

func TestMockScriptedFailure(t *testing.T) {
	m := NewMock()
	boom := errors.New("scripted failure")
	m.Fail(boom)

	if _, err := m.Synthesize(context.Background(), lessonaudio.SynthesisRequest{Text: "x"}); !errors.Is(err, boom) {
		t.Fatalf("Synthesize = %v, want scripted error", err)
	}

	m.Recover()
	if _, err := m.Synthesize(context.Background(), lessonaudio.SynthesisRequest{Text: "x", Speed: 1.0}); err != nil {
		t.Fatalf("Synthesize after Recover: %v", err)
	}
}

func TestMockStreamDeliversAllAudio(t *testing.T) {
	m := NewMock()

	ch, err := m.SynthesizeStream(context.Background(), lessonaudio.SynthesisRequest{
		Text: "streaming narration text", Speed: 1.0,
	})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}

	var total int
	lastIndex := -1
	for chunk := range ch {
		if !chunk.Ready || chunk.Audio == nil {
			t.Fatal("stream chunk not ready")
		}
		if chunk.Index != lastIndex+1 {
			t.Fatalf("chunk index %d after %d, want ordered", chunk.Index, lastIndex)
		}
		lastIndex = chunk.Index
		total += len(chunk.Audio.Data)
	}
	if total == 0 {
		t.Fatal("stream delivered no audio")
	}
}

func TestPiperArgsInvertSpeed(t *testing.T) {
	p := &Piper{cfg: DefaultPiperConfig()}

	args := p.args("/models/v.onnx", 2.0)
	want := []string{"--model", "/models/v.onnx", "--output-raw", "--length_scale", "0.500"}
	if len(args) != len(want) {
		t.Fatalf("args = %v, want %v", args, want)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Fatalf("args = %v, want %v", args, want)
		}
	}

	args = p.args("/models/v.onnx", 1.0)
	if len(args) != 3 {
		t.Fatalf("args at normal speed = %v, want no length_scale", args)
	}
}

func TestSplitSentences(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"One. Two! Three?", []string{"One.", "Two!", "Three?"}},
		{"No terminal punctuation", []string{"No terminal punctuation"}},
		{"Trailing fragment. rest", []string{"Trailing fragment.", "rest"}},
	}
	for _, tt := range tests {
		got := splitSentences(tt.in)
		if len(got) != len(tt.want) {
			t.Errorf("splitSentences(%q) = %v, want %v", tt.in, got, tt.want)
			continue
		}
		for i := range tt.want {
			if got[i] != tt.want[i] {
				t.Errorf("splitSentences(%q)[%d] = %q, want %q", tt.in, i, got[i], tt.want[i])
			}
		}
	}
}

func TestPiperRejectsEmptyText(t *testing.T) {
	p := &Piper{cfg: DefaultPiperConfig()}
	if _, err := p.Synthesize(context.Background(), lessonaudio.SynthesisRequest{Text: "   "}); !errors.Is(err, lessonaudio.ErrEmptyCue) {
		t.Fatalf("Synthesize = %v, want ErrEmptyCue", err)
	}
}
