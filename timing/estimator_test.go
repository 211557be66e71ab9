package timing

import (
	"strings"
	"testing"
	"time"
)

func TestEstimateFormula(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		voice string
		speed float64
	}{
		{"known voice", "the quick brown fox jumps over the lazy dog", "en_US-lessac-medium", 1.0},
		{"unknown voice falls back", "hello there general kenobi", "nonexistent-voice", 1.0},
		{"double speed", "a b c d e f g h i j k l m n o p q r s t", "en_US-amy-medium", 2.0},
		{"half speed", "slow and steady wins the race", "en_GB-alan-medium", 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			words := len(strings.Fields(tt.text))
			minutes := float64(words) / (Rate(tt.voice) * tt.speed)
			want := time.Duration(minutes * 60000 * 1.25 * float64(time.Millisecond))
			if want < MinDuration {
				want = MinDuration
			}

			got := Estimate(tt.text, tt.voice, tt.speed)
			if got != want {
				t.Errorf("Estimate() = %v, want %v", got, want)
			}
		})
	}
}

func TestEstimateFloor(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"empty text", ""},
		{"whitespace only", "   \t\n"},
		{"single short word", "hi"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Estimate(tt.text, "en_US-lessac-medium", 1.0); got < MinDuration {
				t.Errorf("Estimate() = %v, below floor %v", got, MinDuration)
			}
		})
	}
}

func TestEstimateNonPositiveSpeed(t *testing.T) {
	text := "speed should default to one when non positive values arrive"
	want := Estimate(text, "en_US-lessac-medium", 1.0)
	if got := Estimate(text, "en_US-lessac-medium", 0); got != want {
		t.Errorf("Estimate(speed=0) = %v, want %v", got, want)
	}
	if got := Estimate(text, "en_US-lessac-medium", -2); got != want {
		t.Errorf("Estimate(speed=-2) = %v, want %v", got, want)
	}
}

func TestEstimateSpeedMonotonic(t *testing.T) {
	text := strings.Repeat("word ", 60)
	slow := Estimate(text, "en_US-ryan-high", 0.75)
	normal := Estimate(text, "en_US-ryan-high", 1.0)
	fast := Estimate(text, "en_US-ryan-high", 1.5)
	if !(slow > normal && normal > fast) {
		t.Errorf("expected slow > normal > fast, got %v, %v, %v", slow, normal, fast)
	}
}

func TestCalibratorConvergesTowardObserved(t *testing.T) {
	c := NewCalibrator()
	voice := "en_US-lessac-medium"
	text := strings.Repeat("word ", 100) // 100 words

	// Feed samples implying a much slower real rate (~100 wpm at 1.0 speed).
	measured := time.Duration(100.0 / 100.0 * 1.25 * float64(time.Minute))
	start := Rate(voice)
	for i := 0; i < 10; i++ {
		c.Observe(text, voice, 1.0, measured)
	}

	wpm, confidence := c.CalibratedRate(voice)
	if confidence != 1.0 {
		t.Errorf("confidence = %v, want 1.0 after 10 samples", confidence)
	}
	if wpm >= start {
		t.Errorf("calibrated rate %v did not move below starting rate %v", wpm, start)
	}
	if wpm < 100 {
		t.Errorf("calibrated rate %v overshot observed rate 100", wpm)
	}
}

func TestCalibratorIgnoresDegenerateSamples(t *testing.T) {
	c := NewCalibrator()
	c.Observe("", "v", 1.0, time.Second)
	c.Observe("some words", "v", 1.0, 0)
	if _, confidence := c.CalibratedRate("v"); confidence != 0 {
		t.Errorf("confidence = %v, want 0 for degenerate samples", confidence)
	}
}

func TestEstimateCalibratedFallsBackAtLowConfidence(t *testing.T) {
	c := NewCalibrator()
	text := "a handful of words to estimate"
	if got, want := c.EstimateCalibrated(text, "v", 1.0), Estimate(text, "v", 1.0); got != want {
		t.Errorf("EstimateCalibrated() = %v, want fallback %v", got, want)
	}
}
