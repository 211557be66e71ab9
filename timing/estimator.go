// Package timing estimates spoken narration durations and refines the
// per-voice speaking rate from measured audio.
package timing

import (
	"strings"
	"sync"
	"time"
)

const (
	// DefaultWordsPerMinute is used for voices missing from the rate table.
	DefaultWordsPerMinute = 150.0

	// speechBufferFactor pads estimates for natural pauses and prosody.
	speechBufferFactor = 1.25

	// MinDuration guards degenerate or empty text.
	MinDuration = time.Second
)

// voiceRates maps voice ids to their measured speaking rate in words per
// minute. Rates come from the voice model metadata; unknown voices fall
// back to DefaultWordsPerMinute.
var voiceRates = map[string]float64{
	"en_US-lessac-medium":    165,
	"en_US-lessac-high":      160,
	"en_US-amy-medium":       172,
	"en_US-ryan-high":        158,
	"en_US-libritts-high":    155,
	"en_GB-alan-medium":      148,
	"en_GB-northern_english": 150,
	"de_DE-thorsten-medium":  140,
	"fr_FR-siwis-medium":     152,
	"es_ES-sharvard-medium":  162,
}

// Rate returns the speaking rate for the voice in words per minute.
func Rate(voice string) float64 {
	if r, ok := voiceRates[voice]; ok {
		return r
	}
	return DefaultWordsPerMinute
}

// Estimate predicts the spoken duration of text for a voice at the given
// speed multiplier. Pure function:
//
//	max(MinDuration, words / (rate(voice) * speed) * 60000ms * 1.25)
//
// A non-positive speed is treated as 1.0.
func Estimate(text, voice string, speed float64) time.Duration {
	if speed <= 0 {
		speed = 1.0
	}
	words := len(strings.Fields(text))
	if words == 0 {
		return MinDuration
	}

	minutes := float64(words) / (Rate(voice) * speed)
	est := time.Duration(minutes * 60000 * speechBufferFactor * float64(time.Millisecond))
	if est < MinDuration {
		return MinDuration
	}
	return est
}

// Calibrator refines per-voice rates from measured audio durations. Each
// sample nudges the working rate toward the observed one; confidence grows
// with sample count so callers can decide when calibrated rates are
// trustworthy.
type Calibrator struct {
	mu     sync.Mutex
	voices map[string]*voiceCalibration
}

type voiceCalibration struct {
	wordsPerMinute float64
	samples        int
}

// calibrationSmoothing weights the existing rate against a new sample.
const calibrationSmoothing = 0.8

// NewCalibrator creates an empty calibrator.
func NewCalibrator() *Calibrator {
	return &Calibrator{voices: make(map[string]*voiceCalibration)}
}

// Observe feeds one measured duration for text spoken by voice at speed.
// Degenerate measurements are ignored.
func (c *Calibrator) Observe(text, voice string, speed float64, measured time.Duration) {
	words := len(strings.Fields(text))
	if words == 0 || measured <= 0 {
		return
	}
	if speed <= 0 {
		speed = 1.0
	}

	// Normalize to a 1.0-speed rate, removing the buffer factor so the
	// observed rate is comparable with the static table.
	minutes := measured.Minutes() / speechBufferFactor
	observed := float64(words) / minutes * speed
	if observed <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	vc, ok := c.voices[voice]
	if !ok {
		vc = &voiceCalibration{wordsPerMinute: Rate(voice)}
		c.voices[voice] = vc
	}
	vc.wordsPerMinute = vc.wordsPerMinute*calibrationSmoothing + observed*(1-calibrationSmoothing)
	vc.samples++
}

// CalibratedRate returns the refined rate for the voice and the confidence
// of that refinement in [0,1]. Unobserved voices return the static rate
// with zero confidence.
func (c *Calibrator) CalibratedRate(voice string) (wpm, confidence float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	vc, ok := c.voices[voice]
	if !ok {
		return Rate(voice), 0
	}
	confidence = float64(vc.samples) / 10.0
	if confidence > 1 {
		confidence = 1
	}
	return vc.wordsPerMinute, confidence
}

// EstimateCalibrated is Estimate using the calibrated rate once confidence
// reaches 0.5, otherwise the static table rate.
func (c *Calibrator) EstimateCalibrated(text, voice string, speed float64) time.Duration {
	wpm, confidence := c.CalibratedRate(voice)
	if confidence < 0.5 {
		return Estimate(text, voice, speed)
	}
	if speed <= 0 {
		speed = 1.0
	}
	words := len(strings.Fields(text))
	if words == 0 {
		return MinDuration
	}
	minutes := float64(words) / (wpm * speed)
	est := time.Duration(minutes * 60000 * speechBufferFactor * float64(time.Millisecond))
	if est < MinDuration {
		return MinDuration
	}
	return est
}
