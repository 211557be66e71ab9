package synth

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/lessonkit/lessonaudio"
)

// PiperConfig configures the subprocess synthesis engine.
type PiperConfig struct {
	// BinaryPath locates the piper executable. Empty means search.
	BinaryPath string
	// ModelDir holds the voice model files (<voice>.onnx).
	ModelDir string
	// DefaultVoice is used when a request names no voice.
	DefaultVoice string
	// SampleRate the models emit. Piper voices are 22050 Hz.
	SampleRate int
	// RequestTimeout bounds one synthesis subprocess.
	RequestTimeout time.Duration
}

// DefaultPiperConfig returns sensible defaults.
func DefaultPiperConfig() PiperConfig {
	return PiperConfig{
		DefaultVoice:   "en_US-lessac-medium",
		SampleRate:     22050,
		RequestTimeout: 30 * time.Second,
	}
}

// Piper synthesizes speech by running a local piper binary, one fresh
// process per request. A crashed or wedged process cannot poison later
// requests that way, at the cost of process startup per call.
type Piper struct {
	cfg    PiperConfig
	logger *log.Logger

	requests int64
	failures int64
}

// NewPiper creates the subprocess engine, resolving the binary path.
func NewPiper(cfg PiperConfig) (*Piper, error) {
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = findPiperBinary()
		if cfg.BinaryPath == "" {
			return nil, fmt.Errorf("piper binary not found: %w", lessonaudio.ErrSynthesisFailed)
		}
	}
	if _, err := os.Stat(cfg.BinaryPath); err != nil {
		return nil, fmt.Errorf("piper binary not accessible: %w", err)
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 22050
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.DefaultVoice == "" {
		cfg.DefaultVoice = "en_US-lessac-medium"
	}
	return &Piper{cfg: cfg, logger: log.WithPrefix("piper")}, nil
}

// Synthesize runs one piper process, feeding text on stdin and reading
// raw PCM from stdout.
func (p *Piper) Synthesize(ctx context.Context, req lessonaudio.SynthesisRequest) (*lessonaudio.SynthesisResult, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, lessonaudio.ErrEmptyCue
	}
	atomic.AddInt64(&p.requests, 1)

	voice := req.Voice
	if voice == "" {
		voice = p.cfg.DefaultVoice
	}
	model := p.modelPath(voice)
	if _, err := os.Stat(model); err != nil {
		return nil, fmt.Errorf("voice %q: %w", voice, lessonaudio.ErrVoiceNotFound)
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.cfg.BinaryPath, p.args(model, req.Speed)...)
	cmd.Stdin = strings.NewReader(req.Text)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		atomic.AddInt64(&p.failures, 1)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("piper: %w", lessonaudio.ErrSynthesisCancelled)
		}
		return nil, fmt.Errorf("piper failed: %w: %s",
			lessonaudio.ErrSynthesisFailed, strings.TrimSpace(stderr.String()))
	}

	data := stdout.Bytes()
	if len(data) == 0 {
		atomic.AddInt64(&p.failures, 1)
		return nil, fmt.Errorf("piper produced no audio: %w", lessonaudio.ErrSynthesisFailed)
	}

	clip := &lessonaudio.Clip{
		Data:       data,
		Format:     lessonaudio.FormatPCM16,
		SampleRate: p.cfg.SampleRate,
		Channels:   1,
	}
	clip.Duration = clip.PCMDuration()

	p.logger.Debug("synthesized", "voice", voice, "bytes", len(data),
		"duration", clip.Duration, "took", time.Since(start))

	return &lessonaudio.SynthesisResult{Audio: clip}, nil
}

// SynthesizeStream splits the text on sentence boundaries and synthesizes
// each piece as its own request, yielding chunks in order.
func (p *Piper) SynthesizeStream(ctx context.Context, req lessonaudio.SynthesisRequest) (<-chan lessonaudio.StreamChunk, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, lessonaudio.ErrEmptyCue
	}

	pieces := splitSentences(req.Text)
	ch := make(chan lessonaudio.StreamChunk, len(pieces))
	go func() {
		defer close(ch)
		for i, piece := range pieces {
			sub := req
			sub.Text = piece
			result, err := p.Synthesize(ctx, sub)
			chunk := lessonaudio.StreamChunk{Index: i, Text: piece}
			if err != nil {
				chunk.Err = err
			} else {
				chunk.Audio = result.Audio
				chunk.Ready = true
			}
			select {
			case <-ctx.Done():
				return
			case ch <- chunk:
			}
			if err != nil {
				return
			}
		}
	}()
	return ch, nil
}

// Stats returns request and failure counts.
func (p *Piper) Stats() (requests, failures int64) {
	return atomic.LoadInt64(&p.requests), atomic.LoadInt64(&p.failures)
}

// args builds the piper command line. Piper's length_scale stretches
// audio, so it is the inverse of the requested speed.
func (p *Piper) args(model string, speed float64) []string {
	args := []string{"--model", model, "--output-raw"}
	if speed > 0 && speed != 1.0 {
		args = append(args, "--length_scale",
			strconv.FormatFloat(1.0/speed, 'f', 3, 64))
	}
	return args
}

func (p *Piper) modelPath(voice string) string {
	if strings.HasSuffix(voice, ".onnx") {
		return filepath.Join(p.cfg.ModelDir, voice)
	}
	return filepath.Join(p.cfg.ModelDir, voice+".onnx")
}

// findPiperBinary searches PATH and common install locations.
func findPiperBinary() string {
	if path, err := exec.LookPath("piper"); err == nil {
		return path
	}
	home, _ := os.UserHomeDir()
	candidates := []string{
		"/usr/local/bin/piper",
		"/usr/bin/piper",
		"/opt/piper/piper",
		filepath.Join(home, ".local", "bin", "piper"),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

// splitSentences breaks text on terminal punctuation, keeping the
// punctuation with its sentence.
func splitSentences(text string) []string {
	var out []string
	var cur strings.Builder
	for _, r := range text {
		cur.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			if s := strings.TrimSpace(cur.String()); s != "" {
				out = append(out, s)
			}
			cur.Reset()
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		out = append(out, s)
	}
	if len(out) == 0 {
		out = append(out, strings.TrimSpace(text))
	}
	return out
}
