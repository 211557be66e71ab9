// Package element provides AudioElement implementations: a native
// speaker-backed element on top of oto, and a simulated element for
// tests and headless runs.
package element

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/lessonkit/lessonaudio"
)

// otoContext is process-global: oto allows a single audio context.
var (
	otoOnce sync.Once
	otoCtx  *oto.Context
	otoErr  error
)

func sharedContext(sampleRate, channels int) (*oto.Context, error) {
	otoOnce.Do(func() {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   sampleRate,
			ChannelCount: channels,
			Format:       oto.FormatSignedInt16LE,
		})
		if err != nil {
			otoErr = err
			return
		}
		<-ready
		otoCtx = ctx
	})
	return otoCtx, otoErr
}

// NewOtoFactory returns an ElementFactory producing speaker-backed
// elements. All elements share one audio context, so every clip must
// match the given format.
func NewOtoFactory(sampleRate, channels int) lessonaudio.ElementFactory {
	return func() (lessonaudio.AudioElement, error) {
		ctx, err := sharedContext(sampleRate, channels)
		if err != nil {
			return nil, fmt.Errorf("audio context: %w", err)
		}
		return &otoElement{
			ctx:        ctx,
			sampleRate: sampleRate,
			channels:   channels,
			rate:       1.0,
			volume:     1.0,
		}, nil
	}
}

// otoElement plays one clip through the system mixer. Rate changes are
// implemented by resampling the source clip, since the mixer has no
// native speed control.
type otoElement struct {
	ctx        *oto.Context
	sampleRate int
	channels   int

	mu      sync.Mutex
	clip    *lessonaudio.Clip
	src     *trackingReader
	player  *oto.Player
	rate    float64
	volume  float64
	closed  bool
	onEnded func()

	watchStop chan struct{}
}

// trackingReader counts consumed bytes so position can subtract the
// mixer's unplayed buffer.
type trackingReader struct {
	mu   sync.Mutex
	data []byte
	off  int64
}

func (r *trackingReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.off >= int64(len(r.data)) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.off:])
	r.off += int64(n)
	return n, nil
}

func (r *trackingReader) Seek(offset int64, whence int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = r.off + offset
	case io.SeekEnd:
		abs = int64(len(r.data)) + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, fmt.Errorf("negative seek offset")
	}
	r.off = abs
	return abs, nil
}

func (r *trackingReader) offset() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.off
}

func (e *otoElement) Load(clip *lessonaudio.Clip) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return lessonaudio.ErrElementClosed
	}
	if clip == nil || len(clip.Data) == 0 {
		return lessonaudio.ErrChunkNotLoaded
	}
	if clip.Format != lessonaudio.FormatPCM16 {
		return fmt.Errorf("element: only 16-bit PCM supported")
	}

	e.stopPlayerLocked()
	e.clip = clip
	e.rebuildLocked(0)
	return nil
}

// rebuildLocked recreates the player over the (possibly resampled)
// source, positioned at the given source-time offset.
func (e *otoElement) rebuildLocked(at time.Duration) {
	data := e.clip.Data
	if e.rate != 1.0 {
		data = resamplePCM16(e.clip.Data, e.channels, e.rate)
	}
	e.src = &trackingReader{data: data}
	if at > 0 {
		e.src.Seek(e.byteOffsetLocked(at), io.SeekStart)
	}
	e.player = e.ctx.NewPlayer(e.src)
	e.player.SetVolume(e.volume)
}

func (e *otoElement) Play() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return lessonaudio.ErrElementClosed
	}
	if e.player == nil {
		return lessonaudio.ErrChunkNotLoaded
	}
	if e.player.IsPlaying() {
		return lessonaudio.ErrAlreadyPlaying
	}
	e.player.Play()
	e.startWatchLocked()
	return nil
}

func (e *otoElement) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.player == nil {
		return lessonaudio.ErrNotPlaying
	}
	e.player.Pause()
	e.stopWatchLocked()
	return nil
}

func (e *otoElement) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.player == nil {
		return lessonaudio.ErrNotPlaying
	}
	e.player.Pause()
	e.stopWatchLocked()
	e.rebuildLocked(0)
	return nil
}

func (e *otoElement) Position() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.player == nil || e.src == nil {
		return 0
	}
	consumed := e.src.offset() - int64(e.player.BufferedSize())
	if consumed < 0 {
		consumed = 0
	}
	return e.bytesToTimeLocked(consumed)
}

func (e *otoElement) Duration() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.clip == nil {
		return 0
	}
	return e.clip.Duration
}

func (e *otoElement) Seek(_ context.Context, pos time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return lessonaudio.ErrElementClosed
	}
	if e.player == nil {
		return lessonaudio.ErrChunkNotLoaded
	}
	if pos < 0 || (e.clip != nil && pos > e.clip.Duration) {
		return lessonaudio.ErrSeekOutOfRange
	}

	wasPlaying := e.player.IsPlaying()
	e.player.Pause()
	if _, err := e.player.Seek(e.byteOffsetLocked(pos), io.SeekStart); err != nil {
		return err
	}
	if wasPlaying {
		e.player.Play()
	}
	return nil
}

func (e *otoElement) SetRate(rate float64) error {
	if rate <= 0 || rate > 4 {
		return lessonaudio.ErrInvalidRate
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rate == rate {
		return nil
	}

	var at time.Duration
	wasPlaying := false
	if e.player != nil && e.src != nil {
		at = e.bytesToTimeLocked(e.src.offset() - int64(e.player.BufferedSize()))
		wasPlaying = e.player.IsPlaying()
		e.stopPlayerLocked()
	}
	e.rate = rate
	if e.clip != nil {
		e.rebuildLocked(at)
		if wasPlaying {
			e.player.Play()
			e.startWatchLocked()
		}
	}
	return nil
}

func (e *otoElement) SetVolume(vol float64) error {
	if vol < 0 || vol > 1 {
		return lessonaudio.ErrInvalidConfig
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.volume = vol
	if e.player != nil {
		e.player.SetVolume(vol)
	}
	return nil
}

func (e *otoElement) OnEnded(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onEnded = fn
}

func (e *otoElement) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.stopWatchLocked()
	e.stopPlayerLocked()
	return nil
}

func (e *otoElement) stopPlayerLocked() {
	if e.player != nil {
		e.player.Close()
		e.player = nil
	}
}

// startWatchLocked polls for natural end of playback. oto has no
// completion callback, so the watcher fires onEnded when the source is
// drained and the mixer has gone quiet.
func (e *otoElement) startWatchLocked() {
	if e.watchStop != nil {
		return
	}
	stop := make(chan struct{})
	e.watchStop = stop

	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				e.mu.Lock()
				done := e.player != nil && e.src != nil &&
					e.src.offset() >= int64(len(e.src.data)) && !e.player.IsPlaying()
				fn := e.onEnded
				if done {
					e.watchStop = nil
				}
				e.mu.Unlock()
				if done {
					if fn != nil {
						fn()
					}
					return
				}
			}
		}
	}()
}

func (e *otoElement) stopWatchLocked() {
	if e.watchStop != nil {
		close(e.watchStop)
		e.watchStop = nil
	}
}

// byteOffsetLocked converts a source-time position to a frame-aligned
// byte offset in the possibly resampled stream.
func (e *otoElement) byteOffsetLocked(pos time.Duration) int64 {
	bytesPerFrame := int64(2 * e.channels)
	frames := int64(pos.Seconds() * float64(e.sampleRate) / e.rate)
	return frames * bytesPerFrame
}

// bytesToTimeLocked converts consumed bytes back to source time.
func (e *otoElement) bytesToTimeLocked(consumed int64) time.Duration {
	bytesPerFrame := int64(2 * e.channels)
	if consumed < 0 {
		consumed = 0
	}
	frames := consumed / bytesPerFrame
	return time.Duration(float64(frames) / float64(e.sampleRate) * e.rate * float64(time.Second))
}

// resamplePCM16 time-stretches 16-bit PCM by dropping or repeating
// frames with linear interpolation. rate > 1 shortens the stream.
func resamplePCM16(data []byte, channels int, rate float64) []byte {
	bytesPerFrame := 2 * channels
	frames := len(data) / bytesPerFrame
	if frames == 0 {
		return nil
	}
	outFrames := int(float64(frames) / rate)
	if outFrames < 1 {
		outFrames = 1
	}

	out := make([]byte, outFrames*bytesPerFrame)
	for f := 0; f < outFrames; f++ {
		srcPos := float64(f) * rate
		i := int(srcPos)
		frac := srcPos - float64(i)
		j := i + 1
		if j >= frames {
			j = frames - 1
		}
		for c := 0; c < channels; c++ {
			a := int16(uint16(data[i*bytesPerFrame+c*2]) | uint16(data[i*bytesPerFrame+c*2+1])<<8)
			b := int16(uint16(data[j*bytesPerFrame+c*2]) | uint16(data[j*bytesPerFrame+c*2+1])<<8)
			v := int16(float64(a)*(1-frac) + float64(b)*frac)
			out[f*bytesPerFrame+c*2] = byte(uint16(v))
			out[f*bytesPerFrame+c*2+1] = byte(uint16(v) >> 8)
		}
	}
	return out
}
