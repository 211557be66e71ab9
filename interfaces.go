package lessonaudio

import (
	"context"
	"time"
)

// SynthesisRequest describes one narration synthesis call to the external
// speech service.
type SynthesisRequest struct {
	Text  string
	Voice string
	Speed float64

	// Compress asks the collaborator to compress audio in transit where it
	// supports that; the result exposed to the engine is always PCM.
	Compress bool
	// Background marks the request as speculative preloading work.
	Background bool
}

// SynthesisResult is the outcome of a synthesis call. Audio is always
// present on success; DurationHint is advisory and the measured clip
// duration wins.
type SynthesisResult struct {
	Audio        *Clip
	Ref          string // collaborator-assigned audio identifier, if any
	DurationHint time.Duration
}

// StreamChunk is one entry of a streaming synthesis response. Chunks
// arrive ordered by Index over a long-lived call.
type StreamChunk struct {
	Index int
	Text  string
	Audio *Clip // nil until Ready
	Ready bool
	Err   error
}

// Synthesizer is the boundary to the external speech synthesis service.
// The engine only assumes: request issued, completion observed
// asynchronously, duration measured from the returned audio. Retry and
// backoff of the underlying transport belong to the implementation.
type Synthesizer interface {
	// Synthesize converts text to audio. Blocks until the audio is
	// available or ctx is done.
	Synthesize(ctx context.Context, req SynthesisRequest) (*SynthesisResult, error)

	// SynthesizeStream yields ordered chunks over a long-lived response.
	// The channel is closed after the final chunk or on error.
	SynthesizeStream(ctx context.Context, req SynthesisRequest) (<-chan StreamChunk, error)
}

// AudioElement abstracts one playable audio source, mirroring the element
// lifecycle the engine coordinates: load, play, pause, seek (with native
// completion), rate and volume control.
type AudioElement interface {
	// Load prepares the element with a clip, replacing any prior content.
	Load(clip *Clip) error

	// Play starts or resumes playback.
	Play() error

	// Pause halts playback keeping position.
	Pause() error

	// Stop halts playback and resets position to zero.
	Stop() error

	// Position returns the current playback position.
	Position() time.Duration

	// Duration returns the loaded clip duration.
	Duration() time.Duration

	// Seek moves the playback position and returns once the element
	// reports seek completion, or when ctx is done.
	Seek(ctx context.Context, pos time.Duration) error

	// SetRate sets the playback rate. Valid range is (0, 4].
	SetRate(rate float64) error

	// SetVolume sets the playback volume in [0, 1].
	SetVolume(vol float64) error

	// OnEnded registers a callback fired when playback reaches the end of
	// the loaded clip. Implementations must not invoke it synchronously
	// from inside Play.
	OnEnded(fn func())

	// Close releases the element's resources.
	Close() error
}

// ElementFactory creates audio elements on demand, one per active chunk.
type ElementFactory func() (AudioElement, error)

// Callbacks are the hooks exposed to the visual layer. All callbacks are
// dispatched from the session's own goroutine, never synchronously from an
// element event, to avoid re-entrant state mutation.
type Callbacks struct {
	OnSlideChange   func(index int)
	OnPlaybackStart func()
	OnPlaybackEnd   func()
	OnPlaybackPause func()
	OnError         func(err error)
	OnChunkReady    func(chunkID string)

	// OnSyncUpdate reports the synchronization verdict of each
	// reconciliation tick, letting the host surface degraded playback.
	OnSyncUpdate func(state SyncState, offset time.Duration)
}
