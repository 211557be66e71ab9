// Package lessonaudio implements the timeline-audio synchronization and
// streaming buffer engine for an interactive lesson player. It keeps
// narrated speech aligned with a visual event timeline while tolerating
// on-demand synthesis latency, supports seek/scrub, and can pre-combine
// independently synthesized clips into one continuous track.
package lessonaudio

import (
	"time"
)

// EventKind identifies the type of a timeline event. Only narration
// events carry audio.
type EventKind int

const (
	// EventNarration is a spoken narration segment with an AudioCue.
	EventNarration EventKind = iota
	// EventDrawing is a drawing/diagram progression step.
	EventDrawing
	// EventSlide is a slide transition.
	EventSlide
	// EventPause is an explicit hold in the timeline.
	EventPause
)

// String returns the string representation of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventNarration:
		return "narration"
	case EventDrawing:
		return "drawing"
	case EventSlide:
		return "slide"
	case EventPause:
		return "pause"
	default:
		return "unknown"
	}
}

// AudioCue describes the narration to synthesize for an event. Value type.
type AudioCue struct {
	Text   string
	Voice  string
	Speed  float64 // speech rate multiplier, 1.0 = normal
	Volume float64 // 0.0 to 1.0
}

// TimelineEvent is one scheduled entry on the lesson timeline. Events are
// produced upstream and are immutable once scheduled; this engine consumes
// them read-only.
type TimelineEvent struct {
	ID       string
	Kind     EventKind
	Start    time.Duration // offset from timeline zero
	Duration time.Duration
	Priority int
	Slide    int       // slide index the event belongs to
	Cue      *AudioCue // required when Kind == EventNarration
}

// HasNarration reports whether the event carries a usable audio cue.
func (e *TimelineEvent) HasNarration() bool {
	return e.Kind == EventNarration && e.Cue != nil && e.Cue.Text != ""
}

// TimingAdjustment records one correction applied to a chunk's playback
// position during drift correction.
type TimingAdjustment struct {
	At     time.Time
	Delta  time.Duration
	Reason string
}

// SyncMetadata tracks per-chunk synchronization accuracy.
type SyncMetadata struct {
	ExpectedOffset time.Duration
	Accuracy       float64
	Adjustments    []TimingAdjustment // bounded, oldest dropped first
}

// maxAdjustmentHistory bounds the per-chunk adjustment log.
const maxAdjustmentHistory = 16

// RecordAdjustment appends a timing adjustment, dropping the oldest entry
// once the bounded history is full.
func (m *SyncMetadata) RecordAdjustment(delta time.Duration, reason string) {
	adj := TimingAdjustment{At: time.Now(), Delta: delta, Reason: reason}
	if len(m.Adjustments) >= maxAdjustmentHistory {
		copy(m.Adjustments, m.Adjustments[1:])
		m.Adjustments[len(m.Adjustments)-1] = adj
		return
	}
	m.Adjustments = append(m.Adjustments, adj)
}

// TimelineAudioChunk is one unit of narration audio derived 1:1 from a
// timeline event with an AudioCue. Chunks are owned exclusively by the
// chunk store; other components reference them by id.
type TimelineAudioChunk struct {
	ID      string
	EventID string
	Text    string

	Start            time.Duration // timeline start, pushed forward by recalibration
	OriginalStart    time.Duration // start as originally scheduled
	TimelineDuration time.Duration // slot on the visual timeline
	AudioDuration    time.Duration // estimated, replaced by measured once known

	Loaded  bool
	Playing bool

	Voice  string
	Speed  float64
	Volume float64

	Sync SyncMetadata
}

// End returns the timeline position at which the chunk's audio ends.
func (c *TimelineAudioChunk) End() time.Duration {
	return c.Start + c.AudioDuration
}

// Contains reports whether the timeline position falls inside the chunk's
// [start, start+duration] interval.
func (c *TimelineAudioChunk) Contains(pos time.Duration) bool {
	return pos >= c.Start && pos <= c.Start+c.AudioDuration
}

// ProcessingState is the lifecycle state of a streaming chunk.
type ProcessingState int

const (
	// ChunkPending means synthesis has not started.
	ChunkPending ProcessingState = iota
	// ChunkGenerating means a synthesis request is in flight.
	ChunkGenerating
	// ChunkReady means audio is synthesized and playable.
	ChunkReady
	// ChunkPlaying means the chunk is currently audible.
	ChunkPlaying
	// ChunkCompleted means playback of the chunk finished.
	ChunkCompleted
	// ChunkError means synthesis or playback failed terminally.
	ChunkError
)

// String returns the string representation of the processing state.
func (s ProcessingState) String() string {
	switch s {
	case ChunkPending:
		return "pending"
	case ChunkGenerating:
		return "generating"
	case ChunkReady:
		return "ready"
	case ChunkPlaying:
		return "playing"
	case ChunkCompleted:
		return "completed"
	case ChunkError:
		return "error"
	default:
		return "unknown"
	}
}

// BufferInfo tracks buffering metadata for a streaming chunk.
type BufferInfo struct {
	Buffered     bool
	Priority     float64
	LastAccess   time.Time
	PreloadScore float64
}

// ProcessingMeta records synthesis bookkeeping for a chunk.
type ProcessingMeta struct {
	TextLength     int
	ProcessingTime time.Duration // measured synthesis latency
	LastError      string
	RetryCount     int
}

// StreamingAudioChunk extends TimelineAudioChunk with processing and
// buffering state. The HasPlayed/PlayCount guards exist to prevent a chunk
// from being replayed or double-completed when callbacks race.
type StreamingAudioChunk struct {
	TimelineAudioChunk

	State     ProcessingState
	Progress  float64 // generation progress in [0,1]
	RequestID string

	Buffer     BufferInfo
	Processing ProcessingMeta

	Audio *Clip // resident audio data; non-nil iff Buffer.Buffered

	HasPlayed    bool
	PlayCount    int
	Recalibrated bool // a measured duration has already been applied
}

// Touch refreshes the buffer access time.
func (c *StreamingAudioChunk) Touch() {
	c.Buffer.LastAccess = time.Now()
}

// MemorySize returns the resident audio footprint in bytes.
func (c *StreamingAudioChunk) MemorySize() int64 {
	if c.Audio == nil {
		return 0
	}
	return int64(len(c.Audio.Data))
}

// ClipFormat identifies the sample encoding of a clip.
type ClipFormat int

const (
	// FormatPCM16 is 16-bit little-endian signed PCM.
	FormatPCM16 ClipFormat = iota
	// FormatFloat32 is 32-bit float PCM.
	FormatFloat32
)

// Clip holds synthesized audio data.
type Clip struct {
	Data       []byte
	Format     ClipFormat
	SampleRate int
	Channels   int
	Duration   time.Duration
}

// PCMDuration computes the clip duration from its PCM payload. Returns
// zero when the format parameters are degenerate.
func (c *Clip) PCMDuration() time.Duration {
	if c.SampleRate <= 0 || c.Channels <= 0 {
		return 0
	}
	bytesPerFrame := 2 * c.Channels
	if c.Format == FormatFloat32 {
		bytesPerFrame = 4 * c.Channels
	}
	frames := len(c.Data) / bytesPerFrame
	return time.Duration(float64(frames) / float64(c.SampleRate) * float64(time.Second))
}

// SyncState classifies the audio position relative to the timeline.
type SyncState int

const (
	// SyncSynced means the offset is within tolerance.
	SyncSynced SyncState = iota
	// SyncLeading means audio is ahead of the timeline.
	SyncLeading
	// SyncLagging means audio is behind the timeline.
	SyncLagging
	// SyncSeeking means a seek is in progress.
	SyncSeeking
	// SyncError means position could not be reconciled.
	SyncError
)

// String returns the string representation of the sync state.
func (s SyncState) String() string {
	switch s {
	case SyncSynced:
		return "synced"
	case SyncLeading:
		return "leading"
	case SyncLagging:
		return "lagging"
	case SyncSeeking:
		return "seeking"
	case SyncError:
		return "error"
	default:
		return "unknown"
	}
}

// AudioTimelinePosition is the reconciled playback position, recomputed on
// every sync tick and never persisted.
type AudioTimelinePosition struct {
	Timeline   time.Duration
	Audio      time.Duration
	Offset     time.Duration // audio minus timeline
	State      SyncState
	Confidence float64 // [0,1]
}

// CoordinationMode selects how audio and visual progression are coupled.
type CoordinationMode int

const (
	// ModeAudioDriven advances visuals after audio completion.
	ModeAudioDriven CoordinationMode = iota
	// ModeVisualDriven only records audio completion; visuals decide.
	ModeVisualDriven
	// ModeSynchronized advances visuals when both sides report ready.
	ModeSynchronized
	// ModeIndependent performs bookkeeping only.
	ModeIndependent
)

// String returns the string representation of the coordination mode.
func (m CoordinationMode) String() string {
	switch m {
	case ModeAudioDriven:
		return "audio_driven"
	case ModeVisualDriven:
		return "visual_driven"
	case ModeSynchronized:
		return "synchronized"
	case ModeIndependent:
		return "independent"
	default:
		return "unknown"
	}
}

// AVEventType identifies one coordination decision category.
type AVEventType int

const (
	// AVAudioComplete records an audio chunk finishing playback.
	AVAudioComplete AVEventType = iota
	// AVVisualComplete records the visual layer finishing a step.
	AVVisualComplete
	// AVSeek records a seek/scrub operation.
	AVSeek
	// AVSyncCorrection records a drift correction.
	AVSyncCorrection
)

// String returns the string representation of the event type.
func (t AVEventType) String() string {
	switch t {
	case AVAudioComplete:
		return "audio_complete"
	case AVVisualComplete:
		return "visual_complete"
	case AVSeek:
		return "seek"
	case AVSyncCorrection:
		return "sync_correction"
	default:
		return "unknown"
	}
}

// AVSyncEvent is an audit record of one coordination decision. Events are
// appended to a capped ring buffer and never persisted.
type AVSyncEvent struct {
	Type      AVEventType
	Timeline  time.Duration
	ChunkID   string
	EventID   string
	Scheduled time.Time
	Actual    time.Time
	Accuracy  time.Duration // |actual - scheduled|
	Mode      CoordinationMode
	Err       string
}
