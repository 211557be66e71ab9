// Package buffer manages resident audio memory for a session: priority
// scoring relative to the playhead, preload candidate selection, and
// eviction with a compressed disk spill so evicted chunks can be
// restored without re-synthesis.
package buffer

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"

	"github.com/lessonkit/lessonaudio"
	"github.com/lessonkit/lessonaudio/store"
)

// recencyDecay is the time constant for the recency term of the chunk
// priority score. A chunk untouched for one constant decays to ~0.37.
const recencyDecay = 60 * time.Second

// recencyFloor keeps long-idle chunks from dropping to zero so eviction
// order among them is still driven by playhead distance.
const recencyFloor = 0.1

// Manager tracks resident audio memory and decides what to keep, what
// to preload next, and what to evict. All position-dependent methods
// take the playhead explicitly so decisions are reproducible.
type Manager struct {
	cfg   lessonaudio.BufferConfig
	store *store.Store
	spill *SpillCache

	instruments *lessonaudio.Instruments
	logger      *log.Logger
}

// New creates a buffer manager with a disk spill cache per the config.
func New(cfg lessonaudio.BufferConfig, st *store.Store, instruments *lessonaudio.Instruments) (*Manager, error) {
	// Spill capacity mirrors the memory ceiling: compressed PCM for
	// roughly one ceiling's worth of evictions.
	spill, err := NewSpillCache(cfg.SpillDir, cfg.MaxMemoryBytes, cfg.CompressionLevel)
	if err != nil {
		return nil, err
	}
	return &Manager{
		cfg:         cfg,
		store:       st,
		spill:       spill,
		instruments: instruments,
		logger:      log.WithPrefix("buffer"),
	}, nil
}

// Close releases the spill cache.
func (m *Manager) Close() error {
	return m.spill.Close()
}

// Priority scores a chunk for retention at the given playhead position.
// Chunks overlapping the playhead score 1.0. Otherwise the score blends
// playhead proximity (70%) with access recency (30%).
func (m *Manager) Priority(c *lessonaudio.StreamingAudioChunk, pos time.Duration, now time.Time) float64 {
	if c.Contains(pos) {
		return 1.0
	}

	proximity := 1.0 - float64(distance(c, pos))/float64(m.cfg.PreloadWindow)
	if proximity < 0 {
		proximity = 0
	}

	recency := recencyFloor
	if !c.Buffer.LastAccess.IsZero() {
		age := now.Sub(c.Buffer.LastAccess)
		r := math.Exp(-float64(age) / float64(recencyDecay))
		if r > recencyFloor {
			recency = r
		}
	}

	return 0.7*proximity + 0.3*recency
}

// UpdatePriorities recomputes and stores every chunk's retention
// priority for the given playhead position.
func (m *Manager) UpdatePriorities(pos time.Duration) {
	now := time.Now()
	for _, c := range m.store.Ordered() {
		p := m.Priority(c, pos, now)
		_ = m.store.Update(c.ID, func(u *lessonaudio.StreamingAudioChunk) {
			u.Buffer.Priority = p
		})
	}
}

// PreloadCandidates returns the ids of up to PreloadBatch unsynthesized
// chunks ahead of the playhead, best preload score first. The score is
// linear in distance over the optimal look-ahead, so the next chunk to
// start always wins.
func (m *Manager) PreloadCandidates(pos time.Duration) []string {
	type candidate struct {
		id    string
		score float64
	}

	var candidates []candidate
	for _, c := range m.store.Ordered() {
		if c.State != lessonaudio.ChunkPending {
			continue
		}
		dist := c.Start - pos
		if dist < 0 || dist > m.cfg.PreloadWindow {
			continue
		}
		score := 1.0 - float64(dist)/float64(m.cfg.OptimalLookahead)
		if score < 0 {
			score = 0
		}
		_ = m.store.Update(c.ID, func(u *lessonaudio.StreamingAudioChunk) {
			u.Buffer.PreloadScore = score
		})
		candidates = append(candidates, candidate{id: c.ID, score: score})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	n := m.cfg.PreloadBatch
	if n > len(candidates) {
		n = len(candidates)
	}
	ids := make([]string, 0, n)
	for _, c := range candidates[:n] {
		ids = append(ids, c.id)
	}
	return ids
}

// MemoryUsage returns bytes of resident audio.
func (m *Manager) MemoryUsage() int64 {
	var total int64
	for _, c := range m.store.Ordered() {
		if c.Buffer.Buffered {
			total += c.MemorySize()
		}
	}
	return total
}

// Cleanup evicts low-priority chunks when resident memory exceeds the
// cleanup threshold. It evicts the lowest EvictFraction of buffered
// chunks by priority, never a chunk overlapping the playhead or one
// currently playing. Evicted audio is spilled to disk first. Returns
// bytes freed.
func (m *Manager) Cleanup(pos time.Duration) int64 {
	usage := m.MemoryUsage()
	ceiling := int64(float64(m.cfg.MaxMemoryBytes) * m.cfg.CleanupThreshold)
	if usage <= ceiling {
		return 0
	}

	m.UpdatePriorities(pos)

	var buffered []*lessonaudio.StreamingAudioChunk
	for _, c := range m.store.Ordered() {
		if c.Buffer.Buffered {
			buffered = append(buffered, c)
		}
	}
	sort.SliceStable(buffered, func(i, j int) bool {
		return buffered[i].Buffer.Priority < buffered[j].Buffer.Priority
	})

	target := int(math.Ceil(float64(len(buffered)) * m.cfg.EvictFraction))
	if target < 1 {
		target = 1
	}

	var freed int64
	evicted := 0
	for _, c := range buffered {
		if evicted >= target {
			break
		}
		if c.Contains(pos) || c.Playing || c.State == lessonaudio.ChunkPlaying {
			continue
		}
		n := m.evict(c.ID)
		if n > 0 {
			freed += n
			evicted++
		}
	}

	if freed > 0 {
		m.instruments.RecordEviction(context.Background(), freed)
		m.logger.Debug("evicted low-priority chunks",
			"count", evicted,
			"freed", humanize.Bytes(uint64(freed)),
			"resident", humanize.Bytes(uint64(usage-freed)))
	}
	return freed
}

// evict spills one chunk's audio to disk and releases its memory.
// Returns bytes freed, or 0 if the chunk held no audio.
func (m *Manager) evict(id string) int64 {
	c, ok := m.store.Get(id)
	if !ok || c.Audio == nil || len(c.Audio.Data) == 0 {
		return 0
	}

	spilled := true
	if err := m.spill.Put(id, c.Audio.Data); err != nil {
		spilled = false
		m.logger.Warn("spill failed, dropping audio", "chunk", id, "err", err)
	}

	freed := c.MemorySize()
	_ = m.store.Update(id, func(u *lessonaudio.StreamingAudioChunk) {
		if u.Audio != nil {
			u.Audio.Data = nil
		}
		u.Loaded = false
		u.Buffer.Buffered = false
		// An unplayed chunk whose audio is gone from both memory and the
		// spill cache must go back through synthesis; left ready it would
		// be unreachable by every re-request path.
		if !spilled && !u.HasPlayed && u.State == lessonaudio.ChunkReady {
			u.State = lessonaudio.ChunkPending
			u.Progress = 0
		}
	})
	return freed
}

// Restore brings an evicted chunk's audio back from the spill cache.
// Returns ErrNotBuffered when the chunk was never spilled, in which
// case the caller must re-request synthesis.
func (m *Manager) Restore(id string) error {
	c, ok := m.store.Get(id)
	if !ok {
		return lessonaudio.ErrChunkNotFound
	}
	if c.Loaded {
		return nil
	}

	data, ok := m.spill.Get(id)
	if !ok {
		return lessonaudio.ErrNotBuffered
	}

	err := m.store.Update(id, func(u *lessonaudio.StreamingAudioChunk) {
		if u.Audio == nil {
			u.Audio = &lessonaudio.Clip{
				Format:     lessonaudio.FormatPCM16,
				SampleRate: 22050,
				Channels:   1,
				Duration:   u.AudioDuration,
			}
		}
		u.Audio.Data = data
		u.Loaded = true
		u.Buffer.Buffered = true
		u.Touch()
	})
	if err != nil {
		return err
	}

	m.instruments.RecordSpillHit(context.Background())
	m.logger.Debug("restored chunk from spill", "chunk", id,
		"size", humanize.Bytes(uint64(len(data))))
	return nil
}

// Touch records an access so the recency term keeps hot chunks resident.
func (m *Manager) Touch(id string) {
	_ = m.store.Update(id, func(u *lessonaudio.StreamingAudioChunk) {
		u.Touch()
	})
}

// distance is the gap between the playhead and a chunk's nearest edge.
func distance(c *lessonaudio.StreamingAudioChunk, pos time.Duration) time.Duration {
	if pos < c.Start {
		return c.Start - pos
	}
	if end := c.End(); pos > end {
		return pos - end
	}
	return 0
}
