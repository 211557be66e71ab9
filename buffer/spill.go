package buffer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// spillEntry tracks one evicted chunk's PCM payload on disk.
type spillEntry struct {
	key        string
	filePath   string
	size       int64 // size on disk, compressed
	original   int64
	lastAccess time.Time
	compressed bool
}

// SpillCache holds evicted chunk audio on disk, zstd-compressed, so a
// re-buffered chunk does not need a second synthesis round trip. The
// cache is session-scoped: Close removes everything.
type SpillCache struct {
	basePath string
	capacity int64
	size     int64

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	index map[string]*spillEntry
	mu    sync.Mutex

	hits   int64
	misses int64

	ownsDir bool
}

// NewSpillCache creates a spill cache at basePath. An empty basePath
// creates a temporary directory which is removed on Close. A
// compressionLevel of 0 disables compression.
func NewSpillCache(basePath string, capacity int64, compressionLevel int) (*SpillCache, error) {
	ownsDir := false
	if basePath == "" {
		dir, err := os.MkdirTemp("", "lessonaudio-spill-")
		if err != nil {
			return nil, fmt.Errorf("failed to create spill directory: %w", err)
		}
		basePath = dir
		ownsDir = true
	} else if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create spill directory: %w", err)
	}

	sc := &SpillCache{
		basePath: basePath,
		capacity: capacity,
		index:    make(map[string]*spillEntry),
		ownsDir:  ownsDir,
	}

	if compressionLevel > 0 {
		var err error
		sc.encoder, err = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(compressionLevel)))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		sc.decoder, err = zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
	}

	return sc, nil
}

// Put stores a chunk's PCM data, evicting least recently used entries
// when over capacity.
func (sc *SpillCache) Put(key string, value []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	original := int64(len(value))

	data := value
	compressed := false
	if sc.encoder != nil && original > 1024 {
		enc := sc.encoder.EncodeAll(value, nil)
		if len(enc) < len(value) {
			data = enc
			compressed = true
		}
	}

	diskSize := int64(len(data))
	if sc.capacity > 0 && diskSize > sc.capacity {
		return fmt.Errorf("spill entry %s (%d bytes) exceeds cache capacity", key, diskSize)
	}

	if existing, ok := sc.index[key]; ok {
		sc.size -= existing.size
		os.Remove(existing.filePath)
	}

	for sc.capacity > 0 && sc.size+diskSize > sc.capacity && len(sc.index) > 0 {
		sc.evictOldest()
	}

	path := sc.filePath(key)
	if err := writeAtomic(path, data); err != nil {
		return fmt.Errorf("failed to write spill file: %w", err)
	}

	sc.index[key] = &spillEntry{
		key:        key,
		filePath:   path,
		size:       diskSize,
		original:   original,
		lastAccess: time.Now(),
		compressed: compressed,
	}
	sc.size += diskSize
	return nil
}

// Get returns the PCM data for a spilled chunk, decompressing as needed.
func (sc *SpillCache) Get(key string) ([]byte, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	entry, ok := sc.index[key]
	if !ok {
		sc.misses++
		return nil, false
	}

	data, err := os.ReadFile(entry.filePath)
	if err != nil {
		delete(sc.index, key)
		sc.size -= entry.size
		sc.misses++
		return nil, false
	}

	if entry.compressed && sc.decoder != nil {
		dec, err := sc.decoder.DecodeAll(data, nil)
		if err != nil {
			delete(sc.index, key)
			os.Remove(entry.filePath)
			sc.size -= entry.size
			sc.misses++
			return nil, false
		}
		data = dec
	}

	entry.lastAccess = time.Now()
	sc.hits++
	return data, true
}

// Contains reports whether a chunk is spilled without touching access time.
func (sc *SpillCache) Contains(key string) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	_, ok := sc.index[key]
	return ok
}

// Delete removes one spilled entry.
func (sc *SpillCache) Delete(key string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	entry, ok := sc.index[key]
	if !ok {
		return
	}
	os.Remove(entry.filePath)
	delete(sc.index, key)
	sc.size -= entry.size
}

// Size returns bytes currently on disk.
func (sc *SpillCache) Size() int64 {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.size
}

// Close removes all spill files and, if the cache created its own
// directory, the directory itself.
func (sc *SpillCache) Close() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	for _, entry := range sc.index {
		os.Remove(entry.filePath)
	}
	sc.index = make(map[string]*spillEntry)
	sc.size = 0

	if sc.decoder != nil {
		sc.decoder.Close()
	}
	if sc.encoder != nil {
		sc.encoder.Close()
	}
	if sc.ownsDir {
		return os.RemoveAll(sc.basePath)
	}
	return nil
}

func (sc *SpillCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	for key, entry := range sc.index {
		if oldestKey == "" || entry.lastAccess.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.lastAccess
		}
	}
	if oldestKey == "" {
		return
	}
	entry := sc.index[oldestKey]
	os.Remove(entry.filePath)
	sc.size -= entry.size
	delete(sc.index, oldestKey)
}

func (sc *SpillCache) filePath(key string) string {
	hash := sha256.Sum256([]byte(key))
	return filepath.Join(sc.basePath, hex.EncodeToString(hash[:16])+".pcm")
}

func writeAtomic(path string, data []byte) error {
	tempPath := path + ".tmp"

	file, err := os.Create(tempPath)
	if err != nil {
		return err
	}
	_, err = file.Write(data)
	closeErr := file.Close()
	if err != nil {
		os.Remove(tempPath)
		return err
	}
	if closeErr != nil {
		os.Remove(tempPath)
		return closeErr
	}
	return os.Rename(tempPath, path)
}
