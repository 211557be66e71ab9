package lessonaudio

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// SyncConfig tunes the reconciliation loop and seek behavior.
type SyncConfig struct {
	Tolerance         time.Duration `yaml:"tolerance"           env:"LESSONAUDIO_SYNC_TOLERANCE"        envDefault:"50ms"`
	DriftThreshold    time.Duration `yaml:"drift_threshold"     env:"LESSONAUDIO_DRIFT_THRESHOLD"       envDefault:"100ms"`
	MaxCorrectionStep time.Duration `yaml:"max_correction_step" env:"LESSONAUDIO_MAX_CORRECTION_STEP"   envDefault:"25ms"`
	UpdateInterval    time.Duration `yaml:"update_interval"     env:"LESSONAUDIO_SYNC_UPDATE_INTERVAL"  envDefault:"100ms"`
	SeekTimeout       time.Duration `yaml:"seek_timeout"        env:"LESSONAUDIO_SEEK_TIMEOUT"          envDefault:"1s"`
	SeekTarget        time.Duration `yaml:"seek_target"         env:"LESSONAUDIO_SEEK_TARGET"           envDefault:"100ms"`
	HistorySize       int           `yaml:"history_size"        env:"LESSONAUDIO_SYNC_HISTORY"          envDefault:"32"`
	DriftCorrection   bool          `yaml:"drift_correction"    env:"LESSONAUDIO_DRIFT_CORRECTION"      envDefault:"true"`
	MaxWaitRetries    int           `yaml:"max_wait_retries"    env:"LESSONAUDIO_MAX_WAIT_RETRIES"      envDefault:"50"`
	MaxPlayAttempts   int           `yaml:"max_play_attempts"   env:"LESSONAUDIO_MAX_PLAY_ATTEMPTS"     envDefault:"100"`
}

// QueueConfig tunes the generation queue.
type QueueConfig struct {
	Workers           int           `yaml:"workers"             env:"LESSONAUDIO_QUEUE_WORKERS"         envDefault:"2"`
	Lookahead         time.Duration `yaml:"lookahead"           env:"LESSONAUDIO_QUEUE_LOOKAHEAD"       envDefault:"10s"`
	MaxRetries        int           `yaml:"max_retries"         env:"LESSONAUDIO_QUEUE_MAX_RETRIES"     envDefault:"3"`
	RequestsPerSecond float64       `yaml:"requests_per_second" env:"LESSONAUDIO_QUEUE_RPS"             envDefault:"8"`
	Burst             int           `yaml:"burst"               env:"LESSONAUDIO_QUEUE_BURST"           envDefault:"4"`
	MaxPending        int           `yaml:"max_pending"         env:"LESSONAUDIO_QUEUE_MAX_PENDING"     envDefault:"256"`
}

// BufferConfig tunes memory ceiling enforcement and preloading.
type BufferConfig struct {
	MaxMemoryBytes   int64         `yaml:"max_memory_bytes"  env:"LESSONAUDIO_BUFFER_MAX_BYTES"      envDefault:"52428800"`
	CleanupThreshold float64       `yaml:"cleanup_threshold" env:"LESSONAUDIO_BUFFER_CLEANUP_AT"     envDefault:"0.8"`
	EvictFraction    float64       `yaml:"evict_fraction"    env:"LESSONAUDIO_BUFFER_EVICT_FRACTION" envDefault:"0.2"`
	PreloadWindow    time.Duration `yaml:"preload_window"    env:"LESSONAUDIO_PRELOAD_WINDOW"        envDefault:"30s"`
	OptimalLookahead time.Duration `yaml:"optimal_lookahead" env:"LESSONAUDIO_OPTIMAL_LOOKAHEAD"     envDefault:"15s"`
	PreloadBatch     int           `yaml:"preload_batch"     env:"LESSONAUDIO_PRELOAD_BATCH"         envDefault:"3"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval"  env:"LESSONAUDIO_CLEANUP_INTERVAL"      envDefault:"5s"`
	SpillDir         string        `yaml:"spill_dir"         env:"LESSONAUDIO_SPILL_DIR"`
	CompressionLevel int           `yaml:"compression_level" env:"LESSONAUDIO_SPILL_COMPRESSION"     envDefault:"3"`
}

// CoordinatorConfig tunes audio-visual coordination.
type CoordinatorConfig struct {
	Mode                string        `yaml:"mode"                 env:"LESSONAUDIO_COORDINATION_MODE"    envDefault:"audio_driven"`
	ProgressionDelay    time.Duration `yaml:"progression_delay"    env:"LESSONAUDIO_PROGRESSION_DELAY"    envDefault:"50ms"`
	CompletionTolerance time.Duration `yaml:"completion_tolerance" env:"LESSONAUDIO_COMPLETION_TOLERANCE" envDefault:"150ms"`
	SweepInterval       time.Duration `yaml:"sweep_interval"       env:"LESSONAUDIO_SWEEP_INTERVAL"       envDefault:"50ms"`
	HistorySize         int           `yaml:"history_size"         env:"LESSONAUDIO_AV_HISTORY"           envDefault:"256"`
}

// MergeConfig tunes the offline audio merger.
type MergeConfig struct {
	Crossfade  time.Duration `yaml:"crossfade"   env:"LESSONAUDIO_MERGE_CROSSFADE"   envDefault:"1500ms"`
	SilenceGap time.Duration `yaml:"silence_gap" env:"LESSONAUDIO_MERGE_SILENCE_GAP" envDefault:"500ms"`
	FadeShape  string        `yaml:"fade_shape"  env:"LESSONAUDIO_MERGE_FADE_SHAPE"  envDefault:"linear"`
	SampleRate int           `yaml:"sample_rate" env:"LESSONAUDIO_MERGE_SAMPLE_RATE" envDefault:"22050"`
	Channels   int           `yaml:"channels"    env:"LESSONAUDIO_MERGE_CHANNELS"    envDefault:"1"`
}

// SessionConfig tunes the per-lesson session actor.
type SessionConfig struct {
	PreloadSweep time.Duration `yaml:"preload_sweep" env:"LESSONAUDIO_PRELOAD_SWEEP" envDefault:"2s"`
	DefaultSpeed float64       `yaml:"default_speed" env:"LESSONAUDIO_DEFAULT_SPEED" envDefault:"1.0"`
}

// Config is the complete engine configuration. Zero values are filled with
// defaults; a YAML file can override them and environment variables win
// over both.
type Config struct {
	Sync        SyncConfig        `yaml:"sync"`
	Queue       QueueConfig       `yaml:"queue"`
	Buffer      BufferConfig      `yaml:"buffer"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Merge       MergeConfig       `yaml:"merge"`
	Session     SessionConfig     `yaml:"session"`
}

// DefaultConfig returns the configuration with every field at its default.
func DefaultConfig() Config {
	cfg, err := env.ParseAsWithOptions[Config](env.Options{Environment: map[string]string{}})
	if err != nil {
		// Defaults are static tags; parsing them cannot fail at runtime.
		panic(fmt.Sprintf("lessonaudio: default config: %v", err))
	}
	return cfg
}

// LoadConfig builds a Config from defaults, an optional YAML file, and
// environment variables, in that order of precedence.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParseMode converts the configured coordination mode name.
func (c CoordinatorConfig) ParseMode() (CoordinationMode, error) {
	switch c.Mode {
	case "audio_driven", "":
		return ModeAudioDriven, nil
	case "visual_driven":
		return ModeVisualDriven, nil
	case "synchronized":
		return ModeSynchronized, nil
	case "independent":
		return ModeIndependent, nil
	}
	return ModeAudioDriven, fmt.Errorf("%w: coordination mode %q", ErrInvalidConfig, c.Mode)
}

// Validate rejects configurations the engine cannot honor.
func (c *Config) Validate() error {
	if c.Sync.Tolerance <= 0 {
		return fmt.Errorf("%w: sync tolerance must be positive", ErrInvalidConfig)
	}
	if c.Sync.MaxCorrectionStep <= 0 || c.Sync.MaxCorrectionStep > c.Sync.DriftThreshold {
		return fmt.Errorf("%w: correction step must be in (0, drift threshold]", ErrInvalidConfig)
	}
	if c.Queue.Workers <= 0 {
		return fmt.Errorf("%w: queue workers must be positive", ErrInvalidConfig)
	}
	if c.Buffer.MaxMemoryBytes <= 0 {
		return fmt.Errorf("%w: buffer ceiling must be positive", ErrInvalidConfig)
	}
	if c.Buffer.CleanupThreshold <= 0 || c.Buffer.CleanupThreshold > 1 {
		return fmt.Errorf("%w: cleanup threshold must be in (0, 1]", ErrInvalidConfig)
	}
	if c.Buffer.EvictFraction <= 0 || c.Buffer.EvictFraction > 1 {
		return fmt.Errorf("%w: evict fraction must be in (0, 1]", ErrInvalidConfig)
	}
	if c.Session.DefaultSpeed <= 0 || c.Session.DefaultSpeed > 4 {
		return fmt.Errorf("%w: default speed must be in (0, 4]", ErrInvalidConfig)
	}
	if _, err := c.Coordinator.ParseMode(); err != nil {
		return err
	}
	if c.Merge.SilenceGap < 0 {
		return fmt.Errorf("%w: silence gap must not be negative", ErrInvalidConfig)
	}
	switch c.Merge.FadeShape {
	case "linear", "exponential", "logarithmic":
	default:
		return fmt.Errorf("%w: fade shape %q", ErrInvalidConfig, c.Merge.FadeShape)
	}
	return nil
}
