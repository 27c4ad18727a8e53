// clipmux/config/config.go
package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	BackendGCS   = "gcs"
	BackendLocal = "local"
)

type Config struct {
	Port    string `mapstructure:"PORT"`
	BaseURL string `mapstructure:"BASE"`

	ScratchDir string `mapstructure:"SCRATCH_DIR"`

	FFBin        string        `mapstructure:"FF_BIN"`
	FFProbeBin   string        `mapstructure:"FFPROBE_BIN"`
	FFGlobalArgs string        `mapstructure:"FF_GLOBAL_ARGS"`
	FFTimeout    time.Duration `mapstructure:"FF_TIMEOUT"`

	FetchTimeout    time.Duration `mapstructure:"FETCH_TIMEOUT"`
	UploadTimeout   time.Duration `mapstructure:"UPLOAD_TIMEOUT"`
	PipelineTimeout time.Duration `mapstructure:"PIPELINE_TIMEOUT"`
	MaxInputSize    int64         `mapstructure:"MAX_INPUT_SIZE"`
	MaxConcurrency  int           `mapstructure:"MAX_CONCURRENCY"`

	ThrottleCPU      float64 `mapstructure:"THROTTLE_CPU"`
	ThrottleFreeMem  int64   `mapstructure:"THROTTLE_FREEMEM"`
	ThrottleFreeDisk int64   `mapstructure:"THROTTLE_FREEDISK"`

	StorageBackend  string        `mapstructure:"STORAGE_BACKEND"`
	StorageBucket   string        `mapstructure:"STORAGE_BUCKET"`
	CredentialsFile string        `mapstructure:"CREDENTIALS_FILE"`
	SignedURLTTL    time.Duration `mapstructure:"SIGNED_URL_TTL"`
	PublishDir      string        `mapstructure:"PUBLISH_DIR"`
	SigningKey      string        `mapstructure:"SIGNING_KEY"`

	// Progress entries are dropped ProgressTTL after their run finishes.
	ProgressTTL           time.Duration `mapstructure:"PROGRESS_TTL"`
	ProgressMaxEntries    int           `mapstructure:"PROGRESS_MAX_ENTRIES"`
	ProgressSweepInterval time.Duration `mapstructure:"PROGRESS_SWEEP_INTERVAL"`

	RateLimit float64 `mapstructure:"RATE_LIMIT"`
	RateBurst int     `mapstructure:"RATE_BURST"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`
}

// stringToDurationHookFunc is a custom Viper hook for parsing Go's duration strings.
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		return time.ParseDuration(data.(string))
	}
}

// stringToByteSizeHookFunc is a custom Viper hook for parsing human-readable size strings.
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}

		var size datasize.ByteSize
		err := size.UnmarshalText([]byte(data.(string)))
		if err != nil {
			// Not a valid size string, let other parsers handle it.
			return data, nil
		}

		return int64(size.Bytes()), nil
	}
}

func Load() (*Config, error) {
	vp := viper.New()

	// Set default values as strings, the hooks will handle them.
	vp.SetDefault("PORT", "8080")
	vp.SetDefault("BASE", "")
	vp.SetDefault("SCRATCH_DIR", "/tmp/clipmux")
	vp.SetDefault("FF_BIN", "ffmpeg")
	vp.SetDefault("FFPROBE_BIN", "ffprobe")
	vp.SetDefault("FF_GLOBAL_ARGS", "-hide_banner -loglevel error")
	vp.SetDefault("FF_TIMEOUT", "10m")
	vp.SetDefault("FETCH_TIMEOUT", "2m")
	vp.SetDefault("UPLOAD_TIMEOUT", "5m")
	vp.SetDefault("PIPELINE_TIMEOUT", "20m")
	vp.SetDefault("MAX_INPUT_SIZE", "500MB")
	vp.SetDefault("MAX_CONCURRENCY", 2)
	vp.SetDefault("THROTTLE_CPU", 0.0)
	vp.SetDefault("THROTTLE_FREEMEM", "0B")
	vp.SetDefault("THROTTLE_FREEDISK", "200MB")
	vp.SetDefault("STORAGE_BACKEND", BackendGCS)
	vp.SetDefault("STORAGE_BUCKET", "")
	vp.SetDefault("CREDENTIALS_FILE", "credentials/serviceAccountKey.json")
	vp.SetDefault("SIGNED_URL_TTL", "1h")
	vp.SetDefault("PUBLISH_DIR", "/tmp/clipmux-published")
	vp.SetDefault("SIGNING_KEY", "")
	vp.SetDefault("PROGRESS_TTL", "30m")
	vp.SetDefault("PROGRESS_MAX_ENTRIES", 10000)
	vp.SetDefault("PROGRESS_SWEEP_INTERVAL", "1m")
	vp.SetDefault("RATE_LIMIT", 5.0)
	vp.SetDefault("RATE_BURST", 10)
	vp.SetDefault("LOG_LEVEL", "info")
	vp.SetDefault("LOG_FORMAT", "json")

	vp.SetConfigName("clipmux_config")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	vp.AddConfigPath("/etc/clipmux/")

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	vp.SetEnvPrefix("CLIPMUX")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	// The first hook that converts the value wins.
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
		),
	))
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects combinations the service cannot start with.
func (c *Config) Validate() error {
	switch c.StorageBackend {
	case BackendGCS:
		if c.StorageBucket == "" {
			return fmt.Errorf("STORAGE_BUCKET is required for the %q storage backend", BackendGCS)
		}
	case BackendLocal:
		if c.SigningKey == "" {
			return fmt.Errorf("SIGNING_KEY is required for the %q storage backend", BackendLocal)
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend)
	}
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("MAX_CONCURRENCY must be at least 1, got %d", c.MaxConcurrency)
	}
	if c.ScratchDir == "" {
		return fmt.Errorf("SCRATCH_DIR must not be empty")
	}
	return nil
}
