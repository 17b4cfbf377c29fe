// sam3web/config/config.go
package config

import (
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	BaseURL     string `mapstructure:"BASE"`
	AuthEnable  bool   `mapstructure:"AUTH_ENABLE"`
	AuthKey     string `mapstructure:"AUTH_KEY"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	HistoryFile string `mapstructure:"HISTORY_FILE"`
	ZipDir      string `mapstructure:"ZIP_DIR"`

	ReplicateToken    string        `mapstructure:"REPLICATE_API_TOKEN"`
	ReplicateBaseURL  string        `mapstructure:"REPLICATE_BASE_URL"`
	ModelVersion      string        `mapstructure:"MODEL_VERSION"`
	PollInterval      time.Duration `mapstructure:"POLL_INTERVAL"`
	PredictionTimeout time.Duration `mapstructure:"PREDICTION_TIMEOUT"`

	ConcurrencyLimit int           `mapstructure:"CONCURRENCY_LIMIT"`
	Stagger          time.Duration `mapstructure:"STAGGER"`
	MaxActiveBatches int           `mapstructure:"MAX_ACTIVE_BATCHES"`
	BatchLifetime    time.Duration `mapstructure:"BATCH_LIFETIME"`

	MaxArchiveSize   int64         `mapstructure:"MAX_ARCHIVE_SIZE"`
	ArchiveTimeout   time.Duration `mapstructure:"ARCHIVE_TIMEOUT"`
	ThrottleFreeDisk int64         `mapstructure:"THROTTLE_FREEDISK"`
	ThrottleFreeMem  int64         `mapstructure:"THROTTLE_FREEMEM"`

	RateLimitRedisAddr string `mapstructure:"RATE_LIMIT_REDIS_ADDR"`
	RateLimitPerMinute int    `mapstructure:"RATE_LIMIT_PER_MINUTE"`
}

// DefaultModelVersion is the SAM3 video model the service was built against.
const DefaultModelVersion = "lucataco/sam3-video:8cbab4c2a3133e679b5b863b80527f6b5c751ec7b33681b7e0b7c79c749df961"

// stringToDurationHookFunc parses Go duration strings such as "2s" or "1h30m".
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

// stringToByteSizeHookFunc parses human-readable sizes such as "500MB".
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
		if err := size.UnmarshalText([]byte(data.(string))); err != nil {
			// Not a size string, let the default decoder try.
			return data, nil
		}
		return int64(size.Bytes()), nil
	}
}

func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile behaves like Load but reads the given YAML file instead of
// searching the default locations when path is non-empty.
func LoadFile(path string) (*Config, error) {
	vp := viper.New()

	vp.SetDefault("PORT", "3000")
	vp.SetDefault("BASE", "")
	vp.SetDefault("AUTH_ENABLE", false)
	vp.SetDefault("AUTH_KEY", "123456")
	vp.SetDefault("LOG_LEVEL", "info")
	vp.SetDefault("HISTORY_FILE", "history.jsonl")
	vp.SetDefault("ZIP_DIR", "zip")
	vp.SetDefault("REPLICATE_API_TOKEN", "")
	vp.SetDefault("REPLICATE_BASE_URL", "https://api.replicate.com")
	vp.SetDefault("MODEL_VERSION", DefaultModelVersion)
	vp.SetDefault("POLL_INTERVAL", "1s")
	vp.SetDefault("PREDICTION_TIMEOUT", "0s")
	vp.SetDefault("CONCURRENCY_LIMIT", 1)
	vp.SetDefault("STAGGER", "2s")
	vp.SetDefault("MAX_ACTIVE_BATCHES", 2)
	vp.SetDefault("BATCH_LIFETIME", "1h23m")
	vp.SetDefault("MAX_ARCHIVE_SIZE", "500MB")
	vp.SetDefault("ARCHIVE_TIMEOUT", "10m")
	vp.SetDefault("THROTTLE_FREEDISK", "200MB")
	vp.SetDefault("THROTTLE_FREEMEM", "100MB")
	vp.SetDefault("RATE_LIMIT_REDIS_ADDR", "")
	vp.SetDefault("RATE_LIMIT_PER_MINUTE", 30)

	if path != "" {
		vp.SetConfigFile(path)
	} else {
		vp.SetConfigName("sam3web_config")
		vp.SetConfigType("yaml")
		vp.AddConfigPath(".")
		vp.AddConfigPath("/etc/sam3web/")
	}

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	vp.SetEnvPrefix("SAM3WEB")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()
	// The Replicate SDKs read the token unprefixed, accept that too.
	if err := vp.BindEnv("REPLICATE_API_TOKEN", "SAM3WEB_REPLICATE_API_TOKEN", "REPLICATE_API_TOKEN"); err != nil {
		return nil, err
	}

	var cfg Config
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
		),
	))
	if err != nil {
		return nil, err
	}

	if cfg.ConcurrencyLimit < 1 {
		cfg.ConcurrencyLimit = 1
	}
	if cfg.MaxActiveBatches < 1 {
		cfg.MaxActiveBatches = 1
	}
	return &cfg, nil
}
