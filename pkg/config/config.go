package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/quantbase/binancex/pkg/binanceapi"
	"github.com/quantbase/binancex/pkg/ratelimit"
)

const (
	DefaultStreamURL = "wss://stream.binance.us:9443"

	defaultTimeout      = 15 * time.Second
	defaultPingInterval = 30 * time.Second
	defaultIdleTimeout  = 120 * time.Second
)

// Config is the optional YAML configuration. Every field has a working
// default, so a missing config file is not an error.
type Config struct {
	RestURL   string `json:"restUrl,omitempty" yaml:"restUrl,omitempty"`
	StreamURL string `json:"streamUrl,omitempty" yaml:"streamUrl,omitempty"`

	// Buckets override the venue's default quota table, one
	// "KIND:interval:limit" entry per bucket.
	Buckets []string `json:"buckets,omitempty" yaml:"buckets,omitempty"`

	Timeout      Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	PingInterval Duration `json:"pingInterval,omitempty" yaml:"pingInterval,omitempty"`
	IdleTimeout  Duration `json:"idleTimeout,omitempty" yaml:"idleTimeout,omitempty"`
}

// Credentials hold the API key pair, loaded from the environment rather than
// the config file so secrets never land on disk next to settings.
type Credentials struct {
	Key    string
	Secret string
}

func (c Credentials) Configured() bool {
	return c.Key != "" && c.Secret != ""
}

func Default() *Config {
	return &Config{
		RestURL:      binanceapi.RestBaseURL,
		StreamURL:    DefaultStreamURL,
		Timeout:      Duration(defaultTimeout),
		PingInterval: Duration(defaultPingInterval),
		IdleTimeout:  Duration(defaultIdleTimeout),
	}
}

// Load reads the YAML file and validates the result. An empty path returns
// the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}

	if err := yaml.Unmarshal(content, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config %s", path)
	}

	return cfg, nil
}

// Validate fails loudly on malformed settings instead of limping along with
// a broken quota table.
func (c *Config) Validate() error {
	if c.RestURL == "" {
		return errors.New("restUrl must not be empty")
	}
	if c.StreamURL == "" {
		return errors.New("streamUrl must not be empty")
	}
	if c.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	if c.PingInterval <= 0 {
		return errors.New("pingInterval must be positive")
	}
	if c.IdleTimeout <= 0 {
		return errors.New("idleTimeout must be positive")
	}

	for _, entry := range c.Buckets {
		if _, err := ratelimit.ParseBucket(entry); err != nil {
			return err
		}
	}

	return nil
}

// BucketConfigs resolves the configured quota table, falling back to the
// venue defaults when no override is present.
func (c *Config) BucketConfigs() ([]ratelimit.BucketConfig, error) {
	if len(c.Buckets) == 0 {
		return ratelimit.DefaultBuckets(), nil
	}

	buckets := make([]ratelimit.BucketConfig, 0, len(c.Buckets))
	for _, entry := range c.Buckets {
		bucket, err := ratelimit.ParseBucket(entry)
		if err != nil {
			return nil, err
		}
		buckets = append(buckets, bucket)
	}
	return buckets, nil
}

// CredentialsFromEnv reads the key pair from BINANCE_API_KEY and
// BINANCE_API_SECRET. Missing values are not an error here; endpoints that
// need signing fail with a clear error instead.
func CredentialsFromEnv() Credentials {
	return Credentials{
		Key:    os.Getenv("BINANCE_API_KEY"),
		Secret: os.Getenv("BINANCE_API_SECRET"),
	}
}
