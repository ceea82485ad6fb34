// Package config loads the yaml configuration shared by every command.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"udpxfer/internal/digest"
	"udpxfer/internal/wire"
	"udpxfer/internal/xfer"
)

// Config is the root of the configuration file.
type Config struct {
	Provider  ProviderConfig  `yaml:"provider"`
	Requester RequesterConfig `yaml:"requester"`
	Transfer  TransferConfig  `yaml:"transfer"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Log       LogConfig       `yaml:"log"`
}

// ProviderConfig defines the serving side.
type ProviderConfig struct {
	Name       string `yaml:"name"`
	Addr       string `yaml:"addr"`
	StreamAddr string `yaml:"stream_addr"`
	Dir        string `yaml:"dir"`
	Workers    int    `yaml:"workers"`
	MaxQueue   int    `yaml:"max_queue"` // 0 leaves the backlog unbounded
	TOS        int    `yaml:"tos"`
	Watch      bool   `yaml:"watch"` // cache the listing until the directory changes
}

// RequesterConfig defines the fetching side.
type RequesterConfig struct {
	Rendezvous string `yaml:"rendezvous"`
	StreamAddr string `yaml:"stream_addr"`
	DestDir    string `yaml:"dest_dir"`
	Progress   bool   `yaml:"progress"`
}

// TransferConfig tunes the protocol on both sides.
type TransferConfig struct {
	MaxPayload    int           `yaml:"max_payload"`
	Digest        string        `yaml:"digest"` // "sha256", "md5"
	RecvTimeout   time.Duration `yaml:"recv_timeout"`
	SelectTimeout time.Duration `yaml:"select_timeout"`
	MaxAttempts   int           `yaml:"max_attempts"` // 0 retries forever
}

// DiscoveryConfig defines LAN announcement of providers.
type DiscoveryConfig struct {
	Enable   bool          `yaml:"enable"`
	Group    string        `yaml:"group"`
	Port     int           `yaml:"port"`
	Interval time.Duration `yaml:"interval"`
	Wait     time.Duration `yaml:"wait"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console", "json"
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Provider: ProviderConfig{
			Addr:       ":4445",
			StreamAddr: ":3400",
			Dir:        "./data",
			Workers:    25,
		},
		Requester: RequesterConfig{
			Rendezvous: "127.0.0.1:4445",
			StreamAddr: "127.0.0.1:3400",
			DestDir:    "./downloads",
			Progress:   true,
		},
		Transfer: TransferConfig{
			MaxPayload:    wire.DefaultMaxPayload,
			Digest:        digest.SHA256.Name(),
			RecvTimeout:   xfer.DefaultRecvTimeout,
			SelectTimeout: xfer.DefaultSelectTimeout,
			MaxAttempts:   5,
		},
		Discovery: DiscoveryConfig{
			Group:    "239.255.42.42",
			Port:     9900,
			Interval: 5 * time.Second,
			Wait:     3 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "console"},
	}
}

// Load reads path over the defaults. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := Decode(bytes.NewReader(b), &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Decode overlays yaml from r onto cfg. Unknown keys are rejected.
func Decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Provider.Workers < 1 {
		errs = append(errs, fmt.Errorf("provider.workers must be positive, got %d", c.Provider.Workers))
	}
	if c.Provider.MaxQueue < 0 {
		errs = append(errs, fmt.Errorf("provider.max_queue must not be negative, got %d", c.Provider.MaxQueue))
	}
	if c.Provider.TOS < 0 || c.Provider.TOS > 255 {
		errs = append(errs, fmt.Errorf("provider.tos must be within 0..255, got %d", c.Provider.TOS))
	}
	if c.Transfer.MaxPayload < 1 || c.Transfer.MaxPayload > wire.MaxDatagram {
		errs = append(errs, fmt.Errorf("transfer.max_payload must be within 1..%d, got %d", wire.MaxDatagram, c.Transfer.MaxPayload))
	}
	if _, err := digest.ByName(c.Transfer.Digest); err != nil {
		errs = append(errs, fmt.Errorf("transfer.digest: %w", err))
	}
	if c.Transfer.RecvTimeout < 0 || c.Transfer.SelectTimeout < 0 {
		errs = append(errs, errors.New("transfer timeouts must not be negative"))
	}
	if c.Transfer.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("transfer.max_attempts must not be negative, got %d", c.Transfer.MaxAttempts))
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be console or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Options converts the transfer section for the protocol packages.
func (t TransferConfig) Options() (xfer.Options, error) {
	h, err := digest.ByName(t.Digest)
	if err != nil {
		return xfer.Options{}, err
	}
	return xfer.Options{
		MaxPayload:    t.MaxPayload,
		Hasher:        h,
		RecvTimeout:   t.RecvTimeout,
		SelectTimeout: t.SelectTimeout,
		MaxAttempts:   t.MaxAttempts,
	}.WithDefaults(), nil
}
