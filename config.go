package rawtcp

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Protocol timing and sizing defaults. RTO bounds follow RFC 6298; the
// TIME_WAIT quiescence interval is 2×MSL with the common 30s MSL.
const (
	// DefaultMSS is the largest payload placed in a single outbound segment.
	DefaultMSS = 1460

	// DefaultRecvBufferSize is the per-connection receive buffer capacity,
	// which bounds the advertised window and so cannot exceed the 16-bit
	// window field.
	DefaultRecvBufferSize = 0xffff

	// DefaultSendBufferSize bounds bytes accepted from the application but
	// not yet transmitted.
	DefaultSendBufferSize = 64 * 1024

	// DefaultAcceptBacklog is the number of established connections that may
	// wait in a listener's accept queue.
	DefaultAcceptBacklog = 16

	// InitialRTO seeds the retransmission timeout before any RTT sample.
	InitialRTO = 1 * time.Second

	// MinRTO is the lower clamp for the computed retransmission timeout.
	MinRTO = 200 * time.Millisecond

	// MaxRTO is the exponential backoff ceiling.
	MaxRTO = 60 * time.Second

	// DefaultMaxRetransmits is how many times one segment is retransmitted
	// before the connection is aborted with ErrConnectionTimedOut.
	DefaultMaxRetransmits = 8

	// DefaultTimeWait is the TIME_WAIT quiescence interval (2×MSL).
	DefaultTimeWait = 60 * time.Second
)

// Config carries engine tuning. The zero value is not usable directly; start
// from DefaultConfig or LoadConfig and override fields.
type Config struct {
	// MSS is the maximum segment payload size in bytes.
	MSS int `yaml:"mss"`

	// RecvBufferSize is the per-connection receive buffer capacity in bytes.
	RecvBufferSize int `yaml:"recv_buffer_size"`

	// SendBufferSize is the per-connection send buffer capacity in bytes.
	SendBufferSize int `yaml:"send_buffer_size"`

	// AcceptBacklog is the accept queue depth per listener.
	AcceptBacklog int `yaml:"accept_backlog"`

	// InitialRTO is the retransmission timeout before the first RTT sample.
	InitialRTO time.Duration `yaml:"initial_rto"`

	// MinRTO and MaxRTO clamp the computed retransmission timeout.
	MinRTO time.Duration `yaml:"min_rto"`
	MaxRTO time.Duration `yaml:"max_rto"`

	// MaxRetransmits is the retry ceiling before the connection is aborted.
	MaxRetransmits int `yaml:"max_retransmits"`

	// TimeWait is the TIME_WAIT quiescence interval.
	TimeWait time.Duration `yaml:"time_wait"`

	// Admission controls SYN admission on listening ports.
	Admission AdmissionConfig `yaml:"admission"`

	// TCBCache controls RFC 2140 control block sharing between connections
	// to the same remote host.
	TCBCache TCBCacheConfig `yaml:"tcb_cache"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MSS:            DefaultMSS,
		RecvBufferSize: DefaultRecvBufferSize,
		SendBufferSize: DefaultSendBufferSize,
		AcceptBacklog:  DefaultAcceptBacklog,
		InitialRTO:     InitialRTO,
		MinRTO:         MinRTO,
		MaxRTO:         MaxRTO,
		MaxRetransmits: DefaultMaxRetransmits,
		TimeWait:       DefaultTimeWait,
		Admission:      DefaultAdmissionConfig(),
		TCBCache:       DefaultTCBCacheConfig(),
	}
}

// UnmarshalYAML overlays a config mapping onto the receiver's current
// values, so unmentioned fields keep their defaults. Durations use
// time.ParseDuration notation ("200ms", "1m").
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		MSS            *int       `yaml:"mss"`
		RecvBufferSize *int       `yaml:"recv_buffer_size"`
		SendBufferSize *int       `yaml:"send_buffer_size"`
		AcceptBacklog  *int       `yaml:"accept_backlog"`
		InitialRTO     string     `yaml:"initial_rto"`
		MinRTO         string     `yaml:"min_rto"`
		MaxRTO         string     `yaml:"max_rto"`
		MaxRetransmits *int       `yaml:"max_retransmits"`
		TimeWait       string     `yaml:"time_wait"`
		Admission      *yaml.Node `yaml:"admission"`
		TCBCache       *yaml.Node `yaml:"tcb_cache"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	for _, f := range []struct {
		v *int
		d *int
	}{
		{raw.MSS, &c.MSS},
		{raw.RecvBufferSize, &c.RecvBufferSize},
		{raw.SendBufferSize, &c.SendBufferSize},
		{raw.AcceptBacklog, &c.AcceptBacklog},
		{raw.MaxRetransmits, &c.MaxRetransmits},
	} {
		if f.v != nil {
			*f.d = *f.v
		}
	}
	for _, f := range []struct {
		s string
		d *time.Duration
	}{
		{raw.InitialRTO, &c.InitialRTO},
		{raw.MinRTO, &c.MinRTO},
		{raw.MaxRTO, &c.MaxRTO},
		{raw.TimeWait, &c.TimeWait},
	} {
		if err := parseDuration(f.s, f.d); err != nil {
			return err
		}
	}
	if raw.Admission != nil {
		if err := raw.Admission.Decode(&c.Admission); err != nil {
			return err
		}
	}
	if raw.TCBCache != nil {
		if err := raw.TCBCache.Decode(&c.TCBCache); err != nil {
			return err
		}
	}
	return nil
}

// parseDuration fills into from a non-empty duration string.
func parseDuration(s string, into *time.Duration) error {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", s, err)
	}
	*into = d
	return nil
}

// LoadConfig reads a YAML config file and overlays it on the defaults.
// A missing file is not an error: the defaults are returned unchanged.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.MSS <= 0 {
		return fmt.Errorf("config: mss must be positive, got %d", c.MSS)
	}
	if c.RecvBufferSize <= 0 || c.RecvBufferSize > 0xffff {
		return fmt.Errorf("config: recv_buffer_size must be in (0, 65535], got %d", c.RecvBufferSize)
	}
	if c.SendBufferSize <= 0 {
		return fmt.Errorf("config: send_buffer_size must be positive, got %d", c.SendBufferSize)
	}
	if c.AcceptBacklog <= 0 {
		return fmt.Errorf("config: accept_backlog must be positive, got %d", c.AcceptBacklog)
	}
	if c.MaxRetransmits <= 0 {
		return fmt.Errorf("config: max_retransmits must be positive, got %d", c.MaxRetransmits)
	}
	if c.MinRTO <= 0 || c.MaxRTO < c.MinRTO {
		return fmt.Errorf("config: rto bounds invalid: min %v max %v", c.MinRTO, c.MaxRTO)
	}
	return nil
}
