package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/c360/taskflow/errors"
)

// Bus kinds
const (
	BusMemory = "memory" // in-process mailboxes
	BusNATS   = "nats"   // NATS subjects, local mailboxes
)

// Store kinds
const (
	StoreMemory = "memory" // lost on restart
	StoreKV     = "kv"     // NATS JetStream key-value bucket
	StoreNone   = "none"   // flows are not persisted
)

// Config is the daemon configuration
type Config struct {
	Engine   EngineConfig  `json:"engine"`
	Bus      BusConfig     `json:"bus"`
	NATS     NATSConfig    `json:"nats"`
	Store    StoreConfig   `json:"store"`
	Metrics  MetricsConfig `json:"metrics"`
	FlowFile string        `json:"flow_file,omitempty"`
}

// EngineConfig tunes the engine worker
type EngineConfig struct {
	QueueDepth    int      `json:"queue_depth"    validate:"min=1,max=1024"`
	SubmitTimeout Duration `json:"submit_timeout" validate:"min=0"`
	ConfigPolicy  string   `json:"config_policy"  validate:"oneof=best_effort strict"`
}

// BusConfig selects and tunes the event bus
type BusConfig struct {
	Kind          string `json:"kind"           validate:"oneof=memory nats"`
	MailboxSize   int    `json:"mailbox_size"   validate:"min=1,max=65536"`
	SubjectPrefix string `json:"subject_prefix" validate:"required,excludesall=*>"`
	Origin        string `json:"origin,omitempty"`
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URLs          []string `json:"urls,omitempty" validate:"dive,url"`
	Name          string   `json:"name,omitempty"`
	MaxReconnects int      `json:"max_reconnects" validate:"min=-1"`
	ReconnectWait Duration `json:"reconnect_wait" validate:"min=0"`
	PingInterval  Duration `json:"ping_interval"  validate:"min=0"`
	DrainTimeout  Duration `json:"drain_timeout"  validate:"min=0"`
	Username      string   `json:"username,omitempty"`
	Password      string   `json:"password,omitempty"`
	Token         string   `json:"token,omitempty"`
}

// StoreConfig selects where the active flow is persisted
type StoreConfig struct {
	Kind   string `json:"kind"   validate:"oneof=memory kv none"`
	Bucket string `json:"bucket" validate:"required_if=Kind kv"`
}

// MetricsConfig configures the Prometheus endpoint; an empty Addr disables it
type MetricsConfig struct {
	Addr string `json:"addr,omitempty" validate:"omitempty,hostname_port"`
}

// Defaults returns the configuration used when no file sets a field
func Defaults() *Config {
	return &Config{
		Engine: EngineConfig{
			QueueDepth:    3,
			SubmitTimeout: Duration(2 * time.Second),
			ConfigPolicy:  "best_effort",
		},
		Bus: BusConfig{
			Kind:          BusMemory,
			MailboxSize:   16,
			SubjectPrefix: "taskflow",
		},
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			Name:          "taskflowd",
			MaxReconnects: -1,
			ReconnectWait: Duration(2 * time.Second),
			PingInterval:  Duration(30 * time.Second),
			DrainTimeout:  Duration(10 * time.Second),
		},
		Store: StoreConfig{
			Kind:   StoreMemory,
			Bucket: "taskflow_flows",
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
	}
}

var validate = validator.New()

// Validate checks field constraints and the cross-section requirements
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err), "Config", "Validate", "field validation")
	}
	if c.NeedsNATS() && len(c.NATS.URLs) == 0 {
		return errors.Invalidf(errors.ErrInvalidConfig, "Config", "Validate",
			"bus.kind %q and store.kind %q need nats.urls", c.Bus.Kind, c.Store.Kind)
	}
	return nil
}

// NeedsNATS reports whether the configured bus or store talks to NATS
func (c *Config) NeedsNATS() bool {
	return c.Bus.Kind == BusNATS || c.Store.Kind == StoreKV
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return Defaults()
	}
	clone := *c
	clone.NATS.URLs = append([]string(nil), c.NATS.URLs...)
	return &clone
}

// String renders the configuration as JSON with credentials masked
func (c *Config) String() string {
	redacted := c.Clone()
	for _, s := range []*string{&redacted.NATS.Password, &redacted.NATS.Token} {
		if *s != "" {
			*s = "***"
		}
	}
	data, err := json.Marshal(redacted)
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}

// Duration is a time.Duration that reads "1.5s" style strings or nanoseconds
type Duration time.Duration

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// MarshalJSON encodes the duration as a string
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		*d = Duration(val)
	case string:
		parsed, err := time.ParseDuration(strings.TrimSpace(val))
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %s", string(data))
	}
	return nil
}
