package session

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opd-ai/lanewire/ack"
	"github.com/opd-ai/lanewire/frag"
	"github.com/opd-ai/lanewire/lane"
)

// packetHeaderLen is the fixed per-packet overhead: the 2-byte packet
// sequence plus the acknowledgement header.
const packetHeaderLen = 2 + ack.HeaderLen

// minimumMinMTU is the smallest usable minimum MTU: room for the packet
// header, a worst-case fragment header, and at least one payload byte.
const minimumMinMTU = packetHeaderLen + frag.HeaderMaxLen + 1

// Duration wraps time.Duration so configuration files can spell timeouts
// as strings like "250ms" or "2s".
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// MarshalYAML encodes the duration in time.Duration string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML accepts either a duration string or a plain integer
// nanosecond count.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value on line %d", value.Line)
	}
	*d = Duration(n)
	return nil
}

// Config holds the per-session protocol configuration.
type Config struct {
	// MinMTU is the guaranteed minimum packet size of the link. The fixed
	// fragment payload size is derived from it and never changes, even if
	// the packet ceiling is raised later via SetMTU.
	MinMTU int `yaml:"min_mtu"`
	// InitialMTU is the packet size ceiling Flush starts with. Defaults
	// to MinMTU.
	InitialMTU int `yaml:"initial_mtu"`
	// Lanes declares the session's lanes. At least one is required.
	Lanes []lane.Config `yaml:"lanes"`
	// MemoryBudgetBytes caps the aggregate receive-side bytes, both
	// mid-reassembly and completed-but-gap-blocked, plus the aggregate
	// unacknowledged outgoing fragment bytes. Crossing it is fatal.
	MemoryBudgetBytes int `yaml:"memory_budget_bytes"`
	// RetransmissionTimeoutDefault is the retransmission timeout used
	// before the first RTT sample exists.
	RetransmissionTimeoutDefault Duration `yaml:"retransmission_timeout_default"`
	// RetransmissionTimeoutFactor scales the smoothed RTT into the
	// retransmission timeout once samples exist.
	RetransmissionTimeoutFactor float64 `yaml:"retransmission_timeout_factor"`
	// ReassemblyTimeout drops an in-progress reassembly buffer that has
	// not received a fragment for this long.
	ReassemblyTimeout Duration `yaml:"reassembly_timeout"`
}

// DefaultConfig returns a configuration with conventional defaults and no
// lanes; callers add the lanes their application needs.
func DefaultConfig() Config {
	return Config{
		MinMTU:                       1200,
		MemoryBudgetBytes:            8 << 20,
		RetransmissionTimeoutDefault: Duration(250 * time.Millisecond),
		RetransmissionTimeoutFactor:  1.5,
		ReassemblyTimeout:            Duration(5 * time.Second),
	}
}

// Validate checks the configuration and fills derivable defaults in
// place.
func (c *Config) Validate() error {
	if c.MinMTU < minimumMinMTU {
		return fmt.Errorf("min_mtu %d below minimum %d", c.MinMTU, minimumMinMTU)
	}
	if c.InitialMTU == 0 {
		c.InitialMTU = c.MinMTU
	}
	if c.InitialMTU < c.MinMTU {
		return fmt.Errorf("initial_mtu %d below min_mtu %d", c.InitialMTU, c.MinMTU)
	}
	if len(c.Lanes) == 0 {
		return errors.New("at least one lane is required")
	}
	if c.MemoryBudgetBytes <= 0 {
		return fmt.Errorf("memory_budget_bytes %d must be positive", c.MemoryBudgetBytes)
	}
	if c.RetransmissionTimeoutDefault <= 0 {
		return errors.New("retransmission_timeout_default must be positive")
	}
	if c.RetransmissionTimeoutFactor <= 0 {
		return errors.New("retransmission_timeout_factor must be positive")
	}
	if c.ReassemblyTimeout <= 0 {
		c.ReassemblyTimeout = Duration(5 * time.Second)
	}
	return nil
}

// FragmentPayloadSize returns the fixed per-fragment payload size derived
// from a minimum MTU: what remains after the packet header and a
// worst-case fragment header.
func FragmentPayloadSize(minMTU int) int {
	return minMTU - packetHeaderLen - frag.HeaderMaxLen
}

// ParseConfig decodes and validates a YAML configuration.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads and parses a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	return ParseConfig(data)
}
