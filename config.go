package seqring

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/exp/slog"
)

// ProducerMode selects the claim protocol.
type ProducerMode uint8

const (
	SingleProducer ProducerMode = iota
	MultiProducer
)

func (m ProducerMode) String() string {
	switch m {
	case SingleProducer:
		return "single"
	case MultiProducer:
		return "multi"
	}
	return fmt.Sprintf("ProducerMode(%d)", m)
}

func (m *ProducerMode) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "single", "":
		*m = SingleProducer
	case "multi":
		*m = MultiProducer
	default:
		return fmt.Errorf("%w: unknown producer mode %q", ErrInvalidConfiguration, b)
	}
	return nil
}

func (m ProducerMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// ConsumerMode selects how published sequences are shared between consumers.
type ConsumerMode uint8

const (
	// SingleConsumer: one registered reader, one gating sequence.
	SingleConsumer ConsumerMode = iota
	// FixedMultiConsumer: a fixed set of readers, each sees every sequence.
	FixedMultiConsumer
	// WorkStealing: a dynamic pool, each sequence goes to exactly one reader.
	WorkStealing
)

func (m ConsumerMode) String() string {
	switch m {
	case SingleConsumer:
		return "single"
	case FixedMultiConsumer:
		return "fixed-multi"
	case WorkStealing:
		return "work-stealing"
	}
	return fmt.Sprintf("ConsumerMode(%d)", m)
}

func (m *ConsumerMode) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "single", "":
		*m = SingleConsumer
	case "fixed-multi", "fixed", "multi":
		*m = FixedMultiConsumer
	case "work-stealing", "stealing":
		*m = WorkStealing
	default:
		return fmt.Errorf("%w: unknown consumer mode %q", ErrInvalidConfiguration, b)
	}
	return nil
}

func (m ConsumerMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// WaitKind names a built-in wait strategy.
type WaitKind uint8

const (
	WaitYield WaitKind = iota
	WaitSpin
	WaitPark
)

func (k WaitKind) String() string {
	switch k {
	case WaitYield:
		return "yield"
	case WaitSpin:
		return "spin"
	case WaitPark:
		return "park"
	}
	return fmt.Sprintf("WaitKind(%d)", k)
}

func (k *WaitKind) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "yield", "":
		*k = WaitYield
	case "spin", "busy-spin":
		*k = WaitSpin
	case "park", "sleep":
		*k = WaitPark
	default:
		return fmt.Errorf("%w: unknown wait strategy %q", ErrInvalidConfiguration, b)
	}
	return nil
}

func (k WaitKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Duration is a time.Duration that decodes from strings like "250us".
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

const (
	DefaultSlotSize    = 64
	DefaultStealBatch  = 16
	DefaultParkTimeout = 100 * time.Microsecond
)

// Config describes a ring. Capacity is the only required field.
type Config struct {
	Capacity    uint64       `toml:"capacity"`
	SlotSize    int          `toml:"slot_size"`
	Producer    ProducerMode `toml:"producer_mode"`
	Consumer    ConsumerMode `toml:"consumer_mode"`
	Consumers   int          `toml:"consumers"`   // registered set size for FixedMultiConsumer
	StealBatch  int          `toml:"steal_batch"` // max sequences per steal
	Wait        WaitKind     `toml:"wait_strategy"`
	ParkTimeout Duration     `toml:"park_timeout"`

	// WaitStrategy overrides Wait/ParkTimeout when set.
	WaitStrategy WaitStrategy `toml:"-"`
	Logger       *slog.Logger `toml:"-"`
}

// Option adjusts a Config.
type Option func(*Config)

func WithCapacity(n uint64) Option { return func(c *Config) { c.Capacity = n } }

func WithSlotSize(n int) Option { return func(c *Config) { c.SlotSize = n } }

func WithProducer(m ProducerMode) Option { return func(c *Config) { c.Producer = m } }

// WithConsumer sets the consumer mode and, for FixedMultiConsumer, the size
// of the registered set.
func WithConsumer(m ConsumerMode, consumers int) Option {
	return func(c *Config) {
		c.Consumer = m
		c.Consumers = consumers
	}
}

func WithStealBatch(n int) Option { return func(c *Config) { c.StealBatch = n } }

func WithWaitStrategy(w WaitStrategy) Option { return func(c *Config) { c.WaitStrategy = w } }

func WithLogger(l *slog.Logger) Option { return func(c *Config) { c.Logger = l } }

// NewConfig builds a Config from options on top of the defaults.
func NewConfig(opts ...Option) Config {
	var c Config
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// ParseConfig decodes a TOML document. Unknown keys are rejected.
func ParseConfig(text string, opts ...Option) (Config, error) {
	var c Config
	md, err := toml.Decode(text, &c)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	return finishDecode(c, md, opts)
}

// LoadConfig reads a TOML file. Unknown keys are rejected.
func LoadConfig(path string, opts ...Option) (Config, error) {
	var c Config
	md, err := toml.DecodeFile(path, &c)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalidConfiguration, path, err)
	}
	return finishDecode(c, md, opts)
}

func finishDecode(c Config, md toml.MetaData, opts []Option) (Config, error) {
	if keys := md.Undecoded(); len(keys) > 0 {
		return Config{}, fmt.Errorf("%w: unknown keys %v", ErrInvalidConfiguration, keys)
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c, nil
}

// withDefaults fills zero fields and checks the result.
func (c Config) withDefaults() (Config, error) {
	if c.SlotSize == 0 {
		c.SlotSize = DefaultSlotSize
	}
	if c.StealBatch == 0 {
		c.StealBatch = DefaultStealBatch
	}
	if c.ParkTimeout == 0 {
		c.ParkTimeout = Duration(DefaultParkTimeout)
	}
	if c.Consumer != FixedMultiConsumer && c.Consumers == 0 {
		c.Consumers = 1
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.WaitStrategy == nil {
		c.WaitStrategy = c.Wait.strategy(time.Duration(c.ParkTimeout))
	}
	return c, c.validate()
}

func (c Config) validate() error {
	switch {
	case c.Capacity == 0 || c.Capacity&(c.Capacity-1) != 0:
		return fmt.Errorf("%w: capacity %d must be a power of two", ErrInvalidConfiguration, c.Capacity)
	case c.Capacity < 2:
		return fmt.Errorf("%w: capacity must be at least 2", ErrInvalidConfiguration)
	case c.SlotSize <= 0 || c.SlotSize%8 != 0:
		return fmt.Errorf("%w: slot size %d must be a positive multiple of 8", ErrInvalidConfiguration, c.SlotSize)
	case c.Producer > MultiProducer:
		return fmt.Errorf("%w: %v", ErrInvalidConfiguration, c.Producer)
	case c.Consumer > WorkStealing:
		return fmt.Errorf("%w: %v", ErrInvalidConfiguration, c.Consumer)
	case c.Consumer == FixedMultiConsumer && c.Consumers < 1:
		return fmt.Errorf("%w: fixed-multi needs at least one consumer, got %d", ErrInvalidConfiguration, c.Consumers)
	case c.Consumer == SingleConsumer && c.Consumers != 1:
		return fmt.Errorf("%w: single consumer mode with %d consumers", ErrInvalidConfiguration, c.Consumers)
	case c.StealBatch < 1:
		return fmt.Errorf("%w: steal batch %d", ErrInvalidConfiguration, c.StealBatch)
	case c.ParkTimeout < 0:
		return fmt.Errorf("%w: negative park timeout", ErrInvalidConfiguration)
	}
	return nil
}
