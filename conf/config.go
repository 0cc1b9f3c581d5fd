package conf

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

var (
	Path string
	Port int
)

var ErrInvalidConfig = errors.New("invalid configuration")

const (
	DefaultRegion       = "eu-west-1"
	DefaultReAttempts   = 3
	DefaultBackoff      = 100 * time.Millisecond
	DefaultPollInterval = 5 * time.Second
	DefaultMaxWait      = 60 * time.Second
	DefaultPort         = 8080
)

func LoadEnv(cli *cli.Context) error {
	path := cli.String("path")
	if path == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return err
		}

		path = homeDir + "/.notification"
	}

	Path = path
	Port = cli.Int("port")
	return nil
}

func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path + "/config.yaml")
	if err != nil {
		f, err = os.Open(path + "/config.example.yaml")
		if err != nil {
			return nil, err
		}
	}
	defer f.Close()

	r := NewEnvExpandedReader(f)

	cfg := Default()
	if err := yaml.NewDecoder(r).Decode(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func Default() *Config {
	return &Config{
		Region:      DefaultRegion,
		Publisher:   Publisher{Retry: DefaultRetry()},
		Consistency: DefaultConsistency(),
		Backend:     Backend{Driver: InMem},
		Transports: Transports{
			HTTP: HTTP{Port: DefaultPort},
		},
	}
}

type Config struct {
	Name          string         `yaml:"name"`
	Region        string         `yaml:"region"`
	Component     string         `yaml:"component"`
	Tenant        string         `yaml:"tenant"`
	Publisher     Publisher      `yaml:"publisher"`
	Consistency   Consistency    `yaml:"consistency"`
	Backend       Backend        `yaml:"backend"`
	Publishers    []Subscription `yaml:"publishers"`
	Subscriptions []Subscription `yaml:"subscriptions"`
	Transports    Transports     `yaml:"transports"`
}

func (cfg *Config) Validate() error {
	if cfg.Region == "" {
		return fmt.Errorf("%w: region required", ErrInvalidConfig)
	}

	if err := cfg.Publisher.Retry.Validate(); err != nil {
		return err
	}

	for _, p := range cfg.Publishers {
		if err := p.Validate(); err != nil {
			return err
		}
	}

	for _, s := range cfg.Subscriptions {
		if err := s.ValidateSubscriber(); err != nil {
			return err
		}
	}

	return nil
}

// Retry holds publishFailureReAttempts and publishFailureBackoffMilliseconds.
type Retry struct {
	ReAttempts int
	Backoff    time.Duration
}

func DefaultRetry() Retry {
	return Retry{
		ReAttempts: DefaultReAttempts,
		Backoff:    DefaultBackoff,
	}
}

func (r Retry) Validate() error {
	if r.ReAttempts < 0 {
		return fmt.Errorf("%w: reAttempts must not be negative", ErrInvalidConfig)
	}

	if r.Backoff < 0 {
		return fmt.Errorf("%w: backoff must not be negative", ErrInvalidConfig)
	}

	return nil
}

func (r *Retry) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		ReAttempts *int   `yaml:"reAttempts"`
		Backoff    string `yaml:"backoff"`
	}

	if err := value.Decode(&raw); err != nil {
		return err
	}

	*r = DefaultRetry()
	if raw.ReAttempts != nil {
		r.ReAttempts = *raw.ReAttempts
	}

	if raw.Backoff != "" {
		backoff, err := ParseMilliseconds(raw.Backoff)
		if err != nil {
			return err
		}

		r.Backoff = backoff
	}

	return nil
}

// ParseMilliseconds accepts either a Go duration ("250ms") or a bare
// integer, read as milliseconds.
func ParseMilliseconds(s string) (time.Duration, error) {
	if ms, err := strconv.Atoi(s); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}

	return time.ParseDuration(s)
}

type Publisher struct {
	Retry     Retry
	RateLimit float64
}

func (p *Publisher) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		RateLimit float64 `yaml:"rateLimit"`
	}

	if err := value.Decode(&raw); err != nil {
		return err
	}

	var retry Retry
	if err := value.Decode(&retry); err != nil {
		return err
	}

	if raw.RateLimit < 0 {
		return fmt.Errorf("%w: rateLimit must not be negative", ErrInvalidConfig)
	}

	p.Retry = retry
	p.RateLimit = raw.RateLimit

	return nil
}

type Consistency struct {
	PollInterval time.Duration
	MaxWait      time.Duration
}

func DefaultConsistency() Consistency {
	return Consistency{
		PollInterval: DefaultPollInterval,
		MaxWait:      DefaultMaxWait,
	}
}

func (c *Consistency) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		PollInterval string `yaml:"pollInterval"`
		MaxWait      string `yaml:"maxWait"`
	}

	if err := value.Decode(&raw); err != nil {
		return err
	}

	*c = DefaultConsistency()

	if raw.PollInterval != "" {
		interval, err := time.ParseDuration(raw.PollInterval)
		if err != nil {
			return err
		}

		c.PollInterval = interval
	}

	if raw.MaxWait != "" {
		max, err := time.ParseDuration(raw.MaxWait)
		if err != nil {
			return err
		}

		c.MaxWait = max
	}

	return nil
}

type BackendDriver int

const (
	AWS BackendDriver = iota
	NATS
	BadgerDB
	InMem
)

func ParseBackendDriver(driver string) (BackendDriver, error) {
	switch driver {
	case "aws":
		return AWS, nil
	case "nats":
		return NATS, nil
	case "badger":
		return BadgerDB, nil
	case "inmem":
		return InMem, nil
	default:
		return -1, errors.New("driver not supported")
	}
}

func (driver BackendDriver) String() string {
	switch driver {
	case AWS:
		return "aws"
	case NATS:
		return "nats"
	case BadgerDB:
		return "badger"
	case InMem:
		return "inmem"
	default:
		return "unknown"
	}
}

type Backend struct {
	Driver   BackendDriver
	URL      string
	Path     string
	InMem    bool
	Endpoint string
}

func (b *Backend) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Driver   string `yaml:"driver"`
		URL      string `yaml:"url"`
		Path     string `yaml:"path"`
		InMem    bool   `yaml:"inmem"`
		Endpoint string `yaml:"endpoint"`
	}

	if err := value.Decode(&raw); err != nil {
		return err
	}

	driver := InMem
	if raw.Driver != "" {
		d, err := ParseBackendDriver(raw.Driver)
		if err != nil {
			return err
		}

		driver = d
	}

	b.Driver = driver
	b.URL = raw.URL
	b.Endpoint = raw.Endpoint
	b.InMem = raw.InMem

	b.Path = raw.Path
	if raw.Path == "" {
		b.Path = Path
	}

	return nil
}

// Subscription binds a message type to a topic and, for consumers, a queue.
// It is treated as an immutable value once loaded.
type Subscription struct {
	Key               string
	Topic             string
	Queue             string
	Region            string
	Retry             *Retry
	VisibilityTimeout time.Duration
	RetentionPeriod   time.Duration
}

func (s *Subscription) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Key               string `yaml:"key"`
		Topic             string `yaml:"topic"`
		Queue             string `yaml:"queue"`
		Region            string `yaml:"region"`
		Retry             *Retry `yaml:"retry"`
		VisibilityTimeout string `yaml:"visibilityTimeout"`
		RetentionPeriod   string `yaml:"retentionPeriod"`
	}

	if err := value.Decode(&raw); err != nil {
		return err
	}

	s.Key = raw.Key
	s.Topic = raw.Topic
	s.Queue = raw.Queue
	s.Region = raw.Region
	s.Retry = raw.Retry

	if s.Topic == "" {
		s.Topic = raw.Key
	}

	if raw.VisibilityTimeout != "" {
		timeout, err := time.ParseDuration(raw.VisibilityTimeout)
		if err != nil {
			return err
		}

		s.VisibilityTimeout = timeout
	}

	if raw.RetentionPeriod != "" {
		period, err := time.ParseDuration(raw.RetentionPeriod)
		if err != nil {
			return err
		}

		s.RetentionPeriod = period
	}

	return nil
}

func (s Subscription) Validate() error {
	if s.Topic == "" {
		return fmt.Errorf("%w: topic required", ErrInvalidConfig)
	}

	if s.Retry != nil {
		if err := s.Retry.Validate(); err != nil {
			return err
		}
	}

	if s.VisibilityTimeout < 0 || s.RetentionPeriod < 0 {
		return fmt.Errorf("%w: queue attributes must not be negative", ErrInvalidConfig)
	}

	return nil
}

func (s Subscription) ValidateSubscriber() error {
	if err := s.Validate(); err != nil {
		return err
	}

	if s.Queue == "" {
		return fmt.Errorf("%w: queue required for topic %s", ErrInvalidConfig, s.Topic)
	}

	return nil
}

// InRegion returns a copy with the region filled in when it is empty.
func (s Subscription) InRegion(region string) Subscription {
	if s.Region == "" {
		s.Region = region
	}

	return s
}

// RetryOr returns the subscription override, or def when there is none.
func (s Subscription) RetryOr(def Retry) Retry {
	if s.Retry == nil {
		return def
	}

	return *s.Retry
}

func (s Subscription) Equal(other Subscription) bool {
	if s.Key != other.Key ||
		s.Topic != other.Topic ||
		s.Queue != other.Queue ||
		s.Region != other.Region ||
		s.VisibilityTimeout != other.VisibilityTimeout ||
		s.RetentionPeriod != other.RetentionPeriod {
		return false
	}

	if s.Retry == nil || other.Retry == nil {
		return s.Retry == nil && other.Retry == nil
	}

	return *s.Retry == *other.Retry
}

type Transports struct {
	HTTP HTTP `yaml:"http"`
}

type HTTP struct {
	Enabled bool
	Port    int
}

func (h *HTTP) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	}

	if err := value.Decode(&raw); err != nil {
		return err
	}

	h.Enabled = raw.Enabled
	h.Port = raw.Port

	// default
	if h.Port == 0 {
		h.Port = Port
	}

	if h.Port == 0 {
		h.Port = DefaultPort
	}

	return nil
}
