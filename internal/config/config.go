package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
	"k8s.io/utils/ptr"
)

// Config is the daemon configuration. It is read from an optional YAML file
// and then overridden from the environment.
type Config struct {
	NodeName        string        `yaml:"nodeName"`
	ProcRoot        string        `yaml:"procRoot"`
	SysRoot         string        `yaml:"sysRoot"`
	AdminAddr       string        `yaml:"adminAddr"`
	FrequencyStep   uint          `yaml:"frequencyStepKHz"`
	TickGranularity time.Duration `yaml:"tickGranularity"`
	StatCacheTTL    time.Duration `yaml:"statCacheTTL"`
	// EnsureUserspace switches every governed policy to the kernel
	// userspace governor at startup. Defaults to true.
	EnsureUserspace *bool `yaml:"ensureUserspace"`
	// ModeClassifier enables the single/multi workload classifier.
	// Defaults to true.
	ModeClassifier *bool `yaml:"modeClassifier"`
	// CoordinatorNice pins the speed-change goroutine to an OS thread
	// running at this nice value.
	CoordinatorNice *int          `yaml:"coordinatorNice"`
	Uncore          *UncoreConfig `yaml:"uncore"`
	Admin           AdminConfig   `yaml:"admin"`

	// Tunables are applied in file order to the parameter set selected by
	// param_index, then ParameterSets are applied set by set.
	Tunables      Tunables          `yaml:"tunables"`
	ParameterSets map[uint]Tunables `yaml:"parameterSets"`
}

// UncoreConfig is the uncore frequency range in kHz held while a special
// workload mode is active, and the range restored afterwards.
type UncoreConfig struct {
	RetainedMin uint `yaml:"retainedMinKHz"`
	RetainedMax uint `yaml:"retainedMaxKHz"`
	RelaxedMin  uint `yaml:"relaxedMinKHz"`
	RelaxedMax  uint `yaml:"relaxedMaxKHz"`
}

type AdminConfig struct {
	// WriteRate limits mutating admin requests per second.
	WriteRate  float64 `yaml:"writeRate"`
	WriteBurst int     `yaml:"writeBurst"`
}

// Tunable is one name/value pair of the governor configuration surface.
type Tunable struct {
	Name  string
	Value string
}

// Tunables keeps the order of a YAML mapping, since later writes may depend
// on earlier ones.
type Tunables []Tunable

func (t *Tunables) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: tunables must be a mapping", node.Line)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		if value.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: tunable %q must be a scalar", value.Line, key.Value)
		}
		*t = append(*t, Tunable{Name: key.Value, Value: value.Value})
	}
	return nil
}

// TunableSetter is the write side of the governor configuration surface.
type TunableSetter interface {
	Set(name, value string) error
}

const (
	defaultProcRoot        = "/proc"
	defaultSysRoot         = "/sys"
	defaultAdminAddr       = ":10001"
	defaultFrequencyStep   = 100000
	defaultTickGranularity = time.Millisecond
	defaultStatCacheTTL    = time.Millisecond
	defaultAdminWriteRate  = 10
	defaultAdminWriteBurst = 20

	paramIndexTunable = "param_index"
	numParamSets      = 4
)

func defaults() *Config {
	return &Config{
		ProcRoot:        defaultProcRoot,
		SysRoot:         defaultSysRoot,
		AdminAddr:       defaultAdminAddr,
		FrequencyStep:   defaultFrequencyStep,
		TickGranularity: defaultTickGranularity,
		StatCacheTTL:    defaultStatCacheTTL,
		Admin: AdminConfig{
			WriteRate:  defaultAdminWriteRate,
			WriteBurst: defaultAdminWriteBurst,
		},
	}
}

// Load reads path, if set, on top of the defaults and applies environment
// overrides.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.NodeName = getEnv("NODE_NAME", cfg.NodeName)
	cfg.ProcRoot = getEnv("GOVERNOR_PROC_ROOT", cfg.ProcRoot)
	cfg.SysRoot = getEnv("GOVERNOR_SYS_ROOT", cfg.SysRoot)
	cfg.AdminAddr = getEnv("GOVERNOR_ADMIN_ADDR", cfg.AdminAddr)
	cfg.FrequencyStep = uint(getEnvInt("GOVERNOR_FREQ_STEP_KHZ", int(cfg.FrequencyStep)))
	cfg.TickGranularity = time.Duration(getEnvInt("GOVERNOR_TICK_GRANULARITY_US",
		int(cfg.TickGranularity/time.Microsecond))) * time.Microsecond
	if v := os.Getenv("GOVERNOR_COORDINATOR_NICE"); v != "" {
		nice, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("GOVERNOR_COORDINATOR_NICE must be an integer: %w", err)
		}
		cfg.CoordinatorNice = ptr.To(nice)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ProcRoot == "" {
		return fmt.Errorf("procRoot is required")
	}
	if c.SysRoot == "" {
		return fmt.Errorf("sysRoot is required")
	}
	if c.AdminAddr == "" {
		return fmt.Errorf("adminAddr is required")
	}
	if c.FrequencyStep == 0 {
		return fmt.Errorf("frequencyStepKHz must be positive")
	}
	if c.TickGranularity <= 0 {
		return fmt.Errorf("tickGranularity must be positive")
	}
	if c.StatCacheTTL < 0 {
		return fmt.Errorf("statCacheTTL must not be negative")
	}
	if nice := ptr.Deref(c.CoordinatorNice, 0); nice < -20 || nice > 19 {
		return fmt.Errorf("coordinatorNice %d is outside -20..19", nice)
	}
	if u := c.Uncore; u != nil {
		if u.RetainedMin > u.RetainedMax || u.RelaxedMin > u.RelaxedMax {
			return fmt.Errorf("uncore minimum must not exceed maximum")
		}
	}
	if c.Admin.WriteRate <= 0 || c.Admin.WriteBurst <= 0 {
		return fmt.Errorf("admin writeRate and writeBurst must be positive")
	}
	for index := range c.ParameterSets {
		if index >= numParamSets {
			return fmt.Errorf("parameter set %d is outside 0..%d", index, numParamSets-1)
		}
	}
	return nil
}

// EnsureUserspaceEnabled reports whether startup switches policies to the
// userspace governor.
func (c *Config) EnsureUserspaceEnabled() bool {
	return ptr.Deref(c.EnsureUserspace, true)
}

// ModeClassifierEnabled reports whether the workload classifier runs.
func (c *Config) ModeClassifierEnabled() bool {
	return ptr.Deref(c.ModeClassifier, true)
}

// ApplyTunables writes the configured tunables through target, so every
// value goes through the same validation as a runtime write. The first
// failure stops the sequence.
func (c *Config) ApplyTunables(target TunableSetter) error {
	for _, t := range c.Tunables {
		if err := target.Set(t.Name, t.Value); err != nil {
			return fmt.Errorf("failed to apply tunable %s: %w", t.Name, err)
		}
	}
	if len(c.ParameterSets) == 0 {
		return nil
	}

	indexes := make([]uint, 0, len(c.ParameterSets))
	for index := range c.ParameterSets {
		indexes = append(indexes, index)
	}
	slices.Sort(indexes)
	for _, index := range indexes {
		if err := target.Set(paramIndexTunable, strconv.FormatUint(uint64(index), 10)); err != nil {
			return fmt.Errorf("failed to select parameter set %d: %w", index, err)
		}
		for _, t := range c.ParameterSets[index] {
			if err := target.Set(t.Name, t.Value); err != nil {
				return fmt.Errorf("failed to apply tunable %s to parameter set %d: %w", t.Name, index, err)
			}
		}
	}
	return target.Set(paramIndexTunable, "0")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
