// Package config loads patchd settings from a YAML file, environment
// variables and built-in defaults, in increasing order of precedence.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/devghori1264/quarterpatch/internal/calendar"
	"github.com/devghori1264/quarterpatch/internal/errors"
	"github.com/devghori1264/quarterpatch/internal/orchestrator"
	"github.com/devghori1264/quarterpatch/internal/remote"
	"github.com/devghori1264/quarterpatch/internal/scheduler"
	"github.com/devghori1264/quarterpatch/internal/storage"
	"github.com/devghori1264/quarterpatch/internal/tracing"
	"github.com/devghori1264/quarterpatch/internal/workflow"
)

// Config is the full daemon configuration.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Storage  StorageConfig  `mapstructure:"storage"`
	NATS     NATSConfig     `mapstructure:"nats"`
	HTTP     ListenConfig   `mapstructure:"http"`
	GRPC     ListenConfig   `mapstructure:"grpc"`
	Tracing  tracing.Config `mapstructure:"tracing"`
	SSH      SSHConfig      `mapstructure:"ssh"`
	Remote   RemoteConfig   `mapstructure:"remote"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Workflow WorkflowConfig `mapstructure:"workflow"`
	Batch    BatchConfig    `mapstructure:"batch"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

type StorageConfig struct {
	Path     string `mapstructure:"path"`
	InMemory bool   `mapstructure:"in_memory"`
}

type NATSConfig struct {
	URL string `mapstructure:"url"`
}

type ListenConfig struct {
	Addr string `mapstructure:"addr"`
}

type SSHConfig struct {
	User                  string        `mapstructure:"user"`
	Port                  int           `mapstructure:"port"`
	KeyPath               string        `mapstructure:"key_path"`
	Password              string        `mapstructure:"password"`
	KnownHosts            string        `mapstructure:"known_hosts"`
	InsecureIgnoreHostKey bool          `mapstructure:"insecure_ignore_host_key"`
	ConnectTimeout        time.Duration `mapstructure:"connect_timeout"`
}

type RemoteConfig struct {
	PhaseTimeout   time.Duration     `mapstructure:"phase_timeout"`
	CommandTimeout time.Duration     `mapstructure:"command_timeout"`
	ConnectRetries int               `mapstructure:"connect_retries"`
	RetryInitial   time.Duration     `mapstructure:"retry_initial"`
	RetryMax       time.Duration     `mapstructure:"retry_max"`
	TriggerReboot  bool              `mapstructure:"trigger_reboot"`
	RebootCommand  string            `mapstructure:"reboot_command"`
	Thresholds     remote.Thresholds `mapstructure:"thresholds"`
	Vendor         VendorConfig      `mapstructure:"vendor"`
}

type VendorConfig struct {
	// BootOrderVendors limits the EFI boot-order fix to these DMI vendors.
	// Empty applies it to every EFI host.
	BootOrderVendors []string `mapstructure:"boot_order_vendors"`
}

type ScheduleConfig struct {
	WindowStart   int            `mapstructure:"window_start"`
	WindowEnd     int            `mapstructure:"window_end"`
	MaxPerHour    int            `mapstructure:"max_per_hour"`
	GroupLimits   map[string]int `mapstructure:"group_limits"`
	GroupPriority map[string]int `mapstructure:"group_priority"`
	Freeze        string         `mapstructure:"freeze"`
}

type WorkflowConfig struct {
	PrecheckLead               time.Duration `mapstructure:"precheck_lead"`
	RecheckDelay               time.Duration `mapstructure:"recheck_delay"`
	MaxAutoRechecks            int           `mapstructure:"max_auto_rechecks"`
	RollbackOnExecutionFailure bool          `mapstructure:"rollback_on_execution_failure"`
}

type BatchConfig struct {
	Workers      int           `mapstructure:"workers"`
	RebootWait   time.Duration `mapstructure:"reboot_wait"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindSensitiveEnv(v)
	SetDefaults(v)
	return v
}

// Load reads path when given, otherwise quarterpatch.yaml from the working
// directory or /etc/quarterpatch when present.
func Load(path string) (*Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	} else {
		v.SetConfigName("quarterpatch")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/quarterpatch")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, errors.Wrap(err, "read config")
			}
		}
	}
	return FromViper(v)
}

// FromViper decodes and validates v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the components would misbehave on.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return errors.Wrapf(errors.ErrValidationFailed, "config: "+format, args...)
	}
	s := c.Schedule
	if s.WindowStart < 0 || s.WindowEnd > 24 || s.WindowEnd <= s.WindowStart {
		return invalid("schedule window %d-%d is empty or out of range", s.WindowStart, s.WindowEnd)
	}
	if s.MaxPerHour < 1 {
		return invalid("schedule.max_per_hour must be at least 1")
	}
	if _, err := calendar.ParseFreezeWindow(s.Freeze); err != nil {
		return errors.Wrap(err, "config: schedule.freeze")
	}
	if c.Batch.Workers < 1 {
		return invalid("batch.workers must be at least 1")
	}
	if c.Batch.PollInterval < 0 || c.Batch.RebootWait < 0 {
		return invalid("batch durations must not be negative")
	}
	if c.Remote.ConnectRetries < 0 {
		return invalid("remote.connect_retries must not be negative")
	}
	if c.Workflow.MaxAutoRechecks < 0 {
		return invalid("workflow.max_auto_rechecks must not be negative")
	}
	if !c.Storage.InMemory && c.Storage.Path == "" {
		return errors.WithHint(invalid("storage.path is empty"), "set storage.path or storage.in_memory")
	}
	return nil
}

// Orchestrator converts the scheduling, workflow and batch sections.
func (c *Config) Orchestrator() orchestrator.Config {
	freeze, _ := calendar.ParseFreezeWindow(c.Schedule.Freeze)
	return orchestrator.Config{
		Workers:       c.Batch.Workers,
		MaxPerHour:    c.Schedule.MaxPerHour,
		GroupLimits:   c.Schedule.GroupLimits,
		GroupPriority: c.Schedule.GroupPriority,
		Window:        scheduler.Window{StartHour: c.Schedule.WindowStart, EndHour: c.Schedule.WindowEnd},
		Freeze:        freeze,
		Policy: workflow.Policy{
			PrecheckLead:               c.Workflow.PrecheckLead,
			RecheckDelay:               c.Workflow.RecheckDelay,
			MaxAutoRechecks:            c.Workflow.MaxAutoRechecks,
			RollbackOnExecutionFailure: c.Workflow.RollbackOnExecutionFailure,
		},
		RebootWait: c.Batch.RebootWait,
	}
}

// Engine converts the remote section.
func (c *Config) Engine() remote.Config {
	r := c.Remote
	return remote.Config{
		PhaseTimeout:   r.PhaseTimeout,
		CommandTimeout: r.CommandTimeout,
		ConnectRetries: r.ConnectRetries,
		RetryInitial:   r.RetryInitial,
		RetryMax:       r.RetryMax,
		Thresholds:     r.Thresholds,
		TriggerReboot:  r.TriggerReboot,
		RebootCommand:  r.RebootCommand,
	}
}

// VendorPlugins builds the configured vendor plugins.
func (c *Config) VendorPlugins() []remote.VendorPlugin {
	return []remote.VendorPlugin{remote.BootOrderPlugin{Vendors: c.Remote.Vendor.BootOrderVendors}}
}

func (c *Config) Transport() remote.SSHConfig {
	s := c.SSH
	return remote.SSHConfig{
		User:                  s.User,
		Port:                  s.Port,
		KeyPath:               s.KeyPath,
		Password:              s.Password,
		KnownHostsPath:        s.KnownHosts,
		InsecureIgnoreHostKey: s.InsecureIgnoreHostKey,
		ConnectTimeout:        s.ConnectTimeout,
	}
}

func (c *Config) Store(log *zap.SugaredLogger) storage.Options {
	return storage.Options{Path: c.Storage.Path, InMemory: c.Storage.InMemory, Logger: log}
}
