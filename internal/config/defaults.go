package config

import (
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override: QUARTERPATCH_SSH_USER sets ssh.user.
const EnvPrefix = "QUARTERPATCH"

// SetDefaults registers a default for every key. Keys without a default are
// invisible to AutomaticEnv during Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)

	v.SetDefault("storage.path", "./data/badger")
	v.SetDefault("storage.in_memory", false)

	// empty url selects the logging notifier
	v.SetDefault("nats.url", "")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("grpc.addr", ":50051")

	v.SetDefault("tracing.exporter", "none")
	v.SetDefault("tracing.service_name", "quarterpatch")

	v.SetDefault("ssh.user", "root")
	v.SetDefault("ssh.port", 22)
	v.SetDefault("ssh.key_path", "")
	v.SetDefault("ssh.password", "")
	v.SetDefault("ssh.known_hosts", "")
	v.SetDefault("ssh.insecure_ignore_host_key", false)
	v.SetDefault("ssh.connect_timeout", "10s")

	v.SetDefault("remote.phase_timeout", "30m")
	v.SetDefault("remote.command_timeout", "20m")
	v.SetDefault("remote.connect_retries", 3)
	v.SetDefault("remote.retry_initial", "2s")
	v.SetDefault("remote.retry_max", "30s")
	v.SetDefault("remote.trigger_reboot", true)
	v.SetDefault("remote.reboot_command", "shutdown -r +1")
	v.SetDefault("remote.thresholds.root_disk_percent", 80.0)
	v.SetDefault("remote.thresholds.boot_disk_percent", 70.0)
	v.SetDefault("remote.thresholds.var_disk_percent", 85.0)
	v.SetDefault("remote.thresholds.load_per_cpu", 2.0)
	v.SetDefault("remote.thresholds.memory_percent", 90.0)
	v.SetDefault("remote.vendor.boot_order_vendors", []string{})

	v.SetDefault("schedule.window_start", 20)
	v.SetDefault("schedule.window_end", 24)
	v.SetDefault("schedule.max_per_hour", 5)
	v.SetDefault("schedule.group_limits", map[string]int{})
	v.SetDefault("schedule.group_priority", map[string]int{})
	v.SetDefault("schedule.freeze", "thursday-tuesday")

	v.SetDefault("workflow.precheck_lead", "2h")
	v.SetDefault("workflow.recheck_delay", "30m")
	v.SetDefault("workflow.max_auto_rechecks", 1)
	v.SetDefault("workflow.rollback_on_execution_failure", false)

	v.SetDefault("batch.workers", 5)
	v.SetDefault("batch.reboot_wait", "15m")
	v.SetDefault("batch.poll_interval", "5m")
}

// bindSensitiveEnv binds credentials explicitly so they never need to be
// written to the config file.
func bindSensitiveEnv(v *viper.Viper) {
	_ = v.BindEnv("ssh.password", EnvPrefix+"_SSH_PASSWORD")
	_ = v.BindEnv("ssh.key_path", EnvPrefix+"_SSH_KEY_PATH")
	_ = v.BindEnv("nats.url", EnvPrefix+"_NATS_URL", "NATS_URL")
}
