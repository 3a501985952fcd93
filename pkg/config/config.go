// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

// Package config holds the global configuration object. Settings come from
// an optional YAML file, environment variables, and defaults, in that order
// of precedence (file wins over env only for values absent from the env).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/killkrill/killkrill/pkg/util/log"
)

// KillKrill is the global configuration object.
var KillKrill *viper.Viper

// Roles name the binaries for required-setting validation.
const (
	RoleReceiver      = "receiver"
	RoleLogWorker     = "logworker"
	RoleMetricsWorker = "metricsworker"
	RoleSensor        = "sensor"
)

func init() {
	KillKrill = viper.New()
	initConfig(KillKrill)
}

// initConfig binds the environment contract and sets every default.
func initConfig(config *viper.Viper) {
	config.SetConfigName("killkrill")
	config.SetConfigType("yaml")

	// External stores. No defaults on purpose: their absence must be
	// detected by ValidateRequired.
	config.BindEnv("database_url", "DATABASE_URL")         //nolint:errcheck
	config.BindEnv("redis_url", "REDIS_URL")               //nolint:errcheck
	config.BindEnv("elasticsearch_hosts", "ELASTICSEARCH_HOSTS") //nolint:errcheck
	config.BindEnv("prometheus_gateway", "PROMETHEUS_GATEWAY")   //nolint:errcheck
	config.BindEnv("license_key", "LICENSE_KEY")           //nolint:errcheck
	config.BindEnv("jwt_secret", "JWT_SECRET")             //nolint:errcheck

	config.BindEnv("product_name", "PRODUCT_NAME") //nolint:errcheck
	config.SetDefault("product_name", "killkrill")

	// Receiver ingress.
	config.BindEnv("receiver_http_port", "RECEIVER_HTTP_PORT") //nolint:errcheck
	config.SetDefault("receiver_http_port", 8080)
	config.BindEnv("receiver_syslog_port_start", "RECEIVER_SYSLOG_PORT_START") //nolint:errcheck
	config.SetDefault("receiver_syslog_port_start", 10000)
	config.BindEnv("receiver_syslog_port_end", "RECEIVER_SYSLOG_PORT_END") //nolint:errcheck
	config.SetDefault("receiver_syslog_port_end", 10999)

	// Worker pools.
	config.BindEnv("processor_workers", "PROCESSOR_WORKERS") //nolint:errcheck
	config.SetDefault("processor_workers", 2)
	config.BindEnv("max_batch_size", "MAX_BATCH_SIZE") //nolint:errcheck
	config.SetDefault("max_batch_size", 500)
	config.BindEnv("processing_timeout", "PROCESSING_TIMEOUT") //nolint:errcheck
	config.SetDefault("processing_timeout", 30)

	// Control surface and observability.
	config.SetDefault("api_port", 8081)
	config.SetDefault("expvar_port", 5000)
	config.SetDefault("log_level", "info")
	config.SetDefault("log_file", "")
	config.SetDefault("index_prefix", "killkrill")

	// Entitlement gate.
	config.SetDefault("license.validate_url", "https://license.killkrill.dev/api/v1")
	config.SetDefault("license.keepalive_interval", 60*time.Second)
	config.SetDefault("license.allow_degraded", false)

	// Upstream forwarding (submission client); disabled while url is empty.
	config.SetDefault("upstream.url", "")
	config.SetDefault("upstream.rpc_addr", "")
	config.SetDefault("upstream.client_id", "")
	config.SetDefault("upstream.client_secret", "")
	config.SetDefault("upstream.use_rpc", true)
	config.SetDefault("upstream.max_retries", 3)
	config.SetDefault("upstream.queue_size", 1000)

	// Sensor agent.
	config.SetDefault("sensor.agent_id", "")
	config.SetDefault("sensor.api_key", "")
	config.SetDefault("sensor.server_url", "http://localhost:8081")
	config.SetDefault("sensor.poll_interval", 60*time.Second)
	config.SetDefault("sensor.submit_interval", 10*time.Second)
}

// Load reads the optional YAML config file. A missing file at the default
// search paths is fine; an explicit path that cannot be read is an error.
func Load(cfgPath string) error {
	if cfgPath != "" {
		KillKrill.SetConfigFile(cfgPath)
		if err := KillKrill.ReadInConfig(); err != nil {
			return fmt.Errorf("unable to read config file %s: %w", cfgPath, err)
		}
		return nil
	}

	KillKrill.AddConfigPath(".")
	KillKrill.AddConfigPath("/etc/killkrill")
	if err := KillKrill.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Debug("No config file found, relying on env and defaults")
			return nil
		}
		return err
	}
	return nil
}

// requiredByRole maps each binary to the settings it cannot start without.
var requiredByRole = map[string][]string{
	RoleReceiver:      {"database_url", "redis_url", "license_key", "jwt_secret"},
	RoleLogWorker:     {"redis_url", "elasticsearch_hosts", "license_key"},
	RoleMetricsWorker: {"redis_url", "prometheus_gateway", "license_key"},
	RoleSensor:        {"sensor.agent_id", "sensor.api_key"},
}

// ValidateRequired returns an error naming the first missing required
// setting for the given role. Callers treat that as fatal.
func ValidateRequired(role string) error {
	for _, key := range requiredByRole[role] {
		if strings.TrimSpace(KillKrill.GetString(key)) == "" {
			return fmt.Errorf("missing required setting %q (set %s)", key, envHint(key))
		}
	}

	start := KillKrill.GetInt("receiver_syslog_port_start")
	end := KillKrill.GetInt("receiver_syslog_port_end")
	if role == RoleReceiver && start > end {
		return fmt.Errorf("receiver_syslog_port_start %d exceeds receiver_syslog_port_end %d", start, end)
	}
	return nil
}

func envHint(key string) string {
	return strings.ToUpper(strings.NewReplacer(".", "_").Replace(key))
}
