// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

package config

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConfig() *viper.Viper {
	c := viper.New()
	initConfig(c)
	return c
}

func TestDefaults(t *testing.T) {
	c := newTestConfig()

	assert.Equal(t, 8080, c.GetInt("receiver_http_port"))
	assert.Equal(t, 10000, c.GetInt("receiver_syslog_port_start"))
	assert.Equal(t, 10999, c.GetInt("receiver_syslog_port_end"))
	assert.Equal(t, 2, c.GetInt("processor_workers"))
	assert.Equal(t, 500, c.GetInt("max_batch_size"))
	assert.Equal(t, "killkrill", c.GetString("product_name"))
	assert.Equal(t, "killkrill", c.GetString("index_prefix"))
	assert.Equal(t, "info", c.GetString("log_level"))
	assert.True(t, c.GetBool("upstream.use_rpc"))
}

func TestEnvBinding(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://stream-bus:6379/0")
	t.Setenv("RECEIVER_HTTP_PORT", "9090")
	t.Setenv("PROCESSOR_WORKERS", "4")

	c := newTestConfig()

	assert.Equal(t, "redis://stream-bus:6379/0", c.GetString("redis_url"))
	assert.Equal(t, 9090, c.GetInt("receiver_http_port"))
	assert.Equal(t, 4, c.GetInt("processor_workers"))
}

func TestValidateRequired(t *testing.T) {
	old := KillKrill
	defer func() { KillKrill = old }()
	KillKrill = newTestConfig()

	err := ValidateRequired(RoleLogWorker)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis_url")
	assert.Contains(t, err.Error(), "REDIS_URL")

	KillKrill.Set("redis_url", "redis://localhost:6379")
	KillKrill.Set("elasticsearch_hosts", "http://localhost:9200")
	KillKrill.Set("license_key", "lk-test")
	assert.NoError(t, ValidateRequired(RoleLogWorker))
}

func TestValidateSyslogPortRange(t *testing.T) {
	old := KillKrill
	defer func() { KillKrill = old }()
	KillKrill = newTestConfig()

	KillKrill.Set("database_url", "postgres://x")
	KillKrill.Set("redis_url", "redis://localhost:6379")
	KillKrill.Set("license_key", "lk-test")
	KillKrill.Set("jwt_secret", "s3cr3t")
	KillKrill.Set("receiver_syslog_port_start", 11000)
	KillKrill.Set("receiver_syslog_port_end", 10000)

	err := ValidateRequired(RoleReceiver)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds")
}
