// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckValidate(t *testing.T) {
	base := func() Check {
		return Check{
			Name:      "api-up",
			Type:      "https",
			Target:    "api.example.com",
			TimeoutMs: 5000,
			IntervalS: 60,
		}
	}

	t.Run("valid", func(t *testing.T) {
		c := base()
		require.NoError(t, c.Validate())
	})

	t.Run("timeout just under interval passes", func(t *testing.T) {
		c := base()
		c.IntervalS = 1
		c.TimeoutMs = 999
		require.NoError(t, c.Validate())
	})

	t.Run("timeout equal to interval rejected", func(t *testing.T) {
		c := base()
		c.IntervalS = 1
		c.TimeoutMs = 1000
		err := c.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "shorter than interval")
	})

	t.Run("interval below one second rejected", func(t *testing.T) {
		c := base()
		c.IntervalS = 0
		require.Error(t, c.Validate())
	})

	t.Run("unknown type rejected", func(t *testing.T) {
		c := base()
		c.Type = "icmp"
		err := c.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown check type")
	})

	t.Run("tcp requires port", func(t *testing.T) {
		c := base()
		c.Type = "tcp"
		c.Port = 0
		require.Error(t, c.Validate())

		c.Port = 443
		require.NoError(t, c.Validate())

		c.Port = 70000
		require.Error(t, c.Validate())
	})

	t.Run("missing target rejected", func(t *testing.T) {
		c := base()
		c.Target = ""
		require.Error(t, c.Validate())
	})
}

func TestSourceValidate(t *testing.T) {
	src := Source{Name: "app-1", SyslogPort: 10000}
	require.NoError(t, src.Validate())

	src.Format = "rfc5424"
	require.NoError(t, src.Validate())

	src.Format = "cef"
	require.Error(t, src.Validate())

	src.Format = ""
	src.SyslogPort = 0
	require.Error(t, src.Validate())

	src.SyslogPort = 65536
	require.Error(t, src.Validate())

	src.SyslogPort = 10000
	src.Name = ""
	require.Error(t, src.Validate())
}

func TestStringListRoundTrip(t *testing.T) {
	l := StringList{"10.0.0.0/8", "192.168.1.0/24"}
	v, err := l.Value()
	require.NoError(t, err)

	var got StringList
	require.NoError(t, got.Scan(v))
	assert.Equal(t, l, got)

	assert.True(t, got.Contains("10.0.0.0/8"))
	assert.False(t, got.Contains("172.16.0.0/12"))
}

func TestStringListNil(t *testing.T) {
	var l StringList
	v, err := l.Value()
	require.NoError(t, err)
	assert.Equal(t, []byte("[]"), v)

	var got StringList
	require.NoError(t, got.Scan(nil))
	assert.Nil(t, got)
}

func TestHeaderMapRoundTrip(t *testing.T) {
	m := HeaderMap{"Authorization": "Bearer tok", "X-Env": "prod"}
	v, err := m.Value()
	require.NoError(t, err)

	var got HeaderMap
	require.NoError(t, got.Scan(v))
	assert.Equal(t, m, got)

	require.NoError(t, got.Scan(`{"A":"b"}`))
	assert.Equal(t, HeaderMap{"A": "b"}, got)
}
