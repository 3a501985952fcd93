// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

package log

import (
	"bytes"
	"strings"
	"testing"

	"github.com/cihub/seelog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCaptureLogger(t *testing.T, buf *bytes.Buffer, minLevel seelog.LogLevel) seelog.LoggerInterface {
	l, err := seelog.LoggerFromWriterWithMinLevelAndFormat(buf, minLevel, "%LEVEL %Msg\n")
	require.NoError(t, err)
	return l
}

func TestBufferedLinesReplayedOnSetup(t *testing.T) {
	var buf bytes.Buffer

	logger = nil
	bufferLogsBeforeInit = true
	logsBuffer = []func(){}

	Info("before setup")
	Warnf("also %s setup", "before")

	SetupLogger(newCaptureLogger(t, &buf, seelog.TraceLvl), "info")
	Flush()

	out := buf.String()
	assert.Contains(t, out, "before setup")
	assert.Contains(t, out, "also before setup")
}

func TestLevelGate(t *testing.T) {
	var buf bytes.Buffer

	SetupLogger(newCaptureLogger(t, &buf, seelog.TraceLvl), "warn")
	Debug("drop me")
	Info("drop me too")
	Warn("keep me")
	Flush()

	out := buf.String()
	assert.NotContains(t, out, "drop me")
	assert.Contains(t, out, "keep me")
}

func TestChangeLogLevel(t *testing.T) {
	var buf bytes.Buffer

	SetupLogger(newCaptureLogger(t, &buf, seelog.TraceLvl), "error")
	Info("invisible")
	require.NoError(t, ChangeLogLevel("debug"))
	Info("visible")
	Flush()

	assert.NotContains(t, buf.String(), "invisible")
	assert.Contains(t, buf.String(), "visible")

	assert.Error(t, ChangeLogLevel("not-a-level"))
}

func TestErrorReturnsMessage(t *testing.T) {
	var buf bytes.Buffer

	SetupLogger(newCaptureLogger(t, &buf, seelog.TraceLvl), "info")
	err := Errorf("bulk write failed after %d retries", 3)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "after 3 retries"))
}
