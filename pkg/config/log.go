// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

package config

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cihub/seelog"

	"github.com/killkrill/killkrill/pkg/util/log"
)

const logFileMaxSize = 10 * 1024 * 1024         // 10MB
const logDateFormat = "2006-01-02 15:04:05 MST" // see time.Format for format syntax

// SetupLogger builds the seelog backend from the given level and optional
// file target and installs it as the process logger.
func SetupLogger(logLevel, logFile string) error {
	configTemplate := `<seelog minlevel="%s">
    <outputs formatid="common">
        <console />`
	if logFile != "" {
		configTemplate += fmt.Sprintf(`<rollingfile type="size" filename="%s" maxsize="%d" maxrolls="1" />`, logFile, logFileMaxSize)
	}
	configTemplate += `</outputs>
    <formats>
        <format id="common" format="%%Date(%s) | %%LEVEL | (%%RelFile:%%Line) | %%Msg%%n"/>
    </formats>
</seelog>`
	cfg := fmt.Sprintf(configTemplate, strings.ToLower(logLevel), logDateFormat)

	inner, err := seelog.LoggerFromConfigAsString(cfg)
	if err != nil {
		return err
	}
	log.SetupLogger(inner, logLevel)
	return nil
}

// logWriter forwards everything written to it to the process logger.
type logWriter struct {
	additionalDepth int
	logFunc         func(int, ...interface{})
}

// NewLogWriter returns an io.Writer that logs at the given seelog level.
// additionalDepth skips wrapper frames so the reported caller stays useful
// when the writer is handed to the stdlib log package.
func NewLogWriter(additionalDepth int, level seelog.LogLevel) (io.Writer, error) {
	writer := &logWriter{additionalDepth: additionalDepth}
	switch level {
	case seelog.DebugLvl:
		writer.logFunc = log.DebugStackDepth
	case seelog.ErrorLvl:
		writer.logFunc = func(depth int, args ...interface{}) {
			_ = log.ErrorStackDepth(depth, args...)
		}
	default:
		return nil, errors.New("unsupported log level for writer")
	}
	return writer, nil
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.logFunc(w.additionalDepth, strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
