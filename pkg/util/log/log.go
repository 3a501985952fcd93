// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

// Package log provides the process-wide logger. It wraps seelog behind a
// small set of free functions so packages never hold a logger reference.
package log

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/cihub/seelog"
)

var (
	logger *KrillLogger

	// Lines logged before SetupLogger runs are buffered here and replayed
	// once the real logger exists. Setup happens early in every main, so
	// this buffer is short lived.
	logsBuffer           = []func(){}
	bufferLogsBeforeInit = true
	bufferMutex          sync.Mutex
)

// Free functions below call the inner logger through two stack frames;
// seelog needs to skip them to report the original caller.
const defaultStackDepth = 3

// KrillLogger wraps a seelog logger with a level gate.
type KrillLogger struct {
	inner seelog.LoggerInterface
	level seelog.LogLevel
	l     sync.RWMutex
}

// SetupLogger installs the logger singleton and replays buffered lines.
func SetupLogger(l seelog.LoggerInterface, level string) {
	logger = &KrillLogger{inner: l}

	lvl, ok := seelog.LogLevelFromString(strings.ToLower(level))
	if !ok {
		lvl = seelog.InfoLvl
	}
	logger.level = lvl
	logger.inner.SetAdditionalStackDepth(defaultStackDepth) //nolint:errcheck

	bufferMutex.Lock()
	bufferLogsBeforeInit = false
	defer bufferMutex.Unlock()
	for _, logLine := range logsBuffer {
		logLine()
	}
	logsBuffer = []func(){}
}

func addLogToBuffer(logHandle func()) {
	bufferMutex.Lock()
	defer bufferMutex.Unlock()

	logsBuffer = append(logsBuffer, logHandle)
}

func (kl *KrillLogger) shouldLog(level seelog.LogLevel) bool {
	kl.l.RLock()
	ok := level >= kl.level
	kl.l.RUnlock()
	return ok
}

func (kl *KrillLogger) replaceInnerLogger(l seelog.LoggerInterface) seelog.LoggerInterface {
	kl.l.Lock()
	defer kl.l.Unlock()

	old := kl.inner
	kl.inner = l
	return old
}

func (kl *KrillLogger) changeLogLevel(level string) error {
	kl.l.Lock()
	defer kl.l.Unlock()

	lvl, ok := seelog.LogLevelFromString(strings.ToLower(level))
	if !ok {
		return errors.New("bad log level")
	}
	kl.level = lvl
	return nil
}

func (kl *KrillLogger) getLogLevel() seelog.LogLevel {
	kl.l.RLock()
	defer kl.l.RUnlock()
	return kl.level
}

func (kl *KrillLogger) trace(s string) {
	kl.l.Lock()
	defer kl.l.Unlock()
	kl.inner.Trace(s)
}

func (kl *KrillLogger) debug(s string) {
	kl.l.Lock()
	defer kl.l.Unlock()
	kl.inner.Debug(s)
}

func (kl *KrillLogger) info(s string) {
	kl.l.Lock()
	defer kl.l.Unlock()
	kl.inner.Info(s)
}

func (kl *KrillLogger) warn(s string) error {
	kl.l.Lock()
	defer kl.l.Unlock()
	return kl.inner.Warn(s)
}

func (kl *KrillLogger) error(s string) error {
	kl.l.Lock()
	defer kl.l.Unlock()
	return kl.inner.Error(s)
}

func (kl *KrillLogger) critical(s string) error {
	kl.l.Lock()
	defer kl.l.Unlock()
	return kl.inner.Critical(s)
}

func (kl *KrillLogger) debugStackDepth(s string, depth int) {
	kl.l.Lock()
	defer kl.l.Unlock()
	kl.inner.SetAdditionalStackDepth(defaultStackDepth + depth) //nolint:errcheck
	kl.inner.Debug(s)
	kl.inner.SetAdditionalStackDepth(defaultStackDepth) //nolint:errcheck
}

func (kl *KrillLogger) errorStackDepth(s string, depth int) error {
	kl.l.Lock()
	defer kl.l.Unlock()
	kl.inner.SetAdditionalStackDepth(defaultStackDepth + depth) //nolint:errcheck
	err := kl.inner.Error(s)
	kl.inner.SetAdditionalStackDepth(defaultStackDepth) //nolint:errcheck
	return err
}

func (kl *KrillLogger) tracef(format string, params ...interface{}) {
	kl.trace(fmt.Sprintf(format, params...))
}

func (kl *KrillLogger) debugf(format string, params ...interface{}) {
	kl.debug(fmt.Sprintf(format, params...))
}

func (kl *KrillLogger) infof(format string, params ...interface{}) {
	kl.info(fmt.Sprintf(format, params...))
}

func (kl *KrillLogger) warnf(format string, params ...interface{}) error {
	return kl.warn(fmt.Sprintf(format, params...))
}

func (kl *KrillLogger) errorf(format string, params ...interface{}) error {
	return kl.error(fmt.Sprintf(format, params...))
}

func (kl *KrillLogger) criticalf(format string, params ...interface{}) error {
	return kl.critical(fmt.Sprintf(format, params...))
}

func buildLogEntry(v ...interface{}) string {
	var fmtBuffer bytes.Buffer

	for i := 0; i < len(v)-1; i++ {
		fmtBuffer.WriteString("%v ")
	}
	fmtBuffer.WriteString("%v")

	return fmt.Sprintf(fmtBuffer.String(), v...)
}

func doLog(logLevel seelog.LogLevel, bufferFunc func(), logFunc func(string), v ...interface{}) {
	if logger != nil && logger.inner != nil && logger.shouldLog(logLevel) {
		logFunc(buildLogEntry(v...))
	} else if bufferLogsBeforeInit && (logger == nil || logger.inner == nil) {
		addLogToBuffer(bufferFunc)
	}
}

func doLogWithError(logLevel seelog.LogLevel, bufferFunc func(), logFunc func(string) error, fallbackStderr bool, v ...interface{}) error {
	if logger != nil && logger.inner != nil && logger.shouldLog(logLevel) {
		return logFunc(buildLogEntry(v...))
	} else if bufferLogsBeforeInit && (logger == nil || logger.inner == nil) {
		addLogToBuffer(bufferFunc)
	}
	err := errors.New(fmt.Sprint(v...))
	if fallbackStderr {
		fmt.Fprintf(os.Stderr, "%s: %s\n", logLevel.String(), err.Error())
	}
	return err
}

func doLogFormat(logLevel seelog.LogLevel, bufferFunc func(), logFunc func(string, ...interface{}), format string, params ...interface{}) {
	if logger != nil && logger.inner != nil && logger.shouldLog(logLevel) {
		logFunc(format, params...)
	} else if bufferLogsBeforeInit && (logger == nil || logger.inner == nil) {
		addLogToBuffer(bufferFunc)
	}
}

func doLogFormatWithError(logLevel seelog.LogLevel, bufferFunc func(), logFunc func(string, ...interface{}) error, format string, fallbackStderr bool, params ...interface{}) error {
	if logger != nil && logger.inner != nil && logger.shouldLog(logLevel) {
		return logFunc(format, params...)
	} else if bufferLogsBeforeInit && (logger == nil || logger.inner == nil) {
		addLogToBuffer(bufferFunc)
	}
	err := fmt.Errorf(format, params...)
	if fallbackStderr {
		fmt.Fprintf(os.Stderr, "%s: %s\n", logLevel.String(), err.Error())
	}
	return err
}

// Trace logs at the trace level
func Trace(v ...interface{}) {
	doLog(seelog.TraceLvl, func() { Trace(v...) }, logger.trace, v...)
}

// Tracef logs with format at the trace level
func Tracef(format string, params ...interface{}) {
	doLogFormat(seelog.TraceLvl, func() { Tracef(format, params...) }, logger.tracef, format, params...)
}

// Debug logs at the debug level
func Debug(v ...interface{}) {
	doLog(seelog.DebugLvl, func() { Debug(v...) }, logger.debug, v...)
}

// Debugf logs with format at the debug level
func Debugf(format string, params ...interface{}) {
	doLogFormat(seelog.DebugLvl, func() { Debugf(format, params...) }, logger.debugf, format, params...)
}

// Info logs at the info level
func Info(v ...interface{}) {
	doLog(seelog.InfoLvl, func() { Info(v...) }, logger.info, v...)
}

// Infof logs with format at the info level
func Infof(format string, params ...interface{}) {
	doLogFormat(seelog.InfoLvl, func() { Infof(format, params...) }, logger.infof, format, params...)
}

// Warn logs at the warn level and returns an error containing the formated log message
func Warn(v ...interface{}) error {
	return doLogWithError(seelog.WarnLvl, func() { Warn(v...) }, logger.warn, false, v...)
}

// Warnf logs with format at the warn level and returns an error containing the formated log message
func Warnf(format string, params ...interface{}) error {
	return doLogFormatWithError(seelog.WarnLvl, func() { Warnf(format, params...) }, logger.warnf, format, false, params...)
}

// Error logs at the error level and returns an error containing the formated log message
func Error(v ...interface{}) error {
	return doLogWithError(seelog.ErrorLvl, func() { Error(v...) }, logger.error, true, v...)
}

// Errorf logs with format at the error level and returns an error containing the formated log message
func Errorf(format string, params ...interface{}) error {
	return doLogFormatWithError(seelog.ErrorLvl, func() { Errorf(format, params...) }, logger.errorf, format, true, params...)
}

// DebugStackDepth logs at the debug level, reporting the caller depth frames
// above the default.
func DebugStackDepth(depth int, v ...interface{}) {
	doLog(seelog.DebugLvl, func() { DebugStackDepth(depth, v...) }, func(s string) {
		logger.debugStackDepth(s, depth)
	}, v...)
}

// ErrorStackDepth logs at the error level, reporting the caller depth frames
// above the default, and returns an error containing the formated log message
func ErrorStackDepth(depth int, v ...interface{}) error {
	return doLogWithError(seelog.ErrorLvl, func() { ErrorStackDepth(depth, v...) }, func(s string) error {
		return logger.errorStackDepth(s, depth)
	}, true, v...)
}

// Critical logs at the critical level and returns an error containing the formated log message
func Critical(v ...interface{}) error {
	return doLogWithError(seelog.CriticalLvl, func() { Critical(v...) }, logger.critical, true, v...)
}

// Criticalf logs with format at the critical level and returns an error containing the formated log message
func Criticalf(format string, params ...interface{}) error {
	return doLogFormatWithError(seelog.CriticalLvl, func() { Criticalf(format, params...) }, logger.criticalf, format, true, params...)
}

// Flush flushes the underlying inner log
func Flush() {
	if logger != nil && logger.inner != nil {
		logger.inner.Flush()
	}
}

// ReplaceLogger allows replacing the internal logger, returns old logger
func ReplaceLogger(l seelog.LoggerInterface) seelog.LoggerInterface {
	if logger != nil && logger.inner != nil {
		return logger.replaceInnerLogger(l)
	}
	return nil
}

// GetLogLevel returns a seelog native representation of the current log level
func GetLogLevel() (seelog.LogLevel, error) {
	if logger != nil && logger.inner != nil {
		return logger.getLogLevel(), nil
	}

	// need to return something, just set to Info (expected default)
	return seelog.InfoLvl, errors.New("cannot get loglevel: logger not initialized")
}

// ChangeLogLevel changes the current log level. Valid levels are trace,
// debug, info, warn, error, critical and off.
func ChangeLogLevel(level string) error {
	if logger != nil && logger.inner != nil {
		return logger.changeLogLevel(level)
	}
	return errors.New("cannot change loglevel: logger not initialized")
}
