// Copyright (C) MongoDB, Inc. 2023-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package logger provides the internal logging solution. Loggers are
// caller-owned: they are constructed explicitly and passed into the pool and
// monitor configurations rather than registered globally.
package logger

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
)

const messageKey = "message"

const logSinkPathEnvVar = "MONGODB_LOG_PATH"
const maxDocumentLengthEnvVar = "MONGODB_LOG_MAX_DOCUMENT_LENGTH"

// DefaultMaxDocumentLength is the default maximum length of a stringified
// BSON document in bytes.
const DefaultMaxDocumentLength = 1000

// TruncationSuffix is appended to a message to indicate to the user that
// truncation occurred. This constant does not count toward the max document
// length.
const TruncationSuffix = "..."

// LogSink represents a logging implementation. It is specifically designed
// to be a subset of go-logr/logr's LogSink interface.
type LogSink interface {
	// Info logs a non-error message with the given key/value pairs. The
	// level argument is provided for optional logging.
	Info(level int, msg string, keysAndValues ...interface{})

	// Error logs an error, with the given message and key/value pairs.
	Error(err error, msg string, keysAndValues ...interface{})
}

// Logger represents the driver's logger. It is used to log messages from the
// driver either to OS or to a custom LogSink.
type Logger struct {
	ComponentLevels   map[Component]Level
	Sink              LogSink
	MaxDocumentLength uint
}

// New will construct a new logger. If any of the given options are the
// zero-value of the argument type, then the constructor will attempt to
// source the data from the environment. If the environment has not been set,
// then the constructor will the respective default values.
func New(sink LogSink, maxDocumentLength uint, componentLevels map[Component]Level) (*Logger, error) {
	logger := &Logger{
		ComponentLevels: selectComponentLevels(componentLevels),
	}

	maxDocumentLength, err := selectMaxDocumentLength(maxDocumentLength)
	if err != nil {
		return nil, err
	}
	logger.MaxDocumentLength = maxDocumentLength

	sink, err = selectLogSink(sink)
	if err != nil {
		return nil, err
	}
	logger.Sink = sink

	return logger, nil
}

// LevelComponentEnabled will return true if the given LogLevel is enabled
// for the given LogComponent. If the ComponentLevels on the logger are
// enabled for "ComponentAll", then this function will return true for any
// level bound by the level assigned to "ComponentAll".
func (logger *Logger) LevelComponentEnabled(level Level, component Component) bool {
	if logger == nil {
		return false
	}

	return logger.ComponentLevels[component] >= level ||
		logger.ComponentLevels[ComponentAll] >= level
}

// Print will synchronously print the given message to the configured
// LogSink. If the LogSink is nil, then this method will do nothing.
func (logger *Logger) Print(level Level, component Component, msg string, keysAndValues ...interface{}) {
	if logger == nil || logger.Sink == nil {
		return
	}
	if !logger.LevelComponentEnabled(level, component) {
		return
	}

	logger.Sink.Info(int(level)-DiffToInfo, msg, keysAndValues...)
}

// Error logs an error, with the given message and key/value pairs.
func (logger *Logger) Error(err error, msg string, keysAndValues ...interface{}) {
	if logger == nil || logger.Sink == nil {
		return
	}
	logger.Sink.Error(err, msg, keysAndValues...)
}

// Truncate will truncate a string to the maximum document length.
func Truncate(str string, width uint) string {
	if width == 0 {
		return str
	}
	if len(str) <= int(width) {
		return str
	}

	// Truncate the byte slice of the string to the given width.
	newStr := str[:width]

	// Check if the last byte is at the beginning of a multi-byte character.
	// If it is, then remove the last byte.
	if newStr[len(newStr)-1]&0xC0 == 0xC0 {
		return newStr[:len(newStr)-1] + TruncationSuffix
	}

	// Check if the last byte is in the middle of a multi-byte character. If
	// it is, then step back until we find the beginning of the character.
	if newStr[len(newStr)-1]&0xC0 == 0x80 {
		for i := len(newStr) - 1; i >= 0; i-- {
			if newStr[i]&0xC0 == 0xC0 {
				return newStr[:i] + TruncationSuffix
			}
		}
	}

	return newStr + TruncationSuffix
}

// selectMaxDocumentLength returns the given max document length if it is
// non-zero, then from the environment, then the default.
func selectMaxDocumentLength(maxDocLen uint) (uint, error) {
	if maxDocLen != 0 {
		return maxDocLen, nil
	}

	maxDocLenEnv := os.Getenv(maxDocumentLengthEnvVar)
	if maxDocLenEnv != "" {
		maxDocLenEnvInt, err := strconv.ParseUint(maxDocLenEnv, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid value for %q: %w", maxDocumentLengthEnvVar, err)
		}
		return uint(maxDocLenEnvInt), nil
	}

	return DefaultMaxDocumentLength, nil
}

const (
	logSinkPathStdout = "stdout"
	logSinkPathStderr = "stderr"
)

// selectLogSink returns the given LogSink if it is non-nil, then a sink
// built from the environment, then the default stderr sink.
func selectLogSink(sink LogSink) (LogSink, error) {
	if sink != nil {
		return sink, nil
	}

	path := os.Getenv(logSinkPathEnvVar)
	lowerPath := strings.ToLower(path)

	if lowerPath == string(logSinkPathStderr) || path == "" {
		return NewIOSink(os.Stderr), nil
	}

	if lowerPath == string(logSinkPathStdout) {
		return NewIOSink(os.Stdout), nil
	}

	logFile, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return nil, fmt.Errorf("unable to open log file: %w", err)
	}

	return NewIOSink(logFile), nil
}

// selectComponentLevels returns a new map of LogComponents to LogLevels that
// is the result of merging the given map with the environment.
func selectComponentLevels(componentLevels map[Component]Level) map[Component]Level {
	selected := make(map[Component]Level)
	for component, level := range getEnvComponentLevels() {
		selected[component] = level
	}
	for component, level := range componentLevels {
		selected[component] = level
	}
	return selected
}

// IOSink is a LogSink that writes to the standard library's log package.
type IOSink struct {
	log *log.Logger
}

// Compile-time check to ensure IOSink implements the LogSink interface.
var _ LogSink = &IOSink{}

// NewIOSink will create an IOSink object that writes JSON-ish messages to
// the given io.Writer.
func NewIOSink(out *os.File) *IOSink {
	return &IOSink{
		log: log.New(out, "", log.LstdFlags),
	}
}

// Info implements the LogSink interface.
func (sink *IOSink) Info(_ int, msg string, keysAndValues ...interface{}) {
	kvs := make([]string, 0, len(keysAndValues)/2+1)
	kvs = append(kvs, fmt.Sprintf("%s=%q", messageKey, msg))
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		kvs = append(kvs, fmt.Sprintf("%v=%v", keysAndValues[i], keysAndValues[i+1]))
	}
	sink.log.Print(strings.Join(kvs, " "))
}

// Error implements the LogSink interface.
func (sink *IOSink) Error(err error, msg string, kv ...interface{}) {
	kv = append([]interface{}{"error", err}, kv...)
	sink.Info(0, msg, kv...)
}
