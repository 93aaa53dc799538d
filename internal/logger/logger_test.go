// Copyright (C) MongoDB, Inc. 2023-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package logger

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSink struct {
	mu   sync.Mutex
	msgs []string
}

func (s *mockSink) Info(_ int, msg string, _ ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
}

func (s *mockSink) Error(_ error, msg string, _ ...interface{}) {
	s.Info(0, msg)
}

func TestLoggerComponentLevels(t *testing.T) {
	sink := &mockSink{}
	lg, err := New(sink, 0, map[Component]Level{
		ComponentConnection: LevelDebug,
		ComponentCommand:    LevelOff,
	})
	require.NoError(t, err)

	assert.True(t, lg.LevelComponentEnabled(LevelDebug, ComponentConnection))
	assert.False(t, lg.LevelComponentEnabled(LevelDebug, ComponentCommand))

	lg.Print(LevelDebug, ComponentConnection, "conn msg")
	lg.Print(LevelDebug, ComponentCommand, "cmd msg")
	assert.Equal(t, []string{"conn msg"}, sink.msgs)
}

func TestLoggerComponentAll(t *testing.T) {
	sink := &mockSink{}
	lg, err := New(sink, 0, map[Component]Level{ComponentAll: LevelDebug})
	require.NoError(t, err)

	assert.True(t, lg.LevelComponentEnabled(LevelDebug, ComponentTopology))
	assert.True(t, lg.LevelComponentEnabled(LevelInfo, ComponentServerSelection))
}

func TestNilLoggerIsSafe(t *testing.T) {
	var lg *Logger
	assert.False(t, lg.LevelComponentEnabled(LevelDebug, ComponentConnection))
	lg.Print(LevelDebug, ComponentConnection, "dropped")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelDebug, ParseLevel("TRACE"))
	assert.Equal(t, LevelInfo, ParseLevel("warn"))
	assert.Equal(t, LevelOff, ParseLevel("nonsense"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 10))
	assert.Equal(t, "abc"+TruncationSuffix, Truncate("abcdef", 3))
	assert.Equal(t, "abc", Truncate("abc", 0), "zero width means no truncation")

	// Truncation must not split a multi-byte rune.
	s := "aé€"
	got := Truncate(s, 4)
	assert.True(t, len(got) <= 4+len(TruncationSuffix))
	for _, r := range got {
		assert.NotEqual(t, '�', r)
	}
}
