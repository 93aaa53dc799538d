// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package bson

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bytev/mongo-go-core/x/bsonx/bsoncore"
)

func writeDocument(t *testing.T, vw *ValueWriter, fn func()) []byte {
	t.Helper()
	require.NoError(t, vw.WriteStartDocument())
	fn()
	require.NoError(t, vw.WriteEndDocument())
	got, err := vw.Bytes()
	require.NoError(t, err)
	return got
}

func TestValueWriterBooleanBytes(t *testing.T) {
	vw := NewValueWriter()
	got := writeDocument(t, vw, func() {
		require.NoError(t, vw.WriteName("b1"))
		require.NoError(t, vw.WriteBoolean(true))
		require.NoError(t, vw.WriteName("b2"))
		require.NoError(t, vw.WriteBoolean(false))
	})

	want := []byte{
		15, 0, 0, 0,
		0x08, 'b', '1', 0, 1,
		0x08, 'b', '2', 0, 0,
		0,
	}
	assert.Equal(t, want, got)
}

func TestValueWriterIntegerBytes(t *testing.T) {
	vw := NewValueWriter()
	got := writeDocument(t, vw, func() {
		require.NoError(t, vw.WriteName("i1"))
		require.NoError(t, vw.WriteInt32(-12))
		require.NoError(t, vw.WriteName("i2"))
		require.NoError(t, vw.WriteInt32(math.MinInt32))
		require.NoError(t, vw.WriteName("i3"))
		require.NoError(t, vw.WriteInt64(math.MaxInt64))
		require.NoError(t, vw.WriteName("i4"))
		require.NoError(t, vw.WriteInt64(0))
	})

	assert.Len(t, got, 45)
	assert.Equal(t, []byte{45, 0, 0, 0}, got[:4])

	doc := bsoncore.Document(got)
	require.NoError(t, doc.Validate())
	assert.Equal(t, int32(-12), doc.Lookup("i1").Int32())
	assert.Equal(t, int32(math.MinInt32), doc.Lookup("i2").Int32())
	assert.Equal(t, int64(math.MaxInt64), doc.Lookup("i3").Int64())
	assert.Equal(t, int64(0), doc.Lookup("i4").Int64())
}

func TestValueWriterTimestampBytes(t *testing.T) {
	vw := NewValueWriter()
	got := writeDocument(t, vw, func() {
		require.NoError(t, vw.WriteName("t1"))
		require.NoError(t, vw.WriteTimestamp(123999401, 44332))
	})

	assert.Len(t, got, 17)
	// The increment is written before the seconds, each little-endian.
	inc := uint32(got[8]) | uint32(got[9])<<8 | uint32(got[10])<<16 | uint32(got[11])<<24
	sec := uint32(got[12]) | uint32(got[13])<<8 | uint32(got[14])<<16 | uint32(got[15])<<24
	assert.Equal(t, uint32(44332), inc)
	assert.Equal(t, uint32(123999401), sec)
}

func TestValueWriterMaxDocumentSize(t *testing.T) {
	t.Run("binary exceeding max fails", func(t *testing.T) {
		vw := NewValueWriterWithLimits(1024, DefaultMaxMessageSize)
		require.NoError(t, vw.WriteStartDocument())
		require.NoError(t, vw.WriteName("bin"))
		err := vw.WriteBinary(make([]byte, 1024))

		var serr SerializationError
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, ErrKindDocumentTooLarge, serr.Kind)
	})

	t.Run("pushed limits stack", func(t *testing.T) {
		vw := NewValueWriter()
		require.NoError(t, vw.WriteStartDocument())

		vw.PushMaxDocumentSize(10)
		require.NoError(t, vw.WriteName("nested"))
		require.NoError(t, vw.WriteStartDocument())
		require.NoError(t, vw.WriteName("s"))
		err := vw.WriteString("ninechars")

		var serr SerializationError
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, ErrKindDocumentTooLarge, serr.Kind)

		// After popping the limit a much larger value fits again.
		vw2 := NewValueWriter()
		require.NoError(t, vw2.WriteStartDocument())
		vw2.PushMaxDocumentSize(10)
		vw2.PopMaxDocumentSize()
		require.NoError(t, vw2.WriteName("bin"))
		require.NoError(t, vw2.WriteBinary(make([]byte, 256)))
		require.NoError(t, vw2.WriteEndDocument())
	})
}

func TestValueWriterMarkReset(t *testing.T) {
	vw := NewValueWriter()
	require.NoError(t, vw.WriteStartDocument())
	require.NoError(t, vw.WriteName("docs"))
	require.NoError(t, vw.WriteStartArray())

	writeElem := func(key string, val int32) {
		require.NoError(t, vw.WriteStartDocument())
		require.NoError(t, vw.WriteName(key))
		require.NoError(t, vw.WriteInt32(val))
		require.NoError(t, vw.WriteEndDocument())
	}

	writeElem("d1", 1)
	require.NoError(t, vw.Mark())
	writeElem("d2", 2)
	require.NoError(t, vw.Reset())
	writeElem("d3", 3)

	require.NoError(t, vw.WriteEndArray())
	require.NoError(t, vw.WriteEndDocument())

	raw, err := vw.Bytes()
	require.NoError(t, err)

	arr := bsoncore.Document(raw).Lookup("docs").Array()
	vals, err := arr.Values()
	require.NoError(t, err)
	require.Len(t, vals, 2)
	assert.Equal(t, int32(1), vals[0].Document().Lookup("d1").Int32())
	assert.Equal(t, int32(3), vals[1].Document().Lookup("d3").Int32())

	// Synthesized array indices must remain dense after the rewind.
	elems, err := arr.Elements()
	require.NoError(t, err)
	assert.Equal(t, "0", elems[0].Key())
	assert.Equal(t, "1", elems[1].Key())
}

func TestValueWriterContextValidation(t *testing.T) {
	t.Run("name outside document", func(t *testing.T) {
		vw := NewValueWriter()
		err := vw.WriteName("x")
		var serr SerializationError
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, ErrKindInvalidState, serr.Kind)
	})

	t.Run("value without name in document", func(t *testing.T) {
		vw := NewValueWriter()
		require.NoError(t, vw.WriteStartDocument())
		err := vw.WriteBoolean(true)
		var serr SerializationError
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, ErrKindInvalidState, serr.Kind)
	})

	t.Run("value without name in array succeeds", func(t *testing.T) {
		vw := NewValueWriter()
		require.NoError(t, vw.WriteStartDocument())
		require.NoError(t, vw.WriteName("arr"))
		require.NoError(t, vw.WriteStartArray())
		require.NoError(t, vw.WriteBoolean(true))
		require.NoError(t, vw.WriteInt32(42))
		require.NoError(t, vw.WriteEndArray())
		require.NoError(t, vw.WriteEndDocument())

		raw, err := vw.Bytes()
		require.NoError(t, err)
		arr := bsoncore.Document(raw).Lookup("arr").Array()
		elems, err := arr.Elements()
		require.NoError(t, err)
		require.Len(t, elems, 2)
		assert.Equal(t, "0", elems[0].Key())
		assert.Equal(t, "1", elems[1].Key())
	})
}

func TestValueWriterPipe(t *testing.T) {
	src := bsoncore.BuildDocumentFromElements(nil,
		bsoncore.AppendStringElement(nil, "hello", "world"),
		bsoncore.AppendInt32Element(nil, "n", 42),
	)

	vw := NewValueWriter()
	require.NoError(t, vw.WriteStartDocument())
	require.NoError(t, vw.WriteName("piped"))
	require.NoError(t, vw.Pipe(src))
	require.NoError(t, vw.WriteEndDocument())

	raw, err := vw.Bytes()
	require.NoError(t, err)

	piped := bsoncore.Document(raw).Lookup("piped").Document()
	assert.Equal(t, "world", piped.Lookup("hello").StringValue())
	assert.Equal(t, int32(42), piped.Lookup("n").Int32())
}

func TestValueWriterCodeWithScope(t *testing.T) {
	vw := NewValueWriter()
	require.NoError(t, vw.WriteStartDocument())
	require.NoError(t, vw.WriteName("cws"))
	require.NoError(t, vw.WriteCodeWithScope("function(){ return x; }"))
	require.NoError(t, vw.WriteStartDocument())
	require.NoError(t, vw.WriteName("x"))
	require.NoError(t, vw.WriteInt32(1))
	require.NoError(t, vw.WriteEndDocument())
	require.NoError(t, vw.WriteEndDocument())

	raw, err := vw.Bytes()
	require.NoError(t, err)
	require.NoError(t, bsoncore.Document(raw).Validate())

	val := bsoncore.Document(raw).Lookup("cws")
	assert.Equal(t, byte(TypeCodeWithScope), val.Type)
}
