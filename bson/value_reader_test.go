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

func TestValueReaderRoundTrip(t *testing.T) {
	oid := NewObjectID()
	dec, err := ParseDecimal128("1.5E3")
	require.NoError(t, err)

	vw := NewValueWriter()
	require.NoError(t, vw.WriteStartDocument())
	write := func(name string, fn func() error) {
		require.NoError(t, vw.WriteName(name))
		require.NoError(t, fn())
	}
	write("double", func() error { return vw.WriteDouble(3.14159) })
	write("string", func() error { return vw.WriteString("hello") })
	write("binary", func() error { return vw.WriteBinaryWithSubtype([]byte{1, 2, 3}, BinaryUUID) })
	write("undefined", vw.WriteUndefined)
	write("oid", func() error { return vw.WriteObjectID(oid) })
	write("bool", func() error { return vw.WriteBoolean(true) })
	write("datetime", func() error { return vw.WriteDateTime(1674000000000) })
	write("null", vw.WriteNull)
	write("regex", func() error { return vw.WriteRegex("^a.*$", "i") })
	write("dbptr", func() error { return vw.WriteDBPointer("db.coll", oid) })
	write("js", func() error { return vw.WriteJavaScript("function(){}") })
	write("symbol", func() error { return vw.WriteSymbol("sym") })
	write("int32", func() error { return vw.WriteInt32(-42) })
	write("timestamp", func() error { return vw.WriteTimestamp(100, 7) })
	write("int64", func() error { return vw.WriteInt64(math.MaxInt64) })
	write("decimal", func() error { return vw.WriteDecimal128(dec) })
	write("minkey", vw.WriteMinKey)
	write("maxkey", vw.WriteMaxKey)
	require.NoError(t, vw.WriteEndDocument())

	raw, err := vw.Bytes()
	require.NoError(t, err)
	require.NoError(t, bsoncore.Document(raw).Validate())

	vr := NewValueReader(raw)
	require.NoError(t, vr.ReadStartDocument())

	expectNext := func(wantName string, wantType Type) {
		tt, err := vr.ReadBsonType()
		require.NoError(t, err)
		require.Equal(t, wantType, tt)
		name, err := vr.ReadName()
		require.NoError(t, err)
		require.Equal(t, wantName, name)
	}

	expectNext("double", TypeDouble)
	f, err := vr.ReadDouble()
	require.NoError(t, err)
	assert.Equal(t, 3.14159, f)

	expectNext("string", TypeString)
	s, err := vr.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "hello", s)

	expectNext("binary", TypeBinary)
	bin, err := vr.ReadBinary()
	require.NoError(t, err)
	assert.Equal(t, Binary{Subtype: BinaryUUID, Data: []byte{1, 2, 3}}, bin)

	expectNext("undefined", TypeUndefined)
	require.NoError(t, vr.ReadUndefined())

	expectNext("oid", TypeObjectID)
	gotOID, err := vr.ReadObjectID()
	require.NoError(t, err)
	assert.Equal(t, oid, gotOID)

	expectNext("bool", TypeBoolean)
	b, err := vr.ReadBoolean()
	require.NoError(t, err)
	assert.True(t, b)

	expectNext("datetime", TypeDateTime)
	dt, err := vr.ReadDateTime()
	require.NoError(t, err)
	assert.Equal(t, int64(1674000000000), dt)

	expectNext("null", TypeNull)
	require.NoError(t, vr.ReadNull())

	expectNext("regex", TypeRegex)
	re, err := vr.ReadRegex()
	require.NoError(t, err)
	assert.Equal(t, Regex{Pattern: "^a.*$", Options: "i"}, re)

	expectNext("dbptr", TypeDBPointer)
	dbp, err := vr.ReadDBPointer()
	require.NoError(t, err)
	assert.Equal(t, DBPointer{DB: "db.coll", Pointer: oid}, dbp)

	expectNext("js", TypeJavaScript)
	js, err := vr.ReadJavaScript()
	require.NoError(t, err)
	assert.Equal(t, "function(){}", js)

	expectNext("symbol", TypeSymbol)
	sym, err := vr.ReadSymbol()
	require.NoError(t, err)
	assert.Equal(t, Symbol("sym"), sym)

	expectNext("int32", TypeInt32)
	i32, err := vr.ReadInt32()
	require.NoError(t, err)
	assert.Equal(t, int32(-42), i32)

	expectNext("timestamp", TypeTimestamp)
	ts, err := vr.ReadTimestamp()
	require.NoError(t, err)
	assert.Equal(t, Timestamp{T: 100, I: 7}, ts)

	expectNext("int64", TypeInt64)
	i64, err := vr.ReadInt64()
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), i64)

	expectNext("decimal", TypeDecimal128)
	gotDec, err := vr.ReadDecimal128()
	require.NoError(t, err)
	assert.Equal(t, dec, gotDec)

	expectNext("minkey", TypeMinKey)
	require.NoError(t, vr.ReadMinKey())

	expectNext("maxkey", TypeMaxKey)
	require.NoError(t, vr.ReadMaxKey())

	tt, err := vr.ReadBsonType()
	require.NoError(t, err)
	require.Equal(t, TypeEndOfDocument, tt)
	require.NoError(t, vr.ReadEndDocument())
}

func TestValueReaderNumericCoercion(t *testing.T) {
	buildDoc := func(fn func(vw *ValueWriter)) []byte {
		vw := NewValueWriter()
		require.NoError(t, vw.WriteStartDocument())
		fn(vw)
		require.NoError(t, vw.WriteEndDocument())
		raw, err := vw.Bytes()
		require.NoError(t, err)
		return raw
	}

	t.Run("int64 to int32 round-trips", func(t *testing.T) {
		raw := buildDoc(func(vw *ValueWriter) {
			require.NoError(t, vw.WriteName("n"))
			require.NoError(t, vw.WriteInt64(1000))
		})
		vr := NewValueReader(raw)
		require.NoError(t, vr.ReadStartDocument())
		_, err := vr.ReadBsonType()
		require.NoError(t, err)
		require.NoError(t, vr.SkipName())
		i32, err := vr.ReadInt32()
		require.NoError(t, err)
		assert.Equal(t, int32(1000), i32)
	})

	t.Run("int64 overflow fails", func(t *testing.T) {
		raw := buildDoc(func(vw *ValueWriter) {
			require.NoError(t, vw.WriteName("n"))
			require.NoError(t, vw.WriteInt64(math.MaxInt64))
		})
		vr := NewValueReader(raw)
		require.NoError(t, vr.ReadStartDocument())
		_, err := vr.ReadBsonType()
		require.NoError(t, err)
		require.NoError(t, vr.SkipName())
		_, err = vr.ReadInt32()
		var serr SerializationError
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, ErrKindNumericOverflow, serr.Kind)
	})

	t.Run("double with fraction fails", func(t *testing.T) {
		raw := buildDoc(func(vw *ValueWriter) {
			require.NoError(t, vw.WriteName("n"))
			require.NoError(t, vw.WriteDouble(3.5))
		})
		vr := NewValueReader(raw)
		require.NoError(t, vr.ReadStartDocument())
		_, err := vr.ReadBsonType()
		require.NoError(t, err)
		require.NoError(t, vr.SkipName())
		_, err = vr.ReadInt64()
		var serr SerializationError
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, ErrKindNumericOverflow, serr.Kind)
	})

	t.Run("null for primitive fails", func(t *testing.T) {
		raw := buildDoc(func(vw *ValueWriter) {
			require.NoError(t, vw.WriteName("n"))
			require.NoError(t, vw.WriteNull())
		})
		vr := NewValueReader(raw)
		require.NoError(t, vr.ReadStartDocument())
		_, err := vr.ReadBsonType()
		require.NoError(t, err)
		require.NoError(t, vr.SkipName())
		_, err = vr.ReadInt32()
		var serr SerializationError
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, ErrKindNullForPrimitive, serr.Kind)
	})
}

func TestValueReaderSkipValue(t *testing.T) {
	vw := NewValueWriter()
	require.NoError(t, vw.WriteStartDocument())
	require.NoError(t, vw.WriteName("skipme"))
	require.NoError(t, vw.WriteString("ignored"))
	require.NoError(t, vw.WriteName("keep"))
	require.NoError(t, vw.WriteInt32(7))
	require.NoError(t, vw.WriteEndDocument())
	raw, err := vw.Bytes()
	require.NoError(t, err)

	vr := NewValueReader(raw)
	require.NoError(t, vr.ReadStartDocument())

	_, err = vr.ReadBsonType()
	require.NoError(t, err)
	require.NoError(t, vr.SkipName())
	require.NoError(t, vr.SkipValue())

	tt, err := vr.ReadBsonType()
	require.NoError(t, err)
	require.Equal(t, TypeInt32, tt)
	name, err := vr.ReadName()
	require.NoError(t, err)
	require.Equal(t, "keep", name)
	i32, err := vr.ReadInt32()
	require.NoError(t, err)
	assert.Equal(t, int32(7), i32)
}

func TestValueReaderErrorsCarryOffset(t *testing.T) {
	// A document whose declared length exceeds the available bytes.
	raw := []byte{0xFF, 0x00, 0x00, 0x00, 0x0A, 'a', 0x00, 0x00}
	vr := NewValueReader(raw)
	err := vr.ReadStartDocument()
	var serr SerializationError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, ErrKindMalformed, serr.Kind)
	assert.GreaterOrEqual(t, serr.Offset, int64(0))
}
