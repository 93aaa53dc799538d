// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package bsoncore contains functions that can be used to encode and decode
// BSON elements and values to or from a slice of bytes. These functions are
// aimed at allowing low level manipulation of BSON and can be used to build a
// higher level BSON library. The AppendX functions append a value to the
// provided []byte and return the extended slice; the ReadX functions read a
// value from the front of the provided []byte and return the remaining bytes.
package bsoncore

import (
	"encoding/binary"
	"math"
)

// AppendType appends t to dst.
func AppendType(dst []byte, t byte) []byte { return append(dst, t) }

// AppendKey appends key as a BSON cstring to dst.
func AppendKey(dst []byte, key string) []byte { return append(append(dst, key...), 0x00) }

// AppendHeader appends a BSON element header (type byte and key) to dst.
func AppendHeader(dst []byte, t byte, key string) []byte {
	return AppendKey(AppendType(dst, t), key)
}

// AppendLength appends i32 as a little-endian int32 to dst.
func AppendLength(dst []byte, i32 int32) []byte { return appendi32(dst, i32) }

// ReserveLength reserves space for a little-endian int32 and returns the
// index at which it was reserved.
func ReserveLength(dst []byte) (int32, []byte) {
	index := int32(len(dst))
	return index, appendi32(dst, 0)
}

// UpdateLength updates the length at index to len(dst)-index.
func UpdateLength(dst []byte, index int32) []byte {
	binary.LittleEndian.PutUint32(dst[index:], uint32(int32(len(dst))-index))
	return dst
}

// ReadLength reads an int32 length from src.
func ReadLength(src []byte) (int32, []byte, bool) {
	l, rem, ok := readi32(src)
	if l < 0 {
		return 0, src, false
	}
	return l, rem, ok
}

// AppendDouble appends f to dst as a BSON double value.
func AppendDouble(dst []byte, f float64) []byte {
	return appendu64(dst, math.Float64bits(f))
}

// ReadDouble reads a BSON double from src.
func ReadDouble(src []byte) (float64, []byte, bool) {
	bits, rem, ok := readu64(src)
	return math.Float64frombits(bits), rem, ok
}

// AppendString appends s to dst as a BSON string value.
func AppendString(dst []byte, s string) []byte {
	dst = appendi32(dst, int32(len(s))+1)
	dst = append(dst, s...)
	return append(dst, 0x00)
}

// ReadString reads a BSON string from src.
func ReadString(src []byte) (string, []byte, bool) {
	l, rem, ok := ReadLength(src)
	if !ok || l < 1 {
		return "", src, false
	}
	if len(rem) < int(l) || rem[l-1] != 0x00 {
		return "", src, false
	}
	return string(rem[:l-1]), rem[l:], true
}

// AppendDocumentStart reserves a document's length and returns the index
// where the length begins, along with the extended slice.
func AppendDocumentStart(dst []byte) (index int32, b []byte) {
	index = int32(len(dst))
	return index, appendi32(dst, 0)
}

// AppendDocumentEnd writes the null byte for a document and updates the
// length of the document. The index should be the index retrieved from
// AppendDocumentStart.
func AppendDocumentEnd(dst []byte, index int32) []byte {
	return UpdateLength(append(dst, 0x00), index)
}

// AppendDocumentElementStart appends a document element header and reserves
// the document's length, returning the index where the length begins.
func AppendDocumentElementStart(dst []byte, key string) (index int32, b []byte) {
	return AppendDocumentStart(AppendHeader(dst, 0x03, key))
}

// AppendArrayElementStart appends an array element header and reserves the
// array's length, returning the index where the length begins.
func AppendArrayElementStart(dst []byte, key string) (index int32, b []byte) {
	return AppendArrayStart(AppendHeader(dst, 0x04, key))
}

// AppendDocument appends doc to dst.
func AppendDocument(dst []byte, doc []byte) []byte { return append(dst, doc...) }

// ReadDocument reads a BSON document from src.
func ReadDocument(src []byte) (doc Document, rem []byte, ok bool) {
	return readLengthBytes(src)
}

// AppendArrayStart appends the length bytes to an array and returns the
// index of the start of the array.
func AppendArrayStart(dst []byte) (index int32, b []byte) { return AppendDocumentStart(dst) }

// AppendArrayEnd appends the null byte to an array and calculates the length.
func AppendArrayEnd(dst []byte, index int32) []byte { return AppendDocumentEnd(dst, index) }

// ReadArray reads a BSON array from src.
func ReadArray(src []byte) (arr Array, rem []byte, ok bool) {
	doc, rem, ok := readLengthBytes(src)
	return Array(doc), rem, ok
}

// AppendBinary appends b to dst as a BSON binary value.
func AppendBinary(dst []byte, subtype byte, b []byte) []byte {
	dst = append(appendi32(dst, int32(len(b))), subtype)
	return append(dst, b...)
}

// ReadBinary reads a BSON binary from src.
func ReadBinary(src []byte) (subtype byte, b []byte, rem []byte, ok bool) {
	l, rem, ok := ReadLength(src)
	if !ok || len(rem) < 1 {
		return 0x00, nil, src, false
	}
	subtype, rem = rem[0], rem[1:]
	if len(rem) < int(l) {
		return 0x00, nil, src, false
	}
	return subtype, rem[:l], rem[l:], true
}

// AppendObjectID appends oid to dst.
func AppendObjectID(dst []byte, oid [12]byte) []byte { return append(dst, oid[:]...) }

// ReadObjectID reads a BSON ObjectID from src.
func ReadObjectID(src []byte) (oid [12]byte, rem []byte, ok bool) {
	if len(src) < 12 {
		return oid, src, false
	}
	copy(oid[:], src[:12])
	return oid, src[12:], true
}

// AppendBoolean appends b to dst as a BSON boolean value.
func AppendBoolean(dst []byte, b bool) []byte {
	if b {
		return append(dst, 0x01)
	}
	return append(dst, 0x00)
}

// ReadBoolean reads a BSON boolean from src.
func ReadBoolean(src []byte) (b bool, rem []byte, ok bool) {
	if len(src) < 1 {
		return false, src, false
	}
	return src[0] == 0x01, src[1:], true
}

// AppendDateTime appends dt (milliseconds since the epoch) to dst.
func AppendDateTime(dst []byte, dt int64) []byte { return appendi64(dst, dt) }

// ReadDateTime reads a BSON datetime from src.
func ReadDateTime(src []byte) (int64, []byte, bool) { return readi64(src) }

// AppendRegex appends pattern and options to dst as a BSON regex value.
func AppendRegex(dst []byte, pattern, options string) []byte {
	return append(append(append(append(dst, pattern...), 0x00), options...), 0x00)
}

// ReadRegex reads a BSON regex from src.
func ReadRegex(src []byte) (pattern, options string, rem []byte, ok bool) {
	pattern, rem, ok = readcstring(src)
	if !ok {
		return "", "", src, false
	}
	options, rem, ok = readcstring(rem)
	if !ok {
		return "", "", src, false
	}
	return pattern, options, rem, true
}

// AppendDBPointer appends ns and oid to dst as a BSON dbpointer value.
func AppendDBPointer(dst []byte, ns string, oid [12]byte) []byte {
	return append(AppendString(dst, ns), oid[:]...)
}

// ReadDBPointer reads a BSON dbpointer from src.
func ReadDBPointer(src []byte) (ns string, oid [12]byte, rem []byte, ok bool) {
	ns, rem, ok = ReadString(src)
	if !ok {
		return "", oid, src, false
	}
	oid, rem, ok = ReadObjectID(rem)
	if !ok {
		return "", oid, src, false
	}
	return ns, oid, rem, true
}

// AppendJavaScript appends js to dst as a BSON JavaScript code value.
func AppendJavaScript(dst []byte, js string) []byte { return AppendString(dst, js) }

// ReadJavaScript reads a BSON JavaScript code value from src.
func ReadJavaScript(src []byte) (string, []byte, bool) { return ReadString(src) }

// AppendSymbol appends symbol to dst as a BSON symbol value.
func AppendSymbol(dst []byte, symbol string) []byte { return AppendString(dst, symbol) }

// ReadSymbol reads a BSON symbol value from src.
func ReadSymbol(src []byte) (string, []byte, bool) { return ReadString(src) }

// AppendCodeWithScope appends code and scope to dst as a BSON JavaScript
// code with scope value.
func AppendCodeWithScope(dst []byte, code string, scope []byte) []byte {
	length := int32(4 + 4 + len(code) + 1 + len(scope))
	dst = appendi32(dst, length)
	dst = AppendString(dst, code)
	return append(dst, scope...)
}

// ReadCodeWithScope reads a BSON JavaScript code with scope value from src.
func ReadCodeWithScope(src []byte) (code string, scope Document, rem []byte, ok bool) {
	l, rem, ok := ReadLength(src)
	if !ok || len(src) < int(l) {
		return "", nil, src, false
	}
	code, rem, ok = ReadString(rem)
	if !ok {
		return "", nil, src, false
	}
	scope, rem, ok = ReadDocument(rem)
	if !ok {
		return "", nil, src, false
	}
	return code, scope, rem, true
}

// AppendInt32 appends i32 to dst.
func AppendInt32(dst []byte, i32 int32) []byte { return appendi32(dst, i32) }

// ReadInt32 reads a BSON int32 from src.
func ReadInt32(src []byte) (int32, []byte, bool) { return readi32(src) }

// AppendTimestamp appends t (seconds) and i (increment) to dst as a BSON
// timestamp. The increment is written first per the specification.
func AppendTimestamp(dst []byte, t, i uint32) []byte {
	return appendu32(appendu32(dst, i), t)
}

// ReadTimestamp reads a BSON timestamp from src.
func ReadTimestamp(src []byte) (t, i uint32, rem []byte, ok bool) {
	i, rem, ok = readu32(src)
	if !ok {
		return 0, 0, src, false
	}
	t, rem, ok = readu32(rem)
	if !ok {
		return 0, 0, src, false
	}
	return t, i, rem, true
}

// AppendInt64 appends i64 to dst.
func AppendInt64(dst []byte, i64 int64) []byte { return appendi64(dst, i64) }

// ReadInt64 reads a BSON int64 from src.
func ReadInt64(src []byte) (int64, []byte, bool) { return readi64(src) }

// AppendDecimal128 appends the low and high portions of d128 to dst.
func AppendDecimal128(dst []byte, h, l uint64) []byte {
	return appendu64(appendu64(dst, l), h)
}

// ReadDecimal128 reads a BSON decimal128 from src.
func ReadDecimal128(src []byte) (h, l uint64, rem []byte, ok bool) {
	l, rem, ok = readu64(src)
	if !ok {
		return 0, 0, src, false
	}
	h, rem, ok = readu64(rem)
	if !ok {
		return 0, 0, src, false
	}
	return h, l, rem, true
}

// AppendDoubleElement appends a BSON double element with the given key to dst.
func AppendDoubleElement(dst []byte, key string, f float64) []byte {
	return AppendDouble(AppendHeader(dst, 0x01, key), f)
}

// AppendStringElement appends a BSON string element with the given key to dst.
func AppendStringElement(dst []byte, key, val string) []byte {
	return AppendString(AppendHeader(dst, 0x02, key), val)
}

// AppendDocumentElement appends a BSON embedded document element with the
// given key to dst.
func AppendDocumentElement(dst []byte, key string, doc []byte) []byte {
	return AppendDocument(AppendHeader(dst, 0x03, key), doc)
}

// AppendArrayElement appends a BSON array element with the given key to dst.
func AppendArrayElement(dst []byte, key string, arr []byte) []byte {
	return AppendDocument(AppendHeader(dst, 0x04, key), arr)
}

// AppendBinaryElement appends a BSON binary element with the given key to dst.
func AppendBinaryElement(dst []byte, key string, subtype byte, b []byte) []byte {
	return AppendBinary(AppendHeader(dst, 0x05, key), subtype, b)
}

// AppendUndefinedElement appends a BSON undefined element with the given key
// to dst.
func AppendUndefinedElement(dst []byte, key string) []byte {
	return AppendHeader(dst, 0x06, key)
}

// AppendObjectIDElement appends a BSON ObjectID element with the given key
// to dst.
func AppendObjectIDElement(dst []byte, key string, oid [12]byte) []byte {
	return AppendObjectID(AppendHeader(dst, 0x07, key), oid)
}

// AppendBooleanElement appends a BSON boolean element with the given key to
// dst.
func AppendBooleanElement(dst []byte, key string, b bool) []byte {
	return AppendBoolean(AppendHeader(dst, 0x08, key), b)
}

// AppendDateTimeElement appends a BSON datetime element with the given key
// to dst.
func AppendDateTimeElement(dst []byte, key string, dt int64) []byte {
	return AppendDateTime(AppendHeader(dst, 0x09, key), dt)
}

// AppendNullElement appends a BSON null element with the given key to dst.
func AppendNullElement(dst []byte, key string) []byte {
	return AppendHeader(dst, 0x0A, key)
}

// AppendRegexElement appends a BSON regex element with the given key to dst.
func AppendRegexElement(dst []byte, key, pattern, options string) []byte {
	return AppendRegex(AppendHeader(dst, 0x0B, key), pattern, options)
}

// AppendJavaScriptElement appends a BSON JavaScript code element with the
// given key to dst.
func AppendJavaScriptElement(dst []byte, key, js string) []byte {
	return AppendJavaScript(AppendHeader(dst, 0x0D, key), js)
}

// AppendInt32Element appends a BSON int32 element with the given key to dst.
func AppendInt32Element(dst []byte, key string, i32 int32) []byte {
	return AppendInt32(AppendHeader(dst, 0x10, key), i32)
}

// AppendTimestampElement appends a BSON timestamp element with the given key
// to dst.
func AppendTimestampElement(dst []byte, key string, t, i uint32) []byte {
	return AppendTimestamp(AppendHeader(dst, 0x11, key), t, i)
}

// AppendInt64Element appends a BSON int64 element with the given key to dst.
func AppendInt64Element(dst []byte, key string, i64 int64) []byte {
	return AppendInt64(AppendHeader(dst, 0x12, key), i64)
}

// BuildDocument appends a document to dst constructed from the given
// elements.
func BuildDocument(dst []byte, elems ...[]byte) []byte {
	idx, dst := AppendDocumentStart(dst)
	for _, elem := range elems {
		dst = append(dst, elem...)
	}
	return AppendDocumentEnd(dst, idx)
}

// BuildDocumentFromElements is an alias of BuildDocument.
func BuildDocumentFromElements(dst []byte, elems ...[]byte) []byte {
	return BuildDocument(dst, elems...)
}

func appendi32(dst []byte, i32 int32) []byte {
	return append(dst, byte(i32), byte(i32>>8), byte(i32>>16), byte(i32>>24))
}

func appendi64(dst []byte, i64 int64) []byte {
	return append(dst,
		byte(i64), byte(i64>>8), byte(i64>>16), byte(i64>>24),
		byte(i64>>32), byte(i64>>40), byte(i64>>48), byte(i64>>56),
	)
}

func appendu32(dst []byte, u32 uint32) []byte { return appendi32(dst, int32(u32)) }
func appendu64(dst []byte, u64 uint64) []byte { return appendi64(dst, int64(u64)) }

func readi32(src []byte) (int32, []byte, bool) {
	if len(src) < 4 {
		return 0, src, false
	}
	return int32(binary.LittleEndian.Uint32(src)), src[4:], true
}

func readi64(src []byte) (int64, []byte, bool) {
	if len(src) < 8 {
		return 0, src, false
	}
	return int64(binary.LittleEndian.Uint64(src)), src[8:], true
}

func readu32(src []byte) (uint32, []byte, bool) {
	i32, rem, ok := readi32(src)
	return uint32(i32), rem, ok
}

func readu64(src []byte) (uint64, []byte, bool) {
	i64, rem, ok := readi64(src)
	return uint64(i64), rem, ok
}

func readcstring(src []byte) (string, []byte, bool) {
	idx := -1
	for i, b := range src {
		if b == 0x00 {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", src, false
	}
	return string(src[:idx]), src[idx+1:], true
}

func readLengthBytes(src []byte) ([]byte, []byte, bool) {
	l, _, ok := ReadLength(src)
	if !ok || l < 5 || int(l) > len(src) {
		return nil, src, false
	}
	return src[:l], src[l:], true
}

// EqualValue compares the bytes of two values of the same type.
func EqualValue(t1, t2 byte, v1, v2 []byte) bool {
	if t1 != t2 {
		return false
	}
	b1, err := valueLength(t1, v1)
	if err != nil {
		return false
	}
	b2, err := valueLength(t2, v2)
	if err != nil {
		return false
	}
	return string(v1[:b1]) == string(v2[:b2])
}

// valueLength returns the number of bytes the value of type t occupies at the
// front of src.
func valueLength(t byte, src []byte) (int32, error) {
	switch t {
	case 0x06, 0x0A, 0xFF, 0x7F: // undefined, null, minkey, maxkey
		return 0, nil
	case 0x08: // boolean
		if len(src) < 1 {
			return 0, ErrInsufficientBytes
		}
		return 1, nil
	case 0x10: // int32
		if len(src) < 4 {
			return 0, ErrInsufficientBytes
		}
		return 4, nil
	case 0x01, 0x09, 0x11, 0x12: // double, datetime, timestamp, int64
		if len(src) < 8 {
			return 0, ErrInsufficientBytes
		}
		return 8, nil
	case 0x07: // objectid
		if len(src) < 12 {
			return 0, ErrInsufficientBytes
		}
		return 12, nil
	case 0x13: // decimal128
		if len(src) < 16 {
			return 0, ErrInsufficientBytes
		}
		return 16, nil
	case 0x02, 0x0D, 0x0E: // string, javascript, symbol
		l, _, ok := ReadLength(src)
		if !ok || len(src) < int(l)+4 {
			return 0, ErrInsufficientBytes
		}
		return l + 4, nil
	case 0x03, 0x04, 0x0F: // document, array, code with scope
		l, _, ok := ReadLength(src)
		if !ok || len(src) < int(l) {
			return 0, ErrInsufficientBytes
		}
		return l, nil
	case 0x05: // binary
		l, _, ok := ReadLength(src)
		if !ok || len(src) < int(l)+5 {
			return 0, ErrInsufficientBytes
		}
		return l + 5, nil
	case 0x0B: // regex
		var count int32
		var zeroes int
		for _, b := range src {
			count++
			if b == 0x00 {
				zeroes++
				if zeroes == 2 {
					return count, nil
				}
			}
		}
		return 0, ErrInsufficientBytes
	case 0x0C: // dbpointer
		l, _, ok := ReadLength(src)
		if !ok || len(src) < int(l)+16 {
			return 0, ErrInsufficientBytes
		}
		return l + 16, nil
	default:
		return 0, ErrInvalidType{t}
	}
}

// ReadValueBytes reads the value of type t from the front of src, returning
// the raw value bytes and the remainder.
func ReadValueBytes(src []byte, t byte) (val []byte, rem []byte, ok bool) {
	l, err := valueLength(t, src)
	if err != nil {
		return nil, src, false
	}
	return src[:l], src[l:], true
}
