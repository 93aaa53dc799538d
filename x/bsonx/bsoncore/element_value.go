// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package bsoncore

import (
	"fmt"
	"strconv"
	"time"
)

// MalformedElementError represents a class of errors distinguishing invalid
// element components.
type MalformedElementError string

func (mee MalformedElementError) Error() string { return string(mee) }

// ErrElementMissingKey is returned when a RawElement is missing a key.
const ErrElementMissingKey MalformedElementError = "element is missing key"

// ErrElementMissingType is returned when a RawElement is missing a type.
const ErrElementMissingType MalformedElementError = "element is missing type"

// Element is a raw bytes representation of a BSON element: type byte, key
// cstring, and value bytes.
type Element []byte

// ReadElement reads the next full element from src. It returns the element,
// the remaining bytes in the slice, and a boolean indicating if the read was
// successful.
func ReadElement(src []byte) (Element, []byte, bool) {
	if len(src) < 1 {
		return nil, src, false
	}
	t := src[0]
	idx := -1
	for i, b := range src[1:] {
		if b == 0x00 {
			idx = i + 1
			break
		}
	}
	if idx < 0 {
		return nil, src, false
	}
	length, err := valueLength(t, src[idx+1:])
	if err != nil {
		return nil, src, false
	}
	elemLength := 1 + idx + int(length)
	if elemLength > len(src) {
		return nil, src, false
	}
	return src[:elemLength], src[elemLength:], true
}

// Key returns the key for this element. If the element is not valid, this
// method returns an empty string.
func (e Element) Key() string {
	key, ok := e.KeyErr()
	if !ok {
		return ""
	}
	return key
}

// KeyErr returns the key for this element along with a boolean indicating
// validity.
func (e Element) KeyErr() (string, bool) {
	if len(e) < 2 {
		return "", false
	}
	key, _, ok := readcstring(e[1:])
	return key, ok
}

// Value returns the value of this element. If the element is not valid, this
// method returns an empty Value.
func (e Element) Value() Value {
	key, ok := e.KeyErr()
	if !ok {
		return Value{}
	}
	return Value{Type: e[0], Data: e[2+len(key):]}
}

// Validate ensures the element is a valid BSON element.
func (e Element) Validate() error {
	if len(e) < 1 {
		return ErrElementMissingType
	}
	_, ok := e.KeyErr()
	if !ok {
		return ErrElementMissingKey
	}
	return e.Value().Validate()
}

// String implements the fmt.Stringer interface.
func (e Element) String() string {
	key, ok := e.KeyErr()
	if !ok {
		return ""
	}
	val := e.Value()
	if err := val.Validate(); err != nil {
		return ""
	}
	return fmt.Sprintf(`"%s": %s`, key, val.String())
}

// DebugString outputs a human readable version of the element even when it
// is not entirely valid.
func (e Element) DebugString() string {
	if len(e) < 1 {
		return "<malformed>"
	}
	key, ok := e.KeyErr()
	if !ok {
		return "<malformed>"
	}
	return fmt.Sprintf(`Element{[%#x]"%s": %s}`, e[0], key, e.Value().DebugString())
}

// Value represents a BSON value with a type and raw bytes.
type Value struct {
	Type byte
	Data []byte
}

// Validate ensures the value is a valid BSON value.
func (v Value) Validate() error {
	_, err := valueLength(v.Type, v.Data)
	return err
}

// IsNumber returns true if the type of v is a numeric BSON type.
func (v Value) IsNumber() bool {
	switch v.Type {
	case 0x01, 0x10, 0x12, 0x13:
		return true
	default:
		return false
	}
}

// Double returns the float64 value for this element. It panics if e's BSON
// type is not double or there are insufficient bytes.
func (v Value) Double() float64 {
	f, ok := v.DoubleOK()
	if !ok {
		panic(ElementTypeError{"bsoncore.Value.Double", v.Type})
	}
	return f
}

// DoubleOK is the same as Double, but returns a boolean instead of panicking.
func (v Value) DoubleOK() (float64, bool) {
	if v.Type != 0x01 {
		return 0, false
	}
	f, _, ok := ReadDouble(v.Data)
	return f, ok
}

// StringValue returns the string for this element. It panics if e's BSON
// type is not string.
func (v Value) StringValue() string {
	s, ok := v.StringValueOK()
	if !ok {
		panic(ElementTypeError{"bsoncore.Value.StringValue", v.Type})
	}
	return s
}

// StringValueOK is the same as StringValue, but returns a boolean instead of
// panicking.
func (v Value) StringValueOK() (string, bool) {
	if v.Type != 0x02 {
		return "", false
	}
	s, _, ok := ReadString(v.Data)
	return s, ok
}

// Document returns the BSON document the Value represents as a Document. It
// panics if the value is a BSON type other than document.
func (v Value) Document() Document {
	doc, ok := v.DocumentOK()
	if !ok {
		panic(ElementTypeError{"bsoncore.Value.Document", v.Type})
	}
	return doc
}

// DocumentOK is the same as Document, but returns a boolean instead of
// panicking.
func (v Value) DocumentOK() (Document, bool) {
	if v.Type != 0x03 {
		return nil, false
	}
	doc, _, ok := ReadDocument(v.Data)
	return doc, ok
}

// Array returns the BSON array the Value represents as an Array. It panics
// if the value is a BSON type other than array.
func (v Value) Array() Array {
	arr, ok := v.ArrayOK()
	if !ok {
		panic(ElementTypeError{"bsoncore.Value.Array", v.Type})
	}
	return arr
}

// ArrayOK is the same as Array, but returns a boolean instead of panicking.
func (v Value) ArrayOK() (Array, bool) {
	if v.Type != 0x04 {
		return nil, false
	}
	arr, _, ok := ReadArray(v.Data)
	return arr, ok
}

// BinaryOK returns the BSON binary value the Value represents, with a
// boolean indicating success.
func (v Value) BinaryOK() (subtype byte, data []byte, ok bool) {
	if v.Type != 0x05 {
		return 0x00, nil, false
	}
	subtype, data, _, ok = ReadBinary(v.Data)
	return subtype, data, ok
}

// ObjectIDOK returns the BSON objectid value the Value represents, with a
// boolean indicating success.
func (v Value) ObjectIDOK() ([12]byte, bool) {
	if v.Type != 0x07 {
		return [12]byte{}, false
	}
	oid, _, ok := ReadObjectID(v.Data)
	return oid, ok
}

// Boolean returns the boolean value the Value represents. It panics if the
// value is a BSON type other than boolean.
func (v Value) Boolean() bool {
	b, ok := v.BooleanOK()
	if !ok {
		panic(ElementTypeError{"bsoncore.Value.Boolean", v.Type})
	}
	return b
}

// BooleanOK is the same as Boolean, but returns a boolean instead of
// panicking.
func (v Value) BooleanOK() (bool, bool) {
	if v.Type != 0x08 {
		return false, false
	}
	b, _, ok := ReadBoolean(v.Data)
	return b, ok
}

// DateTimeOK returns the BSON datetime (milliseconds since the epoch) the
// Value represents, with a boolean indicating success.
func (v Value) DateTimeOK() (int64, bool) {
	if v.Type != 0x09 {
		return 0, false
	}
	dt, _, ok := ReadDateTime(v.Data)
	return dt, ok
}

// TimeOK returns the time.Time the Value represents, with a boolean
// indicating success.
func (v Value) TimeOK() (time.Time, bool) {
	dt, ok := v.DateTimeOK()
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(dt/1000, dt%1000*1000000).UTC(), true
}

// RegexOK returns the BSON regex the Value represents, with a boolean
// indicating success.
func (v Value) RegexOK() (pattern, options string, ok bool) {
	if v.Type != 0x0B {
		return "", "", false
	}
	pattern, options, _, ok = ReadRegex(v.Data)
	return pattern, options, ok
}

// Int32 returns the int32 the Value represents. It panics if the value is a
// BSON type other than int32.
func (v Value) Int32() int32 {
	i32, ok := v.Int32OK()
	if !ok {
		panic(ElementTypeError{"bsoncore.Value.Int32", v.Type})
	}
	return i32
}

// Int32OK is the same as Int32, but returns a boolean instead of panicking.
func (v Value) Int32OK() (int32, bool) {
	if v.Type != 0x10 {
		return 0, false
	}
	i32, _, ok := ReadInt32(v.Data)
	return i32, ok
}

// TimestampOK returns the BSON timestamp the Value represents, with a
// boolean indicating success.
func (v Value) TimestampOK() (t, i uint32, ok bool) {
	if v.Type != 0x11 {
		return 0, 0, false
	}
	t, i, _, ok = ReadTimestamp(v.Data)
	return t, i, ok
}

// Int64 returns the int64 the Value represents. It panics if the value is a
// BSON type other than int64.
func (v Value) Int64() int64 {
	i64, ok := v.Int64OK()
	if !ok {
		panic(ElementTypeError{"bsoncore.Value.Int64", v.Type})
	}
	return i64
}

// Int64OK is the same as Int64, but returns a boolean instead of panicking.
func (v Value) Int64OK() (int64, bool) {
	if v.Type != 0x12 {
		return 0, false
	}
	i64, _, ok := ReadInt64(v.Data)
	return i64, ok
}

// AsInt64OK returns an int64 for BSON int32, int64, or double values,
// returning false for other types or doubles with a fractional part.
func (v Value) AsInt64OK() (int64, bool) {
	switch v.Type {
	case 0x10:
		i32, ok := v.Int32OK()
		return int64(i32), ok
	case 0x12:
		return v.Int64OK()
	case 0x01:
		f, ok := v.DoubleOK()
		if !ok || f != float64(int64(f)) {
			return 0, false
		}
		return int64(f), true
	default:
		return 0, false
	}
}

// Decimal128OK returns the BSON decimal128 the Value represents, with a
// boolean indicating success.
func (v Value) Decimal128OK() (h, l uint64, ok bool) {
	if v.Type != 0x13 {
		return 0, 0, false
	}
	h, l, _, ok = ReadDecimal128(v.Data)
	return h, l, ok
}

// ElementTypeError specifies that a method to obtain a BSON value an
// incorrect type was called on a bson.Value.
type ElementTypeError struct {
	Method string
	Type   byte
}

func (ete ElementTypeError) Error() string {
	return "Call of " + ete.Method + " on value of type " + fmt.Sprintf("%#x", ete.Type)
}

// String implements the fmt.Stringer interface.
func (v Value) String() string {
	switch v.Type {
	case 0x01:
		f, ok := v.DoubleOK()
		if !ok {
			return ""
		}
		return fmt.Sprintf(`{"$numberDouble":"%s"}`, formatDouble(f))
	case 0x02:
		s, ok := v.StringValueOK()
		if !ok {
			return ""
		}
		return strconv.Quote(s)
	case 0x03:
		doc, ok := v.DocumentOK()
		if !ok {
			return ""
		}
		return doc.String()
	case 0x04:
		arr, ok := v.ArrayOK()
		if !ok {
			return ""
		}
		return docAsArrayString(arr)
	case 0x05:
		subtype, data, ok := v.BinaryOK()
		if !ok {
			return ""
		}
		return fmt.Sprintf(`{"$binary":{"byteCount":%d,"subType":"%02x"}}`, len(data), subtype)
	case 0x06:
		return `{"$undefined":true}`
	case 0x07:
		oid, ok := v.ObjectIDOK()
		if !ok {
			return ""
		}
		return fmt.Sprintf(`{"$oid":"%x"}`, oid[:])
	case 0x08:
		b, ok := v.BooleanOK()
		if !ok {
			return ""
		}
		return strconv.FormatBool(b)
	case 0x09:
		dt, ok := v.DateTimeOK()
		if !ok {
			return ""
		}
		return fmt.Sprintf(`{"$date":{"$numberLong":"%d"}}`, dt)
	case 0x0A:
		return "null"
	case 0x0B:
		pattern, options, ok := v.RegexOK()
		if !ok {
			return ""
		}
		return fmt.Sprintf(`{"$regularExpression":{"pattern":%s,"options":%q}}`, strconv.Quote(pattern), options)
	case 0x10:
		i32, ok := v.Int32OK()
		if !ok {
			return ""
		}
		return fmt.Sprintf(`{"$numberInt":"%d"}`, i32)
	case 0x11:
		t, i, ok := v.TimestampOK()
		if !ok {
			return ""
		}
		return fmt.Sprintf(`{"$timestamp":{"t":%d,"i":%d}}`, t, i)
	case 0x12:
		i64, ok := v.Int64OK()
		if !ok {
			return ""
		}
		return fmt.Sprintf(`{"$numberLong":"%d"}`, i64)
	case 0xFF:
		return `{"$minKey":1}`
	case 0x7F:
		return `{"$maxKey":1}`
	default:
		return fmt.Sprintf("<value of type %#x>", v.Type)
	}
}

// DebugString outputs a human readable version of the value even when it is
// not entirely valid.
func (v Value) DebugString() string {
	s := v.String()
	if s == "" {
		return "<malformed>"
	}
	return s
}

func formatDouble(f float64) string {
	return strconv.FormatFloat(f, 'G', -1, 64)
}

func docAsArrayString(arr Document) string {
	var s string
	s += "["
	vals, err := arr.Values()
	if err != nil {
		return ""
	}
	for idx, val := range vals {
		if idx > 0 {
			s += ","
		}
		s += val.String()
	}
	return s + "]"
}
