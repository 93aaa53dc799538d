// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package bson

import (
	"math"

	"github.com/bytev/mongo-go-core/x/bsonx/bsoncore"
)

type readerMode int

const (
	rmTopLevel readerMode = iota
	rmDocument
	rmArray
	rmCodeWithScope
)

func (rm readerMode) String() string {
	switch rm {
	case rmTopLevel:
		return "TopLevel"
	case rmDocument:
		return "Document"
	case rmArray:
		return "Array"
	case rmCodeWithScope:
		return "CodeWithScope"
	default:
		return "Invalid"
	}
}

type readerFrame struct {
	mode  readerMode
	end   int64 // offset one past the frame's terminating null byte
	start int64 // offset of the frame's length prefix
}

// ValueReader is a streaming BSON reader over a byte slice. It yields, in
// order, document/array starts and ends, element types, names, and typed
// values, and supports skipping unknown names and values.
//
// All failures are deterministic and carry the byte offset at which they
// were detected.
type ValueReader struct {
	src    []byte
	offset int64
	stack  []readerFrame

	// vType is the element type consumed by ReadBsonType, pending until its
	// name and value are read.
	vType       Type
	typePending bool
	namePending bool

	markOffset int64
	marked     bool
}

// NewValueReader creates a ValueReader positioned at the start of src, which
// must begin with a complete top-level document.
func NewValueReader(src []byte) *ValueReader {
	return &ValueReader{
		src:   src,
		stack: []readerFrame{{mode: rmTopLevel}},
	}
}

func (vr *ValueReader) frame() *readerFrame { return &vr.stack[len(vr.stack)-1] }

func (vr *ValueReader) invalidStateError(op string) error {
	return newSerializationError(ErrKindInvalidState, vr.offset,
		"cannot %s in %s context", op, vr.frame().mode)
}

func (vr *ValueReader) malformed(format string, args ...interface{}) error {
	return newSerializationError(ErrKindMalformed, vr.offset, format, args...)
}

func (vr *ValueReader) remaining() []byte { return vr.src[vr.offset:] }

// ReadStartDocument begins reading a document, either the top-level document
// or an embedded document whose type tag was just consumed.
func (vr *ValueReader) ReadStartDocument() error {
	switch vr.frame().mode {
	case rmTopLevel, rmCodeWithScope:
	default:
		if err := vr.expectValue(TypeEmbeddedDocument); err != nil {
			return err
		}
	}
	return vr.pushFrame(rmDocument)
}

// ReadEndDocument finishes reading a document. It is only valid when the
// reader is positioned at the document's terminating null byte, i.e. after
// ReadBsonType has returned TypeEndOfDocument.
func (vr *ValueReader) ReadEndDocument() error {
	f := vr.frame()
	if f.mode != rmDocument {
		return vr.invalidStateError("read end of document")
	}
	if vr.offset != f.end-1 {
		return vr.invalidStateError("read end of document before all elements were read")
	}
	vr.offset = f.end
	vr.stack = vr.stack[:len(vr.stack)-1]
	vr.typePending = false

	if vr.frame().mode == rmCodeWithScope {
		vr.stack = vr.stack[:len(vr.stack)-1]
	}
	return nil
}

// ReadStartArray begins reading an array whose type tag was just consumed.
func (vr *ValueReader) ReadStartArray() error {
	if err := vr.expectValue(TypeArray); err != nil {
		return err
	}
	return vr.pushFrame(rmArray)
}

// ReadEndArray finishes reading an array.
func (vr *ValueReader) ReadEndArray() error {
	f := vr.frame()
	if f.mode != rmArray {
		return vr.invalidStateError("read end of array")
	}
	if vr.offset != f.end-1 {
		return vr.invalidStateError("read end of array before all elements were read")
	}
	vr.offset = f.end
	vr.stack = vr.stack[:len(vr.stack)-1]
	vr.typePending = false
	return nil
}

func (vr *ValueReader) pushFrame(mode readerMode) error {
	length, _, ok := bsoncore.ReadLength(vr.remaining())
	if !ok {
		return vr.malformed("not enough bytes to read document length")
	}
	end := vr.offset + int64(length)
	if length < 5 || end > int64(len(vr.src)) {
		return vr.malformed("invalid document length %d", length)
	}
	if vr.src[end-1] != 0x00 {
		return newSerializationError(ErrKindMalformed, end-1, "document end is missing null byte")
	}
	vr.stack = append(vr.stack, readerFrame{mode: mode, end: end, start: vr.offset})
	vr.offset += 4
	vr.typePending = false
	vr.namePending = false
	return nil
}

// ReadBsonType reads the type tag of the next element. At a document or
// array end marker it returns TypeEndOfDocument; the caller should then call
// ReadEndDocument or ReadEndArray.
func (vr *ValueReader) ReadBsonType() (Type, error) {
	f := vr.frame()
	if f.mode != rmDocument && f.mode != rmArray {
		return 0, vr.invalidStateError("read element type")
	}
	if vr.typePending {
		return 0, vr.invalidStateError("read element type twice")
	}
	if vr.offset >= f.end {
		return 0, vr.malformed("no bytes remain in document")
	}
	t := Type(vr.src[vr.offset])
	if t == TypeEndOfDocument {
		if vr.offset != f.end-1 {
			return 0, vr.malformed("end of document byte before end of document")
		}
		return TypeEndOfDocument, nil
	}
	switch t {
	case TypeDouble, TypeString, TypeEmbeddedDocument, TypeArray, TypeBinary,
		TypeUndefined, TypeObjectID, TypeBoolean, TypeDateTime, TypeNull,
		TypeRegex, TypeDBPointer, TypeJavaScript, TypeSymbol,
		TypeCodeWithScope, TypeInt32, TypeTimestamp, TypeInt64,
		TypeDecimal128, TypeMinKey, TypeMaxKey:
	default:
		return 0, vr.malformed("invalid element type %#x", byte(t))
	}
	vr.offset++
	vr.vType = t
	vr.typePending = true
	vr.namePending = true
	return t, nil
}

// ReadName reads the name of the element whose type was just consumed.
// Inside an array the synthesized index name is returned.
func (vr *ValueReader) ReadName() (string, error) {
	if !vr.namePending {
		return "", vr.invalidStateError("read element name")
	}
	name, rem, ok := readCString(vr.remaining())
	if !ok {
		return "", vr.malformed("element name is missing null terminator")
	}
	vr.offset = int64(len(vr.src) - len(rem))
	vr.namePending = false
	return name, nil
}

// SkipName skips the name of the element whose type was just consumed.
func (vr *ValueReader) SkipName() error {
	_, err := vr.ReadName()
	return err
}

// expectValue validates that the pending element type matches t and consumes
// the element name if it has not been read yet.
func (vr *ValueReader) expectValue(t Type) error {
	if !vr.typePending {
		return vr.invalidStateError("read value without element type")
	}
	if vr.namePending {
		if err := vr.SkipName(); err != nil {
			return err
		}
	}
	if vr.vType != t {
		if t == TypeNull || vr.vType != TypeNull {
			return newSerializationError(ErrKindInvalidState, vr.offset,
				"positioned on %s, but attempted to read %s", vr.vType, t)
		}
		// Null read via a typed accessor for a non-nullable target.
		return newSerializationError(ErrKindNullForPrimitive, vr.offset,
			"cannot decode null into a %s", t)
	}
	vr.typePending = false
	return nil
}

// SkipValue skips the value of the element whose type was just consumed.
func (vr *ValueReader) SkipValue() error {
	if !vr.typePending {
		return vr.invalidStateError("skip value without element type")
	}
	if vr.namePending {
		if err := vr.SkipName(); err != nil {
			return err
		}
	}
	_, rem, ok := bsoncore.ReadValueBytes(vr.remaining(), byte(vr.vType))
	if !ok {
		return vr.malformed("insufficient bytes to skip %s value", vr.vType)
	}
	vr.offset = int64(len(vr.src) - len(rem))
	vr.typePending = false
	return nil
}

// Mark records the position of the most recently started document so the
// document can be re-read. Used for lazy decoding.
func (vr *ValueReader) Mark() error {
	f := vr.frame()
	if f.mode != rmDocument && f.mode != rmArray {
		return vr.invalidStateError("mark")
	}
	vr.markOffset = f.start
	vr.marked = true
	return nil
}

// Reset repositions the reader at the document recorded by the last Mark.
// The document's start context is re-entered as if ReadStartDocument had
// just been called.
func (vr *ValueReader) Reset() error {
	if !vr.marked {
		return newSerializationError(ErrKindInvalidState, vr.offset, "no mark to reset to")
	}
	f := vr.frame()
	vr.offset = vr.markOffset
	vr.marked = false
	// Re-enter the marked frame.
	mode := f.mode
	vr.stack = vr.stack[:len(vr.stack)-1]
	length, _, _ := bsoncore.ReadLength(vr.remaining())
	vr.stack = append(vr.stack, readerFrame{mode: mode, end: vr.offset + int64(length), start: vr.offset})
	vr.offset += 4
	vr.typePending = false
	vr.namePending = false
	return nil
}

func (vr *ValueReader) take(n int, what string) ([]byte, error) {
	if int64(len(vr.src))-vr.offset < int64(n) {
		return nil, vr.malformed("insufficient bytes to read %s", what)
	}
	b := vr.src[vr.offset : vr.offset+int64(n)]
	vr.offset += int64(n)
	return b, nil
}

// ReadDouble reads a BSON double.
func (vr *ValueReader) ReadDouble() (float64, error) {
	if err := vr.expectValue(TypeDouble); err != nil {
		return 0, err
	}
	f, rem, ok := bsoncore.ReadDouble(vr.remaining())
	if !ok {
		return 0, vr.malformed("insufficient bytes to read double")
	}
	vr.offset = int64(len(vr.src) - len(rem))
	return f, nil
}

// ReadString reads a BSON string.
func (vr *ValueReader) ReadString() (string, error) {
	if err := vr.expectValue(TypeString); err != nil {
		return "", err
	}
	s, rem, ok := bsoncore.ReadString(vr.remaining())
	if !ok {
		return "", vr.malformed("invalid string value")
	}
	vr.offset = int64(len(vr.src) - len(rem))
	return s, nil
}

// ReadBinary reads a BSON binary value.
func (vr *ValueReader) ReadBinary() (Binary, error) {
	if err := vr.expectValue(TypeBinary); err != nil {
		return Binary{}, err
	}
	subtype, data, rem, ok := bsoncore.ReadBinary(vr.remaining())
	if !ok {
		return Binary{}, vr.malformed("invalid binary value")
	}
	vr.offset = int64(len(vr.src) - len(rem))
	out := make([]byte, len(data))
	copy(out, data)
	return Binary{Subtype: subtype, Data: out}, nil
}

// ReadUndefined reads a BSON undefined.
func (vr *ValueReader) ReadUndefined() error {
	return vr.expectValue(TypeUndefined)
}

// ReadObjectID reads a BSON ObjectID.
func (vr *ValueReader) ReadObjectID() (ObjectID, error) {
	if err := vr.expectValue(TypeObjectID); err != nil {
		return NilObjectID, err
	}
	b, err := vr.take(12, "objectID")
	if err != nil {
		return NilObjectID, err
	}
	var oid ObjectID
	copy(oid[:], b)
	return oid, nil
}

// ReadBoolean reads a BSON boolean.
func (vr *ValueReader) ReadBoolean() (bool, error) {
	if err := vr.expectValue(TypeBoolean); err != nil {
		return false, err
	}
	b, err := vr.take(1, "boolean")
	if err != nil {
		return false, err
	}
	if b[0] > 1 {
		return false, vr.malformed("invalid byte %#x for boolean", b[0])
	}
	return b[0] == 1, nil
}

// ReadDateTime reads a BSON UTC datetime as milliseconds since the epoch.
func (vr *ValueReader) ReadDateTime() (int64, error) {
	if err := vr.expectValue(TypeDateTime); err != nil {
		return 0, err
	}
	dt, rem, ok := bsoncore.ReadDateTime(vr.remaining())
	if !ok {
		return 0, vr.malformed("insufficient bytes to read datetime")
	}
	vr.offset = int64(len(vr.src) - len(rem))
	return dt, nil
}

// ReadNull reads a BSON null.
func (vr *ValueReader) ReadNull() error {
	return vr.expectValue(TypeNull)
}

// ReadRegex reads a BSON regular expression.
func (vr *ValueReader) ReadRegex() (Regex, error) {
	if err := vr.expectValue(TypeRegex); err != nil {
		return Regex{}, err
	}
	pattern, options, rem, ok := bsoncore.ReadRegex(vr.remaining())
	if !ok {
		return Regex{}, vr.malformed("invalid regex value")
	}
	vr.offset = int64(len(vr.src) - len(rem))
	return Regex{Pattern: pattern, Options: options}, nil
}

// ReadDBPointer reads a BSON dbpointer.
func (vr *ValueReader) ReadDBPointer() (DBPointer, error) {
	if err := vr.expectValue(TypeDBPointer); err != nil {
		return DBPointer{}, err
	}
	ns, oid, rem, ok := bsoncore.ReadDBPointer(vr.remaining())
	if !ok {
		return DBPointer{}, vr.malformed("invalid dbpointer value")
	}
	vr.offset = int64(len(vr.src) - len(rem))
	return DBPointer{DB: ns, Pointer: oid}, nil
}

// ReadJavaScript reads a BSON JavaScript code value.
func (vr *ValueReader) ReadJavaScript() (string, error) {
	if err := vr.expectValue(TypeJavaScript); err != nil {
		return "", err
	}
	js, rem, ok := bsoncore.ReadJavaScript(vr.remaining())
	if !ok {
		return "", vr.malformed("invalid javascript value")
	}
	vr.offset = int64(len(vr.src) - len(rem))
	return js, nil
}

// ReadSymbol reads a BSON symbol.
func (vr *ValueReader) ReadSymbol() (Symbol, error) {
	if err := vr.expectValue(TypeSymbol); err != nil {
		return "", err
	}
	s, rem, ok := bsoncore.ReadSymbol(vr.remaining())
	if !ok {
		return "", vr.malformed("invalid symbol value")
	}
	vr.offset = int64(len(vr.src) - len(rem))
	return Symbol(s), nil
}

// ReadCodeWithScope reads the code portion of a BSON code-with-scope value
// and opens its scope context. The caller must follow with
// ReadStartDocument/ReadEndDocument for the scope.
func (vr *ValueReader) ReadCodeWithScope() (string, error) {
	if err := vr.expectValue(TypeCodeWithScope); err != nil {
		return "", err
	}
	total, rem, ok := bsoncore.ReadLength(vr.remaining())
	if !ok {
		return "", vr.malformed("insufficient bytes to read code with scope")
	}
	end := vr.offset + int64(total)
	if end > int64(len(vr.src)) {
		return "", vr.malformed("invalid code with scope length %d", total)
	}
	code, rem, ok := bsoncore.ReadString(rem)
	if !ok {
		return "", vr.malformed("invalid code with scope code string")
	}
	vr.offset = int64(len(vr.src) - len(rem))
	vr.stack = append(vr.stack, readerFrame{mode: rmCodeWithScope, end: end, start: vr.offset})
	return code, nil
}

// ReadInt32 reads a BSON int32. If the stream carries an int64 or a double,
// the value is coerced iff it round-trips; otherwise the read fails with a
// NumericOverflow error.
func (vr *ValueReader) ReadInt32() (int32, error) {
	if !vr.typePending {
		return 0, vr.invalidStateError("read value without element type")
	}
	switch vr.vType {
	case TypeInt32:
		if err := vr.expectValue(TypeInt32); err != nil {
			return 0, err
		}
		i32, rem, ok := bsoncore.ReadInt32(vr.remaining())
		if !ok {
			return 0, vr.malformed("insufficient bytes to read int32")
		}
		vr.offset = int64(len(vr.src) - len(rem))
		return i32, nil
	case TypeInt64:
		i64, err := vr.ReadInt64()
		if err != nil {
			return 0, err
		}
		if i64 < math.MinInt32 || i64 > math.MaxInt32 {
			return 0, newSerializationError(ErrKindNumericOverflow, vr.offset,
				"%d overflows int32", i64)
		}
		return int32(i64), nil
	case TypeDouble:
		f, err := vr.ReadDouble()
		if err != nil {
			return 0, err
		}
		if f != math.Trunc(f) || f < math.MinInt32 || f > math.MaxInt32 {
			return 0, newSerializationError(ErrKindNumericOverflow, vr.offset,
				"%g does not round-trip through int32", f)
		}
		return int32(f), nil
	case TypeNull:
		return 0, newSerializationError(ErrKindNullForPrimitive, vr.offset,
			"cannot decode null into an int32")
	default:
		return 0, newSerializationError(ErrKindInvalidState, vr.offset,
			"positioned on %s, but attempted to read int32", vr.vType)
	}
}

// ReadInt64 reads a BSON int64, coercing int32 values and round-tripping
// doubles.
func (vr *ValueReader) ReadInt64() (int64, error) {
	if !vr.typePending {
		return 0, vr.invalidStateError("read value without element type")
	}
	switch vr.vType {
	case TypeInt64:
		if err := vr.expectValue(TypeInt64); err != nil {
			return 0, err
		}
		i64, rem, ok := bsoncore.ReadInt64(vr.remaining())
		if !ok {
			return 0, vr.malformed("insufficient bytes to read int64")
		}
		vr.offset = int64(len(vr.src) - len(rem))
		return i64, nil
	case TypeInt32:
		i32, err := vr.ReadInt32()
		if err != nil {
			return 0, err
		}
		return int64(i32), nil
	case TypeDouble:
		f, err := vr.ReadDouble()
		if err != nil {
			return 0, err
		}
		if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
			return 0, newSerializationError(ErrKindNumericOverflow, vr.offset,
				"%g does not round-trip through int64", f)
		}
		return int64(f), nil
	case TypeNull:
		return 0, newSerializationError(ErrKindNullForPrimitive, vr.offset,
			"cannot decode null into an int64")
	default:
		return 0, newSerializationError(ErrKindInvalidState, vr.offset,
			"positioned on %s, but attempted to read int64", vr.vType)
	}
}

// ReadTimestamp reads a BSON timestamp.
func (vr *ValueReader) ReadTimestamp() (Timestamp, error) {
	if err := vr.expectValue(TypeTimestamp); err != nil {
		return Timestamp{}, err
	}
	t, i, rem, ok := bsoncore.ReadTimestamp(vr.remaining())
	if !ok {
		return Timestamp{}, vr.malformed("insufficient bytes to read timestamp")
	}
	vr.offset = int64(len(vr.src) - len(rem))
	return Timestamp{T: t, I: i}, nil
}

// ReadDecimal128 reads a BSON decimal128.
func (vr *ValueReader) ReadDecimal128() (Decimal128, error) {
	if err := vr.expectValue(TypeDecimal128); err != nil {
		return Decimal128{}, err
	}
	h, l, rem, ok := bsoncore.ReadDecimal128(vr.remaining())
	if !ok {
		return Decimal128{}, vr.malformed("insufficient bytes to read decimal128")
	}
	vr.offset = int64(len(vr.src) - len(rem))
	return NewDecimal128(h, l), nil
}

// ReadMinKey reads a BSON minkey.
func (vr *ValueReader) ReadMinKey() error {
	return vr.expectValue(TypeMinKey)
}

// ReadMaxKey reads a BSON maxkey.
func (vr *ValueReader) ReadMaxKey() error {
	return vr.expectValue(TypeMaxKey)
}

func readCString(src []byte) (string, []byte, bool) {
	for i, b := range src {
		if b == 0x00 {
			return string(src[:i]), src[i+1:], true
		}
	}
	return "", src, false
}
