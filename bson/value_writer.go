// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package bson

import (
	"strconv"

	"github.com/bytev/mongo-go-core/x/bsonx/bsoncore"
)

// DefaultMaxDocumentSize is the writer's document size limit when none is
// configured. It matches the server's 16 MB BSON document cap.
const DefaultMaxDocumentSize = 16 * 1024 * 1024

// DefaultMaxMessageSize matches the server's default maxMessageSizeBytes.
const DefaultMaxMessageSize = 48 * 1000 * 1000

type writerMode int

const (
	wmTopLevel writerMode = iota
	wmDocument
	wmArray
	wmCodeWithScope
)

func (wm writerMode) String() string {
	switch wm {
	case wmTopLevel:
		return "TopLevel"
	case wmDocument:
		return "Document"
	case wmArray:
		return "Array"
	case wmCodeWithScope:
		return "CodeWithScope"
	default:
		return "Invalid"
	}
}

type writerFrame struct {
	mode  writerMode
	start int32 // offset of the frame's length prefix within buf
	idx   int   // next synthesized array index
}

// ValueWriter is a streaming BSON writer. Values are appended to an internal
// buffer; Bytes returns the completed top-level document.
//
// The writer maintains a stack of open contexts. Each write validates that
// the current context admits it: WriteName is only valid directly inside a
// document, a value write without a preceding WriteName is only valid inside
// an array (where element names are synthesized as ascending decimal
// strings).
type ValueWriter struct {
	buf   []byte
	stack []writerFrame

	name        string
	namePending bool

	maxSizes       []int32
	maxMessageSize int32

	markPos int
	markIdx int
	marked  bool
}

// NewValueWriter creates a ValueWriter with the default size limits.
func NewValueWriter() *ValueWriter {
	return NewValueWriterWithLimits(DefaultMaxDocumentSize, DefaultMaxMessageSize)
}

// NewValueWriterWithLimits creates a ValueWriter with the given
// maxDocumentSize and maxMessageSize.
func NewValueWriterWithLimits(maxDocumentSize, maxMessageSize int32) *ValueWriter {
	return &ValueWriter{
		buf:            make([]byte, 0, 256),
		stack:          []writerFrame{{mode: wmTopLevel}},
		maxSizes:       []int32{maxDocumentSize},
		maxMessageSize: maxMessageSize,
	}
}

// Bytes returns the encoded bytes. It is only valid once the top-level
// document has been closed.
func (vw *ValueWriter) Bytes() ([]byte, error) {
	if len(vw.stack) != 1 {
		return nil, newSerializationError(ErrKindInvalidState, -1,
			"cannot take bytes with %d unclosed contexts", len(vw.stack)-1)
	}
	return vw.buf, nil
}

// PushMaxDocumentSize pushes a new active maximum document size. Used when
// embedding documents that must fit a command's per-batch budget.
func (vw *ValueWriter) PushMaxDocumentSize(size int32) {
	vw.maxSizes = append(vw.maxSizes, size)
}

// PopMaxDocumentSize restores the previously active maximum document size.
func (vw *ValueWriter) PopMaxDocumentSize() {
	if len(vw.maxSizes) > 1 {
		vw.maxSizes = vw.maxSizes[:len(vw.maxSizes)-1]
	}
}

func (vw *ValueWriter) maxSize() int32 { return vw.maxSizes[len(vw.maxSizes)-1] }

func (vw *ValueWriter) frame() *writerFrame { return &vw.stack[len(vw.stack)-1] }

// WriteName writes the name for the next value. Only valid directly inside a
// document.
func (vw *ValueWriter) WriteName(name string) error {
	if vw.frame().mode != wmDocument {
		return newSerializationError(ErrKindInvalidState, -1,
			"cannot write name %q in %s context", name, vw.frame().mode)
	}
	if vw.namePending {
		return newSerializationError(ErrKindInvalidState, -1,
			"name %q already pending, expected a value", vw.name)
	}
	vw.name = name
	vw.namePending = true
	return nil
}

// writeHeader appends the element header for a value of type t, consuming
// the pending name or synthesizing an array index.
func (vw *ValueWriter) writeHeader(t Type) error {
	f := vw.frame()
	switch f.mode {
	case wmDocument:
		if !vw.namePending {
			return newSerializationError(ErrKindInvalidState, -1,
				"cannot write %s value without a name in Document context", t)
		}
		vw.buf = bsoncore.AppendHeader(vw.buf, byte(t), vw.name)
		vw.namePending = false
	case wmArray:
		vw.buf = bsoncore.AppendHeader(vw.buf, byte(t), strconv.Itoa(f.idx))
		f.idx++
	default:
		return newSerializationError(ErrKindInvalidState, -1,
			"cannot write %s value in %s context", t, f.mode)
	}
	return nil
}

// checkSize fails with a DocumentTooLarge error if the innermost open
// document now exceeds the active maximum document size.
func (vw *ValueWriter) checkSize() error {
	for i := len(vw.stack) - 1; i >= 1; i-- {
		f := vw.stack[i]
		if f.mode == wmDocument || f.mode == wmArray {
			if size := int32(len(vw.buf)) - f.start; size > vw.maxSize() {
				return newSerializationError(ErrKindDocumentTooLarge, -1,
					"document size %d exceeds maximum of %d", size, vw.maxSize())
			}
			return nil
		}
	}
	return nil
}

// WriteStartDocument begins a document, either at the top level or as the
// value of the pending name / next array element.
func (vw *ValueWriter) WriteStartDocument() error {
	if vw.frame().mode != wmTopLevel && vw.frame().mode != wmCodeWithScope {
		if err := vw.writeHeader(TypeEmbeddedDocument); err != nil {
			return err
		}
	}
	start, buf := bsoncore.AppendDocumentStart(vw.buf)
	vw.buf = buf
	vw.stack = append(vw.stack, writerFrame{mode: wmDocument, start: start})
	return nil
}

// WriteEndDocument closes the innermost open document.
func (vw *ValueWriter) WriteEndDocument() error {
	f := vw.frame()
	if f.mode != wmDocument {
		return newSerializationError(ErrKindInvalidState, -1,
			"cannot end document in %s context", f.mode)
	}
	if vw.namePending {
		return newSerializationError(ErrKindInvalidState, -1,
			"cannot end document with pending name %q", vw.name)
	}
	vw.buf = bsoncore.AppendDocumentEnd(vw.buf, f.start)
	size := int32(len(vw.buf)) - f.start
	if size > vw.maxSize() {
		return newSerializationError(ErrKindDocumentTooLarge, -1,
			"document size %d exceeds maximum of %d", size, vw.maxSize())
	}
	vw.stack = vw.stack[:len(vw.stack)-1]

	// Closing the scope document completes an enclosing code-with-scope
	// value.
	if vw.frame().mode == wmCodeWithScope {
		cws := vw.frame()
		vw.buf = bsoncore.UpdateLength(vw.buf, cws.start)
		vw.stack = vw.stack[:len(vw.stack)-1]
	}
	return nil
}

// WriteStartArray begins an array as the value of the pending name / next
// array element.
func (vw *ValueWriter) WriteStartArray() error {
	if err := vw.writeHeader(TypeArray); err != nil {
		return err
	}
	start, buf := bsoncore.AppendArrayStart(vw.buf)
	vw.buf = buf
	vw.stack = append(vw.stack, writerFrame{mode: wmArray, start: start})
	return nil
}

// WriteEndArray closes the innermost open array.
func (vw *ValueWriter) WriteEndArray() error {
	f := vw.frame()
	if f.mode != wmArray {
		return newSerializationError(ErrKindInvalidState, -1,
			"cannot end array in %s context", f.mode)
	}
	vw.buf = bsoncore.AppendArrayEnd(vw.buf, f.start)
	size := int32(len(vw.buf)) - f.start
	if size > vw.maxSize() {
		return newSerializationError(ErrKindDocumentTooLarge, -1,
			"array size %d exceeds maximum of %d", size, vw.maxSize())
	}
	vw.marked = false
	vw.stack = vw.stack[:len(vw.stack)-1]
	return nil
}

// Mark checkpoints the current write position within the innermost open
// array. Batching command builders use this to provisionally append a
// request and rewind it when a size limit is exceeded.
func (vw *ValueWriter) Mark() error {
	f := vw.frame()
	if f.mode != wmArray {
		return newSerializationError(ErrKindInvalidState, -1,
			"cannot mark in %s context", f.mode)
	}
	vw.markPos = len(vw.buf)
	vw.markIdx = f.idx
	vw.marked = true
	return nil
}

// Reset rewinds the writer to the position recorded by the last Mark.
func (vw *ValueWriter) Reset() error {
	f := vw.frame()
	if f.mode != wmArray || !vw.marked {
		return newSerializationError(ErrKindInvalidState, -1, "no mark to reset to")
	}
	vw.buf = vw.buf[:vw.markPos]
	f.idx = vw.markIdx
	vw.marked = false
	return nil
}

// Pipe copies a complete raw document from src into the writer as the value
// of the pending name / next array element without re-parsing its contents.
// The leading length prefix is rewritten from the copied bytes.
func (vw *ValueWriter) Pipe(src bsoncore.Document) error {
	length, _, ok := bsoncore.ReadLength(src)
	if !ok || int(length) != len(src) || src[length-1] != 0x00 {
		return newSerializationError(ErrKindMalformed, 0, "cannot pipe invalid document")
	}
	if err := vw.writeHeader(TypeEmbeddedDocument); err != nil {
		return err
	}
	start := int32(len(vw.buf))
	vw.buf = append(vw.buf, src...)
	vw.buf = bsoncore.UpdateLength(vw.buf, start)
	return vw.checkSize()
}

// WriteDouble writes a BSON double.
func (vw *ValueWriter) WriteDouble(f float64) error {
	if err := vw.writeHeader(TypeDouble); err != nil {
		return err
	}
	vw.buf = bsoncore.AppendDouble(vw.buf, f)
	return vw.checkSize()
}

// WriteString writes a BSON string.
func (vw *ValueWriter) WriteString(s string) error {
	if err := vw.writeHeader(TypeString); err != nil {
		return err
	}
	vw.buf = bsoncore.AppendString(vw.buf, s)
	return vw.checkSize()
}

// WriteBinary writes a BSON binary with the generic subtype.
func (vw *ValueWriter) WriteBinary(b []byte) error {
	return vw.WriteBinaryWithSubtype(b, BinaryGeneric)
}

// WriteBinaryWithSubtype writes a BSON binary with the given subtype.
func (vw *ValueWriter) WriteBinaryWithSubtype(b []byte, subtype byte) error {
	if err := vw.writeHeader(TypeBinary); err != nil {
		return err
	}
	vw.buf = bsoncore.AppendBinary(vw.buf, subtype, b)
	return vw.checkSize()
}

// WriteUndefined writes a BSON undefined.
func (vw *ValueWriter) WriteUndefined() error {
	return vw.writeHeader(TypeUndefined)
}

// WriteObjectID writes a BSON ObjectID.
func (vw *ValueWriter) WriteObjectID(oid ObjectID) error {
	if err := vw.writeHeader(TypeObjectID); err != nil {
		return err
	}
	vw.buf = bsoncore.AppendObjectID(vw.buf, oid)
	return vw.checkSize()
}

// WriteBoolean writes a BSON boolean.
func (vw *ValueWriter) WriteBoolean(b bool) error {
	if err := vw.writeHeader(TypeBoolean); err != nil {
		return err
	}
	vw.buf = bsoncore.AppendBoolean(vw.buf, b)
	return vw.checkSize()
}

// WriteDateTime writes a BSON UTC datetime from milliseconds since the epoch.
func (vw *ValueWriter) WriteDateTime(dt int64) error {
	if err := vw.writeHeader(TypeDateTime); err != nil {
		return err
	}
	vw.buf = bsoncore.AppendDateTime(vw.buf, dt)
	return vw.checkSize()
}

// WriteNull writes a BSON null.
func (vw *ValueWriter) WriteNull() error {
	return vw.writeHeader(TypeNull)
}

// WriteRegex writes a BSON regular expression.
func (vw *ValueWriter) WriteRegex(pattern, options string) error {
	if err := vw.writeHeader(TypeRegex); err != nil {
		return err
	}
	vw.buf = bsoncore.AppendRegex(vw.buf, pattern, options)
	return vw.checkSize()
}

// WriteDBPointer writes a BSON dbpointer.
func (vw *ValueWriter) WriteDBPointer(ns string, oid ObjectID) error {
	if err := vw.writeHeader(TypeDBPointer); err != nil {
		return err
	}
	vw.buf = bsoncore.AppendDBPointer(vw.buf, ns, oid)
	return vw.checkSize()
}

// WriteJavaScript writes a BSON JavaScript code value.
func (vw *ValueWriter) WriteJavaScript(code string) error {
	if err := vw.writeHeader(TypeJavaScript); err != nil {
		return err
	}
	vw.buf = bsoncore.AppendJavaScript(vw.buf, code)
	return vw.checkSize()
}

// WriteSymbol writes a BSON symbol.
func (vw *ValueWriter) WriteSymbol(symbol string) error {
	if err := vw.writeHeader(TypeSymbol); err != nil {
		return err
	}
	vw.buf = bsoncore.AppendSymbol(vw.buf, symbol)
	return vw.checkSize()
}

// WriteCodeWithScope writes the code portion of a BSON code-with-scope value
// and opens its scope context. The caller must follow with
// WriteStartDocument/WriteEndDocument for the scope; closing the scope
// document completes the value.
func (vw *ValueWriter) WriteCodeWithScope(code string) error {
	if err := vw.writeHeader(TypeCodeWithScope); err != nil {
		return err
	}
	start := int32(len(vw.buf))
	vw.buf = bsoncore.AppendLength(vw.buf, 0)
	vw.buf = bsoncore.AppendString(vw.buf, code)
	vw.stack = append(vw.stack, writerFrame{mode: wmCodeWithScope, start: start})
	return nil
}

// WriteInt32 writes a BSON int32.
func (vw *ValueWriter) WriteInt32(i32 int32) error {
	if err := vw.writeHeader(TypeInt32); err != nil {
		return err
	}
	vw.buf = bsoncore.AppendInt32(vw.buf, i32)
	return vw.checkSize()
}

// WriteTimestamp writes a BSON timestamp.
func (vw *ValueWriter) WriteTimestamp(t, i uint32) error {
	if err := vw.writeHeader(TypeTimestamp); err != nil {
		return err
	}
	vw.buf = bsoncore.AppendTimestamp(vw.buf, t, i)
	return vw.checkSize()
}

// WriteInt64 writes a BSON int64.
func (vw *ValueWriter) WriteInt64(i64 int64) error {
	if err := vw.writeHeader(TypeInt64); err != nil {
		return err
	}
	vw.buf = bsoncore.AppendInt64(vw.buf, i64)
	return vw.checkSize()
}

// WriteDecimal128 writes a BSON decimal128.
func (vw *ValueWriter) WriteDecimal128(d128 Decimal128) error {
	if err := vw.writeHeader(TypeDecimal128); err != nil {
		return err
	}
	h, l := d128.GetBytes()
	vw.buf = bsoncore.AppendDecimal128(vw.buf, h, l)
	return vw.checkSize()
}

// WriteMinKey writes a BSON minkey.
func (vw *ValueWriter) WriteMinKey() error {
	return vw.writeHeader(TypeMinKey)
}

// WriteMaxKey writes a BSON maxkey.
func (vw *ValueWriter) WriteMaxKey() error {
	return vw.writeHeader(TypeMaxKey)
}
