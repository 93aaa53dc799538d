// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package bsoncore

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Document is a raw bytes representation of a BSON document.
type Document []byte

// Array is a raw bytes representation of a BSON array.
type Array = Document

// ErrMissingNull indicates that a document or array's last byte was not null.
var ErrMissingNull = errors.New("document or array end is missing null byte")

// ErrInsufficientBytes indicates that there were not enough bytes to read the
// next component.
var ErrInsufficientBytes = errors.New("invalid document, insufficient bytes")

// ErrElementNotFound indicates that an element matching the key was not found.
var ErrElementNotFound = errors.New("element not found")

// ErrOutOfBounds indicates that the requested index is out of bounds.
var ErrOutOfBounds = errors.New("out of bounds")

// ErrInvalidType is returned when a byte is not a recognized BSON type tag.
type ErrInvalidType struct{ Type byte }

func (e ErrInvalidType) Error() string {
	return fmt.Sprintf("invalid bson type %#x", e.Type)
}

// NewDocumentFromReader reads a document from r. This function will only
// validate the length is correct and that the document ends with a null byte.
func NewDocumentFromReader(r io.Reader) (Document, error) {
	var lengthBytes [4]byte

	_, err := io.ReadFull(r, lengthBytes[:])
	if err != nil {
		return nil, err
	}

	length, _, _ := readi32(lengthBytes[:])
	if length < 5 {
		return nil, ErrInsufficientBytes
	}

	document := make([]byte, length)
	copy(document, lengthBytes[:])

	_, err = io.ReadFull(r, document[4:])
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if document[length-1] != 0x00 {
		return nil, ErrMissingNull
	}

	return document, nil
}

// Lookup searches the document, potentially recursively, for the given key.
// If there are multiple keys provided, this method will recurse down, as long
// as the top and intermediate nodes are either documents or arrays. If an
// error occurs or if the value doesn't exist, an empty Value is returned.
func (d Document) Lookup(key ...string) Value {
	val, _ := d.LookupErr(key...)
	return val
}

// LookupErr is the same as Lookup, except it returns an error in addition to
// an empty Value.
func (d Document) LookupErr(key ...string) (Value, error) {
	if len(key) < 1 {
		return Value{}, ErrEmptyKey
	}
	length, rem, ok := ReadLength(d)
	if !ok {
		return Value{}, ErrInsufficientBytes
	}

	length -= 4

	var elem Element
	for length > 1 {
		elem, rem, ok = ReadElement(rem)
		length -= int32(len(elem))
		if !ok {
			return Value{}, ErrInsufficientBytes
		}
		if elem.Key() != key[0] {
			continue
		}
		if len(key) > 1 {
			tt := elem.Value().Type
			if tt != 0x03 && tt != 0x04 {
				return Value{}, InvalidDepthTraversalError{Key: elem.Key(), Type: tt}
			}
			return Document(elem.Value().Data).LookupErr(key[1:]...)
		}
		return elem.Value(), nil
	}
	return Value{}, ErrElementNotFound
}

// ErrEmptyKey indicates that no key was provided to a Lookup method.
var ErrEmptyKey = errors.New("empty key provided")

// InvalidDepthTraversalError is returned when attempting a recursive Lookup
// when one component of the path is neither an embedded document nor an array.
type InvalidDepthTraversalError struct {
	Key  string
	Type byte
}

func (itde InvalidDepthTraversalError) Error() string {
	return fmt.Sprintf(
		"attempt to traverse into %s, but it's type is %#x, not embedded document or array",
		itde.Key, itde.Type,
	)
}

// Index searches for and retrieves the element at the given index. This
// method will panic if the document is invalid or if the index is out of
// bounds.
func (d Document) Index(index uint) Element {
	elem, err := d.IndexErr(index)
	if err != nil {
		panic(err)
	}
	return elem
}

// IndexErr searches for and retrieves the element at the given index.
func (d Document) IndexErr(index uint) (Element, error) {
	length, rem, ok := ReadLength(d)
	if !ok {
		return nil, ErrInsufficientBytes
	}

	length -= 4

	var current uint
	var elem Element
	for length > 1 {
		elem, rem, ok = ReadElement(rem)
		length -= int32(len(elem))
		if !ok {
			return nil, ErrInsufficientBytes
		}
		if current != index {
			current++
			continue
		}
		return elem, nil
	}
	return nil, ErrOutOfBounds
}

// Elements returns this document as a slice of elements. The returned slice
// will contain valid elements. If the document is not valid, the elements up
// to the invalid point will be returned along with an error.
func (d Document) Elements() ([]Element, error) {
	length, rem, ok := ReadLength(d)
	if !ok {
		return nil, ErrInsufficientBytes
	}

	length -= 4

	var elem Element
	var elems []Element
	for length > 1 {
		elem, rem, ok = ReadElement(rem)
		length -= int32(len(elem))
		if !ok {
			return elems, ErrInsufficientBytes
		}
		if err := elem.Validate(); err != nil {
			return elems, err
		}
		elems = append(elems, elem)
	}
	return elems, nil
}

// Values returns this document as a slice of values. The returned slice will
// contain valid values. If the document is not valid, the values up to the
// invalid point will be returned along with an error.
func (d Document) Values() ([]Value, error) {
	length, rem, ok := ReadLength(d)
	if !ok {
		return nil, ErrInsufficientBytes
	}

	length -= 4

	var elem Element
	var vals []Value
	for length > 1 {
		elem, rem, ok = ReadElement(rem)
		length -= int32(len(elem))
		if !ok {
			return vals, ErrInsufficientBytes
		}
		if err := elem.Value().Validate(); err != nil {
			return vals, err
		}
		vals = append(vals, elem.Value())
	}
	return vals, nil
}

// Validate validates the document and ensures the elements contained within
// are valid.
func (d Document) Validate() error {
	length, rem, ok := ReadLength(d)
	if !ok {
		return ErrInsufficientBytes
	}
	if int(length) > len(d) {
		return d.lengtherror(int(length), len(d))
	}
	if d[length-1] != 0x00 {
		return ErrMissingNull
	}

	length -= 4
	var elem Element

	for length > 1 {
		elem, rem, ok = ReadElement(rem)
		length -= int32(len(elem))
		if !ok {
			return ErrInsufficientBytes
		}
		err := elem.Validate()
		if err != nil {
			return err
		}
	}

	if len(rem) < 1 || rem[0] != 0x00 {
		return ErrMissingNull
	}
	return nil
}

func (Document) lengtherror(length, rem int) error {
	return fmt.Errorf("document length exceeds available bytes. length=%d remainingBytes=%d", length, rem)
}

// String outputs an extended JSON-like representation of the document. If the
// document is not valid, this method returns an empty string.
func (d Document) String() string {
	if len(d) < 5 {
		return ""
	}
	var buf strings.Builder
	buf.WriteByte('{')

	length, rem, _ := ReadLength(d) // We know we have enough bytes to read the length

	length -= 4

	var elem Element
	var ok bool
	first := true
	for length > 1 {
		if !first {
			buf.WriteByte(',')
		}
		elem, rem, ok = ReadElement(rem)
		length -= int32(len(elem))
		if !ok {
			return ""
		}
		buf.WriteString(elem.String())
		first = false
	}
	buf.WriteByte('}')

	return buf.String()
}

// DebugString outputs a human readable version of Document. It will attempt
// to stringify the valid components of the document even if the entire
// document is not valid.
func (d Document) DebugString() string {
	if len(d) < 5 {
		return "<malformed>"
	}
	var buf bytes.Buffer
	buf.WriteString("Document")
	length, rem, _ := ReadLength(d)
	buf.WriteByte('(')
	buf.WriteString(strconv.Itoa(int(length)))
	length -= 4
	buf.WriteString(")[")
	var elem Element
	var ok bool
	for length > 1 {
		elem, rem, ok = ReadElement(rem)
		length -= int32(len(elem))
		if !ok {
			buf.WriteString(fmt.Sprintf("<malformed (%d)>", length))
			break
		}
		fmt.Fprintf(&buf, "%s ", elem.DebugString())
	}
	buf.WriteByte(']')

	return buf.String()
}
