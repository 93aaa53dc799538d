// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package bson

import (
	"fmt"
	"reflect"

	"github.com/bytev/mongo-go-core/x/bsonx/bsoncore"
)

// Raw is a raw encoded BSON document.
type Raw []byte

// Validate validates the raw document.
func (r Raw) Validate() error { return bsoncore.Document(r).Validate() }

// Lookup searches the document, potentially recursively, for the given key,
// returning an empty value if it is not found.
func (r Raw) Lookup(key ...string) bsoncore.Value {
	return bsoncore.Document(r).Lookup(key...)
}

// String implements fmt.Stringer.
func (r Raw) String() string { return bsoncore.Document(r).String() }

// Marshal returns the BSON encoding of val using the default registry.
func Marshal(val interface{}) (Raw, error) {
	return MarshalWithRegistry(DefaultRegistry, val)
}

// MarshalWithRegistry returns the BSON encoding of val using r.
func MarshalWithRegistry(r *Registry, val interface{}) (Raw, error) {
	if val == nil {
		return nil, fmt.Errorf("bson: cannot marshal nil")
	}
	vw := NewValueWriter()
	if err := vw.WriteStartDocument(); err != nil {
		return nil, err
	}
	if err := encodeDocumentElements(EncodeContext{r}, vw, reflect.ValueOf(val)); err != nil {
		return nil, err
	}
	if err := vw.WriteEndDocument(); err != nil {
		return nil, err
	}
	return vw.Bytes()
}

// Unmarshal parses the BSON-encoded data and stores the result in the value
// pointed to by val using the default registry.
func Unmarshal(data Raw, val interface{}) error {
	return UnmarshalWithRegistry(DefaultRegistry, data, val)
}

// UnmarshalWithRegistry parses the BSON-encoded data using r.
func UnmarshalWithRegistry(r *Registry, data Raw, val interface{}) error {
	rval := reflect.ValueOf(val)
	if rval.Kind() != reflect.Ptr || rval.IsNil() {
		return fmt.Errorf("bson: Unmarshal target must be a non-nil pointer, got %T", val)
	}
	vr := NewValueReader(data)
	dc := DecodeContext{Registry: r}
	dest := rval.Elem()

	codec, err := r.LookupCodec(dest.Type())
	if err != nil {
		return err
	}
	return codec.DecodeValue(dc, vr, dest)
}
