// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package bson

import (
	"reflect"
	"sync"
)

// DefaultDiscriminatorField is the document field used to record a value's
// concrete type when a codec is configured to encode a discriminator.
const DefaultDiscriminatorField = "_t"

// EncodeContext is the contextual information passed to every ValueEncoder.
type EncodeContext struct {
	*Registry
}

// DecodeContext is the contextual information passed to every ValueDecoder.
type DecodeContext struct {
	*Registry

	// Ancestor is a type carried with the context; no codec in this package
	// sets or reads it, and DecodeError does not use it.
	Ancestor reflect.Type
}

// ValueEncoder is the interface implemented by types that can encode a
// reflect.Value to a ValueWriter.
type ValueEncoder interface {
	EncodeValue(EncodeContext, *ValueWriter, reflect.Value) error
}

// ValueDecoder is the interface implemented by types that can decode a value
// from a ValueReader into a reflect.Value.
type ValueDecoder interface {
	DecodeValue(DecodeContext, *ValueReader, reflect.Value) error
}

// Codec is both a ValueEncoder and ValueDecoder for a set of types.
type Codec interface {
	ValueEncoder
	ValueDecoder
}

// CodecProvider is a composable source of codecs. Providers are consulted in
// registration order; the first provider to return ok wins.
type CodecProvider interface {
	LookupCodec(t reflect.Type, r *Registry) (Codec, bool)
}

// CodecProviderFunc adapts a function to the CodecProvider interface.
type CodecProviderFunc func(reflect.Type, *Registry) (Codec, bool)

// LookupCodec implements CodecProvider.
func (f CodecProviderFunc) LookupCodec(t reflect.Type, r *Registry) (Codec, bool) {
	return f(t, r)
}

// A RegistryBuilder is used to build a Registry. This type is not goroutine
// safe.
type RegistryBuilder struct {
	types     map[reflect.Type]Codec
	providers []CodecProvider
	typeMap   map[Type]reflect.Type
}

// NewRegistryBuilder creates a RegistryBuilder preloaded with the default
// codec provider and the default type map.
func NewRegistryBuilder() *RegistryBuilder {
	rb := &RegistryBuilder{
		types:   make(map[reflect.Type]Codec),
		typeMap: make(map[Type]reflect.Type),
	}
	for t, rt := range defaultTypeMap {
		rb.typeMap[t] = rt
	}
	rb.RegisterProvider(defaultCodecProvider{})
	return rb
}

// RegisterCodec registers codec for the exact type t.
func (rb *RegistryBuilder) RegisterCodec(t reflect.Type, codec Codec) *RegistryBuilder {
	rb.types[t] = codec
	return rb
}

// RegisterProvider appends a CodecProvider. Providers are consulted in
// registration order.
func (rb *RegistryBuilder) RegisterProvider(p CodecProvider) *RegistryBuilder {
	rb.providers = append(rb.providers, p)
	return rb
}

// RegisterTypeMapEntry sets the destination type used when decoding a BSON
// value of type bt into an empty interface.
func (rb *RegistryBuilder) RegisterTypeMapEntry(bt Type, rt reflect.Type) *RegistryBuilder {
	rb.typeMap[bt] = rt
	return rb
}

// Build creates an immutable Registry from the current state of the builder.
func (rb *RegistryBuilder) Build() *Registry {
	r := &Registry{
		types:     make(map[reflect.Type]Codec, len(rb.types)),
		providers: make([]CodecProvider, len(rb.providers)),
		typeMap:   make(map[Type]reflect.Type, len(rb.typeMap)),
	}
	for t, c := range rb.types {
		r.types[t] = c
	}
	copy(r.providers, rb.providers)
	for bt, rt := range rb.typeMap {
		r.typeMap[bt] = rt
	}
	return r
}

// A Registry is an immutable lookup from Go type to Codec. Exact type
// registrations take precedence; otherwise providers are consulted in
// registration order. Results are memoized by type.
type Registry struct {
	types     map[reflect.Type]Codec
	providers []CodecProvider
	typeMap   map[Type]reflect.Type

	cache sync.Map // reflect.Type -> Codec
}

// DefaultRegistry is the registry used by Marshal and Unmarshal.
var DefaultRegistry = NewRegistryBuilder().Build()

// LookupCodec returns the codec for t, memoizing the result.
func (r *Registry) LookupCodec(t reflect.Type) (Codec, error) {
	if v, ok := r.cache.Load(t); ok {
		return v.(Codec), nil
	}

	codec, found := r.types[t]
	if !found {
		for _, p := range r.providers {
			if c, ok := p.LookupCodec(t, r); ok {
				codec, found = c, true
				break
			}
		}
	}
	if !found {
		return nil, ErrNoCodec{Type: t}
	}

	r.cache.Store(t, codec)
	return codec, nil
}

// LookupTypeMapEntry returns the destination type for decoding a BSON value
// of type bt into an empty interface.
func (r *Registry) LookupTypeMapEntry(bt Type) (reflect.Type, bool) {
	rt, ok := r.typeMap[bt]
	return rt, ok
}

var tD = reflect.TypeOf(D{})
var tA = reflect.TypeOf(A{})
var tM = reflect.TypeOf(M{})

// defaultTypeMap is the default BSON type to Go type mapping used when
// decoding into an empty interface.
var defaultTypeMap = map[Type]reflect.Type{
	TypeDouble:           reflect.TypeOf(float64(0)),
	TypeString:           reflect.TypeOf(""),
	TypeEmbeddedDocument: tD,
	TypeArray:            tA,
	TypeBinary:           reflect.TypeOf(Binary{}),
	TypeUndefined:        reflect.TypeOf(Undefined{}),
	TypeObjectID:         reflect.TypeOf(ObjectID{}),
	TypeBoolean:          reflect.TypeOf(false),
	TypeDateTime:         reflect.TypeOf(DateTime(0)),
	TypeRegex:            reflect.TypeOf(Regex{}),
	TypeDBPointer:        reflect.TypeOf(DBPointer{}),
	TypeJavaScript:       reflect.TypeOf(JavaScript("")),
	TypeSymbol:           reflect.TypeOf(Symbol("")),
	TypeCodeWithScope:    reflect.TypeOf(CodeWithScope{}),
	TypeInt32:            reflect.TypeOf(int32(0)),
	TypeTimestamp:        reflect.TypeOf(Timestamp{}),
	TypeInt64:            reflect.TypeOf(int64(0)),
	TypeDecimal128:       reflect.TypeOf(Decimal128{}),
	TypeMinKey:           reflect.TypeOf(MinKey{}),
	TypeMaxKey:           reflect.TypeOf(MaxKey{}),
}
