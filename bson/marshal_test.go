// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package bson

import (
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bytev/mongo-go-core/x/bsonx/bsoncore"
)

type hostInfo struct {
	Hostname string            `bson:"hostname"`
	Port     int32             `bson:"port"`
	Tags     map[string]string `bson:"tags,omitempty"`
	Hidden   bool              `bson:"-"`
	Uptime   int64             `bson:"uptime"`
}

func TestMarshalStructRoundTrip(t *testing.T) {
	in := hostInfo{
		Hostname: "db0.example.com",
		Port:     27017,
		Tags:     map[string]string{"dc": "ny"},
		Hidden:   true,
		Uptime:   987654321,
	}

	raw, err := Marshal(in)
	require.NoError(t, err)
	require.NoError(t, raw.Validate())

	// The field marked "-" must not be present.
	_, lerr := bsoncore.Document(raw).LookupErr("hidden")
	assert.Error(t, lerr)

	var out hostInfo
	require.NoError(t, Unmarshal(raw, &out))
	assert.Equal(t, in.Hostname, out.Hostname)
	assert.Equal(t, in.Port, out.Port)
	assert.Equal(t, in.Tags, out.Tags)
	assert.Equal(t, in.Uptime, out.Uptime)
	assert.False(t, out.Hidden)
}

func TestMarshalD(t *testing.T) {
	in := D{
		{"first", int32(1)},
		{"second", "two"},
		{"third", true},
	}

	raw, err := Marshal(in)
	require.NoError(t, err)

	// Order must be preserved.
	elems, err := bsoncore.Document(raw).Elements()
	require.NoError(t, err)
	require.Len(t, elems, 3)
	assert.Equal(t, "first", elems[0].Key())
	assert.Equal(t, "second", elems[1].Key())
	assert.Equal(t, "third", elems[2].Key())

	var out D
	require.NoError(t, Unmarshal(raw, &out))
	assert.Equal(t, in, out)
}

func TestUnmarshalSkipsExtraFields(t *testing.T) {
	raw, err := Marshal(D{
		{"hostname", "h"},
		{"unknownfield", "surprise"},
		{"port", int32(1)},
		{"uptime", int64(2)},
	})
	require.NoError(t, err)

	var out hostInfo
	require.NoError(t, Unmarshal(raw, &out))
	assert.Equal(t, "h", out.Hostname)
	assert.Equal(t, int32(1), out.Port)
	assert.Equal(t, int64(2), out.Uptime)
}

func TestMarshalTimeAsDateTime(t *testing.T) {
	now := time.Date(2023, 5, 1, 10, 30, 0, 0, time.UTC)
	raw, err := Marshal(D{{"when", now}})
	require.NoError(t, err)

	val := bsoncore.Document(raw).Lookup("when")
	require.Equal(t, byte(TypeDateTime), val.Type)
	dt, ok := val.DateTimeOK()
	require.True(t, ok)
	assert.Equal(t, now.UnixMilli(), dt)
}

func TestStructCodecDiscriminator(t *testing.T) {
	codec := NewStructCodecWithDiscriminator("")

	type Wrench struct {
		Size int32 `bson:"size"`
	}

	vw := NewValueWriter()
	ec := EncodeContext{DefaultRegistry}
	require.NoError(t, codec.EncodeValue(ec, vw, reflect.ValueOf(Wrench{Size: 12})))

	raw, err := vw.Bytes()
	require.NoError(t, err)

	elems, err := bsoncore.Document(raw).Elements()
	require.NoError(t, err)
	require.NotEmpty(t, elems)
	// The discriminator is the first element and records the short type
	// name.
	assert.Equal(t, DefaultDiscriminatorField, elems[0].Key())
	assert.Equal(t, "Wrench", elems[0].Value().StringValue())
	assert.Equal(t, int32(12), bsoncore.Document(raw).Lookup("size").Int32())
}

func TestRegistryProviderOrderAndMemoization(t *testing.T) {
	lookups := 0
	first := CodecProviderFunc(func(rt reflect.Type, _ *Registry) (Codec, bool) {
		if rt == reflect.TypeOf(int32(0)) {
			lookups++
			return numericStringCodec{}, true
		}
		return nil, false
	})
	second := CodecProviderFunc(func(rt reflect.Type, _ *Registry) (Codec, bool) {
		if rt == reflect.TypeOf(int32(0)) {
			t.Fatal("second provider should not be consulted when the first matches")
		}
		return nil, false
	})

	rb := &RegistryBuilder{typeMap: map[Type]reflect.Type{}}
	rb.RegisterProvider(first)
	rb.RegisterProvider(second)
	reg := rb.Build()

	_, err := reg.LookupCodec(reflect.TypeOf(int32(0)))
	require.NoError(t, err)
	_, err = reg.LookupCodec(reflect.TypeOf(int32(0)))
	require.NoError(t, err)
	// The second lookup must be served from the memoized cache.
	assert.Equal(t, 1, lookups)

	_, err = reg.LookupCodec(reflect.TypeOf(""))
	var noCodec ErrNoCodec
	require.ErrorAs(t, err, &noCodec)
}
