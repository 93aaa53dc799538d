// Copyright (C) MongoDB, Inc. 2021-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package operation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bytev/mongo-go-core/bson"
	"github.com/bytev/mongo-go-core/x/bsonx/bsoncore"
	"github.com/bytev/mongo-go-core/x/mongo/driver/description"
)

func buildHelloCommand(t *testing.T, h *Hello, desc description.SelectedServer) bsoncore.Document {
	t.Helper()
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst, err := h.command(dst, desc)
	require.NoError(t, err)
	dst = bsoncore.AppendDocumentEnd(dst, idx)
	require.NoError(t, bsoncore.Document(dst).Validate())
	return dst
}

func TestHelloCommand(t *testing.T) {
	t.Run("legacy hello before helloOk", func(t *testing.T) {
		cmd := buildHelloCommand(t, NewHello(), description.SelectedServer{})
		elems, err := cmd.Elements()
		require.NoError(t, err)
		require.NotEmpty(t, elems)
		assert.Equal(t, "isMaster", elems[0].Key())

		helloOk, ok := cmd.Lookup("helloOk").BooleanOK()
		require.True(t, ok)
		assert.True(t, helloOk)
	})

	t.Run("hello after server advertises helloOk", func(t *testing.T) {
		desc := description.SelectedServer{Server: description.Server{HelloOK: true}}
		cmd := buildHelloCommand(t, NewHello(), desc)
		elems, err := cmd.Elements()
		require.NoError(t, err)
		assert.Equal(t, "hello", elems[0].Key())
	})

	t.Run("streaming variant carries topologyVersion and maxAwaitTimeMS", func(t *testing.T) {
		tv := &description.TopologyVersion{ProcessID: bson.NewObjectID(), Counter: 5}
		h := NewHello().TopologyVersion(tv).MaxAwaitTimeMS(10000)
		cmd := buildHelloCommand(t, h, description.SelectedServer{})

		tvDoc, ok := cmd.Lookup("topologyVersion").DocumentOK()
		require.True(t, ok)
		gotPid, ok := tvDoc.Lookup("processId").ObjectIDOK()
		require.True(t, ok)
		assert.Equal(t, tv.ProcessID, bson.ObjectID(gotPid))
		counter, ok := tvDoc.Lookup("counter").Int64OK()
		require.True(t, ok)
		assert.Equal(t, int64(5), counter)

		maxAwait, ok := cmd.Lookup("maxAwaitTimeMS").Int64OK()
		require.True(t, ok)
		assert.Equal(t, int64(10000), maxAwait)
	})
}

func TestHandshakeCommand(t *testing.T) {
	speculative := bsoncore.BuildDocumentFromElements(nil,
		bsoncore.AppendInt32Element(nil, "saslStart", 1),
	)
	h := NewHello().
		AppName("coreTest").
		Compressors([]string{"snappy", "zstd"}).
		SASLSupportedMechs("admin.user").
		SpeculativeAuthenticate(speculative)

	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst, err := h.handshakeCommand(dst, description.SelectedServer{})
	require.NoError(t, err)
	dst = bsoncore.AppendDocumentEnd(dst, idx)
	cmd := bsoncore.Document(dst)
	require.NoError(t, cmd.Validate())

	mechs, ok := cmd.Lookup("saslSupportedMechs").StringValueOK()
	require.True(t, ok)
	assert.Equal(t, "admin.user", mechs)

	_, ok = cmd.Lookup("speculativeAuthenticate").DocumentOK()
	assert.True(t, ok)

	compression, ok := cmd.Lookup("compression").ArrayOK()
	require.True(t, ok)
	vals, err := compression.Values()
	require.NoError(t, err)
	require.Len(t, vals, 2)
	assert.Equal(t, "snappy", vals[0].StringValue())
	assert.Equal(t, "zstd", vals[1].StringValue())

	client, ok := cmd.Lookup("client").DocumentOK()
	require.True(t, ok)
	appName, ok := client.Lookup("application", "name").StringValueOK()
	require.True(t, ok)
	assert.Equal(t, "coreTest", appName)
	driverName, ok := client.Lookup("driver", "name").StringValueOK()
	require.True(t, ok)
	assert.Equal(t, "mongo-go-core", driverName)
}

func TestEncodeClientMetadataRespectsLimit(t *testing.T) {
	doc := encodeClientMetadata("app", maxClientMetadataSize)
	require.NotNil(t, doc)
	assert.LessOrEqual(t, len(doc), maxClientMetadataSize)
	require.NoError(t, bsoncore.Document(doc).Validate())
}
