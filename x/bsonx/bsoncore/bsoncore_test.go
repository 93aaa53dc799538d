// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package bsoncore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildAndLookup(t *testing.T) {
	inner := BuildDocumentFromElements(nil,
		AppendStringElement(nil, "street", "Mongo Street"),
		AppendInt32Element(nil, "number", 52),
	)
	doc := BuildDocumentFromElements(nil,
		AppendStringElement(nil, "name", "mongo"),
		AppendDocumentElement(nil, "address", inner),
		AppendBooleanElement(nil, "alive", true),
	)

	require.NoError(t, Document(doc).Validate())

	assert.Equal(t, "mongo", Document(doc).Lookup("name").StringValue())
	assert.Equal(t, int32(52), Document(doc).Lookup("address", "number").Int32())
	assert.True(t, Document(doc).Lookup("alive").Boolean())

	_, err := Document(doc).LookupErr("missing")
	assert.ErrorIs(t, err, ErrElementNotFound)

	_, err = Document(doc).LookupErr("name", "nested")
	var depthErr InvalidDepthTraversalError
	assert.ErrorAs(t, err, &depthErr)
}

func TestValidateRejectsTruncatedDocument(t *testing.T) {
	doc := BuildDocumentFromElements(nil, AppendInt64Element(nil, "n", 12))
	truncated := doc[:len(doc)-3]
	assert.Error(t, Document(truncated).Validate())
}

func TestReadElement(t *testing.T) {
	doc := BuildDocumentFromElements(nil,
		AppendDoubleElement(nil, "pi", 3.14159),
		AppendTimestampElement(nil, "ts", 42, 1),
	)

	elems, err := Document(doc).Elements()
	require.NoError(t, err)
	require.Len(t, elems, 2)

	assert.Equal(t, "pi", elems[0].Key())
	f, ok := elems[0].Value().DoubleOK()
	require.True(t, ok)
	assert.Equal(t, 3.14159, f)

	tt, i, ok := elems[1].Value().TimestampOK()
	require.True(t, ok)
	assert.Equal(t, uint32(42), tt)
	assert.Equal(t, uint32(1), i)
}

func TestIndex(t *testing.T) {
	doc := BuildDocumentFromElements(nil,
		AppendInt32Element(nil, "a", 1),
		AppendInt32Element(nil, "b", 2),
	)

	elem, err := Document(doc).IndexErr(1)
	require.NoError(t, err)
	assert.Equal(t, "b", elem.Key())

	_, err = Document(doc).IndexErr(2)
	assert.ErrorIs(t, err, ErrOutOfBounds)
}
