// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package wiremessage

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bytev/mongo-go-core/x/bsonx/bsoncore"
)

func TestNextRequestID(t *testing.T) {
	var wg sync.WaitGroup
	ids := make(chan int32, 1000)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				ids <- NextRequestID()
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int32]bool)
	for id := range ids {
		assert.Greater(t, id, int32(0), "request IDs must never be 0 or negative")
		assert.False(t, seen[id], "request ID %d issued twice", id)
		seen[id] = true
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	idx, dst := AppendHeaderStart(nil, 42, 7, OpMsg)
	dst = append(dst, 0xDE, 0xAD)
	dst = UpdateLength(dst, idx, int32(len(dst)))

	length, requestID, responseTo, opcode, rem, ok := ReadHeader(dst)
	require.True(t, ok)
	assert.Equal(t, int32(18), length)
	assert.Equal(t, int32(42), requestID)
	assert.Equal(t, int32(7), responseTo)
	assert.Equal(t, OpMsg, opcode)
	assert.Equal(t, []byte{0xDE, 0xAD}, rem)
}

func TestMsgSections(t *testing.T) {
	body := bsoncore.BuildDocumentFromElements(nil,
		bsoncore.AppendInt32Element(nil, "insert", 1),
	)
	doc1 := bsoncore.BuildDocumentFromElements(nil,
		bsoncore.AppendInt32Element(nil, "x", 1),
	)
	doc2 := bsoncore.BuildDocumentFromElements(nil,
		bsoncore.AppendInt32Element(nil, "x", 2),
	)

	var wm []byte
	wm = AppendMsgFlags(wm, ExhaustAllowed)
	wm = AppendMsgSectionType(wm, SingleDocument)
	wm = append(wm, body...)
	wm = AppendMsgSectionType(wm, DocumentSequence)
	idx, wm := bsoncore.ReserveLength(wm)
	wm = append(wm, "documents"...)
	wm = append(wm, 0x00)
	wm = append(wm, doc1...)
	wm = append(wm, doc2...)
	wm = bsoncore.UpdateLength(wm, idx)

	flags, rem, ok := ReadMsgFlags(wm)
	require.True(t, ok)
	assert.Equal(t, ExhaustAllowed, flags)

	stype, rem, ok := ReadMsgSectionType(rem)
	require.True(t, ok)
	assert.Equal(t, SingleDocument, stype)

	gotBody, rem, ok := ReadMsgSectionSingleDocument(rem)
	require.True(t, ok)
	assert.Equal(t, bsoncore.Document(body), gotBody)

	stype, rem, ok = ReadMsgSectionType(rem)
	require.True(t, ok)
	assert.Equal(t, DocumentSequence, stype)

	identifier, docs, rem, ok := ReadMsgSectionDocumentSequence(rem)
	require.True(t, ok)
	assert.Equal(t, "documents", identifier)
	require.Len(t, docs, 2)
	assert.Equal(t, int32(1), docs[0].Lookup("x").Int32())
	assert.Equal(t, int32(2), docs[1].Lookup("x").Int32())
	assert.Empty(t, rem)
}

func TestIsMsgMoreToCome(t *testing.T) {
	build := func(flags MsgFlag) []byte {
		idx, wm := AppendHeaderStart(nil, 1, 0, OpMsg)
		wm = AppendMsgFlags(wm, flags)
		return UpdateLength(wm, idx, int32(len(wm)))
	}

	assert.True(t, IsMsgMoreToCome(build(MoreToCome)))
	assert.False(t, IsMsgMoreToCome(build(0)))
	assert.False(t, IsMsgMoreToCome(build(ExhaustAllowed)))
}

func TestQueryFraming(t *testing.T) {
	query := bsoncore.BuildDocumentFromElements(nil,
		bsoncore.AppendInt32Element(nil, "isMaster", 1),
	)

	idx, wm := AppendHeaderStart(nil, 9, 0, OpQuery)
	wm = AppendQueryFlags(wm, SecondaryOK)
	wm = AppendQueryFullCollectionName(wm, "admin.$cmd")
	wm = AppendQueryNumberToSkip(wm, 0)
	wm = AppendQueryNumberToReturn(wm, -1)
	wm = append(wm, query...)
	wm = UpdateLength(wm, idx, int32(len(wm)))

	length, _, _, opcode, rem, ok := ReadHeader(wm)
	require.True(t, ok)
	assert.Equal(t, int32(len(wm)), length)
	assert.Equal(t, OpQuery, opcode)

	flags, rem, ok := ReadQueryFlags(rem)
	require.True(t, ok)
	assert.Equal(t, SecondaryOK, flags)

	collname, rem, ok := ReadQueryFullCollectionName(rem)
	require.True(t, ok)
	assert.Equal(t, "admin.$cmd", collname)

	_, rem, ok = ReadQueryNumberToSkip(rem)
	require.True(t, ok)
	ntr, rem, ok := ReadQueryNumberToReturn(rem)
	require.True(t, ok)
	assert.Equal(t, int32(-1), ntr)

	gotQuery, _, ok := ReadQueryQuery(rem)
	require.True(t, ok)
	assert.Equal(t, bsoncore.Document(query), gotQuery)
}
