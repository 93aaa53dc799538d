// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bytev/mongo-go-core/x/bsonx/bsoncore"
	"github.com/bytev/mongo-go-core/x/mongo/driver/address"
	"github.com/bytev/mongo-go-core/x/mongo/driver/description"
	"github.com/bytev/mongo-go-core/x/mongo/driver/wiremessage"
)

// mockConnection implements driver.Connection over canned responses.
type mockConnection struct {
	responses [][]byte
	written   [][]byte
	readErr   error
	desc      description.Server
}

func (m *mockConnection) WriteWireMessage(_ context.Context, wm []byte) error {
	m.written = append(m.written, wm)
	return nil
}

func (m *mockConnection) ReadWireMessage(context.Context) ([]byte, error) {
	if m.readErr != nil {
		err := m.readErr
		m.readErr = nil
		return nil, err
	}
	if len(m.responses) == 0 {
		return nil, errors.New("no more canned responses")
	}
	res := m.responses[0]
	m.responses = m.responses[1:]
	return res, nil
}

func (m *mockConnection) Description() description.Server { return m.desc }
func (m *mockConnection) Close() error                    { return nil }
func (m *mockConnection) ID() string                      { return "mock-1" }
func (m *mockConnection) ServerConnectionID() *int64      { return nil }
func (m *mockConnection) Address() address.Address        { return address.Address("mock:27017") }
func (m *mockConnection) Stale() bool                     { return false }

// buildOpMsgReply frames doc as an OP_MSG server reply.
func buildOpMsgReply(doc bsoncore.Document, flags wiremessage.MsgFlag) []byte {
	idx, wm := wiremessage.AppendHeaderStart(nil, 1, 1, wiremessage.OpMsg)
	wm = wiremessage.AppendMsgFlags(wm, flags)
	wm = wiremessage.AppendMsgSectionType(wm, wiremessage.SingleDocument)
	wm = append(wm, doc...)
	return wiremessage.UpdateLength(wm, idx, int32(len(wm[idx:])))
}

func okReply() []byte {
	return buildOpMsgReply(bsoncore.BuildDocumentFromElements(nil,
		bsoncore.AppendInt32Element(nil, "ok", 1),
	), 0)
}

func errorReply(code int32, labels ...string) []byte {
	elems := [][]byte{
		bsoncore.AppendInt32Element(nil, "ok", 0),
		bsoncore.AppendInt32Element(nil, "code", code),
		bsoncore.AppendStringElement(nil, "errmsg", "injected failure"),
	}
	if len(labels) > 0 {
		var idx int32
		var arr []byte
		idx, arr = bsoncore.AppendArrayElementStart(nil, "errorLabels")
		for i, label := range labels {
			arr = bsoncore.AppendStringElement(arr, string(rune('0'+i)), label)
		}
		arr = bsoncore.AppendArrayEnd(arr, idx)
		elems = append(elems, arr)
	}
	return buildOpMsgReply(bsoncore.BuildDocumentFromElements(nil, elems...), 0)
}

func pingOperation(conn Connection) Operation {
	return Operation{
		CommandFn: func(dst []byte, _ description.SelectedServer) ([]byte, error) {
			return bsoncore.AppendInt32Element(dst, "ping", 1), nil
		},
		Database:   "admin",
		Deployment: SingleConnectionDeployment{C: conn},
	}
}

func TestOperationExecuteRoundTrip(t *testing.T) {
	conn := &mockConnection{responses: [][]byte{okReply()}}
	var res bsoncore.Document

	op := pingOperation(conn)
	op.ProcessResponseFn = func(info ResponseInfo) error {
		res = info.ServerResponse
		return nil
	}

	require.NoError(t, op.Execute(context.Background()))
	require.Len(t, conn.written, 1)

	// The outgoing message is a well-formed OP_MSG containing the command
	// and the $db element.
	_, _, _, opcode, rem, ok := wiremessage.ReadHeader(conn.written[0])
	require.True(t, ok)
	assert.Equal(t, wiremessage.OpMsg, opcode)

	_, rem, ok = wiremessage.ReadMsgFlags(rem)
	require.True(t, ok)
	stype, rem, ok := wiremessage.ReadMsgSectionType(rem)
	require.True(t, ok)
	require.Equal(t, wiremessage.SingleDocument, stype)
	cmd, _, ok := wiremessage.ReadMsgSectionSingleDocument(rem)
	require.True(t, ok)
	assert.Equal(t, int32(1), cmd.Lookup("ping").Int32())
	assert.Equal(t, "admin", cmd.Lookup("$db").StringValue())

	v, ok := res.Lookup("ok").AsInt64OK()
	require.True(t, ok)
	assert.EqualValues(t, 1, v)
}

func TestOperationExecuteRetriesRetryableError(t *testing.T) {
	conn := &mockConnection{responses: [][]byte{
		errorReply(91), // ShutdownInProgress, legacy-retryable
		okReply(),
	}}

	op := pingOperation(conn)
	op.Type = Write
	mode := RetryOnce
	op.RetryMode = &mode

	require.NoError(t, op.Execute(context.Background()))
	assert.Len(t, conn.written, 2)
}

func TestOperationExecuteSurfacesNonRetryableError(t *testing.T) {
	conn := &mockConnection{responses: [][]byte{
		errorReply(11000), // DuplicateKey, never retryable
		okReply(),
	}}

	op := pingOperation(conn)
	op.Type = Write
	mode := RetryOnce
	op.RetryMode = &mode

	err := op.Execute(context.Background())
	require.Error(t, err)
	var de Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, int32(11000), de.Code)
	assert.Len(t, conn.written, 1)
}

func TestOperationExecuteExhaustsAttemptBudget(t *testing.T) {
	conn := &mockConnection{responses: [][]byte{
		errorReply(91),
		errorReply(189),
	}}

	op := pingOperation(conn)
	op.Type = Write
	mode := RetryOnce
	op.RetryMode = &mode

	err := op.Execute(context.Background())
	require.Error(t, err)

	// The surfaced error is the second attempt's, with the first attempt's
	// error suppressed.
	var de Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, int32(189), de.Code)
	require.NotEmpty(t, SuppressedErrors(err))
}

func TestOperationDecodeCompressedReply(t *testing.T) {
	doc := bsoncore.BuildDocumentFromElements(nil,
		bsoncore.AppendInt32Element(nil, "ok", 1),
		bsoncore.AppendStringElement(nil, "msg", "compressed"),
	)
	original := buildOpMsgReply(doc, 0)

	op := Operation{CompressionOpts: &CompressionOpts{Compressor: wiremessage.CompressorSnappy}}
	compressed, err := op.compressWireMessage(original)
	require.NoError(t, err)

	_, _, _, opcode, _, ok := wiremessage.ReadHeader(compressed)
	require.True(t, ok)
	require.Equal(t, wiremessage.OpCompressed, opcode)

	res, err := op.decodeResult(compressed)
	require.NoError(t, err)
	assert.Equal(t, "compressed", res.Lookup("msg").StringValue())
}

func TestCompressPayloadRoundTrip(t *testing.T) {
	payload := make([]byte, 2048)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	for _, compressor := range []wiremessage.CompressorID{
		wiremessage.CompressorSnappy,
		wiremessage.CompressorZLib,
		wiremessage.CompressorZstd,
	} {
		t.Run(compressor.String(), func(t *testing.T) {
			opts := CompressionOpts{
				Compressor: compressor,
				ZlibLevel:  wiremessage.DefaultZlibLevel,
				ZstdLevel:  wiremessage.DefaultZstdLevel,
			}
			compressed, err := CompressPayload(payload, opts)
			require.NoError(t, err)

			opts.UncompressedSize = int32(len(payload))
			decompressed, err := DecompressPayload(compressed, opts)
			require.NoError(t, err)
			assert.Equal(t, payload, decompressed)
		})
	}
}

func TestOperationValidate(t *testing.T) {
	op := Operation{}
	err := op.Execute(context.Background())
	var ioe InvalidOperationError
	require.ErrorAs(t, err, &ioe)
	assert.Equal(t, "CommandFn", ioe.MissingField)
}
