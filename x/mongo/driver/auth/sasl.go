// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import (
	"context"
	"fmt"

	"github.com/bytev/mongo-go-core/x/bsonx/bsoncore"
	"github.com/bytev/mongo-go-core/x/mongo/driver"
	"github.com/bytev/mongo-go-core/x/mongo/driver/description"
)

// defaultAuthDB is the authentication database used when the credential does
// not name one.
const defaultAuthDB = "admin"

// SaslClient is the client piece of a sasl conversation.
type SaslClient interface {
	Start() (string, []byte, error)
	Next(challenge []byte) ([]byte, error)
	Completed() bool
}

// SaslClientCloser is a SaslClient that has resources to clean up.
type SaslClientCloser interface {
	SaslClient
	Close()
}

// ExtraOptionsSaslClient is a SaslClient that appends extra options to the
// saslStart command.
type ExtraOptionsSaslClient interface {
	StartCommandOptions() bsoncore.Document
}

// saslConversation represents a SASL conversation. This type implements the
// SpeculativeConversation interface so the conversation can be executed in
// multi-step speculative fashion.
type saslConversation struct {
	client      SaslClient
	source      string
	mechanism   string
	speculative bool
}

var _ SpeculativeConversation = (*saslConversation)(nil)

func newSaslConversation(client SaslClient, source string, speculative bool) *saslConversation {
	authSource := source
	if authSource == "" {
		authSource = defaultAuthDB
	}
	return &saslConversation{
		client:      client,
		source:      authSource,
		speculative: speculative,
	}
}

// FirstMessage returns the first message to be sent to the server. This
// message contains a "db" field so it can be used for speculative
// authentication.
func (sc *saslConversation) FirstMessage() (bsoncore.Document, error) {
	var payload []byte
	var err error
	sc.mechanism, payload, err = sc.client.Start()
	if err != nil {
		return nil, err
	}

	saslCmdElements := [][]byte{
		bsoncore.AppendInt32Element(nil, "saslStart", 1),
		bsoncore.AppendStringElement(nil, "mechanism", sc.mechanism),
		bsoncore.AppendBinaryElement(nil, "payload", 0x00, payload),
	}
	if sc.speculative {
		// The "db" field is only appended for speculative auth because the
		// hello command is executed against admin so this is needed to tell
		// the server the user's auth source. For a non-speculative attempt,
		// the command is executed against the auth source.
		saslCmdElements = append(saslCmdElements, bsoncore.AppendStringElement(nil, "db", sc.source))
	}
	if extraOptionsClient, ok := sc.client.(ExtraOptionsSaslClient); ok {
		optionsDoc := extraOptionsClient.StartCommandOptions()
		saslCmdElements = append(saslCmdElements, bsoncore.AppendDocumentElement(nil, "options", optionsDoc))
	}

	return bsoncore.BuildDocumentFromElements(nil, saslCmdElements...), nil
}

type saslResponse struct {
	ConversationID int    `bson:"conversationId"`
	Code           int    `bson:"code"`
	Done           bool   `bson:"done"`
	Payload        []byte `bson:"payload"`
}

func extractSaslResponse(doc bsoncore.Document) (saslResponse, error) {
	var res saslResponse
	if cid, ok := doc.Lookup("conversationId").AsInt64OK(); ok {
		res.ConversationID = int(cid)
	}
	if code, ok := doc.Lookup("code").AsInt64OK(); ok {
		res.Code = int(code)
	}
	if done, ok := doc.Lookup("done").BooleanOK(); ok {
		res.Done = done
	}
	if _, payload, ok := doc.Lookup("payload").BinaryOK(); ok {
		res.Payload = payload
	}
	return res, nil
}

// Finish completes the conversation based on the first server response to
// authenticate the given connection.
func (sc *saslConversation) Finish(ctx context.Context, cfg *Config, firstResponse bsoncore.Document) error {
	if closer, ok := sc.client.(SaslClientCloser); ok {
		defer closer.Close()
	}

	saslResp, err := extractSaslResponse(firstResponse)
	if err != nil {
		return newError(err, sc.mechanism)
	}

	cid := saslResp.ConversationID
	var payload []byte
	var rdr bsoncore.Document
	for {
		if saslResp.Code != 0 {
			return fmt.Errorf("unable to authenticate using mechanism \"%s\": server returned error code %d", sc.mechanism, saslResp.Code)
		}

		if saslResp.Done && sc.client.Completed() {
			return nil
		}

		payload, err = sc.client.Next(saslResp.Payload)
		if err != nil {
			return newError(err, sc.mechanism)
		}

		if saslResp.Done && sc.client.Completed() {
			return nil
		}

		doc := bsoncore.BuildDocumentFromElements(nil,
			bsoncore.AppendInt32Element(nil, "saslContinue", 1),
			bsoncore.AppendInt32Element(nil, "conversationId", int32(cid)),
			bsoncore.AppendBinaryElement(nil, "payload", 0x00, payload),
		)

		rdr, err = runCommand(ctx, cfg.Connection, sc.source, doc)
		if err != nil {
			return newError(err, sc.mechanism)
		}

		saslResp, err = extractSaslResponse(rdr)
		if err != nil {
			return newError(err, sc.mechanism)
		}
	}
}

// ConductSaslConversation runs a full sasl conversation to authenticate the
// provided connection.
func ConductSaslConversation(ctx context.Context, cfg *Config, authSource string, client SaslClient) error {
	// Create a non-speculative SASL conversation.
	conversation := newSaslConversation(client, authSource, false)

	saslStartDoc, err := conversation.FirstMessage()
	if err != nil {
		return newError(err, conversation.mechanism)
	}

	rdr, err := runCommand(ctx, cfg.Connection, conversation.source, saslStartDoc)
	if err != nil {
		return newError(err, conversation.mechanism)
	}

	return conversation.Finish(ctx, cfg, rdr)
}

// runCommand executes the given command document against the provided
// connection and database and returns the response document.
func runCommand(ctx context.Context, conn driver.Connection, db string, cmd bsoncore.Document) (bsoncore.Document, error) {
	var response bsoncore.Document
	op := driver.Operation{
		CommandFn: func(dst []byte, _ description.SelectedServer) ([]byte, error) {
			// Append the elements of cmd without its length prefix and
			// terminating null byte.
			return append(dst, cmd[4:len(cmd)-1]...), nil
		},
		Database:   db,
		Deployment: driver.SingleConnectionDeployment{C: conn},
		ProcessResponseFn: func(info driver.ResponseInfo) error {
			response = info.ServerResponse
			return nil
		},
	}
	if err := op.Execute(ctx); err != nil {
		return nil, err
	}
	return response, nil
}
