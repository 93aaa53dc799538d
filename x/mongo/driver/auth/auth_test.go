// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bytev/mongo-go-core/x/bsonx/bsoncore"
)

func TestCreateAuthenticator(t *testing.T) {
	cred := &Cred{Source: "admin", Username: "user", Password: "pencil", PasswordSet: true}

	tests := []struct {
		mechanism string
		wantType  interface{}
	}{
		{"", &DefaultAuthenticator{}},
		{SCRAMSHA1, &ScramAuthenticator{}},
		{SCRAMSHA256, &ScramAuthenticator{}},
		{PLAIN, &PlainAuthenticator{}},
		{MongoDBX509, &MongoDBX509Authenticator{}},
	}

	for _, tc := range tests {
		t.Run(tc.mechanism, func(t *testing.T) {
			a, err := CreateAuthenticator(tc.mechanism, cred)
			require.NoError(t, err)
			assert.IsType(t, tc.wantType, a)
		})
	}

	_, err := CreateAuthenticator("KERBEROS-NOT-HERE", cred)
	assert.Error(t, err)
}

func TestMongoPasswordDigest(t *testing.T) {
	// Fixture from the MONGODB-CR/SCRAM-SHA-1 specification.
	digest := mongoPasswordDigest("user", "pencil")
	assert.Equal(t, "1c33006ec1ffd90f9cadcbcc0e118200", digest)
}

func TestScramSpeculativeConversationFirstMessage(t *testing.T) {
	cred := &Cred{Source: "admin", Username: "user", Password: "pencil"}
	a, err := newScramSHA256Authenticator(cred)
	require.NoError(t, err)

	speculative, ok := a.(SpeculativeAuthenticator)
	require.True(t, ok)

	conversation, err := speculative.CreateSpeculativeConversation()
	require.NoError(t, err)

	msg, err := conversation.FirstMessage()
	require.NoError(t, err)
	require.NoError(t, bsoncore.Document(msg).Validate())

	mechanism, ok := msg.Lookup("mechanism").StringValueOK()
	require.True(t, ok)
	assert.Equal(t, SCRAMSHA256, mechanism)

	// The speculative variant must carry the auth source in "db" because
	// the hello it piggybacks on runs against admin.
	db, ok := msg.Lookup("db").StringValueOK()
	require.True(t, ok)
	assert.Equal(t, "admin", db)

	_, payload, ok := msg.Lookup("payload").BinaryOK()
	require.True(t, ok)
	assert.NotEmpty(t, payload)

	options, ok := msg.Lookup("options").DocumentOK()
	require.True(t, ok)
	skip, ok := options.Lookup("skipEmptyExchange").BooleanOK()
	require.True(t, ok)
	assert.True(t, skip)
}

func TestPlainSaslClient(t *testing.T) {
	client := &plainSaslClient{username: "u", password: "p"}
	mech, payload, err := client.Start()
	require.NoError(t, err)
	assert.Equal(t, PLAIN, mech)
	assert.Equal(t, []byte("\x00u\x00p"), payload)
	assert.True(t, client.Completed())

	_, err = client.Next(nil)
	assert.Error(t, err)
}
