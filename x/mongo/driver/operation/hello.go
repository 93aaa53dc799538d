// Copyright (C) MongoDB, Inc. 2021-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package operation contains the operations the driver core itself needs:
// the hello handshake/heartbeat. User-facing commands live outside the core
// and are built directly on driver.Operation.
package operation

import (
	"context"
	"errors"
	"runtime"
	"strconv"

	"github.com/bytev/mongo-go-core/internal"
	"github.com/bytev/mongo-go-core/internal/driverutil"
	"github.com/bytev/mongo-go-core/version"
	"github.com/bytev/mongo-go-core/x/bsonx/bsoncore"
	"github.com/bytev/mongo-go-core/x/mongo/driver"
	"github.com/bytev/mongo-go-core/x/mongo/driver/address"
	"github.com/bytev/mongo-go-core/x/mongo/driver/description"
)

// maxClientMetadataSize is the maximum size of the client metadata document
// that can be sent to the server. Note that the maximum document size on
// standalone and replica servers is 1024, but the maximum document size on
// sharded clusters is 512.
const maxClientMetadataSize = 512

const driverName = "mongo-go-core"

// Hello is used to run the handshake operation.
type Hello struct {
	appname              string
	compressors          []string
	saslSupportedMechs   string
	d                    driver.Deployment
	speculativeAuth      bsoncore.Document
	topologyVersion      *description.TopologyVersion
	maxAwaitTimeMS       *int64
	loadBalanced         bool
	serverMonitoringMode string

	res bsoncore.Document
}

var _ driver.Handshaker = (*Hello)(nil)

// NewHello constructs a Hello.
func NewHello() *Hello { return &Hello{} }

// AppName sets the application name in the client metadata sent in this
// operation.
func (h *Hello) AppName(appname string) *Hello {
	h.appname = appname
	return h
}

// Compressors sets the compressors that can be used.
func (h *Hello) Compressors(compressors []string) *Hello {
	h.compressors = compressors
	return h
}

// SASLSupportedMechs retrieves the supported SASL mechanism for the given
// user when this operation is run.
func (h *Hello) SASLSupportedMechs(username string) *Hello {
	h.saslSupportedMechs = username
	return h
}

// Deployment sets the Deployment for this operation.
func (h *Hello) Deployment(d driver.Deployment) *Hello {
	h.d = d
	return h
}

// SpeculativeAuthenticate sets the document to be used for speculative
// authentication.
func (h *Hello) SpeculativeAuthenticate(doc bsoncore.Document) *Hello {
	h.speculativeAuth = doc
	return h
}

// TopologyVersion sets the TopologyVersion to be used for heartbeats.
func (h *Hello) TopologyVersion(tv *description.TopologyVersion) *Hello {
	h.topologyVersion = tv
	return h
}

// MaxAwaitTimeMS sets the maximum time for the server to wait for topology
// changes during a heartbeat.
func (h *Hello) MaxAwaitTimeMS(awaitTime int64) *Hello {
	h.maxAwaitTimeMS = &awaitTime
	return h
}

// LoadBalanced specifies whether or not this operation is being sent over a
// connection to a load balanced cluster.
func (h *Hello) LoadBalanced(lb bool) *Hello {
	h.loadBalanced = lb
	return h
}

// ServerMonitoringMode sets the server monitoring mode, which decides
// whether the streaming protocol may be used.
func (h *Hello) ServerMonitoringMode(mode string) *Hello {
	h.serverMonitoringMode = mode
	return h
}

// Result returns the result of executing this operation.
func (h *Hello) Result(addr address.Address) description.Server {
	return description.NewServer(addr, h.res)
}

// appendClientAppName appends the application metadata to dst.
func appendClientAppName(dst []byte, name string) []byte {
	if name == "" {
		return dst
	}
	idx, dst := bsoncore.AppendDocumentElementStart(dst, "application")
	dst = bsoncore.AppendStringElement(dst, "name", name)
	return bsoncore.AppendDocumentEnd(dst, idx)
}

// appendClientDriver appends the driver metadata to dst.
func appendClientDriver(dst []byte) []byte {
	idx, dst := bsoncore.AppendDocumentElementStart(dst, "driver")
	dst = bsoncore.AppendStringElement(dst, "name", driverName)
	dst = bsoncore.AppendStringElement(dst, "version", version.Driver)
	return bsoncore.AppendDocumentEnd(dst, idx)
}

// appendClientEnv appends the FaaS environment metadata to dst, or nothing
// when the process is not running in a recognized FaaS environment.
func appendClientEnv(dst []byte) []byte {
	name := driverutil.GetFaasEnvName()
	if name == "" {
		return dst
	}
	idx, dst := bsoncore.AppendDocumentElementStart(dst, "env")
	dst = bsoncore.AppendStringElement(dst, "name", name)
	return bsoncore.AppendDocumentEnd(dst, idx)
}

// appendClientOS appends the OS metadata to dst.
func appendClientOS(dst []byte) []byte {
	idx, dst := bsoncore.AppendDocumentElementStart(dst, "os")
	dst = bsoncore.AppendStringElement(dst, "type", runtime.GOOS)
	dst = bsoncore.AppendStringElement(dst, "architecture", runtime.GOARCH)
	return bsoncore.AppendDocumentEnd(dst, idx)
}

// appendClientPlatform appends the platform metadata to dst.
func appendClientPlatform(dst []byte) []byte {
	return bsoncore.AppendStringElement(dst, "platform", runtime.Version())
}

// encodeClientMetadata encodes the client metadata document to be attached
// to the handshake. If the document would exceed maxLen bytes, progressively
// smaller documents are attempted, down to one holding only the application
// and driver metadata; if even that exceeds maxLen, nil is returned.
func encodeClientMetadata(appname string, maxLen int) []byte {
	omit := 0
	for {
		idx, doc := bsoncore.AppendDocumentStart(nil)

		doc = appendClientAppName(doc, appname)
		doc = appendClientDriver(doc)
		if omit < 1 {
			doc = appendClientEnv(doc)
		}
		if omit < 2 {
			doc = appendClientOS(doc)
		}
		if omit < 3 {
			doc = appendClientPlatform(doc)
		}

		doc = bsoncore.AppendDocumentEnd(doc, idx)
		if len(doc) <= maxLen {
			return doc
		}
		if omit == 3 {
			return nil
		}
		omit++
	}
}

// handshakeCommand appends all necessary command fields as well as
// client metadata, SASL supported mechs, and compression.
func (h *Hello) handshakeCommand(dst []byte, desc description.SelectedServer) ([]byte, error) {
	dst, err := h.command(dst, desc)
	if err != nil {
		return dst, err
	}

	if h.saslSupportedMechs != "" {
		dst = bsoncore.AppendStringElement(dst, "saslSupportedMechs", h.saslSupportedMechs)
	}
	if h.speculativeAuth != nil {
		dst = bsoncore.AppendDocumentElement(dst, "speculativeAuthenticate", h.speculativeAuth)
	}
	var idx int32
	idx, dst = bsoncore.AppendArrayElementStart(dst, "compression")
	for i, compressor := range h.compressors {
		dst = bsoncore.AppendStringElement(dst, strconv.Itoa(i), compressor)
	}
	dst = bsoncore.AppendArrayEnd(dst, idx)

	clientMetadata := encodeClientMetadata(h.appname, maxClientMetadataSize)

	// If the client metadata is empty, do not append it to the command.
	if len(clientMetadata) > 0 {
		dst = bsoncore.AppendDocumentElement(dst, "client", clientMetadata)
	}

	return dst, nil
}

// command appends all necessary command fields.
func (h *Hello) command(dst []byte, desc description.SelectedServer) ([]byte, error) {
	// Use "hello" if topology is LoadBalanced or the server has responded
	// with "helloOk". Otherwise, use legacy hello.
	if desc.Kind == description.LoadBalanced || desc.Server.HelloOK {
		dst = bsoncore.AppendInt32Element(dst, "hello", 1)
	} else {
		dst = bsoncore.AppendInt32Element(dst, internal.LegacyHello, 1)
	}
	dst = bsoncore.AppendBooleanElement(dst, "helloOk", true)

	if tv := h.topologyVersion; tv != nil {
		var tvIdx int32

		tvIdx, dst = bsoncore.AppendDocumentElementStart(dst, "topologyVersion")
		dst = bsoncore.AppendObjectIDElement(dst, "processId", tv.ProcessID)
		dst = bsoncore.AppendInt64Element(dst, "counter", tv.Counter)
		dst = bsoncore.AppendDocumentEnd(dst, tvIdx)
	}
	if h.maxAwaitTimeMS != nil {
		dst = bsoncore.AppendInt64Element(dst, "maxAwaitTimeMS", *h.maxAwaitTimeMS)
	}
	if h.loadBalanced {
		// The loadBalanced parameter should only be added if it's true. We
		// should never explicitly send loadBalanced=false per the load
		// balancing spec.
		dst = bsoncore.AppendBooleanElement(dst, "loadBalanced", true)
	}

	return dst, nil
}

// Execute runs this operation.
func (h *Hello) Execute(ctx context.Context) error {
	if h.d == nil {
		return errors.New("a Hello must have a Deployment set before Execute can be called")
	}

	return h.createOperation().Execute(ctx)
}

// StreamResponse gets the next streaming Hello response from the server.
func (h *Hello) StreamResponse(ctx context.Context, conn driver.StreamerConnection) error {
	return h.createOperation().ExecuteExhaust(ctx, conn)
}

// isLegacyHandshake returns True if the operation is the first message of
// the initial handshake and should use a legacy hello.
func isLegacyHandshake(h *Hello, desc description.SelectedServer) bool {
	isInitialHandshake := desc.Server.WireVersion == nil || desc.Server.WireVersion.Max == 0

	return !h.loadBalanced && isInitialHandshake
}

func (h *Hello) createOperation() driver.Operation {
	op := driver.Operation{
		CommandFn:  h.command,
		Database:   "admin",
		Deployment: h.d,
		ProcessResponseFn: func(info driver.ResponseInfo) error {
			h.res = info.ServerResponse
			return nil
		},
	}

	if scd, ok := h.d.(driver.SingleConnectionDeployment); ok &&
		isLegacyHandshake(h, description.SelectedServer{Server: scd.C.Description()}) {
		op.Legacy = true
	}

	return op
}

// GetHandshakeInformation performs the MongoDB handshake for the provided
// connection and returns the relevant information about the server. This
// function implements the driver.Handshaker interface.
func (h *Hello) GetHandshakeInformation(ctx context.Context, _ address.Address, c driver.Connection) (driver.HandshakeInformation, error) {
	deployment := driver.SingleConnectionDeployment{C: c}
	op := driver.Operation{
		CommandFn:  h.handshakeCommand,
		Deployment: deployment,
		Database:   "admin",
		ProcessResponseFn: func(info driver.ResponseInfo) error {
			h.res = info.ServerResponse
			return nil
		},
	}
	if isLegacyHandshake(h, description.SelectedServer{Server: c.Description()}) {
		// The first message of the handshake may be sent as OP_QUERY against
		// admin.$cmd so that servers that predate OP_MSG can answer it.
		op.Legacy = true
	}
	if err := op.Execute(ctx); err != nil {
		return driver.HandshakeInformation{}, err
	}

	info := driver.HandshakeInformation{
		Description: h.Result(c.Address()),
	}
	if speculativeAuthenticate, ok := h.res.Lookup("speculativeAuthenticate").DocumentOK(); ok {
		info.SpeculativeAuthenticate = speculativeAuthenticate
	}
	if serverConnectionID, ok := h.res.Lookup("connectionId").AsInt64OK(); ok {
		info.ServerConnectionID = &serverConnectionID
	}
	if saslMechs, ok := h.res.Lookup("saslSupportedMechs").ArrayOK(); ok {
		vals, err := saslMechs.Values()
		if err == nil {
			for _, val := range vals {
				if mech, ok := val.StringValueOK(); ok {
					info.SaslSupportedMechs = append(info.SaslSupportedMechs, mech)
				}
			}
		}
	}
	return info, nil
}

// FinishHandshake implements the Handshaker interface. This is a no-op
// function because a non-authenticated connection does not do anything
// besides the initial Hello for a handshake.
func (h *Hello) FinishHandshake(context.Context, driver.Connection) error {
	return nil
}
