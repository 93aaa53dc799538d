// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/bytev/mongo-go-core/internal/csot"
	"github.com/bytev/mongo-go-core/internal/logger"
	"github.com/bytev/mongo-go-core/mongo/readpref"
	"github.com/bytev/mongo-go-core/x/bsonx/bsoncore"
	"github.com/bytev/mongo-go-core/x/mongo/driver/description"
	"github.com/bytev/mongo-go-core/x/mongo/driver/wiremessage"
)

const defaultLocalThreshold = 15 * time.Millisecond

var (
	// ErrNoDocCommandResponse occurs when the server indicated a response
	// existed, but none was found.
	ErrNoDocCommandResponse = errors.New("command returned no documents")
	// ErrMultiDocCommandResponse occurs when the server sent multiple
	// documents in response to a command.
	ErrMultiDocCommandResponse = errors.New("command returned multiple documents")
	// ErrReplyDocumentMismatch occurs when the number of documents returned
	// in an OP_QUERY does not match the numberReturned field.
	ErrReplyDocumentMismatch = errors.New("number of documents returned does not match numberReturned field")
)

// InvalidOperationError is returned from Validate and indicates that a
// required field is missing from an instance of Operation.
type InvalidOperationError struct{ MissingField string }

func (err InvalidOperationError) Error() string {
	return "the " + err.MissingField + " field must be set on Operation"
}

// opReply stores information returned in an OP_REPLY response document.
type opReply struct {
	// flags - Bit vector to specify flags, such as moreToCome and
	// exhaustAllowed.
	flags wiremessage.ReplyFlag

	// cursorID - The cursor ID that this OP_REPLY is a part of.
	cursorID int64

	// startingFrom - The starting position for the cursor.
	startingFrom int32

	// numReturned - Number of documents in the reply.
	numReturned int32

	// documents - The documents in the reply.
	documents []bsoncore.Document
}

// startedInformation keeps track of all of the information necessary for
// monitoring started events.
type startedInformation struct {
	cmd       bsoncore.Document
	requestID int32
	cmdName   string
}

// ResponseInfo contains the context required to parse a server response.
type ResponseInfo struct {
	ServerResponse bsoncore.Document
	Server         Server
	Connection     Connection
	CurrentIndex   int
}

// Operation is used to execute an operation. It contains all of the common
// code required to select a server, transform an operation into a command,
// write the command to a connection from the selected server, read a
// response from that connection, process the response, and potentially retry.
//
// The required fields are Database, CommandFn, and Deployment. All other
// fields are optional.
type Operation struct {
	// CommandFn is used to create the command that will be wrapped in a wire
	// message and sent to the server. This function should only add the
	// elements of the command and not start or end the enclosing BSON
	// document. Per the command API, the first element must be the name of
	// the command to run. This field is required.
	CommandFn func(dst []byte, desc description.SelectedServer) ([]byte, error)

	// Database is the database that the command will be run against. This
	// field is required.
	Database string

	// Deployment is the MongoDB Deployment to use. While most of the time
	// this will be multiple servers, commands that need to run against a
	// single, preselected server can use the SingleServerDeployment type.
	// Commands that need to run on a preselected connection can use the
	// SingleConnectionDeployment type.
	Deployment Deployment

	// ProcessResponseFn is called after a response to the command is
	// returned. The server is provided for types like Cursor that are
	// tied to a single server or connection.
	ProcessResponseFn func(ResponseInfo) error

	// Selector is the server selector that's used during both initial server
	// selection and server selection after every retry.
	Selector description.ServerSelector

	// ReadPreference is the read preference that will be attached to the
	// command. If this field is not specified a default read preference of
	// primary will be used.
	ReadPreference *readpref.ReadPref

	// DocumentSequences is the set of kind-1 OP_MSG sections to attach to
	// the command, used to stream write batches.
	DocumentSequences []DocumentSequence

	// Type specifies the kind of operation this is. There is only one
	// mode that enables retryability: Write and Read.
	Type Type

	// RetryMode specifies how to retry. There are three modes that enable
	// retry: RetryOnce, RetryOncePerCommand, and RetryContext.
	RetryMode *RetryMode

	// RetryPolicy configures the transformer and predicate consulted by the
	// retry state machine between attempts. When nil, the default
	// classification in retryable() decides.
	RetryPolicy *RetryPolicy

	// Legacy sets whether the operation may be framed as an OP_QUERY against
	// the $cmd collection when the connection has not yet negotiated OP_MSG
	// support. Only the handshake uses this.
	Legacy bool

	// ExhaustAllowed indicates that the server may reply with multiple
	// messages via exhaust streaming.
	ExhaustAllowed bool

	// MaxAttempts overrides the attempt bound derived from RetryMode.
	MaxAttempts int64

	// Logger is the logger for this operation.
	Logger *logger.Logger

	// Compressors and compression levels negotiated for outgoing messages.
	CompressionOpts *CompressionOpts

	// Name is the name of the operation. This is used when serializing
	// OP_MSG as well as for logging server selection data.
	Name string
}

// DocumentSequence is a kind-1 OP_MSG section: an identifier plus a sequence
// of documents outside the command body.
type DocumentSequence struct {
	Identifier string
	Documents  []bsoncore.Document
}

// RetryPolicy combines the pluggable pieces of the retry state machine.
type RetryPolicy struct {
	Transformer ExceptionTransformer
	Predicate   RetryPredicate
}

// Validate validates this operation, ensuring the fields are set properly.
func (op Operation) Validate() error {
	if op.CommandFn == nil {
		return InvalidOperationError{MissingField: "CommandFn"}
	}
	if op.Deployment == nil {
		return InvalidOperationError{MissingField: "Deployment"}
	}
	if op.Database == "" {
		return InvalidOperationError{MissingField: "Database"}
	}
	return nil
}

type prevServerKey struct{}

// maxAttempts computes the attempt bound for this execution.
func (op Operation) maxAttempts() int64 {
	if op.MaxAttempts > 0 {
		return op.MaxAttempts
	}
	if op.RetryMode == nil {
		return 1
	}
	switch *op.RetryMode {
	case RetryOnce, RetryOncePerCommand:
		return 2
	case RetryContext:
		// Bounded only by the context deadline, checked each iteration.
		return InfiniteAttempts
	default:
		return 1
	}
}

// Execute runs this operation.
func (op Operation) Execute(ctx context.Context) error {
	if err := op.Validate(); err != nil {
		return err
	}

	rs := NewRetryState(op.maxAttempts())
	transformer := defaultTransformer
	predicate := op.retryPredicate()
	if op.RetryPolicy != nil {
		if op.RetryPolicy.Transformer != nil {
			transformer = op.RetryPolicy.Transformer
		}
		if op.RetryPolicy.Predicate != nil {
			predicate = op.RetryPolicy.Predicate
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return Suppress(err, rs.ChosenError())
		}

		err := op.executeAttempt(ctx, rs)
		if err == nil {
			return nil
		}

		if advErr := rs.Advance(err, transformer, predicate); advErr != nil {
			return advErr
		}

		// Exponential backoff with full jitter between attempts keeps a
		// retry storm from hammering a recovering server.
		if delay := retryDelay(rs.Attempt()); delay > 0 {
			if err := sleepWithContext(ctx, delay); err != nil {
				return Suppress(err, rs.ChosenError())
			}
		}
	}
}

// retryDelay returns the sleep before the given 1-based retry attempt: full
// jitter over an exponentially growing cap, bounded at 500ms.
func retryDelay(attempt int64) time.Duration {
	if attempt < 1 {
		return 0
	}
	const base = 5 * time.Millisecond
	const max = 500 * time.Millisecond
	backoff := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if backoff > max {
		backoff = max
	}
	return time.Duration(rand.Int63n(int64(backoff) + 1))
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// defaultTransformer keeps the most recent failure as the chosen exception.
func defaultTransformer(_, current error) error { return current }

// retryPredicate returns the default classification for this operation's
// type: network and pool-cleared errors always retry; server errors retry
// per the retryable code lists and labels.
func (op Operation) retryPredicate() RetryPredicate {
	return func(_ *RetryState, err error) bool {
		if op.RetryMode != nil && !op.RetryMode.Enabled() {
			return false
		}
		return op.retryable(err)
	}
}

func (op Operation) retryable(err error) bool {
	if IsRetryablePoolError(err) {
		return true
	}
	if IsTimeout(err) {
		return false
	}
	switch op.Type {
	case Write:
		var wce WriteCommandError
		if errors.As(err, &wce) {
			return wce.Retryable(nil) || wce.HasErrorLabel(NoWritesPerformed)
		}
		var de Error
		if errors.As(err, &de) {
			return de.RetryableWrite(nil) || de.HasErrorLabel(NoWritesPerformed)
		}
	case Read:
		var de Error
		if errors.As(err, &de) {
			return de.RetryableRead()
		}
	}
	var cerr interface {
		error
		HasErrorLabel(string) bool
	}
	if errors.As(err, &cerr) {
		return cerr.HasErrorLabel(NetworkError)
	}
	return false
}

// executeAttempt performs one attempt: select server, check out connection,
// send and receive, and process the response.
func (op Operation) executeAttempt(ctx context.Context, rs *RetryState) error {
	srvr, err := op.selectServer(ctx, rs)
	if err != nil {
		return err
	}

	conn, err := srvr.Connection(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = conn.Close()
	}()

	desc := description.SelectedServer{Server: conn.Description(), Kind: op.Deployment.Kind()}

	// Advertise exhaust support when the connection can stream replies so
	// the server may respond with moreToCome.
	if streamer, ok := conn.(StreamerConnection); ok && streamer.SupportsStreaming() {
		op.ExhaustAllowed = true
	}

	wm, info, err := op.createWireMessage(nil, desc)
	if err != nil {
		return err
	}

	res, err := op.roundTrip(ctx, conn, wm, info.requestID)
	if ep, ok := srvr.(ErrorProcessor); ok {
		_ = ep.ProcessError(err, conn)
	}
	if err != nil {
		return WrapErrorForAttempt(err, conn.Address(), int(rs.Attempt()))
	}

	if op.ProcessResponseFn != nil {
		info := ResponseInfo{
			ServerResponse: res,
			Server:         srvr,
			Connection:     conn,
		}
		if perr := op.ProcessResponseFn(info); perr != nil {
			return perr
		}
	}

	return nil
}

// selectServer handles performing server selection for an operation. On a
// retry the server used for the previous attempt is deprioritized so the
// operation lands elsewhere when the deployment has an alternative.
func (op Operation) selectServer(ctx context.Context, rs *RetryState) (Server, error) {
	selector := op.Selector
	if selector == nil {
		rp := op.ReadPreference
		if rp == nil {
			rp = readpref.Primary()
		}
		selector = description.CompositeSelector([]description.ServerSelector{
			description.ReadPrefSelector(rp),
			description.LatencySelector(defaultLocalThreshold),
		})
	}

	if prev, ok := rs.Attachment(prevServerKey{}); ok {
		selector = deprioritizingSelector(selector, prev.(description.Server))
	}

	server, err := op.Deployment.SelectServer(ctx, selector)
	if err != nil {
		return nil, err
	}

	switch withDesc := server.(type) {
	case interface{ Description() description.SelectedServer }:
		rs.Attach(prevServerKey{}, withDesc.Description().Server, false)
	case interface{ Description() description.Server }:
		rs.Attach(prevServerKey{}, withDesc.Description(), false)
	}
	return server, nil
}

// deprioritizingSelector wraps base so that servers other than deprioritized
// are preferred; if filtering leaves no candidates the full set is used.
func deprioritizingSelector(base description.ServerSelector, deprioritized description.Server) description.ServerSelector {
	return description.ServerSelectorFunc(func(t description.Topology, candidates []description.Server) ([]description.Server, error) {
		selected, err := base.SelectServer(t, candidates)
		if err != nil {
			return nil, err
		}
		if t.Kind != description.Sharded || len(selected) < 2 {
			return selected, nil
		}
		preferred := make([]description.Server, 0, len(selected))
		for _, s := range selected {
			if s.Addr.String() != deprioritized.Addr.String() {
				preferred = append(preferred, s)
			}
		}
		if len(preferred) == 0 {
			return selected, nil
		}
		return preferred, nil
	})
}

// roundTrip writes a wiremessage and reads the correlated response.
func (op Operation) roundTrip(ctx context.Context, conn Connection, wm []byte, requestID int32) (bsoncore.Document, error) {
	err := conn.WriteWireMessage(ctx, wm)
	if err != nil {
		return nil, op.networkError(err)
	}
	return op.readWireMessage(ctx, conn, requestID)
}

// ExecuteExhaust reads a response from the provided streaming connection
// without writing a request. This is used to read the next reply of an
// exhaust stream started by a previous Execute.
func (op Operation) ExecuteExhaust(ctx context.Context, conn StreamerConnection) error {
	if !conn.CurrentlyStreaming() {
		return errors.New("exhaust execution requires a connection in the streaming state")
	}
	res, err := op.readWireMessage(ctx, conn, 0)
	if err != nil {
		return err
	}
	if op.ProcessResponseFn != nil {
		return op.ProcessResponseFn(ResponseInfo{ServerResponse: res, Connection: conn})
	}
	return nil
}

// correlatedReader is implemented by connections that can route replies to
// the request they answer, allowing concurrent commands on one connection.
type correlatedReader interface {
	ReadResponseTo(context.Context, int32) ([]byte, error)
}

func (op Operation) readWireMessage(ctx context.Context, conn Connection, requestID int32) (bsoncore.Document, error) {
	var wm []byte
	var err error
	if cr, ok := conn.(correlatedReader); ok && requestID != 0 {
		wm, err = cr.ReadResponseTo(ctx, requestID)
	} else {
		wm, err = conn.ReadWireMessage(ctx)
	}
	if err != nil {
		return nil, op.networkError(err)
	}

	// If we're using a streamable connection, we set its streaming state
	// based on the moreToCome flag in the server response.
	if streamer, ok := conn.(StreamerConnection); ok {
		streamer.SetStreaming(wiremessage.IsMsgMoreToCome(wm))
	}

	res, err := op.decodeResult(wm)
	if err != nil {
		return res, err
	}
	return res, ExtractErrorFromServerResponse(res)
}

// networkError wraps err with the NetworkError label so the retry layer and
// SDAM can classify it.
func (op Operation) networkError(err error) error {
	if err == nil {
		return nil
	}
	labels := []string{NetworkError}
	if op.Type == Write {
		labels = append(labels, RetryableWriteError)
	}
	return Error{Message: err.Error(), Labels: labels, Wrapped: err}
}

// createWireMessage builds the complete wire message for this operation:
// OP_MSG for modern connections, or a legacy OP_QUERY against the $cmd
// collection when Legacy is set and the connection has not negotiated
// OP_MSG. The message is compressed when compression was negotiated and the
// command is compressible.
func (op Operation) createWireMessage(
	dst []byte,
	desc description.SelectedServer,
) ([]byte, startedInformation, error) {
	var info startedInformation
	var wmindex int32
	var err error

	legacy := op.Legacy && (desc.WireVersion == nil || desc.WireVersion.Max < 6)

	requestID := wiremessage.NextRequestID()
	info.requestID = requestID

	if legacy {
		wmindex, dst = wiremessage.AppendHeaderStart(dst, requestID, 0, wiremessage.OpQuery)
		dst = wiremessage.AppendQueryFlags(dst, wiremessage.SecondaryOK)
		dst = wiremessage.AppendQueryFullCollectionName(dst, op.getFullCollectionName("$cmd"))
		dst = wiremessage.AppendQueryNumberToSkip(dst, 0)
		dst = wiremessage.AppendQueryNumberToReturn(dst, -1)
		bodyStart := len(dst)
		idx, bdy := bsoncore.AppendDocumentStart(dst)
		bdy, err = op.CommandFn(bdy, desc)
		if err != nil {
			return dst, info, err
		}
		dst = bsoncore.AppendDocumentEnd(bdy, idx)
		info.cmd = bsoncore.Document(dst[bodyStart:])
		info.cmdName = commandName(info.cmd)
		return wiremessage.UpdateLength(dst, wmindex, int32(len(dst[wmindex:]))), info, nil
	}

	var flags wiremessage.MsgFlag
	if op.ExhaustAllowed {
		flags |= wiremessage.ExhaustAllowed
	}

	wmindex, dst = wiremessage.AppendHeaderStart(dst, requestID, 0, wiremessage.OpMsg)
	dst = wiremessage.AppendMsgFlags(dst, flags)

	// Body section (kind 0).
	dst = wiremessage.AppendMsgSectionType(dst, wiremessage.SingleDocument)
	bodyStart := len(dst)
	idx, dst := bsoncore.AppendDocumentStart(dst)
	dst, err = op.CommandFn(dst, desc)
	if err != nil {
		return dst, info, err
	}
	dst = bsoncore.AppendStringElement(dst, "$db", op.Database)
	if rp, err := op.createReadPref(desc); err != nil {
		return dst, info, err
	} else if len(rp) > 0 {
		dst = bsoncore.AppendDocumentElement(dst, "$readPreference", rp)
	}
	dst = bsoncore.AppendDocumentEnd(dst, idx)

	// Document sequence sections (kind 1).
	for _, seq := range op.DocumentSequences {
		dst = wiremessage.AppendMsgSectionType(dst, wiremessage.DocumentSequence)
		sidx, sdst := bsoncore.ReserveLength(dst)
		sdst = append(sdst, seq.Identifier...)
		sdst = append(sdst, 0x00)
		for _, doc := range seq.Documents {
			sdst = append(sdst, doc...)
		}
		dst = bsoncore.UpdateLength(sdst, sidx)
	}

	info.cmd = bsoncore.Document(dst[bodyStart:])
	info.cmdName = commandName(info.cmd)
	dst = wiremessage.UpdateLength(dst, wmindex, int32(len(dst[wmindex:])))

	if op.canCompress(info.cmdName) {
		compressed, err := op.compressWireMessage(dst[wmindex:])
		if err != nil {
			return dst, info, err
		}
		dst = append(dst[:wmindex], compressed...)
	}

	return dst, info, nil
}

func (op Operation) getFullCollectionName(coll string) string {
	return op.Database + "." + coll
}

func commandName(cmd bsoncore.Document) string {
	if elems, err := cmd.Elements(); err == nil && len(elems) > 0 {
		return elems[0].Key()
	}
	return ""
}

// canCompress returns true if the command can be compressed.
func (op Operation) canCompress(cmd string) bool {
	if op.CompressionOpts == nil || op.CompressionOpts.Compressor == wiremessage.CompressorNoOp {
		return false
	}
	switch cmd {
	case "isMaster", "ismaster", "hello", "saslStart", "saslContinue",
		"getnonce", "authenticate", "createUser", "updateUser",
		"copydbsaslstart", "copydbgetnonce", "copydb":
		return false
	}
	return true
}

// compressWireMessage wraps the given OP_MSG message in an OP_COMPRESSED
// envelope.
func (op Operation) compressWireMessage(src []byte) ([]byte, error) {
	_, reqid, respto, origcode, body, ok := wiremessage.ReadHeader(src)
	if !ok {
		return nil, errors.New("wiremessage is too short to compress, less than 16 bytes")
	}

	idx, dst := wiremessage.AppendHeaderStart(nil, reqid, respto, wiremessage.OpCompressed)
	dst = wiremessage.AppendCompressedOriginalOpCode(dst, origcode)
	dst = wiremessage.AppendCompressedUncompressedSize(dst, int32(len(body)))
	dst = wiremessage.AppendCompressedCompressorID(dst, op.CompressionOpts.Compressor)

	opts := CompressionOpts{
		Compressor: op.CompressionOpts.Compressor,
		ZlibLevel:  op.CompressionOpts.ZlibLevel,
		ZstdLevel:  op.CompressionOpts.ZstdLevel,
	}
	compressed, err := CompressPayload(body, opts)
	if err != nil {
		return nil, err
	}
	dst = wiremessage.AppendCompressedCompressedMessage(dst, compressed)

	return wiremessage.UpdateLength(dst, idx, int32(len(dst[idx:]))), nil
}

// createReadPref builds the $readPreference document for the operation.
func (op Operation) createReadPref(desc description.SelectedServer) (bsoncore.Document, error) {
	if op.ReadPreference == nil || desc.Kind == description.Single || desc.Server.Kind == description.Standalone {
		return nil, nil
	}
	rp := op.ReadPreference
	idx, doc := bsoncore.AppendDocumentStart(nil)

	switch rp.Mode() {
	case readpref.PrimaryMode:
		if desc.Kind == description.Sharded {
			return nil, nil
		}
		doc = bsoncore.AppendStringElement(doc, "mode", "primary")
	case readpref.PrimaryPreferredMode:
		doc = bsoncore.AppendStringElement(doc, "mode", "primaryPreferred")
	case readpref.SecondaryPreferredMode:
		doc = bsoncore.AppendStringElement(doc, "mode", "secondaryPreferred")
	case readpref.SecondaryMode:
		doc = bsoncore.AppendStringElement(doc, "mode", "secondary")
	case readpref.NearestMode:
		doc = bsoncore.AppendStringElement(doc, "mode", "nearest")
	}

	if len(rp.TagSets()) > 0 {
		arrIdx, arr := bsoncore.AppendArrayStart(nil)
		for i, ts := range rp.TagSets() {
			setIdx, set := bsoncore.AppendDocumentStart(nil)
			for _, t := range ts {
				set = bsoncore.AppendStringElement(set, t.Name, t.Value)
			}
			set = bsoncore.AppendDocumentEnd(set, setIdx)
			arr = bsoncore.AppendDocumentElement(arr, fmt.Sprint(i), set)
		}
		arr = bsoncore.AppendArrayEnd(arr, arrIdx)
		doc = bsoncore.AppendArrayElement(doc, "tags", arr)
	}

	if d, ok := rp.MaxStaleness(); ok {
		doc = bsoncore.AppendInt32Element(doc, "maxStalenessSeconds", int32(d.Seconds()))
	}

	doc = bsoncore.AppendDocumentEnd(doc, idx)
	return doc, nil
}

// decodeOpReply extracts the necessary information from an OP_REPLY wire
// message.
func (op Operation) decodeOpReply(wm []byte) opReply {
	var reply opReply
	var ok bool

	reply.flags, wm, ok = wiremessage.ReadReplyFlags(wm)
	if !ok {
		return reply
	}
	reply.cursorID, wm, ok = wiremessage.ReadReplyCursorID(wm)
	if !ok {
		return reply
	}
	reply.startingFrom, wm, ok = wiremessage.ReadReplyStartingFrom(wm)
	if !ok {
		return reply
	}
	reply.numReturned, wm, ok = wiremessage.ReadReplyNumberReturned(wm)
	if !ok {
		return reply
	}
	reply.documents, _, ok = wiremessage.ReadReplyDocuments(wm)
	if !ok {
		return reply
	}
	return reply
}

func (op Operation) decodeResult(wm []byte) (bsoncore.Document, error) {
	wmLength := len(wm)
	length, _, _, opcode, wm, ok := wiremessage.ReadHeader(wm)
	if !ok || int(length) > wmLength {
		return nil, errors.New("malformed wire message: insufficient bytes")
	}

	wm = wm[:wmLength-16] // constrain to just this wiremessage, incase there are multiple in the slice

	if opcode == wiremessage.OpCompressed {
		rawsize := length - 16 // remove header size
		opcode, wm, ok = op.decompressWireMessage(wm, rawsize)
		if !ok {
			return nil, errors.New("malformed OP_COMPRESSED: missing or invalid payload")
		}
	}

	switch opcode {
	case wiremessage.OpReply:
		reply := op.decodeOpReply(wm)
		if reply.flags&wiremessage.QueryFailure == wiremessage.QueryFailure {
			return nil, QueryFailureError{
				Message:  "command failure",
				Response: reply.documents[0],
			}
		}
		if reply.flags&wiremessage.CursorNotFound == wiremessage.CursorNotFound {
			return nil, ErrCursorNotFound
		}
		if reply.numReturned == 0 {
			return nil, ErrNoDocCommandResponse
		}
		if reply.numReturned > 1 {
			return nil, ErrMultiDocCommandResponse
		}
		if len(reply.documents) != 1 {
			return nil, ErrReplyDocumentMismatch
		}
		rdr := reply.documents[0]
		if err := rdr.Validate(); err != nil {
			return nil, NewCommandResponseError("malformed OP_REPLY: invalid document", err)
		}

		return rdr, nil
	case wiremessage.OpMsg:
		_, wm, ok = wiremessage.ReadMsgFlags(wm)
		if !ok {
			return nil, errors.New("malformed wire message: missing OP_MSG flags")
		}

		var res bsoncore.Document
		for len(wm) > 0 {
			var stype wiremessage.SectionType
			stype, wm, ok = wiremessage.ReadMsgSectionType(wm)
			if !ok {
				return nil, errors.New("malformed wire message: insufficient bytes to read section type")
			}

			switch stype {
			case wiremessage.SingleDocument:
				res, wm, ok = wiremessage.ReadMsgSectionSingleDocument(wm)
				if !ok {
					return nil, errors.New("malformed wire message: insufficient bytes to read single document")
				}
			case wiremessage.DocumentSequence:
				_, _, wm, ok = wiremessage.ReadMsgSectionDocumentSequence(wm)
				if !ok {
					return nil, errors.New("malformed wire message: insufficient bytes to read document sequence")
				}
			default:
				return nil, fmt.Errorf("malformed wire message: unknown section type %v", stype)
			}
		}

		if err := res.Validate(); err != nil {
			return nil, NewCommandResponseError("malformed OP_MSG: invalid document", err)
		}

		return res, nil
	default:
		return nil, fmt.Errorf("cannot decode result from %s", opcode)
	}
}

// decompressWireMessage handles decompressing the payload of an
// OP_COMPRESSED message.
func (op Operation) decompressWireMessage(wm []byte, rawsize int32) (wiremessage.OpCode, []byte, bool) {
	opcode, wm, ok := wiremessage.ReadCompressedOriginalOpCode(wm)
	if !ok {
		return 0, nil, false
	}
	uncompressedSize, wm, ok := wiremessage.ReadCompressedUncompressedSize(wm)
	if !ok {
		return 0, nil, false
	}
	compressorID, wm, ok := wiremessage.ReadCompressedCompressorID(wm)
	if !ok {
		return 0, nil, false
	}
	compressedSize := rawsize - 9 // original opcode (4) + uncompressed size (4) + compressor ID (1)
	msg, _, ok := wiremessage.ReadCompressedCompressedMessage(wm, compressedSize)
	if !ok {
		return 0, nil, false
	}

	opts := CompressionOpts{
		Compressor:       compressorID,
		UncompressedSize: uncompressedSize,
	}
	uncompressed, err := DecompressPayload(msg, opts)
	if err != nil {
		return 0, nil, false
	}

	return opcode, uncompressed, true
}

// WithDeadline returns a context honoring both the operation timeout and any
// existing deadline.
func WithDeadline(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return csot.MakeTimeoutContext(ctx, timeout)
}
