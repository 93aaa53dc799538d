// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytev/mongo-go-core/internal"
	"github.com/bytev/mongo-go-core/x/mongo/driver"
	"github.com/bytev/mongo-go-core/x/mongo/driver/address"
	"github.com/bytev/mongo-go-core/x/mongo/driver/description"
	"github.com/bytev/mongo-go-core/x/mongo/driver/wiremessage"
)

// defaultMaxMessageSize is the server's maxMessageSizeBytes before the
// handshake has reported one.
const defaultMaxMessageSize uint32 = 48000000

var errResponseTooLarge = errors.New("length of read message too large")

// Connection state constants.
const (
	connDisconnected int64 = iota
	connConnected
	connInitialized
)

var globalConnectionID uint64 = 1

func nextConnectionID() uint64 { return atomic.AddUint64(&globalConnectionID, 1) }

type connection struct {
	// state must be accessed using the atomic package and should be at the
	// beginning of the struct.
	// - atomic bug: https://pkg.go.dev/sync/atomic#pkg-note-BUG
	state int64

	id                   string
	nc                   net.Conn // When nil, the connection is closed.
	addr                 address.Address
	idleTimeout          time.Duration
	idleStart            atomic.Value // Stores a time.Time
	lifetimeDeadline     time.Time
	readTimeout          time.Duration
	writeTimeout         time.Duration
	desc                 description.Server
	helloRTT             time.Duration
	compressor           wiremessage.CompressorID
	zliblevel            int
	zstdLevel            int
	connectDone          chan struct{}
	config               *connectionConfig
	cancelConnectContext context.CancelFunc
	connectContextMade   chan struct{}
	canStream            bool
	currentlyStreaming   bool
	connectTimeout       time.Duration
	errMu                sync.RWMutex
	err                  error

	// generation is the pool generation at creation; a mismatch with the
	// pool's current generation marks the connection stale.
	generation uint64

	// pool is a handle back to the owning pool, used on check-in. It is nil
	// for monitoring connections, which are not pooled.
	pool *pool

	// driverConnectionID is the driver-side numeric ID for logging.
	driverConnectionID uint64
	// serverConnectionID is the server's identifier for this connection as
	// reported by the handshake.
	serverConnectionID *int64

	creationTime time.Time

	// pinning fields, protected by refCountMu
	refCountMu     sync.Mutex
	cursorRef      uint64
	transactionRef uint64

	// sendLock serializes concurrent sends; recvLock elects the goroutine
	// that reads from the socket. parkedMu guards the outstanding-request
	// set and the parked replies used to correlate out-of-order responses
	// to their waiters.
	sendLock    sync.Mutex
	recvLock    sync.Mutex
	parkedMu    sync.Mutex
	parkedCond  *sync.Cond
	outstanding map[int32]struct{}
	parked      map[int32][]byte
	readErr     error

	cancellationListener *internal.CancellationListener
}

// newConnection handles the creation of a connection. It does not connect
// the connection.
func newConnection(addr address.Address, opts ...ConnectionOption) *connection {
	cfg := newConnectionConfig(opts...)

	id := fmt.Sprintf("%s[-%d]", addr, nextConnectionID())

	c := &connection{
		id:                   id,
		addr:                 addr,
		idleTimeout:          cfg.idleTimeout,
		readTimeout:          cfg.readTimeout,
		writeTimeout:         cfg.writeTimeout,
		connectDone:          make(chan struct{}),
		config:               cfg,
		connectContextMade:   make(chan struct{}),
		cancellationListener: internal.NewCancellationListener(),
		connectTimeout:       cfg.connectTimeout,
		outstanding:          make(map[int32]struct{}),
		parked:               make(map[int32][]byte),
		creationTime:         time.Now(),
	}
	c.parkedCond = sync.NewCond(&c.parkedMu)
	if cfg.lifeTimeout > 0 {
		c.lifetimeDeadline = c.creationTime.Add(cfg.lifeTimeout)
	}
	// Connections to non-load balanced deployments should eagerly set the
	// generation numbers so errors encountered at any point during connection
	// establishment can be processed against the correct generation.
	if !c.config.loadBalanced {
		c.setGenerationNumber()
	}
	atomic.StoreInt64(&c.state, connInitialized)

	return c
}

// setGenerationNumber sets the connection's generation number if a callback
// has been provided to do so in connection configuration.
func (c *connection) setGenerationNumber() {
	if c.config.getGenerationFn != nil {
		c.generation = c.config.getGenerationFn(c.desc.ServiceID)
	}
}

// hasGenerationNumber returns true if the connection has set its generation
// number. If so, this connection can be considered stale when the
// generation of the pool changes.
func (c *connection) hasGenerationNumber() bool {
	if !c.config.loadBalanced {
		// The generation is known for non-LB clusters during connection
		// initialization.
		return true
	}
	// For LB clusters, we set the generation after the initial handshake,
	// so we know it's set if the connection description has been updated to
	// reflect that it's behind an LB.
	return c.desc.LoadBalanced()
}

// connect handles the I/O for a connection. It will dial, configure TLS, and
// perform initialization handshakes. All errors returned by connect are
// considered "before the handshake completes" and must be handled by calling
// the appropriate SDAM handshake error handler.
func (c *connection) connect(ctx context.Context) (err error) {
	if !atomic.CompareAndSwapInt64(&c.state, connInitialized, connConnected) {
		return nil
	}

	defer close(c.connectDone)

	// If connect returns an error, set the connection status as disconnected
	// and close the underlying net.Conn if it was created.
	defer func() {
		if err != nil {
			c.errMu.Lock()
			c.err = err
			c.errMu.Unlock()

			atomic.StoreInt64(&c.state, connDisconnected)

			if c.nc != nil {
				_ = c.nc.Close()
			}
		}
	}()

	// Create separate contexts for dialing a connection and doing the
	// MongoDB/auth handshakes.
	//
	// handshakeCtx is simply a cancellable version of ctx because there's no
	// default timeout that needs to be applied to the full handshake. The
	// cancellation allows consumers to bail out early when dialing a
	// connection if it's no longer required.
	dialCtx, dialCancel := context.WithCancel(ctx)
	var handshakeCtx context.Context
	handshakeCtx, c.cancelConnectContext = context.WithCancel(ctx)
	close(c.connectContextMade)

	defer func() {
		dialCancel()
		c.cancelConnectContext()
		c.cancelConnectContext = nil
	}()

	if c.connectTimeout != 0 {
		var cancelFn context.CancelFunc
		dialCtx, cancelFn = context.WithTimeout(dialCtx, c.connectTimeout)
		defer cancelFn()
	}

	// Assign the result of DialContext to a temporary net.Conn to ensure
	// that c.nc is not set in an error case.
	tempNc, err := c.config.dialer.DialContext(dialCtx, c.addr.Network(), c.addr.String())
	if err != nil {
		return ConnectionError{Wrapped: err, init: true}
	}
	c.nc = tempNc

	if c.config.tlsConfig != nil {
		tlsConfig := c.config.tlsConfig.Clone()

		if tlsConfig.ServerName == "" {
			hostname := c.addr.String()
			colonPos := strings.LastIndex(hostname, ":")
			if colonPos == -1 {
				colonPos = len(hostname)
			}
			tlsConfig.ServerName = hostname[:colonPos]
		}

		tlsNc := tls.Client(c.nc, tlsConfig)

		errChan := make(chan error, 1)
		go func() {
			errChan <- tlsNc.HandshakeContext(dialCtx)
		}()

		select {
		case err = <-errChan:
			if err != nil {
				return ConnectionError{Wrapped: err, init: true}
			}
		case <-dialCtx.Done():
			_ = tlsNc.Close()
			return ConnectionError{Wrapped: dialCtx.Err(), init: true}
		}
		c.nc = tlsNc
	}

	// running hello and authentication is handled by a handshaker on the
	// configuration instance.
	handshaker := c.config.handshaker
	if handshaker == nil {
		return nil
	}

	var handshakeInfo driver.HandshakeInformation
	handshakeStartTime := time.Now()
	handshakeConn := initConnection{c}
	handshakeInfo, err = handshaker.GetHandshakeInformation(handshakeCtx, c.addr, handshakeConn)
	if err == nil {
		// We only need to retain the Description field as the connection's
		// description. The authentication-related fields in handshakeInfo
		// are tracked by the handshaker if necessary.
		c.desc = handshakeInfo.Description
		c.serverConnectionID = handshakeInfo.ServerConnectionID
		c.helloRTT = time.Since(handshakeStartTime)

		// If the application has indicated that the cluster is load
		// balanced, ensure the server has included serviceId in its
		// handshake response to indicate that it knows it's behind an LB as
		// well.
		if c.config.loadBalanced && c.desc.ServiceID == nil {
			err = errLoadBalancedStateMismatch
		}
	}
	if err == nil {
		// For load-balanced connections, the generation is not known until
		// after the initial handshake.
		if c.config.loadBalanced {
			c.setGenerationNumber()
		}

		// If we successfully finished the first part of the handshake and
		// verified LB state, continue with the rest of the handshake.
		err = handshaker.FinishHandshake(handshakeCtx, handshakeConn)
	}

	// We have a failed handshake here.
	if err != nil {
		// If the handshake error is a network error, mark the error so
		// downstream error handling can distinguish it.
		if netErr, ok := err.(ConnectionError); ok {
			return netErr
		}
		return ConnectionError{Wrapped: err, init: true}
	}

	if c.config.descCallback != nil {
		c.config.descCallback(c.desc)
	}
	if len(c.desc.Compression) > 0 {
	clientMethodLoop:
		for _, method := range c.config.compressors {
			for _, serverMethod := range c.desc.Compression {
				if method != serverMethod {
					continue
				}

				switch strings.ToLower(method) {
				case "snappy":
					c.compressor = wiremessage.CompressorSnappy
				case "zlib":
					c.compressor = wiremessage.CompressorZLib
					c.zliblevel = wiremessage.DefaultZlibLevel
					if c.config.zlibLevel != nil {
						c.zliblevel = *c.config.zlibLevel
					}
				case "zstd":
					c.compressor = wiremessage.CompressorZstd
					c.zstdLevel = wiremessage.DefaultZstdLevel
					if c.config.zstdLevel != nil {
						c.zstdLevel = *c.config.zstdLevel
					}
				}
				break clientMethodLoop
			}
		}
	}
	return nil
}

func (c *connection) wait() error {
	if c.connectDone != nil {
		<-c.connectDone
	}
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.err
}

func (c *connection) closeConnectContext() {
	<-c.connectContextMade
	if c.cancelConnectContext != nil {
		c.cancelConnectContext()
	}
}

func transformNetworkError(ctx context.Context, originalError error, contextDeadlineUsed bool) error {
	if originalError == nil {
		return nil
	}

	// If there was an error and the context was cancelled, we assume it
	// happened due to the cancellation.
	if ctx.Err() == context.Canceled {
		return context.Canceled
	}

	// If there was a timeout error and the context deadline was used, we
	// convert the error into context.DeadlineExceeded.
	if !contextDeadlineUsed {
		return originalError
	}
	if netErr, ok := originalError.(net.Error); ok && netErr.Timeout() {
		return context.DeadlineExceeded
	}

	return originalError
}

func (c *connection) cancellationListenerCallback() {
	_ = c.close()
}

func (c *connection) writeWireMessage(ctx context.Context, wm []byte) error {
	var err error
	if atomic.LoadInt64(&c.state) != connConnected {
		return ConnectionError{
			ConnectionID: c.id,
			message:      "connection is closed",
		}
	}

	var deadline time.Time
	if c.writeTimeout != 0 {
		deadline = time.Now().Add(c.writeTimeout)
	}

	var contextDeadlineUsed bool
	if dl, ok := ctx.Deadline(); ok && (deadline.IsZero() || dl.Before(deadline)) {
		contextDeadlineUsed = true
		deadline = dl
	}

	if err := c.nc.SetWriteDeadline(deadline); err != nil {
		return ConnectionError{ConnectionID: c.id, Wrapped: err, message: "failed to set write deadline"}
	}

	// Record the outstanding request before the bytes hit the wire so a
	// concurrent receiver can route the reply.
	reqID := requestIDFromWireMessage(wm)
	c.parkedMu.Lock()
	c.outstanding[reqID] = struct{}{}
	c.parkedMu.Unlock()

	c.sendLock.Lock()
	err = c.write(ctx, wm)
	c.sendLock.Unlock()
	if err != nil {
		c.close()
		c.abortPending(err)
		return ConnectionError{
			ConnectionID: c.id,
			Wrapped:      transformNetworkError(ctx, err, contextDeadlineUsed),
			message:      "unable to write wire message to network",
		}
	}
	return nil
}

func (c *connection) write(ctx context.Context, wm []byte) (err error) {
	go c.cancellationListener.Listen(ctx, c.cancellationListenerCallback)
	defer func() {
		// There is a race condition between Stop and Listen, so we handle
		// that here.
		c.cancellationListener.StopListening()
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
	}()

	_, err = c.nc.Write(wm)
	return err
}

// readWireMessage reads the next wiremessage from the connection and removes
// its responseTo from the outstanding-request set. It does not route replies
// to other in-flight requests; readResponseTo does that.
func (c *connection) readWireMessage(ctx context.Context) ([]byte, error) {
	if atomic.LoadInt64(&c.state) != connConnected {
		return nil, ConnectionError{
			ConnectionID: c.id,
			message:      "connection is closed",
		}
	}

	var deadline time.Time
	if c.readTimeout != 0 {
		deadline = time.Now().Add(c.readTimeout)
	}

	var contextDeadlineUsed bool
	if dl, ok := ctx.Deadline(); ok && (deadline.IsZero() || dl.Before(deadline)) {
		contextDeadlineUsed = true
		deadline = dl
	}

	if err := c.nc.SetReadDeadline(deadline); err != nil {
		return nil, ConnectionError{ConnectionID: c.id, Wrapped: err, message: "failed to set read deadline"}
	}

	c.recvLock.Lock()
	dst, errMsg, err := c.read(ctx)
	c.recvLock.Unlock()
	if err != nil {
		// We closeConnection the connection because we don't know if there
		// are other bytes left to read.
		c.close()
		c.abortPending(err)
		message := errMsg
		if err == io.EOF {
			message = "socket was unexpectedly closed"
		}
		return nil, ConnectionError{
			ConnectionID: c.id,
			Wrapped:      transformNetworkError(ctx, err, contextDeadlineUsed),
			message:      message,
		}
	}

	c.parkedMu.Lock()
	delete(c.outstanding, responseToFromWireMessage(dst))
	c.parkedMu.Unlock()

	return dst, nil
}

// readResponseTo reads wire messages until one whose responseTo matches
// reqID arrives. Replies belonging to other outstanding requests on the
// connection are parked for their waiters; waiters that cannot obtain the
// receive role block until the current receiver parks their reply or the
// connection dies. This is what permits concurrent in-flight commands on a
// single connection.
func (c *connection) readResponseTo(ctx context.Context, reqID int32) ([]byte, error) {
	for {
		c.parkedMu.Lock()
		if wm, ok := c.parked[reqID]; ok {
			delete(c.parked, reqID)
			delete(c.outstanding, reqID)
			c.parkedMu.Unlock()
			return wm, nil
		}
		if err := c.readErr; err != nil {
			c.parkedMu.Unlock()
			return nil, err
		}
		c.parkedMu.Unlock()

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if !c.recvLock.TryLock() {
			// Another goroutine is reading; wait for it to park our reply
			// or release the receive role.
			c.parkedMu.Lock()
			if _, ok := c.parked[reqID]; !ok && c.readErr == nil {
				c.parkedCond.Wait()
			}
			c.parkedMu.Unlock()
			continue
		}

		dst, errMsg, err := c.read(ctx)
		c.recvLock.Unlock()
		if err != nil {
			c.close()
			c.abortPending(err)
			message := errMsg
			if err == io.EOF {
				message = "socket was unexpectedly closed"
			}
			return nil, ConnectionError{ConnectionID: c.id, Wrapped: err, message: message}
		}

		respTo := responseToFromWireMessage(dst)
		if respTo == reqID {
			c.parkedMu.Lock()
			delete(c.outstanding, reqID)
			c.parkedCond.Broadcast()
			c.parkedMu.Unlock()
			return dst, nil
		}

		c.parkedMu.Lock()
		if _, ok := c.outstanding[respTo]; ok {
			c.parked[respTo] = dst
		}
		c.parkedCond.Broadcast()
		c.parkedMu.Unlock()
	}
}

func (c *connection) parseWmSizeBytes(wmSizeBytes [4]byte) (int32, error) {
	// read the length as an int32
	size := int32(binary.LittleEndian.Uint32(wmSizeBytes[:]))

	if size < 4 {
		return 0, fmt.Errorf("malformed message length: %d", size)
	}
	// In the case of a hello response where MaxMessageSize has not yet been
	// set, use the hard-coded defaultMaxMessageSize instead.
	maxMessageSize := c.desc.MaxMessageSize
	if maxMessageSize == 0 {
		maxMessageSize = defaultMaxMessageSize
	}
	if uint32(size) > maxMessageSize {
		return 0, errResponseTooLarge
	}

	return size, nil
}

func (c *connection) read(ctx context.Context) (bytesRead []byte, errMsg string, err error) {
	go c.cancellationListener.Listen(ctx, c.cancellationListenerCallback)
	defer func() {
		// If the context is cancelled after we finish reading the server
		// response, the cancellation listener could fire even though the
		// socket reads succeed. To account for this, we overwrite err to be
		// context.Canceled if the context was cancelled.
		c.cancellationListener.StopListening()
		if err == nil && ctx.Err() == context.Canceled {
			err = context.Canceled
			errMsg = "unable to read server response"
		}
	}()

	// We use an array here because it only costs 4 bytes on the stack and
	// means we'll only need to reslice dst once instead of twice.
	var sizeBuf [4]byte

	// We do a ReadFull into an array here instead of doing an opportunistic
	// ReadAtLeast into dst because there might be more than one wire message
	// waiting to be read, for example when reading messages from an exhaust
	// cursor.
	n, err := io.ReadFull(c.nc, sizeBuf[:])
	if err != nil {
		if l := int32(n); l == 0 && isCSOTTimeout(err) {
			return nil, "", err
		}
		return nil, "incomplete read of message header", err
	}
	size, err := c.parseWmSizeBytes(sizeBuf)
	if err != nil {
		return nil, err.Error(), err
	}

	dst := make([]byte, size)
	copy(dst, sizeBuf[:])

	n, err = io.ReadFull(c.nc, dst[4:])
	if err != nil {
		remainingBytes := size - 4 - int32(n)
		errMsg = fmt.Sprintf("incomplete read of full message: remaining bytes: %d", remainingBytes)
		return dst, errMsg, err
	}

	return dst, "", nil
}

// abortPending fails every outstanding request waiter with err. Called when
// an I/O error closes the connection.
func (c *connection) abortPending(err error) {
	c.parkedMu.Lock()
	if c.readErr == nil {
		c.readErr = ConnectionError{ConnectionID: c.id, Wrapped: err, message: "connection failed"}
	}
	for id := range c.outstanding {
		delete(c.outstanding, id)
	}
	for id := range c.parked {
		delete(c.parked, id)
	}
	c.parkedCond.Broadcast()
	c.parkedMu.Unlock()
}

func (c *connection) close() error {
	// Overwrite the connection state as the first step so only the first
	// close call will execute.
	if !atomic.CompareAndSwapInt64(&c.state, connConnected, connDisconnected) {
		return nil
	}

	var err error
	if c.nc != nil {
		err = c.nc.Close()
	}

	return err
}

// closed returns true if the connection has been closed by the driver.
func (c *connection) closed() bool {
	return atomic.LoadInt64(&c.state) == connDisconnected
}

// isAlive returns true if the connection is alive and ready to be used for
// an operation.
func (c *connection) isAlive() bool {
	if c.nc == nil {
		return false
	}

	// If the connection has been idle for less than 10 seconds, skip the
	// liveness check.
	idleStart, ok := c.idleStart.Load().(time.Time)
	if !ok || idleStart.Add(10*time.Second).After(time.Now()) {
		return true
	}

	// Set a 1ms read deadline and attempt to read 1 byte from the
	// connection. Expect it to block for 1ms then return a deadline exceeded
	// error. If it returns any other error, the connection is not usable, so
	// return false. If it doesn't return an error and actually reads data,
	// the connection is also not usable, so return false.
	err := c.nc.SetReadDeadline(time.Now().Add(1 * time.Millisecond))
	if err != nil {
		return false
	}
	var b [1]byte
	_, err = c.nc.Read(b[:])
	return errors.Is(err, os.ErrDeadlineExceeded)
}

func (c *connection) idleTimeoutExpired() bool {
	if c.idleTimeout == 0 {
		return false
	}

	idleStart, ok := c.idleStart.Load().(time.Time)
	return ok && idleStart.Add(c.idleTimeout).Before(time.Now())
}

// lifetimeExpired returns true when the connection has outlived its
// configured maximum lifetime.
func (c *connection) lifetimeExpired() bool {
	return !c.lifetimeDeadline.IsZero() && time.Now().After(c.lifetimeDeadline)
}

// bumpIdleStart sets the connection's idle start time to the current time.
// This should be called when a connection is created and when a connection
// is checked in.
func (c *connection) bumpIdleStart() {
	c.idleStart.Store(time.Now())
}

// setSocketTimeout updates the read and write deadlines applied to
// subsequent socket operations.
func (c *connection) setSocketTimeout(timeout time.Duration) {
	c.readTimeout = timeout
	c.writeTimeout = timeout
}

// setCanStream records that the next request advertises exhaustAllowed.
func (c *connection) setCanStream(canStream bool) {
	c.canStream = canStream
}

func (c *connection) getCurrentlyStreaming() bool {
	return c.currentlyStreaming
}

func (c *connection) ID() string {
	return c.id
}

func (c *connection) ServerConnectionID() *int64 {
	return c.serverConnectionID
}

func (c *connection) Generation() uint64 {
	return c.generation
}

func (c *connection) Address() address.Address {
	return c.addr
}

func (c *connection) Description() description.Server {
	return c.desc
}

// requestIDFromWireMessage extracts the request ID of wm.
func requestIDFromWireMessage(wm []byte) int32 {
	if len(wm) < 8 {
		return 0
	}
	return int32(binary.LittleEndian.Uint32(wm[4:8]))
}

// responseToFromWireMessage extracts the responseTo field of wm.
func responseToFromWireMessage(wm []byte) int32 {
	if len(wm) < 12 {
		return 0
	}
	return int32(binary.LittleEndian.Uint32(wm[8:12]))
}

// initConnection is an adapter used during connection initialization. It has
// the minimum functionality necessary to implement the driver.Connection
// interface, which is required to pass the connection to a handshaker.
type initConnection struct{ *connection }

var _ driver.Connection = initConnection{}
var _ driver.StreamerConnection = initConnection{}

func (c initConnection) Description() description.Server {
	if c.connection == nil {
		return description.Server{}
	}
	return c.connection.desc
}
func (c initConnection) Close() error             { return nil }
func (c initConnection) ID() string               { return c.id }
func (c initConnection) Address() address.Address { return c.addr }
func (c initConnection) Stale() bool              { return false }
func (c initConnection) ServerConnectionID() *int64 {
	return c.serverConnectionID
}
func (c initConnection) WriteWireMessage(ctx context.Context, wm []byte) error {
	return c.writeWireMessage(ctx, wm)
}
func (c initConnection) ReadWireMessage(ctx context.Context) ([]byte, error) {
	return c.readWireMessage(ctx)
}
func (c initConnection) SetStreaming(streaming bool) {
	c.currentlyStreaming = streaming
}
func (c initConnection) CurrentlyStreaming() bool {
	return c.currentlyStreaming
}
func (c initConnection) SupportsStreaming() bool {
	return c.canStream
}

// Connection implements the driver.Connection interface to allow reading and
// writing wire messages and the driver.Expirable interface to allow
// expiring. It wraps an underlying topology.connection to make it more
// goroutine-safe and nil-safe.
type Connection struct {
	connection    *connection
	refCount      int
	cleanupPoolFn func()

	mu sync.RWMutex
}

var _ driver.Connection = (*Connection)(nil)
var _ driver.Expirable = (*Connection)(nil)
var _ driver.PinnedConnection = (*Connection)(nil)

// WriteWireMessage handles writing a wire message to the underlying
// connection.
func (c *Connection) WriteWireMessage(ctx context.Context, wm []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connection == nil {
		return ErrConnectionClosed
	}
	return c.connection.writeWireMessage(ctx, wm)
}

// ReadWireMessage handles reading a wire message from the underlying
// connection.
func (c *Connection) ReadWireMessage(ctx context.Context) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connection == nil {
		return nil, ErrConnectionClosed
	}
	return c.connection.readWireMessage(ctx)
}

// ReadResponseTo reads wire messages until the reply to the request with the
// given ID arrives, parking replies that belong to other concurrent requests
// on this connection.
func (c *Connection) ReadResponseTo(ctx context.Context, requestID int32) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connection == nil {
		return nil, ErrConnectionClosed
	}
	return c.connection.readResponseTo(ctx, requestID)
}

// CompressWireMessage handles compressing the provided wire message using
// the underlying connection's compressor.
func (c *Connection) CompressWireMessage(src, dst []byte) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connection == nil {
		return dst, ErrConnectionClosed
	}
	if c.connection.compressor == wiremessage.CompressorNoOp {
		return append(dst, src...), nil
	}
	_, reqid, respto, origcode, rem, ok := wiremessage.ReadHeader(src)
	if !ok {
		return dst, errors.New("wiremessage is too short to compress, less than 16 bytes")
	}
	idx, dst := wiremessage.AppendHeaderStart(dst, reqid, respto, wiremessage.OpCompressed)
	dst = wiremessage.AppendCompressedOriginalOpCode(dst, origcode)
	dst = wiremessage.AppendCompressedUncompressedSize(dst, int32(len(rem)))
	dst = wiremessage.AppendCompressedCompressorID(dst, c.connection.compressor)
	opts := driver.CompressionOpts{
		Compressor: c.connection.compressor,
		ZlibLevel:  c.connection.zliblevel,
		ZstdLevel:  c.connection.zstdLevel,
	}
	compressed, err := driver.CompressPayload(rem, opts)
	if err != nil {
		return nil, err
	}
	dst = wiremessage.AppendCompressedCompressedMessage(dst, compressed)
	return wiremessage.UpdateLength(dst, idx, int32(len(dst[idx:]))), nil
}

// Description returns the server description of the server this connection
// is connected to.
func (c *Connection) Description() description.Server {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connection == nil {
		return description.Server{}
	}
	return c.connection.desc
}

// Close returns this connection to the connection pool. This method may not
// closeConnection the underlying socket.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connection == nil || c.refCount > 0 {
		return nil
	}

	return c.cleanupReferences()
}

// Expire closes this connection and will closeConnection the underlying
// socket.
func (c *Connection) Expire() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connection == nil {
		return nil
	}

	_ = c.connection.close()
	return c.cleanupReferences()
}

func (c *Connection) cleanupReferences() error {
	defer func() {
		if c.cleanupPoolFn != nil {
			c.cleanupPoolFn()
			c.cleanupPoolFn = nil
		}
		c.connection = nil
	}()

	if c.connection.pool != nil {
		return c.connection.pool.checkIn(c.connection)
	}
	return c.connection.close()
}

// Alive returns if the connection is still alive.
func (c *Connection) Alive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connection != nil
}

// ID returns the ID of this connection.
func (c *Connection) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connection == nil {
		return "<closed>"
	}
	return c.connection.id
}

// ServerConnectionID returns the server connection ID of this connection.
func (c *Connection) ServerConnectionID() *int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connection == nil {
		return nil
	}
	return c.connection.serverConnectionID
}

// Stale returns if the connection is stale.
func (c *Connection) Stale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connection == nil {
		return true
	}
	return c.connection.pool.stale(c.connection)
}

// Address returns the address of this connection.
func (c *Connection) Address() address.Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connection == nil {
		return address.Address("0.0.0.0")
	}
	return c.connection.addr
}

// LocalAddress returns the local address of the connection.
func (c *Connection) LocalAddress() address.Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connection == nil || c.connection.nc == nil {
		return address.Address("0.0.0.0")
	}
	return address.Address(c.connection.nc.LocalAddr().String())
}

// SetStreaming sets the streaming state of the underlying connection.
func (c *Connection) SetStreaming(streaming bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connection != nil {
		c.connection.currentlyStreaming = streaming
	}
}

// CurrentlyStreaming returns whether the underlying connection is streaming.
func (c *Connection) CurrentlyStreaming() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connection != nil && c.connection.currentlyStreaming
}

// SupportsStreaming returns whether the connection supports streaming.
func (c *Connection) SupportsStreaming() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connection != nil && c.connection.canStream
}

// PinToCursor updates this connection to reflect that it is pinned to a
// cursor.
func (c *Connection) PinToCursor() error {
	return c.pin("cursor", func(conn *connection) {
		conn.refCountMu.Lock()
		conn.cursorRef++
		conn.refCountMu.Unlock()
	})
}

// PinToTransaction updates this connection to reflect that it is pinned to a
// transaction.
func (c *Connection) PinToTransaction() error {
	return c.pin("transaction", func(conn *connection) {
		conn.refCountMu.Lock()
		conn.transactionRef++
		conn.refCountMu.Unlock()
	})
}

func (c *Connection) pin(reason string, updateFn func(*connection)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connection == nil {
		return fmt.Errorf("attempted to pin a connection for a %s, but the connection has already been returned to the pool", reason)
	}

	c.refCount++
	updateFn(c.connection)
	return nil
}

// UnpinFromCursor updates this connection to reflect that it is no longer
// pinned to a cursor.
func (c *Connection) UnpinFromCursor() error {
	return c.unpin("cursor", func(conn *connection) {
		conn.refCountMu.Lock()
		conn.cursorRef--
		conn.refCountMu.Unlock()
	})
}

// UnpinFromTransaction updates this connection to reflect that it is no
// longer pinned to a transaction.
func (c *Connection) UnpinFromTransaction() error {
	return c.unpin("transaction", func(conn *connection) {
		conn.refCountMu.Lock()
		conn.transactionRef--
		conn.refCountMu.Unlock()
	})
}

func (c *Connection) unpin(reason string, updateFn func(*connection)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connection == nil {
		// We don't error here because the resource could have been forcefully
		// closed via Expire.
		return nil
	}
	if c.refCount == 0 {
		return fmt.Errorf("attempted to unpin a connection from a %s, but the connection is not pinned by any resources", reason)
	}

	c.refCount--
	updateFn(c.connection)
	return nil
}

// pinned returns whether the underlying connection is held by a cursor or
// transaction.
func (c *connection) pinned() bool {
	c.refCountMu.Lock()
	defer c.refCountMu.Unlock()
	return c.cursorRef > 0 || c.transactionRef > 0
}

var errLoadBalancedStateMismatch = errors.New("driver attempted to initialize in load balancing mode, but the server does not support this mode")

// ErrConnectionClosed is returned when attempting to use an already closed
// Connection.
var ErrConnectionClosed = ConnectionError{ConnectionID: "<closed>", message: "connection is closed"}

// isCSOTTimeout returns true if the error is a timeout error that resulted
// from a context deadline.
func isCSOTTimeout(err error) bool {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return true
	}
	return false
}
