// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytev/mongo-go-core/bson"
	"github.com/bytev/mongo-go-core/x/mongo/driver"
	"github.com/bytev/mongo-go-core/x/mongo/driver/address"
	"github.com/bytev/mongo-go-core/x/mongo/driver/description"
)

// ConnectionError represents a connection error.
type ConnectionError struct {
	ConnectionID string
	Wrapped      error

	// init will be set to true if this error occurred during connection
	// initialization or during a connection handshake.
	init    bool
	message string
}

// Error implements the error interface.
func (e ConnectionError) Error() string {
	message := e.message
	if e.init {
		fullMsg := "error occurred during connection handshake"
		if message != "" {
			fullMsg = fmt.Sprintf("%s: %s", fullMsg, message)
		}
		message = fullMsg
	}
	if e.Wrapped != nil && message != "" {
		return fmt.Sprintf("connection(%s) %s: %s", e.ConnectionID, message, e.Wrapped.Error())
	}
	if e.Wrapped != nil {
		return fmt.Sprintf("connection(%s) %s", e.ConnectionID, e.Wrapped.Error())
	}
	return fmt.Sprintf("connection(%s) %s", e.ConnectionID, message)
}

// Unwrap returns the underlying error.
func (e ConnectionError) Unwrap() error {
	return e.Wrapped
}

// ServerSelectionError represents a Server Selection error.
type ServerSelectionError struct {
	Desc    description.Topology
	Wrapped error
}

// Error implements the error interface.
func (e ServerSelectionError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("server selection error: %s, current topology: { %s }", e.Wrapped.Error(), e.Desc.String())
	}
	return fmt.Sprintf("server selection error: current topology: { %s }", e.Desc.String())
}

// Unwrap returns the underlying error.
func (e ServerSelectionError) Unwrap() error {
	return e.Wrapped
}

// WaitQueueTimeoutError represents a timeout when requesting a connection
// from the pool.
type WaitQueueTimeoutError struct {
	Wrapped                      error
	pinnedConnections            *pinnedConnections
	maxPoolSize                  uint64
	totalConnections             int
	availableConnections         int
	waitDuration                 time.Duration
}

type pinnedConnections struct {
	cursorConnections      uint64
	transactionConnections uint64
}

// Error implements the error interface.
func (w WaitQueueTimeoutError) Error() string {
	errorMsg := "timed out while checking out a connection from connection pool"
	switch {
	case w.Wrapped == nil:
	case w.Wrapped == context.Canceled:
		errorMsg = fmt.Sprintf("%s: %s", "canceled while checking out a connection from connection pool", w.Wrapped.Error())
	default:
		errorMsg = fmt.Sprintf("%s: %s", errorMsg, w.Wrapped.Error())
	}

	msg := fmt.Sprintf("%s; total connections: %d, maxPoolSize: %d, ", errorMsg, w.totalConnections, w.maxPoolSize)
	if pinnedConnections := w.pinnedConnections; pinnedConnections != nil {
		openConnectionCount := uint64(w.totalConnections) -
			pinnedConnections.cursorConnections -
			pinnedConnections.transactionConnections
		msg += fmt.Sprintf("connections in use by cursors: %d, connections in use by transactions: %d, connections in use by other operations: %d, ",
			pinnedConnections.cursorConnections,
			pinnedConnections.transactionConnections,
			openConnectionCount,
		)
	}
	msg += fmt.Sprintf("idle connections: %d, wait duration: %s", w.availableConnections, w.waitDuration.String())
	return msg
}

// Unwrap returns the underlying error.
func (w WaitQueueTimeoutError) Unwrap() error {
	return w.Wrapped
}

// PoolClearedError is an error returned when the connection pool is cleared
// or currently paused. It is a retryable error.
type PoolClearedError struct {
	ServiceID *bson.ObjectID
	Address   address.Address
	Wrapped   error
}

// Error implements the error interface.
func (pce PoolClearedError) Error() string {
	return fmt.Sprintf(
		"connection pool for %v was cleared because another operation failed with: %v",
		pce.Address,
		pce.Wrapped,
	)
}

// Unwrap returns the underlying error.
func (pce PoolClearedError) Unwrap() error {
	return pce.Wrapped
}

// Retryable returns true. All PoolClearedErrors are retryable.
func (PoolClearedError) Retryable() bool { return true }

// poolClearedError returns an error indicating that the pool is cleared.
func poolClearedError(addr address.Address, sid *bson.ObjectID) PoolClearedError {
	return PoolClearedError{ServiceID: sid, Address: addr}
}

// unwrapConnectionError returns the connection error wrapped by err, or nil
// if err does not wrap a connection error.
func unwrapConnectionError(err error) error {
	var connErr ConnectionError
	if errors.As(err, &connErr) {
		return connErr.Wrapped
	}

	var driverErr driver.Error
	if !errors.As(err, &driverErr) || !driverErr.NetworkError() {
		return nil
	}
	if errors.As(driverErr.Wrapped, &connErr) {
		return connErr.Wrapped
	}
	return driverErr.Wrapped
}
