// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package event is a library for monitoring events from the driver's
// connection pool and SDAM machinery. Monitors are caller-owned collections
// of callbacks passed into the pool and topology configurations; the driver
// keeps no global listener registry.
package event

import (
	"time"

	"github.com/bytev/mongo-go-core/bson"
	"github.com/bytev/mongo-go-core/x/mongo/driver/address"
	"github.com/bytev/mongo-go-core/x/mongo/driver/description"
)

// strings for pool command monitoring reasons
const (
	ReasonIdle              = "idle"
	ReasonPoolClosed        = "poolClosed"
	ReasonStale             = "stale"
	ReasonConnectionErrored = "connectionError"
	ReasonTimedOut          = "timeout"
	ReasonError             = "error"
)

// strings for pool command monitoring types
const (
	ConnectionCreated        = "ConnectionCreated"
	ConnectionReady          = "ConnectionReady"
	ConnectionClosed         = "ConnectionClosed"
	PoolCreated              = "ConnectionPoolCreated"
	PoolReady                = "ConnectionPoolReady"
	GetFailed                = "ConnectionCheckOutFailed"
	GetStarted               = "ConnectionCheckOutStarted"
	GetSucceeded             = "ConnectionCheckedOut"
	ConnectionReturned       = "ConnectionCheckedIn"
	PoolCleared              = "ConnectionPoolCleared"
	PoolClosedEvent          = "ConnectionPoolClosed"
)

// MonitorPoolOptions contains pool options as formatted in pool events.
type MonitorPoolOptions struct {
	MaxPoolSize        uint64        `json:"maxPoolSize"`
	MinPoolSize        uint64        `json:"minPoolSize"`
	WaitQueueTimeoutMS uint64        `json:"maxIdleTimeMS"`
}

// PoolEvent contains all information summarizing a pool event.
type PoolEvent struct {
	Type         string              `json:"type"`
	Address      string              `json:"address"`
	ConnectionID uint64              `json:"connectionId"`
	PoolOptions  *MonitorPoolOptions `json:"options"`
	Duration     time.Duration       `json:"duration"`
	Reason       string              `json:"reason"`
	// ServiceID is only set if the Type is PoolCleared and the server is
	// deployed behind a load balancer. This field can be used to distinguish
	// between individual servers in a load balanced deployment.
	ServiceID    *bson.ObjectID `json:"serviceId"`
	Interruption bool           `json:"interruptInUseConnections"`
	Error        error          `json:"error"`
}

// PoolMonitor is a function that allows the user to gain access to events
// occurring in the pool.
type PoolMonitor struct {
	Event func(*PoolEvent)
}

// ServerDescriptionChangedEvent represents a server description change.
type ServerDescriptionChangedEvent struct {
	Address             address.Address
	TopologyID          bson.ObjectID
	PreviousDescription description.Server
	NewDescription      description.Server
}

// ServerOpeningEvent is an event generated when the server is initialized.
type ServerOpeningEvent struct {
	Address    address.Address
	TopologyID bson.ObjectID
}

// ServerClosedEvent is an event generated when the server is closed.
type ServerClosedEvent struct {
	Address    address.Address
	TopologyID bson.ObjectID
}

// TopologyDescriptionChangedEvent represents a topology description change.
type TopologyDescriptionChangedEvent struct {
	TopologyID          bson.ObjectID
	PreviousDescription description.Topology
	NewDescription      description.Topology
}

// TopologyOpeningEvent is an event generated when the topology is
// initialized.
type TopologyOpeningEvent struct {
	TopologyID bson.ObjectID
}

// TopologyClosedEvent is an event generated when the topology is closed.
type TopologyClosedEvent struct {
	TopologyID bson.ObjectID
}

// ServerHeartbeatStartedEvent is an event generated when the heartbeat is
// started.
type ServerHeartbeatStartedEvent struct {
	ConnectionID string
	Awaited      bool
}

// ServerHeartbeatSucceededEvent is an event generated when the heartbeat
// succeeds.
type ServerHeartbeatSucceededEvent struct {
	Duration     time.Duration
	Reply        description.Server
	ConnectionID string
	Awaited      bool
}

// ServerHeartbeatFailedEvent is an event generated when the heartbeat fails.
type ServerHeartbeatFailedEvent struct {
	Duration     time.Duration
	Failure      error
	ConnectionID string
	Awaited      bool
}

// ServerMonitor represents a monitor that is triggered for different server
// events. The client will monitor changes on the MongoDB deployment it is
// connected to, and this monitor reports the changes in the client's
// representation of the deployment.
type ServerMonitor struct {
	ServerDescriptionChanged   func(*ServerDescriptionChangedEvent)
	ServerOpening              func(*ServerOpeningEvent)
	ServerClosed               func(*ServerClosedEvent)
	TopologyDescriptionChanged func(*TopologyDescriptionChangedEvent)
	TopologyOpening            func(*TopologyOpeningEvent)
	TopologyClosed             func(*TopologyClosedEvent)
	ServerHeartbeatStarted     func(*ServerHeartbeatStartedEvent)
	ServerHeartbeatSucceeded   func(*ServerHeartbeatSucceededEvent)
	ServerHeartbeatFailed      func(*ServerHeartbeatFailedEvent)
}
