// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"fmt"
	"strings"

	"github.com/bytev/mongo-go-core/x/mongo/driver/address"
)

// TopologyKind represents a specific topology configuration.
type TopologyKind uint32

// These constants are the available topology configurations.
const (
	Single                TopologyKind = 1
	ReplicaSet            TopologyKind = 2
	ReplicaSetNoPrimary   TopologyKind = 4 + ReplicaSet
	ReplicaSetWithPrimary TopologyKind = 8 + ReplicaSet
	Sharded               TopologyKind = 256
	LoadBalanced          TopologyKind = 512
)

// String implements the fmt.Stringer interface.
func (kind TopologyKind) String() string {
	switch kind {
	case Single:
		return "Single"
	case ReplicaSet:
		return "ReplicaSet"
	case ReplicaSetNoPrimary:
		return "ReplicaSetNoPrimary"
	case ReplicaSetWithPrimary:
		return "ReplicaSetWithPrimary"
	case Sharded:
		return "Sharded"
	case LoadBalanced:
		return "LoadBalanced"
	}
	return "Unknown"
}

// ConnectionMode informs the driver on how to connect to the cluster: direct
// to a single server, discovering and monitoring multiple servers, or
// through a load balancer.
type ConnectionMode uint8

// These constants are the available connection modes.
const (
	SingleMode ConnectionMode = iota
	MultipleMode
	LoadBalancedMode
)

func (mode ConnectionMode) String() string {
	switch mode {
	case SingleMode:
		return "Single"
	case MultipleMode:
		return "Multiple"
	case LoadBalancedMode:
		return "LoadBalanced"
	}
	return "Unknown"
}

// Topology contains an immutable snapshot of the driver's view of the whole
// deployment.
type Topology struct {
	Servers []Server
	SetName string
	Kind    TopologyKind
	// SessionTimeoutMinutes is the minimum logical session timeout across
	// all data-bearing servers, or nil if any of them does not support
	// sessions.
	SessionTimeoutMinutes *int64
	CompatibilityErr      error
}

// SelectedServer augments a server description with the kind of the
// topology it was selected from.
type SelectedServer struct {
	Server
	Kind TopologyKind
}

// Equal compares two topology descriptions and returns true if they are
// equal.
func (t Topology) Equal(other Topology) bool {
	if t.Kind != other.Kind {
		return false
	}

	topoServers := make(map[string]Server)
	for _, s := range t.Servers {
		topoServers[s.Addr.String()] = s
	}

	otherServers := make(map[string]Server)
	for _, s := range other.Servers {
		otherServers[s.Addr.String()] = s
	}

	if len(topoServers) != len(otherServers) {
		return false
	}

	for _, server := range topoServers {
		otherServer := otherServers[server.Addr.String()]

		if !server.Equal(otherServer) {
			return false
		}
	}

	return true
}

// Server returns the server for the given address. Returns false if the
// server could not be found.
func (t Topology) Server(addr address.Address) (Server, bool) {
	for _, server := range t.Servers {
		if server.Addr.String() == addr.String() {
			return server, true
		}
	}
	return Server{}, false
}

// HasReadableServer returns true if the topology contains a server suitable
// for reading with the given read preference mode.
func (t Topology) HasReadableServer(mode readableMode) bool {
	switch t.Kind {
	case Single, Sharded, LoadBalanced:
		return hasAvailableServer(t.Servers, readableModeAny)
	case ReplicaSetWithPrimary:
		return hasAvailableServer(t.Servers, mode)
	case ReplicaSetNoPrimary, ReplicaSet:
		if mode == readableModePrimary {
			return false
		}
		return hasAvailableServer(t.Servers, mode)
	}
	return false
}

// HasWritableServer returns true if a topology has a server available for
// writing.
func (t Topology) HasWritableServer() bool {
	switch t.Kind {
	case Single, Sharded, LoadBalanced, ReplicaSetWithPrimary:
		return hasAvailableServer(t.Servers, readableModePrimary)
	}
	return false
}

// String implements the fmt.Stringer interface.
func (t Topology) String() string {
	var serversStr strings.Builder
	for _, s := range t.Servers {
		serversStr.WriteString("{ ")
		serversStr.WriteString(s.String())
		serversStr.WriteString(" }, ")
	}
	return fmt.Sprintf("Type: %s, Servers: [%s]", t.Kind, serversStr.String())
}

type readableMode uint8

const (
	readableModePrimary readableMode = iota
	readableModeSecondary
	readableModeAny
)

// hasAvailableServer returns true if any server in the slice is usable for
// the given mode. readableModeAny is treated as "any data-bearing server".
func hasAvailableServer(servers []Server, mode readableMode) bool {
	for _, s := range servers {
		switch mode {
		case readableModePrimary:
			if s.Kind == RSPrimary || s.Kind == Standalone || s.Kind == Mongos || s.Kind == LoadBalancer {
				return true
			}
		case readableModeSecondary:
			if s.Kind == RSSecondary {
				return true
			}
		default:
			if s.DataBearing() {
				return true
			}
		}
	}
	return false
}

// CompatibilityError is returned when the driver is incompatible with one or
// more servers in the deployment.
type CompatibilityError struct {
	Server      address.Address
	WireVersion *VersionRange
	Driver      VersionRange
}

func (e *CompatibilityError) Error() string {
	if e.WireVersion == nil {
		return fmt.Sprintf("server at %s reported no wire version range", e.Server)
	}
	if e.WireVersion.Max < e.Driver.Min {
		return fmt.Sprintf(
			"server at %s reports wire version %d, but this version of the driver requires at least %d",
			e.Server, e.WireVersion.Max, e.Driver.Min,
		)
	}
	return fmt.Sprintf(
		"server at %s requires wire version %d, but this version of the driver only supports up to %d",
		e.Server, e.WireVersion.Min, e.Driver.Max,
	)
}

// VerifyCompatibility checks that the topology's servers' wire version
// ranges overlap the driver's supported range. The topology is compatible
// iff, for every server, maxWireVersion >= driver minimum and
// minWireVersion <= driver maximum.
func VerifyCompatibility(servers []Server, driverRange VersionRange) error {
	for _, s := range servers {
		if s.Kind == 0 {
			continue
		}
		if s.WireVersion == nil ||
			s.WireVersion.Max < driverRange.Min ||
			s.WireVersion.Min > driverRange.Max {
			wv := s.WireVersion
			return &CompatibilityError{Server: s.Addr, WireVersion: wv, Driver: driverRange}
		}
	}
	return nil
}
