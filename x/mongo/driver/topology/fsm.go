// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"bytes"
	"fmt"

	"github.com/bytev/mongo-go-core/bson"
	"github.com/bytev/mongo-go-core/x/mongo/driver/address"
	"github.com/bytev/mongo-go-core/x/mongo/driver/description"
)

// MinSupportedMongoDBVersion is the version string for the lowest MongoDB
// version supported by the driver.
const MinSupportedMongoDBVersion = "3.6"

// SupportedWireVersions is the range of wire versions supported by the
// driver.
var SupportedWireVersions = description.NewVersionRange(6, 21)

type fsm struct {
	description.Topology
	maxElectionID    bson.ObjectID
	maxSetVersion    uint32
	compatible       bool
	compatibilityErr error
}

func newFSM() *fsm {
	f := fsm{
		compatible: true,
	}
	return &f
}

// selectFSMSessionTimeout selects the timeout to return for the topology's
// finite state machine. If the new server description is data-bearing and
// its logicalSessionTimeoutMinutes is unset, or any data-bearing server in
// the topology has none, nil is returned. Otherwise the minimum value across
// all data-bearing servers, including the new description, is used.
func selectFSMSessionTimeout(f *fsm, s description.Server) *int64 {
	oldMinutes := f.SessionTimeoutMinutes
	comparedMinutes := oldMinutes

	if s.DataBearing() && (comparedMinutes == nil || (s.SessionTimeoutMinutes != nil && *s.SessionTimeoutMinutes < *comparedMinutes)) {
		comparedMinutes = s.SessionTimeoutMinutes
	}

	timeoutMinutes := comparedMinutes
	for _, server := range f.Servers {
		if server.DataBearing() {
			if server.SessionTimeoutMinutes == nil {
				return nil
			}
			if timeoutMinutes == nil || *server.SessionTimeoutMinutes < *timeoutMinutes {
				timeoutMinutes = server.SessionTimeoutMinutes
			}
		}
	}
	if s.DataBearing() && s.SessionTimeoutMinutes == nil {
		return nil
	}

	return timeoutMinutes
}

// apply takes a new server description and modifies the FSM's topology
// description based on it. It returns the updated topology description as
// well as a server description. The returned server description is either
// the same one that was passed in, or a new one in the case that it had to
// be changed.
//
// apply should operate on immutable descriptions so we don't have to lock
// for the entire time we're applying the server description.
func (f *fsm) apply(s description.Server) (description.Topology, description.Server) {
	newServers := make([]description.Server, len(f.Servers))
	copy(newServers, f.Servers)

	// Reset the compatibilityErr to be overwritten later.
	f.compatibilityErr = nil

	f.Topology = description.Topology{
		Kind:    f.Kind,
		Servers: newServers,
		SetName: f.SetName,
	}

	f.Topology.SessionTimeoutMinutes = selectFSMSessionTimeout(f, s)

	if _, ok := f.findServer(s.Addr); !ok {
		return f.Topology, s
	}

	updatedDesc := s
	switch f.Kind {
	case description.Unknown:
		updatedDesc = f.applyToUnknown(s)
	case description.Sharded:
		updatedDesc = f.applyToSharded(s)
	case description.ReplicaSetNoPrimary:
		updatedDesc = f.applyToReplicaSetNoPrimary(s)
	case description.ReplicaSetWithPrimary:
		updatedDesc = f.applyToReplicaSetWithPrimary(s)
	case description.Single:
		updatedDesc = f.applyToSingle(s)
	}

	for _, server := range f.Servers {
		if server.WireVersion != nil {
			if server.WireVersion.Max < SupportedWireVersions.Min ||
				server.WireVersion.Min > SupportedWireVersions.Max {
				f.compatible = false
				f.compatibilityErr = fmt.Errorf(
					"server at %s requires wire version [%d, %d], but this version of the Go driver requires [%d, %d]",
					server.Addr.String(),
					server.WireVersion.Min,
					server.WireVersion.Max,
					SupportedWireVersions.Min,
					SupportedWireVersions.Max,
				)
				f.Topology.CompatibilityErr = f.compatibilityErr
				return f.Topology, s
			}
		}
	}

	f.compatible = true
	f.compatibilityErr = nil
	f.Topology.CompatibilityErr = nil
	return f.Topology, updatedDesc
}

func (f *fsm) applyToReplicaSetNoPrimary(s description.Server) description.Server {
	switch s.Kind {
	case description.Standalone, description.Mongos:
		f.removeServerByAddr(s.Addr)
	case description.RSPrimary:
		f.updateRSFromPrimary(s)
	case description.RSSecondary, description.RSArbiter, description.RSMember:
		f.updateRSWithoutPrimary(s)
	case description.Unknown, description.RSGhost:
		f.replaceServer(s)
	}

	return s
}

func (f *fsm) applyToReplicaSetWithPrimary(s description.Server) description.Server {
	switch s.Kind {
	case description.Standalone, description.Mongos:
		f.removeServerByAddr(s.Addr)
		f.checkIfHasPrimary()
	case description.RSPrimary:
		f.updateRSFromPrimary(s)
	case description.RSSecondary, description.RSArbiter, description.RSMember:
		f.updateRSWithPrimaryFromMember(s)
	case description.Unknown, description.RSGhost:
		f.replaceServer(s)
		f.checkIfHasPrimary()
	}

	return s
}

func (f *fsm) applyToSharded(s description.Server) description.Server {
	switch s.Kind {
	case description.Mongos, description.Unknown:
		f.replaceServer(s)
	case description.Standalone, description.RSPrimary, description.RSSecondary,
		description.RSArbiter, description.RSMember, description.RSGhost:
		f.removeServerByAddr(s.Addr)
	}

	return s
}

func (f *fsm) applyToSingle(s description.Server) description.Server {
	switch s.Kind {
	case description.Unknown:
		f.replaceServer(s)
	case description.RSGhost:
		// Applications may connect directly to a replica set member in ghost
		// state.
		f.replaceServer(s)
	default:
		if f.SetName != "" && f.SetName != s.SetName {
			f.removeServerByAddr(s.Addr)
			f.Kind = description.Unknown
			return s
		}

		f.replaceServer(s)
	}

	return s
}

func (f *fsm) applyToUnknown(s description.Server) description.Server {
	switch s.Kind {
	case description.Mongos:
		f.setKind(description.Sharded)
		f.replaceServer(s)
	case description.RSPrimary:
		f.updateRSFromPrimary(s)
	case description.RSSecondary, description.RSArbiter, description.RSMember:
		f.setKind(description.ReplicaSetNoPrimary)
		f.updateRSWithoutPrimary(s)
	case description.Standalone:
		f.updateUnknownWithStandalone(s)
	case description.Unknown, description.RSGhost:
		f.replaceServer(s)
	}

	return s
}

func (f *fsm) checkIfHasPrimary() {
	if _, ok := f.findPrimary(); ok {
		f.setKind(description.ReplicaSetWithPrimary)
	} else {
		f.setKind(description.ReplicaSetNoPrimary)
	}
}

// hierarchy of setVersions and electionIDs:
// compare setVersions first, then electionIDs.
func (f *fsm) updateRSFromPrimary(s description.Server) {
	if f.SetName == "" {
		f.SetName = s.SetName
	} else if f.SetName != s.SetName {
		f.removeServerByAddr(s.Addr)
		f.checkIfHasPrimary()
		return
	}

	if s.SetVersion != 0 && !s.ElectionID.IsZero() {
		if f.maxSetVersion > s.SetVersion ||
			(f.maxSetVersion == s.SetVersion && bytes.Compare(f.maxElectionID[:], s.ElectionID[:]) > 0) {
			// Stale primary: demote to Unknown and leave the previous
			// primary in place.
			f.replaceServer(description.NewServerFromError(s.Addr, errStalePrimary, nil))
			f.checkIfHasPrimary()
			return
		}

		f.maxElectionID = s.ElectionID
	}

	if s.SetVersion > f.maxSetVersion {
		f.maxSetVersion = s.SetVersion
	}

	if j, ok := f.findPrimary(); ok {
		if f.Servers[j].Addr.String() != s.Addr.String() {
			// The old primary is no longer primary; mark it Unknown,
			// preserving nothing but the address.
			f.setServer(j, description.NewDefaultServer(f.Servers[j].Addr))
		}
	}

	f.replaceServer(s)

	// Add any new servers from the primary's host lists and remove any that
	// the primary no longer reports.
	for j := len(f.Servers) - 1; j >= 0; j-- {
		found := false
		for _, member := range s.Members {
			if member.String() == f.Servers[j].Addr.String() {
				found = true
				break
			}
		}
		if !found {
			f.removeServer(j)
		}
	}

	for _, member := range s.Members {
		if _, ok := f.findServer(member); !ok {
			f.addServer(member)
		}
	}

	f.checkIfHasPrimary()
}

func (f *fsm) updateRSWithPrimaryFromMember(s description.Server) {
	if f.SetName != s.SetName {
		f.removeServerByAddr(s.Addr)
		f.checkIfHasPrimary()
		return
	}

	if s.Addr.String() != s.CanonicalAddr.String() {
		f.removeServerByAddr(s.Addr)
		f.checkIfHasPrimary()
		return
	}

	f.replaceServer(s)

	if _, ok := f.findPrimary(); !ok {
		f.setKind(description.ReplicaSetNoPrimary)
	}
}

func (f *fsm) updateRSWithoutPrimary(s description.Server) {
	if f.SetName == "" {
		f.SetName = s.SetName
	} else if f.SetName != s.SetName {
		f.removeServerByAddr(s.Addr)
		return
	}

	for _, member := range s.Members {
		if _, ok := f.findServer(member); !ok {
			f.addServer(member)
		}
	}

	if s.Addr.String() != s.CanonicalAddr.String() {
		f.removeServerByAddr(s.Addr)
		return
	}

	f.replaceServer(s)
}

func (f *fsm) updateUnknownWithStandalone(s description.Server) {
	if len(f.Servers) > 1 {
		f.removeServerByAddr(s.Addr)
		return
	}

	f.setKind(description.Single)
	f.replaceServer(s)
}

func (f *fsm) addServer(addr address.Address) {
	f.Servers = append(f.Servers, description.NewDefaultServer(addr))
}

func (f *fsm) findPrimary() (int, bool) {
	for i, s := range f.Servers {
		if s.Kind == description.RSPrimary {
			return i, true
		}
	}

	return 0, false
}

func (f *fsm) findServer(addr address.Address) (int, bool) {
	canon := addr.Canonicalize()
	for i, s := range f.Servers {
		if canon == s.Addr.Canonicalize() {
			return i, true
		}
	}

	return 0, false
}

func (f *fsm) removeServer(i int) {
	f.Servers = append(f.Servers[:i], f.Servers[i+1:]...)
}

func (f *fsm) removeServerByAddr(addr address.Address) {
	if i, ok := f.findServer(addr); ok {
		f.removeServer(i)
	}
}

func (f *fsm) replaceServer(s description.Server) {
	if i, ok := f.findServer(s.Addr); ok {
		f.setServer(i, s)
	}
}

func (f *fsm) setServer(i int, s description.Server) {
	f.Servers[i] = s
}

func (f *fsm) setKind(k description.TopologyKind) {
	f.Kind = k
}

var errStalePrimary = fmt.Errorf("was a primary with a stale election id or set version")
