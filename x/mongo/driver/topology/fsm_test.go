// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bytev/mongo-go-core/bson"
	"github.com/bytev/mongo-go-core/x/mongo/driver/address"
	"github.com/bytev/mongo-go-core/x/mongo/driver/description"
)

func newPrimaryDesc(addr address.Address, hosts []string, setVersion uint32, electionID bson.ObjectID) description.Server {
	return description.Server{
		Addr:          addr,
		CanonicalAddr: addr,
		Kind:          description.RSPrimary,
		SetName:       "rs0",
		SetVersion:    setVersion,
		ElectionID:    electionID,
		Hosts:         hosts,
		Members:       membersFromHosts(hosts),
		WireVersion:   &description.VersionRange{Min: 6, Max: 21},
	}
}

func membersFromHosts(hosts []string) []address.Address {
	members := make([]address.Address, 0, len(hosts))
	for _, h := range hosts {
		members = append(members, address.Address(h).Canonicalize())
	}
	return members
}

func TestFSMStalePrimaryDetection(t *testing.T) {
	f := newFSM()
	f.Kind = description.ReplicaSetNoPrimary
	f.SetName = "rs0"

	hosts := []string{"a:27017", "b:27017"}
	for _, h := range hosts {
		f.Servers = append(f.Servers, description.NewDefaultServer(address.Address(h).Canonicalize()))
	}

	e1 := bson.NewObjectID()

	// The first primary (setVersion 2) wins.
	topo, _ := f.apply(newPrimaryDesc("a:27017", hosts, 2, e1))
	assert.Equal(t, description.ReplicaSetWithPrimary, topo.Kind)
	srv, ok := topo.Server(address.Address("a:27017").Canonicalize())
	require.True(t, ok)
	assert.Equal(t, description.RSPrimary, srv.Kind)

	// A primary from a different address with an older setVersion is stale:
	// it is demoted to Unknown and the cluster keeps the first primary.
	topo, _ = f.apply(newPrimaryDesc("b:27017", hosts, 1, e1))
	assert.Equal(t, description.ReplicaSetWithPrimary, topo.Kind)

	stale, ok := topo.Server(address.Address("b:27017").Canonicalize())
	require.True(t, ok)
	assert.Equal(t, description.ServerKind(description.Unknown), stale.Kind)
	assert.Error(t, stale.LastError)

	current, ok := topo.Server(address.Address("a:27017").Canonicalize())
	require.True(t, ok)
	assert.Equal(t, description.RSPrimary, current.Kind)
}

func TestFSMNewerPrimaryDemotesOld(t *testing.T) {
	f := newFSM()
	f.Kind = description.ReplicaSetNoPrimary
	f.SetName = "rs0"

	hosts := []string{"a:27017", "b:27017"}
	for _, h := range hosts {
		f.Servers = append(f.Servers, description.NewDefaultServer(address.Address(h).Canonicalize()))
	}

	e1 := bson.NewObjectID()
	e2 := bson.NewObjectID() // e2 > e1 because ObjectIDs embed a counter

	_, _ = f.apply(newPrimaryDesc("a:27017", hosts, 1, e1))
	topo, _ := f.apply(newPrimaryDesc("b:27017", hosts, 1, e2))

	assert.Equal(t, description.ReplicaSetWithPrimary, topo.Kind)

	old, ok := topo.Server(address.Address("a:27017").Canonicalize())
	require.True(t, ok)
	assert.Equal(t, description.ServerKind(description.Unknown), old.Kind)

	newPrimary, ok := topo.Server(address.Address("b:27017").Canonicalize())
	require.True(t, ok)
	assert.Equal(t, description.RSPrimary, newPrimary.Kind)
}

func TestFSMHostReconciliation(t *testing.T) {
	f := newFSM()
	f.Kind = description.ReplicaSetNoPrimary
	f.SetName = "rs0"
	f.Servers = append(f.Servers, description.NewDefaultServer(address.Address("a:27017").Canonicalize()))

	// The primary reports a new member; the reducer must add it.
	hosts := []string{"a:27017", "c:27017"}
	topo, _ := f.apply(newPrimaryDesc("a:27017", hosts, 1, bson.NewObjectID()))

	_, ok := topo.Server(address.Address("c:27017").Canonicalize())
	assert.True(t, ok, "expected newly reported member to be added")
	assert.Len(t, topo.Servers, 2)
}

func TestFSMCompatibility(t *testing.T) {
	f := newFSM()
	f.Kind = description.Single
	addr := address.Address("a:27017").Canonicalize()
	f.Servers = append(f.Servers, description.NewDefaultServer(addr))

	tooOld := description.Server{
		Addr:          addr,
		CanonicalAddr: addr,
		Kind:          description.Standalone,
		WireVersion:   &description.VersionRange{Min: 0, Max: 5},
	}
	topo, _ := f.apply(tooOld)
	assert.Error(t, topo.CompatibilityErr)

	compatible := description.Server{
		Addr:          addr,
		CanonicalAddr: addr,
		Kind:          description.Standalone,
		WireVersion:   &description.VersionRange{Min: 6, Max: 17},
	}
	topo, _ = f.apply(compatible)
	assert.NoError(t, topo.CompatibilityErr)
}
