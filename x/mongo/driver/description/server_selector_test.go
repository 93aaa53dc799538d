// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bytev/mongo-go-core/mongo/readpref"
	"github.com/bytev/mongo-go-core/x/mongo/driver/address"
)

// The scenario from the selection contract: one primary and two secondaries
// with RTTs 50/50/71ms, S1 tagged {dc:ny, rack:1}, S2 tagged {dc:ny}, and a
// 15ms local threshold.
func selectionTopology() (Topology, []Server) {
	primary := Server{
		Addr:          address.Address("p:27017"),
		CanonicalAddr: address.Address("p:27017"),
		Kind:          RSPrimary,
		AverageRTT:    50 * time.Millisecond,
		AverageRTTSet: true,
		WireVersion:   &VersionRange{Min: 6, Max: 21},
	}
	s1 := Server{
		Addr:          address.Address("s1:27017"),
		CanonicalAddr: address.Address("s1:27017"),
		Kind:          RSSecondary,
		Tags:          map[string]string{"dc": "ny", "rack": "1"},
		AverageRTT:    50 * time.Millisecond,
		AverageRTTSet: true,
		WireVersion:   &VersionRange{Min: 6, Max: 21},
	}
	s2 := Server{
		Addr:          address.Address("s2:27017"),
		CanonicalAddr: address.Address("s2:27017"),
		Kind:          RSSecondary,
		Tags:          map[string]string{"dc": "ny"},
		AverageRTT:    71 * time.Millisecond,
		AverageRTTSet: true,
		WireVersion:   &VersionRange{Min: 6, Max: 21},
	}
	servers := []Server{primary, s1, s2}
	topo := Topology{Kind: ReplicaSetWithPrimary, Servers: servers}
	return topo, servers
}

func selectWith(t *testing.T, rp *readpref.ReadPref) []Server {
	t.Helper()
	topo, servers := selectionTopology()
	selector := CompositeSelector([]ServerSelector{
		ReadPrefSelector(rp),
		LatencySelector(15 * time.Millisecond),
	})
	selected, err := selector.SelectServer(topo, servers)
	require.NoError(t, err)
	return selected
}

func addrs(servers []Server) []string {
	out := make([]string, 0, len(servers))
	for _, s := range servers {
		out = append(out, s.Addr.String())
	}
	return out
}

func TestSelectionScenario(t *testing.T) {
	t.Run("primary", func(t *testing.T) {
		got := selectWith(t, readpref.Primary())
		assert.Equal(t, []string{"p:27017"}, addrs(got))
	})

	t.Run("secondary", func(t *testing.T) {
		// S2's 71ms RTT is outside the 50ms+15ms latency window.
		rp, err := readpref.Secondary()
		require.NoError(t, err)
		got := selectWith(t, rp)
		assert.Equal(t, []string{"s1:27017"}, addrs(got))
	})

	t.Run("secondaryPreferred with rack tag", func(t *testing.T) {
		rp, err := readpref.SecondaryPreferred(readpref.WithTags("rack", "1"))
		require.NoError(t, err)
		got := selectWith(t, rp)
		assert.Equal(t, []string{"s1:27017"}, addrs(got))
	})

	t.Run("nearest with unmatched tag is empty", func(t *testing.T) {
		rp, err := readpref.Nearest(readpref.WithTags("rack", "2"))
		require.NoError(t, err)
		got := selectWith(t, rp)
		assert.Empty(t, got)
	})
}

func TestTagSetOrdering(t *testing.T) {
	// Tag sets are tried in order; the first matching set determines the
	// candidates, and the empty tag set matches everything.
	topo, servers := selectionTopology()

	rp, err := readpref.Secondary(readpref.WithTagSets(
		readpref.NewTagSet("rack", "9"), // matches nothing
		readpref.NewTagSet("dc", "ny"),  // matches both secondaries
	))
	require.NoError(t, err)

	selected, err := ReadPrefSelector(rp).SelectServer(topo, servers)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1:27017", "s2:27017"}, addrs(selected))

	rp, err = readpref.Secondary(readpref.WithTagSets(readpref.TagSet{}))
	require.NoError(t, err)
	selected, err = ReadPrefSelector(rp).SelectServer(topo, servers)
	require.NoError(t, err)
	assert.Len(t, selected, 2)
}

func TestLatencySelectorRequiresRTT(t *testing.T) {
	topo, servers := selectionTopology()
	for i := range servers {
		servers[i].AverageRTTSet = false
	}

	// Without RTT samples the window cannot be computed and all candidates
	// remain eligible.
	selected, err := LatencySelector(15 * time.Millisecond).SelectServer(topo, servers)
	require.NoError(t, err)
	assert.Len(t, selected, 3)
}

func TestWriteSelector(t *testing.T) {
	topo, servers := selectionTopology()
	selected, err := WriteSelector().SelectServer(topo, servers)
	require.NoError(t, err)
	assert.Equal(t, []string{"p:27017"}, addrs(selected))
}

func TestCompatibilityError(t *testing.T) {
	topo, servers := selectionTopology()
	topo.CompatibilityErr = &CompatibilityError{
		Server:      servers[0].Addr,
		WireVersion: &VersionRange{Min: 0, Max: 5},
		Driver:      VersionRange{Min: 6, Max: 21},
	}

	_, err := ReadPrefSelector(readpref.Primary()).SelectServer(topo, servers)
	assert.Error(t, err)
}

func TestServerEqual(t *testing.T) {
	_, servers := selectionTopology()
	if diff := cmp.Diff(addrs(servers), []string{"p:27017", "s1:27017", "s2:27017"}); diff != "" {
		t.Fatalf("unexpected servers (-got +want):\n%s", diff)
	}

	assert.True(t, servers[0].Equal(servers[0]))
	assert.False(t, servers[0].Equal(servers[1]))
}
