// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bytev/mongo-go-core/bson"
	"github.com/bytev/mongo-go-core/mongo/readpref"
	"github.com/bytev/mongo-go-core/x/mongo/driver/address"
	"github.com/bytev/mongo-go-core/x/mongo/driver/description"
)

// blockedDialer parks every dial until its context is cancelled so monitor
// goroutines never produce real descriptions; tests publish descriptions
// through the reducer directly.
type blockedDialer struct{}

func (blockedDialer) DialContext(ctx context.Context, _, _ string) (net.Conn, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func newTestTopology(t *testing.T, seedList ...string) *Topology {
	t.Helper()
	cfg := &Config{
		SeedList:               seedList,
		ServerSelectionTimeout: 500 * time.Millisecond,
		ServerOpts: []ServerOption{
			WithConnectionOptions(func(...ConnectionOption) []ConnectionOption {
				return []ConnectionOption{
					WithDialer(func(Dialer) Dialer { return blockedDialer{} }),
				}
			}),
			WithHeartbeatInterval(func(time.Duration) time.Duration { return time.Hour }),
		},
	}
	topo, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, topo.Connect())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = topo.Disconnect(ctx)
	})
	return topo
}

func primaryDescFor(addr address.Address, hosts []string) description.Server {
	return description.Server{
		Addr:          addr,
		CanonicalAddr: addr,
		Kind:          description.RSPrimary,
		SetName:       "rs0",
		SetVersion:    1,
		ElectionID:    bson.NewObjectID(),
		Hosts:         hosts,
		Members:       membersFromHosts(hosts),
		WireVersion:   &description.VersionRange{Min: 6, Max: 21},
	}
}

func TestTopologySelectServer(t *testing.T) {
	hosts := []string{"a:27017", "b:27017"}
	topo := newTestTopology(t, hosts...)

	primaryAddr := address.Address("a:27017").Canonicalize()
	topo.apply(context.Background(), primaryDescFor(primaryAddr, hosts))

	srv, err := topo.SelectServer(context.Background(), description.ReadPrefSelector(readpref.Primary()))
	require.NoError(t, err)

	selected, ok := srv.(*SelectedServer)
	require.True(t, ok)
	assert.Equal(t, primaryAddr, selected.address)
	assert.Equal(t, description.ReplicaSetWithPrimary, selected.Kind)
}

func TestTopologySelectServerWaitsForUpdates(t *testing.T) {
	hosts := []string{"a:27017"}
	topo := newTestTopology(t, hosts...)

	go func() {
		time.Sleep(100 * time.Millisecond)
		topo.apply(context.Background(), primaryDescFor(address.Address("a:27017").Canonicalize(), hosts))
	}()

	start := time.Now()
	srv, err := topo.SelectServer(context.Background(), description.ReadPrefSelector(readpref.Primary()))
	require.NoError(t, err)
	require.NotNil(t, srv)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestTopologySelectServerTimeout(t *testing.T) {
	topo := newTestTopology(t, "a:27017")

	rp, err := readpref.Secondary()
	require.NoError(t, err)

	_, err = topo.SelectServer(context.Background(), description.ReadPrefSelector(rp))
	require.Error(t, err)
	var ssErr ServerSelectionError
	assert.ErrorAs(t, err, &ssErr)
}

func TestTopologySelectServerClosed(t *testing.T) {
	topo := newTestTopology(t, "a:27017")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, topo.Disconnect(ctx))

	_, err := topo.SelectServer(context.Background(), description.ReadPrefSelector(readpref.Primary()))
	assert.ErrorIs(t, err, ErrTopologyClosed)
}
