// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package topology contains types that handles the discovery, monitoring and
// selection of servers. This package is designed to expose enough inner
// workings of service discovery and monitoring to allow low level
// applications to have fine grained control, while hiding most of the
// detailed implementation of the algorithms.
package topology

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytev/mongo-go-core/bson"
	"github.com/bytev/mongo-go-core/event"
	"github.com/bytev/mongo-go-core/internal/csot"
	"github.com/bytev/mongo-go-core/internal/logger"
	"github.com/bytev/mongo-go-core/x/mongo/driver"
	"github.com/bytev/mongo-go-core/x/mongo/driver/address"
	"github.com/bytev/mongo-go-core/x/mongo/driver/description"
)

// Topology state constants.
const (
	topologyDisconnected int64 = iota
	topologyDisconnecting
	topologyConnected
	topologyConnecting
)

// ErrSubscribeAfterClosed is returned when a user attempts to subscribe to a
// closed Server or Topology.
var ErrSubscribeAfterClosed = errors.New("cannot subscribe after closeConnection")

// ErrTopologyClosed is returned when a user attempts to call a method on a
// closed Topology.
var ErrTopologyClosed = errors.New("topology is closed")

// ErrTopologyConnected is returned whena  user attempts to connect to an
// already connected Topology.
var ErrTopologyConnected = errors.New("topology is connected or connecting")

// ErrServerSelectionTimeout is returned from server selection when the
// server selection process took longer than allowed by the timeout.
var ErrServerSelectionTimeout = errors.New("server selection timeout")

// MonitorMode represents the way in which a server is monitored.
type MonitorMode uint8

// These constants are the available monitoring modes.
const (
	AutomaticMode MonitorMode = iota
	SingleMode
)

// Topology represents a MongoDB deployment.
type Topology struct {
	state int64

	cfg *Config

	desc atomic.Value // holds a description.Topology

	done chan struct{}

	fsmMu sync.Mutex
	fsm   *fsm

	// This should really be encapsulated into it's own type. This will
	// likely require a redesign so we can share a minimum of data between
	// the subscribers and the topology.
	subscribers         map[uint64]chan description.Topology
	currentSubscriberID uint64
	subscriptionsClosed bool
	subLock             sync.Mutex

	// We should redesign how we Connect and handle individal servers. This
	// is too difficult to maintain and it's rather easy to accidentally
	// access the servers without acquiring the lock or checking if the
	// servers are closed. This lock should also be an RWMutex.
	serversLock   sync.Mutex
	serversClosed bool
	servers       map[address.Address]*Server

	id bson.ObjectID
}

var (
	_ driver.Deployment = &Topology{}
	_ driver.Subscriber = &Topology{}
)

// New creates a new topology. A "nil" config is interpreted as the default
// configuration.
func New(cfg *Config) (*Topology, error) {
	if cfg == nil {
		var err error
		cfg, err = NewConfig(nil)
		if err != nil {
			return nil, err
		}
	}

	t := &Topology{
		cfg:         cfg,
		done:        make(chan struct{}),
		fsm:         newFSM(),
		subscribers: make(map[uint64]chan description.Topology),
		servers:     make(map[address.Address]*Server),
		id:          bson.NewObjectID(),
	}
	t.desc.Store(description.Topology{})

	t.publishTopologyOpeningEvent()

	return t, nil
}

func mustLogTopologyMessage(topo *Topology, level logger.Level) bool {
	return topo.cfg.logger != nil && topo.cfg.logger.LevelComponentEnabled(
		level, logger.ComponentTopology)
}

func logTopologyMessage(topo *Topology, level logger.Level, msg string, keysAndValues ...interface{}) {
	topo.cfg.logger.Print(level,
		logger.ComponentTopology,
		msg,
		append([]interface{}{
			"topologyID", topo.id.Hex(),
		}, keysAndValues...)...)
}

func mustLogServerSelectionMessage(topo *Topology) bool {
	return topo.cfg.logger != nil && topo.cfg.logger.LevelComponentEnabled(
		logger.LevelDebug, logger.ComponentServerSelection)
}

func logServerSelection(
	ctx context.Context,
	topo *Topology,
	msg string,
	srvSelector description.ServerSelector,
	keysAndValues ...interface{},
) {
	var srvSelectorString string
	selectorStringer, ok := srvSelector.(fmt.Stringer)
	if ok {
		srvSelectorString = selectorStringer.String()
	}

	topo.cfg.logger.Print(logger.LevelDebug,
		logger.ComponentServerSelection,
		msg,
		append([]interface{}{
			logger.KeySelector, srvSelectorString,
			"operationId", ctx.Value("operationID"),
			logger.KeyTopologyDescription, topo.String(),
		}, keysAndValues...)...)
}

// Connect initializes a Topology and starts the monitoring process. This
// function must be called to properly monitor the topology.
func (t *Topology) Connect() error {
	if !atomic.CompareAndSwapInt64(&t.state, topologyDisconnected, topologyConnecting) {
		return ErrTopologyConnected
	}

	t.desc.Store(description.Topology{})
	var err error
	t.serversLock.Lock()

	// A replica set name sets the initial topology type to
	// ReplicaSetNoPrimary unless a direct connection is requested, in which
	// case the topology type is Single.
	if t.cfg.ReplicaSetName != "" {
		t.fsm.SetName = t.cfg.ReplicaSetName
		t.fsm.Kind = description.ReplicaSetNoPrimary
	}

	// A direct connection unconditionally sets the topology type to Single.
	if t.cfg.Mode == SingleMode {
		t.fsm.Kind = description.Single
	}

	for _, a := range t.cfg.SeedList {
		addr := address.Address(a).Canonicalize()
		t.fsm.Servers = append(t.fsm.Servers, description.NewDefaultServer(addr))
	}

	switch {
	case t.cfg.LoadBalanced:
		// In load balanced mode, we mock a series of events: TopologyDescriptionChanged from Unknown to
		// LoadBalanced, ServerDescriptionChanged from Unknown to LoadBalancer, and then TopologyDescriptionChanged
		// to reflect the previous ServerDescriptionChanged event. We publish all of these events here because we
		// don't start server monitoring routines in this mode, so we have no other way to publish them.
		t.fsm.Kind = description.LoadBalanced
		t.publishTopologyDescriptionChangedEvent(description.Topology{}, t.fsm.Topology)

		addr := address.Address(t.cfg.SeedList[0]).Canonicalize()
		if err := t.addServer(addr); err != nil {
			t.serversLock.Unlock()
			return err
		}

		newDesc := description.Server{
			Addr: addr,
			Kind: description.LoadBalancer,
		}
		oldDesc := t.fsm.Servers[0]
		t.fsm.Servers = []description.Server{newDesc}
		t.desc.Store(t.fsm.Topology)
		t.publishServerDescriptionChangedEvent(oldDesc, newDesc)
	default:
		// In non-LB mode, we only publish the initial TopologyDescriptionChanged event from Unknown with no
		// servers to the current state (e.g. Unknown with one or more servers if we're discovering or Single
		// with one server if we're connecting directly).
		t.publishTopologyDescriptionChangedEvent(description.Topology{}, t.fsm.Topology)
		t.desc.Store(t.fsm.Topology)

		// Do a first pass of creating servers for all of the seeds and
		// starting monitoring goroutines for them.
		for _, a := range t.cfg.SeedList {
			addr := address.Address(a).Canonicalize()
			err = t.addServer(addr)
			if err != nil {
				t.serversLock.Unlock()
				return err
			}
		}
	}
	t.serversLock.Unlock()

	t.subscriptionsClosed = false // explicitly set in case topology was disconnected and then reconnected

	atomic.StoreInt64(&t.state, topologyConnected)
	return err
}

// Disconnect closes the topology. It stops the monitoring thread and closes
// all open subscriptions.
func (t *Topology) Disconnect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt64(&t.state, topologyConnected, topologyDisconnecting) {
		return ErrTopologyClosed
	}

	servers := make(map[address.Address]*Server)
	t.serversLock.Lock()
	t.serversClosed = true
	for addr, server := range t.servers {
		servers[addr] = server
	}
	t.serversLock.Unlock()

	for _, server := range servers {
		_ = server.Disconnect(ctx)
		t.publishServerClosedEvent(server.address)
	}

	t.subLock.Lock()
	for id, ch := range t.subscribers {
		close(ch)
		delete(t.subscribers, id)
	}
	t.subscriptionsClosed = true
	t.subLock.Unlock()

	t.desc.Store(description.Topology{})

	atomic.StoreInt64(&t.state, topologyDisconnected)
	t.publishTopologyClosedEvent()

	return nil
}

// Description returns a description of the topology.
func (t *Topology) Description() description.Topology {
	td, ok := t.desc.Load().(description.Topology)
	if !ok {
		td = description.Topology{}
	}
	return td
}

// Kind returns the topology kind of this Topology.
func (t *Topology) Kind() description.TopologyKind { return t.Description().Kind }

// Subscribe returns a Subscription on which all updated
// description.Topologys will be sent. The channel of the subscription will
// have a buffer size of one, and will be pre-populated with the current
// description.Topology.
func (t *Topology) Subscribe() (*driver.Subscription, error) {
	if atomic.LoadInt64(&t.state) != topologyConnected {
		return nil, errors.New("cannot subscribe to Topology that is not connected")
	}
	ch := make(chan description.Topology, 1)
	td, ok := t.desc.Load().(description.Topology)
	if !ok {
		td = description.Topology{}
	}
	ch <- td

	t.subLock.Lock()
	defer t.subLock.Unlock()
	if t.subscriptionsClosed {
		return nil, ErrSubscribeAfterClosed
	}
	id := t.currentSubscriberID
	t.subscribers[id] = ch
	t.currentSubscriberID++

	return &driver.Subscription{
		Updates: ch,
		ID:      id,
	}, nil
}

// Unsubscribe unsubscribes the given subscription from the topology and
// closes the subscription channel.
func (t *Topology) Unsubscribe(sub *driver.Subscription) error {
	t.subLock.Lock()
	defer t.subLock.Unlock()

	if t.subscriptionsClosed {
		return nil
	}

	ch, ok := t.subscribers[sub.ID]
	if !ok {
		return nil
	}

	close(ch)
	delete(t.subscribers, sub.ID)
	return nil
}

// RequestImmediateCheck will send heartbeats to all the servers in the
// topology right away, instead of waiting for the heartbeat timeout.
func (t *Topology) RequestImmediateCheck() {
	if atomic.LoadInt64(&t.state) != topologyConnected {
		return
	}
	t.serversLock.Lock()
	for _, server := range t.servers {
		server.RequestImmediateCheck()
	}
	t.serversLock.Unlock()
}

// SelectServer selects a server with given a selector. SelectServer
// complies with the server selection spec, and will time out after
// serverSelectionTimeout or when the parent context is done.
func (t *Topology) SelectServer(ctx context.Context, ss description.ServerSelector) (driver.Server, error) {
	if atomic.LoadInt64(&t.state) != topologyConnected {
		if mustLogServerSelectionMessage(t) {
			logServerSelection(ctx, t, logger.ServerSelectionFailed, ss,
				logger.KeyError, ErrTopologyClosed.Error())
		}
		return nil, ErrTopologyClosed
	}

	// The server selection timeout is applied here instead of on the whole
	// operation: selection waits on cluster-description changes, so this is
	// the suspension point the deadline guards.
	ctx, cancel := csot.WithServerSelectionTimeout(ctx, t.cfg.ServerSelectionTimeout)
	defer cancel()

	if mustLogServerSelectionMessage(t) {
		logServerSelection(ctx, t, logger.ServerSelectionStarted, ss)
	}

	var ssTimeoutCh <-chan time.Time

	var doneOnce bool
	var sub *driver.Subscription
	selectionState := newServerSelectionState(ss, ssTimeoutCh)
	for {
		var suitable []description.Server
		var selectErr error

		if !doneOnce {
			// for the first pass, select a server from the current description.
			// this improves selection speed for up-to-date topology descriptions.
			suitable, selectErr = t.selectServerFromDescription(t.Description(), selectionState)
			doneOnce = true
		} else {
			// if the first pass didn't select a server, the previous iteration did not find an available server.
			// Send a request for an immediate topology check so stale servers are re-checked promptly, then
			// block waiting for an updated description.
			if sub == nil {
				var err error
				sub, err = t.Subscribe()
				if err != nil {
					if mustLogServerSelectionMessage(t) {
						logServerSelection(ctx, t, logger.ServerSelectionFailed, ss,
							logger.KeyError, err.Error())
					}
					return nil, err
				}
				defer func() { _ = t.Unsubscribe(sub) }()
			}

			t.RequestImmediateCheck()

			suitable, selectErr = t.selectServerFromSubscription(ctx, sub.Updates, selectionState)
		}
		if selectErr != nil {
			if mustLogServerSelectionMessage(t) {
				logServerSelection(ctx, t, logger.ServerSelectionFailed, ss,
					logger.KeyError, selectErr.Error())
			}
			return nil, selectErr
		}

		if len(suitable) == 0 {
			// try again if there are no servers available
			if mustLogServerSelectionMessage(t) {
				elapsed := time.Duration(0)
				if dl, ok := ctx.Deadline(); ok {
					elapsed = t.cfg.ServerSelectionTimeout - time.Until(dl)
				}
				logServerSelection(ctx, t, logger.ServerSelectionWaiting, ss,
					logger.KeyRemainingTimeMS, (t.cfg.ServerSelectionTimeout - elapsed).Milliseconds())
			}
			continue
		}

		// If there's only one suitable server description, try to find the
		// associated server and return it. This is an optimization primarily
		// for standalone and load-balanced deployments.
		if len(suitable) == 1 {
			server, err := t.FindServer(suitable[0])
			if err != nil {
				if mustLogServerSelectionMessage(t) {
					logServerSelection(ctx, t, logger.ServerSelectionFailed, ss,
						logger.KeyError, err.Error())
				}
				return nil, err
			}
			if server == nil {
				continue
			}

			if mustLogServerSelectionMessage(t) {
				logServerSelection(ctx, t, logger.ServerSelectionSucceeded, ss,
					logger.KeyServerHost, server.address.String())
			}
			return server, nil
		}

		// Pick suitable servers in random order and return the first one that
		// is still known to the topology.
		suitableIndexes := rand.Perm(len(suitable))
		for _, idx := range suitableIndexes {
			selected := suitable[idx]
			server, err := t.FindServer(selected)
			if err != nil {
				if mustLogServerSelectionMessage(t) {
					logServerSelection(ctx, t, logger.ServerSelectionFailed, ss,
						logger.KeyError, err.Error())
				}
				return nil, err
			}
			if server == nil {
				continue
			}

			if mustLogServerSelectionMessage(t) {
				logServerSelection(ctx, t, logger.ServerSelectionSucceeded, ss,
					logger.KeyServerHost, server.address.String())
			}
			return server, nil
		}
	}
}

// FindServer will attempt to find a server that fits the given server
// description. This method will return nil, nil if a matching server could
// not be found.
func (t *Topology) FindServer(selected description.Server) (*SelectedServer, error) {
	if atomic.LoadInt64(&t.state) != topologyConnected {
		return nil, ErrTopologyClosed
	}
	t.serversLock.Lock()
	defer t.serversLock.Unlock()
	server, ok := t.servers[selected.Addr]
	if !ok {
		return nil, nil
	}

	desc := t.Description()
	return &SelectedServer{
		Server: server,
		Kind:   desc.Kind,
	}, nil
}

// selectServerFromSubscription loops until a topology description is
// available for server selection. It returns when a description becomes
// available for server selection or the context expires.
func (t *Topology) selectServerFromSubscription(
	ctx context.Context,
	subscriptionCh <-chan description.Topology,
	selectionState serverSelectionState,
) ([]description.Server, error) {
	current := t.Description()
	for {
		select {
		case <-ctx.Done():
			return nil, ServerSelectionError{Wrapped: ctx.Err(), Desc: current}
		case <-selectionState.timeoutChan:
			return nil, ServerSelectionError{Wrapped: ErrServerSelectionTimeout, Desc: current}
		case current = <-subscriptionCh:
		}

		suitable, err := t.selectServerFromDescription(current, selectionState)
		if err != nil {
			return nil, err
		}

		if len(suitable) > 0 {
			return suitable, nil
		}
		t.RequestImmediateCheck()
	}
}

// selectServerFromDescription process the given topology description and
// returns a slice of suitable servers.
func (t *Topology) selectServerFromDescription(
	desc description.Topology,
	selectionState serverSelectionState,
) ([]description.Server, error) {
	// Unlike selectServerFromSubscription, this code path does not check
	// ctx.Done or selectionState.timeoutChan; instead, in the case of a
	// timeout, find servers as usual, and return them. This avoids a
	// timeout error if the topology already contains a suitable server.
	if desc.CompatibilityErr != nil {
		return nil, desc.CompatibilityErr
	}

	var allowed []description.Server
	for _, s := range desc.Servers {
		if s.Kind != description.Unknown {
			allowed = append(allowed, s)
		}
	}

	suitable, err := selectionState.selector.SelectServer(desc, allowed)
	if err != nil {
		return nil, ServerSelectionError{Wrapped: err, Desc: desc}
	}
	return suitable, nil
}

// apply updates the Topology and its underlying FSM based on the provided
// server description and returns the server description that should be
// stored. This is the single-threaded reducer through which every monitor
// publication flows.
func (t *Topology) apply(ctx context.Context, desc description.Server) description.Server {
	t.fsmMu.Lock()
	defer t.fsmMu.Unlock()

	t.serversLock.Lock()
	closed := t.serversClosed
	t.serversLock.Unlock()

	ind, ok := t.fsm.findServer(desc.Addr)
	if closed || !ok {
		return desc
	}

	prev := t.fsm.Topology
	oldDesc := t.fsm.Servers[ind]
	if oldDesc.TopologyVersion.CompareToIncoming(desc.TopologyVersion) > 0 {
		return oldDesc
	}

	var current description.Topology
	current, desc = t.fsm.apply(desc)

	if !oldDesc.Equal(desc) {
		t.publishServerDescriptionChangedEvent(oldDesc, desc)
	}

	diff := diffTopology(prev, current)

	for _, removed := range diff.Removed {
		t.serversLock.Lock()
		s, ok := t.servers[removed.Addr]
		t.serversLock.Unlock()
		if ok {
			removedAddr := removed.Addr
			go func() {
				cancelCtx, cancel := context.WithCancel(ctx)
				cancel()
				_ = s.Disconnect(cancelCtx)
				t.publishServerClosedEvent(s.address)

				t.serversLock.Lock()
				delete(t.servers, removedAddr)
				t.serversLock.Unlock()
			}()
		}
	}

	t.serversLock.Lock()
	if !t.serversClosed {
		for _, added := range diff.Added {
			_ = t.addServer(added.Addr)
		}
	}
	t.serversLock.Unlock()

	t.desc.Store(current)
	if !prev.Equal(current) {
		t.publishTopologyDescriptionChangedEvent(prev, current)
	}

	t.subLock.Lock()
	for _, ch := range t.subscribers {
		// We drain the description if there's one in the channel
		select {
		case <-ch:
		default:
		}
		ch <- current
	}
	t.subLock.Unlock()

	return desc
}

func (t *Topology) addServer(addr address.Address) error {
	if _, ok := t.servers[addr]; ok {
		return nil
	}

	svr, err := ConnectServer(addr, t.updateCallback, t.id, t.cfg.ServerOpts...)
	if err != nil {
		return err
	}

	t.servers[addr] = svr

	return nil
}

// updateCallback is a server-owned callback to the topology's reducer.
func (t *Topology) updateCallback(desc description.Server) description.Server {
	return t.apply(context.TODO(), desc)
}

// String implements the Stringer interface.
func (t *Topology) String() string {
	desc := t.Description()

	serversStr := ""
	t.serversLock.Lock()
	defer t.serversLock.Unlock()
	for _, s := range t.servers {
		serversStr += "{ " + s.String() + " }, "
	}
	return fmt.Sprintf("Type: %s, Servers: [%s]", desc.Kind, serversStr)
}

// serverSelectionState encapsulates the state required to select a server
// for an operation.
type serverSelectionState struct {
	selector    description.ServerSelector
	timeoutChan <-chan time.Time
}

func newServerSelectionState(
	selector description.ServerSelector,
	timeoutChan <-chan time.Time,
) serverSelectionState {
	return serverSelectionState{
		selector:    selector,
		timeoutChan: timeoutChan,
	}
}

func (t *Topology) publishServerDescriptionChangedEvent(prev description.Server, current description.Server) {
	serverDescriptionChanged := &event.ServerDescriptionChangedEvent{
		Address:             current.Addr,
		TopologyID:          t.id,
		PreviousDescription: prev,
		NewDescription:      current,
	}

	if t.cfg.ServerMonitor != nil && t.cfg.ServerMonitor.ServerDescriptionChanged != nil {
		t.cfg.ServerMonitor.ServerDescriptionChanged(serverDescriptionChanged)
	}
}

func (t *Topology) publishServerClosedEvent(addr address.Address) {
	serverClosed := &event.ServerClosedEvent{
		Address:    addr,
		TopologyID: t.id,
	}

	if t.cfg.ServerMonitor != nil && t.cfg.ServerMonitor.ServerClosed != nil {
		t.cfg.ServerMonitor.ServerClosed(serverClosed)
	}

	if mustLogTopologyMessage(t, logger.LevelDebug) {
		logTopologyMessage(t, logger.LevelDebug, logger.TopologyServerClosed,
			"serverHost", addr.String())
	}
}

func (t *Topology) publishTopologyDescriptionChangedEvent(prev description.Topology, current description.Topology) {
	topologyDescriptionChanged := &event.TopologyDescriptionChangedEvent{
		TopologyID:          t.id,
		PreviousDescription: prev,
		NewDescription:      current,
	}

	if t.cfg.ServerMonitor != nil && t.cfg.ServerMonitor.TopologyDescriptionChanged != nil {
		t.cfg.ServerMonitor.TopologyDescriptionChanged(topologyDescriptionChanged)
	}

	if mustLogTopologyMessage(t, logger.LevelDebug) {
		logTopologyMessage(t, logger.LevelDebug, logger.TopologyDescriptionChanged,
			logger.KeyPreviousDescription, prev.String(),
			logger.KeyNewDescription, current.String())
	}
}

func (t *Topology) publishTopologyOpeningEvent() {
	topologyOpening := &event.TopologyOpeningEvent{
		TopologyID: t.id,
	}

	if t.cfg.ServerMonitor != nil && t.cfg.ServerMonitor.TopologyOpening != nil {
		t.cfg.ServerMonitor.TopologyOpening(topologyOpening)
	}

	if mustLogTopologyMessage(t, logger.LevelDebug) {
		logTopologyMessage(t, logger.LevelDebug, logger.TopologyOpening)
	}
}

func (t *Topology) publishTopologyClosedEvent() {
	topologyClosed := &event.TopologyClosedEvent{
		TopologyID: t.id,
	}

	if t.cfg.ServerMonitor != nil && t.cfg.ServerMonitor.TopologyClosed != nil {
		t.cfg.ServerMonitor.TopologyClosed(topologyClosed)
	}

	if mustLogTopologyMessage(t, logger.LevelDebug) {
		logTopologyMessage(t, logger.LevelDebug, logger.TopologyClosed)
	}
}
