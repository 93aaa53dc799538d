// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package description contains the immutable records the driver keeps about
// servers and topologies, along with the server selectors that operate on
// them.
package description

import (
	"errors"
	"fmt"
	"time"

	"github.com/bytev/mongo-go-core/bson"
	"github.com/bytev/mongo-go-core/x/bsonx/bsoncore"
	"github.com/bytev/mongo-go-core/x/mongo/driver/address"
)

// ServerKind represents the type of a single server in a topology.
type ServerKind uint32

// Unknown is an unknown server or topology kind.
const Unknown = 0

// These constants are the possible types of servers.
const (
	Standalone   ServerKind = 1
	RSMember     ServerKind = 2
	RSPrimary    ServerKind = 4 + RSMember
	RSSecondary  ServerKind = 8 + RSMember
	RSArbiter    ServerKind = 16 + RSMember
	RSGhost      ServerKind = 32 + RSMember
	Mongos       ServerKind = 256
	LoadBalancer ServerKind = 512
)

// String implements the fmt.Stringer interface.
func (kind ServerKind) String() string {
	switch kind {
	case Standalone:
		return "Standalone"
	case RSMember:
		return "RSOther"
	case RSPrimary:
		return "RSPrimary"
	case RSSecondary:
		return "RSSecondary"
	case RSArbiter:
		return "RSArbiter"
	case RSGhost:
		return "RSGhost"
	case Mongos:
		return "Mongos"
	case LoadBalancer:
		return "LoadBalancer"
	}
	return "Unknown"
}

// ServerState represents the connection lifecycle state of a monitored
// server.
type ServerState uint32

// These constants are the possible connection states of a server.
const (
	ServerConnecting ServerState = iota
	ServerConnected
)

func (state ServerState) String() string {
	switch state {
	case ServerConnecting:
		return "Connecting"
	case ServerConnected:
		return "Connected"
	}
	return "Unknown"
}

// TopologyVersion identifies a server process incarnation and a monotonic
// counter within it. It enables streaming hello responses.
type TopologyVersion struct {
	ProcessID bson.ObjectID
	Counter   int64
}

// NewTopologyVersion creates a TopologyVersion based on doc.
func NewTopologyVersion(doc bsoncore.Document) (*TopologyVersion, error) {
	elements, err := doc.Elements()
	if err != nil {
		return nil, err
	}
	var tv TopologyVersion
	var ok bool
	for _, element := range elements {
		switch element.Key() {
		case "processId":
			oid, okay := element.Value().ObjectIDOK()
			if !okay {
				return nil, fmt.Errorf("expected 'processId' to be an objectID but it's a BSON %#x", element.Value().Type)
			}
			tv.ProcessID = oid
			ok = true
		case "counter":
			tv.Counter, ok = element.Value().Int64OK()
			if !ok {
				return nil, fmt.Errorf("expected 'counter' to be an int64 but it's a BSON %#x", element.Value().Type)
			}
		}
	}
	if !ok {
		return nil, errors.New("topologyVersion must have processId and counter")
	}
	return &tv, nil
}

// CompareToIncoming compares the receiver, which represents the currently
// known TopologyVersion for a server, to an incoming TopologyVersion
// extracted from a server command response.
//
// This returns -1 if the receiver version is less than the response, 0 if
// the versions are equal, and 1 if the receiver version is greater than the
// response. This comparison is not commutative.
func (tv *TopologyVersion) CompareToIncoming(responseTV *TopologyVersion) int {
	if tv == nil || responseTV == nil {
		return -1
	}
	if tv.ProcessID != responseTV.ProcessID {
		return -1
	}
	if tv.Counter == responseTV.Counter {
		return 0
	}
	if tv.Counter < responseTV.Counter {
		return -1
	}
	return 1
}

// VersionRange represents a range of versions.
type VersionRange struct {
	Min int32
	Max int32
}

// NewVersionRange creates a new VersionRange given a min and a max.
func NewVersionRange(min, max int32) VersionRange {
	return VersionRange{Min: min, Max: max}
}

// Includes returns a bool indicating whether the supplied integer is included
// in the range.
func (vr VersionRange) Includes(v int32) bool {
	return v >= vr.Min && v <= vr.Max
}

// String implements the fmt.Stringer interface.
func (vr VersionRange) String() string {
	return fmt.Sprintf("[%d, %d]", vr.Min, vr.Max)
}

// Server contains the immutable last observed state of one server: everything
// the driver learned from its most recent handshake or heartbeat.
type Server struct {
	Addr address.Address

	Arbiters              []string
	AverageRTT            time.Duration
	AverageRTTSet         bool
	Compression           []string // compression methods returned by server
	CanonicalAddr         address.Address
	ElectionID            bson.ObjectID
	HeartbeatInterval     time.Duration
	HelloOK               bool
	Hosts                 []string
	LastError             error
	LastUpdateTime        time.Time
	LastWriteTime         time.Time
	MaxBatchCount         uint32
	MaxDocumentSize       uint32
	MaxMessageSize        uint32
	Members               []address.Address
	Passives              []string
	Passive               bool
	Primary               address.Address
	ReadOnly              bool
	ServiceID             *bson.ObjectID // only for serverKind LoadBalancer
	SessionTimeoutMinutes *int64
	SetName               string
	SetVersion            uint32
	Tags                  map[string]string
	TopologyVersion       *TopologyVersion
	Kind                  ServerKind
	State                 ServerState
	WireVersion           *VersionRange
}

// NewServer creates a new server description from the given hello command
// response.
func NewServer(addr address.Address, response bsoncore.Document) Server {
	desc := Server{Addr: addr, CanonicalAddr: addr, LastUpdateTime: time.Now().UTC(), State: ServerConnected}
	elements, err := response.Elements()
	if err != nil {
		desc.LastError = err
		return desc
	}
	var ok bool
	var isReplicaSet, isWritablePrimary, hidden, secondary, arbiterOnly bool
	var msg string
	var versionRange VersionRange
	for _, element := range elements {
		switch element.Key() {
		case "arbiters":
			var err error
			desc.Arbiters, err = stringSliceFromRawElement(element)
			if err != nil {
				desc.LastError = err
				return desc
			}
		case "arbiterOnly":
			arbiterOnly, ok = element.Value().BooleanOK()
			if !ok {
				desc.LastError = fmt.Errorf("expected 'arbiterOnly' to be a boolean but it's a BSON %#x", element.Value().Type)
				return desc
			}
		case "compression":
			var err error
			desc.Compression, err = stringSliceFromRawElement(element)
			if err != nil {
				desc.LastError = err
				return desc
			}
		case "electionId":
			desc.ElectionID, ok = element.Value().ObjectIDOK()
			if !ok {
				desc.LastError = fmt.Errorf("expected 'electionId' to be an objectID but it's a BSON %#x", element.Value().Type)
				return desc
			}
		case "helloOk":
			desc.HelloOK, ok = element.Value().BooleanOK()
			if !ok {
				desc.LastError = fmt.Errorf("expected 'helloOk' to be a boolean but it's a BSON %#x", element.Value().Type)
				return desc
			}
		case "hidden":
			hidden, ok = element.Value().BooleanOK()
			if !ok {
				desc.LastError = fmt.Errorf("expected 'hidden' to be a boolean but it's a BSON %#x", element.Value().Type)
				return desc
			}
		case "hosts":
			var err error
			desc.Hosts, err = stringSliceFromRawElement(element)
			if err != nil {
				desc.LastError = err
				return desc
			}
		case "isWritablePrimary", "ismaster":
			isWritablePrimary, ok = element.Value().BooleanOK()
			if !ok {
				desc.LastError = fmt.Errorf("expected %q to be a boolean but it's a BSON %#x", element.Key(), element.Value().Type)
				return desc
			}
		case "isreplicaset":
			isReplicaSet, ok = element.Value().BooleanOK()
			if !ok {
				desc.LastError = fmt.Errorf("expected 'isreplicaset' to be a boolean but it's a BSON %#x", element.Value().Type)
				return desc
			}
		case "lastWrite":
			lastWrite, okay := element.Value().DocumentOK()
			if !okay {
				desc.LastError = fmt.Errorf("expected 'lastWrite' to be a document but it's a BSON %#x", element.Value().Type)
				return desc
			}
			dateTime, err := lastWrite.LookupErr("lastWriteDate")
			if err == nil {
				dt, okay := dateTime.DateTimeOK()
				if !okay {
					desc.LastError = fmt.Errorf("expected 'lastWriteDate' to be a datetime but it's a BSON %#x", dateTime.Type)
					return desc
				}
				desc.LastWriteTime = time.Unix(dt/1000, dt%1000*1000000).UTC()
			}
		case "logicalSessionTimeoutMinutes":
			i64, okay := element.Value().AsInt64OK()
			if !okay {
				desc.LastError = fmt.Errorf("expected 'logicalSessionTimeoutMinutes' to be an integer but it's a BSON %#x", element.Value().Type)
				return desc
			}
			desc.SessionTimeoutMinutes = &i64
		case "maxBsonObjectSize":
			i64, okay := element.Value().AsInt64OK()
			if !okay {
				desc.LastError = fmt.Errorf("expected 'maxBsonObjectSize' to be an integer but it's a BSON %#x", element.Value().Type)
				return desc
			}
			desc.MaxDocumentSize = uint32(i64)
		case "maxMessageSizeBytes":
			i64, okay := element.Value().AsInt64OK()
			if !okay {
				desc.LastError = fmt.Errorf("expected 'maxMessageSizeBytes' to be an integer but it's a BSON %#x", element.Value().Type)
				return desc
			}
			desc.MaxMessageSize = uint32(i64)
		case "maxWriteBatchSize":
			i64, okay := element.Value().AsInt64OK()
			if !okay {
				desc.LastError = fmt.Errorf("expected 'maxWriteBatchSize' to be an integer but it's a BSON %#x", element.Value().Type)
				return desc
			}
			desc.MaxBatchCount = uint32(i64)
		case "me":
			me, okay := element.Value().StringValueOK()
			if !okay {
				desc.LastError = fmt.Errorf("expected 'me' to be a string but it's a BSON %#x", element.Value().Type)
				return desc
			}
			desc.CanonicalAddr = address.Address(me)
		case "maxWireVersion":
			i64, okay := element.Value().AsInt64OK()
			if !okay {
				desc.LastError = fmt.Errorf("expected 'maxWireVersion' to be an integer but it's a BSON %#x", element.Value().Type)
				return desc
			}
			versionRange.Max = int32(i64)
		case "minWireVersion":
			i64, okay := element.Value().AsInt64OK()
			if !okay {
				desc.LastError = fmt.Errorf("expected 'minWireVersion' to be an integer but it's a BSON %#x", element.Value().Type)
				return desc
			}
			versionRange.Min = int32(i64)
		case "msg":
			msg, ok = element.Value().StringValueOK()
			if !ok {
				desc.LastError = fmt.Errorf("expected 'msg' to be a string but it's a BSON %#x", element.Value().Type)
				return desc
			}
		case "ok":
			okay, okok := element.Value().AsInt64OK()
			if !okok {
				f, okf := element.Value().DoubleOK()
				if !okf {
					desc.LastError = fmt.Errorf("expected 'ok' to be a number but it's a BSON %#x", element.Value().Type)
					return desc
				}
				okay = int64(f)
			}
			if okay != 1 {
				desc.LastError = errors.New("not ok")
				return desc
			}
		case "passives":
			var err error
			desc.Passives, err = stringSliceFromRawElement(element)
			if err != nil {
				desc.LastError = err
				return desc
			}
		case "passive":
			desc.Passive, ok = element.Value().BooleanOK()
			if !ok {
				desc.LastError = fmt.Errorf("expected 'passive' to be a boolean but it's a BSON %#x", element.Value().Type)
				return desc
			}
		case "primary":
			primary, okay := element.Value().StringValueOK()
			if !okay {
				desc.LastError = fmt.Errorf("expected 'primary' to be a string but it's a BSON %#x", element.Value().Type)
				return desc
			}
			desc.Primary = address.Address(primary)
		case "readOnly":
			desc.ReadOnly, ok = element.Value().BooleanOK()
			if !ok {
				desc.LastError = fmt.Errorf("expected 'readOnly' to be a boolean but it's a BSON %#x", element.Value().Type)
				return desc
			}
		case "secondary":
			secondary, ok = element.Value().BooleanOK()
			if !ok {
				desc.LastError = fmt.Errorf("expected 'secondary' to be a boolean but it's a BSON %#x", element.Value().Type)
				return desc
			}
		case "serviceId":
			oid, okay := element.Value().ObjectIDOK()
			if !okay {
				desc.LastError = fmt.Errorf("expected 'serviceId' to be an objectID but it's a BSON %#x", element.Value().Type)
				return desc
			}
			serviceID := bson.ObjectID(oid)
			desc.ServiceID = &serviceID
		case "setName":
			desc.SetName, ok = element.Value().StringValueOK()
			if !ok {
				desc.LastError = fmt.Errorf("expected 'setName' to be a string but it's a BSON %#x", element.Value().Type)
				return desc
			}
		case "setVersion":
			i64, okay := element.Value().AsInt64OK()
			if !okay {
				desc.LastError = fmt.Errorf("expected 'setVersion' to be an integer but it's a BSON %#x", element.Value().Type)
				return desc
			}
			desc.SetVersion = uint32(i64)
		case "tags":
			m, err := decodeStringMap(element, "tags")
			if err != nil {
				desc.LastError = err
				return desc
			}
			desc.Tags = m
		case "topologyVersion":
			doc, okay := element.Value().DocumentOK()
			if !okay {
				desc.LastError = fmt.Errorf("expected 'topologyVersion' to be a document but it's a BSON %#x", element.Value().Type)
				return desc
			}
			tv, err := NewTopologyVersion(doc)
			if err != nil {
				desc.LastError = err
				return desc
			}
			desc.TopologyVersion = tv
		}
	}

	for _, host := range desc.Hosts {
		desc.Members = append(desc.Members, address.Address(host).Canonicalize())
	}
	for _, passive := range desc.Passives {
		desc.Members = append(desc.Members, address.Address(passive).Canonicalize())
	}
	for _, arbiter := range desc.Arbiters {
		desc.Members = append(desc.Members, address.Address(arbiter).Canonicalize())
	}

	desc.Kind = Standalone

	switch {
	case isReplicaSet:
		desc.Kind = RSGhost
	case desc.SetName != "":
		switch {
		case isWritablePrimary:
			desc.Kind = RSPrimary
		case hidden:
			desc.Kind = RSMember
		case secondary:
			desc.Kind = RSSecondary
		case arbiterOnly:
			desc.Kind = RSArbiter
		default:
			desc.Kind = RSMember
		}
	case msg == "isdbgrid":
		desc.Kind = Mongos
	}

	desc.WireVersion = &versionRange

	return desc
}

// NewDefaultServer creates a new unknown server description with the given
// address.
func NewDefaultServer(addr address.Address) Server {
	return NewServerFromError(addr, nil, nil)
}

// NewServerFromError creates a new unknown server description with the given
// parameters.
func NewServerFromError(addr address.Address, err error, tv *TopologyVersion) Server {
	return Server{
		Addr:            addr,
		LastError:       err,
		Kind:            0,
		TopologyVersion: tv,
		State:           ServerConnecting,
	}
}

// SetAverageRTT sets the average round trip time for the server description.
func (s Server) SetAverageRTT(rtt time.Duration) Server {
	s.AverageRTT = rtt
	s.AverageRTTSet = true
	return s
}

// LoadBalanced returns true if the server is behind a load balancer, which
// it reports by including a serviceId in its handshake response.
func (s Server) LoadBalanced() bool {
	return s.ServiceID != nil
}

// DataBearing returns true if the server is a data bearing server.
func (s Server) DataBearing() bool {
	return s.Kind == RSPrimary ||
		s.Kind == RSSecondary ||
		s.Kind == Mongos ||
		s.Kind == Standalone
}

// Equal compares two server descriptions and returns true if they are
// equal.
func (s Server) Equal(other Server) bool {
	if s.CanonicalAddr.String() != other.CanonicalAddr.String() {
		return false
	}

	if !sliceStringEqual(s.Arbiters, other.Arbiters) {
		return false
	}
	if !sliceStringEqual(s.Hosts, other.Hosts) {
		return false
	}
	if !sliceStringEqual(s.Passives, other.Passives) {
		return false
	}

	if s.Primary != other.Primary {
		return false
	}
	if s.SetName != other.SetName {
		return false
	}
	if s.Kind != other.Kind {
		return false
	}

	if s.LastError != nil || other.LastError != nil {
		if s.LastError == nil || other.LastError == nil {
			return false
		}
		if s.LastError.Error() != other.LastError.Error() {
			return false
		}
	}

	if !s.WireVersion.Equals(other.WireVersion) {
		return false
	}

	if len(s.Tags) != len(other.Tags) {
		return false
	}
	for k, v := range s.Tags {
		if other.Tags[k] != v {
			return false
		}
	}

	if s.SetVersion != other.SetVersion {
		return false
	}
	if s.ElectionID != other.ElectionID {
		return false
	}
	if !ptrInt64Equal(s.SessionTimeoutMinutes, other.SessionTimeoutMinutes) {
		return false
	}

	// If TopologyVersion is nil for both servers, CompareToIncoming will
	// return -1 because a nil version is considered less than an incoming
	// version. Explicitly check for this case first.
	if s.TopologyVersion == nil && other.TopologyVersion == nil {
		return true
	}
	return s.TopologyVersion.CompareToIncoming(other.TopologyVersion) == 0
}

func sliceStringEqual(a []string, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i, v := range a {
		if v != b[i] {
			return false
		}
	}
	return true
}

func ptrInt64Equal(a, b *int64) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return *a == *b
}

// Equals returns true when the version ranges are equal; a nil range only
// equals another nil range.
func (vr *VersionRange) Equals(other *VersionRange) bool {
	if vr == nil && other == nil {
		return true
	}
	if vr == nil || other == nil {
		return false
	}
	return vr.Min == other.Min && vr.Max == other.Max
}

// SelectServer selects this server if it is in the list of given candidates.
func (s Server) SelectServer(_ Topology, candidates []Server) ([]Server, error) {
	for _, candidate := range candidates {
		if candidate.Addr.String() == s.Addr.String() {
			return []Server{candidate}, nil
		}
	}
	return nil, nil
}

// String implements the Stringer interface.
func (s Server) String() string {
	str := fmt.Sprintf("Addr: %s, Type: %s, State: %s", s.Addr, s.Kind, s.State)
	if len(s.Tags) != 0 {
		str += fmt.Sprintf(", Tag sets: %v", s.Tags)
	}
	if s.AverageRTTSet {
		str += fmt.Sprintf(", Average RTT: %d", s.AverageRTT)
	}
	if s.LastError != nil {
		str += fmt.Sprintf(", Last error: %s", s.LastError)
	}
	return str
}

// stringSliceFromRawElement decodes the provided BSON element into a []string.
func stringSliceFromRawElement(element bsoncore.Element) ([]string, error) {
	arr, ok := element.Value().ArrayOK()
	if !ok {
		return nil, fmt.Errorf("expected '%s' to be an array but it's a BSON %#x", element.Key(), element.Value().Type)
	}
	vals, err := arr.Values()
	if err != nil {
		return nil, err
	}
	var strs []string
	for _, val := range vals {
		str, ok := val.StringValueOK()
		if !ok {
			return nil, fmt.Errorf("expected '%s' to contain strings but it contains a BSON %#x", element.Key(), val.Type)
		}
		strs = append(strs, str)
	}
	return strs, nil
}

func decodeStringMap(element bsoncore.Element, name string) (map[string]string, error) {
	doc, ok := element.Value().DocumentOK()
	if !ok {
		return nil, fmt.Errorf("expected '%s' to be a document but it's a BSON %#x", name, element.Value().Type)
	}
	elements, err := doc.Elements()
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, element := range elements {
		key := element.Key()
		value, ok := element.Value().StringValueOK()
		if !ok {
			return nil, fmt.Errorf("expected '%s' to contain strings but it contains a BSON %#x", name, element.Value().Type)
		}
		m[key] = value
	}
	return m, nil
}
