// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package connstring is intended for internal use only. It parses the
// mongodb:// connection string grammar into a structured form consumed by
// the topology configuration.
package connstring

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrLoadBalancedWithMultipleHosts is returned when loadBalanced=true is
// specified in a URI with multiple hosts.
var ErrLoadBalancedWithMultipleHosts = errors.New(
	"loadBalanced cannot be set to true if multiple hosts are specified")

// ErrLoadBalancedWithReplicaSet is returned when loadBalanced=true is
// specified in a URI with the replicaSet option.
var ErrLoadBalancedWithReplicaSet = errors.New(
	"loadBalanced cannot be set to true if a replica set name is specified")

// ErrLoadBalancedWithDirectConnection is returned when loadBalanced=true is
// specified in a URI with the directConnection option.
var ErrLoadBalancedWithDirectConnection = errors.New(
	"loadBalanced cannot be set to true if the direct connection option is specified")

// ErrDirectConnectionToMultipleHosts is returned when directConnection=true
// is specified in a URI with multiple hosts.
var ErrDirectConnectionToMultipleHosts = errors.New(
	"a direct connection cannot be made if multiple hosts are specified")

// Scheme constants.
const (
	SchemeMongoDB = "mongodb"
)

// ConnString represents a connection string to mongodb.
type ConnString struct {
	Original                           string
	AppName                            string
	AuthMechanism                      string
	AuthMechanismProperties            map[string]string
	AuthSourceFromURI                  string
	Compressors                        []string
	Connect                            string
	ConnectTimeout                     time.Duration
	ConnectTimeoutSet                  bool
	Database                           string
	DirectConnection                   bool
	DirectConnectionSet                bool
	HeartbeatInterval                  time.Duration
	HeartbeatIntervalSet               bool
	Hosts                              []string
	LoadBalanced                       bool
	LoadBalancedSet                    bool
	LocalThreshold                     time.Duration
	LocalThresholdSet                  bool
	MaxConnIdleTime                    time.Duration
	MaxConnIdleTimeSet                 bool
	MaxConnLifeTime                    time.Duration
	MaxConnLifeTimeSet                 bool
	MaxConnecting                      uint64
	MaxConnectingSet                   bool
	MaxPoolSize                        uint64
	MaxPoolSizeSet                     bool
	MinPoolSize                        uint64
	MinPoolSizeSet                     bool
	MaxStaleness                       time.Duration
	MaxStalenessSet                    bool
	Password                           string
	PasswordSet                        bool
	ReadPreference                     string
	ReadPreferenceTagSets              []map[string]string
	ReplicaSet                         string
	RetryWrites                        bool
	RetryWritesSet                     bool
	RetryReads                         bool
	RetryReadsSet                      bool
	ServerMonitoringMode               string
	ServerSelectionTimeout             time.Duration
	ServerSelectionTimeoutSet          bool
	SocketTimeout                      time.Duration
	SocketTimeoutSet                   bool
	SSL                                bool
	SSLSet                             bool
	SSLClientCertificateKeyFile        string
	SSLClientCertificateKeyFileSet     bool
	SSLClientCertificateKeyPassword    string
	SSLClientCertificateKeyPasswordSet bool
	SSLInsecure                        bool
	SSLInsecureSet                     bool
	SSLCaFile                          string
	SSLCaFileSet                       bool
	Username                           string
	UsernameSet                        bool
	WaitQueueTimeout                   time.Duration
	WaitQueueTimeoutSet                bool
	ZlibLevel                          int
	ZlibLevelSet                       bool
	ZstdLevel                          int
	ZstdLevelSet                       bool

	UnknownOptions map[string][]string
}

func (u *ConnString) String() string {
	return u.Original
}

// AuthSource returns the authentication database: the authSource option if
// given, then "$external" for MONGODB-X509 and PLAIN, then the connection
// string database, then "admin".
func (u *ConnString) AuthSource() string {
	if u.AuthSourceFromURI != "" {
		return u.AuthSourceFromURI
	}
	if u.AuthMechanism == "MONGODB-X509" || u.AuthMechanism == "PLAIN" {
		return "$external"
	}
	if u.Database != "" {
		return u.Database
	}
	return "admin"
}

// Parse parses the provided URI into a ConnString object. It check that all
// values are valid.
func Parse(s string) (*ConnString, error) {
	p := parser{}
	connStr, err := p.parse(s)
	if err != nil {
		return nil, fmt.Errorf("error parsing uri: %w", err)
	}
	if err := connStr.validate(); err != nil {
		return nil, fmt.Errorf("error validating uri: %w", err)
	}
	return connStr, nil
}

type parser struct{}

func (p *parser) parse(original string) (*ConnString, error) {
	connStr := &ConnString{Original: original}

	uri := original
	if !strings.HasPrefix(uri, SchemeMongoDB+"://") {
		return nil, errors.New(`scheme must be "mongodb"`)
	}
	uri = uri[len(SchemeMongoDB)+3:]

	if idx := strings.Index(uri, "@"); idx != -1 {
		userInfo := uri[:idx]
		uri = uri[idx+1:]

		username := userInfo
		var password string

		if u2idx := strings.Index(userInfo, ":"); u2idx != -1 {
			username = userInfo[:u2idx]
			password = userInfo[u2idx+1:]
			connStr.PasswordSet = true
		}

		// Unescape after splitting the user info so escaped colons don't
		// confuse the split.
		var err error
		connStr.Username, err = url.QueryUnescape(username)
		if err != nil {
			return nil, fmt.Errorf("invalid username: %w", err)
		}
		connStr.UsernameSet = true

		connStr.Password, err = url.QueryUnescape(password)
		if err != nil {
			return nil, fmt.Errorf("invalid password: %w", err)
		}
	}

	// Fetch the hosts field.
	hosts := uri
	if idx := strings.IndexAny(uri, "/?@"); idx != -1 {
		if uri[idx] == '@' {
			return nil, errors.New("unescaped @ sign in user info")
		}
		if uri[idx] == '?' {
			return nil, errors.New("must have a / before the query ?")
		}
		hosts = uri[:idx]
	}

	for _, host := range strings.Split(hosts, ",") {
		if err := validateHost(host); err != nil {
			return nil, err
		}
		connStr.Hosts = append(connStr.Hosts, host)
	}
	uri = uri[len(hosts):]

	extractedDatabase, err := extractDatabaseFromURI(uri)
	if err != nil {
		return nil, err
	}

	uri = extractedDatabase.uri
	connStr.Database = extractedDatabase.db

	if err := connStr.setOptions(uri); err != nil {
		return nil, err
	}

	return connStr, nil
}

func validateHost(host string) error {
	if host == "" {
		return errors.New("empty host")
	}
	if strings.HasPrefix(host, "[") {
		// IPv6 literal; must contain the closing bracket.
		if !strings.Contains(host, "]") {
			return errors.New("unclosed ']' in IPv6 literal")
		}
		return nil
	}
	if colon := strings.LastIndexByte(host, ':'); colon != -1 {
		port := host[colon+1:]
		n, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid port %q: %w", port, err)
		}
		if n <= 0 || n > 65535 {
			return fmt.Errorf("invalid port %q: must be in the range [1, 65535]", port)
		}
	}
	_, err := url.QueryUnescape(host)
	return err
}

func (u *ConnString) validate() error {
	if u.DirectConnection && len(u.Hosts) > 1 {
		return ErrDirectConnectionToMultipleHosts
	}
	if u.LoadBalanced {
		if len(u.Hosts) > 1 {
			return ErrLoadBalancedWithMultipleHosts
		}
		if u.ReplicaSet != "" {
			return ErrLoadBalancedWithReplicaSet
		}
		if u.DirectConnection {
			return ErrLoadBalancedWithDirectConnection
		}
	}
	if u.PasswordSet && !u.UsernameSet {
		return errors.New("password must not be specified without username")
	}
	return nil
}

type extractedDatabase struct {
	uri string
	db  string
}

// extractDatabaseFromURI is a helper function to retrieve information about
// the database from the passed in URI. It accepts as an argument the URI
// with the scheme, user info, and hosts removed.
func extractDatabaseFromURI(uri string) (extractedDatabase, error) {
	if len(uri) == 0 {
		return extractedDatabase{}, nil
	}

	if uri[0] != '/' {
		return extractedDatabase{}, errors.New("must have a / separator between hosts and path")
	}
	uri = uri[1:]
	if len(uri) == 0 {
		return extractedDatabase{}, nil
	}

	database := uri
	if idx := strings.IndexRune(uri, '?'); idx != -1 {
		database = uri[:idx]
	}

	escapedDatabase, err := url.QueryUnescape(database)
	if err != nil {
		return extractedDatabase{}, fmt.Errorf("invalid database %q: %w", database, err)
	}

	uri = uri[len(database):]

	return extractedDatabase{
		uri: uri,
		db:  escapedDatabase,
	}, nil
}

func (u *ConnString) setOptions(uri string) error {
	if len(uri) == 0 {
		return nil
	}
	if uri[0] != '?' {
		return errors.New("must have a ? separator between path and query")
	}
	uri = uri[1:]
	if len(uri) == 0 {
		return nil
	}

	for _, pair := range strings.FieldsFunc(uri, func(r rune) bool { return r == ';' || r == '&' }) {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 || kv[0] == "" {
			return fmt.Errorf("invalid option")
		}

		key, err := url.QueryUnescape(kv[0])
		if err != nil {
			return fmt.Errorf("invalid option key %q: %w", kv[0], err)
		}

		value, err := url.QueryUnescape(kv[1])
		if err != nil {
			return fmt.Errorf("invalid option value %q: %w", kv[1], err)
		}

		if err := u.addOption(key, value); err != nil {
			return err
		}
	}

	return nil
}

func (u *ConnString) addOption(key, value string) error {
	lowerKey := strings.ToLower(key)
	switch lowerKey {
	case "appname":
		u.AppName = value
	case "authmechanism":
		u.AuthMechanism = value
	case "authmechanismproperties":
		u.AuthMechanismProperties = make(map[string]string)
		pairs := strings.Split(value, ",")
		for _, pair := range pairs {
			kv := strings.SplitN(pair, ":", 2)
			if len(kv) != 2 || kv[0] == "" {
				return fmt.Errorf("invalid authMechanism property")
			}
			u.AuthMechanismProperties[kv[0]] = kv[1]
		}
	case "authsource":
		u.AuthSourceFromURI = value
	case "compressors":
		compressors := strings.Split(value, ",")
		if len(compressors) < 1 {
			return errors.New("must have at least 1 compressor")
		}
		for _, compressor := range compressors {
			switch compressor {
			case "snappy", "zlib", "zstd":
			default:
				return fmt.Errorf("invalid compressor: %s", compressor)
			}
		}
		u.Compressors = compressors
	case "connecttimeoutms":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid value for %q: %q", key, value)
		}
		u.ConnectTimeout = time.Duration(n) * time.Millisecond
		u.ConnectTimeoutSet = true
	case "directconnection":
		switch strings.ToLower(value) {
		case "true":
			u.DirectConnection = true
		case "false":
		default:
			return fmt.Errorf("invalid value for %q: %q", key, value)
		}
		u.DirectConnectionSet = true
	case "heartbeatintervalms", "heartbeatfrequencyms":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid value for %q: %q", key, value)
		}
		u.HeartbeatInterval = time.Duration(n) * time.Millisecond
		u.HeartbeatIntervalSet = true
	case "loadbalanced":
		switch strings.ToLower(value) {
		case "true":
			u.LoadBalanced = true
		case "false":
		default:
			return fmt.Errorf("invalid value for %q: %q", key, value)
		}
		u.LoadBalancedSet = true
	case "localthresholdms":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid value for %q: %q", key, value)
		}
		u.LocalThreshold = time.Duration(n) * time.Millisecond
		u.LocalThresholdSet = true
	case "maxidletimems", "maxconnidletimems":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid value for %q: %q", key, value)
		}
		u.MaxConnIdleTime = time.Duration(n) * time.Millisecond
		u.MaxConnIdleTimeSet = true
	case "maxlifetimems", "maxconnlifetimems":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid value for %q: %q", key, value)
		}
		u.MaxConnLifeTime = time.Duration(n) * time.Millisecond
		u.MaxConnLifeTimeSet = true
	case "maxpoolsize":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid value for %q: %q", key, value)
		}
		u.MaxPoolSize = uint64(n)
		u.MaxPoolSizeSet = true
	case "minpoolsize":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid value for %q: %q", key, value)
		}
		u.MinPoolSize = uint64(n)
		u.MinPoolSizeSet = true
	case "maxconnecting":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid value for %q: %q", key, value)
		}
		u.MaxConnecting = uint64(n)
		u.MaxConnectingSet = true
	case "maxstalenessseconds":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid value for %q: %q", key, value)
		}
		u.MaxStaleness = time.Duration(n) * time.Second
		u.MaxStalenessSet = true
	case "readpreference":
		u.ReadPreference = value
	case "readpreferencetags":
		if value == "" {
			// If "readPreferenceTags=" is supplied, append an empty map to
			// tag sets to match the empty tag set.
			u.ReadPreferenceTagSets = append(u.ReadPreferenceTagSets, map[string]string{})
			break
		}

		tags := make(map[string]string)
		items := strings.Split(value, ",")
		for _, item := range items {
			parts := strings.Split(item, ":")
			if len(parts) != 2 {
				return fmt.Errorf("invalid value for %q: %q", key, value)
			}
			tags[parts[0]] = parts[1]
		}
		u.ReadPreferenceTagSets = append(u.ReadPreferenceTagSets, tags)
	case "replicaset":
		u.ReplicaSet = value
	case "retrywrites":
		switch strings.ToLower(value) {
		case "true":
			u.RetryWrites = true
		case "false":
		default:
			return fmt.Errorf("invalid value for %q: %q", key, value)
		}
		u.RetryWritesSet = true
	case "retryreads":
		switch strings.ToLower(value) {
		case "true":
			u.RetryReads = true
		case "false":
		default:
			return fmt.Errorf("invalid value for %q: %q", key, value)
		}
		u.RetryReadsSet = true
	case "servermonitoringmode":
		switch value {
		case "auto", "poll", "stream":
		default:
			return fmt.Errorf("invalid value for %q: %q", key, value)
		}
		u.ServerMonitoringMode = value
	case "serverselectiontimeoutms":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid value for %q: %q", key, value)
		}
		u.ServerSelectionTimeout = time.Duration(n) * time.Millisecond
		u.ServerSelectionTimeoutSet = true
	case "sockettimeoutms":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid value for %q: %q", key, value)
		}
		u.SocketTimeout = time.Duration(n) * time.Millisecond
		u.SocketTimeoutSet = true
	case "ssl", "tls":
		switch strings.ToLower(value) {
		case "true":
			u.SSL = true
		case "false":
		default:
			return fmt.Errorf("invalid value for %q: %q", key, value)
		}
		u.SSLSet = true
	case "sslclientcertificatekeyfile", "tlscertificatekeyfile":
		u.SSL = true
		u.SSLSet = true
		u.SSLClientCertificateKeyFile = value
		u.SSLClientCertificateKeyFileSet = true
	case "sslclientcertificatekeypassword", "tlscertificatekeyfilepassword":
		u.SSLClientCertificateKeyPassword = value
		u.SSLClientCertificateKeyPasswordSet = true
	case "sslinsecure", "tlsinsecure":
		switch strings.ToLower(value) {
		case "true":
			u.SSLInsecure = true
		case "false":
		default:
			return fmt.Errorf("invalid value for %q: %q", key, value)
		}
		u.SSLInsecureSet = true
	case "sslcertificateauthorityfile", "tlscafile":
		u.SSL = true
		u.SSLSet = true
		u.SSLCaFile = value
		u.SSLCaFileSet = true
	case "waitqueuetimeoutms":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid value for %q: %q", key, value)
		}
		u.WaitQueueTimeout = time.Duration(n) * time.Millisecond
		u.WaitQueueTimeoutSet = true
	case "zlibcompressionlevel":
		level, err := strconv.Atoi(value)
		if err != nil || (level < -1 || level > 9) {
			return fmt.Errorf("invalid value for %q: %q", key, value)
		}
		if level == -1 {
			level = 6
		}
		u.ZlibLevel = level
		u.ZlibLevelSet = true
	case "zstdcompressionlevel":
		const maxZstdLevel = 22
		level, err := strconv.Atoi(value)
		if err != nil || (level < -1 || level > maxZstdLevel) {
			return fmt.Errorf("invalid value for %q: %q", key, value)
		}
		if level == -1 {
			level = 6
		}
		u.ZstdLevel = level
		u.ZstdLevelSet = true
	default:
		if u.UnknownOptions == nil {
			u.UnknownOptions = make(map[string][]string)
		}
		u.UnknownOptions[lowerKey] = append(u.UnknownOptions[lowerKey], value)
	}

	return nil
}

// HostPort splits a host into its host and port parts, applying the default
// port when absent.
func HostPort(host string) (string, string) {
	if h, p, err := net.SplitHostPort(host); err == nil {
		return h, p
	}
	return host, "27017"
}
