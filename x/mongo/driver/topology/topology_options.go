// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/bytev/mongo-go-core/event"
	"github.com/bytev/mongo-go-core/internal/credentials"
	"github.com/bytev/mongo-go-core/internal/logger"
	"github.com/bytev/mongo-go-core/x/mongo/driver/auth"
	"github.com/bytev/mongo-go-core/x/mongo/driver/connstring"
	"github.com/bytev/mongo-go-core/x/mongo/driver/description"
	"github.com/bytev/mongo-go-core/x/mongo/driver/operation"
)

const defaultServerSelectionTimeout = 30 * time.Second

// Config is used to construct a topology.
type Config struct {
	Mode                   MonitorMode
	ReplicaSetName         string
	SeedList               []string
	ServerOpts             []ServerOption
	URI                    string
	ServerSelectionTimeout time.Duration
	ServerMonitor          *event.ServerMonitor
	SRVMaxHosts            int
	SRVServiceName         string
	LoadBalanced           bool
	logger                 *logger.Logger
}

// NewConfigFromConnString converts a connection string into the
// configuration of a whole topology: seed list, monitoring cadence, pool
// sizing, TLS, auth, and compression all come from the URI options of §6.
func NewConfigFromConnString(cs *connstring.ConnString) (*Config, error) {
	cfgp := &Config{
		ServerSelectionTimeout: defaultServerSelectionTimeout,
	}

	if cs == nil {
		cfgp.SeedList = []string{"localhost:27017"}
		return cfgp, nil
	}

	cfgp.URI = cs.Original
	cfgp.SeedList = cs.Hosts
	cfgp.ReplicaSetName = cs.ReplicaSet
	if cs.DirectConnection {
		cfgp.Mode = SingleMode
	}
	cfgp.LoadBalanced = cs.LoadBalanced
	if cs.ServerSelectionTimeoutSet {
		cfgp.ServerSelectionTimeout = cs.ServerSelectionTimeout
	}

	var connOpts []ConnectionOption
	var serverOpts []ServerOption

	// Heartbeat and monitoring options.
	if cs.HeartbeatIntervalSet {
		serverOpts = append(serverOpts, WithHeartbeatInterval(func(time.Duration) time.Duration {
			return cs.HeartbeatInterval
		}))
	}
	if cs.ConnectTimeoutSet {
		serverOpts = append(serverOpts, WithHeartbeatTimeout(func(time.Duration) time.Duration {
			return cs.ConnectTimeout
		}))
		connOpts = append(connOpts, WithConnectTimeout(func(time.Duration) time.Duration {
			return cs.ConnectTimeout
		}))
	}
	if cs.SocketTimeoutSet {
		connOpts = append(connOpts,
			WithReadTimeout(func(time.Duration) time.Duration { return cs.SocketTimeout }),
			WithWriteTimeout(func(time.Duration) time.Duration { return cs.SocketTimeout }),
		)
	}
	if cs.AppName != "" {
		serverOpts = append(serverOpts, WithServerAppName(func(string) string { return cs.AppName }))
	}

	// Pool options.
	if cs.MaxPoolSizeSet {
		serverOpts = append(serverOpts, WithMaxConnections(func(uint64) uint64 { return cs.MaxPoolSize }))
	}
	if cs.MinPoolSizeSet {
		serverOpts = append(serverOpts, WithMinConnections(func(uint64) uint64 { return cs.MinPoolSize }))
	}
	if cs.MaxConnectingSet {
		serverOpts = append(serverOpts, WithMaxConnecting(func(uint64) uint64 { return cs.MaxConnecting }))
	}
	if cs.MaxConnIdleTimeSet {
		serverOpts = append(serverOpts, WithConnectionPoolMaxIdleTime(func(time.Duration) time.Duration {
			return cs.MaxConnIdleTime
		}))
	}
	if cs.MaxConnLifeTimeSet {
		serverOpts = append(serverOpts, WithConnectionPoolMaxLifetime(func(time.Duration) time.Duration {
			return cs.MaxConnLifeTime
		}))
	}

	// Compression.
	if len(cs.Compressors) > 0 {
		comps := cs.Compressors
		connOpts = append(connOpts, WithCompressors(func([]string) []string { return comps }))
		serverOpts = append(serverOpts, WithCompressionOptions(func(...string) []string { return comps }))
		for _, comp := range comps {
			switch comp {
			case "zlib":
				level := cs.ZlibLevel
				connOpts = append(connOpts, WithZlibLevel(func(*int) *int { return &level }))
			case "zstd":
				level := cs.ZstdLevel
				connOpts = append(connOpts, WithZstdLevel(func(*int) *int { return &level }))
			}
		}
	}

	// TLS.
	if cs.SSL {
		tlsConfig, err := credentials.NewTLSConfig(&credentials.TLSOptions{
			CAFile:                     cs.SSLCaFile,
			CertificateKeyFile:         cs.SSLClientCertificateKeyFile,
			CertificateKeyFilePassword: cs.SSLClientCertificateKeyPassword,
			Insecure:                   cs.SSLInsecure,
		})
		if err != nil {
			return nil, err
		}
		connOpts = append(connOpts, WithTLSConfig(func(*tls.Config) *tls.Config { return tlsConfig }))
	}

	// Auth.
	if cs.Username != "" || cs.AuthMechanism != "" {
		cred := &auth.Cred{
			Source:      cs.AuthSource(),
			Username:    cs.Username,
			Password:    cs.Password,
			PasswordSet: cs.PasswordSet,
			Props:       cs.AuthMechanismProperties,
		}
		authenticator, err := auth.CreateAuthenticator(cs.AuthMechanism, cred)
		if err != nil {
			return nil, err
		}
		handshakeOpts := &auth.HandshakeOptions{
			AppName:       cs.AppName,
			Authenticator: authenticator,
			Compressors:   cs.Compressors,
		}
		if mech := strings.ToUpper(cs.AuthMechanism); mech == "" || mech == "MONGODB-X509" {
			// The "default" mechanism and X509 both use speculative
			// authentication during the hello.
			handshakeOpts.PerformAuthentication = func(description.Server) bool { return true }
		}
		handshaker := auth.Handshaker(nil, handshakeOpts)
		connOpts = append(connOpts, WithHandshaker(func(Handshaker) Handshaker { return handshaker }))
	} else {
		// Unauthenticated deployments still perform the hello handshake.
		appName := cs.AppName
		comps := cs.Compressors
		connOpts = append(connOpts, WithHandshaker(func(Handshaker) Handshaker {
			return operation.NewHello().AppName(appName).Compressors(comps)
		}))
	}

	if cs.LoadBalanced {
		connOpts = append(connOpts, WithConnectionLoadBalanced(func(bool) bool { return true }))
		serverOpts = append(serverOpts, WithServerLoadBalanced(func(bool) bool { return true }))
	}
	if cs.ServerMonitoringMode != "" {
		mode := cs.ServerMonitoringMode
		serverOpts = append(serverOpts, WithServerMonitoringMode(&mode))
	}

	serverOpts = append(serverOpts, WithConnectionOptions(func(...ConnectionOption) []ConnectionOption {
		return connOpts
	}))
	cfgp.ServerOpts = serverOpts

	return cfgp, nil
}

// NewConfig builds a Config from opts.ConnString with NewConfigFromConnString
// and adds the monitors and logger from opts. A nil opts or a nil ConnString
// produces a localhost default configuration.
func NewConfig(opts *Options) (*Config, error) {
	if opts == nil {
		return NewConfigFromConnString(nil)
	}
	cfg, err := NewConfigFromConnString(opts.ConnString)
	if err != nil {
		return nil, err
	}
	if opts.ServerMonitor != nil {
		cfg.ServerMonitor = opts.ServerMonitor
	}
	if opts.Logger != nil {
		cfg.logger = opts.Logger
	}
	if opts.PoolMonitor != nil {
		cfg.ServerOpts = append(cfg.ServerOpts, WithConnectionPoolMonitor(func(*event.PoolMonitor) *event.PoolMonitor {
			return opts.PoolMonitor
		}))
	}
	if opts.ServerMonitor != nil {
		cfg.ServerOpts = append(cfg.ServerOpts, WithServerMonitor(func(*event.ServerMonitor) *event.ServerMonitor {
			return opts.ServerMonitor
		}))
	}
	if opts.Logger != nil {
		cfg.ServerOpts = append(cfg.ServerOpts, WithLogger(func() *logger.Logger { return opts.Logger }))
	}
	return cfg, nil
}

// Options bundles the caller-owned collaborators passed into a topology: the
// parsed connection string plus explicitly constructed monitors and logger.
// Nothing here is global state.
type Options struct {
	ConnString    *connstring.ConnString
	PoolMonitor   *event.PoolMonitor
	ServerMonitor *event.ServerMonitor
	Logger        *logger.Logger
}

// String implements fmt.Stringer for debugging.
func (cfg *Config) String() string {
	return fmt.Sprintf("Config{Mode: %v, SeedList: %v, ReplicaSet: %q}", cfg.Mode, cfg.SeedList, cfg.ReplicaSetName)
}
