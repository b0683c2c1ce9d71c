// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ikmak/mongo-core/event"
)

// Valid server monitoring modes.
const (
	// ServerMonitoringModeAuto indicates that the client will behave like "poll" mode when running
	// on a FaaS (Function as a Service) platform, or like "stream" mode otherwise. The client
	// detects its execution environment by following the rules for generating the "client.env"
	// handshake metadata field.
	ServerMonitoringModeAuto = "auto"

	// ServerMonitoringModePoll indicates that the client will periodically check the server using
	// a hello command and then sleep for heartbeatFrequencyMS before running another check.
	ServerMonitoringModePoll = "poll"

	// ServerMonitoringModeStream indicates that the client will use a streaming protocol when the
	// server supports it to check the server. The streaming protocol optimally reduces the time
	// it takes for a client to discover server state changes.
	ServerMonitoringModeStream = "stream"
)

type serverConfig struct {
	connectionOpts       []ConnectionOption
	heartbeatInterval    time.Duration
	heartbeatTimeout     time.Duration
	serverMonitoringMode string
	serverMonitor        *event.ServerMonitor
	monitoringDisabled   bool
	loadBalanced         bool
	logger               *logrus.Logger

	// Connection pool options.
	maxConns             uint64
	minConns             uint64
	maxConnecting        uint64
	poolMonitor          *event.PoolMonitor
	poolMaxIdleTime      time.Duration
	poolMaintainInterval time.Duration
	poolWaitQueueTimeout time.Duration
}

func newServerConfig(opts ...ServerOption) *serverConfig {
	cfg := &serverConfig{
		heartbeatInterval: 10 * time.Second,
		heartbeatTimeout:  10 * time.Second,
		maxConns:          100,
	}

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(cfg)
	}

	if cfg.maxConns != 0 && cfg.minConns > cfg.maxConns {
		panic(fmt.Sprintf("minPoolSize must be less than or equal to maxPoolSize, got minPoolSize=%d maxPoolSize=%d",
			cfg.minConns, cfg.maxConns))
	}

	return cfg
}

// ServerOption configures a server.
type ServerOption func(*serverConfig)

// withMonitoringDisabled configures whether or not the server is monitored.
func withMonitoringDisabled(fn func(bool) bool) ServerOption {
	return func(cfg *serverConfig) {
		cfg.monitoringDisabled = fn(cfg.monitoringDisabled)
	}
}

// WithConnectionOptions configures the server's connections.
func WithConnectionOptions(fn func(...ConnectionOption) []ConnectionOption) ServerOption {
	return func(cfg *serverConfig) {
		cfg.connectionOpts = fn(cfg.connectionOpts...)
	}
}

// WithHeartbeatInterval configures a server's heartbeat interval.
func WithHeartbeatInterval(fn func(time.Duration) time.Duration) ServerOption {
	return func(cfg *serverConfig) {
		cfg.heartbeatInterval = fn(cfg.heartbeatInterval)
	}
}

// WithHeartbeatTimeout configures how long to wait for a heartbeat socket to connect.
func WithHeartbeatTimeout(fn func(time.Duration) time.Duration) ServerOption {
	return func(cfg *serverConfig) {
		cfg.heartbeatTimeout = fn(cfg.heartbeatTimeout)
	}
}

// WithMaxConnections configures the maximum number of connections to allow for a given server.
// The default is 100. If max is 0, then maximum connection pool size is not limited.
func WithMaxConnections(fn func(uint64) uint64) ServerOption {
	return func(cfg *serverConfig) {
		cfg.maxConns = fn(cfg.maxConns)
	}
}

// WithMinConnections configures the minimum number of connections to allow for a given server.
func WithMinConnections(fn func(uint64) uint64) ServerOption {
	return func(cfg *serverConfig) {
		cfg.minConns = fn(cfg.minConns)
	}
}

// WithMaxConnecting configures the maximum number of connections a connection pool may establish
// simultaneously. If maxConnecting is 0, the default value of 2 is used.
func WithMaxConnecting(fn func(uint64) uint64) ServerOption {
	return func(cfg *serverConfig) {
		cfg.maxConnecting = fn(cfg.maxConnecting)
	}
}

// WithWaitQueueTimeout configures the maximum amount of time a connection checkout is allowed to
// wait for an idle or new connection. If the timeout is 0, checkouts wait until the caller's
// Context expires.
func WithWaitQueueTimeout(fn func(time.Duration) time.Duration) ServerOption {
	return func(cfg *serverConfig) {
		cfg.poolWaitQueueTimeout = fn(cfg.poolWaitQueueTimeout)
	}
}

// WithConnectionPoolMaxIdleTime configures the maximum amount of time a connection can sit idle in
// the connection pool before being removed.
func WithConnectionPoolMaxIdleTime(fn func(time.Duration) time.Duration) ServerOption {
	return func(cfg *serverConfig) {
		cfg.poolMaxIdleTime = fn(cfg.poolMaxIdleTime)
	}
}

// WithConnectionPoolMaintainInterval configures the interval that the background routine to
// maintain the connection pool runs at.
func WithConnectionPoolMaintainInterval(fn func(time.Duration) time.Duration) ServerOption {
	return func(cfg *serverConfig) {
		cfg.poolMaintainInterval = fn(cfg.poolMaintainInterval)
	}
}

// WithConnectionPoolMonitor configures a monitor for all connection pool actions.
func WithConnectionPoolMonitor(fn func(*event.PoolMonitor) *event.PoolMonitor) ServerOption {
	return func(cfg *serverConfig) {
		cfg.poolMonitor = fn(cfg.poolMonitor)
	}
}

// WithServerMonitor configures a monitor for server monitoring events.
func WithServerMonitor(fn func(*event.ServerMonitor) *event.ServerMonitor) ServerOption {
	return func(cfg *serverConfig) {
		cfg.serverMonitor = fn(cfg.serverMonitor)
	}
}

// WithServerLoadBalanced specifies whether or not the server is behind a load balancer.
func WithServerLoadBalanced(fn func(bool) bool) ServerOption {
	return func(cfg *serverConfig) {
		cfg.loadBalanced = fn(cfg.loadBalanced)
	}
}

// WithServerMonitoringMode specifies the server monitoring protocol to use.
func WithServerMonitoringMode(mode *string) ServerOption {
	return func(cfg *serverConfig) {
		if mode != nil {
			cfg.serverMonitoringMode = *mode
			return
		}

		cfg.serverMonitoringMode = ServerMonitoringModeAuto
	}
}

// WithServerLogger configures the logger for server monitoring and pool diagnostics.
func WithServerLogger(fn func(*logrus.Logger) *logrus.Logger) ServerOption {
	return func(cfg *serverConfig) {
		cfg.logger = fn(cfg.logger)
	}
}
