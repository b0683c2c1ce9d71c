// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ikmak/mongo-core/event"
)

const defaultServerSelectionTimeout = 30 * time.Second
const defaultLocalThreshold = 15 * time.Millisecond

// MonitorMode represents the way in which a topology is monitored.
type MonitorMode uint8

// These constants are the available monitoring modes.
const (
	// AutomaticMode discovers the deployment kind from the hello responses of
	// the seed list members.
	AutomaticMode MonitorMode = iota
	// SingleMode pins the topology to the first seed list member regardless of
	// the kind it reports.
	SingleMode
)

// Config is used to construct a topology. The zero value is usable after
// applying the defaults from NewConfig.
type Config struct {
	Mode                   MonitorMode
	ReplicaSetName         string
	SeedList               []string
	ServerOpts             []ServerOption
	ServerSelectionTimeout time.Duration
	LocalThreshold         time.Duration
	ServerMonitor          *event.ServerMonitor
	LoadBalanced           bool
	Logger                 *logrus.Logger
}

// NewConfig returns a Config populated with the given options and validated
// defaults. Configuration errors are fatal at construction.
func NewConfig(opts ...ConfigOption) (*Config, error) {
	cfg := &Config{
		SeedList:               []string{"localhost:27017"},
		ServerSelectionTimeout: defaultServerSelectionTimeout,
		LocalThreshold:         defaultLocalThreshold,
	}

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.Logger == nil {
		logger := logrus.New()
		logger.SetOutput(io.Discard)
		cfg.Logger = logger
	}

	return cfg, nil
}

func (cfg *Config) validate() error {
	if len(cfg.SeedList) == 0 {
		return errors.New("topology: seed list must contain at least one host")
	}

	if cfg.LoadBalanced {
		if len(cfg.SeedList) > 1 {
			return errors.New("topology: load balanced mode requires exactly one host")
		}
		if cfg.Mode == SingleMode {
			return errors.New("topology: load balanced mode cannot be combined with direct connection")
		}
		if cfg.ReplicaSetName != "" {
			return errors.New("topology: load balanced mode cannot be combined with a replica set name")
		}
	}

	if cfg.Mode == SingleMode && len(cfg.SeedList) > 1 {
		return errors.New("topology: direct connection requires exactly one host")
	}

	if cfg.LocalThreshold < 0 {
		return errors.New("topology: local threshold must not be negative")
	}

	return nil
}

// ConfigOption configures a topology Config.
type ConfigOption func(*Config) error

// WithSeedList configures the initial list of server addresses to monitor.
func WithSeedList(hosts ...string) ConfigOption {
	return func(cfg *Config) error {
		cfg.SeedList = hosts
		return nil
	}
}

// WithMode configures the monitor mode. SingleMode pins the topology kind to
// Single for direct connections.
func WithMode(mode MonitorMode) ConfigOption {
	return func(cfg *Config) error {
		cfg.Mode = mode
		return nil
	}
}

// WithReplicaSetName configures the expected replica set name. When set, the
// topology starts in the ReplicaSetNoPrimary kind and members reporting a
// different set name are removed.
func WithReplicaSetName(name string) ConfigOption {
	return func(cfg *Config) error {
		cfg.ReplicaSetName = name
		return nil
	}
}

// WithServerSelectionTimeout configures how long SelectServer blocks waiting
// for a suitable server before failing. A value of zero means no timeout.
func WithServerSelectionTimeout(timeout time.Duration) ConfigOption {
	return func(cfg *Config) error {
		cfg.ServerSelectionTimeout = timeout
		return nil
	}
}

// WithLocalThreshold configures the latency window width used when selecting
// among suitable servers.
func WithLocalThreshold(threshold time.Duration) ConfigOption {
	return func(cfg *Config) error {
		cfg.LocalThreshold = threshold
		return nil
	}
}

// WithTopologyServerMonitor configures the monitor for SDAM events.
func WithTopologyServerMonitor(monitor *event.ServerMonitor) ConfigOption {
	return func(cfg *Config) error {
		cfg.ServerMonitor = monitor
		return nil
	}
}

// WithLoadBalanced configures whether the deployment is behind a load
// balancer.
func WithLoadBalanced(loadBalanced bool) ConfigOption {
	return func(cfg *Config) error {
		cfg.LoadBalanced = loadBalanced
		return nil
	}
}

// WithTopologyServerOptions configures the options used to construct the
// topology's servers.
func WithTopologyServerOptions(opts ...ServerOption) ConfigOption {
	return func(cfg *Config) error {
		cfg.ServerOpts = opts
		return nil
	}
}

// WithLogger configures the logger used for topology state transitions and
// pool diagnostics.
func WithLogger(logger *logrus.Logger) ConfigOption {
	return func(cfg *Config) error {
		cfg.Logger = logger
		return nil
	}
}
