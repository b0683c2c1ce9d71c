// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ikmak/mongo-core/driver"
)

// Dialer is used to make network connections.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// DialerFunc is a type implemented by functions that can be used as a Dialer.
type DialerFunc func(ctx context.Context, network, address string) (net.Conn, error)

// DialContext implements the Dialer interface.
func (df DialerFunc) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return df(ctx, network, address)
}

// DefaultDialer is the Dialer implementation that is used by this package. Changing this will
// also change the Dialer used for this package. This should only be changed why all of the
// connections being made need to use a different Dialer. Most of the time, using a WithDialer
// option is more appropriate than changing this variable.
var DefaultDialer Dialer = &net.Dialer{}

type connectionConfig struct {
	connectTimeout  time.Duration
	dialer          Dialer
	handshaker      driver.Handshaker
	idleTimeout     time.Duration
	readTimeout     time.Duration
	writeTimeout    time.Duration
	loadBalanced    bool
	logger          *logrus.Logger
	getGenerationFn generationNumberFn
}

func newConnectionConfig(opts ...ConnectionOption) *connectionConfig {
	cfg := &connectionConfig{
		connectTimeout: 30 * time.Second,
		dialer:         nil,
	}

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(cfg)
	}

	if cfg.dialer == nil {
		cfg.dialer = DefaultDialer
	}

	return cfg
}

// ConnectionOption is used to configure a connection.
type ConnectionOption func(*connectionConfig)

// WithConnectTimeout configures the maximum amount of time a dial will wait for a
// Connect to complete. The default is 30 seconds.
func WithConnectTimeout(fn func(time.Duration) time.Duration) ConnectionOption {
	return func(c *connectionConfig) {
		c.connectTimeout = fn(c.connectTimeout)
	}
}

// WithDialer configures the Dialer to use when making a new connection to a server.
func WithDialer(fn func(Dialer) Dialer) ConnectionOption {
	return func(c *connectionConfig) {
		c.dialer = fn(c.dialer)
	}
}

// WithHandshaker configures the Handshaker that wll be used to initialize newly dialed
// connections.
func WithHandshaker(fn func(driver.Handshaker) driver.Handshaker) ConnectionOption {
	return func(c *connectionConfig) {
		c.handshaker = fn(c.handshaker)
	}
}

// WithIdleTimeout configures the maximum idle time to allow for a connection.
func WithIdleTimeout(fn func(time.Duration) time.Duration) ConnectionOption {
	return func(c *connectionConfig) {
		c.idleTimeout = fn(c.idleTimeout)
	}
}

// WithReadTimeout configures the maximum read time for a connection.
func WithReadTimeout(fn func(time.Duration) time.Duration) ConnectionOption {
	return func(c *connectionConfig) {
		c.readTimeout = fn(c.readTimeout)
	}
}

// WithWriteTimeout configures the maximum write time for a connection.
func WithWriteTimeout(fn func(time.Duration) time.Duration) ConnectionOption {
	return func(c *connectionConfig) {
		c.writeTimeout = fn(c.writeTimeout)
	}
}

// WithConnectionLoadBalanced specifies whether or not the connection is to a server behind a load
// balancer.
func WithConnectionLoadBalanced(fn func(bool) bool) ConnectionOption {
	return func(c *connectionConfig) {
		c.loadBalanced = fn(c.loadBalanced)
	}
}

// WithConnectionLogger configures the logger used by connections for structured diagnostics.
func WithConnectionLogger(fn func(*logrus.Logger) *logrus.Logger) ConnectionOption {
	return func(c *connectionConfig) {
		c.logger = fn(c.logger)
	}
}

func withGenerationNumberFn(fn func(generationNumberFn) generationNumberFn) ConnectionOption {
	return func(c *connectionConfig) {
		c.getGenerationFn = fn(c.getGenerationFn)
	}
}
