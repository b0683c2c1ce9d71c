// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ikmak/mongo-core/description"
)

// Error labels.
const (
	// NetworkError is the label added to errors that originate from a network failure rather than
	// a server response.
	NetworkError = "NetworkError"
	// RetryableWriteError is the label added to errors that are safe to retry for writes.
	RetryableWriteError = "RetryableWriteError"
)

var (
	nodeIsRecoveringCodes   = []int32{11600, 11602, 13436, 189, 91}
	notPrimaryCodes         = []int32{10107, 13435, 10058}
	nodeIsShuttingDownCodes = []int32{11600, 91}
)

// Error is a command execution error from the database.
type Error struct {
	Code    int32
	Message string
	Labels  []string
	Name    string
	Wrapped error

	// TopologyVersion is the state of the server process at the time the error was generated, if
	// reported.
	TopologyVersion *description.TopologyVersion
}

// Error implements the error interface.
func (e Error) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("(%v) %v", e.Name, e.Message)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e Error) Unwrap() error {
	return e.Wrapped
}

// HasErrorLabel returns true if the error contains the specified label.
func (e Error) HasErrorLabel(label string) bool {
	for _, l := range e.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// NetworkError returns true if the error is a network error.
func (e Error) NetworkError() bool {
	return e.HasErrorLabel(NetworkError)
}

// NodeIsRecovering returns true if this error is a node is recovering error.
func (e Error) NodeIsRecovering() bool {
	return hasCode(nodeIsRecoveringCodes, e.Code) || hasMessage(e.Message, "node is recovering")
}

// NodeIsShuttingDown returns true if this error is a node is shutting down error.
func (e Error) NodeIsShuttingDown() bool {
	return hasCode(nodeIsShuttingDownCodes, e.Code) || hasMessage(e.Message, "node is shutting down")
}

// NotWritablePrimary returns true if this error is a not writable primary error.
func (e Error) NotWritablePrimary() bool {
	return hasCode(notPrimaryCodes, e.Code) || hasMessage(e.Message, "not writable primary")
}

// StateChangeError returns true if the error indicates that the server's view of its own state
// changed, which requires the client to re-check the server.
func (e Error) StateChangeError() bool {
	return e.NodeIsRecovering() || e.NotWritablePrimary()
}

// WriteConcernError is a write concern failure that occurred as a result of a write operation.
type WriteConcernError struct {
	Name    string
	Code    int32
	Message string

	TopologyVersion *description.TopologyVersion
}

// Error implements the error interface.
func (wce WriteConcernError) Error() string {
	if wce.Name != "" {
		return fmt.Sprintf("(%v) %v", wce.Name, wce.Message)
	}
	return wce.Message
}

// NodeIsRecovering returns true if this error is a node is recovering error.
func (wce WriteConcernError) NodeIsRecovering() bool {
	return hasCode(nodeIsRecoveringCodes, wce.Code) || hasMessage(wce.Message, "node is recovering")
}

// NodeIsShuttingDown returns true if this error is a node is shutting down error.
func (wce WriteConcernError) NodeIsShuttingDown() bool {
	return hasCode(nodeIsShuttingDownCodes, wce.Code) || hasMessage(wce.Message, "node is shutting down")
}

// NotWritablePrimary returns true if this error is a not writable primary error.
func (wce WriteConcernError) NotWritablePrimary() bool {
	return hasCode(notPrimaryCodes, wce.Code) || hasMessage(wce.Message, "not writable primary")
}

// WriteCommandError is an error for a write command.
type WriteCommandError struct {
	WriteConcernError *WriteConcernError
	Labels            []string
}

// Error implements the error interface.
func (wce WriteCommandError) Error() string {
	if wce.WriteConcernError != nil {
		return fmt.Sprintf("write command error: %v", wce.WriteConcernError)
	}
	return "write command error"
}

// HasErrorLabel returns true if the error contains the specified label.
func (wce WriteCommandError) HasErrorLabel(label string) bool {
	for _, l := range wce.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// IsNetworkTimeout returns true if the error was caused by a network timeout, such as an exceeded
// context deadline or a timing out DNS lookup.
func IsNetworkTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func hasCode(codes []int32, code int32) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

func hasMessage(msg, substr string) bool {
	return strings.Contains(strings.ToLower(msg), substr)
}
