// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import "errors"

var (
	// ErrTransport marks a per-message read or decode failure. The message is
	// skipped and its offset committed.
	ErrTransport = errors.New("transport error")
	// ErrCacheFatal marks a target lookup failure that retrying will not fix.
	ErrCacheFatal = errors.New("target lookup failed")
	// ErrEnqueue marks a failed work-queue enqueue during fan-out.
	ErrEnqueue = errors.New("enqueue failed")
	// ErrCommit marks a failed offset commit.
	ErrCommit = errors.New("offset commit failed")
	// ErrSerialization marks a payload or envelope that could not be encoded.
	ErrSerialization = errors.New("serialization failed")
	// ErrRetryPublish marks a failed publish to the retry channel.
	ErrRetryPublish = errors.New("retry publish failed")
)
