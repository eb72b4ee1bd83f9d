// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package envelope

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the envelope wire message.
const (
	fieldTenantID      protowire.Number = 1
	fieldTraceID       protowire.Number = 2
	fieldEventSourceID protowire.Number = 3
	fieldPayload       protowire.Number = 4
)

// ErrMalformed is returned when envelope bytes cannot be decoded.
var ErrMalformed = errors.New("malformed envelope")

// Encode serializes an envelope using the protobuf wire format, so the log can
// be read by any consumer that knows the envelope message.
func Encode[T any](env Envelope[T], codec Codec[T]) ([]byte, error) {
	payload, err := codec.Marshal(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	size := 3*(protowire.SizeTag(fieldTenantID)+protowire.SizeBytes(16)) +
		protowire.SizeTag(fieldPayload) + protowire.SizeBytes(len(payload))
	buf := make([]byte, 0, size)

	buf = appendUUID(buf, fieldTenantID, env.TenantID)
	buf = appendUUID(buf, fieldTraceID, env.TraceID)
	buf = appendUUID(buf, fieldEventSourceID, env.EventSourceID)
	buf = protowire.AppendTag(buf, fieldPayload, protowire.BytesType)
	buf = protowire.AppendBytes(buf, payload)

	return buf, nil
}

// Decode parses envelope bytes produced by Encode. Unknown fields are skipped.
func Decode[T any](data []byte, codec Codec[T]) (Envelope[T], error) {
	var (
		env     Envelope[T]
		payload []byte
	)

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return env, fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
		}
		data = data[n:]

		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return env, fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
			}
			data = data[n:]
			continue
		}

		val, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return env, fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
		}
		data = data[n:]

		var err error
		switch num {
		case fieldTenantID:
			env.TenantID, err = parseUUID(val)
		case fieldTraceID:
			env.TraceID, err = parseUUID(val)
		case fieldEventSourceID:
			env.EventSourceID, err = parseUUID(val)
		case fieldPayload:
			payload = val
		}
		if err != nil {
			return env, fmt.Errorf("%w: field %d: %w", ErrMalformed, num, err)
		}
	}

	if env.TenantID == uuid.Nil {
		return env, fmt.Errorf("%w: missing tenant id", ErrMalformed)
	}

	p, err := codec.Unmarshal(payload)
	if err != nil {
		return env, fmt.Errorf("%w: payload: %w", ErrMalformed, err)
	}
	env.Payload = p

	return env, nil
}

func appendUUID(buf []byte, num protowire.Number, id uuid.UUID) []byte {
	buf = protowire.AppendTag(buf, num, protowire.BytesType)
	return protowire.AppendBytes(buf, id[:])
}

func parseUUID(b []byte) (uuid.UUID, error) {
	return uuid.FromBytes(b)
}
