// SPDX-License-Identifier: MIT

// Package log provides structured logging utilities.
package log

import (
	"context"

	"github.com/rs/zerolog"
)

type ctxKey string

const (
	requestIDKey ctxKey = "request_id"
	laneKeyKey   ctxKey = "lane_key"
)

// ContextWithRequestID stores the provided request ID in the context.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, requestIDKey, id)
}

// ContextWithLaneKey stores the lane key of the admitted task in the context.
func ContextWithLaneKey(ctx context.Context, key string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, laneKeyKey, key)
}

// RequestIDFromContext extracts the request ID from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LaneKeyFromContext extracts the lane key from context if present.
func LaneKeyFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(laneKeyKey).(string); ok {
		return v
	}
	return ""
}

// FromContext returns a logger annotated with any request-scoped identifiers
// carried by ctx.
func FromContext(ctx context.Context) zerolog.Logger {
	builder := logger().With()
	if id := RequestIDFromContext(ctx); id != "" {
		builder = builder.Str("request_id", id)
	}
	if key := LaneKeyFromContext(ctx); key != "" {
		builder = builder.Str("lane_key", key)
	}
	return builder.Logger()
}
