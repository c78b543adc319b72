// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-tcsd.
//
// go-tcsd is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package correlation assigns each client connection an ID that is carried
// on every log line written on its behalf.
package correlation

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

type contextKey string

// IDKey is the context key for the connection's correlation ID.
const IDKey contextKey = "conn-id"

// LogAttr is the log attribute name for correlation IDs.
const LogAttr = "conn_id"

// WithID returns a context carrying id.
func WithID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, IDKey, id)
}

// ID returns the correlation ID in ctx, or "".
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(IDKey).(string); ok {
		return id
	}
	return ""
}

// NewID generates a random UUID v4 correlation ID.
func NewID() string {
	return uuid.New().String()
}

// GetOrGenerate returns the ID in ctx or a fresh one.
func GetOrGenerate(ctx context.Context) string {
	if id := ID(ctx); id != "" {
		return id
	}
	return NewID()
}

// Logger returns base annotated with the correlation ID in ctx.
func Logger(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	if id := ID(ctx); id != "" {
		return base.With(LogAttr, id)
	}
	return base
}
