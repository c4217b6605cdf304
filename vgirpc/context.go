// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vgirpc

import (
	"context"
	"fmt"
)

// CallContext provides request-scoped information and logging to method handlers.
type CallContext struct {
	// Ctx is the request-scoped context, carrying cancellation and deadlines.
	Ctx context.Context
	// RequestID is the client-supplied identifier for this request, echoed in
	// all response metadata.
	RequestID string
	// ServerID is the server identifier set via [Server.SetServerID].
	ServerID string
	// Method is the name of the RPC method being invoked.
	Method string
	// Origin is the listen address of the calling engine, empty when the
	// caller did not announce one.
	Origin string
	// LogLevel is the client-requested minimum log severity. Log messages
	// below this level are silently discarded by [CallContext.ClientLog].
	LogLevel LogLevel
	logs     []LogMessage
	engine   *Engine
	stats    *CallStatistics
}

// ClientLog records a log message that will be sent to the client.
// The message is only recorded if its level is at or above the client-requested log level.
func (ctx *CallContext) ClientLog(level LogLevel, msg string, extras ...KV) {
	if logLevelPriority(level) > logLevelPriority(ctx.LogLevel) {
		return
	}
	logMsg := LogMessage{
		Level:   level,
		Message: msg,
	}
	if len(extras) > 0 {
		logMsg.Extras = make(map[string]string, len(extras))
		for _, kv := range extras {
			logMsg.Extras[kv.Key] = kv.Value
		}
	}
	ctx.logs = append(ctx.logs, logMsg)
}

// Caller returns an endpoint for the engine that issued this request, for
// use in reverse calls.
func (ctx *CallContext) Caller() (*Endpoint, error) {
	if ctx.engine == nil {
		return nil, fmt.Errorf("vgirpc: %s: no engine attached to this server", ctx.Method)
	}
	if ctx.Origin == "" {
		return nil, fmt.Errorf("vgirpc: %s: caller did not announce an origin address", ctx.Method)
	}
	return ctx.engine.Lookup(ctx.Origin)
}

// RecordBulk adds n bytes moved by a one-sided bulk operation to the call's
// statistics.
func (ctx *CallContext) RecordBulk(n int64) {
	if ctx.stats != nil {
		ctx.stats.RecordBulk(n)
	}
}

// drainLogs returns and clears all accumulated log messages.
func (ctx *CallContext) drainLogs() []LogMessage {
	logs := ctx.logs
	ctx.logs = nil
	return logs
}
