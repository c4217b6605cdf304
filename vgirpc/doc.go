// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package vgirpc implements the vgi_rpc transport: an Apache Arrow IPC-based
// RPC runtime with reverse calls and one-sided bulk transfers.
//
// Every request and response is a complete Arrow IPC stream. Parameters and
// results are 1-row record batches; per-batch custom metadata carries the
// method name, request ID, caller origin, log messages and error information.
//
// # Engines
//
// An [Engine] listens on a tcp://, unix:// or inproc:// address and serves
// its [Server] on every accepted connection, each on its own goroutine and
// in lockstep (one response per request). The same engine is also a client:
// [Engine.Lookup] returns a pooled [Endpoint] for a peer, and [Call] /
// [CallVoid] invoke methods on it. Every outgoing request announces the
// caller's address under vgi_rpc.origin, so a handler can reach back to its
// caller with [CallContext.Caller] while the original call is still
// pending. Reverse calls use separate connections, so they never wait on
// the connection that carries the original request.
//
// # Bulk transfers
//
// [Engine.Expose] registers memory segments under a [Bulk] handle that can
// be sent to peers. [LocalBulk.Pull] copies a list of regions of a remote
// handle into local segments as a single operation. Pulls from an engine in
// the same process copy memory directly; otherwise they use the built-in
// __bulk_read__ method, optionally zstd-compressed.
//
// # Struct tags
//
// Method parameters are declared as Go structs annotated with `vgirpc`
// struct tags. The tag format is:
//
//	`vgirpc:"wire_name[,option[,option...]]"`
//
// Supported options:
//
//   - default=VALUE: default value when the client omits the parameter
//   - int32: use Arrow Int32 instead of the default Int64
//   - float32: use Arrow Float32 instead of the default Float64
//   - binary: force an Arrow Binary column
//
// Pointer fields (e.g. *string, *int64) become nullable Arrow columns and
// slices become Arrow lists.
//
// # Errors
//
// A handler error becomes a zero-row EXCEPTION batch. [RpcError] values keep
// their Type across the wire, and errors.Is matches on Type, so sentinel
// errors declared as *RpcError work on both sides of a call.
package vgirpc
