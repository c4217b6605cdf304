// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vgirpc

// Well-known metadata keys used in the vgi_rpc wire protocol.
// These appear as custom_metadata on Arrow IPC RecordBatch messages.
const (
	MetaMethod         = "vgi_rpc.method"
	MetaRequestVersion = "vgi_rpc.request_version"
	MetaRequestID      = "vgi_rpc.request_id"
	MetaLogLevel       = "vgi_rpc.log_level"
	MetaLogMessage     = "vgi_rpc.log_message"
	MetaLogExtra       = "vgi_rpc.log_extra"
	MetaServerID       = "vgi_rpc.server_id"
	// MetaOrigin carries the calling engine's listen address so the callee
	// can issue reverse calls back to it.
	MetaOrigin = "vgi_rpc.origin"

	ProtocolVersion = "1"
)

// Built-in method names served by every engine.
const (
	MethodDescribe = "__describe__"
	MethodBulkRead = "__bulk_read__"
)
