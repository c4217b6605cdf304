// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package bulkscan

import (
	"errors"
	"fmt"

	"github.com/Query-farm/vgi-bulkscan/vgirpc"
)

// Error kinds. Each is an *vgirpc.RpcError so it keeps its identity across
// the wire: errors.Is(err, ErrUnknownSession) holds on the server that
// produced it and on the client that received it.
var (
	ErrBackendUnavailable = &vgirpc.RpcError{Type: "BackendUnavailable", Message: "storage backend could not open the request"}
	ErrUnknownSession     = &vgirpc.RpcError{Type: "UnknownSession", Message: "no such session"}
	ErrBufferOverflow     = &vgirpc.RpcError{Type: "BufferOverflow", Message: "batch does not fit the staging buffer"}
	ErrTransferFailed     = &vgirpc.RpcError{Type: "TransferFailed", Message: "bulk transfer to the receiver failed"}
	ErrIO                 = &vgirpc.RpcError{Type: "IOError", Message: "reader failed mid-scan"}
	ErrSessionBusy        = &vgirpc.RpcError{Type: "SessionBusy", Message: "session already has a request in flight"}
	ErrSchemaMismatch     = &vgirpc.RpcError{Type: "SchemaMismatch", Message: "batch does not match the session schema"}
	ErrUnsupportedColumn  = &vgirpc.RpcError{Type: "UnsupportedColumn", Message: "column cannot be transferred"}
	ErrInvalidDescriptor  = &vgirpc.RpcError{Type: "InvalidDescriptor", Message: "transfer descriptor is inconsistent"}
	ErrInvalidRequest     = &vgirpc.RpcError{Type: "InvalidRequest", Message: "malformed scan request"}
)

// ErrExhausted is returned by Next once a session has no more batches.
// It never crosses the wire; the server reports it as status 1.
var ErrExhausted = errors.New("bulkscan: session exhausted")

// newError returns an error of the given kind with a specific message.
func newError(kind *vgirpc.RpcError, format string, args ...any) error {
	return &vgirpc.RpcError{Type: kind.Type, Message: fmt.Sprintf(format, args...)}
}
