// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vgirpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
)

// ErrRpc is a sentinel for use with errors.Is to check whether any error in a
// chain is an *RpcError.
var ErrRpc = &RpcError{}

// RpcError represents an error in the vgi_rpc protocol. It survives the
// wire: a handler returning an *RpcError produces an error batch that the
// calling side decodes back into an *RpcError with the same Type.
type RpcError struct {
	Type      string // e.g. "ValueError", "UnknownSession"
	Message   string
	Traceback string
	RequestID string
}

func (e *RpcError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Is supports errors.Is. A target with an empty Type matches any *RpcError;
// otherwise the types must be equal.
func (e *RpcError) Is(target error) bool {
	t, ok := target.(*RpcError)
	if !ok {
		return false
	}
	return t.Type == "" || t.Type == e.Type
}

// stackFrame represents a single frame in a Go stack trace.
type stackFrame struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Function string `json:"function"`
}

// errorExtra is the JSON structure written to vgi_rpc.log_extra
// for EXCEPTION-level log batches.
type errorExtra struct {
	ExceptionType    string       `json:"exception_type"`
	ExceptionMessage string       `json:"exception_message"`
	Traceback        string       `json:"traceback,omitempty"`
	Frames           []stackFrame `json:"frames,omitempty"`
}

// errorTypeAndMessage splits err into the wire type and message. A bare
// *RpcError keeps its own message so the type prefix is not repeated.
func errorTypeAndMessage(err error) (string, string) {
	var rpcErr *RpcError
	if errors.As(err, &rpcErr) {
		if rpcErr == err {
			return rpcErr.Type, rpcErr.Message
		}
		return rpcErr.Type, err.Error()
	}
	return fmt.Sprintf("%T", err), err.Error()
}

// buildErrorExtra creates the JSON string for vgi_rpc.log_extra from an error.
// Stack details are only included when debug is set.
func buildErrorExtra(err error, debug bool) string {
	errType, errMsg := errorTypeAndMessage(err)
	extra := errorExtra{
		ExceptionType:    errType,
		ExceptionMessage: errMsg,
	}

	if debug {
		buf := make([]byte, 4096)
		n := runtime.Stack(buf, false)
		extra.Traceback = string(buf[:n])

		pcs := make([]uintptr, 10)
		n = runtime.Callers(2, pcs)
		if n > 0 {
			callersFrames := runtime.CallersFrames(pcs[:n])
			for count := 0; count < 5; count++ {
				frame, more := callersFrames.Next()
				extra.Frames = append(extra.Frames, stackFrame{
					File:     frame.File,
					Line:     frame.Line,
					Function: frame.Function,
				})
				if !more {
					break
				}
			}
		}
	}

	data, _ := json.Marshal(extra)
	return string(data)
}

// parseErrorExtra rebuilds an *RpcError from an EXCEPTION batch.
func parseErrorExtra(message, extraJSON, requestID string) *RpcError {
	rpcErr := &RpcError{Type: "RemoteError", Message: message, RequestID: requestID}
	if extraJSON == "" {
		return rpcErr
	}
	var extra errorExtra
	if err := json.Unmarshal([]byte(extraJSON), &extra); err != nil {
		return rpcErr
	}
	if extra.ExceptionType != "" {
		rpcErr.Type = extra.ExceptionType
	}
	if extra.ExceptionMessage != "" {
		rpcErr.Message = extra.ExceptionMessage
	}
	rpcErr.Traceback = extra.Traceback
	return rpcErr
}
