// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vgirpc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
)

// methodInfo stores the registration details for one RPC method.
type methodInfo struct {
	Name          string
	ParamsType    reflect.Type      // Go struct type for parameters
	ResultType    reflect.Type      // Go type for result (nil for void)
	ParamsSchema  *arrow.Schema     // Arrow schema for parameter deserialization
	ResultSchema  *arrow.Schema     // Arrow schema for result serialization
	Handler       reflect.Value     // func(context.Context, *CallContext, P) (R, error) or void form
	ParamDefaults map[string]string // parameter defaults from struct tags
}

// Server dispatches incoming requests to registered methods. Methods may be
// registered while the server is already serving connections.
type Server struct {
	mu           sync.RWMutex
	methods      map[string]*methodInfo
	serverID     string
	serviceName  string
	dispatchHook DispatchHook
	debugErrors  bool
	engine       *Engine
}

// NewServer creates a new RPC server.
func NewServer() *Server {
	return &Server{
		methods: make(map[string]*methodInfo),
	}
}

// SetServerID sets a server identifier included in response metadata.
func (s *Server) SetServerID(id string) {
	s.serverID = id
}

// SetServiceName sets a logical service name used by observability hooks.
func (s *Server) SetServiceName(name string) {
	s.serviceName = name
}

// ServiceName returns the logical service name, or empty string if not set.
func (s *Server) ServiceName() string {
	return s.serviceName
}

// SetDispatchHook registers a hook that is called around each RPC dispatch.
func (s *Server) SetDispatchHook(hook DispatchHook) {
	s.dispatchHook = hook
}

// SetDebugErrors controls whether error responses include full stack traces
// with file paths and function names. When false (the default), error responses
// contain only the error type and message.
func (s *Server) SetDebugErrors(enabled bool) {
	s.debugErrors = enabled
}

func (s *Server) register(info *methodInfo) {
	s.mu.Lock()
	s.methods[info.Name] = info
	s.mu.Unlock()
}

func (s *Server) lookup(name string) (*methodInfo, bool) {
	s.mu.RLock()
	info, ok := s.methods[name]
	s.mu.RUnlock()
	return info, ok
}

// Unary registers a unary RPC method with typed parameters and return value.
// P must be a struct with `vgirpc` tags. R is the return type.
func Unary[P any, R any](s *Server, name string, handler func(context.Context, *CallContext, P) (R, error)) {
	var p P
	var r R
	paramsType := reflect.TypeOf(p)
	resultType := reflect.TypeOf(r)

	paramsSchema, err := structToSchema(paramsType)
	if err != nil {
		panic(fmt.Sprintf("vgirpc: registering %q: invalid params type %T: %v", name, p, err))
	}

	resultSchema, err := resultSchema(resultType)
	if err != nil {
		panic(fmt.Sprintf("vgirpc: registering %q: invalid result type %T: %v", name, r, err))
	}

	s.register(&methodInfo{
		Name:          name,
		ParamsType:    paramsType,
		ResultType:    resultType,
		ParamsSchema:  paramsSchema,
		ResultSchema:  resultSchema,
		Handler:       reflect.ValueOf(handler),
		ParamDefaults: extractDefaults(paramsType),
	})
}

// UnaryVoid registers a unary RPC method that returns no value.
func UnaryVoid[P any](s *Server, name string, handler func(context.Context, *CallContext, P) error) {
	var p P
	paramsType := reflect.TypeOf(p)

	paramsSchema, err := structToSchema(paramsType)
	if err != nil {
		panic(fmt.Sprintf("vgirpc: registering %q: invalid params type %T: %v", name, p, err))
	}

	s.register(&methodInfo{
		Name:          name,
		ParamsType:    paramsType,
		ResultType:    nil,
		ParamsSchema:  paramsSchema,
		ResultSchema:  arrow.NewSchema(nil, nil),
		Handler:       reflect.ValueOf(handler),
		ParamDefaults: extractDefaults(paramsType),
	})
}

// Serve runs the server loop on the given reader/writer pair.
func (s *Server) Serve(r io.Reader, w io.Writer) {
	s.ServeWithContext(context.Background(), r, w)
}

// ServeWithContext runs the server loop on the given reader/writer pair with
// a context. Requests are handled in lockstep: one response per request.
func (s *Server) ServeWithContext(ctx context.Context, r io.Reader, w io.Writer) {
	for {
		err := s.serveOne(ctx, r, w)
		if err == nil {
			if f, ok := w.(interface{ Flush() error }); ok {
				err = f.Flush()
			}
		}
		if err != nil {
			if err == io.EOF {
				return
			}
			// Only log unexpected errors (not broken pipe / connection reset)
			if !isTransportClosed(err) {
				slog.Error("serve loop error", "err", err)
			}
			return
		}
	}
}

// ServeConn serves one connection until the peer hangs up or ctx is done.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	s.ServeWithContext(ctx, bufio.NewReader(conn), bufio.NewWriter(conn))
}

// serveOne handles one complete RPC request-response cycle.
func (s *Server) serveOne(ctx context.Context, r io.Reader, w io.Writer) error {
	req, err := ReadRequest(r)
	if err != nil {
		if err == io.EOF {
			return io.EOF
		}
		var rpcErr *RpcError
		if errors.As(err, &rpcErr) {
			emptySchema := arrow.NewSchema(nil, nil)
			return writeErrorResponse(w, emptySchema, nil, rpcErr, s.serverID, "", s.debugErrors)
		}
		return err // transport error, stop serving
	}
	defer req.Batch.Release()

	if req.Method == MethodDescribe {
		return s.serveDescribe(w)
	}

	info, ok := s.lookup(req.Method)
	if !ok {
		errMsg := fmt.Sprintf("Unknown method: '%s'. Available methods: %v", req.Method, s.availableMethods())
		emptySchema := arrow.NewSchema(nil, nil)
		return writeErrorResponse(w, emptySchema, nil, &RpcError{
			Type:    "AttributeError",
			Message: errMsg,
		}, s.serverID, req.RequestID, s.debugErrors)
	}

	dispatchInfo := DispatchInfo{
		Method:            req.Method,
		MethodType:        DispatchMethodUnary,
		ServerID:          s.serverID,
		RequestID:         req.RequestID,
		Origin:            req.Origin,
		TransportMetadata: req.Metadata,
	}

	var hookToken HookToken
	var hookActive bool
	stats := &CallStatistics{}

	if s.dispatchHook != nil {
		func() {
			defer func() {
				if rv := recover(); rv != nil {
					slog.Error("dispatch hook start panic", "err", rv)
				}
			}()
			var hookCtx context.Context
			hookCtx, hookToken = s.dispatchHook.OnDispatchStart(ctx, dispatchInfo)
			if hookCtx != nil {
				ctx = hookCtx
			}
			hookActive = true
		}()
	}

	handlerErr, transportErr := s.serveUnary(ctx, w, req, info, stats)

	if hookActive {
		func() {
			defer func() {
				if rv := recover(); rv != nil {
					slog.Error("dispatch hook end panic", "err", rv)
				}
			}()
			s.dispatchHook.OnDispatchEnd(ctx, hookToken, dispatchInfo, stats, handlerErr)
		}()
	}

	return transportErr
}

// serveUnary dispatches a unary method call.
// Returns handlerErr (application error reported to hook) and transportErr (I/O error for serve loop).
func (s *Server) serveUnary(ctx context.Context, w io.Writer, req *Request, info *methodInfo, stats *CallStatistics) (handlerErr, transportErr error) {
	params, err := deserializeParams(req.Batch, info.ParamsType)
	if err != nil {
		handlerErr = &RpcError{Type: "TypeError", Message: fmt.Sprintf("parameter deserialization: %v", err)}
		return handlerErr, writeErrorResponse(w, info.ResultSchema, nil, handlerErr, s.serverID, req.RequestID, s.debugErrors)
	}

	stats.RecordInput(req.Batch.NumRows(), batchBufferSize(req.Batch))

	callCtx := &CallContext{
		Ctx:       ctx,
		RequestID: req.RequestID,
		ServerID:  s.serverID,
		Method:    req.Method,
		Origin:    req.Origin,
		LogLevel:  LogLevel(req.LogLevel),
		engine:    s.engine,
		stats:     stats,
	}
	if callCtx.LogLevel == "" {
		callCtx.LogLevel = LogTrace // default: allow all, client filters
	}

	results := info.Handler.Call([]reflect.Value{
		reflect.ValueOf(ctx),
		reflect.ValueOf(callCtx),
		params,
	})
	var resultVal reflect.Value
	errVal := results[0]
	if info.ResultType != nil {
		resultVal = results[0]
		errVal = results[1]
	}
	if !errVal.IsNil() {
		handlerErr = errVal.Interface().(error)
	}

	logs := callCtx.drainLogs()

	if handlerErr != nil {
		return handlerErr, writeErrorResponse(w, info.ResultSchema, logs, handlerErr, s.serverID, req.RequestID, s.debugErrors)
	}

	if info.ResultType == nil {
		return nil, WriteVoidResponse(w, logs, s.serverID, req.RequestID)
	}

	resultBatch, err := serializeResult(info.ResultSchema, resultVal.Interface())
	if err != nil {
		handlerErr = &RpcError{Type: "SerializationError", Message: fmt.Sprintf("result serialization: %v", err)}
		return handlerErr, writeErrorResponse(w, info.ResultSchema, logs, handlerErr, s.serverID, req.RequestID, s.debugErrors)
	}
	defer resultBatch.Release()

	stats.RecordOutput(resultBatch.NumRows(), batchBufferSize(resultBatch))

	return nil, WriteUnaryResponse(w, info.ResultSchema, logs, resultBatch, s.serverID, req.RequestID)
}

// extractDefaults extracts default values from struct vgirpc tags.
func extractDefaults(t reflect.Type) map[string]string {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil
	}
	defaults := make(map[string]string)
	for i := range t.NumField() {
		f := t.Field(i)
		tag := f.Tag.Get("vgirpc")
		if tag == "" || tag == "-" {
			continue
		}
		info := parseTag(tag)
		if info.Default != nil {
			defaults[info.Name] = *info.Default
		}
	}
	if len(defaults) == 0 {
		return nil
	}
	return defaults
}

// isTransportClosed returns true for errors that indicate the transport was closed normally.
func isTransportClosed(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "EOF")
}

func (s *Server) availableMethods() []string {
	s.mu.RLock()
	names := make([]string, 0, len(s.methods))
	for name := range s.methods {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)
	return names
}
