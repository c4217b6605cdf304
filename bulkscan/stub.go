// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package bulkscan

import (
	"github.com/Query-farm/vgi-bulkscan/backend"
	"github.com/Query-farm/vgi-bulkscan/vgirpc"
	"github.com/apache/arrow-go/v18/arrow"
)

// Method names of the scan protocol.
const (
	MethodScan         = "scan"
	MethodGetNextBatch = "get_next_batch"
	MethodCloseSession = "close_session"
	MethodClear        = "clear"
	MethodDeliver      = "deliver"
)

// Status values of get_next_batch.
const (
	StatusDelivered int64 = 0
	StatusExhausted int64 = 1
)

// ScanRequest asks the server to open a reader over Path.
type ScanRequest struct {
	Path string
	// Filter is an opaque predicate handed to the storage backend.
	Filter []byte
	// Projection lists the columns to transfer, in order. Required.
	Projection *arrow.Schema
	// DatasetSchema optionally describes the full stored schema.
	DatasetSchema *arrow.Schema
}

func (r ScanRequest) backendRequest() backend.Request {
	return backend.Request{
		Path:          r.Path,
		Filter:        r.Filter,
		Projection:    r.Projection,
		DatasetSchema: r.DatasetSchema,
	}
}

type scanParams struct {
	Path          string `vgirpc:"path"`
	Filter        []byte `vgirpc:"filter"`
	Projection    []byte `vgirpc:"projection"`
	DatasetSchema []byte `vgirpc:"dataset_schema"`
}

type nextParams struct {
	SessionID string `vgirpc:"session_id"`
	Final     bool   `vgirpc:"final,default=false"`
}

type closeParams struct {
	SessionID string `vgirpc:"session_id"`
}

type clearParams struct{}

// deliverParams is the flattened transfer descriptor. The segment lists
// are batch-major, column-minor; each batch contributes ncols entries.
type deliverParams struct {
	SessionID   string  `vgirpc:"session_id"`
	RowCounts   []int64 `vgirpc:"row_counts"`
	DataOffsets []int64 `vgirpc:"data_offsets"`
	DataSizes   []int64 `vgirpc:"data_sizes"`
	AuxOffsets  []int64 `vgirpc:"aux_offsets"`
	AuxSizes    []int64 `vgirpc:"aux_sizes"`
	TotalSize   int64   `vgirpc:"total_size"`
	BulkOrigin  string  `vgirpc:"bulk_origin"`
	BulkID      string  `vgirpc:"bulk_id"`
	BulkSize    int64   `vgirpc:"bulk_size"`
}

// EncodeScanRequest converts a request to its wire form.
func EncodeScanRequest(req ScanRequest) (scanParams, error) {
	if req.Path == "" {
		return scanParams{}, newError(ErrInvalidRequest, "path is required")
	}
	if req.Projection == nil {
		return scanParams{}, newError(ErrInvalidRequest, "projection schema is required")
	}
	p := scanParams{
		Path:       req.Path,
		Filter:     req.Filter,
		Projection: vgirpc.SerializeSchema(req.Projection),
	}
	if req.DatasetSchema != nil {
		p.DatasetSchema = vgirpc.SerializeSchema(req.DatasetSchema)
	}
	return p, nil
}

// DecodeScanRequest converts the wire form back to a request.
func DecodeScanRequest(p scanParams) (ScanRequest, error) {
	req := ScanRequest{Path: p.Path}
	if len(p.Filter) > 0 {
		req.Filter = p.Filter
	}
	if req.Path == "" {
		return req, newError(ErrInvalidRequest, "path is required")
	}
	if len(p.Projection) == 0 {
		return req, newError(ErrInvalidRequest, "projection schema is required")
	}
	s, err := vgirpc.DeserializeSchema(p.Projection)
	if err != nil {
		return req, newError(ErrInvalidRequest, "projection: %v", err)
	}
	req.Projection = s
	if len(p.DatasetSchema) > 0 {
		if req.DatasetSchema, err = vgirpc.DeserializeSchema(p.DatasetSchema); err != nil {
			return req, newError(ErrInvalidRequest, "dataset schema: %v", err)
		}
	}
	return req, nil
}

// encodeDeliver flattens a descriptor and the staging handle it refers to.
func encodeDeliver(sessionID string, d *TransferDescriptor, h vgirpc.Bulk) deliverParams {
	p := deliverParams{
		SessionID:  sessionID,
		RowCounts:  make([]int64, 0, len(d.Batches)),
		TotalSize:  d.TotalSize,
		BulkOrigin: h.Origin,
		BulkID:     h.ID,
		BulkSize:   h.Size,
	}
	for _, b := range d.Batches {
		p.RowCounts = append(p.RowCounts, b.Rows)
		for _, c := range b.Columns {
			p.DataOffsets = append(p.DataOffsets, c.Data.Offset)
			p.DataSizes = append(p.DataSizes, c.Data.Length)
			p.AuxOffsets = append(p.AuxOffsets, c.Aux.Offset)
			p.AuxSizes = append(p.AuxSizes, c.Aux.Length)
		}
	}
	return p
}

// decodeDeliver rebuilds the descriptor for ncols columns and validates it
// against the size of the exposed staging buffer.
func decodeDeliver(p deliverParams, ncols int) (*TransferDescriptor, vgirpc.Bulk, error) {
	h := vgirpc.Bulk{Origin: p.BulkOrigin, ID: p.BulkID, Size: p.BulkSize}
	n := len(p.RowCounts) * ncols
	if len(p.DataOffsets) != n || len(p.DataSizes) != n || len(p.AuxOffsets) != n || len(p.AuxSizes) != n {
		return nil, h, newError(ErrInvalidDescriptor, "%d batches of %d columns need %d segments, got %d/%d/%d/%d",
			len(p.RowCounts), ncols, n, len(p.DataOffsets), len(p.DataSizes), len(p.AuxOffsets), len(p.AuxSizes))
	}
	d := &TransferDescriptor{Batches: make([]BatchDescriptor, len(p.RowCounts)), TotalSize: p.TotalSize}
	for bi, rows := range p.RowCounts {
		cols := make([]ColumnSegments, ncols)
		for ci := range cols {
			k := bi*ncols + ci
			cols[ci] = ColumnSegments{
				Data: Segment{Offset: p.DataOffsets[k], Length: p.DataSizes[k]},
				Aux:  Segment{Offset: p.AuxOffsets[k], Length: p.AuxSizes[k]},
			}
		}
		d.Batches[bi] = BatchDescriptor{Rows: rows, Columns: cols}
	}
	if err := d.Validate(p.BulkSize); err != nil {
		return nil, h, err
	}
	return d, h, nil
}
