// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package bulkscan streams Arrow record batches from a server to a client
// with one-sided bulk pulls instead of serializing them into responses.
//
// A client opens a scan with [Client.Open]. The server registers a session
// holding a backend reader and replies with its id. Each get_next_batch
// request then runs a reverse call on the client while the request is still
// pending:
//
//	client                              server
//	  | -- get_next_batch(id) ---------->  |  read batches, pack into a
//	  |                                    |  staging buffer
//	  | <------ deliver(descriptor) -----  |
//	  |  pull every segment, rebuild       |
//	  | ------- 0 ---------------------->  |  release the staging buffer
//	  | <------ 0 (delivered) ----------   |
//
// A status of 1 means the session is exhausted; the server has already
// dropped it.
//
// The packed layout puts, for each batch and each column, a data segment
// followed by an aux segment. Variable-width columns store the value bytes
// as data and rebased offsets as aux. Fixed-width columns store the values
// as data and a three byte placeholder as aux. Validity bitmaps are not
// carried, so batches holding nulls fail unless the service drops validity.
package bulkscan
