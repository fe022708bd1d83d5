// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netshim gives enclave code sockets, pipes, and standard
// streams backed by host descriptors.
//
// Every operation crosses the boundary gateway with the host handle
// and a bounded buffer; byte counts the host reports beyond that
// buffer are rejected by the gateway as fault.ErrUntrustedResponse.
// The bytes themselves are whatever the host delivers: these are
// plaintext channels the host can read and forge. Addresses and
// terminal status are advisory for the same reason.
//
// The methods take the calling thread's context. [Conn.Bind] and
// [Stream.Bind] adapt a value to io.ReadWriteCloser under a fixed
// context for use with io.Copy and friends.
package netshim
