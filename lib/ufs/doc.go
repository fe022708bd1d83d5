// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ufs opens plain host files. Nothing read through it is
// confidential or authenticated: the host sees every byte and can
// return anything. Use lib/pfs for data that must stay private or
// tamper-evident.
package ufs
