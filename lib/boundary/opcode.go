// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package boundary

import (
	"fmt"
	"strings"
)

// Opcode identifies a host operation. Values are part of the
// boundary contract and are never renumbered.
type Opcode uint16

const (
	OpMemMap   Opcode = 1
	OpMemUnmap Opcode = 2

	OpThreadSpawn  Opcode = 10
	OpThreadPark   Opcode = 11
	OpThreadUnpark Opcode = 12

	OpBlockOpen     Opcode = 20
	OpBlockRead     Opcode = 21
	OpBlockWrite    Opcode = 22
	OpBlockSync     Opcode = 23
	OpBlockClose    Opcode = 24
	OpBlockSize     Opcode = 25
	OpBlockTruncate Opcode = 26

	OpFdRead   Opcode = 30
	OpFdWrite  Opcode = 31
	OpFdPread  Opcode = 32
	OpFdPwrite Opcode = 33
	OpFdClose  Opcode = 34
	OpFdDup    Opcode = 35
	OpFdIsatty Opcode = 36

	OpPipeCreate Opcode = 40

	OpSockConnect Opcode = 50
	OpSockListen  Opcode = 51
	OpSockAccept  Opcode = 52
	OpSockRead    Opcode = 53
	OpSockWrite   Opcode = 54
	OpSockClose   Opcode = 55

	OpFileOpen Opcode = 60
	OpFileStat Opcode = 61

	OpTimeNow Opcode = 70

	OpAbortReport Opcode = 80
)

// Opcodes lists the catalog in numeric order.
func Opcodes() []Opcode {
	return []Opcode{
		OpMemMap, OpMemUnmap,
		OpThreadSpawn, OpThreadPark, OpThreadUnpark,
		OpBlockOpen, OpBlockRead, OpBlockWrite, OpBlockSync, OpBlockClose, OpBlockSize, OpBlockTruncate,
		OpFdRead, OpFdWrite, OpFdPread, OpFdPwrite, OpFdClose, OpFdDup, OpFdIsatty,
		OpPipeCreate,
		OpSockConnect, OpSockListen, OpSockAccept, OpSockRead, OpSockWrite, OpSockClose,
		OpFileOpen, OpFileStat,
		OpTimeNow,
		OpAbortReport,
	}
}

func (op Opcode) String() string {
	switch op {
	case OpMemMap:
		return "mem-map"
	case OpMemUnmap:
		return "mem-unmap"
	case OpThreadSpawn:
		return "thread-spawn"
	case OpThreadPark:
		return "thread-park"
	case OpThreadUnpark:
		return "thread-unpark"
	case OpBlockOpen:
		return "block-open"
	case OpBlockRead:
		return "block-read"
	case OpBlockWrite:
		return "block-write"
	case OpBlockSync:
		return "block-sync"
	case OpBlockClose:
		return "block-close"
	case OpBlockSize:
		return "block-size"
	case OpBlockTruncate:
		return "block-truncate"
	case OpFdRead:
		return "fd-read"
	case OpFdWrite:
		return "fd-write"
	case OpFdPread:
		return "fd-pread"
	case OpFdPwrite:
		return "fd-pwrite"
	case OpFdClose:
		return "fd-close"
	case OpFdDup:
		return "fd-dup"
	case OpFdIsatty:
		return "fd-isatty"
	case OpPipeCreate:
		return "pipe-create"
	case OpSockConnect:
		return "sock-connect"
	case OpSockListen:
		return "sock-listen"
	case OpSockAccept:
		return "sock-accept"
	case OpSockRead:
		return "sock-read"
	case OpSockWrite:
		return "sock-write"
	case OpSockClose:
		return "sock-close"
	case OpFileOpen:
		return "file-open"
	case OpFileStat:
		return "file-stat"
	case OpTimeNow:
		return "time-now"
	case OpAbortReport:
		return "abort-report"
	default:
		return fmt.Sprintf("opcode(%d)", uint16(op))
	}
}

// Feature is a set of independently enabled runtime features. A
// disabled feature's opcodes never cross.
type Feature uint32

const (
	FeatureCore Feature = 1 << iota
	FeatureThread
	FeatureUntrustedFS
	FeaturePipe
	FeatureNet
	FeatureUntrustedTime
	FeatureBacktrace
	FeatureStdio
)

// AllFeatures enables everything.
const AllFeatures = FeatureCore | FeatureThread | FeatureUntrustedFS | FeaturePipe |
	FeatureNet | FeatureUntrustedTime | FeatureBacktrace | FeatureStdio

var featureNames = []struct {
	feature Feature
	name    string
}{
	{FeatureCore, "core"},
	{FeatureThread, "thread"},
	{FeatureUntrustedFS, "untrusted_fs"},
	{FeaturePipe, "pipe"},
	{FeatureNet, "net"},
	{FeatureUntrustedTime, "untrusted_time"},
	{FeatureBacktrace, "backtrace"},
	{FeatureStdio, "stdio"},
}

// ParseFeatures builds a feature set from names. Core is always
// included.
func ParseFeatures(names []string) (Feature, error) {
	features := FeatureCore
	for _, name := range names {
		found := false
		for _, entry := range featureNames {
			if entry.name == name {
				features |= entry.feature
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown feature %q", name)
		}
	}
	return features, nil
}

// Has reports whether every feature in other is enabled.
func (f Feature) Has(other Feature) bool {
	return f&other == other
}

func (f Feature) String() string {
	var names []string
	for _, entry := range featureNames {
		if f&entry.feature != 0 {
			names = append(names, entry.name)
		}
	}
	return strings.Join(names, ",")
}

// requires returns the features that admit op: the crossing is allowed
// when any of them is enabled.
func requires(op Opcode) Feature {
	switch op {
	case OpMemMap, OpMemUnmap, OpThreadPark, OpThreadUnpark, OpAbortReport,
		OpBlockOpen, OpBlockRead, OpBlockWrite, OpBlockSync, OpBlockClose, OpBlockSize, OpBlockTruncate:
		return FeatureCore
	case OpThreadSpawn:
		return FeatureThread
	case OpFdRead, OpFdWrite, OpFdClose, OpFdDup, OpFdIsatty:
		return FeatureStdio | FeaturePipe | FeatureUntrustedFS
	case OpFdPread, OpFdPwrite, OpFileOpen, OpFileStat:
		return FeatureUntrustedFS
	case OpPipeCreate:
		return FeaturePipe
	case OpSockConnect, OpSockListen, OpSockAccept, OpSockRead, OpSockWrite, OpSockClose:
		return FeatureNet
	case OpTimeNow:
		return FeatureUntrustedTime
	default:
		return 0
	}
}
