// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package host

import (
	"context"
	"errors"
	"io"
	"os"

	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/bureau-foundation/enclave/lib/boundary"
)

// Descriptors: stdio, pipe ends, and untrusted files.

func (d *Dispatcher) fdRead(_ context.Context, in []byte, limit int) (int64, []byte, error) {
	args, err := decode[boundary.IOArgs](in)
	if err != nil {
		return 0, nil, err
	}
	file, err := fileOf(d.handles, args.Handle)
	if err != nil {
		return 0, nil, err
	}
	buffer := make([]byte, limit)
	n, err := file.Read(buffer)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, nil, err
	}
	return int64(n), buffer[:n], nil
}

func (d *Dispatcher) fdWrite(_ context.Context, in []byte, _ int) (int64, []byte, error) {
	args, err := decode[boundary.IOArgs](in)
	if err != nil {
		return 0, nil, err
	}
	file, err := fileOf(d.handles, args.Handle)
	if err != nil {
		return 0, nil, err
	}
	n, err := file.Write(args.Data)
	if err != nil && n == 0 {
		return 0, nil, err
	}
	return int64(n), nil, nil
}

func (d *Dispatcher) fdPread(_ context.Context, in []byte, limit int) (int64, []byte, error) {
	args, err := decode[boundary.IOArgs](in)
	if err != nil {
		return 0, nil, err
	}
	file, err := fileOf(d.handles, args.Handle)
	if err != nil {
		return 0, nil, err
	}
	buffer := make([]byte, limit)
	n, err := file.ReadAt(buffer, args.Offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, nil, err
	}
	return int64(n), buffer[:n], nil
}

func (d *Dispatcher) fdPwrite(_ context.Context, in []byte, _ int) (int64, []byte, error) {
	args, err := decode[boundary.IOArgs](in)
	if err != nil {
		return 0, nil, err
	}
	file, err := fileOf(d.handles, args.Handle)
	if err != nil {
		return 0, nil, err
	}
	n, err := file.WriteAt(args.Data, args.Offset)
	if err != nil && n == 0 {
		return 0, nil, err
	}
	return int64(n), nil, nil
}

func (d *Dispatcher) fdClose(_ context.Context, in []byte, _ int) (int64, []byte, error) {
	args, err := decode[boundary.HandleArgs](in)
	if err != nil {
		return 0, nil, err
	}
	if _, err := fileOf(d.handles, args.Handle); err != nil {
		return 0, nil, err
	}
	value, _ := d.handles.remove(args.Handle)
	return 0, nil, closeEntry(value)
}

func (d *Dispatcher) fdDup(_ context.Context, in []byte, _ int) (int64, []byte, error) {
	args, err := decode[boundary.HandleArgs](in)
	if err != nil {
		return 0, nil, err
	}
	file, err := fileOf(d.handles, args.Handle)
	if err != nil {
		return 0, nil, err
	}
	fd, err := unix.Dup(int(file.Fd()))
	if err != nil {
		return 0, nil, err
	}
	unix.CloseOnExec(fd)
	duplicate := os.NewFile(uintptr(fd), file.Name())
	handle, err := d.handles.add(duplicate)
	if err != nil {
		duplicate.Close()
		return 0, nil, err
	}
	return int64(handle), nil, nil
}

func (d *Dispatcher) fdIsatty(_ context.Context, in []byte, _ int) (int64, []byte, error) {
	args, err := decode[boundary.HandleArgs](in)
	if err != nil {
		return 0, nil, err
	}
	file, err := fileOf(d.handles, args.Handle)
	if err != nil {
		return 0, nil, err
	}
	if term.IsTerminal(int(file.Fd())) {
		return 1, nil, nil
	}
	return 0, nil, nil
}

func (d *Dispatcher) pipeCreate(_ context.Context, _ []byte, limit int) (int64, []byte, error) {
	reader, writer, err := os.Pipe()
	if err != nil {
		return 0, nil, err
	}
	readHandle, err := d.handles.add(reader)
	if err != nil {
		reader.Close()
		writer.Close()
		return 0, nil, err
	}
	writeHandle, err := d.handles.add(writer)
	if err != nil {
		d.handles.remove(readHandle)
		reader.Close()
		writer.Close()
		return 0, nil, err
	}
	out, err := encode(boundary.PipeResult{Read: readHandle, Write: writeHandle}, limit)
	if err != nil {
		d.handles.remove(readHandle)
		d.handles.remove(writeHandle)
		reader.Close()
		writer.Close()
		return 0, nil, err
	}
	return 0, out, nil
}

// fileOpen opens an untrusted host file. Paths are the host's own;
// nothing about them is trusted by the enclave.
func (d *Dispatcher) fileOpen(_ context.Context, in []byte, _ int) (int64, []byte, error) {
	args, err := decode[boundary.FileOpenArgs](in)
	if err != nil {
		return 0, nil, err
	}
	file, err := os.OpenFile(args.Path, args.Flags, os.FileMode(args.Mode&0o777))
	if err != nil {
		return 0, nil, err
	}
	handle, err := d.handles.add(file)
	if err != nil {
		file.Close()
		return 0, nil, err
	}
	return int64(handle), nil, nil
}

func (d *Dispatcher) fileStat(_ context.Context, in []byte, _ int) (int64, []byte, error) {
	args, err := decode[boundary.HandleArgs](in)
	if err != nil {
		return 0, nil, err
	}
	file, err := fileOf(d.handles, args.Handle)
	if err != nil {
		return 0, nil, err
	}
	info, err := file.Stat()
	if err != nil {
		return 0, nil, err
	}
	return info.Size(), nil, nil
}
