// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package host

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/enclave/lib/boundary"
)

// Block storage: protected-file backing files, addressed by name
// inside the storage directory. The host sees only ciphertext.

func (d *Dispatcher) blockOpen(_ context.Context, in []byte, _ int) (int64, []byte, error) {
	args, err := decode[boundary.BlockOpenArgs](in)
	if err != nil {
		return 0, nil, err
	}
	path, err := d.storagePath(args.Name)
	if err != nil {
		return 0, nil, err
	}
	flags := os.O_RDWR
	if args.Create {
		flags |= os.O_CREATE
	}
	file, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return 0, nil, err
	}
	handle, err := d.handles.add(blockFile{file})
	if err != nil {
		file.Close()
		return 0, nil, err
	}
	return int64(handle), nil, nil
}

// storagePath resolves a backing-file name. Names are single path
// elements; anything that could escape the directory is refused.
func (d *Dispatcher) storagePath(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || !filepath.IsLocal(name) {
		return "", fmt.Errorf("%w: storage name %q", errBadArguments, name)
	}
	return filepath.Join(d.storageDir, name), nil
}

// transientRetries bounds how often one pread or pwrite is reissued
// after EINTR or EAGAIN before the error goes back to the enclave.
const transientRetries = 8

// retryTransient runs one positional I/O call, retrying it with a
// short exponential backoff while the kernel reports a transient
// condition. Any other error is returned at once.
func retryTransient(ctx context.Context, op func() (int, error)) (int, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Microsecond
	policy.MaxInterval = 10 * time.Millisecond
	return backoff.RetryWithData(func() (int, error) {
		n, err := op()
		switch err {
		case nil:
			return n, nil
		case unix.EINTR, unix.EAGAIN:
			return 0, err
		default:
			return 0, backoff.Permanent(err)
		}
	}, backoff.WithContext(backoff.WithMaxRetries(policy, transientRetries), ctx))
}

func (d *Dispatcher) blockRead(ctx context.Context, in []byte, limit int) (int64, []byte, error) {
	args, err := decode[boundary.IOArgs](in)
	if err != nil {
		return 0, nil, err
	}
	file, err := lookup[blockFile](d.handles, args.Handle)
	if err != nil {
		return 0, nil, err
	}
	if args.Offset < 0 {
		return 0, nil, syscall.EINVAL
	}
	buffer := make([]byte, limit)
	total := 0
	for total < len(buffer) {
		n, err := retryTransient(ctx, func() (int, error) {
			return unix.Pread(int(file.Fd()), buffer[total:], args.Offset+int64(total))
		})
		if err != nil {
			return 0, nil, err
		}
		if n == 0 {
			break
		}
		total += n
	}
	return int64(total), buffer[:total], nil
}

func (d *Dispatcher) blockWrite(ctx context.Context, in []byte, _ int) (int64, []byte, error) {
	args, err := decode[boundary.IOArgs](in)
	if err != nil {
		return 0, nil, err
	}
	file, err := lookup[blockFile](d.handles, args.Handle)
	if err != nil {
		return 0, nil, err
	}
	if args.Offset < 0 {
		return 0, nil, syscall.EINVAL
	}
	total := 0
	for total < len(args.Data) {
		n, err := retryTransient(ctx, func() (int, error) {
			return unix.Pwrite(int(file.Fd()), args.Data[total:], args.Offset+int64(total))
		})
		if err != nil {
			return 0, nil, err
		}
		if n == 0 {
			return 0, nil, io.ErrShortWrite
		}
		total += n
	}
	return int64(total), nil, nil
}

func (d *Dispatcher) blockSync(_ context.Context, in []byte, _ int) (int64, []byte, error) {
	file, err := d.blockArg(in)
	if err != nil {
		return 0, nil, err
	}
	return 0, nil, unix.Fsync(int(file.Fd()))
}

func (d *Dispatcher) blockClose(_ context.Context, in []byte, _ int) (int64, []byte, error) {
	args, err := decode[boundary.HandleArgs](in)
	if err != nil {
		return 0, nil, err
	}
	if _, err := lookup[blockFile](d.handles, args.Handle); err != nil {
		return 0, nil, err
	}
	value, _ := d.handles.remove(args.Handle)
	return 0, nil, closeEntry(value)
}

func (d *Dispatcher) blockSize(_ context.Context, in []byte, _ int) (int64, []byte, error) {
	file, err := d.blockArg(in)
	if err != nil {
		return 0, nil, err
	}
	var stat unix.Stat_t
	if err := unix.Fstat(int(file.Fd()), &stat); err != nil {
		return 0, nil, err
	}
	return stat.Size, nil, nil
}

func (d *Dispatcher) blockTruncate(_ context.Context, in []byte, _ int) (int64, []byte, error) {
	args, err := decode[boundary.TruncateArgs](in)
	if err != nil {
		return 0, nil, err
	}
	file, err := lookup[blockFile](d.handles, args.Handle)
	if err != nil {
		return 0, nil, err
	}
	if args.Size < 0 {
		return 0, nil, syscall.EINVAL
	}
	return 0, nil, unix.Ftruncate(int(file.Fd()), args.Size)
}

func (d *Dispatcher) blockArg(in []byte) (blockFile, error) {
	args, err := decode[boundary.HandleArgs](in)
	if err != nil {
		return blockFile{}, err
	}
	return lookup[blockFile](d.handles, args.Handle)
}
