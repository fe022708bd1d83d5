// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netshim

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bureau-foundation/enclave/lib/boundary"
	"github.com/bureau-foundation/enclave/lib/enclavetest"
	"github.com/bureau-foundation/enclave/lib/fault"
	"github.com/bureau-foundation/enclave/lib/region"
	"github.com/bureau-foundation/enclave/lib/testutil"
)

func newNet(t *testing.T, options enclavetest.Options) *Net {
	t.Helper()
	rig := enclavetest.New(t, options)
	return New(rig.Gateway, rig.Logger)
}

func connectPair(t *testing.T, network *Net, kind, address string) (client, server *Conn, listener *Listener) {
	t.Helper()
	ctx := context.Background()
	listener, err := network.Listen(ctx, kind, address)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	accepted := make(chan *Conn, 1)
	go func() {
		conn, err := listener.Accept(ctx)
		if err != nil {
			t.Errorf("Accept: %v", err)
			close(accepted)
			return
		}
		accepted <- conn
	}()
	client, err = network.Dial(ctx, kind, listener.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	server = testutil.RequireReceive(t, accepted, 5*time.Second, "accepting connection")
	return client, server, listener
}

func TestTCPRoundTrip(t *testing.T) {
	network := newNet(t, enclavetest.Options{})
	ctx := context.Background()
	client, server, listener := connectPair(t, network, "tcp", "127.0.0.1:0")

	if addr := listener.Addr(); addr.Network() != "tcp" || addr.String() == "" {
		t.Errorf("listener Addr = %q/%q", addr.Network(), addr.String())
	}
	if client.RemoteAddr().String() != listener.Addr().String() {
		t.Errorf("client RemoteAddr = %q, listener is at %q", client.RemoteAddr(), listener.Addr())
	}

	// Larger than one crossing in each direction.
	payload := bytes.Repeat([]byte("enclave"), boundary.MaxTransfer/4)
	go func() {
		if _, err := client.Write(ctx, payload); err != nil {
			t.Errorf("client Write: %v", err)
		}
		if err := client.Close(ctx); err != nil {
			t.Errorf("client Close: %v", err)
		}
	}()
	received, err := io.ReadAll(server.Bind(ctx))
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(received, payload) {
		t.Errorf("server received %d bytes, want %d", len(received), len(payload))
	}

	if err := server.Close(ctx); err != nil {
		t.Fatalf("server Close: %v", err)
	}
	if err := server.Close(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("second Close = %v, want ErrClosed", err)
	}
	if _, err := server.Read(ctx, make([]byte, 1)); !errors.Is(err, ErrClosed) {
		t.Errorf("Read after Close = %v, want ErrClosed", err)
	}
	if err := listener.Close(ctx); err != nil {
		t.Fatalf("listener Close: %v", err)
	}
	if _, err := listener.Accept(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Accept after Close = %v, want ErrClosed", err)
	}
}

func TestUnixSocket(t *testing.T) {
	network := newNet(t, enclavetest.Options{})
	ctx := context.Background()
	path := testutil.SocketPath(t, "shim.sock")
	client, server, listener := connectPair(t, network, "unix", path)
	defer listener.Close(ctx)
	defer client.Close(ctx)
	defer server.Close(ctx)

	if _, err := server.Write(ctx, []byte("pong")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buffer := make([]byte, 16)
	n, err := client.Read(ctx, buffer)
	if err != nil || string(buffer[:n]) != "pong" {
		t.Errorf("Read = (%q, %v), want pong", buffer[:n], err)
	}
}

func TestDialFailureIsHostError(t *testing.T) {
	network := newNet(t, enclavetest.Options{})
	_, err := network.Dial(context.Background(), "unix", filepath.Join(t.TempDir(), "absent.sock"))
	var hostErr *fault.HostError
	if !errors.As(err, &hostErr) {
		t.Fatalf("Dial to nothing = %v, want a HostError", err)
	}
	if _, err := network.Dial(context.Background(), "udp", "127.0.0.1:9"); err == nil {
		t.Error("datagram dial succeeded")
	}
}

func TestNetFeatureDisabled(t *testing.T) {
	network := newNet(t, enclavetest.Options{Features: boundary.FeatureCore | boundary.FeaturePipe})
	if _, err := network.Listen(context.Background(), "tcp", "127.0.0.1:0"); err == nil {
		t.Fatal("Listen succeeded with the net feature disabled")
	}
	if _, _, err := network.Pipe(context.Background()); err != nil {
		t.Errorf("Pipe with the pipe feature enabled: %v", err)
	}
}

func TestPipe(t *testing.T) {
	network := newNet(t, enclavetest.Options{})
	ctx := context.Background()
	reader, writer, err := network.Pipe(ctx)
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	if _, err := writer.Write(ctx, []byte("through the host")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := writer.Close(ctx); err != nil {
		t.Fatalf("Close writer: %v", err)
	}
	got, err := io.ReadAll(reader.Bind(ctx))
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "through the host" {
		t.Errorf("read %q", got)
	}
	if terminal, err := reader.IsTerminal(ctx); err != nil || terminal {
		t.Errorf("IsTerminal(pipe) = (%v, %v), want (false, nil)", terminal, err)
	}
	if err := reader.Close(ctx); err != nil {
		t.Fatalf("Close reader: %v", err)
	}
	if err := writer.Close(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("second Close = %v, want ErrClosed", err)
	}
}

func TestStdio(t *testing.T) {
	inRead, inWrite, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	outRead, outWrite, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	t.Cleanup(func() {
		inRead.Close()
		inWrite.Close()
		outRead.Close()
		outWrite.Close()
	})
	network := newNet(t, enclavetest.Options{Stdin: inRead, Stdout: outWrite, Stderr: outWrite})
	ctx := context.Background()

	if _, err := inWrite.Write([]byte("input line\n")); err != nil {
		t.Fatalf("writing stdin: %v", err)
	}
	buffer := make([]byte, 64)
	n, err := network.Stdin().Read(ctx, buffer)
	if err != nil || string(buffer[:n]) != "input line\n" {
		t.Errorf("Stdin Read = (%q, %v)", buffer[:n], err)
	}

	if _, err := network.Stdout().Write(ctx, []byte("out ")); err != nil {
		t.Fatalf("Stdout Write: %v", err)
	}
	duplicate, err := network.Stderr().Dup(ctx)
	if err != nil {
		t.Fatalf("Dup: %v", err)
	}
	if _, err := duplicate.Write(ctx, []byte("err")); err != nil {
		t.Fatalf("Write to duplicate: %v", err)
	}
	if err := duplicate.Close(ctx); err != nil {
		t.Fatalf("Close duplicate: %v", err)
	}
	got := make([]byte, len("out err"))
	if _, err := io.ReadFull(outRead, got); err != nil {
		t.Fatalf("reading stdout: %v", err)
	}
	if string(got) != "out err" {
		t.Errorf("host stdout received %q", got)
	}
	if terminal, err := network.Stdout().IsTerminal(ctx); err != nil || terminal {
		t.Errorf("IsTerminal(stdout pipe) = (%v, %v), want (false, nil)", terminal, err)
	}
}

func TestInflatedCountsRejected(t *testing.T) {
	network := newNet(t, enclavetest.Options{
		Wrap: func(next boundary.Host, _ *region.Space) boundary.Host {
			next = enclavetest.InflateCounts(next, boundary.OpFdWrite, 7)
			return enclavetest.InflateCounts(next, boundary.OpFdRead, 1000)
		},
	})
	ctx := context.Background()
	reader, writer, err := network.Pipe(ctx)
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	defer reader.Close(ctx)
	defer writer.Close(ctx)

	if _, err := writer.Write(ctx, []byte("short")); !errors.Is(err, fault.ErrUntrustedResponse) {
		t.Fatalf("Write with inflated count = %v, want ErrUntrustedResponse", err)
	}
	buffer := []byte("untouched")
	if _, err := reader.Read(ctx, buffer); !errors.Is(err, fault.ErrUntrustedResponse) {
		t.Fatalf("Read with inflated count = %v, want ErrUntrustedResponse", err)
	}
	if string(buffer) != "untouched" {
		t.Errorf("rejected read modified the buffer: %q", buffer)
	}
}
