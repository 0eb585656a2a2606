package mcp

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"testing"
	"time"
)

// pipePair returns a StreamTransport plus the far ends of its pipes.
func pipePair(t *testing.T) (*StreamTransport, *io.PipeWriter, *io.PipeReader) {
	t.Helper()
	inR, inW := io.Pipe()   // peer -> transport
	outR, outW := io.Pipe() // transport -> peer
	tr := NewStreamTransport(inR, outW, nil)
	t.Cleanup(func() {
		tr.Shutdown()
		inW.Close()
		outR.Close()
	})
	return tr, inW, outR
}

func TestStreamTransport_SerializationErrorIsNotFatal(t *testing.T) {
	tr, peer, _ := pipePair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		io.WriteString(peer, "this is not json\n")
		io.WriteString(peer, `{"jsonrpc":"2.0","method":"notifications/initialized"}`+"\n")
	}()

	_, err := tr.Listen(ctx)
	if !errors.Is(err, ErrSerialization) {
		t.Fatalf("first Listen = %v, want serialization error", err)
	}
	if IsFatal(err) {
		t.Error("serialization error reported as fatal")
	}

	msg, err := tr.Listen(ctx)
	if err != nil {
		t.Fatalf("second Listen: %v", err)
	}
	if n, ok := msg.(*Notification); !ok || n.Method != "notifications/initialized" {
		t.Errorf("second Listen = %#v, want initialized notification", msg)
	}
}

func TestStreamTransport_EOFIsTerminal(t *testing.T) {
	tr, peer, _ := pipePair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		io.WriteString(peer, `{"jsonrpc":"2.0","id":1,"result":{}}`+"\n")
		peer.Close()
	}()

	if _, err := tr.Listen(ctx); err != nil {
		t.Fatalf("Listen before EOF: %v", err)
	}
	for i := 0; i < 3; i++ {
		_, err := tr.Listen(ctx)
		if !errors.Is(err, ErrDisconnected) {
			t.Fatalf("Listen %d after EOF = %v, want ErrDisconnected", i, err)
		}
		if !IsFatal(err) {
			t.Errorf("Listen %d after EOF not fatal", i)
		}
	}
}

func TestStreamTransport_SendFramesWithNewline(t *testing.T) {
	tr, _, peer := pipePair(t)

	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 256)
		n, _ := peer.Read(buf)
		got <- buf[:n]
	}()

	req, _ := NewRequest(1, "ping", nil)
	if err := tr.Send(context.Background(), req); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case b := <-got:
		want := `{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n"
		if string(b) != want {
			t.Errorf("wire = %q, want %q", b, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("peer did not receive message")
	}
}

func TestStreamTransport_ShutdownIdempotent(t *testing.T) {
	tr, _, _ := pipePair(t)
	ctx := context.Background()

	first := tr.Shutdown()
	second := tr.Shutdown()
	if first != second {
		t.Errorf("Shutdown results differ: %v vs %v", first, second)
	}

	req, _ := NewRequest(1, "ping", nil)
	sendErr := tr.Send(ctx, req)
	_, listenErr := tr.Listen(ctx)
	_, monitorErr := tr.Monitor(ctx)

	for name, err := range map[string]error{"Send": sendErr, "Listen": listenErr, "Monitor": monitorErr} {
		if !errors.Is(err, ErrTransportClosed) {
			t.Errorf("%s after Shutdown = %v, want ErrTransportClosed", name, err)
		}
	}
	if sendErr != listenErr {
		t.Errorf("Send and Listen return different errors: %v vs %v", sendErr, listenErr)
	}
}

func TestStreamTransport_ListenUnblocksOnShutdown(t *testing.T) {
	tr, _, _ := pipePair(t)

	errc := make(chan error, 1)
	go func() {
		_, err := tr.Listen(context.Background())
		errc <- err
	}()

	time.Sleep(50 * time.Millisecond)
	tr.Shutdown()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrTransportClosed) {
			t.Errorf("Listen = %v, want ErrTransportClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Listen did not return after Shutdown")
	}
}

func TestStreamTransport_SendHonoursDeadline(t *testing.T) {
	// Nobody reads the transport's output, so the write never completes.
	tr, _, _ := pipePair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	req, _ := NewRequest(1, "ping", nil)
	start := time.Now()
	err := tr.Send(ctx, req)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Send = %v, want DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Send returned after %v", elapsed)
	}

	// The abandoned write still holds the writer; a second Send waits
	// for it only as long as its own context allows.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	req2, _ := NewRequest(2, "ping", nil)
	if err := tr.Send(ctx2, req2); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("second Send = %v, want DeadlineExceeded", err)
	}
}

func TestStreamTransport_ShutdownUnblocksStuckSend(t *testing.T) {
	tr, _, _ := pipePair(t)

	errc := make(chan error, 1)
	go func() {
		req, _ := NewRequest(1, "ping", nil)
		errc <- tr.Send(context.Background(), req)
	}()
	time.Sleep(50 * time.Millisecond)

	shut := make(chan struct{})
	go func() {
		tr.Shutdown()
		close(shut)
	}()
	select {
	case <-shut:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown blocked behind a stuck Send")
	}

	select {
	case err := <-errc:
		if !errors.Is(err, ErrTransportClosed) {
			t.Errorf("Send = %v, want ErrTransportClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Send did not return after Shutdown")
	}
}

func TestStdioTransport_EmptyCommand(t *testing.T) {
	if _, err := StartStdio(context.Background(), StdioConfig{}); err == nil {
		t.Fatal("StartStdio with empty command succeeded")
	}
}

func TestStdioTransport_MissingBinary(t *testing.T) {
	_, err := StartStdio(context.Background(), StdioConfig{Command: "/nonexistent/mcp-server-binary"})
	if err == nil {
		t.Fatal("StartStdio with missing binary succeeded")
	}
}

func TestStdioTransport_CatEcho(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tr, err := StartStdio(ctx, StdioConfig{Command: "cat", ShutdownGrace: time.Second})
	if err != nil {
		t.Fatalf("StartStdio: %v", err)
	}
	if tr.PID() <= 0 {
		t.Errorf("PID = %d", tr.PID())
	}

	req, _ := NewRequest(5, "tools/list", map[string]any{"cursor": "x"})
	if err := tr.Send(ctx, req); err != nil {
		t.Fatalf("Send: %v", err)
	}

	msg, err := tr.Listen(ctx)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	echoed, ok := msg.(*Request)
	if !ok {
		t.Fatalf("echo = %T, want *Request", msg)
	}
	if echoed.ID != 5 || echoed.Method != "tools/list" {
		t.Errorf("echo = %+v", echoed)
	}

	if err := tr.Shutdown(); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	select {
	case <-tr.Exited():
	case <-time.After(3 * time.Second):
		t.Fatal("subprocess not reaped after Shutdown")
	}
	if err := tr.Shutdown(); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
	if err := tr.Send(ctx, req); !errors.Is(err, ErrTransportClosed) {
		t.Errorf("Send after Shutdown = %v, want ErrTransportClosed", err)
	}
}
