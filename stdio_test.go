package mcplsp_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/MegaGrindStone/go-mcp-lsp"
)

func TestStdIOBidirectionalMessageFlow(t *testing.T) {
	serverTransport, clientTransport := setupStdIO()
	defer serverTransport.Close()
	defer clientTransport.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := serverTransport.Start(ctx); err != nil {
		t.Fatalf("failed to start server transport: %v", err)
	}
	if err := clientTransport.Connect(ctx); err != nil {
		t.Fatalf("failed to connect client transport: %v", err)
	}
	waitEvent(t, clientTransport.Events(), mcplsp.EventConnect)
	peer := waitEvent(t, serverTransport.Events(), mcplsp.EventConnection).Conn

	testMessages := []mcplsp.Message{
		mustNotification(t, "request1", json.RawMessage(`{"data": "first request"}`)),
		mustNotification(t, "request2", json.RawMessage(`{"data": "second request"}`)),
	}

	for _, msg := range testMessages {
		if err := clientTransport.Send(ctx, msg); err != nil {
			t.Fatalf("failed to send message from client: %v", err)
		}
	}
	for _, want := range testMessages {
		got := waitEvent(t, peer.Events(), mcplsp.EventMessage).Message
		if got.Method != want.Method || string(got.Params) != string(want.Params) {
			t.Errorf("server received %s %s, want %s %s", got.Method, got.Params, want.Method, want.Params)
		}
	}

	for _, msg := range testMessages {
		if err := peer.Send(ctx, msg); err != nil {
			t.Fatalf("failed to send message from server: %v", err)
		}
	}
	for _, want := range testMessages {
		got := waitEvent(t, clientTransport.Events(), mcplsp.EventMessage).Message
		if got.Method != want.Method {
			t.Errorf("client received %s, want %s", got.Method, want.Method)
		}
	}
}

func TestStdIOContextCancellation(t *testing.T) {
	// Nobody reads the other end of the pipe, so the write can never finish.
	reader, _ := io.Pipe()
	_, writer := io.Pipe()
	transport := mcplsp.NewStdIO(reader, writer)
	defer transport.Close()

	if err := transport.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := transport.Send(ctx, mustNotification(t, "test_cancellation", json.RawMessage(`{"test":"cancel"}`)))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded, got %v", err)
	}
}

func TestStdIOMalformedHeader(t *testing.T) {
	reader, writer := io.Pipe()
	transport := mcplsp.NewStdIO(reader, io.Discard)
	defer transport.Close()

	if err := transport.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	waitEvent(t, transport.Events(), mcplsp.EventConnect)

	good := []byte(`{"jsonrpc":"2.0","method":"initialized","params":{}}`)
	go func() {
		_, _ = writer.Write([]byte("Content-Type: application/json\r\n\r\n" + `{"jsonrpc":"2.0","method":"x"}`))
		_, _ = writer.Write(mcplsp.EncodeFrame(good))
	}()

	ev := nextEvent(t, transport.Events())
	if ev.Type != mcplsp.EventError {
		t.Fatalf("expected error event, got %s", ev.Type)
	}
	var framingErr *mcplsp.FramingError
	if !errors.As(ev.Err, &framingErr) {
		t.Errorf("expected framing error, got %v", ev.Err)
	}

	ev = nextEvent(t, transport.Events())
	if ev.Type != mcplsp.EventMessage || ev.Message.Method != "initialized" {
		t.Errorf("expected the following message to be parsed, got %s %+v", ev.Type, ev.Message)
	}
}

func TestStdIOInvalidJSON(t *testing.T) {
	reader, writer := io.Pipe()
	transport := mcplsp.NewStdIO(reader, io.Discard)
	defer transport.Close()

	if err := transport.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	waitEvent(t, transport.Events(), mcplsp.EventConnect)

	go func() {
		_, _ = writer.Write(mcplsp.EncodeFrame([]byte(`{not json}`)))
		_, _ = writer.Write(mcplsp.EncodeFrame([]byte(`{"jsonrpc":"2.0","method":"exit"}`)))
	}()

	ev := nextEvent(t, transport.Events())
	if !errors.Is(ev.Err, mcplsp.NewParseError(nil)) {
		t.Errorf("expected parse error event, got %s %v", ev.Type, ev.Err)
	}
	ev = nextEvent(t, transport.Events())
	if ev.Type != mcplsp.EventMessage || ev.Message.Method != "exit" {
		t.Errorf("expected exit notification, got %s %+v", ev.Type, ev.Message)
	}
}

func TestStdIOLargeMessagePayload(t *testing.T) {
	payloadSizes := []int{
		1 * 1024,        // 1 KB
		100 * 1024,      // 100 KB
		1 * 1024 * 1024, // 1 MB
	}

	for _, size := range payloadSizes {
		t.Run(fmt.Sprintf("PayloadSize_%d", size), func(t *testing.T) {
			serverTransport, clientTransport := setupStdIO()
			defer serverTransport.Close()
			defer clientTransport.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := serverTransport.Start(ctx); err != nil {
				t.Fatalf("failed to start server transport: %v", err)
			}
			if err := clientTransport.Connect(ctx); err != nil {
				t.Fatalf("failed to connect client transport: %v", err)
			}
			peer := waitEvent(t, serverTransport.Events(), mcplsp.EventConnection).Conn

			largeMsg := mustNotification(t, "largePayload", largeParams(size))

			errs := make(chan error, 1)
			go func() {
				errs <- peer.Send(ctx, largeMsg)
			}()

			got := waitEvent(t, clientTransport.Events(), mcplsp.EventMessage).Message
			if got.Method != largeMsg.Method || len(got.Params) != len(largeMsg.Params) {
				t.Errorf("expected %s with %d bytes of params, got %s with %d",
					largeMsg.Method, len(largeMsg.Params), got.Method, len(got.Params))
			}
			if err := <-errs; err != nil {
				t.Fatalf("failed to send large message: %v", err)
			}
		})
	}
}

func TestStdIOClose(t *testing.T) {
	serverTransport, clientTransport := setupStdIO()
	defer serverTransport.Close()

	ctx := context.Background()
	if err := clientTransport.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	if err := clientTransport.Connect(ctx); err == nil {
		t.Errorf("expected second connect to fail")
	}

	if err := clientTransport.Close(); err != nil {
		t.Fatalf("failed to close: %v", err)
	}
	if err := clientTransport.Close(); err != nil {
		t.Errorf("expected close to be idempotent, got %v", err)
	}

	err := clientTransport.Send(ctx, mustNotification(t, "exit", nil))
	if !errors.Is(err, mcplsp.ErrTransportClosed) {
		t.Errorf("expected ErrTransportClosed, got %v", err)
	}
	waitClosed(t, clientTransport.Events())
}

func TestStdIOSendBeforeConnect(t *testing.T) {
	_, clientTransport := setupStdIO()
	defer clientTransport.Close()

	err := clientTransport.Send(context.Background(), mustNotification(t, "exit", nil))
	if !errors.Is(err, mcplsp.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func mustNotification(t *testing.T, method string, params any) mcplsp.Message {
	t.Helper()
	msg, err := mcplsp.NewNotification(method, params)
	if err != nil {
		t.Fatalf("failed to create notification: %v", err)
	}
	return msg
}

func largeParams(size int) json.RawMessage {
	return json.RawMessage(`{"data":"` + strings.Repeat("a", size) + `"}`)
}

func nextEvent(t *testing.T, events <-chan mcplsp.Event) mcplsp.Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatalf("events channel closed")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return mcplsp.Event{}
}

// waitEvent skips events until one of type typ arrives.
func waitEvent(t *testing.T, events <-chan mcplsp.Event, typ mcplsp.EventType) mcplsp.Event {
	t.Helper()
	for {
		ev := nextEvent(t, events)
		if ev.Type == typ {
			return ev
		}
	}
}

func waitClosed(t *testing.T, events <-chan mcplsp.Event) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for events channel to close")
		}
	}
}
