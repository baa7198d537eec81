package mcplsp_test

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/MegaGrindStone/go-mcp-lsp"
)

func TestFrameDecoderSplitDelivery(t *testing.T) {
	payloads := [][]byte{
		[]byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"capabilities":{}}}`),
		[]byte(`{"jsonrpc":"2.0","method":"window/logMessage","params":{"type":3,"message":"héllo 🌍"}}`),
		[]byte(`{"jsonrpc":"2.0","id":1,"result":null}`),
	}
	var stream []byte
	for _, p := range payloads {
		stream = append(stream, mcplsp.EncodeFrame(p)...)
	}

	for _, chunkSize := range []int{1, 2, 3, 7, 16, 64, len(stream)} {
		t.Run(fmt.Sprintf("chunk %d", chunkSize), func(t *testing.T) {
			dec := mcplsp.NewFrameDecoder(0)
			var got [][]byte
			for i := 0; i < len(stream); i += chunkSize {
				end := min(i+chunkSize, len(stream))
				frames, err := dec.Feed(stream[i:end])
				if err != nil {
					t.Fatalf("failed to feed chunk at %d: %v", i, err)
				}
				got = append(got, frames...)
			}

			if len(got) != len(payloads) {
				t.Fatalf("expected %d frames, got %d", len(payloads), len(got))
			}
			for i := range payloads {
				if !bytes.Equal(got[i], payloads[i]) {
					t.Errorf("frame %d: expected %s, got %s", i, payloads[i], got[i])
				}
			}
			if dec.Buffered() != 0 {
				t.Errorf("expected empty buffer, got %d bytes", dec.Buffered())
			}
		})
	}
}

func TestFrameDecoderMalformedHeader(t *testing.T) {
	good := []byte(`{"jsonrpc":"2.0","method":"initialized"}`)

	testCases := []struct {
		name string
		bad  string
	}{
		{name: "header only", bad: "Content-Type: application/json\r\n\r\n"},
		{name: "header with body", bad: "Content-Type: application/json\r\n\r\n" + `{"jsonrpc":"2.0","method":"x"}`},
		{name: "invalid length with body", bad: "Content-Length: ten\r\n\r\n" + `{"jsonrpc":"2.0","method":"x"}`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dec := mcplsp.NewFrameDecoder(0)
			frames, err := dec.Feed([]byte(tc.bad))
			var framingErr *mcplsp.FramingError
			if !errors.As(err, &framingErr) {
				t.Fatalf("expected framing error, got %v", err)
			}
			if len(frames) != 0 {
				t.Errorf("expected no frames before the bad header, got %d", len(frames))
			}
			if dec.Buffered() != 0 {
				t.Errorf("expected the buffer to be reset, %d bytes left", dec.Buffered())
			}

			frames, err = dec.Feed(mcplsp.EncodeFrame(good))
			if err != nil {
				t.Fatalf("failed to decode after bad header: %v", err)
			}
			if len(frames) != 1 || !bytes.Equal(frames[0], good) {
				t.Errorf("expected the following frame to decode, got %q", frames)
			}
		})
	}
}

func TestFrameDecoderMalformedHeaderDropsChunk(t *testing.T) {
	good := []byte(`{"jsonrpc":"2.0","method":"initialized"}`)
	chunk := append([]byte("Content-Type: application/json\r\n\r\n"), mcplsp.EncodeFrame(good)...)

	dec := mcplsp.NewFrameDecoder(0)
	if _, err := dec.Feed(chunk); err == nil {
		t.Fatalf("expected framing error")
	}
	frames, err := dec.Feed(nil)
	if err != nil || len(frames) != 0 {
		t.Errorf("expected the rest of the chunk to be dropped, got %q, %v", frames, err)
	}
}

func TestFrameDecoderHeaders(t *testing.T) {
	testCases := []struct {
		name    string
		header  string
		wantErr bool
	}{
		{name: "canonical", header: "Content-Length: 2\r\n\r\n"},
		{name: "lower case", header: "content-length: 2\r\n\r\n"},
		{name: "extra header", header: "Content-Length: 2\r\nContent-Type: application/vscode-jsonrpc; charset=utf-8\r\n\r\n"},
		{name: "no space", header: "Content-Length:2\r\n\r\n"},
		{name: "negative", header: "Content-Length: -2\r\n\r\n", wantErr: true},
		{name: "not a number", header: "Content-Length: two\r\n\r\n", wantErr: true},
		{name: "missing", header: "X-Length: 2\r\n\r\n", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dec := mcplsp.NewFrameDecoder(0)
			frames, err := dec.Feed([]byte(tc.header + "{}"))
			if tc.wantErr {
				if err == nil {
					t.Errorf("expected error, got frames %q", frames)
				}
				return
			}
			if err != nil {
				t.Fatalf("failed to decode: %v", err)
			}
			if len(frames) != 1 || string(frames[0]) != "{}" {
				t.Errorf("expected one {} frame, got %q", frames)
			}
		})
	}
}

func TestFrameDecoderMaxSize(t *testing.T) {
	big := bytes.Repeat([]byte("a"), 100)
	small := []byte(`{}`)
	stream := append(mcplsp.EncodeFrame(big), mcplsp.EncodeFrame(small)...)

	dec := mcplsp.NewFrameDecoder(10)
	_, err := dec.Feed(stream)
	var framingErr *mcplsp.FramingError
	if !errors.As(err, &framingErr) {
		t.Fatalf("expected framing error for oversized body, got %v", err)
	}

	frames, err := dec.Feed(nil)
	if err != nil {
		t.Fatalf("failed to decode after oversized body: %v", err)
	}
	if len(frames) != 1 || !bytes.Equal(frames[0], small) {
		t.Errorf("expected the small frame after skipping, got %q", frames)
	}
}

func TestFrameDecoderHeaderTooLarge(t *testing.T) {
	dec := mcplsp.NewFrameDecoder(0)
	_, err := dec.Feed(bytes.Repeat([]byte("x"), 9<<10))
	if err == nil {
		t.Fatalf("expected error for unterminated header block")
	}
	if dec.Buffered() != 0 {
		t.Errorf("expected buffer reset, got %d bytes", dec.Buffered())
	}
}
