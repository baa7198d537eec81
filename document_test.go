package mcplsp_test

import (
	"testing"

	"github.com/MegaGrindStone/go-mcp-lsp"
)

func TestApplyContentChange(t *testing.T) {
	rng := func(sl, sc, el, ec int) *mcplsp.Range {
		return &mcplsp.Range{
			Start: mcplsp.Position{Line: sl, Character: sc},
			End:   mcplsp.Position{Line: el, Character: ec},
		}
	}

	testCases := []struct {
		name    string
		content string
		change  mcplsp.TextDocumentContentChangeEvent
		want    string
		wantErr bool
	}{
		{
			name:    "ranged edit",
			content: "ab\ncdefg\nhi",
			change:  mcplsp.TextDocumentContentChangeEvent{Range: rng(1, 2, 1, 5), Text: "X"},
			want:    "ab\ncdX\nhi",
		},
		{
			name:    "full replace",
			content: "anything at all",
			change:  mcplsp.TextDocumentContentChangeEvent{Text: "new"},
			want:    "new",
		},
		{
			name:    "insert at start",
			content: "world",
			change:  mcplsp.TextDocumentContentChangeEvent{Range: rng(0, 0, 0, 0), Text: "hello "},
			want:    "hello world",
		},
		{
			name:    "delete across lines",
			content: "one\ntwo\nthree",
			change:  mcplsp.TextDocumentContentChangeEvent{Range: rng(0, 2, 2, 1), Text: ""},
			want:    "onhree",
		},
		{
			name:    "append past end",
			content: "a\nb",
			change:  mcplsp.TextDocumentContentChangeEvent{Range: rng(5, 0, 5, 0), Text: "!"},
			want:    "a\nb!",
		},
		{
			name:    "character past line end clamps",
			content: "ab\ncd",
			change:  mcplsp.TextDocumentContentChangeEvent{Range: rng(0, 10, 0, 10), Text: "X"},
			want:    "abX\ncd",
		},
		{
			name:    "utf16 surrogate pair",
			content: "a🌍b",
			change:  mcplsp.TextDocumentContentChangeEvent{Range: rng(0, 3, 0, 4), Text: "c"},
			want:    "a🌍c",
		},
		{
			name:    "two byte rune",
			content: "héllo",
			change:  mcplsp.TextDocumentContentChangeEvent{Range: rng(0, 1, 0, 2), Text: "e"},
			want:    "hello",
		},
		{
			name:    "end before start",
			content: "abc",
			change:  mcplsp.TextDocumentContentChangeEvent{Range: rng(0, 2, 0, 1), Text: "X"},
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := mcplsp.ApplyContentChange(tc.content, tc.change)
			if tc.wantErr {
				if err == nil {
					t.Errorf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("failed to apply change: %v", err)
			}
			if got != tc.want {
				t.Errorf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestApplyContentChangesInOrder(t *testing.T) {
	changes := []mcplsp.TextDocumentContentChangeEvent{
		{Text: "line one\nline two"},
		{
			Range: &mcplsp.Range{
				Start: mcplsp.Position{Line: 1, Character: 5},
				End:   mcplsp.Position{Line: 1, Character: 8},
			},
			Text: "2",
		},
		{
			Range: &mcplsp.Range{
				Start: mcplsp.Position{Line: 0, Character: 0},
				End:   mcplsp.Position{Line: 0, Character: 4},
			},
			Text: "LINE",
		},
	}
	got, err := mcplsp.ApplyContentChanges("ignored", changes)
	if err != nil {
		t.Fatalf("failed to apply changes: %v", err)
	}
	if want := "LINE one\nline 2"; got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestOffsetAt(t *testing.T) {
	content := "ab\n🌍x\n"
	testCases := []struct {
		pos  mcplsp.Position
		want int
	}{
		{pos: mcplsp.Position{Line: 0, Character: 0}, want: 0},
		{pos: mcplsp.Position{Line: 0, Character: 2}, want: 2},
		{pos: mcplsp.Position{Line: 1, Character: 0}, want: 3},
		{pos: mcplsp.Position{Line: 1, Character: 2}, want: 7},
		{pos: mcplsp.Position{Line: 1, Character: 3}, want: 8},
		{pos: mcplsp.Position{Line: 2, Character: 0}, want: 9},
		{pos: mcplsp.Position{Line: 3, Character: 0}, want: 9},
		{pos: mcplsp.Position{Line: -1, Character: 0}, want: 0},
	}

	for _, tc := range testCases {
		if got := mcplsp.OffsetAt(content, tc.pos); got != tc.want {
			t.Errorf("OffsetAt(%d:%d) = %d, want %d", tc.pos.Line, tc.pos.Character, got, tc.want)
		}
	}
}
