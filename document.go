package mcplsp

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"
)

// TextDocument is the in-memory state of an open document.
type TextDocument struct {
	URI        string `json:"uri"`
	LanguageID string `json:"languageId"`
	Version    int    `json:"version"`
	Content    string `json:"content"`
}

// Position is a zero-based line and character offset. Characters are counted in UTF-16
// code units, as LSP requires.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Range is a half-open span between two positions.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// TextDocumentContentChangeEvent describes one edit. A nil Range replaces the whole
// content with Text.
type TextDocumentContentChangeEvent struct {
	Range       *Range `json:"range,omitempty"`
	RangeLength int    `json:"rangeLength,omitempty"`
	Text        string `json:"text"`
}

// documentStore holds the open documents of one endpoint.
type documentStore struct {
	mu   sync.RWMutex
	docs map[string]TextDocument
}

// ApplyContentChanges applies changes to content in order.
func ApplyContentChanges(content string, changes []TextDocumentContentChangeEvent) (string, error) {
	for i, change := range changes {
		var err error
		content, err = ApplyContentChange(content, change)
		if err != nil {
			return "", fmt.Errorf("change %d: %w", i, err)
		}
	}
	return content, nil
}

// ApplyContentChange applies a single change. Ranged edits are spliced in after
// converting both positions to byte offsets; positions past the end of a line clamp to
// the line end, and lines past the end of the content clamp to the content end.
func ApplyContentChange(content string, change TextDocumentContentChangeEvent) (string, error) {
	if change.Range == nil {
		return change.Text, nil
	}
	start := OffsetAt(content, change.Range.Start)
	end := OffsetAt(content, change.Range.End)
	if end < start {
		return "", fmt.Errorf("invalid range: end %d:%d is before start %d:%d",
			change.Range.End.Line, change.Range.End.Character,
			change.Range.Start.Line, change.Range.Start.Character)
	}
	return content[:start] + change.Text + content[end:], nil
}

// OffsetAt converts pos into a byte offset into content, walking "\n"-terminated lines.
func OffsetAt(content string, pos Position) int {
	if pos.Line < 0 || pos.Character < 0 {
		return 0
	}

	lineStart := 0
	for line := 0; line < pos.Line; line++ {
		i := strings.IndexByte(content[lineStart:], '\n')
		if i < 0 {
			return len(content)
		}
		lineStart += i + 1
	}

	lineEnd := len(content)
	if i := strings.IndexByte(content[lineStart:], '\n'); i >= 0 {
		lineEnd = lineStart + i
	}

	offset := lineStart
	units := 0
	for offset < lineEnd && units < pos.Character {
		r, size := utf8.DecodeRuneInString(content[offset:lineEnd])
		if r >= 0x10000 {
			units += 2
		} else {
			units++
		}
		offset += size
	}
	return offset
}

func newDocumentStore() *documentStore {
	return &documentStore{
		docs: make(map[string]TextDocument),
	}
}

func (s *documentStore) open(doc TextDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[doc.URI]; ok {
		return fmt.Errorf("%w: %s", ErrDocumentAlreadyOpen, doc.URI)
	}
	s.docs[doc.URI] = doc
	return nil
}

// change applies changes and moves the document to version. A zero version means the
// next one.
func (s *documentStore) change(uri string, version int, changes []TextDocumentContentChangeEvent) (TextDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[uri]
	if !ok {
		return TextDocument{}, fmt.Errorf("%w: %s", ErrDocumentNotOpen, uri)
	}
	if version == 0 {
		version = doc.Version + 1
	}
	if version <= doc.Version {
		return TextDocument{}, fmt.Errorf("%w: %s has version %d, got %d", ErrStaleVersion, uri, doc.Version, version)
	}

	content, err := ApplyContentChanges(doc.Content, changes)
	if err != nil {
		return TextDocument{}, err
	}
	doc.Content = content
	doc.Version = version
	s.docs[uri] = doc
	return doc, nil
}

func (s *documentStore) close(uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[uri]; !ok {
		return fmt.Errorf("%w: %s", ErrDocumentNotOpen, uri)
	}
	delete(s.docs, uri)
	return nil
}

func (s *documentStore) get(uri string) (TextDocument, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[uri]
	return doc, ok
}

// snapshot returns every open document, sorted by URI.
func (s *documentStore) snapshot() []TextDocument {
	s.mu.RLock()
	docs := make([]TextDocument, 0, len(s.docs))
	for _, doc := range s.docs {
		docs = append(docs, doc)
	}
	s.mu.RUnlock()

	sort.Slice(docs, func(i, j int) bool { return docs[i].URI < docs[j].URI })
	return docs
}

func (s *documentStore) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = make(map[string]TextDocument)
}

func (s *documentStore) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}
