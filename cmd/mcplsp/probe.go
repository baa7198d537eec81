package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MegaGrindStone/go-mcp-lsp"
)

// ProbeCmd connects a client, reports what the server announced and disconnects.
type ProbeCmd struct {
	Transport string        `help:"Transport kind: tcp, websocket, ipc or sse" default:"tcp"`
	Addr      string        `help:"Server address, URL or socket path" required:""`
	Open      string        `help:"Open this file on the server and query capabilities" type:"existingfile"`
	Timeout   time.Duration `help:"Timeout for the whole probe" default:"10s"`
}

type probeReport struct {
	Server       mcplsp.Info               `json:"server"`
	Capabilities mcplsp.ServerCapabilities `json:"capabilities"`
	Document     *probeDocument            `json:"document,omitempty"`
}

type probeDocument struct {
	URI        string                    `json:"uri"`
	LanguageID string                    `json:"languageId"`
	Queried    mcplsp.ServerCapabilities `json:"queriedCapabilities"`
}

var languageIDs = map[string]string{
	".go":   "go",
	".md":   "markdown",
	".py":   "python",
	".js":   "javascript",
	".ts":   "typescript",
	".json": "json",
	".yaml": "yaml",
	".yml":  "yaml",
	".toml": "toml",
	".rs":   "rust",
}

// Run implements the probe command.
func (p *ProbeCmd) Run(out io.Writer) error {
	kind, err := mcplsp.ParseTransportKind(p.Transport)
	if err != nil {
		return err
	}
	if kind == mcplsp.TransportStdio {
		return fmt.Errorf("probe needs a network transport, got %s", kind)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	transport, err := mcplsp.NewTransport(mcplsp.TransportConfig{Kind: kind, Address: p.Addr},
		mcplsp.WithTransportLogger(logger))
	if err != nil {
		return err
	}
	defer transport.Close()

	ctx, cancel := context.WithTimeout(context.Background(), p.Timeout)
	defer cancel()

	client := mcplsp.NewClient(transport,
		mcplsp.WithClientInfo(mcplsp.Info{Name: "mcplsp-probe", Version: version}),
		mcplsp.WithClientRequestTimeout(p.Timeout),
		mcplsp.WithClientLogger(logger),
	)
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	report := probeReport{
		Server:       client.ServerInfo(),
		Capabilities: client.ServerCapabilities(),
	}
	if p.Open != "" {
		doc, err := p.probeDocument(ctx, client)
		if err != nil {
			_ = client.Disconnect(ctx)
			return err
		}
		report.Document = doc
	}

	if err := client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect: %w", err)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func (p *ProbeCmd) probeDocument(ctx context.Context, client *mcplsp.Client) (*probeDocument, error) {
	content, err := os.ReadFile(p.Open)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", p.Open, err)
	}
	abs, err := filepath.Abs(p.Open)
	if err != nil {
		return nil, err
	}

	doc := &probeDocument{
		URI:        "file://" + filepath.ToSlash(abs),
		LanguageID: languageID(p.Open),
	}
	if err := client.OpenDocument(ctx, doc.URI, doc.LanguageID, string(content)); err != nil {
		return nil, fmt.Errorf("failed to open document: %w", err)
	}
	doc.Queried, err = client.QueryCapabilities(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query capabilities: %w", err)
	}
	if err := client.CloseDocument(ctx, doc.URI); err != nil {
		return nil, fmt.Errorf("failed to close document: %w", err)
	}
	return doc, nil
}

func languageID(path string) string {
	if id, ok := languageIDs[strings.ToLower(filepath.Ext(path))]; ok {
		return id
	}
	return "plaintext"
}
