package mcplsp

import (
	"context"
	"fmt"
	"log/slog"
)

func (s *Server) registerBuiltins() {
	builtins := map[string]HandlerFunc{
		MethodInitialize:      s.handleInitialize,
		MethodInitialized:     s.handleInitialized,
		MethodShutdown:        s.handleShutdown,
		MethodExit:            s.handleExit,
		MethodDidOpen:         s.handleDidOpen,
		MethodDidChange:       s.handleDidChange,
		MethodDidSave:         s.handleDidSave,
		MethodDidClose:        s.handleDidClose,
		MethodModelRequest:    s.handleModelRequest,
		MethodContextUpdate:   s.handleContextUpdate,
		MethodCapabilityQuery: s.handleCapabilityQuery,
	}
	for method, handler := range builtins {
		s.handlers[method] = handler
	}
}

func (s *Server) handleInitialize(_ context.Context, conn *Connection, _ Message) (any, error) {
	info := s.info
	client := conn.ClientInfo()
	conn.logger.Info("initialize",
		slog.String("client", client.Name), slog.String("clientVersion", client.Version))
	return InitializeResult{
		Capabilities: s.Capabilities(),
		ServerInfo:   &info,
	}, nil
}

func (s *Server) handleInitialized(_ context.Context, conn *Connection, _ Message) (any, error) {
	if s.onInitialized != nil {
		s.onInitialized(conn)
	}
	return nil, nil
}

func (s *Server) handleShutdown(_ context.Context, conn *Connection, _ Message) (any, error) {
	conn.documents.clear()
	conn.logger.Info("shutdown requested")
	return nil, nil
}

func (s *Server) handleExit(_ context.Context, conn *Connection, _ Message) (any, error) {
	return nil, conn.Close()
}

func (s *Server) handleDidOpen(_ context.Context, conn *Connection, msg Message) (any, error) {
	var params DidOpenTextDocumentParams
	if err := msg.DecodeParams(&params); err != nil {
		return nil, err
	}
	version := params.TextDocument.Version
	if version <= 0 {
		version = 1
	}
	doc := TextDocument{
		URI:        params.TextDocument.URI,
		LanguageID: params.TextDocument.LanguageID,
		Version:    version,
		Content:    params.TextDocument.Text,
	}
	if err := conn.documents.open(doc); err != nil {
		return nil, err
	}
	s.documentChanged(conn, doc)
	return nil, nil
}

func (s *Server) handleDidChange(_ context.Context, conn *Connection, msg Message) (any, error) {
	var params DidChangeTextDocumentParams
	if err := msg.DecodeParams(&params); err != nil {
		return nil, err
	}
	if s.syncKind == SyncFull {
		for _, change := range params.ContentChanges {
			if change.Range != nil {
				return nil, NewInvalidParams("ranged change sent to a full sync server")
			}
		}
	}
	doc, err := conn.documents.change(params.TextDocument.URI, params.TextDocument.Version, params.ContentChanges)
	if err != nil {
		return nil, err
	}
	s.documentChanged(conn, doc)
	return nil, nil
}

func (s *Server) handleDidSave(_ context.Context, conn *Connection, msg Message) (any, error) {
	var params DidSaveTextDocumentParams
	if err := msg.DecodeParams(&params); err != nil {
		return nil, err
	}
	doc, ok := conn.documents.get(params.TextDocument.URI)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotOpen, params.TextDocument.URI)
	}
	if params.Text != nil && *params.Text != doc.Content {
		conn.logger.Warn("saved text differs from cached content", slog.String("uri", doc.URI))
	}
	return nil, nil
}

func (s *Server) handleDidClose(_ context.Context, conn *Connection, msg Message) (any, error) {
	var params DidCloseTextDocumentParams
	if err := msg.DecodeParams(&params); err != nil {
		return nil, err
	}
	return nil, conn.documents.close(params.TextDocument.URI)
}

func (s *Server) handleModelRequest(ctx context.Context, conn *Connection, msg Message) (any, error) {
	var params ModelRequestParams
	if err := msg.DecodeParams(&params); err != nil {
		return nil, err
	}
	if params.Model == "" {
		return nil, NewInvalidParams("model is required")
	}
	if s.onModelRequest != nil {
		s.onModelRequest(conn, params)
	}
	if s.modelProvider != nil {
		return s.modelProvider.Generate(ctx, params)
	}
	return ModelResponse{
		Model:    params.Model,
		Response: fmt.Sprintf("no model provider is configured for %s", params.Model),
		Stub:     true,
	}, nil
}

func (s *Server) handleContextUpdate(_ context.Context, conn *Connection, msg Message) (any, error) {
	if s.onContextUpdate != nil {
		s.onContextUpdate(conn, msg.Params)
	}
	return nil, nil
}

func (s *Server) handleCapabilityQuery(context.Context, *Connection, Message) (any, error) {
	return s.Capabilities(), nil
}

func (s *Server) documentChanged(conn *Connection, doc TextDocument) {
	if s.onDocumentChange != nil {
		s.onDocumentChange(conn, doc)
	}
}
