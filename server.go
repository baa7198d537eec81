package mcplsp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// ServerStatus is a step of the server lifecycle.
type ServerStatus string

// Server accepts peers over one listening Transport and dispatches their messages to the
// handler registered for each method. Every accepted peer becomes a Connection with its
// own document cache and its own outbound request IDs.
//
// The built-in handlers for the lifecycle, document synchronization and MCP methods are
// registered by NewServer and can be replaced with WithHandler or Handle.
type Server struct {
	info         Info
	transport    Transport
	capabilities ServerCapabilities
	syncKind     TextDocumentSyncKind

	requestTimeout time.Duration
	modelProvider  ModelProvider
	logger         *slog.Logger

	onConnected         func(*Connection)
	onDisconnected      func(*Connection)
	onInitialized       func(*Connection)
	onNotificationError func(*Connection, Message, error)
	onModelRequest      func(*Connection, ModelRequestParams)
	onContextUpdate     func(*Connection, json.RawMessage)
	onDocumentChange    func(*Connection, TextDocument)
	onError             func(error)

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	mu          sync.RWMutex
	status      ServerStatus
	connections map[string]*Connection
	listenDone  chan struct{}
	connsWG     sync.WaitGroup
}

// Connection is one peer accepted by a Server.
type Connection struct {
	id        string
	server    *Server
	transport Transport
	requester *requester
	documents *documentStore
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	inflightMu sync.Mutex
	inflight   map[ID]context.CancelFunc
	requestsWG sync.WaitGroup

	mu                 sync.RWMutex
	initializeReceived bool
	initialized        bool
	clientInfo         *Info
	clientCapabilities ClientCapabilities
}

// Server statuses.
const (
	StatusStopped  ServerStatus = "stopped"
	StatusStarting ServerStatus = "starting"
	StatusRunning  ServerStatus = "running"
	StatusStopping ServerStatus = "stopping"
	StatusError    ServerStatus = "error"
)

// methods a peer may call before initialize.
var lifecycleMethods = map[string]bool{
	MethodInitialize: true,
	MethodShutdown:   true,
	MethodExit:       true,
}

// providerMethods maps feature methods to the capability flag advertised when a handler
// for them is registered.
var providerMethods = map[string]func(*ServerCapabilities){
	MethodCompletion: func(c *ServerCapabilities) {
		if c.CompletionProvider == nil {
			c.CompletionProvider = &CompletionOptions{}
		}
	},
	MethodHover:          func(c *ServerCapabilities) { c.HoverProvider = true },
	MethodDefinition:     func(c *ServerCapabilities) { c.DefinitionProvider = true },
	MethodReferences:     func(c *ServerCapabilities) { c.ReferencesProvider = true },
	MethodDocumentSymbol: func(c *ServerCapabilities) { c.DocumentSymbolProvider = true },
	MethodCodeAction:     func(c *ServerCapabilities) { c.CodeActionProvider = true },
	MethodFormatting:     func(c *ServerCapabilities) { c.DocumentFormattingProvider = true },
}

// NewServer creates a server that accepts peers from transport once started.
func NewServer(info Info, transport Transport, options ...ServerOption) *Server {
	s := &Server{
		info:           info,
		transport:      transport,
		syncKind:       SyncIncremental,
		requestTimeout: defaultRequestTimeout,
		logger:         slog.Default(),
		handlers:       make(map[string]Handler),
		status:         StatusStopped,
		connections:    make(map[string]*Connection),
		capabilities: ServerCapabilities{
			Model: &ModelCapabilities{
				ContextWindow:   8192,
				SupportedModels: []string{"gpt-4", "claude-3", "llama-2"},
			},
			Context: &ContextCapabilities{
				MaxSize: 32768,
				Formats: []string{"text", "markdown", "code"},
			},
		},
	}
	s.registerBuiltins()
	for _, opt := range options {
		opt(s)
	}
	s.logger = s.logger.With(
		slog.String("package", "go-mcp-lsp"),
		slog.String("component", "server"),
	)
	return s
}

// WithServerCapabilities sets the capabilities announced at initialize. Text document
// sync and feature provider flags are filled in from the sync kind and the registered
// handlers.
func WithServerCapabilities(caps ServerCapabilities) ServerOption {
	return func(s *Server) {
		s.capabilities = caps
	}
}

// WithTextDocumentSync sets how the server expects document changes. SyncFull rejects
// ranged changes. The default is SyncIncremental.
func WithTextDocumentSync(kind TextDocumentSyncKind) ServerOption {
	return func(s *Server) {
		s.syncKind = kind
	}
}

// WithServerRequestTimeout sets how long requests sent to a peer wait for the response.
// A non-positive value disables the timeout.
func WithServerRequestTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.requestTimeout = timeout
	}
}

// WithHandler registers handler for method, replacing any built-in handler.
func WithHandler(method string, handler Handler) ServerOption {
	return func(s *Server) {
		s.handlers[method] = handler
	}
}

// WithModelProvider sets the backend answering model/request.
func WithModelProvider(provider ModelProvider) ServerOption {
	return func(s *Server) {
		s.modelProvider = provider
	}
}

// WithServerLogger sets the logger of the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithServerOnConnected sets the callback run for every accepted peer.
func WithServerOnConnected(onConnected func(*Connection)) ServerOption {
	return func(s *Server) {
		s.onConnected = onConnected
	}
}

// WithServerOnDisconnected sets the callback run once a peer's connection is gone.
func WithServerOnDisconnected(onDisconnected func(*Connection)) ServerOption {
	return func(s *Server) {
		s.onDisconnected = onDisconnected
	}
}

// WithServerOnInitialized sets the callback run when a peer sends initialized.
func WithServerOnInitialized(onInitialized func(*Connection)) ServerOption {
	return func(s *Server) {
		s.onInitialized = onInitialized
	}
}

// WithServerOnNotificationError sets the callback run when handling a notification
// fails. Notifications have no response, so this is the only place such errors surface.
func WithServerOnNotificationError(onNotificationError func(*Connection, Message, error)) ServerOption {
	return func(s *Server) {
		s.onNotificationError = onNotificationError
	}
}

// WithServerOnModelRequest sets the callback run for every model/request.
func WithServerOnModelRequest(onModelRequest func(*Connection, ModelRequestParams)) ServerOption {
	return func(s *Server) {
		s.onModelRequest = onModelRequest
	}
}

// WithServerOnContextUpdate sets the callback run for every context/update.
func WithServerOnContextUpdate(onContextUpdate func(*Connection, json.RawMessage)) ServerOption {
	return func(s *Server) {
		s.onContextUpdate = onContextUpdate
	}
}

// WithServerOnDocumentChange sets the callback run after a document is opened or changed.
func WithServerOnDocumentChange(onDocumentChange func(*Connection, TextDocument)) ServerOption {
	return func(s *Server) {
		s.onDocumentChange = onDocumentChange
	}
}

// WithServerOnError sets the callback run for transport errors.
func WithServerOnError(onError func(error)) ServerOption {
	return func(s *Server) {
		s.onError = onError
	}
}

// Start starts listening on the transport. It fails with ErrServerRunning unless the
// server is stopped. A listen failure leaves the server in StatusError.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.status != StatusStopped {
		s.mu.Unlock()
		return fmt.Errorf("%w: server is %s", ErrServerRunning, s.status)
	}
	s.status = StatusStarting
	s.mu.Unlock()

	if err := s.transport.Start(ctx); err != nil {
		s.setStatus(StatusError)
		return fmt.Errorf("failed to start transport: %w", err)
	}

	listenDone := make(chan struct{})
	s.mu.Lock()
	s.listenDone = listenDone
	s.status = StatusRunning
	s.mu.Unlock()

	go s.listen(listenDone)
	s.logger.Info("server started", slog.String("name", s.info.Name))
	return nil
}

// Stop stops accepting peers, closes every connection and waits for their handlers to
// return or for ctx to end.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.status != StatusRunning {
		s.mu.Unlock()
		return fmt.Errorf("%w: server is %s", ErrServerNotRunning, s.status)
	}
	s.status = StatusStopping
	listenDone := s.listenDone
	s.mu.Unlock()

	var errs []error
	if err := s.transport.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop transport: %w", err))
	}
	select {
	case <-listenDone:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	for _, conn := range s.Connections() {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close connection %s: %w", conn.ID(), err))
		}
	}

	connsDone := make(chan struct{})
	go func() {
		s.connsWG.Wait()
		close(connsDone)
	}()
	select {
	case <-connsDone:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	s.setStatus(StatusStopped)
	s.logger.Info("server stopped")
	return errors.Join(errs...)
}

// Status returns the current lifecycle status.
func (s *Server) Status() ServerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Handle registers handler for method. The registry is read-only while the server runs,
// so Handle fails with ErrServerRunning unless the server is stopped.
func (s *Server) Handle(method string, handler Handler) error {
	if status := s.Status(); status != StatusStopped {
		return fmt.Errorf("%w: cannot register %s while %s", ErrServerRunning, method, status)
	}
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[method] = handler
	return nil
}

// Capabilities returns the capabilities announced to peers.
func (s *Server) Capabilities() ServerCapabilities {
	caps := s.capabilities
	if caps.TextDocumentSync == nil {
		caps.TextDocumentSync = &TextDocumentSyncOptions{
			OpenClose: true,
			Change:    s.syncKind,
			Save:      &SaveOptions{IncludeText: true},
		}
	}

	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	for method, advertise := range providerMethods {
		if _, ok := s.handlers[method]; ok {
			advertise(&caps)
		}
	}
	return caps
}

// Connections returns the live connections, sorted by ID.
func (s *Server) Connections() []*Connection {
	s.mu.RLock()
	conns := make([]*Connection, 0, len(s.connections))
	for _, conn := range s.connections {
		conns = append(conns, conn)
	}
	s.mu.RUnlock()

	sort.Slice(conns, func(i, j int) bool { return conns[i].id < conns[j].id })
	return conns
}

// Connection returns the live connection with the given ID.
func (s *Server) Connection(id string) (*Connection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conn, ok := s.connections[id]
	return conn, ok
}

// SendRequest sends a request to the peer of connection connID and waits for its result.
func (s *Server) SendRequest(ctx context.Context, connID, method string, params any) (json.RawMessage, error) {
	conn, ok := s.Connection(connID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConnectionNotFound, connID)
	}
	return conn.SendRequest(ctx, method, params)
}

// SendNotification sends a notification to the peer of connection connID.
func (s *Server) SendNotification(ctx context.Context, connID, method string, params any) error {
	conn, ok := s.Connection(connID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, connID)
	}
	return conn.SendNotification(ctx, method, params)
}

// Broadcast sends a notification to every initialized connection and returns the first
// send error.
func (s *Server) Broadcast(ctx context.Context, method string, params any) error {
	var g errgroup.Group
	for _, conn := range s.Connections() {
		if !conn.IsInitialized() {
			continue
		}
		g.Go(func() error {
			if err := conn.SendNotification(ctx, method, params); err != nil {
				return fmt.Errorf("connection %s: %w", conn.ID(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Server) listen(done chan<- struct{}) {
	defer close(done)

	for ev := range s.transport.Events() {
		switch ev.Type {
		case EventConnection:
			s.addConnection(ev.Conn)
		case EventError:
			s.logger.Error("transport error", slog.String("err", ev.Err.Error()))
			if s.onError != nil {
				s.onError(ev.Err)
			}
		case EventClose:
			s.logger.Debug("listener closed")
		case EventConnect, EventMessage:
			s.logger.Warn("unexpected event on listening transport", slog.String("type", ev.Type.String()))
		}
	}
}

func (s *Server) addConnection(transport Transport) {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.New().String()
	logger := s.logger.With(slog.String("connectionID", id))
	conn := &Connection{
		id:        id,
		server:    s,
		transport: transport,
		requester: newRequester(transport, s.requestTimeout, logger),
		documents: newDocumentStore(),
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		inflight:  make(map[ID]context.CancelFunc),
	}

	s.mu.Lock()
	s.connections[id] = conn
	s.mu.Unlock()
	s.connsWG.Add(1)

	logger.Info("client connected")
	if s.onConnected != nil {
		s.onConnected(conn)
	}
	go s.serve(conn)
}

func (s *Server) removeConnection(conn *Connection) {
	s.mu.Lock()
	delete(s.connections, conn.id)
	s.mu.Unlock()

	conn.logger.Info("client disconnected")
	if s.onDisconnected != nil {
		s.onDisconnected(conn)
	}
	s.connsWG.Done()
}

// serve processes the messages of one connection in arrival order until its transport
// closes.
func (s *Server) serve(conn *Connection) {
	defer func() {
		conn.cancel()
		if n := conn.requester.pending.rejectAll(ErrConnectionClosed); n > 0 {
			conn.logger.Warn("connection closed with pending requests", slog.Int("count", n))
		}
		conn.requestsWG.Wait()
		conn.documents.clear()
		s.removeConnection(conn)
	}()

	for ev := range conn.transport.Events() {
		switch ev.Type {
		case EventMessage:
			s.dispatch(conn, ev.Message)
		case EventError:
			conn.logger.Warn("connection error", slog.String("err", ev.Err.Error()))
			if s.onError != nil {
				s.onError(fmt.Errorf("connection %s: %w", conn.id, ev.Err))
			}
		case EventClose:
			conn.logger.Debug("connection transport closed")
		case EventConnect, EventConnection:
		}
	}
}

func (s *Server) dispatch(conn *Connection, msg Message) {
	switch msg.Kind {
	case KindResponse:
		if !conn.requester.pending.resolve(msg) {
			conn.logger.Debug("dropping response for unknown request", slog.String("id", msg.ID.String()))
		}
	case KindRequest:
		s.dispatchRequest(conn, msg)
	case KindNotification:
		s.dispatchNotification(conn, msg)
	}
}

func (s *Server) dispatchRequest(conn *Connection, msg Message) {
	if !conn.initializeSeen() && !lifecycleMethods[msg.Method] {
		s.reply(conn, msg.ID, nil, NewError(CodeServerNotInitialized, "", map[string]string{"method": msg.Method}))
		return
	}

	if msg.Method == MethodInitialize {
		var params InitializeParams
		if err := msg.DecodeParams(&params); err != nil {
			s.reply(conn, msg.ID, nil, err)
			return
		}
		conn.setInitializeParams(params)
	}

	handler := s.handler(msg.Method)
	if handler == nil {
		s.reply(conn, msg.ID, nil, NewMethodNotFound(msg.Method))
		return
	}

	ctx, cancel := context.WithCancel(conn.ctx)
	conn.inflightMu.Lock()
	conn.inflight[msg.ID] = cancel
	conn.inflightMu.Unlock()

	conn.requestsWG.Add(1)
	go func() {
		defer conn.requestsWG.Done()
		defer func() {
			conn.inflightMu.Lock()
			delete(conn.inflight, msg.ID)
			conn.inflightMu.Unlock()
			cancel()
		}()

		result, err := s.callHandler(ctx, handler, conn, msg)
		if err != nil && ctx.Err() != nil && conn.ctx.Err() == nil {
			result, err = nil, NewError(CodeRequestCancelled, "", nil)
		}
		s.reply(conn, msg.ID, result, err)
	}()
}

func (s *Server) dispatchNotification(conn *Connection, msg Message) {
	switch msg.Method {
	case MethodCancelRequest:
		var params CancelParams
		if err := msg.DecodeParams(&params); err != nil {
			s.notificationFailed(conn, msg, err)
			return
		}
		conn.cancelRequest(params.ID)
		return
	case MethodInitialized:
		conn.markInitialized()
	}

	handler := s.handler(msg.Method)
	if handler == nil {
		if len(msg.Method) > 2 && msg.Method[:2] == "$/" {
			conn.logger.Debug("ignoring optional notification", slog.String("method", msg.Method))
			return
		}
		s.notificationFailed(conn, msg, NewMethodNotFound(msg.Method))
		return
	}
	if _, err := s.callHandler(conn.ctx, handler, conn, msg); err != nil {
		s.notificationFailed(conn, msg, err)
	}
}

func (s *Server) callHandler(ctx context.Context, handler Handler, conn *Connection, msg Message) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			conn.logger.Error("handler panicked",
				slog.String("method", msg.Method),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			result = nil
			err = NewInternalError(fmt.Sprintf("panic in %s handler: %v", msg.Method, r))
		}
	}()
	return handler.Handle(ctx, conn, msg)
}

func (s *Server) reply(conn *Connection, id ID, result any, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout(s.requestTimeout))
	defer cancel()
	if sendErr := conn.requester.respond(ctx, id, result, err); sendErr != nil {
		conn.logger.Error("failed to send response",
			slog.String("id", id.String()), slog.String("err", sendErr.Error()))
	}
}

func (s *Server) notificationFailed(conn *Connection, msg Message, err error) {
	conn.logger.Warn("failed to handle notification",
		slog.String("method", msg.Method), slog.String("err", err.Error()))
	if s.onNotificationError != nil {
		s.onNotificationError(conn, msg, err)
	}
}

func (s *Server) handler(method string) Handler {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	return s.handlers[method]
}

func (s *Server) setStatus(status ServerStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// ID returns the unique ID of the connection.
func (c *Connection) ID() string {
	return c.id
}

// IsInitialized reports whether the peer has sent the initialized notification.
func (c *Connection) IsInitialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}

// ClientInfo returns the name and version the peer sent at initialize.
func (c *Connection) ClientInfo() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.clientInfo == nil {
		return Info{}
	}
	return *c.clientInfo
}

// ClientCapabilities returns the capabilities the peer sent at initialize.
func (c *Connection) ClientCapabilities() ClientCapabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientCapabilities
}

// Document returns the cached state of a document the peer has opened.
func (c *Connection) Document(uri string) (TextDocument, bool) {
	return c.documents.get(uri)
}

// Documents returns every document the peer has open, sorted by URI.
func (c *Connection) Documents() []TextDocument {
	return c.documents.snapshot()
}

// SendRequest sends a request to the peer and waits for its result. A response carrying
// an error is returned as *Error.
func (c *Connection) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.requester.call(ctx, method, params)
}

// SendNotification sends a notification to the peer.
func (c *Connection) SendNotification(ctx context.Context, method string, params any) error {
	return c.requester.notify(ctx, method, params)
}

// PublishDiagnostics sends textDocument/publishDiagnostics.
func (c *Connection) PublishDiagnostics(ctx context.Context, params PublishDiagnosticsParams) error {
	if params.Diagnostics == nil {
		params.Diagnostics = []Diagnostic{}
	}
	return c.SendNotification(ctx, MethodPublishDiagnostics, params)
}

// ShowMessage sends window/showMessage.
func (c *Connection) ShowMessage(ctx context.Context, typ MessageType, message string) error {
	return c.SendNotification(ctx, MethodShowMessage, ShowMessageParams{Type: typ, Message: message})
}

// LogMessage sends window/logMessage.
func (c *Connection) LogMessage(ctx context.Context, typ MessageType, message string) error {
	return c.SendNotification(ctx, MethodLogMessage, LogMessageParams{Type: typ, Message: message})
}

// ApplyEdit asks the peer to apply edit with workspace/applyEdit.
func (c *Connection) ApplyEdit(ctx context.Context, label string, edit WorkspaceEdit) (ApplyWorkspaceEditResult, error) {
	var result ApplyWorkspaceEditResult
	raw, err := c.SendRequest(ctx, MethodApplyEdit, ApplyWorkspaceEditParams{Label: label, Edit: edit})
	if err != nil {
		return result, err
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return result, fmt.Errorf("failed to decode %s result: %w", MethodApplyEdit, err)
	}
	return result, nil
}

// ShowMessageRequest asks the peer to pick one of actions. It returns nil when none was
// picked.
func (c *Connection) ShowMessageRequest(
	ctx context.Context,
	typ MessageType,
	message string,
	actions ...MessageActionItem,
) (*MessageActionItem, error) {
	params := ShowMessageRequestParams{Type: typ, Message: message, Actions: actions}
	raw, err := c.SendRequest(ctx, MethodShowMessageRequest, params)
	if err != nil {
		return nil, err
	}
	var item *MessageActionItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("failed to decode %s result: %w", MethodShowMessageRequest, err)
	}
	return item, nil
}

// Close closes the connection's transport. The server forgets the connection once its
// remaining messages are processed.
func (c *Connection) Close() error {
	return c.transport.Close()
}

func (c *Connection) initializeSeen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initializeReceived
}

func (c *Connection) setInitializeParams(params InitializeParams) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initializeReceived = true
	c.clientInfo = params.ClientInfo
	c.clientCapabilities = params.Capabilities
}

func (c *Connection) markInitialized() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initialized = true
}

func (c *Connection) cancelRequest(id ID) {
	c.inflightMu.Lock()
	cancel, ok := c.inflight[id]
	c.inflightMu.Unlock()
	if !ok {
		c.logger.Debug("cancel for unknown request", slog.String("id", id.String()))
		return
	}
	cancel()
}

func sendTimeout(requestTimeout time.Duration) time.Duration {
	if requestTimeout <= 0 {
		return defaultRequestTimeout
	}
	return requestTimeout
}
