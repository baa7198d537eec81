package mcplsp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// ConnectionState is a step of the client lifecycle.
type ConnectionState string

// Client drives one Transport through the connection lifecycle: it dials, performs the
// initialize handshake, correlates requests with responses, answers server-initiated
// requests and keeps a local copy of every document it has opened.
//
// A Client must be created with NewClient and connected with Connect. Disconnect shuts
// the session down and closes the transport, which cannot be reused afterwards.
type Client struct {
	transport Transport

	info             Info
	locale           string
	rootURI          *string
	workspaceFolders []WorkspaceFolder
	capabilities     ClientCapabilities
	trace            string

	diagnosticsListener  DiagnosticsListener
	showMessageListener  ShowMessageListener
	logMessageListener   LogMessageListener
	telemetryListener    TelemetryListener
	notificationListener NotificationListener
	stateListener        StateListener
	errorListener        ErrorListener

	workspaceEditHandler      WorkspaceEditHandler
	showMessageRequestHandler ShowMessageRequestHandler

	requestTimeout time.Duration
	logger         *slog.Logger

	requester *requester
	documents *documentStore

	mu                 sync.RWMutex
	state              ConnectionState
	serverCapabilities ServerCapabilities
	serverInfo         *Info
	eventsDone         chan struct{}
}

// Client states.
const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateInitializing ConnectionState = "initializing"
	StateInitialized  ConnectionState = "initialized"
	StateShuttingDown ConnectionState = "shutting_down"
	StateError        ConnectionState = "error"
)

var defaultRequestTimeout = 30 * time.Second

// NewClient creates a client over transport. The client starts disconnected.
func NewClient(transport Transport, options ...ClientOption) *Client {
	c := &Client{
		transport:      transport,
		info:           Info{Name: "MCP-LSP Client", Version: "1.0.0"},
		locale:         "en-US",
		capabilities:   DefaultClientCapabilities(),
		trace:          "off",
		requestTimeout: defaultRequestTimeout,
		logger:         slog.Default(),
		documents:      newDocumentStore(),
		state:          StateDisconnected,
	}
	for _, opt := range options {
		opt(c)
	}
	c.logger = c.logger.With(
		slog.String("package", "go-mcp-lsp"),
		slog.String("component", "client"),
	)
	c.requester = newRequester(transport, c.requestTimeout, c.logger)
	return c
}

// WithClientInfo sets the name and version sent in the initialize request.
func WithClientInfo(info Info) ClientOption {
	return func(c *Client) {
		c.info = info
	}
}

// WithLocale sets the locale sent in the initialize request.
func WithLocale(locale string) ClientOption {
	return func(c *Client) {
		c.locale = locale
	}
}

// WithRootURI sets the workspace root sent in the initialize request.
func WithRootURI(uri string) ClientOption {
	return func(c *Client) {
		c.rootURI = &uri
	}
}

// WithWorkspaceFolders sets the workspace folders sent in the initialize request.
func WithWorkspaceFolders(folders ...WorkspaceFolder) ClientOption {
	return func(c *Client) {
		c.workspaceFolders = folders
	}
}

// WithClientCapabilities replaces the default client capabilities.
func WithClientCapabilities(caps ClientCapabilities) ClientOption {
	return func(c *Client) {
		c.capabilities = caps
	}
}

// WithTrace sets the trace level sent in the initialize request.
func WithTrace(trace string) ClientOption {
	return func(c *Client) {
		c.trace = trace
	}
}

// WithClientRequestTimeout sets how long a request waits for its response. A
// non-positive value disables the timeout.
func WithClientRequestTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.requestTimeout = timeout
	}
}

// WithClientLogger sets the logger of the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithDiagnosticsListener sets the listener for published diagnostics.
func WithDiagnosticsListener(listener DiagnosticsListener) ClientOption {
	return func(c *Client) {
		c.diagnosticsListener = listener
	}
}

// WithShowMessageListener sets the listener for window/showMessage.
func WithShowMessageListener(listener ShowMessageListener) ClientOption {
	return func(c *Client) {
		c.showMessageListener = listener
	}
}

// WithLogMessageListener sets the listener for window/logMessage.
func WithLogMessageListener(listener LogMessageListener) ClientOption {
	return func(c *Client) {
		c.logMessageListener = listener
	}
}

// WithTelemetryListener sets the listener for telemetry/event.
func WithTelemetryListener(listener TelemetryListener) ClientOption {
	return func(c *Client) {
		c.telemetryListener = listener
	}
}

// WithNotificationListener sets the listener for notifications without a dedicated
// listener.
func WithNotificationListener(listener NotificationListener) ClientOption {
	return func(c *Client) {
		c.notificationListener = listener
	}
}

// WithStateListener sets the listener for state transitions.
func WithStateListener(listener StateListener) ClientOption {
	return func(c *Client) {
		c.stateListener = listener
	}
}

// WithErrorListener sets the listener for transport errors.
func WithErrorListener(listener ErrorListener) ClientOption {
	return func(c *Client) {
		c.errorListener = listener
	}
}

// WithWorkspaceEditHandler sets the handler for workspace/applyEdit.
func WithWorkspaceEditHandler(handler WorkspaceEditHandler) ClientOption {
	return func(c *Client) {
		c.workspaceEditHandler = handler
	}
}

// WithShowMessageRequestHandler sets the handler for window/showMessageRequest.
func WithShowMessageRequestHandler(handler ShowMessageRequestHandler) ClientOption {
	return func(c *Client) {
		c.showMessageRequestHandler = handler
	}
}

// Connect dials the transport and performs the initialize handshake: the initialize
// request followed by the initialized notification. It fails with ErrAlreadyConnected
// unless the client is disconnected. Any failure leaves the client in StateError;
// call Disconnect to release the transport.
func (c *Client) Connect(ctx context.Context) error {
	if !c.transition(StateConnecting, StateDisconnected) {
		return fmt.Errorf("%w: client is %s", ErrAlreadyConnected, c.State())
	}

	if err := c.transport.Connect(ctx); err != nil {
		c.setState(StateError)
		return fmt.Errorf("failed to connect transport: %w", err)
	}
	c.transition(StateConnected, StateConnecting)

	eventsDone := make(chan struct{})
	c.mu.Lock()
	c.eventsDone = eventsDone
	c.mu.Unlock()
	go c.listenEvents(eventsDone)

	c.transition(StateInitializing, StateConnected)
	if err := c.initialize(ctx); err != nil {
		c.setState(StateError)
		return fmt.Errorf("failed to initialize: %w", err)
	}
	if !c.transition(StateInitialized, StateInitializing) {
		return fmt.Errorf("%w during initialization", ErrConnectionClosed)
	}

	c.logger.Info("client initialized", slog.String("server", c.ServerInfo().Name))
	return nil
}

// Disconnect ends the session. An initialized client first sends the shutdown request
// and the exit notification. The transport is then stopped, which leaves it ready for
// another Connect, and every pending request is rejected with ErrConnectionClosed.
// Disconnecting a disconnected client is a no-op.
func (c *Client) Disconnect(ctx context.Context) error {
	state := c.State()
	if state == StateDisconnected {
		return nil
	}

	var errs []error
	if state == StateInitialized {
		c.transition(StateShuttingDown, StateInitialized)
		if _, err := c.SendRequest(ctx, MethodShutdown, nil); err != nil {
			errs = append(errs, fmt.Errorf("failed to shut down: %w", err))
		}
		if err := c.SendNotification(ctx, MethodExit, nil); err != nil {
			errs = append(errs, fmt.Errorf("failed to send exit: %w", err))
		}
	}

	if err := c.transport.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop transport: %w", err))
	}
	if n := c.requester.pending.rejectAll(ErrConnectionClosed); n > 0 {
		c.logger.Warn("rejected pending requests on disconnect", slog.Int("count", n))
	}

	c.mu.Lock()
	eventsDone := c.eventsDone
	c.eventsDone = nil
	c.mu.Unlock()
	if eventsDone != nil {
		select {
		case <-eventsDone:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}

	c.documents.clear()
	c.setState(StateDisconnected)
	return errors.Join(errs...)
}

// State returns the current lifecycle state.
func (c *Client) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsInitialized reports whether the handshake has completed and the session is live.
func (c *Client) IsInitialized() bool {
	return c.State() == StateInitialized
}

// ServerCapabilities returns the capabilities the server announced at initialize.
func (c *Client) ServerCapabilities() ServerCapabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverCapabilities
}

// ServerInfo returns the server name and version, or the zero Info if the server did
// not send them.
func (c *Client) ServerInfo() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.serverInfo == nil {
		return Info{}
	}
	return *c.serverInfo
}

// SendRequest sends a request and waits for its result. The wait ends with the response,
// with ErrRequestTimeout after the request timeout, with ErrConnectionClosed when the
// connection goes away, or with ctx's error, in which case the server is asked to cancel
// the request. A response carrying an error is returned as *Error.
func (c *Client) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !c.canSend() {
		return nil, fmt.Errorf("%w: client is %s", ErrNotConnected, c.State())
	}
	return c.requester.call(ctx, method, params)
}

// Call is SendRequest followed by decoding the result into result, which may be nil to
// discard it.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	raw, err := c.SendRequest(ctx, method, params)
	if err != nil {
		return err
	}
	if result == nil || len(raw) == 0 || bytes.Equal(raw, nullJSON) {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}

// SendNotification sends a notification without waiting for any answer.
func (c *Client) SendNotification(ctx context.Context, method string, params any) error {
	if !c.canSend() {
		return fmt.Errorf("%w: client is %s", ErrNotConnected, c.State())
	}
	return c.requester.notify(ctx, method, params)
}

// OpenDocument records the document at version 1 and sends textDocument/didOpen.
func (c *Client) OpenDocument(ctx context.Context, uri, languageID, content string) error {
	if !c.IsInitialized() {
		return ErrNotInitialized
	}
	doc := TextDocument{
		URI:        uri,
		LanguageID: languageID,
		Version:    1,
		Content:    content,
	}
	if err := c.documents.open(doc); err != nil {
		return err
	}

	params := DidOpenTextDocumentParams{
		TextDocument: TextDocumentItem{
			URI:        uri,
			LanguageID: languageID,
			Version:    doc.Version,
			Text:       content,
		},
	}
	if err := c.SendNotification(ctx, MethodDidOpen, params); err != nil {
		_ = c.documents.close(uri)
		return err
	}
	return nil
}

// ChangeDocument applies changes to the local copy, bumps its version and sends
// textDocument/didChange. Changes without a range replace the whole content.
func (c *Client) ChangeDocument(ctx context.Context, uri string, changes ...TextDocumentContentChangeEvent) error {
	if !c.IsInitialized() {
		return ErrNotInitialized
	}
	doc, err := c.documents.change(uri, 0, changes)
	if err != nil {
		return err
	}

	params := DidChangeTextDocumentParams{
		TextDocument:   VersionedTextDocumentIdentifier{URI: uri, Version: doc.Version},
		ContentChanges: changes,
	}
	return c.SendNotification(ctx, MethodDidChange, params)
}

// SaveDocument sends textDocument/didSave with the current content.
func (c *Client) SaveDocument(ctx context.Context, uri string) error {
	if !c.IsInitialized() {
		return ErrNotInitialized
	}
	doc, ok := c.documents.get(uri)
	if !ok {
		return fmt.Errorf("%w: %s", ErrDocumentNotOpen, uri)
	}

	params := DidSaveTextDocumentParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
		Text:         &doc.Content,
	}
	return c.SendNotification(ctx, MethodDidSave, params)
}

// CloseDocument forgets the document and sends textDocument/didClose.
func (c *Client) CloseDocument(ctx context.Context, uri string) error {
	if !c.IsInitialized() {
		return ErrNotInitialized
	}
	if err := c.documents.close(uri); err != nil {
		return err
	}

	params := DidCloseTextDocumentParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
	}
	return c.SendNotification(ctx, MethodDidClose, params)
}

// Document returns the local copy of an open document.
func (c *Client) Document(uri string) (TextDocument, bool) {
	return c.documents.get(uri)
}

// Documents returns every open document, sorted by URI.
func (c *Client) Documents() []TextDocument {
	return c.documents.snapshot()
}

// Completion requests textDocument/completion.
func (c *Client) Completion(ctx context.Context, uri string, pos Position) (CompletionList, error) {
	var result CompletionList
	err := c.Call(ctx, MethodCompletion, positionParams(uri, pos), &result)
	return result, err
}

// Hover requests textDocument/hover. A nil Hover means the server has nothing to show.
func (c *Client) Hover(ctx context.Context, uri string, pos Position) (*Hover, error) {
	var result *Hover
	err := c.Call(ctx, MethodHover, positionParams(uri, pos), &result)
	return result, err
}

// Definition requests textDocument/definition.
func (c *Client) Definition(ctx context.Context, uri string, pos Position) ([]Location, error) {
	raw, err := c.SendRequest(ctx, MethodDefinition, positionParams(uri, pos))
	if err != nil {
		return nil, err
	}
	return decodeLocations(raw)
}

// References requests textDocument/references.
func (c *Client) References(ctx context.Context, uri string, pos Position, includeDeclaration bool) ([]Location, error) {
	params := ReferenceParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
		Position:     pos,
		Context:      ReferenceContext{IncludeDeclaration: includeDeclaration},
	}
	raw, err := c.SendRequest(ctx, MethodReferences, params)
	if err != nil {
		return nil, err
	}
	return decodeLocations(raw)
}

// DocumentSymbols requests textDocument/documentSymbol.
func (c *Client) DocumentSymbols(ctx context.Context, uri string) ([]DocumentSymbol, error) {
	var result []DocumentSymbol
	err := c.Call(ctx, MethodDocumentSymbol, DocumentSymbolParams{TextDocument: TextDocumentIdentifier{URI: uri}}, &result)
	return result, err
}

// CodeActions requests textDocument/codeAction for rng.
func (c *Client) CodeActions(ctx context.Context, uri string, rng Range, diagnostics []Diagnostic) ([]CodeAction, error) {
	if diagnostics == nil {
		diagnostics = []Diagnostic{}
	}
	params := CodeActionParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
		Range:        rng,
		Context:      CodeActionContext{Diagnostics: diagnostics},
	}
	var result []CodeAction
	err := c.Call(ctx, MethodCodeAction, params, &result)
	return result, err
}

// FormatDocument requests textDocument/formatting. Nil options mean two spaces.
func (c *Client) FormatDocument(ctx context.Context, uri string, options *FormattingOptions) ([]TextEdit, error) {
	opts := FormattingOptions{TabSize: 2, InsertSpaces: true}
	if options != nil {
		opts = *options
	}
	params := DocumentFormattingParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
		Options:      opts,
	}
	var result []TextEdit
	err := c.Call(ctx, MethodFormatting, params, &result)
	return result, err
}

// SendModelRequest requests model/request. modelContext may be nil.
func (c *Client) SendModelRequest(ctx context.Context, model, prompt string, modelContext any) (ModelResponse, error) {
	params := ModelRequestParams{
		Model:  model,
		Prompt: prompt,
	}
	if modelContext != nil {
		raw, err := encodeParams(modelContext)
		if err != nil {
			return ModelResponse{}, err
		}
		params.Context = raw
	}
	var result ModelResponse
	err := c.Call(ctx, MethodModelRequest, params, &result)
	return result, err
}

// UpdateContext sends the context/update notification.
func (c *Client) UpdateContext(ctx context.Context, modelContext any) error {
	return c.SendNotification(ctx, MethodContextUpdate, modelContext)
}

// QueryCapabilities requests capability/query.
func (c *Client) QueryCapabilities(ctx context.Context) (ServerCapabilities, error) {
	var result ServerCapabilities
	err := c.Call(ctx, MethodCapabilityQuery, struct{}{}, &result)
	return result, err
}

func (c *Client) initialize(ctx context.Context) error {
	pid := os.Getpid()
	info := c.info
	params := InitializeParams{
		ProcessID:        &pid,
		ClientInfo:       &info,
		Locale:           c.locale,
		RootURI:          c.rootURI,
		WorkspaceFolders: c.workspaceFolders,
		Capabilities:     c.capabilities,
		Trace:            c.trace,
	}

	var result InitializeResult
	if err := c.Call(ctx, MethodInitialize, params, &result); err != nil {
		return err
	}

	c.mu.Lock()
	c.serverCapabilities = result.Capabilities
	c.serverInfo = result.ServerInfo
	c.mu.Unlock()

	return c.SendNotification(ctx, MethodInitialized, struct{}{})
}

func (c *Client) listenEvents(done chan<- struct{}) {
	defer close(done)

	for ev := range c.transport.Events() {
		switch ev.Type {
		case EventMessage:
			c.handleMessage(ev.Message)
		case EventError:
			c.logger.Warn("transport error", slog.String("err", ev.Err.Error()))
			if c.errorListener != nil {
				c.errorListener.OnError(ev.Err)
			}
		case EventConnect:
			c.logger.Debug("transport connected")
		case EventClose:
			c.logger.Debug("transport closed")
		case EventConnection:
			c.logger.Warn("unexpected connection event on a client transport")
		}
	}

	if n := c.requester.pending.rejectAll(ErrConnectionClosed); n > 0 {
		c.logger.Warn("connection closed with pending requests", slog.Int("count", n))
	}
	c.mu.Lock()
	from := c.state
	if from != StateError && from != StateDisconnected {
		c.state = StateDisconnected
	}
	to := c.state
	c.mu.Unlock()
	c.notifyState(from, to)
}

func (c *Client) handleMessage(msg Message) {
	switch msg.Kind {
	case KindResponse:
		if !c.requester.pending.resolve(msg) {
			c.logger.Debug("dropping response for unknown request", slog.String("id", msg.ID.String()))
		}
	case KindRequest:
		// Handlers may block on the user, so they must not hold up the event loop.
		go c.handleServerRequest(msg)
	case KindNotification:
		c.handleNotification(msg)
	}
}

func (c *Client) handleServerRequest(msg Message) {
	ctx := context.Background()
	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	var result any
	var err error
	switch msg.Method {
	case MethodApplyEdit:
		result, err = c.applyEdit(ctx, msg)
	case MethodShowMessageRequest:
		result, err = c.showMessageRequest(ctx, msg)
	case MethodShowMessage, MethodLogMessage:
		c.handleNotification(msg)
	default:
		err = NewInternalError(fmt.Sprintf("unknown server request: %s", msg.Method))
	}

	if sendErr := c.requester.respond(ctx, msg.ID, result, err); sendErr != nil {
		c.logger.Error("failed to respond to server request",
			slog.String("method", msg.Method), slog.String("err", sendErr.Error()))
	}
}

func (c *Client) applyEdit(ctx context.Context, msg Message) (any, error) {
	var params ApplyWorkspaceEditParams
	if err := msg.DecodeParams(&params); err != nil {
		return nil, err
	}
	if c.workspaceEditHandler == nil {
		return ApplyWorkspaceEditResult{Applied: true}, nil
	}
	return c.workspaceEditHandler.ApplyEdit(ctx, params)
}

func (c *Client) showMessageRequest(ctx context.Context, msg Message) (any, error) {
	var params ShowMessageRequestParams
	if err := msg.DecodeParams(&params); err != nil {
		return nil, err
	}
	if c.showMessageListener != nil {
		c.showMessageListener.OnShowMessage(ShowMessageParams{Type: params.Type, Message: params.Message})
	}
	if c.showMessageRequestHandler == nil {
		return nil, nil
	}
	item, err := c.showMessageRequestHandler.ShowMessageRequest(ctx, params)
	if err != nil || item == nil {
		return nil, err
	}
	return item, nil
}

func (c *Client) handleNotification(msg Message) {
	var err error
	handled := true
	switch msg.Method {
	case MethodPublishDiagnostics:
		var params PublishDiagnosticsParams
		if err = msg.DecodeParams(&params); err == nil && c.diagnosticsListener != nil {
			c.diagnosticsListener.OnDiagnostics(params)
		}
		handled = c.diagnosticsListener != nil
	case MethodShowMessage:
		var params ShowMessageParams
		if err = msg.DecodeParams(&params); err == nil && c.showMessageListener != nil {
			c.showMessageListener.OnShowMessage(params)
		}
		handled = c.showMessageListener != nil
	case MethodLogMessage:
		var params LogMessageParams
		if err = msg.DecodeParams(&params); err == nil && c.logMessageListener != nil {
			c.logMessageListener.OnLogMessage(params)
		}
		handled = c.logMessageListener != nil
	case MethodTelemetryEvent:
		if c.telemetryListener != nil {
			c.telemetryListener.OnTelemetry(msg.Params)
		}
		handled = c.telemetryListener != nil
	default:
		handled = false
	}

	if err != nil {
		c.logger.Warn("failed to decode notification",
			slog.String("method", msg.Method), slog.String("err", err.Error()))
		if c.errorListener != nil {
			c.errorListener.OnError(fmt.Errorf("notification %s: %w", msg.Method, err))
		}
		return
	}
	if handled {
		return
	}
	if c.notificationListener != nil {
		c.notificationListener.OnNotification(msg)
		return
	}
	c.logger.Debug("unhandled notification", slog.String("method", msg.Method))
}

func (c *Client) canSend() bool {
	switch c.State() {
	case StateConnected, StateInitializing, StateInitialized, StateShuttingDown:
		return true
	default:
		return false
	}
}

// transition moves the client to state to if it is currently in one of from.
func (c *Client) transition(to ConnectionState, from ...ConnectionState) bool {
	c.mu.Lock()
	cur := c.state
	ok := false
	for _, f := range from {
		if cur == f {
			ok = true
			break
		}
	}
	if ok {
		c.state = to
	}
	c.mu.Unlock()

	if ok {
		c.notifyState(cur, to)
	}
	return ok
}

func (c *Client) setState(to ConnectionState) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()
	c.notifyState(from, to)
}

func (c *Client) notifyState(from, to ConnectionState) {
	if from == to {
		return
	}
	c.logger.Debug("state changed", slog.String("from", string(from)), slog.String("to", string(to)))
	if c.stateListener != nil {
		c.stateListener.OnStateChange(from, to)
	}
}

func positionParams(uri string, pos Position) TextDocumentPositionParams {
	return TextDocumentPositionParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
		Position:     pos,
	}
}
