package mcplsp

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Standard method names.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "initialized"
	MethodShutdown    = "shutdown"
	MethodExit        = "exit"

	MethodDidOpen   = "textDocument/didOpen"
	MethodDidChange = "textDocument/didChange"
	MethodDidSave   = "textDocument/didSave"
	MethodDidClose  = "textDocument/didClose"

	MethodCompletion         = "textDocument/completion"
	MethodHover              = "textDocument/hover"
	MethodDefinition         = "textDocument/definition"
	MethodReferences         = "textDocument/references"
	MethodDocumentSymbol     = "textDocument/documentSymbol"
	MethodCodeAction         = "textDocument/codeAction"
	MethodFormatting         = "textDocument/formatting"
	MethodPublishDiagnostics = "textDocument/publishDiagnostics"

	MethodApplyEdit          = "workspace/applyEdit"
	MethodShowMessage        = "window/showMessage"
	MethodShowMessageRequest = "window/showMessageRequest"
	MethodLogMessage         = "window/logMessage"
	MethodTelemetryEvent     = "telemetry/event"

	MethodModelRequest    = "model/request"
	MethodContextUpdate   = "context/update"
	MethodCapabilityQuery = "capability/query"

	MethodCancelRequest = cancelRequestMethod
)

// Info identifies a client or a server by name and version.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// WorkspaceFolder is a root folder opened by the client.
type WorkspaceFolder struct {
	URI  string `json:"uri"`
	Name string `json:"name"`
}

// InitializeParams is sent by the client with the initialize request.
type InitializeParams struct {
	// ProcessID is the client process ID, or null when not started by a process.
	ProcessID *int `json:"processId"`
	// ClientInfo identifies the client.
	ClientInfo *Info `json:"clientInfo,omitempty"`
	// Locale is the client UI locale, such as "en-US".
	Locale string `json:"locale,omitempty"`
	// RootURI is the workspace root, or null when no folder is open.
	RootURI *string `json:"rootUri"`
	// WorkspaceFolders is null when the client does not support workspace folders.
	WorkspaceFolders []WorkspaceFolder `json:"workspaceFolders"`
	// Capabilities describes what the client supports. Missing entries are unsupported.
	Capabilities ClientCapabilities `json:"capabilities"`
	// Trace is one of "off", "messages", "verbose".
	Trace string `json:"trace,omitempty"`
}

// InitializeResult is returned by the server from the initialize request.
type InitializeResult struct {
	Capabilities ServerCapabilities `json:"capabilities"`
	ServerInfo   *Info              `json:"serverInfo,omitempty"`
}

// DynamicRegistration is the capability shape shared by most LSP features.
type DynamicRegistration struct {
	DynamicRegistration bool `json:"dynamicRegistration,omitempty"`
}

// ClientCapabilities describes the features a client supports.
type ClientCapabilities struct {
	Workspace    *WorkspaceClientCapabilities    `json:"workspace,omitempty"`
	TextDocument *TextDocumentClientCapabilities `json:"textDocument,omitempty"`
	Model        *ModelCapabilities              `json:"model,omitempty"`
	Context      *ContextCapabilities            `json:"context,omitempty"`
	Experimental map[string]any                  `json:"experimental,omitempty"`
}

// WorkspaceClientCapabilities describes workspace-level client features.
type WorkspaceClientCapabilities struct {
	ApplyEdit              bool                             `json:"applyEdit,omitempty"`
	WorkspaceEdit          *WorkspaceEditClientCapabilities `json:"workspaceEdit,omitempty"`
	DidChangeConfiguration *DynamicRegistration             `json:"didChangeConfiguration,omitempty"`
	DidChangeWatchedFiles  *DynamicRegistration             `json:"didChangeWatchedFiles,omitempty"`
	Symbol                 *DynamicRegistration             `json:"symbol,omitempty"`
	ExecuteCommand         *DynamicRegistration             `json:"executeCommand,omitempty"`
	WorkspaceFolders       bool                             `json:"workspaceFolders,omitempty"`
	Configuration          bool                             `json:"configuration,omitempty"`
}

// WorkspaceEditClientCapabilities describes how the client applies workspace edits.
type WorkspaceEditClientCapabilities struct {
	DocumentChanges    bool     `json:"documentChanges,omitempty"`
	ResourceOperations []string `json:"resourceOperations,omitempty"`
	FailureHandling    string   `json:"failureHandling,omitempty"`
}

// TextDocumentClientCapabilities describes document-level client features.
type TextDocumentClientCapabilities struct {
	Synchronization *TextDocumentSyncClientCapabilities `json:"synchronization,omitempty"`
	Completion      *CompletionClientCapabilities       `json:"completion,omitempty"`
	Hover           *HoverClientCapabilities            `json:"hover,omitempty"`
	Definition      *DefinitionClientCapabilities       `json:"definition,omitempty"`
	References      *DynamicRegistration                `json:"references,omitempty"`
	DocumentSymbol  *DocumentSymbolClientCapabilities   `json:"documentSymbol,omitempty"`
	CodeAction      *CodeActionClientCapabilities       `json:"codeAction,omitempty"`
	Formatting      *DynamicRegistration                `json:"formatting,omitempty"`
}

// TextDocumentSyncClientCapabilities describes the document sync notifications the client sends.
type TextDocumentSyncClientCapabilities struct {
	DynamicRegistration bool `json:"dynamicRegistration,omitempty"`
	WillSave            bool `json:"willSave,omitempty"`
	WillSaveWaitUntil   bool `json:"willSaveWaitUntil,omitempty"`
	DidSave             bool `json:"didSave,omitempty"`
}

// CompletionClientCapabilities describes client completion support.
type CompletionClientCapabilities struct {
	DynamicRegistration bool                      `json:"dynamicRegistration,omitempty"`
	CompletionItem      *CompletionItemCapability `json:"completionItem,omitempty"`
	ContextSupport      bool                      `json:"contextSupport,omitempty"`
}

// CompletionItemCapability describes which completion item features the client renders.
type CompletionItemCapability struct {
	SnippetSupport          bool     `json:"snippetSupport,omitempty"`
	CommitCharactersSupport bool     `json:"commitCharactersSupport,omitempty"`
	DocumentationFormat     []string `json:"documentationFormat,omitempty"`
	DeprecatedSupport       bool     `json:"deprecatedSupport,omitempty"`
	PreselectSupport        bool     `json:"preselectSupport,omitempty"`
}

// HoverClientCapabilities describes client hover support.
type HoverClientCapabilities struct {
	DynamicRegistration bool     `json:"dynamicRegistration,omitempty"`
	ContentFormat       []string `json:"contentFormat,omitempty"`
}

// DefinitionClientCapabilities describes client go-to-definition support.
type DefinitionClientCapabilities struct {
	DynamicRegistration bool `json:"dynamicRegistration,omitempty"`
	LinkSupport         bool `json:"linkSupport,omitempty"`
}

// DocumentSymbolClientCapabilities describes client document symbol support.
type DocumentSymbolClientCapabilities struct {
	DynamicRegistration               bool `json:"dynamicRegistration,omitempty"`
	HierarchicalDocumentSymbolSupport bool `json:"hierarchicalDocumentSymbolSupport,omitempty"`
}

// CodeActionClientCapabilities describes client code action support.
type CodeActionClientCapabilities struct {
	DynamicRegistration      bool                      `json:"dynamicRegistration,omitempty"`
	CodeActionLiteralSupport *CodeActionLiteralSupport `json:"codeActionLiteralSupport,omitempty"`
	IsPreferredSupport       bool                      `json:"isPreferredSupport,omitempty"`
}

// CodeActionLiteralSupport lists the code action kinds the client understands.
type CodeActionLiteralSupport struct {
	CodeActionKind struct {
		ValueSet []string `json:"valueSet"`
	} `json:"codeActionKind"`
}

// ModelCapabilities describes model inference support.
type ModelCapabilities struct {
	Streaming       bool     `json:"streaming,omitempty"`
	ContextWindow   int      `json:"contextWindow,omitempty"`
	SupportedModels []string `json:"supportedModels,omitempty"`
}

// ContextCapabilities describes the context payloads an endpoint accepts.
type ContextCapabilities struct {
	MaxSize int      `json:"maxSize,omitempty"`
	Formats []string `json:"formats,omitempty"`
}

// TextDocumentSyncKind selects how document changes are sent to the server.
type TextDocumentSyncKind int

// Document sync kinds.
const (
	SyncNone        TextDocumentSyncKind = 0
	SyncFull        TextDocumentSyncKind = 1
	SyncIncremental TextDocumentSyncKind = 2
)

// TextDocumentSyncOptions is the server's document sync configuration.
type TextDocumentSyncOptions struct {
	OpenClose bool                 `json:"openClose,omitempty"`
	Change    TextDocumentSyncKind `json:"change"`
	Save      *SaveOptions         `json:"save,omitempty"`
}

// SaveOptions configures didSave notifications.
type SaveOptions struct {
	IncludeText bool `json:"includeText,omitempty"`
}

// ServerCapabilities describes the features a server provides. Feature providers are
// advertised only when a handler for the method is registered.
type ServerCapabilities struct {
	TextDocumentSync           *TextDocumentSyncOptions `json:"textDocumentSync,omitempty"`
	CompletionProvider         *CompletionOptions       `json:"completionProvider,omitempty"`
	HoverProvider              bool                     `json:"hoverProvider,omitempty"`
	DefinitionProvider         bool                     `json:"definitionProvider,omitempty"`
	ReferencesProvider         bool                     `json:"referencesProvider,omitempty"`
	DocumentSymbolProvider     bool                     `json:"documentSymbolProvider,omitempty"`
	CodeActionProvider         bool                     `json:"codeActionProvider,omitempty"`
	DocumentFormattingProvider bool                     `json:"documentFormattingProvider,omitempty"`
	Model                      *ModelCapabilities       `json:"model,omitempty"`
	Context                    *ContextCapabilities     `json:"context,omitempty"`
	Experimental               map[string]any           `json:"experimental,omitempty"`
}

// CompletionOptions configures server completion.
type CompletionOptions struct {
	TriggerCharacters []string `json:"triggerCharacters,omitempty"`
	ResolveProvider   bool     `json:"resolveProvider,omitempty"`
}

// TextDocumentIdentifier names a document.
type TextDocumentIdentifier struct {
	URI string `json:"uri"`
}

// VersionedTextDocumentIdentifier names a document at a version.
type VersionedTextDocumentIdentifier struct {
	URI     string `json:"uri"`
	Version int    `json:"version"`
}

// TextDocumentItem is a document transferred on open.
type TextDocumentItem struct {
	URI        string `json:"uri"`
	LanguageID string `json:"languageId"`
	Version    int    `json:"version"`
	Text       string `json:"text"`
}

// DidOpenTextDocumentParams is sent with textDocument/didOpen.
type DidOpenTextDocumentParams struct {
	TextDocument TextDocumentItem `json:"textDocument"`
}

// DidChangeTextDocumentParams is sent with textDocument/didChange.
type DidChangeTextDocumentParams struct {
	TextDocument   VersionedTextDocumentIdentifier  `json:"textDocument"`
	ContentChanges []TextDocumentContentChangeEvent `json:"contentChanges"`
}

// DidSaveTextDocumentParams is sent with textDocument/didSave. Text is set when the
// server asked for it.
type DidSaveTextDocumentParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Text         *string                `json:"text,omitempty"`
}

// DidCloseTextDocumentParams is sent with textDocument/didClose.
type DidCloseTextDocumentParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
}

// TextDocumentPositionParams locates a position in a document.
type TextDocumentPositionParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Position     Position               `json:"position"`
}

// ReferenceParams is sent with textDocument/references.
type ReferenceParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Position     Position               `json:"position"`
	Context      ReferenceContext       `json:"context"`
}

// ReferenceContext controls reference lookups.
type ReferenceContext struct {
	IncludeDeclaration bool `json:"includeDeclaration"`
}

// DocumentSymbolParams is sent with textDocument/documentSymbol.
type DocumentSymbolParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
}

// CodeActionParams is sent with textDocument/codeAction.
type CodeActionParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Range        Range                  `json:"range"`
	Context      CodeActionContext      `json:"context"`
}

// CodeActionContext carries the diagnostics a code action request is about.
type CodeActionContext struct {
	Diagnostics []Diagnostic `json:"diagnostics"`
	Only        []string     `json:"only,omitempty"`
}

// DocumentFormattingParams is sent with textDocument/formatting.
type DocumentFormattingParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Options      FormattingOptions      `json:"options"`
}

// FormattingOptions are the formatting preferences of the client.
type FormattingOptions struct {
	TabSize      int  `json:"tabSize"`
	InsertSpaces bool `json:"insertSpaces"`
}

// Location is a range inside a document.
type Location struct {
	URI   string `json:"uri"`
	Range Range  `json:"range"`
}

// TextEdit replaces a range with new text.
type TextEdit struct {
	Range   Range  `json:"range"`
	NewText string `json:"newText"`
}

// WorkspaceEdit groups edits across documents.
type WorkspaceEdit struct {
	Changes         map[string][]TextEdit `json:"changes,omitempty"`
	DocumentChanges json.RawMessage       `json:"documentChanges,omitempty"`
}

// DiagnosticSeverity ranks a Diagnostic.
type DiagnosticSeverity int

// Diagnostic severities.
const (
	SeverityError       DiagnosticSeverity = 1
	SeverityWarning     DiagnosticSeverity = 2
	SeverityInformation DiagnosticSeverity = 3
	SeverityHint        DiagnosticSeverity = 4
)

// Diagnostic is a problem reported for a range of a document.
type Diagnostic struct {
	Range    Range              `json:"range"`
	Severity DiagnosticSeverity `json:"severity,omitempty"`
	Code     json.RawMessage    `json:"code,omitempty"`
	Source   string             `json:"source,omitempty"`
	Message  string             `json:"message"`
}

// PublishDiagnosticsParams is sent by the server with textDocument/publishDiagnostics.
type PublishDiagnosticsParams struct {
	URI         string       `json:"uri"`
	Version     *int         `json:"version,omitempty"`
	Diagnostics []Diagnostic `json:"diagnostics"`
}

// CompletionItem is a single completion proposal.
type CompletionItem struct {
	Label         string          `json:"label"`
	Kind          int             `json:"kind,omitempty"`
	Detail        string          `json:"detail,omitempty"`
	Documentation json.RawMessage `json:"documentation,omitempty"`
	SortText      string          `json:"sortText,omitempty"`
	FilterText    string          `json:"filterText,omitempty"`
	InsertText    string          `json:"insertText,omitempty"`
	TextEdit      *TextEdit       `json:"textEdit,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// CompletionList is the result of textDocument/completion. It also decodes the bare
// item array and null forms of the result.
type CompletionList struct {
	IsIncomplete bool             `json:"isIncomplete"`
	Items        []CompletionItem `json:"items"`
}

// MarkupContent is rendered documentation.
type MarkupContent struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

// Hover is the result of textDocument/hover.
type Hover struct {
	Contents MarkupContent `json:"contents"`
	Range    *Range        `json:"range,omitempty"`
}

// DocumentSymbol is a symbol of a document. Location is set instead of Range when the
// server answers with the flat symbol information form.
type DocumentSymbol struct {
	Name           string           `json:"name"`
	Detail         string           `json:"detail,omitempty"`
	Kind           int              `json:"kind"`
	Range          Range            `json:"range"`
	SelectionRange Range            `json:"selectionRange"`
	Location       *Location        `json:"location,omitempty"`
	Children       []DocumentSymbol `json:"children,omitempty"`
}

// CodeAction is a change the server proposes. Command holds either a command object or,
// for bare commands, is empty and Title names the command.
type CodeAction struct {
	Title       string          `json:"title"`
	Kind        string          `json:"kind,omitempty"`
	Diagnostics []Diagnostic    `json:"diagnostics,omitempty"`
	IsPreferred bool            `json:"isPreferred,omitempty"`
	Edit        *WorkspaceEdit  `json:"edit,omitempty"`
	Command     json.RawMessage `json:"command,omitempty"`
	Arguments   json.RawMessage `json:"arguments,omitempty"`
}

// MessageType ranks a window message.
type MessageType int

// Window message types.
const (
	MessageError   MessageType = 1
	MessageWarning MessageType = 2
	MessageInfo    MessageType = 3
	MessageLog     MessageType = 4
)

// ShowMessageParams is sent with window/showMessage.
type ShowMessageParams struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

// LogMessageParams is sent with window/logMessage.
type LogMessageParams struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

// MessageActionItem is a choice offered by window/showMessageRequest.
type MessageActionItem struct {
	Title string `json:"title"`
}

// ShowMessageRequestParams is sent with window/showMessageRequest.
type ShowMessageRequestParams struct {
	Type    MessageType         `json:"type"`
	Message string              `json:"message"`
	Actions []MessageActionItem `json:"actions,omitempty"`
}

// ApplyWorkspaceEditParams is sent by the server with workspace/applyEdit.
type ApplyWorkspaceEditParams struct {
	Label string        `json:"label,omitempty"`
	Edit  WorkspaceEdit `json:"edit"`
}

// ApplyWorkspaceEditResult answers workspace/applyEdit.
type ApplyWorkspaceEditResult struct {
	Applied       bool   `json:"applied"`
	FailureReason string `json:"failureReason,omitempty"`
}

// ModelRequestParams is sent with model/request.
type ModelRequestParams struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Context json.RawMessage `json:"context,omitempty"`
}

// ModelResponse answers model/request.
type ModelResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	// Stub is true when no inference backend produced the response.
	Stub bool `json:"stub,omitempty"`
}

// CancelParams is sent with $/cancelRequest.
type CancelParams struct {
	ID ID `json:"id"`
}

// DefaultClientCapabilities returns the capabilities a Client announces unless
// configured otherwise.
func DefaultClientCapabilities() ClientCapabilities {
	dyn := &DynamicRegistration{DynamicRegistration: true}
	caps := ClientCapabilities{
		Workspace: &WorkspaceClientCapabilities{
			ApplyEdit:              true,
			WorkspaceEdit:          &WorkspaceEditClientCapabilities{DocumentChanges: true},
			DidChangeConfiguration: dyn,
			DidChangeWatchedFiles:  dyn,
		},
		TextDocument: &TextDocumentClientCapabilities{
			Synchronization: &TextDocumentSyncClientCapabilities{
				DynamicRegistration: true,
				WillSave:            true,
				WillSaveWaitUntil:   true,
				DidSave:             true,
			},
			Completion: &CompletionClientCapabilities{
				DynamicRegistration: true,
				CompletionItem: &CompletionItemCapability{
					SnippetSupport:          true,
					CommitCharactersSupport: true,
					DocumentationFormat:     []string{"markdown", "plaintext"},
					DeprecatedSupport:       true,
					PreselectSupport:        true,
				},
				ContextSupport: true,
			},
			Hover: &HoverClientCapabilities{
				DynamicRegistration: true,
				ContentFormat:       []string{"markdown", "plaintext"},
			},
			Definition: &DefinitionClientCapabilities{DynamicRegistration: true, LinkSupport: true},
			References: dyn,
			DocumentSymbol: &DocumentSymbolClientCapabilities{
				DynamicRegistration:               true,
				HierarchicalDocumentSymbolSupport: true,
			},
			CodeAction: &CodeActionClientCapabilities{
				DynamicRegistration: true,
				IsPreferredSupport:  true,
			},
			Formatting: dyn,
		},
		Model: &ModelCapabilities{
			Streaming:       true,
			ContextWindow:   8192,
			SupportedModels: []string{"gpt-4", "claude-3", "llama-2"},
		},
		Context: &ContextCapabilities{
			MaxSize: 32768,
			Formats: []string{"text", "markdown", "code"},
		},
	}
	caps.TextDocument.CodeAction.CodeActionLiteralSupport = &CodeActionLiteralSupport{}
	caps.TextDocument.CodeAction.CodeActionLiteralSupport.CodeActionKind.ValueSet = []string{"quickfix", "refactor", "source"}
	return caps
}

// UnmarshalJSON accepts a completion list, a bare item array, or null.
func (c *CompletionList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, nullJSON):
		*c = CompletionList{}
		return nil
	case len(data) > 0 && data[0] == '[':
		var items []CompletionItem
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		*c = CompletionList{Items: items}
		return nil
	}
	type completionList CompletionList
	var cl completionList
	if err := json.Unmarshal(data, &cl); err != nil {
		return err
	}
	*c = CompletionList(cl)
	return nil
}

// UnmarshalJSON accepts markup content as well as the legacy plain string form.
func (m *MarkupContent) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*m = MarkupContent{Kind: "plaintext", Value: s}
		return nil
	}
	type markupContent MarkupContent
	var mc markupContent
	if err := json.Unmarshal(data, &mc); err != nil {
		return err
	}
	*m = MarkupContent(mc)
	return nil
}

// decodeLocations accepts a single location, an array of locations, or null.
func decodeLocations(data json.RawMessage) ([]Location, error) {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, nullJSON):
		return nil, nil
	case data[0] == '[':
		var locs []Location
		if err := json.Unmarshal(data, &locs); err != nil {
			return nil, fmt.Errorf("failed to decode locations: %w", err)
		}
		return locs, nil
	default:
		var loc Location
		if err := json.Unmarshal(data, &loc); err != nil {
			return nil, fmt.Errorf("failed to decode location: %w", err)
		}
		return []Location{loc}, nil
	}
}
