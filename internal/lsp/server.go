// Package lsp implements the Language Server Protocol server for Nushell.
// It owns document synchronization, request dispatch, and diagnostics
// publishing; every language-intelligence decision is delegated to the nu
// binary through the backend package.
package lsp

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
	"go.uber.org/zap"

	"github.com/nulang/nuls/internal/backend"
	"github.com/nulang/nuls/internal/document"
)

// not exported by the protocol package
const methodCancelRequest = "$/cancelRequest"

// Server is the LSP server for Nushell.
type Server struct {
	// store is the authoritative table of open documents
	store *document.Store

	// invoker runs one nu invocation per capability request
	invoker backend.Invoker

	// conn is the JSON-RPC connection
	conn jsonrpc2.Conn

	// client is the LSP client interface
	client protocol.Client

	// logger for debugging
	logger *log.Logger

	// workspaceRoot is the root directory of the workspace
	workspaceRoot string

	// Server capabilities
	capabilities protocol.ServerCapabilities

	// settings caches per-document configuration pulled from the client
	settings *settingsCache

	// inflight tracks per-document request counts and cancellation
	inflight *inflightTable

	// policy gates change-triggered revalidation
	policy RevalidatePolicy

	// client capability flags, set once during initialize
	canPublishDiagnostics  bool
	canLookupConfiguration bool
	canChangeConfiguration bool

	// cancel is used to signal server shutdown
	cancel context.CancelFunc
}

// Options configures a Server. Zero fields get working defaults.
type Options struct {
	// Invoker substitutes the backend process boundary; nil uses the real
	// nu binary.
	Invoker backend.Invoker

	// Settings are the process-wide defaults, normally from nuls.yml.
	// Client-supplied settings override them per document.
	Settings backend.Settings

	// Policy gates change-triggered diagnostics. Nil throttles to one run
	// per 500ms per document.
	Policy RevalidatePolicy

	// Logger receives server debug output. Nil logs to stderr.
	Logger *log.Logger
}

// NewServer creates a new LSP server instance.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[LSP] ", log.LstdFlags)
	}
	invoker := opts.Invoker
	if invoker == nil {
		invoker = backend.NewExecInvoker(logger)
	}
	policy := opts.Policy
	if policy == nil {
		policy = NewIntervalPolicy(defaultRevalidateInterval)
	}
	global := opts.Settings
	if global.NuPath == "" {
		global = backend.DefaultSettings()
	}

	return &Server{
		store:    document.NewStore(),
		invoker:  invoker,
		logger:   logger,
		settings: newSettingsCache(global),
		inflight: newInflightTable(),
		policy:   policy,
		capabilities: protocol.ServerCapabilities{
			TextDocumentSync: protocol.TextDocumentSyncOptions{
				OpenClose: true,
				Change:    protocol.TextDocumentSyncKindIncremental,
			},
			CompletionProvider: &protocol.CompletionOptions{
				ResolveProvider: false,
			},
			HoverProvider:      true,
			DefinitionProvider: true,
		},
	}
}

// Run starts the LSP server over stdin/stdout.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Println("Starting Nushell Language Server")

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	stream := jsonrpc2.NewStream(stdrwc{})
	conn := jsonrpc2.NewConn(stream)
	s.conn = conn

	zapLogger, err := zap.NewDevelopment()
	if err != nil {
		s.logger.Printf("Warning: Failed to create zap logger: %v", err)
		zapLogger = zap.NewNop()
	}
	s.client = protocol.ClientDispatcher(conn, zapLogger)

	conn.Go(ctx, s.handler())

	<-ctx.Done()

	s.logger.Println("Shutting down Nushell Language Server")
	return conn.Close()
}

// handler returns the JSON-RPC handler function. Lifecycle notifications
// run synchronously here, guaranteeing document mutations apply in
// protocol-receipt order; capability requests take their snapshot
// synchronously and finish on their own goroutine.
func (s *Server) handler() jsonrpc2.Handler {
	return func(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
		s.logger.Printf("Received: %s", req.Method())

		switch req.Method() {
		case protocol.MethodInitialize:
			return s.handleInitialize(ctx, reply, req)
		case protocol.MethodInitialized:
			return s.handleInitialized(ctx, reply, req)
		case protocol.MethodShutdown:
			return s.handleShutdown(ctx, reply, req)
		case protocol.MethodExit:
			return s.handleExit(ctx, reply, req)
		case methodCancelRequest:
			return s.handleCancelRequest(ctx, reply, req)
		case protocol.MethodTextDocumentDidOpen:
			return s.handleTextDocumentDidOpen(ctx, reply, req)
		case protocol.MethodTextDocumentDidChange:
			return s.handleTextDocumentDidChange(ctx, reply, req)
		case protocol.MethodTextDocumentDidClose:
			return s.handleTextDocumentDidClose(ctx, reply, req)
		case protocol.MethodWorkspaceDidChangeConfiguration:
			return s.handleDidChangeConfiguration(ctx, reply, req)
		case protocol.MethodTextDocumentHover:
			return s.handleTextDocumentHover(ctx, reply, req)
		case protocol.MethodTextDocumentCompletion:
			return s.handleTextDocumentCompletion(ctx, reply, req)
		case protocol.MethodTextDocumentDefinition:
			return s.handleTextDocumentDefinition(ctx, reply, req)
		default:
			return reply(ctx, nil, jsonrpc2.ErrMethodNotFound)
		}
	}
}

// handleInitialize handles the initialize request.
func (s *Server) handleInitialize(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var params protocol.InitializeParams
	if err := json.Unmarshal(req.Params(), &params); err != nil {
		return s.replyWithError(ctx, reply, jsonrpc2.InvalidParams, "Failed to parse initialize params")
	}

	s.logger.Printf("Initialize from client: %v", params.ClientInfo)

	if len(params.WorkspaceFolders) > 0 {
		s.workspaceRoot = uri.URI(params.WorkspaceFolders[0].URI).Filename()
	} else if params.RootURI != "" {
		s.workspaceRoot = params.RootURI.Filename()
	} else if params.RootPath != "" {
		s.workspaceRoot = params.RootPath
	}
	if s.workspaceRoot != "" {
		s.logger.Printf("Workspace root set to: %s", s.workspaceRoot)
	}

	if workspace := params.Capabilities.Workspace; workspace != nil {
		s.canLookupConfiguration = workspace.Configuration
		s.canChangeConfiguration = workspace.DidChangeConfiguration != nil
	}
	if textDocument := params.Capabilities.TextDocument; textDocument != nil {
		s.canPublishDiagnostics = textDocument.PublishDiagnostics != nil
	}

	result := protocol.InitializeResult{
		Capabilities: s.capabilities,
		ServerInfo: &protocol.ServerInfo{
			Name:    "nuls",
			Version: "0.1.0",
		},
	}

	return reply(ctx, result, nil)
}

// handleInitialized handles the initialized notification.
func (s *Server) handleInitialized(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	if s.canChangeConfiguration && s.client != nil {
		method := protocol.MethodWorkspaceDidChangeConfiguration
		err := s.client.RegisterCapability(ctx, &protocol.RegistrationParams{
			Registrations: []protocol.Registration{{ID: method, Method: method}},
		})
		if err != nil {
			s.logger.Printf("unable to register capability: %v", err)
		}
	}

	s.logger.Println("Client initialized")
	return reply(ctx, nil, nil)
}

// handleShutdown handles the shutdown request.
func (s *Server) handleShutdown(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	s.logger.Println("Shutdown requested")
	return reply(ctx, nil, nil)
}

// handleExit handles the exit notification.
func (s *Server) handleExit(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	s.logger.Println("Exit requested")
	if err := reply(ctx, nil, nil); err != nil {
		s.logger.Printf("Error replying to exit: %v", err)
	}
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

// handleCancelRequest cancels an in-flight capability request, killing its
// backend process. The cancelled request's result is discarded.
func (s *Server) handleCancelRequest(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var params struct {
		ID interface{} `json:"id"`
	}
	if err := json.Unmarshal(req.Params(), &params); err != nil {
		return s.replyWithError(ctx, reply, jsonrpc2.InvalidParams, "Failed to parse cancel params")
	}

	var id jsonrpc2.ID
	switch v := params.ID.(type) {
	case float64:
		id = jsonrpc2.NewNumberID(int32(v))
	case string:
		id = jsonrpc2.NewStringID(v)
	default:
		return s.replyWithError(ctx, reply, jsonrpc2.InvalidParams, "Unsupported cancel request id")
	}

	if s.inflight.cancelByID(id) {
		s.logger.Printf("Cancelled request %v", params.ID)
	}
	return reply(ctx, nil, nil)
}

// handleTextDocumentDidOpen handles document open notifications.
func (s *Server) handleTextDocumentDidOpen(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var params protocol.DidOpenTextDocumentParams
	if err := json.Unmarshal(req.Params(), &params); err != nil {
		return s.replyWithError(ctx, reply, jsonrpc2.InvalidParams, "Failed to parse didOpen params")
	}

	docURI := string(params.TextDocument.URI)
	version := params.TextDocument.Version
	s.logger.Printf("Document opened: %s (version %d)", docURI, version)

	err := s.store.Open(docURI, string(params.TextDocument.LanguageID), version, params.TextDocument.Text)
	if err != nil {
		s.logError(ctx, fmt.Sprintf("Error opening %s: %v", docURI, err))
		return s.replyWithError(ctx, reply, jsonrpc2.InvalidParams, err.Error())
	}

	go s.validateDocument(ctx, docURI)

	return reply(ctx, nil, nil)
}

// didChangeParams mirrors protocol.DidChangeTextDocumentParams with a
// pointer Range, which the protocol package's value type cannot model:
// a full-document replacement must be distinguishable from an insertion
// at position 0:0.
type didChangeParams struct {
	TextDocument   protocol.VersionedTextDocumentIdentifier `json:"textDocument"`
	ContentChanges []struct {
		Range *protocol.Range `json:"range,omitempty"`
		Text  string          `json:"text"`
	} `json:"contentChanges"`
}

// handleTextDocumentDidChange handles document change notifications.
// Out-of-order versions are rejected as protocol errors; in-flight
// requests keep operating on the snapshot taken at their admission.
func (s *Server) handleTextDocumentDidChange(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var params didChangeParams
	if err := json.Unmarshal(req.Params(), &params); err != nil {
		return s.replyWithError(ctx, reply, jsonrpc2.InvalidParams, "Failed to parse didChange params")
	}

	docURI := string(params.TextDocument.URI)
	version := params.TextDocument.Version
	s.logger.Printf("Document changed: %s (version %d)", docURI, version)

	if len(params.ContentChanges) == 0 {
		return reply(ctx, nil, nil)
	}

	changes := make([]document.Change, 0, len(params.ContentChanges))
	for _, c := range params.ContentChanges {
		changes = append(changes, document.Change{Range: c.Range, Text: c.Text})
	}

	if _, err := s.store.ApplyChanges(docURI, version, changes); err != nil {
		s.logError(ctx, fmt.Sprintf("Error updating %s: %v", docURI, err))
		return s.replyWithError(ctx, reply, jsonrpc2.InvalidParams, err.Error())
	}

	go s.revalidateAfterChange(ctx, docURI)

	return reply(ctx, nil, nil)
}

// handleTextDocumentDidClose handles document close notifications.
func (s *Server) handleTextDocumentDidClose(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var params protocol.DidCloseTextDocumentParams
	if err := json.Unmarshal(req.Params(), &params); err != nil {
		return s.replyWithError(ctx, reply, jsonrpc2.InvalidParams, "Failed to parse didClose params")
	}

	docURI := string(params.TextDocument.URI)
	s.logger.Printf("Document closed: %s", docURI)

	if err := s.store.Close(docURI); err != nil {
		s.logError(ctx, fmt.Sprintf("Error closing %s: %v", docURI, err))
		return s.replyWithError(ctx, reply, jsonrpc2.InvalidParams, err.Error())
	}
	s.settings.forget(docURI)

	return reply(ctx, nil, nil)
}

// logError logs locally and forwards to the client's log panel.
func (s *Server) logError(ctx context.Context, message string) {
	s.logger.Print(message)
	if s.client == nil {
		return
	}
	err := s.client.LogMessage(ctx, &protocol.LogMessageParams{
		Type:    protocol.MessageTypeError,
		Message: message,
	})
	if err != nil {
		s.logger.Printf("Error forwarding log message: %v", err)
	}
}

// replyWithError sends an LSP-compliant error response.
func (s *Server) replyWithError(ctx context.Context, reply jsonrpc2.Replier, code jsonrpc2.Code, message string) error {
	return reply(ctx, nil, &jsonrpc2.Error{
		Code:    code,
		Message: message,
	})
}

// stdrwc implements io.ReadWriteCloser for stdin/stdout.
type stdrwc struct{}

func (stdrwc) Read(p []byte) (int, error) {
	return os.Stdin.Read(p)
}

func (stdrwc) Write(p []byte) (int, error) {
	return os.Stdout.Write(p)
}

func (stdrwc) Close() error {
	if err := os.Stdin.Close(); err != nil {
		return err
	}
	return os.Stdout.Close()
}
