package lsp

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"

	"github.com/nulang/nuls/internal/backend"
)

// fakeInvoker scripts backend responses and records every request.
type fakeInvoker struct {
	mu       sync.Mutex
	requests []backend.Request

	// respond produces the result for a request. Nil behaves like a nu
	// that prints nothing and exits zero.
	respond func(req backend.Request) (*backend.Result, error)

	// gate, when non-nil, blocks each invocation until closed or the
	// request context is cancelled.
	gate chan struct{}
}

func (f *fakeInvoker) Invoke(ctx context.Context, req backend.Request, _ backend.Settings) (*backend.Result, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.respond == nil {
		return &backend.Result{}, nil
	}
	return f.respond(req)
}

func (f *fakeInvoker) recorded() []backend.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.Request(nil), f.requests...)
}

// fakeClient records outbound client calls.
type fakeClient struct {
	mu        sync.Mutex
	published []*protocol.PublishDiagnosticsParams

	// configResult is returned from Configuration lookups; nil means the
	// lookup fails over to global settings.
	configResult []interface{}

	// publishedCh signals each PublishDiagnostics call.
	publishedCh chan *protocol.PublishDiagnosticsParams
}

func newFakeClient() *fakeClient {
	return &fakeClient{publishedCh: make(chan *protocol.PublishDiagnosticsParams, 16)}
}

func (c *fakeClient) Progress(context.Context, *protocol.ProgressParams) error { return nil }
func (c *fakeClient) WorkDoneProgressCreate(context.Context, *protocol.WorkDoneProgressCreateParams) error {
	return nil
}
func (c *fakeClient) LogMessage(context.Context, *protocol.LogMessageParams) error { return nil }

func (c *fakeClient) PublishDiagnostics(_ context.Context, params *protocol.PublishDiagnosticsParams) error {
	c.mu.Lock()
	c.published = append(c.published, params)
	c.mu.Unlock()
	c.publishedCh <- params
	return nil
}

func (c *fakeClient) ShowMessage(context.Context, *protocol.ShowMessageParams) error { return nil }
func (c *fakeClient) ShowMessageRequest(context.Context, *protocol.ShowMessageRequestParams) (*protocol.MessageActionItem, error) {
	return nil, nil
}
func (c *fakeClient) Telemetry(context.Context, interface{}) error { return nil }
func (c *fakeClient) RegisterCapability(context.Context, *protocol.RegistrationParams) error {
	return nil
}
func (c *fakeClient) UnregisterCapability(context.Context, *protocol.UnregistrationParams) error {
	return nil
}
func (c *fakeClient) ApplyEdit(context.Context, *protocol.ApplyWorkspaceEditParams) (bool, error) {
	return false, nil
}

func (c *fakeClient) Configuration(context.Context, *protocol.ConfigurationParams) ([]interface{}, error) {
	if c.configResult == nil {
		return nil, nil
	}
	return c.configResult, nil
}

func (c *fakeClient) WorkspaceFolders(context.Context) ([]protocol.WorkspaceFolder, error) {
	return nil, nil
}

func (c *fakeClient) waitPublished(t *testing.T) *protocol.PublishDiagnosticsParams {
	t.Helper()
	select {
	case p := <-c.publishedCh:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for publishDiagnostics")
		return nil
	}
}

// capturedReply collects the single response a handler produces.
type capturedReply struct {
	ch chan replyRecord
}

type replyRecord struct {
	result interface{}
	err    error
}

func newCapturedReply() *capturedReply {
	return &capturedReply{ch: make(chan replyRecord, 1)}
}

func (r *capturedReply) replier() jsonrpc2.Replier {
	return func(_ context.Context, result interface{}, err error) error {
		r.ch <- replyRecord{result: result, err: err}
		return nil
	}
}

func (r *capturedReply) wait(t *testing.T) replyRecord {
	t.Helper()
	select {
	case rec := <-r.ch:
		return rec
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reply")
		return replyRecord{}
	}
}

func (r *capturedReply) neverReplied(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case rec := <-r.ch:
		t.Fatalf("unexpected reply: %+v", rec)
	case <-time.After(wait):
	}
}

func newTestServer(t *testing.T, invoker *fakeInvoker) (*Server, *fakeClient) {
	t.Helper()
	s := NewServer(Options{
		Invoker: invoker,
		Policy:  EagerPolicy{},
		Logger:  log.New(io.Discard, "", 0),
	})
	client := newFakeClient()
	s.client = client
	s.canPublishDiagnostics = true
	return s, client
}

func mustCall(t *testing.T, id int32, method string, params interface{}) jsonrpc2.Request {
	t.Helper()
	call, err := jsonrpc2.NewCall(jsonrpc2.NewNumberID(id), method, params)
	require.NoError(t, err)
	return call
}

func mustNotification(t *testing.T, method string, params interface{}) jsonrpc2.Request {
	t.Helper()
	n, err := jsonrpc2.NewNotification(method, params)
	require.NoError(t, err)
	return n
}

func openDoc(t *testing.T, s *Server, docURI, text string) {
	t.Helper()
	require.NoError(t, s.store.Open(docURI, "nushell", 1, text))
}

func TestServerDefaults(t *testing.T) {
	s := NewServer(Options{})

	require.NotNil(t, s.store)
	require.NotNil(t, s.invoker)
	require.NotNil(t, s.logger)
	require.NotNil(t, s.policy)

	assert.Equal(t, true, s.capabilities.HoverProvider)
	assert.Equal(t, true, s.capabilities.DefinitionProvider)
	require.NotNil(t, s.capabilities.CompletionProvider)

	syncOpts, ok := s.capabilities.TextDocumentSync.(protocol.TextDocumentSyncOptions)
	require.True(t, ok)
	assert.True(t, syncOpts.OpenClose)
	assert.Equal(t, protocol.TextDocumentSyncKindIncremental, syncOpts.Change)
}

func TestInitialize(t *testing.T) {
	s, _ := newTestServer(t, &fakeInvoker{})
	s.canPublishDiagnostics = false
	s.canLookupConfiguration = false

	var params protocol.InitializeParams
	require.NoError(t, json.Unmarshal([]byte(`{
		"rootUri": "file:///work/scripts",
		"capabilities": {
			"workspace": {
				"configuration": true,
				"didChangeConfiguration": {"dynamicRegistration": true}
			},
			"textDocument": {
				"publishDiagnostics": {"relatedInformation": true}
			}
		}
	}`), &params))

	reply := newCapturedReply()
	err := s.handler()(context.Background(), reply.replier(), mustCall(t, 1, protocol.MethodInitialize, params))
	require.NoError(t, err)

	rec := reply.wait(t)
	require.NoError(t, rec.err)
	result, ok := rec.result.(protocol.InitializeResult)
	require.True(t, ok)
	assert.Equal(t, "nuls", result.ServerInfo.Name)

	assert.Equal(t, "/work/scripts", s.workspaceRoot)
	assert.True(t, s.canLookupConfiguration)
	assert.True(t, s.canChangeConfiguration)
	assert.True(t, s.canPublishDiagnostics)
}

func TestDidOpenPublishesDiagnostics(t *testing.T) {
	invoker := &fakeInvoker{
		respond: func(req backend.Request) (*backend.Result, error) {
			return &backend.Result{Stdout: "error\t1:5\t1:7\tvariable not found: x\n"}, nil
		},
	}
	s, client := newTestServer(t, invoker)

	params := protocol.DidOpenTextDocumentParams{
		TextDocument: protocol.TextDocumentItem{
			URI:        "file:///tmp/main.nu",
			LanguageID: "nushell",
			Version:    1,
			Text:       "echo $x\n",
		},
	}

	reply := newCapturedReply()
	err := s.handler()(context.Background(), reply.replier(), mustNotification(t, protocol.MethodTextDocumentDidOpen, params))
	require.NoError(t, err)
	require.NoError(t, reply.wait(t).err)

	published := client.waitPublished(t)
	assert.Equal(t, "file:///tmp/main.nu", string(published.URI))
	assert.Equal(t, uint32(1), published.Version)
	require.Len(t, published.Diagnostics, 1)
	assert.Equal(t, "variable not found: x", published.Diagnostics[0].Message)
	assert.Equal(t, protocol.DiagnosticSeverityError, published.Diagnostics[0].Severity)

	reqs := invoker.recorded()
	require.Len(t, reqs, 1)
	assert.Equal(t, backend.CapabilityCheck, reqs[0].Capability)
	assert.Equal(t, "echo $x\n", reqs[0].Text)
	assert.Nil(t, reqs[0].Position)
}

func TestDidOpenDuplicateRejected(t *testing.T) {
	s, _ := newTestServer(t, &fakeInvoker{})
	s.canPublishDiagnostics = false
	openDoc(t, s, "file:///tmp/a.nu", "ls\n")

	params := protocol.DidOpenTextDocumentParams{
		TextDocument: protocol.TextDocumentItem{
			URI: "file:///tmp/a.nu", LanguageID: "nushell", Version: 1, Text: "ls\n",
		},
	}

	reply := newCapturedReply()
	err := s.handler()(context.Background(), reply.replier(), mustNotification(t, protocol.MethodTextDocumentDidOpen, params))
	require.NoError(t, err)

	rec := reply.wait(t)
	require.Error(t, rec.err)
	rpcErr, ok := rec.err.(*jsonrpc2.Error)
	require.True(t, ok)
	assert.Equal(t, jsonrpc2.InvalidParams, rpcErr.Code)
}

func TestDidChangeAppliesIncrementalEdit(t *testing.T) {
	s, client := newTestServer(t, &fakeInvoker{})
	openDoc(t, s, "file:///tmp/a.nu", "let x = 1\n")

	var params didChangeParams
	require.NoError(t, json.Unmarshal([]byte(`{
		"textDocument": {"uri": "file:///tmp/a.nu", "version": 2},
		"contentChanges": [
			{"range": {"start": {"line": 0, "character": 4}, "end": {"line": 0, "character": 5}}, "text": "y"}
		]
	}`), &params))

	reply := newCapturedReply()
	err := s.handler()(context.Background(), reply.replier(), mustNotification(t, protocol.MethodTextDocumentDidChange, params))
	require.NoError(t, err)
	require.NoError(t, reply.wait(t).err)
	client.waitPublished(t)

	snap, err := s.store.Snapshot("file:///tmp/a.nu")
	require.NoError(t, err)
	assert.Equal(t, "let y = 1\n", snap.Text)
	assert.Equal(t, int32(2), snap.Version)
}

func TestDidChangeStaleVersionRejected(t *testing.T) {
	s, _ := newTestServer(t, &fakeInvoker{})
	openDoc(t, s, "file:///tmp/a.nu", "ls\n")

	var params didChangeParams
	require.NoError(t, json.Unmarshal([]byte(`{
		"textDocument": {"uri": "file:///tmp/a.nu", "version": 5},
		"contentChanges": [{"text": "rm\n"}]
	}`), &params))

	reply := newCapturedReply()
	err := s.handler()(context.Background(), reply.replier(), mustNotification(t, protocol.MethodTextDocumentDidChange, params))
	require.NoError(t, err)

	rec := reply.wait(t)
	require.Error(t, rec.err)
	rpcErr, ok := rec.err.(*jsonrpc2.Error)
	require.True(t, ok)
	assert.Equal(t, jsonrpc2.InvalidParams, rpcErr.Code)

	snap, err := s.store.Snapshot("file:///tmp/a.nu")
	require.NoError(t, err)
	assert.Equal(t, "ls\n", snap.Text)
}

func TestDidCloseRemovesDocument(t *testing.T) {
	s, _ := newTestServer(t, &fakeInvoker{})
	openDoc(t, s, "file:///tmp/a.nu", "ls\n")

	params := protocol.DidCloseTextDocumentParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: "file:///tmp/a.nu"},
	}

	reply := newCapturedReply()
	err := s.handler()(context.Background(), reply.replier(), mustNotification(t, protocol.MethodTextDocumentDidClose, params))
	require.NoError(t, err)
	require.NoError(t, reply.wait(t).err)

	_, err = s.store.Snapshot("file:///tmp/a.nu")
	assert.Error(t, err)
}

func TestCancelRequestDiscardsResult(t *testing.T) {
	invoker := &fakeInvoker{gate: make(chan struct{})}
	s, _ := newTestServer(t, invoker)
	s.canPublishDiagnostics = false
	openDoc(t, s, "file:///tmp/a.nu", "let x = 1\n")

	hoverParams := protocol.HoverParams{
		TextDocumentPositionParams: protocol.TextDocumentPositionParams{
			TextDocument: protocol.TextDocumentIdentifier{URI: "file:///tmp/a.nu"},
			Position:     protocol.Position{Line: 0, Character: 4},
		},
	}

	reply := newCapturedReply()
	err := s.handler()(context.Background(), reply.replier(), mustCall(t, 7, protocol.MethodTextDocumentHover, hoverParams))
	require.NoError(t, err)
	assert.Equal(t, 1, s.inflight.processing("file:///tmp/a.nu"))

	cancelReply := newCapturedReply()
	err = s.handler()(context.Background(), cancelReply.replier(),
		mustNotification(t, methodCancelRequest, map[string]interface{}{"id": 7}))
	require.NoError(t, err)
	require.NoError(t, cancelReply.wait(t).err)

	// the cancelled request must produce no response at all
	reply.neverReplied(t, 100*time.Millisecond)

	require.Eventually(t, func() bool {
		return s.inflight.processing("file:///tmp/a.nu") == 0
	}, time.Second, 5*time.Millisecond)
}

func TestUnknownMethodRejected(t *testing.T) {
	s, _ := newTestServer(t, &fakeInvoker{})

	reply := newCapturedReply()
	err := s.handler()(context.Background(), reply.replier(), mustCall(t, 1, "textDocument/rename", nil))
	require.NoError(t, err)

	rec := reply.wait(t)
	assert.ErrorIs(t, rec.err, jsonrpc2.ErrMethodNotFound)
}

func TestDidChangeConfigurationClearsCache(t *testing.T) {
	s, _ := newTestServer(t, &fakeInvoker{})
	s.canPublishDiagnostics = false
	s.canLookupConfiguration = true
	s.settings.store("file:///tmp/a.nu", backend.Settings{NuPath: "/old/nu"})

	reply := newCapturedReply()
	err := s.handler()(context.Background(), reply.replier(),
		mustNotification(t, protocol.MethodWorkspaceDidChangeConfiguration,
			map[string]interface{}{"settings": map[string]interface{}{}}))
	require.NoError(t, err)
	require.NoError(t, reply.wait(t).err)

	_, ok := s.settings.lookup("file:///tmp/a.nu")
	assert.False(t, ok)
}

func TestDidChangeConfigurationPushedSettings(t *testing.T) {
	s, _ := newTestServer(t, &fakeInvoker{})
	s.canPublishDiagnostics = false
	s.canLookupConfiguration = false

	params := map[string]interface{}{
		"settings": map[string]interface{}{
			"nushellLanguageServer": map[string]interface{}{
				"nushellExecutablePath":    "/opt/nu/bin/nu",
				"maxNumberOfProblems":      25,
				"maxNushellCommandTimeout": 2000,
			},
		},
	}

	reply := newCapturedReply()
	err := s.handler()(context.Background(), reply.replier(),
		mustNotification(t, protocol.MethodWorkspaceDidChangeConfiguration, params))
	require.NoError(t, err)
	require.NoError(t, reply.wait(t).err)

	global := s.settings.globalSettings()
	assert.Equal(t, "/opt/nu/bin/nu", global.NuPath)
	assert.Equal(t, 25, global.MaxNumberOfProblems)
	assert.Equal(t, 2*time.Second, global.MaxCommandTimeout)
}
