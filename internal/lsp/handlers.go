package lsp

import (
	"context"
	"encoding/json"
	"errors"
	"os"

	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"

	"github.com/nulang/nuls/internal/backend"
	"github.com/nulang/nuls/internal/document"
)

// handleTextDocumentHover handles hover requests.
func (s *Server) handleTextDocumentHover(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var params protocol.HoverParams
	if err := json.Unmarshal(req.Params(), &params); err != nil {
		return s.replyWithError(ctx, reply, jsonrpc2.InvalidParams, "Failed to parse hover params")
	}

	run, snap, err := s.admit(ctx, req, string(params.TextDocument.URI))
	if err != nil {
		return s.replyWithError(ctx, reply, jsonrpc2.InvalidParams, err.Error())
	}
	pos := document.ToBackend(snap.Text, params.Position)

	go func() {
		defer run.finish()
		result, err := s.hoverResult(run.ctx, snap, pos)
		s.replyResult(run.ctx, reply, result, err)
	}()
	return nil
}

// handleTextDocumentCompletion handles completion requests.
func (s *Server) handleTextDocumentCompletion(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var params protocol.CompletionParams
	if err := json.Unmarshal(req.Params(), &params); err != nil {
		return s.replyWithError(ctx, reply, jsonrpc2.InvalidParams, "Failed to parse completion params")
	}

	run, snap, err := s.admit(ctx, req, string(params.TextDocument.URI))
	if err != nil {
		return s.replyWithError(ctx, reply, jsonrpc2.InvalidParams, err.Error())
	}
	pos := document.ToBackend(snap.Text, params.Position)

	go func() {
		defer run.finish()
		result, err := s.completionResult(run.ctx, snap, pos)
		s.replyResult(run.ctx, reply, result, err)
	}()
	return nil
}

// handleTextDocumentDefinition handles go-to-definition requests.
func (s *Server) handleTextDocumentDefinition(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var params protocol.DefinitionParams
	if err := json.Unmarshal(req.Params(), &params); err != nil {
		return s.replyWithError(ctx, reply, jsonrpc2.InvalidParams, "Failed to parse definition params")
	}

	run, snap, err := s.admit(ctx, req, string(params.TextDocument.URI))
	if err != nil {
		return s.replyWithError(ctx, reply, jsonrpc2.InvalidParams, err.Error())
	}
	pos := document.ToBackend(snap.Text, params.Position)

	go func() {
		defer run.finish()
		result, err := s.definitionResult(run.ctx, snap, pos)
		s.replyResult(run.ctx, reply, result, err)
	}()
	return nil
}

// hoverResult runs the hover capability against a snapshot. A failing nu
// exit degrades to "nothing to show"; absence of hover text is meaningful,
// not an error.
func (s *Server) hoverResult(ctx context.Context, snap document.Document, pos document.BackendPosition) (interface{}, error) {
	res, err := s.invoke(ctx, backend.CapabilityHover, snap, &pos)
	if err != nil {
		if errors.Is(err, backend.ErrExit) {
			return nil, nil
		}
		return nil, err
	}

	hover := backend.ParseHover(res.Stdout)
	if hover == nil {
		return nil, nil
	}
	return hover, nil
}

// completionResult runs the completion capability against a snapshot.
// Like hover, a failing nu exit degrades to an empty candidate list.
func (s *Server) completionResult(ctx context.Context, snap document.Document, pos document.BackendPosition) (interface{}, error) {
	items := []protocol.CompletionItem{}

	res, err := s.invoke(ctx, backend.CapabilityComplete, snap, &pos)
	if err != nil {
		if errors.Is(err, backend.ErrExit) {
			return protocol.CompletionList{IsIncomplete: false, Items: items}, nil
		}
		return nil, err
	}

	items, dropped := backend.ParseCompletions(res.Stdout)
	for _, d := range dropped {
		s.logger.Printf("Skipping completion line %q: %s", d.Line, d.Reason)
	}

	return protocol.CompletionList{IsIncomplete: false, Items: items}, nil
}

// definitionResult runs the goto-def capability against a snapshot. Unlike
// hover, a failing nu exit is surfaced as an error: the client needs to
// know explicitly that no target could be resolved.
func (s *Server) definitionResult(ctx context.Context, snap document.Document, pos document.BackendPosition) (interface{}, error) {
	res, err := s.invoke(ctx, backend.CapabilityGotoDef, snap, &pos)
	if err != nil {
		return nil, err
	}

	location, err := backend.ParseDefinition(res.Stdout, snap.Text)
	if err != nil {
		return nil, err
	}
	if location == nil {
		return nil, nil
	}

	if path := location.URI.Filename(); path != "" {
		if _, err := os.Stat(path); err != nil {
			s.logger.Printf("Definition target %s does not exist", path)
			return nil, nil
		}
	}

	return *location, nil
}

// invoke builds the immutable backend request for one capability call.
func (s *Server) invoke(ctx context.Context, capability backend.Capability, snap document.Document, pos *document.BackendPosition) (*backend.Result, error) {
	settings := s.settings.forDocument(ctx, s, snap.URI)
	return s.invoker.Invoke(ctx, backend.Request{
		Capability: capability,
		URI:        snap.URI,
		Text:       snap.Text,
		Position:   pos,
	}, settings)
}

// replyResult completes an asynchronous capability request. Cancelled
// requests are discarded without a response; backend failures map to
// internal errors.
func (s *Server) replyResult(ctx context.Context, reply jsonrpc2.Replier, result interface{}, err error) {
	if ctx.Err() == context.Canceled {
		return
	}

	var replyErr error
	switch {
	case err == nil:
		replyErr = reply(ctx, result, nil)
	case errors.Is(err, context.Canceled):
		return
	default:
		s.logger.Printf("Request failed: %v", err)
		replyErr = reply(ctx, nil, &jsonrpc2.Error{
			Code:    jsonrpc2.InternalError,
			Message: err.Error(),
		})
	}
	if replyErr != nil {
		s.logger.Printf("Error sending reply: %v", replyErr)
	}
}
