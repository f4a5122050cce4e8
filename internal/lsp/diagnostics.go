package lsp

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"

	"github.com/nulang/nuls/internal/backend"
)

// defaultRevalidateInterval throttles change-triggered validation. A fast
// typist produces a change notification per keystroke; one nu process per
// keystroke is not acceptable.
const defaultRevalidateInterval = 500 * time.Millisecond

// RevalidatePolicy decides whether a change notification triggers a
// validation run for a document.
type RevalidatePolicy interface {
	// ShouldValidate reports whether the document should be validated now.
	ShouldValidate(docURI string) bool

	// Validated records that a validation run happened for the document.
	Validated(docURI string)
}

// EagerPolicy validates on every change. Used by tests and the check
// command, where there is no keystroke stream to throttle.
type EagerPolicy struct{}

func (EagerPolicy) ShouldValidate(string) bool { return true }
func (EagerPolicy) Validated(string)           {}

// IntervalPolicy validates at most once per interval per document.
type IntervalPolicy struct {
	interval time.Duration

	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

// NewIntervalPolicy creates a per-document throttle with the given interval.
func NewIntervalPolicy(interval time.Duration) *IntervalPolicy {
	return &IntervalPolicy{
		interval: interval,
		last:     make(map[string]time.Time),
		now:      time.Now,
	}
}

func (p *IntervalPolicy) ShouldValidate(docURI string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	last, ok := p.last[docURI]
	return !ok || p.now().Sub(last) >= p.interval
}

func (p *IntervalPolicy) Validated(docURI string) {
	p.mu.Lock()
	p.last[docURI] = p.now()
	p.mu.Unlock()
}

// validateDocument runs nu's check pass over the current snapshot and
// publishes the resulting diagnostics. On backend failure the previously
// published set is left standing rather than flashing an empty one.
func (s *Server) validateDocument(ctx context.Context, docURI string) {
	if !s.canPublishDiagnostics || s.client == nil {
		return
	}

	snap, err := s.store.Snapshot(docURI)
	if err != nil {
		// closed between the notification and now
		return
	}

	settings := s.settings.forDocument(ctx, s, docURI)

	res, err := s.invoker.Invoke(ctx, backend.Request{
		Capability: backend.CapabilityCheck,
		URI:        snap.URI,
		Text:       snap.Text,
	}, settings)
	if err != nil {
		// A non-zero exit that still produced findings is a successful
		// check of a broken script; anything else keeps the previously
		// published set standing.
		if !errors.Is(err, backend.ErrExit) || res == nil || strings.TrimSpace(res.Stdout) == "" {
			if !errors.Is(err, context.Canceled) {
				s.logger.Printf("Validation of %s failed: %v", docURI, err)
			}
			return
		}
	}

	diagnostics, dropped := backend.ParseDiagnostics(res.Stdout, snap.Text)
	for _, d := range dropped {
		s.logger.Printf("Skipping diagnostic line %q: %s", d.Line, d.Reason)
	}
	if max := settings.MaxNumberOfProblems; max > 0 && len(diagnostics) > max {
		diagnostics = diagnostics[:max]
	}

	s.policy.Validated(docURI)
	s.publishDiagnostics(ctx, snap.URI, uint32(snap.Version), diagnostics)
}

// revalidateAfterChange runs validation for a changed document if the
// throttle allows it.
func (s *Server) revalidateAfterChange(ctx context.Context, docURI string) {
	if !s.policy.ShouldValidate(docURI) {
		return
	}
	s.validateDocument(ctx, docURI)
}

// publishDiagnostics sends one diagnostics set to the client. The slice is
// never nil: an empty set clears previously published problems.
func (s *Server) publishDiagnostics(ctx context.Context, docURI string, version uint32, diagnostics []protocol.Diagnostic) {
	if diagnostics == nil {
		diagnostics = []protocol.Diagnostic{}
	}
	err := s.client.PublishDiagnostics(ctx, &protocol.PublishDiagnosticsParams{
		URI:         uri.URI(docURI),
		Version:     version,
		Diagnostics: diagnostics,
	})
	if err != nil {
		s.logger.Printf("Error publishing diagnostics for %s: %v", docURI, err)
		return
	}
	s.logger.Printf("Published %d diagnostics for %s", len(diagnostics), docURI)
}
