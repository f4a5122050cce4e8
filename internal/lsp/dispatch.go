package lsp

import (
	"context"
	"sync"

	"go.lsp.dev/jsonrpc2"

	"github.com/nulang/nuls/internal/document"
)

// inflightTable tracks active capability requests: per-document counts for
// introspection, and per-request cancel functions keyed by JSON-RPC id so
// $/cancelRequest can kill the matching backend process.
type inflightTable struct {
	mu      sync.Mutex
	counts  map[string]int
	cancels map[jsonrpc2.ID]context.CancelFunc
}

func newInflightTable() *inflightTable {
	return &inflightTable{
		counts:  make(map[string]int),
		cancels: make(map[jsonrpc2.ID]context.CancelFunc),
	}
}

func (t *inflightTable) add(docURI string, id jsonrpc2.ID, hasID bool, cancel context.CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[docURI]++
	if hasID {
		t.cancels[id] = cancel
	}
}

func (t *inflightTable) remove(docURI string, id jsonrpc2.ID, hasID bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.counts[docURI] > 1 {
		t.counts[docURI]--
	} else {
		delete(t.counts, docURI)
	}
	if hasID {
		delete(t.cancels, id)
	}
}

// cancelByID fires the cancel function for an in-flight request. Reports
// whether the id was known; a stale or unknown id is not an error.
func (t *inflightTable) cancelByID(id jsonrpc2.ID) bool {
	t.mu.Lock()
	cancel, ok := t.cancels[id]
	t.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// processing reports how many capability requests are currently running
// against a document.
func (t *inflightTable) processing(docURI string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[docURI]
}

// inflightRun is one admitted capability request. Its context is cancelled
// by $/cancelRequest or server shutdown; finish must be called exactly once
// when the request completes.
type inflightRun struct {
	ctx    context.Context
	finish func()
}

// admit takes the document snapshot for a capability request and registers
// it for cancellation. It runs synchronously in the read loop so the
// snapshot reflects every change notification received before the request.
func (s *Server) admit(ctx context.Context, req jsonrpc2.Request, docURI string) (*inflightRun, document.Document, error) {
	snap, err := s.store.Snapshot(docURI)
	if err != nil {
		return nil, document.Document{}, err
	}

	runCtx, cancel := context.WithCancel(ctx)

	var id jsonrpc2.ID
	var hasID bool
	if call, ok := req.(*jsonrpc2.Call); ok {
		id = call.ID()
		hasID = true
	}
	s.inflight.add(docURI, id, hasID, cancel)

	var once sync.Once
	finish := func() {
		once.Do(func() {
			s.inflight.remove(docURI, id, hasID)
			cancel()
		})
	}

	return &inflightRun{ctx: runCtx, finish: finish}, snap, nil
}
