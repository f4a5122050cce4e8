package lsp

import (
	"context"
	"encoding/json"
	"sync"

	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"

	"github.com/nulang/nuls/internal/backend"
)

// configSection is the client-side settings section this server reads.
const configSection = "nushellLanguageServer"

// settingsCache holds the effective backend settings: process-wide defaults
// overridden per document by workspace/configuration lookups.
type settingsCache struct {
	mu     sync.RWMutex
	global backend.Settings
	perDoc map[string]backend.Settings
}

func newSettingsCache(global backend.Settings) *settingsCache {
	return &settingsCache{
		global: global,
		perDoc: make(map[string]backend.Settings),
	}
}

func (c *settingsCache) forget(docURI string) {
	c.mu.Lock()
	delete(c.perDoc, docURI)
	c.mu.Unlock()
}

func (c *settingsCache) clear() {
	c.mu.Lock()
	c.perDoc = make(map[string]backend.Settings)
	c.mu.Unlock()
}

func (c *settingsCache) setGlobal(settings backend.Settings) {
	c.mu.Lock()
	c.global = settings
	c.mu.Unlock()
}

func (c *settingsCache) globalSettings() backend.Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.global
}

func (c *settingsCache) lookup(docURI string) (backend.Settings, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	settings, ok := c.perDoc[docURI]
	return settings, ok
}

func (c *settingsCache) store(docURI string, settings backend.Settings) {
	c.mu.Lock()
	c.perDoc[docURI] = settings
	c.mu.Unlock()
}

// forDocument resolves the settings for one document. The lookup round-trips
// to the client, so it must only be called from request goroutines, never
// from the connection's read loop.
func (c *settingsCache) forDocument(ctx context.Context, s *Server, docURI string) backend.Settings {
	if !s.canLookupConfiguration || s.client == nil {
		return c.globalSettings()
	}
	if cached, ok := c.lookup(docURI); ok {
		return cached
	}

	items, err := s.client.Configuration(ctx, &protocol.ConfigurationParams{
		Items: []protocol.ConfigurationItem{
			{ScopeURI: uri.URI(docURI), Section: configSection},
		},
	})
	if err != nil || len(items) == 0 {
		if err != nil {
			s.logger.Printf("Configuration lookup failed for %s: %v", docURI, err)
		}
		return c.globalSettings()
	}

	settings := c.globalSettings()
	if raw, err := json.Marshal(items[0]); err == nil {
		if err := json.Unmarshal(raw, &settings); err != nil {
			s.logger.Printf("Ignoring malformed settings for %s: %v", docURI, err)
			settings = c.globalSettings()
		}
	}

	c.store(docURI, settings)
	return settings
}

// handleDidChangeConfiguration handles workspace configuration changes.
// Clients that support workspace/configuration get their cached settings
// invalidated and re-fetched lazily; others push the new settings inline.
func (s *Server) handleDidChangeConfiguration(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	if s.canLookupConfiguration {
		s.settings.clear()
	} else {
		var params struct {
			Settings struct {
				Section json.RawMessage `json:"nushellLanguageServer"`
			} `json:"settings"`
		}
		if err := json.Unmarshal(req.Params(), &params); err != nil {
			return s.replyWithError(ctx, reply, jsonrpc2.InvalidParams, "Failed to parse configuration params")
		}
		if len(params.Settings.Section) > 0 {
			settings := backend.DefaultSettings()
			if err := json.Unmarshal(params.Settings.Section, &settings); err != nil {
				s.logger.Printf("Ignoring malformed settings push: %v", err)
			} else {
				s.settings.setGlobal(settings)
			}
		}
	}

	s.logger.Println("Configuration changed, revalidating open documents")
	for _, docURI := range s.store.URIs() {
		go s.validateDocument(ctx, docURI)
	}

	return reply(ctx, nil, nil)
}
