package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nulang/nuls/internal/cli/config"
	"github.com/nulang/nuls/internal/lsp"
)

// NewLSPCommand creates the LSP command
func NewLSPCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "lsp",
		Short: "Start the Language Server Protocol server",
		Long: `Start the Nushell Language Server Protocol (LSP) server.

This command starts an LSP server that provides IDE integration features including:
  • Code completion
  • Diagnostics published as you type
  • Go-to-definition
  • Hover information

Each request spawns the configured nu binary with the document text on
stdin, so results always reflect the real Nushell parser.

The LSP server communicates via JSON-RPC over stdin/stdout.
It is typically started automatically by your editor/IDE.`,
		RunE: runLSP,
	}
}

func runLSP(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	var policy lsp.RevalidatePolicy
	if interval := cfg.RevalidateInterval(); interval > 0 {
		policy = lsp.NewIntervalPolicy(interval)
	} else {
		policy = lsp.EagerPolicy{}
	}

	server := lsp.NewServer(lsp.Options{
		Settings: cfg.Settings(),
		Policy:   policy,
	})

	// Set up context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	return server.Run(ctx)
}
