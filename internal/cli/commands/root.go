package commands

import (
	"runtime"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// Version information - set at build time
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
	GoVersion = "unknown"
)

// NewRootCommand creates the root command
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "nuls",
		Short: "Language server and diagnostics tooling for Nushell",
		Long: color.CyanString(`nuls - Nushell Language Server

nuls provides IDE integration for Nushell scripts by delegating language
intelligence to the nu binary itself. The nu parser is always the single
source of truth; nuls never reimplements it.

Features:
  • Hover, completion, and go-to-definition
  • Diagnostics published as you type
  • Per-document settings via workspace configuration
  • Standalone batch checking for CI`),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Add subcommands
	rootCmd.AddCommand(NewVersionCommand())
	rootCmd.AddCommand(NewLSPCommand())
	rootCmd.AddCommand(NewCheckCommand())

	return rootCmd
}

// NewVersionCommand creates the version command
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  "Display the nuls version, Git commit, build date, and Go version",
		Run: func(cmd *cobra.Command, args []string) {
			// Set GoVersion to actual runtime if not set at build time
			goVer := GoVersion
			if goVer == "unknown" {
				goVer = runtime.Version()
			}

			titleColor := color.New(color.FgCyan, color.Bold)
			valueColor := color.New(color.FgWhite)

			titleColor.Print("nuls version: ")
			valueColor.Println(Version)

			titleColor.Print("Git commit: ")
			valueColor.Println(GitCommit)

			titleColor.Print("Build date: ")
			valueColor.Println(BuildDate)

			titleColor.Print("Go version: ")
			valueColor.Println(goVer)
		},
	}
}

// Execute runs the root command
func Execute() error {
	rootCmd := NewRootCommand()
	if err := rootCmd.Execute(); err != nil {
		errorColor := color.New(color.FgRed, color.Bold)
		errorColor.Fprintf(rootCmd.ErrOrStderr(), "Error: %v\n", err)
		return err
	}
	return nil
}
