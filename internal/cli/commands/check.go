package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.lsp.dev/protocol"
	"golang.org/x/sync/errgroup"

	"github.com/nulang/nuls/internal/backend"
	"github.com/nulang/nuls/internal/cli/config"
)

var checkJobs int

// NewCheckCommand creates the check command
func NewCheckCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check [files...]",
		Short: "Check Nushell scripts for problems",
		Long: `Run nu's check pass over Nushell source files (.nu) and report every
problem it finds. Files are checked concurrently, one nu process each.

Exits non-zero if any file reports an error, which makes this suitable
for CI pipelines.

Examples:
  nuls check                  # Check all .nu files under the current directory
  nuls check deploy.nu        # Check a specific file
  nuls check scripts/         # Check every .nu file in a directory`,
		RunE: runCheck,
	}

	cmd.Flags().IntVarP(&checkJobs, "jobs", "j", runtime.NumCPU(), "Number of files to check concurrently")

	return cmd
}

// fileReport is the check outcome for one file.
type fileReport struct {
	path        string
	diagnostics []protocol.Diagnostic
	err         error
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	settings := cfg.Settings()

	files, err := findNuFiles(args)
	if err != nil {
		return fmt.Errorf("failed to find files: %w", err)
	}
	if len(files) == 0 {
		return fmt.Errorf("no .nu files found")
	}

	invoker := backend.NewExecInvoker(nil)

	var mu sync.Mutex
	reports := make([]fileReport, 0, len(files))

	g, ctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(checkJobs)
	for _, file := range files {
		file := file
		g.Go(func() error {
			report := checkFile(ctx, invoker, settings, file)
			mu.Lock()
			reports = append(reports, report)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	sort.Slice(reports, func(i, j int) bool { return reports[i].path < reports[j].path })

	return printReports(cmd, reports)
}

// checkFile runs one nu check invocation for a file on disk.
func checkFile(ctx context.Context, invoker backend.Invoker, settings backend.Settings, path string) fileReport {
	text, err := os.ReadFile(path)
	if err != nil {
		return fileReport{path: path, err: err}
	}

	res, err := invoker.Invoke(ctx, backend.Request{
		Capability: backend.CapabilityCheck,
		URI:        path,
		Text:       string(text),
	}, settings)
	if err != nil && res == nil {
		return fileReport{path: path, err: err}
	}

	diagnostics, _ := backend.ParseDiagnostics(res.Stdout, string(text))
	return fileReport{path: path, diagnostics: diagnostics}
}

func printReports(cmd *cobra.Command, reports []fileReport) error {
	successColor := color.New(color.FgGreen)
	warnColor := color.New(color.FgYellow)
	errorColor := color.New(color.FgRed, color.Bold)

	var failed, problems int
	for _, report := range reports {
		if report.err != nil {
			errorColor.Fprintf(cmd.ErrOrStderr(), "✗ %s: %v\n", report.path, report.err)
			failed++
			continue
		}
		if len(report.diagnostics) == 0 {
			successColor.Fprintf(cmd.OutOrStdout(), "✓ %s\n", report.path)
			continue
		}

		hasError := false
		for _, d := range report.diagnostics {
			line := d.Range.Start.Line + 1
			col := d.Range.Start.Character
			switch d.Severity {
			case protocol.DiagnosticSeverityError:
				hasError = true
				errorColor.Fprintf(cmd.ErrOrStderr(), "✗ %s:%d:%d: %s\n", report.path, line, col, d.Message)
			case protocol.DiagnosticSeverityWarning:
				warnColor.Fprintf(cmd.OutOrStdout(), "! %s:%d:%d: %s\n", report.path, line, col, d.Message)
			default:
				fmt.Fprintf(cmd.OutOrStdout(), "- %s:%d:%d: %s\n", report.path, line, col, d.Message)
			}
			problems++
		}
		if hasError {
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d files failed with %d problems", failed, len(reports), problems)
	}
	if problems > 0 {
		warnColor.Fprintf(cmd.OutOrStdout(), "%d files checked, %d non-fatal problems\n", len(reports), problems)
	} else {
		successColor.Fprintf(cmd.OutOrStdout(), "%d files checked, no problems\n", len(reports))
	}
	return nil
}

// findNuFiles finds all .nu files to check
func findNuFiles(patterns []string) ([]string, error) {
	var files []string

	// If no patterns provided, find all .nu files in current directory
	if len(patterns) == 0 {
		patterns = []string{"."}
	}

	for _, pattern := range patterns {
		info, err := os.Stat(pattern)
		if err == nil && info.IsDir() {
			// Walk directory to find .nu files
			err := filepath.Walk(pattern, func(path string, info os.FileInfo, err error) error {
				if err != nil {
					return err
				}

				// Skip hidden directories
				if info.IsDir() && strings.HasPrefix(info.Name(), ".") && info.Name() != "." {
					return filepath.SkipDir
				}

				if !info.IsDir() && strings.HasSuffix(path, ".nu") {
					files = append(files, path)
				}

				return nil
			})
			if err != nil {
				return nil, err
			}
			continue
		}

		// It's a file or pattern
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, err
		}
		for _, match := range matches {
			if strings.HasSuffix(match, ".nu") {
				files = append(files, match)
			}
		}
	}

	// Remove duplicates
	seen := make(map[string]bool)
	unique := []string{}
	for _, file := range files {
		if !seen[file] {
			seen[file] = true
			unique = append(unique, file)
		}
	}

	return unique, nil
}
