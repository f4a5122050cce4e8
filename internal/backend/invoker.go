// Package backend spawns the nu binary once per capability request and
// decodes its plain-text output into protocol values. nu receives the
// document text on stdin and a capability flag plus cursor argument on the
// command line; it never reads the file from disk.
package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nulang/nuls/internal/document"
)

// Capability selects the nu IDE mode for one invocation.
type Capability string

const (
	CapabilityHover    Capability = "hover"
	CapabilityComplete Capability = "complete"
	CapabilityGotoDef  Capability = "goto-def"
	CapabilityCheck    Capability = "check"
)

// Flag returns the nu command-line flag selecting this capability.
func (c Capability) Flag() string {
	return "--ide-" + string(c)
}

// Request describes a single backend invocation. It is constructed fresh
// per call and never mutated.
type Request struct {
	Capability Capability

	// URI identifies the document; used for logging and cwd resolution only.
	URI string

	// Text is the document snapshot fed to nu on stdin.
	Text string

	// Position is the cursor argument in backend convention. Nil for check.
	Position *document.BackendPosition
}

// Result captures everything a single invocation produced. Consumed once
// by the response parser.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Elapsed  time.Duration
	Cmdline  string
}

var (
	// ErrSpawn means the nu binary is missing or unexecutable. Fatal for
	// the request; never retried.
	ErrSpawn = errors.New("cannot spawn backend")

	// ErrTimeout means the invocation exceeded the configured bound and
	// the process was killed.
	ErrTimeout = errors.New("backend timed out")

	// ErrExit means nu exited non-zero. The captured Result is still
	// returned; the caller decides whether that degrades to an empty
	// response or an error.
	ErrExit = errors.New("backend exited with error")
)

// Invoker runs one backend invocation per capability request. The process
// boundary is an interface so dispatcher tests can substitute a scripted
// double.
type Invoker interface {
	Invoke(ctx context.Context, req Request, settings Settings) (*Result, error)
}

// ExecInvoker invokes the real nu binary via os/exec.
type ExecInvoker struct {
	logger *log.Logger
}

// NewExecInvoker creates an invoker logging through the given logger.
func NewExecInvoker(logger *log.Logger) *ExecInvoker {
	if logger == nil {
		logger = log.New(os.Stderr, "[nu] ", log.LstdFlags)
	}
	return &ExecInvoker{logger: logger}
}

// Invoke spawns nu, writes the snapshot text to its stdin, and collects
// output until exit or timeout. Exactly one invocation is believed
// authoritative for a snapshot; there are no retries.
func (inv *ExecInvoker) Invoke(ctx context.Context, req Request, settings Settings) (*Result, error) {
	timeout := settings.MaxCommandTimeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	path := settings.NuPath
	if path == "" {
		path = DefaultNuPath
	}
	args := req.args(settings)

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdin = strings.NewReader(req.Text)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	id := uuid.NewString()
	cmdline := path + " " + strings.Join(args, " ")
	inv.logger.Printf("[%s] run: %s (%s)", id, cmdline, req.URI)

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	res := &Result{
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
		Elapsed: elapsed,
		Cmdline: cmdline,
	}

	switch {
	case err == nil:
		inv.logger.Printf("[%s] ok in %s", id, elapsed)
		return res, nil

	case ctx.Err() == context.DeadlineExceeded:
		inv.logger.Printf("[%s] killed after %s", id, elapsed)
		return nil, fmt.Errorf("%s after %s: %w", cmdline, elapsed, ErrTimeout)

	case ctx.Err() != nil:
		// cancelled by the caller; the result is being discarded anyway
		inv.logger.Printf("[%s] cancelled after %s", id, elapsed)
		return nil, ctx.Err()

	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			inv.logger.Printf("[%s] exit %d in %s: %s", id, res.ExitCode, elapsed, firstLine(res.Stderr))
			return res, fmt.Errorf("%s exited %d: %w", cmdline, res.ExitCode, ErrExit)
		}
		inv.logger.Printf("[%s] spawn failed: %v", id, err)
		return nil, fmt.Errorf("%s: %v: %w", cmdline, err, ErrSpawn)
	}
}

// args derives the nu command line for this request.
func (r Request) args(settings Settings) []string {
	args := []string{r.Capability.Flag()}

	switch r.Capability {
	case CapabilityCheck:
		max := settings.MaxNumberOfProblems
		if max <= 0 {
			max = DefaultMaxProblems
		}
		args = append(args, strconv.Itoa(max))
	default:
		if r.Position != nil {
			args = append(args, r.Position.String())
		}
	}

	if len(settings.IncludeDirs) > 0 {
		args = append(args, "--include-path",
			strings.Join(settings.IncludeDirs, string(os.PathListSeparator)))
	}
	return args
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
