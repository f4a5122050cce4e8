package backend

import (
	"fmt"
	"strconv"
	"strings"

	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"

	"github.com/nulang/nuls/internal/document"
)

// DiagnosticSource tags every published diagnostic with its origin.
const DiagnosticSource = "nu"

// goto-def emits this sentinel for targets defined inside nu itself;
// there is nothing navigable to show the editor.
const preludeFile = "__prelude__"

// DroppedLine records an output line the parser could not use. Individual
// bad lines never abort a response; they are reported for logging.
type DroppedLine struct {
	Line   string
	Reason string
}

// ParseHover decodes --ide-hover output: the whole stdout is the hover
// text. Empty output means "nothing to show", not an error.
func ParseHover(stdout string) *protocol.Hover {
	text := strings.TrimSpace(stdout)
	if text == "" {
		return nil
	}
	return &protocol.Hover{
		Contents: protocol.MarkupContent{
			Kind:  protocol.PlainText,
			Value: text,
		},
	}
}

// ParseCompletions decodes --ide-complete output: one candidate per line,
// tab-delimited as text[\tkind[\tdetail]]. Blank lines are skipped; a line
// with an empty text field is malformed and dropped without suppressing
// the remaining candidates.
func ParseCompletions(stdout string) ([]protocol.CompletionItem, []DroppedLine) {
	items := make([]protocol.CompletionItem, 0)
	var dropped []DroppedLine

	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 3)
		if fields[0] == "" {
			dropped = append(dropped, DroppedLine{Line: line, Reason: "empty completion text"})
			continue
		}

		item := protocol.CompletionItem{
			Label:            fields[0],
			InsertText:       fields[0],
			InsertTextFormat: protocol.InsertTextFormatPlainText,
			Kind:             protocol.CompletionItemKindText,
		}
		if len(fields) > 1 {
			item.Kind = completionKind(fields[1])
		}
		if len(fields) > 2 {
			item.Detail = fields[2]
		}
		items = append(items, item)
	}
	return items, dropped
}

// ParseDefinition decodes --ide-goto-def output: a single line of
// file\tLINE:COL\tLINE:COL in backend convention. Empty output and the
// prelude sentinel mean "no definition". A present but unreadable line is
// an error: unlike hover, absence of a navigable target must be explicit.
// Positions are converted against the given document text.
func ParseDefinition(stdout, text string) (*protocol.Location, error) {
	trimmed := strings.TrimSpace(stdout)
	if trimmed == "" {
		return nil, nil
	}
	line := trimmed
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimRight(line[:i], "\r")
	}

	fields := strings.SplitN(line, "\t", 3)
	if len(fields) < 2 || fields[0] == "" {
		return nil, fmt.Errorf("cannot parse definition from %q", line)
	}
	if fields[0] == preludeFile {
		return nil, nil
	}

	start, err := parsePosition(fields[1])
	if err != nil {
		return nil, fmt.Errorf("cannot parse definition from %q: %v", line, err)
	}
	end := start
	if len(fields) > 2 {
		end, err = parsePosition(fields[2])
		if err != nil {
			return nil, fmt.Errorf("cannot parse definition from %q: %v", line, err)
		}
	}

	return &protocol.Location{
		URI: uri.File(fields[0]),
		Range: protocol.Range{
			Start: document.FromBackend(text, start),
			End:   document.FromBackend(text, end),
		},
	}, nil
}

// ParseDiagnostics decodes --ide-check output: one diagnostic per line,
// tab-delimited as severity\tLINE:COL\tLINE:COL\tmessage. Malformed lines
// are dropped and reported, never fatal. Positions are converted against
// the given document text.
func ParseDiagnostics(stdout, text string) ([]protocol.Diagnostic, []DroppedLine) {
	diags := make([]protocol.Diagnostic, 0)
	var dropped []DroppedLine

	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		fields := strings.SplitN(line, "\t", 4)
		if len(fields) < 4 {
			dropped = append(dropped, DroppedLine{Line: line, Reason: "want 4 tab-delimited fields"})
			continue
		}
		severity, ok := diagnosticSeverity(fields[0])
		if !ok {
			dropped = append(dropped, DroppedLine{Line: line, Reason: "unknown severity " + strconv.Quote(fields[0])})
			continue
		}
		start, err := parsePosition(fields[1])
		if err != nil {
			dropped = append(dropped, DroppedLine{Line: line, Reason: err.Error()})
			continue
		}
		end, err := parsePosition(fields[2])
		if err != nil {
			dropped = append(dropped, DroppedLine{Line: line, Reason: err.Error()})
			continue
		}

		diags = append(diags, protocol.Diagnostic{
			Range: protocol.Range{
				Start: document.FromBackend(text, start),
				End:   document.FromBackend(text, end),
			},
			Severity: severity,
			Source:   DiagnosticSource,
			Message:  fields[3],
		})
	}
	return diags, dropped
}

// parsePosition reads a LINE:COL pair in backend convention.
func parsePosition(s string) (document.BackendPosition, error) {
	lineStr, colStr, ok := strings.Cut(s, ":")
	if !ok {
		return document.BackendPosition{}, fmt.Errorf("want LINE:COL, got %q", s)
	}
	line, err := strconv.Atoi(lineStr)
	if err != nil {
		return document.BackendPosition{}, fmt.Errorf("bad line in %q", s)
	}
	col, err := strconv.Atoi(colStr)
	if err != nil {
		return document.BackendPosition{}, fmt.Errorf("bad column in %q", s)
	}
	return document.BackendPosition{Line: line, Column: col}, nil
}

func completionKind(kind string) protocol.CompletionItemKind {
	switch kind {
	case "command":
		return protocol.CompletionItemKindFunction
	case "flag":
		return protocol.CompletionItemKindField
	case "variable":
		return protocol.CompletionItemKindVariable
	case "keyword":
		return protocol.CompletionItemKindKeyword
	case "path":
		return protocol.CompletionItemKindFile
	case "module":
		return protocol.CompletionItemKindModule
	default:
		return protocol.CompletionItemKindText
	}
}

func diagnosticSeverity(severity string) (protocol.DiagnosticSeverity, bool) {
	switch severity {
	case "error":
		return protocol.DiagnosticSeverityError, true
	case "warning":
		return protocol.DiagnosticSeverityWarning, true
	case "info":
		return protocol.DiagnosticSeverityInformation, true
	case "hint":
		return protocol.DiagnosticSeverityHint, true
	default:
		return 0, false
	}
}
