package document

import (
	"strconv"
	"strings"

	"go.lsp.dev/protocol"
)

// BackendPosition is a cursor location in the convention the nu binary
// expects: 1-based line number, 0-based byte column within that line.
// Protocol positions are 0-based lines with UTF-16 code-unit columns, so
// converting between the two requires the actual line text.
type BackendPosition struct {
	Line   int
	Column int
}

// String renders the position as the LINE:COL argument passed to nu.
func (p BackendPosition) String() string {
	return strconv.Itoa(p.Line) + ":" + strconv.Itoa(p.Column)
}

// ToBackend converts a protocol position into the backend convention,
// clamping to the document. Columns inside a surrogate pair land after the
// character.
func ToBackend(text string, pos protocol.Position) BackendPosition {
	start, end, line := lineSpan(text, pos.Line)
	return BackendPosition{
		Line:   int(line) + 1,
		Column: utf16ToByte(text[start:end], pos.Character),
	}
}

// FromBackend converts a backend position back into the protocol
// convention, clamping to the document.
func FromBackend(text string, pos BackendPosition) protocol.Position {
	line := pos.Line - 1
	if line < 0 {
		line = 0
	}
	start, end, clamped := lineSpan(text, uint32(line))
	return protocol.Position{
		Line:      clamped,
		Character: byteToUTF16(text[start:end], pos.Column),
	}
}

// OffsetAt returns the byte offset of a protocol position within text,
// clamped to document bounds. Used to resolve incremental range edits.
func OffsetAt(text string, pos protocol.Position) int {
	start, end, _ := lineSpan(text, pos.Line)
	return start + utf16ToByte(text[start:end], pos.Character)
}

// lineSpan returns the byte offsets [start, end) of the given 0-based line,
// excluding its terminator, plus the line number actually reached. Lines
// past the end of the document clamp to the last line.
func lineSpan(text string, line uint32) (start, end int, actual uint32) {
	for actual < line {
		i := strings.IndexByte(text[start:], '\n')
		if i < 0 {
			break
		}
		start += i + 1
		actual++
	}
	end = len(text)
	if i := strings.IndexByte(text[start:], '\n'); i >= 0 {
		end = start + i
	}
	if end > start && text[end-1] == '\r' {
		end--
	}
	return start, end, actual
}

// utf16ToByte converts a UTF-16 code-unit column into a byte offset within
// a single line of text.
func utf16ToByte(line string, col uint32) int {
	var units uint32
	for i, r := range line {
		if units >= col {
			return i
		}
		units += utf16Len(r)
	}
	return len(line)
}

// byteToUTF16 converts a byte offset within a single line of text into a
// UTF-16 code-unit column.
func byteToUTF16(line string, offset int) uint32 {
	if offset > len(line) {
		offset = len(line)
	}
	var units uint32
	for i, r := range line {
		if i >= offset {
			break
		}
		units += utf16Len(r)
	}
	return units
}

func utf16Len(r rune) uint32 {
	if r > 0xFFFF {
		return 2
	}
	return 1
}
