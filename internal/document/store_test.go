package document

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.lsp.dev/protocol"
)

const testURI = "file:///a.nu"

func rangePtr(startLine, startChar, endLine, endChar uint32) *protocol.Range {
	return &protocol.Range{
		Start: protocol.Position{Line: startLine, Character: startChar},
		End:   protocol.Position{Line: endLine, Character: endChar},
	}
}

func TestStore_OpenCloseLifecycle(t *testing.T) {
	s := NewStore()

	require.NoError(t, s.Open(testURI, "nushell", 1, "ls"))
	assert.ErrorIs(t, s.Open(testURI, "nushell", 1, "ls"), ErrAlreadyOpen)

	snap, err := s.Snapshot(testURI)
	require.NoError(t, err)
	assert.Equal(t, "ls", snap.Text)
	assert.Equal(t, int32(1), snap.Version)
	assert.Equal(t, "nushell", snap.LanguageID)

	require.NoError(t, s.Close(testURI))
	assert.ErrorIs(t, s.Close(testURI), ErrUnknownDocument)

	_, err = s.Snapshot(testURI)
	assert.ErrorIs(t, err, ErrUnknownDocument)
}

func TestStore_ApplyChangesFullReplace(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Open(testURI, "nushell", 1, "let x = 1"))

	doc, err := s.ApplyChanges(testURI, 2, []Change{{Text: "let y = 2"}})
	require.NoError(t, err)
	assert.Equal(t, "let y = 2", doc.Text)
	assert.Equal(t, int32(2), doc.Version)
}

func TestStore_ApplyChangesIncremental(t *testing.T) {
	tests := []struct {
		name    string
		initial string
		changes []Change
		want    string
	}{
		{
			name:    "replace word",
			initial: "let x = 1\nprint x",
			changes: []Change{{Range: rangePtr(1, 6, 1, 7), Text: "y"}},
			want:    "let x = 1\nprint y",
		},
		{
			name:    "insert at line start",
			initial: "print x",
			changes: []Change{{Range: rangePtr(0, 0, 0, 0), Text: "# "}},
			want:    "# print x",
		},
		{
			name:    "delete newline",
			initial: "a\nb",
			changes: []Change{{Range: rangePtr(0, 1, 1, 0), Text: ""}},
			want:    "ab",
		},
		{
			name:    "later ranges see earlier edits in same batch",
			initial: "abc",
			changes: []Change{
				{Range: rangePtr(0, 0, 0, 1), Text: "XY"},
				// after the first edit the text is "XYbc"; replace "b"
				{Range: rangePtr(0, 2, 0, 3), Text: "Z"},
			},
			want: "XYZc",
		},
		{
			name:    "edit after multibyte rune",
			initial: "let s = \"héllo\"",
			changes: []Change{{Range: rangePtr(0, 10, 0, 11), Text: "E"}},
			want:    "let s = \"hEllo\"",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore()
			require.NoError(t, s.Open(testURI, "nushell", 1, tt.initial))

			doc, err := s.ApplyChanges(testURI, 2, tt.changes)
			require.NoError(t, err)
			assert.Equal(t, tt.want, doc.Text)
		})
	}
}

func TestStore_ApplyChangesVersionPolicy(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Open(testURI, "nushell", 1, "a"))

	// version gap
	_, err := s.ApplyChanges(testURI, 3, []Change{{Text: "b"}})
	assert.ErrorIs(t, err, ErrStaleVersion)

	// replayed version
	_, err = s.ApplyChanges(testURI, 1, []Change{{Text: "b"}})
	assert.ErrorIs(t, err, ErrStaleVersion)

	// a rejected change must not mutate the document
	snap, err := s.Snapshot(testURI)
	require.NoError(t, err)
	assert.Equal(t, "a", snap.Text)
	assert.Equal(t, int32(1), snap.Version)

	// in-order changes apply cleanly
	_, err = s.ApplyChanges(testURI, 2, []Change{{Text: "b"}})
	require.NoError(t, err)
	_, err = s.ApplyChanges(testURI, 3, []Change{{Text: "c"}})
	require.NoError(t, err)

	snap, err = s.Snapshot(testURI)
	require.NoError(t, err)
	assert.Equal(t, "c", snap.Text)
}

func TestStore_ApplyChangesUnknownDocument(t *testing.T) {
	s := NewStore()
	_, err := s.ApplyChanges("file:///never-opened.nu", 1, []Change{{Text: "x"}})
	assert.ErrorIs(t, err, ErrUnknownDocument)
}

func TestStore_SnapshotIsImmutable(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Open(testURI, "nushell", 1, "before"))

	snap, err := s.Snapshot(testURI)
	require.NoError(t, err)

	_, err = s.ApplyChanges(testURI, 2, []Change{{Text: "after"}})
	require.NoError(t, err)

	// the earlier snapshot still sees the pre-change text
	assert.Equal(t, "before", snap.Text)
	assert.Equal(t, int32(1), snap.Version)
}

func TestStore_URIs(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Open("file:///a.nu", "nushell", 1, ""))
	require.NoError(t, s.Open("file:///b.nu", "nushell", 1, ""))

	assert.ElementsMatch(t, []string{"file:///a.nu", "file:///b.nu"}, s.URIs())
}
