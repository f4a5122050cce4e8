package backend

import (
	"encoding/json"
	"time"
)

// defaults applied wherever the client or config file leaves a field unset
const (
	DefaultNuPath         = "nu"
	DefaultMaxProblems    = 100
	DefaultCommandTimeout = 10 * time.Second
)

// Settings is the `nushellLanguageServer` configuration section, supplied
// either by the editor through workspace/configuration or by the nuls.yml
// file. It is threaded explicitly into every invocation; there is no
// ambient global.
type Settings struct {
	// NuPath is the nu executable to invoke.
	NuPath string

	// IncludeDirs is passed to nu as its module include path.
	IncludeDirs []string

	// MaxNumberOfProblems caps the diagnostics requested from --ide-check.
	MaxNumberOfProblems int

	// MaxCommandTimeout bounds a single backend invocation.
	MaxCommandTimeout time.Duration
}

// DefaultSettings returns the settings used when the client supplies none.
func DefaultSettings() Settings {
	return Settings{
		NuPath:              DefaultNuPath,
		MaxNumberOfProblems: DefaultMaxProblems,
		MaxCommandTimeout:   DefaultCommandTimeout,
	}
}

// UnmarshalJSON decodes the editor-facing settings payload. The timeout is
// carried as integer milliseconds on the wire; zero or missing fields fall
// back to defaults.
func (s *Settings) UnmarshalJSON(data []byte) error {
	var wire struct {
		NuPath              string   `json:"nushellExecutablePath"`
		IncludeDirs         []string `json:"includeDirs"`
		MaxNumberOfProblems int      `json:"maxNumberOfProblems"`
		MaxCommandTimeout   int64    `json:"maxNushellCommandTimeout"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	*s = DefaultSettings()
	if wire.NuPath != "" {
		s.NuPath = wire.NuPath
	}
	if len(wire.IncludeDirs) > 0 {
		s.IncludeDirs = wire.IncludeDirs
	}
	if wire.MaxNumberOfProblems > 0 {
		s.MaxNumberOfProblems = wire.MaxNumberOfProblems
	}
	if wire.MaxCommandTimeout > 0 {
		s.MaxCommandTimeout = time.Duration(wire.MaxCommandTimeout) * time.Millisecond
	}
	return nil
}
