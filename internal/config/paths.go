package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// HomeEnv overrides the relay's state directory.
const HomeEnv = "CALLRELAY_HOME"

const defaultBaseDir = ".callrelay"

// Paths locates the relay's on-disk state.
type Paths struct {
	Base     string
	Config   string
	Data     string // summary archive
	Capture  string // event-socket caller audio
	Playback string // event-socket reply audio
	Logs     string
}

// ResolvePaths roots every path at $CALLRELAY_HOME, or ~/.callrelay.
func ResolvePaths() (Paths, error) {
	base := os.Getenv(HomeEnv)
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Paths{}, fmt.Errorf("locating home directory: %w", err)
		}
		base = filepath.Join(home, defaultBaseDir)
	}
	return PathsAt(base), nil
}

// PathsAt lays out the standard tree under base.
func PathsAt(base string) Paths {
	return Paths{
		Base:     base,
		Config:   filepath.Join(base, "config.yaml"),
		Data:     filepath.Join(base, "data"),
		Capture:  filepath.Join(base, "capture"),
		Playback: filepath.Join(base, "playback"),
		Logs:     filepath.Join(base, "logs"),
	}
}

// SummaryDB is the SQLite call archive.
func (p Paths) SummaryDB() string {
	return filepath.Join(p.Data, "callrelay.db")
}

// EnsureDirs creates the state directories, private to the current user.
func (p Paths) EnsureDirs() error {
	for _, d := range []string{p.Base, p.Data, p.Capture, p.Playback, p.Logs} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return fmt.Errorf("creating %s: %w", d, err)
		}
	}
	return nil
}
