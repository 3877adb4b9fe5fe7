// Package audio implements PCM16 validation, accounting and the commit
// window used to finalize inbound audio for the speech engine.
package audio

import (
	"encoding/base64"
	"math"
	"sync"
	"time"
)

// BytesPerSample is the width of one little-endian PCM16 mono sample.
const BytesPerSample = 2

// Validate reports whether buf is a usable PCM16 chunk: non-empty with an
// even byte length.
func Validate(buf []byte) bool {
	return len(buf) > 0 && len(buf)%BytesPerSample == 0
}

// Duration returns the playback length of buf in milliseconds.
func Duration(buf []byte, sampleRate int) int {
	if sampleRate <= 0 {
		return 0
	}
	samples := float64(len(buf)) / BytesPerSample
	return int(math.Round(samples / float64(sampleRate) * 1000))
}

// ToBase64 encodes raw audio for the wire.
func ToBase64(buf []byte) string {
	return base64.StdEncoding.EncodeToString(buf)
}

// FromBase64 decodes wire audio.
func FromBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// CommitMode selects who finalizes buffered inbound audio.
type CommitMode string

const (
	// CommitVAD leaves commits to the engine's voice-activity detection.
	CommitVAD CommitMode = "vad"
	// CommitTimer commits locally and explicitly requests a response.
	CommitTimer CommitMode = "timer"
	// CommitBoth commits locally while the engine's VAD triggers responses.
	CommitBoth CommitMode = "both"
)

// ParseCommitMode maps a config string to a CommitMode, defaulting to VAD.
func ParseCommitMode(s string) CommitMode {
	switch CommitMode(s) {
	case CommitTimer:
		return CommitTimer
	case CommitBoth:
		return CommitBoth
	default:
		return CommitVAD
	}
}

// UsesTimer reports whether the mode commits on the local timer.
func (m CommitMode) UsesTimer() bool { return m == CommitTimer || m == CommitBoth }

// RequestsResponse reports whether a local commit must be followed by an
// explicit response request.
func (m CommitMode) RequestsResponse() bool { return m == CommitTimer }

// CommitWindow tracks audio appended upstream since the last commit.
type CommitWindow struct {
	mu       sync.Mutex
	interval time.Duration
	pending  int
	last     time.Time
}

// NewCommitWindow creates a window that becomes due after interval.
func NewCommitWindow(interval time.Duration, now time.Time) *CommitWindow {
	return &CommitWindow{interval: interval, last: now}
}

// Add records n uncommitted bytes.
func (w *CommitWindow) Add(n int) {
	w.mu.Lock()
	w.pending += n
	w.mu.Unlock()
}

// Pending returns the uncommitted byte count.
func (w *CommitWindow) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending
}

// Due reports whether there is pending audio and the interval has elapsed.
func (w *CommitWindow) Due(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending > 0 && now.Sub(w.last) >= w.interval
}

// Take resets the window and returns the bytes it covered. An empty window
// returns 0 and leaves the last-commit time untouched.
func (w *CommitWindow) Take(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.pending
	if n == 0 {
		return 0
	}
	w.pending = 0
	w.last = now
	return n
}

// Reset drops pending audio without committing it.
func (w *CommitWindow) Reset() {
	w.mu.Lock()
	w.pending = 0
	w.mu.Unlock()
}
