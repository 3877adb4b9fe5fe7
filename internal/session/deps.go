// Package session runs call sessions: one per call, each bridging a
// transport adapter to one upstream speech engine connection.
package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/soyeahso/callrelay/internal/audio"
	"github.com/soyeahso/callrelay/internal/backend"
	"github.com/soyeahso/callrelay/internal/config"
	"github.com/soyeahso/callrelay/internal/domain"
	"github.com/soyeahso/callrelay/internal/fallback"
	"github.com/soyeahso/callrelay/internal/hooks"
	"github.com/soyeahso/callrelay/internal/logging"
	"github.com/soyeahso/callrelay/internal/metrics"
	"github.com/soyeahso/callrelay/internal/realtime"
	"github.com/soyeahso/callrelay/internal/tools"
)

// Upstream is the speech engine connection a session owns.
// *realtime.Client implements it.
type Upstream interface {
	Connect(ctx context.Context, sc realtime.SessionConfig) error
	Events() <-chan realtime.Event
	SendAudioChunk(pcm []byte) error
	Commit() error
	Clear() error
	RequestResponse() error
	SendFunctionOutput(callID string, output json.RawMessage) error
	Disconnect()
}

var _ Upstream = (*realtime.Client)(nil)

// AgentDirectory resolves per-agent instructions.
type AgentDirectory interface {
	AgentProfile(ctx context.Context, cc domain.CallContext) (backend.AgentProfile, error)
}

// SummarySink receives the terminal summary of every call.
type SummarySink interface {
	SaveSummary(ctx context.Context, s domain.Summary) error
}

// Deps are shared by every session a registry creates.
type Deps struct {
	Realtime       config.RealtimeConfig
	SampleRate     int
	CommitInterval time.Duration
	// CommitModes maps a transport kind to its commit policy. Kinds not
	// listed leave commits to the engine.
	CommitModes map[string]audio.CommitMode

	NewUpstream func(log *logging.Logger) Upstream
	Agents      AgentDirectory
	Tools       *tools.Dispatcher
	Fallback    *fallback.Controller
	Summaries   []SummarySink

	Hooks   *hooks.Manager
	Metrics *metrics.Metrics
	Log     *logging.Logger
}

// RealtimeUpstream builds real engine clients from cfg.
func RealtimeUpstream(cfg config.RealtimeConfig) func(*logging.Logger) Upstream {
	return func(log *logging.Logger) Upstream {
		return realtime.NewClient(cfg, log)
	}
}

func (d *Deps) commitMode(kind string) audio.CommitMode {
	if m, ok := d.CommitModes[kind]; ok {
		return m
	}
	return audio.CommitVAD
}

func (d *Deps) sampleRate() int {
	if d.SampleRate <= 0 {
		return 16000
	}
	return d.SampleRate
}

func (d *Deps) commitInterval() time.Duration {
	if d.CommitInterval <= 0 {
		return time.Second
	}
	return d.CommitInterval
}
