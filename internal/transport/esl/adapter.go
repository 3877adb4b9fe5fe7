package esl

import (
	"context"
	"fmt"
	"io"
	"net/textproto"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/soyeahso/callrelay/internal/audio"
	"github.com/soyeahso/callrelay/internal/domain"
	"github.com/soyeahso/callrelay/internal/logging"
	"github.com/soyeahso/callrelay/internal/transport"
)

const (
	commandTimeout = 5 * time.Second
	playbackSlack  = 30 * time.Second
)

// Options configures capture and playback for event-socket calls.
type Options struct {
	CaptureDir      string
	PlaybackDir     string
	PollInterval    time.Duration
	DialplanContext string
	SampleRate      int
	// FlushDelay is how long outbound audio may sit before it is played.
	FlushDelay time.Duration
	// FlushBytes forces a playback once this much audio is buffered.
	FlushBytes int
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 200 * time.Millisecond
	}
	if o.SampleRate <= 0 {
		o.SampleRate = 16000
	}
	if o.DialplanContext == "" {
		o.DialplanContext = "default"
	}
	if o.FlushDelay <= 0 {
		o.FlushDelay = 250 * time.Millisecond
	}
	if o.FlushBytes <= 0 {
		o.FlushBytes = o.SampleRate * 2
	}
	if o.CaptureDir == "" {
		o.CaptureDir = os.TempDir()
	}
	if o.PlaybackDir == "" {
		o.PlaybackDir = os.TempDir()
	}
	return o
}

// liveness is implemented by sinks that can report whether they still
// accept audio.
type liveness interface {
	Live() bool
}

// Adapter is one call delivered by the switch.
type Adapter struct {
	conn        *Conn
	opts        Options
	log         *logging.Logger
	call        domain.CallContext
	channelUUID string
	capturePath string

	mu         sync.Mutex
	sink       transport.Sink
	outbound   []byte
	flushTimer *time.Timer
	pending    map[string]string
	closed     bool

	hungUp    chan struct{}
	hangOnce  sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

var (
	_ transport.Adapter    = (*Adapter)(nil)
	_ transport.TurnMarker = (*Adapter)(nil)
)

// CallContextFromChannel maps switch channel data onto call metadata.
func CallContextFromChannel(h textproto.MIMEHeader) domain.CallContext {
	cc := domain.CallContext{
		CallID:       h.Get("variable_call_id"),
		TenantID:     h.Get("variable_tenant_id"),
		StoreID:      h.Get("variable_store_id"),
		AgentRef:     h.Get("variable_agent_ref"),
		DID:          h.Get("Caller-Destination-Number"),
		CallerNumber: h.Get("Caller-Caller-ID-Number"),
	}
	if cc.CallID == "" {
		cc.CallID = h.Get("Unique-ID")
	}
	return cc
}

func newAdapter(conn *Conn, channel textproto.MIMEHeader, opts Options, log *logging.Logger) *Adapter {
	opts = opts.withDefaults()
	cc := CallContextFromChannel(channel)
	a := &Adapter{
		conn:        conn,
		opts:        opts,
		log:         log.ForCall(cc.CallID),
		call:        cc,
		channelUUID: channel.Get("Unique-ID"),
		capturePath: filepath.Join(opts.CaptureDir, captureName(cc.CallID)),
		pending:     make(map[string]string),
		hungUp:      make(chan struct{}),
		done:        make(chan struct{}),
	}
	go a.eventLoop()
	return a
}

// captureName is the raw 16-bit capture file name. The .r16 extension makes
// the switch write headerless PCM16.
func captureName(callID string) string {
	return filepath.Base(callID) + ".r16"
}

func (a *Adapter) Kind() string { return transport.KindEventSocket }

// Call returns the metadata read from the channel at accept time.
func (a *Adapter) Call() domain.CallContext { return a.call }

// answer subscribes to this channel's events and answers the call.
func (a *Adapter) answer(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	if err := a.conn.Command(ctx, rawCommand("myevents")); err != nil {
		return &domain.TransportError{Op: "myevents", Err: err}
	}
	if err := a.conn.Command(ctx, rawCommand("linger")); err != nil {
		return &domain.TransportError{Op: "linger", Err: err}
	}
	if err := a.conn.Execute(ctx, "answer", "", ""); err != nil {
		return &domain.TransportError{Op: "answer", Err: err}
	}
	return nil
}

func (a *Adapter) eventLoop() {
	defer a.markHungUp()
	for {
		var ev Event
		select {
		case ev = <-a.conn.Events():
		case <-a.conn.Done():
			return
		}
		switch ev.Name() {
		case "CHANNEL_EXECUTE_COMPLETE":
			if id := ev.Get("Application-UUID"); id != "" {
				a.playbackDone(id)
			}
		case "DTMF":
			if sink := a.currentSink(); sink != nil {
				sink.HandleControl(transport.Inbound{Type: transport.InboundDTMF, Digit: ev.Get("DTMF-Digit")})
			}
		case "CHANNEL_HANGUP", "CHANNEL_HANGUP_COMPLETE":
			a.log.Info().Str("cause", ev.Get("Hangup-Cause")).Msg("channel hung up")
			a.markHungUp()
		}
	}
}

func (a *Adapter) markHungUp() {
	a.hangOnce.Do(func() { close(a.hungUp) })
}

func (a *Adapter) currentSink() transport.Sink {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sink
}

// ReceiveAudio starts capture and polls the capture file until the channel
// hangs up, ctx ends or the adapter is closed.
func (a *Adapter) ReceiveAudio(ctx context.Context, sink transport.Sink) error {
	a.mu.Lock()
	a.sink = sink
	a.mu.Unlock()

	if err := os.MkdirAll(a.opts.CaptureDir, 0o755); err != nil {
		return fmt.Errorf("creating capture dir: %w", err)
	}
	cctx, cancel := context.WithTimeout(ctx, commandTimeout)
	err := a.conn.Execute(cctx, "record_session", a.capturePath, "")
	cancel()
	if err != nil {
		return &domain.TransportError{Op: "record_session", Err: err}
	}
	defer a.stopCapture()

	ticker := time.NewTicker(a.opts.PollInterval)
	defer ticker.Stop()

	var cap capture
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.done:
			return nil
		case <-a.hungUp:
			sink.HandleControl(transport.Inbound{Type: transport.InboundHangup})
			return nil
		case <-ticker.C:
			if l, ok := sink.(liveness); ok && !l.Live() {
				continue
			}
			pcm, err := cap.read(a.capturePath)
			if err != nil {
				a.log.Debug().Err(err).Msg("capture read failed")
				continue
			}
			if len(pcm) == 0 {
				continue
			}
			if err := sink.IngestAudio(pcm); err != nil {
				a.log.Debug().Err(err).Int("len", len(pcm)).Msg("captured audio rejected")
			}
		}
	}
}

// capture tracks how much of the capture file has been consumed. The switch
// keeps its own write offset, so the file is read incrementally rather than
// truncated under it.
type capture struct {
	offset int64
	carry  []byte
}

// read returns the whole samples appended since the last read.
func (c *capture) read(path string) ([]byte, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if st.Size() < c.offset {
		c.offset = 0
		c.carry = nil
	}
	if st.Size() == c.offset {
		return nil, nil
	}
	buf := make([]byte, st.Size()-c.offset)
	n, err := f.ReadAt(buf, c.offset)
	if err != nil && err != io.EOF {
		return nil, err
	}
	c.offset += int64(n)

	data := append(c.carry, buf[:n]...)
	c.carry = nil
	if len(data)%2 == 1 {
		c.carry = []byte{data[len(data)-1]}
		data = data[:len(data)-1]
	}
	return data, nil
}

func (a *Adapter) stopCapture() {
	select {
	case <-a.hungUp:
	default:
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		if err := a.conn.Execute(ctx, "stop_record_session", a.capturePath, ""); err != nil {
			a.log.Debug().Err(err).Msg("stop_record_session failed")
		}
		cancel()
	}
	_ = os.Remove(a.capturePath)
}

// SendAudio batches outbound PCM. A batch is played once FlushBytes is
// reached, FlushDelay passes without more audio, or the turn completes.
func (a *Adapter) SendAudio(ctx context.Context, pcm []byte) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return transport.ErrClosed
	}
	a.outbound = append(a.outbound, pcm...)
	var batch []byte
	if len(a.outbound) >= a.opts.FlushBytes {
		batch = a.takeLocked()
	} else if a.flushTimer == nil {
		a.flushTimer = time.AfterFunc(a.opts.FlushDelay, a.flush)
	} else {
		a.flushTimer.Reset(a.opts.FlushDelay)
	}
	a.mu.Unlock()

	if batch != nil {
		return a.play(ctx, batch)
	}
	return nil
}

// MarkTurnComplete plays whatever is buffered.
func (a *Adapter) MarkTurnComplete() { a.flush() }

func (a *Adapter) flush() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	batch := a.takeLocked()
	a.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	if err := a.play(context.Background(), batch); err != nil {
		a.log.Warn().Err(err).Msg("playback failed")
	}
}

func (a *Adapter) takeLocked() []byte {
	batch := a.outbound
	a.outbound = nil
	if a.flushTimer != nil {
		a.flushTimer.Stop()
		a.flushTimer = nil
	}
	return batch
}

// play writes pcm as a WAV file and asks the switch to play it. The file is
// deleted when the matching execute-complete event arrives, or after the
// clip's duration plus slack.
func (a *Adapter) play(ctx context.Context, pcm []byte) error {
	wav, err := audio.EncodeWAV(pcm, a.opts.SampleRate)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(a.opts.PlaybackDir, 0o755); err != nil {
		return fmt.Errorf("creating playback dir: %w", err)
	}
	appID := uuid.NewString()
	path := filepath.Join(a.opts.PlaybackDir, filepath.Base(a.call.CallID)+"-"+appID+".wav")
	if err := os.WriteFile(path, wav, 0o644); err != nil {
		return fmt.Errorf("writing playback file: %w", err)
	}

	a.mu.Lock()
	a.pending[appID] = path
	a.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	if err := a.conn.Execute(cctx, "playback", path, appID); err != nil {
		a.playbackDone(appID)
		return &domain.TransportError{Op: "playback", Err: err}
	}

	clip := time.Duration(audio.Duration(pcm, a.opts.SampleRate)) * time.Millisecond
	time.AfterFunc(clip+playbackSlack, func() { a.playbackDone(appID) })
	return nil
}

func (a *Adapter) playbackDone(appID string) {
	a.mu.Lock()
	path, ok := a.pending[appID]
	delete(a.pending, appID)
	a.mu.Unlock()
	if ok {
		_ = os.Remove(path)
	}
}

// PendingPlayback returns the number of playback files not yet cleaned up.
func (a *Adapter) PendingPlayback() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// SendControl transfers the channel through the dialplan or hangs it up.
func (a *Adapter) SendControl(ctx context.Context, c transport.Control) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	switch c.Type {
	case transport.ControlTransfer:
		arg := fmt.Sprintf("%s XML %s", c.Extension, a.opts.DialplanContext)
		if err := a.conn.Execute(ctx, "transfer", arg, ""); err != nil {
			return &domain.TransportError{Op: "transfer", Err: err}
		}
	case transport.ControlHangup:
		if err := a.conn.Execute(ctx, "hangup", "NORMAL_CLEARING", ""); err != nil {
			return &domain.TransportError{Op: "hangup", Err: err}
		}
	default:
		return fmt.Errorf("esl: unsupported control %q", c.Type)
	}
	return nil
}

// Close drops buffered audio, removes temp files and closes the socket.
func (a *Adapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		a.takeLocked()
		paths := make([]string, 0, len(a.pending))
		for id, p := range a.pending {
			paths = append(paths, p)
			delete(a.pending, id)
		}
		a.mu.Unlock()

		for _, p := range paths {
			_ = os.Remove(p)
		}
		close(a.done)
		err = a.conn.Close()
		_ = os.Remove(a.capturePath)
	})
	return err
}
