package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/soyeahso/callrelay/internal/alert"
	"github.com/soyeahso/callrelay/internal/alert/irc"
	"github.com/soyeahso/callrelay/internal/audio"
	"github.com/soyeahso/callrelay/internal/backend"
	"github.com/soyeahso/callrelay/internal/config"
	"github.com/soyeahso/callrelay/internal/fallback"
	"github.com/soyeahso/callrelay/internal/gateway"
	"github.com/soyeahso/callrelay/internal/hooks"
	"github.com/soyeahso/callrelay/internal/logging"
	"github.com/soyeahso/callrelay/internal/metrics"
	"github.com/soyeahso/callrelay/internal/session"
	"github.com/soyeahso/callrelay/internal/store"
	"github.com/soyeahso/callrelay/internal/tools"
	"github.com/soyeahso/callrelay/internal/transport"
	"github.com/soyeahso/callrelay/internal/transport/esl"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	var (
		port int
		bind string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the call relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(paths.Config)
			if err != nil {
				return err
			}

			if port != 0 {
				cfg.Gateway.Port = port
			}
			if bind != "" {
				cfg.Gateway.Bind = bind
			}

			issues := config.Validate(&cfg)
			if len(issues) > 0 {
				for _, issue := range issues {
					log.Error().Str("path", issue.Path).Msg(issue.Message)
				}
				return fmt.Errorf("config validation failed with %d issue(s)", len(issues))
			}

			// The config file may pick a log style; --log-level still wins.
			level := logLevel
			if level == "" {
				level = cfg.Logging.Level
			}
			if level == "" {
				level = "info"
			}
			log = logging.NewStyled(cfg.Logging.ConsoleStyle, level)

			if err := paths.EnsureDirs(); err != nil {
				return fmt.Errorf("creating data directories: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "gateway port (overrides config)")
	cmd.Flags().StringVar(&bind, "bind", "", "bind mode: loopback, lan, custom (overrides config)")

	return cmd
}

// serve wires every component from cfg and runs until ctx ends.
func serve(ctx context.Context, cfg config.Config) error {
	m := metrics.New(prometheus.NewRegistry())

	hookMgr := hooks.NewManager(log)
	hookMgr.LogEvents()

	client := backend.New(cfg.Backend, log, m)
	dispatcher := tools.NewDispatcher(tools.NewDefaultRegistry(client), log, m)

	alerts := alert.NewRegistry(log)
	alerts.Register(alert.NewBackendSink(client))
	if cfg.Alerts.IRC != nil {
		alerts.Register(irc.New(*cfg.Alerts.IRC, log))
	}
	alerts.StartAll(ctx)
	defer alerts.StopAll(context.Background())

	fb := fallback.New(client, alerts, cfg.Sessions.FallbackGrace(), log, m)

	summaries := []session.SummarySink{client}
	var archive *store.SummaryStore
	if cfg.Sessions.Store == "sqlite" {
		db, err := store.Open(paths.SummaryDB(), log)
		if err != nil {
			return fmt.Errorf("opening summary archive: %w", err)
		}
		defer db.Close()
		archive = store.NewSummaryStore(db)
		summaries = append(summaries, archive)
	}

	tr := cfg.Transports
	registry := session.NewRegistry(session.Deps{
		Realtime:       cfg.Realtime,
		SampleRate:     cfg.Audio.SampleRate,
		CommitInterval: cfg.Audio.CommitInterval(),
		CommitModes: map[string]audio.CommitMode{
			transport.KindSocket:      audio.ParseCommitMode(tr.Socket.CommitMode),
			transport.KindEventSocket: audio.ParseCommitMode(tr.EventSocket.CommitMode),
			transport.KindPolling:     audio.ParseCommitMode(tr.Polling.CommitMode),
		},
		NewUpstream: session.RealtimeUpstream(cfg.Realtime),
		Agents:      client,
		Tools:       dispatcher,
		Fallback:    fb,
		Summaries:   summaries,
		Hooks:       hookMgr,
		Metrics:     m,
		Log:         log,
	}, session.RegistryOptions{
		IdleThreshold: cfg.Sessions.IdleThreshold(),
		SweepInterval: cfg.Sessions.SweepInterval(),
		SummaryCache:  cfg.Sessions.SummaryCache,
	})
	go registry.Run(ctx)

	opts := []gateway.ServerOption{
		gateway.WithRegistry(registry),
		gateway.WithMetrics(m),
		gateway.WithHooks(hookMgr),
	}
	if archive != nil {
		opts = append(opts, gateway.WithArchive(archive))
	}
	srv := gateway.New(cfg, log, opts...)

	eslDone := make(chan error, 1)
	if tr.EventSocket.Enabled {
		es := esl.NewServer(tr.EventSocket.Listen, eventSocketOptions(cfg), acceptCall(registry), log)
		go func() { eslDone <- es.ListenAndServe(ctx) }()
	} else {
		close(eslDone)
	}

	// Sessions end before the gateway stops so summaries reach the backend
	// while connections are still open.
	gwCtx, gwCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer gwCancel()
	go func() {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := registry.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("sessions did not end in time")
		}
		gwCancel()
	}()

	if err := srv.Start(gwCtx); err != nil {
		return err
	}
	if err := <-eslDone; err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("event socket: %w", err)
	}
	hookMgr.Wait()
	return nil
}

func eventSocketOptions(cfg config.Config) esl.Options {
	es := cfg.Transports.EventSocket
	captureDir := es.CaptureDir
	if captureDir == "" {
		captureDir = paths.Capture
	}
	playbackDir := es.PlaybackDir
	if playbackDir == "" {
		playbackDir = paths.Playback
	}
	return esl.Options{
		CaptureDir:      captureDir,
		PlaybackDir:     playbackDir,
		PollInterval:    time.Duration(es.PollMs) * time.Millisecond,
		DialplanContext: es.DialplanContext,
		SampleRate:      cfg.Audio.SampleRate,
	}
}

// acceptCall hands an answered event-socket call to the registry and holds
// the connection until the session is done.
func acceptCall(registry *session.Registry) esl.Handler {
	return func(ctx context.Context, a *esl.Adapter) {
		sess, created, err := registry.Create(ctx, a.Call(), a)
		if err != nil || !created {
			if err != nil {
				log.Warn().Err(err).Str("callId", a.Call().CallID).Msg("event socket call rejected")
			}
			_ = a.SendControl(ctx, transport.Control{Type: transport.ControlHangup})
			_ = a.Close()
			return
		}
		<-sess.Done()
	}
}
