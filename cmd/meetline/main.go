package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"meetline/internal/core/domain"
	"meetline/internal/core/ports"
	"meetline/internal/core/services"
	"meetline/internal/infrastructure/monitoring"
	relaysignal "meetline/internal/infrastructure/signal"
	webrtcinfra "meetline/internal/infrastructure/webrtc"
	"meetline/pkg/config"
	"meetline/pkg/logger"
	"meetline/pkg/retry"
	"meetline/pkg/tracing"
	"meetline/pkg/utils"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "configs/meetline.yaml", "path to the YAML config")
	create := flag.Bool("create", false, "create a new meeting")
	join := flag.String("join", "", "join the meeting with this code")
	name := flag.String("name", "", "display name (overrides identity.display_name)")
	metricsAddr := flag.String("metrics", "", "serve prometheus metrics on this address")
	flag.Parse()

	if *create == (*join != "") {
		fmt.Fprintln(os.Stderr, "exactly one of -create or -join CODE is required")
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not load config: %v\n", err)
		os.Exit(1)
	}
	if *name != "" {
		cfg.Identity.DisplayName = *name
	}

	zapLogger := logger.NewDevelopment(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tracingCfg := tracing.DefaultConfig()
	tracingCfg.Enabled = cfg.Tracing.Enabled
	tracingCfg.JaegerURL = cfg.Tracing.JaegerURL
	tracingCfg.Environment = cfg.Tracing.Environment
	tracingCfg.SampleRate = cfg.Tracing.SampleRate
	tp, err := tracing.Init(tracingCfg)
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	registry := prometheus.NewRegistry()
	callMetrics := monitoring.NewCallCollector(registry)
	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, registry, log)
	}

	factory, err := webrtcinfra.NewConnectionFactory(webrtcinfra.FactoryConfigFrom(cfg), log.Named("webrtc"))
	if err != nil {
		log.Fatalw("failed to create connection factory", "error", err)
	}
	source := webrtcinfra.SyntheticSource{FrameRate: cfg.Media.MinFrameRate, Logger: log.Named("capture")}
	media := webrtcinfra.NewMediaProvider(webrtcinfra.DefaultDevice(), webrtcinfra.WithSource(source.Run))

	if cfg.Relay.Token != "" {
		log.Infow("using relay token", "token", utils.MaskSensitive(cfg.Relay.Token, 4))
	}
	dialer := relaysignal.NewDialer(relaysignal.DialerConfigFrom(cfg), callMetrics, log.Named("transport"))

	observer := newConsoleObserver(os.Stdout)
	session := services.NewSession(
		sessionConfig(cfg),
		dialer,
		factory,
		media,
		services.StaticIdentity{DisplayName: cfg.Identity.DisplayName, UserID: domain.UserID(cfg.Identity.UserID)},
		observer,
		callMetrics,
		log.Named("session"),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, session, *create, *join, observer); err != nil {
		log.Errorw("session failed", "error", err)
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer closeCancel()
	if err := session.Close(closeCtx); err != nil {
		log.Warnw("error closing session", "error", err)
	}
	if err := tp.Shutdown(closeCtx); err != nil {
		log.Warnw("error shutting down tracer", "error", err)
	}
}

func run(ctx context.Context, session *services.Session, create bool, code string, observer *consoleObserver) error {
	if err := session.Start(ctx); err != nil {
		return err
	}
	fmt.Printf("connected as %s\n", session.PeerID())

	if create {
		if _, err := session.CreateMeeting(ctx); err != nil {
			return err
		}
	} else if err := session.JoinMeeting(ctx, code); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		fmt.Println("leaving meeting")
		return nil
	case reason := <-observer.ended:
		fmt.Printf("call ended: %s\n", reason)
		return nil
	case err := <-observer.fatal:
		return err
	}
}

func sessionConfig(cfg *config.Config) services.SessionConfig {
	reconnect := retry.DefaultConfig()
	reconnect.MaxAttempts = cfg.Relay.Reconnect.Attempts
	reconnect.InitialDelay = cfg.Relay.Reconnect.Delay
	reconnect.MaxDelay = cfg.Relay.Reconnect.MaxDelay
	reconnect.Permanent = []error{context.Canceled}

	return services.SessionConfig{
		Endpoints: cfg.Relay.Endpoints,
		Media: ports.MediaConstraints{
			Audio:        cfg.Media.Audio,
			Video:        cfg.Media.Video,
			MinWidth:     cfg.Media.MinWidth,
			MinHeight:    cfg.Media.MinHeight,
			MinFrameRate: cfg.Media.MinFrameRate,
			Facing:       ports.CameraFacing(cfg.Media.Facing),
		},
		RestartGrace:     cfg.WebRTC.ICERestartGrace,
		ReconnectEnabled: cfg.Relay.Reconnect.Enabled,
		Reconnect:        reconnect,
	}
}

func serveMetrics(addr string, registry *prometheus.Registry, log *zap.SugaredLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	log.Infow("serving metrics", "address", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Errorw("metrics server failed", "error", err)
	}
}

// consoleObserver prints roster and remote media changes.
type consoleObserver struct {
	out     io.Writer
	started time.Time
	last    string
	ended   chan string
	fatal   chan error
}

func newConsoleObserver(out io.Writer) *consoleObserver {
	return &consoleObserver{
		out:     out,
		started: time.Now(),
		ended:   make(chan string, 1),
		fatal:   make(chan error, 1),
	}
}

func (o *consoleObserver) OnStateChanged(state ports.SessionState) {
	line := describe(state)
	if line == o.last {
		return
	}
	o.last = line
	fmt.Fprintf(o.out, "[%s] %s\n", utils.FormatElapsed(time.Since(o.started)), line)
}

func (o *consoleObserver) OnMeetingCreated(id domain.MeetingID) {
	fmt.Fprintf(o.out, "created meeting %s, share this code\n", id)
}

func (o *consoleObserver) OnCallEnded(reason string) {
	select {
	case o.ended <- reason:
	default:
	}
}

func (o *consoleObserver) OnFatalError(err error) {
	select {
	case o.fatal <- err:
	default:
	}
}

func describe(state ports.SessionState) string {
	if state.MeetingID == "" {
		return fmt.Sprintf("not in a meeting (relay connected: %t)", state.TransportConnected)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "meeting %s (%s), relay connected: %t", state.MeetingID, state.Role, state.TransportConnected)
	if state.LocalMedia != nil && state.LocalMedia.Muted() {
		b.WriteString(", muted")
	}

	roster := append([]domain.Participant(nil), state.Roster...)
	sort.Slice(roster, func(i, j int) bool { return roster[i].DisplayName < roster[j].DisplayName })
	for _, p := range roster {
		tracks := 0
		for _, stream := range state.RemoteMedia[p.PeerID] {
			tracks += len(stream.Tracks)
		}
		fmt.Fprintf(&b, "\n  %s (%s) tracks=%d", p.DisplayName, p.PeerID, tracks)
	}
	return b.String()
}
