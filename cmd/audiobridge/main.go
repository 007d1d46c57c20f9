package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/galaxtel/audiobridge/internal/dotenv"
	"github.com/galaxtel/audiobridge/pkg/ari"
	"github.com/galaxtel/audiobridge/pkg/bridge/audio"
	"github.com/galaxtel/audiobridge/pkg/bridge/config"
	"github.com/galaxtel/audiobridge/pkg/bridge/hub"
	"github.com/galaxtel/audiobridge/pkg/bridge/orchestrator"
	"github.com/galaxtel/audiobridge/pkg/bridge/storage"
	"github.com/galaxtel/audiobridge/pkg/bridge/store"
	gatewayserver "github.com/galaxtel/audiobridge/pkg/gateway/server"
)

type bridgeDeps struct {
	loadConfig   func() (config.Config, error)
	migrate      func(databaseURL string) error
	openStore    func(ctx context.Context, databaseURL string) (*store.Store, error)
	openStorage  func(ctx context.Context, cfg storage.Config) (*storage.Store, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultBridgeDeps() bridgeDeps {
	return bridgeDeps{
		loadConfig:  config.LoadFromEnv,
		migrate:     store.Migrate,
		openStore:   store.New,
		openStorage: storage.New,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
	}
}

func runBridge(ctx context.Context, logger *slog.Logger, deps bridgeDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.migrate == nil || deps.openStore == nil || deps.openStorage == nil {
		return errors.New("missing store dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := deps.migrate(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	db, err := deps.openStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	objects, err := deps.openStorage(ctx, storage.Config{
		Bucket:          cfg.StorageBucket,
		Region:          cfg.StorageRegion,
		Endpoint:        cfg.StorageEndpoint,
		PublicURL:       cfg.StoragePublicURL,
		AccessKeyID:     cfg.StorageAccessKeyID,
		SecretAccessKey: cfg.StorageSecretAccessKey,
	})
	if err != nil {
		return fmt.Errorf("open object storage: %w", err)
	}

	h := hub.New(hub.Config{
		SubscriberQueue: cfg.HubSubscriberQueue,
		ReplayChunks:    cfg.HubReplayChunks,
	}, logger)

	pipe := audio.New(audio.Config{
		ChunkSize:         cfg.AudioChunkSize,
		SampleRate:        cfg.AudioSampleRate,
		Channels:          cfg.AudioChannels,
		Format:            cfg.AudioFormat,
		CaptureInterval:   cfg.CaptureInterval,
		UploadWorkers:     cfg.UploadWorkers,
		UploadMaxAttempts: cfg.UploadMaxAttempts,
		UploadBackoff:     cfg.UploadBackoff,
	}, objects, db, h, storage.Retryable, storage.ChunkKey, logger)
	defer pipe.Close()

	client, err := ari.NewClient(ari.ClientConfig{
		BaseURL:        cfg.ARIBaseURL,
		Username:       cfg.ARIUsername,
		Password:       cfg.ARIPassword,
		ConnectTimeout: cfg.ARIConnectTimeout,
		RequestTimeout: cfg.ARIRequestTimeout,
	})
	if err != nil {
		return fmt.Errorf("build control-plane client: %w", err)
	}

	orch := orchestrator.New(orchestrator.Config{
		AppName:                cfg.ARIAppName,
		CarrierPrefix:          cfg.CarrierChannelPrefix,
		ConferenceContext:      cfg.ConferenceContext,
		RecordingFormat:        cfg.RecordingFormat,
		RecordingStartAttempts: cfg.RecordingStartAttempts,
		RecordingStartBackoff:  cfg.RecordingStartBackoff,
		RecordingStartTimeout:  cfg.RecordingStartTimeout,
		SnoopCreateTimeout:     cfg.SnoopCreateTimeout,
		ConferenceMoveTimeout:  cfg.ConferenceMoveTimeout,
		DrainTimeout:           cfg.ShutdownGracePeriod,
	}, client, pipe, h, db, logger)
	// Runs before the deferred pipe.Close: captures must stop feeding the
	// pipeline before its workers shut down.
	defer orch.Stop()

	monitorCtx, monitorCancel := context.WithCancel(context.Background())
	defer monitorCancel()

	if cfg.EnableEventMonitor {
		poller := orchestrator.NewPoller(cfg.PollInterval, orch, client, logger)

		events := ari.NewStream(ari.StreamConfig{
			URL:      cfg.ARIEventsURL,
			Username: cfg.ARIUsername,
			Password: cfg.ARIPassword,
		}, logger)
		events.OnEvent = func(ev ari.Event) {
			orch.HandleEvent(monitorCtx, ev)
		}
		// A fresh poll right after every (re)connect closes the window in
		// which calls started or ended without us seeing an event.
		events.OnConnect = poller.PollNow

		go poller.Run(monitorCtx)
		go func() {
			if err := events.Run(monitorCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("event stream stopped", "error", err)
			}
		}()
	} else {
		logger.Warn("event monitor disabled; calls will not be recorded")
	}

	gw := gatewayserver.New(cfg, db, h, logger)
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting audio bridge",
		"addr", cfg.Addr,
		"app", cfg.ARIAppName,
		"monitor", cfg.EnableEventMonitor,
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	gw.SetDraining(true)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	// Stop consuming events before tearing the pipeline down so no new
	// captures start while uploads drain.
	monitorCancel()

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("audio bridge stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps bridgeDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := dotenv.Load(".env"); err != nil {
		fmt.Fprintf(stderr, "audiobridge: %v\n", err)
		return 1
	}

	if err := runBridge(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "audiobridge: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultBridgeDeps()))
}
