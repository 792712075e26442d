package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/autoform/client/internal/config"
	"github.com/zhouzirui/autoform/client/internal/handler"
	"github.com/zhouzirui/autoform/client/internal/service/audio"
	"github.com/zhouzirui/autoform/client/internal/service/events"
	"github.com/zhouzirui/autoform/client/internal/service/history"
	"github.com/zhouzirui/autoform/client/internal/service/playback"
	"github.com/zhouzirui/autoform/client/internal/service/speech"
	"github.com/zhouzirui/autoform/client/internal/voice/listening"
	"github.com/zhouzirui/autoform/client/internal/voice/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the voice session and its local control surface",
	RunE: func(cmd *cobra.Command, args []string) error {
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			normalized, err := config.NormalizeAddr(addr)
			if err != nil {
				return err
			}
			cfg.Server.Addr = normalized
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (overrides PORT)")
}

func serve(ctx context.Context) error {
	client := newBackend()
	hub := events.NewHub(logger)
	defer hub.Close()
	hist := history.NewService()

	var players []playback.Player
	if len(cfg.Audio.PlayerCommand) > 0 {
		players = append(players, playback.CommandPlayer{Command: cfg.Audio.PlayerCommand})
	}
	if cfg.Audio.OutputDir != "" {
		players = append(players, playback.DirPlayer{Dir: cfg.Audio.OutputDir})
	}
	if cfg.Audio.Broadcast {
		players = append(players, playback.BroadcastPlayer{Events: hub})
	}
	speaker := playback.NewSpeaker(client, logger, players...)

	var relay *audio.Relay
	var recognizer listening.Recognizer
	var source speech.AudioSource
	switch cfg.Audio.Source {
	case config.SourceCommand:
		source = audio.CommandSource{Command: cfg.Audio.CaptureCommand, Logger: logger}
	case config.SourceWebSocket:
		relay = audio.NewRelay(logger)
		source = relay
	}
	if source != nil && cfg.Speech.Enabled {
		rec, err := speech.NewRecognizer(cfg.Speech.Recognizer, source, logger)
		if err != nil {
			return err
		}
		recognizer = rec
	} else {
		logger.Warn("speech recognition disabled, sessions accept typed turns only",
			"source", cfg.Audio.Source, "credentials", cfg.Speech.Enabled)
	}

	orch := session.New(session.Options{
		Backend:    client,
		Recognizer: recognizer,
		Speaker:    speaker,
		Reporter:   hub,
		History:    hist,
		Logger:     logger,
	})
	defer orch.Close()

	deps := handler.Deps{
		Forms:   client,
		Session: orch,
		History: hist,
		Events:  hub,
		Logger:  logger,
	}
	if relay != nil {
		deps.Audio = relay
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler.NewRouter(deps),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("autoform client listening", "addr", cfg.Server.Addr, "backend", client.BaseURL())
	return runServer(ctx, srv)
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
