package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/BioHazard786/Boothcall/internal/config"
	"github.com/BioHazard786/Boothcall/internal/hub"
	"github.com/BioHazard786/Boothcall/internal/logging"
	"github.com/BioHazard786/Boothcall/internal/server"
	"github.com/BioHazard786/Boothcall/internal/settings"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

var (
	flagListen      string
	flagRedis       string
	flagSettings    string
	flagMaxDuration time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the signaling server",
	Long: `Run the signaling server that relays presence, WebRTC signals and room
events between participants, and serves room settings and ICE servers.

Examples:
  boothcall serve
  boothcall serve --addr :9000 --redis redis://localhost:6379/0
  boothcall serve --settings rooms.yaml --max-duration 90m`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadServer(config.ServerOptions{
			ListenAddr:      flagListen,
			RedisURL:        flagRedis,
			SettingsFile:    flagSettings,
			RoomMaxDuration: flagMaxDuration,
		})
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		return runServer(cmd.Context(), cfg)
	},
}

func runServer(ctx context.Context, cfg *config.ServerConfig) error {
	log := logging.L().With(zap.String("component", "serve"))

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	if cfg.SettingsFile != "" {
		n, err := settings.LoadSeed(ctx, cfg.SettingsFile, store)
		if err != nil {
			return err
		}
		log.Info("loaded room settings", zap.Int("rooms", n), zap.String("file", cfg.SettingsFile))
	}

	h := hub.New(hub.Options{Store: store, MaxDuration: cfg.RoomMaxDuration, Log: logging.L()})
	go h.Run(ctx)

	if w, ok := store.(settings.Watcher); ok {
		go watchSettings(ctx, w, store, h, log)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.New(h, store, cfg, logging.L()).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		fmt.Printf("Starting signaling server on %s\n", cfg.ListenAddr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg *config.ServerConfig) (settings.Store, func(), error) {
	if cfg.RedisURL == "" {
		return settings.NewMemoryStore(), func() {}, nil
	}
	store, err := settings.NewRedisStore(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	return store, func() { store.Close() }, nil
}

// watchSettings pushes settings written by any server instance to the
// rooms open on this one.
func watchSettings(ctx context.Context, w settings.Watcher, store settings.Store, h *hub.Hub, log logging.Logger) {
	err := w.Watch(ctx, func(roomID string) {
		s, err := store.Get(ctx, roomID)
		if err != nil {
			log.Error("failed to reload room settings", err, zap.String("room", roomID))
			return
		}
		h.PushSettings(roomID, s)
	})
	if err != nil {
		log.Error("settings watch stopped", err)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&flagListen, "addr", "a", "", "Listen address (default :8080)")
	serveCmd.Flags().StringVar(&flagRedis, "redis", "", "Redis URL for shared room settings")
	serveCmd.Flags().StringVar(&flagSettings, "settings", "", "YAML file with initial room settings")
	serveCmd.Flags().DurationVar(&flagMaxDuration, "max-duration", 0, "Maximum room duration (default 120m)")
}
