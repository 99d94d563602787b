package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/siohaza/oxine/internal/bans"
	"github.com/siohaza/oxine/internal/gamemode"
	"github.com/siohaza/oxine/internal/gateway"
	"github.com/siohaza/oxine/internal/heartbeat"
	"github.com/siohaza/oxine/internal/server"
	"github.com/siohaza/oxine/internal/session"
	"github.com/siohaza/oxine/internal/store"
	"github.com/siohaza/oxine/internal/world"
	"github.com/siohaza/oxine/pkg/config"
	"github.com/siohaza/oxine/pkg/lua"
)

var (
	configPath string
	logLevel   string
	version    = "0.1.0"
)

const banCleanupInterval = time.Minute

var rootCmd = &cobra.Command{
	Use:   "oxine",
	Short: "oxine - Minecraft Classic server",
	Long: `oxine is a server for the Minecraft Classic protocol (version 7) with
multiple worlds, Lua chat commands, and server list heartbeats.`,
	Version: version,
	Run:     runServer,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the server",
	Long:  "Start the server, writing a default configuration first if none exists",
	Run:   runServer,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("oxine v%s\n", version)
		fmt.Println("Minecraft Classic protocol 7 server")
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("config file %s already exists", configPath)
		}
		if _, err := config.WriteDefault(configPath); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", configPath)
		return nil
	},
}

var worldCmd = &cobra.Command{
	Use:   "world",
	Short: "Inspect or reset saved block edits",
}

var worldInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show how many edited blocks each world has",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		db, err := store.Open(cfg.StorePath)
		if err != nil {
			return err
		}
		defer db.Close()

		for _, wc := range cfg.Worlds {
			n, err := db.Count(wc.Name)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %dx%dx%d %s, %d edited blocks\n", wc.Name, wc.Width, wc.Height, wc.Length, wc.Generator, n)
		}
		return nil
	},
}

var worldResetCmd = &cobra.Command{
	Use:   "reset <world>",
	Short: "Forget every saved block edit of a world",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		db, err := store.Open(cfg.StorePath)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.Reset(args[0]); err != nil {
			return err
		}
		fmt.Printf("reset %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.toml", "path to configuration file")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level (debug, info, warn, error)")

	configCmd.AddCommand(configInitCmd)
	worldCmd.AddCommand(worldInfoCmd)
	worldCmd.AddCommand(worldResetCmd)

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(worldCmd)
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runServer(cmd *cobra.Command, args []string) {
	cfg, created, err := config.LoadOrCreate(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	var logWriter io.Writer = os.Stdout
	if cfg.LogToFile {
		rotator := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		}
		defer rotator.Close()
		logWriter = io.MultiWriter(os.Stdout, rotator)
	}

	logger := slog.New(slog.NewTextHandler(logWriter, &slog.HandlerOptions{
		Level: parseLevel(logLevel),
	}))
	slog.SetDefault(logger)

	logger.Info("starting oxine", "version", version)
	if created {
		logger.Info("wrote default configuration", "path", configPath)
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	var blocks world.BlockStore
	if cfg.StorePath != "" {
		db, err := store.Open(cfg.StorePath)
		if err != nil {
			return err
		}
		defer db.Close()
		blocks = db
	}

	worlds := make([]*world.World, 0, len(cfg.Worlds))
	for _, wc := range cfg.Worlds {
		w, err := world.New(wc, blocks, logger)
		if err != nil {
			return err
		}
		worlds = append(worlds, w)
		logger.Info("world ready", "world", wc.Name, "size", w.Size(), "generator", wc.Generator)
	}

	banManager := bans.NewManager(cfg.BansFile, cfg.BannedIPs, cfg.BannedUsers)
	if err := banManager.Load(); err != nil {
		return err
	}

	registry, err := session.New(cfg, worlds, banManager, logger)
	if err != nil {
		return err
	}

	srv := server.New(cfg, registry, logger)
	server.Software = "oxine " + version

	commands := lua.NewCommandManager(logger)
	if err := commands.LoadCommands(cfg.CommandsDir, lua.NewGameAPI(srv, commands)); err != nil {
		logger.Warn("lua commands unavailable", "dir", cfg.CommandsDir, "error", err)
	} else {
		srv.SetCommands(commands)
	}

	mode, err := gamemode.Load(cfg.GamemodeScript, lua.NewGameAPI(srv, nil), logger)
	if err != nil {
		logger.Warn("gamemode script unavailable, running without one", "script", cfg.GamemodeScript, "error", err)
		mode = gamemode.NewBaseGameMode(gamemode.DefaultName)
	}
	srv.AddCallbacks(mode)
	logger.Info("gamemode loaded", "gamemode", mode.Name())

	if err := srv.Start(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	beats := heartbeat.New(cfg, registry, srv.Metrics(), server.Software, logger)
	beatDone := make(chan struct{})
	go func() {
		defer close(beatDone)
		beats.Run(ctx)
	}()

	go cleanupBans(ctx, banManager, logger)

	var gw *gateway.Gateway
	var gwErr <-chan error
	if cfg.HTTPAddr != "" {
		gw = gateway.New(cfg.HTTPAddr, srv, logger)
		if gwErr, err = gw.Start(); err != nil {
			srv.Stop()
			return err
		}
	}

	logger.Info("server running",
		"name", cfg.Name,
		"address", cfg.Addr(),
		"worlds", registry.WorldNames(),
		"max_players", cfg.MaxPlayers,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info("shutting down server", "signal", sig.String())
	case err, ok := <-gwErr:
		if ok && err != nil {
			runErr = fmt.Errorf("gateway stopped: %w", err)
		}
	}

	cancel()
	<-beatDone

	if gw != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := gw.Stop(stopCtx); err != nil {
			logger.Warn("gateway shutdown", "error", err)
		}
		stopCancel()
	}

	srv.Stop()
	logger.Info("server stopped successfully")

	return runErr
}

func cleanupBans(ctx context.Context, m *bans.Manager, logger *slog.Logger) {
	ticker := time.NewTicker(banCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Cleanup(); err != nil {
				logger.Warn("failed to clean up expired bans", "error", err)
			}
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
