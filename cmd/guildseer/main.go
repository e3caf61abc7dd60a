package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/guildseer/guildseer/internal/profile"
	"github.com/guildseer/guildseer/internal/version"
	"github.com/guildseer/guildseer/server"
	"github.com/guildseer/guildseer/store"
	"github.com/guildseer/guildseer/store/db"
	"github.com/guildseer/guildseer/vectorstore"
)

var rootCmd = &cobra.Command{
	Use:     "guildseer",
	Short:   "A Discord history bot: indexes server messages into per-server vector collections and answers questions about them over DM.",
	Version: version.String(),
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		// Only load .env for direct binary execution; a systemd unit
		// carries its environment itself.
		if !isRunningAsSystemdService() {
			_ = godotenv.Load()
		}
		initLogger(viper.GetString("mode"))
		return nil
	},
	Run: func(_ *cobra.Command, _ []string) {
		instanceProfile := buildProfile()
		if err := instanceProfile.Validate(); err != nil {
			slog.Error("invalid configuration", "error", err)
			os.Exit(1)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		dbDriver, err := db.NewDBDriver(instanceProfile)
		if err != nil {
			slog.Error("failed to open shared database", "driver", instanceProfile.Driver, "error", err)
			os.Exit(3)
		}
		storeInstance := store.New(dbDriver, instanceProfile)
		if err := storeInstance.Migrate(ctx); err != nil {
			slog.Error("failed to migrate shared database", "error", err)
			os.Exit(3)
		}

		s, err := server.New(ctx, instanceProfile, storeInstance)
		if err != nil {
			slog.Error("failed to assemble server", "error", err)
			os.Exit(exitCode(err))
		}
		if err := s.Start(ctx); err != nil {
			slog.Error("failed to start server", "error", err)
			os.Exit(exitCode(err))
		}
		printGreetings(instanceProfile)

		c := make(chan os.Signal, 1)
		// SIGTERM is what systemd and kubernetes send for graceful stops.
		signal.Notify(c, terminationSignals...)
		<-c
		slog.Info("termination signal received")

		drainCtx, drainCancel := context.WithTimeout(context.Background(), server.DrainTimeout)
		defer drainCancel()
		s.Shutdown(drainCtx)
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete a server's vector collections and its resume checkpoint",
	RunE: func(cmd *cobra.Command, _ []string) error {
		serverID, err := cmd.Flags().GetString("server")
		if err != nil {
			return err
		}
		if serverID == "" {
			return errors.New("--server is required")
		}
		p := buildProfile()
		if err := p.ValidateStorage(); err != nil {
			return err
		}
		vectors := vectorstore.New(p.DatabasesDir(), nil, nil, p.EmbeddingModel)
		if err := vectors.Purge(cmd.Context(), serverID); err != nil {
			return err
		}
		fmt.Printf("Purged collections for server %s. The next sync rebuilds from the full history.\n", serverID)
		return nil
	},
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Manage which servers are indexed",
}

var serverEnableCmd = &cobra.Command{
	Use:   "enable <server-id>",
	Short: "Enable indexing for a server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		policy, err := cmd.Flags().GetString("on-failure")
		if err != nil {
			return err
		}
		model, err := cmd.Flags().GetString("embedding-model")
		if err != nil {
			return err
		}

		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		upsert := &store.UpsertServerConfig{
			ServerID:  args[0],
			OnFailure: store.OnFailurePolicy(policy),
		}
		if model != "" {
			upsert.EmbeddingModel = &model
		}
		config, err := st.UpsertServerConfig(cmd.Context(), upsert)
		if err != nil {
			return err
		}

		modelLabel := "(default)"
		if config.EmbeddingModel != nil {
			modelLabel = *config.EmbeddingModel
		}
		fmt.Printf("Server %s enabled: on-failure=%s embedding-model=%s\n",
			config.ServerID, config.OnFailure, modelLabel)
		return nil
	},
}

var serverListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured servers",
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		configs, err := st.ListServerConfigs(cmd.Context(), &store.FindServerConfig{})
		if err != nil {
			return err
		}
		if len(configs) == 0 {
			fmt.Println("No servers configured. Run `guildseer server enable <server-id>`.")
			return nil
		}
		sort.Slice(configs, func(i, j int) bool { return configs[i].ServerID < configs[j].ServerID })
		for _, config := range configs {
			modelLabel := "(default)"
			if config.EmbeddingModel != nil {
				modelLabel = *config.EmbeddingModel
			}
			fmt.Printf("%s\ton-failure=%s\tembedding-model=%s\n",
				config.ServerID, config.OnFailure, modelLabel)
		}
		return nil
	},
}

var serverDisableCmd = &cobra.Command{
	Use:   "disable <server-id>",
	Short: "Stop indexing a server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.DeleteServerConfig(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Server %s disabled. Indexed data remains until `guildseer purge --server %s`.\n",
			args[0], args[0])
		return nil
	},
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("driver", "sqlite")

	rootCmd.PersistentFlags().String("mode", "dev", `mode of server, can be "prod" or "dev"`)
	rootCmd.PersistentFlags().String("data", "", "data directory; vector collections live under <data>/databases")
	rootCmd.PersistentFlags().String("driver", "sqlite", "database driver for the shared tables (sqlite, postgres)")
	rootCmd.PersistentFlags().String("dsn", "", "database source name (aka. DSN)")

	for _, key := range []string{"mode", "data", "driver", "dsn"} {
		if err := viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(key)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("guildseer")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	purgeCmd.Flags().String("server", "", "server id to purge")
	serverEnableCmd.Flags().String("on-failure", "skip", `batch failure policy, "skip" or "stop"`)
	serverEnableCmd.Flags().String("embedding-model", "", "embedding model override for this server")

	serverCmd.AddCommand(serverEnableCmd, serverListCmd, serverDisableCmd)
	rootCmd.AddCommand(purgeCmd, serverCmd)
}

func buildProfile() *profile.Profile {
	p := &profile.Profile{
		Mode:    viper.GetString("mode"),
		Data:    viper.GetString("data"),
		Driver:  viper.GetString("driver"),
		DSN:     viper.GetString("dsn"),
		Version: version.String(),
	}
	p.FromEnv()
	return p
}

// openStore opens the shared tables for the storage-only subcommands, which
// run without the platform credential.
func openStore(ctx context.Context) (*store.Store, error) {
	p := buildProfile()
	if err := p.ValidateStorage(); err != nil {
		return nil, err
	}
	dbDriver, err := db.NewDBDriver(p)
	if err != nil {
		return nil, err
	}
	st := store.New(dbDriver, p)
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

// exitCode maps startup failures to the documented process exit codes.
func exitCode(err error) int {
	switch {
	case errors.Is(err, server.ErrPlatformLogin):
		return 2
	case errors.Is(err, server.ErrStorageInit):
		return 3
	default:
		// Model warm-up and any remaining startup failure.
		return 1
	}
}

func initLogger(mode string) {
	level := logLevel(mode)
	var handler slog.Handler
	if mode == "prod" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	}
	slog.SetDefault(slog.New(handler))
}

// logLevel resolves LOG_LEVEL, defaulting to debug in dev and info in prod.
func logLevel(mode string) slog.Level {
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	if mode == "prod" {
		return slog.LevelInfo
	}
	return slog.LevelDebug
}

func printGreetings(p *profile.Profile) {
	fmt.Printf("GuildSeer %s started\n", p.Version)
	fmt.Printf("Mode: %s\n", p.Mode)
	fmt.Printf("Data directory: %s\n", p.Data)
	fmt.Printf("Shared database driver: %s\n", p.Driver)
	if p.MetricsAddr != "" {
		fmt.Printf("Ops endpoint: http://%s\n", p.MetricsAddr)
	}
	fmt.Println("DM the bot !ask <question> to query indexed servers.")
}

// isRunningAsSystemdService detects if the process is running under systemd.
func isRunningAsSystemdService() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
