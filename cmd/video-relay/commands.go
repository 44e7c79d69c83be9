package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Sternrassler/video-relay/pkg/client"
	"github.com/Sternrassler/video-relay/pkg/config"
	"github.com/Sternrassler/video-relay/pkg/logging"
	"github.com/Sternrassler/video-relay/pkg/relay"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// options holds state shared by the subcommands.
type options struct {
	configPath string
	cfg        *config.Config
	logger     zerolog.Logger
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "video-relay",
		Short: "Relay for the upstream video API",
		Long: `video-relay holds the upstream API credential and exposes two operations:
the complete item list of a collection, following every page of the
upstream listing, and a single item by id.

Settings come from an optional YAML file and the VIMEO_* environment variables.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			opts.cfg = cfg
			opts.logger = logging.Setup(loggingConfig(cfg.Logging, cmd.ErrOrStderr()))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a YAML config file")

	rootCmd.AddCommand(newServeCmd(opts), newItemsCmd(opts), newItemCmd(opts))
	return rootCmd
}

func newServeCmd(opts *options) *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP relay server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if port != "" {
				opts.cfg.Server.Port = port
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			deps, err := newDependencies(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer deps.Close()

			srv := newServer(opts.cfg, deps.relay, deps.upstream.Ping)
			return run(ctx, opts.cfg.Server, srv, opts.logger)
		},
	}

	cmd.Flags().StringVar(&port, "port", "", "listen port (overrides server.port and PORT)")
	return cmd
}

func newItemsCmd(opts *options) *cobra.Command {
	var collectionID string

	cmd := &cobra.Command{
		Use:   "items",
		Short: "Print every item of a collection as a JSON array",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := newDependencies(cmd.Context(), opts.cfg)
			if err != nil {
				return err
			}
			defer deps.Close()

			items, err := deps.relay.CollectionItems(cmd.Context(), collectionID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), items)
		},
	}

	cmd.Flags().StringVar(&collectionID, "collection", "", "collection id (defaults to the configured folder)")
	return cmd
}

func newItemCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "item <id>",
		Short: "Print a single item as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := newDependencies(cmd.Context(), opts.cfg)
			if err != nil {
				return err
			}
			defer deps.Close()

			item, err := deps.relay.Item(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), item)
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// dependencies are the long-lived objects behind every command.
type dependencies struct {
	redis    *redis.Client
	upstream *client.Client
	relay    *relay.Service
}

func loggingConfig(cfg config.LoggingConfig, out io.Writer) logging.Config {
	lc := logging.DefaultConfig()
	lc.Level = logging.ParseLevel(cfg.Level)
	lc.Pretty = cfg.Pretty
	lc.Output = out
	return lc
}

// newDependencies wires Redis (when configured), the upstream client and the
// relay service. An unreachable Redis is logged and the relay keeps running;
// the client fails open on cache and rate-limit errors.
func newDependencies(ctx context.Context, cfg *config.Config) (*dependencies, error) {
	logger := logging.NewLogger("setup")

	rdb, err := newRedisClient(cfg)
	if err != nil {
		return nil, err
	}
	if rdb != nil {
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis unreachable, continuing without it until it recovers")
		} else {
			logger.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis")
		}
	}

	upstream, err := client.New(relay.ClientConfig(cfg, rdb))
	if err != nil {
		if rdb != nil {
			rdb.Close()
		}
		return nil, fmt.Errorf("create upstream client: %w", err)
	}

	if missing := cfg.Upstream.MissingCredentials(""); len(missing) > 0 {
		logger.Warn().Strs("missing", missing).Msg("Upstream settings incomplete, affected requests will fail")
	}

	return &dependencies{
		redis:    rdb,
		upstream: upstream,
		relay:    relay.New(cfg.Upstream, upstream),
	}, nil
}

// Close releases the upstream client and the Redis connection.
func (d *dependencies) Close() {
	d.upstream.Close()
	if d.redis != nil {
		d.redis.Close()
	}
}

// newRedisClient returns nil when no Redis address is configured. Both
// host:port and redis:// URLs are accepted.
func newRedisClient(cfg *config.Config) (*redis.Client, error) {
	if !cfg.RedisEnabled() {
		return nil, nil
	}
	rc := cfg.Redis

	if strings.HasPrefix(rc.Addr, "redis://") || strings.HasPrefix(rc.Addr, "rediss://") {
		opts, err := redis.ParseURL(rc.Addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opts), nil
	}

	return redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	}), nil
}
