package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"game_channel/internal/config"
	"game_channel/internal/cryptographic/signature"
	"game_channel/internal/game/games"
	"game_channel/internal/service/app"
	redisSvc "game_channel/internal/service/redis"
	"game_channel/internal/transcript"
	"game_channel/internal/utils/log"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()
	cmd := &cobra.Command{
		Use:          "client",
		Short:        "Play a game over the relay hub",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.Bind(v, cmd.Flags()); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, v)
		},
	}
	config.ClientFlags(cmd.Flags())
	cmd.AddCommand(newKeygenCmd(), newVerifyCmd())
	return cmd
}

func run(ctx context.Context, v *viper.Viper) (err error) {
	registry := games.Registry()
	cfg, err := config.LoadClient(v, registry)
	if err != nil {
		return err
	}

	// the terminal belongs to the UI, so logs go to a file or nowhere
	if cfg.Log.File != "" {
		logger, err := log.New(cfg.Log.Development, cfg.Log.Level, cfg.Log.File)
		if err != nil {
			return fmt.Errorf("logger: %w", err)
		}
		log.SetLogger(logger)
	} else {
		log.SetLogger(zap.NewNop())
	}
	defer func() { log.Sync() }()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	redisService := redisSvc.NewRedis(rdb)
	defer func() {
		err = multierr.Append(err, redisService.Close())
	}()

	factory, err := registry.Lookup(cfg.Game)
	if err != nil {
		return err
	}

	a := app.NewApp(app.ClientConfig{
		URL:     cfg.ServerURL,
		Account: cfg.Account,
		Owner:   cfg.Owner,
		Game:    cfg.Game,
		Factory: factory,
		Cache:   app.NewRedisCache(redisService, cfg.CacheTTL),
	})
	log.Info("client starting", zap.Stringer("account", cfg.Account.Address()), zap.String("game", cfg.Game))
	return multierr.Combine(a.Run(ctx), a.Stop())
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate an account key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			k, err := signature.GenerateKeySigner()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "key     %s\naddress %s\n", hex.EncodeToString(k.PrivateKeyBytes()), k.Address().Hex())
			return nil
		},
	}
}

func newVerifyCmd() *cobra.Command {
	var serverURL, owner string
	cmd := &cobra.Command{
		Use:   "verify <session>",
		Short: "Fetch a session transcript from the hub and replay it locally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.FetchTranscript(cmd.Context(), serverURL, args[0])
			if err != nil {
				return err
			}
			factory, err := games.Registry().Lookup(a.Game)
			if err != nil {
				return err
			}

			var pinned *signature.Address
			if owner != "" {
				addr, err := signature.ParseAddress(owner)
				if err != nil {
					return err
				}
				pinned = &addr
			}

			r, err := transcript.Verify(a.Transcript, factory, pinned)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "session  %s (%s)\nowner    %s\nplayers  %s, %s\nmessages %d, phase %s\n",
				a.Session, a.Game, r.Owner.Hex(), r.Accounts[0].Hex(), r.Accounts[1].Hex(), r.Length, r.Phase)
			if r.Over {
				fmt.Fprintf(out, "winner   %s\n", r.Winner)
			}
			if a.Failed {
				fmt.Fprintln(out, "stopped  by the hub, archive incomplete")
			}
			if s, ok := r.Match.(fmt.Stringer); ok {
				fmt.Fprintf(out, "\n%s", s)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, config.KeyServerURL, "ws://localhost:9090/session", "hub websocket url")
	cmd.Flags().StringVar(&owner, config.KeyOwner, "", "expected hub address")
	return cmd
}
