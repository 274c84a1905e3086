package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"game_channel/internal/config"
	"game_channel/internal/game/games"
	"game_channel/internal/model"
	"game_channel/internal/repository/session"
	natsSvc "game_channel/internal/service/nats"
	redisSvc "game_channel/internal/service/redis"
	"game_channel/internal/service/server"
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
		Use:          "relay",
		Short:        "Hub relaying authenticated two-party game sessions",
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
	config.ServerFlags(cmd.Flags())
	cmd.AddCommand(newWatchCmd())
	return cmd
}

func setupLogger(cfg config.Log) error {
	var outputs []string
	if cfg.File != "" {
		outputs = append(outputs, cfg.File)
	}
	logger, err := log.New(cfg.Development, cfg.Level, outputs...)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	log.SetLogger(logger)
	return nil
}

func run(ctx context.Context, v *viper.Viper) (err error) {
	cfg, err := config.LoadServer(v)
	if err != nil {
		return err
	}
	if err := setupLogger(cfg.Log); err != nil {
		return err
	}
	defer func() { log.Sync() }()

	if cfg.Ephemeral {
		log.Warn("no owner key configured, generated one; archived sessions cannot be resumed after a restart",
			zap.Stringer("owner", cfg.Owner.Address()))
	}

	mongoClient, err := initMongo(ctx, cfg.MongoURI)
	if err != nil {
		return fmt.Errorf("mongo: %w", err)
	}
	defer func() {
		err = multierr.Append(err, mongoClient.Disconnect(context.Background()))
	}()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	redisService := redisSvc.NewRedis(rdb)
	defer func() {
		err = multierr.Append(err, redisService.Close())
	}()
	if err := redisService.Ping(ctx); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	var feed server.Feed
	if cfg.NatsURL != "" {
		nc, cerr := natsSvc.Connect(cfg.NatsURL)
		if cerr != nil {
			return fmt.Errorf("nats: %w", cerr)
		}
		defer func() {
			err = multierr.Append(err, nc.Drain())
		}()
		feed = natsSvc.NewFeed(nc)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	hub := server.NewHttpServer(server.Config{
		Owner:    cfg.Owner,
		Games:    games.Registry(),
		Queue:    server.NewRedisQueue(redisService, cfg.QueueTTL),
		Archive:  session.NewSessionRepo(mongoClient.Database(cfg.MongoDatabase)),
		Feed:     feed,
		Registry: registry,
	})
	return hub.Run(ctx, cfg.Addr)
}

func initMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, multierr.Append(err, client.Disconnect(context.Background()))
	}
	return client, nil
}

func newWatchCmd() *cobra.Command {
	var natsURL, sessionID string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print messages accepted by the hub as they are published",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			nc, err := natsSvc.Connect(natsURL)
			if err != nil {
				return err
			}
			defer nc.Close()

			out := cmd.OutOrStdout()
			sub, err := natsSvc.Watch(nc, sessionID, func(rec *model.Record) {
				fmt.Fprintf(out, "%s #%d player %d %s %s\n", rec.Session, rec.Index, rec.Player, rec.Author, rec.Hash)
			})
			if err != nil {
				return err
			}

			<-ctx.Done()
			return multierr.Combine(sub.Unsubscribe(), nc.Drain())
		},
	}
	cmd.Flags().StringVar(&natsURL, "nats-url", "nats://localhost:4222", "nats server url")
	cmd.Flags().StringVar(&sessionID, "session", "", "session to follow (all when empty)")
	return cmd
}
