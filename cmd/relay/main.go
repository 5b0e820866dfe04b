package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"balancechain/internal/config"
	"balancechain/internal/relay"
	"balancechain/internal/repository/directory"
	redisSvc "balancechain/internal/service/redis"
	"balancechain/internal/utils/log"
)

func main() {
	cfg, err := config.LoadRelay()
	if err != nil {
		panic(err)
	}
	log.Init(cfg.DevLog)
	defer log.Sync()

	var redisService *redisSvc.RedisService
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPass,
			DB:       0,
		})
		redisService = redisSvc.NewRedis(rdb)
	}

	var dir *directory.Repo
	if cfg.MongoURI != "" {
		client, err := initMongo(cfg.MongoURI)
		if err != nil {
			log.Fatal("connect mongo failed", zap.Error(err))
		}
		dir = directory.NewRepo(client.Database(cfg.MongoDB))
	}

	r := relay.New(redisService, dir)
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r.Router(),
	}
	go func() {
		log.Info("relay listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("relay server failed", zap.Error(err))
		}
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)
	<-done

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("relay shutdown failed", zap.Error(err))
	}
}

func initMongo(uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}
