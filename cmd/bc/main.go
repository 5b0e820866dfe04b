package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"balancechain/internal/app"
	"balancechain/internal/config"
	"balancechain/internal/storage/sqlitestore"
	"balancechain/internal/utils/log"
)

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		panic(err)
	}
	log.Init(cfg.DevLog)
	defer log.Sync()

	store, err := sqlitestore.Open(cfg.DBPath)
	if err != nil {
		log.Fatal("open store failed", zap.String("path", cfg.DBPath), zap.Error(err))
	}
	defer store.Close()

	ctx := context.Background()
	client := app.NewApp(cfg, store)
	go func() {
		done := make(chan os.Signal, 1)
		signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)
		<-done
		client.Stop()
	}()

	client.Run(ctx)
	client.Stop()
}
