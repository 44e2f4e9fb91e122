package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"

	"vela/infra/kafka"
	"vela/infra/segstore"
	"vela/infra/vault"
	"vela/jobs/broadcaster"
	"vela/jobs/cranker"
	"vela/service"
	"vela/snapshot"
)

func main() {
	configPath := flag.String("config", "vela.ini", "path to config file")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	log := logger.WithField("app", "vela")

	store, err := segstore.Open(filepath.Join(cfg.DataDir, "segments"))
	if err != nil {
		log.WithError(err).Fatal("open segment store")
	}
	defer store.Close()

	ledger, err := vault.Open(filepath.Join(cfg.DataDir, "vault"))
	if err != nil {
		log.WithError(err).Fatal("open token ledger")
	}
	defer ledger.Close()

	engine, err := service.NewEngine(store, ledger, log)
	if err != nil {
		log.WithError(err).Fatal("start engine")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed := kafka.NewPriceFeed(cfg.Brokers, cfg.PriceTopic, cfg.PriceGroup)
	defer feed.Close()
	cranker.New(engine, feed, log).Start(ctx, cfg.CrankInterval)

	bc, err := broadcaster.New(engine, store, cfg.Brokers, cfg.FillTopic, log)
	if err != nil {
		log.WithError(err).Fatal("start broadcaster")
	}
	defer bc.Close()
	bc.Start(ctx, cfg.BroadcastInterval)

	snapshot.StartJob(ctx, engine, &snapshot.Writer{Dir: cfg.SnapshotDir}, cfg.SnapshotInterval, log)

	log.WithFields(logrus.Fields{
		"data_dir": cfg.DataDir,
		"brokers":  cfg.Brokers,
	}).Info("engine running")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")
	cancel()
}
