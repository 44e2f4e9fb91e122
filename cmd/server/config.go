package main

import (
	"time"

	"gopkg.in/ini.v1"
)

// Config is the server's ini-backed configuration. Every field has a
// working default so the server starts with no config file at all.
type Config struct {
	DataDir     string
	SnapshotDir string
	LogLevel    string

	Brokers    []string
	PriceTopic string
	PriceGroup string
	FillTopic  string

	CrankInterval     time.Duration
	BroadcastInterval time.Duration
	SnapshotInterval  time.Duration
}

func defaultConfig() *Config {
	return &Config{
		DataDir:           "data",
		SnapshotDir:       "snapshots",
		LogLevel:          "info",
		Brokers:           []string{"localhost:9092"},
		PriceTopic:        "prices",
		PriceGroup:        "vela-cranker",
		FillTopic:         "fills",
		CrankInterval:     time.Second,
		BroadcastInterval: 250 * time.Millisecond,
		SnapshotInterval:  time.Minute,
	}
}

// LoadConfig reads path over the defaults. A missing file is not an
// error.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	file, err := ini.LooseLoad(path)
	if err != nil {
		return nil, err
	}

	server := file.Section("server")
	cfg.DataDir = server.Key("data_dir").MustString(cfg.DataDir)
	cfg.SnapshotDir = server.Key("snapshot_dir").MustString(cfg.SnapshotDir)
	cfg.LogLevel = server.Key("log_level").MustString(cfg.LogLevel)
	cfg.CrankInterval = server.Key("crank_interval").MustDuration(cfg.CrankInterval)
	cfg.SnapshotInterval = server.Key("snapshot_interval").MustDuration(cfg.SnapshotInterval)

	kafka := file.Section("kafka")
	if brokers := kafka.Key("brokers").Strings(","); len(brokers) > 0 {
		cfg.Brokers = brokers
	}
	cfg.PriceTopic = kafka.Key("price_topic").MustString(cfg.PriceTopic)
	cfg.PriceGroup = kafka.Key("price_group").MustString(cfg.PriceGroup)
	cfg.FillTopic = kafka.Key("fill_topic").MustString(cfg.FillTopic)
	cfg.BroadcastInterval = kafka.Key("broadcast_interval").MustDuration(cfg.BroadcastInterval)

	return cfg, nil
}
