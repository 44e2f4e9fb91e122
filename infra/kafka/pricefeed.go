// Package kafka consumes oracle price ticks. Each tick names a market
// symbol and a USD price with six implied decimals; the crank loop
// feeds them into the engine to trigger matching.
package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

// Tick is one oracle price update as published on the feed topic.
type Tick struct {
	Symbol string `json:"symbol"`
	Price  uint64 `json:"price"`
	Time   int64  `json:"time"`
}

type PriceFeed struct {
	reader *kafka.Reader
}

func NewPriceFeed(brokers []string, topic, group string) *PriceFeed {
	return &PriceFeed{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:        brokers,
			Topic:          topic,
			GroupID:        group,
			MinBytes:       1,
			MaxBytes:       1 << 20,
			CommitInterval: time.Second,
		}),
	}
}

// Next blocks until the next tick arrives or ctx is done.
func (f *PriceFeed) Next(ctx context.Context) (Tick, error) {
	msg, err := f.reader.ReadMessage(ctx)
	if err != nil {
		return Tick{}, err
	}
	var t Tick
	if err := json.Unmarshal(msg.Value, &t); err != nil {
		return Tick{}, errors.Wrapf(err, "bad tick at offset %d", msg.Offset)
	}
	if t.Symbol == "" || t.Price == 0 {
		return Tick{}, errors.Errorf("invalid tick at offset %d", msg.Offset)
	}
	return t, nil
}

func (f *PriceFeed) Close() error {
	return f.reader.Close()
}
