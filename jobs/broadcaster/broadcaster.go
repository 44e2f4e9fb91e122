// Package broadcaster is the background job that ships settlement
// events off the exchange: it pumps the on-segment event queue into the
// durable outbox, then walks the outbox and publishes NEW records to
// kafka, marking each SENT before the publish and ACKED after. A crash
// between SENT and ACKED replays the record, so consumers must
// de-duplicate on the event id.
package broadcaster

import (
	"context"
	"encoding/json"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"

	"vela/infra/segstore"
	"vela/service"
)

const pumpBatch = 64

// Envelope is the wire shape of one published event. Payload is the
// binary event record, base64 in transit.
type Envelope struct {
	ID      string `json:"id"`
	Kind    byte   `json:"kind"`
	Time    int64  `json:"time"`
	Payload []byte `json:"payload"`
}

type Broadcaster struct {
	engine   *service.Engine
	store    *segstore.Store
	producer sarama.SyncProducer
	topic    string
	log      *logrus.Entry
}

func New(engine *service.Engine, store *segstore.Store, brokers []string, topic string, log *logrus.Entry) (*Broadcaster, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return &Broadcaster{
		engine:   engine,
		store:    store,
		producer: producer,
		topic:    topic,
		log:      log,
	}, nil
}

// Start runs the flush loop until ctx is cancelled.
func (b *Broadcaster) Start(ctx context.Context, interval time.Duration) {
	b.log.Info("broadcaster started")
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.flushOnce()
			}
		}
	}()
}

func (b *Broadcaster) flushOnce() {
	if _, err := b.engine.PumpOutbox(pumpBatch); err != nil {
		b.log.WithError(err).Warn("outbox pump failed")
		return
	}
	// replay stranded SENT records first, then the fresh NEW ones
	b.publishState(segstore.OutboxSent)
	b.publishState(segstore.OutboxNew)
}

func (b *Broadcaster) publishState(state segstore.OutboxState) {
	err := b.store.ScanOutbox(state, func(seq uint64, rec segstore.OutboxRecord) error {
		now := time.Now().Unix()
		if state == segstore.OutboxNew {
			if err := b.store.UpdateOutbox(seq, segstore.OutboxSent, rec.Retries, now); err != nil {
				return err
			}
		}

		value, err := json.Marshal(Envelope{
			ID:      rec.ID.String(),
			Kind:    rec.Kind,
			Time:    rec.Time,
			Payload: rec.Payload,
		})
		if err != nil {
			return err
		}
		if _, _, err := b.producer.SendMessage(&sarama.ProducerMessage{
			Topic: b.topic,
			Key:   sarama.StringEncoder(rec.ID.String()),
			Value: sarama.ByteEncoder(value),
		}); err != nil {
			// leave it SENT, the next pass retries
			b.log.WithError(err).WithField("seq", seq).Warn("publish failed")
			return b.store.UpdateOutbox(seq, segstore.OutboxSent, rec.Retries+1, now)
		}

		if err := b.store.UpdateOutbox(seq, segstore.OutboxAcked, rec.Retries, now); err != nil {
			return err
		}
		return b.store.DeleteOutbox(seq)
	})
	if err != nil {
		b.log.WithError(err).Warn("outbox scan failed")
	}
}

func (b *Broadcaster) Close() error {
	return b.producer.Close()
}
