// Package cranker drives the two-phase match/settle cycle: oracle
// ticks from the price feed refresh each market's mark price, and a
// periodic pass pops crossed orders into the match queue and cranks the
// settlements through.
package cranker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"vela/infra/kafka"
	"vela/service"
)

type Cranker struct {
	engine *service.Engine
	feed   *kafka.PriceFeed
	log    *logrus.Entry
}

func New(engine *service.Engine, feed *kafka.PriceFeed, log *logrus.Entry) *Cranker {
	return &Cranker{engine: engine, feed: feed, log: log}
}

// Start runs the feed consumer and the crank ticker until ctx is
// cancelled.
func (c *Cranker) Start(ctx context.Context, interval time.Duration) {
	go c.consumeFeed(ctx)
	go c.crankLoop(ctx, interval)
}

func (c *Cranker) consumeFeed(ctx context.Context) {
	c.log.Info("price feed consumer started")
	for {
		tick, err := c.feed.Next(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.log.WithError(err).Warn("price tick dropped")
			continue
		}
		if err := c.engine.FeedPrice(tick.Symbol, tick.Price, tick.Time); err != nil {
			c.log.WithError(err).WithField("symbol", tick.Symbol).Warn("price rejected")
		}
	}
}

func (c *Cranker) crankLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.crankOnce()
		}
	}
}

func (c *Cranker) crankOnce() {
	markets, err := c.engine.Markets()
	if err != nil {
		c.log.WithError(err).Warn("market list unavailable")
		return
	}
	now := time.Now().Unix()
	for i, m := range markets {
		if !m.Valid || m.Price == 0 {
			continue
		}
		matched, err := c.engine.MatchOrders(i)
		if err != nil {
			c.log.WithError(err).WithField("market", m.Symbol).Warn("match pass failed")
			continue
		}
		settled, err := c.engine.Crank(i, now)
		if err != nil {
			c.log.WithError(err).WithField("market", m.Symbol).Warn("crank pass failed")
			continue
		}
		if matched > 0 || settled > 0 {
			c.log.WithFields(logrus.Fields{
				"market":  m.Symbol,
				"matched": matched,
				"settled": settled,
			}).Info("crank cycle")
		}
	}
}
