package channel

import (
	"context"
	"sync"

	"hyperflow/logger"
	"hyperflow/models"
)

type ChannelStats struct {
	SamplesSent    int64
	SamplesDropped int64
}

// Channels carries market samples from the fetch scheduler to the ingest
// writer. Sends never block: when the buffer is full the sample is dropped
// and counted, so a stalled writer cannot stall sampling.
type Channels struct {
	Samples chan models.MarketSample

	stats      ChannelStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(bufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Samples: make(chan models.MarketSample, bufferSize),
		log:     log,
	}

	log.WithComponent("sample_channel").WithFields(logger.Fields{
		"buffer_size": bufferSize,
	}).Info("sample channel initialized")

	return c
}

func (c *Channels) Close() {
	close(c.Samples)
	c.log.WithComponent("sample_channel").Info("sample channel closed")
}

func (c *Channels) IncrementSent() {
	c.statsMutex.Lock()
	c.stats.SamplesSent++
	c.statsMutex.Unlock()
}

func (c *Channels) IncrementDropped() {
	c.statsMutex.Lock()
	c.stats.SamplesDropped++
	c.statsMutex.Unlock()
}

func (c *Channels) Send(ctx context.Context, sample models.MarketSample) bool {
	select {
	case c.Samples <- sample:
		c.IncrementSent()
		return true
	case <-ctx.Done():
		return false
	default:
		c.IncrementDropped()
		return false
	}
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
