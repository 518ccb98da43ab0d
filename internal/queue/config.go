package queue

import (
	"time"

	"fidelya-notifications/internal/common/config"
)

type Config struct {
	Interval         time.Duration
	Concurrency      int
	BatchSize        int
	StaleMultiplier  int
	MaxRetries       int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	SendTimeout      time.Duration
	BacklogThreshold int
	ConfirmTimeout   time.Duration // how long a sent record waits for a webhook
}

func ConfigFrom(c config.QueueConfig) Config {
	return Config{
		Interval:         config.GetDuration(c.Interval),
		Concurrency:      c.Concurrency,
		BatchSize:        c.BatchSize,
		StaleMultiplier:  c.StaleMultiplier,
		MaxRetries:       c.MaxRetries,
		BackoffBase:      config.GetDuration(c.BackoffBase),
		BackoffMax:       config.GetDuration(c.BackoffMax),
		SendTimeout:      config.GetDuration(c.SendTimeout),
		BacklogThreshold: c.BacklogThreshold,
		ConfirmTimeout:   time.Duration(c.ConfirmTimeout) * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.StaleMultiplier <= 0 {
		c.StaleMultiplier = 3
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Minute
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 72 * time.Hour
	}
	return c
}
