package config

import (
	"encoding/json"
	"os"
	"time"
)

// Create new config instance
func NewConfig() *Config {
	return &Config{}
}

// Load configuration file in json format
func (c *Config) Read(file string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, c); err != nil {
		return err
	}
	c.applyDefaults()
	return nil
}

func (c *Config) applyDefaults() {
	if c.Queue.Stream == "" {
		c.Queue.Stream = "scanforge:jobs"
	}
	if c.Queue.Group == "" {
		c.Queue.Group = "transcoders"
	}
	if c.Queue.MaxLen == 0 {
		c.Queue.MaxLen = 10000
	}
	if c.Queue.LeaseTTL == 0 {
		c.Queue.LeaseTTL = 30 * time.Second
	}
	if c.Queue.BlockTimeout == 0 {
		c.Queue.BlockTimeout = 5 * time.Second
	}
	if c.Queue.ReclaimInterval == 0 {
		c.Queue.ReclaimInterval = c.Queue.LeaseTTL
	}
	if c.Queue.StatsInterval == 0 {
		c.Queue.StatsInterval = time.Minute
	}
	if c.Worker.Count == 0 {
		c.Worker.Count = 4
	}
	if c.Worker.ConsumerPrefix == "" {
		c.Worker.ConsumerPrefix = "scanforge-worker"
	}
	if c.Codec.BinPath == "" {
		c.Codec.BinPath = "pcforge"
	}
	if c.Watchdog.Interval == 0 {
		c.Watchdog.Interval = time.Minute
	}
	if c.Watchdog.StaleAfter == 0 {
		c.Watchdog.StaleAfter = 15 * time.Minute
	}
}
