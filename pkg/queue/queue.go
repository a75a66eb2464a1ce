package queue

import "time"

// Config contains the configuration for a SortedQueue.
type Config struct {
	Key           string        // sorted set key
	MaxSize       int64         // capacity; lowest scores are evicted beyond it
	HighWatermark float64       // fraction of MaxSize that counts as under pressure
	BatchSize     int           // items read per poll
	PollInterval  time.Duration // idle wait between polls
	RetryLimit    int           // failed handles before an item is dead-lettered
	RetryDelay    time.Duration // wait after a failed handle
}

func (c *Config) applyDefaults() {
	if c.MaxSize <= 0 {
		c.MaxSize = 500_000
	}
	if c.HighWatermark <= 0 || c.HighWatermark > 1 {
		c.HighWatermark = 0.8
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.RetryLimit <= 0 {
		c.RetryLimit = 5
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
}

// Item is a queued member with its score.
type Item struct {
	Member string
	Score  float64
}

// DeadLetter records an item removed after exhausting retries.
type DeadLetter struct {
	Member   string    `json:"member"`
	Score    float64   `json:"score"`
	Job      string    `json:"job"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}
