package moroq

import (
	"fmt"
	"time"
)

// Config holds connection settings for networked backends. Backends read
// only the fields that apply to them; embedded backends (memory, badger)
// read Path at most.
type Config struct {
	// Host and Port locate the backend service (Redis, Postgres, Mongo, AMQP).
	Host string
	Port int

	// User and Password authenticate against the backend, where applicable.
	User     string
	Password string

	// Database is the logical database: Redis DB index (as a string),
	// Postgres database name, Mongo database name, or AMQP vhost.
	Database string

	// Brokers lists broker addresses for Kafka.
	Brokers []string

	// QueueURLPrefix is the SQS queue URL prefix (account-level URL without
	// the queue name). Empty means queue URLs are resolved by name.
	QueueURLPrefix string

	// Path is the on-disk location for embedded backends (Badger).
	Path string

	// DialTimeout bounds Initialize-time connection probes.
	DialTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults for local
// development.
func DefaultConfig() Config {
	return Config{
		Host:        "localhost",
		DialTimeout: 5 * time.Second,
	}
}

// Addr returns "host:port".
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
