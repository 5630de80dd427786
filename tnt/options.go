package tnt

import (
	"time"

	"github.com/tsafin/tntcxx/buffer"
)

// Option configures a Connection at Dial time, following the teacher's
// functional-options pattern (db.go's Option func(db *DB) error),
// generalised to cover transport timeouts and the buffer allocator
// instead of storage-engine settings.
type Option func(*config) error

type config struct {
	dialTimeout  time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration
	allocator    buffer.Allocator
	tcpNoDelay   bool
}

func defaultConfig() *config {
	return &config{
		dialTimeout:  5 * time.Second,
		readTimeout:  30 * time.Second,
		writeTimeout: 30 * time.Second,
		tcpNoDelay:   true,
	}
}

// SetDialTimeout bounds how long Dial waits for the TCP handshake. The
// greeting read that follows is bounded by the read timeout instead.
func SetDialTimeout(d time.Duration) Option {
	return func(c *config) error {
		c.dialTimeout = d
		return nil
	}
}

// SetReadTimeout bounds how long Recv waits for a response.
func SetReadTimeout(d time.Duration) Option {
	return func(c *config) error {
		c.readTimeout = d
		return nil
	}
}

// SetWriteTimeout bounds how long Send waits to flush a request.
func SetWriteTimeout(d time.Duration) Option {
	return func(c *config) error {
		c.writeTimeout = d
		return nil
	}
}

// SetAllocator overrides the buffer.Allocator backing the Connection's
// buffer.Buffer; the default is buffer.DefaultBlockSize blocks from the
// heap.
func SetAllocator(a buffer.Allocator) Option {
	return func(c *config) error {
		c.allocator = a
		return nil
	}
}

// SetTCPNoDelay toggles the TCP_NODELAY tuning Dial attempts on the
// dialed socket (on by default; Nagle's algorithm otherwise adds
// latency to the small request/response frames this protocol uses).
func SetTCPNoDelay(enabled bool) Option {
	return func(c *config) error {
		c.tcpNoDelay = enabled
		return nil
	}
}
