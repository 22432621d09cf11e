package scanner

import (
	"context"
	"io"
	"net"
	"strconv"
	"time"
)

// Verdict is the tri-state outcome of a scan.
type Verdict int

const (
	// VerdictIndeterminate means no trustworthy answer was obtained.
	VerdictIndeterminate Verdict = iota
	// VerdictClean means the daemon reported no threat.
	VerdictClean
	// VerdictInfected means the daemon reported a signature match.
	VerdictInfected
)

// String returns the verdict name.
func (v Verdict) String() string {
	switch v {
	case VerdictClean:
		return "clean"
	case VerdictInfected:
		return "infected"
	default:
		return "indeterminate"
	}
}

// Request is a finite byte sequence to scan.
// Size is the declared length, a negative value means unknown.
type Request struct {
	Size int64
	Body io.Reader
}

// Result is the outcome of one Scan call.
type Result struct {
	Verdict Verdict
	// Raw is the daemon reply with framing bytes trimmed.
	Raw string
	// Signature is the matched signature name when Verdict is VerdictInfected.
	Signature string
	// Err holds the transport or protocol failure behind an indeterminate verdict.
	Err error
}

// DialFunc opens a connection to the daemon.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Config configures a Client.
type Config struct {
	Host string
	Port int
	// ConnectTimeout bounds the connection attempt.
	ConnectTimeout time.Duration
	// IOTimeout bounds the whole exchange after the connection is established.
	IOTimeout time.Duration
	// ChunkBytes caps the payload carried by each length-prefixed chunk.
	ChunkBytes int
	// ResponseLimit caps the number of reply bytes read.
	ResponseLimit int
	// Dial overrides the network dialer, mainly for tests.
	Dial DialFunc
}

// Addr returns host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port <= 0 {
		c.Port = DefaultPort
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.IOTimeout <= 0 {
		c.IOTimeout = DefaultIOTimeout
	}
	if c.ChunkBytes <= 0 {
		c.ChunkBytes = DefaultChunkBytes
	}
	if c.ResponseLimit <= 0 {
		c.ResponseLimit = DefaultResponseLimit
	}
	if c.Dial == nil {
		var d net.Dialer
		c.Dial = d.DialContext
	}
	return c
}

// Defaults match a stock clamd installation.
const (
	DefaultHost           = "localhost"
	DefaultPort           = 3310
	DefaultConnectTimeout = 300 * time.Second
	DefaultIOTimeout      = 300 * time.Second
	DefaultChunkBytes     = 64 * 1024
	DefaultResponseLimit  = 1024
)
