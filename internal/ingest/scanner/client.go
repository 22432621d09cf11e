// Package scanner talks to a clamd-compatible daemon using the INSTREAM protocol.
//
// Each call opens a fresh connection, announces the stream, sends the payload as
// chunks prefixed with a 4-byte big-endian length, terminates the stream with a
// zero-length chunk and reads a single NUL-terminated reply.
package scanner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"strings"
	"time"

	errors "github.com/Laisky/errors/v2"
	logSDK "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Laisky/file-ingest/library/log"
)

var (
	cmdInstream = []byte("zINSTREAM\x00")
	cmdPing     = []byte("zPING\x00")
	endOfStream = []byte{0, 0, 0, 0}
)

// Client scans byte streams against a remote daemon.
// It keeps no per-call state and is safe for concurrent use.
type Client struct {
	cfg    Config
	logger logSDK.Logger
}

// New constructs a Client, zero config fields take their defaults.
func New(cfg Config, logger logSDK.Logger) *Client {
	if logger == nil {
		logger = log.Logger.Named("scanner")
	}
	return &Client{cfg: cfg.withDefaults(), logger: logger}
}

// Addr returns the daemon address.
func (c *Client) Addr() string {
	return c.cfg.Addr()
}

// Scan streams req.Body to the daemon and maps the reply to a verdict.
// An infected payload is a successful scan, transport failures are reported
// as VerdictIndeterminate with Result.Err set.
func (c *Client) Scan(ctx context.Context, req Request) Result {
	logger := c.logger.With(zap.String("addr", c.Addr()), zap.Int64("size", req.Size))
	if req.Body == nil {
		return Result{Verdict: VerdictIndeterminate, Err: errors.New("scan body is nil")}
	}

	conn, err := c.connect(ctx)
	if err != nil {
		logger.Error("connect to scan daemon", zap.Error(err))
		return Result{Verdict: VerdictIndeterminate, Err: err}
	}
	defer conn.Close() // nolint: errcheck

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() { _ = conn.Close() })
	defer stop()

	var reply string
	g.Go(func() error {
		return c.writeStream(conn, req)
	})
	g.Go(func() (err error) {
		reply, err = c.readReply(conn)
		return err
	})
	err = g.Wait()

	// clamd may answer before the whole stream was consumed (size limit),
	// a reply always wins over the write error it causes.
	if reply == "" {
		if err == nil {
			err = errors.New("empty reply from scan daemon")
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = errors.Wrap(ctxErr, "scan cancelled")
		}
		logger.Error("scan stream", zap.Error(err))
		return Result{Verdict: VerdictIndeterminate, Err: err}
	}

	res := parseReply(reply)
	switch res.Verdict {
	case VerdictClean:
		logger.Info("scan finished, payload is clean", zap.String("reply", reply))
	case VerdictInfected:
		logger.Warn("scan finished, virus detected",
			zap.String("reply", reply), zap.String("signature", res.Signature))
	default:
		logger.Warn("unknown reply from scan daemon", zap.String("reply", reply))
	}

	return res
}

// Ping checks that the daemon answers PONG.
func (c *Client) Ping(ctx context.Context) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	defer conn.Close() // nolint: errcheck
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if _, err = conn.Write(cmdPing); err != nil {
		return errors.Wrap(err, "write ping")
	}
	reply, err := c.readReply(conn)
	if err != nil {
		return errors.WithStack(err)
	}
	if reply != "PONG" {
		return errors.Errorf("unexpected ping reply %q", reply)
	}

	return nil
}

// connect races the dial against ConnectTimeout, the losing attempt is abandoned.
func (c *Client) connect(ctx context.Context) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, err := c.cfg.Dial(dialCtx, "tcp", c.Addr())
	if err != nil {
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, errors.Wrapf(err, "connect timeout after %s", c.cfg.ConnectTimeout)
		}
		return nil, errors.Wrapf(err, "dial %s", c.Addr())
	}

	deadline := time.Now().Add(c.cfg.IOTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err = conn.SetDeadline(deadline); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "set deadline")
	}

	return conn, nil
}

// writeStream sends the INSTREAM command, the chunked payload and the terminator.
func (c *Client) writeStream(conn net.Conn, req Request) error {
	w := bufio.NewWriterSize(conn, c.cfg.ChunkBytes+4)
	if _, err := w.Write(cmdInstream); err != nil {
		return errors.Wrap(err, "write command")
	}

	var (
		header = make([]byte, 4)
		buf    = make([]byte, c.cfg.ChunkBytes)
		sent   int64
	)
	for {
		n, rerr := io.ReadFull(req.Body, buf)
		if n > 0 {
			binary.BigEndian.PutUint32(header, uint32(n))
			if _, err := w.Write(header); err != nil {
				return errors.Wrap(err, "write chunk length")
			}
			if _, err := w.Write(buf[:n]); err != nil {
				return errors.Wrap(err, "write chunk")
			}
			sent += int64(n)
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return errors.Wrap(rerr, "read scan body")
		}
	}
	if req.Size >= 0 && sent != req.Size {
		return errors.Errorf("scan body has %d bytes, declared %d", sent, req.Size)
	}

	if _, err := w.Write(endOfStream); err != nil {
		return errors.Wrap(err, "write end of stream")
	}
	if err := w.Flush(); err != nil {
		return errors.Wrap(err, "flush stream")
	}
	return nil
}

// readReply reads until NUL, EOF or ResponseLimit bytes, whichever comes first.
func (c *Client) readReply(conn net.Conn) (string, error) {
	var (
		reply = make([]byte, 0, c.cfg.ResponseLimit)
		buf   = make([]byte, c.cfg.ResponseLimit)
	)
	for len(reply) < c.cfg.ResponseLimit {
		n, err := conn.Read(buf[:c.cfg.ResponseLimit-len(reply)])
		reply = append(reply, buf[:n]...)
		if bytes.IndexByte(reply, 0) >= 0 {
			break
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			if len(reply) > 0 {
				break
			}
			return "", errors.Wrap(err, "read reply")
		}
	}

	if i := bytes.IndexByte(reply, 0); i >= 0 {
		reply = reply[:i]
	}
	return strings.TrimSpace(string(reply)), nil
}

// parseReply maps "stream: OK" and "stream: <sig> FOUND" replies to verdicts.
// FOUND is checked first so a signature name containing "OK" is never read as clean.
func parseReply(reply string) Result {
	res := Result{Verdict: VerdictIndeterminate, Raw: reply}
	switch {
	case strings.Contains(reply, "FOUND"):
		res.Verdict = VerdictInfected
		sig := strings.TrimSpace(strings.TrimSuffix(reply, "FOUND"))
		if _, after, ok := strings.Cut(sig, ":"); ok {
			sig = strings.TrimSpace(after)
		}
		res.Signature = sig
	case strings.HasSuffix(reply, "ERROR"):
		res.Err = errors.Errorf("scan daemon error: %s", reply)
	case strings.Contains(reply, "OK"):
		res.Verdict = VerdictClean
	default:
		res.Err = errors.Errorf("unrecognized scan reply %q", reply)
	}
	return res
}
