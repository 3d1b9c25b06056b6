package offload

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/retry.v1"

	"github.com/banshee-data/drive.sync/internal/monitoring"
)

// Client defaults.
const (
	DefaultCallTimeout  = 5 * time.Second
	DefaultDialTimeout  = 2 * time.Second
	DefaultDialAttempts = 3
)

// ConnState is the client's view of its connection.
type ConnState uint8

const (
	Disconnected ConnState = iota
	Connected
)

func (s ConnState) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

// DialFunc opens a connection to addr.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// ClientConfig configures a Client.
type ClientConfig struct {
	// Addr is the server's host:port.
	Addr string

	// Codec encodes requests and decodes responses. Defaults to CBOR.
	Codec Codec

	// Timeout bounds one round trip when the caller's context carries no
	// earlier deadline.
	Timeout time.Duration

	// DialTimeout bounds each connection attempt.
	DialTimeout time.Duration

	// DialAttempts is how many times one connect is tried before the call
	// fails. Attempts back off exponentially.
	DialAttempts int

	// MaxFrameSize bounds response frames. Defaults to MaxFrameSize.
	MaxFrameSize int

	// Dial replaces net.Dialer, mainly for tests.
	Dial DialFunc

	Logger *monitoring.Logger
}

// ClientStats counts client activity.
type ClientStats struct {
	Calls      int
	Failures   int
	Reconnects int
}

// Client is a synchronous request/response client. Calls are serialised:
// one request is in flight at a time. The connection is opened lazily on
// the first call and again on the call after any failure.
type Client struct {
	cfg ClientConfig
	log *monitoring.Logger

	mu    sync.Mutex
	conn  net.Conn
	state ConnState
	stats ClientStats

	dialed bool
}

// NewClient validates cfg and returns a disconnected client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("offload client: empty address")
	}
	if cfg.Codec == nil {
		cfg.Codec = CBORCodec{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultCallTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.DialAttempts <= 0 {
		cfg.DialAttempts = DefaultDialAttempts
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = MaxFrameSize
	}
	if cfg.Dial == nil {
		d := &net.Dialer{Timeout: cfg.DialTimeout}
		cfg.Dial = d.DialContext
	}
	return &Client{cfg: cfg, log: cfg.Logger.Named("[offload " + cfg.Addr + "] ")}, nil
}

// Addr returns the server address.
func (c *Client) Addr() string { return c.cfg.Addr }

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns a snapshot of the client's counters.
func (c *Client) Stats() ClientStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Call sends req and decodes the reply into resp, which must be a non-nil
// pointer. Transport failures wrap ErrTransport; resp is left untouched on
// any error.
func (c *Client) Call(ctx context.Context, req, resp any) error {
	payload, err := c.cfg.Codec.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %T: %w", req, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Calls++

	if err := c.connect(ctx); err != nil {
		c.stats.Failures++
		return err
	}

	reply, err := c.roundTrip(ctx, payload)
	if err != nil {
		c.stats.Failures++
		c.invalidate()
		c.log.Opsf("round trip failed: %v", err)
		return err
	}

	if err := decodeInto(c.cfg.Codec, reply, resp); err != nil {
		c.stats.Failures++
		c.invalidate()
		return fmt.Errorf("%w: decode %T: %w", ErrTransport, resp, err)
	}
	c.log.Tracef("call %T: sent %s, received %s", req,
		humanize.Bytes(uint64(len(payload))), humanize.Bytes(uint64(len(reply))))
	return nil
}

// connect moves the client to Connected. Must hold mu.
func (c *Client) connect(ctx context.Context) error {
	if c.state == Connected {
		return nil
	}
	strategy := retry.LimitCount(c.cfg.DialAttempts, retry.Exponential{
		Initial: 50 * time.Millisecond,
		Factor:  2,
	})
	var lastErr error
	for a := retry.StartWithCancel(strategy, nil, ctx.Done()); a.Next(); {
		dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
		conn, err := c.cfg.Dial(dctx, "tcp", c.cfg.Addr)
		cancel()
		if err == nil {
			c.conn = conn
			c.state = Connected
			if c.dialed {
				c.stats.Reconnects++
			}
			c.dialed = true
			c.log.Diagf("connected to %s", conn.RemoteAddr())
			return nil
		}
		lastErr = err
		c.log.Diagf("dial attempt %d failed: %v", a.Count(), err)
	}
	if lastErr == nil {
		lastErr = ctx.Err()
	}
	return fmt.Errorf("%w: dial %s: %w", ErrTransport, c.cfg.Addr, lastErr)
}

func (c *Client) roundTrip(ctx context.Context, payload []byte) ([]byte, error) {
	deadline := time.Now().Add(c.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn := c.conn
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("%w: set deadline: %w", ErrTransport, err)
	}
	// Cancelling ctx aborts blocked I/O by expiring the deadline.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if err := WriteFrame(conn, payload); err != nil {
		return nil, transportErr(ctx, "write", err)
	}
	reply, err := ReadFrame(conn, c.cfg.MaxFrameSize)
	if err != nil {
		return nil, transportErr(ctx, "read", err)
	}
	return reply, nil
}

func transportErr(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %s: %w", ErrTransport, op, ctxErr)
	}
	return fmt.Errorf("%w: %s: %w", ErrTransport, op, err)
}

// invalidate drops the connection. Must hold mu.
func (c *Client) invalidate() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = nil
	c.state = Disconnected
}

// Close releases the connection. The client reconnects if used again.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.state = Disconnected
	return err
}
