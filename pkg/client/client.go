package client

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/core-tools/hsu-console/pkg/errors"
	"github.com/core-tools/hsu-console/pkg/lineproto"
	"github.com/core-tools/hsu-console/pkg/logging"
	"github.com/core-tools/hsu-console/pkg/metrics"
)

type Dialer func(ctx context.Context, path string) (net.Conn, error)

func UnixDialer(ctx context.Context, path string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", path)
}

type Options struct {
	Path   string
	Policy BackoffPolicy
	// Dialer defaults to UnixDialer.
	Dialer Dialer
	// OnOutput, if set, receives everything the endpoint broadcasts. It runs
	// on the connection's reader goroutine.
	OnOutput func([]byte)
}

// Client keeps one connection to a process endpoint and reconnects on
// demand. Connect and SendCommand are serialized: a command issued while a
// connection attempt is in flight waits for it instead of dialing again.
type Client struct {
	options Options
	logger  logging.Logger

	// sem is held for the whole connect-then-write sequence
	sem chan struct{}

	mutex  sync.Mutex
	conn   net.Conn
	closed bool
}

func NewClient(options Options, logger logging.Logger) (*Client, error) {
	if options.Path == "" {
		return nil, errors.NewValidationError("endpoint path is required", nil)
	}
	if options.Policy.MaxAttempts <= 0 {
		return nil, errors.NewValidationError("max attempts must be positive", nil).WithContext("max_attempts", options.Policy.MaxAttempts)
	}
	if options.Policy.Delay == nil {
		options.Policy.Delay = func(int) time.Duration { return 0 }
	}
	if options.Dialer == nil {
		options.Dialer = UnixDialer
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Client{
		options: options,
		logger:  logger,
		sem:     make(chan struct{}, 1),
	}, nil
}

func (c *Client) acquire(ctx context.Context) error {
	select {
	case c.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return errors.NewCancelledError("waiting for connection", ctx.Err())
	}
}

func (c *Client) release() {
	<-c.sem
}

// Connect makes sure a connection exists, dialing up to Policy.MaxAttempts
// times. Exhausting the attempts yields a ConnectExhausted error.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()

	_, err := c.ensureConnected(ctx)
	return err
}

// SendCommand writes cmd, newline terminated, connecting first if needed.
// A failed write drops the connection so the next call redials.
func (c *Client) SendCommand(ctx context.Context, cmd string) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()

	conn, err := c.ensureConnected(ctx)
	if err != nil {
		return err
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
		defer conn.SetWriteDeadline(time.Time{})
	}
	if _, err := conn.Write([]byte(lineproto.NormalizeCommand(cmd))); err != nil {
		c.drop(conn)
		return errors.NewIOError("failed to send command", err).WithContext("path", c.options.Path)
	}
	return nil
}

func (c *Client) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.closed = true
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) current() (net.Conn, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.conn, c.closed
}

// ensureConnected must be called with sem held.
func (c *Client) ensureConnected(ctx context.Context) (net.Conn, error) {
	conn, closed := c.current()
	if closed {
		return nil, errors.NewValidationError("client is closed", nil)
	}
	if conn != nil {
		return conn, nil
	}

	policy := c.options.Policy
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		conn, err := c.options.Dialer(ctx, c.options.Path)
		if err == nil {
			metrics.ClientConnectAttemptsTotal.WithLabelValues("success").Inc()
			return c.adopt(conn)
		}
		metrics.ClientConnectAttemptsTotal.WithLabelValues("failure").Inc()
		lastErr = err
		c.logger.Debugf("Connect attempt failed, path: %s, attempt: %d/%d, error: %v",
			c.options.Path, attempt, policy.MaxAttempts, err)

		if attempt == policy.MaxAttempts {
			break
		}
		if err := sleep(ctx, policy.Delay(attempt)); err != nil {
			return nil, errors.NewCancelledError("connect cancelled", err).WithContext("attempts", attempt)
		}
	}

	c.logger.Errorf("Giving up on endpoint, path: %s, attempts: %d, error: %v", c.options.Path, policy.MaxAttempts, lastErr)
	return nil, errors.NewConnectExhaustedError("connect attempts exhausted", lastErr).
		WithContext("path", c.options.Path).
		WithContext("attempts", policy.MaxAttempts)
}

func (c *Client) adopt(conn net.Conn) (net.Conn, error) {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		conn.Close()
		return nil, errors.NewValidationError("client is closed", nil)
	}
	c.conn = conn
	c.mutex.Unlock()

	c.logger.Infof("Connected, path: %s", c.options.Path)
	if c.options.OnOutput != nil {
		go c.readLoop(conn)
	}
	return conn, nil
}

func (c *Client) drop(conn net.Conn) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.conn == conn {
		c.conn = nil
	}
	conn.Close()
}

func (c *Client) readLoop(conn net.Conn) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			out := make([]byte, n)
			copy(out, buf[:n])
			c.options.OnOutput(out)
		}
		if err != nil {
			c.logger.Debugf("Connection lost, path: %s, error: %v", c.options.Path, err)
			c.drop(conn)
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
