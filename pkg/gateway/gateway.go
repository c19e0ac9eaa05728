package gateway

import (
	stderrors "errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/core-tools/hsu-console/pkg/errors"
	"github.com/core-tools/hsu-console/pkg/logging"
	"github.com/core-tools/hsu-console/pkg/metrics"
)

const (
	DefaultSubscriberBuffer = 256
	DefaultWriteTimeout     = time.Second
	DefaultNotice           = "goodbye\n"

	readBufferSize = 4096
)

const (
	reasonDisconnect = "disconnect"
	reasonOverflow   = "overflow"
	reasonIO         = "io"
	reasonClosed     = "closed"
)

type Options struct {
	// Name only labels log lines.
	Name string
	// SubscriberBuffer is how many output chunks may queue for one
	// subscriber before it is disconnected.
	SubscriberBuffer int
	// WriteTimeout bounds the final flush to a subscriber being dropped.
	WriteTimeout time.Duration
	// Notice is written to every subscriber just before Close disconnects
	// it. Empty disables it.
	Notice string
}

// Gateway is one process's local socket endpoint. Everything written to it
// is fanned out to the connected subscribers; everything subscribers send is
// forwarded to input.
type Gateway struct {
	path     string
	options  Options
	listener *net.UnixListener
	endpoint os.FileInfo
	logger   logging.Logger

	inputMutex sync.Mutex
	input      io.Writer

	mutex       sync.Mutex
	subscribers map[uint64]*subscriber
	nextID      uint64
	closed      bool

	group     errgroup.Group
	closeOnce sync.Once
	closeErr  error
}

type subscriber struct {
	id    uint64
	conn  net.Conn
	queue chan []byte
}

// Bind removes a stale endpoint left at path, listens there and starts
// accepting subscribers.
func Bind(path string, input io.Writer, options Options, logger logging.Logger) (*Gateway, error) {
	if path == "" {
		return nil, errors.NewEndpointBindError("endpoint path is required", nil)
	}
	if options.SubscriberBuffer <= 0 {
		options.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if options.WriteTimeout <= 0 {
		options.WriteTimeout = DefaultWriteTimeout
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, errors.NewEndpointBindError("failed to remove stale endpoint", err).WithContext("path", path)
	}

	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, errors.NewEndpointBindError("failed to listen on endpoint", err).WithContext("path", path)
	}
	// Close removes the path itself, after the subscribers are gone.
	listener.SetUnlinkOnClose(false)
	endpoint, _ := os.Stat(path)

	g := &Gateway{
		path:        path,
		options:     options,
		listener:    listener,
		endpoint:    endpoint,
		logger:      logger,
		input:       input,
		subscribers: make(map[uint64]*subscriber),
	}

	g.group.Go(g.acceptLoop)

	logger.Infof("Endpoint bound, name: %s, path: %s", options.Name, path)
	return g, nil
}

func (g *Gateway) Path() string {
	return g.path
}

func (g *Gateway) SubscriberCount() int {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return len(g.subscribers)
}

// Write broadcasts p to every subscriber connected right now. It never
// blocks on a subscriber: one whose queue is full is disconnected.
func (g *Gateway) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	chunk := make([]byte, len(p))
	copy(chunk, p)

	g.mutex.Lock()
	defer g.mutex.Unlock()

	if g.closed {
		return len(p), nil
	}
	for _, sub := range g.subscribers {
		select {
		case sub.queue <- chunk:
		default:
			g.logger.Warnf("Subscriber too slow, disconnecting, name: %s, subscriber: %d", g.options.Name, sub.id)
			g.removeLocked(sub, reasonOverflow)
		}
	}
	metrics.BroadcastBytesTotal.Add(float64(len(p)))
	return len(p), nil
}

// Forward writes p to the child's input. Chunks from different callers never
// interleave.
func (g *Gateway) Forward(p []byte) (int, error) {
	g.inputMutex.Lock()
	defer g.inputMutex.Unlock()

	n, err := g.input.Write(p)
	if err != nil {
		return n, errors.NewIOError("failed to write to process input", err).WithContext("path", g.path)
	}
	metrics.ForwardedBytesTotal.Add(float64(n))
	return n, nil
}

// Close notifies and disconnects every subscriber, stops accepting, waits for
// all connection goroutines and finally removes the endpoint path so it can
// be bound again.
func (g *Gateway) Close() error {
	g.closeOnce.Do(func() {
		g.mutex.Lock()
		g.closed = true
		for _, sub := range g.subscribers {
			if g.options.Notice != "" {
				select {
				case sub.queue <- []byte(g.options.Notice):
				default:
				}
			}
			g.removeLocked(sub, reasonClosed)
		}
		g.mutex.Unlock()

		errs := errors.NewErrorCollection()
		if err := g.listener.Close(); err != nil && !stderrors.Is(err, net.ErrClosed) {
			errs.Add(errors.NewIOError("failed to close listener", err))
		}
		errs.Add(g.group.Wait())
		errs.Add(g.removeEndpoint())

		g.closeErr = errs.ToError()
		g.logger.Infof("Endpoint closed, name: %s, path: %s", g.options.Name, g.path)
	})
	return g.closeErr
}

// removeEndpoint leaves the path alone if a newer gateway has already
// rebound it.
func (g *Gateway) removeEndpoint() error {
	current, err := os.Stat(g.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.NewIOError("failed to stat endpoint", err).WithContext("path", g.path)
	}
	if g.endpoint != nil && !os.SameFile(g.endpoint, current) {
		return nil
	}
	if err := os.Remove(g.path); err != nil && !os.IsNotExist(err) {
		return errors.NewIOError("failed to remove endpoint", err).WithContext("path", g.path)
	}
	return nil
}

func (g *Gateway) acceptLoop() error {
	for {
		conn, err := g.listener.Accept()
		if err != nil {
			if stderrors.Is(err, net.ErrClosed) {
				return nil
			}
			g.mutex.Lock()
			closed := g.closed
			g.mutex.Unlock()
			if closed {
				return nil
			}
			g.logger.Errorf("Accept failed, name: %s, error: %v", g.options.Name, err)
			return errors.NewEndpointBindError("accept failed", err).WithContext("path", g.path)
		}
		g.addSubscriber(conn)
	}
}

func (g *Gateway) addSubscriber(conn net.Conn) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if g.closed {
		conn.Close()
		return
	}

	g.nextID++
	sub := &subscriber{
		id:    g.nextID,
		conn:  conn,
		queue: make(chan []byte, g.options.SubscriberBuffer),
	}
	g.subscribers[sub.id] = sub
	metrics.SubscribersActive.Inc()

	g.group.Go(func() error { return g.writeLoop(sub) })
	g.group.Go(func() error { return g.readLoop(sub) })

	g.logger.Debugf("Subscriber connected, name: %s, subscriber: %d", g.options.Name, sub.id)
}

// removeLocked deregisters sub. Its writer drains what is queued and then
// closes the connection, bounded by the write deadline.
func (g *Gateway) removeLocked(sub *subscriber, reason string) {
	if _, ok := g.subscribers[sub.id]; !ok {
		return
	}
	delete(g.subscribers, sub.id)
	close(sub.queue)
	sub.conn.SetWriteDeadline(time.Now().Add(g.options.WriteTimeout))

	metrics.SubscribersActive.Dec()
	metrics.SubscriberDisconnectsTotal.WithLabelValues(reason).Inc()
	g.logger.Debugf("Subscriber removed, name: %s, subscriber: %d, reason: %s", g.options.Name, sub.id, reason)
}

func (g *Gateway) remove(sub *subscriber, reason string) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	g.removeLocked(sub, reason)
}

func (g *Gateway) writeLoop(sub *subscriber) error {
	defer sub.conn.Close()

	for chunk := range sub.queue {
		if _, err := sub.conn.Write(chunk); err != nil {
			ioErr := errors.NewSubscriberIOError("write to subscriber failed", err).WithContext("subscriber", sub.id)
			g.logger.Debugf("Dropping subscriber, name: %s, error: %v", g.options.Name, ioErr)
			g.remove(sub, reasonIO)
			return nil
		}
	}
	return nil
}

func (g *Gateway) readLoop(sub *subscriber) error {
	buf := make([]byte, readBufferSize)
	for {
		n, err := sub.conn.Read(buf)
		if n > 0 {
			if _, ferr := g.Forward(buf[:n]); ferr != nil {
				g.logger.Warnf("Dropped subscriber input, name: %s, subscriber: %d, error: %v", g.options.Name, sub.id, ferr)
			}
		}
		if err != nil {
			g.remove(sub, reasonDisconnect)
			return nil
		}
	}
}
