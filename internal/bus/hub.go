package bus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/flightrec/internal/otel"
)

// Hub owns the socket. Inbound messages are delivered locally and relayed to
// every other connection.
type Hub struct {
	socketPath string
	source     string
	opts       options
	listener   net.Listener
	dispatch   *Dispatcher
	dedup      *dedup

	mu    sync.Mutex
	conns map[*hubConn]struct{}

	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

type hubConn struct {
	conn  net.Conn
	queue chan []byte
	done  chan struct{}
	once  sync.Once
}

func (c *hubConn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// StartHub removes a stale socket at socketPath, binds it with mode 0600 and
// starts accepting peers. The hub runs until Close or ctx is done.
func StartHub(ctx context.Context, socketPath string, opts ...Option) (*Hub, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o700); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	_ = os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	o := buildOptions(opts)
	hctx, cancel := context.WithCancel(ctx)
	h := &Hub{
		socketPath: socketPath,
		source:     "hub:" + strconv.Itoa(os.Getpid()),
		opts:       o,
		listener:   listener,
		dispatch:   NewDispatcher(),
		dedup:      newDedup(o.dedupSize),
		conns:      make(map[*hubConn]struct{}),
		ctx:        hctx,
		cancel:     cancel,
	}

	h.wg.Add(2)
	go h.acceptLoop()
	go func() {
		defer h.wg.Done()
		<-hctx.Done()
		_ = h.listener.Close()
		h.mu.Lock()
		for c := range h.conns {
			c.close()
		}
		h.mu.Unlock()
	}()

	o.logger.Info("event bus hub listening", "socket", socketPath)
	return h, nil
}

// Subscribe registers fn for topic on this process.
func (h *Hub) Subscribe(topic Topic, fn Handler) func() {
	return h.dispatch.Subscribe(topic, fn)
}

// Source is the hub's envelope source, "hub:<pid>".
func (h *Hub) Source() string { return h.source }

// SocketPath returns the bound socket path.
func (h *Hub) SocketPath() string { return h.socketPath }

// PeerCount returns the number of connected peers.
func (h *Hub) PeerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Publish delivers payload locally and broadcasts it to every peer. Only an
// invalid payload is reported; delivery is fire-and-forget.
func (h *Hub) Publish(topic Topic, payload Payload) error {
	if err := checkTopic(topic, payload); err != nil {
		return err
	}
	msg := NewMessage(h.source, payload)
	frame, err := Encode(msg)
	if err != nil {
		return err
	}
	h.dedup.Seen(msg.ID)
	h.opts.metrics.BusPublished.Add(h.ctx, 1, topicAttr(topic))
	h.dispatch.Dispatch(msg)
	h.broadcast(frame, nil)
	return nil
}

// Close stops accepting, disconnects every peer and removes the socket
// file. It is safe to call more than once.
func (h *Hub) Close() error {
	h.closeOnce.Do(func() {
		h.cancel()
		h.wg.Wait()
		_ = os.Remove(h.socketPath)
	})
	return nil
}

func (h *Hub) acceptLoop() {
	defer h.wg.Done()
	for {
		conn, err := h.listener.Accept()
		if err != nil {
			if h.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			h.opts.logger.Warn("bus accept failed", "error", err)
			continue
		}

		c := &hubConn{
			conn:  conn,
			queue: make(chan []byte, h.opts.queueSize),
			done:  make(chan struct{}),
		}
		h.mu.Lock()
		if h.ctx.Err() != nil {
			h.mu.Unlock()
			_ = conn.Close()
			return
		}
		h.conns[c] = struct{}{}
		h.mu.Unlock()

		h.wg.Add(2)
		go h.writeLoop(c)
		go h.readLoop(c)
	}
}

func (h *Hub) readLoop(c *hubConn) {
	defer h.wg.Done()
	defer h.remove(c)
	defer func() {
		if r := recover(); r != nil {
			h.opts.logger.Error("panic in bus connection", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	fr := newFrameReader(c.conn)
	for {
		line, err := fr.Next()
		if err != nil {
			if !isClosedConn(err) {
				recordDrop(&h.opts, "read", err)
			}
			return
		}
		msg, err := Decode(line)
		if err != nil {
			recordDrop(&h.opts, "invalid", err)
			continue
		}
		if h.dedup.Seen(msg.ID) {
			recordDrop(&h.opts, "duplicate", nil)
			continue
		}
		h.dispatch.Dispatch(msg)
		// Forward the original bytes; the envelope already passed validation.
		h.broadcast(append(append([]byte(nil), line...), '\n'), c)
	}
}

func (h *Hub) writeLoop(c *hubConn) {
	defer h.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.queue:
			if _, err := c.conn.Write(frame); err != nil {
				h.opts.logger.Debug("bus write failed", "error", err)
				c.close()
				return
			}
		}
	}
}

// broadcast queues frame on every connection but exclude. A full queue
// drops the frame for that connection only.
func (h *Hub) broadcast(frame []byte, exclude *hubConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		if c == exclude {
			continue
		}
		select {
		case c.queue <- frame:
		case <-c.done:
		default:
			recordDrop(&h.opts, "queue full", nil)
		}
	}
}

func (h *Hub) remove(c *hubConn) {
	c.close()
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

func isClosedConn(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

func topicAttr(t Topic) metric.AddOption {
	return metric.WithAttributes(otel.AttrTopic.String(string(t)))
}
