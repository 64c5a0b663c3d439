package bus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Peer is a client endpoint. Its publishes go to the hub, which relays them
// to everyone else; they are not delivered back to the peer itself.
type Peer struct {
	socketPath string
	source     string
	opts       options
	dispatch   *Dispatcher
	dedup      *dedup

	mu   sync.Mutex
	conn net.Conn

	// outbound frames, written by writeLoop so Publish never waits on the hub.
	queue     chan outbound
	stopWrite chan struct{}
	writeDone chan struct{}

	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// ConnectPeer dials the hub at socketPath. The dial is bounded by the
// connect timeout (5s unless WithConnectTimeout says otherwise).
func ConnectPeer(ctx context.Context, socketPath string, opts ...Option) (*Peer, error) {
	o := buildOptions(opts)
	pctx, cancel := context.WithCancel(ctx)
	p := &Peer{
		socketPath: socketPath,
		source:     "peer:" + strconv.Itoa(os.Getpid()),
		opts:       o,
		dispatch:   NewDispatcher(),
		dedup:      newDedup(o.dedupSize),
		queue:      make(chan outbound, o.queueSize),
		stopWrite:  make(chan struct{}),
		writeDone:  make(chan struct{}),
		ctx:        pctx,
		cancel:     cancel,
	}

	conn, err := p.dial(pctx)
	if err != nil {
		cancel()
		return nil, err
	}
	p.conn = conn

	go p.writeLoop()
	p.wg.Add(2)
	go p.readLoop(conn)
	go func() {
		defer p.wg.Done()
		<-pctx.Done()
		p.mu.Lock()
		if p.conn != nil {
			_ = p.conn.Close()
		}
		p.mu.Unlock()
	}()
	return p, nil
}

func (p *Peer) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: p.opts.connectTimeout}
	conn, err := d.DialContext(ctx, "unix", p.socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to event bus %s (timeout %s): %w", p.socketPath, p.opts.connectTimeout, err)
	}
	return conn, nil
}

// Subscribe registers fn for topic.
func (p *Peer) Subscribe(topic Topic, fn Handler) func() {
	return p.dispatch.Subscribe(topic, fn)
}

// Source is the peer's envelope source, "peer:<pid>".
func (p *Peer) Source() string { return p.source }

// Connected reports whether the peer currently holds a hub connection.
func (p *Peer) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil
}

type outbound struct {
	topic Topic
	frame []byte
}

// Publish queues payload for the hub and returns without waiting on the
// socket. A payload that fails validation is returned as an error; a full
// queue and transport failures are logged and dropped.
func (p *Peer) Publish(topic Topic, payload Payload) error {
	if err := checkTopic(topic, payload); err != nil {
		return err
	}
	msg := NewMessage(p.source, payload)
	frame, err := Encode(msg)
	if err != nil {
		return err
	}
	p.dedup.Seen(msg.ID)

	select {
	case <-p.stopWrite:
		p.opts.logger.Debug("bus publish after close", "topic", topic)
	case p.queue <- outbound{topic: topic, frame: frame}:
	default:
		recordDrop(&p.opts, "queue full", nil)
	}
	return nil
}

// Close flushes queued frames for up to the write timeout, then disconnects
// and stops any reconnect. It is safe to call more than once.
func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		close(p.stopWrite)
		<-p.writeDone
		p.cancel()
		p.wg.Wait()
	})
	return nil
}

func (p *Peer) writeLoop() {
	defer close(p.writeDone)
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.stopWrite:
			p.flush()
			return
		case out := <-p.queue:
			p.write(out, time.Now().Add(p.opts.writeTimeout))
		}
	}
}

// flush writes what is left in the queue under one shared deadline.
func (p *Peer) flush() {
	deadline := time.Now().Add(p.opts.writeTimeout)
	for {
		select {
		case out := <-p.queue:
			if !p.write(out, deadline) {
				return
			}
		default:
			return
		}
	}
}

// write sends one frame on the current connection. It reports false when
// the connection is gone or was just dropped.
func (p *Peer) write(out outbound, deadline time.Time) bool {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		p.opts.logger.Debug("bus publish while disconnected", "topic", out.topic)
		return false
	}
	_ = conn.SetWriteDeadline(deadline)
	if _, err := conn.Write(out.frame); err != nil {
		recordDrop(&p.opts, "write", err)
		// readLoop sees the close and redials when reconnect is on.
		_ = conn.Close()
		return false
	}
	p.opts.metrics.BusPublished.Add(p.ctx, 1, topicAttr(out.topic))
	return true
}

func (p *Peer) readLoop(conn net.Conn) {
	defer p.wg.Done()
	for {
		p.consume(conn)

		p.mu.Lock()
		if p.conn == conn {
			p.conn = nil
		}
		p.mu.Unlock()
		_ = conn.Close()

		if p.ctx.Err() != nil || !p.opts.reconnect {
			return
		}
		next, err := p.redial()
		if err != nil {
			if p.ctx.Err() == nil {
				p.opts.logger.Warn("event bus reconnect gave up", "socket", p.socketPath, "error", err)
			}
			return
		}
		p.mu.Lock()
		if p.ctx.Err() != nil {
			p.mu.Unlock()
			_ = next.Close()
			return
		}
		p.conn = next
		p.mu.Unlock()
		p.opts.logger.Info("event bus reconnected", "socket", p.socketPath)
		conn = next
	}
}

// consume reads frames until the connection fails.
func (p *Peer) consume(conn net.Conn) {
	fr := newFrameReader(conn)
	for {
		line, err := fr.Next()
		if err != nil {
			if !isClosedConn(err) && p.ctx.Err() == nil {
				recordDrop(&p.opts, "read", err)
			}
			return
		}
		msg, err := Decode(line)
		if err != nil {
			recordDrop(&p.opts, "invalid", err)
			continue
		}
		if p.dedup.Seen(msg.ID) {
			recordDrop(&p.opts, "duplicate", nil)
			continue
		}
		p.dispatch.Dispatch(msg)
	}
}

// redial backs off exponentially from the reconnect delay, capped at 64
// times it, for at most maxReconnects attempts.
func (p *Peer) redial() (net.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.reconnectDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = 64 * p.opts.reconnectDelay

	return backoff.Retry(p.ctx, func() (net.Conn, error) {
		conn, err := p.dial(p.ctx)
		if err != nil && p.ctx.Err() != nil {
			return nil, backoff.Permanent(errors.Join(err, p.ctx.Err()))
		}
		return conn, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(p.opts.maxReconnects)))
}
