package shigoto

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/libp2p/go-msgio"
)

// Cross-process queue protocol. Every request and response is one
// varint-length-delimited frame.
//
//	request:  [op:1][wait ms:8 big-endian][payload]
//	response: [status:1][payload]
const (
	opPut byte = iota + 1
	opTryPut
	opGet
	opLen
)

const (
	statusOK byte = iota
	statusEmpty
	statusFull
	statusClosed
	statusError
)

const (
	// maxFrameSize bounds a single encoded message on the wire.
	maxFrameSize = 16 << 20

	// serverWaitSlice bounds how long the server holds a request open. Clients
	// that want to wait longer send another request, so an abandoned client
	// never leaves the server holding a dequeued item for long.
	serverWaitSlice = time.Second

	// maxIdleConns is the number of idle connections a client keeps.
	maxIdleConns = 4
)

// QueueServer exposes a MemQueue to other processes over a local socket (a
// Unix domain socket, or a named pipe on Windows).
type QueueServer struct {
	queue  *MemQueue
	addr   string
	ln     net.Listener
	logger *slog.Logger

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewQueueServer listens on addr and serves q until Close. An empty addr picks
// a fresh per-process address.
func NewQueueServer(q *MemQueue, addr string, logger *slog.Logger) (*QueueServer, error) {
	if addr == "" {
		addr = defaultQueueAddress()
	}
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := listenQueue(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: listening on %s: %v", ErrChannel, addr, err)
	}
	s := &QueueServer{
		queue:  q,
		addr:   addr,
		ln:     ln,
		logger: logger.With("component", "queue-server", "addr", addr),
		conns:  make(map[net.Conn]struct{}),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Addr returns the address clients dial.
func (s *QueueServer) Addr() string { return s.addr }

// Close stops accepting, drops open connections and waits for handlers.
// The queue itself is left open.
func (s *QueueServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	err := s.ln.Close()
	s.wg.Wait()
	return err
}

func (s *QueueServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.logger.Error("accept failed, server stopped", "error", err)
			}
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.serveConn(conn)
	}
}

func (s *QueueServer) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	r := msgio.NewVarintReaderSize(conn, maxFrameSize)
	w := msgio.NewVarintWriter(conn)
	for {
		frame, err := r.ReadMsg()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("connection dropped", "error", err)
			}
			return
		}
		get := len(frame) > 0 && frame[0] == opGet
		resp := s.handle(frame)
		r.ReleaseMsg(frame)
		if err := w.WriteMsg(resp); err != nil {
			// The client never saw the item; hand it to the next consumer.
			// A reply written but lost afterwards is not detected.
			if get && resp[0] == statusOK {
				s.queue.Requeue(resp[1:])
				s.logger.Warn("reply failed, item requeued", "error", err)
			} else {
				s.logger.Debug("writing response failed", "error", err)
			}
			return
		}
	}
}

// handle executes one request. The frame buffer is released by the caller,
// so payloads kept beyond this call are copied.
func (s *QueueServer) handle(frame []byte) []byte {
	if len(frame) < 9 {
		return []byte{statusError}
	}
	op := frame[0]
	wait := time.Duration(binary.BigEndian.Uint64(frame[1:9])) * time.Millisecond
	if wait <= 0 || wait > serverWaitSlice {
		wait = serverWaitSlice
	}
	payload := frame[9:]

	switch op {
	case opPut:
		item := append([]byte(nil), payload...)
		ctx, cancel := context.WithTimeout(context.Background(), wait)
		defer cancel()
		switch err := s.queue.Put(ctx, item); {
		case err == nil:
			return []byte{statusOK}
		case errors.Is(err, ErrChannelClosed):
			return []byte{statusClosed}
		default:
			return []byte{statusFull}
		}
	case opTryPut:
		switch err := s.queue.TryPut(append([]byte(nil), payload...)); {
		case err == nil:
			return []byte{statusOK}
		case errors.Is(err, ErrChannelClosed):
			return []byte{statusClosed}
		default:
			return []byte{statusFull}
		}
	case opGet:
		item, ok, err := s.queue.Get(context.Background(), wait)
		switch {
		case err != nil:
			return []byte{statusClosed}
		case !ok:
			return []byte{statusEmpty}
		}
		return append([]byte{statusOK}, item...)
	case opLen:
		resp := make([]byte, 9)
		resp[0] = statusOK
		binary.BigEndian.PutUint64(resp[1:], uint64(s.queue.Len()))
		return resp
	}
	return []byte{statusError}
}

// queueConn is one client connection with its framing.
type queueConn struct {
	conn net.Conn
	r    msgio.ReadCloser
	w    msgio.WriteCloser
}

// queueClient issues requests to a QueueServer over a small connection pool.
type queueClient struct {
	addr string
	idle chan *queueConn
}

func newQueueClient(addr string) *queueClient {
	return &queueClient{addr: addr, idle: make(chan *queueConn, maxIdleConns)}
}

func (c *queueClient) conn(ctx context.Context) (*queueConn, error) {
	select {
	case qc := <-c.idle:
		return qc, nil
	default:
	}
	conn, err := dialQueue(ctx, c.addr)
	if err != nil {
		return nil, err
	}
	return &queueConn{
		conn: conn,
		r:    msgio.NewVarintReaderSize(conn, maxFrameSize),
		w:    msgio.NewVarintWriter(conn),
	}, nil
}

func (c *queueClient) release(qc *queueConn) {
	select {
	case c.idle <- qc:
	default:
		qc.conn.Close()
	}
}

// do sends one request and returns the response status and a copy of its
// payload. A request is never abandoned halfway: the server answers within
// serverWaitSlice, and ctx is only consulted before sending.
func (c *queueClient) do(ctx context.Context, op byte, wait time.Duration, payload []byte) (byte, []byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	qc, err := c.conn(ctx)
	if err != nil {
		return 0, nil, err
	}

	req := make([]byte, 9+len(payload))
	req[0] = op
	if wait > 0 {
		binary.BigEndian.PutUint64(req[1:9], uint64(wait/time.Millisecond))
	}
	copy(req[9:], payload)

	qc.conn.SetDeadline(time.Now().Add(serverWaitSlice + 10*time.Second))
	if err := qc.w.WriteMsg(req); err != nil {
		qc.conn.Close()
		return 0, nil, err
	}
	resp, err := qc.r.ReadMsg()
	if err != nil {
		qc.conn.Close()
		return 0, nil, err
	}
	if len(resp) == 0 {
		qc.r.ReleaseMsg(resp)
		qc.conn.Close()
		return 0, nil, errors.New("empty response frame")
	}
	status := resp[0]
	body := append([]byte(nil), resp[1:]...)
	qc.r.ReleaseMsg(resp)
	c.release(qc)
	return status, body, nil
}

func (c *queueClient) close() {
	for {
		select {
		case qc := <-c.idle:
			qc.conn.Close()
		default:
			return
		}
	}
}

// ProcQueueChannel is a FIFO channel shared across OS processes. The process
// that creates it with NewProcQueueChannel owns the queue and serves it; other
// processes attach with DialProcQueueChannel using Addr.
type ProcQueueChannel struct {
	channelBase
	addr string

	// owner side
	queue  *MemQueue
	server *QueueServer

	// remote side
	client *queueClient
}

// NewProcQueueChannel creates a queue owned by this process and starts
// serving it. WithMaxSize bounds it; WithAddress picks the socket address.
func NewProcQueueChannel(codec Codec, opts ...ChannelOption) (*ProcQueueChannel, error) {
	cfg := newChannelConfig(opts)
	q := cfg.queue
	if q == nil {
		q = NewMemQueue(cfg.maxsize)
	}
	base := newChannelBase("procqueue", codec, cfg)
	srv, err := NewQueueServer(q, cfg.address, base.logger)
	if err != nil {
		return nil, err
	}
	return &ProcQueueChannel{
		channelBase: base,
		addr:        srv.Addr(),
		queue:       q,
		server:      srv,
	}, nil
}

// DialProcQueueChannel attaches to a queue served by another process.
func DialProcQueueChannel(codec Codec, addr string, opts ...ChannelOption) (*ProcQueueChannel, error) {
	if addr == "" {
		return nil, fmt.Errorf("%w: empty queue address", ErrChannel)
	}
	cfg := newChannelConfig(opts)
	return &ProcQueueChannel{
		channelBase: newChannelBase("procqueue", codec, cfg),
		addr:        addr,
		client:      newQueueClient(addr),
	}, nil
}

// Addr returns the address other processes dial to reach the queue.
func (c *ProcQueueChannel) Addr() string { return c.addr }

// Owner reports whether this process serves the queue.
func (c *ProcQueueChannel) Owner() bool { return c.server != nil }

// Put enqueues m, blocking while the queue is full until ctx ends.
func (c *ProcQueueChannel) Put(ctx context.Context, m Message) error {
	data, err := c.encode(m)
	if err != nil {
		return err
	}
	if c.queue != nil {
		if err := c.queue.Put(ctx, data); err != nil {
			return c.localErr(err)
		}
		return nil
	}
	for {
		status, _, err := c.client.do(ctx, opPut, serverWaitSlice, data)
		if err != nil {
			return c.remoteErr(ctx, "put", err)
		}
		switch status {
		case statusOK:
			return nil
		case statusFull:
			continue
		case statusClosed:
			return fmt.Errorf("%w: %w", ErrChannel, ErrChannelClosed)
		default:
			return fmt.Errorf("%w: put %s: server error", ErrChannel, c.addr)
		}
	}
}

// TryPut enqueues m or returns ErrQueueFull without waiting for space.
func (c *ProcQueueChannel) TryPut(ctx context.Context, m Message) error {
	data, err := c.encode(m)
	if err != nil {
		return err
	}
	if c.queue != nil {
		if err := c.queue.TryPut(data); err != nil {
			return c.localErr(err)
		}
		return nil
	}
	status, _, err := c.client.do(ctx, opTryPut, 0, data)
	if err != nil {
		return c.remoteErr(ctx, "tryput", err)
	}
	switch status {
	case statusOK:
		return nil
	case statusFull:
		return ErrQueueFull
	case statusClosed:
		return fmt.Errorf("%w: %w", ErrChannel, ErrChannelClosed)
	}
	return fmt.Errorf("%w: tryput %s: server error", ErrChannel, c.addr)
}

// Get dequeues the oldest message, waiting up to timeout (forever if <= 0).
func (c *ProcQueueChannel) Get(ctx context.Context, timeout time.Duration) (Message, error) {
	if c.queue != nil {
		data, ok, err := c.queue.Get(ctx, timeout)
		if err != nil {
			return nil, c.localErr(err)
		}
		if !ok {
			return nil, nil
		}
		return c.decode(data), nil
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		wait := serverWaitSlice
		if !deadline.IsZero() {
			wait = time.Until(deadline)
			if wait <= 0 {
				return nil, nil
			}
			wait = max(min(wait, serverWaitSlice), time.Millisecond)
		}
		status, body, err := c.client.do(ctx, opGet, wait, nil)
		if err != nil {
			return nil, c.remoteErr(ctx, "get", err)
		}
		switch status {
		case statusOK:
			return c.decode(body), nil
		case statusEmpty:
			continue
		case statusClosed:
			return nil, fmt.Errorf("%w: %w", ErrChannel, ErrChannelClosed)
		default:
			return nil, fmt.Errorf("%w: get %s: server error", ErrChannel, c.addr)
		}
	}
}

// Len returns the number of queued messages.
func (c *ProcQueueChannel) Len(ctx context.Context) (int, error) {
	if c.queue != nil {
		return c.queue.Len(), nil
	}
	status, body, err := c.client.do(ctx, opLen, 0, nil)
	if err != nil {
		return 0, c.remoteErr(ctx, "len", err)
	}
	if status != statusOK || len(body) != 8 {
		return 0, fmt.Errorf("%w: len %s: server error", ErrChannel, c.addr)
	}
	return int(binary.BigEndian.Uint64(body)), nil
}

// Close stops serving (owner) or drops idle connections (remote). On the
// owner it also closes the queue; buffered messages can still be drained
// locally.
func (c *ProcQueueChannel) Close() error {
	if c.server != nil {
		err := c.server.Close()
		c.queue.Close()
		return err
	}
	c.client.close()
	return nil
}

func (c *ProcQueueChannel) localErr(err error) error {
	if errors.Is(err, ErrChannelClosed) {
		return fmt.Errorf("%w: %w", ErrChannel, err)
	}
	return err
}

func (c *ProcQueueChannel) remoteErr(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: %s %s: %v", ErrChannel, op, c.addr, err)
}
