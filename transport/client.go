package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/INLOpen/nexuscluster/compressors"
	"github.com/INLOpen/nexuscluster/core"
	"github.com/INLOpen/nexuscluster/partition"
	"github.com/INLOpen/nexuscluster/wire"
)

// ErrExhausted is returned by NextBatch once a reader has no more data.
var ErrExhausted = errors.New("transport: reader exhausted")

// DialFunc connects to a cluster node. Tests substitute an in-memory dialer.
type DialFunc func(ctx context.Context, address string) (net.Conn, error)

// TCPTransportOptions holds all parameters for creating a TCPTransport.
type TCPTransportOptions struct {
	Dial           DialFunc
	Logger         *slog.Logger
	RequestTimeout time.Duration
}

// TCPTransport opens group readers over the framed wire protocol. Each
// opened reader owns one connection to the replica that answered; a group's
// replicas are tried in order when a connection cannot be established.
type TCPTransport struct {
	dial    DialFunc
	logger  *slog.Logger
	timeout time.Duration
}

var _ Transport = (*TCPTransport)(nil)

func NewTCPTransport(opts TCPTransportOptions) *TCPTransport {
	dial := opts.Dial
	if dial == nil {
		var d net.Dialer
		dial = func(ctx context.Context, address string) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", address)
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &TCPTransport{
		dial:    dial,
		logger:  logger.With("component", "TCPTransport"),
		timeout: timeout,
	}
}

// session is one connection to one replica, serving one reader. Requests on
// a session are serialized; the wire protocol is strictly request/response.
type session struct {
	conn    net.Conn
	rw      *bufio.ReadWriter
	mu      sync.Mutex
	group   *partition.Group
	node    string
	timeout time.Duration
	closed  bool
}

// connect tries the group's replicas in order and returns a session to the
// first one that accepts a connection.
func (t *TCPTransport) connect(ctx context.Context, group *partition.Group) (*session, error) {
	var lastErr error
	for _, node := range group.Nodes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		conn, err := t.dial(ctx, node.Address)
		if err != nil {
			t.logger.Warn("Failed to connect to replica, trying next.",
				"group", group.ID, "node", node.Address, "error", err)
			lastErr = classifyError(err, group, node.Address)
			continue
		}
		return &session{
			conn:    conn,
			rw:      bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn)),
			group:   group,
			node:    node.Address,
			timeout: t.timeout,
		}, nil
	}
	if lastErr == nil {
		lastErr = classifyError(fmt.Errorf("group has no replicas"), group, "")
	}
	return nil, lastErr
}

// roundTrip sends one frame and reads the response frame. A remote
// ResponseError decodes into the returned error. Cancellation unblocks the
// read by forcing the connection deadline.
func (s *session) roundTrip(ctx context.Context, cmd wire.CommandType, payload []byte) (wire.CommandType, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, nil, fmt.Errorf("session to %s already closed", s.node)
	}

	deadline := time.Now().Add(s.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.conn.SetDeadline(deadline)

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			// Unblock any pending read/write immediately.
			_ = s.conn.SetDeadline(time.Now())
		case <-watchDone:
		}
	}()

	if err := wire.WriteFrame(s.rw, cmd, payload); err != nil {
		return 0, nil, s.orCtxErr(ctx, err)
	}
	if err := s.rw.Flush(); err != nil {
		return 0, nil, s.orCtxErr(ctx, err)
	}

	respCmd, respPayload, err := wire.ReadFrame(s.rw)
	if err != nil {
		return 0, nil, s.orCtxErr(ctx, err)
	}
	if respCmd == wire.ResponseError {
		em, derr := wire.DecodeErrorMessage(bytes.NewReader(respPayload))
		if derr != nil {
			return 0, nil, fmt.Errorf("failed to decode remote error: %w", derr)
		}
		return 0, nil, em
	}
	return respCmd, respPayload, nil
}

// orCtxErr prefers the context's error over the I/O error it provoked, so
// an interrupted fetch surfaces as cancellation, not as a transport fault.
func (s *session) orCtxErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

// closeReader releases the server-side reader, then the connection. Best
// effort on the release frame; the connection teardown releases server
// state anyway.
func (s *session) closeReader(readerID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	_ = s.conn.SetDeadline(time.Now().Add(2 * time.Second))
	var buf bytes.Buffer
	if err := wire.EncodeCloseReaderRequest(&buf, wire.CloseReaderRequest{ReaderID: readerID}); err == nil {
		if err := wire.WriteFrame(s.rw, wire.CommandCloseReader, buf.Bytes()); err == nil {
			_ = s.rw.Flush()
			_, _, _ = wire.ReadFrame(s.rw)
		}
	}
	return s.conn.Close()
}

func (s *session) classify(err error) error {
	return classifyError(err, s.group, s.node)
}

// OpenSeriesReader opens one ordered single-series reader on the group.
func (t *TCPTransport) OpenSeriesReader(ctx context.Context, group *partition.Group, req wire.OpenSeriesRequest) (BatchReader, error) {
	sess, err := t.connect(ctx, group)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := wire.EncodeOpenSeriesRequest(&buf, req); err != nil {
		_ = sess.conn.Close()
		return nil, sess.classify(err)
	}
	respCmd, payload, err := sess.roundTrip(ctx, wire.CommandOpenSeries, buf.Bytes())
	if err != nil {
		_ = sess.conn.Close()
		return nil, sess.classify(err)
	}
	if respCmd != wire.ResponseOpen {
		_ = sess.conn.Close()
		return nil, sess.classify(fmt.Errorf("unexpected response frame 0x%02x to open", byte(respCmd)))
	}
	resp, err := wire.DecodeOpenResponse(bytes.NewReader(payload))
	if err != nil {
		_ = sess.conn.Close()
		return nil, sess.classify(err)
	}
	return &remoteSeriesReader{sess: sess, readerID: resp.ReaderID}, nil
}

// OpenMultiSeriesReader opens one combined reader for every requested path
// the group owns.
func (t *TCPTransport) OpenMultiSeriesReader(ctx context.Context, group *partition.Group, req wire.OpenMultiRequest) (MultiBatchReader, error) {
	sess, err := t.connect(ctx, group)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := wire.EncodeOpenMultiRequest(&buf, req); err != nil {
		_ = sess.conn.Close()
		return nil, sess.classify(err)
	}
	respCmd, payload, err := sess.roundTrip(ctx, wire.CommandOpenMulti, buf.Bytes())
	if err != nil {
		_ = sess.conn.Close()
		return nil, sess.classify(err)
	}
	if respCmd != wire.ResponseOpen {
		_ = sess.conn.Close()
		return nil, sess.classify(fmt.Errorf("unexpected response frame 0x%02x to open", byte(respCmd)))
	}
	resp, err := wire.DecodeOpenResponse(bytes.NewReader(payload))
	if err != nil {
		_ = sess.conn.Close()
		return nil, sess.classify(err)
	}

	r := &remoteMultiReader{
		sess:      sess,
		readerID:  resp.ReaderID,
		paths:     resp.Paths,
		buffered:  make(map[core.Path]core.Batch, len(resp.Paths)),
		exhausted: make(map[core.Path]bool, len(resp.Paths)),
	}
	return r, nil
}

// OpenByTimestampReader opens a point-lookup reader on the group.
func (t *TCPTransport) OpenByTimestampReader(ctx context.Context, group *partition.Group, req wire.OpenByTimestampRequest) (ByTimestampReader, error) {
	sess, err := t.connect(ctx, group)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := wire.EncodeOpenByTimestampRequest(&buf, req); err != nil {
		_ = sess.conn.Close()
		return nil, sess.classify(err)
	}
	respCmd, payload, err := sess.roundTrip(ctx, wire.CommandOpenByTimestamp, buf.Bytes())
	if err != nil {
		_ = sess.conn.Close()
		return nil, sess.classify(err)
	}
	if respCmd != wire.ResponseOpen {
		_ = sess.conn.Close()
		return nil, sess.classify(fmt.Errorf("unexpected response frame 0x%02x to open", byte(respCmd)))
	}
	resp, err := wire.DecodeOpenResponse(bytes.NewReader(payload))
	if err != nil {
		_ = sess.conn.Close()
		return nil, sess.classify(err)
	}
	return &remoteByTimestampReader{sess: sess, readerID: resp.ReaderID}, nil
}

// remoteSeriesReader pulls compressed batches from one server-side reader.
type remoteSeriesReader struct {
	sess      *session
	readerID  uint64
	buf       core.Batch
	exhausted bool
}

var _ BatchReader = (*remoteSeriesReader)(nil)

func (r *remoteSeriesReader) HasNextBatch(ctx context.Context) (bool, error) {
	if len(r.buf) > 0 {
		return true, nil
	}
	if r.exhausted {
		return false, nil
	}
	batch, err := fetchBatch(ctx, r.sess, r.readerID, "")
	if err != nil {
		return false, err
	}
	if len(batch) == 0 {
		r.exhausted = true
		return false, nil
	}
	r.buf = batch
	return true, nil
}

func (r *remoteSeriesReader) NextBatch(ctx context.Context) (core.Batch, error) {
	ok, err := r.HasNextBatch(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrExhausted
	}
	batch := r.buf
	r.buf = nil
	return batch, nil
}

func (r *remoteSeriesReader) Close() error {
	return r.sess.closeReader(r.readerID)
}

// remoteMultiReader pulls per-path batches from one combined server-side
// reader.
type remoteMultiReader struct {
	sess      *session
	readerID  uint64
	paths     []core.Path
	buffered  map[core.Path]core.Batch
	exhausted map[core.Path]bool
}

var _ MultiBatchReader = (*remoteMultiReader)(nil)

func (r *remoteMultiReader) Paths() []core.Path { return r.paths }

func (r *remoteMultiReader) HasNextBatch(ctx context.Context, path core.Path) (bool, error) {
	if len(r.buffered[path]) > 0 {
		return true, nil
	}
	if r.exhausted[path] {
		return false, nil
	}
	batch, err := fetchBatch(ctx, r.sess, r.readerID, path)
	if err != nil {
		return false, err
	}
	if len(batch) == 0 {
		r.exhausted[path] = true
		return false, nil
	}
	r.buffered[path] = batch
	return true, nil
}

func (r *remoteMultiReader) NextBatch(ctx context.Context, path core.Path) (core.Batch, error) {
	ok, err := r.HasNextBatch(ctx, path)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrExhausted
	}
	batch := r.buffered[path]
	delete(r.buffered, path)
	return batch, nil
}

func (r *remoteMultiReader) Close() error {
	return r.sess.closeReader(r.readerID)
}

// remoteByTimestampReader serves random lookups against one server-side
// reader.
type remoteByTimestampReader struct {
	sess     *session
	readerID uint64
}

var _ ByTimestampReader = (*remoteByTimestampReader)(nil)

func (r *remoteByTimestampReader) ValueAt(ctx context.Context, timestamp int64) (core.Value, bool, error) {
	var buf bytes.Buffer
	if err := wire.EncodeValueAtRequest(&buf, wire.ValueAtRequest{ReaderID: r.readerID, Timestamp: timestamp}); err != nil {
		return core.Value{}, false, r.sess.classify(err)
	}
	respCmd, payload, err := r.sess.roundTrip(ctx, wire.CommandValueAt, buf.Bytes())
	if err != nil {
		return core.Value{}, false, r.sess.classify(err)
	}
	if respCmd != wire.ResponseValue {
		return core.Value{}, false, r.sess.classify(fmt.Errorf("unexpected response frame 0x%02x to value lookup", byte(respCmd)))
	}
	resp, err := wire.DecodeValueAtResponse(bytes.NewReader(payload))
	if err != nil {
		return core.Value{}, false, r.sess.classify(err)
	}
	return resp.Value, resp.Found, nil
}

func (r *remoteByTimestampReader) Close() error {
	return r.sess.closeReader(r.readerID)
}

func fetchBatch(ctx context.Context, sess *session, readerID uint64, path core.Path) (core.Batch, error) {
	var buf bytes.Buffer
	if err := wire.EncodeFetchRequest(&buf, wire.FetchRequest{ReaderID: readerID, Path: path}); err != nil {
		return nil, sess.classify(err)
	}
	respCmd, payload, err := sess.roundTrip(ctx, wire.CommandFetch, buf.Bytes())
	if err != nil {
		return nil, sess.classify(err)
	}
	if respCmd != wire.ResponseBatch {
		return nil, sess.classify(fmt.Errorf("unexpected response frame 0x%02x to fetch", byte(respCmd)))
	}
	resp, err := wire.DecodeBatchResponse(bytes.NewReader(payload), compressors.ForType)
	if err != nil {
		return nil, sess.classify(err)
	}
	return resp.Batch, nil
}
