package transport

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"sync"

	"github.com/INLOpen/nexuscluster/core"
	"github.com/INLOpen/nexuscluster/wire"
)

// GroupServer is a partition-group node serving the cluster read protocol
// from an in-memory series store. Production group nodes sit on top of a
// storage engine; this server backs in-process deployments and tests, which
// is also where the cancellation and release accounting gets verified.
type GroupServer struct {
	listener   net.Listener
	compressor core.Compressor
	batchSize  int
	logger     *slog.Logger

	mu   sync.RWMutex
	data map[core.Path]core.Batch // ascending by timestamp

	wg     sync.WaitGroup
	closeOnce sync.Once
	closed chan struct{}
}

// GroupServerOptions holds all parameters for creating a GroupServer.
type GroupServerOptions struct {
	Listener   net.Listener
	Data       map[core.Path]core.Batch
	Compressor core.Compressor
	BatchSize  int
	Logger     *slog.Logger
}

func NewGroupServer(opts GroupServerOptions) *GroupServer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 4096
	}
	data := make(map[core.Path]core.Batch, len(opts.Data))
	for path, batch := range opts.Data {
		sorted := append(core.Batch(nil), batch...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp < sorted[j].Timestamp })
		data[path] = sorted
	}
	return &GroupServer{
		listener:   opts.Listener,
		compressor: opts.Compressor,
		batchSize:  batchSize,
		logger:     logger.With("component", "GroupServer"),
		data:       data,
		closed:     make(chan struct{}),
	}
}

// Serve accepts connections until Close. Blocks; run it in a goroutine.
func (s *GroupServer) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Close stops accepting and waits for in-flight connections to finish.
func (s *GroupServer) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.listener.Close()
	})
	s.wg.Wait()
	return err
}

// serverReader is one open reader's remaining data.
type serverReader struct {
	// remaining points per path; single-series readers use the "" key.
	remaining map[core.Path]core.Batch
	paths     []core.Path
	// lookup is the ascending full series for by-timestamp readers.
	lookup core.Batch
}

type connState struct {
	readers map[uint64]*serverReader
	nextID  uint64
}

func (s *GroupServer) handleConn(conn net.Conn) {
	defer conn.Close()
	state := &connState{readers: make(map[uint64]*serverReader)}

	for {
		cmd, payload, err := wire.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("Connection read ended.", "error", err)
			}
			return
		}
		if err := s.handleCommand(conn, state, cmd, payload); err != nil {
			s.logger.Warn("Failed to answer command.", "command", cmd, "error", err)
			return
		}
	}
}

func (s *GroupServer) handleCommand(conn net.Conn, state *connState, cmd wire.CommandType, payload []byte) error {
	r := bytes.NewReader(payload)
	switch cmd {
	case wire.CommandOpenSeries:
		req, err := wire.DecodeOpenSeriesRequest(r)
		if err != nil {
			return s.writeError(conn, wire.CodeBadRequest, err)
		}
		id := state.open(&serverReader{
			remaining: map[core.Path]core.Batch{"": s.seriesSlice(req.Path, req.TimeFilter, req.Ascending)},
		})
		return s.writeOpen(conn, wire.OpenResponse{ReaderID: id})

	case wire.CommandOpenMulti:
		req, err := wire.DecodeOpenMultiRequest(r)
		if err != nil {
			return s.writeError(conn, wire.CodeBadRequest, err)
		}
		reader := &serverReader{remaining: make(map[core.Path]core.Batch)}
		for _, path := range req.Paths {
			if !s.owns(path) {
				continue
			}
			reader.paths = append(reader.paths, path)
			reader.remaining[path] = s.seriesSlice(path, req.TimeFilter, req.Ascending)
		}
		id := state.open(reader)
		return s.writeOpen(conn, wire.OpenResponse{ReaderID: id, Paths: reader.paths})

	case wire.CommandOpenByTimestamp:
		req, err := wire.DecodeOpenByTimestampRequest(r)
		if err != nil {
			return s.writeError(conn, wire.CodeBadRequest, err)
		}
		id := state.open(&serverReader{lookup: s.seriesSlice(req.Path, nil, true)})
		return s.writeOpen(conn, wire.OpenResponse{ReaderID: id})

	case wire.CommandFetch:
		req, err := wire.DecodeFetchRequest(r)
		if err != nil {
			return s.writeError(conn, wire.CodeBadRequest, err)
		}
		reader, ok := state.readers[req.ReaderID]
		if !ok {
			return s.writeError(conn, wire.CodeUnknownReader, fmt.Errorf("no reader %d", req.ReaderID))
		}
		remaining, ok := reader.remaining[req.Path]
		if !ok && req.Path != "" {
			return s.writeError(conn, wire.CodeUnknownPath, fmt.Errorf("reader %d does not serve %s", req.ReaderID, req.Path))
		}
		n := s.batchSize
		if n > len(remaining) {
			n = len(remaining)
		}
		batch := remaining[:n]
		reader.remaining[req.Path] = remaining[n:]
		return s.writeBatch(conn, batch)

	case wire.CommandValueAt:
		req, err := wire.DecodeValueAtRequest(r)
		if err != nil {
			return s.writeError(conn, wire.CodeBadRequest, err)
		}
		reader, ok := state.readers[req.ReaderID]
		if !ok {
			return s.writeError(conn, wire.CodeUnknownReader, fmt.Errorf("no reader %d", req.ReaderID))
		}
		idx := sort.Search(len(reader.lookup), func(i int) bool {
			return reader.lookup[i].Timestamp >= req.Timestamp
		})
		resp := wire.ValueAtResponse{}
		if idx < len(reader.lookup) && reader.lookup[idx].Timestamp == req.Timestamp {
			resp.Found = true
			resp.Value = reader.lookup[idx].Value
		}
		var buf bytes.Buffer
		if err := wire.EncodeValueAtResponse(&buf, resp); err != nil {
			return err
		}
		return wire.WriteFrame(conn, wire.ResponseValue, buf.Bytes())

	case wire.CommandCloseReader:
		req, err := wire.DecodeCloseReaderRequest(r)
		if err != nil {
			return s.writeError(conn, wire.CodeBadRequest, err)
		}
		delete(state.readers, req.ReaderID)
		return wire.WriteFrame(conn, wire.ResponseAck, nil)

	default:
		return s.writeError(conn, wire.CodeBadRequest, fmt.Errorf("unknown command 0x%02x", byte(cmd)))
	}
}

func (st *connState) open(reader *serverReader) uint64 {
	st.nextID++
	st.readers[st.nextID] = reader
	return st.nextID
}

func (s *GroupServer) owns(path core.Path) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[path]
	return ok
}

// seriesSlice returns the stored points for path inside the filter, in the
// requested direction.
func (s *GroupServer) seriesSlice(path core.Path, filter *core.TimeRange, ascending bool) core.Batch {
	s.mu.RLock()
	full := s.data[path]
	s.mu.RUnlock()

	var out core.Batch
	for _, pair := range full {
		if filter != nil && !filter.Contains(pair.Timestamp) {
			continue
		}
		out = append(out, pair)
	}
	if !ascending {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out
}

func (s *GroupServer) writeOpen(conn net.Conn, resp wire.OpenResponse) error {
	var buf bytes.Buffer
	if err := wire.EncodeOpenResponse(&buf, resp); err != nil {
		return err
	}
	return wire.WriteFrame(conn, wire.ResponseOpen, buf.Bytes())
}

func (s *GroupServer) writeBatch(conn net.Conn, batch core.Batch) error {
	var buf bytes.Buffer
	if err := wire.EncodeBatchResponse(&buf, batch, s.compressor); err != nil {
		return err
	}
	return wire.WriteFrame(conn, wire.ResponseBatch, buf.Bytes())
}

func (s *GroupServer) writeError(conn net.Conn, code uint16, cause error) error {
	var buf bytes.Buffer
	if err := wire.EncodeErrorMessage(&buf, &wire.ErrorMessage{Code: code, Message: cause.Error()}); err != nil {
		return err
	}
	return wire.WriteFrame(conn, wire.ResponseError, buf.Bytes())
}
