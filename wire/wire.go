// Package wire defines the framed binary protocol the cluster read path
// speaks between coordinator and partition-group nodes. Every message is a
// frame of [1-byte type][uint32 length][payload][CRC-32C], BigEndian; batch
// payloads are compressed with a per-message selectable algorithm.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/INLOpen/nexuscluster/core"
)

// CommandType identifies the type of a request frame.
type CommandType byte

const (
	CommandOpenSeries      CommandType = 0x01
	CommandOpenMulti       CommandType = 0x02
	CommandOpenByTimestamp CommandType = 0x03
	CommandFetch           CommandType = 0x04
	CommandValueAt         CommandType = 0x05
	CommandCloseReader     CommandType = 0x06
)

// ResponseType identifies the type of a response frame.
const (
	ResponseOpen    CommandType = 0x81
	ResponseBatch   CommandType = 0x82
	ResponseValue   CommandType = 0x83
	ResponseAck     CommandType = 0x84
	ResponseError   CommandType = 0x85
)

const (
	headerSize = 1 + 4 // Type + Length
	crcSize    = 4
)

var (
	// crc32cTable is a pre-calculated table for the Castagnoli polynomial.
	crc32cTable         = crc32.MakeTable(crc32.Castagnoli)
	ErrChecksumMismatch = errors.New("wire: frame checksum mismatch")
)

// Header is the common prefix of all frames.
type Header struct {
	Type   byte
	Length uint32
}

// ErrorMessage is the payload of a ResponseError frame.
type ErrorMessage struct {
	Code    uint16
	Message string
}

func (e *ErrorMessage) Error() string {
	return fmt.Sprintf("Code: %d, Message: %s", e.Code, e.Message)
}

// Remote error codes.
const (
	CodeInternal       uint16 = 1
	CodeUnknownReader  uint16 = 2
	CodeUnknownPath    uint16 = 3
	CodeBadRequest     uint16 = 4
)

// OpenSeriesRequest opens one ordered single-series reader on a group node.
type OpenSeriesRequest struct {
	Path         core.Path
	Measurements []string
	DataType     core.DataType
	TimeFilter   *core.TimeRange
	Ascending    bool
	BatchSize    uint32
}

// OpenMultiRequest opens one multi-series reader covering every listed path
// the group owns, interleaved per path and tagged by path identity.
type OpenMultiRequest struct {
	Paths                []core.Path
	DataTypes            []core.DataType
	DeviceToMeasurements map[string][]string
	TimeFilter           *core.TimeRange
	Ascending            bool
	BatchSize            uint32
}

// OpenByTimestampRequest opens a point-lookup reader for one path.
type OpenByTimestampRequest struct {
	Path         core.Path
	Measurements []string
	DataType     core.DataType
	Ascending    bool
}

// OpenResponse carries the server-assigned reader handle. For multi-series
// readers, Paths echoes the subset of requested paths the group owns.
type OpenResponse struct {
	ReaderID uint64
	Paths    []core.Path
}

// FetchRequest pulls the next batch from an open reader. Path selects the
// series within a multi-series reader and is empty otherwise.
type FetchRequest struct {
	ReaderID uint64
	Path     core.Path
}

// BatchResponse carries one compressed run of points. An empty batch means
// the reader (or that path of it) is exhausted.
type BatchResponse struct {
	Compression core.CompressionType
	Batch       core.Batch
}

// ValueAtRequest asks an open by-timestamp reader for the value at one
// timestamp. Timestamps may arrive in any order.
type ValueAtRequest struct {
	ReaderID  uint64
	Timestamp int64
}

// ValueAtResponse reports the value, or absence, at the timestamp.
type ValueAtResponse struct {
	Found bool
	Value core.Value
}

// CloseReaderRequest releases a server-side reader.
type CloseReaderRequest struct {
	ReaderID uint64
}

// --- primitive helpers ---

// writeString writes a length-prefixed string.
func writeString(w io.Writer, s string) error {
	b := []byte(s)
	if err := binary.Write(w, binary.BigEndian, uint16(len(b))); err != nil {
		return err
	}
	if len(b) > 0 {
		if _, err := w.Write(b); err != nil {
			return err
		}
	}
	return nil
}

func readString(r io.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func writeStringSlice(w io.Writer, ss []string) error {
	if err := binary.Write(w, binary.BigEndian, uint16(len(ss))); err != nil {
		return err
	}
	for _, s := range ss {
		if err := writeString(w, s); err != nil {
			return err
		}
	}
	return nil
}

func readStringSlice(r io.Reader) ([]string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	ss := make([]string, n)
	for i := range ss {
		s, err := readString(r)
		if err != nil {
			return nil, err
		}
		ss[i] = s
	}
	return ss, nil
}

func writePathSlice(w io.Writer, paths []core.Path) error {
	if err := binary.Write(w, binary.BigEndian, uint16(len(paths))); err != nil {
		return err
	}
	for _, p := range paths {
		if err := writeString(w, string(p)); err != nil {
			return err
		}
	}
	return nil
}

func readPathSlice(r io.Reader) ([]core.Path, error) {
	ss, err := readStringSlice(r)
	if err != nil {
		return nil, err
	}
	paths := make([]core.Path, len(ss))
	for i, s := range ss {
		paths[i] = core.Path(s)
	}
	return paths, nil
}

// writeTimeFilter writes a presence byte followed by the bounds.
func writeTimeFilter(w io.Writer, tr *core.TimeRange) error {
	if tr == nil {
		_, err := w.Write([]byte{0})
		return err
	}
	if _, err := w.Write([]byte{1}); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, tr.Min); err != nil {
		return err
	}
	return binary.Write(w, binary.BigEndian, tr.Max)
}

func readTimeFilter(r io.Reader) (*core.TimeRange, error) {
	var present [1]byte
	if _, err := io.ReadFull(r, present[:]); err != nil {
		return nil, err
	}
	if present[0] == 0 {
		return nil, nil
	}
	var tr core.TimeRange
	if err := binary.Read(r, binary.BigEndian, &tr.Min); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &tr.Max); err != nil {
		return nil, err
	}
	return &tr, nil
}

func writeBool(w io.Writer, b bool) error {
	var v byte
	if b {
		v = 1
	}
	_, err := w.Write([]byte{v})
	return err
}

func readBool(r io.Reader) (bool, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

// --- message encoding ---

func EncodeOpenSeriesRequest(w io.Writer, req OpenSeriesRequest) error {
	if err := writeString(w, string(req.Path)); err != nil {
		return err
	}
	if err := writeStringSlice(w, req.Measurements); err != nil {
		return err
	}
	if _, err := w.Write([]byte{byte(req.DataType)}); err != nil {
		return err
	}
	if err := writeTimeFilter(w, req.TimeFilter); err != nil {
		return err
	}
	if err := writeBool(w, req.Ascending); err != nil {
		return err
	}
	return binary.Write(w, binary.BigEndian, req.BatchSize)
}

func DecodeOpenSeriesRequest(r io.Reader) (OpenSeriesRequest, error) {
	var req OpenSeriesRequest
	path, err := readString(r)
	if err != nil {
		return req, err
	}
	req.Path = core.Path(path)
	if req.Measurements, err = readStringSlice(r); err != nil {
		return req, err
	}
	var dt [1]byte
	if _, err := io.ReadFull(r, dt[:]); err != nil {
		return req, err
	}
	req.DataType = core.DataType(dt[0])
	if req.TimeFilter, err = readTimeFilter(r); err != nil {
		return req, err
	}
	if req.Ascending, err = readBool(r); err != nil {
		return req, err
	}
	err = binary.Read(r, binary.BigEndian, &req.BatchSize)
	return req, err
}

func EncodeOpenMultiRequest(w io.Writer, req OpenMultiRequest) error {
	if err := writePathSlice(w, req.Paths); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint16(len(req.DataTypes))); err != nil {
		return err
	}
	for _, dt := range req.DataTypes {
		if _, err := w.Write([]byte{byte(dt)}); err != nil {
			return err
		}
	}
	if err := binary.Write(w, binary.BigEndian, uint16(len(req.DeviceToMeasurements))); err != nil {
		return err
	}
	for device, measurements := range req.DeviceToMeasurements {
		if err := writeString(w, device); err != nil {
			return err
		}
		if err := writeStringSlice(w, measurements); err != nil {
			return err
		}
	}
	if err := writeTimeFilter(w, req.TimeFilter); err != nil {
		return err
	}
	if err := writeBool(w, req.Ascending); err != nil {
		return err
	}
	return binary.Write(w, binary.BigEndian, req.BatchSize)
}

func DecodeOpenMultiRequest(r io.Reader) (OpenMultiRequest, error) {
	var req OpenMultiRequest
	var err error
	if req.Paths, err = readPathSlice(r); err != nil {
		return req, err
	}
	var ndt uint16
	if err := binary.Read(r, binary.BigEndian, &ndt); err != nil {
		return req, err
	}
	req.DataTypes = make([]core.DataType, ndt)
	for i := range req.DataTypes {
		var dt [1]byte
		if _, err := io.ReadFull(r, dt[:]); err != nil {
			return req, err
		}
		req.DataTypes[i] = core.DataType(dt[0])
	}
	var ndev uint16
	if err := binary.Read(r, binary.BigEndian, &ndev); err != nil {
		return req, err
	}
	req.DeviceToMeasurements = make(map[string][]string, ndev)
	for i := 0; i < int(ndev); i++ {
		device, err := readString(r)
		if err != nil {
			return req, err
		}
		measurements, err := readStringSlice(r)
		if err != nil {
			return req, err
		}
		req.DeviceToMeasurements[device] = measurements
	}
	if req.TimeFilter, err = readTimeFilter(r); err != nil {
		return req, err
	}
	if req.Ascending, err = readBool(r); err != nil {
		return req, err
	}
	err = binary.Read(r, binary.BigEndian, &req.BatchSize)
	return req, err
}

func EncodeOpenByTimestampRequest(w io.Writer, req OpenByTimestampRequest) error {
	if err := writeString(w, string(req.Path)); err != nil {
		return err
	}
	if err := writeStringSlice(w, req.Measurements); err != nil {
		return err
	}
	if _, err := w.Write([]byte{byte(req.DataType)}); err != nil {
		return err
	}
	return writeBool(w, req.Ascending)
}

func DecodeOpenByTimestampRequest(r io.Reader) (OpenByTimestampRequest, error) {
	var req OpenByTimestampRequest
	path, err := readString(r)
	if err != nil {
		return req, err
	}
	req.Path = core.Path(path)
	if req.Measurements, err = readStringSlice(r); err != nil {
		return req, err
	}
	var dt [1]byte
	if _, err := io.ReadFull(r, dt[:]); err != nil {
		return req, err
	}
	req.DataType = core.DataType(dt[0])
	req.Ascending, err = readBool(r)
	return req, err
}

func EncodeOpenResponse(w io.Writer, resp OpenResponse) error {
	if err := binary.Write(w, binary.BigEndian, resp.ReaderID); err != nil {
		return err
	}
	return writePathSlice(w, resp.Paths)
}

func DecodeOpenResponse(r io.Reader) (OpenResponse, error) {
	var resp OpenResponse
	if err := binary.Read(r, binary.BigEndian, &resp.ReaderID); err != nil {
		return resp, err
	}
	var err error
	resp.Paths, err = readPathSlice(r)
	return resp, err
}

func EncodeFetchRequest(w io.Writer, req FetchRequest) error {
	if err := binary.Write(w, binary.BigEndian, req.ReaderID); err != nil {
		return err
	}
	return writeString(w, string(req.Path))
}

func DecodeFetchRequest(r io.Reader) (FetchRequest, error) {
	var req FetchRequest
	if err := binary.Read(r, binary.BigEndian, &req.ReaderID); err != nil {
		return req, err
	}
	path, err := readString(r)
	req.Path = core.Path(path)
	return req, err
}

// EncodeBatchResponse compresses the batch points with the given compressor
// and writes [compression byte][uint32 compressed length][compressed points].
func EncodeBatchResponse(w io.Writer, batch core.Batch, compressor core.Compressor) error {
	var raw bytes.Buffer
	if err := binary.Write(&raw, binary.BigEndian, uint32(len(batch))); err != nil {
		return err
	}
	for _, pair := range batch {
		if err := binary.Write(&raw, binary.BigEndian, pair.Timestamp); err != nil {
			return err
		}
		if err := pair.Value.Encode(&raw); err != nil {
			return err
		}
	}

	compressed, err := compressor.Compress(raw.Bytes())
	if err != nil {
		return fmt.Errorf("failed to compress batch payload: %w", err)
	}
	if _, err := w.Write([]byte{byte(compressor.Type())}); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(compressed))); err != nil {
		return err
	}
	_, err = w.Write(compressed)
	return err
}

// DecodeBatchResponse reads a batch payload written by EncodeBatchResponse.
// decompressorFor maps the announced compression type to a Compressor.
func DecodeBatchResponse(r io.Reader, decompressorFor func(core.CompressionType) (core.Compressor, error)) (BatchResponse, error) {
	var resp BatchResponse
	var ct [1]byte
	if _, err := io.ReadFull(r, ct[:]); err != nil {
		return resp, err
	}
	resp.Compression = core.CompressionType(ct[0])

	var clen uint32
	if err := binary.Read(r, binary.BigEndian, &clen); err != nil {
		return resp, err
	}
	compressed := make([]byte, clen)
	if _, err := io.ReadFull(r, compressed); err != nil {
		return resp, err
	}

	compressor, err := decompressorFor(resp.Compression)
	if err != nil {
		return resp, err
	}
	rc, err := compressor.Decompress(compressed)
	if err != nil {
		return resp, fmt.Errorf("failed to decompress batch payload: %w", err)
	}
	defer rc.Close()

	var count uint32
	if err := binary.Read(rc, binary.BigEndian, &count); err != nil {
		return resp, err
	}
	resp.Batch = make(core.Batch, 0, count)
	for i := uint32(0); i < count; i++ {
		var pair core.TimeValuePair
		if err := binary.Read(rc, binary.BigEndian, &pair.Timestamp); err != nil {
			return resp, err
		}
		if pair.Value, err = core.DecodeValue(rc); err != nil {
			return resp, err
		}
		resp.Batch = append(resp.Batch, pair)
	}
	return resp, nil
}

func EncodeValueAtRequest(w io.Writer, req ValueAtRequest) error {
	if err := binary.Write(w, binary.BigEndian, req.ReaderID); err != nil {
		return err
	}
	return binary.Write(w, binary.BigEndian, req.Timestamp)
}

func DecodeValueAtRequest(r io.Reader) (ValueAtRequest, error) {
	var req ValueAtRequest
	if err := binary.Read(r, binary.BigEndian, &req.ReaderID); err != nil {
		return req, err
	}
	err := binary.Read(r, binary.BigEndian, &req.Timestamp)
	return req, err
}

func EncodeValueAtResponse(w io.Writer, resp ValueAtResponse) error {
	if err := writeBool(w, resp.Found); err != nil {
		return err
	}
	if !resp.Found {
		return nil
	}
	return resp.Value.Encode(w)
}

func DecodeValueAtResponse(r io.Reader) (ValueAtResponse, error) {
	var resp ValueAtResponse
	var err error
	if resp.Found, err = readBool(r); err != nil {
		return resp, err
	}
	if !resp.Found {
		return resp, nil
	}
	resp.Value, err = core.DecodeValue(r)
	return resp, err
}

func EncodeCloseReaderRequest(w io.Writer, req CloseReaderRequest) error {
	return binary.Write(w, binary.BigEndian, req.ReaderID)
}

func DecodeCloseReaderRequest(r io.Reader) (CloseReaderRequest, error) {
	var req CloseReaderRequest
	err := binary.Read(r, binary.BigEndian, &req.ReaderID)
	return req, err
}

func EncodeErrorMessage(w io.Writer, errMsg *ErrorMessage) error {
	if err := binary.Write(w, binary.BigEndian, errMsg.Code); err != nil {
		return err
	}
	return writeString(w, errMsg.Message)
}

func DecodeErrorMessage(r io.Reader) (*ErrorMessage, error) {
	var em ErrorMessage
	if err := binary.Read(r, binary.BigEndian, &em.Code); err != nil {
		return nil, err
	}
	msg, err := readString(r)
	if err != nil {
		return nil, err
	}
	em.Message = msg
	return &em, nil
}

// --- framing ---

// WriteFrame writes one checksummed frame: header and payload feed the
// CRC-32C, the checksum trails the payload.
func WriteFrame(w io.Writer, cmdType CommandType, payload []byte) error {
	hasher := crc32.New(crc32cTable)
	multi := io.MultiWriter(w, hasher)

	if err := binary.Write(multi, binary.BigEndian, cmdType); err != nil {
		return fmt.Errorf("failed to write command type: %w", err)
	}
	if err := binary.Write(multi, binary.BigEndian, uint32(len(payload)+crcSize)); err != nil {
		return fmt.Errorf("failed to write payload length: %w", err)
	}
	if len(payload) > 0 {
		if _, err := multi.Write(payload); err != nil {
			return fmt.Errorf("failed to write payload: %w", err)
		}
	}
	if err := binary.Write(w, binary.BigEndian, hasher.Sum32()); err != nil {
		return fmt.Errorf("failed to write checksum: %w", err)
	}
	return nil
}

// ReadFrameHeader reads just the header of a frame.
func ReadFrameHeader(r io.Reader) (Header, error) {
	var header Header
	var cmdType CommandType
	if err := binary.Read(r, binary.BigEndian, &cmdType); err != nil {
		return Header{}, err
	}
	header.Type = byte(cmdType)
	if err := binary.Read(r, binary.BigEndian, &header.Length); err != nil {
		return Header{}, err
	}
	return header, nil
}

// ReadFrame reads a complete frame, verifies its checksum, and returns the
// command type and payload.
func ReadFrame(r io.Reader) (CommandType, []byte, error) {
	header, err := ReadFrameHeader(r)
	if err != nil {
		return 0, nil, err
	}
	if header.Length < crcSize {
		return 0, nil, fmt.Errorf("wire: frame length %d shorter than checksum", header.Length)
	}

	payload := make([]byte, header.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}

	receivedChecksum := binary.BigEndian.Uint32(payload[header.Length-crcSize:])

	hasher := crc32.New(crc32cTable)
	headerBytes := make([]byte, headerSize)
	headerBytes[0] = header.Type
	binary.BigEndian.PutUint32(headerBytes[1:5], header.Length)
	hasher.Write(headerBytes)
	hasher.Write(payload[:header.Length-crcSize])

	if receivedChecksum != hasher.Sum32() {
		return 0, nil, ErrChecksumMismatch
	}
	return CommandType(header.Type), payload[:header.Length-crcSize], nil
}
