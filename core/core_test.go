package core

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPath_DeviceAndMeasurement(t *testing.T) {
	p := Path("root.sg1.d1.temperature")
	assert.Equal(t, "root.sg1.d1", p.Device())
	assert.Equal(t, "temperature", p.Measurement())

	// A separator-free path is its own device and measurement.
	bare := Path("standalone")
	assert.Equal(t, "standalone", bare.Device())
	assert.Equal(t, "standalone", bare.Measurement())
}

func TestTimeRange(t *testing.T) {
	r := TimeRange{Min: 10, Max: 20}

	assert.True(t, r.Contains(10))
	assert.True(t, r.Contains(20))
	assert.False(t, r.Contains(9))
	assert.False(t, r.Contains(21))

	assert.True(t, r.Intersects(TimeRange{Min: 20, Max: 30}), "closed intervals touch at the edge")
	assert.True(t, r.Intersects(TimeRange{Min: 0, Max: 10}))
	assert.False(t, r.Intersects(TimeRange{Min: 21, Max: 30}))
}

func TestValue_EncodeDecode(t *testing.T) {
	values := []Value{
		NewFloatValue(3.5),
		NewIntValue(-42),
		NewStringValue("on fire"),
		NewBoolValue(true),
		{}, // nil value
	}
	for _, v := range values {
		var buf bytes.Buffer
		require.NoError(t, v.Encode(&buf))
		decoded, err := DecodeValue(&buf)
		require.NoError(t, err)
		assert.Equal(t, v, decoded)
	}

	f, ok := NewFloatValue(3.5).Float()
	require.True(t, ok)
	assert.Equal(t, 3.5, f)
	_, ok = NewFloatValue(3.5).Int()
	assert.False(t, ok, "accessors must not coerce across types")
	assert.True(t, Value{}.IsNil())
}

func TestErrorClassification(t *testing.T) {
	cause := errors.New("connection reset")

	transportErr := &TransportError{GroupID: 3, Node: "10.0.0.7:6667", Err: cause}
	assert.True(t, IsTransportError(transportErr))
	assert.True(t, IsRetryable(transportErr))
	assert.ErrorIs(t, transportErr, cause)

	consistencyErr := &ConsistencyError{Reason: "leader unreachable", Err: cause}
	assert.True(t, IsConsistencyError(consistencyErr))
	assert.False(t, IsTransportError(consistencyErr))

	// Classification must see through the query-level wrapper.
	wrapped := &QueryExecutionError{Op: "scan", Err: transportErr}
	assert.True(t, IsTransportError(wrapped))
	assert.ErrorIs(t, wrapped, cause)

	cancelled := &QueryExecutionError{Op: "scan", Err: context.Canceled}
	assert.True(t, IsCancellation(cancelled))
	assert.False(t, IsCancellation(transportErr))
}
