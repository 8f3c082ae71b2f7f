package frame

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dseum/mousedb/internal/hlc"
)

func TestReadWriteFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := EncodeWriteReq([]byte("k"), []byte("v"))
	require.NoError(t, WriteFrame(&buf, TypeWriteReq, payload))

	typ, got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, TypeWriteReq, typ)
	assert.Equal(t, payload, got)
}

func TestReadFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, TypeHeartbeat, nil))

	typ, got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, TypeHeartbeat, typ)
	assert.Empty(t, got)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, TypeWriteReq, nil))
	raw := buf.Bytes()
	raw[0], raw[1], raw[2], raw[3] = 0xFF, 0xFF, 0xFF, 0xFF

	_, _, err := ReadFrame(bytes.NewReader(raw))
	assert.Error(t, err)
}

func TestReadFrameRejectsUndersizedLength(t *testing.T) {
	var hdr [8]byte
	hdr[3] = 2 // length=2, below the minimum of 4
	_, _, err := ReadFrame(bytes.NewReader(hdr[:]))
	assert.Error(t, err)
}

func TestIdentifyAndPeerRoundTrip(t *testing.T) {
	addr := Address{Host: "10.0.0.1", Port: 9001}
	got, err := DecodeIdentify(EncodeIdentify(addr))
	require.NoError(t, err)
	assert.Equal(t, addr, got)

	got, err = DecodePeer(EncodePeer(addr))
	require.NoError(t, err)
	assert.Equal(t, addr, got)
}

func TestWriteReqRoundTripWithoutClock(t *testing.T) {
	req, err := DecodeWriteReq(EncodeWriteReq([]byte("key"), []byte("value")))
	require.NoError(t, err)
	assert.Equal(t, []byte("key"), req.Key)
	assert.Equal(t, []byte("value"), req.Value)
	assert.False(t, req.HasClock)
}

func TestWriteReqRoundTripWithClock(t *testing.T) {
	clock := hlc.HLC{Physical: 42, Logical: 1, NodeID: 7}
	req, err := DecodeWriteReq(EncodeWriteReqWithClock([]byte("key"), []byte("value"), clock))
	require.NoError(t, err)
	assert.Equal(t, []byte("key"), req.Key)
	assert.Equal(t, []byte("value"), req.Value)
	require.True(t, req.HasClock)
	assert.Equal(t, clock, req.Clock)
}

func TestWriteRespRoundTrip(t *testing.T) {
	status, err := DecodeWriteResp(EncodeWriteResp(WriteRespOK))
	require.NoError(t, err)
	assert.Equal(t, WriteRespOK, status)
}

func TestReadReqRoundTrip(t *testing.T) {
	key, err := DecodeReadReq(EncodeReadReq([]byte("lookup-me")))
	require.NoError(t, err)
	assert.Equal(t, []byte("lookup-me"), key)
}

func TestReadRespHitAndMiss(t *testing.T) {
	hit, err := DecodeReadResp(EncodeReadResp([]byte("value")))
	require.NoError(t, err)
	assert.True(t, hit.Hit)
	assert.Equal(t, []byte("value"), hit.Value)

	miss, err := DecodeReadResp(EncodeReadRespMiss())
	require.NoError(t, err)
	assert.False(t, miss.Hit)
}

func TestTypeString(t *testing.T) {
	assert.Equal(t, "WRITE_REQ", TypeWriteReq.String())
	assert.Contains(t, Type(99).String(), "99")
}
