package server

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dseum/mousedb/internal/database"
	"github.com/dseum/mousedb/internal/frame"
	"github.com/dseum/mousedb/internal/hlc"
)

func openTestDB(t *testing.T) *database.Database {
	t.Helper()
	db, err := database.Open(t.TempDir(), database.WithWALShardCount(1), database.WithCompactionWorkers(1))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func startTestServer(t *testing.T, join *frame.Address) (*Server, frame.Address) {
	t.Helper()
	srv, err := New(Config{
		Self: frame.Address{Host: "127.0.0.1", Port: 0},
		Join: join,
		DB:   openTestDB(t),
	})
	require.NoError(t, err)

	addr := srv.Addr().(*net.TCPAddr)
	self := frame.Address{Host: "127.0.0.1", Port: uint16(addr.Port)}
	srv.cfg.Self = self

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return srv, self
}

func dial(t *testing.T, addr frame.Address) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", net.JoinHostPort(addr.Host, strconv.Itoa(int(addr.Port))))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestClientWriteThenReadRoundTrip(t *testing.T) {
	_, addr := startTestServer(t, nil)
	conn := dial(t, addr)

	require.NoError(t, frame.WriteFrame(conn, frame.TypeWriteReq, frame.EncodeWriteReq([]byte("k"), []byte("v"))))
	typ, payload, err := frame.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, frame.TypeWriteResp, typ)
	status, err := frame.DecodeWriteResp(payload)
	require.NoError(t, err)
	assert.Equal(t, frame.WriteRespOK, status)

	require.NoError(t, frame.WriteFrame(conn, frame.TypeReadReq, frame.EncodeReadReq([]byte("k"))))
	typ, payload, err = frame.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, frame.TypeReadResp, typ)
	resp, err := frame.DecodeReadResp(payload)
	require.NoError(t, err)
	require.True(t, resp.Hit)
	assert.Equal(t, []byte("v"), resp.Value)
}

func TestClientReadMissOnUnknownKey(t *testing.T) {
	_, addr := startTestServer(t, nil)
	conn := dial(t, addr)

	require.NoError(t, frame.WriteFrame(conn, frame.TypeReadReq, frame.EncodeReadReq([]byte("absent"))))
	typ, payload, err := frame.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, frame.TypeReadResp, typ)
	resp, err := frame.DecodeReadResp(payload)
	require.NoError(t, err)
	assert.False(t, resp.Hit)
}

func TestPeerIdentifyIsGossipedAsPeerSession(t *testing.T) {
	srvA, addrA := startTestServer(t, nil)
	join := addrA
	srvB, _ := startTestServer(t, &join)

	require.Eventually(t, func() bool {
		return len(srvA.PeerAddrs()) >= 1 && len(srvB.PeerAddrs()) >= 1
	}, 2*time.Second, 20*time.Millisecond, "A and B should identify each other as server peers")
}

func TestBroadcastPropagatesWriteWithOriginClock(t *testing.T) {
	srvA, addrA := startTestServer(t, nil)
	join := addrA
	srvB, _ := startTestServer(t, &join)

	require.Eventually(t, func() bool {
		return len(srvA.PeerAddrs()) >= 1 && len(srvB.PeerAddrs()) >= 1
	}, 2*time.Second, 20*time.Millisecond)

	clock, err := srvA.db.Insert([]byte("gossiped"), []byte("hello"), hlc.HLC{})
	require.NoError(t, err)
	srvA.Broadcast([]byte("gossiped"), []byte("hello"), clock)

	require.Eventually(t, func() bool {
		_, _, ok := srvB.db.Find([]byte("gossiped"))
		return ok
	}, 2*time.Second, 20*time.Millisecond, "B should have applied A's gossiped write")

	value, _, ok := srvB.db.Find([]byte("gossiped"))
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), value)
}
