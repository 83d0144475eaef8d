package ipc

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

var testSnapshot = Snapshot{
	Uptime: 42 * time.Second,
	Workers: []WorkerStatus{
		{ID: 0, Running: true, Conns: 3},
		{ID: 1, Running: false, Conns: 0},
	},
	NextID: 17,
	Routes: []RouteStats{
		{Name: "GET /", Count: 10, Errors: 0, Total: time.Second, Min: time.Millisecond, Max: 200 * time.Millisecond,
			Latency: []uint64{0, 4, 3, 0, 2, 1, 0, 0}},
		{Name: "POST /", Count: 2, Errors: 1, Total: time.Millisecond, Min: 100, Max: 900},
	},
}

// socketPath stays under the 108 byte sun_path limit
func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "ipc")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "s.sock")
}

func startServer(t *testing.T, src StatusSource) (*Server, string) {
	t.Helper()
	path := socketPath(t)
	ln, err := Listen(path)
	require.NoError(t, err)

	srv := NewServer(src, WithTimeout(time.Second))
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		assert.NoError(t, srv.Shutdown(ctx))
		if err := <-done; err != nil {
			assert.ErrorIs(t, err, ErrServerClosed)
		}
	})
	return srv, path
}

func TestAppendStatusLayout(t *testing.T) {
	b := AppendStatus(nil, testSnapshot)
	require.Len(t, b, StatusHeaderSize+2*WorkerRecordSize)

	le := binary.LittleEndian
	assert.Equal(t, uint64(42), le.Uint64(b[0:]))
	assert.Equal(t, uint32(2), le.Uint32(b[8:]))

	w0 := b[StatusHeaderSize:]
	assert.Equal(t, uint64(0), le.Uint64(w0))
	assert.Equal(t, byte(1), w0[8])
	assert.Equal(t, uint64(3), le.Uint64(w0[9:]))

	w1 := b[StatusHeaderSize+WorkerRecordSize:]
	assert.Equal(t, uint64(1), le.Uint64(w1))
	assert.Equal(t, byte(0), w1[8])
}

func TestReadStatus(t *testing.T) {
	got, err := ReadStatus(bytes.NewReader(AppendStatus(nil, testSnapshot)))
	require.NoError(t, err)
	assert.Equal(t, testSnapshot.Uptime, got.Uptime)
	assert.Equal(t, testSnapshot.Workers, got.Workers)
}

func TestReadStatusTruncated(t *testing.T) {
	b := AppendStatus(nil, testSnapshot)
	_, err := ReadStatus(bytes.NewReader(b[:len(b)-1]))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReadStatusTooManyWorkers(t *testing.T) {
	var b []byte
	b = binary.LittleEndian.AppendUint64(b, 1)
	b = binary.LittleEndian.AppendUint32(b, MaxWorkers+1)
	_, err := ReadStatus(bytes.NewReader(b))
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestWireSnapshot(t *testing.T) {
	got, err := UnmarshalWire(MarshalWire(testSnapshot))
	require.NoError(t, err)
	assert.Equal(t, testSnapshot, got)
}

func TestWireSkipsUnknownFields(t *testing.T) {
	b := MarshalWire(Snapshot{NextID: 5})
	b = protowire.AppendTag(b, 99, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, 7)
	b = protowire.AppendTag(b, 100, protowire.BytesType)
	b = protowire.AppendString(b, "later")

	got, err := UnmarshalWire(b)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), got.NextID)
}

func TestWireMalformedLatency(t *testing.T) {
	var route []byte
	route = protowire.AppendTag(route, 7, protowire.BytesType)
	route = protowire.AppendBytes(route, []byte{0x80})
	var b []byte
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, route)

	_, err := UnmarshalWire(b)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestWireMalformed(t *testing.T) {
	b := MarshalWire(testSnapshot)
	_, err := UnmarshalWire(b[:len(b)-3])
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestClientStatus(t *testing.T) {
	_, path := startServer(t, StatusFunc(func() Snapshot { return testSnapshot }))

	c, err := Dial(path)
	require.NoError(t, err)
	defer c.Close()

	snap, err := c.Status()
	require.NoError(t, err)
	assert.Equal(t, testSnapshot.Uptime, snap.Uptime)
	assert.Equal(t, testSnapshot.Workers, snap.Workers)
	assert.Zero(t, snap.NextID, "packed status has no storage fields")

	// same connection, second request
	snap, err = c.StatusWire()
	require.NoError(t, err)
	assert.Equal(t, testSnapshot, snap)
}

func TestServerReflectsCurrentState(t *testing.T) {
	var workers uint64
	_, path := startServer(t, StatusFunc(func() Snapshot {
		workers++
		return Snapshot{Workers: make([]WorkerStatus, workers)}
	}))

	c, err := Dial(path)
	require.NoError(t, err)
	defer c.Close()

	for want := 1; want <= 3; want++ {
		snap, err := c.Status()
		require.NoError(t, err)
		assert.Len(t, snap.Workers, want)
	}
}

func TestServerDropsUnknownCommand(t *testing.T) {
	_, path := startServer(t, StatusFunc(func() Snapshot { return testSnapshot }))

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	_, err = conn.Write(Request{Command: 7}.Encode())
	require.NoError(t, err)

	n, err := conn.Read(make([]byte, 16))
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.EOF)
}

func TestServerDropsShortRequest(t *testing.T) {
	_, path := startServer(t, StatusFunc(func() Snapshot { return testSnapshot }))

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	_, err = conn.Write([]byte{0, 0, 0})
	require.NoError(t, err)
	require.NoError(t, conn.(*net.UnixConn).CloseWrite())

	n, err := conn.Read(make([]byte, 16))
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.EOF)
}

func TestShutdownClosesClients(t *testing.T) {
	path := socketPath(t)
	ln, err := Listen(path)
	require.NoError(t, err)

	srv := NewServer(StatusFunc(func() Snapshot { return testSnapshot }))
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()

	c, err := Dial(path)
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Status()
	require.NoError(t, err)

	require.NoError(t, srv.Shutdown(context.Background()))
	require.NoError(t, <-done)

	_, err = c.Status()
	assert.Error(t, err)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "socket file should be unlinked")

	assert.ErrorIs(t, srv.Serve(ln), ErrServerClosed)
}

func TestClientClosed(t *testing.T) {
	_, path := startServer(t, StatusFunc(func() Snapshot { return testSnapshot }))

	c, err := Dial(path)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err = c.Status()
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestDialMissingSocket(t *testing.T) {
	_, err := Dial(socketPath(t))
	assert.Error(t, err)
}
