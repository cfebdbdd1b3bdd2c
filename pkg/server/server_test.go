package server

import (
	"context"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flexnbd/flexnbd/pkg/alloc"
	"github.com/flexnbd/flexnbd/pkg/nbdproto"
)

// emptyExtentor reports nothing allocated, so tests can observe the
// sparse-write path's own allocation marking instead of starting from
// WholeFileExtentor's conservative everything-allocated state.
type emptyExtentor struct{}

func (emptyExtentor) Extents(_ context.Context, _, _ uint64) ([]alloc.Extent, error) {
	return nil, nil
}

func newTestServer(t *testing.T, size int, aclEntries []string, defaultDeny bool) (*Server, string) {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "backing")
	require.NoError(t, err)
	require.NoError(t, f.Truncate(int64(size)))
	require.NoError(t, f.Close())

	srv, err := New(Config{
		Addr:              "127.0.0.1",
		Port:              0,
		FilePath:          f.Name(),
		ACLEntries:        aclEntries,
		DefaultDeny:       defaultDeny,
		HasControlAtStart: true,
	})
	require.NoError(t, err)
	return srv, f.Name()
}

func startServing(t *testing.T, srv *Server) (ctx context.Context, cancel context.CancelFunc) {
	t.Helper()
	ctx, cancel = context.WithCancel(context.Background())
	require.NoError(t, srv.Listen(ctx))
	go func() { _ = srv.Serve(ctx) }()
	// Give the allocation-map builder goroutine a moment; tests don't
	// depend on it completing, only on the listener being up.
	time.Sleep(10 * time.Millisecond)
	return ctx, cancel
}

func dial(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	buf := make([]byte, nbdproto.InitSize)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	_, err = nbdproto.DecodeInit(buf)
	require.NoError(t, err)
	return conn
}

func TestHandshakeAdvertisesSize(t *testing.T) {
	srv, _ := newTestServer(t, 8192, nil, false)
	_, cancel := startServing(t, srv)
	defer cancel()

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	buf := make([]byte, nbdproto.InitSize)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	init, err := nbdproto.DecodeInit(buf)
	require.NoError(t, err)
	require.Equal(t, uint64(8192), init.Size)
}

func TestReadWriteRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t, 8192, nil, false)
	_, cancel := startServing(t, srv)
	defer cancel()

	conn := dial(t, srv)
	defer conn.Close()

	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = byte(i)
	}

	writeReq := nbdproto.Request{Type: nbdproto.CmdWrite, Handle: 1, From: 1024, Len: uint32(len(payload))}
	_, err := conn.Write(writeReq.Encode())
	require.NoError(t, err)
	_, err = conn.Write(payload)
	require.NoError(t, err)

	replyBuf := make([]byte, nbdproto.ReplySize)
	_, err = io.ReadFull(conn, replyBuf)
	require.NoError(t, err)
	reply, err := nbdproto.DecodeReply(replyBuf)
	require.NoError(t, err)
	require.Equal(t, nbdproto.ErrNone, reply.Error)

	readReq := nbdproto.Request{Type: nbdproto.CmdRead, Handle: 2, From: 1024, Len: uint32(len(payload))}
	_, err = conn.Write(readReq.Encode())
	require.NoError(t, err)

	_, err = io.ReadFull(conn, replyBuf)
	require.NoError(t, err)
	reply, err = nbdproto.DecodeReply(replyBuf)
	require.NoError(t, err)
	require.Equal(t, nbdproto.ErrNone, reply.Error)

	got := make([]byte, len(payload))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestOutOfRangeReadReturnsENOSPC(t *testing.T) {
	srv, _ := newTestServer(t, 8192, nil, false)
	_, cancel := startServing(t, srv)
	defer cancel()

	conn := dial(t, srv)
	defer conn.Close()

	req := nbdproto.Request{Type: nbdproto.CmdRead, Handle: 9, From: 8000, Len: 1024}
	_, err := conn.Write(req.Encode())
	require.NoError(t, err)

	replyBuf := make([]byte, nbdproto.ReplySize)
	_, err = io.ReadFull(conn, replyBuf)
	require.NoError(t, err)
	reply, err := nbdproto.DecodeReply(replyBuf)
	require.NoError(t, err)
	require.Equal(t, nbdproto.ErrENOSPC, reply.Error)
}

func TestOutOfRangeWriteDiscardsPayloadAndReturnsENOSPC(t *testing.T) {
	srv, _ := newTestServer(t, 8192, nil, false)
	_, cancel := startServing(t, srv)
	defer cancel()

	conn := dial(t, srv)
	defer conn.Close()

	payload := make([]byte, 1024)
	req := nbdproto.Request{Type: nbdproto.CmdWrite, Handle: 3, From: 8000, Len: uint32(len(payload))}
	_, err := conn.Write(req.Encode())
	require.NoError(t, err)
	_, err = conn.Write(payload)
	require.NoError(t, err)

	replyBuf := make([]byte, nbdproto.ReplySize)
	_, err = io.ReadFull(conn, replyBuf)
	require.NoError(t, err)
	reply, err := nbdproto.DecodeReply(replyBuf)
	require.NoError(t, err)
	require.Equal(t, nbdproto.ErrENOSPC, reply.Error)

	// The connection must still be usable: a follow-up in-range request
	// proves the oversized payload was fully drained, not left on the wire.
	readReq := nbdproto.Request{Type: nbdproto.CmdRead, Handle: 4, From: 0, Len: 16}
	_, err = conn.Write(readReq.Encode())
	require.NoError(t, err)
	_, err = io.ReadFull(conn, replyBuf)
	require.NoError(t, err)
	reply, err = nbdproto.DecodeReply(replyBuf)
	require.NoError(t, err)
	require.Equal(t, nbdproto.ErrNone, reply.Error)
}

func TestBadMagicDisconnects(t *testing.T) {
	srv, _ := newTestServer(t, 8192, nil, false)
	_, cancel := startServing(t, srv)
	defer cancel()

	conn := dial(t, srv)
	defer conn.Close()

	garbage := make([]byte, nbdproto.RequestSize)
	_, err := conn.Write(garbage)
	require.NoError(t, err)

	replyBuf := make([]byte, nbdproto.ReplySize)
	_, err = io.ReadFull(conn, replyBuf)
	require.NoError(t, err)
	reply, err := nbdproto.DecodeReply(replyBuf)
	require.NoError(t, err)
	require.Equal(t, nbdproto.ErrEBADMSG, reply.Error)

	// The server closes the connection after a bad-magic reply.
	_, err = conn.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
}

func TestDisconnectCommandClosesCleanly(t *testing.T) {
	srv, _ := newTestServer(t, 8192, nil, false)
	_, cancel := startServing(t, srv)
	defer cancel()

	conn := dial(t, srv)
	defer conn.Close()

	req := nbdproto.Request{Type: nbdproto.CmdDisconnect, Handle: 1}
	_, err := conn.Write(req.Encode())
	require.NoError(t, err)

	_, err = conn.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
}

func TestACLDeniesUnlistedPeerAtAccept(t *testing.T) {
	srv, _ := newTestServer(t, 8192, []string{"10.0.0.0/8"}, true)
	_, cancel := startServing(t, srv)
	defer cancel()

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	// 127.0.0.1 is not within 10.0.0.0/8, so the server writes a denial
	// message and closes without ever sending an NBD hello.
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Contains(t, string(buf[:n]), "Access denied")
}

func TestACLReplaceClosesNoLongerAdmittedClients(t *testing.T) {
	srv, _ := newTestServer(t, 8192, nil, true) // default-deny empty ACL denies everyone...
	require.NoError(t, srv.ReplaceACL([]string{"127.0.0.1/32"}, true))
	_, cancel := startServing(t, srv)
	defer cancel()

	conn := dial(t, srv)
	defer conn.Close()
	require.Equal(t, 1, srv.NumClients())

	// Narrow the ACL so 127.0.0.1 is no longer admitted; the accept loop
	// must close the now-disallowed client within one wakeup.
	require.NoError(t, srv.ReplaceACL([]string{"10.0.0.0/8"}, true))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if srv.NumClients() == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, 0, srv.NumClients())

	_, err := conn.Read(make([]byte, 1))
	require.Error(t, err)
}

func TestACLReplaceLeavesStillAdmittedClientConnected(t *testing.T) {
	srv, _ := newTestServer(t, 8192, []string{"127.0.0.1/32"}, true)
	_, cancel := startServing(t, srv)
	defer cancel()

	conn := dial(t, srv)
	defer conn.Close()
	require.Equal(t, 1, srv.NumClients())

	// Replace the ACL with an equivalent list; 127.0.0.1 is still
	// admitted, so the client must see no stop signal.
	require.NoError(t, srv.ReplaceACL([]string{"127.0.0.1/32"}, true))
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, srv.NumClients())

	req := nbdproto.Request{Type: nbdproto.CmdFlush, Handle: 1}
	_, err := conn.Write(req.Encode())
	require.NoError(t, err)
	replyBuf := make([]byte, nbdproto.ReplySize)
	_, err = io.ReadFull(conn, replyBuf)
	require.NoError(t, err)
}

func TestSparseWriteOnlyMarksAllocatedOnNonZeroBytes(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "backing")
	require.NoError(t, err)
	require.NoError(t, f.Truncate(8192))
	require.NoError(t, f.Close())

	srv, err := New(Config{
		Addr:              "127.0.0.1",
		Port:              0,
		FilePath:          f.Name(),
		HasControlAtStart: true,
		Extentor:          emptyExtentor{},
	})
	require.NoError(t, err)
	_, cancel := startServing(t, srv)
	defer cancel()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !srv.AllocationMapBuilt() {
		time.Sleep(time.Millisecond)
	}
	require.True(t, srv.AllocationMapBuilt())
	require.False(t, srv.AllocBitset().IsSetAt(0))

	conn := dial(t, srv)
	defer conn.Close()

	zeros := make([]byte, 4096)
	req := nbdproto.Request{Type: nbdproto.CmdWrite, Handle: 1, From: 0, Len: uint32(len(zeros))}
	_, err = conn.Write(req.Encode())
	require.NoError(t, err)
	_, err = conn.Write(zeros)
	require.NoError(t, err)

	replyBuf := make([]byte, nbdproto.ReplySize)
	_, err = io.ReadFull(conn, replyBuf)
	require.NoError(t, err)
	reply, err := nbdproto.DecodeReply(replyBuf)
	require.NoError(t, err)
	require.Equal(t, nbdproto.ErrNone, reply.Error)
	require.False(t, srv.AllocBitset().IsSetAt(0), "an all-zero write to an unallocated block must not mark it allocated")

	nonZero := make([]byte, 4096)
	for i := range nonZero {
		nonZero[i] = 0xBB
	}
	req2 := nbdproto.Request{Type: nbdproto.CmdWrite, Handle: 2, From: 4096, Len: uint32(len(nonZero))}
	_, err = conn.Write(req2.Encode())
	require.NoError(t, err)
	_, err = conn.Write(nonZero)
	require.NoError(t, err)
	_, err = io.ReadFull(conn, replyBuf)
	require.NoError(t, err)
	reply, err = nbdproto.DecodeReply(replyBuf)
	require.NoError(t, err)
	require.Equal(t, nbdproto.ErrNone, reply.Error)
	require.True(t, srv.AllocBitset().IsSetAt(4096), "a non-zero write to an unallocated block must mark it allocated")
}

func TestScenario1SparseWriteAndReadBack(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "backing")
	require.NoError(t, err)
	require.NoError(t, f.Truncate(8192))
	require.NoError(t, f.Close())

	srv, err := New(Config{
		Addr:              "127.0.0.1",
		Port:              0,
		FilePath:          f.Name(),
		HasControlAtStart: true,
		Extentor:          emptyExtentor{},
	})
	require.NoError(t, err)
	_, cancel := startServing(t, srv)
	defer cancel()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !srv.AllocationMapBuilt() {
		time.Sleep(time.Millisecond)
	}
	require.True(t, srv.AllocationMapBuilt())

	conn := dial(t, srv)
	defer conn.Close()

	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = 0xFF
	}
	req := nbdproto.Request{Type: nbdproto.CmdWrite, Handle: 1, From: 0, Len: uint32(len(payload))}
	_, err = conn.Write(req.Encode())
	require.NoError(t, err)
	_, err = conn.Write(payload)
	require.NoError(t, err)

	replyBuf := make([]byte, nbdproto.ReplySize)
	_, err = io.ReadFull(conn, replyBuf)
	require.NoError(t, err)

	readReq := nbdproto.Request{Type: nbdproto.CmdRead, Handle: 2, From: 0, Len: 8192}
	_, err = conn.Write(readReq.Encode())
	require.NoError(t, err)
	_, err = io.ReadFull(conn, replyBuf)
	require.NoError(t, err)

	got := make([]byte, 8192)
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)

	for i := 0; i < 4096; i++ {
		require.Equal(t, byte(0xFF), got[i])
	}
	for i := 4096; i < 8192; i++ {
		require.Equal(t, byte(0), got[i])
	}
	require.True(t, srv.AllocBitset().IsSetAt(0))
	require.False(t, srv.AllocBitset().IsSetAt(4096))
}

func TestFlushRunsWithoutError(t *testing.T) {
	srv, _ := newTestServer(t, 8192, nil, false)
	_, cancel := startServing(t, srv)
	defer cancel()

	conn := dial(t, srv)
	defer conn.Close()

	req := nbdproto.Request{Type: nbdproto.CmdFlush, Handle: 7}
	_, err := conn.Write(req.Encode())
	require.NoError(t, err)

	replyBuf := make([]byte, nbdproto.ReplySize)
	_, err = io.ReadFull(conn, replyBuf)
	require.NoError(t, err)
	reply, err := nbdproto.DecodeReply(replyBuf)
	require.NoError(t, err)
	require.Equal(t, nbdproto.ErrNone, reply.Error)
}

func TestUnknownCommandReturnsEINVAL(t *testing.T) {
	srv, _ := newTestServer(t, 8192, nil, false)
	_, cancel := startServing(t, srv)
	defer cancel()

	conn := dial(t, srv)
	defer conn.Close()

	req := nbdproto.Request{Type: 99, Handle: 5}
	_, err := conn.Write(req.Encode())
	require.NoError(t, err)

	replyBuf := make([]byte, nbdproto.ReplySize)
	_, err = io.ReadFull(conn, replyBuf)
	require.NoError(t, err)
	reply, err := nbdproto.DecodeReply(replyBuf)
	require.NoError(t, err)
	require.Equal(t, nbdproto.ErrEINVAL, reply.Error)
}

func TestHasControlGatesShutdown(t *testing.T) {
	srv, err := New(Config{Addr: "127.0.0.1", FilePath: "/nonexistent"})
	require.NoError(t, err)
	require.False(t, srv.HasControl())
	require.Error(t, srv.Shutdown(), "shutdown without control must report failure")
	srv.SetHasControl(true)
	require.True(t, srv.HasControl())
	require.NoError(t, srv.Shutdown())
}

func TestIncompleteFileWrittenWhenStartingWithoutControl(t *testing.T) {
	srv, path := newTestServer(t, 4096, nil, false)
	srv.cfg.HasControlAtStart = false
	srv.hasControl = false
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, srv.Listen(ctx))
	defer srv.Shutdown()

	_, err := os.Stat(path + ".INCOMPLETE")
	require.NoError(t, err)

	srv.SetHasControl(true)
	_, err = os.Stat(path + ".INCOMPLETE")
	require.True(t, os.IsNotExist(err))
}
