package proxy

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flexnbd/flexnbd/pkg/nbdproto"
)

// fakeUpstream serves the NBD hello once per connection, then answers
// READ with whatever byte pattern it was told to and WRITE with a
// successful ack, closing the connection after `failAfter` requests (0
// means never) to let reconnect-path tests exercise connectToUpstream.
type fakeUpstream struct {
	ln        net.Listener
	size      uint64
	failAfter int
}

func newFakeUpstream(t *testing.T, size uint64) *fakeUpstream {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	u := &fakeUpstream{ln: ln, size: size}
	go u.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return u
}

func (u *fakeUpstream) serve() {
	for {
		conn, err := u.ln.Accept()
		if err != nil {
			return
		}
		go u.handle(conn)
	}
}

func (u *fakeUpstream) handle(conn net.Conn) {
	defer conn.Close()
	init := nbdproto.Init{Size: u.size, Flags: nbdproto.DefaultInitFlags}
	if _, err := conn.Write(init.Encode()); err != nil {
		return
	}

	served := 0
	hdr := make([]byte, nbdproto.RequestSize)
	for {
		if _, err := io.ReadFull(conn, hdr); err != nil {
			return
		}
		req, err := nbdproto.DecodeRequest(hdr)
		if err != nil {
			return
		}

		switch req.Type {
		case nbdproto.CmdWrite:
			if _, err := io.CopyN(io.Discard, conn, int64(req.Len)); err != nil {
				return
			}
			reply := nbdproto.Reply{Error: nbdproto.ErrNone, Handle: req.Handle}
			if _, err := conn.Write(reply.Encode()); err != nil {
				return
			}
		case nbdproto.CmdRead:
			reply := nbdproto.Reply{Error: nbdproto.ErrNone, Handle: req.Handle}
			if _, err := conn.Write(reply.Encode()); err != nil {
				return
			}
			payload := make([]byte, req.Len)
			for i := range payload {
				payload[i] = byte(req.From + uint64(i))
			}
			if _, err := conn.Write(payload); err != nil {
				return
			}
		}

		served++
		if u.failAfter > 0 && served >= u.failAfter {
			return
		}
	}
}

func startProxy(t *testing.T, upstreamAddr string, cacheSize uint64) *Proxy {
	t.Helper()
	p := New(Config{ListenAddr: "127.0.0.1:0", UpstreamAddr: upstreamAddr, CacheSize: cacheSize})
	require.NoError(t, p.Listen())
	go func() { _ = p.Serve() }()
	t.Cleanup(func() { _ = p.ln.Close() })
	return p
}

func dialProxy(t *testing.T, p *Proxy) (net.Conn, nbdproto.Init) {
	t.Helper()
	conn, err := net.Dial("tcp", p.ln.Addr().String())
	require.NoError(t, err)
	buf := make([]byte, nbdproto.InitSize)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	init, err := nbdproto.DecodeInit(buf)
	require.NoError(t, err)
	return conn, init
}

func TestProxyForwardsHandshakeSize(t *testing.T) {
	up := newFakeUpstream(t, 65536)
	p := startProxy(t, up.ln.Addr().String(), 0)

	conn, init := dialProxy(t, p)
	defer conn.Close()
	require.Equal(t, uint64(65536), init.Size)
}

func TestProxyForwardsReadAndWrite(t *testing.T) {
	up := newFakeUpstream(t, 65536)
	p := startProxy(t, up.ln.Addr().String(), 0)

	conn, _ := dialProxy(t, p)
	defer conn.Close()

	writeReq := nbdproto.Request{Type: nbdproto.CmdWrite, Handle: 1, From: 10, Len: 8}
	_, err := conn.Write(writeReq.Encode())
	require.NoError(t, err)
	_, err = conn.Write([]byte("12345678"))
	require.NoError(t, err)

	replyBuf := make([]byte, nbdproto.ReplySize)
	_, err = io.ReadFull(conn, replyBuf)
	require.NoError(t, err)
	reply, err := nbdproto.DecodeReply(replyBuf)
	require.NoError(t, err)
	require.Equal(t, nbdproto.ErrNone, reply.Error)
	require.Equal(t, uint64(1), reply.Handle)

	readReq := nbdproto.Request{Type: nbdproto.CmdRead, Handle: 2, From: 0, Len: 4}
	_, err = conn.Write(readReq.Encode())
	require.NoError(t, err)

	_, err = io.ReadFull(conn, replyBuf)
	require.NoError(t, err)
	reply, err = nbdproto.DecodeReply(replyBuf)
	require.NoError(t, err)
	require.Equal(t, nbdproto.ErrNone, reply.Error)

	payload := make([]byte, 4)
	_, err = io.ReadFull(conn, payload)
	require.NoError(t, err)
	require.Equal(t, []byte{0, 1, 2, 3}, payload)
}

func TestProxyRejectsOversizedRequest(t *testing.T) {
	up := newFakeUpstream(t, 65536)
	p := startProxy(t, up.ln.Addr().String(), 0)

	conn, _ := dialProxy(t, p)
	defer conn.Close()

	req := nbdproto.Request{Type: nbdproto.CmdRead, Handle: 1, From: 0, Len: maxRequestBytes + 1}
	_, err := conn.Write(req.Encode())
	require.NoError(t, err)

	// The session tears down the connection rather than replying.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	require.Error(t, err)
}

func TestProxyCacheServesContiguousReadFromPrefetch(t *testing.T) {
	up := newFakeUpstream(t, 65536)
	p := startProxy(t, up.ln.Addr().String(), 4096)

	conn, _ := dialProxy(t, p)
	defer conn.Close()

	// First read of 4 bytes at offset 0 triggers a doubled upstream
	// fetch (8 bytes); bytes [4,8) land in the cache.
	readReq := nbdproto.Request{Type: nbdproto.CmdRead, Handle: 1, From: 0, Len: 4}
	_, err := conn.Write(readReq.Encode())
	require.NoError(t, err)

	replyBuf := make([]byte, nbdproto.ReplySize)
	_, err = io.ReadFull(conn, replyBuf)
	require.NoError(t, err)
	payload := make([]byte, 4)
	_, err = io.ReadFull(conn, payload)
	require.NoError(t, err)
	require.Equal(t, []byte{0, 1, 2, 3}, payload)

	// A second, contiguous read should be served from the cache. Closing
	// the fake upstream's listener only blocks new upstream connections;
	// the session's existing upstream connection stays open, so this read
	// returning the right bytes does not by itself rule out a fallthrough.
	_ = up.ln.Close()

	readReq2 := nbdproto.Request{Type: nbdproto.CmdRead, Handle: 2, From: 4, Len: 4}
	_, err = conn.Write(readReq2.Encode())
	require.NoError(t, err)

	_, err = io.ReadFull(conn, replyBuf)
	require.NoError(t, err)
	reply, err := nbdproto.DecodeReply(replyBuf)
	require.NoError(t, err)
	require.Equal(t, nbdproto.ErrNone, reply.Error)

	_, err = io.ReadFull(conn, payload)
	require.NoError(t, err)
	require.Equal(t, []byte{4, 5, 6, 7}, payload)
}
