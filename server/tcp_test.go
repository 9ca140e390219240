package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carloslauriano/simpleMailbox/client"
	"github.com/carloslauriano/simpleMailbox/config"
	"github.com/carloslauriano/simpleMailbox/protocol"
	"github.com/carloslauriano/simpleMailbox/storage"
)

type testServer struct {
	srv     *Server
	store   *storage.Directory
	metrics *Metrics
	addr    string
}

func startServer(t *testing.T) *testServer {
	t.Helper()

	store := storage.NewDirectory(1000)
	metrics := NewMetrics(prometheus.NewRegistry(), store)
	srv := NewServer(config.ServerConfig{MaxFieldBytes: 1024}, store, metrics)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(l) }()

	t.Cleanup(func() {
		require.NoError(t, srv.Close())
		select {
		case err := <-done:
			assert.ErrorIs(t, err, ErrServerClosed)
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return after Close")
		}
	})

	return &testServer{srv: srv, store: store, metrics: metrics, addr: l.Addr().String()}
}

func dial(t *testing.T, addr string) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, addr)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestServerMailboxSequence(t *testing.T) {
	ts := startServer(t)
	c := dial(t, ts.addr)

	alice, err := c.CreateAccount("alice")
	require.NoError(t, err)
	bob, err := c.CreateAccount("bob")
	require.NoError(t, err)

	require.NoError(t, c.SendMessage(alice, "bob", "hi"))

	inbox, err := c.ShowInbox(bob)
	require.NoError(t, err)
	assert.Equal(t, "0. from: alice*", inbox)

	view, err := c.ReadMessage(bob, 0)
	require.NoError(t, err)
	assert.Equal(t, "(alice) hi", view)

	inbox, err = c.ShowInbox(bob)
	require.NoError(t, err)
	assert.Equal(t, "0. from: alice", inbox)

	require.NoError(t, c.DeleteMessage(bob, 0))

	_, err = c.ReadMessage(bob, 0)
	var replyErr *client.ReplyError
	require.ErrorAs(t, err, &replyErr)
	assert.Equal(t, protocol.ReplyMessageNotFound, replyErr.Reply)

	list, err := c.ListAccounts(alice)
	require.NoError(t, err)
	assert.Equal(t, "1. alice\n2. bob", list)

	require.NoError(t, c.Quit())
}

func TestServerReplyErrors(t *testing.T) {
	ts := startServer(t)
	c := dial(t, ts.addr)

	alice, err := c.CreateAccount("alice")
	require.NoError(t, err)

	_, err = c.CreateAccount("alice")
	var replyErr *client.ReplyError
	require.ErrorAs(t, err, &replyErr)
	assert.Equal(t, protocol.ReplyDuplicateUsername, replyErr.Reply)

	err = c.SendMessage(alice, "nonexistent", "hi")
	require.ErrorAs(t, err, &replyErr)
	assert.Equal(t, protocol.ReplyUserNotFound, replyErr.Reply)

	err = c.SendMessage(9999, "alice", "hi")
	require.ErrorAs(t, err, &replyErr)
	assert.Equal(t, protocol.ReplyInvalidToken, replyErr.Reply)

	reply, err := c.Do("8")
	require.NoError(t, err)
	assert.Equal(t, protocol.ReplyInvalidFunctionCode, reply)

	reply, err = c.Do("4", "not-a-token")
	require.NoError(t, err)
	assert.Equal(t, protocol.ReplyInvalidArgument, reply)
}

func TestServerDisconnectClosesConnection(t *testing.T) {
	ts := startServer(t)

	conn, err := net.Dial("tcp", ts.addr)
	require.NoError(t, err)
	defer conn.Close()

	w := protocol.NewWriter(conn)
	r := protocol.NewReader(conn, 0)

	require.NoError(t, w.WriteFrame("0"))
	frame, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, []string{protocol.ReplyGoodbye}, frame)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = r.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
}

func TestServerOversizedFieldKeepsConnection(t *testing.T) {
	ts := startServer(t)
	c := dial(t, ts.addr)

	alice, err := c.CreateAccount("alice")
	require.NoError(t, err)

	reply, err := c.Do("3", fmt.Sprint(alice), "alice", strings.Repeat("x", 4096))
	require.NoError(t, err)
	assert.Equal(t, protocol.ReplyInvalidArgument, reply)

	inbox, err := c.ShowInbox(alice)
	require.NoError(t, err)
	assert.Equal(t, storage.NoMessages, inbox)
}

func TestServerTooManyFieldsKeepsConnection(t *testing.T) {
	ts := startServer(t)
	c := dial(t, ts.addr)

	fields := make([]string, protocol.MaxFrameFields+1)
	for i := range fields {
		fields[i] = "1"
	}
	reply, err := c.Do(fields...)
	require.NoError(t, err)
	assert.Equal(t, protocol.ReplyInvalidArgument, reply)

	_, err = c.CreateAccount("alice")
	require.NoError(t, err)
}

func TestServerAbruptDisconnectIsIsolated(t *testing.T) {
	ts := startServer(t)
	healthy := dial(t, ts.addr)

	broken, err := net.Dial("tcp", ts.addr)
	require.NoError(t, err)
	// cabeçalho anuncia dois campos e a conexão cai no meio do primeiro
	_, err = broken.Write([]byte{0x00, 0x02, 0x00, 0x00, 0x00, 0x05, '1'})
	require.NoError(t, err)
	require.NoError(t, broken.Close())

	tok, err := healthy.CreateAccount("survivor")
	require.NoError(t, err)
	list, err := healthy.ListAccounts(tok)
	require.NoError(t, err)
	assert.Equal(t, "1. survivor", list)

	again := dial(t, ts.addr)
	_, err = again.CreateAccount("late_joiner")
	require.NoError(t, err)
}

func TestServerConcurrentClients(t *testing.T) {
	ts := startServer(t)
	hub := dial(t, ts.addr)
	hubToken, err := hub.CreateAccount("hub")
	require.NoError(t, err)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			c, err := client.Dial(ctx, ts.addr)
			if !assert.NoError(t, err) {
				return
			}
			defer c.Close()

			tok, err := c.CreateAccount(fmt.Sprintf("user_%d", i))
			if !assert.NoError(t, err) {
				return
			}
			for j := 0; j < 5; j++ {
				assert.NoError(t, c.SendMessage(tok, "hub", fmt.Sprintf("%d-%d", i, j)))
			}
			assert.NoError(t, c.Quit())
		}(i)
	}
	wg.Wait()

	inbox, err := ts.store.Inbox(hubToken)
	require.NoError(t, err)
	assert.Len(t, inbox, n*5)
	assert.Len(t, ts.store.ListAccounts(), n+1)
}

func TestServerWithoutMetrics(t *testing.T) {
	srv := NewServer(config.ServerConfig{}, storage.NewDirectory(1000), nil)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(l) }()
	defer func() {
		require.NoError(t, srv.Close())
		assert.ErrorIs(t, <-done, ErrServerClosed)
	}()

	c := dial(t, l.Addr().String())
	tok, err := c.CreateAccount("alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), tok)
	require.NoError(t, c.Quit())
}

func TestServerMetrics(t *testing.T) {
	ts := startServer(t)
	c := dial(t, ts.addr)

	tok, err := c.CreateAccount("alice")
	require.NoError(t, err)
	require.NoError(t, c.SendMessage(tok, "alice", "hello"))
	_, err = c.CreateAccount("alice")
	require.Error(t, err)
	_, err = c.Do("banana")
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.requests.WithLabelValues("1", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.requests.WithLabelValues("1", "duplicate_username")))
	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.requests.WithLabelValues("3", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.requests.WithLabelValues("invalid", "invalid_function_code")))
	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.connections))
	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.active))

	require.NoError(t, c.Quit())
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(ts.metrics.active) == 0
	}, 5*time.Second, 10*time.Millisecond)
}
