package client

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carloslauriano/simpleMailbox/protocol"
)

// fakeServer responde a cada quadro recebido com reply(quadro)
func fakeServer(t *testing.T, reply func([]string) []string) (*Client, <-chan []string) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() {
		clientConn.Close()
		serverConn.Close()
	})

	seen := make(chan []string, 16)
	go func() {
		r := protocol.NewReader(serverConn, 0)
		w := protocol.NewWriter(serverConn)
		for {
			frame, err := r.ReadFrame()
			if err != nil {
				close(seen)
				return
			}
			seen <- frame
			if err := w.WriteFrame(reply(frame)...); err != nil {
				return
			}
		}
	}()

	return New(clientConn), seen
}

func TestClientEncodesRequests(t *testing.T) {
	c, seen := fakeServer(t, func([]string) []string { return []string{protocol.ReplyOK} })

	require.NoError(t, c.SendMessage(1000, "bob", "hello\nthere"))
	assert.Equal(t, []string{"3", "1000", "bob", "hello\nthere"}, <-seen)

	require.NoError(t, c.DeleteMessage(1001, 7))
	assert.Equal(t, []string{"6", "1001", "7"}, <-seen)

	_, err := c.ReadMessage(1001, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"5", "1001", "2"}, <-seen)
}

func TestClientCreateAccount(t *testing.T) {
	c, _ := fakeServer(t, func(frame []string) []string {
		if frame[1] == "taken" {
			return []string{protocol.ReplyDuplicateUsername}
		}
		return []string{"1000"}
	})

	tok, err := c.CreateAccount("alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), tok)

	_, err = c.CreateAccount("taken")
	var replyErr *ReplyError
	require.ErrorAs(t, err, &replyErr)
	assert.Equal(t, protocol.ReplyDuplicateUsername, replyErr.Reply)
}

func TestClientExpectOK(t *testing.T) {
	c, _ := fakeServer(t, func([]string) []string { return []string{protocol.ReplyInvalidToken} })

	err := c.SendMessage(1, "bob", "hi")
	var replyErr *ReplyError
	require.ErrorAs(t, err, &replyErr)
	assert.Equal(t, protocol.ReplyInvalidToken, replyErr.Reply)
}

func TestClientValueMethodsReturnRefusals(t *testing.T) {
	c, _ := fakeServer(t, func([]string) []string { return []string{protocol.ReplyInvalidToken} })

	var replyErr *ReplyError
	_, err := c.ListAccounts(1)
	require.ErrorAs(t, err, &replyErr)
	assert.Equal(t, protocol.ReplyInvalidToken, replyErr.Reply)

	_, err = c.ShowInbox(1)
	require.ErrorAs(t, err, &replyErr)

	_, err = c.ReadMessage(1, 0)
	require.ErrorAs(t, err, &replyErr)

	reply, err := c.Do("4", "1")
	require.NoError(t, err, "Do returns the raw reply")
	assert.Equal(t, protocol.ReplyInvalidToken, reply)
}

func TestClientValueMethodsPassThroughValues(t *testing.T) {
	c, _ := fakeServer(t, func([]string) []string { return []string{"No messages."} })

	inbox, err := c.ShowInbox(1000)
	require.NoError(t, err)
	assert.Equal(t, "No messages.", inbox)
}

func TestClientRejectsMultiFieldReply(t *testing.T) {
	c, _ := fakeServer(t, func([]string) []string { return []string{"a", "b"} })

	_, err := c.Do("2", "1000")
	assert.Error(t, err)
}

func TestClientQuit(t *testing.T) {
	c, seen := fakeServer(t, func([]string) []string { return []string{protocol.ReplyGoodbye} })

	require.NoError(t, c.Quit())
	assert.Equal(t, []string{"0"}, <-seen)

	_, err := c.Do("2", "1000")
	assert.Error(t, err, "connection is closed after Quit")
}
