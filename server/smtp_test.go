package server

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carloslauriano/simpleMailbox/config"
	"github.com/carloslauriano/simpleMailbox/storage"
)

func newSMTPSession(t *testing.T) (*SMTPSession, *storage.Directory, uint64, uint64) {
	t.Helper()
	store := storage.NewDirectory(1000)
	alice, err := store.CreateAccount("alice")
	require.NoError(t, err)
	bob, err := store.CreateAccount("bob")
	require.NoError(t, err)

	sess, err := NewSMTPBackend(store, "example.test").NewSession(nil)
	require.NoError(t, err)
	return sess.(*SMTPSession), store, alice, bob
}

func smtpCode(t *testing.T, err error) int {
	t.Helper()
	var smtpErr *smtp.SMTPError
	require.ErrorAs(t, err, &smtpErr)
	return smtpErr.Code
}

func TestSMTPDeliversPlainMessage(t *testing.T) {
	sess, store, alice, bob := newSMTPSession(t)

	require.NoError(t, sess.AuthPlain("alice", strconv.FormatUint(alice, 10)))
	require.NoError(t, sess.Mail("alice@example.test", nil))
	require.NoError(t, sess.Rcpt("<bob@example.test>", nil))

	raw := "From: alice@example.test\r\n" +
		"To: bob@example.test\r\n" +
		"Subject: lunch\r\n" +
		"\r\n" +
		"noon at the usual place\r\n"
	require.NoError(t, sess.Data(strings.NewReader(raw)))

	inbox, err := store.Inbox(bob)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, "alice", inbox[0].Sender)
	assert.Equal(t, "bob", inbox[0].Receiver)
	assert.Equal(t, "lunch: noon at the usual place", inbox[0].Body)
}

func TestSMTPUsesTextPartOfMultipart(t *testing.T) {
	sess, store, alice, bob := newSMTPSession(t)
	require.NoError(t, sess.AuthPlain("alice", strconv.FormatUint(alice, 10)))
	require.NoError(t, sess.Mail("alice@example.test", nil))
	require.NoError(t, sess.Rcpt("bob", nil))

	raw := "From: alice@example.test\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/alternative; boundary=XYZ\r\n" +
		"\r\n" +
		"--XYZ\r\n" +
		"Content-Type: text/html\r\n" +
		"\r\n" +
		"<p>html</p>\r\n" +
		"--XYZ\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"plain text\r\n" +
		"--XYZ--\r\n"
	require.NoError(t, sess.Data(strings.NewReader(raw)))

	inbox, err := store.Inbox(bob)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, "plain text", inbox[0].Body)
}

func TestSMTPRequiresAuthentication(t *testing.T) {
	sess, _, _, _ := newSMTPSession(t)

	assert.Equal(t, 530, smtpCode(t, sess.Mail("alice@example.test", nil)))
	assert.Equal(t, 530, smtpCode(t, sess.Rcpt("bob@example.test", nil)))
}

func TestSMTPRejectsBadCredentials(t *testing.T) {
	sess, _, alice, bob := newSMTPSession(t)

	assert.Equal(t, 535, smtpCode(t, sess.AuthPlain("alice", "secret")))
	assert.Equal(t, 535, smtpCode(t, sess.AuthPlain("alice", strconv.FormatUint(bob, 10))))
	assert.Equal(t, 535, smtpCode(t, sess.AuthPlain("mallory", strconv.FormatUint(alice, 10))))
}

func TestSMTPRcptValidation(t *testing.T) {
	sess, _, alice, _ := newSMTPSession(t)
	require.NoError(t, sess.AuthPlain("alice", strconv.FormatUint(alice, 10)))
	require.NoError(t, sess.Mail("alice@example.test", nil))

	assert.Equal(t, 550, smtpCode(t, sess.Rcpt("ghost@example.test", nil)))
	assert.Equal(t, 550, smtpCode(t, sess.Rcpt("bob@elsewhere.test", nil)))
	assert.Equal(t, 550, smtpCode(t, sess.Rcpt("bad name@example.test", nil)))
	require.NoError(t, sess.Rcpt("bob@EXAMPLE.TEST", nil), "domain match is case-insensitive")
}

func TestSMTPDataWithoutRecipients(t *testing.T) {
	sess, _, alice, _ := newSMTPSession(t)
	require.NoError(t, sess.AuthPlain("alice", strconv.FormatUint(alice, 10)))
	require.NoError(t, sess.Mail("alice@example.test", nil))

	assert.Equal(t, 554, smtpCode(t, sess.Data(strings.NewReader("hello\r\n"))))
}

func TestSMTPResetKeepsAuthentication(t *testing.T) {
	sess, store, alice, _ := newSMTPSession(t)
	require.NoError(t, sess.AuthPlain("alice", strconv.FormatUint(alice, 10)))
	require.NoError(t, sess.Mail("alice@example.test", nil))
	require.NoError(t, sess.Rcpt("bob", nil))

	sess.Reset()
	assert.Empty(t, sess.to)

	require.NoError(t, sess.Mail("alice@example.test", nil))
	require.NoError(t, sess.Rcpt("alice", nil))
	require.NoError(t, sess.Data(strings.NewReader("Subject: memo\r\n\r\nbuy milk\r\n")))

	inbox, err := store.Inbox(alice)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, "memo: buy milk", inbox[0].Body)
	assert.NoError(t, sess.Logout())
}

func TestNewSMTPServerAppliesConfig(t *testing.T) {
	cfg := config.SMTPConfig{
		Address:         "127.0.0.1",
		Port:            2525,
		Domain:          "example.test",
		MaxMessageBytes: 4096,
		MaxRecipients:   3,
		ReadTimeout:     2 * time.Second,
		WriteTimeout:    3 * time.Second,
	}
	s := NewSMTPServer(cfg, storage.NewDirectory(1000))

	assert.Equal(t, "127.0.0.1:2525", s.Addr)
	assert.Equal(t, "example.test", s.Domain)
	assert.Equal(t, int64(4096), s.MaxMessageBytes)
	assert.Equal(t, 3, s.MaxRecipients)
	assert.Equal(t, 2*time.Second, s.ReadTimeout)
	assert.Equal(t, 3*time.Second, s.WriteTimeout)
	assert.True(t, s.AllowInsecureAuth)
}

func TestExtractBodyFallsBackToRawText(t *testing.T) {
	assert.Equal(t, "just some words", extractBody([]byte("just some words\r\n")))
}
