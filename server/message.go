package server

import (
	"bytes"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-imap"

	"github.com/carloslauriano/simpleMailbox/storage"
)

const maxSubjectRunes = 64

type headerField struct {
	key   string
	value string
}

// rendered é a forma RFC 5322 de uma mensagem do diretório
type rendered struct {
	header []headerField
	body   []byte
}

// mailFormat converte mensagens do diretório em mensagens de e-mail
// para as visões IMAP e POP3. epoch distingue ids de execuções diferentes.
type mailFormat struct {
	domain string
	epoch  uint32
}

func newMailFormat(domain string) mailFormat {
	return mailFormat{domain: domain, epoch: uint32(time.Now().Unix())}
}

func (b mailFormat) address(username string) string {
	return username + "@" + b.domain
}

func (b mailFormat) render(msg storage.Message) *rendered {
	body := strings.ReplaceAll(msg.Body, "\r\n", "\n")
	body = strings.ReplaceAll(body, "\n", "\r\n")

	return &rendered{
		header: []headerField{
			{"Date", msg.Received.Format(time.RFC1123Z)},
			{"From", b.address(msg.Sender)},
			{"To", b.address(msg.Receiver)},
			{"Subject", subjectOf(msg.Body)},
			{"Message-Id", b.messageID(msg)},
			{"Content-Type", "text/plain; charset=utf-8"},
			{"Content-Transfer-Encoding", "8bit"},
		},
		body: []byte(body),
	}
}

func (b mailFormat) messageID(msg storage.Message) string {
	return fmt.Sprintf("<%d.%d@%s>", msg.ID, b.epoch, b.domain)
}

// uniqueID identifica a mensagem entre sessões, usado pelo UIDL
func (b mailFormat) uniqueID(msg storage.Message) string {
	return fmt.Sprintf("%d-%d", b.epoch, msg.ID)
}

func (b mailFormat) envelope(msg storage.Message) *imap.Envelope {
	from := []*imap.Address{{MailboxName: msg.Sender, HostName: b.domain}}
	return &imap.Envelope{
		Date:      msg.Received,
		Subject:   subjectOf(msg.Body),
		From:      from,
		Sender:    from,
		ReplyTo:   from,
		To:        []*imap.Address{{MailboxName: msg.Receiver, HostName: b.domain}},
		MessageId: b.messageID(msg),
	}
}

// subjectOf usa a primeira linha do corpo, truncada, como assunto.
// CR e LF encerram a linha para que nada vaze para outro cabeçalho.
func subjectOf(body string) string {
	line := body
	if i := strings.IndexAny(body, "\r\n"); i >= 0 {
		line = body[:i]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "(no subject)"
	}
	if utf8.RuneCountInString(line) > maxSubjectRunes {
		runes := []rune(line)
		line = string(runes[:maxSubjectRunes]) + "..."
	}
	return line
}

func (d *rendered) headerBytes(fields []string, not bool) []byte {
	var buf bytes.Buffer
	for _, f := range d.header {
		if len(fields) > 0 && containsName(fields, f.key) == not {
			continue
		}
		fmt.Fprintf(&buf, "%s: %s\r\n", f.key, f.value)
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}

func (d *rendered) headerValue(key string) string {
	for _, f := range d.header {
		if strings.EqualFold(f.key, key) {
			return f.value
		}
	}
	return ""
}

func (d *rendered) raw() []byte {
	return append(d.headerBytes(nil, false), d.body...)
}

// top retorna o cabeçalho e as primeiras n linhas do corpo
func (d *rendered) top(n int) []byte {
	out := d.headerBytes(nil, false)
	body := d.body
	for i := 0; i < n && len(body) > 0; i++ {
		line, rest, found := bytes.Cut(body, []byte("\r\n"))
		out = append(out, line...)
		if found {
			out = append(out, '\r', '\n')
		}
		body = rest
	}
	return out
}

// section retorna os bytes pedidos por BODY[...]; a mensagem tem uma
// única parte, então o caminho só pode ser vazio ou [1]
func (d *rendered) section(s *imap.BodySectionName) []byte {
	switch {
	case len(s.Path) == 0:
	case len(s.Path) == 1 && s.Path[0] == 1:
		if s.Specifier == imap.EntireSpecifier {
			return d.body
		}
		if s.Specifier == imap.MIMESpecifier {
			return d.headerBytes([]string{"Content-Type", "Content-Transfer-Encoding"}, false)
		}
		return nil
	default:
		return nil
	}

	switch s.Specifier {
	case imap.HeaderSpecifier:
		return d.headerBytes(s.Fields, s.NotFields)
	case imap.TextSpecifier:
		return d.body
	case imap.EntireSpecifier:
		return d.raw()
	default:
		return nil
	}
}

func containsName(names []string, key string) bool {
	for _, n := range names {
		if strings.EqualFold(n, key) {
			return true
		}
	}
	return false
}
