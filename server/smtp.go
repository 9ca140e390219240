package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-smtp"

	"github.com/carloslauriano/simpleMailbox/config"
	"github.com/carloslauriano/simpleMailbox/storage"
)

var (
	errSMTPAuthRequired = &smtp.SMTPError{
		Code:         530,
		EnhancedCode: smtp.EnhancedCode{5, 7, 0},
		Message:      "Authentication required",
	}
	errSMTPAuthFailed = &smtp.SMTPError{
		Code:         535,
		EnhancedCode: smtp.EnhancedCode{5, 7, 8},
		Message:      "Invalid username or token",
	}
	errSMTPNoRecipients = &smtp.SMTPError{
		Code:         554,
		EnhancedCode: smtp.EnhancedCode{5, 5, 1},
		Message:      "No valid recipients",
	}
)

// SMTPBackend implementa a interface smtp.Backend sobre o diretório
type SMTPBackend struct {
	store  storage.Storage
	domain string
}

// NewSMTPBackend cria um novo backend SMTP
func NewSMTPBackend(store storage.Storage, domain string) *SMTPBackend {
	return &SMTPBackend{
		store:  store,
		domain: domain,
	}
}

// NewSession cria uma sessão para cada conexão SMTP
func (b *SMTPBackend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &SMTPSession{backend: b}, nil
}

// SMTPSession implementa a interface smtp.Session
type SMTPSession struct {
	backend *SMTPBackend
	account *storage.Account
	from    string
	to      []string
}

// AuthPlain autentica com o nome de usuário e o token como senha
func (s *SMTPSession) AuthPlain(username, password string) error {
	token, err := strconv.ParseUint(password, 10, 64)
	if err != nil {
		return errSMTPAuthFailed
	}
	acc, err := s.backend.store.Authenticate(username, token)
	if err != nil {
		return errSMTPAuthFailed
	}
	s.account = &acc
	return nil
}

// Mail inicia uma nova transação; o remetente é sempre a conta autenticada
func (s *SMTPSession) Mail(from string, opts *smtp.MailOptions) error {
	if s.account == nil {
		return errSMTPAuthRequired
	}
	s.from = from
	return nil
}

// Rcpt adiciona um destinatário, que deve ser uma conta do diretório
func (s *SMTPSession) Rcpt(to string, opts *smtp.RcptOptions) error {
	if s.account == nil {
		return errSMTPAuthRequired
	}

	username, err := s.backend.localPart(to)
	if err != nil {
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 2},
			Message:      err.Error(),
		}
	}
	if _, ok := s.backend.store.ResolveUsername(username); !ok {
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "User does not exist",
		}
	}

	s.to = append(s.to, username)
	return nil
}

// Data processa o conteúdo do email e entrega uma mensagem por destinatário
func (s *SMTPSession) Data(r io.Reader) error {
	if s.account == nil {
		return errSMTPAuthRequired
	}
	if len(s.to) == 0 {
		return errSMTPNoRecipients
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("falha ao ler email: %w", err)
	}
	body := extractBody(raw)

	for _, rcpt := range s.to {
		msg, err := s.backend.store.SendMessage(s.account.Token, rcpt, body)
		if err != nil {
			return fmt.Errorf("falha ao entregar mensagem para %s: %w", rcpt, err)
		}
		log.Printf("SMTP: mensagem %d de %s entregue a %s", msg.ID, msg.Sender, rcpt)
	}

	return nil
}

// Reset limpa o estado da transação, mantendo a autenticação
func (s *SMTPSession) Reset() {
	s.from = ""
	s.to = nil
}

// Logout finaliza a sessão
func (s *SMTPSession) Logout() error {
	return nil
}

// localPart extrai o nome de usuário de "user" ou "user@dominio"
func (b *SMTPBackend) localPart(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if start := strings.Index(addr, "<"); start != -1 {
		if end := strings.Index(addr, ">"); end > start {
			addr = addr[start+1 : end]
		}
	}

	user, domain, hasDomain := strings.Cut(addr, "@")
	if hasDomain && !strings.EqualFold(domain, b.domain) {
		return "", fmt.Errorf("domain %s not handled here", domain)
	}
	if !storage.ValidUsername(user) {
		return "", fmt.Errorf("invalid mailbox name: %q", user)
	}
	return user, nil
}

// extractBody retorna a primeira parte text/plain da mensagem, com o
// assunto como prefixo quando presente
func extractBody(raw []byte) string {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && mr == nil {
		return normalizeText(string(raw))
	}

	subject, _ := mr.Header.Subject()

	var text string
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			log.Printf("SMTP: falha ao ler parte da mensagem: %v", err)
			break
		}
		inline, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		mediaType, _, _ := inline.ContentType()
		if mediaType != "" && !strings.HasPrefix(mediaType, "text/plain") {
			continue
		}
		data, err := io.ReadAll(part.Body)
		if err != nil {
			log.Printf("SMTP: falha ao ler corpo da mensagem: %v", err)
			break
		}
		text = string(data)
		break
	}

	text = normalizeText(text)
	if subject = strings.TrimSpace(subject); subject != "" {
		return subject + ": " + text
	}
	return text
}

func normalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.TrimRight(s, "\n")
}

// NewSMTPServer cria o gateway SMTP a partir da configuração
func NewSMTPServer(cfg config.SMTPConfig, store storage.Storage) *smtp.Server {
	be := NewSMTPBackend(store, cfg.Domain)
	s := smtp.NewServer(be)

	s.Addr = cfg.Addr()
	s.Domain = cfg.Domain
	s.ReadTimeout = cfg.ReadTimeout
	s.WriteTimeout = cfg.WriteTimeout
	s.MaxMessageBytes = int64(cfg.MaxMessageBytes)
	s.MaxRecipients = cfg.MaxRecipients
	// Sem TLS: a autenticação por token trafega em texto claro
	s.AllowInsecureAuth = true

	return s
}
