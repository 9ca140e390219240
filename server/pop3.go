package server

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/carloslauriano/simpleMailbox/config"
	"github.com/carloslauriano/simpleMailbox/storage"
)

// POP3Server implementa a visão POP3 da caixa de entrada
type POP3Server struct {
	acceptor
	cfg    config.POP3Config
	format mailFormat
	store  storage.Storage
}

// NewPOP3Server cria um novo servidor POP3
func NewPOP3Server(cfg config.POP3Config, domain string, store storage.Storage) *POP3Server {
	return &POP3Server{
		cfg:    cfg,
		format: newMailFormat(domain),
		store:  store,
	}
}

// ListenAndServe escuta no endereço configurado e atende conexões
func (s *POP3Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("falha ao iniciar servidor POP3: %w", err)
	}
	return s.Serve(listener)
}

// Serve atende conexões POP3 em listener
func (s *POP3Server) Serve(listener net.Listener) error {
	return s.serve(listener, "POP3", s.handleConnection)
}

type pop3State int

const (
	pop3Authorization pop3State = iota
	pop3Transaction
)

// pop3Session guarda o estado de uma conexão. A lista de mensagens é
// fixada no PASS e as exclusões só são aplicadas no QUIT.
type pop3Session struct {
	server *POP3Server
	id     string
	w      *textproto.Writer

	state    pop3State
	username string
	account  storage.Account
	messages []storage.Message
	deleted  map[int]bool
}

// handleConnection gerencia uma conexão POP3
func (s *POP3Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	tc := textproto.NewConn(conn)
	sess := &pop3Session{
		server:  s,
		id:      uuid.NewString(),
		w:       &tc.Writer,
		deleted: make(map[int]bool),
	}
	log.Printf("[%s] cliente POP3 conectado de %s", sess.id, conn.RemoteAddr())

	if err := sess.ok("SimpleMailbox POP3 server ready"); err != nil {
		return
	}

	for {
		line, err := tc.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("[%s] erro de leitura POP3: %v", sess.id, err)
			}
			return
		}

		cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
		quit, err := sess.handle(strings.ToUpper(cmd), strings.TrimSpace(arg))
		if err != nil {
			log.Printf("[%s] erro de escrita POP3: %v", sess.id, err)
			return
		}
		if quit {
			return
		}
	}
}

func (p *pop3Session) handle(cmd, arg string) (bool, error) {
	switch cmd {
	case "QUIT":
		return true, p.quit()
	case "CAPA":
		return false, p.multi("Capability list follows", []byte("USER\r\nUIDL\r\nTOP\r\n"))
	case "NOOP":
		return false, p.ok("")
	}

	if p.state == pop3Authorization {
		switch cmd {
		case "USER":
			if arg == "" {
				return false, p.err("USER requires a username")
			}
			p.username = arg
			return false, p.ok("send PASS")
		case "PASS":
			return false, p.pass(arg)
		default:
			return false, p.err("authenticate first")
		}
	}

	switch cmd {
	case "STAT":
		count, size := 0, 0
		for i, msg := range p.messages {
			if !p.deleted[i] {
				count++
				size += p.size(msg)
			}
		}
		return false, p.ok(fmt.Sprintf("%d %d", count, size))
	case "LIST":
		return false, p.list(arg, func(msg storage.Message) string { return strconv.Itoa(p.size(msg)) })
	case "UIDL":
		return false, p.list(arg, p.server.format.uniqueID)
	case "RETR":
		return false, p.retr(arg)
	case "TOP":
		return false, p.top(arg)
	case "DELE":
		i, ok := p.lookup(arg)
		if !ok {
			return false, p.err("no such message")
		}
		p.deleted[i] = true
		return false, p.ok("message deleted")
	case "RSET":
		p.deleted = make(map[int]bool)
		return false, p.ok("")
	default:
		return false, p.err("unknown command")
	}
}

func (p *pop3Session) pass(arg string) error {
	if p.username == "" {
		return p.err("USER required first")
	}
	username := p.username
	p.username = ""

	token, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		return p.err("invalid username or token")
	}
	acc, err := p.server.store.Authenticate(username, token)
	if err != nil {
		return p.err("invalid username or token")
	}
	messages, err := p.server.store.Inbox(acc.Token)
	if err != nil {
		log.Printf("[%s] falha ao abrir caixa POP3: %v", p.id, err)
		return p.err("unable to open mailbox")
	}

	p.account = acc
	p.messages = messages
	p.state = pop3Transaction
	log.Printf("[%s] %s autenticado via POP3", p.id, acc.Username)
	return p.ok(fmt.Sprintf("%d messages", len(messages)))
}

func (p *pop3Session) list(arg string, value func(storage.Message) string) error {
	if arg != "" {
		i, ok := p.lookup(arg)
		if !ok {
			return p.err("no such message")
		}
		return p.ok(fmt.Sprintf("%d %s", i+1, value(p.messages[i])))
	}

	var b strings.Builder
	for i, msg := range p.messages {
		if p.deleted[i] {
			continue
		}
		fmt.Fprintf(&b, "%d %s\r\n", i+1, value(msg))
	}
	return p.multi("listing follows", []byte(b.String()))
}

func (p *pop3Session) retr(arg string) error {
	i, ok := p.lookup(arg)
	if !ok {
		return p.err("no such message")
	}
	msg := p.messages[i]

	if !msg.Read {
		_, err := p.server.store.ReadMessage(p.account.Token, msg.ID)
		if err != nil && !errors.Is(err, storage.ErrMessageNotFound) {
			log.Printf("[%s] falha ao marcar mensagem %d como lida: %v", p.id, msg.ID, err)
		}
		p.messages[i].Read = true
	}

	raw := p.server.format.render(msg).raw()
	return p.multi(fmt.Sprintf("%d octets", len(raw)), raw)
}

func (p *pop3Session) top(arg string) error {
	num, lines, _ := strings.Cut(arg, " ")
	n, err := strconv.Atoi(strings.TrimSpace(lines))
	if err != nil || n < 0 {
		return p.err("TOP requires a message number and a line count")
	}
	i, ok := p.lookup(num)
	if !ok {
		return p.err("no such message")
	}
	return p.multi("top of message follows", p.server.format.render(p.messages[i]).top(n))
}

// quit aplica as exclusões pendentes quando a sessão está autenticada
func (p *pop3Session) quit() error {
	if p.state == pop3Transaction {
		for i, msg := range p.messages {
			if !p.deleted[i] {
				continue
			}
			err := p.server.store.DeleteMessage(p.account.Token, msg.ID)
			if err != nil && !errors.Is(err, storage.ErrMessageNotFound) {
				log.Printf("[%s] falha ao excluir mensagem %d: %v", p.id, msg.ID, err)
			}
		}
	}
	return p.ok("Goodbye")
}

// lookup converte o número da mensagem (1..n) no índice da lista fixada
func (p *pop3Session) lookup(arg string) (int, bool) {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 || n > len(p.messages) || p.deleted[n-1] {
		return 0, false
	}
	return n - 1, true
}

func (p *pop3Session) size(msg storage.Message) int {
	return len(p.server.format.render(msg).raw())
}

func (p *pop3Session) ok(text string) error {
	if text == "" {
		return p.w.PrintfLine("+OK")
	}
	return p.w.PrintfLine("+OK %s", text)
}

func (p *pop3Session) err(text string) error {
	return p.w.PrintfLine("-ERR %s", text)
}

// multi envia uma resposta de várias linhas terminada por "."
func (p *pop3Session) multi(status string, data []byte) error {
	if err := p.ok(status); err != nil {
		return err
	}
	dw := p.w.DotWriter()
	if _, err := dw.Write(data); err != nil {
		return err
	}
	return dw.Close()
}
