package client

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/carloslauriano/simpleMailbox/protocol"
)

// ReplyError é retornado pelos métodos tipados quando o servidor responde
// com uma recusa. Do nunca o retorna.
type ReplyError struct {
	Reply string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("servidor recusou a requisição: %s", e.Reply)
}

// Client fala o protocolo de quadros com um servidor de mensagens.
// Uma requisição por vez; chamadas concorrentes são serializadas.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	r    *protocol.Reader
	w    *protocol.Writer
}

// Dial conecta ao servidor no endereço indicado
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("falha ao conectar em %s: %w", addr, err)
	}
	return New(conn), nil
}

// New cria um cliente sobre uma conexão já aberta
func New(conn net.Conn) *Client {
	return &Client{
		conn: conn,
		r:    protocol.NewReader(conn, 0),
		w:    protocol.NewWriter(conn),
	}
}

// Do envia uma requisição crua e retorna a resposta do servidor
func (c *Client) Do(fields ...string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.w.WriteFrame(fields...); err != nil {
		return "", fmt.Errorf("falha ao enviar requisição: %w", err)
	}
	frame, err := c.r.ReadFrame()
	if err != nil {
		return "", fmt.Errorf("falha ao ler resposta: %w", err)
	}
	if len(frame) != 1 {
		return "", fmt.Errorf("resposta com %d campos, esperado 1", len(frame))
	}
	return frame[0], nil
}

// CreateAccount registra uma conta e retorna seu token
func (c *Client) CreateAccount(username string) (uint64, error) {
	reply, err := c.do(protocol.CodeCreateAccount, username)
	if err != nil {
		return 0, err
	}
	token, err := strconv.ParseUint(reply, 10, 64)
	if err != nil {
		return 0, &ReplyError{Reply: reply}
	}
	return token, nil
}

// ListAccounts retorna a lista numerada de usuários
func (c *Client) ListAccounts(token uint64) (string, error) {
	return c.value(protocol.CodeListAccounts, formatUint(token))
}

// SendMessage envia uma mensagem ao destinatário
func (c *Client) SendMessage(token uint64, recipient, body string) error {
	return c.expectOK(protocol.CodeSendMessage, formatUint(token), recipient, body)
}

// ShowInbox retorna o resumo da caixa de entrada
func (c *Client) ShowInbox(token uint64) (string, error) {
	return c.value(protocol.CodeShowInbox, formatUint(token))
}

// ReadMessage retorna a mensagem formatada e a marca como lida
func (c *Client) ReadMessage(token, id uint64) (string, error) {
	return c.value(protocol.CodeReadMessage, formatUint(token), formatUint(id))
}

// DeleteMessage remove uma mensagem da caixa de entrada
func (c *Client) DeleteMessage(token, id uint64) error {
	return c.expectOK(protocol.CodeDeleteMessage, formatUint(token), formatUint(id))
}

// Quit encerra a sessão com o código 0 e fecha a conexão
func (c *Client) Quit() error {
	reply, err := c.do(protocol.CodeDisconnect)
	closeErr := c.conn.Close()
	if err != nil {
		return err
	}
	if reply != protocol.ReplyGoodbye {
		return &ReplyError{Reply: reply}
	}
	return closeErr
}

// Close fecha a conexão sem avisar o servidor
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) do(code int, args ...string) (string, error) {
	return c.Do(append([]string{strconv.Itoa(code)}, args...)...)
}

// value trata textos de recusa como *ReplyError; Do devolve a resposta crua
func (c *Client) value(code int, args ...string) (string, error) {
	reply, err := c.do(code, args...)
	if err != nil {
		return "", err
	}
	if protocol.IsRefusal(reply) {
		return "", &ReplyError{Reply: reply}
	}
	return reply, nil
}

func (c *Client) expectOK(code int, args ...string) error {
	reply, err := c.do(code, args...)
	if err != nil {
		return err
	}
	if reply != protocol.ReplyOK {
		return &ReplyError{Reply: reply}
	}
	return nil
}

func formatUint(n uint64) string {
	return strconv.FormatUint(n, 10)
}
