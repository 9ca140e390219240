package storage

import (
	"fmt"
	"regexp"
	"sync"
	"time"
)

var validUsername = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// ValidUsername informa se o nome contém apenas letras, dígitos e sublinhado
func ValidUsername(username string) bool {
	return validUsername.MatchString(username)
}

type account struct {
	Account
	mailbox Mailbox
}

// Directory implementa a interface Storage em memória.
// Um único RWMutex protege os dois índices, os contadores e todas as caixas.
type Directory struct {
	mu sync.RWMutex

	byToken    map[uint64]*account
	byUsername map[string]*account
	order      []*account

	nextToken     uint64
	nextMessageID uint64

	now func() time.Time
}

// NewDirectory cria um diretório vazio cujo primeiro token é firstToken
func NewDirectory(firstToken uint64) *Directory {
	return &Directory{
		byToken:    make(map[uint64]*account),
		byUsername: make(map[string]*account),
		nextToken:  firstToken,
		now:        time.Now,
	}
}

// CreateAccount registra uma nova conta e retorna seu token
func (d *Directory) CreateAccount(username string) (uint64, error) {
	if !ValidUsername(username) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidUsername, username)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.byUsername[username]; exists {
		return 0, fmt.Errorf("%w: %s", ErrDuplicateUsername, username)
	}

	acc := &account{Account: Account{Username: username, Token: d.nextToken}}
	d.nextToken++

	d.byToken[acc.Token] = acc
	d.byUsername[acc.Username] = acc
	d.order = append(d.order, acc)

	return acc.Token, nil
}

// ResolveToken obtém a conta dona do token
func (d *Directory) ResolveToken(token uint64) (Account, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	acc, err := d.lookupToken(token)
	if err != nil {
		return Account{}, err
	}
	return acc.Account, nil
}

// ResolveUsername obtém uma conta pelo nome de usuário
func (d *Directory) ResolveUsername(username string) (Account, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	acc, ok := d.byUsername[username]
	if !ok {
		return Account{}, false
	}
	return acc.Account, true
}

// Authenticate confere se o token pertence à conta com o nome informado
func (d *Directory) Authenticate(username string, token uint64) (Account, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	acc, err := d.lookupToken(token)
	if err != nil {
		return Account{}, err
	}
	if acc.Username != username {
		return Account{}, fmt.Errorf("%w: token não pertence a %s", ErrInvalidToken, username)
	}
	return acc.Account, nil
}

// ListAccounts retorna os nomes de usuário na ordem de registro
func (d *Directory) ListAccounts() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, len(d.order))
	for i, acc := range d.order {
		names[i] = acc.Username
	}
	return names
}

// SendMessage entrega uma mensagem do dono do token ao destinatário
func (d *Directory) SendMessage(token uint64, recipient, body string) (Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	sender, err := d.lookupToken(token)
	if err != nil {
		return Message{}, err
	}

	rcpt, ok := d.byUsername[recipient]
	if !ok {
		return Message{}, fmt.Errorf("%w: %s", ErrUserNotFound, recipient)
	}

	msg := Message{
		ID:       d.nextMessageID,
		Sender:   sender.Username,
		Receiver: rcpt.Username,
		Body:     body,
		Received: d.now(),
	}
	d.nextMessageID++

	rcpt.mailbox.Append(msg)
	return msg, nil
}

// Inbox retorna uma cópia das mensagens do dono do token
func (d *Directory) Inbox(token uint64) ([]Message, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	acc, err := d.lookupToken(token)
	if err != nil {
		return nil, err
	}
	return acc.mailbox.Snapshot(), nil
}

// Summarize retorna as linhas de status da caixa do dono do token
func (d *Directory) Summarize(token uint64) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	acc, err := d.lookupToken(token)
	if err != nil {
		return nil, err
	}
	return acc.mailbox.Summarize(), nil
}

// ReadMessage marca a mensagem como lida e retorna sua forma formatada
func (d *Directory) ReadMessage(token, id uint64) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	acc, err := d.lookupToken(token)
	if err != nil {
		return "", err
	}

	view, err := acc.mailbox.MarkRead(id)
	if err != nil {
		return "", fmt.Errorf("%w: %d", err, id)
	}
	return view, nil
}

// DeleteMessage remove a mensagem da caixa do dono do token
func (d *Directory) DeleteMessage(token, id uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	acc, err := d.lookupToken(token)
	if err != nil {
		return err
	}

	if err := acc.mailbox.Remove(id); err != nil {
		return fmt.Errorf("%w: %d", err, id)
	}
	return nil
}

// Stats retorna a contagem de contas e mensagens
func (d *Directory) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	stats := Stats{Accounts: len(d.order)}
	for _, acc := range d.order {
		stats.Messages += acc.mailbox.Len()
	}
	return stats
}

// lookupToken exige que o chamador detenha d.mu
func (d *Directory) lookupToken(token uint64) (*account, error) {
	acc, ok := d.byToken[token]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidToken, token)
	}
	return acc, nil
}
