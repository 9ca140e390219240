package storage

import (
	"fmt"
	"time"
)

// Account representa a identidade pública de uma conta
type Account struct {
	Username string
	Token    uint64
}

// Message representa uma mensagem entregue a uma caixa de correio
type Message struct {
	ID       uint64
	Sender   string
	Receiver string
	Body     string
	Read     bool
	Received time.Time
}

// UnreadMarker é acrescentado à linha de status de mensagens não lidas
const UnreadMarker = "*"

// Status retorna a linha de resumo da mensagem, "<id>. from: <remetente>"
func (m Message) Status() string {
	line := fmt.Sprintf("%d. from: %s", m.ID, m.Sender)
	if !m.Read {
		line += UnreadMarker
	}
	return line
}

// Format retorna a mensagem no formato "(<remetente>) <corpo>"
func (m Message) Format() string {
	return fmt.Sprintf("(%s) %s", m.Sender, m.Body)
}

// Stats resume o conteúdo do diretório
type Stats struct {
	Accounts int
	Messages int
}
