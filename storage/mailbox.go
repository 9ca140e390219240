package storage

// NoMessages é a única linha do resumo de uma caixa vazia
const NoMessages = "No messages."

// Mailbox é a sequência ordenada de mensagens de uma conta.
// Não é segura para uso concorrente: o Directory dono a protege.
type Mailbox struct {
	messages []Message
}

// Append adiciona a mensagem ao final da caixa
func (b *Mailbox) Append(msg Message) {
	b.messages = append(b.messages, msg)
}

// FindByID retorna a mensagem com o id informado
func (b *Mailbox) FindByID(id uint64) (Message, bool) {
	if i := b.index(id); i >= 0 {
		return b.messages[i], true
	}
	return Message{}, false
}

// MarkRead marca a mensagem como lida e retorna sua forma formatada
func (b *Mailbox) MarkRead(id uint64) (string, error) {
	i := b.index(id)
	if i < 0 {
		return "", ErrMessageNotFound
	}
	b.messages[i].Read = true
	return b.messages[i].Format(), nil
}

// Remove retira a mensagem preservando a ordem das demais
func (b *Mailbox) Remove(id uint64) error {
	i := b.index(id)
	if i < 0 {
		return ErrMessageNotFound
	}
	copy(b.messages[i:], b.messages[i+1:])
	b.messages[len(b.messages)-1] = Message{}
	b.messages = b.messages[:len(b.messages)-1]
	return nil
}

// Summarize retorna uma linha de status por mensagem
func (b *Mailbox) Summarize() []string {
	if len(b.messages) == 0 {
		return []string{NoMessages}
	}
	lines := make([]string, len(b.messages))
	for i, msg := range b.messages {
		lines[i] = msg.Status()
	}
	return lines
}

// Snapshot retorna uma cópia das mensagens
func (b *Mailbox) Snapshot() []Message {
	out := make([]Message, len(b.messages))
	copy(out, b.messages)
	return out
}

// Len retorna o número de mensagens
func (b *Mailbox) Len() int {
	return len(b.messages)
}

func (b *Mailbox) index(id uint64) int {
	for i := range b.messages {
		if b.messages[i].ID == id {
			return i
		}
	}
	return -1
}
