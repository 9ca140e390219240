package server

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend"
	imapserver "github.com/emersion/go-imap/server"

	"github.com/carloslauriano/simpleMailbox/config"
	"github.com/carloslauriano/simpleMailbox/storage"
)

// InboxName é o nome da única caixa de cada usuário
const InboxName = "INBOX"

var (
	errIMAPInvalidCredentials = errors.New("usuário ou token inválido")
	errIMAPSingleMailbox      = errors.New("apenas a caixa INBOX é suportada")
	errIMAPReadOnly           = errors.New("operação não suportada: mensagens chegam apenas pelo servidor")
	errIMAPUnseen             = errors.New("não é possível marcar uma mensagem como não lida")
)

// IMAPBackend implementa a interface backend.Backend sobre o diretório
type IMAPBackend struct {
	mailFormat
	store       storage.Storage
	uidValidity uint32
}

// NewIMAPBackend cria um novo backend IMAP
func NewIMAPBackend(store storage.Storage, domain string) *IMAPBackend {
	format := newMailFormat(domain)
	return &IMAPBackend{
		mailFormat: format,
		store:      store,
		// ids recomeçam a cada execução, então a validade muda junto
		uidValidity: format.epoch,
	}
}

// Login autentica com o nome de usuário e o token como senha
func (b *IMAPBackend) Login(connInfo *imap.ConnInfo, username, password string) (backend.User, error) {
	token, err := strconv.ParseUint(password, 10, 64)
	if err != nil {
		return nil, errIMAPInvalidCredentials
	}
	acc, err := b.store.Authenticate(username, token)
	if err != nil {
		return nil, errIMAPInvalidCredentials
	}

	return &IMAPUser{
		backend: b,
		account: acc,
		deleted: make(map[uint64]bool),
	}, nil
}

// IMAPUser implementa a interface backend.User para uma sessão
type IMAPUser struct {
	backend *IMAPBackend
	account storage.Account

	mu      sync.Mutex
	deleted map[uint64]bool // marcadas com \Deleted nesta sessão
}

// Username retorna o nome do usuário
func (u *IMAPUser) Username() string {
	return u.account.Username
}

// ListMailboxes lista as caixas do usuário: sempre apenas INBOX
func (u *IMAPUser) ListMailboxes(subscribed bool) ([]backend.Mailbox, error) {
	return []backend.Mailbox{&IMAPMailbox{user: u}}, nil
}

// GetMailbox obtém uma caixa de entrada específica
func (u *IMAPUser) GetMailbox(name string) (backend.Mailbox, error) {
	if !strings.EqualFold(name, InboxName) {
		return nil, backend.ErrNoSuchMailbox
	}
	return &IMAPMailbox{user: u}, nil
}

// CreateMailbox não é suportado
func (u *IMAPUser) CreateMailbox(name string) error {
	return errIMAPSingleMailbox
}

// DeleteMailbox não é suportado
func (u *IMAPUser) DeleteMailbox(name string) error {
	return errIMAPSingleMailbox
}

// RenameMailbox não é suportado
func (u *IMAPUser) RenameMailbox(existingName, newName string) error {
	return errIMAPSingleMailbox
}

// Logout finaliza a sessão
func (u *IMAPUser) Logout() error {
	return nil
}

func (u *IMAPUser) isDeleted(id uint64) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.deleted[id]
}

func (u *IMAPUser) setDeleted(id uint64, deleted bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if deleted {
		u.deleted[id] = true
	} else {
		delete(u.deleted, id)
	}
}

// IMAPMailbox implementa a interface backend.Mailbox para a INBOX
type IMAPMailbox struct {
	user *IMAPUser
}

// Name retorna o nome da caixa de entrada
func (m *IMAPMailbox) Name() string {
	return InboxName
}

// Info retorna informações sobre a caixa de entrada
func (m *IMAPMailbox) Info() (*imap.MailboxInfo, error) {
	return &imap.MailboxInfo{
		Attributes: []string{imap.NoInferiorsAttr},
		Delimiter:  "/",
		Name:       InboxName,
	}, nil
}

// Status retorna o status da caixa de entrada
func (m *IMAPMailbox) Status(items []imap.StatusItem) (*imap.MailboxStatus, error) {
	messages, err := m.messages()
	if err != nil {
		return nil, err
	}

	status := imap.NewMailboxStatus(InboxName, items)
	status.Flags = []string{imap.SeenFlag, imap.DeletedFlag}
	status.PermanentFlags = []string{imap.SeenFlag, imap.DeletedFlag}

	var unseen uint32
	for i, msg := range messages {
		if !msg.Read {
			if unseen == 0 {
				status.UnseenSeqNum = uint32(i + 1)
			}
			unseen++
		}
	}

	for _, item := range items {
		switch item {
		case imap.StatusMessages:
			status.Messages = uint32(len(messages))
		case imap.StatusRecent:
			status.Recent = 0
		case imap.StatusUnseen:
			status.Unseen = unseen
		case imap.StatusUidNext:
			status.UidNext = 1
			if n := len(messages); n > 0 {
				status.UidNext = messageUID(messages[n-1]) + 1
			}
		case imap.StatusUidValidity:
			status.UidValidity = m.user.backend.uidValidity
		}
	}

	return status, nil
}

// SetSubscribed marca a caixa de entrada como inscrita
func (m *IMAPMailbox) SetSubscribed(subscribed bool) error {
	return nil
}

// Check verifica a integridade da caixa de entrada
func (m *IMAPMailbox) Check() error {
	return nil
}

// ListMessages lista as mensagens da caixa de entrada. Buscar o corpo sem
// PEEK marca a mensagem como lida.
func (m *IMAPMailbox) ListMessages(uid bool, seqSet *imap.SeqSet, items []imap.FetchItem, ch chan<- *imap.Message) error {
	defer close(ch)

	messages, err := m.messages()
	if err != nil {
		return err
	}

	marksRead := fetchMarksRead(items)

	for i, msg := range messages {
		seqNum := uint32(i + 1)
		if !seqSet.Contains(selector(uid, seqNum, msg)) {
			continue
		}

		if marksRead && !msg.Read {
			if _, err := m.user.backend.store.ReadMessage(m.user.account.Token, msg.ID); err != nil {
				if !errors.Is(err, storage.ErrMessageNotFound) {
					return fmt.Errorf("falha ao marcar mensagem como lida: %w", err)
				}
			} else {
				msg.Read = true
			}
		}

		ch <- m.fetch(msg, seqNum, items)
	}

	return nil
}

func (m *IMAPMailbox) fetch(msg storage.Message, seqNum uint32, items []imap.FetchItem) *imap.Message {
	doc := m.user.backend.render(msg)
	fetched := imap.NewMessage(seqNum, items)

	for _, item := range items {
		switch item {
		case imap.FetchEnvelope:
			fetched.Envelope = m.user.backend.envelope(msg)
		case imap.FetchBody, imap.FetchBodyStructure:
			fetched.BodyStructure = &imap.BodyStructure{
				MIMEType:    "text",
				MIMESubType: "plain",
				Params:      map[string]string{"charset": "utf-8"},
				Encoding:    "8bit",
				Size:        uint32(len(doc.body)),
				Lines:       uint32(bytes.Count(doc.body, []byte("\n"))),
			}
		case imap.FetchFlags:
			fetched.Flags = m.flags(msg)
		case imap.FetchInternalDate:
			fetched.InternalDate = msg.Received
		case imap.FetchRFC822Size:
			fetched.Size = uint32(len(doc.raw()))
		case imap.FetchUid:
			fetched.Uid = messageUID(msg)
		default:
			section, err := imap.ParseBodySectionName(item)
			if err != nil {
				continue
			}
			fetched.Body[section] = bytes.NewReader(section.ExtractPartial(doc.section(section)))
		}
	}

	return fetched
}

func (m *IMAPMailbox) flags(msg storage.Message) []string {
	var flags []string
	if msg.Read {
		flags = append(flags, imap.SeenFlag)
	}
	if m.user.isDeleted(msg.ID) {
		flags = append(flags, imap.DeletedFlag)
	}
	return flags
}

// SearchMessages pesquisa mensagens na caixa de entrada
func (m *IMAPMailbox) SearchMessages(uid bool, criteria *imap.SearchCriteria) ([]uint32, error) {
	messages, err := m.messages()
	if err != nil {
		return nil, err
	}

	var results []uint32
	for i, msg := range messages {
		seqNum := uint32(i + 1)
		if !m.matches(msg, seqNum, criteria) {
			continue
		}
		results = append(results, selector(uid, seqNum, msg))
	}

	return results, nil
}

func (m *IMAPMailbox) matches(msg storage.Message, seqNum uint32, c *imap.SearchCriteria) bool {
	if c == nil {
		return true
	}
	if c.SeqNum != nil && !c.SeqNum.Contains(seqNum) {
		return false
	}
	if c.Uid != nil && !c.Uid.Contains(messageUID(msg)) {
		return false
	}

	day := truncateDay(msg.Received)
	if !c.Since.IsZero() && day.Before(truncateDay(c.Since)) {
		return false
	}
	if !c.Before.IsZero() && !day.Before(truncateDay(c.Before)) {
		return false
	}
	if !c.SentSince.IsZero() && day.Before(truncateDay(c.SentSince)) {
		return false
	}
	if !c.SentBefore.IsZero() && !day.Before(truncateDay(c.SentBefore)) {
		return false
	}

	flags := m.flags(msg)
	for _, f := range c.WithFlags {
		if !hasFlag(flags, f) {
			return false
		}
	}
	for _, f := range c.WithoutFlags {
		if hasFlag(flags, f) {
			return false
		}
	}

	doc := m.user.backend.render(msg)
	size := uint32(len(doc.raw()))
	if c.Larger > 0 && size <= c.Larger {
		return false
	}
	if c.Smaller > 0 && size >= c.Smaller {
		return false
	}

	for key, values := range c.Header {
		for _, v := range values {
			if !containsFold(doc.headerValue(key), v) {
				return false
			}
		}
	}
	for _, s := range c.Body {
		if !containsFold(string(doc.body), s) {
			return false
		}
	}
	for _, s := range c.Text {
		if !containsFold(string(doc.raw()), s) {
			return false
		}
	}

	for _, not := range c.Not {
		if m.matches(msg, seqNum, not) {
			return false
		}
	}
	for _, or := range c.Or {
		if !m.matches(msg, seqNum, or[0]) && !m.matches(msg, seqNum, or[1]) {
			return false
		}
	}

	return true
}

// CreateMessage não é suportado: mensagens chegam pelo protocolo ou SMTP
func (m *IMAPMailbox) CreateMessage(flags []string, date time.Time, body imap.Literal) error {
	return errIMAPReadOnly
}

// UpdateMessagesFlags atualiza as flags das mensagens. \Seen só pode ser
// adicionada; \Deleted vale para a sessão até o EXPUNGE. Um STORE recusado
// não altera nenhuma mensagem.
func (m *IMAPMailbox) UpdateMessagesFlags(uid bool, seqSet *imap.SeqSet, operation imap.FlagsOp, flags []string) error {
	messages, err := m.messages()
	if err != nil {
		return err
	}

	seen := hasFlag(flags, imap.SeenFlag)
	deleted := hasFlag(flags, imap.DeletedFlag)

	if operation == imap.RemoveFlags && seen {
		return errIMAPUnseen
	}

	var selected []storage.Message
	for i, msg := range messages {
		if !seqSet.Contains(selector(uid, uint32(i+1), msg)) {
			continue
		}
		if operation == imap.SetFlags && msg.Read && !seen {
			return errIMAPUnseen
		}
		selected = append(selected, msg)
	}

	for _, msg := range selected {
		switch operation {
		case imap.SetFlags:
			m.user.setDeleted(msg.ID, deleted)
		case imap.AddFlags:
			if deleted {
				m.user.setDeleted(msg.ID, true)
			}
		case imap.RemoveFlags:
			if deleted {
				m.user.setDeleted(msg.ID, false)
			}
		}

		if seen && !msg.Read {
			if _, err := m.user.backend.store.ReadMessage(m.user.account.Token, msg.ID); err != nil &&
				!errors.Is(err, storage.ErrMessageNotFound) {
				return fmt.Errorf("falha ao atualizar flags: %w", err)
			}
		}
	}

	return nil
}

// CopyMessages não é suportado: há apenas uma caixa
func (m *IMAPMailbox) CopyMessages(uid bool, seqSet *imap.SeqSet, destName string) error {
	return errIMAPSingleMailbox
}

// Expunge remove as mensagens marcadas como excluídas nesta sessão
func (m *IMAPMailbox) Expunge() error {
	messages, err := m.messages()
	if err != nil {
		return err
	}

	for _, msg := range messages {
		if !m.user.isDeleted(msg.ID) {
			continue
		}
		err := m.user.backend.store.DeleteMessage(m.user.account.Token, msg.ID)
		if err != nil && !errors.Is(err, storage.ErrMessageNotFound) {
			return fmt.Errorf("falha ao excluir mensagem: %w", err)
		}
		m.user.setDeleted(msg.ID, false)
	}

	return nil
}

func (m *IMAPMailbox) messages() ([]storage.Message, error) {
	messages, err := m.user.backend.store.Inbox(m.user.account.Token)
	if err != nil {
		return nil, fmt.Errorf("falha ao listar mensagens: %w", err)
	}
	return messages, nil
}

// messageUID converte o id em UID; UIDs IMAP começam em 1
func messageUID(msg storage.Message) uint32 {
	return uint32(msg.ID + 1)
}

func selector(uid bool, seqNum uint32, msg storage.Message) uint32 {
	if uid {
		return messageUID(msg)
	}
	return seqNum
}

func fetchMarksRead(items []imap.FetchItem) bool {
	for _, item := range items {
		switch item {
		case imap.FetchEnvelope, imap.FetchBody, imap.FetchBodyStructure, imap.FetchFlags,
			imap.FetchInternalDate, imap.FetchRFC822Size, imap.FetchUid:
			continue
		}
		section, err := imap.ParseBodySectionName(item)
		if err == nil && !section.Peek {
			return true
		}
	}
	return false
}

func hasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

func truncateDay(t time.Time) time.Time {
	y, mo, d := t.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
}

// NewIMAPServer cria a visão IMAP a partir da configuração
func NewIMAPServer(cfg config.IMAPConfig, domain string, store storage.Storage) *imapserver.Server {
	be := NewIMAPBackend(store, domain)
	s := imapserver.New(be)

	s.Addr = cfg.Addr()
	s.AllowInsecureAuth = true

	return s
}
