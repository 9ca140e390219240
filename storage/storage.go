package storage

import (
	"errors"
	"fmt"

	"github.com/carloslauriano/simpleMailbox/config"
)

// ErrInvalidUsername é retornado quando o nome de usuário é vazio ou contém
// caracteres fora de [A-Za-z0-9_]
var ErrInvalidUsername = errors.New("nome de usuário inválido")

// ErrDuplicateUsername é retornado quando o nome de usuário já está registrado
var ErrDuplicateUsername = errors.New("nome de usuário já existe")

// ErrInvalidToken é retornado quando nenhuma conta possui o token
var ErrInvalidToken = errors.New("token de autenticação inválido")

// ErrUserNotFound é retornado quando um usuário não é encontrado
var ErrUserNotFound = errors.New("usuário não encontrado")

// ErrMessageNotFound é retornado quando uma mensagem não é encontrada
var ErrMessageNotFound = errors.New("mensagem não encontrada")

// Storage é a interface para o diretório de contas e suas caixas de correio.
// As implementações devem ser seguras para uso concorrente.
type Storage interface {
	// Métodos de conta
	CreateAccount(username string) (uint64, error)
	ResolveToken(token uint64) (Account, error)
	ResolveUsername(username string) (Account, bool)
	Authenticate(username string, token uint64) (Account, error)
	ListAccounts() []string

	// Métodos de mensagem
	SendMessage(token uint64, recipient, body string) (Message, error)
	Inbox(token uint64) ([]Message, error)
	Summarize(token uint64) ([]string, error)
	ReadMessage(token, id uint64) (string, error)
	DeleteMessage(token, id uint64) error

	Stats() Stats
}

// NewStorage cria uma nova instância de diretório com base na configuração
func NewStorage(cfg *config.DirectoryConfig) (Storage, error) {
	switch cfg.Type {
	case "memory", "":
		return NewDirectory(cfg.FirstToken), nil
	default:
		return nil, fmt.Errorf("tipo de diretório não suportado: %s", cfg.Type)
	}
}
