package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/carloslauriano/simpleMailbox/storage"
)

// Códigos de função aceitos pelo servidor
const (
	CodeDisconnect    = 0
	CodeCreateAccount = 1
	CodeListAccounts  = 2
	CodeSendMessage   = 3
	CodeShowInbox     = 4
	CodeReadMessage   = 5
	CodeDeleteMessage = 6
)

// Respostas textuais enviadas ao cliente
const (
	ReplyOK                  = "OK"
	ReplyGoodbye             = "Goodbye!"
	ReplyInvalidUsername     = "Invalid username"
	ReplyDuplicateUsername   = "Sorry, the user already exists"
	ReplyInvalidToken        = "Invalid auth token"
	ReplyUserNotFound        = "User does not exist"
	ReplyMessageNotFound     = "Message ID does not exist"
	ReplyInvalidArgument     = "Invalid arguments"
	ReplyInvalidFunctionCode = "Invalid function ID"
)

// ErrInvalidArgument é retornado para número de argumentos errado ou
// inteiro malformado
var ErrInvalidArgument = errors.New("argumento inválido")

// ErrInvalidFunctionCode é retornado para códigos de função desconhecidos
var ErrInvalidFunctionCode = errors.New("código de função inválido")

var replies = []struct {
	err  error
	text string
}{
	{storage.ErrInvalidUsername, ReplyInvalidUsername},
	{storage.ErrDuplicateUsername, ReplyDuplicateUsername},
	{storage.ErrInvalidToken, ReplyInvalidToken},
	{storage.ErrUserNotFound, ReplyUserNotFound},
	{storage.ErrMessageNotFound, ReplyMessageNotFound},
	{ErrInvalidArgument, ReplyInvalidArgument},
	{ErrInvalidFunctionCode, ReplyInvalidFunctionCode},
}

// arity é o número fixo de argumentos de cada código
var arity = map[int]int{
	CodeCreateAccount: 1,
	CodeListAccounts:  1,
	CodeSendMessage:   3,
	CodeShowInbox:     1,
	CodeReadMessage:   2,
	CodeDeleteMessage: 2,
}

// Result é o resultado de uma requisição
type Result struct {
	Code  string // código como recebido, para logs e métricas
	Reply string
	Close bool  // encerrar a conexão após responder
	Err   error // erro de negócio que gerou Reply, nil em caso de sucesso
}

// Dispatcher traduz requisições em operações sobre o diretório.
// Não guarda estado entre chamadas.
type Dispatcher struct {
	store storage.Storage
}

// NewDispatcher cria um novo despachante
func NewDispatcher(store storage.Storage) *Dispatcher {
	return &Dispatcher{store: store}
}

// Dispatch executa uma requisição (código seguido dos argumentos).
// Toda entrada, inclusive malformada, produz uma resposta.
func (d *Dispatcher) Dispatch(request []string) Result {
	if len(request) == 0 {
		return failure(ErrInvalidFunctionCode)
	}
	res := d.dispatch(request[0], request[1:])
	res.Code = request[0]
	return res
}

func (d *Dispatcher) dispatch(rawCode string, args []string) Result {
	code, err := strconv.Atoi(rawCode)
	if err != nil {
		return failure(fmt.Errorf("%w: %q", ErrInvalidFunctionCode, rawCode))
	}

	if code == CodeDisconnect {
		return Result{Reply: ReplyGoodbye, Close: true}
	}

	want, ok := arity[code]
	if !ok {
		return failure(fmt.Errorf("%w: %d", ErrInvalidFunctionCode, code))
	}
	if len(args) != want {
		return failure(fmt.Errorf("%w: código %d espera %d argumentos, recebeu %d",
			ErrInvalidArgument, code, want, len(args)))
	}

	if code == CodeCreateAccount {
		return d.createAccount(args[0])
	}

	token, err := parseUint("token", args[0])
	if err != nil {
		return failure(err)
	}

	switch code {
	case CodeListAccounts:
		return d.listAccounts(token)
	case CodeSendMessage:
		return d.sendMessage(token, args[1], args[2])
	case CodeShowInbox:
		return d.showInbox(token)
	}

	id, err := parseUint("id da mensagem", args[1])
	if err != nil {
		return failure(err)
	}

	if code == CodeReadMessage {
		return d.readMessage(token, id)
	}
	return d.deleteMessage(token, id)
}

func (d *Dispatcher) createAccount(username string) Result {
	token, err := d.store.CreateAccount(username)
	if err != nil {
		return failure(err)
	}
	return Result{Reply: strconv.FormatUint(token, 10)}
}

func (d *Dispatcher) listAccounts(token uint64) Result {
	if _, err := d.store.ResolveToken(token); err != nil {
		return failure(err)
	}
	names := d.store.ListAccounts()
	lines := make([]string, len(names))
	for i, name := range names {
		lines[i] = fmt.Sprintf("%d. %s", i+1, name)
	}
	return Result{Reply: strings.Join(lines, "\n")}
}

func (d *Dispatcher) sendMessage(token uint64, recipient, body string) Result {
	if _, err := d.store.SendMessage(token, recipient, body); err != nil {
		return failure(err)
	}
	return Result{Reply: ReplyOK}
}

func (d *Dispatcher) showInbox(token uint64) Result {
	lines, err := d.store.Summarize(token)
	if err != nil {
		return failure(err)
	}
	return Result{Reply: strings.Join(lines, "\n")}
}

func (d *Dispatcher) readMessage(token, id uint64) Result {
	view, err := d.store.ReadMessage(token, id)
	if err != nil {
		return failure(err)
	}
	return Result{Reply: view}
}

func (d *Dispatcher) deleteMessage(token, id uint64) Result {
	if err := d.store.DeleteMessage(token, id); err != nil {
		return failure(err)
	}
	return Result{Reply: ReplyOK}
}

// IsRefusal informa se reply é um dos textos de recusa do servidor
func IsRefusal(reply string) bool {
	for _, r := range replies {
		if reply == r.text {
			return true
		}
	}
	return false
}

// ReplyFor retorna o texto enviado ao cliente para um erro de negócio
func ReplyFor(err error) string {
	for _, r := range replies {
		if errors.Is(err, r.err) {
			return r.text
		}
	}
	return ReplyInvalidArgument
}

// Outcome classifica o erro para métricas: "ok" ou o nome do erro
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, storage.ErrInvalidUsername):
		return "invalid_username"
	case errors.Is(err, storage.ErrDuplicateUsername):
		return "duplicate_username"
	case errors.Is(err, storage.ErrInvalidToken):
		return "invalid_token"
	case errors.Is(err, storage.ErrUserNotFound):
		return "user_not_found"
	case errors.Is(err, storage.ErrMessageNotFound):
		return "message_not_found"
	case errors.Is(err, ErrInvalidFunctionCode):
		return "invalid_function_code"
	default:
		return "invalid_argument"
	}
}

func failure(err error) Result {
	return Result{Reply: ReplyFor(err), Err: err}
}

func parseUint(what, s string) (uint64, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q não é um inteiro", ErrInvalidArgument, what, s)
	}
	return n, nil
}
