package server

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carloslauriano/simpleMailbox/config"
	"github.com/carloslauriano/simpleMailbox/protocol"
	"github.com/carloslauriano/simpleMailbox/storage"
)

// ErrServerClosed é retornado por Serve depois de Close
var ErrServerClosed = errors.New("servidor encerrado")

// acceptor guarda o listener de um servidor e o laço de aceitação
// compartilhado pelas visões TCP
type acceptor struct {
	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

// serve aceita conexões em listener até Close, uma goroutine por conexão.
// Erros de Accept são registrados e o laço continua.
func (a *acceptor) serve(listener net.Listener, name string, handle func(net.Conn)) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		listener.Close()
		return ErrServerClosed
	}
	a.listener = listener
	a.mu.Unlock()

	log.Printf("Iniciando servidor %s em %s", name, listener.Addr())

	for {
		conn, err := listener.Accept()
		if err != nil {
			if a.isClosed() || errors.Is(err, net.ErrClosed) {
				return ErrServerClosed
			}
			log.Printf("Erro ao aceitar conexão %s: %v", name, err)
			continue
		}

		go handle(conn)
	}
}

// Addr retorna o endereço em escuta, ou nil antes de Serve
func (a *acceptor) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Close para de aceitar conexões. Conexões abertas continuam até o cliente sair.
func (a *acceptor) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	if a.listener != nil {
		return a.listener.Close()
	}
	return nil
}

func (a *acceptor) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// Server implementa o servidor de mensagens sobre TCP
type Server struct {
	acceptor
	cfg        config.ServerConfig
	dispatcher *protocol.Dispatcher
	metrics    *Metrics
}

// NewServer cria um novo servidor de mensagens. metrics pode ser nil.
func NewServer(cfg config.ServerConfig, store storage.Storage, metrics *Metrics) *Server {
	return &Server{
		cfg:        cfg,
		dispatcher: protocol.NewDispatcher(store),
		metrics:    metrics,
	}
}

// ListenAndServe escuta no endereço configurado e atende conexões
func (s *Server) ListenAndServe() error {
	addr := s.cfg.Addr()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("falha ao iniciar servidor de mensagens: %w", err)
	}
	return s.Serve(listener)
}

// Serve atende conexões do protocolo de mensagens em listener
func (s *Server) Serve(listener net.Listener) error {
	return s.serve(listener, "de mensagens", s.handleConnection)
}

// handleConnection atende uma conexão: lê uma requisição, despacha,
// responde e repete até o código 0, EOF ou erro de E/S
func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	session := uuid.NewString()
	log.Printf("[%s] cliente conectado de %s", session, conn.RemoteAddr())

	s.metrics.connOpened()
	defer s.metrics.connClosed()

	r := protocol.NewReader(conn, s.cfg.MaxFieldBytes)
	w := protocol.NewWriter(conn)

	for {
		request, err := r.ReadFrame()
		start := time.Now()
		var res protocol.Result
		switch {
		case err == nil:
			res = s.dispatcher.Dispatch(request)
		case errors.Is(err, protocol.ErrFieldTooLarge), errors.Is(err, protocol.ErrTooManyFields):
			res = protocol.Result{Reply: protocol.ReplyInvalidArgument, Err: protocol.ErrInvalidArgument}
		case errors.Is(err, io.EOF):
			log.Printf("[%s] cliente desconectou", session)
			return
		default:
			log.Printf("[%s] erro de leitura: %v", session, err)
			return
		}

		s.metrics.observe(res, time.Since(start))
		if res.Err != nil {
			log.Printf("[%s] requisição %q recusada: %v", session, res.Code, res.Err)
		}

		if err := w.WriteFrame(res.Reply); err != nil {
			log.Printf("[%s] erro de escrita: %v", session, err)
			return
		}

		if res.Close {
			log.Printf("[%s] sessão encerrada pelo cliente", session)
			return
		}
	}
}
