package main

import (
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/carloslauriano/simpleMailbox/config"
	"github.com/carloslauriano/simpleMailbox/server"
	"github.com/carloslauriano/simpleMailbox/storage"
)

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Inicia o servidor de mensagens e as visões habilitadas",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "config.yaml", "Arquivo de configuração YAML")
}

func runServe(cmd *cobra.Command, args []string) error {
	// Carregar configuração
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Erro ao carregar configuração: %v", err)
	}

	// Inicializar diretório
	store, err := storage.NewStorage(&cfg.Directory)
	if err != nil {
		log.Fatalf("Erro ao inicializar diretório: %v", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := server.NewMetrics(reg, store)

	var stopping atomic.Bool
	var closers []func() error
	g, ctx := errgroup.WithContext(cmd.Context())

	// Erros depois do sinal de parada são o próprio encerramento
	run := func(name string, serve func() error) {
		g.Go(func() error {
			err := serve()
			if stopping.Load() || errors.Is(err, server.ErrServerClosed) || errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			log.Printf("Erro no servidor %s: %v", name, err)
			return err
		})
	}

	srv := server.NewServer(cfg.Server, store, metrics)
	closers = append(closers, srv.Close)
	run("de mensagens", srv.ListenAndServe)

	if cfg.SMTP.Enabled {
		smtpSrv := server.NewSMTPServer(cfg.SMTP, store)
		closers = append(closers, smtpSrv.Close)
		run("SMTP", func() error {
			log.Printf("Iniciando servidor SMTP em %s", smtpSrv.Addr)
			return smtpSrv.ListenAndServe()
		})
	}

	if cfg.IMAP.Enabled {
		imapSrv := server.NewIMAPServer(cfg.IMAP, cfg.SMTP.Domain, store)
		closers = append(closers, imapSrv.Close)
		run("IMAP", func() error {
			log.Printf("Iniciando servidor IMAP em %s", imapSrv.Addr)
			return imapSrv.ListenAndServe()
		})
	}

	if cfg.POP3.Enabled {
		pop3Srv := server.NewPOP3Server(cfg.POP3, cfg.SMTP.Domain, store)
		closers = append(closers, pop3Srv.Close)
		run("POP3", pop3Srv.ListenAndServe)
	}

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, metrics.Handler())
		httpSrv := &http.Server{Addr: cfg.Metrics.Address, Handler: mux}
		closers = append(closers, httpSrv.Close)
		run("de métricas", func() error {
			log.Printf("Expondo métricas em http://%s%s", cfg.Metrics.Address, cfg.Metrics.Path)
			return httpSrv.ListenAndServe()
		})
	}

	// Aguardar sinais de interrupção
	g.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigChan)

		select {
		case sig := <-sigChan:
			log.Printf("Recebido sinal %v, encerrando...", sig)
		case <-ctx.Done():
		}

		stopping.Store(true)
		for _, closeFn := range closers {
			if err := closeFn(); err != nil {
				log.Printf("Erro ao encerrar servidor: %v", err)
			}
		}
		return nil
	})

	return g.Wait()
}
