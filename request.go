package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/carloslauriano/simpleMailbox/client"
)

var (
	requestAddr    string
	requestTimeout time.Duration
)

var requestCmd = &cobra.Command{
	Use:   "request <code> [args...]",
	Short: "Envia uma requisição ao servidor e imprime a resposta",
	Long: `Envia uma única requisição do protocolo de mensagens. Exemplos:

  simplemailbox request 1 alice          cria a conta alice
  simplemailbox request 3 1000 bob "oi"  envia "oi" de 1000 para bob
  simplemailbox request 4 1001           lista a caixa de entrada`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRequest,
}

func init() {
	requestCmd.Flags().StringVar(&requestAddr, "addr", "127.0.0.1:5000", "Endereço do servidor")
	requestCmd.Flags().DurationVar(&requestTimeout, "timeout", 5*time.Second, "Tempo limite de conexão")
}

func runRequest(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	c, err := client.Dial(ctx, requestAddr)
	if err != nil {
		return err
	}
	defer c.Close()

	reply, err := c.Do(args...)
	if err != nil {
		return fmt.Errorf("falha na requisição: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), reply)
	return nil
}
