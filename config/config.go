package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config representa a configuração global do sistema
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Directory DirectoryConfig `mapstructure:"directory"`
	SMTP      SMTPConfig      `mapstructure:"smtp"`
	IMAP      IMAPConfig      `mapstructure:"imap"`
	POP3      POP3Config      `mapstructure:"pop3"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// ServerConfig representa a configuração do servidor de mensagens
type ServerConfig struct {
	Address       string `mapstructure:"address"`
	Port          int    `mapstructure:"port"`
	MaxFieldBytes int    `mapstructure:"max_field_bytes"`
}

// DirectoryConfig representa a configuração do diretório de contas
type DirectoryConfig struct {
	Type       string `mapstructure:"type"` // apenas "memory"
	FirstToken uint64 `mapstructure:"first_token"`
}

// SMTPConfig representa a configuração do gateway SMTP
type SMTPConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Address         string        `mapstructure:"address"`
	Port            int           `mapstructure:"port"`
	Domain          string        `mapstructure:"domain"`
	MaxMessageBytes int           `mapstructure:"max_message_bytes"`
	MaxRecipients   int           `mapstructure:"max_recipients"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
}

// IMAPConfig representa a configuração da visão IMAP
type IMAPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
	Port    int    `mapstructure:"port"`
}

// POP3Config representa a configuração da visão POP3
type POP3Config struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
	Port    int    `mapstructure:"port"`
}

// MetricsConfig representa a configuração do endpoint de métricas
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
	Path    string `mapstructure:"path"`
}

// Addr retorna o endereço de escuta do servidor de mensagens
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Address, c.Port)
}

// Addr retorna o endereço de escuta do gateway SMTP
func (c SMTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Address, c.Port)
}

// Addr retorna o endereço de escuta da visão IMAP
func (c IMAPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Address, c.Port)
}

func (c POP3Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Address, c.Port)
}

const envPrefix = "SIMPLEMAILBOX"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.max_field_bytes", 65535)

	v.SetDefault("directory.type", "memory")
	v.SetDefault("directory.first_token", 1000)

	v.SetDefault("smtp.enabled", false)
	v.SetDefault("smtp.address", "0.0.0.0")
	v.SetDefault("smtp.port", 2525)
	v.SetDefault("smtp.domain", "localhost")
	v.SetDefault("smtp.max_message_bytes", 1024*1024)
	v.SetDefault("smtp.max_recipients", 50)
	v.SetDefault("smtp.read_timeout", 10*time.Second)
	v.SetDefault("smtp.write_timeout", 10*time.Second)

	v.SetDefault("imap.enabled", false)
	v.SetDefault("imap.address", "0.0.0.0")
	v.SetDefault("imap.port", 1143)

	v.SetDefault("pop3.enabled", false)
	v.SetDefault("pop3.address", "0.0.0.0")
	v.SetDefault("pop3.port", 1110)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.address", "127.0.0.1:9100")
	v.SetDefault("metrics.path", "/metrics")
}

// LoadConfig carrega as configurações do arquivo YAML indicado.
// Um caminho vazio ou um arquivo inexistente resulta nos valores padrão;
// variáveis SIMPLEMAILBOX_* sobrescrevem ambos.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("erro ao ler arquivo de configuração: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("erro ao acessar arquivo de configuração: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("erro ao processar configuração: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate verifica se a configuração é utilizável
func (c *Config) Validate() error {
	if err := validPort("server.port", c.Server.Port); err != nil {
		return err
	}
	if c.Server.MaxFieldBytes <= 0 {
		return fmt.Errorf("configuração inválida: server.max_field_bytes deve ser positivo")
	}
	if c.Directory.Type != "memory" {
		return fmt.Errorf("tipo de diretório não suportado: %s", c.Directory.Type)
	}
	if c.SMTP.Enabled {
		if err := validPort("smtp.port", c.SMTP.Port); err != nil {
			return err
		}
	}
	if c.IMAP.Enabled {
		if err := validPort("imap.port", c.IMAP.Port); err != nil {
			return err
		}
	}
	if c.POP3.Enabled {
		if err := validPort("pop3.port", c.POP3.Port); err != nil {
			return err
		}
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return fmt.Errorf("configuração inválida: metrics.address vazio")
	}
	return nil
}

func validPort(key string, port int) error {
	// 0 pede uma porta efêmera ao sistema
	if port < 0 || port > 65535 {
		return fmt.Errorf("configuração inválida: %s fora do intervalo: %d", key, port)
	}
	return nil
}
