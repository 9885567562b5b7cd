package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/api/http"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/auth"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/browserpool"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/db"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/events"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/grpc/tls"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/lease"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/ratelimit"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/sessions"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/storage"
)

type Config struct {
	Log       LogConfig
	Http      http.Config
	Grpc      GrpcConfig
	Session   sessions.Config
	Pool      browserpool.Config
	Auth      auth.ManagerConfig
	Admin     auth.Config
	RateLimit ratelimit.Config `mapstructure:"ratelimit"`
	Storage   StorageConfig
	Lease     lease.Config
	Events    events.Config
}

type GrpcConfig struct {
	Port          int           `mapstructure:"port"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	TLS           tls.Config    `mapstructure:"tls"`
}

type StorageConfig struct {
	Type     string            `mapstructure:"type"`
	JSONL    storage.LogConfig `mapstructure:"jsonl"`
	Postgres db.Config         `mapstructure:"postgres"`
}

var config Config

func ParseCommaSeparated(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func InitConfig() {
	var err error

	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/mcp-gateway-server")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	_ = viper.BindEnv("admin.jwt_secret", "JWT_SECRET")
	_ = viper.BindEnv("storage.postgres.url", "DATABASE_URL")

	if err := viper.ReadInConfig(); err != nil {
		panic(err)
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		panic(err)
	}

	initLogger(config.Log.Level)

	if strings.ToUpper(config.Log.Level) == LOG_LEVEL_DEBUG {
		configJSON, err := json.MarshalIndent(config, "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
}
