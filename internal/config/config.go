package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	NodeEnv   string
	Port      string
	JWTSecret string
	Database  DatabaseConfig
	Agent     AgentConfig
}

// DatabaseConfig holds central database configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	Database string
	Alter    bool
}

// AgentConfig holds device daemon configuration
type AgentConfig struct {
	Port       string
	DataDir    string
	DeviceName string
	ServerURL  string
}

// Load loads server configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	return &Config{
		NodeEnv:   getEnv("NODE_ENV", "development"),
		Port:      getEnv("PORT", "3001"),
		JWTSecret: jwtSecret,
		Database: DatabaseConfig{
			Host:     getEnv("PG_HOST", "localhost"),
			Port:     getEnv("PG_PORT", "5432"),
			Username: getEnv("PG_USERNAME", "postgres"),
			Password: os.Getenv("PG_PASSWORD"),
			Database: getEnv("PG_DATABASE", "medsync"),
			Alter:    getEnv("DB_ALTER", "false") == "true",
		},
		Agent: loadAgentConfig(),
	}, nil
}

// LoadAgent loads device daemon configuration. The agent never needs server
// secrets; it authenticates with the token issued at enrollment.
func LoadAgent() *Config {
	_ = godotenv.Load()

	return &Config{
		NodeEnv: getEnv("NODE_ENV", "development"),
		Agent:   loadAgentConfig(),
	}
}

func loadAgentConfig() AgentConfig {
	return AgentConfig{
		Port:       getEnv("AGENT_PORT", "3100"),
		DataDir:    getEnv("AGENT_DATA_DIR", ".medsync"),
		DeviceName: os.Getenv("DEVICE_NAME"),
		ServerURL:  os.Getenv("SYNC_SERVER_URL"),
	}
}

// getEnv gets environment variable with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
