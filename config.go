package ragserver

import (
	"flag"
	"fmt"
	"os"
)

// AppConfig holds process-level runtime configuration.
type AppConfig struct {
	Host       string
	Port       int
	ConfigFile string
	LogLevel   string
	LogFormat  string
}

// LoadAppConfig reads configuration from CLI flags and environment variables.
// CLI flags take precedence over env vars.
func LoadAppConfig() (*AppConfig, error) {
	return ParseAppConfig(os.Args[1:])
}

// ParseAppConfig is LoadAppConfig over an explicit argument list.
func ParseAppConfig(args []string) (*AppConfig, error) {
	fs := flag.NewFlagSet("rag_server", flag.ContinueOnError)
	host := fs.String("host", "", "Listen host (env: HOST, default: 0.0.0.0)")
	port := fs.Int("port", 0, "Listen port (env: PORT, default: 8000)")
	configFile := fs.String("config", "", "Path to the YAML config file (env: RAG_CONFIG)")
	logLevel := fs.String("log-level", "", "debug, info, warn or error (env: LOG_LEVEL, default: info)")
	logFormat := fs.String("log-format", "", "json or console (env: LOG_FORMAT, default: json)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &AppConfig{
		Host:       envOr("HOST", "0.0.0.0"),
		Port:       envIntOr("PORT", 8000),
		ConfigFile: os.Getenv("RAG_CONFIG"),
		LogLevel:   envOr("LOG_LEVEL", "info"),
		LogFormat:  envOr("LOG_FORMAT", "json"),
	}

	// CLI flags override env
	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *configFile != "" {
		cfg.ConfigFile = *configFile
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *logFormat != "" {
		cfg.LogFormat = *logFormat
	}

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", cfg.Port)
	}
	return cfg, nil
}

// envOr returns the environment variable or a default value.
func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envIntOr returns the environment variable as int or a default value.
func envIntOr(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return def
	}
	return n
}
