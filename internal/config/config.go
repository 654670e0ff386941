// Package config loads daemon settings from the environment, with optional
// .env overrides for development.
package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type Config struct {
	HTTPAddr string
	DataDir  string
	DBPath   string
	WorkDir  string

	LLMProvider    string
	LLMModel       string
	LLMAPIKey      string
	ContextWindow  int64
	LegacyProtocol bool
	AutoApprove    bool

	RestartToken string
}

func Load() Config {
	loadDotEnv(".env")
	dataDir := getEnv("AGENTCORE_DATA_DIR", "data")
	return Config{
		HTTPAddr: getEnv("AGENTCORE_HTTP_ADDR", ":8080"),
		DataDir:  dataDir,
		DBPath:   getEnv("AGENTCORE_DB_PATH", filepath.Join(dataDir, "agentcore.db")),
		WorkDir:  getEnv("AGENTCORE_WORKSPACE_DIR", "."),

		LLMProvider:    getEnv("AGENTCORE_LLM_PROVIDER", "gemini"),
		LLMModel:       getEnv("AGENTCORE_LLM_MODEL", "gemini-2.5-pro"),
		LLMAPIKey:      getEnv("AGENTCORE_LLM_API_KEY", ""),
		ContextWindow:  getEnvInt64("AGENTCORE_CONTEXT_WINDOW", 1_000_000),
		LegacyProtocol: getEnvBool("AGENTCORE_LEGACY_PROTOCOL", false),
		AutoApprove:    getEnvBool("AGENTCORE_AUTO_APPROVE", false),

		RestartToken: getEnv("AGENTCORE_RESTART_TOKEN", ""),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, value)
	}
}
