package config

import (
	"os"
	"strconv"
	"strings"
)

// Environment variables that override values from the config file.
const (
	EnvAPIURL         = "MINITUBE_API_URL"
	EnvWSURL          = "MINITUBE_WS_URL"
	EnvToken          = "MINITUBE_TOKEN"
	EnvLogLevel       = "MINITUBE_LOG_LEVEL"
	EnvUploadMaxBytes = "MINITUBE_UPLOAD_MAX_BYTES"
)

// applyEnv overlays environment variables on top of file values.
func (c *ClientConfig) applyEnv() {
	if v := getEnvString(EnvAPIURL); v != "" {
		c.APIURL = strings.TrimSuffix(v, "/")
	}
	if v := getEnvString(EnvWSURL); v != "" {
		c.WSURL = strings.TrimSuffix(v, "/")
	}
	if v := getEnvString(EnvToken); v != "" {
		c.Token = v
	}
	if v := getEnvString(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	if n := getEnvInt64(EnvUploadMaxBytes, 0); n > 0 {
		c.Upload.MaxBytes = n
	}
}

func getEnvString(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// getEnvInt64 reads an integer from an environment variable, returning the default if unset or invalid.
func getEnvInt64(key string, defaultVal int64) int64 {
	val := getEnvString(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return defaultVal
	}
	return n
}
