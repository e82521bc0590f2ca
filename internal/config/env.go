package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Transport kinds accepted in RELAY_TRANSPORT.
const (
	TransportSMTP  = "smtp"
	TransportGmail = "gmail"
)

// Env carries credentials and process settings that never land in the
// persisted config file.
type Env struct {
	Transport string

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPInsecure bool

	OAuthClientID     string
	OAuthClientSecret string

	ExporterBin string
	MessagesDB  string
}

// LoadEnv loads envFile (when non-empty) into the process environment and
// reads the relay variables from it.
func LoadEnv(envFile string) (Env, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return Env{}, fmt.Errorf("godotenv.Load failed: %w", err)
		}
	}

	port, err := strconv.Atoi(getEnv("SMTP_PORT", "587"))
	if err != nil {
		return Env{}, fmt.Errorf("invalid SMTP_PORT: %w", err)
	}

	insecure, err := strconv.ParseBool(getEnv("SMTP_INSECURE", "false"))
	if err != nil {
		return Env{}, fmt.Errorf("invalid SMTP_INSECURE: %w", err)
	}

	env := Env{
		Transport:         strings.ToLower(getEnv("RELAY_TRANSPORT", TransportSMTP)),
		SMTPHost:          getEnv("SMTP_HOST", "smtp.gmail.com"),
		SMTPPort:          port,
		SMTPUsername:      os.Getenv("SMTP_USERNAME"),
		SMTPPassword:      os.Getenv("SMTP_PASSWORD"),
		SMTPInsecure:      insecure,
		OAuthClientID:     os.Getenv("OAUTH_GOOGLE_CLIENT_ID"),
		OAuthClientSecret: os.Getenv("OAUTH_GOOGLE_CLIENT_SECRET"),
		ExporterBin:       getEnv("IMESSAGE_EXPORTER_BIN", "imessage-exporter"),
		MessagesDB:        os.Getenv("IMESSAGE_DB_PATH"),
	}

	switch env.Transport {
	case TransportSMTP, TransportGmail:
	default:
		return Env{}, fmt.Errorf("unsupported RELAY_TRANSPORT %q", env.Transport)
	}

	return env, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
