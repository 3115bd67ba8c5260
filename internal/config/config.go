// Package config loads service configuration from the environment at
// process start. All components receive configuration explicitly; nothing
// reads the environment after Load returns.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// GoogleClient is the OAuth client configuration for the mailbox provider.
type GoogleClient struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	RedirectURIs []string `json:"redirect_uris"`
	TokenURI     string   `json:"token_uri"`
}

// MissingCredentialsError reports an absent or unparsable credential source.
type MissingCredentialsError struct {
	Var    string
	Reason string
}

func (e *MissingCredentialsError) Error() string {
	return fmt.Sprintf("google client credentials: %s (%s)", e.Reason, e.Var)
}

type Config struct {
	Port        string
	Environment string

	// Storage
	DataRoot   string
	CredDBPath string

	// Infrastructure (optional)
	RedisURL string
	NatsURL  string

	// Auth
	JWKSURL       string
	EncryptionKey string

	// Gmail push notifications
	PubSubTopic string

	// OAuth client
	Google GoogleClient

	// Sync
	DefaultSyncWindow time.Duration
}

// Load reads configuration from the environment. A .env file is honored
// when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	google, err := ResolveGoogleClient(os.Getenv("GOOGLE_CLIENT_CRED"))
	if err != nil {
		return nil, err
	}

	return &Config{
		Port:        getEnv("PORT", "8001"),
		Environment: getEnv("ENV", "development"),

		DataRoot:   getEnv("DATA_ROOT", "data"),
		CredDBPath: getEnv("CRED_DB_PATH", "data/credentials.db"),

		RedisURL: getEnv("REDIS_URL", ""),
		NatsURL:  getEnv("NATS_URL", ""),

		JWKSURL:       getEnv("AUTH_JWKS_URL", ""),
		EncryptionKey: getEnv("ENCRYPTION_KEY", ""),

		PubSubTopic: getEnv("GMAIL_PUBSUB_TOPIC", "projects/contact-remedy/topics/gmail-notifications"),

		Google: google,

		DefaultSyncWindow: getEnvDuration("DEFAULT_SYNC_WINDOW", 30*24*time.Hour),
	}, nil
}

// ResolveGoogleClient parses the OAuth client JSON from its single
// configured source. There is deliberately no fallback chain: either the
// value parses or the caller gets a typed error.
func ResolveGoogleClient(raw string) (GoogleClient, error) {
	if raw == "" {
		return GoogleClient{}, &MissingCredentialsError{Var: "GOOGLE_CLIENT_CRED", Reason: "not set"}
	}

	var wrapper struct {
		Web GoogleClient `json:"web"`
	}
	if err := json.Unmarshal([]byte(raw), &wrapper); err != nil {
		return GoogleClient{}, &MissingCredentialsError{Var: "GOOGLE_CLIENT_CRED", Reason: "invalid JSON"}
	}
	if wrapper.Web.ClientID == "" || wrapper.Web.ClientSecret == "" {
		return GoogleClient{}, &MissingCredentialsError{Var: "GOOGLE_CLIENT_CRED", Reason: "missing client_id or client_secret"}
	}
	if wrapper.Web.TokenURI == "" {
		wrapper.Web.TokenURI = "https://oauth2.googleapis.com/token"
	}
	return wrapper.Web, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
