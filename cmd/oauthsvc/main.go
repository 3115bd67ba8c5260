// The oauthsvc binary serves credential and LLM key management.
package main

import (
	"os"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/contactspidey/mail-infra/internal/api"
	"github.com/contactspidey/mail-infra/internal/auth"
	"github.com/contactspidey/mail-infra/internal/config"
	"github.com/contactspidey/mail-infra/internal/secrets"
	"github.com/contactspidey/mail-infra/internal/store"
)

func main() {
	log := newLogger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	credStore, err := store.Open(cfg.CredDBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open credential store")
	}
	defer credStore.Close()

	crypto, err := secrets.NewEncryptor([]byte(cfg.EncryptionKey))
	if err != nil {
		log.Fatal().Err(err).Msg("invalid encryption key")
	}

	var verifier *auth.Verifier
	if cfg.JWKSURL != "" {
		verifier, err = auth.NewVerifier(cfg.JWKSURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize JWT verifier")
		}
	} else {
		log.Warn().Msg("AUTH_JWKS_URL not set, serving without authentication")
	}

	server := &api.OAuthServer{
		Store:    credStore,
		Crypto:   crypto,
		Verifier: verifier,
		Log:      log,
	}

	log.Info().Str("port", cfg.Port).Msg("oauth service listening")
	if err := server.Router().Run(":" + cfg.Port); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func newLogger() zerolog.Logger {
	if os.Getenv("ENV") == "production" {
		return zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}
