// The watchcron binary serves the watch renewal job: a scheduler POSTs
// /renew-expired-watches at least daily and watches close to expiry get
// re-registered.
package main

import (
	"os"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/contactspidey/mail-infra/internal/api"
	"github.com/contactspidey/mail-infra/internal/config"
	"github.com/contactspidey/mail-infra/internal/gmail"
	"github.com/contactspidey/mail-infra/internal/store"
	"github.com/contactspidey/mail-infra/internal/tokens"
	"github.com/contactspidey/mail-infra/internal/watch"
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

	server := &api.CronServer{
		Manager: &watch.Manager{
			Watches:   credStore,
			Creds:     credStore,
			Dial:      gmail.Dial,
			Refresher: tokens.NewRefresher(cfg.Google, credStore),
			Topic:     cfg.PubSubTopic,
			Log:       log,
		},
		Log: log,
	}

	log.Info().Str("port", cfg.Port).Msg("watch cron service listening")
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
