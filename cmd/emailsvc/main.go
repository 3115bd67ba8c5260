// The emailsvc binary serves the mail endpoints: sync, Gmail webhook,
// send, thread listing, watch registration, drafts and LLM assistance.
package main

import (
	"os"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/contactspidey/mail-infra/internal/api"
	"github.com/contactspidey/mail-infra/internal/assist"
	"github.com/contactspidey/mail-infra/internal/auth"
	"github.com/contactspidey/mail-infra/internal/config"
	"github.com/contactspidey/mail-infra/internal/gmail"
	"github.com/contactspidey/mail-infra/internal/mailstore/sqlite"
	"github.com/contactspidey/mail-infra/internal/natsjs"
	"github.com/contactspidey/mail-infra/internal/push"
	"github.com/contactspidey/mail-infra/internal/secrets"
	"github.com/contactspidey/mail-infra/internal/store"
	syncer "github.com/contactspidey/mail-infra/internal/sync"
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

	crypto, err := secrets.NewEncryptor([]byte(cfg.EncryptionKey))
	if err != nil {
		log.Fatal().Err(err).Msg("invalid encryption key")
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	}

	refresher := tokens.NewRefresher(cfg.Google, credStore)
	openMail := func(userEmail string) (*sqlite.Store, error) {
		return sqlite.OpenUserDB(cfg.DataRoot, userEmail)
	}

	engine := &syncer.Engine{
		Creds: credStore,
		Open: func(userEmail string) (syncer.MailDB, error) {
			return openMail(userEmail)
		},
		Dial:      gmail.Dial,
		Refresher: refresher,
		Locker:    syncer.NewRedisLocker(redisClient),
		Window:    cfg.DefaultSyncWindow,
		Log:       log,
	}
	if cfg.NatsURL != "" {
		pub, err := natsjs.NewPublisher(cfg.NatsURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to NATS")
		}
		defer pub.Close()
		engine.Publisher = pub
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

	server := &api.EmailServer{
		Engine: engine,
		Watches: &watch.Manager{
			Watches:   credStore,
			Creds:     credStore,
			Dial:      gmail.Dial,
			Refresher: refresher,
			Topic:     cfg.PubSubTopic,
			Log:       log,
		},
		Push: &push.Handler{
			Syncer: engine,
			Redis:  redisClient,
			Log:    log,
		},
		Assist: &assist.Assistant{
			Keys:   credStore,
			Crypto: crypto,
		},
		OpenMail: openMail,
		Verifier: verifier,
		Log:      log,
	}

	log.Info().Str("port", cfg.Port).Msg("email service listening")
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
