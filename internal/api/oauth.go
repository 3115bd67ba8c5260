package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/contactspidey/mail-infra/internal/apperr"
	"github.com/contactspidey/mail-infra/internal/assist"
	"github.com/contactspidey/mail-infra/internal/auth"
	"github.com/contactspidey/mail-infra/internal/secrets"
	"github.com/contactspidey/mail-infra/internal/store"
)

// OAuthServer serves credential and LLM key management. Tokens are stored
// as received from the OAuth flow; LLM keys are encrypted at rest.
type OAuthServer struct {
	Store    *store.Store
	Crypto   *secrets.Encryptor
	Verifier *auth.Verifier
	Log      zerolog.Logger
}

func (s *OAuthServer) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	authed := r.Group("/", auth.Middleware(s.Verifier))
	authed.POST("/store-auth", s.handleStoreAuth)
	authed.GET("/get-auth", s.handleGetAuth)
	authed.POST("/store-key", s.handleStoreKey)
	authed.GET("/check-keys", s.handleCheckKeys)
	authed.POST("/set-current-key", s.handleSetCurrentKey)

	return r
}

type storeAuthRequest struct {
	UserEmail    string `json:"user_email" binding:"required,email"`
	AccessToken  string `json:"access_token" binding:"required"`
	RefreshToken string `json:"refresh_token"`
}

func (s *OAuthServer) handleStoreAuth(c *gin.Context) {
	var req storeAuthRequest
	if !bindJSON(c, &req) {
		return
	}

	err := s.Store.SaveCredential(c.Request.Context(), store.Credential{
		UserEmail:    req.UserEmail,
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
	})
	if err != nil {
		respondError(c, apperr.Internal(err, "failed to store credentials"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (s *OAuthServer) handleGetAuth(c *gin.Context) {
	userEmail := c.Query("user_email")
	if userEmail == "" {
		respondError(c, apperr.ValidationFailed("user_email query parameter is required"))
		return
	}

	cred, err := s.Store.Credential(c.Request.Context(), userEmail)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_email":    cred.UserEmail,
		"access_token":  cred.AccessToken,
		"refresh_token": cred.RefreshToken,
	})
}

type storeKeyRequest struct {
	UserEmail string `json:"user_email" binding:"required,email"`
	KeyType   string `json:"key_type" binding:"required"`
	KeyValue  string `json:"key_value" binding:"required"`
}

func (s *OAuthServer) handleStoreKey(c *gin.Context) {
	var req storeKeyRequest
	if !bindJSON(c, &req) {
		return
	}
	if !assist.IsSupportedKeyType(req.KeyType) {
		respondError(c, apperr.ValidationFailed("unsupported key type"))
		return
	}

	encrypted, err := s.Crypto.Encrypt(req.KeyValue)
	if err != nil {
		respondError(c, apperr.Internal(err, "failed to encrypt key"))
		return
	}
	if err := s.Store.SaveKey(c.Request.Context(), req.UserEmail, req.KeyType, encrypted); err != nil {
		respondError(c, apperr.Internal(err, "failed to store key"))
		return
	}

	// The first stored key becomes the selected one automatically.
	selected, err := s.Store.SelectedKey(c.Request.Context(), req.UserEmail)
	if err == nil && selected == "" {
		if err := s.Store.SetSelectedKey(c.Request.Context(), req.UserEmail, req.KeyType); err != nil {
			s.Log.Warn().Err(err).Str("user", req.UserEmail).Msg("failed to auto-select key")
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (s *OAuthServer) handleCheckKeys(c *gin.Context) {
	userEmail := c.Query("user_email")
	if userEmail == "" {
		respondError(c, apperr.ValidationFailed("user_email query parameter is required"))
		return
	}

	stored, err := s.Store.KeyTypes(c.Request.Context(), userEmail)
	if err != nil {
		respondError(c, apperr.Internal(err, "failed to list keys"))
		return
	}
	selected, err := s.Store.SelectedKey(c.Request.Context(), userEmail)
	if err != nil {
		respondError(c, apperr.Internal(err, "failed to read selected key"))
		return
	}

	present := make(map[string]bool, len(assist.KeyTypes()))
	for _, kt := range assist.KeyTypes() {
		present[kt] = false
	}
	for _, kt := range stored {
		present[kt] = true
	}
	c.JSON(http.StatusOK, gin.H{
		"keys":        present,
		"current_key": selected,
	})
}

type setCurrentKeyRequest struct {
	UserEmail string `json:"user_email" binding:"required,email"`
	KeyType   string `json:"key_type" binding:"required"`
}

func (s *OAuthServer) handleSetCurrentKey(c *gin.Context) {
	var req setCurrentKeyRequest
	if !bindJSON(c, &req) {
		return
	}
	if !assist.IsSupportedKeyType(req.KeyType) {
		respondError(c, apperr.ValidationFailed("unsupported key type"))
		return
	}

	// Selecting a key the user never stored would break the assistant later.
	if _, err := s.Store.EncryptedKey(c.Request.Context(), req.UserEmail, req.KeyType); err != nil {
		respondError(c, err)
		return
	}
	if err := s.Store.SetSelectedKey(c.Request.Context(), req.UserEmail, req.KeyType); err != nil {
		respondError(c, apperr.Internal(err, "failed to select key"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "current_key": req.KeyType})
}
