package api

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/contactspidey/mail-infra/internal/apperr"
	"github.com/contactspidey/mail-infra/internal/assist"
	"github.com/contactspidey/mail-infra/internal/auth"
	"github.com/contactspidey/mail-infra/internal/gmail"
	"github.com/contactspidey/mail-infra/internal/mailstore/sqlite"
	"github.com/contactspidey/mail-infra/internal/push"
	syncer "github.com/contactspidey/mail-infra/internal/sync"
	"github.com/contactspidey/mail-infra/internal/watch"
)

// EmailServer serves the mail-facing endpoints: sync, webhook, send,
// listing, watch registration, drafts and LLM assistance.
type EmailServer struct {
	Engine   *syncer.Engine
	Watches  *watch.Manager
	Push     *push.Handler
	Assist   *assist.Assistant
	OpenMail func(userEmail string) (*sqlite.Store, error)
	Verifier *auth.Verifier
	Log      zerolog.Logger
}

// Router builds the gin engine. The webhook stays outside the auth group:
// Pub/Sub does not carry user tokens.
func (s *EmailServer) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	r.POST("/gmail-webhook", s.handleWebhook)

	authed := r.Group("/", auth.Middleware(s.Verifier))
	authed.POST("/refresh-emails", s.handleRefresh)
	authed.POST("/send-email", s.handleSend)
	authed.GET("/fetch-emails", s.handleFetch)
	authed.POST("/start-watch", s.handleStartWatch)
	authed.POST("/mark-read", s.handleMarkRead)
	authed.POST("/drafts", s.handleCreateDraft)
	authed.POST("/drafts/bulk", s.handleCreateDrafts)
	authed.GET("/drafts", s.handleListDrafts)
	authed.PUT("/drafts/:draft_id", s.handleUpdateDraft)
	authed.DELETE("/drafts/:draft_id", s.handleDeleteDraft)
	authed.POST("/generate-email", s.handleGenerate)
	authed.POST("/improve-email", s.handleImprove)

	return r
}

type refreshRequest struct {
	UserEmail string `json:"user_email" binding:"required,email"`
}

func (s *EmailServer) handleRefresh(c *gin.Context) {
	var req refreshRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := s.Engine.Sync(c.Request.Context(), req.UserEmail)
	if err != nil {
		respondError(c, err)
		return
	}
	if result.NoUser {
		c.JSON(http.StatusOK, gin.H{
			"status":        "success",
			"message":       "no emails present",
			"emails_synced": 0,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":        "success",
		"emails_synced": result.EmailsSynced,
		"last_sync":     result.LastSync.UTC().Format(time.RFC3339),
	})
}

// handleWebhook always acknowledges with 200; the outcome rides in the
// body. A non-2xx would only make Pub/Sub redeliver.
func (s *EmailServer) handleWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusOK, push.Outcome{Status: push.StatusNoData})
		return
	}
	c.JSON(http.StatusOK, s.Push.Process(c.Request.Context(), body))
}

type sendRequest struct {
	UserEmail string   `json:"user_email" binding:"required,email"`
	To        string   `json:"to" binding:"required,email"`
	Subject   string   `json:"subject" binding:"required"`
	Body      string   `json:"body" binding:"required"`
	Cc        []string `json:"cc"`
	Bcc       []string `json:"bcc"`
	ThreadID  string   `json:"thread_id"`
}

func (s *EmailServer) handleSend(c *gin.Context) {
	var req sendRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := s.Engine.Send(c.Request.Context(), req.UserEmail, gmail.Outgoing{
		From:     req.UserEmail,
		To:       req.To,
		Cc:       req.Cc,
		Bcc:      req.Bcc,
		Subject:  req.Subject,
		Body:     req.Body,
		ThreadID: req.ThreadID,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "success",
		"message_id": result.ID,
		"thread_id":  result.ThreadID,
	})
}

func (s *EmailServer) handleFetch(c *gin.Context) {
	userEmail := c.Query("user_email")
	if userEmail == "" {
		respondError(c, apperr.ValidationFailed("user_email query parameter is required"))
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	if page < 1 {
		page = 1
	}

	db, err := s.OpenMail(userEmail)
	if err != nil {
		respondError(c, apperr.Internal(err, "failed to open mail store"))
		return
	}
	defer db.Close()

	threads, total, hasMore, err := db.ListThreads(c.Request.Context(), page, threadsPerPage)
	if err != nil {
		respondError(c, apperr.Internal(err, "failed to list threads"))
		return
	}
	if threads == nil {
		threads = []sqlite.ThreadGroup{}
	}
	c.JSON(http.StatusOK, gin.H{
		"threads":       threads,
		"page":          page,
		"total_threads": total,
		"has_more":      hasMore,
	})
}

func (s *EmailServer) handleStartWatch(c *gin.Context) {
	var req refreshRequest
	if !bindJSON(c, &req) {
		return
	}

	state, renewed, err := s.Watches.EnsureWatch(c.Request.Context(), req.UserEmail)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "success",
		"history_id": state.HistoryID,
		"expiry":     time.Unix(state.Expiry, 0).UTC().Format(time.RFC3339),
		"renewed":    renewed,
	})
}

type markReadRequest struct {
	UserEmail string `json:"user_email" binding:"required,email"`
	MessageID string `json:"message_id" binding:"required"`
	IsRead    *bool  `json:"is_read" binding:"required"`
}

func (s *EmailServer) handleMarkRead(c *gin.Context) {
	var req markReadRequest
	if !bindJSON(c, &req) {
		return
	}

	db, err := s.OpenMail(req.UserEmail)
	if err != nil {
		respondError(c, apperr.Internal(err, "failed to open mail store"))
		return
	}
	defer db.Close()

	if err := db.SetRead(c.Request.Context(), req.MessageID, *req.IsRead); err != nil {
		respondError(c, apperr.Internal(err, "failed to update read flag"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

type draftRequest struct {
	UserEmail string `json:"user_email" binding:"required,email"`
	ToEmail   string `json:"to_email" binding:"required,email"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

func (s *EmailServer) handleCreateDraft(c *gin.Context) {
	var req draftRequest
	if !bindJSON(c, &req) {
		return
	}

	db, err := s.OpenMail(req.UserEmail)
	if err != nil {
		respondError(c, apperr.Internal(err, "failed to open mail store"))
		return
	}
	defer db.Close()

	now := time.Now().UTC()
	draft := &sqlite.Draft{
		DraftID:   uuid.NewString(),
		ToEmail:   req.ToEmail,
		Subject:   req.Subject,
		Body:      req.Body,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := db.CreateDraft(c.Request.Context(), draft); err != nil {
		respondError(c, apperr.Internal(err, "failed to create draft"))
		return
	}
	c.JSON(http.StatusCreated, draft)
}

type bulkDraftRequest struct {
	UserEmail string `json:"user_email" binding:"required,email"`
	Drafts    []struct {
		ToEmail string `json:"to_email" binding:"required,email"`
		Subject string `json:"subject"`
		Body    string `json:"body"`
	} `json:"drafts" binding:"required,min=1,dive"`
}

// handleCreateDrafts creates several drafts at once, one per recipient.
// Used by the agent front-end when fanning one message out to a list.
func (s *EmailServer) handleCreateDrafts(c *gin.Context) {
	var req bulkDraftRequest
	if !bindJSON(c, &req) {
		return
	}

	db, err := s.OpenMail(req.UserEmail)
	if err != nil {
		respondError(c, apperr.Internal(err, "failed to open mail store"))
		return
	}
	defer db.Close()

	now := time.Now().UTC()
	created := make([]sqlite.Draft, 0, len(req.Drafts))
	for _, d := range req.Drafts {
		draft := sqlite.Draft{
			DraftID:   uuid.NewString(),
			ToEmail:   d.ToEmail,
			Subject:   d.Subject,
			Body:      d.Body,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := db.CreateDraft(c.Request.Context(), &draft); err != nil {
			respondError(c, apperr.Internal(err, "failed to create draft"))
			return
		}
		created = append(created, draft)
	}
	c.JSON(http.StatusCreated, gin.H{"drafts": created})
}

func (s *EmailServer) handleUpdateDraft(c *gin.Context) {
	var req draftRequest
	if !bindJSON(c, &req) {
		return
	}

	db, err := s.OpenMail(req.UserEmail)
	if err != nil {
		respondError(c, apperr.Internal(err, "failed to open mail store"))
		return
	}
	defer db.Close()

	draft := &sqlite.Draft{
		DraftID:   c.Param("draft_id"),
		ToEmail:   req.ToEmail,
		Subject:   req.Subject,
		Body:      req.Body,
		UpdatedAt: time.Now().UTC(),
	}
	found, err := db.UpdateDraft(c.Request.Context(), draft)
	if err != nil {
		respondError(c, apperr.Internal(err, "failed to update draft"))
		return
	}
	if !found {
		respondError(c, apperr.NotFound("draft not found"))
		return
	}
	c.JSON(http.StatusOK, draft)
}

func (s *EmailServer) handleDeleteDraft(c *gin.Context) {
	userEmail := c.Query("user_email")
	if userEmail == "" {
		respondError(c, apperr.ValidationFailed("user_email query parameter is required"))
		return
	}

	db, err := s.OpenMail(userEmail)
	if err != nil {
		respondError(c, apperr.Internal(err, "failed to open mail store"))
		return
	}
	defer db.Close()

	found, err := db.DeleteDraft(c.Request.Context(), c.Param("draft_id"))
	if err != nil {
		respondError(c, apperr.Internal(err, "failed to delete draft"))
		return
	}
	if !found {
		respondError(c, apperr.NotFound("draft not found"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (s *EmailServer) handleListDrafts(c *gin.Context) {
	userEmail := c.Query("user_email")
	if userEmail == "" {
		respondError(c, apperr.ValidationFailed("user_email query parameter is required"))
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	if page < 1 {
		page = 1
	}

	db, err := s.OpenMail(userEmail)
	if err != nil {
		respondError(c, apperr.Internal(err, "failed to open mail store"))
		return
	}
	defer db.Close()

	drafts, total, hasMore, err := db.ListDrafts(c.Request.Context(), page, threadsPerPage)
	if err != nil {
		respondError(c, apperr.Internal(err, "failed to list drafts"))
		return
	}
	if drafts == nil {
		drafts = []sqlite.Draft{}
	}
	c.JSON(http.StatusOK, gin.H{
		"drafts":       drafts,
		"page":         page,
		"total_drafts": total,
		"has_more":     hasMore,
	})
}

type generateRequest struct {
	UserEmail string `json:"user_email" binding:"required,email"`
	Prompt    string `json:"prompt" binding:"required"`
}

func (s *EmailServer) handleGenerate(c *gin.Context) {
	var req generateRequest
	if !bindJSON(c, &req) {
		return
	}

	draft, err := s.Assist.Generate(c.Request.Context(), req.UserEmail, req.Prompt)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"subject": draft.Subject,
		"body":    draft.Body,
	})
}

type improveRequest struct {
	UserEmail string `json:"user_email" binding:"required,email"`
	Action    string `json:"action" binding:"required"`
	Body      string `json:"body" binding:"required"`
}

func (s *EmailServer) handleImprove(c *gin.Context) {
	var req improveRequest
	if !bindJSON(c, &req) {
		return
	}

	improved, err := s.Assist.Improve(c.Request.Context(), req.UserEmail, req.Action, req.Body)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "success",
		"body":   improved,
	})
}
