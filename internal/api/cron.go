package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/contactspidey/mail-infra/internal/watch"
)

// CronServer serves the watch renewal job over HTTP so a scheduler can
// trigger it.
type CronServer struct {
	Manager *watch.Manager
	Log     zerolog.Logger
}

func (s *CronServer) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"service": "watchcron"})
	})
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	r.POST("/renew-expired-watches", s.handleRenew)

	return r
}

func (s *CronServer) handleRenew(c *gin.Context) {
	checked, renewed, err := s.Manager.RenewExpired(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"checked_users":   checked,
		"renewed_watches": renewed,
	})
}
