// Package api exposes the mail, oauth and cron services over HTTP.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/contactspidey/mail-infra/internal/apperr"
)

// threadsPerPage is the page size for thread and draft listings.
const threadsPerPage = 30

func respondError(c *gin.Context, err error) {
	ae := apperr.From(err)
	body := gin.H{"error": ae.Message, "code": ae.Code}
	if len(ae.Details) > 0 {
		body["details"] = ae.Details
	}
	c.JSON(ae.HTTPStatus(), body)
}

func bindJSON(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": apperr.CodeMalformedInput})
		return false
	}
	return true
}
