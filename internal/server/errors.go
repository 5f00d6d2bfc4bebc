package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/wishr/internal/schema"
	"github.com/MarcoPoloResearchLab/wishr/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type codedError interface {
	Code() string
}

type errorMapping struct {
	target error
	status int
	reason string
}

var storeErrorMappings = []errorMapping{
	{target: users.ErrInvalidUserID, status: http.StatusBadRequest, reason: "invalid_user_id"},
	{target: users.ErrInvalidWishlistID, status: http.StatusBadRequest, reason: "invalid_wishlist_id"},
	{target: users.ErrUserNotFound, status: http.StatusNotFound, reason: "user_not_found"},
	{target: users.ErrWishlistNotFound, status: http.StatusNotFound, reason: "wishlist_not_found"},
	{target: users.ErrItemNotFound, status: http.StatusNotFound, reason: "item_not_found"},
	{target: users.ErrItemAlreadyReserved, status: http.StatusConflict, reason: "item_already_reserved"},
	{target: users.ErrDuplicateRecord, status: http.StatusConflict, reason: "duplicate_record"},
}

// respondError writes the JSON error body for err. Validation failures carry the
// offending fields; unmapped errors are logged and reported as internal.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	var validationErr *schema.ValidationError
	if errors.As(err, &validationErr) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "invalid_" + strings.ReplaceAll(validationErr.Entity, " ", "_"),
			"code":   "schema.validation",
			"fields": validationErr.Fields,
		})
		return
	}

	code := ""
	var coded codedError
	if errors.As(err, &coded) {
		code = coded.Code()
	}

	for _, mapping := range storeErrorMappings {
		if errors.Is(err, mapping.target) {
			if code == "" {
				code = "users." + mapping.reason
			}
			c.JSON(mapping.status, gin.H{"error": mapping.reason, "code": code})
			return
		}
	}

	h.logger.Error("request failed",
		zap.String("method", c.Request.Method),
		zap.String("path", c.FullPath()),
		zap.Error(err))
	if code == "" {
		code = "server.internal"
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "code": code})
}
