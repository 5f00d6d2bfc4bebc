package server

import (
	"io"
	"net/http"

	"github.com/MarcoPoloResearchLab/wishr/internal/auth"
	"github.com/MarcoPoloResearchLab/wishr/internal/schema"
	"github.com/MarcoPoloResearchLab/wishr/internal/users"
	"github.com/MarcoPoloResearchLab/wishr/internal/views"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxRequestBodyBytes = 1 << 20

type meResponsePayload struct {
	User    schema.User   `json:"user"`
	Summary views.Summary `json:"summary"`
}

func (h *httpHandler) handleGetMe(c *gin.Context) {
	claims, ok := sessionClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "code": "auth.session.invalid"})
		return
	}
	user, found, err := h.users.GetUser(c.Request.Context(), claims.UserID())
	if err != nil {
		h.respondError(c, err)
		return
	}
	if !found {
		h.respondError(c, users.ErrUserNotFound)
		return
	}
	c.JSON(http.StatusOK, meResponse(user, claims.Profile()))
}

func (h *httpHandler) handlePatchMe(c *gin.Context) {
	claims, ok := sessionClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "code": "auth.session.invalid"})
		return
	}
	patch, err := schema.DecodeUserPatch(requestBody(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	ctx := c.Request.Context()
	if err := h.users.UpdateUserByUserID(ctx, claims.UserID(), patch); err != nil {
		h.respondError(c, err)
		return
	}
	user, found, err := h.users.GetUser(ctx, claims.UserID())
	if err != nil {
		h.respondError(c, err)
		return
	}
	if !found {
		h.respondError(c, users.ErrUserNotFound)
		return
	}
	c.JSON(http.StatusOK, meResponse(user, claims.Profile()))
}

func (h *httpHandler) handleDeleteMe(c *gin.Context) {
	claims, ok := sessionClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "code": "auth.session.invalid"})
		return
	}
	if err := h.users.DeleteUserByUserID(c.Request.Context(), claims.UserID()); err != nil {
		h.respondError(c, err)
		return
	}
	h.bridge.EndSession(auth.NewHTTPNavigator(c.Writer, c.Request), claims.SessionID())
	h.logger.Info("user deleted account", zap.String("user_id", claims.UserID()))
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleCreateWishlist(c *gin.Context) {
	claims, ok := sessionClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "code": "auth.session.invalid"})
		return
	}
	wishlist, err := schema.DecodeWishlist(requestBody(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	stored, err := h.users.CreateWishlist(c.Request.Context(), claims.UserID(), wishlist)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, stored)
}

func (h *httpHandler) handlePatchWishlist(c *gin.Context) {
	claims, ok := sessionClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "code": "auth.session.invalid"})
		return
	}
	wishlistID := c.Param("id")
	if !h.requireOwnership(c, claims.UserID(), wishlistID) {
		return
	}
	patch, err := schema.DecodeWishlistPatch(requestBody(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	ctx := c.Request.Context()
	if _, err := h.users.UpdateWishlistByID(ctx, wishlistID, patch); err != nil {
		h.respondError(c, err)
		return
	}
	updated, found, err := h.users.FetchWishlist(ctx, wishlistID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if !found {
		h.respondError(c, users.ErrWishlistNotFound)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *httpHandler) handleDeleteWishlist(c *gin.Context) {
	claims, ok := sessionClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "code": "auth.session.invalid"})
		return
	}
	wishlistID := c.Param("id")
	if !h.requireOwnership(c, claims.UserID(), wishlistID) {
		return
	}
	if _, err := h.users.DeleteWishlistByID(c.Request.Context(), wishlistID); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleReserveItem(c *gin.Context) {
	claims, ok := sessionClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "code": "auth.session.invalid"})
		return
	}
	if err := h.users.ReserveItem(c.Request.Context(), c.Param("id"), c.Param("itemId"), claims.UserID()); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleReleaseItem(c *gin.Context) {
	claims, ok := sessionClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "code": "auth.session.invalid"})
		return
	}
	if err := h.users.ReleaseItem(c.Request.Context(), c.Param("id"), c.Param("itemId"), claims.UserID()); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleAddFriend(c *gin.Context) {
	claims, ok := sessionClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "code": "auth.session.invalid"})
		return
	}
	friend, err := schema.DecodeFriend(requestBody(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	stored, err := h.users.AddFriend(c.Request.Context(), claims.UserID(), friend)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, stored)
}

func (h *httpHandler) handleRemoveFriend(c *gin.Context) {
	claims, ok := sessionClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "code": "auth.session.invalid"})
		return
	}
	if err := h.users.RemoveFriend(c.Request.Context(), claims.UserID(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleSharedWishlist serves a wishlist to anyone holding its link. Reservation
// holders stay anonymous.
func (h *httpHandler) handleSharedWishlist(c *gin.Context) {
	wishlist, found, err := h.users.FetchWishlist(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if !found {
		h.respondError(c, users.ErrWishlistNotFound)
		return
	}
	for index := range wishlist.Items {
		wishlist.Items[index].ReservedBy = ""
	}
	c.JSON(http.StatusOK, wishlist)
}

// requireOwnership answers 404 for unknown wishlists and 403 for wishlists of
// another user, reporting whether the handler may continue.
func (h *httpHandler) requireOwnership(c *gin.Context, userID, wishlistID string) bool {
	wishlist, found, err := h.users.FetchWishlist(c.Request.Context(), wishlistID)
	if err != nil {
		h.respondError(c, err)
		return false
	}
	if !found {
		h.respondError(c, users.ErrWishlistNotFound)
		return false
	}
	if wishlist.UserID != userID {
		h.logger.Warn("wishlist access denied",
			zap.String("user_id", userID),
			zap.String("wishlist_id", wishlistID))
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "code": "users.wishlist.not_owner"})
		return false
	}
	return true
}

func requestBody(c *gin.Context) io.Reader {
	return http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestBodyBytes)
}

func meResponse(user schema.User, profile auth.Profile) meResponsePayload {
	return meResponsePayload{User: user, Summary: views.Summarize(&user, profile)}
}
