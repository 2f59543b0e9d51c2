package web

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tokenauth/internal/authkit"
	"go.uber.org/zap"
)

const maxProfileFieldLength = 256

var errProfileFieldTooLong = errors.New("profile.field_too_long")

// MountProfileRoutes registers the access-token protected /users/me endpoints.
func MountProfileRoutes(router gin.IRouter, service *authkit.Service, directory authkit.UserDirectory, logger *zap.Logger) {
	protected := router.Group("/users", authkit.RequireAccessToken(service))
	protected.GET("/me", HandleWhoAmI(logger))
	protected.PATCH("/me", HandleProfileUpdate(logger, directory))
}

// HandleWhoAmI returns the authenticated user's profile payload.
func HandleWhoAmI(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		user, ok := authkit.CurrentUser(contextGin)
		if !ok {
			logger.Warn("missing user on context",
				zap.String("code", "api.me.missing_user"))
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": authkit.ErrMalformed.Error()})
			return
		}
		contextGin.JSON(http.StatusOK, profilePayload(user))
	}
}

// HandleProfileUpdate applies the editable profile fields. Verification state and passwords are not editable here.
func HandleProfileUpdate(logger *zap.Logger, directory authkit.UserDirectory) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if directory == nil {
		panic("user directory is required")
	}
	return func(contextGin *gin.Context) {
		user, ok := authkit.CurrentUser(contextGin)
		if !ok {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": authkit.ErrMalformed.Error()})
			return
		}
		var inbound struct {
			FullName   *string `json:"full_name"`
			GivenName  *string `json:"given_name"`
			FamilyName *string `json:"family_name"`
			Picture    *string `json:"picture"`
		}
		if err := contextGin.ShouldBindJSON(&inbound); err != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		update := authkit.ProfileUpdate{
			FullName:   trimmedField(inbound.FullName),
			GivenName:  trimmedField(inbound.GivenName),
			FamilyName: trimmedField(inbound.FamilyName),
			Picture:    trimmedField(inbound.Picture),
		}
		if err := validateProfileUpdate(update); err != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if update.IsEmpty() {
			contextGin.JSON(http.StatusOK, profilePayload(user))
			return
		}
		updated, updateErr := directory.UpdateFields(contextGin, user.Subject, update)
		if updateErr != nil {
			logger.Error("profile update failed",
				zap.String("code", "api.me.update_failed"),
				zap.String("subject", user.Subject),
				zap.Error(updateErr))
			contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal"})
			return
		}
		contextGin.JSON(http.StatusOK, profilePayload(updated))
	}
}

func profilePayload(user *authkit.User) gin.H {
	return gin.H{
		"email":          user.Subject,
		"full_name":      user.FullName,
		"given_name":     user.GivenName,
		"family_name":    user.FamilyName,
		"picture":        user.Picture,
		"email_verified": user.EmailVerified,
	}
}

func trimmedField(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	return &trimmed
}

func validateProfileUpdate(update authkit.ProfileUpdate) error {
	for _, field := range []*string{update.FullName, update.GivenName, update.FamilyName, update.Picture} {
		if field != nil && len(*field) > maxProfileFieldLength {
			return errProfileFieldTooLong
		}
	}
	return nil
}
