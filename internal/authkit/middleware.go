package authkit

import (
	"github.com/gin-gonic/gin"
)

// Context keys set by RequireAccessToken.
const (
	ContextKeyUser  = "auth_user"
	ContextKeyToken = "auth_token"
)

// RequireAccessToken validates the bearer access token, resolves the active user, and injects both.
func RequireAccessToken(service *Service) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		accessToken := bearerToken(contextGin.Request)
		if accessToken == "" {
			writeAuthError(contextGin, ErrMalformed)
			return
		}
		user, verified, err := service.Authenticate(contextGin, accessToken)
		if err != nil {
			writeAuthError(contextGin, err)
			return
		}
		contextGin.Set(ContextKeyUser, user)
		contextGin.Set(ContextKeyToken, verified)
		contextGin.Next()
	}
}

// CurrentUser returns the user injected by RequireAccessToken.
func CurrentUser(contextGin *gin.Context) (*User, bool) {
	value, found := contextGin.Get(ContextKeyUser)
	if !found {
		return nil, false
	}
	user, ok := value.(*User)
	return user, ok && user != nil
}
