package authkit

import (
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// MountAuthRoutes registers the login, rotation, logout, and email-link endpoints.
// Google sign-in routes are mounted only when federation is non-nil.
func MountAuthRoutes(router gin.IRouter, configuration ServerConfig, service *Service, federation *GoogleFederation) {
	router.POST("/auth/register", func(contextGin *gin.Context) {
		var inbound struct {
			Email    string `json:"email" form:"email"`
			Password string `json:"password" form:"password"`
		}
		if err := contextGin.ShouldBind(&inbound); err != nil || strings.TrimSpace(inbound.Email) == "" || inbound.Password == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		user, registerErr := service.Register(contextGin, inbound.Email, inbound.Password)
		if errors.Is(registerErr, ErrUserExists) {
			contextGin.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": ErrUserExists.Error()})
			return
		}
		if registerErr != nil {
			writeAuthError(contextGin, registerErr)
			return
		}
		contextGin.JSON(http.StatusCreated, gin.H{"email": user.Subject, "email_verified": user.EmailVerified})
	})

	router.POST("/auth/login", func(contextGin *gin.Context) {
		var inbound struct {
			Username string `json:"username" form:"username"`
			Password string `json:"password" form:"password"`
		}
		if err := contextGin.ShouldBind(&inbound); err != nil || strings.TrimSpace(inbound.Username) == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		pair, loginErr := service.LoginWithPassword(contextGin, inbound.Username, inbound.Password)
		if loginErr != nil {
			writeAuthError(contextGin, loginErr)
			return
		}
		contextGin.JSON(http.StatusOK, pair)
	})

	router.POST("/auth/refresh", func(contextGin *gin.Context) {
		var inbound struct {
			RefreshToken string `json:"refresh_token" form:"refresh_token"`
		}
		if err := contextGin.ShouldBind(&inbound); err != nil || strings.TrimSpace(inbound.RefreshToken) == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		pair, refreshErr := service.Refresh(contextGin, inbound.RefreshToken)
		if refreshErr != nil {
			writeAuthError(contextGin, refreshErr)
			return
		}
		contextGin.JSON(http.StatusOK, pair)
	})

	router.POST("/auth/logout", func(contextGin *gin.Context) {
		accessToken := bearerToken(contextGin.Request)
		if accessToken == "" {
			writeAuthError(contextGin, ErrMalformed)
			return
		}
		var inbound struct {
			RefreshToken string `json:"refresh_token" form:"refresh_token"`
		}
		if contextGin.Request.ContentLength > 0 {
			if err := contextGin.ShouldBind(&inbound); err != nil {
				contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
				return
			}
		}
		if logoutErr := service.Logout(contextGin, accessToken, strings.TrimSpace(inbound.RefreshToken)); logoutErr != nil {
			writeAuthError(contextGin, logoutErr)
			return
		}
		contextGin.Status(http.StatusNoContent)
	})

	router.POST("/auth/email/send-code", func(contextGin *gin.Context) {
		var inbound struct {
			Email string `json:"email" form:"email"`
		}
		if err := contextGin.ShouldBind(&inbound); err != nil || !strings.Contains(inbound.Email, "@") {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		if _, requestErr := service.RequestEmailLogin(contextGin, inbound.Email); requestErr != nil {
			writeAuthError(contextGin, requestErr)
			return
		}
		contextGin.JSON(http.StatusAccepted, gin.H{"message": "Verification code sent", "email": NormalizeSubject(inbound.Email)})
	})

	router.GET("/auth/email/verify-token", func(contextGin *gin.Context) {
		token := strings.TrimSpace(contextGin.Query("token"))
		if token == "" {
			writeAuthError(contextGin, ErrMalformed)
			return
		}
		pair, redeemErr := service.RedeemEmailVerification(contextGin, token)
		if redeemErr != nil {
			writeAuthError(contextGin, redeemErr)
			return
		}
		contextGin.JSON(http.StatusOK, pair)
	})

	if federation == nil {
		return
	}

	router.GET("/auth/nonce", func(contextGin *gin.Context) {
		nonce, err := federation.IssueNonce(contextGin)
		if err != nil {
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		contextGin.Header("Cache-Control", "no-store")
		contextGin.JSON(http.StatusOK, gin.H{"nonce": nonce})
	})

	router.POST("/auth/google", func(contextGin *gin.Context) {
		var inbound struct {
			GoogleIDToken string `json:"google_id_token"`
			Nonce         string `json:"nonce"`
		}
		if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.GoogleIDToken) == "" || strings.TrimSpace(inbound.Nonce) == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		if !configuration.AllowInsecureHTTP && !isHTTPS(contextGin.Request) {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "https_required"})
			return
		}
		claims, exchangeErr := federation.Exchange(contextGin, inbound.GoogleIDToken, inbound.Nonce)
		if exchangeErr != nil {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_google_token"})
			return
		}
		pair, loginErr := service.LoginWithExternalClaims(contextGin, claims)
		if loginErr != nil {
			writeAuthError(contextGin, loginErr)
			return
		}
		contextGin.JSON(http.StatusOK, pair)
	})
}

// StatusForError maps an auth error to its HTTP status.
func StatusForError(err error) int {
	switch {
	case errors.Is(err, ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrInactiveUser), errors.Is(err, ErrEmailNotVerified):
		return http.StatusForbidden
	case errors.Is(err, ErrMalformed), errors.Is(err, ErrInvalidSignature), errors.Is(err, ErrExpired),
		errors.Is(err, ErrWrongKind), errors.Is(err, ErrRevoked), errors.Is(err, ErrUnknownSubject),
		errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrSubjectMismatch):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func writeAuthError(contextGin *gin.Context, err error) {
	status := StatusForError(err)
	if status == http.StatusUnauthorized {
		contextGin.Header("WWW-Authenticate", "Bearer")
	}
	contextGin.AbortWithStatusJSON(status, gin.H{"error": ErrorCode(err)})
}

func bearerToken(request *http.Request) string {
	header := strings.TrimSpace(request.Header.Get("Authorization"))
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func isHTTPS(request *http.Request) bool {
	if request.TLS != nil {
		return true
	}
	scheme := request.Header.Get("X-Forwarded-Proto")
	if strings.EqualFold(scheme, "https") {
		return true
	}
	forwarded := request.Header.Get("Forwarded")
	if forwarded != "" && strings.Contains(strings.ToLower(forwarded), "proto=https") {
		return true
	}
	host, _, splitErr := net.SplitHostPort(request.Host)
	if splitErr == nil && host == "localhost" {
		return true
	}
	return false
}
