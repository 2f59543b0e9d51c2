package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/tokenauth/internal/authkit"
	"github.com/tyemirov/tokenauth/internal/web"
	"go.uber.org/zap"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildGoogleTokenValidator = func(ctx context.Context) (authkit.GoogleTokenValidator, error) {
	return authkit.NewGoogleTokenValidator(ctx)
}

var buildLogger = func() (*zap.Logger, error) {
	return zap.NewProduction()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "tokenauth",
		Short:   "Token service issuing access tokens, rotating refresh tokens, and email verification links",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	storageFlags := rootCmd.PersistentFlags()
	storageFlags.String("database_url", "", "Database URL for users and revocations (postgres:// or sqlite://; empty for in-memory)")
	storageFlags.String("database_driver", "", "Set to gorm to keep postgres revocations on GORM instead of pgx")
	storageFlags.String("redis_url", "", "Redis URL for the revocation set (redis://); takes precedence over database_url")
	storageFlags.Duration("revocation_timeout", 3*time.Second, "Upper bound on every revocation store call")

	flags := rootCmd.Flags()
	flags.String("listen_addr", ":8080", "HTTP listen address")
	flags.String("jwt_signing_key", "", "HMAC signing secret for all tokens")
	flags.String("jwt_algorithm", "HS256", "HMAC algorithm (HS256, HS384, HS512)")
	flags.String("issuer", "tokenauth", "Issuer claim stamped into tokens")
	flags.Duration("access_ttl", 15*time.Minute, "Access token TTL")
	flags.Duration("refresh_ttl", 7*24*time.Hour, "Refresh token TTL")
	flags.Duration("email_verification_ttl", 10*time.Minute, "Email verification link TTL")
	flags.String("verification_url", "", "Base URL of the email verification endpoint embedded in links")
	flags.String("google_web_client_id", "", "Google Web OAuth Client ID; empty disables Google sign-in")
	flags.Duration("nonce_ttl", 5*time.Minute, "Nonce lifetime for Google Sign-In exchanges")
	flags.Bool("dev_insecure_http", false, "Allow insecure HTTP for local dev")
	flags.Bool("enable_cors", false, "Enable CORS for cross-origin clients")
	flags.StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")
	flags.String("smtp_host", "", "SMTP relay host; empty logs verification links instead of mailing them")
	flags.Int("smtp_port", 587, "SMTP relay port")
	flags.String("smtp_username", "", "SMTP username")
	flags.String("smtp_password", "", "SMTP password")
	flags.String("smtp_from", "", "Sender address for verification mail")

	_ = viper.BindPFlags(storageFlags)
	_ = viper.BindPFlags(flags)

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	rootCmd.AddCommand(newPruneCommand())
	return rootCmd
}

const (
	configCodeMissingJWTSigningKey    = "config.missing_jwt_signing_key"
	configCodeInvalidJWTAlgorithm     = "config.invalid_jwt_algorithm"
	configCodeInvalidAccessTTL        = "config.invalid_access_ttl"
	configCodeInvalidRefreshTTL       = "config.invalid_refresh_ttl"
	configCodeInvalidEmailTTL         = "config.invalid_email_verification_ttl"
	configCodeInvalidVerificationURL  = "config.invalid_verification_url"
	configCodeMissingCORSOrigins      = "config.missing_cors_allowed_origins"
	configCodeMissingSMTPFrom         = "config.missing_smtp_from"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeGoogleValidatorInit     = "config.google_validator_init"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadServerConfig validates the bound settings and returns the token service configuration.
func LoadServerConfig() (authkit.ServerConfig, error) {
	jwtSigningKey := viper.GetString("jwt_signing_key")
	if jwtSigningKey == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingJWTSigningKey, "jwt_signing_key must be provided")
	}

	algorithm := strings.ToUpper(strings.TrimSpace(viper.GetString("jwt_algorithm")))
	switch algorithm {
	case "":
		algorithm = "HS256"
	case "HS256", "HS384", "HS512":
	default:
		return authkit.ServerConfig{}, configError(configCodeInvalidJWTAlgorithm, "jwt_algorithm must be HS256, HS384, or HS512")
	}

	accessTTL := viper.GetDuration("access_ttl")
	if accessTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidAccessTTL, "access_ttl must be greater than zero")
	}

	refreshTTL := viper.GetDuration("refresh_ttl")
	if refreshTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidRefreshTTL, "refresh_ttl must be greater than zero")
	}

	emailTTL := 10 * time.Minute
	if viper.IsSet("email_verification_ttl") {
		emailTTL = viper.GetDuration("email_verification_ttl")
		if emailTTL <= 0 {
			return authkit.ServerConfig{}, configError(configCodeInvalidEmailTTL, "email_verification_ttl must be greater than zero")
		}
	}

	verificationURL := strings.TrimSpace(viper.GetString("verification_url"))
	if verificationURL != "" && !strings.HasPrefix(verificationURL, "http://") && !strings.HasPrefix(verificationURL, "https://") {
		return authkit.ServerConfig{}, configError(configCodeInvalidVerificationURL, "verification_url must be an absolute http(s) URL")
	}

	if viper.GetBool("enable_cors") && len(viper.GetStringSlice("cors_allowed_origins")) == 0 {
		return authkit.ServerConfig{}, configError(configCodeMissingCORSOrigins, "cors_allowed_origins must be provided when enable_cors is true")
	}

	if viper.GetString("smtp_host") != "" && viper.GetString("smtp_from") == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingSMTPFrom, "smtp_from must be provided when smtp_host is set")
	}

	nonceTTL := 5 * time.Minute
	if configuredNonceTTL := viper.GetDuration("nonce_ttl"); configuredNonceTTL > 0 {
		nonceTTL = configuredNonceTTL
	}

	return authkit.ServerConfig{
		GoogleWebClientID:    strings.TrimSpace(viper.GetString("google_web_client_id")),
		SigningKey:           []byte(jwtSigningKey),
		SigningAlgorithm:     algorithm,
		Issuer:               viper.GetString("issuer"),
		AccessTTL:            accessTTL,
		RefreshTTL:           refreshTTL,
		EmailVerificationTTL: emailTTL,
		RevocationTimeout:    viper.GetDuration("revocation_timeout"),
		NonceTTL:             nonceTTL,
		VerificationURL:      verificationURL,
		AllowInsecureHTTP:    viper.GetBool("dev_insecure_http"),
	}, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(authkit.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	logger, loggerErr := buildLogger()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	startupCtx := commandContext
	stores, storesErr := openStores(startupCtx, logger)
	if storesErr != nil {
		return storesErr
	}
	defer stores.Close()

	metricsRecorder := authkit.NewCounterMetrics()
	service, serviceErr := authkit.NewService(authkit.ServiceOptions{
		Configuration: serverConfig,
		Revocations:   stores.Revocations,
		Users:         stores.Users,
		Notifier:      buildNotifier(logger),
		Logger:        logger,
		Metrics:       metricsRecorder,
	})
	if serviceErr != nil {
		return serviceErr
	}

	var federation *authkit.GoogleFederation
	if serverConfig.GoogleWebClientID != "" {
		validator, validatorErr := buildGoogleTokenValidator(startupCtx)
		if validatorErr != nil {
			return fmt.Errorf("%s: %w", configCodeGoogleValidatorInit, validatorErr)
		}
		nonces := authkit.NewMemoryNonceStore(serverConfig.NonceTTL, nil)
		federation = authkit.NewGoogleFederation(validator, nonces, serverConfig.GoogleWebClientID)
		logger.Info("google sign-in enabled")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if viper.GetBool("enable_cors") {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, viper.GetStringSlice("cors_allowed_origins"))
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	router.GET("/healthz", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, metricsRecorder.Snapshot())
	})

	authkit.MountAuthRoutes(router, serverConfig, service, federation)
	web.MountProfileRoutes(router, service, stores.Users, logger)

	listenAddr := viper.GetString("listen_addr")
	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-shutdownCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", listenAddr))
	serveErr := serveHTTP(server)
	service.WaitForDeliveries()
	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", serveErr)
	}
	return nil
}

func buildNotifier(logger *zap.Logger) authkit.Notifier {
	host := viper.GetString("smtp_host")
	if host == "" {
		logger.Info("verification links will be logged; no smtp relay configured")
		return authkit.NewLogNotifier(logger)
	}
	return authkit.NewSMTPNotifier(authkit.SMTPConfig{
		Host:     host,
		Port:     viper.GetInt("smtp_port"),
		Username: viper.GetString("smtp_username"),
		Password: viper.GetString("smtp_password"),
		From:     viper.GetString("smtp_from"),
	})
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
