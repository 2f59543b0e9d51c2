package authkit

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"google.golang.org/api/idtoken"
)

func newTestRouter(t *testing.T, harness *testHarness, federation *GoogleFederation) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	MountAuthRoutes(router, harness.config, harness.service, federation)
	protected := router.Group("/", RequireAccessToken(harness.service))
	protected.GET("/whoami", func(contextGin *gin.Context) {
		user, ok := CurrentUser(contextGin)
		if !ok {
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"email": user.Subject})
	})
	return router
}

func performJSON(router http.Handler, method string, target string, body interface{}, bearer string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		encoded, _ := json.Marshal(body)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, target, reader)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		request.Header.Set("Authorization", "Bearer "+bearer)
	}
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	return recorder
}

func decodePair(t *testing.T, recorder *httptest.ResponseRecorder) TokenPair {
	t.Helper()
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var pair TokenPair
	if err := json.Unmarshal(recorder.Body.Bytes(), &pair); err != nil {
		t.Fatalf("decode pair: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" || pair.TokenType != "bearer" {
		t.Fatalf("incomplete pair %+v", pair)
	}
	return pair
}

func errorCodeOf(t *testing.T, recorder *httptest.ResponseRecorder) string {
	t.Helper()
	var payload map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error body %q: %v", recorder.Body.String(), err)
	}
	return payload["error"]
}

func TestHTTPPasswordLifecycle(t *testing.T) {
	harness := newTestHarness(t)
	if err := harness.users.seed(verifiedUser(t, harness, "alice@example.com", "pw")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	router := newTestRouter(t, harness, nil)

	form := url.Values{"username": {"alice@example.com"}, "password": {"pw"}}
	formRequest := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(form.Encode()))
	formRequest.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	formRecorder := httptest.NewRecorder()
	router.ServeHTTP(formRecorder, formRequest)
	pair := decodePair(t, formRecorder)

	whoami := performJSON(router, http.MethodGet, "/whoami", nil, pair.AccessToken)
	if whoami.Code != http.StatusOK || !strings.Contains(whoami.Body.String(), "alice@example.com") {
		t.Fatalf("unexpected whoami response %d %s", whoami.Code, whoami.Body.String())
	}

	rotated := decodePair(t, performJSON(router, http.MethodPost, "/auth/refresh", map[string]string{"refresh_token": pair.RefreshToken}, ""))

	reuse := performJSON(router, http.MethodPost, "/auth/refresh", map[string]string{"refresh_token": pair.RefreshToken}, "")
	if reuse.Code != http.StatusUnauthorized || errorCodeOf(t, reuse) != "token.revoked" {
		t.Fatalf("expected 401 token.revoked, got %d %s", reuse.Code, reuse.Body.String())
	}
	if reuse.Header().Get("WWW-Authenticate") != "Bearer" {
		t.Fatalf("expected bearer challenge header")
	}

	logout := performJSON(router, http.MethodPost, "/auth/logout", map[string]string{"refresh_token": rotated.RefreshToken}, rotated.AccessToken)
	if logout.Code != http.StatusNoContent {
		t.Fatalf("expected 204 from logout, got %d %s", logout.Code, logout.Body.String())
	}
	afterLogout := performJSON(router, http.MethodPost, "/auth/refresh", map[string]string{"refresh_token": rotated.RefreshToken}, "")
	if afterLogout.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", afterLogout.Code)
	}
}

func TestHTTPErrorStatuses(t *testing.T) {
	harness := newTestHarness(t)
	unverified := verifiedUser(t, harness, "carol@example.com", "pw")
	unverified.EmailVerified = false
	if err := harness.users.seed(unverified); err != nil {
		t.Fatalf("seed: %v", err)
	}
	router := newTestRouter(t, harness, nil)

	access, _ := NewTokenIssuer(newTestCodec(t), harness.config, harness.clock).IssueAccess("carol@example.com", 0)

	testCases := []struct {
		name         string
		method       string
		target       string
		body         interface{}
		bearer       string
		expectedCode int
		expectedErr  string
	}{
		{name: "bad credentials", method: http.MethodPost, target: "/auth/login", body: map[string]string{"username": "nobody@example.com", "password": "x"}, expectedCode: http.StatusUnauthorized, expectedErr: "auth.invalid_credentials"},
		{name: "unverified login", method: http.MethodPost, target: "/auth/login", body: map[string]string{"username": "carol@example.com", "password": "pw"}, expectedCode: http.StatusForbidden, expectedErr: "auth.email_not_verified"},
		{name: "missing username", method: http.MethodPost, target: "/auth/login", body: map[string]string{"password": "x"}, expectedCode: http.StatusBadRequest, expectedErr: "invalid_request"},
		{name: "malformed refresh", method: http.MethodPost, target: "/auth/refresh", body: map[string]string{"refresh_token": "garbage"}, expectedCode: http.StatusUnauthorized, expectedErr: "token.malformed"},
		{name: "access as refresh", method: http.MethodPost, target: "/auth/refresh", body: map[string]string{"refresh_token": access.Token}, expectedCode: http.StatusUnauthorized, expectedErr: "token.wrong_kind"},
		{name: "missing bearer", method: http.MethodGet, target: "/whoami", expectedCode: http.StatusUnauthorized, expectedErr: "token.malformed"},
		{name: "logout without bearer", method: http.MethodPost, target: "/auth/logout", expectedCode: http.StatusUnauthorized, expectedErr: "token.malformed"},
		{name: "verify without token", method: http.MethodGet, target: "/auth/email/verify-token", expectedCode: http.StatusUnauthorized, expectedErr: "token.malformed"},
		{name: "send code without address", method: http.MethodPost, target: "/auth/email/send-code", body: map[string]string{"email": "not-an-address"}, expectedCode: http.StatusBadRequest, expectedErr: "invalid_request"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			recorder := performJSON(router, testCase.method, testCase.target, testCase.body, testCase.bearer)
			if recorder.Code != testCase.expectedCode {
				t.Fatalf("expected %d, got %d: %s", testCase.expectedCode, recorder.Code, recorder.Body.String())
			}
			if code := errorCodeOf(t, recorder); code != testCase.expectedErr {
				t.Fatalf("expected error %s, got %s", testCase.expectedErr, code)
			}
		})
	}
}

func TestHTTPRevocationStoreOutageReturns503(t *testing.T) {
	harness := newTestHarness(t)
	service, err := NewService(ServiceOptions{
		Configuration: harness.config,
		Revocations:   failingRevocationStore{},
		Users:         harness.users,
	})
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	harness.service = service
	router := newTestRouter(t, harness, nil)
	refresh, _ := NewTokenIssuer(newTestCodec(t), harness.config, nil).IssueRefresh("alice@example.com", 0)

	recorder := performJSON(router, http.MethodPost, "/auth/refresh", map[string]string{"refresh_token": refresh.Token}, "")
	if recorder.Code != http.StatusServiceUnavailable || errorCodeOf(t, recorder) != "revocation.unavailable" {
		t.Fatalf("expected 503 revocation.unavailable, got %d %s", recorder.Code, recorder.Body.String())
	}
}

func TestHTTPEmailLinkFlow(t *testing.T) {
	harness := newTestHarness(t)
	router := newTestRouter(t, harness, nil)

	sent := performJSON(router, http.MethodPost, "/auth/email/send-code", map[string]string{"email": "Link@Example.com"}, "")
	if sent.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d %s", sent.Code, sent.Body.String())
	}
	delivered := harness.notifier.next(t)
	token := tokenFromLink(t, delivered.link)

	first := performJSON(router, http.MethodGet, "/auth/email/verify-token?token="+url.QueryEscape(token), nil, "")
	decodePair(t, first)

	second := performJSON(router, http.MethodGet, "/auth/email/verify-token?token="+url.QueryEscape(token), nil, "")
	if second.Code != http.StatusUnauthorized || errorCodeOf(t, second) != "token.revoked" {
		t.Fatalf("expected reused link to fail, got %d %s", second.Code, second.Body.String())
	}
}

func TestHTTPRegisterConflict(t *testing.T) {
	harness := newTestHarness(t)
	router := newTestRouter(t, harness, nil)

	created := performJSON(router, http.MethodPost, "/auth/register", map[string]string{"email": "reg@example.com", "password": "pw"}, "")
	if created.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %s", created.Code, created.Body.String())
	}
	harness.notifier.next(t)

	conflict := performJSON(router, http.MethodPost, "/auth/register", map[string]string{"email": "reg@example.com", "password": "pw"}, "")
	if conflict.Code != http.StatusConflict || errorCodeOf(t, conflict) != "users.already_exists" {
		t.Fatalf("expected 409, got %d %s", conflict.Code, conflict.Body.String())
	}
}

func TestHTTPGoogleSignIn(t *testing.T) {
	harness := newTestHarness(t)
	nonces := NewMemoryNonceStore(time.Minute, harness.clock)
	validator := &fakeGoogleValidator{results: map[string]validatorResult{}}
	federation := NewGoogleFederation(validator, nonces, harness.config.GoogleWebClientID)
	router := newTestRouter(t, harness, federation)

	nonceResponse := performJSON(router, http.MethodGet, "/auth/nonce", nil, "")
	if nonceResponse.Code != http.StatusOK || nonceResponse.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("unexpected nonce response %d", nonceResponse.Code)
	}
	var noncePayload map[string]string
	if err := json.Unmarshal(nonceResponse.Body.Bytes(), &noncePayload); err != nil {
		t.Fatalf("decode nonce: %v", err)
	}
	nonce := noncePayload["nonce"]

	validator.results["valid-token"] = validatorResult{
		payload: &idtoken.Payload{Claims: map[string]interface{}{
			"iss":            "https://accounts.google.com",
			"sub":            "sub-http",
			"email":          "user@example.com",
			"email_verified": true,
			"name":           "HTTP User",
			"nonce":          nonce,
		}},
		expectedAudience: "client-id",
	}

	insecure := performJSON(router, http.MethodPost, "/auth/google", map[string]string{"google_id_token": "valid-token", "nonce": nonce}, "")
	if insecure.Code != http.StatusBadRequest || errorCodeOf(t, insecure) != "https_required" {
		t.Fatalf("expected https_required, got %d %s", insecure.Code, insecure.Body.String())
	}

	encoded, _ := json.Marshal(map[string]string{"google_id_token": "valid-token", "nonce": nonce})
	request := httptest.NewRequest(http.MethodPost, "/auth/google", bytes.NewReader(encoded))
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("X-Forwarded-Proto", "https")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	pair := decodePair(t, recorder)

	user, _, err := harness.service.Authenticate(request.Context(), pair.AccessToken)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if user.FullName != "HTTP User" || !user.EmailVerified {
		t.Fatalf("unexpected federated user %+v", user)
	}

	replayRequest := httptest.NewRequest(http.MethodPost, "/auth/google", bytes.NewReader(encoded))
	replayRequest.Header.Set("Content-Type", "application/json")
	replayRequest.Header.Set("X-Forwarded-Proto", "https")
	replay := httptest.NewRecorder()
	router.ServeHTTP(replay, replayRequest)
	if replay.Code != http.StatusUnauthorized || errorCodeOf(t, replay) != "invalid_google_token" {
		t.Fatalf("expected nonce replay to fail, got %d %s", replay.Code, replay.Body.String())
	}
}

func TestGoogleRoutesAbsentWithoutFederation(t *testing.T) {
	harness := newTestHarness(t)
	router := newTestRouter(t, harness, nil)
	recorder := performJSON(router, http.MethodGet, "/auth/nonce", nil, "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestBearerTokenParsing(t *testing.T) {
	testCases := []struct {
		header   string
		expected string
	}{
		{header: "Bearer abc", expected: "abc"},
		{header: "bearer  abc ", expected: "abc"},
		{header: "Basic abc", expected: ""},
		{header: "Bearer", expected: ""},
		{header: "", expected: ""},
	}
	for _, testCase := range testCases {
		request := httptest.NewRequest(http.MethodGet, "/", nil)
		if testCase.header != "" {
			request.Header.Set("Authorization", testCase.header)
		}
		if got := bearerToken(request); got != testCase.expected {
			t.Fatalf("header %q: expected %q, got %q", testCase.header, testCase.expected, got)
		}
	}
}
