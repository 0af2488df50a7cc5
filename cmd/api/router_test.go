package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penshort/accounts/internal/auth"
	"github.com/penshort/accounts/internal/cache"
	"github.com/penshort/accounts/internal/config"
	"github.com/penshort/accounts/internal/events"
	"github.com/penshort/accounts/internal/handler/dto"
	"github.com/penshort/accounts/internal/metrics"
	"github.com/penshort/accounts/internal/repository/sqlite"
	"github.com/penshort/accounts/internal/service"
	"github.com/penshort/accounts/internal/testutil"
	"github.com/penshort/accounts/internal/token"
)

var createdAtPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}$`)

type testAPI struct {
	t       *testing.T
	handler http.Handler
	metrics *metrics.InMemoryRecorder
	events  *events.Publisher
}

type apiOptions struct {
	withCache    bool
	loginRPM     int
	loginBurst   int
	maxBodyBytes int64
	corsOrigins  string

	trustedProxies []netip.Prefix
}

func newTestAPI(t *testing.T, opts apiOptions) *testAPI {
	t.Helper()

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := sqlite.Open(ctx, sqlite.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	tokens, err := token.NewManager(token.Config{Secret: "router-test-secret-router-test-secret"})
	require.NoError(t, err)

	cfg := &config.Config{
		AppEnv:                "test",
		RateLimitLoginEnabled: opts.loginRPM > 0,
		RateLimitLoginRPM:     opts.loginRPM,
		RateLimitLoginBurst:   opts.loginBurst,
		MaxRequestBodySize:    1 << 20,
		CORSAllowedOrigins:    opts.corsOrigins,
	}
	if opts.maxBodyBytes > 0 {
		cfg.MaxRequestBodySize = opts.maxBodyBytes
	}

	recorder := metrics.NewInMemory()
	svcCfg := service.UserServiceConfig{
		Store:    store,
		CacheTTL: time.Minute,
		Hasher:   auth.NewHasher(auth.Params{Time: 1, MemoryKB: 1024, Threads: 1}),
		Tokens:   tokens,
		Metrics:  recorder,
		Logger:   logger,
	}

	var (
		cacheClient *cache.Cache
		publisher   *events.Publisher
	)
	if opts.withCache {
		_, client := testutil.NewMiniRedis(t)
		cacheClient = cache.NewWithClient(client)
		publisher = events.NewPublisher(client, logger, recorder)
		svcCfg.Cache = cacheClient
		svcCfg.Events = publisher
	}

	r := setupRouter(routerDeps{
		cfg:     cfg,
		logger:  logger,
		service: service.NewUserService(svcCfg),
		store:   store,
		cache:   cacheClient,
		tokens:  tokens,
		metrics: recorder,

		trustedProxies: opts.trustedProxies,
	})

	return &testAPI{t: t, handler: r, metrics: recorder, events: publisher}
}

func (a *testAPI) do(method, path string, body any, bearer string) *httptest.ResponseRecorder {
	a.t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(a.t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func (a *testAPI) register(username, password, email string) int64 {
	a.t.Helper()
	rec := a.do(http.MethodPost, "/users", map[string]string{
		"username": username, "password": password, "email": email,
	}, "")
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())

	var res dto.RegisterResponse
	require.NoError(a.t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Equal(a.t, "User created", res.Message)
	return res.ID
}

func (a *testAPI) login(username, password string) dto.LoginResponse {
	a.t.Helper()
	rec := a.do(http.MethodPost, "/login", map[string]string{
		"username": username, "password": password,
	}, "")
	require.Equal(a.t, http.StatusOK, rec.Code, rec.Body.String())

	var res dto.LoginResponse
	require.NoError(a.t, json.NewDecoder(rec.Body).Decode(&res))
	return res
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var res dto.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res), "error body should be JSON")
	return res.Error.Code
}

func userPath(id int64) string {
	return "/users/" + strconv.FormatInt(id, 10)
}

func TestAPI_AccountLifecycle(t *testing.T) {
	t.Parallel()

	for _, withCache := range []bool{false, true} {
		t.Run("cache="+strconv.FormatBool(withCache), func(t *testing.T) {
			t.Parallel()

			api := newTestAPI(t, apiOptions{withCache: withCache})

			id := api.register("alice", "s3cret", "alice@example.com")
			assert.Equal(t, int64(1), id)

			login := api.login("alice", "s3cret")
			assert.Equal(t, "Login successful", login.Message)
			assert.Equal(t, id, login.UserID)
			assert.Equal(t, int64(3600), login.ExpiresIn)
			require.NotEmpty(t, login.Token)

			rec := api.do(http.MethodGet, userPath(id), nil, "")
			require.Equal(t, http.StatusOK, rec.Code)
			var profile dto.UserResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&profile))
			assert.Equal(t, id, profile.ID)
			assert.Equal(t, "alice", profile.Username)
			assert.Equal(t, "alice@example.com", profile.Email)
			assert.Regexp(t, createdAtPattern, profile.CreatedAt)
			assert.NotContains(t, rec.Body.String(), "password")

			rec = api.do(http.MethodPut, userPath(id), map[string]string{"email": "alice@new.example"}, login.Token)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			rec = api.do(http.MethodGet, userPath(id), nil, "")
			require.Equal(t, http.StatusOK, rec.Code)
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&profile))
			assert.Equal(t, "alice@new.example", profile.Email, "update must be visible on the next read")
			assert.Equal(t, "alice", profile.Username)

			rec = api.do(http.MethodPatch, userPath(id), map[string]string{"password": "n3w-pass"}, login.Token)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			rec = api.do(http.MethodPost, "/login", map[string]string{"username": "alice", "password": "s3cret"}, "")
			assert.Equal(t, http.StatusUnauthorized, rec.Code, "old password must stop working")
			api.login("alice", "n3w-pass")

			rec = api.do(http.MethodDelete, userPath(id), nil, login.Token)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			rec = api.do(http.MethodGet, userPath(id), nil, "")
			assert.Equal(t, http.StatusNotFound, rec.Code)

			// The token outlives the account: authorization passes, the target is gone.
			rec = api.do(http.MethodDelete, userPath(id), nil, login.Token)
			assert.Equal(t, http.StatusNotFound, rec.Code)
			assert.Equal(t, "USER_NOT_FOUND", errorCode(t, rec))

			if api.events != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				require.NoError(t, api.events.Wait(ctx))
			}

			snap := api.metrics.Snapshot()
			if withCache {
				// register, 2 good logins, 1 failed login, 2 updates, 1 delete
				assert.Equal(t, uint64(7), snap.EventsPublished)
			}
			assert.Equal(t, uint64(1), snap.UsersRegistered)
			assert.Equal(t, uint64(2), snap.UsersUpdated)
			assert.Equal(t, uint64(1), snap.UsersDeleted)
		})
	}
}

func TestAPI_ForbiddenOnOtherAccount(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t, apiOptions{})
	aliceID := api.register("alice", "s3cret", "alice@example.com")
	bobID := api.register("bob", "hunter2", "bob@example.com")
	bob := api.login("bob", "hunter2")

	tests := []struct {
		method string
		body   any
	}{
		{http.MethodPut, map[string]string{"email": "pwned@example.com"}},
		{http.MethodPatch, map[string]string{"username": "mallory"}},
		{http.MethodDelete, nil},
	}

	for _, tt := range tests {
		rec := api.do(tt.method, userPath(aliceID), tt.body, bob.Token)
		assert.Equal(t, http.StatusForbidden, rec.Code, tt.method)
		assert.Equal(t, "FORBIDDEN", errorCode(t, rec), tt.method)
	}

	// Forbidden wins over not found.
	rec := api.do(http.MethodDelete, "/users/999", nil, bob.Token)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.do(http.MethodGet, userPath(aliceID), nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var profile dto.UserResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&profile))
	assert.Equal(t, "alice@example.com", profile.Email)

	assert.Equal(t, uint64(4), api.metrics.Snapshot().ForbiddenRequests)
	assert.NotEqual(t, aliceID, bobID)
}

func TestAPI_Unauthenticated(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t, apiOptions{})
	id := api.register("alice", "s3cret", "alice@example.com")

	tests := []struct {
		name   string
		header string
	}{
		{"no header", ""},
		{"garbage token", "Bearer garbage"},
		{"wrong scheme", "Basic YWxpY2U6czNjcmV0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPut, userPath(id), strings.NewReader(`{"email":"x@example.com"}`))
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			api.handler.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, "UNAUTHENTICATED", errorCode(t, rec))
		})
	}
}

func TestAPI_GetMissingUser(t *testing.T) {
	t.Parallel()

	for _, withCache := range []bool{false, true} {
		api := newTestAPI(t, apiOptions{withCache: withCache})
		for _, path := range []string{"/users/999", "/users/0", "/users/abc", "/users/-1"} {
			rec := api.do(http.MethodGet, path, nil, "")
			assert.Equal(t, http.StatusNotFound, rec.Code, path)
			assert.Equal(t, "USER_NOT_FOUND", errorCode(t, rec), path)
		}
	}
}

func TestAPI_LoginFailuresAreIndistinguishable(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t, apiOptions{})
	api.register("alice", "s3cret", "alice@example.com")

	wrongPassword := api.do(http.MethodPost, "/login", map[string]string{"username": "alice", "password": "nope"}, "")
	unknownUser := api.do(http.MethodPost, "/login", map[string]string{"username": "nobody", "password": "nope"}, "")

	assert.Equal(t, http.StatusUnauthorized, wrongPassword.Code)
	assert.Equal(t, wrongPassword.Code, unknownUser.Code)
	assert.JSONEq(t, wrongPassword.Body.String(), unknownUser.Body.String())
	assert.Equal(t, uint64(2), api.metrics.Snapshot().LoginsFailed)
}

func TestAPI_DuplicateUsername(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t, apiOptions{})
	api.register("alice", "s3cret", "alice@example.com")

	rec := api.do(http.MethodPost, "/users", map[string]string{
		"username": "alice", "password": "other", "email": "alice2@example.com",
	}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "USERNAME_TAKEN", errorCode(t, rec))

	// Renaming onto a taken username is rejected the same way.
	bobID := api.register("bob", "hunter2", "bob@example.com")
	bob := api.login("bob", "hunter2")
	rec = api.do(http.MethodPut, userPath(bobID), map[string]string{"username": "alice"}, bob.Token)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "USERNAME_TAKEN", errorCode(t, rec))
}

func TestAPI_RequestValidation(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t, apiOptions{})

	tests := []struct {
		name     string
		path     string
		body     any
		wantCode string
	}{
		{"register missing email", "/users", map[string]string{"username": "a", "password": "p"}, "VALIDATION_ERROR"},
		{"register blank username", "/users", map[string]string{"username": "  ", "password": "p", "email": "a@b.c"}, "VALIDATION_ERROR"},
		{"register bad email", "/users", map[string]string{"username": "a", "password": "p", "email": "nope"}, "VALIDATION_ERROR"},
		{"register not json", "/users", "username=a", "INVALID_JSON"},
		{"login missing password", "/login", map[string]string{"username": "a"}, "VALIDATION_ERROR"},
		{"login empty body", "/login", "", "INVALID_JSON"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(http.MethodPost, tt.path, tt.body, "")
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Equal(t, tt.wantCode, errorCode(t, rec))
		})
	}
}

func TestAPI_LoginRateLimited(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t, apiOptions{withCache: true, loginRPM: 6, loginBurst: 2})
	body := map[string]string{"username": "nobody", "password": "x"}

	for i := 0; i < 2; i++ {
		rec := api.do(http.MethodPost, "/login", body, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	rec := api.do(http.MethodPost, "/login", body, "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE_LIMITED", errorCode(t, rec))
	assert.Equal(t, uint64(1), api.metrics.Snapshot().LoginsRateLimited)
}

func TestAPI_SupportEndpoints(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t, apiOptions{withCache: true})
	api.register("alice", "s3cret", "alice@example.com")

	rec := api.do(http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(http.MethodGet, "/readyz", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"database":"ok"`)
	assert.Contains(t, rec.Body.String(), `"redis":"ok"`)

	rec = api.do(http.MethodGet, "/metrics", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "accounts_users_registered_total 1")

	rec = api.do(http.MethodGet, "/nope", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, rec))

	rec = api.do(http.MethodPost, "/users/1", nil, "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = api.do(http.MethodGet, "/", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestAPI_BodyTooLarge(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t, apiOptions{maxBodyBytes: 64})
	body := map[string]string{
		"username": "alice",
		"password": strings.Repeat("p", 128),
		"email":    "alice@example.com",
	}

	rec := api.do(http.MethodPost, "/users", body, "")
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "PAYLOAD_TOO_LARGE", errorCode(t, rec))
}

func TestAPI_UpdateWithoutBody(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t, apiOptions{})
	id := api.register("alice", "s3cret", "alice@example.com")
	tok := api.login("alice", "s3cret").Token

	for _, method := range []string{http.MethodPut, http.MethodPatch} {
		rec := api.do(method, userPath(id), nil, tok)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var res dto.MessageResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
		assert.Equal(t, "User updated", res.Message)
	}
	assert.Zero(t, api.metrics.Snapshot().UsersUpdated)

	rec := api.do(http.MethodGet, userPath(id), nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var profile dto.UserResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&profile))
	assert.Equal(t, "alice", profile.Username)
	assert.Equal(t, "alice@example.com", profile.Email)

	rec = api.do(http.MethodPut, userPath(id), "   ", tok)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(http.MethodPut, userPath(id), "{", tok)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_JSON", errorCode(t, rec))
}

func TestAPI_UpdateDeletedAccountIsNotFound(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t, apiOptions{withCache: true})
	id := api.register("alice", "s3cret", "alice@example.com")
	tok := api.login("alice", "s3cret").Token

	rec := api.do(http.MethodDelete, userPath(id), nil, tok)
	require.Equal(t, http.StatusOK, rec.Code)

	// The token outlives the account; a bad field must not mask the 404.
	for _, body := range []map[string]string{
		{"email": "nope"},
		{"username": " "},
		{"password": ""},
		{"email": "fine@example.com"},
	} {
		rec = api.do(http.MethodPut, userPath(id), body, tok)
		assert.Equal(t, http.StatusNotFound, rec.Code, body)
		assert.Equal(t, "USER_NOT_FOUND", errorCode(t, rec))
	}
}

func (a *testAPI) loginFrom(peer, forwardedFor string) int {
	a.t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"username":"nobody","password":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = peer
	if forwardedFor != "" {
		req.Header.Set("X-Forwarded-For", forwardedFor)
		req.Header.Set("X-Real-IP", forwardedFor)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec.Code
}

func TestAPI_LoginLimitIgnoresSpoofedForwardedFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		trusted []netip.Prefix
	}{
		{"no trusted proxies", nil},
		{"client outside trusted range", []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newTestAPI(t, apiOptions{withCache: true, loginRPM: 1, loginBurst: 2, trustedProxies: tt.trusted})

			var codes []int
			for i := 0; i < 6; i++ {
				codes = append(codes, api.loginFrom("198.51.100.7:50000", fmt.Sprintf("203.0.113.%d", i+1)))
			}
			assert.Equal(t, []int{401, 401, 429, 429, 429, 429}, codes)
		})
	}
}

func TestAPI_LoginLimitBehindTrustedProxy(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t, apiOptions{
		withCache:      true,
		loginRPM:       1,
		loginBurst:     1,
		trustedProxies: []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")},
	})
	proxy := "10.0.0.5:443"

	assert.Equal(t, http.StatusUnauthorized, api.loginFrom(proxy, "203.0.113.9"))
	// A prepended hop is client-controlled; the proxy appended the real one.
	assert.Equal(t, http.StatusTooManyRequests, api.loginFrom(proxy, "192.0.2.200, 203.0.113.9"))
	assert.Equal(t, http.StatusUnauthorized, api.loginFrom(proxy, "203.0.113.10"))
}

func TestAPI_LoginPreflight(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t, apiOptions{withCache: true, loginRPM: 1, loginBurst: 1, corsOrigins: "https://app.example.com"})

	preflight := func(origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodOptions, "/login", nil)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		req.Header.Set("Access-Control-Request-Headers", "Content-Type")
		rec := httptest.NewRecorder()
		api.handler.ServeHTTP(rec, req)
		return rec
	}

	rec := preflight("https://app.example.com")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), http.MethodPost)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Content-Type")
	assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), "Retry-After")
	assert.Equal(t, "86400", rec.Header().Get("Access-Control-Max-Age"))

	// Preflights never reach the limiter.
	assert.Equal(t, http.StatusNoContent, preflight("https://app.example.com").Code)
	assert.Zero(t, api.metrics.Snapshot().LoginsRateLimited)

	rec = preflight("https://evil.example.net")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "FORBIDDEN", errorCode(t, rec))
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRedactURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"postgres://user:hunter2@db:5432/accounts", "postgres://user@db:5432/accounts"},
		{"redis://:hunter2@localhost:6379/0", "redis://redacted@localhost:6379/0"},
		{"redis://localhost:6379/0", "redis://localhost:6379/0"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, redactURL(tt.in), tt.in)
	}
}

func TestSanitizeError(t *testing.T) {
	t.Parallel()

	dsn := "postgres://user:hunter2@db:5432/accounts"
	err := io.ErrUnexpectedEOF
	msg := sanitizeError(&wrappedErr{msg: "connect " + dsn + " password=hunter2", err: err}, dsn)

	assert.NotContains(t, msg, "hunter2")
	assert.Contains(t, msg, "postgres://user@db:5432/accounts")
	assert.Contains(t, msg, "password=redacted")
}

type wrappedErr struct {
	msg string
	err error
}

func (e *wrappedErr) Error() string { return e.msg }
func (e *wrappedErr) Unwrap() error { return e.err }
