package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (e *testEnv) adminJSON(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == nil {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = jsonRequest(t, method, path, body)
	}
	req.AddCookie(e.adminCookie(t))
	return e.do(req)
}

func TestLogin_Bootstrap(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(jsonRequest(t, http.MethodPost, "/admin/login", map[string]string{
		"username": "admin", "password": "correct-horse",
	}))
	require.Equal(t, http.StatusOK, rr.Code)
	cookies := rr.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.True(t, cookies[0].HttpOnly)

	req := httptest.NewRequest(http.MethodGet, "/admin/api/files", nil)
	req.AddCookie(cookies[0])
	assert.Equal(t, http.StatusOK, env.do(req).Code)
}

func TestLogin_BcryptAdminPass(t *testing.T) {
	cfg := testConfig()
	hash, err := HashSecret("from-a-hash")
	require.NoError(t, err)
	cfg.Auth.AdminPass = hash
	env := newTestEnvWith(t, cfg)

	rr := env.do(jsonRequest(t, http.MethodPost, "/admin/login", map[string]string{
		"username": "admin", "password": "from-a-hash",
	}))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestLogin_DatabaseUser(t *testing.T) {
	env := newTestEnv(t)
	u, err := CreateUser(t.Context(), env.repo, "alice", "wonderland", true)
	require.NoError(t, err)

	form := strings.NewReader("username=alice&password=wonderland")
	req := httptest.NewRequest(http.MethodPost, "/admin/login", form)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := env.do(req)
	require.Equal(t, http.StatusOK, rr.Code)

	got, err := env.repo.UserByID(t.Context(), u.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.LastLoginAt)
}

func TestLogin_WrongPasswordAndLockout(t *testing.T) {
	env := newTestEnv(t)
	creds := map[string]string{"username": "admin", "password": "wrong"}

	for i := 0; i < 5; i++ {
		rr := env.do(jsonRequest(t, http.MethodPost, "/admin/login", creds))
		require.Equal(t, http.StatusUnauthorized, rr.Code)
	}
	creds["password"] = "correct-horse"
	rr := env.do(jsonRequest(t, http.MethodPost, "/admin/login", creds))
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
}

func TestRequireAdmin(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(httptest.NewRequest(http.MethodGet, "/admin/api/files", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/admin/api/files", nil)
	req.AddCookie(&http.Cookie{Name: env.srv.cfg.Auth.cookieName(), Value: "forged.token"})
	assert.Equal(t, http.StatusUnauthorized, env.do(req).Code)

	// A valid session for a non-admin account is forbidden.
	u, err := CreateUser(t.Context(), env.repo, "bob", "builder123", false)
	require.NoError(t, err)
	tok, _, err := env.srv.cfg.Auth.makeToken(u.ID.String())
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/admin/api/files", nil)
	req.AddCookie(&http.Cookie{Name: env.srv.cfg.Auth.cookieName(), Value: tok})
	assert.Equal(t, http.StatusForbidden, env.do(req).Code)

	// A bootstrap session for a renamed admin no longer works.
	tok, _, err = env.srv.cfg.Auth.makeToken(bootstrapPrefix + "someone-else")
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/admin/api/files", nil)
	req.AddCookie(&http.Cookie{Name: env.srv.cfg.Auth.cookieName(), Value: tok})
	assert.Equal(t, http.StatusUnauthorized, env.do(req).Code)
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(httptest.NewRequest(http.MethodPost, "/admin/logout", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	cookies := rr.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "", cookies[0].Value)
	assert.Less(t, cookies[0].MaxAge, 0)
}

func TestAdminPage(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(httptest.NewRequest(http.MethodGet, "/admin", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `name="password"`)

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.AddCookie(env.adminCookie(t))
	rr = env.do(req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, rr.Body.String(), `name="password"`)
}

func TestAdminListFiles(t *testing.T) {
	env := newTestEnv(t)
	older, _ := env.repo.seed(t, env.store, "older.txt", "1234", func(f *FileRecord) {
		f.CreatedAt = time.Now().Add(-time.Hour)
		f.ExpiryDate = time.Now().Add(-time.Minute)
	})
	newer, token := env.repo.seed(t, env.store, "newer.txt", "1234", nil)

	rr := env.adminJSON(t, http.MethodGet, "/admin/api/files", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	files := decodeBody[[]adminFile](t, rr)
	require.Len(t, files, 2)
	assert.Equal(t, newer.ID, files[0].ID)
	assert.Equal(t, "https://share.example.com/share/"+token, files[0].ShareURL)
	assert.Equal(t, StatusActive, files[0].Status)
	assert.Equal(t, older.ID, files[1].ID)
	assert.Equal(t, StatusExpired, files[1].Status)
	assert.NotContains(t, rr.Body.String(), "$2a$", "PIN hashes never leave the server")

	rr = env.adminJSON(t, http.MethodGet, "/admin/api/files?limit=1&offset=1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	files = decodeBody[[]adminFile](t, rr)
	require.Len(t, files, 1)
	assert.Equal(t, older.ID, files[0].ID)

	rr = env.adminJSON(t, http.MethodGet, "/admin/api/files?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAdminBulkDelete(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.repo.seed(t, env.store, "a.txt", "1234", nil)
	b, _ := env.repo.seed(t, env.store, "b.txt", "1234", nil)
	env.store.deleteErr[b.ObjectName] = errBoom
	missing := uuid.NewString()

	rr := env.adminJSON(t, http.MethodPost, "/admin/api/files/delete", map[string]any{
		"ids": []string{a.ID.String(), b.ID.String(), missing},
	})
	require.Equal(t, http.StatusOK, rr.Code, "partial failure is still 200")
	report := decodeBody[DeleteReport](t, rr)
	assert.Equal(t, []string{a.ID.String()}, ids(report.Success))
	assert.Equal(t, []string{b.ID.String()}, ids(report.FailedOCI))
	assert.Equal(t, []string{missing}, ids(report.FailedDB))
	assert.Empty(t, report.FailedBoth)
	assert.Contains(t, rr.Body.String(), `"failed_both":[]`)

	rr = env.adminJSON(t, http.MethodPost, "/admin/api/files/delete", map[string]any{"ids": []string{}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "No files selected.", decodeBody[map[string]string](t, rr)["error"])
}

func TestAdminDeleteFile(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.repo.seed(t, env.store, "a.txt", "1234", nil)
	b, _ := env.repo.seed(t, env.store, "b.txt", "1234", nil)
	env.repo.deleteErr[b.ID] = errBoom

	rr := env.adminJSON(t, http.MethodDelete, "/admin/api/files/"+a.ID.String(), nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.False(t, env.store.has(a.ObjectName))

	rr = env.adminJSON(t, http.MethodDelete, "/admin/api/files/"+a.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = env.adminJSON(t, http.MethodDelete, "/admin/api/files/"+b.ID.String(), nil)
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	report := decodeBody[DeleteReport](t, rr)
	assert.Len(t, report.FailedDB, 1)

	rr = env.adminJSON(t, http.MethodDelete, "/admin/api/files/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAdminUsers(t *testing.T) {
	env := newTestEnv(t)

	rr := env.adminJSON(t, http.MethodPost, "/admin/api/users", map[string]any{
		"username": "carol", "password": "longenough",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	created := decodeBody[User](t, rr)
	assert.Equal(t, "carol", created.Username)
	assert.True(t, created.IsAdmin)
	assert.NotContains(t, rr.Body.String(), "password")

	rr = env.adminJSON(t, http.MethodPost, "/admin/api/users", map[string]any{
		"username": "carol", "password": "longenough",
	})
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = env.adminJSON(t, http.MethodPost, "/admin/api/users", map[string]any{
		"username": "dave", "password": "short",
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.adminJSON(t, http.MethodGet, "/admin/api/users", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	users := decodeBody[[]User](t, rr)
	require.Len(t, users, 1)
	assert.Equal(t, "carol", users[0].Username)
}

func TestAdminCleanupAndOrphans(t *testing.T) {
	env := newTestEnv(t)
	expired, _ := env.repo.seed(t, env.store, "old.txt", "1234", func(f *FileRecord) {
		f.ExpiryDate = time.Now().Add(-time.Hour)
	})
	active, _ := env.repo.seed(t, env.store, "new.txt", "1234", nil)
	env.store.put("0123456789abcdef_stray.bin", "x")

	rr := env.adminJSON(t, http.MethodGet, "/admin/api/orphans", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	orphans := decodeBody[[]ObjectEntry](t, rr)
	require.Len(t, orphans, 1)
	assert.Equal(t, "0123456789abcdef_stray.bin", orphans[0].Key)

	rr = env.adminJSON(t, http.MethodPost, "/admin/api/cleanup", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	report := decodeBody[DeleteReport](t, rr)
	assert.Equal(t, []string{expired.ID.String()}, ids(report.Success))

	_, ok := env.repo.file(active.ID)
	assert.True(t, ok)
	_, ok = env.repo.file(expired.ID)
	assert.False(t, ok)
}
