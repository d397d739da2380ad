package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// fakeStore is an in-memory ObjectStore.
type fakeStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	modified map[string]time.Time

	putErr      error
	statErr     error
	presignErr  error
	completeErr error
	deleteErr   map[string]error
	deleteAll   error
	pingErr     error

	deleted   []string
	completed map[string][]CompletedPart
	aborted   []string
	uploads   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		objects:   make(map[string][]byte),
		modified:  make(map[string]time.Time),
		deleteErr: make(map[string]error),
		completed: make(map[string][]CompletedPart),
	}
}

func (f *fakeStore) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) (int64, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return 0, f.putErr
	}
	f.objects[key] = b
	f.modified[key] = time.Now()
	return int64(len(b)), nil
}

func (f *fakeStore) Stat(_ context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statErr != nil {
		return 0, f.statErr
	}
	b, ok := f.objects[key]
	if !ok {
		return 0, ErrObjectNotFound
	}
	return int64(len(b)), nil
}

func (f *fakeStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.deleteErr[key]; err != nil {
		return err
	}
	if f.deleteAll != nil {
		return f.deleteAll
	}
	delete(f.objects, key)
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *fakeStore) List(_ context.Context) ([]ObjectEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ObjectEntry, 0, len(f.objects))
	for k, b := range f.objects {
		out = append(out, ObjectEntry{Key: k, Size: int64(len(b)), LastModified: f.modified[k]})
	}
	return out, nil
}

func (f *fakeStore) PresignGet(_ context.Context, key string, ttl time.Duration, name string) (string, error) {
	if f.presignErr != nil {
		return "", f.presignErr
	}
	return fmt.Sprintf("https://storage.test/bucket/%s?ttl=%d&name=%s", key, int(ttl.Seconds()), name), nil
}

func (f *fakeStore) PresignPut(_ context.Context, key string, _ time.Duration) (string, error) {
	if f.presignErr != nil {
		return "", f.presignErr
	}
	return "https://storage.test/bucket/" + key + "?put", nil
}

func (f *fakeStore) CreateMultipart(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.presignErr != nil {
		return "", f.presignErr
	}
	f.uploads++
	return fmt.Sprintf("upload-%d", f.uploads), nil
}

func (f *fakeStore) PresignPart(_ context.Context, key, uploadID string, partNum int, _ time.Duration) (string, error) {
	if f.presignErr != nil {
		return "", f.presignErr
	}
	return fmt.Sprintf("https://storage.test/bucket/%s?uploadId=%s&partNumber=%d", key, uploadID, partNum), nil
}

func (f *fakeStore) CompleteMultipart(_ context.Context, key, uploadID string, parts []CompletedPart) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completeErr != nil {
		return f.completeErr
	}
	f.completed[uploadID] = parts
	if _, ok := f.objects[key]; !ok {
		f.objects[key] = make([]byte, 0)
		f.modified[key] = time.Now()
	}
	return nil
}

func (f *fakeStore) AbortMultipart(_ context.Context, key, uploadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, uploadID)
	return nil
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStore) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok
}

func (f *fakeStore) put(key string, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = []byte(body)
	f.modified[key] = time.Now()
}

// fakeRepo is an in-memory Repository.
type fakeRepo struct {
	mu     sync.Mutex
	files  map[uuid.UUID]FileRecord
	tokens map[string]uuid.UUID
	users  map[uuid.UUID]User

	createErr error
	lookupErr error
	deleteErr map[uuid.UUID]error
	pingErr   error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		files:     make(map[uuid.UUID]FileRecord),
		tokens:    make(map[string]uuid.UUID),
		users:     make(map[uuid.UUID]User),
		deleteErr: make(map[uuid.UUID]error),
	}
}

func (r *fakeRepo) Ping(context.Context) error { return r.pingErr }

func (r *fakeRepo) CreateFile(_ context.Context, f FileRecord, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	for _, existing := range r.files {
		if existing.ObjectName == f.ObjectName {
			return ErrDuplicateObject
		}
	}
	r.files[f.ID] = f
	r.tokens[token] = f.ID
	return nil
}

func (r *fakeRepo) tokenFor(id uuid.UUID) string {
	for t, fid := range r.tokens {
		if fid == id {
			return t
		}
	}
	return ""
}

func (r *fakeRepo) FileByToken(_ context.Context, token string) (ShareInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lookupErr != nil {
		return ShareInfo{}, r.lookupErr
	}
	id, ok := r.tokens[token]
	if !ok {
		return ShareInfo{}, ErrNotFound
	}
	f, ok := r.files[id]
	if !ok {
		return ShareInfo{}, ErrNotFound
	}
	return ShareInfo{Token: token, File: f}, nil
}

func (r *fakeRepo) FileByID(_ context.Context, id uuid.UUID) (FileRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lookupErr != nil {
		return FileRecord{}, r.lookupErr
	}
	f, ok := r.files[id]
	if !ok {
		return FileRecord{}, ErrNotFound
	}
	return f, nil
}

func (r *fakeRepo) IncrementDownload(_ context.Context, id uuid.UUID, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.files[id]
	if !ok || f.Status(now) != StatusActive {
		return false, nil
	}
	f.DownloadCount++
	r.files[id] = f
	return true, nil
}

func (r *fakeRepo) DeleteFile(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.deleteErr[id]; err != nil {
		return err
	}
	if _, ok := r.files[id]; !ok {
		return ErrNotFound
	}
	delete(r.files, id)
	for t, fid := range r.tokens {
		if fid == id {
			delete(r.tokens, t)
		}
	}
	return nil
}

func (r *fakeRepo) ListFiles(_ context.Context, limit, offset int) ([]ShareInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ShareInfo, 0, len(r.files))
	for id, f := range r.files {
		out = append(out, ShareInfo{Token: r.tokenFor(id), File: f})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].File.CreatedAt.After(out[j].File.CreatedAt) })
	if offset >= len(out) {
		return []ShareInfo{}, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeRepo) ListExhausted(_ context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []uuid.UUID
	for id, f := range r.files {
		if f.Status(now) != StatusActive {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeRepo) ObjectNames(context.Context) (map[string]struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]struct{}, len(r.files))
	for _, f := range r.files {
		out[f.ObjectName] = struct{}{}
	}
	return out, nil
}

func (r *fakeRepo) CreateUser(_ context.Context, username, hash string, isAdmin bool) (User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if strings.EqualFold(u.Username, username) {
			return User{}, ErrDuplicateUser
		}
	}
	u := User{
		ID:           uuid.New(),
		Username:     username,
		PasswordHash: hash,
		IsAdmin:      isAdmin,
		IsActive:     true,
		CreatedAt:    time.Now(),
	}
	r.users[u.ID] = u
	return u, nil
}

func (r *fakeRepo) UserByUsername(_ context.Context, username string) (User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if strings.EqualFold(u.Username, username) {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

func (r *fakeRepo) UserByID(_ context.Context, id uuid.UUID) (User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (r *fakeRepo) ListUsers(context.Context) ([]User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]User, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (r *fakeRepo) TouchLogin(_ context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return ErrNotFound
	}
	u.LastLoginAt = &at
	r.users[id] = u
	return nil
}

func (r *fakeRepo) file(id uuid.UUID) (FileRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.files[id]
	return f, ok
}

// seed stores a file whose PIN is pin and returns it with its token.
func (r *fakeRepo) seed(t *testing.T, store *fakeStore, name, pin string, mutate func(*FileRecord)) (FileRecord, string) {
	t.Helper()
	hash, err := HashSecret(pin)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	objectName, err := newObjectName(name)
	if err != nil {
		t.Fatalf("object name: %v", err)
	}
	now := time.Now()
	f := FileRecord{
		ID:               uuid.New(),
		OriginalFilename: name,
		ObjectName:       objectName,
		PINHash:          hash,
		CreatedAt:        now,
		ExpiryDate:       now.Add(24 * time.Hour),
		MaxDownloads:     3,
		UploadType:       UploadTypeStream,
	}
	if mutate != nil {
		mutate(&f)
	}
	token := newShareToken()
	if err := r.CreateFile(context.Background(), f, token); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if store != nil {
		store.put(objectName, "hello")
	}
	return f, token
}

var errBoom = errors.New("boom")

func testConfig() Config {
	return Config{
		Addr:               "127.0.0.1:0",
		AppHost:            "https://share.example.com",
		FileExpiry:         7 * 24 * time.Hour,
		MaxDownloads:       5,
		PARExpiry:          5 * time.Minute,
		StreamThreshold:    8 << 20,
		LargeFileThreshold: 100 << 20,
		PartSize:           64 << 20,
		Storage: StorageConfig{
			Driver:   "minio",
			Endpoint: "http://minio:9000",
			Bucket:   "sharenest",
		},
		Auth: AuthConfig{
			AdminUser:     "admin",
			AdminPass:     "correct-horse",
			SessionSecret: "0123456789abcdef0123",
			SessionTTL:    time.Hour,
		},
		PINMaxAttempts:   3,
		PINWindow:        15 * time.Minute,
		UploadRatePerMin: 1000,
	}
}

type testEnv struct {
	srv   *Server
	repo  *fakeRepo
	store *fakeStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, testConfig())
}

func newTestEnvWith(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	repo := newFakeRepo()
	store := newFakeStore()
	srv := New(cfg, Deps{Repo: repo, Store: store})
	return &testEnv{srv: srv, repo: repo, store: store}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rr, req)
	return rr
}

// adminCookie returns a session cookie for the bootstrap admin.
func (e *testEnv) adminCookie(t *testing.T) *http.Cookie {
	t.Helper()
	tok, _, err := e.srv.cfg.Auth.makeToken(bootstrapPrefix + e.srv.cfg.Auth.AdminUser)
	if err != nil {
		t.Fatalf("makeToken: %v", err)
	}
	return &http.Cookie{Name: e.srv.cfg.Auth.cookieName(), Value: tok}
}
