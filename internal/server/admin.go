package server

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

// adminFile is one row of the admin file listing.
type adminFile struct {
	FileRecord
	Token        string `json:"token"`
	ShareURL     string `json:"share_url,omitempty"`
	Status       string `json:"status"`
	ExpiryPretty string `json:"expiry_pretty"`
}

func parseListParams(r *http.Request) (limit, offset int, ok bool) {
	limit, offset = defaultListLimit, 0
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return 0, 0, false
		}
		limit = min(n, maxListLimit)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, false
		}
		offset = n
	}
	return limit, offset, true
}

// handleAdminListFiles returns files newest first with their derived status.
func (s *Server) handleAdminListFiles(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := parseListParams(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid limit or offset")
		return
	}

	rows, err := s.repo.ListFiles(r.Context(), limit, offset)
	if err != nil {
		s.log.Error("admin_list_files_failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}

	now := s.now()
	out := make([]adminFile, 0, len(rows))
	for _, row := range rows {
		af := adminFile{
			FileRecord:   row.File,
			Token:        row.Token,
			Status:       row.File.Status(now),
			ExpiryPretty: prettyRemaining(row.File.ExpiryDate, now),
		}
		if row.Token != "" {
			af.ShareURL = s.cfg.AppHost + "/share/" + row.Token
		}
		out = append(out, af)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleAdminBulkDelete reconciles deletion of many files. Partial failure
// still answers 200; the report says what happened to each ID.
func (s *Server) handleAdminBulkDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request")
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "No files selected.")
		return
	}

	report := s.reconciler.Delete(r.Context(), req.IDs)
	s.log.Info("admin_bulk_delete",
		zap.String("rid", RequestIDFromContext(r.Context())),
		zap.String("by", adminName(r.Context())),
		zap.Int("requested", report.Total()),
		zap.Int("deleted", len(report.Success)),
		zap.Int("failed", report.Failed()),
	)
	writeJSON(w, http.StatusOK, report)
}

// handleAdminDeleteFile deletes one file: 204 on success, 404 when there is
// no such row, 502 with the report otherwise.
func (s *Server) handleAdminDeleteFile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid file id")
		return
	}

	report := s.reconciler.Delete(r.Context(), []string{id})
	switch {
	case len(report.Success) == 1:
		s.log.Info("admin_delete", zap.String("id", id), zap.String("by", adminName(r.Context())))
		w.WriteHeader(http.StatusNoContent)
	case len(report.FailedDB) == 1 && report.FailedDB[0].ObjectName == "" && report.FailedDB[0].Error == "file not found":
		writeError(w, http.StatusNotFound, "File not found")
	default:
		writeJSON(w, http.StatusBadGateway, report)
	}
}

func (s *Server) handleAdminListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.repo.ListUsers(r.Context())
	if err != nil {
		s.log.Error("admin_list_users_failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	if users == nil {
		users = []User{}
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleAdminCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		IsAdmin  *bool  `json:"is_admin"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request")
		return
	}
	u, err := CreateUser(r.Context(), s.repo, req.Username, req.Password, req.IsAdmin == nil || *req.IsAdmin)
	if err != nil {
		switch {
		case errors.Is(err, ErrDuplicateUser):
			writeError(w, http.StatusConflict, "username already exists")
		case errors.Is(err, errInvalidUser):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.log.Error("admin_create_user_failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "database error")
		}
		return
	}
	s.log.Info("user_created", zap.String("user", u.Username), zap.String("by", adminName(r.Context())))
	writeJSON(w, http.StatusCreated, u)
}

var errInvalidUser = errors.New("username must be 3-64 characters and password at least 8")

// CreateUser validates and stores a new admin panel account.
func CreateUser(ctx context.Context, users UserRepository, username, password string, isAdmin bool) (User, error) {
	username = strings.TrimSpace(username)
	if len(username) < 3 || len(username) > 64 || len(password) < 8 {
		return User{}, errInvalidUser
	}
	hash, err := HashSecret(password)
	if err != nil {
		return User{}, err
	}
	return users.CreateUser(ctx, username, hash, isAdmin)
}

func (s *Server) handleAdminCleanup(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	report, err := s.RunCleanup(ctx)
	if err != nil {
		s.log.Error("admin_cleanup_failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "cleanup failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// FindOrphans lists bucket objects no file row references.
func FindOrphans(ctx context.Context, files FileRepository, store ObjectStore) ([]ObjectEntry, error) {
	objects, err := store.List(ctx)
	if err != nil {
		return nil, err
	}
	known, err := files.ObjectNames(ctx)
	if err != nil {
		return nil, err
	}
	orphans := make([]ObjectEntry, 0)
	for _, o := range objects {
		if _, ok := known[o.Key]; !ok {
			orphans = append(orphans, o)
		}
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i].LastModified.Before(orphans[j].LastModified) })
	return orphans, nil
}

func (s *Server) handleAdminOrphans(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), time.Minute)
	defer cancel()

	orphans, err := FindOrphans(ctx, s.repo, s.store)
	if err != nil {
		s.log.Error("admin_orphans_failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "could not list objects")
		return
	}
	writeJSON(w, http.StatusOK, orphans)
}

func adminName(ctx context.Context) string {
	if p, ok := principalFrom(ctx); ok {
		return p.Name
	}
	return ""
}
