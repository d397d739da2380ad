package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	msgPINRequired    = "Security phrase is required."
	msgNotFound       = "File not found."
	msgUnavailable    = "File is expired or download limit reached."
	msgTooManyTries   = "Too many attempts. Try again later."
	msgWrongPIN       = "Incorrect Security Phrase. Please try again."
	msgDownloadFailed = "Could not generate secure download link. Try again later."
)

type shareView struct {
	Token     string
	Filename  string
	Size      string
	Remaining string
	Used      int
	Max       int
	Available bool
	Notice    string
	Error     string
}

// unavailableNotice explains why a file can no longer be downloaded.
func unavailableNotice(f FileRecord, now time.Time) string {
	switch f.Status(now) {
	case StatusExpired:
		return "This file has expired."
	case StatusLimitReached:
		return fmt.Sprintf("Maximum downloads (%d) reached.", f.MaxDownloads)
	}
	return ""
}

func (s *Server) shareView(info ShareInfo) shareView {
	now := s.now()
	f := info.File
	v := shareView{
		Token:     info.Token,
		Filename:  f.OriginalFilename,
		Size:      "unknown",
		Remaining: prettyRemaining(f.ExpiryDate, now),
		Used:      f.DownloadCount,
		Max:       f.MaxDownloads,
		Available: f.Status(now) == StatusActive,
		Notice:    unavailableNotice(f, now),
	}
	if f.SizeBytes != nil {
		v.Size = humanBytes(*f.SizeBytes)
	}
	return v
}

func (s *Server) handleSharePage(w http.ResponseWriter, r *http.Request) {
	info, err := s.repo.FileByToken(r.Context(), r.PathValue("token"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.renderError(w, http.StatusNotFound, "Not found", msgNotFound)
			return
		}
		s.log.Error("share_lookup_failed", zap.String("rid", RequestIDFromContext(r.Context())), zap.Error(err))
		s.renderError(w, http.StatusInternalServerError, "Error", msgInternal)
		return
	}

	view := s.shareView(info)
	status := http.StatusOK
	if !view.Available {
		status = http.StatusGone
	}
	s.render(w, status, "share.html", view)
}

type shareJSON struct {
	Token         string `json:"token"`
	Filename      string `json:"filename"`
	SizeBytes     *int64 `json:"size_bytes"`
	Expiry        string `json:"expiry"`
	ExpiryPretty  string `json:"expiry_pretty"`
	DownloadCount int    `json:"download_count"`
	MaxDownloads  int    `json:"max_downloads"`
	Status        string `json:"status"`
	Message       string `json:"message,omitempty"`
}

func (s *Server) handleShareJSON(w http.ResponseWriter, r *http.Request) {
	info, err := s.repo.FileByToken(r.Context(), r.PathValue("token"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, msgNotFound)
			return
		}
		s.log.Error("share_lookup_failed", zap.String("rid", RequestIDFromContext(r.Context())), zap.Error(err))
		writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}

	now := s.now()
	f := info.File
	resp := shareJSON{
		Token:         info.Token,
		Filename:      f.OriginalFilename,
		SizeBytes:     f.SizeBytes,
		Expiry:        f.ExpiryDate.UTC().Format(time.RFC3339),
		ExpiryPretty:  prettyRemaining(f.ExpiryDate, now),
		DownloadCount: f.DownloadCount,
		MaxDownloads:  f.MaxDownloads,
		Status:        f.Status(now),
		Message:       unavailableNotice(f, now),
	}
	status := http.StatusOK
	if resp.Status != StatusActive {
		status = http.StatusGone
	}
	writeJSON(w, status, resp)
}

// downloadError carries the status and client message of a refused download.
type downloadError struct {
	status int
	msg    string
	result string
}

func (e *downloadError) Error() string { return e.msg }

// authorizeDownload checks the PIN and availability of token and, when
// allowed, consumes one download and returns a pre-signed URL. The returned
// ShareInfo is zero only when the token is unknown.
func (s *Server) authorizeDownload(ctx context.Context, token, pin, ip string) (ShareInfo, string, *downloadError) {
	log := s.log.With(zap.String("rid", RequestIDFromContext(ctx)), zap.String("token", token))

	info, err := s.repo.FileByToken(ctx, token)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ShareInfo{}, "", &downloadError{http.StatusNotFound, msgNotFound, "not_found"}
		}
		log.Error("share_lookup_failed", zap.Error(err))
		return ShareInfo{}, "", &downloadError{http.StatusInternalServerError, msgInternal, "error"}
	}
	if strings.TrimSpace(pin) == "" {
		return info, "", &downloadError{http.StatusBadRequest, msgPINRequired, "bad_request"}
	}

	now := s.now()
	if info.File.Status(now) != StatusActive {
		return info, "", &downloadError{http.StatusGone, msgUnavailable, "unavailable"}
	}

	key := attemptKey(token, ip)
	blocked, err := s.pinAttempts.Blocked(ctx, key)
	if err != nil {
		log.Warn("attempt_limiter_failed", zap.Error(err))
	}
	if blocked {
		return info, "", &downloadError{http.StatusTooManyRequests, msgTooManyTries, "locked"}
	}

	if !CheckSecret(info.File.PINHash, pin) {
		if err := s.pinAttempts.Fail(ctx, key); err != nil {
			log.Warn("attempt_limiter_failed", zap.Error(err))
		}
		log.Info("wrong_pin", zap.String("ip", ip))
		return info, "", &downloadError{http.StatusUnauthorized, msgWrongPIN, "wrong_pin"}
	}
	if err := s.pinAttempts.Reset(ctx, key); err != nil {
		log.Warn("attempt_limiter_failed", zap.Error(err))
	}

	url, err := s.store.PresignGet(ctx, info.File.ObjectName, s.cfg.PARExpiry, info.File.OriginalFilename)
	if err != nil {
		log.Error("presign_get_failed", zap.String("object", info.File.ObjectName), zap.Error(err))
		return info, "", &downloadError{http.StatusBadGateway, msgDownloadFailed, "presign_failed"}
	}

	ok, err := s.repo.IncrementDownload(ctx, info.File.ID, now)
	if err != nil {
		log.Error("increment_download_failed", zap.Error(err))
		return info, "", &downloadError{http.StatusInternalServerError, msgInternal, "error"}
	}
	if !ok {
		// The last download was taken concurrently.
		return info, "", &downloadError{http.StatusGone, msgUnavailable, "unavailable"}
	}

	log.Info("download_granted", zap.String("object", info.File.ObjectName), zap.Int("count", info.File.DownloadCount+1))
	return info, url, nil
}

func (s *Server) handleDownloadForm(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	pin := r.PostFormValue("security_phrase")

	info, url, derr := s.authorizeDownload(r.Context(), token, pin, clientIP(r))
	if derr != nil {
		downloadsTotal.WithLabelValues(derr.result).Inc()
		if derr.status == http.StatusNotFound || info.Token == "" {
			s.renderError(w, derr.status, "Download", derr.msg)
			return
		}
		// Re-read state so the counter reflects concurrent downloads.
		if fresh, err := s.repo.FileByToken(r.Context(), token); err == nil {
			info = fresh
		}
		view := s.shareView(info)
		view.Error = derr.msg
		s.render(w, derr.status, "share.html", view)
		return
	}

	downloadsTotal.WithLabelValues("ok").Inc()
	http.Redirect(w, r, url, http.StatusFound)
}

func (s *Server) handleDownloadJSON(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PIN string `json:"pin"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, msgPINRequired)
		return
	}

	_, url, derr := s.authorizeDownload(r.Context(), r.PathValue("token"), req.PIN, clientIP(r))
	if derr != nil {
		downloadsTotal.WithLabelValues(derr.result).Inc()
		writeError(w, derr.status, derr.msg)
		return
	}

	downloadsTotal.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusOK, map[string]string{"download_url": url})
}
