package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	msgChooseFile     = "Please choose a file."
	msgPINTooShort    = "Security phrase must be at least 4 characters."
	msgPINTooLong     = "Security phrase must be at most 1024 bytes."
	msgStorageFailed  = "Upload to Object Storage failed."
	msgInternal       = "An internal error occurred."
	msgFileTooLarge   = "File too large."
	maxStoredNameRune = 255
)

// uploadResp is the JSON response returned after a file is registered.
type uploadResp struct {
	ShareURL     string `json:"share_url"`
	Filename     string `json:"filename"`
	Expiry       string `json:"expiry"`
	ExpiryPretty string `json:"expiry_pretty"`
}

func (s *Server) uploadResponse(rec FileRecord, token string) uploadResp {
	return uploadResp{
		ShareURL:     s.cfg.AppHost + "/share/" + token,
		Filename:     rec.OriginalFilename,
		Expiry:       rec.ExpiryDate.UTC().Format(time.RFC3339),
		ExpiryPretty: prettyRemaining(rec.ExpiryDate, rec.CreatedAt),
	}
}

// displayName keeps the client's filename for display and downloads,
// bounded and valid UTF-8.
func displayName(name string) string {
	name = strings.TrimSpace(strings.ToValidUTF8(name, ""))
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	if utf8.RuneCountInString(name) > maxStoredNameRune {
		name = string([]rune(name)[:maxStoredNameRune])
	}
	if name == "" {
		return "file"
	}
	return name
}

// registerFile hashes the PIN and inserts the file row together with a new
// share link.
func (s *Server) registerFile(ctx context.Context, r *http.Request, filename, objectName, pin string, size int64, uploadType string) (FileRecord, string, error) {
	pinHash, err := HashSecret(pin)
	if err != nil {
		return FileRecord{}, "", err
	}

	now := s.now()
	rec := FileRecord{
		ID:               uuid.New(),
		OriginalFilename: displayName(filename),
		ObjectName:       objectName,
		PINHash:          pinHash,
		CreatedAt:        now,
		ExpiryDate:       now.Add(s.cfg.FileExpiry),
		MaxDownloads:     s.cfg.MaxDownloads,
		SizeBytes:        &size,
		UploadType:       uploadType,
	}
	// Uploads are anonymous; a signed-in admin is recorded as the owner.
	if p, err := s.authenticate(r); err == nil && p.UserID != nil {
		rec.UploadedBy = p.UserID
	}

	token := newShareToken()
	if err := s.repo.CreateFile(ctx, rec, token); err != nil {
		return FileRecord{}, "", err
	}
	uploadsTotal.WithLabelValues(uploadType).Inc()
	return rec, token, nil
}

// handleUpload handles POST /upload: a multipart form with "file" and
// "security_phrase", streamed straight into the object store.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	rid := RequestIDFromContext(r.Context())
	if s.cfg.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	}

	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, msgChooseFile)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	var (
		pin        string
		pinSeen    bool
		filename   string
		objectName string
		written    int64
	)
	// removeStored deletes the object on any failure after it was written.
	removeStored := func() {
		if objectName == "" {
			return
		}
		if err := s.store.Delete(context.WithoutCancel(ctx), objectName); err != nil {
			s.log.Warn("orphan_cleanup_failed", zap.String("rid", rid), zap.String("object", objectName), zap.Error(err))
		}
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			removeStored()
			if isTooLarge(err) {
				writeError(w, http.StatusRequestEntityTooLarge, msgFileTooLarge)
				return
			}
			writeError(w, http.StatusBadRequest, msgChooseFile)
			return
		}

		switch part.FormName() {
		case "security_phrase":
			b, err := io.ReadAll(io.LimitReader(part, maxPINBytes+1))
			if err != nil {
				_ = part.Close()
				removeStored()
				if isTooLarge(err) {
					writeError(w, http.StatusRequestEntityTooLarge, msgFileTooLarge)
					return
				}
				writeError(w, http.StatusBadRequest, msgPINTooShort)
				return
			}
			if pinTooLong(string(b)) {
				_ = part.Close()
				removeStored()
				writeError(w, http.StatusBadRequest, msgPINTooLong)
				return
			}
			pin, pinSeen = string(b), true

		case "file":
			if objectName != "" || part.FileName() == "" {
				_ = part.Close()
				continue
			}
			if pinSeen && !validPIN(pin) {
				_ = part.Close()
				writeError(w, http.StatusBadRequest, msgPINTooShort)
				return
			}
			filename = part.FileName()
			name, err := newObjectName(filename)
			if err != nil {
				_ = part.Close()
				writeError(w, http.StatusInternalServerError, msgInternal)
				return
			}
			n, err := s.store.Put(ctx, name, part, -1, contentTypeFor(filename, part.Header.Get("Content-Type")))
			if err != nil {
				_ = part.Close()
				s.log.Error("put_object_failed", zap.String("rid", rid), zap.String("object", name), zap.Error(err))
				// A partial multipart upload may still have produced the key.
				if derr := s.store.Delete(context.WithoutCancel(ctx), name); derr != nil && !errors.Is(derr, ErrObjectNotFound) {
					s.log.Warn("orphan_cleanup_failed", zap.String("rid", rid), zap.String("object", name), zap.Error(derr))
				}
				if isTooLarge(err) {
					writeError(w, http.StatusRequestEntityTooLarge, msgFileTooLarge)
					return
				}
				writeError(w, http.StatusInternalServerError, msgStorageFailed)
				return
			}
			objectName, written = name, n
		}
		_ = part.Close()
	}

	if objectName == "" {
		writeError(w, http.StatusBadRequest, msgChooseFile)
		return
	}
	if !validPIN(pin) {
		removeStored()
		writeError(w, http.StatusBadRequest, msgPINTooShort)
		return
	}

	rec, token, err := s.registerFile(ctx, r, filename, objectName, pin, written, UploadTypeStream)
	if err != nil {
		s.log.Error("register_file_failed", zap.String("rid", rid), zap.String("object", objectName), zap.Error(err))
		removeStored()
		writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}

	s.log.Info("file_uploaded",
		zap.String("rid", rid),
		zap.String("object", objectName),
		zap.Int64("bytes", written),
		zap.String("path", UploadTypeStream),
	)
	writeJSON(w, http.StatusOK, s.uploadResponse(rec, token))
}

func isTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}
