package server

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	msgInvalidInitiate = "Missing or invalid filesize/filename"
	msgPresignFailed   = "Could not create secure upload URL."
	msgFinalizeData    = "Missing required data for finalization."
	msgInvalidObject   = "Invalid object name."
	msgObjectMissing   = "Uploaded object not found."
	msgAlreadyFinal    = "This file may have already been finalized."
	msgCompleteFailed  = "Could not complete multipart upload."
)

type initiateReq struct {
	Filename      string `json:"filename"`
	Filesize      *int64 `json:"filesize"`
	FileSizeBytes *int64 `json:"file_size_bytes"`
}

type initiateResp struct {
	UploadType    string `json:"upload_type"`
	UploadURL     string `json:"upload_url,omitempty"`
	PARURL        string `json:"par_url,omitempty"`
	ObjectName    string `json:"object_name,omitempty"`
	UploadID      string `json:"upload_id,omitempty"`
	PartSizeBytes int64  `json:"part_size_bytes,omitempty"`
	PartCount     int    `json:"part_count,omitempty"`
}

// planParts returns the part size and count for a multipart upload of
// size bytes, growing the part size when the configured one would need more
// than maxPartNum parts.
func planParts(size, partSize int64) (int64, int) {
	if partSize < minPartSize {
		partSize = minPartSize
	}
	if need := (size + maxPartNum - 1) / maxPartNum; need > partSize {
		// Round up to a whole MiB.
		partSize = (need + (1<<20 - 1)) &^ (1<<20 - 1)
	}
	count := int((size + partSize - 1) / partSize)
	if count == 0 {
		count = 1
	}
	return partSize, count
}

// handleInitiateUpload picks the upload path for a file of the announced
// size: streamed through /upload, a single pre-signed PUT, or a multipart
// session with per-part pre-signed URLs.
func (s *Server) handleInitiateUpload(w http.ResponseWriter, r *http.Request) {
	rid := RequestIDFromContext(r.Context())

	var req initiateReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, msgInvalidInitiate)
		return
	}
	size := req.Filesize
	if size == nil {
		size = req.FileSizeBytes
	}
	if strings.TrimSpace(req.Filename) == "" || size == nil || *size < 0 {
		writeError(w, http.StatusBadRequest, msgInvalidInitiate)
		return
	}
	if s.cfg.MaxUploadBytes > 0 && *size > s.cfg.MaxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, msgFileTooLarge)
		return
	}

	if *size <= s.cfg.StreamThreshold {
		writeJSON(w, http.StatusOK, initiateResp{UploadType: UploadTypeStream, UploadURL: "/upload"})
		return
	}

	objectName, err := newObjectName(req.Filename)
	if err != nil {
		writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	if *size <= s.cfg.LargeFileThreshold {
		parURL, err := s.store.PresignPut(ctx, objectName, s.cfg.UploadPARExpiry())
		if err != nil {
			s.log.Error("presign_put_failed", zap.String("rid", rid), zap.String("object", objectName), zap.Error(err))
			writeError(w, http.StatusInternalServerError, msgPresignFailed)
			return
		}
		writeJSON(w, http.StatusOK, initiateResp{
			UploadType: UploadTypeDirect,
			PARURL:     parURL,
			ObjectName: objectName,
		})
		return
	}

	uploadID, err := s.store.CreateMultipart(ctx, objectName)
	if err != nil {
		s.log.Error("create_multipart_failed", zap.String("rid", rid), zap.String("object", objectName), zap.Error(err))
		writeError(w, http.StatusInternalServerError, msgPresignFailed)
		return
	}
	partSize, partCount := planParts(*size, s.cfg.PartSize)

	s.log.Info("multipart_started",
		zap.String("rid", rid),
		zap.String("object", objectName),
		zap.Int64("size", *size),
		zap.Int("parts", partCount),
	)
	writeJSON(w, http.StatusOK, initiateResp{
		UploadType:    UploadTypeMultipart,
		ObjectName:    objectName,
		UploadID:      uploadID,
		PartSizeBytes: partSize,
		PartCount:     partCount,
	})
}

// handleRequestPartURL issues a pre-signed URL for one part of a multipart
// session.
func (s *Server) handleRequestPartURL(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ObjectName string `json:"object_name"`
		UploadID   string `json:"upload_id"`
		PartNum    int    `json:"part_num"`
	}
	if err := decodeJSON(w, r, &req); err != nil || req.UploadID == "" {
		writeError(w, http.StatusBadRequest, "Missing or invalid part request.")
		return
	}
	if !validObjectName(req.ObjectName) {
		writeError(w, http.StatusBadRequest, msgInvalidObject)
		return
	}
	if req.PartNum < 1 || req.PartNum > maxPartNum {
		writeError(w, http.StatusBadRequest, "part_num must be between 1 and 10000.")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	parURL, err := s.store.PresignPart(ctx, req.ObjectName, req.UploadID, req.PartNum, s.cfg.UploadPARExpiry())
	if err != nil {
		s.log.Error("presign_part_failed",
			zap.String("rid", RequestIDFromContext(r.Context())),
			zap.String("object", req.ObjectName),
			zap.Int("part", req.PartNum),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, msgPresignFailed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"par_url": parURL})
}

type finalizeReq struct {
	PIN              string          `json:"pin"`
	OriginalFilename string          `json:"original_filename"`
	ObjectName       string          `json:"object_name"`
	SizeBytes        *int64          `json:"size_bytes"`
	UploadID         string          `json:"upload_id"`
	Parts            []CompletedPart `json:"parts"`
}

// normaliseParts checks part numbers and returns the list sorted by number.
// On failure the second result is the message for the client.
func normaliseParts(parts []CompletedPart) ([]CompletedPart, string) {
	if len(parts) == 0 {
		return nil, "Missing parts for multipart upload."
	}
	out := slices.Clone(parts)
	slices.SortFunc(out, func(a, b CompletedPart) int { return a.PartNum - b.PartNum })
	for i, p := range out {
		if p.PartNum < 1 || p.PartNum > maxPartNum || strings.TrimSpace(p.ETag) == "" {
			return nil, "Invalid parts list."
		}
		if i > 0 && out[i-1].PartNum == p.PartNum {
			return nil, "Duplicate part numbers."
		}
	}
	return out, ""
}

// handleFinalizeUpload registers an object the client uploaded directly,
// completing the multipart session first when upload_id is given.
func (s *Server) handleFinalizeUpload(w http.ResponseWriter, r *http.Request) {
	rid := RequestIDFromContext(r.Context())

	var req finalizeReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, msgFinalizeData)
		return
	}
	if req.PIN == "" || strings.TrimSpace(req.OriginalFilename) == "" || req.ObjectName == "" || req.SizeBytes == nil {
		writeError(w, http.StatusBadRequest, msgFinalizeData)
		return
	}
	if !validPIN(req.PIN) {
		writeError(w, http.StatusBadRequest, msgPINTooShort)
		return
	}
	if pinTooLong(req.PIN) {
		writeError(w, http.StatusBadRequest, msgPINTooLong)
		return
	}
	if !validObjectName(req.ObjectName) {
		writeError(w, http.StatusBadRequest, msgInvalidObject)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	uploadType := UploadTypeDirect
	if req.UploadID != "" {
		parts, msg := normaliseParts(req.Parts)
		if msg != "" {
			writeError(w, http.StatusBadRequest, msg)
			return
		}
		if err := s.store.CompleteMultipart(ctx, req.ObjectName, req.UploadID, parts); err != nil {
			s.log.Error("complete_multipart_failed", zap.String("rid", rid), zap.String("object", req.ObjectName), zap.Error(err))
			writeError(w, http.StatusBadGateway, msgCompleteFailed)
			return
		}
		uploadType = UploadTypeMultipart
	}

	size, err := s.store.Stat(ctx, req.ObjectName)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			writeError(w, http.StatusBadRequest, msgObjectMissing)
			return
		}
		s.log.Error("stat_object_failed", zap.String("rid", rid), zap.String("object", req.ObjectName), zap.Error(err))
		writeError(w, http.StatusBadGateway, "Could not verify uploaded object.")
		return
	}
	if s.cfg.MaxUploadBytes > 0 && size > s.cfg.MaxUploadBytes {
		s.log.Warn("upload_over_limit",
			zap.String("rid", rid),
			zap.String("object", req.ObjectName),
			zap.Int64("stored", size),
			zap.Int64("limit", s.cfg.MaxUploadBytes),
		)
		if err := s.store.Delete(context.WithoutCancel(ctx), req.ObjectName); err != nil && !errors.Is(err, ErrObjectNotFound) {
			s.log.Warn("orphan_cleanup_failed", zap.String("rid", rid), zap.String("object", req.ObjectName), zap.Error(err))
		}
		writeError(w, http.StatusRequestEntityTooLarge, msgFileTooLarge)
		return
	}
	if size != *req.SizeBytes {
		s.log.Warn("size_mismatch",
			zap.String("rid", rid),
			zap.String("object", req.ObjectName),
			zap.Int64("claimed", *req.SizeBytes),
			zap.Int64("stored", size),
		)
	}

	rec, token, err := s.registerFile(ctx, r, req.OriginalFilename, req.ObjectName, req.PIN, size, uploadType)
	if err != nil {
		if errors.Is(err, ErrDuplicateObject) {
			writeError(w, http.StatusConflict, msgAlreadyFinal)
			return
		}
		s.log.Error("register_file_failed", zap.String("rid", rid), zap.String("object", req.ObjectName), zap.Error(err))
		if err := s.store.Delete(context.WithoutCancel(ctx), req.ObjectName); err != nil && !errors.Is(err, ErrObjectNotFound) {
			s.log.Warn("orphan_cleanup_failed", zap.String("rid", rid), zap.String("object", req.ObjectName), zap.Error(err))
		}
		writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}

	s.log.Info("file_uploaded",
		zap.String("rid", rid),
		zap.String("object", req.ObjectName),
		zap.Int64("bytes", size),
		zap.String("path", uploadType),
	)
	writeJSON(w, http.StatusOK, s.uploadResponse(rec, token))
}

// handleAbortUpload abandons a multipart session so storage frees its parts.
func (s *Server) handleAbortUpload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ObjectName string `json:"object_name"`
		UploadID   string `json:"upload_id"`
	}
	if err := decodeJSON(w, r, &req); err != nil || req.UploadID == "" {
		writeError(w, http.StatusBadRequest, "Missing object_name or upload_id.")
		return
	}
	if !validObjectName(req.ObjectName) {
		writeError(w, http.StatusBadRequest, msgInvalidObject)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	if err := s.store.AbortMultipart(ctx, req.ObjectName, req.UploadID); err != nil {
		s.log.Error("abort_multipart_failed",
			zap.String("rid", RequestIDFromContext(r.Context())),
			zap.String("object", req.ObjectName),
			zap.Error(err),
		)
		writeError(w, http.StatusBadGateway, "Could not abort upload.")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "aborted"})
}
