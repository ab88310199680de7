package upload

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/radif/uploads/internal/middleware"
	"github.com/radif/uploads/internal/response"
	"github.com/radif/uploads/internal/staging"
)

// Handler holds HTTP handlers for upload and object endpoints.
type Handler struct {
	splitter  *Splitter
	svc       *Service
	keyPrefix string
	maxBody   int64
	log       *zap.SugaredLogger
}

// NewHandler creates a new upload Handler. Keys are created under keyPrefix,
// and request bodies larger than maxBody bytes are rejected.
func NewHandler(splitter *Splitter, svc *Service, keyPrefix string, maxBody int64, log *zap.SugaredLogger) *Handler {
	return &Handler{
		splitter:  splitter,
		svc:       svc,
		keyPrefix: keyPrefix,
		maxBody:   maxBody,
		log:       log.With("component", "upload_handler"),
	}
}

// KeyPrefix returns the key prefix for a caller: base alone for anonymous
// requests, base followed by the subject otherwise.
func KeyPrefix(base, subject string) string {
	if subject == "" {
		return base
	}
	return base + subject + "/"
}

// UploadResponse is the body returned by Upload.
type UploadResponse struct {
	Payload interface{} `json:"payload,omitempty"`
	Files   []Record    `json:"files"`
	Failed  []Failure   `json:"failed,omitempty"`
}

// DeleteRequest is the body accepted by DeleteObjects.
type DeleteRequest struct {
	Keys []string `json:"keys"`
}

// Upload godoc
//
//	@Summary		Upload files
//	@Description	Accepts a multipart/form-data body. The "data" field is returned as payload, every file part is stored under the caller's key prefix. Returns 201 when every file was stored, 207 when some failed and 502 when all failed.
//	@Tags			uploads
//	@Accept			mpfd
//	@Produce		json
//	@Security		BearerAuth
//	@Param			data	formData	string	false	"Metadata payload"
//	@Param			file	formData	file	false	"File to upload (repeatable)"
//	@Success		201		{object}	response.Envelope{data=UploadResponse}
//	@Success		207		{object}	response.Envelope{data=UploadResponse}
//	@Failure		400		{object}	response.Envelope
//	@Failure		401		{object}	response.Envelope
//	@Failure		413		{object}	response.Envelope
//	@Failure		500		{object}	response.Envelope
//	@Failure		502		{object}	response.Envelope{data=UploadResponse}
//	@Router			/uploads [post]
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)

	mr, err := r.MultipartReader()
	if err != nil {
		response.BadRequest(w, "expected a multipart/form-data body")
		return
	}

	batch, err := h.splitter.Split(r.Context(), mr)
	if err != nil {
		h.splitFailed(w, err)
		return
	}
	defer func() {
		if err := batch.Area.Close(); err != nil {
			h.log.Errorw("failed to close staging area", "area", batch.Area.ID(), "error", err)
		}
	}()

	prefix := KeyPrefix(h.keyPrefix, middleware.Subject(r.Context()))
	res, err := h.svc.SaveFiles(r.Context(), batch.Files, prefix)
	if err != nil {
		h.log.Errorw("staging cleanup failed", "area", batch.Area.ID(), "error", err)
		response.ServerError(w, "failed to clean up staged files")
		return
	}

	body := UploadResponse{
		Payload: payloadValue(batch.Payload),
		Files:   res.Uploaded,
		Failed:  res.Failed,
	}

	switch {
	case len(res.Failed) == 0:
		response.Created(w, body)
	case len(res.Uploaded) == 0:
		response.BadGateway(w, "all uploads failed", body)
	default:
		response.MultiStatus(w, body)
	}
}

func (h *Handler) splitFailed(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		response.PayloadTooLarge(w, "request body exceeds "+strconv.FormatInt(tooLarge.Limit, 10)+" bytes")
	case errors.Is(err, ErrMalformed):
		h.log.Warnw("malformed upload", "error", err)
		response.ServerError(w, err.Error())
	case errors.Is(err, staging.ErrUnsafeName):
		// An unsafe name is a staging failure like any other disk error: 500, not 400.
		h.log.Warnw("unsafe file name", "error", err)
		response.ServerError(w, "invalid file name")
	default:
		h.log.Errorw("failed to stage upload", "error", err)
		response.InternalError(w)
	}
}

// payloadValue embeds a JSON payload as is and anything else as a string.
func payloadValue(p []byte) interface{} {
	if len(p) == 0 {
		return nil
	}
	if json.Valid(p) {
		return json.RawMessage(p)
	}
	return string(p)
}

// DeleteObjects godoc
//
//	@Summary		Delete objects
//	@Description	Deletes the given keys from object storage. Absent objects count as deleted.
//	@Tags			objects
//	@Accept			json
//	@Produce		json
//	@Security		BearerAuth
//	@Param			body	body		DeleteRequest	true	"Keys to delete"
//	@Success		200		{object}	response.Envelope{data=[]DeleteResult}
//	@Failure		400		{object}	response.Envelope
//	@Failure		401		{object}	response.Envelope
//	@Failure		403		{object}	response.Envelope
//	@Router			/objects [delete]
func (h *Handler) DeleteObjects(w http.ResponseWriter, r *http.Request) {
	var req DeleteRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}
	if len(req.Keys) == 0 {
		response.BadRequest(w, "keys are required")
		return
	}

	prefix := KeyPrefix(h.keyPrefix, middleware.Subject(r.Context()))
	for _, key := range req.Keys {
		if !ownedKey(key, prefix) {
			response.Forbidden(w, "key outside of your prefix: "+key)
			return
		}
	}

	response.OK(w, h.svc.DeleteObjects(r.Context(), req.Keys))
}

// FetchObject godoc
//
//	@Summary		Download an object
//	@Description	Streams the object stored under the given key.
//	@Tags			objects
//	@Produce		octet-stream
//	@Security		BearerAuth
//	@Param			key	path		string	true	"Object key"
//	@Success		200	{file}		binary
//	@Failure		401	{object}	response.Envelope
//	@Failure		403	{object}	response.Envelope
//	@Failure		404	{object}	response.Envelope
//	@Failure		502	{object}	response.Envelope
//	@Router			/objects/{key} [get]
func (h *Handler) FetchObject(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	prefix := KeyPrefix(h.keyPrefix, middleware.Subject(r.Context()))
	if !ownedKey(key, prefix) {
		response.Forbidden(w, "key outside of your prefix")
		return
	}

	obj, ok, err := h.svc.FetchObject(r.Context(), key)
	if err != nil {
		h.log.Warnw("fetch failed", "key", key, "error", err)
		response.BadGateway(w, "object store request failed", nil)
		return
	}
	if !ok {
		response.NotFound(w, "object not found")
		return
	}
	defer obj.Body.Close()

	contentType := obj.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	if obj.Size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	}
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, obj.Body); err != nil {
		h.log.Warnw("object stream interrupted", "key", key, "error", err)
	}
}

func ownedKey(key, prefix string) bool {
	if !strings.HasPrefix(key, prefix) || len(key) == len(prefix) {
		return false
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return false
		}
	}
	return true
}
