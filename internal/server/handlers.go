package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gorilla/sessions"
	"go.uber.org/zap"

	"github.com/ReviveAnalyticsPvtLtd/AnalyticsHub/internal/chain"
	"github.com/ReviveAnalyticsPvtLtd/AnalyticsHub/internal/ingest"
	"github.com/ReviveAnalyticsPvtLtd/AnalyticsHub/internal/pipeline"
)

const sessionKey = "sid"

// Handlers serves the session JSON API.
type Handlers struct {
	registry     *Registry
	sessionStore sessions.Store
	cookieName   string
	maxUpload    int64
	logger       *zap.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(registry *Registry, sessionStore sessions.Store, cookieName string, maxUpload int64, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxUpload <= 0 {
		maxUpload = 32 << 20
	}
	return &Handlers{
		registry:     registry,
		sessionStore: sessionStore,
		cookieName:   cookieName,
		maxUpload:    maxUpload,
		logger:       logger,
	}
}

type metadataResponse struct {
	Metadata any `json:"metadata"`
}

type queryRequest struct {
	Query string `json:"query"`
}

type queryResponse struct {
	State    string                    `json:"state"`
	Attempts int                       `json:"attempts"`
	HTML     string                    `json:"html,omitempty"`
	Message  string                    `json:"message,omitempty"`
	Failures []pipeline.AttemptFailure `json:"failures,omitempty"`
	Code     string                    `json:"code,omitempty"`
	Usage    chain.Usage               `json:"usage"`
	CostUSD  float64                   `json:"cost_usd,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// CreateSession loads an upload (multipart fields files, metadata, domain)
// into a new pipeline session bound to the caller's cookie. A previous
// session for the same cookie is closed.
func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parse upload: %w", err))
		return
	}
	files, err := readUploads(r.MultipartForm.File["files"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var metadata []byte
	if fhs := r.MultipartForm.File["metadata"]; len(fhs) > 0 {
		if metadata, err = readPart(fhs[0]); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	domain := strings.TrimSpace(r.FormValue("domain"))

	cookie, _ := h.sessionStore.Get(r, h.cookieName)
	if old, ok := cookie.Values[sessionKey].(string); ok {
		h.registry.Remove(old)
	}

	sess, err := h.registry.Create()
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if _, err := sess.LoadData(r.Context(), files, metadata, domain); err != nil {
		h.registry.Remove(sess.ID())
		h.logger.Warn("load failed", zap.String("session", sess.ID()), zap.Error(err))
		writeError(w, statusFor(err), err)
		return
	}

	cookie.Values[sessionKey] = sess.ID()
	if err := cookie.Save(r, w); err != nil {
		h.registry.Remove(sess.ID())
		writeError(w, http.StatusInternalServerError, fmt.Errorf("save session cookie: %w", err))
		return
	}
	writeJSON(w, http.StatusCreated, sess.Snapshot())
}

// GetSession reports readiness, domain, metadata and tables.
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.lookup(r)
	if !ok {
		writeJSON(w, http.StatusOK, pipeline.Snapshot{})
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

// DeleteSession closes the caller's session and expires the cookie.
func (h *Handlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	h.endSession(w, r)
	w.WriteHeader(http.StatusNoContent)
}

// UpdateMetadata applies the one permitted hand edit; the body is the JSON text.
func (h *Handlers) UpdateMetadata(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.lookup(r)
	if !ok {
		writeError(w, http.StatusConflict, pipeline.ErrNotReady)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("read body: %w", err))
		return
	}
	md, err := sess.UpdateMetadata(string(body))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, metadataResponse{Metadata: md})
}

// Query answers one question. The exit command ends the session.
func (h *Handlers) Query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode query: %w", err))
		return
	}
	if pipeline.IsExit(req.Query) {
		h.endSession(w, r)
		writeJSON(w, http.StatusOK, queryResponse{State: pipeline.StateExit.String(), Message: "session closed"})
		return
	}
	sess, ok := h.lookup(r)
	if !ok {
		writeError(w, http.StatusConflict, pipeline.ErrNotReady)
		return
	}
	out, err := sess.Ask(r.Context(), req.Query)
	if err != nil && out == nil {
		writeError(w, statusFor(err), err)
		return
	}
	if err != nil {
		// canceled mid-query; the client is most likely gone
		h.logger.Debug("query canceled", zap.String("session", sess.ID()), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, queryResponse{
		State:    out.State.String(),
		Attempts: out.Attempts,
		HTML:     out.HTML,
		Message:  out.Message,
		Failures: out.Failures,
		Code:     out.Code,
		Usage:    out.Usage,
		CostUSD:  out.CostUSD,
	})
}

// Health reports liveness and the number of open sessions.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": h.registry.Len()})
}

func (h *Handlers) lookup(r *http.Request) (*pipeline.Session, bool) {
	cookie, err := h.sessionStore.Get(r, h.cookieName)
	if err != nil {
		return nil, false
	}
	id, _ := cookie.Values[sessionKey].(string)
	return h.registry.Get(id)
}

func (h *Handlers) endSession(w http.ResponseWriter, r *http.Request) {
	cookie, _ := h.sessionStore.Get(r, h.cookieName)
	if id, ok := cookie.Values[sessionKey].(string); ok {
		h.registry.Remove(id)
	}
	delete(cookie.Values, sessionKey)
	cookie.Options.MaxAge = -1
	if err := cookie.Save(r, w); err != nil {
		h.logger.Warn("expire session cookie", zap.Error(err))
	}
}

func readUploads(fhs []*multipart.FileHeader) ([]ingest.UploadedFile, error) {
	if len(fhs) == 0 {
		return nil, errors.New("no files uploaded (field \"files\")")
	}
	out := make([]ingest.UploadedFile, 0, len(fhs))
	for _, fh := range fhs {
		b, err := readPart(fh)
		if err != nil {
			return nil, err
		}
		out = append(out, ingest.UploadedFile{Filename: fh.Filename, Content: b})
	}
	return out, nil
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", fh.Filename, err)
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", fh.Filename, err)
	}
	return b, nil
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var (
		dfe *ingest.DataFormatError
		mfe *ingest.MetadataFormatError
		ie  *chain.InvocationError
	)
	switch {
	case errors.Is(err, pipeline.ErrEmptyQuery):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrNotReady), errors.Is(err, pipeline.ErrMetadataLocked), errors.Is(err, pipeline.ErrAlreadyLoaded):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrClosed):
		return http.StatusGone
	case errors.Is(err, ErrTooManySessions):
		return http.StatusServiceUnavailable
	case errors.As(err, &dfe), errors.As(err, &mfe):
		return http.StatusUnprocessableEntity
	case errors.As(err, &ie):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func errorKind(err error) string {
	var (
		dfe *ingest.DataFormatError
		mfe *ingest.MetadataFormatError
		ce  *chain.ConstructionError
		ie  *chain.InvocationError
	)
	switch {
	case errors.As(err, &dfe):
		return "data_format"
	case errors.As(err, &mfe):
		return "metadata_format"
	case errors.As(err, &ce):
		return "chain_construction"
	case errors.As(err, &ie):
		return "model_invocation"
	case errors.Is(err, pipeline.ErrNotReady):
		return "not_ready"
	case errors.Is(err, pipeline.ErrMetadataLocked):
		return "metadata_locked"
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: errorKind(err)})
}
