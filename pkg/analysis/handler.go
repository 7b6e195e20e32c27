package analysis

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/IVVI0927/AIgreement/pkg/auth"
	"github.com/IVVI0927/AIgreement/pkg/fault"
	"github.com/IVVI0927/AIgreement/pkg/httpx"
	"github.com/IVVI0927/AIgreement/pkg/llmclient"
	"github.com/IVVI0927/AIgreement/pkg/store"
)

// MaxUploadBytes bounds a multipart contract upload.
const MaxUploadBytes = 10 << 20

type Handler struct {
	svc    *Service
	logger *slog.Logger
}

func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, logger: logger}
}

type operationResponse struct {
	ContractID string `json:"contractId"`
	Cached     bool   `json:"cached,omitempty"`
	llmclient.Result
}

// Operation serves one of the analysis endpoints. A fallback payload is a
// normal 200 response.
func (h *Handler) Operation(op llmclient.Operation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := owner(r)
		if !ok {
			httpx.Error(w, r, http.StatusUnauthorized, "authentication required")
			return
		}
		req := NewRequest()
		if err := httpx.DecodeJSON(r, &req); err != nil {
			decodeError(w, r, err, "invalid json")
			return
		}
		out, err := h.svc.Run(r.Context(), owner, op, req)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, operationResponse{
			ContractID: out.ContractID.String(),
			Cached:     out.Cached,
			Result:     out.Result,
		})
	}
}

func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	owner, ok := owner(r)
	if !ok {
		httpx.Error(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadBytes)
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		decodeError(w, r, err, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()
	file, header, err := r.FormFile("file")
	if err != nil {
		httpx.Error(w, r, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, MaxUploadBytes+1))
	if err != nil {
		decodeError(w, r, err, "invalid multipart form")
		return
	}
	if len(data) > MaxUploadBytes {
		httpx.Error(w, r, http.StatusRequestEntityTooLarge, "file too large")
		return
	}
	res, err := h.svc.Upload(r.Context(), owner, r.FormValue("title"), header.Filename, data)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, res)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	owner, ok := owner(r)
	if !ok {
		httpx.Error(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			httpx.Error(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	items, err := h.svc.List(r.Context(), owner, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	owner, ok := owner(r)
	if !ok {
		httpx.Error(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	detail, err := h.svc.Get(r.Context(), owner, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, detail)
}

func owner(r *http.Request) (string, bool) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok || id.Subject() == "" {
		return "", false
	}
	return id.Subject(), true
}

func decodeError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		httpx.Error(w, r, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	httpx.Error(w, r, http.StatusBadRequest, msg)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if msg := ValidationMessage(err); msg != "" {
		httpx.Error(w, r, http.StatusBadRequest, msg)
		return
	}
	switch {
	case fault.IsInput(err):
		httpx.Error(w, r, http.StatusBadRequest, "invalid request")
	case errors.Is(err, store.ErrNotFound):
		httpx.Error(w, r, http.StatusNotFound, "contract not found")
	default:
		h.logger.ErrorContext(r.Context(), "analysis request failed", "err", err,
			"path", r.URL.Path, "correlation_id", httpx.CorrelationID(r.Context()))
		httpx.Error(w, r, http.StatusServiceUnavailable, "service temporarily unavailable")
	}
}
