package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/Brownie44l1/digit-api/internal/metrics"
	"github.com/Brownie44l1/digit-api/internal/model"
	"github.com/Brownie44l1/digit-api/internal/preprocess"
)

const (
	RouteArray  = "array"
	RouteImage  = "image"
	RouteCanvas = "canvas"
)

type Options struct {
	MaxUploadBytes int64
	ArrayScaling   preprocess.ArrayScaling
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

// Handler serves the prediction endpoints. The model handle is injected once
// at construction and only read afterwards.
type Handler struct {
	model     *model.Handle
	maxUpload int64
	scaling   preprocess.ArrayScaling
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

func NewHandler(m *model.Handle, opts Options) *Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 10 << 20
	}
	if opts.ArrayScaling == "" {
		opts.ArrayScaling = preprocess.ScaleNone
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Handler{
		model:     m,
		maxUpload: opts.MaxUploadBytes,
		scaling:   opts.ArrayScaling,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}
}

// Root is the liveness check; it does not depend on the model state.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"message": "API is working"}, http.StatusOK)
}

type healthResponse struct {
	Status      string        `json:"status"`
	ModelLoaded bool          `json:"model_loaded"`
	Backend     string        `json:"backend"`
	Source      string        `json:"source"`
	InputShape  [4]int        `json:"input_shape"`
	NumClasses  int           `json:"num_classes"`
	Warnings    []string      `json:"warnings"`
	CPU         model.CPUInfo `json:"cpu"`
}

// Health reports "degraded" while the service runs on default parameters.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if !h.model.Loaded() {
		status = "degraded"
	}
	meta := h.model.Metadata()
	respondJSON(w, healthResponse{
		Status:      status,
		ModelLoaded: h.model.Loaded(),
		Backend:     meta.Backend,
		Source:      meta.Source,
		InputShape:  meta.InputShape,
		NumClasses:  meta.NumClasses,
		Warnings:    h.model.Warnings(),
		CPU:         model.HostCPU(),
	}, http.StatusOK)
}

func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	body, err := h.readBody(w, r)
	if err != nil {
		h.fail(w, r, RouteArray, err)
		return
	}

	tensor, err := preprocess.FromArray(body, h.scaling)
	if err != nil {
		h.fail(w, r, RouteArray, err)
		return
	}
	h.predict(w, r, RouteArray, tensor)
}

func (h *Handler) PredictFromImage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		h.fail(w, r, RouteImage, bodyError(err, "failed to parse multipart form"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		file, header, err = r.FormFile("image")
	}
	if err != nil {
		h.fail(w, r, RouteImage, model.InvalidInput("handlers.image",
			"no image file provided; use 'file' as the form field name"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		h.fail(w, r, RouteImage, fmt.Errorf("read upload: %w", err))
		return
	}

	h.logger.Debug("upload.received", "filename", header.Filename, "size", header.Size)

	tensor, err := preprocess.FromImage(data)
	if err != nil {
		h.fail(w, r, RouteImage, err)
		return
	}
	h.predict(w, r, RouteImage, tensor)
}

func (h *Handler) PredictFromCanvas(w http.ResponseWriter, r *http.Request) {
	body, err := h.readBody(w, r)
	if err != nil {
		h.fail(w, r, RouteCanvas, err)
		return
	}

	payload, err := preprocess.CanvasPayload(body)
	if err != nil {
		h.fail(w, r, RouteCanvas, err)
		return
	}

	tensor, err := preprocess.FromCanvas(payload)
	if err != nil {
		h.fail(w, r, RouteCanvas, err)
		return
	}
	h.predict(w, r, RouteCanvas, tensor)
}

func (h *Handler) predict(w http.ResponseWriter, r *http.Request, route string, tensor model.Tensor) {
	result, err := model.Predict(h.model, tensor)
	if err != nil {
		h.fail(w, r, route, err)
		return
	}

	if h.metrics != nil {
		h.metrics.ObservePrediction(route, result.Prediction)
	}
	respondJSON(w, result, http.StatusOK)
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxUpload))
	if err != nil {
		return nil, bodyError(err, "failed to read request body")
	}
	return body, nil
}

// errTooLarge marks bodies rejected by http.MaxBytesReader.
var errTooLarge = errors.New("request body too large")

func bodyError(err error, msg string) error {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return fmt.Errorf("%w: limit is %d bytes", errTooLarge, mbe.Limit)
	}
	return model.InvalidInput("handlers.body", "%s: %v", msg, err)
}

// fail maps pipeline errors to status codes. A shape mismatch on the array
// route is the client's fault; on the image routes it means the normalizer
// produced a bad tensor.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, route string, err error) {
	status := http.StatusInternalServerError
	msg := "prediction failed"

	switch {
	case errors.Is(err, errTooLarge):
		status, msg = http.StatusRequestEntityTooLarge, err.Error()
	case model.IsKind(err, model.KindInvalidInput):
		status, msg = http.StatusBadRequest, err.Error()
	case model.IsKind(err, model.KindShapeMismatch) && route == RouteArray:
		status, msg = http.StatusBadRequest, err.Error()
	}

	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	h.logger.Log(r.Context(), level, "predict.failed",
		"route", route, "status", status, "error", err.Error())

	respondError(w, msg, status)
}

func respondJSON(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, message string, status int) {
	respondJSON(w, map[string]string{"error": message}, status)
}
