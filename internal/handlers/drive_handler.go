package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"chemdrive/internal/document"
	"chemdrive/internal/models"
	"chemdrive/internal/recent"
	"chemdrive/internal/service"
)

const (
	defaultLogLimit = 50
	maxBodySize     = 4 << 20
)

var errUnknownDevice = errors.New("unknown device")

type DriveHandler struct {
	drive   *service.Drive
	timeout time.Duration
}

func NewDriveHandler(drive *service.Drive) *DriveHandler {
	return &DriveHandler{drive: drive, timeout: 5 * time.Second}
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type SuccessResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type DocumentResponse struct {
	Path  string `json:"path"`
	Text  string `json:"text"`
	Dirty bool   `json:"dirty"`
}

type documentRequest struct {
	Text string `json:"text"`
}

type loadRequest struct {
	Path string `json:"path"`
}

type runRequest struct {
	KillStray bool `json:"kill_stray"`
}

type TestResponse struct {
	Status  string `json:"status"`
	Testing bool   `json:"testing"`
}

func (h *DriveHandler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("encode JSON response", "error", err)
	}
}

func (h *DriveHandler) writeError(w http.ResponseWriter, status int, err error, message string) {
	h.writeJSON(w, status, ErrorResponse{
		Error:   err.Error(),
		Message: message,
	})
}

// call runs fn on the event loop. It writes the error response itself and
// reports whether fn ran.
func (h *DriveHandler) call(w http.ResponseWriter, r *http.Request, fn func()) bool {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	if err := h.drive.Call(ctx, fn); err != nil {
		h.writeError(w, http.StatusServiceUnavailable, err, "Drive is not available")
		return false
	}
	return true
}

func (h *DriveHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, err, "Invalid request body")
		return false
	}
	return true
}

func (h *DriveHandler) writeDriveError(w http.ResponseWriter, err error, message string) {
	var perr *document.ParseError
	switch {
	case errors.As(err, &perr), errors.Is(err, service.ErrNoDocument), errors.Is(err, document.ErrDeviceSection):
		h.writeError(w, http.StatusBadRequest, err, message)
	case errors.Is(err, service.ErrNoConfigPath):
		h.writeError(w, http.StatusConflict, err, message)
	case errors.Is(err, os.ErrNotExist), errors.Is(err, errUnknownDevice):
		h.writeError(w, http.StatusNotFound, err, message)
	default:
		h.writeError(w, http.StatusInternalServerError, err, message)
	}
}

func (h *DriveHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	var status models.WorkerStatus
	if !h.call(w, r, func() { status = h.drive.Status() }) {
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

func (h *DriveHandler) GetDocument(w http.ResponseWriter, r *http.Request) {
	var resp DocumentResponse
	if !h.call(w, r, func() {
		resp = DocumentResponse{Path: h.drive.Path(), Text: h.drive.Text(), Dirty: h.drive.Dirty()}
	}) {
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *DriveHandler) PutDocument(w http.ResponseWriter, r *http.Request) {
	var req documentRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.call(w, r, func() { h.drive.SetText(req.Text) }) {
		return
	}
	h.writeJSON(w, http.StatusOK, SuccessResponse{Status: "updated"})
}

func (h *DriveHandler) LoadDocument(w http.ResponseWriter, r *http.Request) {
	var req loadRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Path == "" {
		h.writeError(w, http.StatusBadRequest, errors.New("path is required"), "Invalid request body")
		return
	}

	var err error
	if !h.call(w, r, func() { err = h.drive.Load(req.Path) }) {
		return
	}
	if err != nil {
		h.writeDriveError(w, err, "Failed to load "+req.Path)
		return
	}
	h.writeJSON(w, http.StatusOK, SuccessResponse{Status: "loaded", Message: req.Path})
}

func (h *DriveHandler) SaveDocument(w http.ResponseWriter, r *http.Request) {
	var err error
	var path string
	if !h.call(w, r, func() {
		err = h.drive.Save()
		path = h.drive.Path()
	}) {
		return
	}
	if err != nil {
		h.writeDriveError(w, err, "Failed to save configuration")
		return
	}
	h.writeJSON(w, http.StatusOK, SuccessResponse{Status: "saved", Message: "Configuration saved to: " + path})
}

func (h *DriveHandler) Run(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if !h.decode(w, r, &req) {
		return
	}

	var err error
	if !h.call(w, r, func() { err = h.drive.Run(req.KillStray) }) {
		return
	}
	if err != nil {
		h.writeDriveError(w, err, "Failed to start the worker")
		return
	}
	h.writeJSON(w, http.StatusAccepted, SuccessResponse{Status: "starting"})
}

func (h *DriveHandler) Stop(w http.ResponseWriter, r *http.Request) {
	if !h.call(w, r, h.drive.Stop) {
		return
	}
	h.writeJSON(w, http.StatusAccepted, SuccessResponse{Status: "stopping"})
}

func (h *DriveHandler) GetDevices(w http.ResponseWriter, r *http.Request) {
	var cards []models.DeviceCard
	var err error
	if !h.call(w, r, func() { cards, err = h.drive.Cards() }) {
		return
	}
	if err != nil {
		h.writeDriveError(w, err, "Configuration has an issue")
		return
	}
	h.writeJSON(w, http.StatusOK, deviceViews(cards))
}

func (h *DriveHandler) RunDevice(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	found := false
	if !h.call(w, r, func() {
		if found = h.drive.HasDevice(name); found {
			h.drive.RunIsolated(name)
		}
	}) {
		return
	}
	if !found {
		h.writeError(w, http.StatusNotFound, errUnknownDevice, "Device not found: "+name)
		return
	}
	h.writeJSON(w, http.StatusAccepted, SuccessResponse{Status: "starting", Message: name})
}

func (h *DriveHandler) VerifyDevice(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	found := false
	if !h.call(w, r, func() {
		if found = h.drive.HasDevice(name); found {
			h.drive.MarkVerified(name)
		}
	}) {
		return
	}
	if !found {
		h.writeError(w, http.StatusNotFound, errUnknownDevice, "Device not found: "+name)
		return
	}
	h.writeJSON(w, http.StatusOK, SuccessResponse{Status: "verified", Message: name})
}

func (h *DriveHandler) ToggleTest(w http.ResponseWriter, r *http.Request) {
	var err error
	var testing bool
	if !h.call(w, r, func() {
		err = h.drive.ToggleTest()
		testing = h.drive.Testing()
	}) {
		return
	}
	if err != nil {
		h.writeDriveError(w, err, "Failed to start the test")
		return
	}
	status := "cancelled"
	if testing {
		status = "started"
	}
	h.writeJSON(w, http.StatusOK, TestResponse{Status: status, Testing: testing})
}

func (h *DriveHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := defaultLogLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeError(w, http.StatusBadRequest, errors.New("invalid limit"), "limit must be a positive number")
			return
		}
		limit = n
	}
	h.writeJSON(w, http.StatusOK, h.drive.Logs(q.Get("level"), q.Get("run_id"), limit))
}

func (h *DriveHandler) ForgetRecent(w http.ResponseWriter, r *http.Request) {
	var req loadRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Path == "" {
		h.writeError(w, http.StatusBadRequest, errors.New("path is required"), "Invalid request body")
		return
	}

	var err error
	if !h.call(w, r, func() { err = h.drive.ForgetRecent(req.Path) }) {
		return
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err, "Failed to update recent projects")
		return
	}
	h.writeJSON(w, http.StatusOK, SuccessResponse{Status: "removed", Message: req.Path})
}

func (h *DriveHandler) GetRecent(w http.ResponseWriter, r *http.Request) {
	var projects []recent.Project
	var err error
	if !h.call(w, r, func() { projects, err = h.drive.Recent() }) {
		return
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err, "Failed to read recent projects")
		return
	}
	h.writeJSON(w, http.StatusOK, projects)
}
