package service

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tiered/internal/blob"
	"tiered/internal/catalog"
	"tiered/internal/scheduler"
	"tiered/internal/tier"
)

// maxUploadMemory bounds how much of a multipart upload is buffered in
// memory before spilling to a temp file.
const maxUploadMemory = 32 << 20

type fileResponse struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	Tier         tier.Tier `json:"tier"`
	Checksum     string    `json:"checksum"`
	ContentType  string    `json:"content_type"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
	AccessCount  int64     `json:"access_count"`
	TierVersion  int64     `json:"tier_version"`
}

func toFileResponse(rec catalog.FileRecord) fileResponse {
	return fileResponse{
		ID:           rec.ID,
		Name:         rec.Name,
		Size:         rec.Size,
		Tier:         rec.Tier,
		Checksum:     rec.Checksum,
		ContentType:  rec.ContentType,
		CreatedAt:    rec.CreatedAt.UTC(),
		LastAccessed: rec.LastAccessed.UTC(),
		AccessCount:  rec.AccessCount,
		TierVersion:  rec.TierVersion,
	}
}

type decisionResponse struct {
	FileID string    `json:"file_id"`
	From   tier.Tier `json:"from"`
	To     tier.Tier `json:"to"`
	Reason string    `json:"reason"`
}

type failureResponse struct {
	FileID string `json:"file_id"`
	Kind   string `json:"kind"`
	Error  string `json:"error"`
}

type runResponse struct {
	Evaluated  int                `json:"evaluated"`
	Moved      int                `json:"moved"`
	Skipped    int                `json:"skipped"`
	Failures   []failureResponse  `json:"failures"`
	Decisions  []decisionResponse `json:"decisions"`
	DurationMS float64            `json:"duration_ms"`
}

func toRunResponse(rep scheduler.Report) runResponse {
	resp := runResponse{
		Evaluated:  rep.Evaluated,
		Moved:      rep.Moved,
		Skipped:    rep.Skipped,
		Failures:   make([]failureResponse, 0, len(rep.Failures)),
		Decisions:  make([]decisionResponse, 0, len(rep.Decisions)),
		DurationMS: float64(rep.Duration.Nanoseconds()) / float64(time.Millisecond),
	}
	for _, f := range rep.Failures {
		resp.Failures = append(resp.Failures, failureResponse{FileID: f.FileID, Kind: f.Kind, Error: f.Err.Error()})
	}
	for _, d := range rep.Decisions {
		resp.Decisions = append(resp.Decisions, decisionResponse{FileID: d.FileID, From: d.From, To: d.To, Reason: d.Reason})
	}
	return resp
}

type tierStatsResponse struct {
	Count     int64 `json:"count"`
	TotalSize int64 `json:"total_size"`
}

type statsResponse struct {
	TotalFiles int64                        `json:"total_files"`
	TotalSize  int64                        `json:"total_size"`
	Tiers      map[string]tierStatsResponse `json:"tiers"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Encode JSON response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeDomainError maps service errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, catalog.ErrNotFound), errors.Is(err, blob.ErrNotFound):
		writeError(w, http.StatusNotFound, "file not found")
	case errors.Is(err, catalog.ErrExists):
		writeError(w, http.StatusConflict, "file already exists")
	case errors.Is(err, catalog.ErrConflict):
		writeError(w, http.StatusConflict, "file was moved concurrently, retry")
	case errors.Is(err, scheduler.ErrVerificationFailed):
		writeError(w, http.StatusBadGateway, "payload verification failed")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// Handler returns the HTTP API for the tiering service.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /files", s.handleUpload)
	mux.HandleFunc("GET /files", s.handleList)
	mux.HandleFunc("GET /files/{id}", s.handleGet)
	mux.HandleFunc("GET /files/{id}/download", s.handleDownload)
	mux.HandleFunc("DELETE /files/{id}", s.handleDelete)
	mux.HandleFunc("GET /stats", s.handleStats)

	mux.HandleFunc("POST /admin/tiering/run", s.handleRunTiering)
	mux.HandleFunc("POST /admin/files/{id}/promote", s.handlePromote)
	mux.HandleFunc("PUT /admin/files/{id}/last-accessed", s.handleSetLastAccessed)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	return LogRequest(Recoverer(mux))
}

// handleUpload implements POST /files with a multipart form carrying a
// single "file" part. An optional "name" field overrides the part's
// filename.
func (s *Service) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, http.StatusBadRequest, "expected multipart form upload")
		return
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			slog.Debug("Cleanup multipart temp files", "err", err)
		}
	}()

	f, fh, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing form field 'file'")
		return
	}
	defer f.Close()

	name := r.FormValue("name")
	if name == "" {
		name = fh.Filename
	}

	rec, err := s.Upload(r.Context(), name, fh.Header.Get("Content-Type"), f, fh.Size)
	if err != nil {
		if errors.Is(err, ErrInvalidUpload) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("Upload file", "name", name, "err", err)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toFileResponse(rec))
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	var only *tier.Tier
	if raw := r.URL.Query().Get("tier"); raw != "" {
		t, err := tier.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "unknown tier "+strconv.Quote(raw))
			return
		}
		only = &t
	}

	recs, err := s.List(r.Context(), only)
	if err != nil {
		slog.Error("List files", "err", err)
		writeDomainError(w, err)
		return
	}

	resp := make([]fileResponse, 0, len(recs))
	for _, rec := range recs {
		resp = append(resp, toFileResponse(rec))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toFileResponse(rec))
}

func (s *Service) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	rec, rc, err := s.Download(r.Context(), id)
	if err != nil {
		if !errors.Is(err, catalog.ErrNotFound) {
			slog.Error("Download file", "file", id, "err", err)
		}
		writeDomainError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", rec.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(rec.Size, 10))
	w.Header().Set("Content-Disposition", `attachment; filename="`+rec.Name+`"`)
	w.Header().Set("X-Storage-Tier", rec.Tier.String())
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, rc); err != nil {
		slog.Error("Stream file payload", "file", id, "err", err)
	}
}

func (s *Service) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.Delete(r.Context(), id); err != nil {
		if !errors.Is(err, catalog.ErrNotFound) {
			slog.Error("Delete file", "file", id, "err", err)
		}
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Stats(r.Context())
	if err != nil {
		slog.Error("Compute storage stats", "err", err)
		writeDomainError(w, err)
		return
	}

	resp := statsResponse{
		TotalFiles: stats.TotalFiles,
		TotalSize:  stats.TotalSize,
		Tiers:      make(map[string]tierStatsResponse, len(stats.Tiers)),
	}
	for t, ts := range stats.Tiers {
		resp.Tiers[t.String()] = tierStatsResponse{Count: ts.Count, TotalSize: ts.TotalSize}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleRunTiering(w http.ResponseWriter, r *http.Request) {
	rep, err := s.RunTiering(r.Context())
	if err != nil {
		slog.Error("Manual tiering run", "err", err)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRunResponse(rep))
}

func (s *Service) handlePromote(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := s.Promote(r.Context(), id)
	if err != nil {
		if !errors.Is(err, catalog.ErrNotFound) {
			slog.Error("Promote file", "file", id, "err", err)
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toFileResponse(rec))
}

func (s *Service) handleSetLastAccessed(w http.ResponseWriter, r *http.Request) {
	var body struct {
		LastAccessed time.Time `json:"last_accessed"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.LastAccessed.IsZero() {
		writeError(w, http.StatusBadRequest, "expected JSON body with RFC 3339 'last_accessed'")
		return
	}

	rec, err := s.SetLastAccessed(r.Context(), r.PathValue("id"), body.LastAccessed)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toFileResponse(rec))
}
