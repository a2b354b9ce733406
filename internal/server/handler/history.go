package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/sbmarket/internal/domain"
)

// HistoryHandler serves recorded submissions, the audit log and snapshot
// archives. Any store may be nil, in which case its endpoints answer 503.
type HistoryHandler struct {
	submissions domain.SubmissionStore
	audit       domain.AuditStore
	archives    ArchiveLister
	logger      *slog.Logger
}

// ArchiveLister lists and opens archived snapshot files and triggers a run.
type ArchiveLister interface {
	List(ctx context.Context, day string) ([]domain.BlobInfo, error)
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	ArchiveSnapshots(ctx context.Context, now time.Time) (int64, error)
}

// NewHistoryHandler creates a HistoryHandler.
func NewHistoryHandler(submissions domain.SubmissionStore, audit domain.AuditStore, archives ArchiveLister, logger *slog.Logger) *HistoryHandler {
	return &HistoryHandler{
		submissions: submissions,
		audit:       audit,
		archives:    archives,
		logger:      logHandler(logger, "history"),
	}
}

// ListSubmissions returns an account's recorded flows, newest first.
// GET /api/submissions?account=ADDR&limit=50&offset=0
func (h *HistoryHandler) ListSubmissions(w http.ResponseWriter, r *http.Request) {
	if h.submissions == nil {
		writeError(w, http.StatusServiceUnavailable, "submission history is disabled")
		return
	}
	account := r.URL.Query().Get("account")
	if account == "" {
		writeError(w, http.StatusBadRequest, "missing account")
		return
	}
	opts := parseListOpts(r)
	subs, err := h.submissions.ListByAccount(r.Context(), account, opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list submissions failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list submissions")
		return
	}
	if subs == nil {
		subs = []domain.Submission{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"submissions": subs,
		"limit":       opts.Limit,
		"offset":      opts.Offset,
	})
}

// GetSubmission returns one recorded flow.
// GET /api/submissions/{id}
func (h *HistoryHandler) GetSubmission(w http.ResponseWriter, r *http.Request) {
	if h.submissions == nil {
		writeError(w, http.StatusServiceUnavailable, "submission history is disabled")
		return
	}
	sub, err := h.submissions.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "submission not found")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "get submission failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to load submission")
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// ListAudit returns audit entries newest first.
// GET /api/audit?limit=50&offset=0
func (h *HistoryHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, http.StatusServiceUnavailable, "audit log is disabled")
		return
	}
	opts := parseListOpts(r)
	entries, err := h.audit.List(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list audit failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list audit log")
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"limit":   opts.Limit,
		"offset":  opts.Offset,
	})
}

// ListArchives lists archive files for one UTC day (default today).
// GET /api/archives?day=2026-02-08
func (h *HistoryHandler) ListArchives(w http.ResponseWriter, r *http.Request) {
	if h.archives == nil {
		writeError(w, http.StatusServiceUnavailable, "archiving is disabled")
		return
	}
	day := r.URL.Query().Get("day")
	if day == "" {
		day = time.Now().UTC().Format(time.DateOnly)
	}
	if _, err := time.Parse(time.DateOnly, day); err != nil {
		writeError(w, http.StatusBadRequest, "day must be YYYY-MM-DD")
		return
	}
	files, err := h.archives.List(r.Context(), day)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list archives failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list archives")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"day": day, "files": files})
}

// RunArchive drains the snapshot stream into storage now.
// POST /api/archives/run
func (h *HistoryHandler) RunArchive(w http.ResponseWriter, r *http.Request) {
	if h.archives == nil {
		writeError(w, http.StatusServiceUnavailable, "archiving is disabled")
		return
	}
	n, err := h.archives.ArchiveSnapshots(r.Context(), time.Now())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "archive run failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "archive run failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"archived": n})
}

// GetArchive streams one archive file as JSON lines.
// GET /api/archives/file?path=snapshots/2026-02-08/...jsonl
func (h *HistoryHandler) GetArchive(w http.ResponseWriter, r *http.Request) {
	if h.archives == nil {
		writeError(w, http.StatusServiceUnavailable, "archiving is disabled")
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "missing path")
		return
	}
	body, err := h.archives.Open(r.Context(), path)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "archive not found")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "open archive failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to open archive")
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		h.logger.WarnContext(r.Context(), "streaming archive", slog.String("error", err.Error()))
	}
}
