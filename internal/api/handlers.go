package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"pagecollab/internal/models"
	"pagecollab/internal/repository"
	"pagecollab/internal/services/collaboration"

	"github.com/gorilla/mux"
)

const defaultRecentChanges = collaboration.DefaultInitialChanges

// Handler handles HTTP requests
type Handler struct {
	registry  *collaboration.Registry
	gateway   *collaboration.Gateway
	wsHandler *collaboration.WebSocketHandler
	snapshots SnapshotReader // nil when archiving is disabled
	archive   ArchiveQueue   // nil when archiving is disabled
}

func NewHandler(
	registry *collaboration.Registry,
	gateway *collaboration.Gateway,
	wsHandler *collaboration.WebSocketHandler,
	snapshots SnapshotReader,
	archive ArchiveQueue,
) *Handler {
	return &Handler{
		registry:  registry,
		gateway:   gateway,
		wsHandler: wsHandler,
		snapshots: snapshots,
		archive:   archive,
	}
}

type healthResponse struct {
	Status      string        `json:"status"`
	Sessions    int           `json:"sessions"`
	Connections int           `json:"connections"`
	Archive     archiveStatus `json:"archive"`
}

type archiveStatus struct {
	Enabled     bool `json:"enabled"`
	QueueLength int  `json:"queue_length"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:      "ok",
		Sessions:    h.registry.Len(),
		Connections: h.gateway.ConnectionCount(),
	}
	if h.archive != nil {
		resp.Archive = archiveStatus{Enabled: true, QueueLength: h.archive.QueueLength()}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Session handlers

func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": h.registry.Summaries(),
	})
}

type sessionResponse struct {
	models.SessionState
	Comments     []*models.Comment  `json:"comments"`
	Snapshots    []*models.Snapshot `json:"snapshots"`
	LastActivity time.Time          `json:"last_activity"`
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	session, ok := h.registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "no active session for document "+id)
		return
	}

	recent := queryInt(r, "recent", defaultRecentChanges)
	writeJSON(w, http.StatusOK, sessionResponse{
		SessionState: session.State(recent),
		Comments:     session.Comments(),
		Snapshots:    session.Snapshots(),
		LastActivity: session.LastActivity(),
	})
}

// Snapshot handlers

// ListSnapshots serves archived snapshots when archiving is enabled and the
// live session's snapshots otherwise.
func (h *Handler) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	limit := queryInt(r, "limit", 50)

	if h.snapshots == nil {
		snaps := []*models.Snapshot{}
		if session, ok := h.registry.Get(id); ok {
			snaps = session.Snapshots()
		}
		if limit > 0 && len(snaps) > limit {
			snaps = snaps[len(snaps)-limit:]
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"document_id": id,
			"source":      "session",
			"snapshots":   snaps,
		})
		return
	}

	records, err := h.snapshots.ListByDocument(r.Context(), id, limit)
	if err != nil {
		log.Printf("⚠️  Failed to list snapshots for %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to list snapshots")
		return
	}
	if records == nil {
		records = []*models.SnapshotRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"document_id": id,
		"source":      "archive",
		"snapshots":   records,
	})
}

func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	docID, snapID := vars["id"], vars["snapshotId"]

	if h.snapshots == nil {
		if session, ok := h.registry.Get(docID); ok {
			for _, s := range session.Snapshots() {
				if s.ID == snapID {
					writeJSON(w, http.StatusOK, models.NewSnapshotRecord(docID, s))
					return
				}
			}
		}
		writeError(w, http.StatusNotFound, "snapshot not found")
		return
	}

	record, err := h.snapshots.GetByID(r.Context(), snapID)
	switch {
	case errors.Is(err, repository.ErrSnapshotNotFound):
		writeError(w, http.StatusNotFound, "snapshot not found")
		return
	case err != nil:
		log.Printf("⚠️  Failed to get snapshot %s: %v", snapID, err)
		writeError(w, http.StatusInternalServerError, "failed to get snapshot")
		return
	}
	if record.DocumentID != docID {
		writeError(w, http.StatusNotFound, "snapshot not found")
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("⚠️  Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
