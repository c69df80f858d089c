package api

import "net/http"

// HandleDocumentWebSocket upgrades a document connection
func (h *Handler) HandleDocumentWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsHandler.HandleDocumentConnection(w, r)
}
