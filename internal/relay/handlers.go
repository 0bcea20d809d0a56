package relay

import (
	"errors"
	"net/http"
	"time"

	"github.com/wfounders/clubwallet/internal/logging"
	"github.com/wfounders/clubwallet/internal/relayapi"
	"github.com/wfounders/clubwallet/internal/store"
)

// APIHandlers serves the REST endpoints devices read before opening a channel.
type APIHandlers struct {
	store  store.Store
	logger *logging.Logger
}

// NewAPIHandlers creates the REST handlers.
func NewAPIHandlers(s store.Store, logger *logging.Logger) *APIHandlers {
	if logger == nil {
		logger = logging.Discard()
	}
	return &APIHandlers{store: s, logger: logger}
}

// IsApproved handles GET /api/is-approved?address=
func (h *APIHandlers) IsApproved(w http.ResponseWriter, r *http.Request) {
	address := store.NormalizeAddress(r.URL.Query().Get("address"))
	if address == "" {
		WriteError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", errors.New("address is required"), map[string]interface{}{
			"field": "address",
		})
		return
	}

	status, err := h.store.Status(r.Context(), address)
	if err != nil {
		h.logger.Error("Failed to get approval status", err, map[string]interface{}{"address": address})
		WriteError(w, r, http.StatusInternalServerError, "STORE_ERROR", errors.New("failed to get approval status"), nil)
		return
	}

	WriteSuccess(w, relayapi.StatusResponse{Status: status}, http.StatusOK)
}

// NewUsers handles GET /api/new-users
func (h *APIHandlers) NewUsers(w http.ResponseWriter, r *http.Request) {
	roster, err := h.store.Roster(r.Context())
	if err != nil {
		h.logger.Error("Failed to list roster", err, nil)
		WriteError(w, r, http.StatusInternalServerError, "STORE_ERROR", errors.New("failed to list users"), nil)
		return
	}
	WriteSuccess(w, roster, http.StatusOK)
}

// Health handles GET /health
func (h *APIHandlers) Health(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, map[string]interface{}{
		"status":    "ok",
		"service":   "club-relay",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}, http.StatusOK)
}
