package rest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rocketscienceinc/tictactoe-duel/internal/apperror"
	"github.com/rocketscienceinc/tictactoe-duel/internal/entity"
)

type moveRequest struct {
	PlayerID string `json:"playerId"`
	Position string `json:"position"`
}

// moveStatuses maps refused moves to their HTTP status.
var moveStatuses = []struct {
	err    error
	status int
}{
	{apperror.ErrSessionNotFound, http.StatusNotFound},
	{apperror.ErrInvalidPosition, http.StatusBadRequest},
	{apperror.ErrNotAParticipant, http.StatusForbidden},
	{apperror.ErrSessionNotActive, http.StatusConflict},
	{apperror.ErrNotYourTurn, http.StatusConflict},
	{apperror.ErrPositionOccupied, http.StatusConflict},
	{apperror.ErrStoreWriteFailed, http.StatusServiceUnavailable},
}

func (that *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	log := that.logger.With("method", "handleGetSession")

	session, err := that.games.GetSession(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, apperror.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, apperror.ErrSessionNotFound)
		return
	case err != nil:
		log.Error("failed to get session", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, session)
}

// handleMakeMove commits one move on the stored session and answers with the result.
func (that *Server) handleMakeMove(w http.ResponseWriter, r *http.Request) {
	log := that.logger.With("method", "handleMakeMove")

	var req moveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PlayerID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "playerId and position are required"})
		return
	}

	pos, err := entity.ParsePosition(req.Position)
	if err != nil {
		writeError(w, http.StatusBadRequest, apperror.ErrInvalidPosition)
		return
	}

	session, err := that.games.MakeMove(r.Context(), r.PathValue("id"), req.PlayerID, pos)
	if err != nil {
		for _, known := range moveStatuses {
			if errors.Is(err, known.err) {
				writeError(w, known.status, known.err)
				return
			}
		}

		log.Error("failed to make move", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})

		return
	}

	writeJSON(w, http.StatusOK, session)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
