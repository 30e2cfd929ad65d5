package handler

import (
	"encoding/json"
	"net/http"

	"grantgate/internal/api/v1/dto"

	"github.com/rs/zerolog"
)

func writeJSON(w http.ResponseWriter, status int, body any, logger zerolog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string, logger zerolog.Logger) {
	writeJSON(w, status, dto.ErrorResponse{Code: code, Message: message}, logger)
}
