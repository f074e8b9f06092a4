package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/LeadPipe/internal/flow"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/util"
)

// Pre-marshaled fallback responses to avoid runtime JSON encoding failures
var (
	fallbackErrorResponse []byte
)

// init validates that our fallback responses can be marshaled
func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Erro inesperado"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal first so an encoding error can still change the status code
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// writeFlowError maps a flow error onto its HTTP status and JSON body.
func writeFlowError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, flow.ErrInvalidInput), errors.Is(err, util.ErrInvalidPhone):
		writeJSONResponse(w, http.StatusBadRequest, models.ErrorWithDetail(msgInvalidData, err.Error()))
	case errors.Is(err, flow.ErrLeadNotFound):
		writeJSONResponse(w, http.StatusNotFound, models.ErrorResponse{
			Error:      msgLeadNotFound,
			Suggestion: msgLeadNotFoundHint,
		})
	case errors.Is(err, flow.ErrUpstream):
		writeJSONResponse(w, http.StatusInternalServerError, models.ErrorWithDetail(msgUpstream, err.Error()))
	default:
		writeJSONResponse(w, http.StatusInternalServerError, models.ErrorWithDetail(msgUnexpected, err.Error()))
	}
}

const (
	msgInvalidData      = "Dados inválidos"
	msgInvalidDate      = "Data da reunião inválida"
	msgLeadNotFound     = "Lead não encontrado"
	msgLeadNotFoundHint = "Verifique se o nome do agendamento é o mesmo usado no WhatsApp"
	msgUpstream         = "Erro na API OpenAI"
	msgUnexpected       = "Erro inesperado"
)
