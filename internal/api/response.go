package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/bmdtechnologies/portal/internal/models"
	"github.com/bmdtechnologies/portal/internal/wizard"
)

// Pre-marshaled fallback responses to avoid runtime JSON encoding failures
var (
	fallbackErrorResponse []byte
)

func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal first so an encoding failure can still change the status code.
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

// Messages of rejected wizard actions.
const (
	msgBusy              = "Une opération est déjà en cours"
	msgResendUnavailable = "Veuillez patienter avant de renvoyer le code"
	msgInvalidAction     = "Action impossible à cette étape"
	msgWizardNotFound    = "Session introuvable"
	msgInvalidJSON       = "Invalid JSON format"
)

// writeWizardResult maps the outcome of a wizard action to a response. The
// state is attached whenever the wizard still exists.
func writeWizardResult(w http.ResponseWriter, state models.WizardState, err error) {
	if err == nil {
		writeJSONResponse(w, http.StatusOK, models.Success(state))
		return
	}

	var verr *wizard.ValidationError
	var operr *wizard.OperationError
	switch {
	case errors.As(err, &verr):
		writeJSONResponse(w, http.StatusUnprocessableEntity, models.Invalid(verr.Message, models.FieldErrors{verr.Field: verr.Message}))
	case errors.As(err, &operr):
		// Shown inline by the page, as any other state change.
		writeJSONResponse(w, http.StatusOK, stateError(operr.Message, state))
	case errors.Is(err, wizard.ErrExpired):
		writeJSONResponse(w, http.StatusOK, models.Success(state))
	case errors.Is(err, wizard.ErrClosed):
		writeJSONResponse(w, http.StatusNotFound, models.Error(msgWizardNotFound))
	case errors.Is(err, wizard.ErrBusy):
		writeJSONResponse(w, http.StatusConflict, stateError(msgBusy, state))
	case errors.Is(err, wizard.ErrResendUnavailable):
		writeJSONResponse(w, http.StatusConflict, stateError(msgResendUnavailable, state))
	case errors.Is(err, wizard.ErrInvalidAction):
		writeJSONResponse(w, http.StatusConflict, stateError(msgInvalidAction, state))
	default:
		slog.Error("Server.writeWizardResult: unexpected error", "error", err, "wizard", state.ID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Internal server error"))
	}
}

func stateError(message string, state models.WizardState) models.APIResponse {
	return models.NewAPIResponseBuilder().
		WithStatus(models.APIStatusError).
		WithMessage(message).
		WithResult(state).
		Build()
}
