package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/bmdtechnologies/portal/internal/models"
	"github.com/bmdtechnologies/portal/internal/wizard"
)

type createWizardRequest struct {
	Flow  models.FlowKind `json:"flow"`
	Email string          `json:"email,omitempty"`
	Token string          `json:"token,omitempty"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type channelRequest struct {
	Channel string `json:"channel"`
}

type codeRequest struct {
	Code string `json:"code"`
}

type passwordRequest struct {
	NewPassword     string `json:"newPassword"`
	ConfirmPassword string `json:"confirmPassword"`
}

// decodeJSON decodes the request body into v, answering 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		slog.Warn("Server.decodeJSON: failed to decode JSON", "error", err, "path", r.URL.Path)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(msgInvalidJSON))
		return false
	}
	return true
}

// lookupWizard resolves the {id} path value, answering 404 when it is unknown.
func (s *Server) lookupWizard(w http.ResponseWriter, r *http.Request) (*wizard.Wizard, bool) {
	id := r.PathValue("id")
	wz, ok := s.wizards.Get(id)
	if !ok {
		slog.Debug("Server.lookupWizard: unknown wizard", "id", id)
		writeJSONResponse(w, http.StatusNotFound, models.Error(msgWizardNotFound))
		return nil, false
	}
	return wz, true
}

func (s *Server) createWizardHandler(w http.ResponseWriter, r *http.Request) {
	var req createWizardRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	wz, err := s.wizards.Create(req.Flow, req.Email, req.Token)
	if err != nil {
		if errors.Is(err, wizard.ErrUnknownFlow) {
			writeJSONResponse(w, http.StatusUnprocessableEntity,
				models.Invalid("Parcours inconnu", models.FieldErrors{"flow": "Parcours inconnu"}))
			return
		}
		slog.Error("Server.createWizardHandler: failed to create wizard", "error", err, "flow", req.Flow)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to create wizard"))
		return
	}
	slog.Info("Server.createWizardHandler: wizard created", "id", wz.ID(), "flow", req.Flow)
	writeJSONResponse(w, http.StatusCreated, models.Success(wz.State()))
}

func (s *Server) getWizardHandler(w http.ResponseWriter, r *http.Request) {
	wz, ok := s.lookupWizard(w, r)
	if !ok {
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(wz.State()))
}

func (s *Server) discardWizardHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.wizards.Discard(id) {
		writeJSONResponse(w, http.StatusNotFound, models.Error(msgWizardNotFound))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Wizard discarded", nil))
}

func (s *Server) submitEmailHandler(w http.ResponseWriter, r *http.Request) {
	wz, ok := s.lookupWizard(w, r)
	if !ok {
		return
	}
	var req emailRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	state, err := wz.SubmitEmail(r.Context(), req.Email)
	writeWizardResult(w, state, err)
}

func (s *Server) chooseChannelHandler(w http.ResponseWriter, r *http.Request) {
	wz, ok := s.lookupWizard(w, r)
	if !ok {
		return
	}
	var req channelRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	state, err := wz.ChooseChannel(r.Context(), req.Channel)
	writeWizardResult(w, state, err)
}

func (s *Server) submitCodeHandler(w http.ResponseWriter, r *http.Request) {
	wz, ok := s.lookupWizard(w, r)
	if !ok {
		return
	}
	var req codeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	state, err := wz.SubmitCode(r.Context(), req.Code)
	writeWizardResult(w, state, err)
}

func (s *Server) submitPasswordHandler(w http.ResponseWriter, r *http.Request) {
	wz, ok := s.lookupWizard(w, r)
	if !ok {
		return
	}
	var req passwordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	state, err := wz.SubmitPassword(r.Context(), req.NewPassword, req.ConfirmPassword)
	writeWizardResult(w, state, err)
}

func (s *Server) backHandler(w http.ResponseWriter, r *http.Request) {
	wz, ok := s.lookupWizard(w, r)
	if !ok {
		return
	}
	state, err := wz.Back()
	writeWizardResult(w, state, err)
}

func (s *Server) resendHandler(w http.ResponseWriter, r *http.Request) {
	wz, ok := s.lookupWizard(w, r)
	if !ok {
		return
	}
	state, err := wz.Resend(r.Context())
	writeWizardResult(w, state, err)
}

func (s *Server) retryHandler(w http.ResponseWriter, r *http.Request) {
	wz, ok := s.lookupWizard(w, r)
	if !ok {
		return
	}
	state, err := wz.Retry()
	writeWizardResult(w, state, err)
}
