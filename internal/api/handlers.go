package api

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/bmdtechnologies/portal/internal/account"
	"github.com/bmdtechnologies/portal/internal/content"
	"github.com/bmdtechnologies/portal/internal/models"
)

type adminLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": s.opts.Clock.Now().UTC().Format(time.RFC3339),
		"wizards":   s.wizards.Len(),
		"chats":     s.chats.Len(),
	}
	writeJSONResponse(w, http.StatusOK, healthData)
}

// signupHandler creates an unconfirmed account (POST /api/signup).
func (s *Server) signupHandler(w http.ResponseWriter, r *http.Request) {
	if s.opts.Accounts == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Signup is not available"))
		return
	}
	var form models.SignupForm
	if !decodeJSON(w, r, &form) {
		return
	}
	link, err := s.opts.Accounts.Register(r.Context(), form)
	if err != nil {
		var fe models.FieldErrors
		if errors.As(err, &fe) {
			slog.Debug("Server.signupHandler: form rejected", "fields", len(fe))
			writeJSONResponse(w, http.StatusUnprocessableEntity, models.Invalid("Veuillez corriger les champs indiqués", fe))
			return
		}
		slog.Error("Server.signupHandler: registration failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to create account"))
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage(
		"Compte créé. Consultez votre email pour le confirmer.",
		map[string]string{"confirmLink": link},
	))
}

// adminLoginHandler checks the administrator credentials (POST /api/admin/login).
func (s *Server) adminLoginHandler(w http.ResponseWriter, r *http.Request) {
	if s.opts.Accounts == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Admin login is not available"))
		return
	}
	var req adminLoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	err := s.opts.Accounts.AdminLogin(r.Context(), req.Email, req.Password)
	var fe models.FieldErrors
	switch {
	case err == nil:
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Connexion réussie", nil))
	case errors.As(err, &fe):
		writeJSONResponse(w, http.StatusUnprocessableEntity, models.Invalid("Veuillez corriger les champs indiqués", fe))
	case errors.Is(err, account.ErrInvalidCredentials):
		writeJSONResponse(w, http.StatusUnauthorized, models.Error(account.MsgInvalidCredentials))
	default:
		slog.Error("Server.adminLoginHandler: login failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Internal server error"))
	}
}

func (s *Server) portfolioHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.portfolio))
}

// projectsHandler lists projects (GET /api/portfolio/projects?category=&featured=).
func (s *Server) projectsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	featured, _ := strconv.ParseBool(q.Get("featured"))
	projects := s.portfolio.FilterProjects(content.ProjectFilter{
		Category:     content.ProjectCategory(q.Get("category")),
		FeaturedOnly: featured,
	})
	writeJSONResponse(w, http.StatusOK, models.Success(projects))
}

// blogHandler lists posts newest first (GET /api/portfolio/blog?featured=).
func (s *Server) blogHandler(w http.ResponseWriter, r *http.Request) {
	featured, _ := strconv.ParseBool(r.URL.Query().Get("featured"))
	writeJSONResponse(w, http.StatusOK, models.Success(s.portfolio.RecentPosts(featured)))
}

func (s *Server) pagesHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(content.Pages))
}

// spaHandler serves files from dir and index.html for every known client
// route. Anything else is a 404.
func spaHandler(dir string) http.Handler {
	files := http.FileServer(http.Dir(dir))
	index := filepath.Join(dir, "index.html")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clean := path.Clean("/" + r.URL.Path)
		if clean != "/" {
			info, err := os.Stat(filepath.Join(dir, filepath.FromSlash(clean)))
			if err == nil && !info.IsDir() {
				files.ServeHTTP(w, r)
				return
			}
		}
		if _, ok := content.MatchPage(clean); !ok {
			http.NotFound(w, r)
			return
		}
		http.ServeFile(w, r, index)
	})
}
