package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/FormPipe/internal/auth"
	"github.com/BTreeMap/FormPipe/internal/form"
	"github.com/BTreeMap/FormPipe/internal/models"
	"github.com/BTreeMap/FormPipe/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// formResult is the admin view of a stored form and the issues Check reported for it.
type formResult struct {
	Form   models.FormDefinition `json:"form"`
	Issues []form.Issue          `json:"issues,omitempty"`
}

// requireAdmin enforces the admin bearer token when one is configured.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.AdminToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := auth.BearerToken(r)
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.AdminToken)) != 1 {
			slog.Warn("Server.requireAdmin: rejected admin request", "path", r.URL.Path)
			writeJSONResponse(w, http.StatusUnauthorized, models.Error("Admin token required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeCheckError(w http.ResponseWriter, op string, err error) bool {
	var checkErr *form.CheckError
	if !errors.As(err, &checkErr) {
		return false
	}
	slog.Warn(op+": form has errors", "issues", len(checkErr.Issues))
	writeJSONResponse(w, http.StatusUnprocessableEntity, models.APIResponse{
		Status:  string(models.APIStatusError),
		Message: form.ErrNotPublishable.Error(),
		Result:  checkErr.Issues,
	})
	return true
}

// createFormHandler stores a new form (POST /forms). A body with status "published"
// is checked and published in one step.
func (s *Server) createFormHandler(w http.ResponseWriter, r *http.Request) {
	var raw map[string]interface{}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, DefaultMaxBodyBytes)).Decode(&raw); err != nil {
		slog.Warn("Server.createFormHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	def, err := form.Decode(raw)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	now := s.now()
	def.CreatedAt = now
	def.UpdatedAt = now

	var issues []form.Issue
	if def.Status == models.FormStatusPublished {
		issues, err = form.Publish(def, now)
		if err != nil {
			if !writeCheckError(w, "Server.createFormHandler", err) {
				writeError(w, "Server.createFormHandler", err)
			}
			return
		}
	} else {
		issues = form.Check(def)
	}

	if err := s.store.SaveForm(r.Context(), *def); err != nil {
		writeError(w, "Server.createFormHandler", err)
		return
	}
	slog.Info("Server.createFormHandler: form saved", "formID", def.ID, "slug", def.Slug, "status", def.Status, "issues", len(issues))
	writeJSONResponse(w, http.StatusCreated, models.Success(formResult{Form: *def, Issues: issues}))
}

func (s *Server) listFormsHandler(w http.ResponseWriter, r *http.Request) {
	forms, err := s.store.ListForms(r.Context())
	if err != nil {
		writeError(w, "Server.listFormsHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(forms))
}

// resolveForm looks a form up by slug, then by id.
func (s *Server) resolveForm(r *http.Request, ref string) (*models.FormDefinition, error) {
	def, err := s.store.GetFormBySlug(r.Context(), ref)
	if errors.Is(err, store.ErrNotFound) {
		return s.store.GetForm(r.Context(), ref)
	}
	return def, err
}

func (s *Server) getFormHandler(w http.ResponseWriter, r *http.Request) {
	def, err := s.resolveForm(r, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "Server.getFormHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(formResult{Form: *def, Issues: form.Check(def)}))
}

// patchFormHandler applies an RFC 6902 patch to a draft form (PATCH /forms/{id}).
func (s *Server) patchFormHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, DefaultMaxBodyBytes))
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Failed to read request body"))
		return
	}
	current, err := s.store.GetForm(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "Server.patchFormHandler", err)
		return
	}
	edited, err := form.ApplyPatch(current, body)
	if err != nil {
		if errors.Is(err, form.ErrPublishedImmutable) {
			writeError(w, "Server.patchFormHandler", err)
			return
		}
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	edited.UpdatedAt = s.now()
	if err := s.store.SaveForm(r.Context(), *edited); err != nil {
		writeError(w, "Server.patchFormHandler", err)
		return
	}
	slog.Info("Server.patchFormHandler: form patched", "formID", edited.ID)
	writeJSONResponse(w, http.StatusOK, models.Success(formResult{Form: *edited, Issues: form.Check(edited)}))
}

// publishFormHandler checks a form and marks it published (POST /forms/{id}/publish).
func (s *Server) publishFormHandler(w http.ResponseWriter, r *http.Request) {
	def, err := s.store.GetForm(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "Server.publishFormHandler", err)
		return
	}
	issues, err := form.Publish(def, s.now())
	if err != nil {
		if !writeCheckError(w, "Server.publishFormHandler", err) {
			writeError(w, "Server.publishFormHandler", err)
		}
		return
	}
	if err := s.store.SaveForm(r.Context(), *def); err != nil {
		writeError(w, "Server.publishFormHandler", err)
		return
	}
	slog.Info("Server.publishFormHandler: form published", "formID", def.ID, "slug", def.Slug)
	writeJSONResponse(w, http.StatusOK, models.Success(formResult{Form: *def, Issues: issues}))
}

func (s *Server) listSubmissionsHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetForm(r.Context(), id); err != nil {
		writeError(w, "Server.listSubmissionsHandler", err)
		return
	}
	subs, err := s.store.ListSubmissions(r.Context(), id)
	if err != nil {
		writeError(w, "Server.listSubmissionsHandler", err)
		return
	}
	if subs == nil {
		subs = []models.Submission{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(subs))
}
