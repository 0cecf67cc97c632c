package api

import (
	"net/http"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/keymux/internal/pool"
	"github.com/blueberrycongee/keymux/pkg/credential"
)

// accountCreateRequest mirrors the account-creation payload. The required
// fields depend on the provider type.
type accountCreateRequest struct {
	Type         string `json:"type"`
	APIKey       string `json:"apiKey"`
	Email        string `json:"email"`
	Password     string `json:"password"`
	ResourceName string `json:"resourceName"`
	DeploymentID string `json:"deploymentId"`
	IsPro        bool   `json:"isPro"`
}

func (req *accountCreateRequest) validate() (credential.ProviderType, string) {
	typ, err := credential.ParseProviderType(req.Type)
	if err != nil {
		return "", "unknown provider type"
	}
	if req.APIKey == "" {
		return "", "apiKey is required"
	}
	switch typ {
	case credential.TypeOpenAI:
		if req.Email == "" || req.Password == "" {
			return "", "email and password are required for OPEN_AI accounts"
		}
	case credential.TypeAzure:
		if req.ResourceName == "" || req.DeploymentID == "" {
			return "", "resourceName and deploymentId are required for AZURE accounts"
		}
	}
	return typ, ""
}

// handleAccountCreate serves POST /chatgpt/account/create.
func (s *Server) handleAccountCreate(w http.ResponseWriter, r *http.Request) {
	var req accountCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request_error", "malformed request body")
		return
	}

	typ, problem := req.validate()
	if problem != "" {
		s.writeError(w, http.StatusBadRequest, "invalid_request_error", problem)
		return
	}

	cred, err := s.pool.Create(r.Context(), pool.CreateParams{
		Type:         typ,
		APIKey:       req.APIKey,
		Email:        req.Email,
		Password:     req.Password,
		ResourceName: req.ResourceName,
		DeploymentID: req.DeploymentID,
		IsPro:        req.IsPro,
	})
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, accountView(cred))
}

// handleAccountList serves GET /chatgpt/account.
func (s *Server) handleAccountList(w http.ResponseWriter, r *http.Request) {
	creds, err := s.pool.ListAll(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	views := make([]map[string]any, 0, len(creds))
	for _, cred := range creds {
		views = append(views, accountView(cred))
	}
	s.writeJSON(w, http.StatusOK, views)
}

type accountEmailRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// handleAccountDelete serves POST /chatgpt/account/delete.
func (s *Server) handleAccountDelete(w http.ResponseWriter, r *http.Request) {
	var req accountEmailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		s.writeError(w, http.StatusBadRequest, "invalid_request_error", "email is required")
		return
	}
	if err := s.pool.Delete(r.Context(), req.Email); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleAccountUpdate serves POST /chatgpt/account/update (password change).
func (s *Server) handleAccountUpdate(w http.ResponseWriter, r *http.Request) {
	var req accountEmailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" || req.Password == "" {
		s.writeError(w, http.StatusBadRequest, "invalid_request_error", "email and password are required")
		return
	}
	if err := s.pool.UpdatePassword(r.Context(), req.Email, req.Password); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// accountView hides secrets from list/create responses.
func accountView(cred *credential.Credential) map[string]any {
	return map[string]any{
		"id":             cred.ID,
		"type":           cred.Type,
		"email":          cred.Email,
		"status":         cred.Status.String(),
		"isPro":          cred.IsPro,
		"errorMsg":       cred.ErrorMsg,
		"errorTimestamp": cred.ErrorTimestamp,
		"createdAt":      cred.CreatedAt,
	}
}
