package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/oem5g/gatewayd/pkg/apierr"
	"github.com/oem5g/gatewayd/pkg/auth"
	"github.com/oem5g/gatewayd/pkg/httpcore"
)

func (s *Surface) registerAuthRoutes(r *mux.Router) {
	handle(r, "/api/auth/login", http.MethodPost, httpcore.EnvelopeLegacy, s.handleLogin)
	handle(r, "/api/auth/logout", http.MethodPost, httpcore.EnvelopeLegacy, s.handleLogout)
	handle(r, "/api/auth/password", http.MethodPost, httpcore.EnvelopeLegacy, s.handleChangePassword)
	handle(r, "/api/auth/status", http.MethodGet, httpcore.EnvelopeLegacy, s.handleAuthStatus)
	handle(r, "/api/auth/security-questions", http.MethodGet, httpcore.EnvelopeLegacy, s.handleGetSecurityQuestions)
	handle(r, "/api/auth/security-questions", http.MethodPost, httpcore.EnvelopeLegacy, s.handleSetupSecurityQuestions)
	handle(r, "/api/auth/recover", http.MethodPost, httpcore.EnvelopeLegacy, s.handleRecover)
	handle(r, "/api/auth/factory-reset", http.MethodPost, httpcore.EnvelopeLegacy, s.handleFactoryReset)
}

type loginRequest struct {
	Password string `json:"password"`
}

func (s *Surface) handleLogin(r *http.Request) (interface{}, error) {
	var req loginRequest
	if err := httpcore.DecodeJSON(r, &req); err != nil {
		return nil, err
	}
	token, err := s.Auth.Login(req.Password)
	if err != nil {
		return nil, err
	}
	return map[string]string{"token": token}, nil
}

func (s *Surface) handleLogout(r *http.Request) (interface{}, error) {
	if err := s.Auth.Logout(bearerToken(r)); err != nil {
		return nil, apierr.Internal("logout failed", err)
	}
	return nil, nil
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

func (s *Surface) handleChangePassword(r *http.Request) (interface{}, error) {
	var req changePasswordRequest
	if err := httpcore.DecodeJSON(r, &req); err != nil {
		return nil, err
	}
	if req.NewPassword == "" {
		return nil, apierr.InvalidArgument("new_password is required")
	}
	if err := s.Auth.ChangePassword(req.OldPassword, req.NewPassword); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *Surface) handleAuthStatus(r *http.Request) (interface{}, error) {
	err := s.Auth.Verify(bearerToken(r))
	return map[string]bool{"authenticated": err == nil}, nil
}

func (s *Surface) handleGetSecurityQuestions(r *http.Request) (interface{}, error) {
	q1, q2, err := s.Auth.Questions()
	if err != nil {
		return nil, err
	}
	return map[string]string{"question1": q1, "question2": q2}, nil
}

type setupSecurityQuestionsRequest struct {
	Question1 string `json:"question1"`
	Answer1   string `json:"answer1"`
	Question2 string `json:"question2"`
	Answer2   string `json:"answer2"`
}

func (s *Surface) handleSetupSecurityQuestions(r *http.Request) (interface{}, error) {
	var req setupSecurityQuestionsRequest
	if err := httpcore.DecodeJSON(r, &req); err != nil {
		return nil, err
	}
	if req.Question1 == "" || req.Answer1 == "" || req.Question2 == "" || req.Answer2 == "" {
		return nil, apierr.InvalidArgument("both questions and answers are required")
	}
	err := s.Auth.Setup(auth.SecurityQuestionsRequest{
		Question1: req.Question1, Answer1: req.Answer1,
		Question2: req.Question2, Answer2: req.Answer2,
	})
	if err != nil {
		return nil, err
	}
	return nil, nil
}

type recoverRequest struct {
	Action       string `json:"action"` // "verify", "reset_password", "factory_reset"
	Confirmation string `json:"confirmation"`
	Answer1      string `json:"answer1"`
	Answer2      string `json:"answer2"`
}

func (s *Surface) handleRecover(r *http.Request) (interface{}, error) {
	var req recoverRequest
	if err := httpcore.DecodeJSON(r, &req); err != nil {
		return nil, err
	}
	rr := auth.RecoveryRequest{Confirmation: req.Confirmation, Answer1: req.Answer1, Answer2: req.Answer2}

	switch req.Action {
	case "reset_password":
		if err := s.Auth.ResetPassword(rr); err != nil {
			return nil, err
		}
	case "factory_reset":
		if err := s.Auth.FactoryReset(rr); err != nil {
			return nil, err
		}
	default:
		if err := s.Auth.VerifyRecovery(rr); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (s *Surface) handleFactoryReset(r *http.Request) (interface{}, error) {
	var req recoverRequest
	if err := httpcore.DecodeJSON(r, &req); err != nil {
		return nil, err
	}
	rr := auth.RecoveryRequest{Confirmation: req.Confirmation, Answer1: req.Answer1, Answer2: req.Answer2}
	if err := s.Auth.FactoryReset(rr); err != nil {
		return nil, err
	}
	return nil, nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}
