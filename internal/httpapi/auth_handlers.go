package httpapi

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"tessera.dev/internal/auth"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	AccessToken            string    `json:"access_token"`
	AccessTokenExpiration  time.Time `json:"access_token_expiration"`
	RefreshToken           string    `json:"refresh_token"`
	RefreshTokenExpiration time.Time `json:"refresh_token_expiration"`
	UserID                 uuid.UUID `json:"user_id"`
	Email                  string    `json:"email"`
	FirstName              string    `json:"first_name"`
	LastName               string    `json:"last_name"`
}

type registerRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

type registerResponse struct {
	UserID uuid.UUID `json:"user_id"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type beginResetPasswordRequest struct {
	Email string `json:"email"`
}

type resetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

type changePasswordRequest struct {
	NewPassword string `json:"new_password"`
}

type changeNameRequest struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

func toSessionResponse(s auth.Session) sessionResponse {
	return sessionResponse{
		AccessToken:            s.Access.Token,
		AccessTokenExpiration:  s.Access.ExpiredAt,
		RefreshToken:           s.Refresh.Token,
		RefreshTokenExpiration: s.Refresh.ExpiredAt,
		UserID:                 s.UserID,
		Email:                  s.Email,
		FirstName:              s.FirstName,
		LastName:               s.LastName,
	}
}

// decode reads the JSON body into dst and reports a validation problem
// when it cannot.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(r, dst); err != nil {
		respondProblem(w, r, problemValidation, err.Error())
		return false
	}
	return true
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decode(w, r, &req) {
		return
	}
	sess, err := a.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decode(w, r, &req) {
		return
	}
	u, err := a.svc.Register(r.Context(), auth.NewUser{
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	})
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, registerResponse{UserID: u.ID})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	tok, _ := auth.TokenFromContext(r.Context())
	sess, err := a.svc.Refresh(r.Context(), tok)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	tok, _ := auth.TokenFromContext(r.Context())
	if err := a.svc.Logout(r.Context(), tok); err != nil {
		writeProblem(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decode(w, r, &req) {
		return
	}
	if err := a.svc.VerifyEmail(r.Context(), req.Token); err != nil {
		writeProblem(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleResendVerification(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decode(w, r, &req) {
		return
	}
	if err := a.svc.ResendEmailVerification(r.Context(), req.Token); err != nil {
		writeProblem(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleBeginResetPassword(w http.ResponseWriter, r *http.Request) {
	var req beginResetPasswordRequest
	if !decode(w, r, &req) {
		return
	}
	if err := a.svc.BeginResetPassword(r.Context(), req.Email); err != nil {
		writeProblem(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if !decode(w, r, &req) {
		return
	}
	if err := a.svc.ResetPassword(r.Context(), req.Token, req.NewPassword); err != nil {
		writeProblem(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if !decode(w, r, &req) {
		return
	}
	tok, _ := auth.TokenFromContext(r.Context())
	if err := a.svc.ChangePassword(r.Context(), tok, req.NewPassword); err != nil {
		writeProblem(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleChangeName(w http.ResponseWriter, r *http.Request) {
	var req changeNameRequest
	if !decode(w, r, &req) {
		return
	}
	tok, _ := auth.TokenFromContext(r.Context())
	if err := a.svc.ChangeName(r.Context(), tok, req.FirstName, req.LastName); err != nil {
		writeProblem(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	tok, _ := auth.TokenFromContext(r.Context())
	if err := a.svc.DeleteUser(r.Context(), tok); err != nil {
		writeProblem(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
