package auth

import (
	"context"
	"crypto/ed25519"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tessera.dev/internal/audit"
	"tessera.dev/internal/captoken"
	dl "tessera.dev/internal/datalog"
	"tessera.dev/internal/iam"
	"tessera.dev/internal/ledger"
	"tessera.dev/internal/mail"
	"tessera.dev/internal/obs"
)

// Service runs sessions and account workflows on top of the token issuer,
// the revocation ledger and the user store.
type Service struct {
	store       Store
	key         ed25519.PrivateKey
	issuer      *iam.Issuer
	authorizer  *iam.Authorizer
	limits      dl.Limits
	mailer      mail.Mailer
	appURL      string
	minPassword int
	now         func() time.Time
	log         zerolog.Logger
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithSigningKey sets the root key every token is signed with. Required.
func WithSigningKey(key ed25519.PrivateKey) ServiceOption {
	return func(s *Service) error {
		if len(key) != ed25519.PrivateKeySize {
			return captoken.ErrInvalidKey
		}
		s.key = key
		return nil
	}
}

// WithEvaluationLimits bounds token evaluation. Zero fields keep defaults.
func WithEvaluationLimits(l dl.Limits) ServiceOption {
	return func(s *Service) error {
		s.limits = l
		return nil
	}
}

// WithMailer sets the sender of workflow messages.
func WithMailer(m mail.Mailer) ServiceOption {
	return func(s *Service) error {
		s.mailer = m
		return nil
	}
}

// WithAppURL sets the base URL workflow links point to.
func WithAppURL(u string) ServiceOption {
	return func(s *Service) error {
		u = strings.TrimSpace(u)
		if u != "" && !strings.HasSuffix(u, "/") {
			u += "/"
		}
		s.appURL = u
		return nil
	}
}

// WithPasswordMinLength overrides the minimum password length.
func WithPasswordMinLength(n int) ServiceOption {
	return func(s *Service) error {
		if n > 0 {
			s.minPassword = n
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithLogger overrides the service logger.
func WithLogger(l zerolog.Logger) ServiceOption {
	return func(s *Service) error {
		s.log = l
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	svc := &Service{
		store:       store,
		limits:      dl.DefaultLimits,
		minPassword: DefaultPasswordMinLength,
		now:         time.Now,
		log:         obs.Module("auth"),
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if svc.key == nil {
		return nil, errors.New("auth: signing key is required")
	}
	if svc.mailer == nil {
		svc.mailer = mail.LogMailer{Log: svc.log}
	}

	iamOpts := []iam.Option{iam.WithClock(svc.now), iam.WithLimits(svc.limits)}
	issuer, err := iam.NewIssuer(svc.key, iamOpts...)
	if err != nil {
		return nil, err
	}
	authorizer, err := iam.NewAuthorizer(issuer.PublicKey(), iamOpts...)
	if err != nil {
		return nil, err
	}
	svc.issuer = issuer
	svc.authorizer = authorizer
	return svc, nil
}

// Authorizer returns the token authorizer bound to the service key.
func (s *Service) Authorizer() *iam.Authorizer { return s.authorizer }

// Gatekeeper returns a gatekeeper over the service key and ledger.
func (s *Service) Gatekeeper() *Gatekeeper {
	return NewGatekeeper(s.authorizer, s.store, WithGatekeeperLogger(s.log))
}

// Login checks credentials and opens a new session.
func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return Session{}, ErrLoginFailed
	}
	user, err := s.store.Users(ctx).FindByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return Session{}, ErrLoginFailed
	}
	if err != nil {
		return Session{}, err
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return Session{}, ErrLoginFailed
	}
	if !user.Verified() {
		return Session{}, ErrEmailNotVerified
	}

	var sess Session
	err = s.store.InTx(ctx, func(tx Store) error {
		var err error
		sess, err = s.startSession(ctx, tx, user, uuid.New())
		return err
	})
	if err != nil {
		return Session{}, err
	}
	s.audit(ctx, user.ID, "session.login", sess.SessionID)
	return sess, nil
}

// Refresh rotates a refresh token: the presented token is revoked and a
// new pair is issued under the same session. The previous access token is
// left to expire on its own.
func (s *Service) Refresh(ctx context.Context, tok *captoken.Token) (Session, error) {
	claims, err := s.authorizer.Refresh(tok)
	if err != nil {
		s.rejected("refresh", err)
		return Session{}, ErrRefreshFailed
	}

	var sess Session
	err = s.store.InTx(ctx, func(tx Store) error {
		n, err := tx.Tokens(ctx).RevokeToken(ctx, claims.TokenID, iam.KindRefresh)
		if err != nil {
			return err
		}
		if n != 1 {
			return ErrRefreshFailed
		}
		user, err := tx.Users(ctx).Find(ctx, claims.UserID)
		if errors.Is(err, ErrNotFound) {
			return ErrRefreshFailed
		}
		if err != nil {
			return err
		}
		sess, err = s.startSession(ctx, tx, user, claims.SessionID)
		return err
	})
	if err != nil {
		return Session{}, err
	}
	s.audit(ctx, claims.UserID, "session.refresh", claims.SessionID)
	return sess, nil
}

// Logout revokes every live token of the session the access token belongs to.
func (s *Service) Logout(ctx context.Context, tok *captoken.Token) error {
	claims, err := s.authorize(tok, iam.ActionLogout)
	if err != nil {
		return err
	}
	n, err := s.store.Tokens(ctx).RevokeSession(ctx, claims.UserID, claims.SessionID)
	if err != nil {
		return err
	}
	s.log.Debug().Str("session_id", claims.SessionID.String()).Int64("revoked", n).Msg("session closed")
	s.audit(ctx, claims.UserID, "session.logout", claims.SessionID)
	return nil
}

// Profile returns the identity an access token was issued for.
func (s *Service) Profile(ctx context.Context, tok *captoken.Token) (iam.UserAccessClaims, error) {
	return s.authorize(tok, iam.ActionReadProfile)
}

func (s *Service) startSession(ctx context.Context, st Store, user *User, sessionID uuid.UUID) (Session, error) {
	accessID, refreshID := uuid.New(), uuid.New()
	access, err := s.issuer.UserAccess(iam.AccessIdentity{
		TokenID:   accessID,
		SessionID: sessionID,
		UserID:    user.ID,
		Email:     user.Email,
		FirstName: user.FirstName,
		LastName:  user.LastName,
		Role:      user.Role,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("could not create user access token")
		return Session{}, err
	}
	refresh, err := s.issuer.Refresh(refreshID, sessionID, user.ID)
	if err != nil {
		s.log.Error().Err(err).Msg("could not create refresh token")
		return Session{}, err
	}

	err = st.Tokens(ctx).Insert(ctx,
		ledger.FromRootToken(iam.KindUserAccess, accessID, user.ID, sessionID, access),
		ledger.FromRootToken(iam.KindRefresh, refreshID, user.ID, sessionID, refresh),
	)
	if err != nil {
		return Session{}, err
	}
	if err := st.Users(ctx).TouchLastLogin(ctx, user.ID); err != nil {
		return Session{}, err
	}
	return Session{
		SessionID: sessionID,
		UserID:    user.ID,
		Email:     user.Email,
		FirstName: user.FirstName,
		LastName:  user.LastName,
		Access:    IssuedToken{Token: access.Serialized, ExpiredAt: access.ExpiredAt},
		Refresh:   IssuedToken{Token: refresh.Serialized, ExpiredAt: refresh.ExpiredAt},
	}, nil
}

// authorize evaluates an access token for action. Every failure is
// ErrForbidden.
func (s *Service) authorize(tok *captoken.Token, action iam.Action) (iam.UserAccessClaims, error) {
	claims, err := s.authorizer.UserAccess(tok, action)
	if err != nil {
		s.rejected(string(action), err)
		return iam.UserAccessClaims{}, ErrForbidden
	}
	return claims, nil
}

// rejected logs why a token was refused. Evaluation faults point at
// hostile input and are logged louder than policy outcomes.
func (s *Service) rejected(op string, err error) {
	ev := s.log.Debug()
	if errors.Is(err, iam.ErrEvaluation) {
		ev = s.log.Warn()
	}
	ev.Str("op", op).Err(err).Msg("token rejected")
}

func (s *Service) audit(ctx context.Context, userID uuid.UUID, event string, sessionID uuid.UUID) {
	ctx = audit.WithUserID(ctx, userID.String())
	fields := map[string]any{}
	if sessionID != uuid.Nil {
		fields["session_id"] = sessionID.String()
	}
	if err := audit.LogEvent(ctx, event, fields); err != nil {
		s.log.Warn().Err(err).Str("event", event).Msg("audit log failed")
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
