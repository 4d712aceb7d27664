package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"tessera.dev/internal/captoken"
	"tessera.dev/internal/iam"
	"tessera.dev/internal/mail"
)

// bcrypt ignores input past 72 bytes.
const maxPasswordLength = 72

// Register creates an unverified user and mails a verification link. The
// user is not created when the message cannot be sent.
func (s *Service) Register(ctx context.Context, nu NewUser) (*User, error) {
	email := normalizeEmail(nu.Email)
	first, last := strings.TrimSpace(nu.FirstName), strings.TrimSpace(nu.LastName)
	if !strings.Contains(email, "@") || first == "" || last == "" {
		return nil, ErrInvalidInput
	}
	hash, err := s.hashPassword(nu.Password)
	if err != nil {
		return nil, err
	}

	user := &User{
		Email:        email,
		PasswordHash: hash,
		FirstName:    first,
		LastName:     last,
		Role:         iam.RoleUser,
	}
	err = s.store.InTx(ctx, func(tx Store) error {
		if err := tx.Users(ctx).Create(ctx, user); err != nil {
			return err
		}
		return s.sendVerification(ctx, user)
	})
	if err != nil {
		return nil, err
	}
	s.audit(ctx, user.ID, "user.register", uuid.Nil)
	return user, nil
}

// VerifyEmail consumes an email verification link. A link succeeds once:
// the guarded update matches nothing after the address is verified.
func (s *Service) VerifyEmail(ctx context.Context, raw string) error {
	claims, err := s.workflowClaims(raw, s.authorizer.EmailVerification)
	if err != nil {
		return err
	}
	ok, err := s.store.Users(ctx).MarkEmailVerified(ctx, claims.UserID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLinkExpired
	}
	s.audit(ctx, claims.UserID, "user.email_verified", uuid.Nil)
	return nil
}

// ResendEmailVerification mails a fresh link in exchange for an expired
// one, as long as the address is still unverified.
func (s *Service) ResendEmailVerification(ctx context.Context, raw string) error {
	tok, err := s.authorizer.Parse(raw)
	if err != nil {
		return ErrLinkExpired
	}
	userID, err := s.authorizer.ExpiredEmailVerification(tok)
	if err != nil {
		s.rejected("resend_email_verification", err)
		return ErrLinkExpired
	}
	user, err := s.store.Users(ctx).Find(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return ErrLinkExpired
	}
	if err != nil {
		return err
	}
	if user.Verified() {
		return ErrLinkExpired
	}
	return s.sendVerification(ctx, user)
}

// BeginResetPassword mails a password reset link.
func (s *Service) BeginResetPassword(ctx context.Context, email string) error {
	user, err := s.store.Users(ctx).FindByEmail(ctx, normalizeEmail(email))
	if errors.Is(err, ErrNotFound) {
		return ErrLinkExpired
	}
	if err != nil {
		return err
	}
	rt, err := s.issuer.PasswordReset(user.ID)
	if err != nil {
		s.log.Error().Err(err).Msg("could not create password reset token")
		return err
	}
	msg, err := mail.ResetPassword(user.Email, mail.Link{
		FirstName: user.FirstName,
		Link:      s.link("reset-password", rt.Serialized),
		Validity:  iam.KindPasswordReset.Lifetime(),
	})
	if err != nil {
		return err
	}
	return s.mailer.Send(ctx, msg)
}

// ResetPassword sets a new password from a reset link. Following the link
// proves ownership of the address, so it is marked verified too. Every
// live session of the user is revoked.
func (s *Service) ResetPassword(ctx context.Context, raw, newPassword string) error {
	hash, err := s.hashPassword(newPassword)
	if err != nil {
		return err
	}
	claims, err := s.workflowClaims(raw, s.authorizer.PasswordReset)
	if err != nil {
		return err
	}
	err = s.store.InTx(ctx, func(tx Store) error {
		users := tx.Users(ctx)
		if err := users.UpdatePassword(ctx, claims.UserID, hash); err != nil {
			if errors.Is(err, ErrNotFound) {
				return ErrLinkExpired
			}
			return err
		}
		if _, err := users.MarkEmailVerified(ctx, claims.UserID); err != nil {
			return err
		}
		_, err := tx.Tokens(ctx).RevokeUser(ctx, claims.UserID)
		return err
	})
	if err != nil {
		return err
	}
	s.audit(ctx, claims.UserID, "user.password_reset", uuid.Nil)
	return nil
}

// ChangePassword sets a new password for the bearer of an access token.
func (s *Service) ChangePassword(ctx context.Context, tok *captoken.Token, newPassword string) error {
	claims, err := s.authorize(tok, iam.ActionChangePassword)
	if err != nil {
		return err
	}
	hash, err := s.hashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := s.store.Users(ctx).UpdatePassword(ctx, claims.UserID, hash); err != nil {
		return err
	}
	s.audit(ctx, claims.UserID, "user.password_changed", claims.SessionID)
	return nil
}

// ChangeName updates the display name of the bearer.
func (s *Service) ChangeName(ctx context.Context, tok *captoken.Token, firstName, lastName string) error {
	claims, err := s.authorize(tok, iam.ActionChangeName)
	if err != nil {
		return err
	}
	firstName, lastName = strings.TrimSpace(firstName), strings.TrimSpace(lastName)
	if firstName == "" || lastName == "" {
		return ErrInvalidInput
	}
	return s.store.Users(ctx).UpdateName(ctx, claims.UserID, firstName, lastName)
}

// DeleteUser removes the bearer's account and revokes its tokens.
func (s *Service) DeleteUser(ctx context.Context, tok *captoken.Token) error {
	claims, err := s.authorize(tok, iam.ActionDeleteUser)
	if err != nil {
		return err
	}
	err = s.store.InTx(ctx, func(tx Store) error {
		if _, err := tx.Tokens(ctx).RevokeUser(ctx, claims.UserID); err != nil {
			return err
		}
		return tx.Users(ctx).Delete(ctx, claims.UserID)
	})
	if err != nil {
		return err
	}
	s.audit(ctx, claims.UserID, "user.deleted", claims.SessionID)
	return nil
}

func (s *Service) workflowClaims(raw string, authorize func(*captoken.Token) (iam.WorkflowClaims, error)) (iam.WorkflowClaims, error) {
	tok, err := s.authorizer.Parse(raw)
	if err != nil {
		return iam.WorkflowClaims{}, ErrLinkExpired
	}
	claims, err := authorize(tok)
	if err != nil {
		s.rejected("workflow", err)
		return iam.WorkflowClaims{}, ErrLinkExpired
	}
	return claims, nil
}

func (s *Service) sendVerification(ctx context.Context, user *User) error {
	rt, err := s.issuer.EmailVerification(user.ID)
	if err != nil {
		s.log.Error().Err(err).Msg("could not create email verification token")
		return err
	}
	msg, err := mail.VerifyEmail(user.Email, mail.Link{
		FirstName: user.FirstName,
		Link:      s.link("verify-email", rt.Serialized),
		Validity:  iam.KindEmailVerification.Lifetime(),
	})
	if err != nil {
		return err
	}
	return s.mailer.Send(ctx, msg)
}

func (s *Service) link(path, token string) string {
	return s.appURL + path + "?token=" + url.QueryEscape(token)
}

func (s *Service) hashPassword(password string) (string, error) {
	if err := checkPasswordLength(password, s.minPassword); err != nil {
		return "", err
	}
	if len(password) > maxPasswordLength {
		return "", fmt.Errorf("%w: password longer than %d bytes", ErrInvalidInput, maxPasswordLength)
	}
	return HashPassword(password)
}
