package iam

import "time"

// Kind is the type of a capability token. It is embedded in every token as
// the fact type(kind).
type Kind string

const (
	KindUserAccess        Kind = "user_access"
	KindRefresh           Kind = "refresh"
	KindEmailVerification Kind = "email_verification"
	KindPasswordReset     Kind = "password_reset"
)

// Kinds lists every token kind.
var Kinds = []Kind{KindUserAccess, KindRefresh, KindEmailVerification, KindPasswordReset}

// Version is the schema version embedded in tokens of kind k.
func (k Kind) Version() int64 {
	switch k {
	case KindUserAccess, KindRefresh, KindEmailVerification, KindPasswordReset:
		return 1
	default:
		return 0
	}
}

// Lifetime is how long a token of kind k stays valid after issuance.
func (k Kind) Lifetime() time.Duration {
	switch k {
	case KindUserAccess:
		return 5 * time.Minute
	case KindRefresh, KindEmailVerification, KindPasswordReset:
		return 30 * time.Minute
	default:
		return 0
	}
}

// Revocable reports whether tokens of kind k are tracked in the revocation ledger.
func (k Kind) Revocable() bool {
	return k == KindUserAccess || k == KindRefresh
}

func (k Kind) String() string { return string(k) }

// Role is granted to a user and embedded in access tokens.
type Role string

const (
	RoleUser          Role = "user"
	RoleAdministrator Role = "administrator"
)

// Action is an operation guarded by an access token.
type Action string

const (
	ActionLogout               Action = "auth:logout"
	ActionChangePassword       Action = "auth:change_password"
	ActionChangeProfilePicture Action = "users_settings:change_profile_picture"
	ActionChangeName           Action = "users_settings:change_name"
	ActionDeleteUser           Action = "users_settings:delete_user"
	ActionReadProfile          Action = "users_settings:read_profile"
)

// Actions lists every guarded action.
var Actions = []Action{
	ActionLogout,
	ActionChangePassword,
	ActionChangeProfilePicture,
	ActionChangeName,
	ActionDeleteUser,
	ActionReadProfile,
}

// AllowedRoles returns the roles permitted to perform a.
func (a Action) AllowedRoles() []Role {
	switch a {
	case ActionLogout,
		ActionChangePassword,
		ActionChangeProfilePicture,
		ActionChangeName,
		ActionDeleteUser,
		ActionReadProfile:
		return []Role{RoleUser}
	default:
		return nil
	}
}
