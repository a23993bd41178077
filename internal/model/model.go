// Package model defines the identity and credential entities shared by the client layers.
package model

import (
	"time"
)

// Role labels known to the client. Servers may send others; they are kept verbatim.
const (
	RoleSuperAdmin          = "super_admin"
	RoleBranchAdmin         = "branch_admin"
	RoleSubscriptionManager = "subscription_manager"
	RoleFinanceManager      = "finance_manager"
	RolePastoralStaff       = "pastoral_staff"
	RoleMinistryLeader      = "ministry_leader"
	RoleMember              = "member"
)

// RolePriority orders known roles from the most to the least privileged.
var RolePriority = []string{
	RoleSuperAdmin,
	RoleBranchAdmin,
	RoleSubscriptionManager,
	RoleFinanceManager,
	RolePastoralStaff,
	RoleMinistryLeader,
	RoleMember,
}

// BranchAccess pairs a branch with the role the user holds there.
type BranchAccess struct {
	BranchID   string `json:"branchId"`
	BranchName string `json:"branchName,omitempty"`
	Role       string `json:"role"`
}

// AuthUser is the signed-in identity as understood by the client.
type AuthUser struct {
	ID              string         `json:"id"`
	Email           string         `json:"email"`
	FirstName       string         `json:"firstName,omitempty"`
	LastName        string         `json:"lastName,omitempty"`
	DisplayName     string         `json:"displayName"`
	Roles           []string       `json:"roles"`
	PrimaryRole     string         `json:"primaryRole"`
	Permissions     []string       `json:"permissions"` // always empty for now
	OrganisationID  string         `json:"organisationId,omitempty"`
	Branches        []BranchAccess `json:"branches"`
	PrimaryBranch   *BranchAccess  `json:"primaryBranch,omitempty"`
	IsActive        bool           `json:"isActive"`
	IsEmailVerified bool           `json:"isEmailVerified"`
	LastLoginAt     *time.Time     `json:"lastLoginAt,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// HasRole reports whether the user holds role either globally or on any branch.
func (u AuthUser) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	for _, b := range u.Branches {
		if b.Role == role {
			return true
		}
	}
	return false
}

// AuthTokens is the credential pair used to authenticate subsequent requests.
type AuthTokens struct {
	AccessToken      string    `json:"accessToken"`
	ExpiresAt        time.Time `json:"expiresAt"`
	RefreshToken     string    `json:"refreshToken,omitempty"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt,omitempty"`
}

// Valid reports whether the access token is present and not yet expired at now.
func (t AuthTokens) Valid(now time.Time) bool {
	return t.AccessToken != "" && now.Before(t.ExpiresAt)
}

// HasRefresh reports whether a refresh token is present.
func (t AuthTokens) HasRefresh() bool { return t.RefreshToken != "" }

// TokenMeta is persisted next to the raw tokens.
type TokenMeta struct {
	ExpiresAt        time.Time `json:"expiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt,omitempty"`
	RememberMe       bool      `json:"rememberMe"`
	StoredAt         time.Time `json:"storedAt"`
}

// SessionMeta describes the local session independent of token expiry.
type SessionMeta struct {
	SessionID    string
	LastActivity time.Time
	RememberMe   bool
}

// Session is one server-side session of the current user.
type Session struct {
	ID           string    `json:"id" yaml:"id"`
	UserAgent    string    `json:"userAgent,omitempty" yaml:"userAgent,omitempty"`
	IPAddress    string    `json:"ipAddress,omitempty" yaml:"ipAddress,omitempty"`
	Location     string    `json:"location,omitempty" yaml:"location,omitempty"`
	CreatedAt    time.Time `json:"createdAt" yaml:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt" yaml:"lastActiveAt"`
	Current      bool      `json:"current" yaml:"current"`
}

// MFASetup is the material returned when enabling multi-factor authentication.
type MFASetup struct {
	Secret      string   `json:"secret" yaml:"secret"`
	QRCodeURL   string   `json:"qrCodeUrl" yaml:"qrCodeUrl"`
	BackupCodes []string `json:"backupCodes" yaml:"backupCodes"`
}

// ProfileUpdate carries the fields a user may change; nil means unchanged.
type ProfileUpdate struct {
	FirstName *string
	LastName  *string
	Phone     *string
	Email     *string
}

// Empty reports whether no field is set.
func (p ProfileUpdate) Empty() bool {
	return p.FirstName == nil && p.LastName == nil && p.Phone == nil && p.Email == nil
}

// Registration is the input for creating an account.
type Registration struct {
	Email          string
	Password       string
	FirstName      string
	LastName       string
	OrganisationID string
	BranchID       string
}
