package graphql

import "time"

// Wire shapes of the selections in ops/. Optional fields are pointers so an
// omitted value can be told apart from a zero one.

// Role is a global role record.
type Role struct {
	Name string `json:"name"`
}

// BranchRole pairs a branch with a role.
type BranchRole struct {
	BranchID   string  `json:"branchId"`
	BranchName *string `json:"branchName"`
	Role       string  `json:"role"`
}

// User is the UserFields fragment.
type User struct {
	ID              string       `json:"id"`
	Email           string       `json:"email"`
	FirstName       *string      `json:"firstName"`
	LastName        *string      `json:"lastName"`
	Roles           []Role       `json:"roles"`
	OrganisationID  *string      `json:"organisationId"`
	Branches        []BranchRole `json:"branches"`
	IsActive        *bool        `json:"isActive"`
	IsEmailVerified *bool        `json:"isEmailVerified"`
	LastLoginAt     *time.Time   `json:"lastLoginAt"`
	CreatedAt       *time.Time   `json:"createdAt"`
	UpdatedAt       *time.Time   `json:"updatedAt"`
}

// AuthPayload answers login, register and MFA verification.
type AuthPayload struct {
	AccessToken      *string `json:"accessToken"`
	RefreshToken     *string `json:"refreshToken"`
	ExpiresIn        *int    `json:"expiresIn"`
	RefreshExpiresIn *int    `json:"refreshExpiresIn"`
	MFARequired      *bool   `json:"mfaRequired"`
	MFAToken         *string `json:"mfaToken"`
	User             *User   `json:"user"`
}

// TokenPayload answers a refresh.
type TokenPayload struct {
	AccessToken      string  `json:"accessToken"`
	RefreshToken     *string `json:"refreshToken"`
	ExpiresIn        *int    `json:"expiresIn"`
	RefreshExpiresIn *int    `json:"refreshExpiresIn"`
}

// Session is one entry of mySessions.
type Session struct {
	ID           string    `json:"id"`
	UserAgent    *string   `json:"userAgent"`
	IPAddress    *string   `json:"ipAddress"`
	Location     *string   `json:"location"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
	Current      bool      `json:"current"`
}

// MfaSetup answers enableMfa.
type MfaSetup struct {
	Secret      string   `json:"secret"`
	QRCodeURL   string   `json:"qrCodeUrl"`
	BackupCodes []string `json:"backupCodes"`
}

// TokenValidation answers validateToken.
type TokenValidation struct {
	Valid     bool       `json:"valid"`
	ExpiresAt *time.Time `json:"expiresAt"`
	User      *User      `json:"user"`
}
