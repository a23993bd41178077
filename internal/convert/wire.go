// Package convert maps GraphQL wire payloads to domain models.
package convert

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/and161185/shepherd/internal/authutil"
	"github.com/and161185/shepherd/internal/graphql"
	"github.com/and161185/shepherd/internal/model"
)

// ErrInvalid marks a payload that is missing required fields.
var ErrInvalid = errors.New("invalid payload")

// --- helpers ---

func str(p *string) string {
	if p == nil {
		return ""
	}
	return strings.TrimSpace(*p)
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func timeOf(p *time.Time) time.Time {
	if p == nil {
		return time.Time{}
	}
	return *p
}

// --- roles ---

// ResolvePrimaryRole picks the highest-priority known role. An empty set yields
// member; a set without any known role yields its first entry unchanged.
func ResolvePrimaryRole(roles []string) string {
	if len(roles) == 0 {
		return model.RoleMember
	}
	for _, want := range model.RolePriority {
		for _, r := range roles {
			if r == want {
				return want
			}
		}
	}
	return roles[0]
}

func roleNames(in []graphql.Role) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, r := range in {
		name := strings.TrimSpace(r.Name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

// --- user ---

// FromWireUser converts and normalises a wire user.
func FromWireUser(in *graphql.User) (model.AuthUser, error) {
	if in == nil {
		return model.AuthUser{}, fmt.Errorf("%w: user missing", ErrInvalid)
	}
	id := strings.TrimSpace(in.ID)
	email := strings.TrimSpace(in.Email)
	if id == "" || email == "" {
		return model.AuthUser{}, fmt.Errorf("%w: user id or email missing", ErrInvalid)
	}

	roles := roleNames(in.Roles)
	if len(roles) == 0 {
		roles = []string{model.RoleMember}
	}

	branches := make([]model.BranchAccess, 0, len(in.Branches))
	for _, b := range in.Branches {
		if strings.TrimSpace(b.BranchID) == "" {
			continue
		}
		role := strings.TrimSpace(b.Role)
		if role == "" {
			role = model.RoleMember
		}
		branches = append(branches, model.BranchAccess{BranchID: b.BranchID, BranchName: str(b.BranchName), Role: role})
	}

	u := model.AuthUser{
		ID:              id,
		Email:           email,
		FirstName:       str(in.FirstName),
		LastName:        str(in.LastName),
		Roles:           roles,
		PrimaryRole:     ResolvePrimaryRole(roles),
		Permissions:     []string{},
		OrganisationID:  str(in.OrganisationID),
		Branches:        branches,
		IsActive:        boolOr(in.IsActive, true),
		IsEmailVerified: boolOr(in.IsEmailVerified, false),
		CreatedAt:       timeOf(in.CreatedAt),
		UpdatedAt:       timeOf(in.UpdatedAt),
	}
	u.DisplayName = authutil.DisplayName(u.FirstName, u.LastName, u.Email)
	if len(branches) > 0 {
		pb := branches[0]
		u.PrimaryBranch = &pb
	}
	if in.LastLoginAt != nil {
		t := *in.LastLoginAt
		u.LastLoginAt = &t
	}
	return u, nil
}

// --- tokens ---

// ExpirySource tells where an access token expiry came from.
type ExpirySource string

// Expiry sources, most to least trusted.
const (
	ExpiryClaim    ExpirySource = "claim"
	ExpiryServer   ExpirySource = "expires_in"
	ExpiryFallback ExpirySource = "fallback"
)

// TokenInput is the token part of a wire payload.
type TokenInput struct {
	AccessToken      string
	RefreshToken     string
	ExpiresIn        *int
	RefreshExpiresIn *int
}

// TokenPolicy supplies the clock and the fallback lifetimes.
type TokenPolicy struct {
	Now                time.Time
	FallbackTTL        time.Duration
	RefreshFallbackTTL time.Duration
}

// Tokens is the outcome of FromWireTokens.
type Tokens struct {
	Tokens model.AuthTokens
	Source ExpirySource
	// Divergence is the gap between the exp claim and expiresIn when both exist.
	Divergence time.Duration
}

// FromWireTokens builds AuthTokens. The exp claim of the token wins over the
// server's expiresIn, which wins over the fallback lifetime.
func FromWireTokens(in TokenInput, p TokenPolicy) (Tokens, error) {
	access := strings.TrimSpace(in.AccessToken)
	if access == "" {
		return Tokens{}, fmt.Errorf("%w: access token missing", ErrInvalid)
	}
	out := Tokens{Tokens: model.AuthTokens{AccessToken: access, RefreshToken: strings.TrimSpace(in.RefreshToken)}}

	var fromServer time.Time
	if in.ExpiresIn != nil && *in.ExpiresIn > 0 {
		fromServer = p.Now.Add(time.Duration(*in.ExpiresIn) * time.Second)
	}
	switch claim, ok := authutil.ExpiryClaim(access); {
	case ok:
		out.Tokens.ExpiresAt, out.Source = claim, ExpiryClaim
		if !fromServer.IsZero() {
			out.Divergence = claim.Sub(fromServer)
		}
	case !fromServer.IsZero():
		out.Tokens.ExpiresAt, out.Source = fromServer, ExpiryServer
	default:
		out.Tokens.ExpiresAt, out.Source = p.Now.Add(p.FallbackTTL), ExpiryFallback
	}

	if out.Tokens.RefreshToken != "" {
		switch claim, ok := authutil.ExpiryClaim(out.Tokens.RefreshToken); {
		case ok:
			out.Tokens.RefreshExpiresAt = claim
		case in.RefreshExpiresIn != nil && *in.RefreshExpiresIn > 0:
			out.Tokens.RefreshExpiresAt = p.Now.Add(time.Duration(*in.RefreshExpiresIn) * time.Second)
		default:
			out.Tokens.RefreshExpiresAt = p.Now.Add(p.RefreshFallbackTTL)
		}
	}
	return out, nil
}

// FromAuthPayload extracts the token input of a login-like payload.
func FromAuthPayload(in *graphql.AuthPayload) TokenInput {
	if in == nil {
		return TokenInput{}
	}
	return TokenInput{
		AccessToken:      str(in.AccessToken),
		RefreshToken:     str(in.RefreshToken),
		ExpiresIn:        in.ExpiresIn,
		RefreshExpiresIn: in.RefreshExpiresIn,
	}
}

// FromTokenPayload extracts the token input of a refresh payload.
func FromTokenPayload(in *graphql.TokenPayload) TokenInput {
	if in == nil {
		return TokenInput{}
	}
	return TokenInput{
		AccessToken:      in.AccessToken,
		RefreshToken:     str(in.RefreshToken),
		ExpiresIn:        in.ExpiresIn,
		RefreshExpiresIn: in.RefreshExpiresIn,
	}
}

// --- sessions / MFA ---

// FromWireSessions converts the session list, skipping entries without an id.
func FromWireSessions(in []graphql.Session) []model.Session {
	out := make([]model.Session, 0, len(in))
	for _, s := range in {
		if s.ID == "" {
			continue
		}
		out = append(out, model.Session{
			ID:           s.ID,
			UserAgent:    str(s.UserAgent),
			IPAddress:    str(s.IPAddress),
			Location:     str(s.Location),
			CreatedAt:    s.CreatedAt,
			LastActiveAt: s.LastActiveAt,
			Current:      s.Current,
		})
	}
	return out
}

// FromWireMFASetup converts MFA enrolment material.
func FromWireMFASetup(in *graphql.MfaSetup) (model.MFASetup, error) {
	if in == nil || in.Secret == "" {
		return model.MFASetup{}, fmt.Errorf("%w: mfa secret missing", ErrInvalid)
	}
	codes := append([]string(nil), in.BackupCodes...)
	if codes == nil {
		codes = []string{}
	}
	return model.MFASetup{Secret: in.Secret, QRCodeURL: in.QRCodeURL, BackupCodes: codes}, nil
}
