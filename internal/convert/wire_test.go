package convert

import (
	"testing"
	"time"

	"github.com/and161185/shepherd/internal/graphql"
	"github.com/and161185/shepherd/internal/model"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func mint(t *testing.T, exp time.Time) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()}).SignedString([]byte("k"))
	require.NoError(t, err)
	return s
}

func TestResolvePrimaryRole(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		roles []string
		want  string
	}{
		{"priority", []string{"member", "ministry_leader"}, "ministry_leader"},
		{"empty", nil, "member"},
		{"unknown_only", []string{"choir_director"}, "choir_director"},
		{"unknown_first_then_known", []string{"usher", "finance_manager"}, "finance_manager"},
		{"admin_wins", []string{"pastoral_staff", "super_admin", "branch_admin"}, "super_admin"},
		{"subscription_over_finance", []string{"finance_manager", "subscription_manager"}, "subscription_manager"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, ResolvePrimaryRole(tt.roles))
		})
	}
}

func TestFromWireUser_Normalises(t *testing.T) {
	t.Parallel()
	login := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	in := &graphql.User{
		ID:        "u1",
		Email:     "grace@church.org",
		FirstName: ptr(" Grace "),
		LastName:  ptr("Hopper"),
		Roles:     []graphql.Role{{Name: "member"}, {Name: "pastoral_staff"}, {Name: "member"}, {Name: ""}},
		Branches: []graphql.BranchRole{
			{BranchID: "b1", BranchName: ptr("Central"), Role: "pastoral_staff"},
			{BranchID: "", Role: "member"},
			{BranchID: "b2"},
		},
		LastLoginAt: &login,
	}
	u, err := FromWireUser(in)
	require.NoError(t, err)
	require.Equal(t, "Grace Hopper", u.DisplayName)
	require.Equal(t, []string{"member", "pastoral_staff"}, u.Roles)
	require.Equal(t, "pastoral_staff", u.PrimaryRole)
	require.Empty(t, u.Permissions)
	require.NotNil(t, u.Permissions)
	require.Len(t, u.Branches, 2)
	require.Equal(t, "member", u.Branches[1].Role)
	require.Equal(t, &model.BranchAccess{BranchID: "b1", BranchName: "Central", Role: "pastoral_staff"}, u.PrimaryBranch)
	require.True(t, u.IsActive)
	require.False(t, u.IsEmailVerified)
	require.True(t, u.LastLoginAt.Equal(login))
}

func TestFromWireUser_NoRolesBecomesMember(t *testing.T) {
	t.Parallel()
	u, err := FromWireUser(&graphql.User{ID: "u1", Email: "a@b.org"})
	require.NoError(t, err)
	require.Equal(t, []string{"member"}, u.Roles)
	require.Equal(t, "member", u.PrimaryRole)
	require.Nil(t, u.PrimaryBranch)
	require.Equal(t, "a@b.org", u.DisplayName)
}

func TestFromWireUser_RejectsIncomplete(t *testing.T) {
	t.Parallel()
	for _, in := range []*graphql.User{nil, {Email: "a@b.org"}, {ID: "u1", Email: "  "}} {
		_, err := FromWireUser(in)
		require.ErrorIs(t, err, ErrInvalid)
	}
}

func TestFromWireTokens_ExpiryPrecedence(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := TokenPolicy{Now: now, FallbackTTL: 15 * time.Minute, RefreshFallbackTTL: 7 * 24 * time.Hour}
	claimExp := now.Add(10 * time.Minute)
	jwtTok := mint(t, claimExp)

	out, err := FromWireTokens(TokenInput{AccessToken: jwtTok, ExpiresIn: ptr(3600)}, p)
	require.NoError(t, err)
	require.Equal(t, ExpiryClaim, out.Source)
	require.True(t, out.Tokens.ExpiresAt.Equal(claimExp))
	require.Equal(t, -50*time.Minute, out.Divergence)

	out, err = FromWireTokens(TokenInput{AccessToken: "opaque", ExpiresIn: ptr(60)}, p)
	require.NoError(t, err)
	require.Equal(t, ExpiryServer, out.Source)
	require.True(t, out.Tokens.ExpiresAt.Equal(now.Add(time.Minute)))

	out, err = FromWireTokens(TokenInput{AccessToken: "opaque", RefreshToken: "r"}, p)
	require.NoError(t, err)
	require.Equal(t, ExpiryFallback, out.Source)
	require.True(t, out.Tokens.ExpiresAt.Equal(now.Add(15*time.Minute)))
	require.True(t, out.Tokens.RefreshExpiresAt.Equal(now.Add(7*24*time.Hour)))

	out, err = FromWireTokens(TokenInput{AccessToken: "opaque", RefreshToken: "r", RefreshExpiresIn: ptr(120)}, p)
	require.NoError(t, err)
	require.True(t, out.Tokens.RefreshExpiresAt.Equal(now.Add(2*time.Minute)))

	out, err = FromWireTokens(TokenInput{AccessToken: "opaque"}, p)
	require.NoError(t, err)
	require.True(t, out.Tokens.RefreshExpiresAt.IsZero())

	_, err = FromWireTokens(TokenInput{}, p)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestFromPayloads(t *testing.T) {
	t.Parallel()
	in := FromAuthPayload(&graphql.AuthPayload{AccessToken: ptr("a"), RefreshToken: ptr(" r "), ExpiresIn: ptr(5)})
	require.Equal(t, "a", in.AccessToken)
	require.Equal(t, "r", in.RefreshToken)
	require.Equal(t, TokenInput{}, FromAuthPayload(nil))

	tin := FromTokenPayload(&graphql.TokenPayload{AccessToken: "a"})
	require.Equal(t, "a", tin.AccessToken)
	require.Empty(t, tin.RefreshToken)
}

func TestFromWireSessionsAndMFA(t *testing.T) {
	t.Parallel()
	ss := FromWireSessions([]graphql.Session{{ID: "s1", UserAgent: ptr("cli"), Current: true}, {ID: ""}})
	require.Len(t, ss, 1)
	require.Equal(t, "cli", ss[0].UserAgent)
	require.True(t, ss[0].Current)

	m, err := FromWireMFASetup(&graphql.MfaSetup{Secret: "S", QRCodeURL: "otpauth://x"})
	require.NoError(t, err)
	require.NotNil(t, m.BackupCodes)

	_, err = FromWireMFASetup(&graphql.MfaSetup{})
	require.ErrorIs(t, err, ErrInvalid)
}
