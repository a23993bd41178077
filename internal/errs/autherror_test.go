package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAuthError_IsMatchesByCode(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("refresh: %w", Terminal(CodeMaxRefreshAttempts, "too many"))
	require.ErrorIs(t, err, ErrMaxRefreshAttempts)
	require.NotErrorIs(t, err, ErrNetwork)
	require.Equal(t, CodeMaxRefreshAttempts, CodeOf(err))
	require.False(t, IsRecoverable(err))
}

func TestNew_DefaultsAndTimestamp(t *testing.T) {
	t.Parallel()

	e := New(CodeGraphQL, "boom", map[string]any{"k": 1}, true)
	require.Equal(t, CodeGraphQL, e.Code)
	require.True(t, e.Recoverable)
	require.False(t, e.Timestamp.IsZero())
	require.Equal(t, "GRAPHQL_ERROR: boom", e.Error())
}

func TestFrom_Normalizes(t *testing.T) {
	t.Parallel()

	require.Nil(t, From(nil))

	u := From(errors.New("weird"))
	require.Equal(t, CodeUnknown, u.Code)
	require.True(t, u.Recoverable)

	d := From(context.DeadlineExceeded)
	require.Equal(t, CodeNetwork, d.Code)

	orig := Terminal(CodeSessionIntegrity, "x")
	require.Same(t, orig, From(fmt.Errorf("wrap: %w", orig)))
}

func TestUserMessage(t *testing.T) {
	t.Parallel()

	require.Equal(t, "Invalid email or password.", UserMessage(New(CodeInvalidCredentials, "bad", nil, true)))
	require.Equal(t, "Branch not found", UserMessage(New("BRANCH_NOT_FOUND", "GraphQL error: Branch not found", nil, true)))
	require.Equal(t, "oops", UserMessage(New("X", "Network error: GraphQL error: oops", nil, true)))
	require.Equal(t, "", UserMessage(nil))
}
