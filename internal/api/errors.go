package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/and161185/shepherd/internal/convert"
	"github.com/and161185/shepherd/internal/errs"
	"github.com/and161185/shepherd/internal/graphql"
)

// MapError normalises a transport or conversion error into an AuthError.
func MapError(err error) *errs.AuthError {
	if err == nil {
		return nil
	}
	if ae, ok := errs.As(err); ok {
		return ae
	}

	var (
		ne *graphql.NetworkError
		re *graphql.ResponseError
		he *graphql.HTTPError
	)
	switch {
	case errors.As(err, &ne):
		return errs.Wrap(errs.CodeNetwork, err, true)
	case errors.As(err, &re):
		code := errs.Code(re.Code())
		if code == "" {
			code = errs.CodeGraphQL
		}
		recoverable, present := re.Recoverable()
		if !present {
			recoverable = true
		}
		ae := errs.New(code, re.Message(), re.Errors, recoverable)
		ae.Err = err
		return ae
	case errors.As(err, &he):
		if he.Status == http.StatusUnauthorized {
			return errs.Wrap(errs.CodeTokenExpired, err, true)
		}
		return errs.Wrap(errs.CodeUnknown, err, true)
	case errors.Is(err, graphql.ErrMalformedResponse), errors.Is(err, convert.ErrInvalid):
		return errs.Wrap(errs.CodeInvalidResponse, err, false)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return errs.Wrap(errs.CodeNetwork, err, true)
	}
	return errs.Wrap(errs.CodeUnknown, err, true)
}
