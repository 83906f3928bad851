// Package autherr is the login error taxonomy shared by the federation
// server and the client bootstrap. Terminal failures never surface raw
// detail to the browser; they redirect to the login page with one of
// these machine-readable codes in the query string.
package autherr

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

type Code string

const (
	// CodeExpiredState covers a state token that is missing,
	// undecodable, or past its TTL. The user restarts login.
	CodeExpiredState Code = "expired_state"

	// CodeProviderDenied means the federation provider reported an
	// error on the callback (user canceled, consent denied).
	CodeProviderDenied Code = "provider_denied"

	// CodeExchangeFailed is a terminal code-exchange failure, after
	// the already-consumed branch has been ruled out.
	CodeExchangeFailed Code = "exchange_failed"

	// CodeCredentialFailed means credential issuance failed and the
	// recreate-and-reissue recovery also failed.
	CodeCredentialFailed Code = "credential_failed"

	// CodeSessionTimeout is the browser-side bootstrap timeout.
	CodeSessionTimeout Code = "session_timeout"
)

// AuthError carries a taxonomy code plus an internal detail string. The
// detail is for logs only and never reaches the browser.
type AuthError struct {
	Code   Code
	Detail string
	Err    error
}

func (e *AuthError) Error() string {
	switch {
	case e.Err != nil && e.Detail != "":
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Detail, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	case e.Detail != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	default:
		return string(e.Code)
	}
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

func New(code Code, detail string) *AuthError {
	return &AuthError{Code: code, Detail: detail}
}

func Wrap(code Code, detail string, err error) *AuthError {
	return &AuthError{Code: code, Detail: detail, Err: err}
}

// CodeOf extracts the taxonomy code from an error chain, defaulting to
// CodeExchangeFailed for anything untyped.
func CodeOf(err error) Code {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Code
	}
	return CodeExchangeFailed
}

// LoginRedirectURL builds the login page URL carrying an error code.
func LoginRedirectURL(loginURL string, code Code) string {
	u, err := url.Parse(loginURL)
	if err != nil {
		return loginURL + "?auth_error=" + string(code)
	}
	q := u.Query()
	q.Set("auth_error", string(code))
	u.RawQuery = q.Encode()
	return u.String()
}

// RedirectWithCode sends the browser to the login page with the code
// attached. It is the only error surface the HTTP handlers use.
func RedirectWithCode(w http.ResponseWriter, r *http.Request, loginURL string, code Code) {
	http.Redirect(w, r, LoginRedirectURL(loginURL, code), http.StatusFound)
}
