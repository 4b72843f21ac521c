package auth

// Stable failure codes returned to clients and mapped onto HTTP status
// codes by the request middleware.
const (
	CodeMissingFields    = "AUTH_MISSING_FIELDS"
	CodeExpired          = "AUTH_EXPIRED"
	CodeInvalidSignature = "AUTH_INVALID_SIGNATURE"
)

type (
	// AuthError is a rejection with a stable code. Storage problems
	// during verification never surface here; they only shrink the
	// candidate list.
	AuthError struct {
		Code    string
		Message string
	}
)

func (e *AuthError) Error() string {
	return e.Code + ": " + e.Message
}

func errMissingFields(msg string) *AuthError {
	return &AuthError{Code: CodeMissingFields, Message: msg}
}

func errExpired(msg string) *AuthError {
	return &AuthError{Code: CodeExpired, Message: msg}
}

func errInvalidSignature() *AuthError {
	return &AuthError{Code: CodeInvalidSignature, Message: "signature did not match any registered key"}
}
