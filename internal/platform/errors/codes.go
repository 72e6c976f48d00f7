package errors

// Code is a machine-readable error code.
//
// The externally visible taxonomy is deliberately coarse: internally distinct
// failure causes (expired, tampered, missing) collapse to a single code before
// they leave the auth surface so callers cannot use error shape as an oracle.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// External taxonomy
	CodeUnauthenticated   Code = "UNAUTHENTICATED"
	CodeInvalidCredential Code = "INVALID_CREDENTIAL"
	CodeAccountLocked     Code = "ACCOUNT_LOCKED"
	CodeRateLimited       Code = "RATE_LIMITED"
	CodeCsrfRejected      Code = "CSRF_REJECTED"
	CodeConflict          Code = "CONFLICT"

	// Identity errors
	CodeIdentityEmptyEmail   Code = "IDENTITY_EMPTY_EMAIL"
	CodeIdentityInvalidEmail Code = "IDENTITY_INVALID_EMAIL"
	CodeIdentityInactive     Code = "IDENTITY_INACTIVE"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
)
