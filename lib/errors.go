package mathom

import (
	"errors"
	"fmt"
)

// Error codes returned by mathom for failed admissions, ingests and
// retrievals.
var (
	ErrTooLarge            = errors.New("file exceeds per-file size limit")
	ErrQuotaExceeded       = errors.New("store capacity exhausted")
	ErrOverrun             = errors.New("body exceeds declared size")
	ErrShortUpload         = errors.New("body shorter than declared size")
	ErrChecksumMismatch    = errors.New("checksum mismatch")
	ErrFileNotFound        = errors.New("file not found")
	ErrGone                = errors.New("file expired")
	ErrRangeNotSatisfiable = errors.New("requested range not satisfiable")
	ErrInvalidToken        = errors.New("invalid token")
	ErrInvalidParam        = errors.New("invalid param")
	ErrEmptyName           = errors.New("name not provided")
	ErrEmptyToken          = errors.New("token not provided")
	ErrEmptySource         = errors.New("source not provided")
	ErrClient              = errors.New("client error")
)

// IsFileNotFound returns a boolean indicating the error is
// ErrFileNotFound.
func IsFileNotFound(err error) bool {
	return errors.Is(err, ErrFileNotFound)
}

// IsGone returns a boolean indicating the error is ErrGone.
func IsGone(err error) bool {
	return errors.Is(err, ErrGone)
}

// IsTooLarge returns a boolean indicating the error is ErrTooLarge.
func IsTooLarge(err error) bool {
	return errors.Is(err, ErrTooLarge)
}

// IsQuotaExceeded returns a boolean indicating the error is
// ErrQuotaExceeded.
func IsQuotaExceeded(err error) bool {
	return errors.Is(err, ErrQuotaExceeded)
}

// IsClient returns a boolean indicating the error is ErrClient.
func IsClient(err error) bool {
	return errors.Is(err, ErrClient)
}

// IsEmptyName returns a boolean indicating the error is ErrEmptyName.
func IsEmptyName(err error) bool {
	return errors.Is(err, ErrEmptyName)
}

// IsEmptyToken returns a boolean indicating the error is ErrEmptyToken.
func IsEmptyToken(err error) bool {
	return errors.Is(err, ErrEmptyToken)
}

// IsEmptySource returns a boolean indicating the error is ErrEmptySource.
func IsEmptySource(err error) bool {
	return errors.Is(err, ErrEmptySource)
}

// newError wraps kind with the concrete condition observed.
func newError(kind error, msg string) error {
	return fmt.Errorf("%w: %s", kind, msg)
}
