package domain

import "errors"

var (
	ErrInvalidCredits        = errors.New("invalid_credits")
	ErrInvalidExpirationDays = errors.New("invalid_expiration_days")
	ErrStudentNotFound       = errors.New("student_not_found")
	ErrBatchNotFound         = errors.New("credit_batch_not_found")
	ErrStudioMismatch        = errors.New("credit_batch_studio_mismatch")
	ErrNoAvailableCredits    = errors.New("no_available_credits")
	ErrCreditExpired         = errors.New("credit_batch_expired")
	ErrNothingToRestore      = errors.New("nothing_to_restore")
)
