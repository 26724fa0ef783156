package http

import (
	"errors"

	"ratepilot/internal/core/domain"
	apperrors "ratepilot/pkg/errors"
)

// toAppError maps domain sentinels onto API error codes. Errors that already
// carry an AppError pass through unchanged.
func toAppError(err error) error {
	if apperrors.IsAppError(err) {
		return err
	}
	switch {
	case errors.Is(err, domain.ErrNotStarted):
		return apperrors.WrapError(err, apperrors.ErrCodeNotStarted, err.Error())
	case errors.Is(err, domain.ErrAlreadyStarted):
		return apperrors.WrapError(err, apperrors.ErrCodeNotStarted, err.Error())
	case errors.Is(err, domain.ErrUnknownConnection):
		return apperrors.WrapError(err, apperrors.ErrCodeNotFound, err.Error())
	case errors.Is(err, domain.ErrDuplicateConnection), errors.Is(err, domain.ErrInvalidBitrate):
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, domain.ErrSessionInvalid):
		return apperrors.WrapError(err, apperrors.ErrCodeSessionInvalid, err.Error())
	}
	return apperrors.WrapError(err, apperrors.ErrCodeInternal, "internal error")
}
