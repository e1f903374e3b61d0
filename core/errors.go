package core

import (
	"errors"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ErrorBadInput            = "IAP_BAD_INPUT"
	ErrorUnsupportedProvider = "IAP_UNSUPPORTED_PROVIDER"
	ErrorUnknownProduct      = "IAP_UNKNOWN_PRODUCT"
	ErrorPolicyViolation     = "IAP_POLICY_VIOLATION"
	ErrorVerificationFailed  = "IAP_VERIFICATION_FAILED"
	ErrorInsufficientBalance = "IAP_INSUFFICIENT_BALANCE"
	ErrorStorageFailure      = "IAP_STORAGE_FAILURE"
	ErrorRateLimited         = "IAP_RATE_LIMITED"
	ErrorInternal            = "IAP_INTERNAL"
)

var (
	ErrUnsupportedProvider = errors.New("core: unsupported provider")
	ErrUnknownProduct      = errors.New("core: unknown product")
	ErrPolicyViolation     = errors.New("core: policy violation")
	ErrVerificationFailed  = errors.New("core: verification failed")
	ErrInsufficientBalance = errors.New("core: insufficient balance")
	ErrStorage             = errors.New("core: storage failure")
	ErrVerifierNotFound    = errors.New("core: verifier not registered")
)

// NewVerificationError tags a provider rejection so the facade reports it as
// a failed purchase rather than an internal error.
func NewVerificationError(provider string, reason string) *goerrors.Error {
	return newServiceError(
		strings.TrimSpace(provider)+": "+strings.TrimSpace(reason),
		goerrors.CategoryOperation,
		ErrorVerificationFailed,
	).WithCode(http.StatusPaymentRequired)
}

// WrapVerificationError keeps the provider cause on the returned error.
func WrapVerificationError(provider string, err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) && richErr.TextCode == ErrorVerificationFailed {
		return richErr
	}
	wrapped := goerrors.Wrap(err, goerrors.CategoryOperation, strings.TrimSpace(provider)+": verification failed").
		WithTextCode(ErrorVerificationFailed).
		WithCode(http.StatusPaymentRequired)
	return wrapped
}

// WrapStorageError marks err as a backend failure; the cause is preserved.
func WrapStorageError(err error, message string) *goerrors.Error {
	if err == nil {
		return nil
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) && richErr.TextCode != "" {
		return richErr
	}
	return goerrors.Wrap(err, goerrors.CategoryExternal, message).
		WithTextCode(ErrorStorageFailure).
		WithCode(http.StatusServiceUnavailable).
		WithSeverity(goerrors.SeverityError)
}

func badInput(field string, message string) *goerrors.Error {
	return ensureServiceErrorEnvelope(
		goerrors.NewValidation("core: "+message, goerrors.FieldError{
			Field:   field,
			Message: message,
		}).WithTextCode(ErrorBadInput),
	)
}

func serviceErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureServiceErrorEnvelope(richErr)
	}

	switch {
	case errors.Is(err, ErrUnsupportedProvider):
		return wrapServiceError(err, goerrors.CategoryBadInput, ErrorUnsupportedProvider)
	case errors.Is(err, ErrUnknownProduct):
		return wrapServiceError(err, goerrors.CategoryBadInput, ErrorUnknownProduct)
	case errors.Is(err, ErrPolicyViolation):
		return wrapServiceError(err, goerrors.CategoryAuthz, ErrorPolicyViolation)
	case errors.Is(err, ErrInsufficientBalance):
		return wrapServiceError(err, goerrors.CategoryConflict, ErrorInsufficientBalance)
	case errors.Is(err, ErrVerifierNotFound), errors.Is(err, ErrVerificationFailed):
		return wrapServiceError(err, goerrors.CategoryOperation, ErrorVerificationFailed)
	case errors.Is(err, ErrStorage):
		return wrapServiceError(err, goerrors.CategoryExternal, ErrorStorageFailure)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "context deadline exceeded"):
		return newServiceError(err.Error(), goerrors.CategoryOperation, ErrorVerificationFailed)
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"):
		return newServiceError(err.Error(), goerrors.CategoryBadInput, ErrorBadInput)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureServiceErrorEnvelope(mapped)
}

// wrapServiceError keeps err as the source so errors.Is still matches the
// package sentinels after mapping.
func wrapServiceError(err error, category goerrors.Category, textCode string) *goerrors.Error {
	return ensureServiceErrorEnvelope(
		goerrors.Wrap(err, category, err.Error()).
			WithTextCode(textCode),
	)
}

func newServiceError(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return ensureServiceErrorEnvelope(
		goerrors.New(message, category).
			WithTextCode(textCode),
	)
}

func ensureServiceErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultServiceTextCode(err.Category)
	}
	if err.Code == 0 {
		err.Code = serviceHTTPStatus(err.TextCode, err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultServiceTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ErrorBadInput
	case goerrors.CategoryAuthz:
		return ErrorPolicyViolation
	case goerrors.CategoryConflict:
		return ErrorInsufficientBalance
	case goerrors.CategoryExternal:
		return ErrorStorageFailure
	case goerrors.CategoryOperation:
		return ErrorVerificationFailed
	default:
		return ErrorInternal
	}
}

func serviceHTTPStatus(textCode string, category goerrors.Category) int {
	switch textCode {
	case ErrorBadInput, ErrorUnsupportedProvider, ErrorUnknownProduct:
		return http.StatusBadRequest
	case ErrorPolicyViolation:
		return http.StatusForbidden
	case ErrorVerificationFailed:
		return http.StatusPaymentRequired
	case ErrorInsufficientBalance:
		return http.StatusConflict
	case ErrorStorageFailure:
		return http.StatusServiceUnavailable
	}
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// TextCode extracts the stable IAP text code from err, or "" when err does
// not carry one.
func TextCode(err error) string {
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return richErr.TextCode
	}
	return ""
}
