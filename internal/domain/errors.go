package domain

import (
	"errors"
	"fmt"
)

// ErrorKind groups errors by how the attendance flow recovers from them.
type ErrorKind string

const (
	KindDevice      ErrorKind = "device"
	KindRecognition ErrorKind = "recognition"
	KindService     ErrorKind = "service"
	KindDuplicate   ErrorKind = "duplicate"
	KindState       ErrorKind = "state"
	KindRequest     ErrorKind = "request"
)

type AppError struct {
	Code       string    `json:"code"`
	Message    string    `json:"message"`
	Kind       ErrorKind `json:"kind"`
	StatusCode int       `json:"-"`
	Err        error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches on Code so that copies made by WithError/WithMessage still
// satisfy errors.Is against the predeclared value.
func (e *AppError) Is(target error) bool {
	var t *AppError
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

func (e *AppError) WithError(err error) *AppError {
	return &AppError{
		Code:       e.Code,
		Message:    e.Message,
		Kind:       e.Kind,
		StatusCode: e.StatusCode,
		Err:        err,
	}
}

func (e *AppError) WithMessage(msg string) *AppError {
	return &AppError{
		Code:       e.Code,
		Message:    msg,
		Kind:       e.Kind,
		StatusCode: e.StatusCode,
		Err:        e.Err,
	}
}

// Retryable reports whether the user may re-issue the same step without a reset.
func (e *AppError) Retryable() bool {
	return e.Kind == KindService || e.Kind == KindDevice ||
		(e.Kind == KindRecognition && e.Code != ErrLivenessFailed.Code)
}

// Pre-defined errors
var (
	ErrInternal = &AppError{
		Code:       "INTERNAL_ERROR",
		Message:    "An unexpected error occurred",
		Kind:       KindService,
		StatusCode: 500,
	}

	ErrBadRequest = &AppError{
		Code:       "BAD_REQUEST",
		Message:    "Invalid request",
		Kind:       KindRequest,
		StatusCode: 400,
	}

	ErrUnauthorized = &AppError{
		Code:       "UNAUTHORIZED",
		Message:    "Invalid or missing access token",
		Kind:       KindRequest,
		StatusCode: 401,
	}

	ErrForbidden = &AppError{
		Code:       "FORBIDDEN",
		Message:    "You do not have permission to access this resource",
		Kind:       KindRequest,
		StatusCode: 403,
	}

	ErrValidationFailed = &AppError{
		Code:       "VALIDATION_FAILED",
		Message:    "Request validation failed",
		Kind:       KindRequest,
		StatusCode: 422,
	}

	ErrRateLimitExceeded = &AppError{
		Code:       "RATE_LIMIT_EXCEEDED",
		Message:    "Too many requests. Please slow down.",
		Kind:       KindRequest,
		StatusCode: 429,
	}

	ErrSessionNotFound = &AppError{
		Code:       "SESSION_NOT_FOUND",
		Message:    "Attendance session not found",
		Kind:       KindRequest,
		StatusCode: 404,
	}

	// Device errors: no recognition call was attempted.
	ErrDeviceUnavailable = &AppError{
		Code:       "DEVICE_UNAVAILABLE",
		Message:    "Camera unavailable. Check the device and permissions.",
		Kind:       KindDevice,
		StatusCode: 503,
	}

	ErrDeviceBusy = &AppError{
		Code:       "DEVICE_BUSY",
		Message:    "Camera is in use by another attendance session",
		Kind:       KindDevice,
		StatusCode: 409,
	}

	ErrNoCaptureSource = &AppError{
		Code:       "NO_CAPTURE_SOURCE",
		Message:    "No camera is attached to this session",
		Kind:       KindDevice,
		StatusCode: 409,
	}

	// Recognition errors: recoverable by recapture or reset.
	ErrNoFaceDetected = &AppError{
		Code:       "NO_FACE_DETECTED",
		Message:    "No face detected. Please position yourself correctly.",
		Kind:       KindRecognition,
		StatusCode: 422,
	}

	ErrLowConfidence = &AppError{
		Code:       "LOW_CONFIDENCE",
		Message:    "Low confidence. Please try again.",
		Kind:       KindRecognition,
		StatusCode: 422,
	}

	ErrInvalidImage = &AppError{
		Code:       "INVALID_IMAGE",
		Message:    "Invalid image format or corrupted file",
		Kind:       KindRecognition,
		StatusCode: 422,
	}

	ErrLivenessFailed = &AppError{
		Code:       "LIVENESS_FAILED",
		Message:    "Liveness check failed. Please start over.",
		Kind:       KindRecognition,
		StatusCode: 422,
	}

	// Service errors: surfaced verbatim, retried only by the user.
	ErrServiceUnavailable = &AppError{
		Code:       "SERVICE_UNAVAILABLE",
		Message:    "Recognition service unavailable. Please try again later.",
		Kind:       KindService,
		StatusCode: 503,
	}

	ErrDuplicateAttendance = &AppError{
		Code:       "DUPLICATE_ATTENDANCE",
		Message:    "Attendance already marked today",
		Kind:       KindDuplicate,
		StatusCode: 409,
	}

	// State errors
	ErrOutOfSequence = &AppError{
		Code:       "OUT_OF_SEQUENCE",
		Message:    "Frame does not belong to the current liveness step",
		Kind:       KindState,
		StatusCode: 409,
	}

	ErrInvalidTransition = &AppError{
		Code:       "INVALID_TRANSITION",
		Message:    "Action not allowed in the current phase",
		Kind:       KindState,
		StatusCode: 409,
	}
)
