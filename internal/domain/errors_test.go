package domain

import (
	"errors"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		appErr   *AppError
		expected string
	}{
		{
			name:     "error without wrapped error",
			appErr:   ErrSessionNotFound,
			expected: "Attendance session not found",
		},
		{
			name: "error with wrapped error",
			appErr: &AppError{
				Code:       "TEST_ERROR",
				Message:    "Test message",
				StatusCode: 500,
				Err:        errors.New("underlying error"),
			},
			expected: "Test message: underlying error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.appErr.Error(); got != tt.expected {
				t.Errorf("Error() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestAppError_WithError(t *testing.T) {
	underlying := errors.New("connection refused")
	newErr := ErrServiceUnavailable.WithError(underlying)

	if newErr.Code != ErrServiceUnavailable.Code {
		t.Errorf("Code = %v, want %v", newErr.Code, ErrServiceUnavailable.Code)
	}

	if newErr.Kind != KindService {
		t.Errorf("Kind = %v, want %v", newErr.Kind, KindService)
	}

	if !errors.Is(newErr, underlying) {
		t.Errorf("errors.Is should return true for wrapped error")
	}

	if !errors.Is(newErr, ErrServiceUnavailable) {
		t.Errorf("errors.Is should match the predeclared value by code")
	}

	if errors.Is(newErr, ErrDuplicateAttendance) {
		t.Errorf("errors.Is should not match a different code")
	}
}

func TestAppError_WithMessage(t *testing.T) {
	msg := "Low confidence (50.0%). Please try again."
	err := ErrLowConfidence.WithMessage(msg)

	if err.Message != msg {
		t.Errorf("Message = %q, want %q", err.Message, msg)
	}
	if ErrLowConfidence.Message == msg {
		t.Errorf("WithMessage must not mutate the predeclared error")
	}
	if !errors.Is(err, ErrLowConfidence) {
		t.Errorf("errors.Is should match ErrLowConfidence")
	}
}

func TestAppError_Retryable(t *testing.T) {
	tests := []struct {
		err  *AppError
		want bool
	}{
		{ErrServiceUnavailable, true},
		{ErrDeviceUnavailable, true},
		{ErrNoFaceDetected, true},
		{ErrLowConfidence, true},
		{ErrLivenessFailed, false},
		{ErrDuplicateAttendance, false},
		{ErrOutOfSequence, false},
	}

	for _, tt := range tests {
		t.Run(tt.err.Code, func(t *testing.T) {
			if got := tt.err.Retryable(); got != tt.want {
				t.Errorf("Retryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPredefinedErrors(t *testing.T) {
	tests := []struct {
		err        *AppError
		code       string
		kind       ErrorKind
		statusCode int
	}{
		{ErrInternal, "INTERNAL_ERROR", KindService, 500},
		{ErrUnauthorized, "UNAUTHORIZED", KindRequest, 401},
		{ErrSessionNotFound, "SESSION_NOT_FOUND", KindRequest, 404},
		{ErrDeviceUnavailable, "DEVICE_UNAVAILABLE", KindDevice, 503},
		{ErrDeviceBusy, "DEVICE_BUSY", KindDevice, 409},
		{ErrNoFaceDetected, "NO_FACE_DETECTED", KindRecognition, 422},
		{ErrLowConfidence, "LOW_CONFIDENCE", KindRecognition, 422},
		{ErrInvalidImage, "INVALID_IMAGE", KindRecognition, 422},
		{ErrLivenessFailed, "LIVENESS_FAILED", KindRecognition, 422},
		{ErrServiceUnavailable, "SERVICE_UNAVAILABLE", KindService, 503},
		{ErrDuplicateAttendance, "DUPLICATE_ATTENDANCE", KindDuplicate, 409},
		{ErrOutOfSequence, "OUT_OF_SEQUENCE", KindState, 409},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			if tt.err.Code != tt.code {
				t.Errorf("Code = %v, want %v", tt.err.Code, tt.code)
			}
			if tt.err.Kind != tt.kind {
				t.Errorf("Kind = %v, want %v", tt.err.Kind, tt.kind)
			}
			if tt.err.StatusCode != tt.statusCode {
				t.Errorf("StatusCode = %v, want %v", tt.err.StatusCode, tt.statusCode)
			}
		})
	}
}
