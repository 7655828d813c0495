package recognition

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/domain"
)

const (
	pathDetect   = "/biometrics/detect/"
	pathLiveness = "/biometrics/liveness/"
	pathMark     = "/attendance/mark_with_face/"

	maxResponseSize = 1 << 20
)

// Config holds the configuration for the Recognition Service client
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8000/api",
		Timeout: 10 * time.Second,
	}
}

// Client is the HTTP client for the Recognition Service. Every call is a
// single round trip: retrying is a user decision made by the session.
type Client struct {
	httpClient *http.Client
	config     Config
}

// NewClient creates a new Recognition Service client
func NewClient(config Config) *Client {
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	return &Client{
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		config: config,
	}
}

type tokenKey struct{}

// WithToken attaches the caller's bearer token to ctx.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

func tokenFrom(ctx context.Context) string {
	token, _ := ctx.Value(tokenKey{}).(string)
	return token
}

// DetectFace calls POST /biometrics/detect/
func (c *Client) DetectFace(ctx context.Context, frame domain.Frame) (*domain.DetectionResult, error) {
	if frame.Empty() {
		return nil, fmt.Errorf("detect face: %w", ErrInvalidImage)
	}

	req := DetectRequest{Image: encodeFrame(frame)}

	var resp DetectResponse
	if err := c.doRequest(ctx, http.MethodPost, pathDetect, req, &resp); err != nil {
		return nil, fmt.Errorf("detect face: %w", err)
	}

	result := &domain.DetectionResult{
		FaceDetected: resp.FaceDetected,
		Confidence:   clamp01(resp.Confidence),
		Embedding:    resp.FaceEmbedding,
	}
	if len(result.Embedding) == 0 {
		result.Embedding = resp.Embedding
	}
	if resp.BoundingBox != nil {
		result.BoundingBox = &domain.BoundingBox{
			X:      resp.BoundingBox.X,
			Y:      resp.BoundingBox.Y,
			Width:  resp.BoundingBox.Width,
			Height: resp.BoundingBox.Height,
		}
	}

	return result, nil
}

// CheckLiveness calls POST /biometrics/liveness/ with the ordered frame set
func (c *Client) CheckLiveness(ctx context.Context, frames []domain.Frame) (*domain.LivenessResult, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("check liveness: %w", ErrInvalidImage)
	}

	images := make([]string, 0, len(frames))
	for i, f := range frames {
		if f.Empty() {
			return nil, fmt.Errorf("check liveness: frame %d: %w", i, ErrInvalidImage)
		}
		images = append(images, encodeFrame(f))
	}

	var resp LivenessResponse
	if err := c.doRequest(ctx, http.MethodPost, pathLiveness, LivenessRequest{Images: images}, &resp); err != nil {
		return nil, fmt.Errorf("check liveness: %w", err)
	}

	return &domain.LivenessResult{
		IsLive:       resp.IsLive,
		OverallScore: clamp01(resp.OverallScore),
		Checks: domain.LivenessChecks{
			EyeBlink:        resp.EyeBlinkDetected,
			HeadMovement:    resp.HeadMovementDetected,
			TextureAnalysis: resp.TextureAnalysisPassed,
		},
	}, nil
}

// SubmitAttendance calls POST /attendance/mark_with_face/
func (c *Client) SubmitAttendance(ctx context.Context, frame domain.Frame, meta domain.SubmissionMetadata) (*domain.SubmissionOutcome, error) {
	if frame.Empty() {
		return nil, fmt.Errorf("submit attendance: %w", ErrInvalidImage)
	}

	req := MarkAttendanceRequest{
		Image:    encodeFrame(frame),
		Location: meta.Location,
	}

	var resp MarkAttendanceResponse
	if err := c.doRequest(ctx, http.MethodPost, pathMark, req, &resp); err != nil {
		return nil, fmt.Errorf("submit attendance: %w", err)
	}

	id := resp.RecordID()
	if id == "" || id == "null" {
		return nil, fmt.Errorf("submit attendance: %w: missing record id", ErrInvalidResponse)
	}

	return &domain.SubmissionOutcome{
		AttendanceRecordID: id,
		Date:               resp.Date,
		TimeIn:             resp.TimeIn,
		Status:             resp.Status,
		ConfidenceScore:    clamp01(resp.ConfidenceScore),
		Timestamp:          time.Now().UTC(),
	}, nil
}

// doRequest executes a single HTTP request and unwraps the response envelope
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	url := c.config.BaseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token := tokenFrom(ctx); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrServiceUnavailable, ctx.Err())
		}
		return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrServiceUnavailable, err)
	}

	if resp.StatusCode >= 400 {
		return newResponseError(resp.StatusCode, respBody)
	}

	return decodeEnvelope(resp.StatusCode, respBody, result)
}

func decodeEnvelope(status int, body []byte, result interface{}) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	if env.Success != nil && !*env.Success {
		return newResponseError(http.StatusUnprocessableEntity, body)
	}

	payload := body
	if len(env.Data) > 0 && string(env.Data) != "null" {
		payload = env.Data
	}

	if result == nil {
		return nil
	}

	if err := json.Unmarshal(payload, result); err != nil {
		return fmt.Errorf("%w: status %d: %v", ErrInvalidResponse, status, err)
	}

	return nil
}

func newResponseError(status int, body []byte) *ResponseError {
	var eb errorBody
	_ = json.Unmarshal(body, &eb)

	respErr := &ResponseError{
		StatusCode: status,
		Code:       eb.code(),
		Message:    eb.text(),
	}
	if respErr.Message == "" && len(body) > 0 && len(body) < 512 && !bytes.HasPrefix(bytes.TrimSpace(body), []byte("<")) {
		respErr.Message = strings.TrimSpace(string(body))
	}
	respErr.kind = classify(status, respErr.Code, respErr.Message)

	return respErr
}

// classify maps a rejected call onto the error taxonomy the session understands.
func classify(status int, code, message string) error {
	lower := strings.ToLower(message)

	switch {
	case status == http.StatusConflict,
		code == "DUPLICATE" || code == "DUPLICATE_ATTENDANCE" || code == "ALREADY_MARKED",
		strings.Contains(lower, "already marked"):
		return ErrDuplicate
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrUnauthorized
	case status >= 500:
		return ErrServiceUnavailable
	case code == "LOW_CONFIDENCE" || code == "NO_FACE_DETECTED" || code == "FACE_NOT_RECOGNIZED",
		strings.Contains(lower, "confidence"),
		strings.Contains(lower, "no face"),
		strings.Contains(lower, "not recognized"):
		return ErrLowConfidence
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout:
		return ErrServiceUnavailable
	default:
		return ErrInvalidImage
	}
}

// encodeFrame returns the bare base64 payload of a frame.
func encodeFrame(f domain.Frame) string {
	return base64.StdEncoding.EncodeToString(f.Data)
}

// DecodeImage accepts bare base64 or a data URL as produced by browser webcams.
func DecodeImage(s string) ([]byte, string, error) {
	contentType := ""
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		comma := strings.IndexByte(s, ',')
		if comma < 0 {
			return nil, "", fmt.Errorf("%w: malformed data url", ErrInvalidImage)
		}
		header := s[len("data:"):comma]
		contentType = strings.TrimSuffix(header, ";base64")
		s = s[comma+1:]
	}

	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(s)
	}
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: empty image", ErrInvalidImage)
	}

	return data, contentType, nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// IsDuplicate reports whether err means attendance was already recorded.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicate)
}
