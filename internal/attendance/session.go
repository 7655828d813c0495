// Package attendance implements the attendance capture session: face
// detection, the liveness challenge, confirmation and the single attendance
// submission, with reset and user-driven retry.
package attendance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/domain"
	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/liveness"
	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/recognition"
)

// Recognizer is the Recognition Service as seen by a session.
type Recognizer interface {
	DetectFace(ctx context.Context, frame domain.Frame) (*domain.DetectionResult, error)
	CheckLiveness(ctx context.Context, frames []domain.Frame) (*domain.LivenessResult, error)
	SubmitAttendance(ctx context.Context, frame domain.Frame, meta domain.SubmissionMetadata) (*domain.SubmissionOutcome, error)
}

// FrameSource produces still frames on demand.
type FrameSource interface {
	Capture(ctx context.Context) (domain.Frame, error)
}

// Thresholds are inclusive lower bounds.
type Thresholds struct {
	FaceConfidence float64
	Liveness       float64
	// LowConfidenceWarning only selects the wording of LOW_CONFIDENCE errors.
	LowConfidenceWarning float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		FaceConfidence:       0.8,
		Liveness:             0.7,
		LowConfidenceWarning: 0.6,
	}
}

func (t Thresholds) lowConfidenceError(confidence float64) *domain.AppError {
	pct := confidence * 100
	if confidence < t.LowConfidenceWarning {
		return domain.ErrLowConfidence.WithMessage(fmt.Sprintf("Low confidence (%.1f%%). Please try again.", pct))
	}
	return domain.ErrLowConfidence.WithMessage(fmt.Sprintf("Almost there (%.1f%%). Hold still and try again.", pct))
}

const defaultRequestTimeout = 10 * time.Second

type Options struct {
	// ID is generated when zero.
	ID         uuid.UUID
	Recognizer Recognizer
	Source     FrameSource
	Thresholds Thresholds
	Steps      []liveness.Step
	Location   string
	// Token is forwarded as the bearer credential on every recognition call.
	Token          string
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// Session is one user-visible attendance flow. All methods are safe for
// concurrent use. Subscribers must not call back into the session
// synchronously.
type Session struct {
	id         uuid.UUID
	recognizer Recognizer
	source     FrameSource
	thresholds Thresholds
	location   string
	token      string
	timeout    time.Duration
	logger     *slog.Logger
	engine     *liveness.Engine

	mu          sync.Mutex
	attemptID   uuid.UUID
	phase       domain.Phase
	busy        bool
	gen         uint64
	cancel      context.CancelFunc
	lastFrame   domain.Frame
	detection   *domain.DetectionResult
	liveness    *domain.LivenessResult
	outcome     *domain.SubmissionOutcome
	err         *domain.AppError
	failedFrom  domain.Phase
	retryCounts map[domain.Phase]int
	version     uint64
	dirty       bool
	updatedAt   time.Time
	subs        map[int]func(domain.Snapshot)
	nextSub     int

	emitMu  sync.Mutex
	emitted uint64
}

func New(opts Options) *Session {
	if opts.Thresholds == (Thresholds{}) {
		opts.Thresholds = DefaultThresholds()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	id := opts.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	return &Session{
		id:          id,
		recognizer:  opts.Recognizer,
		source:      opts.Source,
		thresholds:  opts.Thresholds,
		location:    opts.Location,
		token:       opts.Token,
		timeout:     opts.RequestTimeout,
		logger:      opts.Logger.With("component", "attendance", "session_id", id.String()),
		engine:      liveness.NewEngine(opts.Steps),
		attemptID:   uuid.New(),
		phase:       domain.PhaseIdle,
		retryCounts: make(map[domain.Phase]int),
		updatedAt:   time.Now().UTC(),
		subs:        make(map[int]func(domain.Snapshot)),
	}
}

func (s *Session) ID() uuid.UUID {
	return s.id
}

// Start moves Idle to Detecting and, with a source attached, captures the
// first frame.
func (s *Session) Start(ctx context.Context) domain.Snapshot {
	s.mu.Lock()
	if s.busy || s.phase != domain.PhaseIdle {
		return s.release()
	}

	s.setPhaseLocked(domain.PhaseDetecting)
	s.err = nil

	if s.source != nil {
		s.captureLocked(ctx)
	}
	return s.release()
}

// Capture pulls one frame from the attached source and handles it as
// OnFrameCaptured would. A source failure leaves the phase unchanged.
func (s *Session) Capture(ctx context.Context) domain.Snapshot {
	s.mu.Lock()
	if s.busy || !s.acceptsFramesLocked() {
		return s.release()
	}
	if s.source == nil {
		s.setErrLocked(domain.ErrNoCaptureSource)
		return s.release()
	}

	s.captureLocked(ctx)
	return s.release()
}

// OnFrameCaptured feeds a frame into the current phase. Frames are ignored
// while a recognition call is outstanding or outside Detecting and
// LivenessInProgress.
func (s *Session) OnFrameCaptured(ctx context.Context, frame domain.Frame) domain.Snapshot {
	return s.onFrame(ctx, -1, frame)
}

// OnStepFrameCaptured is OnFrameCaptured for a specific liveness step.
func (s *Session) OnStepFrameCaptured(ctx context.Context, step int, frame domain.Frame) domain.Snapshot {
	return s.onFrame(ctx, step, frame)
}

func (s *Session) onFrame(ctx context.Context, step int, frame domain.Frame) domain.Snapshot {
	s.mu.Lock()
	if s.busy || !s.acceptsFramesLocked() {
		return s.release()
	}

	s.frameLocked(ctx, step, frame)
	return s.release()
}

// Confirm issues the attendance submission. It is a no-op unless the
// session is Confirming, so repeated calls submit at most once.
func (s *Session) Confirm(ctx context.Context) domain.Snapshot {
	s.mu.Lock()
	if s.busy || s.phase != domain.PhaseConfirming || s.outcome != nil {
		return s.release()
	}

	if !s.detectionPassedLocked() || !s.livenessPassedLocked() {
		s.failLocked(domain.ErrInvalidTransition.WithMessage("Verification incomplete. Please start over."))
		return s.release()
	}

	s.setPhaseLocked(domain.PhaseSubmitting)
	s.err = nil

	frame := s.lastFrame
	meta := domain.SubmissionMetadata{Location: s.location}

	var outcome *domain.SubmissionOutcome
	current, err := s.call(ctx, func(ctx context.Context) error {
		var callErr error
		outcome, callErr = s.recognizer.SubmitAttendance(ctx, frame, meta)
		return callErr
	})
	if !current {
		return s.release()
	}

	switch {
	case err != nil:
		s.failLocked(toAppError(err))
	case outcome == nil:
		s.failLocked(domain.ErrServiceUnavailable.WithError(recognition.ErrInvalidResponse))
	default:
		s.outcome = outcome
		s.setPhaseLocked(domain.PhaseSucceeded)
		s.logger.Info("attendance recorded", "record_id", outcome.AttendanceRecordID)
	}

	return s.release()
}

// Retry re-arms the step that failed. After a transient submission failure
// it returns to Confirming; after a recoverable detection error it clears
// the error and recaptures when a source is attached. Duplicate and
// liveness failures need Reset.
func (s *Session) Retry(ctx context.Context) domain.Snapshot {
	s.mu.Lock()
	if s.busy || !s.canRetryLocked() {
		return s.release()
	}

	switch s.phase {
	case domain.PhaseFailed:
		s.retryCounts[domain.PhaseSubmitting]++
		s.err = nil
		s.failedFrom = ""
		s.setPhaseLocked(domain.PhaseConfirming)
	case domain.PhaseDetecting:
		s.retryCounts[domain.PhaseDetecting]++
		s.err = nil
		s.dirty = true
		if s.source != nil {
			s.captureLocked(ctx)
		}
	}

	return s.release()
}

// Reset returns to Idle from any phase, dropping every result and
// cancelling any outstanding call. Late responses are discarded.
func (s *Session) Reset() domain.Snapshot {
	s.mu.Lock()
	if s.pristineLocked() {
		return s.release()
	}

	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.busy = false
	s.engine.Stop()
	s.lastFrame = domain.Frame{}
	s.detection = nil
	s.liveness = nil
	s.outcome = nil
	s.err = nil
	s.failedFrom = ""
	s.retryCounts = make(map[domain.Phase]int)
	s.attemptID = uuid.New()
	s.setPhaseLocked(domain.PhaseIdle)

	return s.release()
}

func (s *Session) Snapshot() domain.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Subscribe registers fn for every snapshot change.
func (s *Session) Subscribe(fn func(domain.Snapshot)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

func (s *Session) acceptsFramesLocked() bool {
	return s.phase == domain.PhaseDetecting || s.phase == domain.PhaseLivenessInProgress
}

func (s *Session) captureLocked(ctx context.Context) {
	var frame domain.Frame
	current, err := s.call(ctx, func(ctx context.Context) error {
		var captureErr error
		frame, captureErr = s.source.Capture(ctx)
		return captureErr
	})
	if !current {
		return
	}
	if err != nil {
		s.logger.Warn("capture failed", "error", err)
		s.setErrLocked(deviceError(err))
		return
	}

	s.frameLocked(ctx, -1, frame)
}

func (s *Session) frameLocked(ctx context.Context, step int, frame domain.Frame) {
	if frame.Empty() {
		s.setErrLocked(domain.ErrInvalidImage.WithMessage("Captured frame is empty. Please try again."))
		return
	}

	switch s.phase {
	case domain.PhaseDetecting:
		s.detectLocked(ctx, frame)
	case domain.PhaseLivenessInProgress:
		s.livenessStepLocked(ctx, step, frame)
	}
}

func (s *Session) detectLocked(ctx context.Context, frame domain.Frame) {
	if s.err != nil {
		s.retryCounts[domain.PhaseDetecting]++
	}
	s.lastFrame = frame
	s.err = nil

	var result *domain.DetectionResult
	current, err := s.call(ctx, func(ctx context.Context) error {
		var callErr error
		result, callErr = s.recognizer.DetectFace(ctx, frame)
		return callErr
	})
	if !current {
		return
	}
	if err != nil {
		s.setErrLocked(toAppError(err))
		return
	}
	if result == nil {
		s.setErrLocked(domain.ErrServiceUnavailable.WithError(recognition.ErrInvalidResponse))
		return
	}

	s.detection = result
	s.dirty = true

	switch {
	case !result.FaceDetected:
		s.setErrLocked(domain.ErrNoFaceDetected)
	case result.Confidence < s.thresholds.FaceConfidence:
		s.setErrLocked(s.thresholds.lowConfidenceError(result.Confidence))
	case !result.HasEmbedding():
		s.setErrLocked(domain.ErrNoFaceDetected.WithMessage("Face detected but no usable face data. Please try again."))
	default:
		s.engine.Begin()
		s.setPhaseLocked(domain.PhaseLivenessInProgress)
		s.logger.Debug("face detected", "confidence", result.Confidence)
	}
}

func (s *Session) livenessStepLocked(ctx context.Context, step int, frame domain.Frame) {
	var (
		complete bool
		err      error
	)
	if step < 0 {
		complete, err = s.engine.SubmitStepFrame(frame)
	} else {
		complete, err = s.engine.SubmitStepFrameAt(step, frame)
	}
	switch {
	case errors.Is(err, liveness.ErrOutOfSequence):
		s.setErrLocked(domain.ErrOutOfSequence.WithError(err))
		return
	case err != nil:
		s.setErrLocked(domain.ErrInvalidTransition.WithError(err))
		return
	}

	s.lastFrame = frame
	s.err = nil
	s.dirty = true

	if !complete {
		return
	}

	if err := s.engine.MarkSubmitted(); err != nil {
		return
	}

	frames := s.engine.Frames()

	var result *domain.LivenessResult
	current, err := s.call(ctx, func(ctx context.Context) error {
		var callErr error
		result, callErr = s.recognizer.CheckLiveness(ctx, frames)
		return callErr
	})
	if !current {
		return
	}
	if err != nil {
		s.failLocked(toAppError(err))
		return
	}
	if result == nil {
		s.failLocked(domain.ErrServiceUnavailable.WithError(recognition.ErrInvalidResponse))
		return
	}

	s.liveness = result

	if !s.livenessPassedLocked() {
		s.failLocked(domain.ErrLivenessFailed.WithMessage(
			fmt.Sprintf("Liveness check failed (score %.1f%%). Please start over.", result.OverallScore*100)))
		return
	}
	if !s.detectionPassedLocked() {
		s.failLocked(domain.ErrNoFaceDetected.WithMessage("Face data is no longer valid. Please start over."))
		return
	}

	s.setPhaseLocked(domain.PhaseConfirming)
	s.logger.Debug("liveness passed", "score", result.OverallScore)
}

// call runs fn with the lock released and a per-call timeout. It returns
// false when the session was reset while fn ran; the caller must then leave
// state untouched.
func (s *Session) call(ctx context.Context, fn func(context.Context) error) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	if s.token != "" {
		ctx = recognition.WithToken(ctx, s.token)
	}

	gen := s.gen
	s.cancel = cancel
	s.busy = true
	s.dirty = true
	snap, changed := s.commitLocked()
	s.mu.Unlock()

	if changed {
		s.emit(snap)
	}

	err := fn(ctx)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	cancel()

	s.mu.Lock()
	if gen != s.gen {
		s.logger.Debug("discarding late response after reset", "error", err)
		return false, err
	}
	s.busy = false
	s.cancel = nil
	s.dirty = true
	return true, err
}

func (s *Session) detectionPassedLocked() bool {
	d := s.detection
	return d != nil && d.FaceDetected && d.Confidence >= s.thresholds.FaceConfidence && d.HasEmbedding()
}

func (s *Session) livenessPassedLocked() bool {
	l := s.liveness
	return l != nil && l.IsLive && l.OverallScore >= s.thresholds.Liveness
}

func (s *Session) canRetryLocked() bool {
	if s.err == nil {
		return false
	}
	switch s.phase {
	case domain.PhaseFailed:
		return s.failedFrom == domain.PhaseSubmitting && s.err.Retryable()
	case domain.PhaseDetecting:
		return s.err.Retryable()
	default:
		return false
	}
}

func (s *Session) pristineLocked() bool {
	return s.phase == domain.PhaseIdle && !s.busy && s.detection == nil && s.liveness == nil &&
		s.outcome == nil && s.err == nil && s.lastFrame.Empty() && len(s.retryCounts) == 0
}

func (s *Session) setPhaseLocked(p domain.Phase) {
	if s.phase != p {
		s.logger.Debug("phase transition", "from", s.phase, "to", p)
	}
	s.phase = p
	s.dirty = true
}

func (s *Session) setErrLocked(err *domain.AppError) {
	s.err = err
	s.dirty = true
}

func (s *Session) failLocked(err *domain.AppError) {
	s.failedFrom = s.phase
	s.err = err
	s.setPhaseLocked(domain.PhaseFailed)
	s.logger.Info("attendance attempt failed", "from", s.failedFrom, "code", err.Code, "error", err)
}

// commitLocked bumps the version when state changed since the last commit.
func (s *Session) commitLocked() (domain.Snapshot, bool) {
	changed := s.dirty
	if changed {
		s.version++
		s.updatedAt = time.Now().UTC()
		s.dirty = false
	}
	return s.snapshotLocked(), changed
}

// release commits, unlocks and notifies subscribers.
func (s *Session) release() domain.Snapshot {
	snap, changed := s.commitLocked()
	s.mu.Unlock()

	if changed {
		s.emit(snap)
	}
	return snap
}

// emit delivers snapshots in version order and drops stale ones.
func (s *Session) emit(snap domain.Snapshot) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	if snap.Version <= s.emitted {
		return
	}
	s.emitted = snap.Version

	s.mu.Lock()
	subs := make([]func(domain.Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}

func (s *Session) snapshotLocked() domain.Snapshot {
	snap := domain.Snapshot{
		SessionID: s.id,
		AttemptID: s.attemptID,
		Version:   s.version,
		Phase:     s.phase,
		Busy:      s.busy,
		Error:     s.err,
		CanRetry:  s.canRetryLocked(),
		UpdatedAt: s.updatedAt,
	}

	if s.detection != nil {
		d := *s.detection
		snap.Detection = &d
	}
	if s.liveness != nil {
		l := *s.liveness
		snap.Liveness = &l
	}
	if s.outcome != nil {
		o := *s.outcome
		snap.Outcome = &o
	}
	if len(s.retryCounts) > 0 {
		snap.RetryCounts = make(map[domain.Phase]int, len(s.retryCounts))
		for k, v := range s.retryCounts {
			snap.RetryCounts[k] = v
		}
	}

	if s.phase == domain.PhaseLivenessInProgress {
		snap.StepIndex = s.engine.StepIndex()
		snap.Steps = s.engine.Steps()
		if prompt, err := s.engine.CurrentPrompt(); err == nil {
			snap.Prompt = prompt
		}
	}

	return snap
}

// toAppError converts a recognition failure into the session error taxonomy.
func toAppError(err error) *domain.AppError {
	var appErr *domain.AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	switch {
	case recognition.IsDuplicate(err):
		return domain.ErrDuplicateAttendance.WithError(err)
	case errors.Is(err, recognition.ErrLowConfidence):
		return domain.ErrLowConfidence.WithError(err)
	case errors.Is(err, recognition.ErrInvalidImage):
		return domain.ErrInvalidImage.WithError(err)
	case errors.Is(err, recognition.ErrUnauthorized):
		return domain.ErrUnauthorized.WithError(err)
	default:
		return domain.ErrServiceUnavailable.WithError(err)
	}
}

func deviceError(err error) *domain.AppError {
	var appErr *domain.AppError
	if errors.As(err, &appErr) && appErr.Kind == domain.KindDevice {
		return appErr
	}
	return domain.ErrDeviceUnavailable.WithError(err)
}
