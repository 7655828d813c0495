// Package kiosk owns the live attendance sessions of one kiosk process: it
// hands out the shared camera, expires abandoned sessions and fans every
// session snapshot out to the UI hub, the audit log, the attempt journal and
// the realtime channel.
package kiosk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/attendance"
	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/audit"
	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/capture"
	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/domain"
	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/liveness"
	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/realtime"
	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/ws"
)

// Recorder persists terminal attempts.
type Recorder interface {
	Record(ctx context.Context, attempt *domain.Attempt) error
}

// Publisher pushes events to kiosk UIs.
type Publisher interface {
	Publish(sessionID uuid.UUID, eventType ws.EventType, data interface{})
	PublishAll(eventType ws.EventType, data interface{})
}

// Realtime is the backend event channel.
type Realtime interface {
	State() realtime.State
	SetIdentity(token string)
	ClearIdentity()
	SendEvent(eventType realtime.EventType, payload interface{}) bool
	SendSystemAlert(message string, level realtime.AlertLevel) bool
	Subscribe(eventType realtime.EventType, handler realtime.Handler) (unsubscribe func())
	OnStateChange(fn func(realtime.State)) (unsubscribe func())
}

type Config struct {
	Thresholds     attendance.Thresholds
	Steps          []liveness.Step
	Location       string
	RequestTimeout time.Duration
	SessionTTL     time.Duration
	RecordTimeout  time.Duration
}

type Dependencies struct {
	Recognizer attendance.Recognizer
	// Device is the shared camera; nil when frames only arrive over the API.
	Device   *capture.Device
	Hub      Publisher
	Audit    audit.Logger
	Recorder Recorder
	Realtime Realtime
	Logger   *slog.Logger
}

type CreateOptions struct {
	Location  string
	UseDevice bool
}

type entry struct {
	session     *attendance.Session
	identity    domain.Identity
	location    string
	lease       *capture.Lease
	unsubscribe func()
	// client that created the session, stamped on audits without one
	client audit.Client

	// guarded by Manager.mu
	lastSeen time.Time

	// only touched from the session's emit path, which is serialized
	lastPhase     domain.Phase
	lastAttempt   uuid.UUID
	deviceAlerted bool
}

type Manager struct {
	cfg      Config
	deps     Dependencies
	logger   *slog.Logger
	now      func() time.Time
	stopOnce sync.Once
	stops    []func()

	mu       sync.Mutex
	sessions map[uuid.UUID]*entry
}

func NewManager(cfg Config, deps Dependencies) *Manager {
	if cfg.RecordTimeout <= 0 {
		cfg.RecordTimeout = 5 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Audit == nil {
		deps.Audit = &audit.NoOpLogger{}
	}

	m := &Manager{
		cfg:      cfg,
		deps:     deps,
		logger:   deps.Logger.With("component", "kiosk"),
		now:      time.Now,
		sessions: make(map[uuid.UUID]*entry),
	}

	if deps.Realtime != nil {
		m.stops = append(m.stops,
			deps.Realtime.Subscribe(realtime.EventAttendanceMarked, m.onAttendanceMarked),
			deps.Realtime.OnStateChange(m.onRealtimeState),
		)
	}

	return m
}

// Create registers a session for identity and starts it. With UseDevice the
// session takes the shared camera and captures its first frame immediately.
func (m *Manager) Create(ctx context.Context, identity domain.Identity, opts CreateOptions) (*attendance.Session, error) {
	location := opts.Location
	if location == "" {
		location = m.cfg.Location
	}

	id := uuid.New()

	var (
		lease  *capture.Lease
		source attendance.FrameSource
	)
	if opts.UseDevice {
		if m.deps.Device == nil {
			return nil, domain.ErrNoCaptureSource
		}
		l, err := m.deps.Device.Acquire(id.String())
		if err != nil {
			return nil, err
		}
		lease, source = l, l
	}

	session := attendance.New(attendance.Options{
		ID:             id,
		Recognizer:     m.deps.Recognizer,
		Source:         source,
		Thresholds:     m.cfg.Thresholds,
		Steps:          m.cfg.Steps,
		Location:       location,
		Token:          identity.Token,
		RequestTimeout: m.cfg.RequestTimeout,
		Logger:         m.deps.Logger,
	})

	e := &entry{
		session:   session,
		identity:  identity,
		location:  location,
		lease:     lease,
		lastSeen:  m.now(),
		lastPhase: domain.PhaseIdle,
	}
	e.client, _ = audit.ClientFrom(ctx)
	e.lastAttempt = session.Snapshot().AttemptID
	e.unsubscribe = session.Subscribe(func(snap domain.Snapshot) { m.onSnapshot(e, snap) })

	m.mu.Lock()
	m.sessions[session.ID()] = e
	m.mu.Unlock()

	m.logger.Info("session created",
		"session_id", session.ID().String(),
		"user_id", identity.UserID,
		"location", location,
		"use_device", opts.UseDevice,
	)

	session.Start(ctx)
	return session, nil
}

// Get returns the session if identity may drive it. Sessions of other users
// are reported as missing unless identity is staff.
func (m *Manager) Get(id uuid.UUID, identity domain.Identity) (*attendance.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[id]
	if !ok || (e.identity.UserID != identity.UserID && !identity.IsStaff()) {
		return nil, domain.ErrSessionNotFound
	}

	e.lastSeen = m.now()
	return e.session, nil
}

// Snapshot returns the current state of a live session without an
// ownership check; callers authorize first.
func (m *Manager) Snapshot(id uuid.UUID) (domain.Snapshot, bool) {
	m.mu.Lock()
	e, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return domain.Snapshot{}, false
	}
	return e.session.Snapshot(), true
}

// List returns the caller's sessions, sorted by id.
func (m *Manager) List(identity domain.Identity) []domain.Snapshot {
	m.mu.Lock()
	sessions := make([]*attendance.Session, 0, len(m.sessions))
	for _, e := range m.sessions {
		if e.identity.UserID == identity.UserID || identity.IsStaff() {
			sessions = append(sessions, e.session)
		}
	}
	m.mu.Unlock()

	snaps := make([]domain.Snapshot, 0, len(sessions))
	for _, s := range sessions {
		snaps = append(snaps, s.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].SessionID.String() < snaps[j].SessionID.String()
	})
	return snaps
}

// Remove is the user navigating away: any in-flight work is cancelled and its
// result discarded, the camera is released and the session forgotten.
func (m *Manager) Remove(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	e, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return domain.ErrSessionNotFound
	}

	e.session.Reset()
	e.unsubscribe()
	if e.lease != nil {
		e.lease.Release()
	}

	m.audit(ctx, e, audit.Event{
		EventType: audit.EventSessionClosed,
		Phase:     string(domain.PhaseIdle),
		Success:   true,
	})

	m.logger.Info("session removed", "session_id", id.String(), "user_id", e.identity.UserID)
	return nil
}

// Len is the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) SetRealtimeIdentity(token string) error {
	if m.deps.Realtime == nil {
		return fmt.Errorf("realtime channel not configured")
	}
	m.deps.Realtime.SetIdentity(token)
	return nil
}

func (m *Manager) ClearRealtimeIdentity() {
	if m.deps.Realtime != nil {
		m.deps.Realtime.ClearIdentity()
	}
}

func (m *Manager) RealtimeState() realtime.State {
	if m.deps.Realtime == nil {
		return realtime.StateDisconnected
	}
	return m.deps.Realtime.State()
}

// Close removes every session and detaches from the realtime channel.
func (m *Manager) Close(ctx context.Context) {
	m.stopOnce.Do(func() {
		for _, stop := range m.stops {
			stop()
		}
	})

	m.mu.Lock()
	ids := make([]uuid.UUID, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		_ = m.Remove(ctx, id)
	}
}

// expired returns the sessions nobody touched for longer than ttl.
func (m *Manager) expired(now time.Time, ttl time.Duration) []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []uuid.UUID
	for id, e := range m.sessions {
		if now.Sub(e.lastSeen) > ttl {
			ids = append(ids, id)
		}
	}
	return ids
}

func (m *Manager) onSnapshot(e *entry, snap domain.Snapshot) {
	if m.deps.Hub != nil {
		m.deps.Hub.Publish(snap.SessionID, ws.EventSessionSnapshot, snap)
	}
	m.alertDeviceError(e, snap)

	if snap.AttemptID == e.lastAttempt && snap.Phase == e.lastPhase {
		return
	}
	prevAttempt := e.lastAttempt
	e.lastPhase, e.lastAttempt = snap.Phase, snap.AttemptID

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RecordTimeout)
	defer cancel()

	if snap.AttemptID != prevAttempt {
		m.audit(ctx, e, audit.Event{
			AttemptID: prevAttempt,
			EventType: audit.EventSessionReset,
			Phase:     string(snap.Phase),
			Success:   true,
		})
		return
	}

	if evt, ok := phaseEvent(snap); ok {
		evt.AttemptID = snap.AttemptID
		m.audit(ctx, e, evt)
	}

	if !snap.Phase.Terminal() {
		return
	}

	if m.deps.Recorder != nil {
		attempt := domain.NewAttempt(snap, e.identity.UserID, e.location)
		if err := m.deps.Recorder.Record(ctx, attempt); err != nil {
			m.logger.Error("failed to record attempt",
				"session_id", snap.SessionID.String(),
				"attempt_id", snap.AttemptID.String(),
				"error", err,
			)
		}
	}

	if snap.Phase == domain.PhaseSucceeded && m.deps.Realtime != nil && snap.Outcome != nil {
		m.deps.Realtime.SendEvent(realtime.EventAttendanceMarked, realtime.AttendanceMarked{
			RecordID:  domain.ExternalID(snap.Outcome.AttendanceRecordID),
			UserID:    domain.ExternalID(e.identity.UserID),
			SessionID: snap.SessionID.String(),
			Location:  e.location,
			Status:    snap.Outcome.Status,
			MarkedAt:  realtime.Timestamp{Time: snap.Outcome.Timestamp},
		})
	}
}

// alertDeviceError raises one system_alert each time a session starts
// reporting the camera as unavailable.
func (m *Manager) alertDeviceError(e *entry, snap domain.Snapshot) {
	if snap.Error == nil || !snap.Error.Is(domain.ErrDeviceUnavailable) {
		e.deviceAlerted = false
		return
	}
	if e.deviceAlerted || m.deps.Realtime == nil {
		return
	}
	e.deviceAlerted = true

	if !m.deps.Realtime.SendSystemAlert(fmt.Sprintf("Camera unavailable at %s", e.location), realtime.AlertError) {
		m.logger.Warn("device alert not sent", "session_id", snap.SessionID.String(), "location", e.location)
	}
}

func phaseEvent(snap domain.Snapshot) (audit.Event, bool) {
	evt := audit.Event{Phase: string(snap.Phase), Success: true}

	switch snap.Phase {
	case domain.PhaseDetecting:
		evt.EventType = audit.EventSessionStarted
	case domain.PhaseLivenessInProgress:
		evt.EventType = audit.EventFaceDetected
		if snap.Detection != nil {
			evt.Metadata = map[string]string{"confidence": fmt.Sprintf("%.3f", snap.Detection.Confidence)}
		}
	case domain.PhaseConfirming:
		evt.EventType = audit.EventLivenessChecked
		if snap.Liveness != nil {
			evt.Metadata = map[string]string{"score": fmt.Sprintf("%.3f", snap.Liveness.OverallScore)}
		}
	case domain.PhaseSucceeded:
		evt.EventType = audit.EventAttendanceSubmitted
		if snap.Outcome != nil {
			evt.Metadata = map[string]string{"record_id": snap.Outcome.AttendanceRecordID}
		}
	case domain.PhaseFailed:
		evt.EventType = audit.EventAttemptFailed
		evt.Success = false
		if snap.Error != nil {
			evt.ErrorCode = snap.Error.Code
			evt.Error = snap.Error.Message
		}
	default:
		return audit.Event{}, false
	}

	return evt, true
}

func (m *Manager) audit(ctx context.Context, e *entry, evt audit.Event) {
	evt.SessionID = e.session.ID()
	evt.UserID = e.identity.UserID
	client := e.client
	if c, ok := audit.ClientFrom(ctx); ok {
		client = c
	}
	client.Apply(&evt)
	if err := m.deps.Audit.Log(ctx, evt); err != nil {
		m.logger.Warn("failed to write audit event", "event_type", evt.EventType, "error", err)
	}
}

// onAttendanceMarked tells the user's other open sessions that attendance
// was recorded somewhere else.
func (m *Manager) onAttendanceMarked(evt realtime.Event) {
	var payload realtime.AttendanceMarked
	if err := json.Unmarshal(evt.Data, &payload); err != nil {
		m.logger.Warn("malformed attendance_marked payload", "error", err)
		return
	}

	subject := payload.Subject()
	if subject == "" || m.deps.Hub == nil {
		return
	}

	m.mu.Lock()
	var targets []uuid.UUID
	for id, e := range m.sessions {
		if e.identity.UserID == subject && id.String() != payload.SessionID {
			targets = append(targets, id)
		}
	}
	m.mu.Unlock()

	for _, id := range targets {
		m.deps.Hub.Publish(id, ws.EventAttendanceMarkedElsewhere, payload)
	}
}

func (m *Manager) onRealtimeState(state realtime.State) {
	if m.deps.Hub != nil {
		m.deps.Hub.PublishAll(ws.EventRealtimeStatus, map[string]string{"state": string(state)})
	}
}
