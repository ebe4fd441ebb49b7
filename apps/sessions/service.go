// Package sessions tracks when agents are online. A user is online while
// an unclosed live session exists.
package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/getevo/evo/v2/lib/log"
	"github.com/google/uuid"
	"github.com/iesreza/homa-inbox/apps/auth"
	"github.com/iesreza/homa-inbox/apps/models"
	"github.com/iesreza/homa-inbox/lib/events"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Config holds presence settings
type Config struct {
	// StaleAfter closes sessions whose last heartbeat is older
	StaleAfter time.Duration
}

// Client describes the device a session was opened from
type Client struct {
	IPAddress  string
	UserAgent  string
	DeviceInfo map[string]any
}

// SessionView is a live session with its derived duration
type SessionView struct {
	models.LiveSession
	DurationSeconds int64 `json:"duration_seconds"`
}

// Presence is the payload of presence-changed events
type Presence struct {
	UserID uuid.UUID `json:"user_id"`
	Online bool      `json:"online"`
	Reason string    `json:"reason,omitempty"`
}

// Service opens and closes live sessions. Socket counts are kept per
// process so a session survives while any local socket of the user is open.
type Service struct {
	db        *gorm.DB
	publisher events.Publisher
	config    Config
	now       func() time.Time

	mu      sync.Mutex
	sockets map[uuid.UUID]int
}

func NewService(conn *gorm.DB, publisher events.Publisher, config Config) *Service {
	if publisher == nil {
		publisher = events.Nop
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = 5 * time.Minute
	}
	return &Service{
		db:        conn,
		publisher: publisher,
		config:    config,
		now:       func() time.Time { return time.Now().UTC() },
		sockets:   make(map[uuid.UUID]int),
	}
}

// Connect registers a socket. The first socket of a user opens a session.
func (s *Service) Connect(ctx context.Context, tenantID uint, userID uuid.UUID, client Client) (*models.LiveSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, _, err := s.open(ctx, tenantID, userID, client)
	if err != nil {
		return nil, err
	}
	s.sockets[userID]++
	return session, nil
}

// Disconnect unregisters a socket. The last socket closes the session.
func (s *Service) Disconnect(ctx context.Context, tenantID uint, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sockets[userID] > 1 {
		s.sockets[userID]--
		return nil
	}
	delete(s.sockets, userID)
	_, err := s.close(ctx, tenantID, userID, models.SessionCloseDisconnect)
	return err
}

// Heartbeat keeps the user's session alive, reopening one if a sweep or
// another instance closed it
func (s *Service) Heartbeat(ctx context.Context, tenantID uint, userID uuid.UUID, client Client) (*models.LiveSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, _, err := s.open(ctx, tenantID, userID, client)
	return session, err
}

// GoOffline closes the user's sessions on request. Open sockets stay
// connected but the user no longer counts as online until a heartbeat.
func (s *Service) GoOffline(ctx context.Context, tenantID uint, userID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.close(ctx, tenantID, userID, models.SessionCloseOffline)
}

func (s *Service) open(ctx context.Context, tenantID uint, userID uuid.UUID, client Client) (*models.LiveSession, bool, error) {
	conn := s.db.WithContext(ctx)
	now := s.now()

	var session models.LiveSession
	err := conn.Where("tenant_id = ? AND user_id = ? AND closed_at IS NULL", tenantID, userID).
		Order("id DESC").First(&session).Error
	if err == nil {
		if err := conn.Model(&models.LiveSession{}).Where("id = ?", session.ID).Update("last_seen_at", now).Error; err != nil {
			return nil, false, err
		}
		session.LastSeenAt = now
		return &session, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	session = models.LiveSession{
		TenantID:   tenantID,
		UserID:     userID,
		IPAddress:  client.IPAddress,
		UserAgent:  client.UserAgent,
		StartedAt:  now,
		LastSeenAt: now,
	}
	if len(client.DeviceInfo) > 0 {
		if raw, err := json.Marshal(client.DeviceInfo); err == nil {
			session.DeviceInfo = datatypes.JSON(raw)
		}
	}
	if err := conn.Create(&session).Error; err != nil {
		return nil, false, err
	}

	s.publish(ctx, tenantID, Presence{UserID: userID, Online: true})
	return &session, true, nil
}

func (s *Service) close(ctx context.Context, tenantID uint, userID uuid.UUID, reason string) (int64, error) {
	result := s.db.WithContext(ctx).Model(&models.LiveSession{}).
		Where("tenant_id = ? AND user_id = ? AND closed_at IS NULL", tenantID, userID).
		Updates(map[string]interface{}{"closed_at": s.now(), "close_reason": reason})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		s.publish(ctx, tenantID, Presence{UserID: userID, Online: false, Reason: reason})
	}
	return result.RowsAffected, nil
}

// SweepStale closes sessions without a heartbeat within StaleAfter
func (s *Service) SweepStale(ctx context.Context) (int, error) {
	conn := s.db.WithContext(ctx)
	now := s.now()
	cutoff := now.Add(-s.config.StaleAfter)

	var stale []models.LiveSession
	if err := conn.Where("closed_at IS NULL AND last_seen_at < ?", cutoff).Find(&stale).Error; err != nil {
		return 0, err
	}

	closed := 0
	for _, session := range stale {
		// the heartbeat may have landed since the read
		result := conn.Model(&models.LiveSession{}).
			Where("id = ? AND closed_at IS NULL AND last_seen_at < ?", session.ID, cutoff).
			Updates(map[string]interface{}{"closed_at": now, "close_reason": models.SessionCloseStale})
		if result.Error != nil {
			return closed, result.Error
		}
		if result.RowsAffected == 0 {
			continue
		}
		closed++
		s.publish(ctx, session.TenantID, Presence{UserID: session.UserID, Online: false, Reason: models.SessionCloseStale})
	}
	if closed > 0 {
		log.Info("sessions: closed %d stale sessions", closed)
	}
	return closed, nil
}

// WithTx returns a reader bound to tx for checks inside assignment
// transactions. Only the read methods may be used on it.
func (s *Service) WithTx(tx *gorm.DB) *Service {
	return &Service{db: tx, publisher: s.publisher, config: s.config, now: s.now}
}

// IsOnline reports whether the user has an open session
func (s *Service) IsOnline(ctx context.Context, tenantID uint, userID uuid.UUID) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.LiveSession{}).
		Where("tenant_id = ? AND user_id = ? AND closed_at IS NULL", tenantID, userID).
		Count(&n).Error
	return n > 0, err
}

// OnlineUsers lists the ids of the tenant's users that are online
func (s *Service) OnlineUsers(ctx context.Context, tenantID uint) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.db.WithContext(ctx).Model(&models.LiveSession{}).
		Where("tenant_id = ? AND closed_at IS NULL", tenantID).
		Distinct("user_id").
		Order("user_id ASC").
		Pluck("user_id", &ids).Error
	return ids, err
}

// ActiveAgents returns the online agents of the tenant that take new
// work, ordered by id so rotation is stable
func (s *Service) ActiveAgents(ctx context.Context, tenantID uint) ([]auth.User, error) {
	var agents []auth.User
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND type IN ? AND assignments_paused = ?", tenantID,
			[]string{auth.UserTypeAgent, auth.UserTypeAdministrator}, false).
		Where("id IN (?)", s.db.Model(&models.LiveSession{}).
			Select("user_id").
			Where("tenant_id = ? AND closed_at IS NULL", tenantID)).
		Order("id ASC").
		Find(&agents).Error
	return agents, err
}

// History lists the user's sessions, newest first, with durations
func (s *Service) History(ctx context.Context, tenantID uint, userID uuid.UUID, limit int) ([]SessionView, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var sessions []models.LiveSession
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND user_id = ?", tenantID, userID).
		Order("started_at DESC").Order("id DESC").
		Limit(limit).
		Find(&sessions).Error
	if err != nil {
		return nil, err
	}

	now := s.now()
	views := make([]SessionView, 0, len(sessions))
	for _, session := range sessions {
		views = append(views, SessionView{
			LiveSession:     session,
			DurationSeconds: int64(session.Duration(now) / time.Second),
		})
	}
	return views, nil
}

func (s *Service) publish(ctx context.Context, tenantID uint, presence Presence) {
	err := s.publisher.Publish(ctx, events.Event{
		Type:     events.TypePresenceChanged,
		TenantID: tenantID,
		Data:     presence,
		At:       s.now(),
	})
	if err != nil {
		log.Warning("sessions: failed to publish presence of %s: %v", presence.UserID, err)
	}
}
