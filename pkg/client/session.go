package client

import (
	"encoding/json"
	"fmt"

	"github.com/jonboulle/clockwork"

	"gitlab.com/voxline/services/backend/internal/models"
)

// SessionOptions configures a Session.
type SessionOptions struct {
	Connection Options
	Store      StoreOptions

	// OnNotification is called after a notification is added to the store.
	OnNotification func(models.NotificationRecord)
	// OnAuthFailure is called after the store has been cleared.
	OnAuthFailure func()
}

// Session is one dashboard's live state: its connection and its
// notification list. Create one per login.
type Session struct {
	manager       *Manager
	notifications *NotificationStore
	onNotify      func(models.NotificationRecord)
	onAuthFailure func()
}

func NewSession(opts SessionOptions) *Session {
	if opts.Store.Clock == nil {
		opts.Store.Clock = opts.Connection.Clock
	}
	if opts.Store.Clock == nil {
		opts.Store.Clock = clockwork.NewRealClock()
	}

	s := &Session{
		notifications: NewNotificationStore(opts.Store),
		onNotify:      opts.OnNotification,
		onAuthFailure: opts.OnAuthFailure,
	}

	conn := opts.Connection
	userMessage := conn.OnMessage
	conn.OnMessage = func(msg models.WSMessage) {
		s.handleMessage(msg)
		if userMessage != nil {
			userMessage(msg)
		}
	}
	userAuth := conn.OnAuthFailure
	conn.OnAuthFailure = func() {
		s.notifications.Clear()
		if userAuth != nil {
			userAuth()
		}
		if s.onAuthFailure != nil {
			s.onAuthFailure()
		}
	}
	s.manager = NewManager(conn)
	return s
}

// Start connects. It blocks for the first dial only.
func (s *Session) Start() {
	s.manager.Connect()
}

func (s *Session) Manager() *Manager {
	return s.manager
}

func (s *Session) Notifications() *NotificationStore {
	return s.notifications
}

// Close disconnects and stops notification expiry.
func (s *Session) Close() {
	s.manager.Close()
	s.notifications.Close()
}

func (s *Session) handleMessage(msg models.WSMessage) {
	var rec models.NotificationRecord

	switch msg.Type {
	case models.MsgCallEvent:
		var evt models.CallEvent
		if err := json.Unmarshal(msg.Content, &evt); err != nil {
			log.WithError(err).Warn("Failed to decode call event")
			return
		}
		rec = NotificationForCall(evt)

	case models.MsgNotification:
		if err := json.Unmarshal(msg.Content, &rec); err != nil {
			log.WithError(err).Warn("Failed to decode notification")
			return
		}

	case models.MsgError:
		log.Warnf("Server reported error: %s", string(msg.Content))
		return

	default:
		return
	}

	rec = s.notifications.Push(rec)
	if s.onNotify != nil {
		s.onNotify(rec)
	}
}

// NotificationForCall renders a call event as a dashboard notification.
func NotificationForCall(evt models.CallEvent) models.NotificationRecord {
	typ := models.NotificationInfo
	switch evt.Status {
	case models.StatusCompleted:
		typ = models.NotificationSuccess
	case models.StatusFailed, models.StatusBusy:
		typ = models.NotificationError
	case models.StatusNoAnswer, models.StatusCanceled:
		typ = models.NotificationWarning
	}

	message := evt.ExternalCallID
	if evt.From != "" || evt.To != "" {
		message = fmt.Sprintf("%s → %s (%s)", evt.From, evt.To, evt.ExternalCallID)
	}

	return models.NotificationRecord{
		Type:      typ,
		Title:     fmt.Sprintf("%s call %s", directionLabel(evt.Direction), evt.Status),
		Message:   message,
		Timestamp: evt.Timestamp,
	}
}

func directionLabel(d models.CallDirection) string {
	if d == models.DirectionOutbound {
		return "Outbound"
	}
	return "Inbound"
}
