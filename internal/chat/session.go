package chat

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/studiolink/chat-backend/internal/models"
	"github.com/studiolink/chat-backend/internal/upload"
)

// SessionManager creates and tracks live chat sessions. A user has at most
// one live session: opening a conversation tears the previous session down
// (store, presence and change-feed subscription) before the new one
// subscribes, so there is never a dual-subscription leak.
type SessionManager struct {
	mu sync.Mutex

	persist   Persistence
	bus       Broadcaster
	uploads   *upload.Pipeline
	typingTTL time.Duration
	loc       *time.Location

	sessions map[string]*Session   // userID -> live session
	dirs     map[string]*Directory // userID -> conversation directory
}

// NewSessionManager wires the collaborators together. typingTTL of zero
// selects DefaultTypingTTL.
func NewSessionManager(persist Persistence, bus Broadcaster, uploads *upload.Pipeline, typingTTL time.Duration) *SessionManager {
	return &SessionManager{
		persist:   persist,
		bus:       bus,
		uploads:   uploads,
		typingTTL: typingTTL,
		loc:       time.Local,
		sessions:  make(map[string]*Session),
		dirs:      make(map[string]*Directory),
	}
}

// DirectoryFor returns the user's conversation directory, creating it on
// first use.
func (m *SessionManager) DirectoryFor(userID string) *Directory {
	m.mu.Lock()
	defer m.mu.Unlock()
	dir, ok := m.dirs[userID]
	if !ok {
		dir = NewDirectory(m.persist, userID)
		m.dirs[userID] = dir
	}
	return dir
}

// Open binds the current user to a conversation: one message store, one
// presence tracker and one change-feed subscription. Any previous session
// for the same user is closed first.
func (m *SessionManager) Open(ctx context.Context, ident Identity, conversationID string) (*Session, error) {
	user, err := ident.CurrentUser()
	if err != nil {
		return nil, err
	}
	if user == nil || user.ID == "" {
		return nil, ErrUnauthenticated
	}

	m.mu.Lock()
	prev := m.sessions[user.ID]
	delete(m.sessions, user.ID)
	m.mu.Unlock()
	if prev != nil {
		prev.Close()
	}

	sess := &Session{
		User:           *user,
		ConversationID: conversationID,
		mgr:            m,
		dir:            m.DirectoryFor(user.ID),
		store:          NewStore(m.persist, *user, conversationID),
	}

	presence, err := NewPresence(m.bus, conversationID, user.DisplayName, m.typingTTL)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	sess.presence = presence

	cancel, err := m.persist.Subscribe(conversationID, sess.handleChange)
	if err != nil {
		presence.Close()
		return nil, fmt.Errorf("open session: %w", err)
	}
	sess.feedCancel = cancel

	// Load after subscribing so nothing falls between history and feed;
	// the merge drops any overlap.
	if err := sess.store.Load(ctx); err != nil {
		sess.Close()
		return nil, err
	}

	m.mu.Lock()
	if cur := m.sessions[user.ID]; cur != nil {
		// A concurrent Open for the same user won the registration race.
		m.mu.Unlock()
		sess.Close()
		return nil, fmt.Errorf("open session: superseded by a newer session")
	}
	m.sessions[user.ID] = sess
	m.mu.Unlock()

	log.Printf("[Session] Opened conversation %s for user %s", conversationID, user.ID)
	return sess, nil
}

// ActiveSessions reports the number of live sessions.
func (m *SessionManager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *SessionManager) release(sess *Session) {
	m.mu.Lock()
	if m.sessions[sess.User.ID] == sess {
		delete(m.sessions, sess.User.ID)
	}
	m.mu.Unlock()
}

// Session is one user's live binding to one conversation: composer
// actions, the rendered timeline and typing presence.
type Session struct {
	User           models.User
	ConversationID string

	mgr      *SessionManager
	dir      *Directory
	store    *Store
	presence *Presence

	feedCancel func()
	closeOnce  sync.Once
}

// OnEvent registers a callback fired whenever the timeline or the typing
// set changes. Register before driving traffic through the session.
func (s *Session) OnEvent(fn func()) {
	s.store.SetOnChange(fn)
	s.presence.SetOnChange(fn)
}

// handleChange feeds the change feed into the store's reconciler and bumps
// the directory ordering on new activity.
func (s *Session) handleChange(ev models.ChangeEvent) {
	s.store.MergeRemote(ev)
	if ev.Type == models.ChangeInsert {
		s.dir.Bump(s.ConversationID, ev.Message.CreatedAt)
	}
}

// SendText sends a text message.
func (s *Session) SendText(ctx context.Context, content string) (*models.LocalMessage, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: empty message", ErrSendFailed)
	}
	msg, err := s.store.Send(ctx, content)
	if msg != nil && err == nil {
		s.dir.Bump(s.ConversationID, msg.CreatedAt)
	}
	return msg, err
}

// SendAttachment routes a file through the upload pipeline and sends the
// resulting file message. The explicit attach button and drag-and-drop
// both land here, so the two entry points cannot diverge in validation or
// behavior.
func (s *Session) SendAttachment(ctx context.Context, f upload.File) (*models.LocalMessage, error) {
	res, err := s.mgr.uploads.Submit(ctx, f, s.ConversationID, s.User.ID)
	if err != nil {
		return nil, err
	}
	msg, err := s.store.SendFile(ctx, placeholderFor(res.Kind), res.Kind, &res.File)
	if msg != nil && err == nil {
		s.dir.Bump(s.ConversationID, msg.CreatedAt)
	}
	return msg, err
}

// SendFileRef sends a file message for an attachment the upload pipeline
// has already validated and stored (the gateway's upload endpoint returns
// the reference; the client then sends the message referencing it).
func (s *Session) SendFileRef(ctx context.Context, kind models.MessageKind, file models.FileRef) (*models.LocalMessage, error) {
	msg, err := s.store.SendFile(ctx, placeholderFor(kind), kind, &file)
	if msg != nil && err == nil {
		s.dir.Bump(s.ConversationID, msg.CreatedAt)
	}
	return msg, err
}

// Edit changes one of the user's own messages.
func (s *Session) Edit(ctx context.Context, messageID, content string) error {
	return s.store.Edit(ctx, messageID, content)
}

// Delete removes one of the user's own messages.
func (s *Session) Delete(ctx context.Context, messageID string) error {
	return s.store.Delete(ctx, messageID)
}

// Retry re-submits a failed send.
func (s *Session) Retry(ctx context.Context, messageID string) (*models.LocalMessage, error) {
	return s.store.Retry(ctx, messageID)
}

// SetTyping broadcasts the user's typing state.
func (s *Session) SetTyping(ctx context.Context, typing bool) error {
	return s.presence.SetTyping(ctx, typing)
}

// MarkRead advances the user's last-read marker for this conversation.
func (s *Session) MarkRead(ctx context.Context, at time.Time) error {
	return s.dir.MarkRead(ctx, s.ConversationID, at)
}

// Messages returns the ordered message snapshot.
func (s *Session) Messages() []models.LocalMessage {
	return s.store.Messages()
}

// Timeline returns the rendered projection: date dividers plus messages
// with avatar visibility.
func (s *Session) Timeline() []TimelineItem {
	return BuildTimeline(s.store.Messages(), s.mgr.loc)
}

// TypingUsers returns the labels of currently-typing peers.
func (s *Session) TypingUsers() []string {
	return s.presence.TypingUsers()
}

// Close tears the session down: change feed first, then presence timers,
// then the store. Late completions against the closed store are discarded.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.feedCancel != nil {
			s.feedCancel()
		}
		s.presence.Close()
		s.store.Close()
		s.mgr.release(s)
		log.Printf("[Session] Closed conversation %s for user %s", s.ConversationID, s.User.ID)
	})
}

// placeholderFor is the human-readable content stored for file messages.
func placeholderFor(kind models.MessageKind) string {
	switch kind {
	case models.KindImage:
		return "Shared an image"
	case models.KindAudio:
		return "Shared an audio file"
	case models.KindDocument:
		return "Shared a document"
	default:
		return "Shared a file"
	}
}
