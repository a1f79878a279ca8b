package chat

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/studiolink/chat-backend/internal/models"
)

// Store is the authoritative local projection of one conversation's
// messages for one user. It owns optimistic send, edit, delete and the
// merge of asynchronously arriving remote events.
//
// All mutation happens under one mutex, so handlers observe the list in a
// consistent state regardless of which goroutine (composer action,
// persistence completion, change-feed delivery) triggered the change.
// A Store is owned by exactly one session at a time and never shared
// across two live conversation views.
type Store struct {
	mu sync.Mutex

	conversationID string
	user           models.User
	persist        Persistence

	// msgs is the ordered message list, ascending by created_at
	// (ties broken by id).
	msgs []*models.LocalMessage

	// tokens holds the correlation tokens this store has issued, so an
	// incoming change event can be recognized as our own echo.
	tokens map[string]bool

	// confirmed holds server ids already reconciled into an optimistic
	// slot; their echo insert events are no-ops.
	confirmed map[string]bool

	closed   bool
	onChange func()
	clock    func() time.Time
}

// NewStore creates a Store for the given user and conversation.
func NewStore(persist Persistence, user models.User, conversationID string) *Store {
	return &Store{
		conversationID: conversationID,
		user:           user,
		persist:        persist,
		tokens:         make(map[string]bool),
		confirmed:      make(map[string]bool),
		clock:          time.Now,
	}
}

// SetOnChange registers a callback invoked after every visible mutation.
// It is called without the store lock held.
func (s *Store) SetOnChange(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Load pulls the conversation's existing messages from persistence and
// merges them into the list. Safe to call after Subscribe is already
// delivering events; duplicates are dropped by the merge.
func (s *Store) Load(ctx context.Context) error {
	history, err := s.persist.ListMessages(ctx, s.conversationID, time.Time{})
	if err != nil {
		return fmt.Errorf("load conversation %s: %w", s.conversationID, err)
	}
	for _, m := range history {
		s.MergeRemote(models.ChangeEvent{Type: models.ChangeInsert, Message: m})
	}
	return nil
}

// Send creates an optimistic text message, appends it to the list, then
// persists it. On success the optimistic entry is replaced in place by the
// server's copy; on failure it flips to the failed state and stays visible
// for retry. The returned message reflects the final state of this call.
func (s *Store) Send(ctx context.Context, content string) (*models.LocalMessage, error) {
	return s.send(ctx, content, models.KindText, nil)
}

// SendFile creates an optimistic file message carrying the given
// reference. Content is the human-readable placeholder shown in the
// timeline.
func (s *Store) SendFile(ctx context.Context, content string, kind models.MessageKind, file *models.FileRef) (*models.LocalMessage, error) {
	return s.send(ctx, content, kind, file)
}

func (s *Store) send(ctx context.Context, content string, kind models.MessageKind, file *models.FileRef) (*models.LocalMessage, error) {
	now := s.clock()
	msg := models.Message{
		ID:             uuid.NewString(), // client id until the server confirms
		ConversationID: s.conversationID,
		SenderID:       s.user.ID,
		Content:        content,
		Kind:           kind,
		File:           file,
		ClientToken:    uuid.NewString(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrStoreClosed
	}
	s.tokens[msg.ClientToken] = true
	s.msgs = append(s.msgs, &models.LocalMessage{Message: msg, State: models.StatePending})
	cb := s.onChange
	s.mu.Unlock()
	if cb != nil {
		cb()
	}

	return s.persistSend(ctx, msg)
}

// Retry re-submits a failed optimistic message with its original content
// and correlation token.
func (s *Store) Retry(ctx context.Context, messageID string) (*models.LocalMessage, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrStoreClosed
	}
	i := s.indexByID(messageID)
	if i < 0 {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
	}
	entry := s.msgs[i]
	if entry.State != models.StateFailed {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: message %s is not in a failed state", ErrSendFailed, messageID)
	}
	entry.State = models.StatePending
	msg := entry.Message
	cb := s.onChange
	s.mu.Unlock()
	if cb != nil {
		cb()
	}

	return s.persistSend(ctx, msg)
}

// persistSend runs the persistence call for an optimistic entry and
// reconciles the outcome. If the store was closed while the call was in
// flight the completion is discarded (the stale-callback guard).
func (s *Store) persistSend(ctx context.Context, msg models.Message) (*models.LocalMessage, error) {
	stored, err := s.persist.CreateMessage(ctx, &msg)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrStoreClosed
	}
	i := s.indexByToken(msg.ClientToken)
	if i < 0 {
		// The entry disappeared while the call was in flight; nothing to
		// reconcile against.
		s.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSendFailed, err)
		}
		return nil, nil
	}
	entry := s.msgs[i]

	if err != nil {
		if entry.State == models.StatePending {
			entry.State = models.StateFailed
		}
		out := *entry
		cb := s.onChange
		s.mu.Unlock()
		if cb != nil {
			cb()
		}
		return &out, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	if entry.State != models.StateConfirmed {
		// Replace in place, same index; the echo for this id becomes a
		// no-op. If the change-feed echo won the race the entry is
		// already confirmed and we keep it.
		entry.Message = *stored
		entry.State = models.StateConfirmed
		s.confirmed[stored.ID] = true
	}
	out := *entry
	cb := s.onChange
	s.mu.Unlock()
	if cb != nil {
		cb()
	}
	return &out, nil
}

// Edit changes a message's content. Only the sender may edit; the change
// is applied optimistically (Edited flips true) and rolled back if
// persistence rejects it. Reconciliation against the server echo is by
// message id with last-writer-by-timestamp semantics, so a slow echo
// cannot overwrite a newer edit.
func (s *Store) Edit(ctx context.Context, messageID, content string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	i := s.indexByID(messageID)
	if i < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
	}
	entry := s.msgs[i]
	if entry.SenderID != s.user.ID {
		s.mu.Unlock()
		return ErrEditForbidden
	}
	if entry.State != models.StateConfirmed {
		s.mu.Unlock()
		return fmt.Errorf("%w: message %s is not yet delivered", ErrEditFailed, messageID)
	}

	prevContent := entry.Content
	prevUpdated := entry.UpdatedAt
	prevEdited := entry.Edited

	now := s.clock()
	entry.Content = content
	entry.Edited = true
	entry.UpdatedAt = now
	cb := s.onChange
	s.mu.Unlock()
	if cb != nil {
		cb()
	}

	stored, err := s.persist.UpdateMessage(ctx, messageID, content, now)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	if j := s.indexByID(messageID); j >= 0 {
		entry = s.msgs[j]
		if err != nil {
			// Roll back, but only if our optimistic write is still the
			// newest one; a later edit must not be clobbered.
			if entry.UpdatedAt.Equal(now) {
				entry.Content = prevContent
				entry.UpdatedAt = prevUpdated
				entry.Edited = prevEdited
			}
		} else if stored != nil && !stored.UpdatedAt.Before(entry.UpdatedAt) {
			entry.Content = stored.Content
			entry.UpdatedAt = stored.UpdatedAt
			entry.Edited = stored.Edited
		}
	}
	cb = s.onChange
	s.mu.Unlock()
	if cb != nil {
		cb()
	}

	if err != nil {
		return fmt.Errorf("%w: %v", ErrEditFailed, err)
	}
	return nil
}

// Delete removes a message. Only the sender may delete. The message
// disappears from the list immediately; if the remote delete fails it is
// restored at its original position and the error surfaced, so a delete
// is never forgotten silently. Deleting a failed (never persisted) entry
// is purely local.
func (s *Store) Delete(ctx context.Context, messageID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	i := s.indexByID(messageID)
	if i < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
	}
	entry := s.msgs[i]
	if entry.SenderID != s.user.ID {
		s.mu.Unlock()
		return ErrDeleteForbidden
	}
	if entry.State == models.StatePending {
		s.mu.Unlock()
		return fmt.Errorf("%w: message %s is still in flight", ErrDeleteFailed, messageID)
	}

	removed := *entry
	local := entry.State == models.StateFailed
	if local {
		delete(s.tokens, entry.ClientToken)
	}
	s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
	cb := s.onChange
	s.mu.Unlock()
	if cb != nil {
		cb()
	}

	if local {
		return nil
	}

	if err := s.persist.DeleteMessage(ctx, messageID); err != nil {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return ErrStoreClosed
		}
		if s.indexByID(messageID) < 0 {
			j := i
			if j > len(s.msgs) {
				j = len(s.msgs)
			}
			restored := removed
			s.msgs = append(s.msgs, nil)
			copy(s.msgs[j+1:], s.msgs[j:])
			s.msgs[j] = &restored
		}
		cb = s.onChange
		s.mu.Unlock()
		if cb != nil {
			cb()
		}
		return fmt.Errorf("%w: %v", ErrDeleteFailed, err)
	}
	return nil
}

// MergeRemote reconciles one change-feed event into the list:
//
//  1. an insert carrying one of our own correlation tokens is the echo of
//     an optimistic send: confirm it in place if the persistence response
//     has not already, otherwise no-op;
//  2. an event whose id is already in the list updates or removes that
//     entry in place (updates apply last-writer-by-timestamp);
//  3. anything else is a new message, inserted at the position that keeps
//     created_at strictly ascending (ties by id), never merely appended.
//
// Events arriving after Close are discarded.
func (s *Store) MergeRemote(ev models.ChangeEvent) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	m := ev.Message
	changed := false

	if ev.Type == models.ChangeInsert && m.ClientToken != "" && s.tokens[m.ClientToken] {
		if !s.confirmed[m.ID] {
			if i := s.indexByToken(m.ClientToken); i >= 0 {
				// The echo beat the persistence response; confirm here and
				// let the response find the entry already confirmed.
				s.msgs[i].Message = m
				s.msgs[i].State = models.StateConfirmed
				s.confirmed[m.ID] = true
				changed = true
			}
		}
		s.finish(changed)
		return
	}

	if i := s.indexByID(m.ID); i >= 0 {
		switch ev.Type {
		case models.ChangeDelete:
			s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
			changed = true
		default:
			entry := s.msgs[i]
			if !m.UpdatedAt.Before(entry.UpdatedAt) {
				entry.Message = m
				entry.State = models.StateConfirmed
				changed = true
			}
		}
		s.finish(changed)
		return
	}

	if ev.Type == models.ChangeDelete {
		// Delete for a message we never saw.
		s.finish(false)
		return
	}

	if err := m.Validate(); err != nil {
		log.Printf("[Store] Dropping malformed remote message %s: %v", m.ID, err)
		s.finish(false)
		return
	}

	entry := &models.LocalMessage{Message: m, State: models.StateConfirmed}
	j := sort.Search(len(s.msgs), func(k int) bool {
		other := s.msgs[k]
		if other.CreatedAt.Equal(m.CreatedAt) {
			return other.ID > m.ID
		}
		return other.CreatedAt.After(m.CreatedAt)
	})
	s.msgs = append(s.msgs, nil)
	copy(s.msgs[j+1:], s.msgs[j:])
	s.msgs[j] = entry
	s.finish(true)
}

// finish releases the lock and fires the change callback when needed.
// Must be called with the lock held.
func (s *Store) finish(changed bool) {
	cb := s.onChange
	s.mu.Unlock()
	if changed && cb != nil {
		cb()
	}
}

// Messages returns a snapshot of the ordered list.
func (s *Store) Messages() []models.LocalMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.LocalMessage, len(s.msgs))
	for i, m := range s.msgs {
		out[i] = *m
	}
	return out
}

// Close tears the store down. Completions and events arriving afterwards
// are discarded without mutating state.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *Store) indexByID(id string) int {
	for i, m := range s.msgs {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) indexByToken(token string) int {
	for i, m := range s.msgs {
		if m.ClientToken == token {
			return i
		}
	}
	return -1
}
