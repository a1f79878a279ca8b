package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/studiolink/chat-backend/internal/models"
)

// Store is an in-memory persistence collaborator with a synchronous change
// feed. It implements the same contract as the hosted backend: writes are
// assigned server ids and timestamps, and every committed change is fanned
// out to the conversation's subscribers (the writer's own echo included).
type Store struct {
	mu sync.Mutex

	msgs  map[string][]models.Message      // conversationID -> ordered messages
	convs map[string]*models.Conversation  // conversationID -> conversation
	names map[string]string                // userID -> display name, for participants
	subs  map[string]map[int]func(models.ChangeEvent)

	nextSub int
	clock   func() time.Time
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		msgs:  make(map[string][]models.Message),
		convs: make(map[string]*models.Conversation),
		names: make(map[string]string),
		subs:  make(map[string]map[int]func(models.ChangeEvent)),
		clock: time.Now,
	}
}

// SetDisplayName records a user's display label for participant rows.
func (s *Store) SetDisplayName(userID, name string) {
	s.mu.Lock()
	s.names[userID] = name
	s.mu.Unlock()
}

// CreateMessage assigns a server id and timestamps, stores the message and
// echoes an insert event to the conversation's subscribers. The client's
// correlation token is preserved on the echo.
func (s *Store) CreateMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	stored := *msg
	stored.ID = uuid.NewString()
	now := s.clock()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.msgs[stored.ConversationID] = append(s.msgs[stored.ConversationID], stored)
	if conv, ok := s.convs[stored.ConversationID]; ok && now.After(conv.UpdatedAt) {
		conv.UpdatedAt = now
	}
	s.mu.Unlock()

	s.emit(stored.ConversationID, models.ChangeEvent{Type: models.ChangeInsert, Message: stored})
	out := stored
	return &out, nil
}

// UpdateMessage replaces the content, marks the message edited and echoes
// an update event.
func (s *Store) UpdateMessage(ctx context.Context, id, content string, editedAt time.Time) (*models.Message, error) {
	s.mu.Lock()
	var stored *models.Message
	for _, list := range s.msgs {
		for i := range list {
			if list[i].ID == id {
				list[i].Content = content
				list[i].Edited = true
				list[i].UpdatedAt = editedAt
				cp := list[i]
				stored = &cp
			}
		}
	}
	s.mu.Unlock()

	if stored == nil {
		return nil, fmt.Errorf("%w: message %s", models.ErrNotFound, id)
	}
	s.emit(stored.ConversationID, models.ChangeEvent{Type: models.ChangeUpdate, Message: *stored})
	return stored, nil
}

// DeleteMessage removes the message and echoes a delete event.
func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	s.mu.Lock()
	var removed *models.Message
	for conv, list := range s.msgs {
		for i := range list {
			if list[i].ID == id {
				cp := list[i]
				removed = &cp
				s.msgs[conv] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if removed != nil {
			break
		}
	}
	s.mu.Unlock()

	if removed == nil {
		return fmt.Errorf("%w: message %s", models.ErrNotFound, id)
	}
	s.emit(removed.ConversationID, models.ChangeEvent{Type: models.ChangeDelete, Message: *removed})
	return nil
}

// GetMessage fetches one message by id.
func (s *Store) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, list := range s.msgs {
		for i := range list {
			if list[i].ID == id {
				cp := list[i]
				return &cp, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: message %s", models.ErrNotFound, id)
}

// ListMessages returns a conversation's messages created after the given
// time, oldest first.
func (s *Store) ListMessages(ctx context.Context, conversationID string, after time.Time) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Message
	for _, m := range s.msgs[conversationID] {
		if after.IsZero() || m.CreatedAt.After(after) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListConversationsFor returns the conversations the user participates in.
func (s *Store) ListConversationsFor(ctx context.Context, userID string) ([]models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Conversation
	for _, conv := range s.convs {
		for _, p := range conv.Participants {
			if p.UserID == userID {
				out = append(out, *conv)
				break
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// CreateConversation creates a conversation with the given participants.
// Deliberately not idempotent, matching the hosted backend's behavior.
func (s *Store) CreateConversation(ctx context.Context, participantIDs []string, title string) (*models.Conversation, error) {
	if len(participantIDs) == 0 {
		return nil, fmt.Errorf("a conversation needs at least one participant")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	conv := &models.Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, id := range participantIDs {
		conv.Participants = append(conv.Participants, models.Participant{
			ConversationID: conv.ID,
			UserID:         id,
			DisplayName:    s.names[id],
			JoinedAt:       now,
		})
	}
	s.convs[conv.ID] = conv
	out := *conv
	return &out, nil
}

// UpdateLastRead advances the participant's last-read marker; it never
// moves backwards.
func (s *Store) UpdateLastRead(ctx context.Context, conversationID, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[conversationID]
	if !ok {
		return fmt.Errorf("%w: conversation %s", models.ErrNotFound, conversationID)
	}
	for i := range conv.Participants {
		p := &conv.Participants[i]
		if p.UserID == userID && at.After(p.LastReadAt) {
			p.LastReadAt = at
		}
	}
	return nil
}

// Subscribe registers for a conversation's change feed.
func (s *Store) Subscribe(conversationID string, fn func(models.ChangeEvent)) (func(), error) {
	s.mu.Lock()
	if s.subs[conversationID] == nil {
		s.subs[conversationID] = make(map[int]func(models.ChangeEvent))
	}
	id := s.nextSub
	s.nextSub++
	s.subs[conversationID][id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		if subs, ok := s.subs[conversationID]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(s.subs, conversationID)
			}
		}
		s.mu.Unlock()
	}, nil
}

// SubscriberCount reports the live subscriptions for a conversation.
func (s *Store) SubscriberCount(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[conversationID])
}

func (s *Store) emit(conversationID string, ev models.ChangeEvent) {
	s.mu.Lock()
	fns := make([]func(models.ChangeEvent), 0, len(s.subs[conversationID]))
	for _, fn := range s.subs[conversationID] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
