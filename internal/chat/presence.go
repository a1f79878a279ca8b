package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/studiolink/chat-backend/internal/models"
)

// DefaultTypingTTL bounds a typing signal's lifetime. A peer that stops
// refreshing (closed tab, lost connection) disappears within one timer
// tick of this window.
const DefaultTypingTTL = 4 * time.Second

// TypingChannel names the broadcast channel carrying a conversation's
// typing signals.
func TypingChannel(conversationID string) string {
	return "typing:" + conversationID
}

// Presence broadcasts and collects ephemeral typing signals for one
// conversation. It holds no durable state; Close cancels every timer and
// the subscription, so a conversation switch discards it cleanly.
type Presence struct {
	mu sync.Mutex

	conversationID string
	self           string
	bus            Broadcaster
	ttl            time.Duration

	// peers maps display labels to their expiry timers. The local user's
	// own label is never inserted.
	peers map[string]*time.Timer

	// selfClear broadcasts a clear if the local user abandons the
	// composer without toggling typing off.
	selfClear *time.Timer

	closed   bool
	unsub    func()
	onChange func()
}

// NewPresence subscribes to the conversation's typing channel. selfLabel
// is the local user's display label, filtered out of TypingUsers.
func NewPresence(bus Broadcaster, conversationID, selfLabel string, ttl time.Duration) (*Presence, error) {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	p := &Presence{
		conversationID: conversationID,
		self:           selfLabel,
		bus:            bus,
		ttl:            ttl,
		peers:          make(map[string]*time.Timer),
	}
	unsub, err := bus.Subscribe(TypingChannel(conversationID), p.receive)
	if err != nil {
		return nil, fmt.Errorf("subscribe typing channel: %w", err)
	}
	p.unsub = unsub
	return p, nil
}

// SetOnChange registers a callback fired when the typing set changes.
// Called without the presence lock held.
func (p *Presence) SetOnChange(fn func()) {
	p.mu.Lock()
	p.onChange = fn
	p.mu.Unlock()
}

// SetTyping broadcasts the local user's typing state. A true signal
// carries an expiry ~ttl in the future and arms a local auto-clear; false
// broadcasts an immediate clear, short-circuiting the timeout.
func (p *Presence) SetTyping(ctx context.Context, typing bool) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	if p.selfClear != nil {
		p.selfClear.Stop()
		p.selfClear = nil
	}
	if typing {
		p.selfClear = time.AfterFunc(p.ttl, func() {
			if err := p.SetTyping(context.Background(), false); err != nil {
				log.Printf("[Presence] Auto-clear failed: %v", err)
			}
		})
	}
	sig := models.TypingSignal{
		ConversationID: p.conversationID,
		DisplayName:    p.self,
		Typing:         typing,
		ExpiresAt:      time.Now().Add(p.ttl),
	}
	p.mu.Unlock()

	payload, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal typing signal: %w", err)
	}
	if err := p.bus.Publish(ctx, TypingChannel(p.conversationID), payload); err != nil {
		// Best-effort channel; the peer-side expiry covers a lost clear.
		return fmt.Errorf("publish typing signal: %w", err)
	}
	return nil
}

// receive handles a peer's signal: insert or refresh its label with a
// fresh expiry timer, or remove it on an explicit clear.
func (p *Presence) receive(payload []byte) {
	var sig models.TypingSignal
	if err := json.Unmarshal(payload, &sig); err != nil {
		log.Printf("[Presence] Dropping malformed typing signal: %v", err)
		return
	}
	if sig.DisplayName == "" || sig.DisplayName == p.self {
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}

	changed := false
	if !sig.Typing {
		if t, ok := p.peers[sig.DisplayName]; ok {
			t.Stop()
			delete(p.peers, sig.DisplayName)
			changed = true
		}
	} else {
		d := time.Until(sig.ExpiresAt)
		if d <= 0 {
			// Already expired in transit.
			p.mu.Unlock()
			return
		}
		if t, ok := p.peers[sig.DisplayName]; ok {
			t.Stop()
		} else {
			changed = true
		}
		name := sig.DisplayName
		p.peers[name] = time.AfterFunc(d, func() { p.expire(name) })
	}
	cb := p.onChange
	p.mu.Unlock()
	if changed && cb != nil {
		cb()
	}
}

// expire removes a label whose signal was never refreshed.
func (p *Presence) expire(name string) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if _, ok := p.peers[name]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.peers, name)
	cb := p.onChange
	p.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// TypingUsers returns the currently-typing peer labels, sorted. The local
// user's own label never appears.
func (p *Presence) TypingUsers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.peers))
	for name := range p.peers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Close cancels all timers and the subscription. Signals arriving
// afterwards are discarded.
func (p *Presence) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	if p.selfClear != nil {
		p.selfClear.Stop()
		p.selfClear = nil
	}
	for name, t := range p.peers {
		t.Stop()
		delete(p.peers, name)
	}
	unsub := p.unsub
	p.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}
