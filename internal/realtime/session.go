package realtime

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/kian-m/ConsultantAppBack/internal/models"
	"github.com/kian-m/ConsultantAppBack/internal/services"
)

// SessionStore is the repository surface a session drives. Implemented by
// services.MessagingService.
type SessionStore interface {
	ListConversations(ctx context.Context, actorID int64) ([]models.ConversationSummary, error)
	GetOrCreateConversation(ctx context.Context, actorID, userID, instructorID int64) (*models.Conversation, error)
	ListMessages(ctx context.Context, actorID, conversationID int64) ([]models.ChatMessage, error)
	SendMessage(ctx context.Context, actorID, conversationID int64, content string) (*models.ChatMessage, error)
	MarkConversationRead(ctx context.Context, actorID, conversationID int64) (*models.Conversation, error)
	UnreadTotal(ctx context.Context, actorID int64) (int, error)
}

// ChangeFeed is the subscription surface. Implemented by Broker.
type ChangeFeed interface {
	SubscribeConversationChanges(fn func(models.Conversation)) *Subscription
	SubscribeMessageInserts(conversationID int64, fn func(models.ChatMessage)) *Subscription
}

// Event is a state-change notification pushed to the session's sink,
// typically a WebSocket client.
type Event struct {
	Type          string                       `json:"type"`
	Timestamp     string                       `json:"timestamp"`
	Conversations []models.ConversationSummary `json:"conversations,omitempty"`
	Conversation  *models.ConversationSummary  `json:"conversation,omitempty"`
	Messages      []models.ChatMessage         `json:"messages,omitempty"`
	Message       *models.ChatMessage          `json:"message,omitempty"`
	UnreadCount   *int                         `json:"unread_count,omitempty"`
	Error         string                       `json:"error,omitempty"`
}

type sessionState int

const (
	stateUninitialized sessionState = iota
	stateLoading
	stateReady
	stateClosed
)

const defaultCallTimeout = 20 * time.Second

// Session is the per-viewer messaging state machine: the cached
// conversation list, the selected conversation and its messages, and the
// unread badge total, kept consistent with the two change feeds. All
// local state is a cache of the store and is rebuilt by Start.
type Session struct {
	store    SessionStore
	feed     ChangeFeed
	viewerID int64
	sink     func(Event)
	timeout  time.Duration

	mu            sync.Mutex
	state         sessionState
	conversations []models.ConversationSummary
	current       *models.ConversationSummary
	messages      []models.ChatMessage
	unread        int
	loading       bool
	lastErr       string
	convSub       *Subscription
	msgSub        *Subscription
	loadGen       uint64
}

// NewSession wires a session for one authenticated viewer. The sink may be
// nil; callTimeout <= 0 selects the default bound on store calls.
func NewSession(store SessionStore, feed ChangeFeed, viewerID int64, sink func(Event), callTimeout time.Duration) *Session {
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	return &Session{
		store:    store,
		feed:     feed,
		viewerID: viewerID,
		sink:     sink,
		timeout:  callTimeout,
	}
}

// Start loads the conversation list and unread total, then opens the
// global conversation feed. On failure the session stays uninitialized and
// Start may be called again.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != stateUninitialized {
		s.mu.Unlock()
		return errors.New("session already started")
	}
	s.state = stateLoading
	s.loading = true
	s.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	conversations, err := s.store.ListConversations(cctx, s.viewerID)
	if err != nil {
		return s.fail("load conversations", err)
	}
	unread, err := s.store.UnreadTotal(cctx, s.viewerID)
	if err != nil {
		return s.fail("load unread count", err)
	}

	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return nil
	}
	s.conversations = conversations
	s.unread = unread
	s.loading = false
	s.lastErr = ""
	s.convSub = s.feed.SubscribeConversationChanges(s.handleConversationEvent)
	s.state = stateReady
	ev := Event{Type: "ready", Conversations: conversations, UnreadCount: &unread}
	s.mu.Unlock()

	s.emit(ev)
	return nil
}

// SelectConversation switches the session to a conversation already in the
// loaded list: it swaps the message subscription, loads the history, and
// marks the thread read. A load that resolves after another switch is
// discarded.
func (s *Session) SelectConversation(ctx context.Context, conversationID int64) error {
	s.mu.Lock()
	if s.state != stateReady {
		s.mu.Unlock()
		return s.fail("select conversation", errors.New("session is not ready"))
	}

	var selected *models.ConversationSummary
	for i := range s.conversations {
		if s.conversations[i].ID == conversationID {
			summary := s.conversations[i]
			selected = &summary
			break
		}
	}
	if selected == nil {
		s.lastErr = "conversation not found"
		s.mu.Unlock()
		s.emit(Event{Type: "error", Error: "conversation not found"})
		return services.ErrNotFound
	}

	s.loadGen++
	gen := s.loadGen
	// The old feed closes before the new one opens: at most one message
	// subscription is ever active.
	s.msgSub.Close()
	s.msgSub = s.feed.SubscribeMessageInserts(conversationID, s.handleMessageEvent)
	s.current = selected
	s.messages = nil
	s.loading = true
	s.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	history, err := s.store.ListMessages(cctx, s.viewerID, conversationID)
	if err != nil {
		s.mu.Lock()
		stale := s.state != stateReady || s.loadGen != gen
		s.mu.Unlock()
		if stale {
			// A later select owns the loading flag and lastErr now.
			return nil
		}
		return s.fail("load messages", err)
	}

	s.mu.Lock()
	if s.state != stateReady || s.loadGen != gen {
		// A later select won the race; this result no longer applies.
		s.mu.Unlock()
		return nil
	}
	s.messages = mergeHistory(history, s.messages)
	s.loading = false
	s.lastErr = ""
	ev := Event{Type: "messages", Conversation: selected, Messages: append([]models.ChatMessage(nil), s.messages...)}
	s.mu.Unlock()

	s.emit(ev)

	s.mu.Lock()
	stale := s.state != stateReady || s.loadGen != gen
	s.mu.Unlock()
	if stale {
		return nil
	}

	updated, err := s.store.MarkConversationRead(cctx, s.viewerID, conversationID)
	if err != nil {
		s.mu.Lock()
		stale = s.state != stateReady || s.loadGen != gen
		s.mu.Unlock()
		if stale {
			return nil
		}
		return s.fail("mark conversation read", err)
	}
	if updated != nil {
		s.applyConversation(*updated)
	}
	return nil
}

// mergeHistory reconciles the fetched history with any inserts the feed
// delivered while the fetch was in flight. History order wins; live
// events not yet in it are appended in arrival order.
func mergeHistory(history, live []models.ChatMessage) []models.ChatMessage {
	if len(live) == 0 {
		return history
	}
	seen := make(map[int64]struct{}, len(history))
	for i := range history {
		seen[history[i].ID] = struct{}{}
	}
	merged := history
	for i := range live {
		if _, ok := seen[live[i].ID]; ok {
			continue
		}
		merged = append(merged, live[i])
	}
	return merged
}

// SendMessage requires a selected conversation. The message is not
// appended locally; it shows up through its own insert event, so the
// displayed thread only ever contains server-acknowledged rows.
func (s *Session) SendMessage(ctx context.Context, content string) error {
	s.mu.Lock()
	if s.state != stateReady || s.current == nil {
		s.lastErr = "no conversation selected"
		s.mu.Unlock()
		s.emit(Event{Type: "error", Error: "no conversation selected"})
		return services.ErrInvalidInput
	}
	conversationID := s.current.ID
	s.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.store.SendMessage(cctx, s.viewerID, conversationID, content); err != nil {
		return s.fail("send message", err)
	}

	s.clearError()
	return nil
}

// StartConversation composes get-or-create, list refresh, and select into
// one caller-visible action.
func (s *Session) StartConversation(ctx context.Context, userID, instructorID int64) error {
	s.mu.Lock()
	if s.state != stateReady {
		s.mu.Unlock()
		return s.fail("start conversation", errors.New("session is not ready"))
	}
	s.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	conversation, err := s.store.GetOrCreateConversation(cctx, s.viewerID, userID, instructorID)
	if err != nil {
		return s.fail("start conversation", err)
	}

	conversations, err := s.store.ListConversations(cctx, s.viewerID)
	if err != nil {
		return s.fail("refresh conversations", err)
	}

	s.mu.Lock()
	if s.state != stateReady {
		s.mu.Unlock()
		return nil
	}
	s.conversations = conversations
	s.mu.Unlock()

	s.emit(Event{Type: "conversations", Conversations: conversations})

	return s.SelectConversation(ctx, conversation.ID)
}

// Close tears the session down and releases both feeds. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return
	}
	s.state = stateClosed
	convSub, msgSub := s.convSub, s.msgSub
	s.convSub, s.msgSub = nil, nil
	s.current = nil
	s.mu.Unlock()

	convSub.Close()
	msgSub.Close()
}

func (s *Session) handleMessageEvent(message models.ChatMessage) {
	s.mu.Lock()
	if s.state != stateReady || s.current == nil || s.current.ID != message.ConversationID {
		s.mu.Unlock()
		return
	}
	for i := range s.messages {
		if s.messages[i].ID == message.ID {
			s.mu.Unlock()
			return
		}
	}
	s.messages = append(s.messages, message)
	fromCounterpart := message.SenderID != s.viewerID
	conversationID := s.current.ID
	s.mu.Unlock()

	s.emit(Event{Type: "message", Message: &message})

	if fromCounterpart {
		// Viewing the thread counts as an implicit read receipt.
		go s.markReadQuiet(conversationID)
	}
}

func (s *Session) markReadQuiet(conversationID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	updated, err := s.store.MarkConversationRead(ctx, s.viewerID, conversationID)
	if err != nil {
		log.Printf("messaging session: mark read conversation %d: %v", conversationID, err)
		return
	}
	if updated != nil {
		s.applyConversation(*updated)
	}
}

func (s *Session) handleConversationEvent(conversation models.Conversation) {
	if !s.applyConversation(conversation) {
		return
	}
	// The two feeds are not ordered against each other; the badge total is
	// recomputed from the store instead of patched from the event.
	go s.refreshUnread()
}

// applyConversation is the single reconciliation point for conversation
// row state arriving from any source. Rows for other viewers or unknown
// conversations are ignored.
func (s *Session) applyConversation(conversation models.Conversation) bool {
	role, ok := conversation.ViewerRole(s.viewerID)
	if !ok {
		return false
	}

	s.mu.Lock()
	if s.state != stateReady {
		s.mu.Unlock()
		return false
	}

	var updated *models.ConversationSummary
	for i := range s.conversations {
		if s.conversations[i].ID == conversation.ID {
			s.conversations[i].Conversation = conversation
			s.conversations[i].UnreadCount = conversation.UnreadFor(role)
			summary := s.conversations[i]
			updated = &summary
			break
		}
	}
	if updated != nil && s.current != nil && s.current.ID == conversation.ID {
		s.current.Conversation = conversation
		s.current.UnreadCount = conversation.UnreadFor(role)
	}
	s.mu.Unlock()

	if updated != nil {
		s.emit(Event{Type: "conversation", Conversation: updated})
	}
	return true
}

func (s *Session) refreshUnread() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	unread, err := s.store.UnreadTotal(ctx, s.viewerID)
	if err != nil {
		log.Printf("messaging session: refresh unread for viewer %d: %v", s.viewerID, err)
		return
	}

	s.mu.Lock()
	if s.state != stateReady {
		s.mu.Unlock()
		return
	}
	s.unread = unread
	s.mu.Unlock()

	s.emit(Event{Type: "unread_count", UnreadCount: &unread})
}

// Every frame carries a server-side emission timestamp so clients can
// order frames without trusting their own clock.
func (s *Session) emit(event Event) {
	if s.sink == nil {
		return
	}
	event.Timestamp = services.FormatChatTimestamp(time.Now())
	s.sink(event)
}

// fail records a human-readable error, always clearing the loading flag
// first so no stale indicator survives a failure.
func (s *Session) fail(op string, err error) error {
	s.mu.Lock()
	s.loading = false
	if s.state == stateLoading {
		s.state = stateUninitialized
	}
	s.lastErr = errText(op, err)
	msg := s.lastErr
	s.mu.Unlock()

	s.emit(Event{Type: "error", Error: msg})
	return err
}

func (s *Session) clearError() {
	s.mu.Lock()
	s.lastErr = ""
	s.mu.Unlock()
}

func errText(op string, err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return op + " timed out, try again"
	case errors.Is(err, services.ErrNotAuthenticated):
		return "please sign in again"
	case errors.Is(err, services.ErrInvalidInput):
		return op + ": invalid input"
	case errors.Is(err, services.ErrNotFound):
		return op + ": not found"
	case errors.Is(err, services.ErrInstructorNotFound):
		return "instructor not found"
	default:
		return "failed to " + op
	}
}

// Conversations returns the cached conversation list.
func (s *Session) Conversations() []models.ConversationSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ConversationSummary(nil), s.conversations...)
}

// CurrentConversation returns the selected conversation, or nil.
func (s *Session) CurrentConversation() *models.ConversationSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	summary := *s.current
	return &summary
}

// Messages returns the cached thread for the selected conversation.
func (s *Session) Messages() []models.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ChatMessage(nil), s.messages...)
}

// UnreadCount returns the cached badge total.
func (s *Session) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}

// LastError returns the most recent operation failure, empty after a
// successful operation.
func (s *Session) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Loading reports whether a list or history fetch is in flight.
func (s *Session) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// Ready reports whether the session reached the ready state.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateReady
}
