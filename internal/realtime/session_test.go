package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kian-m/ConsultantAppBack/internal/models"
	"github.com/kian-m/ConsultantAppBack/internal/services"
)

const testViewerID int64 = 42

// stubStore is an in-memory SessionStore. Function fields override the
// default data-backed behavior for the paths a test wants to control.
type stubStore struct {
	mu            sync.Mutex
	summaries     []models.ConversationSummary
	history       map[int64][]models.ChatMessage
	unread        int
	markReadCalls []int64
	sent          []string

	listConversationsErr error
	listMessagesFn       func(ctx context.Context, actorID, conversationID int64) ([]models.ChatMessage, error)
	unreadFn             func() (int, error)
	markReadSignal       chan int64
}

func (s *stubStore) ListConversations(ctx context.Context, actorID int64) ([]models.ConversationSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listConversationsErr != nil {
		return nil, s.listConversationsErr
	}
	return append([]models.ConversationSummary(nil), s.summaries...), nil
}

func (s *stubStore) GetOrCreateConversation(ctx context.Context, actorID, userID, instructorID int64) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.summaries {
		if s.summaries[i].UserID == userID && s.summaries[i].InstructorID == instructorID {
			conversation := s.summaries[i].Conversation
			return &conversation, nil
		}
	}
	conversation := models.Conversation{ID: int64(len(s.summaries) + 100), UserID: userID, InstructorID: instructorID}
	s.summaries = append(s.summaries, models.ConversationSummary{Conversation: conversation})
	return &conversation, nil
}

func (s *stubStore) ListMessages(ctx context.Context, actorID, conversationID int64) ([]models.ChatMessage, error) {
	if s.listMessagesFn != nil {
		return s.listMessagesFn(ctx, actorID, conversationID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ChatMessage(nil), s.history[conversationID]...), nil
}

func (s *stubStore) SendMessage(ctx context.Context, actorID, conversationID int64, content string) (*models.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, content)
	return &models.ChatMessage{ID: int64(1000 + len(s.sent)), ConversationID: conversationID, SenderID: actorID, Content: content}, nil
}

func (s *stubStore) MarkConversationRead(ctx context.Context, actorID, conversationID int64) (*models.Conversation, error) {
	s.mu.Lock()
	s.markReadCalls = append(s.markReadCalls, conversationID)
	var updated *models.Conversation
	for i := range s.summaries {
		if s.summaries[i].ID == conversationID {
			s.summaries[i].UnreadUserCount = 0
			conversation := s.summaries[i].Conversation
			updated = &conversation
			break
		}
	}
	signal := s.markReadSignal
	s.mu.Unlock()

	if signal != nil {
		signal <- conversationID
	}
	return updated, nil
}

func (s *stubStore) UnreadTotal(ctx context.Context, actorID int64) (int, error) {
	if s.unreadFn != nil {
		return s.unreadFn()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread, nil
}

func (s *stubStore) markReadHistory() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.markReadCalls...)
}

func summaryFor(id int64, unread int) models.ConversationSummary {
	return models.ConversationSummary{
		Conversation: models.Conversation{
			ID:              id,
			UserID:          testViewerID,
			InstructorID:    7,
			UnreadUserCount: unread,
		},
		UnreadCount: unread,
	}
}

func newTestSession(store *stubStore, feed ChangeFeed) (*Session, chan Event) {
	events := make(chan Event, 64)
	session := NewSession(store, feed, testViewerID, func(ev Event) { events <- ev }, time.Second)
	return session, events
}

func waitForEvent(t *testing.T, events <-chan Event, eventType string) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == eventType {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q event", eventType)
		}
	}
}

func TestStartEmitsReadySnapshot(t *testing.T) {
	store := &stubStore{
		summaries: []models.ConversationSummary{summaryFor(1, 2), summaryFor(2, 1)},
		history:   map[int64][]models.ChatMessage{},
		unread:    3,
	}
	broker := NewBroker(nil)
	defer broker.Close()
	session, events := newTestSession(store, broker)
	defer session.Close()

	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ev := waitForEvent(t, events, "ready")
	if len(ev.Conversations) != 2 {
		t.Fatalf("ready event carried %d conversations", len(ev.Conversations))
	}
	if ev.UnreadCount == nil || *ev.UnreadCount != 3 {
		t.Fatalf("ready event unread = %v", ev.UnreadCount)
	}
	if !session.Ready() || session.Loading() {
		t.Fatalf("ready=%v loading=%v after Start", session.Ready(), session.Loading())
	}
	if session.UnreadCount() != 3 {
		t.Fatalf("UnreadCount = %d", session.UnreadCount())
	}

	if err := session.Start(context.Background()); err == nil {
		t.Fatal("second Start should fail")
	}
}

func TestStartFailureLeavesSessionRestartable(t *testing.T) {
	store := &stubStore{
		history:              map[int64][]models.ChatMessage{},
		listConversationsErr: errors.New("db down"),
	}
	broker := NewBroker(nil)
	defer broker.Close()
	session, events := newTestSession(store, broker)
	defer session.Close()

	if err := session.Start(context.Background()); err == nil {
		t.Fatal("Start should surface the store error")
	}
	waitForEvent(t, events, "error")
	if session.Ready() || session.Loading() {
		t.Fatalf("ready=%v loading=%v after failed Start", session.Ready(), session.Loading())
	}
	if session.LastError() == "" {
		t.Fatal("LastError should be set after failed Start")
	}

	store.mu.Lock()
	store.listConversationsErr = nil
	store.mu.Unlock()

	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("retry Start: %v", err)
	}
	waitForEvent(t, events, "ready")
	if session.LastError() != "" {
		t.Fatalf("LastError = %q after successful retry", session.LastError())
	}
}

func TestSelectConversationLoadsHistoryAndMarksRead(t *testing.T) {
	store := &stubStore{
		summaries: []models.ConversationSummary{summaryFor(1, 2)},
		history: map[int64][]models.ChatMessage{
			1: {
				{ID: 10, ConversationID: 1, SenderID: 7, Content: "hello"},
				{ID: 11, ConversationID: 1, SenderID: testViewerID, Content: "hi"},
			},
		},
	}
	broker := NewBroker(nil)
	defer broker.Close()
	session, events := newTestSession(store, broker)
	defer session.Close()

	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := session.SelectConversation(context.Background(), 1); err != nil {
		t.Fatalf("SelectConversation: %v", err)
	}

	ev := waitForEvent(t, events, "messages")
	if len(ev.Messages) != 2 || ev.Messages[0].ID != 10 {
		t.Fatalf("messages event carried %v", ev.Messages)
	}
	if current := session.CurrentConversation(); current == nil || current.ID != 1 {
		t.Fatalf("current = %v", current)
	}
	if calls := store.markReadHistory(); len(calls) != 1 || calls[0] != 1 {
		t.Fatalf("mark-read calls = %v", calls)
	}

	ev = waitForEvent(t, events, "conversation")
	if ev.Conversation.UnreadCount != 0 {
		t.Fatalf("unread after select = %d", ev.Conversation.UnreadCount)
	}
	if current := session.CurrentConversation(); current.UnreadCount != 0 {
		t.Fatalf("cached unread after select = %d", current.UnreadCount)
	}
}

func TestSelectUnknownConversation(t *testing.T) {
	store := &stubStore{
		summaries: []models.ConversationSummary{summaryFor(1, 0)},
		history:   map[int64][]models.ChatMessage{},
	}
	broker := NewBroker(nil)
	defer broker.Close()
	session, events := newTestSession(store, broker)
	defer session.Close()

	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := session.SelectConversation(context.Background(), 99); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("SelectConversation(99) = %v, want ErrNotFound", err)
	}
	ev := waitForEvent(t, events, "error")
	if ev.Error != "conversation not found" {
		t.Fatalf("error event = %q", ev.Error)
	}
	if session.CurrentConversation() != nil {
		t.Fatal("unknown id must not become the selection")
	}
}

func TestMessageEventsFilteredToSelectedConversation(t *testing.T) {
	store := &stubStore{
		summaries: []models.ConversationSummary{summaryFor(1, 0), summaryFor(2, 0)},
		history:   map[int64][]models.ChatMessage{},
	}
	broker := NewBroker(nil)
	defer broker.Close()
	session, events := newTestSession(store, broker)
	defer session.Close()

	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := session.SelectConversation(context.Background(), 1); err != nil {
		t.Fatalf("SelectConversation: %v", err)
	}
	waitForEvent(t, events, "messages")

	broker.PublishMessage(&models.ChatMessage{ID: 20, ConversationID: 2, SenderID: testViewerID})
	broker.PublishMessage(&models.ChatMessage{ID: 21, ConversationID: 1, SenderID: testViewerID, Content: "mine"})

	ev := waitForEvent(t, events, "message")
	if ev.Message.ID != 21 {
		t.Fatalf("delivered message %d, want 21", ev.Message.ID)
	}
	got := session.Messages()
	if len(got) != 1 || got[0].ID != 21 {
		t.Fatalf("thread = %v", got)
	}

	// A redelivered insert must not duplicate the row.
	broker.PublishMessage(&models.ChatMessage{ID: 21, ConversationID: 1, SenderID: testViewerID, Content: "mine"})
	if got := session.Messages(); len(got) != 1 {
		t.Fatalf("thread after duplicate = %v", got)
	}
}

func TestCounterpartMessageTriggersReadReceipt(t *testing.T) {
	marked := make(chan int64, 4)
	store := &stubStore{
		summaries:      []models.ConversationSummary{summaryFor(1, 0)},
		history:        map[int64][]models.ChatMessage{},
		markReadSignal: marked,
	}
	broker := NewBroker(nil)
	defer broker.Close()
	session, events := newTestSession(store, broker)
	defer session.Close()

	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := session.SelectConversation(context.Background(), 1); err != nil {
		t.Fatalf("SelectConversation: %v", err)
	}
	waitForEvent(t, events, "messages")
	<-marked // select's own mark-read

	broker.PublishMessage(&models.ChatMessage{ID: 30, ConversationID: 1, SenderID: 7, Content: "new"})
	waitForEvent(t, events, "message")

	select {
	case id := <-marked:
		if id != 1 {
			t.Fatalf("read receipt for conversation %d", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("counterpart message did not trigger a read receipt")
	}
}

func TestReselectSwapsMessageSubscription(t *testing.T) {
	store := &stubStore{
		summaries: []models.ConversationSummary{summaryFor(1, 0), summaryFor(2, 0)},
		history:   map[int64][]models.ChatMessage{},
	}
	broker := NewBroker(nil)
	defer broker.Close()
	session, events := newTestSession(store, broker)
	defer session.Close()

	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := session.SelectConversation(context.Background(), 1); err != nil {
		t.Fatalf("select 1: %v", err)
	}
	waitForEvent(t, events, "messages")
	if err := session.SelectConversation(context.Background(), 2); err != nil {
		t.Fatalf("select 2: %v", err)
	}
	waitForEvent(t, events, "messages")

	broker.PublishMessage(&models.ChatMessage{ID: 40, ConversationID: 1, SenderID: testViewerID})
	broker.PublishMessage(&models.ChatMessage{ID: 41, ConversationID: 2, SenderID: testViewerID})

	ev := waitForEvent(t, events, "message")
	if ev.Message.ID != 41 {
		t.Fatalf("delivered message %d after reselect, want 41", ev.Message.ID)
	}
	got := session.Messages()
	if len(got) != 1 || got[0].ConversationID != 2 {
		t.Fatalf("thread after reselect = %v", got)
	}
}

func TestStaleHistoryLoadDiscarded(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	store := &stubStore{
		summaries: []models.ConversationSummary{summaryFor(1, 0), summaryFor(2, 0)},
		history:   map[int64][]models.ChatMessage{},
	}
	store.listMessagesFn = func(ctx context.Context, actorID, conversationID int64) ([]models.ChatMessage, error) {
		if conversationID == 1 {
			close(entered)
			<-release
			return []models.ChatMessage{{ID: 100, ConversationID: 1}}, nil
		}
		return []models.ChatMessage{{ID: 200, ConversationID: 2}}, nil
	}
	broker := NewBroker(nil)
	defer broker.Close()
	session, events := newTestSession(store, broker)
	defer session.Close()

	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- session.SelectConversation(context.Background(), 1)
	}()
	<-entered

	if err := session.SelectConversation(context.Background(), 2); err != nil {
		t.Fatalf("select 2: %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("stale select returned %v", err)
	}

	got := session.Messages()
	if len(got) != 1 || got[0].ID != 200 {
		t.Fatalf("thread = %v, stale history must be discarded", got)
	}
	if current := session.CurrentConversation(); current.ID != 2 {
		t.Fatalf("current = %d, want 2", current.ID)
	}
	if calls := store.markReadHistory(); len(calls) != 1 || calls[0] != 2 {
		t.Fatalf("mark-read calls = %v, stale select must not mark read", calls)
	}
	waitForEvent(t, events, "messages")
}

func TestStaleHistoryLoadFailureDoesNotClobberState(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	store := &stubStore{
		summaries: []models.ConversationSummary{summaryFor(1, 0), summaryFor(2, 0)},
		history:   map[int64][]models.ChatMessage{},
	}
	store.listMessagesFn = func(ctx context.Context, actorID, conversationID int64) ([]models.ChatMessage, error) {
		if conversationID == 1 {
			close(entered)
			<-release
			return nil, errors.New("db down")
		}
		return []models.ChatMessage{{ID: 200, ConversationID: 2}}, nil
	}
	broker := NewBroker(nil)
	defer broker.Close()
	session, events := newTestSession(store, broker)
	defer session.Close()

	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- session.SelectConversation(context.Background(), 1)
	}()
	<-entered

	if err := session.SelectConversation(context.Background(), 2); err != nil {
		t.Fatalf("select 2: %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("superseded select returned %v", err)
	}

	if session.LastError() != "" {
		t.Fatalf("LastError = %q, superseded failure must not surface", session.LastError())
	}
	if session.Loading() {
		t.Fatal("loading flag clobbered by a superseded failure")
	}
	if got := session.Messages(); len(got) != 1 || got[0].ID != 200 {
		t.Fatalf("thread = %v", got)
	}

	// The superseded failure must not have emitted an error frame.
	waitForEvent(t, events, "messages")
	select {
	case ev := <-events:
		if ev.Type == "error" {
			t.Fatalf("error frame emitted for a superseded load: %q", ev.Error)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEventFramesCarryServerTimestamp(t *testing.T) {
	store := &stubStore{
		summaries: []models.ConversationSummary{summaryFor(1, 0)},
		history:   map[int64][]models.ChatMessage{},
	}
	broker := NewBroker(nil)
	defer broker.Close()
	session, events := newTestSession(store, broker)
	defer session.Close()

	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ev := waitForEvent(t, events, "ready")
	if ev.Timestamp == "" {
		t.Fatal("ready frame missing timestamp")
	}
	if _, err := time.Parse(time.RFC3339, ev.Timestamp); err != nil {
		t.Fatalf("frame timestamp %q: %v", ev.Timestamp, err)
	}
}

func TestSendMessageRequiresSelection(t *testing.T) {
	store := &stubStore{
		summaries: []models.ConversationSummary{summaryFor(1, 0)},
		history:   map[int64][]models.ChatMessage{},
	}
	broker := NewBroker(nil)
	defer broker.Close()
	session, events := newTestSession(store, broker)
	defer session.Close()

	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := session.SendMessage(context.Background(), "hello"); !errors.Is(err, services.ErrInvalidInput) {
		t.Fatalf("SendMessage without selection = %v", err)
	}
	ev := waitForEvent(t, events, "error")
	if ev.Error != "no conversation selected" {
		t.Fatalf("error event = %q", ev.Error)
	}
}

func TestSendMessageDoesNotAppendLocally(t *testing.T) {
	store := &stubStore{
		summaries: []models.ConversationSummary{summaryFor(1, 0)},
		history:   map[int64][]models.ChatMessage{},
	}
	broker := NewBroker(nil)
	defer broker.Close()
	session, events := newTestSession(store, broker)
	defer session.Close()

	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := session.SelectConversation(context.Background(), 1); err != nil {
		t.Fatalf("SelectConversation: %v", err)
	}
	waitForEvent(t, events, "messages")

	if err := session.SendMessage(context.Background(), "hello"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if got := session.Messages(); len(got) != 0 {
		t.Fatalf("thread = %v, send must not append locally", got)
	}

	// The acknowledged row arrives through its insert event.
	broker.PublishMessage(&models.ChatMessage{ID: 1001, ConversationID: 1, SenderID: testViewerID, Content: "hello"})
	waitForEvent(t, events, "message")
	if got := session.Messages(); len(got) != 1 || got[0].Content != "hello" {
		t.Fatalf("thread after insert event = %v", got)
	}
}

func TestConversationEventUpdatesListAndUnread(t *testing.T) {
	var unreadMu sync.Mutex
	unread := 0
	store := &stubStore{
		summaries: []models.ConversationSummary{summaryFor(1, 0)},
		history:   map[int64][]models.ChatMessage{},
	}
	store.unreadFn = func() (int, error) {
		unreadMu.Lock()
		defer unreadMu.Unlock()
		return unread, nil
	}
	broker := NewBroker(nil)
	defer broker.Close()
	session, events := newTestSession(store, broker)
	defer session.Close()

	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForEvent(t, events, "ready")

	unreadMu.Lock()
	unread = 5
	unreadMu.Unlock()

	broker.PublishConversation(&models.Conversation{
		ID:              1,
		UserID:          testViewerID,
		InstructorID:    7,
		UnreadUserCount: 5,
	})

	ev := waitForEvent(t, events, "conversation")
	if ev.Conversation.UnreadCount != 5 {
		t.Fatalf("conversation event unread = %d", ev.Conversation.UnreadCount)
	}
	ev = waitForEvent(t, events, "unread_count")
	if ev.UnreadCount == nil || *ev.UnreadCount != 5 {
		t.Fatalf("unread_count event = %v", ev.UnreadCount)
	}
	if session.UnreadCount() != 5 {
		t.Fatalf("UnreadCount = %d", session.UnreadCount())
	}

	list := session.Conversations()
	if len(list) != 1 || list[0].UnreadCount != 5 {
		t.Fatalf("list after conversation event = %v", list)
	}
}

func TestConversationEventForOtherViewersIgnored(t *testing.T) {
	store := &stubStore{
		summaries: []models.ConversationSummary{summaryFor(1, 0)},
		history:   map[int64][]models.ChatMessage{},
	}
	broker := NewBroker(nil)
	defer broker.Close()
	session, events := newTestSession(store, broker)
	defer session.Close()

	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForEvent(t, events, "ready")

	broker.PublishConversation(&models.Conversation{ID: 50, UserID: 900, InstructorID: 901, UnreadUserCount: 9})

	select {
	case ev := <-events:
		t.Fatalf("unexpected %q event for a foreign conversation", ev.Type)
	case <-time.After(100 * time.Millisecond):
	}
	if session.UnreadCount() != 0 {
		t.Fatalf("UnreadCount = %d", session.UnreadCount())
	}
}

func TestStartConversationRefreshesAndSelects(t *testing.T) {
	store := &stubStore{
		summaries: []models.ConversationSummary{summaryFor(1, 0)},
		history:   map[int64][]models.ChatMessage{},
	}
	broker := NewBroker(nil)
	defer broker.Close()
	session, events := newTestSession(store, broker)
	defer session.Close()

	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := session.StartConversation(context.Background(), testViewerID, 8); err != nil {
		t.Fatalf("StartConversation: %v", err)
	}

	ev := waitForEvent(t, events, "conversations")
	if len(ev.Conversations) != 2 {
		t.Fatalf("refreshed list carried %d conversations", len(ev.Conversations))
	}
	waitForEvent(t, events, "messages")

	current := session.CurrentConversation()
	if current == nil || current.InstructorID != 8 {
		t.Fatalf("current after StartConversation = %v", current)
	}
}

func TestCloseStopsFeedDelivery(t *testing.T) {
	store := &stubStore{
		summaries: []models.ConversationSummary{summaryFor(1, 0)},
		history:   map[int64][]models.ChatMessage{},
	}
	broker := NewBroker(nil)
	defer broker.Close()
	session, events := newTestSession(store, broker)

	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := session.SelectConversation(context.Background(), 1); err != nil {
		t.Fatalf("SelectConversation: %v", err)
	}
	waitForEvent(t, events, "messages")

	session.Close()
	session.Close()

	broker.PublishMessage(&models.ChatMessage{ID: 60, ConversationID: 1, SenderID: testViewerID})
	select {
	case ev := <-events:
		if ev.Type == "message" {
			t.Fatal("message delivered after Close")
		}
	case <-time.After(100 * time.Millisecond):
	}
	if session.Ready() {
		t.Fatal("session still ready after Close")
	}
}
