package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kian-m/ConsultantAppBack/internal/metrics"
	"github.com/kian-m/ConsultantAppBack/internal/models"
	"github.com/kian-m/ConsultantAppBack/internal/repository"
)

type userReader interface {
	GetByID(ctx context.Context, id int64) (*models.User, error)
}

// changePublisher receives the new row state after each committed write.
// Implemented by the realtime broker; a nil publisher disables the feeds.
type changePublisher interface {
	PublishMessage(message *models.ChatMessage)
	PublishConversation(conversation *models.Conversation)
}

type MessagingService struct {
	db               *pgxpool.Pool
	conversationRepo *repository.ConversationRepository
	messageRepo      *repository.MessageRepository
	userRepo         userReader
	publisher        changePublisher
}

func NewMessagingService(
	db *pgxpool.Pool,
	conversationRepo *repository.ConversationRepository,
	messageRepo *repository.MessageRepository,
	userRepo userReader,
	publisher changePublisher,
) *MessagingService {
	return &MessagingService{
		db:               db,
		conversationRepo: conversationRepo,
		messageRepo:      messageRepo,
		userRepo:         userRepo,
		publisher:        publisher,
	}
}

func (s *MessagingService) ListConversations(
	ctx context.Context,
	actorID int64,
) ([]models.ConversationSummary, error) {
	if actorID <= 0 {
		return nil, ErrNotAuthenticated
	}

	return s.conversationRepo.ListForParticipant(ctx, actorID)
}

// GetOrCreateConversation resolves the single conversation for a
// (student, instructor) pair. The actor must be one of the pair, and the
// instructor side must actually hold the instructor role.
func (s *MessagingService) GetOrCreateConversation(
	ctx context.Context,
	actorID int64,
	userID int64,
	instructorID int64,
) (*models.Conversation, error) {
	if actorID <= 0 {
		return nil, ErrNotAuthenticated
	}
	if userID <= 0 || instructorID <= 0 || userID == instructorID {
		return nil, ErrInvalidInput
	}
	if actorID != userID && actorID != instructorID {
		return nil, ErrForbidden
	}

	instructor, err := s.userRepo.GetByID(ctx, instructorID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInstructorNotFound
		}
		return nil, err
	}
	if instructor.Role != string(models.RoleInstructor) {
		return nil, ErrInvalidInput
	}

	return s.conversationRepo.CreateOrGet(ctx, userID, instructorID)
}

func (s *MessagingService) ListMessages(
	ctx context.Context,
	actorID int64,
	conversationID int64,
) ([]models.ChatMessage, error) {
	if actorID <= 0 {
		return nil, ErrNotAuthenticated
	}
	if conversationID <= 0 {
		return nil, ErrInvalidInput
	}

	if _, err := s.conversationRepo.GetByIDForParticipant(ctx, conversationID, actorID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return s.messageRepo.ListByConversation(ctx, conversationID)
}

func (s *MessagingService) ListMessagesPage(
	ctx context.Context,
	actorID int64,
	conversationID int64,
	page int,
	limit int,
) ([]models.ChatMessage, int, error) {
	if actorID <= 0 {
		return nil, 0, ErrNotAuthenticated
	}
	if conversationID <= 0 || page <= 0 || limit <= 0 {
		return nil, 0, ErrInvalidInput
	}

	if _, err := s.conversationRepo.GetByIDForParticipant(ctx, conversationID, actorID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, err
	}

	return s.messageRepo.ListPage(ctx, conversationID, limit, (page-1)*limit)
}

// SendMessage inserts the message and advances the parent conversation's
// last_message_at and recipient counter in one transaction, then publishes
// both new rows to the change feeds.
func (s *MessagingService) SendMessage(
	ctx context.Context,
	actorID int64,
	conversationID int64,
	content string,
) (*models.ChatMessage, error) {
	if actorID <= 0 {
		return nil, ErrNotAuthenticated
	}
	if conversationID <= 0 {
		return nil, ErrInvalidInput
	}

	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return nil, ErrInvalidInput
	}

	if _, err := s.conversationRepo.GetByIDForParticipant(ctx, conversationID, actorID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrForbidden
		}
		return nil, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	txMessageRepo := repository.NewMessageRepository(tx)
	txConversationRepo := repository.NewConversationRepository(tx)

	message, err := txMessageRepo.Create(ctx, conversationID, actorID, trimmed)
	if err != nil {
		return nil, err
	}

	updated, err := txConversationRepo.ApplyMessage(ctx, conversationID, actorID, message.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	metrics.MessagesSent.Inc()
	if s.publisher != nil {
		s.publisher.PublishMessage(message)
		s.publisher.PublishConversation(updated)
	}

	return message, nil
}

// MarkConversationRead stamps read_at on the counterpart's unread messages
// and zeroes the reader's counter. Calling it on a fully read conversation
// changes nothing.
func (s *MessagingService) MarkConversationRead(
	ctx context.Context,
	actorID int64,
	conversationID int64,
) (*models.Conversation, error) {
	if actorID <= 0 {
		return nil, ErrNotAuthenticated
	}
	if conversationID <= 0 {
		return nil, ErrInvalidInput
	}

	conversation, err := s.conversationRepo.GetByIDForParticipant(ctx, conversationID, actorID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	role, ok := conversation.ViewerRole(actorID)
	if !ok {
		return nil, ErrForbidden
	}
	if conversation.UnreadFor(role) == 0 {
		return conversation, nil
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	txMessageRepo := repository.NewMessageRepository(tx)
	txConversationRepo := repository.NewConversationRepository(tx)

	if err := txMessageRepo.MarkConversationRead(ctx, conversationID, actorID); err != nil {
		return nil, err
	}

	updated, err := txConversationRepo.ResetUnread(ctx, conversationID, role)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	if s.publisher != nil {
		s.publisher.PublishConversation(updated)
	}

	return updated, nil
}

func (s *MessagingService) UnreadTotal(ctx context.Context, actorID int64) (int, error) {
	if actorID <= 0 {
		return 0, ErrNotAuthenticated
	}

	return s.conversationRepo.UnreadTotal(ctx, actorID)
}

func FormatChatTimestamp(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339)
}
