package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/kian-m/ConsultantAppBack/internal/models"
)

type ConversationRepository struct {
	db DBTX
}

func NewConversationRepository(db DBTX) *ConversationRepository {
	return &ConversationRepository{db: db}
}

const conversationColumns = `
	id, user_id, instructor_id, last_message_at,
	unread_user_count, unread_instructor_count, created_at, updated_at
`

func scanConversation(row interface{ Scan(dest ...any) error }) (*models.Conversation, error) {
	var conversation models.Conversation
	err := row.Scan(
		&conversation.ID,
		&conversation.UserID,
		&conversation.InstructorID,
		&conversation.LastMessageAt,
		&conversation.UnreadUserCount,
		&conversation.UnreadInstructorCount,
		&conversation.CreatedAt,
		&conversation.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &conversation, nil
}

// CreateOrGet returns the single conversation for a (student, instructor)
// pair, creating it on first contact. Concurrent first calls land on the
// unique pair index and both resolve to the same row.
func (r *ConversationRepository) CreateOrGet(
	ctx context.Context,
	userID int64,
	instructorID int64,
) (*models.Conversation, error) {
	query := `
		INSERT INTO conversations (user_id, instructor_id)
		VALUES ($1, $2)
		ON CONFLICT (user_id, instructor_id)
		DO UPDATE SET updated_at = conversations.updated_at
		RETURNING ` + conversationColumns

	return scanConversation(r.db.QueryRow(ctx, query, userID, instructorID))
}

func (r *ConversationRepository) GetByID(ctx context.Context, conversationID int64) (*models.Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE id = $1
	`
	return scanConversation(r.db.QueryRow(ctx, query, conversationID))
}

func (r *ConversationRepository) GetByIDForParticipant(
	ctx context.Context,
	conversationID int64,
	participantID int64,
) (*models.Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE id = $1 AND (user_id = $2 OR instructor_id = $2)
	`
	return scanConversation(r.db.QueryRow(ctx, query, conversationID, participantID))
}

// ListForParticipant returns every conversation the participant belongs to,
// most recently active first, each joined with the counterpart's profile,
// the latest message, and the participant's own unread counter.
func (r *ConversationRepository) ListForParticipant(
	ctx context.Context,
	participantID int64,
) ([]models.ConversationSummary, error) {
	query := `
		SELECT
			c.id,
			c.user_id,
			c.instructor_id,
			c.last_message_at,
			c.unread_user_count,
			c.unread_instructor_count,
			c.created_at,
			c.updated_at,
			p.id,
			p.user_id,
			p.full_name,
			p.avatar_url,
			p.bio,
			lm.id,
			lm.conversation_id,
			lm.sender_id,
			lm.content,
			lm.created_at,
			lm.read_at,
			CASE WHEN c.user_id = $1 THEN c.unread_user_count ELSE c.unread_instructor_count END
		FROM conversations c
		LEFT JOIN profiles p ON p.user_id = CASE
			WHEN c.user_id = $1 THEN c.instructor_id
			ELSE c.user_id
		END
		LEFT JOIN LATERAL (
			SELECT id, conversation_id, sender_id, content, created_at, read_at
			FROM messages
			WHERE conversation_id = c.id
			ORDER BY created_at DESC, id DESC
			LIMIT 1
		) lm ON TRUE
		WHERE c.user_id = $1 OR c.instructor_id = $1
		ORDER BY c.last_message_at DESC, c.id DESC
	`

	rows, err := r.db.Query(ctx, query, participantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summaries := make([]models.ConversationSummary, 0)
	for rows.Next() {
		var summary models.ConversationSummary
		var profileID sql.NullInt64
		var profileUserID sql.NullInt64
		var profileFullName sql.NullString
		var profileAvatarURL sql.NullString
		var profileBio sql.NullString
		var messageID sql.NullInt64
		var messageConversationID sql.NullInt64
		var messageSenderID sql.NullInt64
		var messageContent sql.NullString
		var messageCreatedAt sql.NullTime
		var messageReadAt sql.NullTime

		if err := rows.Scan(
			&summary.ID,
			&summary.UserID,
			&summary.InstructorID,
			&summary.LastMessageAt,
			&summary.UnreadUserCount,
			&summary.UnreadInstructorCount,
			&summary.CreatedAt,
			&summary.UpdatedAt,
			&profileID,
			&profileUserID,
			&profileFullName,
			&profileAvatarURL,
			&profileBio,
			&messageID,
			&messageConversationID,
			&messageSenderID,
			&messageContent,
			&messageCreatedAt,
			&messageReadAt,
			&summary.UnreadCount,
		); err != nil {
			return nil, err
		}

		if profileID.Valid {
			profile := &models.Profile{
				ID:     profileID.Int64,
				UserID: profileUserID.Int64,
			}
			if profileFullName.Valid {
				profile.FullName = &profileFullName.String
			}
			if profileAvatarURL.Valid {
				profile.AvatarURL = &profileAvatarURL.String
			}
			if profileBio.Valid {
				profile.Bio = &profileBio.String
			}
			summary.Counterpart = profile
		}

		if messageID.Valid {
			message := &models.ChatMessage{
				ID:             messageID.Int64,
				ConversationID: messageConversationID.Int64,
				SenderID:       messageSenderID.Int64,
				Content:        messageContent.String,
				CreatedAt:      messageCreatedAt.Time,
			}
			if messageReadAt.Valid {
				readAt := messageReadAt.Time
				message.ReadAt = &readAt
			}
			summary.LastMessage = message
		}

		summaries = append(summaries, summary)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return summaries, nil
}

// UnreadTotal sums the participant's own unread counter across all of
// their conversations. The counter columns are the source of truth.
func (r *ConversationRepository) UnreadTotal(ctx context.Context, participantID int64) (int, error) {
	query := `
		SELECT COALESCE(SUM(
			CASE WHEN user_id = $1 THEN unread_user_count ELSE unread_instructor_count END
		), 0)
		FROM conversations
		WHERE user_id = $1 OR instructor_id = $1
	`
	var total int
	if err := r.db.QueryRow(ctx, query, participantID).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

// ApplyMessage advances last_message_at and increments the recipient's
// unread counter after a message insert. Runs in the same transaction as
// the insert so counters never drift from the message rows.
func (r *ConversationRepository) ApplyMessage(
	ctx context.Context,
	conversationID int64,
	senderID int64,
	sentAt time.Time,
) (*models.Conversation, error) {
	query := `
		UPDATE conversations
		SET last_message_at = GREATEST(last_message_at, $3),
			unread_user_count = unread_user_count +
				CASE WHEN instructor_id = $2 THEN 1 ELSE 0 END,
			unread_instructor_count = unread_instructor_count +
				CASE WHEN user_id = $2 THEN 1 ELSE 0 END,
			updated_at = NOW()
		WHERE id = $1
		RETURNING ` + conversationColumns

	return scanConversation(r.db.QueryRow(ctx, query, conversationID, senderID, sentAt))
}

// ResetUnread zeroes one role's counter. Idempotent.
func (r *ConversationRepository) ResetUnread(
	ctx context.Context,
	conversationID int64,
	role models.Role,
) (*models.Conversation, error) {
	query := `
		UPDATE conversations
		SET unread_user_count =
				CASE WHEN $2 = 'student' THEN 0 ELSE unread_user_count END,
			unread_instructor_count =
				CASE WHEN $2 = 'instructor' THEN 0 ELSE unread_instructor_count END,
			updated_at = NOW()
		WHERE id = $1
		RETURNING ` + conversationColumns

	return scanConversation(r.db.QueryRow(ctx, query, conversationID, string(role)))
}
