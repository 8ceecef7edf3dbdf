package models

import "time"

// Role tags which side of a conversation a participant is on. Every
// conversation has exactly one student and one instructor.
type Role string

const (
	RoleStudent    Role = "student"
	RoleInstructor Role = "instructor"
)

func ValidRole(role string) bool {
	return role == string(RoleStudent) || role == string(RoleInstructor)
}

type Conversation struct {
	ID                    int64     `json:"id"`
	UserID                int64     `json:"user_id"`
	InstructorID          int64     `json:"instructor_id"`
	LastMessageAt         time.Time `json:"last_message_at"`
	UnreadUserCount       int       `json:"unread_user_count"`
	UnreadInstructorCount int       `json:"unread_instructor_count"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// ViewerRole reports which role the given participant holds in the
// conversation. The second return is false for non-participants.
func (c *Conversation) ViewerRole(participantID int64) (Role, bool) {
	switch participantID {
	case c.UserID:
		return RoleStudent, true
	case c.InstructorID:
		return RoleInstructor, true
	default:
		return "", false
	}
}

// CounterpartID returns the other participant's id.
func (c *Conversation) CounterpartID(participantID int64) int64 {
	if participantID == c.UserID {
		return c.InstructorID
	}
	return c.UserID
}

// UnreadFor returns the unread counter belonging to the given role, i.e.
// messages sent by the other participant and not yet read by this one.
func (c *Conversation) UnreadFor(role Role) int {
	if role == RoleInstructor {
		return c.UnreadInstructorCount
	}
	return c.UnreadUserCount
}

type ChatMessage struct {
	ID             int64      `json:"id"`
	ConversationID int64      `json:"conversation_id"`
	SenderID       int64      `json:"sender_id"`
	Content        string     `json:"content"`
	CreatedAt      time.Time  `json:"created_at"`
	ReadAt         *time.Time `json:"read_at"`
}

// ConversationSummary is a conversation enriched with the data the list
// view needs: the counterpart's profile, the most recent message, and the
// unread counter for the viewer's own role.
type ConversationSummary struct {
	Conversation
	Counterpart *Profile     `json:"counterpart,omitempty"`
	LastMessage *ChatMessage `json:"last_message,omitempty"`
	UnreadCount int          `json:"unread_count"`
}
