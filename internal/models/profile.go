package models

import "time"

// Profile holds the public-facing summary shown next to conversations and
// on the account page. Optional columns stay nullable.
type Profile struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	FullName  *string   `json:"full_name"`
	AvatarURL *string   `json:"avatar_url"`
	Bio       *string   `json:"bio"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
