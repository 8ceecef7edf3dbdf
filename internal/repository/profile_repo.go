package repository

import (
	"context"

	"github.com/kian-m/ConsultantAppBack/internal/models"
)

type ProfileRepository struct {
	db DBTX
}

func NewProfileRepository(db DBTX) *ProfileRepository {
	return &ProfileRepository{db: db}
}

func (r *ProfileRepository) CreateEmpty(ctx context.Context, userID int64) error {
	query := `INSERT INTO profiles (user_id) VALUES ($1)`
	_, err := r.db.Exec(ctx, query, userID)
	return err
}

func (r *ProfileRepository) GetByUserID(ctx context.Context, userID int64) (*models.Profile, error) {
	query := `
		SELECT id, user_id, full_name, avatar_url, bio, created_at, updated_at
		FROM profiles
		WHERE user_id = $1
	`
	var profile models.Profile
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&profile.ID,
		&profile.UserID,
		&profile.FullName,
		&profile.AvatarURL,
		&profile.Bio,
		&profile.CreatedAt,
		&profile.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

func (r *ProfileRepository) Update(
	ctx context.Context,
	userID int64,
	fullName *string,
	bio *string,
) (*models.Profile, error) {
	query := `
		UPDATE profiles
		SET full_name = COALESCE($2, full_name),
			bio = COALESCE($3, bio),
			updated_at = NOW()
		WHERE user_id = $1
		RETURNING id, user_id, full_name, avatar_url, bio, created_at, updated_at
	`
	var profile models.Profile
	err := r.db.QueryRow(ctx, query, userID, fullName, bio).Scan(
		&profile.ID,
		&profile.UserID,
		&profile.FullName,
		&profile.AvatarURL,
		&profile.Bio,
		&profile.CreatedAt,
		&profile.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

func (r *ProfileRepository) SetAvatarURL(ctx context.Context, userID int64, avatarURL string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE profiles
		SET avatar_url = $2, updated_at = NOW()
		WHERE user_id = $1
	`, userID, avatarURL)
	return err
}
