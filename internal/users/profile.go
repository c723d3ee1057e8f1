package users

import (
	"strings"
)

// Profile records when a verified user was first and last seen by the API.
type Profile struct {
	UserID           string `gorm:"column:user_id;primaryKey;size:190;not null"`
	Email            string `gorm:"column:email;size:320"`
	FirstSeenSeconds int64  `gorm:"column:first_seen_s;not null"`
	LastSeenSeconds  int64  `gorm:"column:last_seen_s;not null"`
}

// TableName exposes the table backing user profiles.
func (Profile) TableName() string {
	return "user_profiles"
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
