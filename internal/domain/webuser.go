package domain

import "time"

// WebUser is the web-side identity a player record can be linked to.
type WebUser struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}
