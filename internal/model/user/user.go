package user

import "time"

// User is a registered account. PasswordHash never leaves the service layer.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Identity is the authenticated caller bound to a request or connection.
type Identity struct {
	UserID string `json:"id"`
	Email  string `json:"email"`
}

// Identity returns the identity u authenticates as.
func (u User) Identity() Identity {
	return Identity{UserID: u.ID, Email: u.Email}
}

// Public is the user view returned to clients.
type Public struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

// Public strips credentials from u.
func (u User) Public() Public {
	return Public{ID: u.ID, Email: u.Email, CreatedAt: u.CreatedAt}
}
