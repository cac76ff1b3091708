package api

import "time"

type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Status    string    `json:"status,omitempty"`
	Coins     int64     `json:"coins"`
	CreatedAt time.Time `json:"created_at"`
}

type Agency struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	OwnerID string `json:"owner_id"`
	Members int    `json:"members"`
	Status  string `json:"status,omitempty"`
}

type Gift struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category,omitempty"`
	Price    int64  `json:"price"`
	ImageURL string `json:"image_url,omitempty"`
	Active   bool   `json:"active"`
}

type CoinPlan struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Coins    int64   `json:"coins"`
	Price    float64 `json:"price"`
	Currency string  `json:"currency"`
	Active   bool    `json:"active"`
}

type WealthLevel struct {
	ID       string `json:"id"`
	Level    int    `json:"level"`
	Name     string `json:"name"`
	MinCoins int64  `json:"min_coins"`
	BadgeURL string `json:"badge_url,omitempty"`
}

type SubAdmin struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Email       string   `json:"email"`
	Permissions []string `json:"permissions"`
	Active      bool     `json:"active"`
}

// Report is a moderation report filed against a user or a piece of content.
type Report struct {
	ID         string    `json:"id"`
	ReporterID string    `json:"reporter_id"`
	TargetID   string    `json:"target_id"`
	TargetType string    `json:"target_type"`
	Reason     string    `json:"reason"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// Profile is the signed-in admin.
type Profile struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Email       string   `json:"email"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions,omitempty"`
}
