package models

import "time"

type Service struct {
	ServiceID string    `json:"service_id"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Visitor struct {
	VisitorID   string    `json:"visitor_id"`
	Name        string    `json:"name"`
	Phone       string    `json:"phone"`
	Institution string    `json:"institution,omitempty"`
	Email       string    `json:"email,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
