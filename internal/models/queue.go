package models

import "time"

type Status string

const (
	StatusWaiting   Status = "WAITING"
	StatusServing   Status = "SERVING"
	StatusCompleted Status = "COMPLETED"
	StatusCanceled  Status = "CANCELED"
)

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCanceled
}

func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusServing, StatusCompleted, StatusCanceled:
		return true
	default:
		return false
	}
}

type Queue struct {
	QueueID      string     `json:"queue_id"`
	Number       int64      `json:"number"`
	Status       Status     `json:"status"`
	VisitorID    string     `json:"visitor_id"`
	ServiceID    string     `json:"service_id"`
	AdminID      *string    `json:"admin_id,omitempty"`
	StartTime    *time.Time `json:"start_time,omitempty"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	LinkToken    *string    `json:"-"`
	SurveyFilled bool       `json:"survey_filled"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// ServedBy reports whether adminID is the admin recorded on the entry.
func (q Queue) ServedBy(adminID string) bool {
	return q.AdminID != nil && *q.AdminID == adminID
}
