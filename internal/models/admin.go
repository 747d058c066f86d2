package models

type Role string

const (
	RoleElevated Role = "elevated"
	RoleOrdinary Role = "ordinary"
)

// CanCompleteAny reports whether the role may complete entries claimed by
// another admin.
func (r Role) CanCompleteAny() bool {
	return r == RoleElevated
}

type Admin struct {
	AdminID string `json:"admin_id"`
	Name    string `json:"name"`
	Role    Role   `json:"role"`
}
