package metadata

// UserContext represents the authenticated user, set by auth middleware.
// Attrs carries any extra token claims beyond id and role, so conditions
// like "$currentUser.department" can resolve without schema changes here.
type UserContext struct {
	ID    string         `json:"id"`
	Role  string         `json:"role"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

// IsAdmin checks whether the user has the admin role.
func (u *UserContext) IsAdmin() bool {
	return u != nil && u.Role == "admin"
}
