package metadata

// UserContext represents the authenticated user, set by auth middleware.
type UserContext struct {
	ID string `json:"id"`
	// LoggedInAsID is the administrator acting as this user, if the session
	// was created through delegation.
	LoggedInAsID string `json:"loggedInAsId,omitempty"`
	Permissions  *Node  `json:"permissions,omitempty"`
}

// IsDelegated reports whether another user is acting as this one.
func (u *UserContext) IsDelegated() bool {
	return u != nil && u.LoggedInAsID != ""
}

// Grants returns the user's permission tree. A nil user has no tree.
func (u *UserContext) Grants() *Node {
	if u == nil {
		return nil
	}
	return u.Permissions
}
