package inbox

import "context"

// Role is the portal role of a signed-in user.
type Role string

// Portal roles.
const (
	RoleStudent Role = "student"
	RoleParent  Role = "parent"
	RoleTeacher Role = "teacher"
	RoleAdmin   Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleStudent, RoleParent, RoleTeacher, RoleAdmin:
		return true
	}
	return false
}

// Session identifies the signed-in user a Sync works for.
// Only UserID is required; Email and Role are informational.
type Session struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	Role   Role   `json:"role,omitempty"`
}

// Validate returns ErrInvalidSession when the user id is missing or unsafe.
func (s Session) Validate() error {
	if !isValidUserID(s.UserID) {
		return ErrInvalidSession
	}
	return nil
}

// isValidUserID checks if a user ID is valid.
// Valid user IDs are non-empty and contain only safe characters.
// This keeps ids usable as feed channel names and store predicates.
func isValidUserID(userID string) bool {
	if userID == "" {
		return false
	}
	// Allow alphanumeric, hyphen, underscore, period, at-sign
	// Disallow: *, :, /, \, spaces, and control characters
	for _, c := range userID {
		if c == '*' || c == ':' || c == '/' || c == '\\' ||
			c == ' ' || c == '\t' || c == '\n' || c == '\r' ||
			c < 32 || c == 127 {
			return false
		}
	}
	return true
}

type userIDKey struct{}

// ContextWithUserID returns a context carrying the acting user id.
// Notices raised by an Uploader under that context are attributed to it.
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// UserIDFromContext returns the user id set by ContextWithUserID.
func UserIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey{}).(string)
	return id
}
