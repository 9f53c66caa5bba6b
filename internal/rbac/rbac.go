// Package rbac decides which document operations a role may perform.
package rbac

type Role string
type Action string

const (
	RoleViewer    Role = "viewer"
	RoleCommenter Role = "commenter"
	RoleEditor    Role = "editor"
	RoleAdmin     Role = "admin"
)

const (
	// ActionRead covers viewing content, versions and diffs.
	ActionRead Action = "read"
	// ActionWrite covers saving content, creating versions and rollback.
	ActionWrite Action = "write"
	// ActionAdmin covers locking and unlocking versions.
	ActionAdmin Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleEditor:
		return action == ActionRead || action == ActionWrite
	case RoleCommenter, RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleCommenter, RoleEditor, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}

// Valid reports whether role names a known role.
func Valid(role string) bool {
	return Normalize(role) == Role(role)
}
