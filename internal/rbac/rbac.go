package rbac

type Role string
type Action string

const (
	RoleViewer   Role = "viewer"
	RoleAssessor Role = "assessor"
	RoleApprover Role = "approver"
	RoleAdmin    Role = "admin"
)

const (
	ActionRead    Action = "read"
	ActionEdit    Action = "edit"
	ActionIssue   Action = "issue"
	ActionApprove Action = "approve"
	ActionAdmin   Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleApprover:
		return action == ActionRead || action == ActionEdit || action == ActionIssue || action == ActionApprove
	case RoleAssessor:
		return action == ActionRead || action == ActionEdit || action == ActionIssue
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleAssessor, RoleApprover, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}
