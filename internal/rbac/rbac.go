package rbac

type Role string
type Action string

const (
	RoleObserver Role = "observer"
	RoleMember   Role = "member"
	RoleAdmin    Role = "admin"
)

const (
	ActionRead      Action = "read"
	ActionVote      Action = "vote"
	ActionStartVote Action = "start_vote"
	ActionEndVote   Action = "end_vote"
	ActionIngest    Action = "ingest"
	ActionClearLog  Action = "clear_log"

	ActionReadAllGroups Action = "read_all_groups"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleMember:
		return action == ActionRead || action == ActionVote || action == ActionStartVote || action == ActionEndVote || action == ActionIngest
	case RoleObserver:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleObserver, RoleMember, RoleAdmin:
		return Role(role)
	default:
		return RoleObserver
	}
}
