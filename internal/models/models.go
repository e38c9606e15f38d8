package models

// Organization-level roles. A user's role only has meaning inside the
// organization referenced by User.OrganizationID.
const (
	RoleAdmin   = "ADMIN"
	RoleManager = "MANAGER"
	RoleMember  = "MEMBER"
)

const (
	OrgStatusActive    = "ACTIVE"
	OrgStatusSuspended = "SUSPENDED"
	OrgStatusArchived  = "ARCHIVED"
)

const (
	ProjectStatusActive   = "ACTIVE"
	ProjectStatusOnHold   = "ON_HOLD"
	ProjectStatusArchived = "ARCHIVED"
)

const (
	ProjectRoleLead   = "LEAD"
	ProjectRoleMember = "MEMBER"
	ProjectRoleViewer = "VIEWER"
)

const (
	InvitationPending   = "PENDING"
	InvitationAccepted  = "ACCEPTED"
	InvitationCancelled = "CANCELLED"
	InvitationExpired   = "EXPIRED"
)

const (
	IssueTypeTask  = "TASK"
	IssueTypeBug   = "BUG"
	IssueTypeStory = "STORY"
	IssueTypeEpic  = "EPIC"
)

const (
	IssueStatusTodo       = "TODO"
	IssueStatusInProgress = "IN_PROGRESS"
	IssueStatusInReview   = "IN_REVIEW"
	IssueStatusDone       = "DONE"
)

const (
	PriorityLow      = "LOW"
	PriorityMedium   = "MEDIUM"
	PriorityHigh     = "HIGH"
	PriorityCritical = "CRITICAL"
)

const (
	AuthTypeLocal = "local"
	AuthTypeLDAP  = "ldap"
)

func IsValidRole(role string) bool {
	switch role {
	case RoleAdmin, RoleManager, RoleMember:
		return true
	}
	return false
}

func IsValidProjectRole(role string) bool {
	switch role {
	case ProjectRoleLead, ProjectRoleMember, ProjectRoleViewer:
		return true
	}
	return false
}

func IsValidProjectStatus(status string) bool {
	switch status {
	case ProjectStatusActive, ProjectStatusOnHold, ProjectStatusArchived:
		return true
	}
	return false
}

func IsValidIssueType(t string) bool {
	switch t {
	case IssueTypeTask, IssueTypeBug, IssueTypeStory, IssueTypeEpic:
		return true
	}
	return false
}

func IsValidIssueStatus(s string) bool {
	switch s {
	case IssueStatusTodo, IssueStatusInProgress, IssueStatusInReview, IssueStatusDone:
		return true
	}
	return false
}

func IsValidPriority(p string) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}
