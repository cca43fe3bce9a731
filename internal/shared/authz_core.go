package shared

// Core platform permissions. Names match the rows seeded into the
// permission catalog; the rbac engine itself treats them as opaque strings.
const (
	PermProjectCreation = "project_creation"
	PermProjectEdit     = "project_edit"
	PermProjectDeletion = "project_deletion"

	PermTaskCreation = "task_creation"
	PermTaskEdit     = "task_edit"
	PermTaskDeletion = "task_deletion"

	PermTeamView = "team_view"

	PermAttendanceView       = "attendance_view"
	PermAttendanceManagement = "attendance_management"

	PermUserManagement = "user_management"
	PermManageRoles    = "manage_roles"
	PermViewReports    = "view_reports"
	PermSystemSettings = "system_settings"
)

// CoreScopes lists all permissions owned by the core platform.
func CoreScopes() []string {
	return []string{
		PermProjectCreation,
		PermProjectEdit,
		PermProjectDeletion,
		PermTaskCreation,
		PermTaskEdit,
		PermTaskDeletion,
		PermTeamView,
		PermAttendanceView,
		PermAttendanceManagement,
		PermUserManagement,
		PermManageRoles,
		PermViewReports,
		PermSystemSettings,
	}
}
