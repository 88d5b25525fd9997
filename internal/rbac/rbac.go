package rbac

type Role string
type Action string

const (
	// RoleClinician is the registered psychologist who owns a practice's
	// patients and clinical records.
	RoleClinician Role = "clinician"
	// RoleAssistant may manage patient demographics and scheduling data but
	// never clinical record content.
	RoleAssistant Role = "assistant"
	RoleAdmin     Role = "admin"
)

const (
	ActionReadPatients  Action = "read_patients"
	ActionWritePatients Action = "write_patients"
	ActionReadRecords   Action = "read_records"
	ActionWriteRecords  Action = "write_records"
	ActionExport        Action = "export"
	ActionAdmin         Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleClinician:
		return action == ActionReadPatients || action == ActionWritePatients ||
			action == ActionReadRecords || action == ActionWriteRecords ||
			action == ActionExport
	case RoleAssistant:
		return action == ActionReadPatients || action == ActionWritePatients
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleClinician, RoleAssistant, RoleAdmin:
		return Role(role)
	default:
		return RoleClinician
	}
}
