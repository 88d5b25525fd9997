package store

import "time"

// Clinician is an account holder: a psychologist running their own practice.
// Clinicians are the owners all patient data is isolated by.
type Clinician struct {
	ID                    string
	DisplayName           string
	Email                 string
	CRPNumber             string
	PasswordHash          string
	Role                  string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	DeactivatedAt         *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

type Patient struct {
	ID               string
	OwnerID          string
	FullName         string
	BirthDate        *time.Time
	Email            string
	Phone            string
	EmergencyContact string
	Notes            string
	ArchivedAt       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Record is a single session note (prontuário entry) for a patient.
type Record struct {
	ID          string
	OwnerID     string
	PatientID   string
	SessionDate time.Time
	Title       string
	Content     string
	Status      string // 'draft' or 'final'
	Revision    int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RecordRevision preserves the content a record held before an update.
// Revisions are append-only; nothing in the application deletes them.
type RecordRevision struct {
	ID          int64
	RecordID    string
	OwnerID     string
	Revision    int
	SessionDate time.Time
	Title       string
	Content     string
	Status      string
	EditedBy    string
	CreatedAt   time.Time
}

type Attachment struct {
	ID          string
	OwnerID     string
	PatientID   string
	Filename    string
	ContentType string
	SizeBytes   int64
	ObjectKey   string
	CreatedAt   time.Time
}

// AuditEvent records who touched which clinical resource and how.
type AuditEvent struct {
	ID           int64
	OwnerID      string
	ActorID      string
	ActorName    string
	Action       string
	ResourceType string
	ResourceID   string
	CreatedAt    time.Time
}

// SummaryCounts is the dashboard payload for one clinician.
type SummaryCounts struct {
	Patients         int
	ArchivedPatients int
	Records          int
	RecordsThisMonth int
}
