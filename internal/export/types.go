// Package export renders patient charts and individual session records
// as PDF or DOCX printouts.
package export

import (
	"errors"
	"time"
)

// Format represents the export output format
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
)

// Request contains parameters for an export operation. When RecordID is
// empty the whole chart (every record of the patient) is exported.
type Request struct {
	OwnerID   string
	PatientID string
	RecordID  string
	Format    Format
}

// PatientInfo holds the patient metadata printed on the chart header.
type PatientInfo struct {
	ID        string
	FullName  string
	BirthDate *time.Time
}

// RecordInfo holds one session record for the printout.
type RecordInfo struct {
	ID          string
	SessionDate time.Time
	Title       string
	Content     string
	Status      string
	Revision    int
}

// ClinicianInfo holds the signing clinician shown in the chart footer.
type ClinicianInfo struct {
	DisplayName string
	CRPNumber   string
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrDOCXDependencyMissing indicates DOCX export runtime dependencies are unavailable.
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
	// ErrNothingToExport indicates the patient has no records in range.
	ErrNothingToExport = errors.New("export has no records")
)
