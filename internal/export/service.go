package export

import (
	"context"
	"fmt"
	"time"
)

// DataStore defines the data access the exporter needs. Every method takes
// the owner id so lookups stay inside the caller's ownership boundary.
type DataStore interface {
	GetPatient(ctx context.Context, ownerID, id string) (PatientInfo, error)
	GetRecord(ctx context.Context, ownerID, patientID, id string) (RecordInfo, error)
	ListRecords(ctx context.Context, ownerID, patientID string) ([]RecordInfo, error)
}

// Service renders chart printouts.
type Service struct {
	store DataStore
}

// NewService creates a new export service
func NewService(store DataStore) *Service {
	return &Service{store: store}
}

// Export generates a printout in the requested format. With a RecordID the
// output holds that single session; without one it holds the whole chart.
func (s *Service) Export(ctx context.Context, req Request, clinician ClinicianInfo) (*Result, error) {
	patient, err := s.store.GetPatient(ctx, req.OwnerID, req.PatientID)
	if err != nil {
		return nil, fmt.Errorf("get patient: %w", err)
	}

	var records []RecordInfo
	if req.RecordID != "" {
		record, err := s.store.GetRecord(ctx, req.OwnerID, req.PatientID, req.RecordID)
		if err != nil {
			return nil, fmt.Errorf("get record: %w", err)
		}
		records = []RecordInfo{record}
	} else {
		records, err = s.store.ListRecords(ctx, req.OwnerID, req.PatientID)
		if err != nil {
			return nil, fmt.Errorf("list records: %w", err)
		}
	}
	if len(records) == 0 {
		return nil, ErrNothingToExport
	}

	data := TemplateData{
		PatientName:   patient.FullName,
		ClinicianName: clinician.DisplayName,
		CRPNumber:     clinician.CRPNumber,
		GeneratedAt:   time.Now(),
	}
	if patient.BirthDate != nil {
		data.BirthDate = patient.BirthDate.Format("02/01/2006")
	}
	for _, r := range records {
		data.Entries = append(data.Entries, TemplateEntry{
			SessionDate: r.SessionDate,
			Title:       r.Title,
			Status:      r.Status,
			Revision:    r.Revision,
			ContentHTML: contentToHTML(r.Content),
		})
	}

	html, err := RenderChartHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	title := "Prontuario " + patient.FullName
	switch req.Format {
	case FormatPDF:
		return exportPDF(html, title)
	case FormatDOCX:
		return exportDOCX(html, title)
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
}
