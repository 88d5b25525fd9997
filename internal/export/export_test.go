package export

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestContentToHTML(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "single paragraph",
			input:    "Paciente relatou melhora no sono.",
			expected: "<p>Paciente relatou melhora no sono.</p>",
		},
		{
			name:     "two paragraphs",
			input:    "Primeiro tema.\n\nSegundo tema.",
			expected: "<p>Primeiro tema.</p>\n<p>Segundo tema.</p>",
		},
		{
			name:     "line breaks inside a paragraph",
			input:    "Linha um\nLinha dois",
			expected: "<p>Linha um<br>Linha dois</p>",
		},
		{
			name:     "html is escaped",
			input:    "nota com <script>",
			expected: "&lt;script&gt;",
		},
		{
			name:     "empty content",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := strings.TrimSpace(string(contentToHTML(tt.input)))
			if !strings.Contains(result, strings.TrimSpace(tt.expected)) {
				t.Errorf("contentToHTML(%q) = %q, want it to contain %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Prontuario Maria Silva", "Prontuario-Maria-Silva"},
		{"Sessao v1.2", "Sessao-v12"},
		{"Special!@#$%Chars", "SpecialChars"},
		{"", "prontuario"},
		{"Very Long Title That Exceeds Fifty Characters Limit", "Very-Long-Title-That-Exceeds-Fifty-Characters-Limi"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := sanitizeFilename(tt.input)
			if result != tt.expected {
				t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestPercentEncodeForDataURL(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"hello world", "hello%20world"},       // Spaces encoded as %20, not +
		{"test+sign", "test%2Bsign"},           // + signs are encoded
		{"special<>", "special%3C%3E"},         // Special chars encoded
		{"normal-text.txt", "normal-text.txt"}, // Unreserved chars pass through
		{"", ""},                               // Empty string
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := percentEncodeForDataURL(tt.input)
			if result != tt.expected {
				t.Errorf("percentEncodeForDataURL(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestRenderChartHTML(t *testing.T) {
	birth := time.Date(1990, 3, 15, 0, 0, 0, 0, time.UTC)
	data := TemplateData{
		PatientName:   "Maria Silva",
		BirthDate:     birth.Format("02/01/2006"),
		ClinicianName: "Dra. Helena Costa",
		CRPNumber:     "06/12345",
		GeneratedAt:   time.Date(2026, 8, 20, 14, 30, 0, 0, time.UTC),
		Entries: []TemplateEntry{
			{
				SessionDate: time.Date(2026, 8, 18, 0, 0, 0, 0, time.UTC),
				Title:       "Sessão inicial",
				Status:      "final",
				Revision:    2,
				ContentHTML: contentToHTML("Paciente relatou ansiedade."),
			},
			{
				SessionDate: time.Date(2026, 8, 19, 0, 0, 0, 0, time.UTC),
				Status:      "draft",
				Revision:    1,
				ContentHTML: contentToHTML("Anotação em andamento."),
			},
		},
	}

	html, err := RenderChartHTML(data)
	if err != nil {
		t.Fatalf("RenderChartHTML() error = %v", err)
	}

	for _, want := range []string{
		"Maria Silva",
		"15/03/1990",
		"Sessão inicial",
		"18/08/2026",
		"revisão 2",
		"rascunho",
		"Dra. Helena Costa",
		"CRP 06/12345",
	} {
		if !strings.Contains(html, want) {
			t.Errorf("rendered chart missing %q", want)
		}
	}

	// Record content must land as raw paragraphs, not escaped markup.
	if !strings.Contains(html, "<p>Paciente relatou ansiedade.</p>") {
		t.Error("content should be rendered as unescaped <p> tags")
	}
}

type fakeExportStore struct {
	patient PatientInfo
	records []RecordInfo
}

func (f *fakeExportStore) GetPatient(ctx context.Context, ownerID, id string) (PatientInfo, error) {
	return f.patient, nil
}

func (f *fakeExportStore) GetRecord(ctx context.Context, ownerID, patientID, id string) (RecordInfo, error) {
	for _, r := range f.records {
		if r.ID == id {
			return r, nil
		}
	}
	return RecordInfo{}, ErrNothingToExport
}

func (f *fakeExportStore) ListRecords(ctx context.Context, ownerID, patientID string) ([]RecordInfo, error) {
	return f.records, nil
}

func TestExportEmptyChart(t *testing.T) {
	svc := NewService(&fakeExportStore{patient: PatientInfo{ID: "pat_1", FullName: "Maria Silva"}})

	_, err := svc.Export(context.Background(), Request{
		OwnerID:   "cli_1",
		PatientID: "pat_1",
		Format:    FormatPDF,
	}, ClinicianInfo{DisplayName: "Dra. Helena"})
	if err != ErrNothingToExport {
		t.Fatalf("expected ErrNothingToExport, got %v", err)
	}
}

func TestExportRejectsUnknownFormat(t *testing.T) {
	svc := NewService(&fakeExportStore{
		patient: PatientInfo{ID: "pat_1", FullName: "Maria Silva"},
		records: []RecordInfo{{ID: "rec_1", Content: "nota", SessionDate: time.Now(), Revision: 1}},
	})

	_, err := svc.Export(context.Background(), Request{
		OwnerID:   "cli_1",
		PatientID: "pat_1",
		Format:    Format("odt"),
	}, ClinicianInfo{DisplayName: "Dra. Helena"})
	if err == nil || !strings.Contains(err.Error(), "unsupported format") {
		t.Fatalf("expected unsupported format error, got %v", err)
	}
}
