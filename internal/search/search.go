package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultPatient ResultType = "patient"
	ResultRecord  ResultType = "record"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type      ResultType `json:"type"`
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Snippet   string     `json:"snippet"`
	PatientID string     `json:"patientId"`
}

// Query describes a search request. OwnerID is mandatory: search never
// crosses the ownership boundary, whichever backend serves it.
type Query struct {
	OwnerID    string
	Text       string
	FilterType ResultType // empty = all types
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// PatientRecordDoc is the data indexed for a patient.
type PatientRecordDoc struct {
	ID       string `json:"id"`
	OwnerID  string `json:"ownerId"`
	FullName string `json:"fullName"`
	Notes    string `json:"notes"`
}

// SessionRecordDoc is the data indexed for a session record.
type SessionRecordDoc struct {
	ID        string `json:"id"`
	OwnerID   string `json:"ownerId"`
	PatientID string `json:"patientId"`
	Title     string `json:"title"`
	Content   string `json:"content"`
}
