package app

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"prontuario/api/internal/auth"
	"prontuario/api/internal/authpw"
	"prontuario/api/internal/config"
	"prontuario/api/internal/email"
	"prontuario/api/internal/export"
	"prontuario/api/internal/privacy"
	"prontuario/api/internal/rbac"
	"prontuario/api/internal/search"
	"prontuario/api/internal/store"
	"prontuario/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	ClinicianID  string
	UserName     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

// PatientInput carries the mutable patient fields from the API surface.
type PatientInput struct {
	FullName         string `json:"fullName"`
	BirthDate        string `json:"birthDate"`
	Email            string `json:"email"`
	Phone            string `json:"phone"`
	EmergencyContact string `json:"emergencyContact"`
	Notes            string `json:"notes"`
}

// RecordInput carries the mutable session record fields.
type RecordInput struct {
	SessionDate string `json:"sessionDate"`
	Title       string `json:"title"`
	Content     string `json:"content"`
	Status      string `json:"status"`
}

var allowedRecordStatus = map[string]struct{}{
	"draft": {},
	"final": {},
}

// dataStore is the Postgres surface the service depends on. Every clinical
// method takes the owner id and runs inside an owner-bound transaction.
type dataStore interface {
	GetClinicianByID(ctx context.Context, id string) (store.Clinician, error)
	SaveRefreshSession(ctx context.Context, tokenHash, clinicianID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.Clinician, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)

	InsertPatient(ctx context.Context, p store.Patient) error
	GetPatient(ctx context.Context, ownerID, patientID string) (store.Patient, error)
	ListPatients(ctx context.Context, ownerID string, includeArchived bool) ([]store.Patient, error)
	UpdatePatient(ctx context.Context, p store.Patient) error
	ArchivePatient(ctx context.Context, ownerID, patientID string) error

	InsertRecord(ctx context.Context, r store.Record) error
	GetRecord(ctx context.Context, ownerID, patientID, recordID string) (store.Record, error)
	ListRecords(ctx context.Context, ownerID, patientID string) ([]store.Record, error)
	UpdateRecord(ctx context.Context, r store.Record, editedBy string) (store.Record, error)
	ListRecordRevisions(ctx context.Context, ownerID, recordID string) ([]store.RecordRevision, error)

	InsertAttachment(ctx context.Context, a store.Attachment) error
	GetAttachment(ctx context.Context, ownerID, patientID, attachmentID string) (store.Attachment, error)
	ListAttachments(ctx context.Context, ownerID, patientID string) ([]store.Attachment, error)
	DeleteAttachment(ctx context.Context, ownerID, patientID, attachmentID string) error

	InsertAuditEvent(ctx context.Context, e store.AuditEvent) error
	ListAuditEvents(ctx context.Context, ownerID string, limit int) ([]store.AuditEvent, error)
	Summary(ctx context.Context, ownerID string) (store.SummaryCounts, error)

	Ping(ctx context.Context) error
}

// refreshStore holds refresh sessions. Redis when configured, Postgres
// otherwise; both speak the same three methods.
type refreshStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, clinicianID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.Clinician, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

// attachmentStore is the object store attachments live in.
type attachmentStore interface {
	Upload(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	Download(ctx context.Context, key string) (io.ReadCloser, error)
	Remove(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

// searchIndex is the owner-scoped search facade. Index maintenance calls are
// best-effort; the database stays the source of truth.
type searchIndex interface {
	Search(q search.Query) search.Response
	IndexPatient(doc search.PatientRecordDoc)
	IndexRecord(doc search.SessionRecordDoc)
	DeletePatient(id string)
	DeleteRecord(id string)
}

type Service struct {
	cfg         config.Config
	store       dataStore
	sessions    refreshStore
	authpw      *authpw.Service
	email       *email.Service
	search      searchIndex
	attachments attachmentStore
	policy      privacy.Policy
}

// Options carries the optional collaborators. Nil fields disable the
// corresponding feature rather than failing startup.
type Options struct {
	Sessions    refreshStore
	Email       *email.Service
	Search      searchIndex
	Attachments attachmentStore
}

func New(cfg config.Config, dataStore dataStore, authService *authpw.Service, opts Options) *Service {
	sessions := opts.Sessions
	if sessions == nil {
		sessions = dataStore
	}
	return &Service{
		cfg:         cfg,
		store:       dataStore,
		sessions:    sessions,
		authpw:      authService,
		email:       opts.Email,
		search:      opts.Search,
		attachments: opts.Attachments,
		policy:      privacy.DefaultPolicy(),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) AttachmentsConfigured() bool {
	return s.attachments != nil
}

// PingAttachments checks the object store. Only meaningful when attachments
// are configured.
func (s *Service) PingAttachments(ctx context.Context) error {
	if s.attachments == nil {
		return nil
	}
	return s.attachments.Ping(ctx)
}

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.authpw
}

func (s *Service) SMTPConfigured() bool {
	return s.email != nil && s.email.IsConfigured()
}

// SendVerificationEmail mails the signup verification link. Failures are
// logged, not surfaced: the account exists either way and the token can be
// re-requested.
func (s *Service) SendVerificationEmail(to, name, token string) {
	if !s.SMTPConfigured() {
		return
	}
	url := s.cfg.AppBaseURL + "/verificar-email?token=" + token
	go func() {
		if err := s.email.SendVerificationEmail(to, name, url); err != nil {
			log.Printf("email: verification send to %s failed: %v", to, err)
		}
	}()
}

func (s *Service) SendPasswordResetEmail(to, name, token string) {
	if !s.SMTPConfigured() {
		return
	}
	url := s.cfg.AppBaseURL + "/redefinir-senha?token=" + token
	go func() {
		if err := s.email.SendPasswordResetEmail(to, name, url); err != nil {
			log.Printf("email: reset send to %s failed: %v", to, err)
		}
	}()
}

// CreateSession issues tokens for an already-authenticated clinician.
func (s *Service) CreateSession(ctx context.Context, clinicianID string) (Session, error) {
	clinician, err := s.store.GetClinicianByID(ctx, clinicianID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, clinician)
}

// Refresh rotates a refresh token: the presented token is revoked and a new
// pair is issued. A reused token fails the lookup.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	clinician, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	// Re-read the account so a deactivation or role change since sign-in
	// takes effect on refresh.
	fresh, err := s.store.GetClinicianByID(ctx, clinician.ID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, fresh)
}

func (s *Service) issueSession(ctx context.Context, clinician store.Clinician) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), clinician.ID, clinician.DisplayName, clinician.Role, jti, expiresAt)
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), clinician.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		ClinicianID:  clinician.ID,
		UserName:     clinician.DisplayName,
		Role:         clinician.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.ID)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	clinician, err := s.store.GetClinicianByID(ctx, claims.Subject)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:       token,
		ClinicianID: clinician.ID,
		UserName:    clinician.DisplayName,
		Role:        clinician.Role,
		JTI:         claims.ID,
		ExpiresAt:   claims.ExpiresAt.Time,
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// authorize runs the privacy policy for an operation acting as the session's
// clinician. Role denials come back as 403.
func (s *Service) authorize(ctx context.Context, session Session, resource privacy.Resource, action privacy.Action, ownerID string) error {
	ctx = privacy.WithViewer(ctx, privacy.Viewer{ClinicianID: session.ClinicianID, Role: session.Role})
	if err := s.policy.Eval(ctx, privacy.Operation{Resource: resource, Action: action, OwnerID: ownerID}); err != nil {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return nil
}

func (s *Service) audit(ctx context.Context, session Session, action, resourceType, resourceID string) {
	err := s.store.InsertAuditEvent(ctx, store.AuditEvent{
		OwnerID:      session.ClinicianID,
		ActorID:      session.ClinicianID,
		ActorName:    session.UserName,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
	})
	if err != nil {
		log.Printf("audit: %s %s/%s: %v", action, resourceType, resourceID, err)
	}
}

// Patients

func (s *Service) CreatePatient(ctx context.Context, session Session, input PatientInput) (map[string]any, error) {
	if err := s.authorize(ctx, session, privacy.ResourcePatient, privacy.ActionWrite, ""); err != nil {
		return nil, err
	}
	fullName := strings.TrimSpace(input.FullName)
	if fullName == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "fullName is required", nil)
	}
	birthDate, err := parseOptionalDate(input.BirthDate)
	if err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "birthDate must be YYYY-MM-DD", nil)
	}

	patient := store.Patient{
		ID:               util.NewID("pat"),
		OwnerID:          session.ClinicianID,
		FullName:         fullName,
		BirthDate:        birthDate,
		Email:            strings.TrimSpace(input.Email),
		Phone:            strings.TrimSpace(input.Phone),
		EmergencyContact: strings.TrimSpace(input.EmergencyContact),
		Notes:            input.Notes,
	}
	if err := s.store.InsertPatient(ctx, patient); err != nil {
		return nil, err
	}

	s.audit(ctx, session, "create", "patient", patient.ID)
	s.indexPatient(patient)

	created, err := s.store.GetPatient(ctx, session.ClinicianID, patient.ID)
	if err != nil {
		return nil, err
	}
	return patientPayload(created), nil
}

func (s *Service) ListPatients(ctx context.Context, session Session, includeArchived bool) ([]map[string]any, error) {
	if err := s.authorize(ctx, session, privacy.ResourcePatient, privacy.ActionRead, session.ClinicianID); err != nil {
		return nil, err
	}
	patients, err := s.store.ListPatients(ctx, session.ClinicianID, includeArchived)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(patients))
	for _, p := range patients {
		items = append(items, patientPayload(p))
	}
	return items, nil
}

func (s *Service) GetPatient(ctx context.Context, session Session, patientID string) (map[string]any, error) {
	if err := s.authorize(ctx, session, privacy.ResourcePatient, privacy.ActionRead, session.ClinicianID); err != nil {
		return nil, err
	}
	patient, err := s.store.GetPatient(ctx, session.ClinicianID, patientID)
	if err != nil {
		return nil, err
	}
	return patientPayload(patient), nil
}

func (s *Service) UpdatePatient(ctx context.Context, session Session, patientID string, input PatientInput) (map[string]any, error) {
	if err := s.authorize(ctx, session, privacy.ResourcePatient, privacy.ActionWrite, session.ClinicianID); err != nil {
		return nil, err
	}
	existing, err := s.store.GetPatient(ctx, session.ClinicianID, patientID)
	if err != nil {
		return nil, err
	}
	fullName := strings.TrimSpace(input.FullName)
	if fullName == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "fullName is required", nil)
	}
	birthDate, err := parseOptionalDate(input.BirthDate)
	if err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "birthDate must be YYYY-MM-DD", nil)
	}

	existing.FullName = fullName
	existing.BirthDate = birthDate
	existing.Email = strings.TrimSpace(input.Email)
	existing.Phone = strings.TrimSpace(input.Phone)
	existing.EmergencyContact = strings.TrimSpace(input.EmergencyContact)
	existing.Notes = input.Notes

	if err := s.store.UpdatePatient(ctx, existing); err != nil {
		return nil, err
	}

	s.audit(ctx, session, "update", "patient", patientID)
	s.indexPatient(existing)

	updated, err := s.store.GetPatient(ctx, session.ClinicianID, patientID)
	if err != nil {
		return nil, err
	}
	return patientPayload(updated), nil
}

// ArchivePatient soft-deletes: the patient leaves lists and search but the
// chart stays readable. Clinical records are never destroyed.
func (s *Service) ArchivePatient(ctx context.Context, session Session, patientID string) error {
	if err := s.authorize(ctx, session, privacy.ResourcePatient, privacy.ActionWrite, session.ClinicianID); err != nil {
		return err
	}
	if err := s.store.ArchivePatient(ctx, session.ClinicianID, patientID); err != nil {
		return err
	}
	s.audit(ctx, session, "archive", "patient", patientID)
	if s.search != nil {
		// The chart stays readable, but an archived patient leaves the index
		// together with their records.
		s.search.DeletePatient(patientID)
		if records, err := s.store.ListRecords(ctx, session.ClinicianID, patientID); err == nil {
			for _, r := range records {
				s.search.DeleteRecord(r.ID)
			}
		}
	}
	return nil
}

// Records

func (s *Service) CreateRecord(ctx context.Context, session Session, patientID string, input RecordInput) (map[string]any, error) {
	if err := s.authorize(ctx, session, privacy.ResourceRecord, privacy.ActionWrite, ""); err != nil {
		return nil, err
	}
	// The patient lookup scopes by owner, so a foreign patient id 404s here.
	if _, err := s.store.GetPatient(ctx, session.ClinicianID, patientID); err != nil {
		return nil, err
	}

	status := strings.TrimSpace(input.Status)
	if status == "" {
		status = "draft"
	}
	if _, ok := allowedRecordStatus[status]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "status must be draft or final", nil)
	}
	if strings.TrimSpace(input.Content) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content is required", nil)
	}
	sessionDate, err := parseSessionDate(input.SessionDate)
	if err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "sessionDate must be YYYY-MM-DD", nil)
	}

	record := store.Record{
		ID:          util.NewID("rec"),
		OwnerID:     session.ClinicianID,
		PatientID:   patientID,
		SessionDate: sessionDate,
		Title:       strings.TrimSpace(input.Title),
		Content:     input.Content,
		Status:      status,
		Revision:    1,
	}
	if err := s.store.InsertRecord(ctx, record); err != nil {
		return nil, err
	}

	s.audit(ctx, session, "create", "record", record.ID)
	s.indexRecord(record)

	created, err := s.store.GetRecord(ctx, session.ClinicianID, patientID, record.ID)
	if err != nil {
		return nil, err
	}
	return recordPayload(created), nil
}

func (s *Service) ListRecords(ctx context.Context, session Session, patientID string) ([]map[string]any, error) {
	if err := s.authorize(ctx, session, privacy.ResourceRecord, privacy.ActionRead, session.ClinicianID); err != nil {
		return nil, err
	}
	if _, err := s.store.GetPatient(ctx, session.ClinicianID, patientID); err != nil {
		return nil, err
	}
	records, err := s.store.ListRecords(ctx, session.ClinicianID, patientID)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, session, "read", "chart", patientID)
	items := make([]map[string]any, 0, len(records))
	for _, r := range records {
		items = append(items, recordPayload(r))
	}
	return items, nil
}

func (s *Service) GetRecord(ctx context.Context, session Session, patientID, recordID string) (map[string]any, error) {
	if err := s.authorize(ctx, session, privacy.ResourceRecord, privacy.ActionRead, session.ClinicianID); err != nil {
		return nil, err
	}
	record, err := s.store.GetRecord(ctx, session.ClinicianID, patientID, recordID)
	if err != nil {
		return nil, err
	}
	// Clinical reads leave a trail, not only writes.
	s.audit(ctx, session, "read", "record", recordID)
	return recordPayload(record), nil
}

// UpdateRecord snapshots the current content as a revision and applies the
// new content in the same transaction.
func (s *Service) UpdateRecord(ctx context.Context, session Session, patientID, recordID string, input RecordInput) (map[string]any, error) {
	if err := s.authorize(ctx, session, privacy.ResourceRecord, privacy.ActionWrite, session.ClinicianID); err != nil {
		return nil, err
	}
	existing, err := s.store.GetRecord(ctx, session.ClinicianID, patientID, recordID)
	if err != nil {
		return nil, err
	}

	status := strings.TrimSpace(input.Status)
	if status == "" {
		status = existing.Status
	}
	if _, ok := allowedRecordStatus[status]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "status must be draft or final", nil)
	}
	if strings.TrimSpace(input.Content) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content is required", nil)
	}
	sessionDate := existing.SessionDate
	if strings.TrimSpace(input.SessionDate) != "" {
		sessionDate, err = parseSessionDate(input.SessionDate)
		if err != nil {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "sessionDate must be YYYY-MM-DD", nil)
		}
	}

	existing.SessionDate = sessionDate
	existing.Title = strings.TrimSpace(input.Title)
	existing.Content = input.Content
	existing.Status = status

	updated, err := s.store.UpdateRecord(ctx, existing, session.UserName)
	if err != nil {
		return nil, err
	}

	s.audit(ctx, session, "update", "record", recordID)
	s.indexRecord(updated)

	return recordPayload(updated), nil
}

func (s *Service) ListRecordRevisions(ctx context.Context, session Session, patientID, recordID string) ([]map[string]any, error) {
	if err := s.authorize(ctx, session, privacy.ResourceRecord, privacy.ActionRead, session.ClinicianID); err != nil {
		return nil, err
	}
	if _, err := s.store.GetRecord(ctx, session.ClinicianID, patientID, recordID); err != nil {
		return nil, err
	}
	revisions, err := s.store.ListRecordRevisions(ctx, session.ClinicianID, recordID)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, session, "read", "record", recordID)
	items := make([]map[string]any, 0, len(revisions))
	for _, rev := range revisions {
		items = append(items, map[string]any{
			"revision":    rev.Revision,
			"sessionDate": rev.SessionDate.Format("2006-01-02"),
			"title":       rev.Title,
			"content":     rev.Content,
			"status":      rev.Status,
			"editedBy":    rev.EditedBy,
			"createdAt":   rev.CreatedAt,
		})
	}
	return items, nil
}

// Attachments

func (s *Service) UploadAttachment(ctx context.Context, session Session, patientID, filename, contentType string, size int64, body io.Reader) (map[string]any, error) {
	if err := s.authorize(ctx, session, privacy.ResourceAttachment, privacy.ActionWrite, ""); err != nil {
		return nil, err
	}
	if s.attachments == nil {
		return nil, domainError(http.StatusServiceUnavailable, "ATTACHMENTS_UNAVAILABLE", "Attachment storage not configured", nil)
	}
	if _, err := s.store.GetPatient(ctx, session.ClinicianID, patientID); err != nil {
		return nil, err
	}
	filename = strings.TrimSpace(filename)
	if filename == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "filename is required", nil)
	}

	attachment := store.Attachment{
		ID:          util.NewID("att"),
		OwnerID:     session.ClinicianID,
		PatientID:   patientID,
		Filename:    filename,
		ContentType: contentType,
		SizeBytes:   size,
	}
	attachment.ObjectKey = fmt.Sprintf("%s/%s/%s", session.ClinicianID, attachment.ID, filename)

	if err := s.attachments.Upload(ctx, attachment.ObjectKey, body, size, contentType); err != nil {
		return nil, err
	}
	if err := s.store.InsertAttachment(ctx, attachment); err != nil {
		// The row is the source of truth; an orphan object is unreachable
		// but clean it up anyway.
		_ = s.attachments.Remove(ctx, attachment.ObjectKey)
		return nil, err
	}

	s.audit(ctx, session, "upload", "attachment", attachment.ID)
	return attachmentPayload(attachment), nil
}

func (s *Service) ListAttachments(ctx context.Context, session Session, patientID string) ([]map[string]any, error) {
	if err := s.authorize(ctx, session, privacy.ResourceAttachment, privacy.ActionRead, session.ClinicianID); err != nil {
		return nil, err
	}
	if _, err := s.store.GetPatient(ctx, session.ClinicianID, patientID); err != nil {
		return nil, err
	}
	attachments, err := s.store.ListAttachments(ctx, session.ClinicianID, patientID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(attachments))
	for _, a := range attachments {
		items = append(items, attachmentPayload(a))
	}
	return items, nil
}

// DownloadAttachment returns the attachment row and an open body. The row
// lookup enforces ownership before the object store is touched.
func (s *Service) DownloadAttachment(ctx context.Context, session Session, patientID, attachmentID string) (store.Attachment, io.ReadCloser, error) {
	if err := s.authorize(ctx, session, privacy.ResourceAttachment, privacy.ActionRead, session.ClinicianID); err != nil {
		return store.Attachment{}, nil, err
	}
	if s.attachments == nil {
		return store.Attachment{}, nil, domainError(http.StatusServiceUnavailable, "ATTACHMENTS_UNAVAILABLE", "Attachment storage not configured", nil)
	}
	attachment, err := s.store.GetAttachment(ctx, session.ClinicianID, patientID, attachmentID)
	if err != nil {
		return store.Attachment{}, nil, err
	}
	body, err := s.attachments.Download(ctx, attachment.ObjectKey)
	if err != nil {
		return store.Attachment{}, nil, err
	}
	s.audit(ctx, session, "download", "attachment", attachmentID)
	return attachment, body, nil
}

func (s *Service) DeleteAttachment(ctx context.Context, session Session, patientID, attachmentID string) error {
	if err := s.authorize(ctx, session, privacy.ResourceAttachment, privacy.ActionWrite, session.ClinicianID); err != nil {
		return err
	}
	attachment, err := s.store.GetAttachment(ctx, session.ClinicianID, patientID, attachmentID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteAttachment(ctx, session.ClinicianID, patientID, attachmentID); err != nil {
		return err
	}
	if s.attachments != nil {
		if err := s.attachments.Remove(ctx, attachment.ObjectKey); err != nil {
			log.Printf("storage: remove %s: %v", attachment.ObjectKey, err)
		}
	}
	s.audit(ctx, session, "delete", "attachment", attachmentID)
	return nil
}

// Search

func (s *Service) Search(ctx context.Context, session Session, text, filterType string, limit, offset int) (search.Response, error) {
	if err := s.authorize(ctx, session, privacy.ResourceRecord, privacy.ActionRead, session.ClinicianID); err != nil {
		// Assistants cannot read records, so their search covers patients only.
		if perr := s.authorize(ctx, session, privacy.ResourcePatient, privacy.ActionRead, session.ClinicianID); perr != nil {
			return search.Response{}, perr
		}
		filterType = string(search.ResultPatient)
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	return s.search.Search(search.Query{
		OwnerID:    session.ClinicianID,
		Text:       text,
		FilterType: search.ResultType(filterType),
		Limit:      limit,
		Offset:     offset,
	}), nil
}

// Export

func (s *Service) Export(ctx context.Context, session Session, patientID, recordID string, format export.Format) (*export.Result, error) {
	if !s.Can(session.Role, rbac.ActionExport) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if err := s.authorize(ctx, session, privacy.ResourceRecord, privacy.ActionRead, session.ClinicianID); err != nil {
		return nil, err
	}

	clinician, err := s.store.GetClinicianByID(ctx, session.ClinicianID)
	if err != nil {
		return nil, err
	}

	exporter := export.NewService(&exportData{store: s.store})
	result, err := exporter.Export(ctx, export.Request{
		OwnerID:   session.ClinicianID,
		PatientID: patientID,
		RecordID:  recordID,
		Format:    format,
	}, export.ClinicianInfo{DisplayName: clinician.DisplayName, CRPNumber: clinician.CRPNumber})
	if err != nil {
		return nil, err
	}

	s.audit(ctx, session, "export", "patient", patientID)
	return result, nil
}

// exportData adapts the data store to what the exporter needs.
type exportData struct {
	store dataStore
}

func (e *exportData) GetPatient(ctx context.Context, ownerID, id string) (export.PatientInfo, error) {
	p, err := e.store.GetPatient(ctx, ownerID, id)
	if err != nil {
		return export.PatientInfo{}, err
	}
	return export.PatientInfo{ID: p.ID, FullName: p.FullName, BirthDate: p.BirthDate}, nil
}

func (e *exportData) GetRecord(ctx context.Context, ownerID, patientID, id string) (export.RecordInfo, error) {
	r, err := e.store.GetRecord(ctx, ownerID, patientID, id)
	if err != nil {
		return export.RecordInfo{}, err
	}
	return exportRecordInfo(r), nil
}

func (e *exportData) ListRecords(ctx context.Context, ownerID, patientID string) ([]export.RecordInfo, error) {
	records, err := e.store.ListRecords(ctx, ownerID, patientID)
	if err != nil {
		return nil, err
	}
	infos := make([]export.RecordInfo, 0, len(records))
	for _, r := range records {
		infos = append(infos, exportRecordInfo(r))
	}
	return infos, nil
}

func exportRecordInfo(r store.Record) export.RecordInfo {
	return export.RecordInfo{
		ID:          r.ID,
		SessionDate: r.SessionDate,
		Title:       r.Title,
		Content:     r.Content,
		Status:      r.Status,
		Revision:    r.Revision,
	}
}

// Summary and audit log

func (s *Service) Summary(ctx context.Context, session Session) (map[string]any, error) {
	if err := s.authorize(ctx, session, privacy.ResourcePatient, privacy.ActionRead, session.ClinicianID); err != nil {
		return nil, err
	}
	counts, err := s.store.Summary(ctx, session.ClinicianID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"patients":         counts.Patients,
		"archivedPatients": counts.ArchivedPatients,
		"records":          counts.Records,
		"recordsThisMonth": counts.RecordsThisMonth,
	}, nil
}

func (s *Service) AuditLog(ctx context.Context, session Session, limit int) ([]map[string]any, error) {
	if err := s.authorize(ctx, session, privacy.ResourcePatient, privacy.ActionRead, session.ClinicianID); err != nil {
		return nil, err
	}
	events, err := s.store.ListAuditEvents(ctx, session.ClinicianID, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(events))
	for _, e := range events {
		items = append(items, map[string]any{
			"actorName":    e.ActorName,
			"action":       e.Action,
			"resourceType": e.ResourceType,
			"resourceId":   e.ResourceID,
			"createdAt":    e.CreatedAt,
		})
	}
	return items, nil
}

// Search index maintenance

func (s *Service) indexPatient(p store.Patient) {
	if s.search == nil {
		return
	}
	s.search.IndexPatient(search.PatientRecordDoc{
		ID:       p.ID,
		OwnerID:  p.OwnerID,
		FullName: p.FullName,
		Notes:    p.Notes,
	})
}

func (s *Service) indexRecord(r store.Record) {
	if s.search == nil {
		return
	}
	s.search.IndexRecord(search.SessionRecordDoc{
		ID:        r.ID,
		OwnerID:   r.OwnerID,
		PatientID: r.PatientID,
		Title:     r.Title,
		Content:   r.Content,
	})
}

// Reindex rebuilds the search index for the session's own patients and
// records. There is no cross-owner reindex; the index is repopulated one
// clinician at a time.
func (s *Service) Reindex(ctx context.Context, session Session) error {
	if err := s.authorize(ctx, session, privacy.ResourceRecord, privacy.ActionRead, session.ClinicianID); err != nil {
		return err
	}
	if s.search == nil {
		return nil
	}
	patients, err := s.store.ListPatients(ctx, session.ClinicianID, false)
	if err != nil {
		return err
	}
	for _, p := range patients {
		s.indexPatient(p)
		records, err := s.store.ListRecords(ctx, session.ClinicianID, p.ID)
		if err != nil {
			return err
		}
		for _, r := range records {
			s.indexRecord(r)
		}
	}
	return nil
}

// Payload helpers

func patientPayload(p store.Patient) map[string]any {
	payload := map[string]any{
		"id":               p.ID,
		"fullName":         p.FullName,
		"email":            p.Email,
		"phone":            p.Phone,
		"emergencyContact": p.EmergencyContact,
		"notes":            p.Notes,
		"archived":         p.ArchivedAt != nil,
		"createdAt":        p.CreatedAt,
		"updatedAt":        p.UpdatedAt,
	}
	if p.BirthDate != nil {
		payload["birthDate"] = p.BirthDate.Format("2006-01-02")
	} else {
		payload["birthDate"] = nil
	}
	return payload
}

func recordPayload(r store.Record) map[string]any {
	return map[string]any{
		"id":          r.ID,
		"patientId":   r.PatientID,
		"sessionDate": r.SessionDate.Format("2006-01-02"),
		"title":       r.Title,
		"content":     r.Content,
		"status":      r.Status,
		"revision":    r.Revision,
		"createdAt":   r.CreatedAt,
		"updatedAt":   r.UpdatedAt,
	}
}

func attachmentPayload(a store.Attachment) map[string]any {
	return map[string]any{
		"id":          a.ID,
		"patientId":   a.PatientID,
		"filename":    a.Filename,
		"contentType": a.ContentType,
		"sizeBytes":   a.SizeBytes,
		"createdAt":   a.CreatedAt,
	}
}

func parseOptionalDate(value string) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseSessionDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Now().Truncate(24 * time.Hour), nil
	}
	return time.Parse("2006-01-02", value)
}
