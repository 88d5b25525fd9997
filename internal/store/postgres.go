package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// withOwner runs fn inside a transaction whose connection carries the
// clinician id in the app.clinician_id setting. The row-level-security
// policies on patient data predicate on that setting, so every statement in
// fn is filtered to the owner's rows by the database itself. set_config with
// is_local=true scopes the value to the transaction, which matters with a
// pooled *sql.DB: the identity can never leak onto a connection reused by
// another request.
func (s *PostgresStore) withOwner(ctx context.Context, ownerID string, fn func(*sql.Tx) error) error {
	if ownerID == "" {
		return errors.New("owner id required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin owner tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `SELECT set_config('app.clinician_id', $1, true)`, ownerID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("bind clinician id: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit owner tx: %w", err)
	}
	return nil
}

// ---- Clinician accounts (identity table, outside the RLS perimeter) ----

func (s *PostgresStore) CreateClinician(ctx context.Context, c Clinician) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clinicians (id, display_name, email, crp_number, password_hash, role, is_email_verified, verification_token)
		VALUES ($1, $2, LOWER($3), $4, $5, $6, $7, $8)
	`, c.ID, c.DisplayName, c.Email, c.CRPNumber, c.PasswordHash, c.Role, c.IsEmailVerified, c.VerificationToken)
	if err != nil {
		return fmt.Errorf("insert clinician: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetClinicianByEmail(ctx context.Context, email string) (Clinician, error) {
	const query = `
		SELECT id, display_name, email, crp_number, password_hash, role, is_email_verified, created_at
		FROM clinicians
		WHERE email = LOWER($1) AND deactivated_at IS NULL
	`
	var c Clinician
	err := s.db.QueryRowContext(ctx, query, email).Scan(
		&c.ID, &c.DisplayName, &c.Email, &c.CRPNumber, &c.PasswordHash, &c.Role, &c.IsEmailVerified, &c.CreatedAt)
	if err != nil {
		return Clinician{}, err
	}
	return c, nil
}

func (s *PostgresStore) GetClinicianByID(ctx context.Context, id string) (Clinician, error) {
	const query = `
		SELECT id, display_name, email, crp_number, password_hash, role, is_email_verified, created_at
		FROM clinicians
		WHERE id = $1 AND deactivated_at IS NULL
	`
	var c Clinician
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&c.ID, &c.DisplayName, &c.Email, &c.CRPNumber, &c.PasswordHash, &c.Role, &c.IsEmailVerified, &c.CreatedAt)
	if err != nil {
		return Clinician{}, err
	}
	return c, nil
}

func (s *PostgresStore) UpdateVerificationToken(ctx context.Context, clinicianID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE clinicians SET verification_token=$2, verification_expires_at=$3, updated_at=NOW()
		WHERE id=$1
	`, clinicianID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("update verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyClinicianEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE clinicians
		SET is_email_verified=TRUE, verification_token='', verification_expires_at=NULL, updated_at=NOW()
		WHERE verification_token=$1
			AND verification_token <> ''
			AND (verification_expires_at IS NULL OR verification_expires_at > NOW())
	`, token)
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify email rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) UpdateClinicianPassword(ctx context.Context, clinicianID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE clinicians SET password_hash=$2, updated_at=NOW() WHERE id=$1
	`, clinicianID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, clinicianID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, clinician_id, expires_at)
		VALUES ($1, $2, $3)
	`, token, clinicianID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var clinicianID string
	err := s.db.QueryRowContext(ctx, `
		SELECT clinician_id FROM password_resets
		WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&clinicianID)
	if err != nil {
		return "", err
	}
	return clinicianID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

// ---- Session tokens (Postgres fallback when Redis is not configured) ----

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, clinicianID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, clinician_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET clinician_id=EXCLUDED.clinician_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, clinicianID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (Clinician, error) {
	const query = `
		SELECT c.id, c.display_name, c.email, c.role
		FROM refresh_sessions rs
		JOIN clinicians c ON c.id = rs.clinician_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
			AND c.deactivated_at IS NULL
	`
	var c Clinician
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&c.ID, &c.DisplayName, &c.Email, &c.Role)
	if err != nil {
		return Clinician{}, err
	}
	return c, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_tokens (jti, expires_at) VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, expiresAt)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM revoked_tokens WHERE jti=$1 AND expires_at > NOW())
	`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// ---- Patients (RLS-scoped) ----

const patientColumns = `id, owner_id, full_name, birth_date, email, phone, emergency_contact, notes, archived_at, created_at, updated_at`

func scanPatient(row interface{ Scan(...any) error }) (Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.OwnerID, &p.FullName, &p.BirthDate, &p.Email, &p.Phone,
		&p.EmergencyContact, &p.Notes, &p.ArchivedAt, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (s *PostgresStore) InsertPatient(ctx context.Context, p Patient) error {
	return s.withOwner(ctx, p.OwnerID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO patients (id, owner_id, full_name, birth_date, email, phone, emergency_contact, notes)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, p.ID, p.OwnerID, p.FullName, p.BirthDate, p.Email, p.Phone, p.EmergencyContact, p.Notes)
		if err != nil {
			return fmt.Errorf("insert patient: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) GetPatient(ctx context.Context, ownerID, patientID string) (Patient, error) {
	var patient Patient
	err := s.withOwner(ctx, ownerID, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+patientColumns+` FROM patients WHERE id=$1 AND owner_id=$2`, patientID, ownerID)
		p, err := scanPatient(row)
		if err != nil {
			return err
		}
		patient = p
		return nil
	})
	return patient, err
}

func (s *PostgresStore) ListPatients(ctx context.Context, ownerID string, includeArchived bool) ([]Patient, error) {
	query := `SELECT ` + patientColumns + ` FROM patients WHERE owner_id=$1`
	if !includeArchived {
		query += ` AND archived_at IS NULL`
	}
	query += ` ORDER BY full_name ASC`

	var patients []Patient
	err := s.withOwner(ctx, ownerID, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, ownerID)
		if err != nil {
			return fmt.Errorf("list patients: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			p, err := scanPatient(rows)
			if err != nil {
				return fmt.Errorf("scan patient: %w", err)
			}
			patients = append(patients, p)
		}
		return rows.Err()
	})
	return patients, err
}

func (s *PostgresStore) UpdatePatient(ctx context.Context, p Patient) error {
	return s.withOwner(ctx, p.OwnerID, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE patients
			SET full_name=$3, birth_date=$4, email=$5, phone=$6, emergency_contact=$7, notes=$8, updated_at=NOW()
			WHERE id=$1 AND owner_id=$2
		`, p.ID, p.OwnerID, p.FullName, p.BirthDate, p.Email, p.Phone, p.EmergencyContact, p.Notes)
		if err != nil {
			return fmt.Errorf("update patient: %w", err)
		}
		return requireRow(result)
	})
}

func (s *PostgresStore) ArchivePatient(ctx context.Context, ownerID, patientID string) error {
	return s.withOwner(ctx, ownerID, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE patients SET archived_at=NOW(), updated_at=NOW()
			WHERE id=$1 AND owner_id=$2 AND archived_at IS NULL
		`, patientID, ownerID)
		if err != nil {
			return fmt.Errorf("archive patient: %w", err)
		}
		return requireRow(result)
	})
}

// ---- Records (RLS-scoped, revisioned) ----

const recordColumns = `id, owner_id, patient_id, session_date, title, content, status, revision, created_at, updated_at`

func scanRecord(row interface{ Scan(...any) error }) (Record, error) {
	var r Record
	err := row.Scan(&r.ID, &r.OwnerID, &r.PatientID, &r.SessionDate, &r.Title, &r.Content,
		&r.Status, &r.Revision, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

func (s *PostgresStore) InsertRecord(ctx context.Context, r Record) error {
	return s.withOwner(ctx, r.OwnerID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO patient_records (id, owner_id, patient_id, session_date, title, content, status, revision)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 1)
		`, r.ID, r.OwnerID, r.PatientID, r.SessionDate, r.Title, r.Content, r.Status)
		if err != nil {
			return fmt.Errorf("insert record: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) GetRecord(ctx context.Context, ownerID, patientID, recordID string) (Record, error) {
	var record Record
	err := s.withOwner(ctx, ownerID, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT `+recordColumns+` FROM patient_records
			WHERE id=$1 AND patient_id=$2 AND owner_id=$3
		`, recordID, patientID, ownerID)
		r, err := scanRecord(row)
		if err != nil {
			return err
		}
		record = r
		return nil
	})
	return record, err
}

func (s *PostgresStore) ListRecords(ctx context.Context, ownerID, patientID string) ([]Record, error) {
	var records []Record
	err := s.withOwner(ctx, ownerID, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+recordColumns+` FROM patient_records
			WHERE patient_id=$1 AND owner_id=$2
			ORDER BY session_date DESC, created_at DESC
		`, patientID, ownerID)
		if err != nil {
			return fmt.Errorf("list records: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanRecord(rows)
			if err != nil {
				return fmt.Errorf("scan record: %w", err)
			}
			records = append(records, r)
		}
		return rows.Err()
	})
	return records, err
}

// UpdateRecord replaces a record's content after copying the current state
// into patient_record_revisions. Both statements share one owner-bound
// transaction so a revision row exists for every content version that ever
// hit the database.
func (s *PostgresStore) UpdateRecord(ctx context.Context, r Record, editedBy string) (Record, error) {
	var updated Record
	err := s.withOwner(ctx, r.OwnerID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO patient_record_revisions (record_id, owner_id, revision, session_date, title, content, status, edited_by)
			SELECT id, owner_id, revision, session_date, title, content, status, $4
			FROM patient_records
			WHERE id=$1 AND patient_id=$2 AND owner_id=$3
		`, r.ID, r.PatientID, r.OwnerID, editedBy)
		if err != nil {
			return fmt.Errorf("snapshot record revision: %w", err)
		}

		row := tx.QueryRowContext(ctx, `
			UPDATE patient_records
			SET session_date=$4, title=$5, content=$6, status=$7, revision=revision+1, updated_at=NOW()
			WHERE id=$1 AND patient_id=$2 AND owner_id=$3
			RETURNING `+recordColumns+`
		`, r.ID, r.PatientID, r.OwnerID, r.SessionDate, r.Title, r.Content, r.Status)
		u, err := scanRecord(row)
		if err != nil {
			return err
		}
		updated = u
		return nil
	})
	return updated, err
}

func (s *PostgresStore) ListRecordRevisions(ctx context.Context, ownerID, recordID string) ([]RecordRevision, error) {
	var revisions []RecordRevision
	err := s.withOwner(ctx, ownerID, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, record_id, owner_id, revision, session_date, title, content, status, edited_by, created_at
			FROM patient_record_revisions
			WHERE record_id=$1 AND owner_id=$2
			ORDER BY revision DESC
		`, recordID, ownerID)
		if err != nil {
			return fmt.Errorf("list record revisions: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var rev RecordRevision
			if err := rows.Scan(&rev.ID, &rev.RecordID, &rev.OwnerID, &rev.Revision, &rev.SessionDate,
				&rev.Title, &rev.Content, &rev.Status, &rev.EditedBy, &rev.CreatedAt); err != nil {
				return fmt.Errorf("scan record revision: %w", err)
			}
			revisions = append(revisions, rev)
		}
		return rows.Err()
	})
	return revisions, err
}

// ---- Attachments (metadata only; bytes live in object storage) ----

func (s *PostgresStore) InsertAttachment(ctx context.Context, a Attachment) error {
	return s.withOwner(ctx, a.OwnerID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO attachments (id, owner_id, patient_id, filename, content_type, size_bytes, object_key)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, a.ID, a.OwnerID, a.PatientID, a.Filename, a.ContentType, a.SizeBytes, a.ObjectKey)
		if err != nil {
			return fmt.Errorf("insert attachment: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) GetAttachment(ctx context.Context, ownerID, patientID, attachmentID string) (Attachment, error) {
	var attachment Attachment
	err := s.withOwner(ctx, ownerID, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, owner_id, patient_id, filename, content_type, size_bytes, object_key, created_at
			FROM attachments
			WHERE id=$1 AND patient_id=$2 AND owner_id=$3
		`, attachmentID, patientID, ownerID)
		var a Attachment
		if err := row.Scan(&a.ID, &a.OwnerID, &a.PatientID, &a.Filename, &a.ContentType,
			&a.SizeBytes, &a.ObjectKey, &a.CreatedAt); err != nil {
			return err
		}
		attachment = a
		return nil
	})
	return attachment, err
}

func (s *PostgresStore) ListAttachments(ctx context.Context, ownerID, patientID string) ([]Attachment, error) {
	var attachments []Attachment
	err := s.withOwner(ctx, ownerID, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, owner_id, patient_id, filename, content_type, size_bytes, object_key, created_at
			FROM attachments
			WHERE patient_id=$1 AND owner_id=$2
			ORDER BY created_at DESC
		`, patientID, ownerID)
		if err != nil {
			return fmt.Errorf("list attachments: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var a Attachment
			if err := rows.Scan(&a.ID, &a.OwnerID, &a.PatientID, &a.Filename, &a.ContentType,
				&a.SizeBytes, &a.ObjectKey, &a.CreatedAt); err != nil {
				return fmt.Errorf("scan attachment: %w", err)
			}
			attachments = append(attachments, a)
		}
		return rows.Err()
	})
	return attachments, err
}

func (s *PostgresStore) DeleteAttachment(ctx context.Context, ownerID, patientID, attachmentID string) error {
	return s.withOwner(ctx, ownerID, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			DELETE FROM attachments WHERE id=$1 AND patient_id=$2 AND owner_id=$3
		`, attachmentID, patientID, ownerID)
		if err != nil {
			return fmt.Errorf("delete attachment: %w", err)
		}
		return requireRow(result)
	})
}

// ---- Audit ----

func (s *PostgresStore) InsertAuditEvent(ctx context.Context, e AuditEvent) error {
	return s.withOwner(ctx, e.OwnerID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO audit_events (owner_id, actor_id, actor_name, action, resource_type, resource_id)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, e.OwnerID, e.ActorID, e.ActorName, e.Action, e.ResourceType, e.ResourceID)
		if err != nil {
			return fmt.Errorf("insert audit event: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, ownerID string, limit int) ([]AuditEvent, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var events []AuditEvent
	err := s.withOwner(ctx, ownerID, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, owner_id, actor_id, actor_name, action, resource_type, resource_id, created_at
			FROM audit_events
			WHERE owner_id=$1
			ORDER BY created_at DESC
			LIMIT $2
		`, ownerID, limit)
		if err != nil {
			return fmt.Errorf("list audit events: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var e AuditEvent
			if err := rows.Scan(&e.ID, &e.OwnerID, &e.ActorID, &e.ActorName, &e.Action,
				&e.ResourceType, &e.ResourceID, &e.CreatedAt); err != nil {
				return fmt.Errorf("scan audit event: %w", err)
			}
			events = append(events, e)
		}
		return rows.Err()
	})
	return events, err
}

// ---- Dashboard ----

func (s *PostgresStore) Summary(ctx context.Context, ownerID string) (SummaryCounts, error) {
	var counts SummaryCounts
	err := s.withOwner(ctx, ownerID, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `
			SELECT
				(SELECT count(*) FROM patients WHERE owner_id=$1 AND archived_at IS NULL),
				(SELECT count(*) FROM patients WHERE owner_id=$1 AND archived_at IS NOT NULL),
				(SELECT count(*) FROM patient_records WHERE owner_id=$1),
				(SELECT count(*) FROM patient_records WHERE owner_id=$1 AND session_date >= date_trunc('month', NOW()))
		`, ownerID).Scan(&counts.Patients, &counts.ArchivedPatients, &counts.Records, &counts.RecordsThisMonth)
	})
	return counts, err
}

func requireRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
