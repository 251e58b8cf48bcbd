package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Patient is identified externally by PatientID.
type Patient struct {
	ID        int64
	PatientID string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Case is one presentation of a patient.
type Case struct {
	ID                int64
	PatientID         int64 // patients.id, 0 when unset
	Symptoms          string
	PreviousDiagnosis string
	CreatedAt         time.Time
}

// Analysis is one question asked about one image within a case.
type Analysis struct {
	ID        int64
	CaseID    int64 // cases.id, 0 when unset
	ImagePath string
	Prompt    string
	Response  string
	CreatedAt time.Time
}

func nullID(id int64) sql.NullInt64 { return sql.NullInt64{Int64: id, Valid: id > 0} }

// CreatePatient inserts a patient. The patient id must be non-empty and unique.
func (s *Store) CreatePatient(ctx context.Context, patientID string) (Patient, error) {
	patientID = strings.TrimSpace(patientID)
	if patientID == "" {
		return Patient{}, errors.New("patient id is required")
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO patients (patient_id, created_at, updated_at) VALUES (?, ?, ?)`,
		patientID, formatTime(now), formatTime(now))
	if err != nil {
		return Patient{}, fmt.Errorf("insert patient: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Patient{}, err
	}
	return Patient{ID: id, PatientID: patientID, CreatedAt: now, UpdatedAt: now}, nil
}

// GetPatientByPatientID returns ErrNotFound when no patient matches.
func (s *Store) GetPatientByPatientID(ctx context.Context, patientID string) (Patient, error) {
	var p Patient
	var created, updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, patient_id, created_at, updated_at FROM patients WHERE patient_id = ?`,
		strings.TrimSpace(patientID)).Scan(&p.ID, &p.PatientID, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Patient{}, ErrNotFound
	}
	if err != nil {
		return Patient{}, fmt.Errorf("get patient: %w", err)
	}
	p.CreatedAt, p.UpdatedAt = parseTime(created), parseTime(updated)
	return p, nil
}

// EnsurePatient returns the patient with patientID, creating it if needed.
func (s *Store) EnsurePatient(ctx context.Context, patientID string) (Patient, error) {
	p, err := s.GetPatientByPatientID(ctx, patientID)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return p, err
	}
	return s.CreatePatient(ctx, patientID)
}

// CreateCase inserts a case. A non-zero c.PatientID must reference a patient.
func (s *Store) CreateCase(ctx context.Context, c Case) (Case, error) {
	c.CreatedAt = s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO cases (patient_id, symptoms, previous_diagnosis, created_at) VALUES (?, ?, ?, ?)`,
		nullID(c.PatientID), c.Symptoms, c.PreviousDiagnosis, formatTime(c.CreatedAt))
	if err != nil {
		return Case{}, fmt.Errorf("insert case: %w", err)
	}
	if c.ID, err = res.LastInsertId(); err != nil {
		return Case{}, err
	}
	return c, nil
}

const caseColumns = `id, COALESCE(patient_id, 0), COALESCE(symptoms, ''), COALESCE(previous_diagnosis, ''), created_at`

func scanCase(row interface{ Scan(...any) error }) (Case, error) {
	var c Case
	var created string
	if err := row.Scan(&c.ID, &c.PatientID, &c.Symptoms, &c.PreviousDiagnosis, &created); err != nil {
		return Case{}, err
	}
	c.CreatedAt = parseTime(created)
	return c, nil
}

// GetCase returns ErrNotFound when no case has id.
func (s *Store) GetCase(ctx context.Context, id int64) (Case, error) {
	c, err := scanCase(s.db.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Case{}, ErrNotFound
	}
	if err != nil {
		return Case{}, fmt.Errorf("get case: %w", err)
	}
	return c, nil
}

// ListCasesForPatient returns the patient's cases, oldest first.
func (s *Store) ListCasesForPatient(ctx context.Context, patientRowID int64) ([]Case, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+caseColumns+` FROM cases WHERE patient_id = ? ORDER BY id`, patientRowID)
	if err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	defer rows.Close()
	var out []Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan case: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CreateAnalysis inserts an analysis. A non-zero a.CaseID must reference a case.
func (s *Store) CreateAnalysis(ctx context.Context, a Analysis) (Analysis, error) {
	a.CreatedAt = s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO analyses (case_id, image_path, prompt, response, created_at) VALUES (?, ?, ?, ?, ?)`,
		nullID(a.CaseID), a.ImagePath, a.Prompt, a.Response, formatTime(a.CreatedAt))
	if err != nil {
		return Analysis{}, fmt.Errorf("insert analysis: %w", err)
	}
	if a.ID, err = res.LastInsertId(); err != nil {
		return Analysis{}, err
	}
	return a, nil
}

// ListAnalysesForCase returns the case's analyses, oldest first.
func (s *Store) ListAnalysesForCase(ctx context.Context, caseID int64) ([]Analysis, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, COALESCE(case_id, 0), COALESCE(image_path, ''), COALESCE(prompt, ''), COALESCE(response, ''), created_at
		 FROM analyses WHERE case_id = ? ORDER BY id`, caseID)
	if err != nil {
		return nil, fmt.Errorf("list analyses: %w", err)
	}
	defer rows.Close()
	var out []Analysis
	for rows.Next() {
		var a Analysis
		var created string
		if err := rows.Scan(&a.ID, &a.CaseID, &a.ImagePath, &a.Prompt, &a.Response, &created); err != nil {
			return nil, fmt.Errorf("scan analysis: %w", err)
		}
		a.CreatedAt = parseTime(created)
		out = append(out, a)
	}
	return out, rows.Err()
}

// RecordAnalysis stores one answered question: it ensures the patient,
// opens a case with the given details and attaches the analysis to it.
func (s *Store) RecordAnalysis(ctx context.Context, patientID string, c Case, a Analysis) (Analysis, error) {
	p, err := s.EnsurePatient(ctx, patientID)
	if err != nil {
		return Analysis{}, err
	}
	c.PatientID = p.ID
	if c, err = s.CreateCase(ctx, c); err != nil {
		return Analysis{}, err
	}
	a.CaseID = c.ID
	return s.CreateAnalysis(ctx, a)
}
