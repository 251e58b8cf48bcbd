package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) (*Store, Config) {
	t.Helper()
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "db", "medlens.db"))
	if err := MigrateUp(cfg); err != nil {
		t.Fatalf("MigrateUp: %v", err)
	}
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, cfg
}

func TestPathFromURL(t *testing.T) {
	cases := map[string]string{
		"data/medlens.db":          "data/medlens.db",
		"sqlite://data/medlens.db": "data/medlens.db",
		"file:/tmp/x.db":           "/tmp/x.db",
	}
	for in, want := range cases {
		got, err := PathFromURL(in)
		if err != nil || got != want {
			t.Fatalf("PathFromURL(%q)=%q,%v want %q", in, got, err, want)
		}
	}
	for _, bad := range []string{"", "postgresql://localhost/medlensai"} {
		if _, err := PathFromURL(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestMigrations_UpIdempotentDownVersion(t *testing.T) {
	_, cfg := openTestStore(t)
	if err := MigrateUp(cfg); err != nil {
		t.Fatalf("second MigrateUp: %v", err)
	}
	v, dirty, err := Version(cfg)
	if err != nil || v != 1 || dirty {
		t.Fatalf("version=%d dirty=%v err=%v", v, dirty, err)
	}
	if err := MigrateDown(cfg, -1); err != nil {
		t.Fatalf("MigrateDown: %v", err)
	}
	if v, _, err := Version(cfg); err != nil || v != 0 {
		t.Fatalf("after down version=%d err=%v", v, err)
	}
}

func TestPatients(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	if _, err := s.GetPatientByPatientID(ctx, "P-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v", err)
	}
	p, err := s.CreatePatient(ctx, "P-1")
	if err != nil || p.ID == 0 {
		t.Fatalf("create: %+v %v", p, err)
	}
	if _, err := s.CreatePatient(ctx, "P-1"); err == nil {
		t.Fatalf("duplicate patient id accepted")
	}
	if _, err := s.CreatePatient(ctx, "  "); err == nil {
		t.Fatalf("empty patient id accepted")
	}
	got, err := s.EnsurePatient(ctx, "P-1")
	if err != nil || got.ID != p.ID || got.CreatedAt.IsZero() {
		t.Fatalf("ensure existing: %+v %v", got, err)
	}
	other, err := s.EnsurePatient(ctx, "P-2")
	if err != nil || other.ID == p.ID {
		t.Fatalf("ensure new: %+v %v", other, err)
	}
}

func TestCasesAndAnalyses(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	p, _ := s.CreatePatient(ctx, "P-1")
	c1, err := s.CreateCase(ctx, Case{PatientID: p.ID, Symptoms: "cough", PreviousDiagnosis: "none"})
	if err != nil {
		t.Fatalf("case: %v", err)
	}
	if _, err := s.CreateCase(ctx, Case{PatientID: p.ID, Symptoms: "fever"}); err != nil {
		t.Fatalf("case 2: %v", err)
	}
	got, err := s.GetCase(ctx, c1.ID)
	if err != nil || got.Symptoms != "cough" || got.PatientID != p.ID {
		t.Fatalf("get case: %+v %v", got, err)
	}
	if _, err := s.GetCase(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing case: %v", err)
	}
	list, err := s.ListCasesForPatient(ctx, p.ID)
	if err != nil || len(list) != 2 || list[1].Symptoms != "fever" {
		t.Fatalf("list cases: %+v %v", list, err)
	}

	for _, q := range []string{"q1", "q2"} {
		if _, err := s.CreateAnalysis(ctx, Analysis{CaseID: c1.ID, ImagePath: "x.png", Prompt: q, Response: "NORMAL"}); err != nil {
			t.Fatalf("analysis: %v", err)
		}
	}
	as, err := s.ListAnalysesForCase(ctx, c1.ID)
	if err != nil || len(as) != 2 || as[0].Prompt != "q1" || as[1].Response != "NORMAL" {
		t.Fatalf("list analyses: %+v %v", as, err)
	}
}

func TestForeignKeysEnforced(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	if _, err := s.CreateCase(ctx, Case{PatientID: 42}); err == nil {
		t.Fatalf("case with unknown patient accepted")
	}
	if _, err := s.CreateAnalysis(ctx, Analysis{CaseID: 42}); err == nil {
		t.Fatalf("analysis with unknown case accepted")
	}
	// unset references are allowed
	if _, err := s.CreateCase(ctx, Case{Symptoms: "walk-in"}); err != nil {
		t.Fatalf("case without patient: %v", err)
	}
}

func TestRecordAnalysis(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	a, err := s.RecordAnalysis(ctx, "P-9", Case{Symptoms: "pain"}, Analysis{Prompt: "q", Response: "a"})
	if err != nil || a.CaseID == 0 {
		t.Fatalf("record: %+v %v", a, err)
	}
	p, _ := s.GetPatientByPatientID(ctx, "P-9")
	cases, _ := s.ListCasesForPatient(ctx, p.ID)
	if len(cases) != 1 || cases[0].ID != a.CaseID {
		t.Fatalf("cases=%+v", cases)
	}
}
