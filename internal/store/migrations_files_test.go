package store

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"
)

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	migrationsDir := filepath.Join("..", "..", "db", "migrations")
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}

	pattern := regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)
	byVersion := map[string]map[string]bool{}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		match := pattern.FindStringSubmatch(name)
		if match == nil {
			continue
		}
		version := match[1]
		direction := match[2]
		if byVersion[version] == nil {
			byVersion[version] = map[string]bool{}
		}
		if byVersion[version][direction] {
			t.Fatalf("duplicate %s migration file for version %s", direction, version)
		}
		byVersion[version][direction] = true
	}

	if len(byVersion) == 0 {
		t.Fatal("no migrations discovered")
	}

	for version, dirs := range byVersion {
		if !dirs["up"] || !dirs["down"] {
			t.Fatalf("version %s must include both up and down files", version)
		}
	}
}

func readAllUpMigrations(t *testing.T) string {
	t.Helper()
	migrationsDir := filepath.Join("..", "..", "db", "migrations")
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}
	var combined []byte
	for _, entry := range entries {
		if entry.IsDir() || !regexp.MustCompile(`\.up\.sql$`).MatchString(entry.Name()) {
			continue
		}
		contents, err := os.ReadFile(filepath.Join(migrationsDir, entry.Name()))
		if err != nil {
			t.Fatalf("read migration %s: %v", entry.Name(), err)
		}
		combined = append(combined, contents...)
		combined = append(combined, '\n')
	}
	return string(combined)
}

// Every table holding clinical data must carry row-level security. A table
// slipping into a migration without policies would silently disable the
// isolation model, so the files themselves are checked.
func TestClinicalTablesEnableRowLevelSecurity(t *testing.T) {
	sql := readAllUpMigrations(t)

	clinicalTables := []string{
		"patients",
		"patient_records",
		"patient_record_revisions",
		"attachments",
		"audit_events",
	}

	for _, table := range clinicalTables {
		enable := regexp.MustCompile(`ALTER TABLE ` + table + ` ENABLE ROW LEVEL SECURITY`)
		if !enable.MatchString(sql) {
			t.Errorf("table %s does not enable row level security", table)
		}
		force := regexp.MustCompile(`ALTER TABLE ` + table + ` FORCE ROW LEVEL SECURITY`)
		if !force.MatchString(sql) {
			t.Errorf("table %s does not force row level security", table)
		}
		selectPolicy := regexp.MustCompile(`CREATE POLICY \w+ ON ` + table + `\s*\n?\s*FOR SELECT USING \(owner_id = current_setting\('app\.clinician_id', true\)\)`)
		if !selectPolicy.MatchString(sql) {
			t.Errorf("table %s lacks an owner-keyed SELECT policy", table)
		}
		insertPolicy := regexp.MustCompile(`CREATE POLICY \w+ ON ` + table + `\s*\n?\s*FOR INSERT WITH CHECK \(owner_id = current_setting\('app\.clinician_id', true\)\)`)
		if !insertPolicy.MatchString(sql) {
			t.Errorf("table %s lacks an owner-keyed INSERT policy", table)
		}
	}
}

// Revision and audit rows must be append-only: their tables may not define
// UPDATE or DELETE policies, which under RLS means those commands always
// fail for the application role.
func TestAppendOnlyTablesHaveNoMutationPolicies(t *testing.T) {
	sql := readAllUpMigrations(t)

	for _, table := range []string{"patient_record_revisions", "audit_events"} {
		updatePolicy := regexp.MustCompile(`CREATE POLICY \w+ ON ` + table + `\s*\n?\s*FOR UPDATE`)
		if updatePolicy.MatchString(sql) {
			t.Errorf("table %s must not define an UPDATE policy", table)
		}
		deletePolicy := regexp.MustCompile(`CREATE POLICY \w+ ON ` + table + `\s*\n?\s*FOR DELETE`)
		if deletePolicy.MatchString(sql) {
			t.Errorf("table %s must not define a DELETE policy", table)
		}
	}
}

func TestOwnershipColumnPresentOnClinicalTables(t *testing.T) {
	sql := readAllUpMigrations(t)

	tables := regexp.MustCompile(`CREATE TABLE (patients|patient_records|patient_record_revisions|attachments|audit_events) \(`).FindAllStringSubmatch(sql, -1)
	if len(tables) != 5 {
		t.Fatalf("expected 5 clinical tables, found %d", len(tables))
	}
	ownerCols := regexp.MustCompile(`owner_id TEXT NOT NULL REFERENCES clinicians\(id\)`).FindAllString(sql, -1)
	if len(ownerCols) < 5 {
		t.Fatalf("expected owner_id column on all 5 clinical tables, found %d", len(ownerCols))
	}
}
