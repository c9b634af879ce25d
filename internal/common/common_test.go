package common

import "testing"

func TestConstantsValues(t *testing.T) {
	if ContentTypeJSON != "application/json" {
		t.Fatalf("ContentTypeJSON = %q", ContentTypeJSON)
	}
	if HeaderAPIKey != "X-API-Key" || HeaderActor != "X-Actor" {
		t.Fatalf("header constants mismatch: %q, %q", HeaderAPIKey, HeaderActor)
	}
	if PathHealthz != "/healthz" || PathBulkUpload != "/api/users/bulk-upload" {
		t.Fatalf("paths mismatch: %q, %q", PathHealthz, PathBulkUpload)
	}
	if DefaultCoreWorkers <= 0 || DefaultMaxWorkers < DefaultCoreWorkers || DefaultQueueCapacity <= 0 {
		t.Fatalf("engine defaults inconsistent")
	}
	if DefaultActor == "" {
		t.Fatalf("default actor should be non-empty")
	}
	if MimeTextCSV != "text/csv" || ExtCSV != ".csv" {
		t.Fatalf("csv constants mismatch")
	}
	if JobsDBFileName == RecordsDBFileName {
		t.Fatalf("db file names must differ")
	}
}
