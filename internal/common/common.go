package common

// Shared constants to enforce DRY and avoid magic strings/numbers.

// HTTP headers and content types
const (
	HeaderAPIKey    = "X-API-Key" // #nosec G101 - header name constant, not a credential
	HeaderActor     = "X-Actor"
	ContentTypeJSON = "application/json"
)

// API paths
const (
	PathHealthz      = "/healthz"
	PathBulkUpload   = "/api/users/bulk-upload"
	PathEngineStatus = "/api/engine/status"
)

// Defaults and limits
const (
	DefaultCoreWorkers   = 4
	DefaultMaxWorkers    = 8
	DefaultQueueCapacity = 100
	SQLiteBusyTimeoutMS  = 5000
	DefaultActor         = "system"
)

// Upload content types accepted as CSV. Browsers disagree on what a .csv is.
const (
	MimeTextCSV        = "text/csv"
	MimeApplicationCSV = "application/csv"
	MimeExcelCSV       = "application/vnd.ms-excel"
	MimeTextPlain      = "text/plain"
	ExtCSV             = ".csv"
)

// Registry and store drivers
const (
	RegistryMemory = "memory"
	RegistrySQLite = "sqlite"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// File names under the data dir
const (
	JobsDBFileName    = "jobs.db"
	RecordsDBFileName = "records.db"
)
