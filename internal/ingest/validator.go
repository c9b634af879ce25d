package ingest

import (
	"errors"
	"strconv"
	"strings"
)

// Column names recognised in the upload header. Anything else is ignored.
const (
	ColumnName  = "name"
	ColumnAge   = "age"
	ColumnEmail = "email"
)

var (
	ErrNameRequired = errors.New("name is required")
	ErrInvalidAge   = errors.New("invalid age")
)

// Row is one data record keyed by lower-cased column name. A key that is
// missing means the column was absent from the upload.
type Row map[string]string

// ValidRow is a row that passed validation.
type ValidRow struct {
	Name  string
	Age   *int
	Email *string
}

// ValidateRow checks name, then age. Email is passed through unvalidated;
// blank age and blank email are treated as absent.
func ValidateRow(row Row) (ValidRow, error) {
	name := strings.TrimSpace(row[ColumnName])
	if name == "" {
		return ValidRow{}, ErrNameRequired
	}
	out := ValidRow{Name: name}

	if raw := strings.TrimSpace(row[ColumnAge]); raw != "" {
		// Ages must fit the 32-bit INTEGER column on every backend.
		parsed, err := strconv.ParseInt(raw, 10, 32)
		if err != nil || parsed < 0 {
			return ValidRow{}, ErrInvalidAge
		}
		age := int(parsed)
		out.Age = &age
	}

	if email := strings.TrimSpace(row[ColumnEmail]); email != "" {
		out.Email = &email
	}
	return out, nil
}
