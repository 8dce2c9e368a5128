package dberror

import (
	"errors"
	"net/http"

	"github.com/jackc/pgconn"
	"github.com/tansive/tenantsrv/internal/common/apperrors"
)

var (
	ErrDatabase      apperrors.Error = apperrors.New("db error").SetStatusCode(http.StatusInternalServerError)
	ErrAlreadyExists apperrors.Error = ErrDatabase.New("already exists").SetStatusCode(http.StatusConflict)
	ErrNotFound      apperrors.Error = ErrDatabase.New("not found").SetStatusCode(http.StatusNotFound)
	ErrInvalidInput  apperrors.Error = ErrDatabase.New("invalid input").SetStatusCode(http.StatusBadRequest)
	ErrUnavailable   apperrors.Error = ErrDatabase.New("database unavailable").SetStatusCode(http.StatusServiceUnavailable)
)

// PostgreSQL error codes inspected by the service.
const (
	CodeUniqueViolation = "23505"
	CodeUndefinedTable  = "42P01"
	CodeDuplicateSchema = "42P06"
	CodeInvalidSchema   = "3F000"
)

// HasCode reports whether err carries the given PostgreSQL error code.
func HasCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
