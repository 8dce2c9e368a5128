// Package archiver exports a tenant schema to an immutable dump file with a
// JSON manifest next to it, and removes exports once their retention window
// has passed.
package archiver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog/log"
	"github.com/tansive/tenantsrv/internal/common/apperrors"
	"github.com/tansive/tenantsrv/internal/common/procrunner"
	"github.com/tansive/tenantsrv/internal/tenantsrv/db/ident"
	"github.com/tansive/tenantsrv/pkg/types"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	ErrBackupFailed   apperrors.Error = apperrors.New("schema backup failed").SetStatusCode(http.StatusInternalServerError)
	ErrDumpToolFailed apperrors.Error = ErrBackupFailed.New("dump tool failed")
	ErrEmptyArtifact  apperrors.Error = ErrBackupFailed.New("backup artifact is missing or empty")
	ErrBackupTimeout  apperrors.Error = ErrBackupFailed.New("backup timed out").SetStatusCode(http.StatusGatewayTimeout)
	ErrArtifactExists apperrors.Error = ErrBackupFailed.New("backup artifact already exists").SetStatusCode(http.StatusConflict)
)

const (
	DefaultDumpTool  = "pg_dump"
	DefaultRetention = 90 * 24 * time.Hour
	DefaultTimeout   = 30 * time.Minute

	ArtifactExt    = ".sql"
	ManifestSuffix = ".manifest.json"
	timestampFmt   = "20060102_150405"
	passwordEnv    = "PGPASSWORD"
	maxNameLen     = 50
)

// Connection identifies the database the dump tool connects to.
type Connection struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
}

type Options struct {
	Dir       string
	Retention time.Duration
	DumpTool  string
	Timeout   time.Duration
	DB        Connection
}

// VersionFunc reports the source engine version recorded in manifests.
type VersionFunc func(ctx context.Context) string

type Archiver struct {
	opts    Options
	runner  procrunner.Runner
	version VersionFunc
	now     func() time.Time
}

func New(opts Options, runner procrunner.Runner, version VersionFunc) *Archiver {
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.DumpTool == "" {
		opts.DumpTool = DefaultDumpTool
	}
	if version == nil {
		version = func(context.Context) string { return "unknown" }
	}
	return &Archiver{opts: opts, runner: runner, version: version, now: time.Now}
}

func (a *Archiver) Dir() string {
	return a.opts.Dir
}

func (a *Archiver) Retention() time.Duration {
	return a.opts.Retention
}

var unsafeRun = regexp.MustCompile(`[^A-Za-z0-9-]+`)

// SanitizeName folds s to ASCII and collapses every run of characters
// outside [A-Za-z0-9-] into a single underscore.
func SanitizeName(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	out := strings.Trim(unsafeRun.ReplaceAllString(folded, "_"), "_")
	if len(out) > maxNameLen {
		out = strings.TrimRight(out[:maxNameLen], "_")
	}
	if out == "" {
		out = "tenant"
	}
	return out
}

// ArtifactName returns <company>_<schema>_<tenant id>_<yyyymmdd_hhmmss>.sql.
func ArtifactName(displayName, schema string, tenantID types.TenantId, at time.Time) string {
	return fmt.Sprintf("%s_%s_%s_%s%s",
		SanitizeName(displayName), schema, SanitizeName(string(tenantID)), at.UTC().Format(timestampFmt), ArtifactExt)
}

func (a *Archiver) dumpCommand(schema, path string) procrunner.Command {
	c := a.opts.DB
	return procrunner.Command{
		Name: a.opts.DumpTool,
		Args: []string{
			"-h", c.Host,
			"-p", strconv.Itoa(c.Port),
			"-U", c.User,
			"-d", c.DBName,
			"-n", schema,
			"--format=plain",
			"--no-owner",
			"--no-privileges",
			"-f", path,
		},
		Env:     map[string]string{passwordEnv: c.Password},
		Timeout: a.opts.Timeout,
	}
}

// BackupBeforeDelete dumps schema and writes its manifest. It returns the
// artifact path only when the artifact exists, is non-empty and has a
// manifest. Any failure must block the deletion the backup was taken for.
func (a *Archiver) BackupBeforeDelete(ctx context.Context, tenantID types.TenantId, schema, displayName string) (string, apperrors.Error) {
	logger := log.Ctx(ctx).With().
		Str("tenant_id", string(tenantID)).
		Str("schema", schema).
		Str("operation", "backup").
		Logger()

	if err := ident.ValidateSchemaName(schema); err != nil {
		return "", ErrBackupFailed.MsgErr("invalid schema name "+schema, err).SetStatusCode(http.StatusBadRequest)
	}
	if tenantID == "" {
		return "", ErrBackupFailed.Msg("tenant id is required").SetStatusCode(http.StatusBadRequest)
	}
	if err := os.MkdirAll(a.opts.Dir, 0o750); err != nil {
		logger.Error().Err(err).Str("dir", a.opts.Dir).Msg("unable to create backup directory")
		return "", ErrBackupFailed.MsgErr("unable to create backup directory", err)
	}

	createdAt := a.now().UTC()
	path := filepath.Join(a.opts.Dir, ArtifactName(displayName, schema, tenantID, createdAt))
	if _, err := os.Lstat(path); err == nil {
		return "", ErrArtifactExists.Msg("backup artifact already exists: " + path)
	}

	start := time.Now()
	res, runErr := a.runner.Run(ctx, a.dumpCommand(schema, path))
	if runErr != nil {
		removeQuietly(path)
		stderr := ""
		if res != nil {
			stderr = strings.TrimSpace(res.Stderr)
		}
		logger.Error().Err(runErr).Str("stderr", stderr).Msg("dump tool failed")
		if errors.Is(runErr, procrunner.ErrCommandTimeout) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", ErrBackupTimeout.MsgErr(fmt.Sprintf("backup of %s timed out after %s", schema, a.opts.Timeout), runErr)
		}
		msg := "dump of " + schema + " failed"
		if stderr != "" {
			msg += ": " + stderr
		}
		return "", ErrDumpToolFailed.MsgErr(msg, runErr)
	}

	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 || !info.Mode().IsRegular() {
		removeQuietly(path)
		logger.Error().Err(err).Msg("dump tool reported success but produced no data")
		return "", ErrEmptyArtifact.Msg("backup of " + schema + " produced an empty or missing artifact")
	}
	if err := os.Chmod(path, 0o440); err != nil {
		logger.Warn().Err(err).Msg("unable to make artifact read-only")
	}

	m := &Manifest{
		TenantID:      tenantID,
		SchemaName:    schema,
		CompanyName:   displayName,
		CreatedAt:     createdAt,
		RetainUntil:   createdAt.Add(a.opts.Retention),
		ArtifactPath:  path,
		ArtifactSize:  info.Size(),
		EngineVersion: a.version(ctx),
		BackupType:    types.BackupTypePreDelete,
	}
	if err := writeManifest(ManifestPath(path), m); err != nil {
		logger.Error().Err(err).Msg("unable to write backup manifest")
		return "", ErrBackupFailed.MsgErr("unable to write manifest for "+path, err)
	}

	logger.Info().
		Str("artifact", path).
		Int64("size", info.Size()).
		Time("retain_until", m.RetainUntil).
		Dur("elapsed", time.Since(start)).
		Msg("schema backup completed")
	return path, nil
}

func removeQuietly(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", path).Msg("unable to remove failed backup artifact")
	}
}
