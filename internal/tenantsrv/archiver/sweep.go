package archiver

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"
)

// SweepReport summarizes one retention sweep.
type SweepReport struct {
	Cutoff  time.Time `json:"cutoff" yaml:"cutoff"`
	Scanned int       `json:"scanned" yaml:"scanned"`
	Kept    int       `json:"kept" yaml:"kept"`
	Deleted []string  `json:"deleted" yaml:"deleted"`
}

// SweepExpired deletes artifacts whose modification time is strictly older
// than now minus the retention window, together with their manifests.
// Orphaned manifests past the cutoff are removed as well. Files that vanish
// during the sweep are ignored, so concurrent sweeps are harmless; per-file
// failures are collected and returned together.
func (a *Archiver) SweepExpired(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{Cutoff: a.now().Add(-a.opts.Retention), Deleted: []string{}}
	entries, err := os.ReadDir(a.opts.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return report, nil
		}
		return report, ErrBackupFailed.MsgErr("unable to read backup directory", err)
	}

	var errs *multierror.Error
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			errs = multierror.Append(errs, err)
			break
		}
		name := e.Name()
		isArtifact := strings.HasSuffix(name, ArtifactExt)
		isManifest := strings.HasSuffix(name, ManifestSuffix)
		if e.IsDir() || (!isArtifact && !isManifest) {
			continue
		}
		path := filepath.Join(a.opts.Dir, name)
		if isManifest {
			if _, err := os.Lstat(strings.TrimSuffix(path, ManifestSuffix)); err == nil {
				continue // handled with its artifact
			}
		}

		info, err := e.Info()
		if err != nil {
			if !os.IsNotExist(err) {
				errs = multierror.Append(errs, err)
			}
			continue
		}
		report.Scanned++
		if !info.ModTime().Before(report.Cutoff) {
			report.Kept++
			continue
		}

		if err := removeIfExists(path); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if isArtifact {
			if err := removeIfExists(ManifestPath(path)); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		report.Deleted = append(report.Deleted, path)
		log.Ctx(ctx).Info().Str("path", path).Time("modified", info.ModTime()).Msg("deleted expired backup")
	}

	if err := errs.ErrorOrNil(); err != nil {
		log.Ctx(ctx).Error().Err(err).Int("deleted", len(report.Deleted)).Msg("backup sweep finished with errors")
		return report, ErrBackupFailed.MsgErr("backup sweep failed", err)
	}
	return report, nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
