package archiver

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/tansive/tenantsrv/pkg/types"
)

// Manifest is the sidecar describing one backup artifact. It can be read
// without opening the artifact.
type Manifest struct {
	TenantID      types.TenantId `json:"tenant_id" yaml:"tenant_id"`
	SchemaName    string         `json:"schema_name" yaml:"schema_name"`
	CompanyName   string         `json:"company_name" yaml:"company_name"`
	CreatedAt     time.Time      `json:"created_at" yaml:"created_at"`
	RetainUntil   time.Time      `json:"retain_until" yaml:"retain_until"`
	ArtifactPath  string         `json:"artifact_path" yaml:"artifact_path"`
	ArtifactSize  int64          `json:"artifact_size" yaml:"artifact_size"`
	EngineVersion string         `json:"engine_version" yaml:"engine_version"`
	BackupType    string         `json:"backup_type" yaml:"backup_type"`
}

func ManifestPath(artifact string) string {
	return artifact + ManifestSuffix
}

// writeManifest writes m through a temporary file and a rename so readers
// never observe a partial manifest.
func writeManifest(path string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode manifest")
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".manifest-*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temporary manifest")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "write %s", tmp.Name())
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "sync %s", tmp.Name())
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "close %s", tmp.Name())
	}
	if err := os.Chmod(tmp.Name(), 0o440); err != nil {
		return errors.Wrapf(err, "chmod %s", tmp.Name())
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrapf(err, "rename manifest to %s", path)
	}
	return nil
}

func readManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	return &m, nil
}

// ListManifests reads every manifest in the backup directory, oldest first.
// Unreadable manifests are skipped.
func (a *Archiver) ListManifests() ([]Manifest, error) {
	entries, err := os.ReadDir(a.opts.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Manifest{}, nil
		}
		return nil, ErrBackupFailed.MsgErr("unable to read backup directory", err)
	}
	manifests := []Manifest{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ManifestSuffix) {
			continue
		}
		m, err := readManifest(filepath.Join(a.opts.Dir, e.Name()))
		if err != nil {
			log.Warn().Err(err).Msg("skipping unreadable backup manifest")
			continue
		}
		manifests = append(manifests, *m)
	}
	sort.Slice(manifests, func(i, j int) bool {
		return manifests[i].CreatedAt.Before(manifests[j].CreatedAt)
	})
	return manifests, nil
}
