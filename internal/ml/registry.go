package ml

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

// ModelVersion is one registered model artifact.
type ModelVersion struct {
	Version   string       `json:"version"`
	Path      string       `json:"path"`
	Kind      Kind         `json:"kind"`
	CreatedAt time.Time    `json:"created_at"`
	Metrics   ModelMetrics `json:"metrics"`
	IsActive  bool         `json:"is_active"`
}

// ModelMetrics holds offline evaluation figures recorded with a version.
type ModelMetrics struct {
	MeanAbsError    float64 `json:"mean_abs_error,omitempty"`
	Accuracy        float64 `json:"accuracy,omitempty"`
	TrainingSamples int     `json:"training_samples,omitempty"`
}

// ModelManager keeps the model_versions.json index of a models directory.
// The process loads the active version once at startup; activating or
// rolling back takes effect on the next restart.
type ModelManager struct {
	modelsDir    string
	versionsFile string
	versions     []ModelVersion
	currentModel *ModelVersion
	now          func() time.Time
}

// NewModelManager opens the registry in modelsDir.
func NewModelManager(modelsDir string) (*ModelManager, error) {
	info, err := os.Stat(modelsDir)
	if err != nil {
		return nil, fmt.Errorf("model registry: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("model registry %s is not a directory", modelsDir)
	}

	mm := &ModelManager{
		modelsDir:    modelsDir,
		versionsFile: filepath.Join(modelsDir, "model_versions.json"),
		versions:     make([]ModelVersion, 0),
		now:          time.Now,
	}

	if err := mm.loadVersions(); err != nil {
		return nil, fmt.Errorf("failed to load model versions: %w", err)
	}
	return mm, nil
}

// AddVersion validates the artifact at modelPath and registers it under
// the artifact's own version. The new version is not activated.
func (mm *ModelManager) AddVersion(modelPath string, metrics ModelMetrics) (*ModelVersion, error) {
	a, err := ReadArtifact(mm.resolve(modelPath))
	if err != nil {
		return nil, err
	}
	for _, v := range mm.versions {
		if v.Version == a.Version {
			return nil, fmt.Errorf("version %s already registered", a.Version)
		}
	}

	version := ModelVersion{
		Version:   a.Version,
		Path:      modelPath,
		Kind:      a.Kind,
		CreatedAt: mm.now(),
		Metrics:   metrics,
	}
	mm.versions = append(mm.versions, version)
	mm.sortVersions()

	if err := mm.saveVersions(); err != nil {
		return nil, err
	}
	log.Info().Str("version", version.Version).Str("path", modelPath).Msg("model version registered")
	return &version, nil
}

// ActivateVersion marks version as the one loaded at startup.
func (mm *ModelManager) ActivateVersion(version string) error {
	found := false
	for i := range mm.versions {
		if mm.versions[i].Version == version {
			mm.versions[i].IsActive = true
			found = true
		} else {
			mm.versions[i].IsActive = false
		}
	}
	if !found {
		return fmt.Errorf("version %s not found", version)
	}
	mm.findCurrent()

	log.Info().Str("version", version).Msg("model version activated")
	return mm.saveVersions()
}

// Rollback activates the version registered before the active one.
func (mm *ModelManager) Rollback() error {
	if len(mm.versions) < 2 {
		return fmt.Errorf("no previous version available for rollback")
	}

	currentIdx := -1
	for i, v := range mm.versions {
		if v.IsActive {
			currentIdx = i
			break
		}
	}
	if currentIdx == -1 {
		return fmt.Errorf("no active version found")
	}

	// versions are sorted newest first
	if currentIdx+1 < len(mm.versions) {
		return mm.ActivateVersion(mm.versions[currentIdx+1].Version)
	}
	return fmt.Errorf("no previous version available")
}

// GetCurrentVersion returns the active version, or nil.
func (mm *ModelManager) GetCurrentVersion() *ModelVersion {
	return mm.currentModel
}

// ListVersions returns all versions, newest first.
func (mm *ModelManager) ListVersions() []ModelVersion {
	out := make([]ModelVersion, len(mm.versions))
	copy(out, mm.versions)
	return out
}

// ArtifactPath returns the artifact file of v.
func (mm *ModelManager) ArtifactPath(v ModelVersion) string {
	return mm.resolve(v.Path)
}

func (mm *ModelManager) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(mm.modelsDir, p)
}

func (mm *ModelManager) sortVersions() {
	sort.SliceStable(mm.versions, func(i, j int) bool {
		return mm.versions[i].CreatedAt.After(mm.versions[j].CreatedAt)
	})
	mm.findCurrent()
}

func (mm *ModelManager) findCurrent() {
	mm.currentModel = nil
	for i := range mm.versions {
		if mm.versions[i].IsActive {
			mm.currentModel = &mm.versions[i]
			return
		}
	}
}

func (mm *ModelManager) loadVersions() error {
	data, err := os.ReadFile(mm.versionsFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := json.Unmarshal(data, &mm.versions); err != nil {
		return err
	}
	mm.sortVersions()
	return nil
}

func (mm *ModelManager) saveVersions() error {
	data, err := json.MarshalIndent(mm.versions, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(mm.versionsFile, data, 0o600)
}
