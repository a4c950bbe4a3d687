package ml

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"aqi-predictor/internal/features"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadModelMetadata_Primary(t *testing.T) {
	dir := t.TempDir()
	trained := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	writeJSONFile(t, dir, "model_metadata.json", map[string]interface{}{
		"version":       "rf-2024.03",
		"trained_at":    trained,
		"features":      features.Names[:],
		"r2":            0.91,
		"training_rows": 24850,
	})

	md, err := loadModelMetadata(filepath.Join(dir, "model.json"))
	require.NoError(t, err)
	assert.Equal(t, "rf-2024.03", md.Version)
	assert.True(t, trained.Equal(md.TrainedAt))
	assert.Equal(t, 0.91, md.R2)
	assert.Equal(t, 24850, md.TrainingRows)
}

func TestLoadModelMetadata_NewestTimestamped(t *testing.T) {
	dir := t.TempDir()
	writeJSONFile(t, dir, "model_metadata_20240101_000000.json", map[string]interface{}{"version": "old"})
	writeJSONFile(t, dir, "model_metadata_20240601_000000.json", map[string]interface{}{"version": "new"})

	md, err := loadModelMetadata(filepath.Join(dir, "model.json"))
	require.NoError(t, err)
	assert.Equal(t, "new", md.Version)
	assert.Equal(t, features.Names[:], md.Features)
}

func TestLoadModelMetadata_Errors(t *testing.T) {
	_, err := loadModelMetadata(filepath.Join(t.TempDir(), "model.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no metadata files found")

	dir := t.TempDir()
	writeJSONFile(t, dir, "model_metadata.json", map[string]interface{}{
		"features": []string{"PM2.5", "PM10"},
	})
	_, err = loadModelMetadata(filepath.Join(dir, "model.json"))
	assert.ErrorIs(t, err, ErrFeatureOrder)
}

func TestLoadModelMetadata_MalformedPrimary(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model_metadata.json"), []byte(`{"version": `), 0o644))

	_, err := loadModelMetadata(filepath.Join(dir, "model.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode ")
	assert.Contains(t, err.Error(), "model_metadata.json")
	assert.NotContains(t, err.Error(), "no metadata files found")
}

func TestLoadArtifacts_SurfacesMetadata(t *testing.T) {
	scalerPath, modelPath := writeFixtureArtifacts(t)
	writeJSONFile(t, filepath.Dir(modelPath), "model_metadata.json", map[string]interface{}{"version": "v7"})

	a, err := LoadArtifacts(ArtifactOptions{ScalerPath: scalerPath, ModelPath: modelPath})
	require.NoError(t, err)
	assert.Equal(t, "v7", a.Metadata.Version)
	assert.Equal(t, "linear", a.Metadata.ModelKind)
	assert.Equal(t, modelPath, a.Metadata.ModelPath)
}
