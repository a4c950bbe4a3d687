package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"aqi-predictor/internal/features"
)

// ModelMetadata describes the loaded artifacts. The training-side fields
// come from an optional model_metadata.json written next to the model.
type ModelMetadata struct {
	Version      string    `json:"version"`
	TrainedAt    time.Time `json:"trained_at"`
	Features     []string  `json:"features"`
	R2           float64   `json:"r2,omitempty"`
	MAE          float64   `json:"mae,omitempty"`
	RMSE         float64   `json:"rmse,omitempty"`
	TrainingRows int       `json:"training_rows,omitempty"`

	Backend       string    `json:"backend"`
	ScalerKind    string    `json:"scaler_kind"`
	ModelKind     string    `json:"model_kind"`
	ScalerPath    string    `json:"scaler_path"`
	ModelPath     string    `json:"model_path"`
	ModelModified time.Time `json:"model_modified"`
}

func defaultMetadata() *ModelMetadata {
	return &ModelMetadata{
		Version:  "unknown",
		Features: features.Names[:],
	}
}

// loadModelMetadata reads model_metadata.json from the model's directory,
// falling back to the newest model_metadata_<timestamp>.json.
func loadModelMetadata(modelPath string) (*ModelMetadata, error) {
	dir := filepath.Dir(modelPath)
	primary := filepath.Join(dir, "model_metadata.json")

	md, err := decodeMetadata(primary)
	if err != nil {
		pattern := filepath.Join(dir, "model_metadata_*.json")
		matches, globErr := filepath.Glob(pattern)
		if globErr != nil || len(matches) == 0 {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("no metadata files found in %s", dir)
			}
			return nil, err
		}
		sort.Strings(matches)
		if md, err = decodeMetadata(matches[len(matches)-1]); err != nil {
			return nil, err
		}
	}

	if len(md.Features) == 0 {
		md.Features = features.Names[:]
	} else if len(md.Features) != features.Count {
		return nil, fmt.Errorf("%w: metadata lists %d features", ErrFeatureOrder, len(md.Features))
	} else {
		for i, name := range features.Names {
			if md.Features[i] != name {
				return nil, fmt.Errorf("%w: metadata position %d is %q", ErrFeatureOrder, i, md.Features[i])
			}
		}
	}
	if md.Version == "" {
		md.Version = "unknown"
	}
	return md, nil
}

func decodeMetadata(path string) (*ModelMetadata, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var md ModelMetadata
	if err := json.NewDecoder(file).Decode(&md); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &md, nil
}
