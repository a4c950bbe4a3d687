package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"aqi-predictor/internal/common"
	"aqi-predictor/internal/features"

	"github.com/rs/zerolog/log"
)

// Artifact loading errors.
var (
	ErrArtifactShape  = errors.New("artifact shape mismatch")
	ErrUnknownKind    = errors.New("unknown artifact kind")
	ErrFeatureOrder   = errors.New("artifact feature order differs from service feature order")
	ErrUnknownBackend = errors.New("unknown model backend")
)

// ArtifactOptions says where the fitted artifacts live and how to read them.
type ArtifactOptions struct {
	Backend    string
	ScalerPath string
	ModelPath  string
	PythonPath string        // joblib backend only; discovered when empty
	ScriptPath string        // joblib backend only; embedded script when empty
	Timeout    time.Duration // joblib backend only
}

// Artifacts is the loaded scaler/model pair plus what is known about them.
type Artifacts struct {
	Scaler   Scaler
	Model    Model
	Metadata *ModelMetadata
	closer   func() error
}

// Close releases backend resources such as the Python co-process.
func (a *Artifacts) Close() error {
	if a == nil || a.closer == nil {
		return nil
	}
	return a.closer()
}

// LoadArtifacts loads the scaler and model once. Any failure is returned so
// the caller can refuse to start.
func LoadArtifacts(opts ArtifactOptions) (*Artifacts, error) {
	var (
		a   *Artifacts
		err error
	)

	switch opts.Backend {
	case common.BackendJSON, "":
		a, err = loadJSONArtifacts(opts)
	case common.BackendJoblib:
		a, err = loadJoblibArtifacts(opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, opts.Backend)
	}
	if err != nil {
		return nil, err
	}

	md, err := loadModelMetadata(opts.ModelPath)
	if err != nil {
		log.Warn().Err(err).Str("model_path", opts.ModelPath).Msg("failed to load model metadata, using defaults")
		md = defaultMetadata()
	}
	md.Backend = orBackend(opts.Backend)
	md.ModelPath = opts.ModelPath
	md.ScalerPath = opts.ScalerPath
	if info, statErr := os.Stat(opts.ModelPath); statErr == nil {
		md.ModelModified = info.ModTime()
	}
	if a.Metadata != nil {
		md.ScalerKind = a.Metadata.ScalerKind
		md.ModelKind = a.Metadata.ModelKind
	}
	a.Metadata = md

	log.Info().
		Str("backend", md.Backend).
		Str("scaler_path", opts.ScalerPath).
		Str("scaler_kind", md.ScalerKind).
		Str("model_path", opts.ModelPath).
		Str("model_kind", md.ModelKind).
		Str("model_version", md.Version).
		Msg("model artifacts loaded")

	return a, nil
}

func orBackend(b string) string {
	if b == "" {
		return common.BackendJSON
	}
	return b
}

func loadJSONArtifacts(opts ArtifactOptions) (*Artifacts, error) {
	scaler, scalerKind, err := LoadScaler(opts.ScalerPath)
	if err != nil {
		return nil, err
	}
	model, modelKind, err := LoadModel(opts.ModelPath)
	if err != nil {
		return nil, err
	}
	return &Artifacts{
		Scaler:   scaler,
		Model:    model,
		Metadata: &ModelMetadata{ScalerKind: scalerKind, ModelKind: modelKind},
	}, nil
}

type artifactHeader struct {
	Kind         string   `json:"kind"`
	FeatureNames []string `json:"feature_names_in_"`
	NFeatures    *int     `json:"n_features_in_"`
}

func (h artifactHeader) check() error {
	if h.NFeatures != nil && *h.NFeatures != features.Count {
		return fmt.Errorf("%w: fitted on %d features, want %d", ErrArtifactShape, *h.NFeatures, features.Count)
	}
	if h.FeatureNames == nil {
		return nil
	}
	if len(h.FeatureNames) != features.Count {
		return fmt.Errorf("%w: got %v", ErrFeatureOrder, h.FeatureNames)
	}
	for i, name := range features.Names {
		if h.FeatureNames[i] != name {
			return fmt.Errorf("%w: position %d is %q, want %q", ErrFeatureOrder, i, h.FeatureNames[i], name)
		}
	}
	return nil
}

type scalerFile struct {
	artifactHeader
	Mean   []float64 `json:"mean_"`
	Scale  []float64 `json:"scale_"`
	Min    []float64 `json:"min_"`
	Center []float64 `json:"center_"`
}

// LoadScaler reads a scaler exported to JSON and returns it with its kind.
func LoadScaler(path string) (Scaler, string, error) {
	var f scalerFile
	if err := readJSON(path, &f); err != nil {
		return nil, "", fmt.Errorf("load scaler: %w", err)
	}
	if err := f.check(); err != nil {
		return nil, "", fmt.Errorf("load scaler %s: %w", path, err)
	}

	s, err := f.build()
	if err != nil {
		return nil, "", fmt.Errorf("load scaler %s: %w", path, err)
	}
	return s, f.Kind, nil
}

func (f *scalerFile) build() (Scaler, error) {
	switch f.Kind {
	case "standard":
		if err := checkParam("mean_", f.Mean, true); err != nil {
			return nil, err
		}
		if err := checkParam("scale_", f.Scale, true); err != nil {
			return nil, err
		}
		return &StandardScaler{Mean: f.Mean, Scale: zerosToOne(f.Scale)}, nil
	case "minmax":
		if err := checkParam("min_", f.Min, false); err != nil {
			return nil, err
		}
		if err := checkParam("scale_", f.Scale, false); err != nil {
			return nil, err
		}
		return &MinMaxScaler{Min: f.Min, Scale: f.Scale}, nil
	case "robust":
		if err := checkParam("center_", f.Center, true); err != nil {
			return nil, err
		}
		if err := checkParam("scale_", f.Scale, true); err != nil {
			return nil, err
		}
		return &RobustScaler{Center: f.Center, Scale: zerosToOne(f.Scale)}, nil
	case "identity":
		return IdentityScaler{}, nil
	default:
		return nil, fmt.Errorf("%w: scaler %q", ErrUnknownKind, f.Kind)
	}
}

type treeFile struct {
	ChildrenLeft  []int           `json:"children_left"`
	ChildrenRight []int           `json:"children_right"`
	Feature       []int           `json:"feature"`
	Threshold     []float64       `json:"threshold"`
	Value         json.RawMessage `json:"value"`
}

type modelFile struct {
	artifactHeader
	Coef         json.RawMessage `json:"coef_"`
	Intercept    json.RawMessage `json:"intercept_"`
	Trees        []treeFile      `json:"trees"`
	Aggregation  Aggregation     `json:"aggregation"`
	LearningRate *float64        `json:"learning_rate"`
	Init         float64         `json:"init"`
}

// LoadModel reads a regression model exported to JSON and returns it with
// its kind.
func LoadModel(path string) (Model, string, error) {
	var f modelFile
	if err := readJSON(path, &f); err != nil {
		return nil, "", fmt.Errorf("load model: %w", err)
	}
	if err := f.check(); err != nil {
		return nil, "", fmt.Errorf("load model %s: %w", path, err)
	}

	m, err := f.build()
	if err != nil {
		return nil, "", fmt.Errorf("load model %s: %w", path, err)
	}
	return m, f.Kind, nil
}

func (f *modelFile) build() (Model, error) {
	switch f.Kind {
	case "linear":
		coef, err := flattenNumbers(f.Coef)
		if err != nil {
			return nil, fmt.Errorf("coef_: %w", err)
		}
		if err := checkParam("coef_", coef, false); err != nil {
			return nil, err
		}

		var intercept float64
		if len(f.Intercept) > 0 {
			vals, err := flattenNumbers(f.Intercept)
			if err != nil {
				return nil, fmt.Errorf("intercept_: %w", err)
			}
			if len(vals) != 1 {
				return nil, fmt.Errorf("%w: intercept_ has %d entries, want 1", ErrArtifactShape, len(vals))
			}
			intercept = vals[0]
		}
		return &LinearModel{Coef: coef, Intercept: intercept}, nil

	case "tree_ensemble":
		if len(f.Trees) == 0 {
			return nil, fmt.Errorf("%w: ensemble has no trees", ErrArtifactShape)
		}
		e := &TreeEnsemble{Aggregation: f.Aggregation, LearningRate: 1, Init: f.Init}
		switch e.Aggregation {
		case "":
			e.Aggregation = AggregateMean
		case AggregateMean, AggregateSum:
		default:
			return nil, fmt.Errorf("%w: aggregation %q", ErrUnknownKind, f.Aggregation)
		}
		if f.LearningRate != nil {
			e.LearningRate = *f.LearningRate
		}

		e.Trees = make([]Tree, len(f.Trees))
		for i, tf := range f.Trees {
			value, err := flattenNumbers(tf.Value)
			if err != nil {
				return nil, fmt.Errorf("tree %d value: %w", i, err)
			}
			t := Tree{
				ChildrenLeft:  tf.ChildrenLeft,
				ChildrenRight: tf.ChildrenRight,
				Feature:       tf.Feature,
				Threshold:     tf.Threshold,
				Value:         value,
			}
			if err := t.validate(); err != nil {
				return nil, fmt.Errorf("tree %d: %w", i, err)
			}
			e.Trees[i] = t
		}
		return e, nil

	default:
		return nil, fmt.Errorf("%w: model %q", ErrUnknownKind, f.Kind)
	}
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// flattenNumbers accepts a number or an arbitrarily nested array of numbers
// and returns the leaves in order. Exported estimators nest per-output and
// per-class dimensions that are always 1 for a single-target regressor.
func flattenNumbers(raw json.RawMessage) ([]float64, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: missing", ErrArtifactShape)
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}

	var out []float64
	var walk func(interface{}) error
	walk = func(x interface{}) error {
		switch t := x.(type) {
		case float64:
			out = append(out, t)
		case []interface{}:
			for _, e := range t {
				if err := walk(e); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("%w: unexpected %T", ErrArtifactShape, x)
		}
		return nil
	}
	if err := walk(v); err != nil {
		return nil, err
	}
	return out, nil
}
