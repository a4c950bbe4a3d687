package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"aqi-predictor/internal/aqi"
	"aqi-predictor/internal/features"
	"aqi-predictor/internal/ml"

	"github.com/rs/zerolog/log"
)

// Rough per-feature mean and standard deviation of daily city readings,
// in features.Names order.
var (
	featureMean = [features.Count]float64{67.5, 118.1, 17.6, 28.6, 32.3, 23.5, 2.25, 14.5, 34.5, 3.28, 8.7, 3.07}
	featureStd  = [features.Count]float64{64.7, 90.6, 22.8, 24.5, 31.6, 25.7, 6.96, 18.1, 21.7, 15.8, 19.97, 6.32}
	// AQI points per standard deviation of each scaled feature.
	linearCoef = [features.Count]float64{58, 31, 2.5, 6, 3, 1.5, 22, 4, 5, 0.5, 0.8, 0.3}
)

const baseAQI = 166.5

func main() {
	var (
		outDir = flag.String("out", "models", "Directory to write scaler.json, model.json and model_metadata.json")
		kind   = flag.String("kind", "linear", "Model kind: linear or forest")
		trees  = flag.Int("trees", 50, "Trees in the forest")
		seed   = flag.Int64("seed", 42, "Random seed for the forest")
	)
	flag.Parse()

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		log.Fatal().Err(err).Msg("failed to create output directory")
	}

	var model map[string]interface{}
	switch *kind {
	case "linear":
		model = linearModel()
	case "forest":
		model = forestModel(*trees, rand.New(rand.NewSource(*seed)))
	default:
		log.Fatal().Str("kind", *kind).Msg("unknown model kind")
	}

	scalerPath := filepath.Join(*outDir, "scaler.json")
	modelPath := filepath.Join(*outDir, "model.json")
	must(writeJSON(scalerPath, scaler()))
	must(writeJSON(modelPath, model))
	must(writeJSON(filepath.Join(*outDir, "model_metadata.json"), map[string]interface{}{
		"version":    "sample-" + *kind,
		"trained_at": time.Now().UTC(),
		"features":   features.Names[:],
	}))

	// Load what was written the same way the server does.
	a, err := ml.LoadArtifacts(ml.ArtifactOptions{ScalerPath: scalerPath, ModelPath: modelPath})
	if err != nil {
		log.Fatal().Err(err).Msg("written artifacts do not load")
	}
	p, err := ml.NewPipeline(a, nil, 0)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build pipeline")
	}

	fmt.Printf("Wrote sample %s artifacts to %s\n", *kind, *outDir)
	for _, sample := range []struct {
		name    string
		reading features.Vector
	}{
		{"typical day", featureMean},
		{"clean air", features.Vector{8, 15, 2, 6, 7, 5, 0.3, 4, 20, 0.2, 0.5, 0.1}},
		{"winter smog", features.Vector{240, 380, 60, 85, 110, 45, 3.1, 25, 18, 8.5, 22, 6}},
	} {
		v, err := p.Predict(context.Background(), sample.reading)
		if err != nil {
			log.Fatal().Err(err).Str("sample", sample.name).Msg("prediction failed")
		}
		fmt.Printf("  %-12s AQI %7.2f  %s\n", sample.name, v, aqi.Categorize(v).Name)
	}
}

func scaler() map[string]interface{} {
	return map[string]interface{}{
		"kind":              "standard",
		"feature_names_in_": features.Names[:],
		"n_features_in_":    features.Count,
		"mean_":             featureMean[:],
		"scale_":            featureStd[:],
	}
}

func linearModel() map[string]interface{} {
	return map[string]interface{}{
		"kind":              "linear",
		"feature_names_in_": features.Names[:],
		"coef_":             linearCoef[:],
		"intercept_":        baseAQI,
	}
}

// forestModel builds depth-2 trees that each look at two features and
// approximate the linear model around the split points.
func forestModel(n int, rng *rand.Rand) map[string]interface{} {
	// Weight the draw towards the features that move AQI most.
	weighted := []int{0, 0, 0, 0, 1, 1, 1, 6, 6, 3, 8, 7}

	trees := make([]map[string]interface{}, n)
	for i := range trees {
		f1 := weighted[rng.Intn(len(weighted))]
		f2 := weighted[rng.Intn(len(weighted))]
		t1 := rng.Float64()*2 - 0.5
		t2 := rng.Float64()*2 - 0.5

		leaf := func(z1, z2 float64) float64 {
			v := baseAQI + linearCoef[f1]*z1
			if f2 != f1 {
				v += linearCoef[f2] * z2
			}
			return v
		}

		// 0: f1 <= t1 ? 1 : 4; 1: f2 <= t2 ? 2 : 3; 4: f2 <= t2 ? 5 : 6
		trees[i] = map[string]interface{}{
			"children_left":  []int{1, 2, -1, -1, 5, -1, -1},
			"children_right": []int{4, 3, -1, -1, 6, -1, -1},
			"feature":        []int{f1, f2, -2, -2, f2, -2, -2},
			"threshold":      []float64{t1, t2, -2, -2, t2, -2, -2},
			"value": []float64{
				baseAQI,
				leaf(t1-1, 0),
				leaf(t1-1, t2-1),
				leaf(t1-1, t2+1),
				leaf(t1+1, 0),
				leaf(t1+1, t2-1),
				leaf(t1+1, t2+1),
			},
		}
	}

	return map[string]interface{}{
		"kind":              "tree_ensemble",
		"feature_names_in_": features.Names[:],
		"aggregation":       "mean",
		"trees":             trees,
	}
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func must(err error) {
	if err != nil {
		log.Fatal().Err(err).Msg("failed to write artifact")
	}
}
