package main

import (
	"context"
	"fmt"
	"os"

	"aqi-predictor/internal/aqi"
	"aqi-predictor/internal/cfg"
	"aqi-predictor/internal/features"
	"aqi-predictor/internal/ml"

	"github.com/rs/zerolog/log"
)

// Loads the artifacts the server would load with the current environment
// and runs a few readings through them.
func main() {
	c, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	fmt.Println("Checking model artifacts")
	fmt.Printf("  backend: %s\n  scaler:  %s\n  model:   %s\n", c.Backend, c.ScalerPath, c.ModelPath)

	a, err := ml.LoadArtifacts(ml.ArtifactOptions{
		Backend:    c.Backend,
		ScalerPath: c.ScalerPath,
		ModelPath:  c.ModelPath,
		PythonPath: c.PythonPath,
		Timeout:    c.PredictTimeout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load artifacts")
	}
	defer a.Close()

	p, err := ml.NewPipeline(a, nil, 0)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build pipeline")
	}
	fmt.Printf("  kinds:   %s / %s, version %s\n\n", a.Metadata.ScalerKind, a.Metadata.ModelKind, a.Metadata.Version)

	testCases := []struct {
		name string
		body string
	}{
		{"reference reading", `{"PM2.5":10,"PM10":20,"NO":1,"NO2":2,"NOx":3,"NH3":4,"CO":0.5,"SO2":5,"O3":6,"Benzene":0.1,"Toluene":0.2,"Xylene":0.3}`},
		{"heavy pollution", `{"PM2.5":310,"PM10":450,"NO":75,"NO2":95,"NOx":140,"NH3":60,"CO":4.2,"SO2":31,"O3":15,"Benzene":12,"Toluene":30,"Xylene":9}`},
		{"missing O3", `{"PM2.5":10,"PM10":20,"NO":1,"NO2":2,"NOx":3,"NH3":4,"CO":0.5,"SO2":5,"Benzene":0.1,"Toluene":0.2,"Xylene":0.3}`},
	}

	failed := 0
	for _, tc := range testCases {
		v, err := features.Parse([]byte(tc.body))
		if err == nil {
			var value float64
			value, err = p.Predict(context.Background(), v)
			if err == nil {
				fmt.Printf("  %-18s %8.2f  %s\n", tc.name, value, aqi.Categorize(value).Name)
				// Determinism check: the same reading again must match exactly.
				again, _ := p.Predict(context.Background(), v)
				if again != value {
					fmt.Printf("  %-18s NOT DETERMINISTIC: %v then %v\n", "", value, again)
					failed++
				}
				continue
			}
		}
		fmt.Printf("  %-18s error: %v\n", tc.name, err)
		if tc.name != "missing O3" {
			failed++
		}
	}

	if failed > 0 {
		fmt.Printf("\n%d check(s) failed\n", failed)
		os.Exit(1)
	}
	fmt.Println("\nAll checks passed")
}
