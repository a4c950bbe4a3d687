package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"aqi-predictor/internal/aqi"
	"aqi-predictor/internal/client"
	"aqi-predictor/internal/features"
	"aqi-predictor/internal/logging"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
)

const defaultServer = "http://localhost:8000"

// featureFlags maps each feature to its flag name, in feature order.
var featureFlags = func() []struct{ feature, flag string } {
	out := make([]struct{ feature, flag string }, 0, features.Count)
	for _, name := range features.Names {
		flag := strings.ToLower(strings.ReplaceAll(name, ".", ""))
		out = append(out, struct{ feature, flag string }{name, flag})
	}
	return out
}()

// setupLogging replaces the global logger. Tests swap it out since their
// in-process servers log through that logger concurrently.
var setupLogging = func(level string) error {
	_, err := logging.Setup(logging.Options{Level: level, Format: "console"})
	return err
}

// newApp builds a fresh command tree; flags keep parse state, so nothing
// is shared between runs.
func newApp(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:   "aqictl",
		Usage:  "Query an AQI prediction server",
		Writer: out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Value:   defaultServer,
				Usage:   "Base URL of the prediction server",
				Sources: cli.EnvVars("AQI_SERVER"),
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: 10 * time.Second,
				Usage: "HTTP request timeout",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: "warn",
				Usage: "log level (debug, info, warn, error)",
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			return ctx, setupLogging(cmd.String("log-level"))
		},
		Commands: []*cli.Command{
			predictCmd(),
			streamCmd(),
			healthCmd(),
			infoCmd(),
		},
	}
}

func newClient(cmd *cli.Command) *client.Client {
	return client.New(cmd.String("server"), cmd.Duration("timeout"))
}

func predictCmd() *cli.Command {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:    "file",
			Aliases: []string{"f"},
			Usage:   "JSON file holding one reading object (- for stdin)",
		},
	}
	for _, ff := range featureFlags {
		flags = append(flags, &cli.FloatFlag{Name: ff.flag, Usage: ff.feature + " concentration"})
	}

	return &cli.Command{
		Name:  "predict",
		Usage: "Predict the AQI for one reading",
		Description: `Send one reading to POST /api/predict and print the predicted AQI with
its category.

Readings come from --file or from one flag per pollutant. Pollutants
without a flag are left out of the request, so the server reports the
first missing one.

# Examples

  aqictl predict --file reading.json
  aqictl predict --pm25 81.4 --pm10 124.5 --no 1.4 --no2 24.8 --nox 26.1 \
    --nh3 13.6 --co 1.2 --so2 8.9 --o3 42.3 --benzene 0.6 --toluene 2.1 --xylene 0.1`,
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			var body interface{}
			if path := cmd.String("file"); path != "" {
				raw, err := readInput(path)
				if err != nil {
					return err
				}
				if !json.Valid(raw) {
					return fmt.Errorf("%s does not contain valid JSON", path)
				}
				body = json.RawMessage(raw)
			} else {
				readings := make(map[string]float64, features.Count)
				for _, ff := range featureFlags {
					if cmd.IsSet(ff.flag) {
						readings[ff.feature] = cmd.Float(ff.flag)
					}
				}
				body = readings
			}

			value, err := newClient(cmd).Predict(ctx, body)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.Root().Writer, "Predicted AQI: %.2f (%s)\n", value, aqi.Categorize(value).Name)
			return nil
		},
	}
}

func streamCmd() *cli.Command {
	return &cli.Command{
		Name:  "stream",
		Usage: "Predict a JSON-lines file of readings over the websocket route",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "file",
				Aliases:  []string{"f"},
				Required: true,
				Usage:    "JSON-lines file, one reading object per line (- for stdin)",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			in, err := openInput(cmd.String("file"))
			if err != nil {
				return err
			}
			defer in.Close()

			out := cmd.Root().Writer
			total, failed := 0, 0
			err = newClient(cmd).Stream(ctx, in, func(line int, res client.Result) error {
				total++
				if err := res.Err(); err != nil {
					failed++
					fmt.Fprintf(out, "line %d: error: %s\n", line, res.Error)
					return nil
				}
				v := *res.PredictedAQI
				fmt.Fprintf(out, "line %d: %.2f (%s)\n", line, v, aqi.Categorize(v).Name)
				return nil
			})
			if err != nil {
				return err
			}

			log.Debug().Int("readings", total).Int("failed", failed).Msg("stream finished")
			if failed > 0 {
				return fmt.Errorf("%d of %d readings failed", failed, total)
			}
			return nil
		},
	}
}

func healthCmd() *cli.Command {
	return &cli.Command{
		Name:  "health",
		Usage: "Show server health",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			health, err := newClient(cmd).Health(ctx)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.Root().Writer, health); err != nil {
				return err
			}
			if !health.Healthy {
				return errors.New("server is unhealthy")
			}
			return nil
		},
	}
}

func infoCmd() *cli.Command {
	return &cli.Command{
		Name:  "info",
		Usage: "Show the loaded model's metadata",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			info, err := newClient(cmd).Info(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.Root().Writer, info)
		},
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %q: %w", path, err)
	}
	return f, nil
}

func readInput(path string) ([]byte, error) {
	in, err := openInput(path)
	if err != nil {
		return nil, err
	}
	defer in.Close()
	return io.ReadAll(in)
}
