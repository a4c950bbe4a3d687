package ml

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"aqi-predictor/internal/features"

	"github.com/rs/zerolog/log"
)

var ErrBridgeUnavailable = errors.New("python co-process unavailable")

// JoblibBridge drives one long-lived Python process that loaded the
// original scaler.pkl and aqi_model.pkl at start. It implements both Scaler
// and Model; calls are serialized because the process answers one
// line-delimited request at a time.
type JoblibBridge struct {
	mu         sync.Mutex
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stdout     *bufio.Reader
	stderr     *tailBuffer
	timeout    time.Duration
	pythonPath string
	scriptPath string
	broken     error

	// estimator class names reported by the co-process at start
	scalerKind string
	modelKind  string
}

type bridgeRequest struct {
	Op       string    `json:"op"`
	Features []float64 `json:"features"`
}

type bridgeResponse struct {
	Ready     bool      `json:"ready,omitempty"`
	NFeatures int       `json:"n_features,omitempty"`
	Scaler    string    `json:"scaler,omitempty"`
	Model     string    `json:"model,omitempty"`
	Values    []float64 `json:"values,omitempty"`
	Value     *float64  `json:"value,omitempty"`
	Error     string    `json:"error,omitempty"`
}

func loadJoblibArtifacts(opts ArtifactOptions) (*Artifacts, error) {
	b, err := StartJoblibBridge(opts)
	if err != nil {
		return nil, err
	}
	return &Artifacts{
		Scaler:   b,
		Model:    b,
		Metadata: &ModelMetadata{ScalerKind: b.scalerKind, ModelKind: b.modelKind},
		closer:   b.Close,
	}, nil
}

// StartJoblibBridge launches the co-process and waits for its ready line.
func StartJoblibBridge(opts ArtifactOptions) (*JoblibBridge, error) {
	for _, p := range []string{opts.ScalerPath, opts.ModelPath} {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("joblib artifact: %w", err)
		}
	}

	pythonPath := opts.PythonPath
	if pythonPath == "" {
		var err error
		if pythonPath, err = findPython(); err != nil {
			return nil, err
		}
	}

	scriptPath := opts.ScriptPath
	if scriptPath == "" {
		scriptPath = filepath.Join(filepath.Dir(opts.ModelPath), "joblib_inference.py")
		if _, err := os.Stat(scriptPath); os.IsNotExist(err) {
			if err := createInferenceScript(scriptPath); err != nil {
				return nil, fmt.Errorf("failed to create inference script: %w", err)
			}
		}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	b := &JoblibBridge{
		timeout:    timeout,
		pythonPath: pythonPath,
		scriptPath: scriptPath,
		stderr:     &tailBuffer{max: 4096},
	}

	cmd := exec.Command(pythonPath, scriptPath, opts.ScalerPath, opts.ModelPath)
	cmd.Stderr = b.stderr
	// Grandchildren holding stderr open must not stall Wait after a kill.
	cmd.WaitDelay = time.Second
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start python co-process: %w", err)
	}
	b.cmd, b.stdin, b.stdout = cmd, stdin, bufio.NewReader(stdout)

	// Unpickling a large forest can take a while; allow more than one call's budget.
	resp, err := b.readResponse(10 * timeout)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("python co-process did not become ready: %w", err)
	}
	if !resp.Ready {
		b.Close()
		return nil, fmt.Errorf("python co-process failed to load artifacts: %s", resp.Error)
	}
	if resp.NFeatures != 0 && resp.NFeatures != features.Count {
		b.Close()
		return nil, fmt.Errorf("%w: pickled artifacts expect %d features, want %d", ErrArtifactShape, resp.NFeatures, features.Count)
	}

	log.Info().
		Str("python_path", pythonPath).
		Str("script_path", scriptPath).
		Int("pid", cmd.Process.Pid).
		Msg("joblib co-process ready")

	b.scalerKind, b.modelKind = resp.Scaler, resp.Model
	return b, nil
}

// Transform runs the pickled scaler in the co-process.
func (b *JoblibBridge) Transform(v features.Vector) (features.Vector, error) {
	resp, err := b.call(bridgeRequest{Op: "transform", Features: v[:]})
	if err != nil {
		return features.Vector{}, err
	}
	if len(resp.Values) != features.Count {
		return features.Vector{}, fmt.Errorf("%w: scaler returned %d values", ErrArtifactShape, len(resp.Values))
	}
	var out features.Vector
	copy(out[:], resp.Values)
	return out, nil
}

// Predict runs the pickled model in the co-process on an already scaled vector.
func (b *JoblibBridge) Predict(v features.Vector) (float64, error) {
	resp, err := b.call(bridgeRequest{Op: "predict", Features: v[:]})
	if err != nil {
		return 0, err
	}
	if resp.Value == nil {
		return 0, fmt.Errorf("%w: model returned no value", ErrArtifactShape)
	}
	return *resp.Value, nil
}

func (b *JoblibBridge) call(req bridgeRequest) (*bridgeResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.broken != nil {
		return nil, fmt.Errorf("%w: %v", ErrBridgeUnavailable, b.broken)
	}

	line, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	if _, err := b.stdin.Write(append(line, '\n')); err != nil {
		b.markBroken(err)
		return nil, fmt.Errorf("%w: %v", ErrBridgeUnavailable, err)
	}

	resp, err := b.readResponse(b.timeout)
	if err != nil {
		// The stream is out of step with our requests now; nothing after
		// this call could be trusted.
		b.markBroken(err)
		return nil, err
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	return resp, nil
}

// readResponse reads one JSON line, bounded by timeout.
func (b *JoblibBridge) readResponse(timeout time.Duration) (*bridgeResponse, error) {
	type result struct {
		line []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		line, err := b.stdout.ReadBytes('\n')
		done <- result{line, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("read co-process output: %w, stderr: %s", r.err, b.stderr.String())
		}
		var resp bridgeResponse
		if err := json.Unmarshal(r.line, &resp); err != nil {
			return nil, fmt.Errorf("failed to parse response: %w, stdout: %s", err, strings.TrimSpace(string(r.line)))
		}
		return &resp, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("prediction timeout after %v", timeout)
	}
}

func (b *JoblibBridge) markBroken(err error) {
	b.broken = err
	log.Error().
		Err(err).
		Str("python_path", b.pythonPath).
		Str("script_path", b.scriptPath).
		Str("stderr", b.stderr.String()).
		Msg("joblib co-process failed, stopping it")
	if b.cmd != nil && b.cmd.Process != nil {
		_ = b.cmd.Process.Kill()
	}
}

// Close stops the co-process.
func (b *JoblibBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cmd == nil {
		return nil
	}
	if b.stdin != nil {
		b.stdin.Close()
	}
	done := make(chan error, 1)
	go func() { done <- b.cmd.Wait() }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		_ = b.cmd.Process.Kill()
		<-done
	}
	b.cmd = nil
	if b.broken == nil {
		b.broken = errors.New("closed")
	}
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

func findPython() (string, error) {
	probe := "import sys, joblib, sklearn; print('Python', sys.version)"

	var candidates []string
	if venvPath := os.Getenv("VIRTUAL_ENV"); venvPath != "" {
		candidates = append(candidates,
			filepath.Join(venvPath, "bin", "python3"),
			filepath.Join(venvPath, "bin", "python"),
			filepath.Join(venvPath, "Scripts", "python.exe"),
		)
	}
	if execPath, err := os.Executable(); err == nil {
		execDir := filepath.Dir(execPath)
		for _, root := range []string{execDir, filepath.Dir(execDir)} {
			candidates = append(candidates,
				filepath.Join(root, "venv", "bin", "python3"),
				filepath.Join(root, ".venv", "bin", "python3"),
			)
		}
	}
	for _, name := range []string{"python3", "python"} {
		if path, err := exec.LookPath(name); err == nil {
			candidates = append(candidates, path)
		}
	}

	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err != nil {
			continue
		}
		output, err := exec.Command(candidate, "-c", probe).Output()
		if err == nil && strings.Contains(string(output), "Python 3") {
			log.Info().Str("python_path", candidate).Msg("using Python with joblib and scikit-learn")
			return candidate, nil
		}
	}

	return "", fmt.Errorf("no Python 3 with joblib and scikit-learn found; set PYTHON_PATH")
}

func createInferenceScript(scriptPath string) error {
	script := `#!/usr/bin/env python3
"""Serve transform/predict for pickled scikit-learn artifacts over stdin/stdout."""
import json
import sys

try:
    import joblib
    import numpy as np
except ImportError as e:
    print(json.dumps({"error": "missing dependency: %s" % e}), flush=True)
    sys.exit(1)


def main():
    if len(sys.argv) != 3:
        print(json.dumps({"error": "usage: joblib_inference.py <scaler.pkl> <model.pkl>"}), flush=True)
        sys.exit(1)
    try:
        scaler = joblib.load(sys.argv[1])
        model = joblib.load(sys.argv[2])
    except Exception as e:
        print(json.dumps({"error": str(e)}), flush=True)
        sys.exit(1)

    print(json.dumps({
        "ready": True,
        "n_features": int(getattr(scaler, "n_features_in_", 0) or 0),
        "scaler": type(scaler).__name__,
        "model": type(model).__name__,
    }), flush=True)

    for line in sys.stdin:
        try:
            req = json.loads(line)
            x = np.array([req["features"]], dtype=float)
            if req["op"] == "transform":
                resp = {"values": scaler.transform(x)[0].tolist()}
            elif req["op"] == "predict":
                resp = {"value": float(np.ravel(model.predict(x))[0])}
            else:
                resp = {"error": "unknown op %r" % req["op"]}
        except Exception as e:
            resp = {"error": str(e)}
        print(json.dumps(resp), flush=True)


if __name__ == "__main__":
    main()
`

	return os.WriteFile(scriptPath, []byte(script), 0o755)
}
