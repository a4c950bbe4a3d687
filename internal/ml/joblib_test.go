package ml

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const readyLine = `echo '{"ready":true,"n_features":12,"scaler":"StandardScaler","model":"RandomForestRegressor"}'`

// fakeCoProcess writes a shell script that speaks the co-process protocol
// and returns bridge options running it under /bin/sh.
func fakeCoProcess(t *testing.T, body string) ArtifactOptions {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake co-process needs /bin/sh")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}

	dir := t.TempDir()
	scalerPath := filepath.Join(dir, "scaler.pkl")
	modelPath := filepath.Join(dir, "aqi_model.pkl")
	require.NoError(t, os.WriteFile(scalerPath, []byte("pickle"), 0o644))
	require.NoError(t, os.WriteFile(modelPath, []byte("pickle"), 0o644))

	script := filepath.Join(dir, "fake_inference.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\n"+body+"\n"), 0o755))

	return ArtifactOptions{
		Backend:    "joblib",
		ScalerPath: scalerPath,
		ModelPath:  modelPath,
		PythonPath: "/bin/sh",
		ScriptPath: script,
		Timeout:    2 * time.Second,
	}
}

const servingLoop = readyLine + `
while read -r line; do
  case "$line" in
    *'"op":"transform"'*) echo '{"values":[1,2,3,4,5,6,7,8,9,10,11,12]}' ;;
    *'"op":"predict"'*) echo '{"value":81.2345}' ;;
    *) echo '{"error":"unknown op"}' ;;
  esac
done`

func TestJoblibBridge_Predict(t *testing.T) {
	opts := fakeCoProcess(t, servingLoop)

	a, err := LoadArtifacts(opts)
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, "joblib", a.Metadata.Backend)
	assert.Equal(t, "StandardScaler", a.Metadata.ScalerKind)
	assert.Equal(t, "RandomForestRegressor", a.Metadata.ModelKind)

	scaled, err := a.Scaler.Transform(scenarioVector)
	require.NoError(t, err)
	assert.Equal(t, 12.0, scaled[11])

	p, err := NewPipeline(a, nil, 0)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		got, err := p.Predict(context.Background(), scenarioVector)
		require.NoError(t, err)
		assert.Equal(t, 81.23, got)
	}
}

func TestJoblibBridge_ErrorResponse(t *testing.T) {
	opts := fakeCoProcess(t, readyLine+`
while read -r line; do
  echo '{"error":"X has 11 features, but StandardScaler is expecting 12"}'
done`)

	b, err := StartJoblibBridge(opts)
	require.NoError(t, err)
	defer b.Close()

	_, err = b.Transform(scenarioVector)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expecting 12")

	// An error reply keeps the co-process usable.
	_, err = b.Predict(scenarioVector)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrBridgeUnavailable)
}

func TestJoblibBridge_TimeoutMarksBroken(t *testing.T) {
	opts := fakeCoProcess(t, readyLine+`
while read -r line; do
  sleep 5
done`)
	opts.Timeout = 100 * time.Millisecond

	b, err := StartJoblibBridge(opts)
	require.NoError(t, err)
	defer b.Close()

	_, err = b.Predict(scenarioVector)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")

	_, err = b.Predict(scenarioVector)
	assert.ErrorIs(t, err, ErrBridgeUnavailable)
}

func TestJoblibBridge_StartupFailures(t *testing.T) {
	t.Run("load error", func(t *testing.T) {
		opts := fakeCoProcess(t, `echo '{"error":"No module named sklearn"}'; exit 1`)
		_, err := StartJoblibBridge(opts)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "No module named sklearn")
	})

	t.Run("feature count", func(t *testing.T) {
		opts := fakeCoProcess(t, `echo '{"ready":true,"n_features":11}'; cat >/dev/null`)
		_, err := StartJoblibBridge(opts)
		assert.ErrorIs(t, err, ErrArtifactShape)
	})

	t.Run("exits silently", func(t *testing.T) {
		opts := fakeCoProcess(t, `echo boom >&2; exit 3`)
		_, err := StartJoblibBridge(opts)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "did not become ready")
	})

	t.Run("missing artifact", func(t *testing.T) {
		opts := fakeCoProcess(t, servingLoop)
		opts.ModelPath = filepath.Join(t.TempDir(), "missing.pkl")
		_, err := StartJoblibBridge(opts)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestJoblibBridge_CloseIsFinal(t *testing.T) {
	b, err := StartJoblibBridge(fakeCoProcess(t, servingLoop))
	require.NoError(t, err)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, err = b.Predict(scenarioVector)
	assert.ErrorIs(t, err, ErrBridgeUnavailable)
}

func TestCreateInferenceScript(t *testing.T) {
	scriptPath := filepath.Join(t.TempDir(), "joblib_inference.py")
	require.NoError(t, createInferenceScript(scriptPath))

	info, err := os.Stat(scriptPath)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0o111, "script must be executable")

	content, err := os.ReadFile(scriptPath)
	require.NoError(t, err)
	script := string(content)
	for _, part := range []string{
		"#!/usr/bin/env python3",
		"import joblib",
		"joblib.load(sys.argv[1])",
		`"ready": True`,
		"scaler.transform(x)",
		"model.predict(x)",
	} {
		assert.True(t, strings.Contains(script, part), "script missing %q", part)
	}
}

func TestTailBuffer(t *testing.T) {
	tb := &tailBuffer{max: 5}
	tb.Write([]byte("abc"))
	tb.Write([]byte("defg"))
	assert.Equal(t, "cdefg", tb.String())
}
