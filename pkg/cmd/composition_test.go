package cmd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeComposition(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "composition.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadComposition(t *testing.T) {
	path := writeComposition(t, `
[metadata]
name = "five instances"

[global]
case = "enr-update"
total_instances = 5
engine = "kad"
sync_timeout = "2m"

[global.test_params]
observe_timeout = "10s"
latency = "20"
`)

	comp, err := LoadComposition(path)
	require.NoError(t, err)

	require.Equal(t, "five instances", comp.Metadata.Name)
	require.Equal(t, "enr-update", comp.Global.Case)
	require.Equal(t, 5, comp.Global.TotalInstances)
	require.Equal(t, EngineKad, comp.Global.Engine)
	require.Equal(t, 2*time.Minute, comp.Global.SyncTimeout)
	require.Equal(t, map[string]string{"observe_timeout": "10s", "latency": "20"}, comp.Global.TestParams)

	comp.ApplyDefaults()
	require.Equal(t, defaultPlan, comp.Global.Plan)
	require.NoError(t, comp.Validate())
}

func TestLoadCompositionUnknownKeys(t *testing.T) {
	path := writeComposition(t, `
[global]
case = "enr-update"
total_instances = 2
builder = "docker:go"
`)

	_, err := LoadComposition(path)
	require.ErrorContains(t, err, "global.builder")
}

func TestCompositionValidate(t *testing.T) {
	tests := []struct {
		name    string
		global  Global
		wantErr bool
	}{
		{
			name:   "complete",
			global: Global{Case: "find-node", TotalInstances: 3},
		},
		{
			name:    "missing case",
			global:  Global{TotalInstances: 3},
			wantErr: true,
		},
		{
			name:    "no instances",
			global:  Global{Case: "find-node"},
			wantErr: true,
		},
		{
			name:    "unknown engine",
			global:  Global{Case: "find-node", TotalInstances: 3, Engine: "docker"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			comp := &Composition{Global: tt.global}
			comp.ApplyDefaults()
			if err := comp.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCompositionParams(t *testing.T) {
	comp := &Composition{Global: Global{
		TestParams: map[string]string{"latency": "20", "observe_timeout": "5s"},
	}}

	require.NoError(t, comp.MergeParams(map[string]string{"latency": "50", "port": "0"}))
	require.NoError(t, comp.DefaultParams(map[string]string{"observe_timeout": "30s", "capabilities": "kad"}))

	require.Equal(t, map[string]string{
		"latency":         "50",
		"port":            "0",
		"observe_timeout": "5s",
		"capabilities":    "kad",
	}, comp.Global.TestParams)
}

func TestEnumValue(t *testing.T) {
	e := &EnumValue{Allowed: []string{EngineSimnet, EngineKad}, Default: EngineSimnet}
	require.Equal(t, EngineSimnet, e.String())

	require.Error(t, e.Set("docker"))
	require.Equal(t, EngineSimnet, e.String())

	require.NoError(t, e.Set(EngineKad))
	require.Equal(t, EngineKad, e.String())
}
