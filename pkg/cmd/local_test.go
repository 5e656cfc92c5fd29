package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/testground/discovery-plan/pkg/runtime"
	"github.com/testground/discovery-plan/pkg/scenario"
)

func outcomes(logs *observer.ObservedLogs) map[string]int {
	out := make(map[string]int)
	for _, e := range logs.FilterField(runtime.Types.Finish).All() {
		out[e.ContextMap()["outcome"].(string)]++
	}
	return out
}

func TestRunLocalSimnet(t *testing.T) {
	for _, name := range scenario.Names() {
		name := name
		t.Run(name, func(t *testing.T) {
			core, logs := observer.New(zapcore.InfoLevel)
			comp := &Composition{Global: Global{
				Case:           name,
				TotalInstances: 4,
				SyncTimeout:    10 * time.Second,
			}}
			comp.ApplyDefaults()
			require.NoError(t, comp.Validate())

			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
			defer cancel()

			id, err := runLocal(ctx, comp, localOptions{core: core})
			require.NoError(t, err)
			require.NotEmpty(t, id)
			require.Equal(t, map[string]int{"success": 4}, outcomes(logs))
		})
	}
}

func TestRunLocalReportsFailures(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	comp := &Composition{Global: Global{Case: "no-such-scenario", TotalInstances: 3}}
	comp.ApplyDefaults()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := runLocal(ctx, comp, localOptions{core: core, log: zap.NewNop().Sugar()})
	require.ErrorIs(t, err, scenario.ErrUnknownScenario)
	require.Equal(t, map[string]int{"failure": 3}, outcomes(logs))
}

func TestRunLocalWritesOutputs(t *testing.T) {
	dir := t.TempDir()
	comp := &Composition{Global: Global{Case: "enr-update", TotalInstances: 2}}
	comp.ApplyDefaults()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	id, err := runLocal(ctx, comp, localOptions{outputs: dir})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		f, err := os.Open(filepath.Join(dir, id, strconv.Itoa(i), "run.out"))
		require.NoError(t, err)

		var finish map[string]interface{}
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			var ev map[string]interface{}
			require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
			if ev["type"] == "finish" {
				finish = ev
			}
		}
		require.NoError(t, scanner.Err())
		require.NoError(t, f.Close())

		require.NotNil(t, finish, "instance %d wrote no finish event", i)
		require.Equal(t, "success", finish["outcome"])
		require.Equal(t, id, finish["run_id"])
	}
}

func TestLocalKadPort(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]string
		want   string
	}{
		{name: "unset picks a free port", want: "0"},
		{name: "explicit port is kept", params: map[string]string{"port": "9100"}, want: "9100"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.WarnLevel)
			comp := &Composition{Global: Global{
				Case:           "find-node",
				TotalInstances: 2,
				Engine:         EngineKad,
				TestParams:     tt.params,
			}}

			_, err := localStarter(comp, zap.New(core).Sugar())
			require.NoError(t, err)
			require.Equal(t, tt.want, comp.Global.TestParams["port"])

			if tt.want != "0" {
				require.Equal(t, 1, logs.Len())
			} else {
				require.Zero(t, logs.Len())
			}
		})
	}
}
