package integration

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/analytica/config"
	"github.com/isdmx/analytica/dataset"
	"github.com/isdmx/analytica/engine"
	"github.com/isdmx/analytica/governor"
	"github.com/isdmx/analytica/logger"
	"github.com/isdmx/analytica/mcpserver"
	"github.com/isdmx/analytica/sandbox"
)

// TestMain lets the governor re-execute the test binary as a worker.
func TestMain(m *testing.M) {
	if len(os.Args) > 1 && os.Args[1] == sandbox.WorkerCommand {
		os.Exit(sandbox.ServeWorker(os.Stdin, os.Stdout, os.Stderr))
	}
	os.Exit(m.Run())
}

const vacancies = `[
	{"id": 1, "data": {"city": "Moscow", "salary": 250000, "experience": "3-6"}},
	{"id": 2, "data": {"city": "Kazan", "salary": 120000, "experience": "1-3"}},
	{"id": 3, "data": {"city": "Moscow", "salary": 180000, "experience": "1-3"}}
]`

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Transport: "stdio",
			HTTPPort:  8080,
		},
		Sandbox: config.SandboxConfig{
			TimeoutSec:    2,
			MemoryMB:      128,
			MaxConcurrent: 2,
		},
		Dataset: config.DatasetConfig{Path: "vacancies.json"},
		Logging: config.LoggingConfig{
			Mode:  "development",
			Level: "info",
		},
	}
}

func newCoordinator(t *testing.T, cfg *config.Config) (*engine.Coordinator, *dataset.Handle) {
	t.Helper()

	log, err := logger.New(cfg.Logging.Mode, cfg.Logging.Level)
	require.NoError(t, err)

	p, err := cfg.Policy()
	require.NoError(t, err)
	require.NoError(t, sandbox.CheckModules(p.AllowedModules()))

	ds, err := dataset.FromJSON(cfg.Dataset.Path, []byte(vacancies), time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	gov := governor.New(log, governor.Config{Command: cfg.Sandbox.WorkerCommand})
	return engine.New(log, p, gov, engine.WithMaxConcurrent(cfg.Sandbox.MaxConcurrent)), ds
}

// TestIntegrationWorkerExecution runs scripts through the coordinator and
// real worker processes.
func TestIntegrationWorkerExecution(t *testing.T) {
	if testing.Short() {
		t.Skip("starts worker processes")
	}
	coord, ds := newCoordinator(t, testConfig())
	ctx := context.Background()

	t.Run("GroupAndChart", func(t *testing.T) {
		out := coord.Execute(ctx, engine.Script{RequestID: "req-1", Source: `
			const stats = require("stats");
			const chart = require("chart");
			const byCity = {};
			for (const v of dataset) {
				byCity[v.city] = (byCity[v.city] || 0) + 1;
			}
			RESULT.by_city = byCity;
			RESULT.mean_salary = stats.mean(dataset.map(v => v.salary));
			RESULT.today = new Date().toISOString().slice(0, 10);
			chart.bar("Vacancies by city", Object.keys(byCity), Object.values(byCity));
			print("done");
		`}, ds)
		require.Equal(t, engine.StatusSuccess, out.Status(), out.Reason())

		payload, ok := out.Payload()
		require.True(t, ok)
		assert.Equal(t, "done\n", payload.Stdout)
		require.Len(t, payload.Charts, 1)
		assert.Equal(t, "Vacancies by city", payload.Charts[0].Name)

		mean, ok := payload.Result("mean_salary")
		require.True(t, ok)
		assert.InDelta(t, 183333.33, mean.Value, 0.01)

		today, ok := payload.Result("today")
		require.True(t, ok)
		assert.Equal(t, "2025-03-01", today.Value)

		require.NoError(t, ds.Verify())
	})

	t.Run("DatasetIsReadOnly", func(t *testing.T) {
		out := coord.Execute(ctx, engine.Script{Source: `
			dataset[0].city = "Omsk";
			RESULT.city = dataset[0].city;
		`}, ds)
		require.Equal(t, engine.StatusSuccess, out.Status(), out.Reason())
		payload, _ := out.Payload()
		city, ok := payload.Result("city")
		require.True(t, ok)
		assert.Equal(t, "Moscow", city.Value)
		require.NoError(t, ds.Verify())
	})

	t.Run("RuntimeFailure", func(t *testing.T) {
		out := coord.Execute(ctx, engine.Script{Source: `const v = null; RESULT.x = v.salary;`}, ds)
		assert.Equal(t, engine.StatusRuntimeFailure, out.Status())
		assert.Contains(t, out.Reason(), "salary")
	})

	t.Run("Timeout", func(t *testing.T) {
		start := time.Now()
		out := coord.Execute(ctx, engine.Script{Source: `while (true) {}`}, ds)
		assert.Equal(t, engine.StatusResourceExceeded, out.Status())
		kind, ok := out.Resource()
		require.True(t, ok)
		assert.Equal(t, sandbox.BreachTimeout, kind)
		assert.Less(t, time.Since(start), 10*time.Second)
	})

	t.Run("MemoryExhaustion", func(t *testing.T) {
		out := coord.Execute(ctx, engine.Script{Source: `
			const hoard = [];
			for (let i = 0; ; i++) {
				hoard.push(new Array(100000).fill(i));
			}
		`}, ds)
		assert.Equal(t, engine.StatusResourceExceeded, out.Status())
		kind, ok := out.Resource()
		require.True(t, ok)
		assert.Contains(t, []sandbox.BreachKind{sandbox.BreachMemoryOrOutput, sandbox.BreachTimeout}, kind)
	})

	t.Run("Cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(ctx)
		time.AfterFunc(200*time.Millisecond, cancel)
		out := coord.Execute(ctx, engine.Script{Source: `while (true) {}`}, ds)
		assert.Equal(t, engine.StatusCancelled, out.Status())
	})
}

type rpcResult struct {
	Result struct {
		IsError bool `json:"isError"`
		Content []struct {
			Type     string `json:"type"`
			Text     string `json:"text"`
			MIMEType string `json:"mimeType"`
		} `json:"content"`
	} `json:"result"`
}

func callTool(t *testing.T, srv *mcpserver.MCPServer, name string, args map[string]any) rpcResult {
	t.Helper()
	msg, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params":  map[string]any{"name": name, "arguments": args},
	})
	require.NoError(t, err)

	resp := srv.GetMCPServer().HandleMessage(context.Background(), msg)
	data, err := json.Marshal(resp)
	require.NoError(t, err)

	var out rpcResult
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return out
}

// TestIntegrationMCPServer drives the MCP tools end to end.
func TestIntegrationMCPServer(t *testing.T) {
	if testing.Short() {
		t.Skip("starts worker processes")
	}
	cfg := testConfig()
	coord, ds := newCoordinator(t, cfg)

	srv, err := mcpserver.New(cfg, zaptest.NewLogger(t), coord, ds)
	require.NoError(t, err)

	t.Run("RunAnalysis", func(t *testing.T) {
		res := callTool(t, srv, "run_analysis", map[string]any{
			"script": `RESULT.rows = dataset.length; require("chart").pie("Experience", ["1-3", "3-6"], [2, 1]);`,
		})
		require.False(t, res.Result.IsError)
		require.Len(t, res.Result.Content, 2)

		var body map[string]any
		require.NoError(t, json.Unmarshal([]byte(res.Result.Content[0].Text), &body))
		assert.Equal(t, "success", body["status"])
		assert.Equal(t, "image", res.Result.Content[1].Type)
		assert.Equal(t, "image/png", res.Result.Content[1].MIMEType)
	})

	t.Run("RejectedScript", func(t *testing.T) {
		res := callTool(t, srv, "run_analysis", map[string]any{
			"script": `require("child_process").exec("ls");`,
		})
		require.True(t, res.Result.IsError)
		assert.Contains(t, res.Result.Content[0].Text, "rejected before running")
	})

	t.Run("DescribeDataset", func(t *testing.T) {
		res := callTool(t, srv, "describe_dataset", map[string]any{})
		require.False(t, res.Result.IsError)

		var desc map[string]any
		require.NoError(t, json.Unmarshal([]byte(res.Result.Content[0].Text), &desc))
		assert.EqualValues(t, 3, desc["rows"])
	})
}
