package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"opendrama/internal/config"
	"opendrama/internal/generation"
	"opendrama/internal/testsupport"
)

type cliTestEnv struct {
	cfg        *config.Config
	configPath string
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	t.Setenv("HOME", t.TempDir())
	t.Setenv("OPENDRAMA_REDIS_URL", "")
	t.Setenv("OPENDRAMA_API_TOKEN", "")
	cfg := testsupport.NewConfig(t, testsupport.WithStubbedBinary("ffmpeg", "#!/bin/sh\nexit 0\n"))

	configPath := filepath.Join(testsupport.BaseDir(cfg), "config.toml")
	data, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return &cliTestEnv{cfg: cfg, configPath: configPath}
}

func runCLI(t *testing.T, env *cliTestEnv, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--config", env.configPath}, args...))
	err := cmd.Execute()
	return stdout.String(), err
}

func requireContains(t *testing.T, output, want string) {
	t.Helper()
	if !strings.Contains(output, want) {
		t.Fatalf("expected output to contain %q, got:\n%s", want, output)
	}
}

func writePlan(t *testing.T, env *cliTestEnv, req generation.GenerateRequest) string {
	t.Helper()
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal plan: %v", err)
	}
	path := filepath.Join(testsupport.BaseDir(env.cfg), "plan.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write plan: %v", err)
	}
	return path
}

func twoClipPlan(account string) generation.GenerateRequest {
	return generation.GenerateRequest{
		AccountID: account,
		Clips: []generation.Clip{
			{Prompt: "a", Model: "seedance-1-lite", Resolution: "720p", DurationSec: 5},
			{Prompt: "b", Model: "seedance-1-lite", Resolution: "720p", DurationSec: 5},
		},
	}
}

func TestConfigInitWritesSample(t *testing.T) {
	env := setupCLITestEnv(t)
	target := filepath.Join(testsupport.BaseDir(env.cfg), "fresh", "config.toml")

	out, err := runCLI(t, env, "config", "init", "--path", target)
	if err != nil {
		t.Fatalf("config init failed: %v", err)
	}
	requireContains(t, out, target)
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected sample config: %v", err)
	}
	if _, err := runCLI(t, env, "config", "init", "--path", target); err == nil {
		t.Fatal("expected second init without --overwrite to fail")
	}
}

func TestConfigValidate(t *testing.T) {
	env := setupCLITestEnv(t)
	out, err := runCLI(t, env, "config", "validate", "--provider")
	if err != nil {
		t.Fatalf("config validate failed: %v", err)
	}
	requireContains(t, out, "Configuration valid")
	requireContains(t, out, env.configPath)
}

func TestAccountCreditShowAndLedger(t *testing.T) {
	env := setupCLITestEnv(t)

	out, err := runCLI(t, env, "account", "credit", "alice", "1500", "--reference", "order-7")
	if err != nil {
		t.Fatalf("account credit failed: %v", err)
	}
	requireContains(t, out, "Credited 1,500 coins")

	out, err = runCLI(t, env, "--json", "account", "show", "alice")
	if err != nil {
		t.Fatalf("account show failed: %v", err)
	}
	var view struct {
		Balance   int64 `json:"balance"`
		Spendable int64 `json:"spendable"`
	}
	if err := json.Unmarshal([]byte(out), &view); err != nil {
		t.Fatalf("decode account: %v\n%s", err, out)
	}
	if view.Balance != 1500 || view.Spendable != 1500 {
		t.Fatalf("unexpected account view: %+v", view)
	}

	out, err = runCLI(t, env, "account", "ledger", "alice")
	if err != nil {
		t.Fatalf("account ledger failed: %v", err)
	}
	requireContains(t, out, "purchase")
	requireContains(t, out, "+1,500")
	requireContains(t, out, "reference=order-7")

	if _, err := runCLI(t, env, "account", "credit", "alice", "-5"); err == nil {
		t.Fatal("expected negative credit to fail")
	}
	if _, err := runCLI(t, env, "account", "credit", "alice", "5", "--kind", "consume"); err == nil {
		t.Fatal("expected consume credit kind to fail")
	}
}

func TestGenerateReservesAndListsSegments(t *testing.T) {
	env := setupCLITestEnv(t)
	if _, err := runCLI(t, env, "account", "credit", "bob", "20"); err != nil {
		t.Fatalf("account credit failed: %v", err)
	}
	plan := writePlan(t, env, twoClipPlan("bob"))

	out, err := runCLI(t, env, "generate", "--plan", plan, "--quote")
	if err != nil {
		t.Fatalf("generate --quote failed: %v", err)
	}
	requireContains(t, out, "Total 18 coins")

	out, err = runCLI(t, env, "generate", "--plan", plan, "--group", "ep-1")
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	requireContains(t, out, "Reserved 18 coins for group ep-1")
	requireContains(t, out, "ep-1#0")
	requireContains(t, out, "reserved")

	out, err = runCLI(t, env, "segments", "list", "--group", "ep-1", "--status", "reserved")
	if err != nil {
		t.Fatalf("segments list failed: %v", err)
	}
	requireContains(t, out, "ep-1#1")

	out, err = runCLI(t, env, "account", "verify", "bob")
	if err != nil {
		t.Fatalf("account verify failed: %v", err)
	}
	requireContains(t, out, "reserved 18 (segments hold 18)")

	_, err = runCLI(t, env, "generate", "--plan", plan, "--group", "ep-2")
	if err == nil || !strings.Contains(err.Error(), "missing 16") {
		t.Fatalf("expected shortfall error, got %v", err)
	}

	out, err = runCLI(t, env, "group", "reset", "ep-1")
	if err != nil {
		t.Fatalf("group reset failed: %v", err)
	}
	requireContains(t, out, "deleted 2 segments, released 18 coins")
}

func TestGroupShowAndRetryWithoutFailures(t *testing.T) {
	env := setupCLITestEnv(t)
	if _, err := runCLI(t, env, "account", "credit", "carol", "50"); err != nil {
		t.Fatalf("account credit failed: %v", err)
	}
	plan := writePlan(t, env, twoClipPlan("carol"))
	if _, err := runCLI(t, env, "generate", "--plan", plan, "--group", "ep-9", "--chain"); err != nil {
		t.Fatalf("generate failed: %v", err)
	}

	out, err := runCLI(t, env, "group", "show", "ep-9")
	if err != nil {
		t.Fatalf("group show failed: %v", err)
	}
	requireContains(t, out, "reserved=2")
	requireContains(t, out, "Chain mode")

	out, err = runCLI(t, env, "group", "retry", "ep-9")
	if err != nil {
		t.Fatalf("group retry failed: %v", err)
	}
	requireContains(t, out, "no failed segments")

	if _, err := runCLI(t, env, "group", "show", "missing"); err == nil {
		t.Fatal("expected unknown group to fail")
	}
	if _, err := runCLI(t, env, "segments", "retry", "abc"); err == nil {
		t.Fatal("expected invalid segment id to fail")
	}
}

func TestPriceQuote(t *testing.T) {
	env := setupCLITestEnv(t)

	out, err := runCLI(t, env, "price", "quote", "--model", "seedance-1-lite", "--resolution", "720p", "--duration", "5")
	if err != nil {
		t.Fatalf("price quote failed: %v", err)
	}
	requireContains(t, out, "seedance-1-lite@720p 5s: 9 coins")

	out, err = runCLI(t, env, "price", "quote", "--feature", "script_polish")
	if err != nil {
		t.Fatalf("feature quote failed: %v", err)
	}
	requireContains(t, out, "script_polish: 5 coins")

	if _, err := runCLI(t, env, "price", "quote", "--model", "unknown"); err == nil {
		t.Fatal("expected unknown rate to fail")
	}

	out, err = runCLI(t, env, "price", "list")
	if err != nil {
		t.Fatalf("price list failed: %v", err)
	}
	requireContains(t, out, "seedance-1-pro@1080p")
}

func TestPreflightLocalChecks(t *testing.T) {
	env := setupCLITestEnv(t)
	out, err := runCLI(t, env, "preflight", "--local")
	if err != nil {
		t.Fatalf("preflight failed: %v\n%s", err, out)
	}
	requireContains(t, out, "FFmpeg")
	requireContains(t, out, "Frames directory")
}
