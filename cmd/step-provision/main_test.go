package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manchtools/step-provision/internal/executor"
)

const testFingerprint = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

// fakeStep answers the step subcommands the CLI issues from memory.
type fakeStep struct {
	mu       sync.Mutex
	stepPath string
	records  []map[string]any
	specs    []executor.CommandSpec
	listErr  error
}

func newFakeStep(records ...map[string]any) *fakeStep {
	if records == nil {
		records = []map[string]any{}
	}
	return &fakeStep{records: records}
}

func (f *fakeStep) Execute(_ context.Context, spec executor.CommandSpec) (*executor.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = append(f.specs, spec)

	args := spec.Args
	res := &executor.Result{Args: args}
	switch {
	case len(args) == 2 && args[1] == "path":
		res.Stdout = []byte(f.stepPath + "\n")
		return res, nil

	case len(args) >= 3 && args[1] == "ca" && args[2] == "init":
		return res, nil

	case len(args) >= 4 && args[1] == "ca" && args[2] == "provisioner":
		switch args[3] {
		case "list":
			if f.listErr != nil {
				return nil, f.listErr
			}
			out, err := json.Marshal(f.records)
			if err != nil {
				return nil, err
			}
			res.Stdout = out
			return res, nil
		case "add":
			rec := map[string]any{"name": args[4], "type": flagValue(args, "--type")}
			if flagValue(args, "--password-file") != "" {
				rec["key"] = map[string]any{"kty": "EC"}
			}
			f.records = append(f.records, rec)
			return res, nil
		case "remove":
			f.records = slices.DeleteFunc(f.records, func(r map[string]any) bool { return r["name"] == args[4] })
			return res, nil
		}
	}
	return nil, &executor.CommandNotFoundError{Name: strings.Join(args, " ")}
}

func (f *fakeStep) lastSpec() executor.CommandSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.specs[len(f.specs)-1]
}

func flagValue(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

type cliResult struct {
	stdout string
	stderr string
	err    error
}

func runCLI(t *testing.T, step *fakeStep, env map[string]string, args ...string) cliResult {
	t.Helper()
	var stdout, stderr bytes.Buffer
	a := newApp(&stdout, &stderr, func(k string) string { return env[k] })
	a.runner = step
	a.readPassword = func(string, bool) (string, error) { return "prompted-password", nil }
	err := run(context.Background(), a, args)
	return cliResult{stdout: stdout.String(), stderr: stderr.String(), err: err}
}

func TestVersion(t *testing.T) {
	res := runCLI(t, newFakeStep(), nil, "version")
	require.NoError(t, res.err)
	assert.Equal(t, "step-provision dev\n", res.stdout)
}

func TestProvisionerList_SettingsPrecedence(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`{
		// shared CA settings
		"ca-url": "https://file.internal:9000",
		"fingerprint": "`+testFingerprint+`",
		"ca-root": "/file/root_ca.crt",
		"debug": true,
	}`), 0o600))

	step := newFakeStep(map[string]any{"name": "acme", "type": "ACME"})
	env := map[string]string{
		"STEP_PROVISION_CA_URL":  "https://env.internal:9000",
		"STEP_PROVISION_CA_ROOT": "/env/root_ca.crt",
	}

	res := runCLI(t, step, env,
		"--config", cfgPath, "--ca-path", dir, "--ca-root", "/flag/root_ca.crt",
		"provisioner", "list")
	require.NoError(t, res.err)

	spec := step.lastSpec()
	assert.Equal(t, "/flag/root_ca.crt", flagValue(spec.Args, "--ca-root"), "flag beats env and file")
	assert.Equal(t, "https://env.internal:9000", flagValue(spec.Args, "--ca-url"), "env beats file")
	assert.Equal(t, testFingerprint, flagValue(spec.Args, "--fingerprint"))
	assert.True(t, spec.Debug)
	assert.Equal(t, dir, spec.Env["STEPPATH"])

	var list []map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "acme", list[0]["name"])
}

func TestProvisionerList_ConfigErrors(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"ca-urll": "x"}`), 0o600))
	res := runCLI(t, newFakeStep(), nil, "--config", bad, "--ca-path", dir, "provisioner", "list")
	assert.ErrorContains(t, res.err, `unknown setting "ca-urll"`)

	res = runCLI(t, newFakeStep(), nil, "--config", filepath.Join(dir, "missing.json"), "provisioner", "list")
	assert.ErrorContains(t, res.err, "read config")

	res = runCLI(t, newFakeStep(), map[string]string{"STEP_PROVISION_TIMEOUT": "soon"}, "--ca-path", dir, "provisioner", "list")
	assert.ErrorContains(t, res.err, "STEP_PROVISION_TIMEOUT")

	res = runCLI(t, newFakeStep(), nil, "--ca-path", dir, "-o", "xml", "provisioner", "list")
	assert.ErrorContains(t, res.err, `unsupported output format "xml"`)

	res = runCLI(t, newFakeStep(), nil, "--ca-path", dir, "--fingerprint", "abc", "provisioner", "list")
	assert.ErrorContains(t, res.err, "fingerprint must be 64 characters long")
}

func TestProvisionerList_UsesStepPath(t *testing.T) {
	step := newFakeStep()
	step.stepPath = t.TempDir()

	res := runCLI(t, step, nil, "provisioner", "list")
	require.NoError(t, res.err)
	assert.Equal(t, []string{"step", "path"}, step.specs[0].Args)
	assert.Equal(t, step.stepPath, step.lastSpec().Env["STEPPATH"])
	assert.Equal(t, "[]\n", res.stdout)
}

func TestProvisionerList_TableAndFilter(t *testing.T) {
	step := newFakeStep(
		map[string]any{"name": "acme", "type": "ACME"},
		map[string]any{"name": "admin", "type": "JWK", "key": map[string]any{"kty": "EC"}},
	)

	res := runCLI(t, step, nil, "--ca-path", t.TempDir(), "-o", "table", "provisioner", "list", "--type", "JWK")
	require.NoError(t, res.err)
	assert.Equal(t, "NAME   TYPE\nadmin  JWK\n", res.stdout)
}

func TestProvisionerList_Failure(t *testing.T) {
	step := newFakeStep()
	step.listErr = &executor.NonZeroExitError{Result: &executor.Result{
		ExitCode: 1,
		Stderr:   []byte("client error: connection refused"),
	}}

	res := runCLI(t, step, nil, "--ca-path", t.TempDir(), "provisioner", "list")
	require.Error(t, res.err)
	assert.Equal(t, executor.KindNonZeroExit, executor.KindOf(res.err))
}

func TestReconcile_GeneratedPasswordIsJournaledAsFingerprint(t *testing.T) {
	caPath, journalDir := t.TempDir(), t.TempDir()
	step := newFakeStep()

	res := runCLI(t, step, nil, "--ca-path", caPath, "--journal-dir", journalDir,
		"provisioner", "reconcile", "--name", "deploy", "--type", "JWK")
	require.NoError(t, res.err)

	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &out))
	assert.Equal(t, "added", out["action"])
	assert.Equal(t, true, out["restart_required"])
	password, _ := out["generated_password"].(string)
	require.Len(t, password, 32)

	res = runCLI(t, step, nil, "--journal-dir", journalDir, "history", "deploy")
	require.NoError(t, res.err)
	assert.NotContains(t, res.stdout, password)

	var entries []map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "added", entries[0]["action"])
	assert.Equal(t, out["run_id"], entries[0]["id"])
	assert.True(t, strings.HasPrefix(entries[0]["password_fingerprint"].(string), "argon2id$"))

	pwFile := filepath.Join(t.TempDir(), "pw")
	require.NoError(t, os.WriteFile(pwFile, []byte(password+"\n"), 0o600))
	res = runCLI(t, step, nil, "--journal-dir", journalDir, "history", "verify-password", "deploy", "--password-file", pwFile)
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, `"matched": true`)

	// Second run converges without change.
	res = runCLI(t, step, nil, "--ca-path", caPath, "--journal-dir", journalDir,
		"provisioner", "reconcile", "--name", "deploy", "--type", "JWK")
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, `"action": "unchanged"`)
	assert.NotContains(t, res.stdout, "generated_password")
}

func TestReconcile_PasswordSources(t *testing.T) {
	dir := t.TempDir()
	pwFile := filepath.Join(dir, "pw")
	require.NoError(t, os.WriteFile(pwFile, []byte("from-file\r\nignored"), 0o600))

	pw, err := readPasswordFile(pwFile)
	require.NoError(t, err)
	assert.Equal(t, "from-file", pw)

	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	_, err = readPasswordFile(empty)
	assert.ErrorContains(t, err, "is empty")

	res := runCLI(t, newFakeStep(), nil, "--ca-path", dir, "--no-journal",
		"provisioner", "reconcile", "--name", "deploy", "--type", "JWK", "--password-prompt")
	require.NoError(t, res.err)
	assert.NotContains(t, res.stdout, "generated_password", "supplied passwords are never echoed")

	res = runCLI(t, newFakeStep(), nil, "--ca-path", dir, "--no-journal",
		"provisioner", "reconcile", "--name", "deploy", "--type", "JWK", "--password-prompt", "--password-file", pwFile)
	assert.ErrorContains(t, res.err, "mutually exclusive")
}

func TestReconcile_FailureIsJournaled(t *testing.T) {
	journalDir := t.TempDir()
	res := runCLI(t, newFakeStep(), nil, "--ca-path", t.TempDir(), "--journal-dir", journalDir,
		"provisioner", "reconcile", "--name", "deploy")
	require.Error(t, res.err)

	res = runCLI(t, newFakeStep(), nil, "--journal-dir", journalDir, "-o", "yaml", "history")
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "action: failed")
	assert.Contains(t, res.stdout, "invalid request")
}

func TestReconcile_YAMLAndMetrics(t *testing.T) {
	caPath := t.TempDir()
	metricsPath := filepath.Join(t.TempDir(), "step_provision.prom")
	step := newFakeStep(map[string]any{"name": "old", "type": "ACME"})

	res := runCLI(t, step, nil, "--ca-path", caPath, "--no-journal", "-o", "yaml",
		"--metrics-textfile", metricsPath,
		"provisioner", "reconcile", "--name", "old", "--state", "absent")
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "action: removed\n")
	assert.Contains(t, res.stdout, "provisioners: []\n")

	data, err := os.ReadFile(metricsPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `step_provision_reconcile_total{action="removed"} 1`)
}

func TestConfigPatchAndShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ca.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"root": "/old/root.crt", "address": ":443"}`), 0o640))

	res := runCLI(t, newFakeStep(), nil, "config", "patch", path,
		"--set", "root=/etc/step-ca/certs/root_ca.crt", "--set", "db_datasource=/var/lib/step-ca/db", "--check")
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, `"changed": true`)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "/old/root.crt", "check mode writes nothing")

	res = runCLI(t, newFakeStep(), nil, "config", "patch", path,
		"--set", "root=/etc/step-ca/certs/root_ca.crt", "--set", "db_datasource=/var/lib/step-ca/db")
	require.NoError(t, res.err)
	var out patchResult
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &out))
	assert.Equal(t, []string{"db_datasource", "root"}, out.ChangedKeys)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())

	res = runCLI(t, newFakeStep(), nil, "-o", "yaml", "config", "show", path)
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "root: /etc/step-ca/certs/root_ca.crt\n")
	assert.Contains(t, res.stdout, "443")

	res = runCLI(t, newFakeStep(), nil, "config", "patch", path, "--set", "root=/etc/step-ca/certs/root_ca.crt")
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, `"changed": false`)

	res = runCLI(t, newFakeStep(), nil, "config", "patch", path, "--set", "dns")
	assert.ErrorContains(t, res.err, "expected KEY=VALUE")
	res = runCLI(t, newFakeStep(), nil, "config", "patch", path, "--set", "dns=ca")
	assert.ErrorContains(t, res.err, "unknown config key")
}

func TestInit(t *testing.T) {
	caPath := t.TempDir()
	step := newFakeStep()

	res := runCLI(t, step, nil, "--ca-path", caPath, "init", "--check",
		"--name", "Example CA", "--password-file", "/pw", "--provisioner-password-file", "/ppw")
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, `"changed": true`)
	assert.Empty(t, step.specs)

	res = runCLI(t, step, nil, "--ca-path", caPath, "init",
		"--name", "Example CA", "--dns", "ca.internal,10.0.0.5", "--password-prompt")
	require.NoError(t, res.err)
	spec := step.lastSpec()
	assert.Equal(t, []string{"step", "ca", "init"}, spec.Args[:3])
	assert.Equal(t, "standalone", flagValue(spec.Args, "--deployment-type"))
	assert.Equal(t, "admin", flagValue(spec.Args, "--provisioner"))
	assert.Equal(t, caPath, spec.Env["STEPPATH"])
	assert.Contains(t, strings.Join(spec.Args, " "), "--dns ca.internal --dns 10.0.0.5")
}

func TestSetupLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(&buf, "warn", "json")
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	assert.NotContains(t, buf.String(), "hidden")
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["msg"])

	assert.True(t, setupLogger(&buf, "bogus", "text").Enabled(context.Background(), slog.LevelInfo))
	assert.False(t, setupLogger(&buf, "bogus", "text").Enabled(context.Background(), slog.LevelDebug))
}

func TestSettingValue(t *testing.T) {
	for raw, want := range map[any]string{"15s": "15s", true: "true", 3.0: "3", 0.5: "0.5"} {
		got, err := settingValue(raw)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := settingValue([]any{"a"})
	assert.Error(t, err)
	assert.Equal(t, "STEP_PROVISION_X509_MIN_DUR", envName("x509-min-dur"))
}

func TestHistoryPrune(t *testing.T) {
	caPath, journalDir := t.TempDir(), t.TempDir()
	step := newFakeStep()

	res := runCLI(t, step, nil, "--ca-path", caPath, "--journal-dir", journalDir,
		"provisioner", "reconcile", "--name", "svc1", "--type", "ACME")
	require.NoError(t, res.err)

	res = runCLI(t, step, nil, "--journal-dir", journalDir, "history", "prune", "--older-than", "1h")
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, `"removed": 0`)

	res = runCLI(t, step, nil, "--journal-dir", journalDir, "history", "prune", "--older-than", "0s")
	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), "--older-than must be positive")

	res = runCLI(t, step, nil, "--journal-dir", journalDir, "history", "svc1")
	require.NoError(t, res.err)
	var entries []map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &entries))
	require.Len(t, entries, 1)

	runID, _ := entries[0]["id"].(string)
	res = runCLI(t, step, nil, "--journal-dir", journalDir, "history", "show", runID)
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, `"name": "svc1"`)

	res = runCLI(t, step, nil, "--journal-dir", journalDir, "history", "show", "not-a-run")
	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), "run_id must be a valid ULID")
}
