package caconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestLoad_MissingFileIsEmpty(t *testing.T) {
	doc, err := Load(filepath.Join(t.TempDir(), "ca.json"))
	require.NoError(t, err)
	assert.Empty(t, doc)
}

func TestLoad_AcceptsComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "defaults.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		// written by step ca init
		"ca-url": "https://ca.internal:9000",
		"fingerprint": "abc", /* trailing comma next */
	}`), 0o600))

	doc, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://ca.internal:9000", doc["ca-url"])
	assert.Equal(t, "abc", doc["fingerprint"])
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse([]byte(`{"a":`))
	assert.ErrorContains(t, err, "invalid JSON format")

	_, err = Parse([]byte(`[1,2]`))
	assert.ErrorContains(t, err, "invalid JSON format")

	_, err = Parse([]byte(`null`))
	assert.ErrorContains(t, err, "top level must be an object")

	doc, err := Parse([]byte("  \n"))
	require.NoError(t, err)
	assert.Empty(t, doc)
}

func TestPatch(t *testing.T) {
	doc := Document{"root": "/etc/step-ca/certs/root_ca.crt", "crt": "old.crt"}
	updates := Updates{
		Root: strPtr("/etc/step-ca/certs/root_ca.crt"),
		Crt:  strPtr("/etc/step-ca/certs/intermediate_ca.crt"),
		Key:  strPtr("/etc/step-ca/secrets/intermediate_ca_key"),
	}.Map()

	changed := Patch(doc, updates)
	assert.Equal(t, []string{"crt", "key"}, changed)
	assert.Equal(t, "/etc/step-ca/certs/intermediate_ca.crt", doc["crt"])

	assert.Empty(t, Patch(doc, updates), "second patch changes nothing")
}

func TestUpdatesMap(t *testing.T) {
	m := Updates{DBDataSource: strPtr("/var/lib/step-ca/db"), CAPath: strPtr("/etc/step-ca")}.Map()
	assert.Equal(t, map[string]any{"db_datasource": "/var/lib/step-ca/db", "ca_path": "/etc/step-ca"}, m)
	assert.Empty(t, Updates{}.Map())
}

func TestSave_RoundTripAndMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ca.json")

	require.NoError(t, Save(path, Document{"root": "r", "nested": map[string]any{"a": 1.0}}))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	require.NoError(t, os.Chmod(path, 0o640))
	require.NoError(t, Save(path, Document{"root": "r2"}))
	info, err = os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm(), "existing mode is kept")

	doc, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Document{"root": "r2"}, doc)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{\n    \"root\": \"r2\"\n}\n", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files left behind")
}

func TestSave_MissingDirectory(t *testing.T) {
	err := Save(filepath.Join(t.TempDir(), "nope", "ca.json"), Document{})
	assert.ErrorContains(t, err, "failed to write JSON file")
}

func TestUpdatesSet(t *testing.T) {
	var u Updates
	require.NoError(t, u.Set("root", "/r"))
	require.NoError(t, u.Set("db_datasource", "/db"))
	assert.Equal(t, map[string]any{"root": "/r", "db_datasource": "/db"}, u.Map())

	err := u.Set("dns", "x")
	assert.ErrorContains(t, err, `unknown config key "dns"`)
}
