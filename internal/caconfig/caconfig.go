// Package caconfig loads, patches and saves flat JSON configuration files
// such as step-ca's ca.json and defaults.json.
package caconfig

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"syscall"

	"github.com/tidwall/jsonc"
)

// Document is a decoded JSON object.
type Document map[string]any

// Updates are the top-level keys the config command may set. Nil fields
// are left alone.
type Updates struct {
	CAConfig     *string `json:"ca_config,omitempty"`
	CAPath       *string `json:"ca_path,omitempty"`
	Crt          *string `json:"crt,omitempty"`
	DBDataSource *string `json:"db_datasource,omitempty"`
	Key          *string `json:"key,omitempty"`
	Root         *string `json:"root,omitempty"`
}

// Keys lists the keys Updates accepts.
var Keys = []string{"ca_config", "ca_path", "crt", "db_datasource", "key", "root"}

// Set assigns the field named key.
func (u *Updates) Set(key, value string) error {
	switch key {
	case "ca_config":
		u.CAConfig = &value
	case "ca_path":
		u.CAPath = &value
	case "crt":
		u.Crt = &value
	case "db_datasource":
		u.DBDataSource = &value
	case "key":
		u.Key = &value
	case "root":
		u.Root = &value
	default:
		return fmt.Errorf("unknown config key %q (known: %s)", key, strings.Join(Keys, ", "))
	}
	return nil
}

// Map returns the set fields keyed by their JSON name.
func (u Updates) Map() map[string]any {
	out := map[string]any{}
	set := func(key string, v *string) {
		if v != nil {
			out[key] = *v
		}
	}
	set("ca_config", u.CAConfig)
	set("ca_path", u.CAPath)
	set("crt", u.Crt)
	set("db_datasource", u.DBDataSource)
	set("key", u.Key)
	set("root", u.Root)
	return out
}

// Load reads path. Comments and trailing commas are accepted. A missing
// file yields an empty document.
func Load(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Document{}, nil
		}
		return nil, fmt.Errorf("failed to load JSON file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a JSON or JSONC object.
func Parse(data []byte) (Document, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Document{}, nil
	}
	var doc Document
	if err := json.Unmarshal(jsonc.ToJSON(data), &doc); err != nil {
		return nil, fmt.Errorf("invalid JSON format: %w", err)
	}
	if doc == nil {
		return nil, errors.New("invalid JSON format: top level must be an object")
	}
	return doc, nil
}

// Patch sets every key in updates on doc and returns the keys whose value
// actually changed, sorted.
func Patch(doc Document, updates map[string]any) []string {
	var changed []string
	for k, v := range updates {
		if cur, ok := doc[k]; ok && reflect.DeepEqual(cur, v) {
			continue
		}
		doc[k] = v
		changed = append(changed, k)
	}
	sort.Strings(changed)
	return changed
}

// Save writes doc to path as indented JSON through a temporary file and
// rename. An existing file's mode and ownership are kept; new files get
// 0600.
func Save(path string, doc Document) error {
	data, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return fmt.Errorf("encode JSON: %w", err)
	}
	data = append(data, '\n')

	mode := fs.FileMode(0o600)
	uid, gid := -1, -1
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
		if st, ok := info.Sys().(*syscall.Stat_t); ok {
			uid, gid = int(st.Uid), int(st.Gid)
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to write JSON file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write JSON file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write JSON file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write JSON file: %w", err)
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		return fmt.Errorf("set file mode: %w", err)
	}
	if uid >= 0 && (uid != os.Geteuid() || gid != os.Getegid()) {
		if err := os.Chown(tmpPath, uid, gid); err != nil {
			return fmt.Errorf("preserve file owner: %w", err)
		}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to write JSON file: %w", err)
	}
	return nil
}
