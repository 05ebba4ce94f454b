// Package provisioner reads and converges step-ca provisioner records by
// driving the step command-line tool.
package provisioner

import (
	"encoding/json"
	"fmt"
	"maps"
)

// Provisioner types with dedicated handling. Other tags are listable but
// cannot be added.
const (
	TypeJWK  = "JWK"
	TypeACME = "ACME"
)

// KnownTypes are the provisioner types step-ca understands.
var KnownTypes = []string{
	"JWK", "OIDC", "AWS", "GCP", "Azure", "ACME", "X5C", "K8SSA", "SSHPOP", "SCEP", "Nebula",
}

// State is the desired presence of a provisioner.
type State string

const (
	StatePresent State = "present"
	StateAbsent  State = "absent"
)

// Provisioner is a read-only snapshot of one record from
// `step ca provisioner list`. JWK is set only for type JWK. Extra keeps
// every field not modelled here so records of any type round-trip.
type Provisioner struct {
	Name    string
	Type    string
	Claims  map[string]any
	Options map[string]any

	JWK   *JWKPayload
	Extra map[string]json.RawMessage
}

// JWKPayload is the JWK-specific part of a provisioner record.
type JWKPayload struct {
	Key          map[string]any `json:"key"`
	EncryptedKey string         `json:"encryptedKey,omitempty"`
}

// baseKeys are decoded into typed fields and never kept in Extra.
var baseKeys = map[string]bool{"name": true, "type": true, "claims": true, "options": true}

var jwkKeys = map[string]bool{"key": true, "encryptedKey": true}

// UnmarshalJSON decodes a record, keeping unknown keys in Extra.
func (p *Provisioner) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var out Provisioner
	if err := decodeField(raw, "name", &out.Name); err != nil {
		return err
	}
	if err := decodeField(raw, "type", &out.Type); err != nil {
		return err
	}
	if err := decodeField(raw, "claims", &out.Claims); err != nil {
		return err
	}
	if err := decodeField(raw, "options", &out.Options); err != nil {
		return err
	}

	if out.Type == TypeJWK {
		out.JWK = &JWKPayload{}
		if err := decodeField(raw, "key", &out.JWK.Key); err != nil {
			return err
		}
		if err := decodeField(raw, "encryptedKey", &out.JWK.EncryptedKey); err != nil {
			return err
		}
	}

	for k, v := range raw {
		if baseKeys[k] || (out.JWK != nil && jwkKeys[k]) {
			continue
		}
		if out.Extra == nil {
			out.Extra = make(map[string]json.RawMessage)
		}
		out.Extra[k] = v
	}

	*p = out
	return nil
}

func decodeField(raw map[string]json.RawMessage, key string, dst any) error {
	v, ok := raw[key]
	if !ok || string(v) == "null" {
		return nil
	}
	if err := json.Unmarshal(v, dst); err != nil {
		return fmt.Errorf("field %q: %w", key, err)
	}
	return nil
}

// MarshalJSON encodes the record in step's list format, omitting empty
// claims and options.
func (p Provisioner) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Extra)+6)
	for k, v := range p.Extra {
		out[k] = v
	}
	out["name"] = p.Name
	out["type"] = p.Type
	if len(p.Claims) > 0 {
		out["claims"] = p.Claims
	}
	if len(p.Options) > 0 {
		out["options"] = p.Options
	}
	if p.JWK != nil {
		key := p.JWK.Key
		if key == nil {
			key = map[string]any{}
		}
		out["key"] = key
		out["encryptedKey"] = p.JWK.EncryptedKey
	}
	return json.Marshal(out)
}

// Clone returns a deep-enough copy for callers that want to modify maps.
func (p Provisioner) Clone() Provisioner {
	c := p
	c.Claims = maps.Clone(p.Claims)
	c.Options = maps.Clone(p.Options)
	c.Extra = maps.Clone(p.Extra)
	if p.JWK != nil {
		jwk := *p.JWK
		jwk.Key = maps.Clone(p.JWK.Key)
		c.JWK = &jwk
	}
	return c
}

// placeholder is the record reported after an add, before the CA restarts
// and lists it for real.
func placeholder(name, typ string) Provisioner {
	p := Provisioner{Name: name, Type: typ}
	if typ == TypeJWK {
		p.JWK = &JWKPayload{Key: map[string]any{}}
	}
	return p
}

// matching returns the records named name, restricted to typ when set.
func matching(all []Provisioner, name, typ string) []Provisioner {
	var out []Provisioner
	for _, p := range all {
		if p.Name != name {
			continue
		}
		if typ != "" && p.Type != typ {
			continue
		}
		out = append(out, p)
	}
	return out
}
