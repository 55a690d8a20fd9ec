// Copyright 2025 Agentside
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pluginconfig merges persisted per-organization configuration,
// environment-variable fallbacks, and schema defaults into a single
// resolved value set, with masking rules for secret fields.
//
// Resolution is pure over its inputs: no shared mutable state, safe to
// call concurrently for different instances.
package pluginconfig

import (
	"fmt"
	"os"

	"github.com/agentside/plugind/internal/manifest"
	"github.com/agentside/plugind/internal/store"
)

// MaskValue is the fixed string substituted for secret values when
// resolving for display.
const MaskValue = "••••••••"

// Source identifies where a resolved value came from.
type Source string

const (
	SourceDatabase Source = "database"
	SourceEnv      Source = "env"
	SourceDefault  Source = "default"
)

// FieldMeta describes how one field resolved.
type FieldMeta struct {
	Source    Source `json:"source"`
	Encrypted bool   `json:"isEncrypted"`
	// CanOverride is true unless the value is already an explicit
	// database override. Env and default values can be overridden by
	// setting a DB value.
	CanOverride bool `json:"canOverride"`
	// HasValue reports whether the field resolved to any value at all,
	// including an explicit null. Lets the UI show presence for fields
	// whose value is hidden.
	HasValue bool `json:"hasValue"`
}

// Resolved is the ephemeral output of a resolution pass. Never
// persisted; recomputed on every request.
type Resolved struct {
	// Values maps field name to resolved value. A present key with a
	// nil value is an explicit null; an absent key has no value.
	Values map[string]any `json:"values"`
	// Metadata maps field name to resolution detail, one entry per
	// schema field.
	Metadata map[string]FieldMeta `json:"metadata"`
}

// Options controls a resolution pass.
type Options struct {
	// MaskSecrets enables display mode: encrypted fields become
	// MaskValue and env-sourced values are hidden entirely, because
	// raw env-derived strings must never reach a browser.
	MaskSecrets bool
	// Env overrides the process environment lookup (tests only).
	// Nil means os.LookupEnv.
	Env func(string) (string, bool)
}

// Resolve merges dbConfig over env fallbacks over schema defaults.
//
// Precedence per field: a key present in dbConfig wins even when its
// stored value is an explicit null ("user cleared it"), with no further
// fallback. Otherwise a schema-declared env variable set to a non-empty
// string is used; an empty env value counts as unset. Otherwise the
// schema default applies. A field with none of these resolves to no
// value with source database, the "no value yet" bucket.
func Resolve(dbConfig map[string]store.ConfigValue, schema map[string]manifest.ConfigField, opts Options) *Resolved {
	lookup := opts.Env
	if lookup == nil {
		lookup = os.LookupEnv
	}

	out := &Resolved{
		Values:   make(map[string]any, len(schema)),
		Metadata: make(map[string]FieldMeta, len(schema)),
	}

	for name, field := range schema {
		meta := FieldMeta{Source: SourceDatabase, Encrypted: field.Encrypted}

		stored, inDB := dbConfig[name]
		switch {
		case inDB:
			meta.HasValue = true
			if stored.Value != nil {
				out.Values[name] = *stored.Value
			} else {
				out.Values[name] = nil
			}
		case field.Env != "":
			if v, ok := lookup(field.Env); ok && v != "" {
				meta.Source = SourceEnv
				meta.CanOverride = true
				meta.HasValue = true
				out.Values[name] = v
				break
			}
			fallthrough
		default:
			if field.Default != nil {
				meta.Source = SourceDefault
				meta.CanOverride = true
				meta.HasValue = true
				out.Values[name] = field.Default
			} else {
				meta.CanOverride = true
			}
		}

		if opts.MaskSecrets {
			if meta.Source == SourceEnv {
				// Presence stays visible via metadata only.
				delete(out.Values, name)
			} else if field.Encrypted && meta.HasValue {
				out.Values[name] = MaskValue
			}
		}

		out.Metadata[name] = meta
	}

	return out
}

// Decrypter decrypts a stored ciphertext. *store.Cipher satisfies it.
type Decrypter interface {
	Decrypt(encoded string) ([]byte, error)
}

// ResolveForWorker produces the value map injected into a spawned
// worker: decrypted, never masked, with the instance's live auth
// credentials merged on top. Credentials win over schema-resolved
// values because they may have been refreshed after the config was
// written.
func ResolveForWorker(inst *store.PluginInstance, schema map[string]manifest.ConfigField, dec Decrypter, opts Options) (map[string]any, error) {
	opts.MaskSecrets = false

	dbConfig := make(map[string]store.ConfigValue, len(inst.Config))
	for name, stored := range inst.Config {
		if stored.Encrypted && stored.Value != nil {
			if dec == nil {
				return nil, fmt.Errorf("config field %q is encrypted but no decryption key is configured", name)
			}
			plaintext, err := dec.Decrypt(*stored.Value)
			if err != nil {
				return nil, fmt.Errorf("failed to decrypt config field %q: %w", name, err)
			}
			v := string(plaintext)
			stored = store.ConfigValue{Value: &v}
		}
		dbConfig[name] = stored
	}

	resolved := Resolve(dbConfig, schema, opts)
	values := resolved.Values

	if inst.AuthState != nil && inst.AuthState.Credentials != nil {
		creds := inst.AuthState.Credentials
		if creds.AccessToken != "" {
			values["accessToken"] = creds.AccessToken
		}
		if creds.RefreshToken != "" {
			values["refreshToken"] = creds.RefreshToken
		}
		if creds.ExpiresAt != 0 {
			values["expiresAt"] = creds.ExpiresAt
		}
		for k, v := range creds.Extra {
			values[k] = v
		}
	}

	return values, nil
}

// MaskForLogging replaces any field that is either encrypted or backed
// by an env variable with the mask string. Used solely to keep secrets
// out of log sinks.
func MaskForLogging(values map[string]any, schema map[string]manifest.ConfigField) map[string]any {
	out := make(map[string]any, len(values))
	for name, value := range values {
		if field, ok := schema[name]; ok && (field.Encrypted || field.Env != "") {
			out[name] = MaskValue
			continue
		}
		out[name] = value
	}
	return out
}
