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

package pluginconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentside/plugind/internal/manifest"
	"github.com/agentside/plugind/internal/store"
)

func strptr(s string) *string { return &s }

func envMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestResolve_Precedence(t *testing.T) {
	schema := map[string]manifest.ConfigField{
		"apiKey": {Type: "string", Env: "DEMO_API_KEY", Default: "fallback"},
	}

	tests := []struct {
		name        string
		dbConfig    map[string]store.ConfigValue
		env         map[string]string
		wantValue   any
		wantPresent bool
		wantSource  Source
		wantCanOvr  bool
	}{
		{
			name:        "env fallback when no db value",
			dbConfig:    map[string]store.ConfigValue{},
			env:         map[string]string{"DEMO_API_KEY": "v"},
			wantValue:   "v",
			wantPresent: true,
			wantSource:  SourceEnv,
			wantCanOvr:  true,
		},
		{
			name:        "db value wins over env",
			dbConfig:    map[string]store.ConfigValue{"apiKey": {Value: strptr("d")}},
			env:         map[string]string{"DEMO_API_KEY": "v"},
			wantValue:   "d",
			wantPresent: true,
			wantSource:  SourceDatabase,
			wantCanOvr:  false,
		},
		{
			name:        "explicit null blocks env fallback",
			dbConfig:    map[string]store.ConfigValue{"apiKey": {Value: nil}},
			env:         map[string]string{"DEMO_API_KEY": "v"},
			wantValue:   nil,
			wantPresent: true,
			wantSource:  SourceDatabase,
			wantCanOvr:  false,
		},
		{
			name:        "empty env value counts as unset",
			dbConfig:    map[string]store.ConfigValue{},
			env:         map[string]string{"DEMO_API_KEY": ""},
			wantValue:   "fallback",
			wantPresent: true,
			wantSource:  SourceDefault,
			wantCanOvr:  true,
		},
		{
			name:        "default when neither db nor env",
			dbConfig:    map[string]store.ConfigValue{},
			env:         map[string]string{},
			wantValue:   "fallback",
			wantPresent: true,
			wantSource:  SourceDefault,
			wantCanOvr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolved := Resolve(tt.dbConfig, schema, Options{Env: envMap(tt.env)})

			meta := resolved.Metadata["apiKey"]
			assert.Equal(t, tt.wantSource, meta.Source)
			assert.Equal(t, tt.wantCanOvr, meta.CanOverride)
			assert.Equal(t, tt.wantPresent, meta.HasValue)
			if tt.wantPresent {
				v, ok := resolved.Values["apiKey"]
				require.True(t, ok)
				assert.Equal(t, tt.wantValue, v)
			}
		})
	}
}

func TestResolve_NoValueAnywhere(t *testing.T) {
	schema := map[string]manifest.ConfigField{
		"slot": {Type: "string"},
	}

	resolved := Resolve(nil, schema, Options{Env: envMap(nil)})

	_, ok := resolved.Values["slot"]
	assert.False(t, ok)
	meta := resolved.Metadata["slot"]
	assert.Equal(t, SourceDatabase, meta.Source)
	assert.True(t, meta.CanOverride)
	assert.False(t, meta.HasValue)
}

func TestResolve_MaskSecrets(t *testing.T) {
	schema := map[string]manifest.ConfigField{
		"apiKey":  {Type: "string", Encrypted: true},
		"token":   {Type: "string", Env: "HOST_TOKEN"},
		"baseURL": {Type: "string"},
	}
	dbConfig := map[string]store.ConfigValue{
		"apiKey":  {Value: strptr("real-secret"), Encrypted: true},
		"baseURL": {Value: strptr("https://api.example.com")},
	}
	env := map[string]string{"HOST_TOKEN": "host-secret"}

	resolved := Resolve(dbConfig, schema, Options{MaskSecrets: true, Env: envMap(env)})

	// Encrypted db-sourced field is masked.
	assert.Equal(t, MaskValue, resolved.Values["apiKey"])

	// Env-sourced value is hidden entirely, presence exposed via metadata.
	_, ok := resolved.Values["token"]
	assert.False(t, ok)
	assert.True(t, resolved.Metadata["token"].HasValue)
	assert.Equal(t, SourceEnv, resolved.Metadata["token"].Source)

	// Plain fields pass through unmasked.
	assert.Equal(t, "https://api.example.com", resolved.Values["baseURL"])
}

type staticDecrypter map[string]string

func (d staticDecrypter) Decrypt(encoded string) ([]byte, error) {
	return []byte(d[encoded]), nil
}

func TestResolveForWorker_DecryptsAndMergesCredentials(t *testing.T) {
	schema := map[string]manifest.ConfigField{
		"apiKey":  {Type: "string", Encrypted: true},
		"baseURL": {Type: "string", Default: "https://api.example.com"},
	}
	inst := &store.PluginInstance{
		OrganizationID: "org-1",
		PluginID:       "demo",
		Config: map[string]store.ConfigValue{
			"apiKey": {Value: strptr("ciphertext-1"), Encrypted: true},
		},
		AuthState: &store.AuthState{
			MethodID: "oauth",
			Credentials: &store.Credentials{
				AccessToken: "refreshed-token",
				ExpiresAt:   1900000000,
				Extra:       map[string]any{"scope": "repo"},
			},
		},
	}
	dec := staticDecrypter{"ciphertext-1": "plain-api-key"}

	values, err := ResolveForWorker(inst, schema, dec, Options{Env: envMap(nil)})
	require.NoError(t, err)

	assert.Equal(t, "plain-api-key", values["apiKey"])
	assert.Equal(t, "https://api.example.com", values["baseURL"])
	assert.Equal(t, "refreshed-token", values["accessToken"])
	assert.EqualValues(t, 1900000000, values["expiresAt"])
	assert.Equal(t, "repo", values["scope"])
}

func TestResolveForWorker_EncryptedWithoutKeyFails(t *testing.T) {
	inst := &store.PluginInstance{
		Config: map[string]store.ConfigValue{
			"apiKey": {Value: strptr("ciphertext"), Encrypted: true},
		},
	}

	_, err := ResolveForWorker(inst, nil, nil, Options{Env: envMap(nil)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no decryption key")
}

func TestMaskForLogging(t *testing.T) {
	schema := map[string]manifest.ConfigField{
		"apiKey":  {Encrypted: true},
		"token":   {Env: "HOST_TOKEN"},
		"baseURL": {},
	}
	values := map[string]any{
		"apiKey":  "secret",
		"token":   "also-secret",
		"baseURL": "https://api.example.com",
		"unknown": "kept",
	}

	masked := MaskForLogging(values, schema)

	assert.Equal(t, MaskValue, masked["apiKey"])
	assert.Equal(t, MaskValue, masked["token"])
	assert.Equal(t, "https://api.example.com", masked["baseURL"])
	assert.Equal(t, "kept", masked["unknown"])

	// Input map untouched.
	assert.Equal(t, "secret", values["apiKey"])
}
