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

package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCipher_RoundTrip(t *testing.T) {
	keyStr, err := GenerateKey()
	require.NoError(t, err)

	t.Setenv("PLUGIND_CONFIG_KEY", keyStr)
	c, err := LoadCipher()
	require.NoError(t, err)
	require.True(t, c.Enabled())

	encrypted, err := c.Encrypt([]byte("super-secret-api-key"))
	require.NoError(t, err)
	assert.NotContains(t, encrypted, "super-secret")

	plaintext, err := c.Decrypt(encrypted)
	require.NoError(t, err)
	assert.Equal(t, "super-secret-api-key", string(plaintext))
}

func TestCipher_NonceVariesPerCall(t *testing.T) {
	key := make([]byte, 32)
	c, err := NewCipher(key)
	require.NoError(t, err)

	first, err := c.Encrypt([]byte("same input"))
	require.NoError(t, err)
	second, err := c.Encrypt([]byte("same input"))
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestCipher_WrongKeyFails(t *testing.T) {
	c1, err := NewCipher(make([]byte, 32))
	require.NoError(t, err)

	key2 := make([]byte, 32)
	key2[0] = 1
	c2, err := NewCipher(key2)
	require.NoError(t, err)

	encrypted, err := c1.Encrypt([]byte("payload"))
	require.NoError(t, err)

	_, err = c2.Decrypt(encrypted)
	require.Error(t, err)
}

func TestLoadCipher_Passphrase(t *testing.T) {
	t.Setenv("PLUGIND_CONFIG_KEY", "correct horse battery staple")
	c, err := LoadCipher()
	require.NoError(t, err)
	require.True(t, c.Enabled())

	encrypted, err := c.Encrypt([]byte("value"))
	require.NoError(t, err)

	// Same passphrase derives the same key.
	c2, err := LoadCipher()
	require.NoError(t, err)
	plaintext, err := c2.Decrypt(encrypted)
	require.NoError(t, err)
	assert.Equal(t, "value", string(plaintext))
}

func TestLoadCipher_Unset(t *testing.T) {
	t.Setenv("PLUGIND_CONFIG_KEY", "")
	c, err := LoadCipher()
	require.NoError(t, err)
	assert.False(t, c.Enabled())

	_, err = c.Encrypt([]byte("x"))
	require.Error(t, err)
	_, err = c.Decrypt("x")
	require.Error(t, err)
}

func TestNewCipher_RejectsBadKeyLength(t *testing.T) {
	_, err := NewCipher(make([]byte, 16))
	require.Error(t, err)
}
