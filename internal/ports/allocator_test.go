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

package ports

import (
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocate_ReturnsPortInRange(t *testing.T) {
	a := NewAllocator()

	port, err := a.Allocate()
	require.NoError(t, err)
	defer a.Release(port)

	assert.GreaterOrEqual(t, port, DefaultMin)
	assert.LessOrEqual(t, port, DefaultMax)
	assert.True(t, a.IsAllocated(port))
}

func TestAllocate_PortIsBindable(t *testing.T) {
	a := NewAllocator()

	port, err := a.Allocate()
	require.NoError(t, err)
	defer a.Release(port)

	// The allocator closed its probe listener, so we can bind again.
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	require.NoError(t, l.Close())
}

func TestAllocate_NoDuplicates(t *testing.T) {
	a := NewAllocator()

	seen := make(map[int]struct{})
	for i := 0; i < 20; i++ {
		port, err := a.Allocate()
		require.NoError(t, err)
		_, dup := seen[port]
		require.False(t, dup, "port %d allocated twice", port)
		seen[port] = struct{}{}
	}
	assert.Equal(t, 20, a.AllocatedCount())

	for port := range seen {
		a.Release(port)
	}
	assert.Equal(t, 0, a.AllocatedCount())
}

func TestAllocate_SkipsOSBoundPort(t *testing.T) {
	// Occupy a port at the OS level without telling the allocator.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	bound := l.Addr().(*net.TCPAddr).Port

	a := NewAllocator(WithRange(bound, bound+1), WithMaxAttempts(200))

	port, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, bound+1, port)
}

func TestAllocate_Exhausted(t *testing.T) {
	a := NewAllocator(
		WithRange(6000, 6001),
		WithMaxAttempts(50),
		withBindFunc(func(int) bool { return true }),
	)

	_, err := a.Allocate()
	require.NoError(t, err)
	_, err = a.Allocate()
	require.NoError(t, err)

	_, err = a.Allocate()
	require.Error(t, err)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 50, exhausted.Attempts)
	assert.Equal(t, 2, exhausted.Allocated)
	assert.Contains(t, err.Error(), "no free port found")
}

func TestRelease_UntrackedPortIsNoOp(t *testing.T) {
	a := NewAllocator()

	a.Release(12345)
	a.Release(12345)
	assert.Equal(t, 0, a.AllocatedCount())
}

func TestAllocate_ReleasedPortIsReusable(t *testing.T) {
	a := NewAllocator(
		WithRange(7000, 7000),
		withBindFunc(func(int) bool { return true }),
	)

	port, err := a.Allocate()
	require.NoError(t, err)
	require.Equal(t, 7000, port)

	a.Release(port)

	again, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, port, again)
}
