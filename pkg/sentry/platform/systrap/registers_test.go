// Copyright 2018 The gVisor Authors.
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

package systrap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterSnapshotByNameAndAliases(t *testing.T) {
	r := &RegisterSnapshot{}

	require.True(t, r.Set("rax", 0x1234))
	v, ok := r.Get("rax")
	require.True(t, ok)
	assert.Equal(t, uint64(0x1234), v)

	// The "_pc"/"_sp" aliases resolve to rip/rsp.
	require.True(t, r.Set("_pc", 0x4000))
	assert.Equal(t, uint64(0x4000), r.PC())
	v, ok = r.Get("rip")
	require.True(t, ok)
	assert.Equal(t, uint64(0x4000), v)

	require.True(t, r.Set("_sp", 0x7ff0))
	v, ok = r.Get("rsp")
	require.True(t, ok)
	assert.Equal(t, uint64(0x7ff0), v)
}

func TestRegisterSnapshotRejectsUnknownNames(t *testing.T) {
	r := &RegisterSnapshot{}
	_, ok := r.Get("xmm0")
	assert.False(t, ok)
	assert.False(t, r.Set("nosuchreg", 1))
	assert.False(t, r.Dirty(), "a rejected set must not mark the snapshot dirty")
}

func TestRegisterSnapshotDirtyTracking(t *testing.T) {
	r := &RegisterSnapshot{}
	assert.False(t, r.Dirty())

	r.SetPC(0x1000)
	assert.True(t, r.Dirty())

	r.ClearDirty()
	assert.False(t, r.Dirty())
}
