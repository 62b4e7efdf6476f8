/*
Copyright 2021-2024 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package set

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSet(t *testing.T) {
	codes := New(401, 403)
	require.True(t, codes.Contains(401))
	require.False(t, codes.Contains(500))

	codes.Add(404)
	codes.Del(401)
	require.Equal(t, 2, codes.Len())
	assert.ElementsMatch(t, []int{403, 404}, codes.ToSlice())

	require.Nil(t, New[int]().ToSlice())
}

func TestStrings(t *testing.T) {
	statuses := NewStrings("PERMISSION_DENIED", "NOT_FOUND")
	require.True(t, ContainsFold(statuses, "permission_denied"))
	require.False(t, ContainsFold(statuses, "INTERNAL"))
	require.Equal(t, "NOT_FOUND, PERMISSION_DENIED", Join(statuses, ", "))
}
