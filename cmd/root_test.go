// Copyright 2026 The cowfs Authors. All Rights Reserved.
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

package cmd

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPopulateArgsCanonicalizes(t *testing.T) {
	origin, mountPoint, err := populateArgs([]string{"origin", "mnt"})
	require.NoError(t, err)

	assert.True(t, filepath.IsAbs(origin))
	assert.True(t, filepath.IsAbs(mountPoint))
	assert.Equal(t, "origin", filepath.Base(origin))
	assert.Equal(t, "mnt", filepath.Base(mountPoint))
}

func TestRootCmdRequiresTwoArgs(t *testing.T) {
	assert.Error(t, rootCmd.Args(rootCmd, []string{"only-one"}))
	assert.NoError(t, rootCmd.Args(rootCmd, []string{"origin", "mnt"}))
}
