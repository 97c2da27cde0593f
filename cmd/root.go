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

// Package cmd wires the command-line surface: two positional arguments and
// the handful of flags declared in internal/config, then a blocking mount.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kvoverlay/cowfs/internal/config"
)

var (
	bindErr      error
	unmarshalErr error
	mountConfig  config.Config
)

var rootCmd = &cobra.Command{
	Use:   "cowfs [flags] origin_dir mount_point",
	Short: "Mount a copy-on-write overlay of a local directory",
	Long: `cowfs mounts a live, mutable view of origin_dir at mount_point while
preserving the pre-mutation state of every file and directory. The
unmodified tree stays readable under /.original inside the mount.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}
		if unmarshalErr != nil {
			return unmarshalErr
		}
		if err := mountConfig.Validate(); err != nil {
			return err
		}
		originDir, mountPoint, err := populateArgs(args)
		if err != nil {
			return err
		}
		return runMount(cmd.Context(), originDir, mountPoint, &mountConfig)
	},
}

func populateArgs(args []string) (originDir string, mountPoint string, err error) {
	// Canonicalize both paths, making them absolute: the mount point is
	// handed to the kernel, and the origin directory must keep resolving
	// after any working-directory change.
	originDir, err = filepath.Abs(args[0])
	if err != nil {
		err = fmt.Errorf("canonicalizing origin dir: %w", err)
		return
	}
	mountPoint, err = filepath.Abs(args[1])
	if err != nil {
		err = fmt.Errorf("canonicalizing mount point: %w", err)
		return
	}
	return
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	bindErr = config.BindFlags(viper.GetViper(), rootCmd.PersistentFlags())
}

func initConfig() {
	unmarshalErr = viper.Unmarshal(&mountConfig)
}
