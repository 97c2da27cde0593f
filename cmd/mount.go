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
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/jacobsa/fuse"

	"github.com/kvoverlay/cowfs/internal/config"
	"github.com/kvoverlay/cowfs/internal/cowfuse"
	"github.com/kvoverlay/cowfs/internal/logger"
	"github.com/kvoverlay/cowfs/internal/mount"
	"github.com/kvoverlay/cowfs/internal/overlay"
)

// runMount opens the overlay engine on originDir, creates the FUSE server,
// mounts it at mountPoint, and blocks until the file system is unmounted.
func runMount(ctx context.Context, originDir, mountPoint string, c *config.Config) error {
	sev, err := c.Severity()
	if err != nil {
		return err
	}
	logger.SetSeverity(sev)
	logger.SetFormat(c.Logging.Format)

	logger.Infof("Starting cowfs session %s: origin %q, mount point %q",
		uuid.NewString(), originDir, mountPoint)

	ov, err := overlay.Open(originDir)
	if err != nil {
		return fmt.Errorf("overlay.Open: %w", err)
	}
	defer ov.Close()

	logger.Infof("Creating a new server...")
	server, err := cowfuse.NewServer(&cowfuse.ServerConfig{Overlay: ov})
	if err != nil {
		return fmt.Errorf("cowfuse.NewServer: %w", err)
	}

	logger.Infof("Mounting file system...")
	mfs, err := fuse.Mount(mountPoint, server, getFuseMountConfig(c))
	if err != nil {
		return fmt.Errorf("mount: %w", err)
	}
	logger.Infof("File system has been successfully mounted.")

	registerSIGINTHandler(mfs.Dir())

	if err := mfs.Join(ctx); err != nil {
		return fmt.Errorf("MountedFileSystem.Join: %w", err)
	}
	logger.Infof("File system has been successfully unmounted.")
	return nil
}

func getFuseMountConfig(c *config.Config) *fuse.MountConfig {
	// Handle the repeated "-o" flag.
	parsedOptions := make(map[string]string)
	for _, o := range c.FileSystem.FuseOptions {
		mount.ParseOptions(parsedOptions, o)
	}

	mountCfg := &fuse.MountConfig{
		FSName:     "cowfs",
		Subtype:    "cowfs",
		VolumeName: "cowfs",
		Options:    parsedOptions,
	}

	sev, _ := c.Severity()
	if sev >= logger.LevelError {
		mountCfg.ErrorLogger = logger.NewLegacyLogger(logger.LevelError, "fuse: ")
	}
	if sev >= logger.LevelTrace {
		mountCfg.DebugLogger = logger.NewLegacyLogger(logger.LevelTrace, "fuse_debug: ")
	}
	return mountCfg
}

// registerSIGINTHandler unmounts in response to SIGINT or SIGTERM, so Join
// can return cleanly. If the unmount fails (for example while the mount
// point is busy), it waits for the next signal and tries again.
func registerSIGINTHandler(mountPoint string) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		for {
			<-signalChan
			logger.Infof("Received SIGINT, attempting to unmount...")
			if err := fuse.Unmount(mountPoint); err != nil {
				logger.Errorf("Failed to unmount in response to SIGINT: %v", err)
			} else {
				logger.Infof("Successfully unmounted in response to SIGINT.")
				return
			}
		}
	}()
}
