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

// Package config declares the recognised command-line surface and the struct
// it unmarshals into. The only options are the two positionals (origin
// directory and mount point, handled in cmd), the pass-through -o mount
// options, and the logging pair.
package config

import (
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/kvoverlay/cowfs/internal/logger"
)

// LoggingConfig selects the ambient logger's output shape.
type LoggingConfig struct {
	Format   string `mapstructure:"format"`
	Severity string `mapstructure:"severity"`
}

// FileSystemConfig carries the options handed through to the FUSE driver.
type FileSystemConfig struct {
	FuseOptions []string `mapstructure:"fuse-options"`
}

// Config is the whole configuration surface.
type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging"`
	FileSystem FileSystemConfig `mapstructure:"file-system"`
}

// BindFlags declares every flag on flagSet and binds each one to its viper
// key so Unmarshal sees flag values without any manual copying.
func BindFlags(v *viper.Viper, flagSet *pflag.FlagSet) error {
	flagSet.String("log-format", "text", "The format of the log file: 'text' or 'json'.")
	if err := v.BindPFlag("logging.format", flagSet.Lookup("log-format")); err != nil {
		return err
	}

	flagSet.String("log-severity", "info", "Severity of the logs to emit: off, error, warning, info or trace.")
	if err := v.BindPFlag("logging.severity", flagSet.Lookup("log-severity")); err != nil {
		return err
	}

	flagSet.StringArrayP("o", "o", nil, "Additional system-specific mount options. Multiple options can be passed as comma separated, or by repeating the flag.")
	if err := v.BindPFlag("file-system.fuse-options", flagSet.Lookup("o")); err != nil {
		return err
	}

	return nil
}

// Validate rejects values Unmarshal accepted syntactically but that name no
// known format or severity.
func (c *Config) Validate() error {
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Logging.Format)
	}
	if _, err := c.Severity(); err != nil {
		return err
	}
	return nil
}

// Severity maps the configured severity name to the logger's ranking.
func (c *Config) Severity() (logger.Severity, error) {
	switch c.Logging.Severity {
	case "off":
		return logger.LevelOff, nil
	case "error":
		return logger.LevelError, nil
	case "warning":
		return logger.LevelWarning, nil
	case "info":
		return logger.LevelInfo, nil
	case "trace":
		return logger.LevelTrace, nil
	default:
		return 0, fmt.Errorf("config: unknown log severity %q", c.Logging.Severity)
	}
}
