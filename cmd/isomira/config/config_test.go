// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/isomira/pkg/logging"
	"github.com/AleutianAI/isomira/services/isomira/agent/llm"
	"github.com/AleutianAI/isomira/services/isomira/verify"
)

func write(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 2, cfg.Loop.MinIterations)
	assert.Equal(t, 16000, cfg.Context.MaxTokens)
	assert.Equal(t, 61440, cfg.Context.ConsultantMaxTokens)
	assert.Equal(t, "http://localhost:1234/v1", cfg.Endpoint.BaseURL)
}

func TestLoad_NoFile(t *testing.T) {
	cfg, path, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, path)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_YAMLOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, YAMLFile, `
endpoint:
  base_url: http://gpu-box:1234/v1
sandbox:
  default_timeout: 45s
loop:
  min_iterations: 3
verify:
  framework: gotest
logging:
  level: debug
`)
	cfg, path, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, YAMLFile), path)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "http://gpu-box:1234/v1", cfg.Endpoint.BaseURL)
	assert.Equal(t, 45*time.Second, cfg.Sandbox.DefaultTimeout)
	assert.Equal(t, 3, cfg.Loop.MinIterations)
	assert.Equal(t, string(verify.FrameworkGoTest), cfg.Verify.Framework)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// untouched keys keep defaults
	assert.Equal(t, llm.DefaultPlannerModel, cfg.Models.Planner)
	assert.Equal(t, 2000, cfg.Loop.DKSizeDelta)
	assert.Equal(t, WorkspaceDir, cfg.Sandbox.Workspace)
}

func TestLoad_TOML(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, TOMLFile, `
[models]
consultant = "qwen3-32b"

[context]
consultant_max_tokens = 32768

[sandbox]
install_timeout = "10m"

[journal]
enabled = false
`)
	cfg, path, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, TOMLFile), path)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "qwen3-32b", cfg.Models.Consultant)
	assert.Equal(t, 32768, cfg.Context.ConsultantMaxTokens)
	assert.Equal(t, 10*time.Minute, cfg.Sandbox.InstallTimeout)
	assert.False(t, cfg.Journal.Enabled)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("ambiguous", func(t *testing.T) {
		dir := t.TempDir()
		write(t, dir, YAMLFile, "loop:\n  min_iterations: 2\n")
		write(t, dir, TOMLFile, "[loop]\nmin_iterations = 2\n")
		_, _, err := Load(dir)
		assert.ErrorIs(t, err, ErrAmbiguousConfig)
	})
	t.Run("bad yaml", func(t *testing.T) {
		dir := t.TempDir()
		write(t, dir, YMLFile, "loop: [unclosed\n")
		_, _, err := Load(dir)
		assert.Error(t, err)
	})
	t.Run("bad toml", func(t *testing.T) {
		dir := t.TempDir()
		write(t, dir, TOMLFile, "[loop\n")
		_, _, err := Load(dir)
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown framework", func(c *Config) { c.Verify.Framework = "jest" }},
		{"unknown log level", func(c *Config) { c.Logging.Level = "chatty" }},
		{"bad url", func(c *Config) { c.Endpoint.BaseURL = "not a url" }},
		{"zero min iterations", func(c *Config) { c.Loop.MinIterations = 0 }},
		{"addition above delta", func(c *Config) { c.Loop.DKAdditionLimit = 3000 }},
		{"consultant budget below default", func(c *Config) { c.Context.ConsultantMaxTokens = 8000 }},
		{"install timeout below default", func(c *Config) { c.Sandbox.InstallTimeout = time.Second }},
		{"journal enabled without path", func(c *Config) { c.Journal.Path = "" }},
		{"missing model", func(c *Config) { c.Models.Implementer = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestSettings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Models.Consultant = "big-model"
	cfg.Context.MaxTokens = 20000
	cfg.Logging.Level = "warn"

	profiles := cfg.Profiles()
	assert.Equal(t, "big-model", profiles.Get(llm.RoleConsultant).Model)
	assert.Equal(t, 20000, profiles.Get(llm.RolePlanner).ContextTokens)

	ec := cfg.ExecutorConfig("/proj")
	assert.Equal(t, "/proj/workspace", ec.Root)
	cfg.Sandbox.Workspace = "/abs/ws"
	assert.Equal(t, "/abs/ws", cfg.ExecutorConfig("/proj").Root)

	lc := cfg.LoopSettings("/proj", "philosophy.md", "task.md")
	assert.Equal(t, "/proj/task.md", lc.Steering.TaskPath())
	assert.Equal(t, 2, lc.MinIterations)

	ls := cfg.LoggingSettings("/proj")
	assert.Equal(t, logging.LevelWarn, ls.Level)
	assert.Equal(t, "/proj/isomira.log", ls.LogFile)

	assert.Equal(t, verify.FrameworkPytest, cfg.RunnerConfig().Framework)
}
