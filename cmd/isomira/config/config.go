// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads isomira's per-project configuration.
//
// A project directory may hold isomira.yaml (or isomira.yml) or
// isomira.toml. The file is decoded over DefaultConfig, so any key it omits
// keeps its default. Command-line flags are applied by the caller and the
// result is checked with Validate.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/isomira/pkg/logging"
	"github.com/AleutianAI/isomira/services/isomira/agent"
	"github.com/AleutianAI/isomira/services/isomira/agent/llm"
	"github.com/AleutianAI/isomira/services/isomira/sandbox"
	"github.com/AleutianAI/isomira/services/isomira/steering"
	"github.com/AleutianAI/isomira/services/isomira/verify"
)

// Config file names, in lookup order.
const (
	YAMLFile     = "isomira.yaml"
	YMLFile      = "isomira.yml"
	TOMLFile     = "isomira.toml"
	LogFile      = "isomira.log"
	JournalDir   = ".isomira/journal"
	WorkspaceDir = "workspace"
)

var (
	// ErrAmbiguousConfig indicates both a YAML and a TOML file exist.
	ErrAmbiguousConfig = errors.New("both YAML and TOML config files present")

	// ErrInvalidConfig wraps validation failures.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Config is the full project configuration.
type Config struct {
	Endpoint EndpointConfig `yaml:"endpoint" toml:"endpoint"`
	Models   ModelsConfig   `yaml:"models" toml:"models"`
	Context  ContextConfig  `yaml:"context" toml:"context"`
	Sandbox  SandboxConfig  `yaml:"sandbox" toml:"sandbox"`
	Loop     LoopConfig     `yaml:"loop" toml:"loop"`
	Verify   VerifyConfig   `yaml:"verify" toml:"verify"`
	Journal  JournalConfig  `yaml:"journal" toml:"journal"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
}

// EndpointConfig is the OpenAI-compatible model server.
type EndpointConfig struct {
	BaseURL        string        `yaml:"base_url" toml:"base_url" validate:"required,url"`
	APIKey         string        `yaml:"api_key" toml:"api_key"`
	RequestTimeout time.Duration `yaml:"request_timeout" toml:"request_timeout" validate:"gt=0"`
}

// ModelsConfig names the model behind each role.
type ModelsConfig struct {
	Planner     string `yaml:"planner" toml:"planner" validate:"required"`
	Implementer string `yaml:"implementer" toml:"implementer" validate:"required"`
	Consultant  string `yaml:"consultant" toml:"consultant" validate:"required"`
}

// ContextConfig holds the per-profile context windows in tokens.
type ContextConfig struct {
	MaxTokens           int `yaml:"max_tokens" toml:"max_tokens" validate:"gte=1024"`
	ConsultantMaxTokens int `yaml:"consultant_max_tokens" toml:"consultant_max_tokens" validate:"gtefield=MaxTokens"`
}

// SandboxConfig bounds command execution.
type SandboxConfig struct {
	// Workspace is relative to the project directory unless absolute.
	Workspace      string        `yaml:"workspace" toml:"workspace" validate:"required"`
	DefaultTimeout time.Duration `yaml:"default_timeout" toml:"default_timeout" validate:"gt=0"`
	InstallTimeout time.Duration `yaml:"install_timeout" toml:"install_timeout" validate:"gtefield=DefaultTimeout"`
	OutputLimit    int           `yaml:"output_limit" toml:"output_limit" validate:"gte=256"`
}

// LoopConfig tunes the orchestration loop.
type LoopConfig struct {
	MinIterations   int `yaml:"min_iterations" toml:"min_iterations" validate:"gte=1"`
	MaxIterations   int `yaml:"max_iterations" toml:"max_iterations" validate:"gte=0"`
	DKSizeDelta     int `yaml:"dk_size_delta" toml:"dk_size_delta" validate:"gt=0"`
	DKAdditionLimit int `yaml:"dk_addition_limit" toml:"dk_addition_limit" validate:"gt=0,ltefield=DKSizeDelta"`
}

// VerifyConfig selects the test framework and command.
type VerifyConfig struct {
	Framework string `yaml:"framework" toml:"framework" validate:"framework"`
	Command   string `yaml:"command" toml:"command"`
}

// JournalConfig controls the run journal.
type JournalConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`

	// Path is relative to the project directory unless absolute.
	Path string `yaml:"path" toml:"path" validate:"required_if=Enabled true"`
}

// LoggingConfig controls console and file logging.
type LoggingConfig struct {
	Level string `yaml:"level" toml:"level" validate:"loglevel"`
	JSON  bool   `yaml:"json" toml:"json"`

	// File is relative to the project directory. Empty disables file logging.
	File string `yaml:"file" toml:"file"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Endpoint: EndpointConfig{
			BaseURL:        llm.DefaultBaseURL,
			APIKey:         "lm-studio",
			RequestTimeout: llm.DefaultRequestTimeout,
		},
		Models: ModelsConfig{
			Planner:     llm.DefaultPlannerModel,
			Implementer: llm.DefaultPlannerModel,
			Consultant:  llm.DefaultConsultantModel,
		},
		Context: ContextConfig{
			MaxTokens:           llm.DefaultContextTokens,
			ConsultantMaxTokens: llm.DefaultConsultantTokens,
		},
		Sandbox: SandboxConfig{
			Workspace:      WorkspaceDir,
			DefaultTimeout: sandbox.DefaultTimeout,
			InstallTimeout: sandbox.DefaultExtendedTimeout,
			OutputLimit:    sandbox.DefaultOutputLimit,
		},
		Loop: LoopConfig{
			MinIterations:   agent.DefaultMinIterations,
			DKSizeDelta:     agent.DefaultDKSizeDelta,
			DKAdditionLimit: agent.DefaultDKAdditionLimit,
		},
		Verify: VerifyConfig{
			Framework: string(verify.FrameworkPytest),
		},
		Journal: JournalConfig{
			Enabled: true,
			Path:    JournalDir,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  LogFile,
		},
	}
}

// Load reads the config file in projectDir over DefaultConfig.
//
// Description:
//
//	Looks for isomira.yaml, isomira.yml, then isomira.toml. A missing file
//	is not an error. The result is not validated; callers apply flag
//	overrides first and then call Validate.
//
// Inputs:
//
//	projectDir - The project directory.
//
// Outputs:
//
//	*Config - The merged configuration.
//	string - The file that was read, or "" when none exists.
//	error - ErrAmbiguousConfig, or a read or decode failure.
func Load(projectDir string) (*Config, string, error) {
	cfg := DefaultConfig()

	yamlPath := ""
	for _, name := range []string{YAMLFile, YMLFile} {
		if p := filepath.Join(projectDir, name); fileExists(p) {
			yamlPath = p
			break
		}
	}
	tomlPath := filepath.Join(projectDir, TOMLFile)
	hasTOML := fileExists(tomlPath)

	switch {
	case yamlPath != "" && hasTOML:
		return nil, "", fmt.Errorf("%w in %s", ErrAmbiguousConfig, projectDir)
	case yamlPath != "":
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			return nil, "", fmt.Errorf("read %s: %w", yamlPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, "", fmt.Errorf("parse %s: %w", yamlPath, err)
		}
		return cfg, yamlPath, nil
	case hasTOML:
		if _, err := toml.DecodeFile(tomlPath, cfg); err != nil {
			return nil, "", fmt.Errorf("parse %s: %w", tomlPath, err)
		}
		return cfg, tomlPath, nil
	default:
		return cfg, "", nil
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// validate is the validator instance for config structs.
var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("framework", validateFramework)
	_ = validate.RegisterValidation("loglevel", validateLogLevel)
}

func validateFramework(fl validator.FieldLevel) bool {
	switch verify.Framework(fl.Field().String()) {
	case verify.FrameworkPytest, verify.FrameworkGoTest:
		return true
	}
	return false
}

func validateLogLevel(fl validator.FieldLevel) bool {
	_, err := logging.ParseLevel(fl.Field().String())
	return err == nil
}

// Validate checks every section's constraints.
//
// Outputs:
//
//	error - ErrInvalidConfig joined with the validator's field errors.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Join(ErrInvalidConfig, err)
	}
	return nil
}

// Resolve returns path joined to projectDir unless it is absolute.
func Resolve(projectDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(projectDir, path)
}

// Profiles builds the role profiles for the configured models and budgets.
func (c *Config) Profiles() llm.Profiles {
	return llm.DefaultProfiles(
		llm.Models{Planner: c.Models.Planner, Implementer: c.Models.Implementer, Consultant: c.Models.Consultant},
		llm.Budgets{Default: c.Context.MaxTokens, Consultant: c.Context.ConsultantMaxTokens},
	)
}

// ExecutorConfig builds the sandbox configuration for projectDir.
func (c *Config) ExecutorConfig(projectDir string) sandbox.Config {
	return sandbox.Config{
		Root:            Resolve(projectDir, c.Sandbox.Workspace),
		DefaultTimeout:  c.Sandbox.DefaultTimeout,
		ExtendedTimeout: c.Sandbox.InstallTimeout,
		OutputLimit:     c.Sandbox.OutputLimit,
	}
}

// RunnerConfig builds the verification runner configuration.
func (c *Config) RunnerConfig() verify.Config {
	return verify.Config{
		Framework: verify.Framework(c.Verify.Framework),
		Command:   c.Verify.Command,
	}
}

// LoopSettings builds the loop configuration. philosophy and task are
// relative to projectDir unless absolute.
func (c *Config) LoopSettings(projectDir, philosophy, task string) agent.Config {
	return agent.Config{
		Steering:        steering.Files{ProjectDir: projectDir, Philosophy: philosophy, Task: task},
		Profiles:        c.Profiles(),
		MinIterations:   c.Loop.MinIterations,
		MaxIterations:   c.Loop.MaxIterations,
		DKSizeDelta:     c.Loop.DKSizeDelta,
		DKAdditionLimit: c.Loop.DKAdditionLimit,
	}
}

// LoggingSettings builds the logger configuration for projectDir.
func (c *Config) LoggingSettings(projectDir string) logging.Config {
	level, _ := logging.ParseLevel(c.Logging.Level)
	return logging.Config{
		Level:   level,
		JSON:    c.Logging.JSON,
		LogFile: Resolve(projectDir, c.Logging.File),
		Service: "isomira",
	}
}
