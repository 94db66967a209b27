// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

// Role names a sampling profile.
type Role string

const (
	RolePlanner      Role = "planner"
	RoleImplementer  Role = "implementer"
	RoleConservative Role = "conservative"
	RoleConsultant   Role = "consultant"
)

// Default model names and budgets for a local LMStudio endpoint.
const (
	DefaultBaseURL          = "http://localhost:1234/v1"
	DefaultPlannerModel     = "mistralai_devstral-small-2-24b-instruct-2512"
	DefaultConsultantModel  = "mistralai_ministral-3-14b-reasoning-2512"
	DefaultContextTokens    = 16000
	DefaultConsultantTokens = 61440
)

// ConsultantDirective is appended to the consultant's system prompt.
const ConsultantDirective = "Reason step by step before answering. Work through each failing " +
	"assertion against the Domain Knowledge explicitly, then give your final answer in the " +
	"required output format."

// Profile is the sampling configuration of one role.
type Profile struct {
	Role          Role    `json:"role"`
	Model         string  `json:"model"`
	Temperature   float32 `json:"temperature"`
	TopP          float32 `json:"top_p"`
	MaxTokens     int     `json:"max_tokens"`
	ContextTokens int     `json:"context_tokens"`

	// StripThinking removes <think> reasoning blocks from the reply.
	StripThinking bool `json:"strip_thinking,omitempty"`

	// Directive is appended to the system prompt when non-empty.
	Directive string `json:"directive,omitempty"`
}

// Models names the model behind each role.
type Models struct {
	Planner     string
	Implementer string
	Consultant  string
}

// Budgets are per-profile context windows in tokens.
type Budgets struct {
	Default    int
	Consultant int
}

// Profiles holds one Profile per role.
type Profiles map[Role]Profile

// DefaultProfiles returns the four role profiles.
//
// Description:
//
//	Planner runs hotter for broader plan exploration, implementer tighter
//	for precise code, conservative tighter still for retries after an
//	empty reply, and the consultant with a large output and context
//	budget. Empty model names and non-positive budgets take the defaults.
func DefaultProfiles(models Models, budgets Budgets) Profiles {
	if models.Planner == "" {
		models.Planner = DefaultPlannerModel
	}
	if models.Implementer == "" {
		models.Implementer = DefaultPlannerModel
	}
	if models.Consultant == "" {
		models.Consultant = DefaultConsultantModel
	}
	if budgets.Default <= 0 {
		budgets.Default = DefaultContextTokens
	}
	if budgets.Consultant <= 0 {
		budgets.Consultant = DefaultConsultantTokens
	}

	return Profiles{
		RolePlanner: {
			Role: RolePlanner, Model: models.Planner,
			Temperature: 0.6, TopP: 0.95, MaxTokens: 2048, ContextTokens: budgets.Default,
		},
		RoleImplementer: {
			Role: RoleImplementer, Model: models.Implementer,
			Temperature: 0.4, TopP: 0.85, MaxTokens: 4096, ContextTokens: budgets.Default,
		},
		RoleConservative: {
			Role: RoleConservative, Model: models.Implementer,
			Temperature: 0.2, TopP: 0.85, MaxTokens: 4096, ContextTokens: budgets.Default,
		},
		RoleConsultant: {
			Role: RoleConsultant, Model: models.Consultant,
			Temperature: 0.3, TopP: 0.9, MaxTokens: 8192, ContextTokens: budgets.Consultant,
			StripThinking: true, Directive: ConsultantDirective,
		},
	}
}

// Get returns the profile for role, falling back to the implementer.
func (p Profiles) Get(role Role) Profile {
	if prof, ok := p[role]; ok {
		return prof
	}
	return p[RoleImplementer]
}
