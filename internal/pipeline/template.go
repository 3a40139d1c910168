package pipeline

import (
	"fmt"
	"time"
)

// FailurePolicy controls how the scheduler reacts when a step fails
type FailurePolicy string

const (
	// FailTolerate records the failure and keeps the task going
	FailTolerate FailurePolicy = "tolerate"
	// FailAbort fails the task and skips everything not yet started
	FailAbort FailurePolicy = "abort"
)

// StepDef declares a single analysis step inside a team
type StepDef struct {
	Key       string        `json:"key"`
	Name      string        `json:"name"`
	DependsOn []string      `json:"depends_on,omitempty"`
	OnFailure FailurePolicy `json:"on_failure"`
	Timeout   time.Duration `json:"timeout,omitempty"`
}

// Team groups steps that may run in parallel with each other
type Team struct {
	Key   string    `json:"key"`
	Name  string    `json:"name"`
	Steps []StepDef `json:"steps"`
}

// Template is the full pipeline definition. Teams execute strictly in
// declaration order; steps inside a team run concurrently subject to
// their depends_on edges.
type Template struct {
	Name  string `json:"name"`
	Teams []Team `json:"teams"`
}

// StepCount returns the total number of steps across all teams
func (t *Template) StepCount() int {
	n := 0
	for _, team := range t.Teams {
		n += len(team.Steps)
	}
	return n
}

// Step looks up a step definition by key
func (t *Template) Step(key string) (StepDef, bool) {
	for _, team := range t.Teams {
		for _, step := range team.Steps {
			if step.Key == key {
				return step, true
			}
		}
	}
	return StepDef{}, false
}

// Validate checks the template for duplicate keys, unknown or
// cross-team dependencies, and dependency cycles
func (t *Template) Validate() error {
	if len(t.Teams) == 0 {
		return NewValidationError("template", "template has no teams")
	}

	seen := make(map[string]bool)
	for _, team := range t.Teams {
		if len(team.Steps) == 0 {
			return NewValidationError(team.Key, "team has no steps")
		}

		inTeam := make(map[string]bool, len(team.Steps))
		for _, step := range team.Steps {
			if step.Key == "" {
				return NewValidationError(team.Key, "step with empty key")
			}
			if seen[step.Key] {
				return NewValidationError(step.Key, "duplicate step key")
			}
			seen[step.Key] = true
			inTeam[step.Key] = true

			if step.OnFailure != "" && step.OnFailure != FailTolerate && step.OnFailure != FailAbort {
				return NewValidationError(step.Key, fmt.Sprintf("unknown failure policy %q", step.OnFailure))
			}
		}

		// Dependencies must point at steps of the same team. Ordering
		// across teams is the team order itself.
		for _, step := range team.Steps {
			for _, dep := range step.DependsOn {
				if !inTeam[dep] {
					return NewValidationError(step.Key, fmt.Sprintf("dependency %q is not a step of team %q", dep, team.Key))
				}
				if dep == step.Key {
					return NewValidationError(step.Key, "step depends on itself")
				}
			}
		}

		if _, err := teamOrder(team); err != nil {
			return err
		}
	}

	return nil
}

// teamOrder returns the steps of a team in topological order using
// Kahn's algorithm. Ties resolve in declaration order so runs are
// deterministic.
func teamOrder(team Team) ([]StepDef, error) {
	byKey := make(map[string]StepDef, len(team.Steps))
	inDegree := make(map[string]int, len(team.Steps))
	dependents := make(map[string][]string)

	for _, step := range team.Steps {
		byKey[step.Key] = step
		inDegree[step.Key] = len(step.DependsOn)
		for _, dep := range step.DependsOn {
			dependents[dep] = append(dependents[dep], step.Key)
		}
	}

	var order []StepDef
	for len(order) < len(team.Steps) {
		progressed := false
		for _, step := range team.Steps {
			if deg, ok := inDegree[step.Key]; ok && deg == 0 {
				order = append(order, byKey[step.Key])
				delete(inDegree, step.Key)
				for _, next := range dependents[step.Key] {
					inDegree[next]--
				}
				progressed = true
			}
		}
		if !progressed {
			return nil, NewValidationError(team.Key, "dependency cycle detected")
		}
	}

	return order, nil
}

// Analyst step keys available for the default template
const (
	StepMarketAnalyst       = "market_analyst"
	StepSocialAnalyst       = "social_analyst"
	StepNewsAnalyst         = "news_analyst"
	StepFundamentalsAnalyst = "fundamentals_analyst"
)

// Remaining step keys of the default template
const (
	StepBullResearcher       = "bull_researcher"
	StepBearResearcher       = "bear_researcher"
	StepResearchManager      = "research_manager"
	StepRiskyAssessor        = "risky_assessor"
	StepConservativeAssessor = "conservative_assessor"
	StepNeutralAssessor      = "neutral_assessor"
	StepRiskManager          = "risk_manager"
	StepConsolidation        = "consolidation"
)

var analystNames = map[string]string{
	StepMarketAnalyst:       "Market Analyst",
	StepSocialAnalyst:       "Social Media Analyst",
	StepNewsAnalyst:         "News Analyst",
	StepFundamentalsAnalyst: "Fundamentals Analyst",
}

// DefaultAnalysts returns the analyst step keys in canonical order
func DefaultAnalysts() []string {
	return []string{StepMarketAnalyst, StepSocialAnalyst, StepNewsAnalyst, StepFundamentalsAnalyst}
}

// DefaultTemplate builds the stock analysis pipeline. The analysts
// argument selects which analyst steps to include; nil or empty means
// all of them.
func DefaultTemplate(analysts []string) (*Template, error) {
	if len(analysts) == 0 {
		analysts = DefaultAnalysts()
	}

	var analystSteps []StepDef
	for _, key := range analysts {
		name, ok := analystNames[key]
		if !ok {
			return nil, NewValidationError(key, fmt.Sprintf("unknown analyst %q", key))
		}
		analystSteps = append(analystSteps, StepDef{
			Key:       key,
			Name:      name,
			OnFailure: FailTolerate,
		})
	}

	tpl := &Template{
		Name: "stock_analysis",
		Teams: []Team{
			{
				Key:   "analysts",
				Name:  "Analyst Team",
				Steps: analystSteps,
			},
			{
				Key:  "research",
				Name: "Research Team",
				Steps: []StepDef{
					{Key: StepBullResearcher, Name: "Bull Researcher", OnFailure: FailTolerate},
					{Key: StepBearResearcher, Name: "Bear Researcher", OnFailure: FailTolerate},
					{
						Key:       StepResearchManager,
						Name:      "Research Manager",
						DependsOn: []string{StepBullResearcher, StepBearResearcher},
						OnFailure: FailAbort,
					},
				},
			},
			{
				Key:  "risk",
				Name: "Risk Management Team",
				Steps: []StepDef{
					{Key: StepRiskyAssessor, Name: "Aggressive Risk Assessor", OnFailure: FailTolerate},
					{Key: StepConservativeAssessor, Name: "Conservative Risk Assessor", OnFailure: FailTolerate},
					{Key: StepNeutralAssessor, Name: "Neutral Risk Assessor", OnFailure: FailTolerate},
					{
						Key:       StepRiskManager,
						Name:      "Risk Manager",
						DependsOn: []string{StepRiskyAssessor, StepConservativeAssessor, StepNeutralAssessor},
						OnFailure: FailAbort,
					},
				},
			},
			{
				Key:  "final",
				Name: "Consolidation",
				Steps: []StepDef{
					{Key: StepConsolidation, Name: "Report Consolidation", OnFailure: FailAbort},
				},
			},
		},
	}

	if err := tpl.Validate(); err != nil {
		return nil, err
	}
	return tpl, nil
}
