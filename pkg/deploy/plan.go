/*
Copyright 2025 The gitops-deploy Authors All rights reserved.

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

package deploy

import (
	"path"
	"sort"
)

// Domain is a host subsystem that can be reloaded without a full restart.
type Domain string

const (
	DomainAutomation    Domain = "automation"
	DomainScript        Domain = "script"
	DomainGroup         Domain = "group"
	DomainScene         Domain = "scene"
	DomainTemplate      Domain = "template"
	DomainInputBoolean  Domain = "input_boolean"
	DomainInputSelect   Domain = "input_select"
	DomainInputText     Domain = "input_text"
	DomainInputNumber   Domain = "input_number"
	DomainInputDatetime Domain = "input_datetime"
)

// ReloadPlan is what a set of changed files implies for the host: which
// domains to reload, and whether only a full restart is safe.
type ReloadPlan struct {
	Domains         []Domain
	RestartRequired bool
}

type reloadRule struct {
	pattern string
	domains []Domain
	restart bool
}

// reloadRules maps changed paths to reload behavior.  The table is a
// versioned contract with config authors: entries are append-only, never
// removed or reordered.  A single path may match several rules; all
// matches are unioned.
var reloadRules = []reloadRule{
	{pattern: "automations.yaml", domains: []Domain{DomainAutomation}},
	{pattern: "scripts.yaml", domains: []Domain{DomainScript}},
	{pattern: "groups.yaml", domains: []Domain{DomainGroup}},
	{pattern: "scenes.yaml", domains: []Domain{DomainScene}},
	{
		pattern: "configuration.yaml",
		domains: []Domain{
			DomainGroup, DomainTemplate,
			DomainInputBoolean, DomainInputSelect, DomainInputText,
			DomainInputNumber, DomainInputDatetime,
		},
		restart: true,
	},
	{pattern: "customize.yaml", restart: true},
	{pattern: "packages/*.yaml", restart: true},
}

// PlanReload computes the reload plan for a set of changed paths.  It is a
// pure function: same input, same plan, no state.  Paths that match no rule
// are ignored - not every file maps to a reloadable domain.
func PlanReload(changedFiles []string) ReloadPlan {
	seen := map[Domain]bool{}
	plan := ReloadPlan{}

	for _, file := range changedFiles {
		for _, rule := range reloadRules {
			ok, err := path.Match(rule.pattern, file)
			if err != nil || !ok {
				continue
			}
			for _, d := range rule.domains {
				if !seen[d] {
					seen[d] = true
					plan.Domains = append(plan.Domains, d)
				}
			}
			if rule.restart {
				plan.RestartRequired = true
			}
		}
	}

	// Reload order across domains carries no meaning; sort for
	// deterministic output.
	sort.Slice(plan.Domains, func(i, j int) bool { return plan.Domains[i] < plan.Domains[j] })
	return plan
}
