package orchestrator

import (
	"fmt"
	"strings"

	"github.com/aristath/elisa/internal/scheduler"
)

const (
	// FallbackSummary replaces an empty agent summary.
	FallbackSummary = "Agent did not provide a detailed summary for this task."

	summaryWordLimit   = 1000
	cappedSummaryWords = 500
	messageCharLimit   = 500
)

var (
	defaultAllowedPaths    = []string{"src/", "tests/"}
	defaultRestrictedPaths = []string{".elisa/"}
)

// CapSummary truncates text to maxWords words, appending " [truncated]" when
// anything was cut.
func CapSummary(text string, maxWords int) string {
	words := strings.Fields(text)
	if len(words) <= maxWords {
		return text
	}
	return strings.Join(words[:maxWords], " ") + " [truncated]"
}

// resolveSummary normalizes an agent's raw summary: blank becomes the
// fallback, anything over 1000 words is cut to 500.
func resolveSummary(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return FallbackSummary
	}
	if len(strings.Fields(raw)) > summaryWordLimit {
		return CapSummary(raw, cappedSummaryWords)
	}
	return raw
}

// truncateRunes cuts s to at most n characters.
func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// SystemPrompt builds the system prompt for agent working on taskID.
func SystemPrompt(agent *scheduler.Agent, taskID string) string {
	role := scheduler.RoleBuilder
	name, persona := "Agent", ""
	allowed, restricted := defaultAllowedPaths, defaultRestrictedPaths
	if agent != nil {
		name, persona = agent.Name, agent.Persona
		if agent.Role != "" {
			role = agent.Role
		}
		if len(agent.AllowedPaths) > 0 {
			allowed = agent.AllowedPaths
		}
		if len(agent.RestrictedPaths) > 0 {
			restricted = agent.RestrictedPaths
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a %s agent working on a kid's software project in Elisa.\n\n", name, role)
	if persona != "" {
		fmt.Fprintf(&b, "## Your Persona\n%s\n\n", persona)
	}
	fmt.Fprintf(&b, "## Your Role\n%s\n\n", roleDuty(role))
	b.WriteString("## Rules\n")
	fmt.Fprintf(&b, "- Create files ONLY within your allowed paths: %s\n", strings.Join(allowed, ", "))
	fmt.Fprintf(&b, "- Do NOT modify files in restricted paths: %s\n", strings.Join(restricted, ", "))
	b.WriteString("- Keep code simple and readable.\n")
	fmt.Fprintf(&b, "- When you finish, write a 2-3 sentence summary of what you did to %s/%s_summary.md\n", commsDir, taskID)
	return b.String()
}

func roleDuty(role scheduler.AgentRole) string {
	switch role {
	case scheduler.RoleTester:
		return "You are a TESTER. You write and run tests and report what passes and fails."
	case scheduler.RoleReviewer:
		return "You are a REVIEWER. You read the code, point out problems, and suggest improvements."
	case scheduler.RoleCustom:
		return "You follow the persona above to help the team."
	default:
		return "You are a BUILDER. You write code, create files, and implement features."
	}
}

// TaskPrompt builds the user prompt for a task. predecessors are the already
// capped summaries of every transitive dependency; manifest may be empty.
func TaskPrompt(task *scheduler.Task, goal string, predecessors []string, manifest string) string {
	parts := []string{
		fmt.Sprintf("# Task: %s", task.DisplayName()),
		fmt.Sprintf("\n## Description\n%s", task.Description),
	}

	if len(task.AcceptanceCriteria) > 0 {
		parts = append(parts, "\n## Acceptance Criteria")
		for _, c := range task.AcceptanceCriteria {
			parts = append(parts, "- "+c)
		}
	}

	if goal == "" {
		goal = "Not specified"
	}
	parts = append(parts, fmt.Sprintf("\n## Project Context\nGoal: %s", goal))

	if len(predecessors) > 0 {
		parts = append(parts, "\n## WHAT HAPPENED BEFORE YOU", "Previous agents completed these tasks. Use their output as context:")
		for _, s := range predecessors {
			parts = append(parts, "\n---\n"+s)
		}
	}

	if manifest != "" {
		parts = append(parts, "\n## FILES IN WORKSPACE\n"+manifest)
	}

	return strings.Join(parts, "\n")
}

// CustomInstructions renders the kid's agent skills and "always" rules as a
// system prompt section. It is empty when there are none.
func CustomInstructions(skills []Skill, rules []Rule) string {
	var b strings.Builder
	for _, s := range skills {
		if s.Category == SkillCategoryAgent {
			fmt.Fprintf(&b, "\n### Skill: %s\n%s\n", s.Name, s.Prompt)
		}
	}
	for _, r := range rules {
		if r.Trigger == RuleAlways {
			fmt.Fprintf(&b, "\n### Rule: %s\n%s\n", r.Name, r.Prompt)
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return "\n## Kid's Custom Instructions\n" + b.String()
}

// RetryRules renders the "on_test_fail" rules appended to retry prompts.
func RetryRules(rules []Rule) string {
	var b strings.Builder
	for _, r := range rules {
		if r.Trigger == RuleOnTestFail {
			fmt.Fprintf(&b, "\n### %s\n%s\n", r.Name, r.Prompt)
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return "\n\n## Retry Rules (kid's rules)\n" + b.String()
}

// retryPrompt prepends the retry briefing for attempt n (n >= 1).
func retryPrompt(base string, n int, prevSummary string) string {
	if strings.TrimSpace(prevSummary) == "" {
		prevSummary = "(no summary was produced)"
	}
	return fmt.Sprintf(
		"## Retry Attempt %d\n"+
			"Your previous attempt did not succeed. Skip orientation: you already know the workspace, "+
			"go straight to fixing what went wrong.\n\n"+
			"### Previous attempt summary\n%s\n\n%s",
		n, prevSummary, base)
}
