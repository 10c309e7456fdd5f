package planner

import (
	"fmt"
	"strings"

	"github.com/snowmanjy/ai2qa/api/schemas"
)

var actionVocabulary = []schemas.ActionType{
	schemas.ActionNavigate,
	schemas.ActionClick,
	schemas.ActionTypeText,
	schemas.ActionWait,
	schemas.ActionScreenshot,
	schemas.ActionMeasurePerformance,
	schemas.ActionScroll,
	schemas.ActionHover,
	schemas.ActionPressKey,
	schemas.ActionSelect,
}

func actionList() string {
	names := make([]string, len(actionVocabulary))
	for i, a := range actionVocabulary {
		names[i] = string(a)
	}
	return strings.Join(names, ", ")
}

const stepFormat = `Respond with JSON only, in this shape:
{"steps": [{"action": "<action>", "target": "<human description of the element or URL>", "selector": "<optional CSS selector>", "value": "<text for type/select>", "params": {"ms": "<wait milliseconds>", "key": "<key for press_key>", "direction": "<up|down for scroll>"}}]}`

func planSystemPrompt(persona schemas.Persona) string {
	return fmt.Sprintf(`%s
You turn a testing goal for a web application into a short, ordered list of browser steps.
Allowed actions: %s.
Describe targets the way a user sees them (visible text, label, role). Only give a selector when you are sure of it.
Keep plans under 15 steps and do not invent pages you have not been told about.
%s`, persona.Brief(), actionList(), stepFormat)
}

func goalPrompt(goal string, pc PlanContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Application URL: %s\n", pc.TargetURL)
	fmt.Fprintf(&b, "Goal: %s\n", goal)
	if pc.Snapshot != nil && !pc.Snapshot.IsEmpty() {
		fmt.Fprintf(&b, "\nCurrent page (%s, %q):\n%s\n", pc.Snapshot.URL, pc.Snapshot.Title, pc.Snapshot.Excerpt(snapshotBudget))
	}
	b.WriteString("\nPlan the steps for this goal.")
	return b.String()
}

func repairSystemPrompt(persona schemas.Persona) string {
	return fmt.Sprintf(`%s
A browser step failed during an automated test. Propose the few steps that must run before retrying it,
for example closing a dialog, scrolling the element into view or waiting for content to load.
Do not repeat the failed step itself; it is retried automatically after your steps.
Allowed actions: %s.
%s`, persona.Brief(), actionList(), stepFormat)
}

func repairPrompt(failed schemas.ActionStep, errMsg string, snapshot *schemas.DomSnapshot, pc PlanContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Application URL: %s\n", pc.TargetURL)
	fmt.Fprintf(&b, "Failed step: %s\n", failed)
	if failed.HasSelector() {
		fmt.Fprintf(&b, "Selector used: %s\n", failed.Selector)
	}
	fmt.Fprintf(&b, "Error: %s\n", errMsg)
	if snapshot != nil && !snapshot.IsEmpty() {
		fmt.Fprintf(&b, "\nPage at failure (%s):\n%s\n", snapshot.URL, snapshot.Excerpt(snapshotBudget))
	}
	b.WriteString("\nPropose the repair steps.")
	return b.String()
}

var selectorSystemPrompt = fmt.Sprintf(`You locate elements on a web page for browser automation.
Given an element description and the page content, answer with a single CSS selector that uniquely matches it.
Prefer ids, name attributes, aria-label and data-testid attributes over positional selectors.
Answer with the selector only, no explanation. If nothing matches, answer %s.`, selectorNotFound)

func selectorPrompt(description string, snapshot *schemas.DomSnapshot) string {
	content := ""
	if snapshot != nil {
		content = snapshot.Excerpt(snapshotBudget)
	}
	return fmt.Sprintf("Element: %s\n\nPage content:\n%s", description, content)
}

const summarySystemPrompt = `You write the closing report of an automated browser test run for a QA team.
Summarise in plain prose what was tested, what passed, what failed or was skipped and the likely cause of failures.
Mention notable console errors, failed network requests and accessibility issues when they are listed.
Keep it under 250 words.`
