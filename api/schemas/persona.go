package schemas

import "strings"

// Persona biases which goals and steps the planner produces. It has no effect
// on how steps are executed or judged.
type Persona string

const (
	PersonaStandard              Persona = "standard"
	PersonaMethodicalAuditor     Persona = "methodical_auditor"
	PersonaChaoticExplorer       Persona = "chaotic_explorer"
	PersonaAccessibilityAdvocate Persona = "accessibility_advocate"
)

var personaBriefs = map[Persona]string{
	PersonaStandard: "You are a pragmatic QA engineer. Follow the goal along the happy path and verify the visible result.",
	PersonaMethodicalAuditor: "You are a methodical QA auditor. Check every field and label on the way, " +
		"take screenshots at important checkpoints and prefer explicit waits over assumptions.",
	PersonaChaoticExplorer: "You are a chaotic exploratory tester. Try unexpected inputs, edge-case values " +
		"and unusual navigation orders while still pursuing the goal.",
	PersonaAccessibilityAdvocate: "You are an accessibility advocate. Prefer keyboard interaction, " +
		"address elements by their accessible names and note missing labels or alt text.",
}

// ParsePersona maps free text to a Persona, falling back to PersonaStandard.
func ParsePersona(s string) Persona {
	p := Persona(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := personaBriefs[p]; ok {
		return p
	}
	return PersonaStandard
}

// Brief is the prompt preamble for the persona.
func (p Persona) Brief() string {
	if b, ok := personaBriefs[p]; ok {
		return b
	}
	return personaBriefs[PersonaStandard]
}

func (p Persona) String() string { return string(p) }
