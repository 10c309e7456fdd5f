package reflector

import "strings"

// Matcher is one case-insensitive heuristic: the text must contain every phrase
// in All and, when Any is set, at least one phrase in Any.
type Matcher struct {
	Name string
	All  []string
	Any  []string
}

// Match reports whether text satisfies the matcher.
func (m Matcher) Match(text string) bool {
	if len(m.All) == 0 && len(m.Any) == 0 {
		return false
	}
	lower := strings.ToLower(text)
	for _, p := range m.All {
		if !strings.Contains(lower, p) {
			return false
		}
	}
	if len(m.Any) == 0 {
		return true
	}
	for _, p := range m.Any {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// MatchAny returns the first matcher in table that matches text.
func MatchAny(table []Matcher, text string) (Matcher, bool) {
	for _, m := range table {
		if m.Match(text) {
			return m, true
		}
	}
	return Matcher{}, false
}

func phrase(p string) Matcher { return Matcher{Name: p, All: []string{p}} }

// ElementNotFoundPatterns recognise executor errors for a missing element.
var ElementNotFoundPatterns = []Matcher{
	phrase("element not found"),
	phrase("no such element"),
	phrase("no element found"),
}

// TimeoutPatterns recognise executor errors for an action that ran out of time.
var TimeoutPatterns = []Matcher{
	phrase("timeout"),
	phrase("timed out"),
	phrase("deadline exceeded"),
}

// DismissiblePatterns recognise targets that are optional page furniture:
// banners and overlays that may already be gone when the step runs.
var DismissiblePatterns = []Matcher{
	phrase("cookie"),
	phrase("consent"),
	phrase("privacy"),
	phrase("gdpr"),
	phrase("newsletter"),
	phrase("subscribe"),
	phrase("chat widget"),
	phrase("chat-widget"),
	phrase("live chat"),
	phrase("legal"),
	phrase("ad feedback"),
	phrase("ad-feedback"),
	phrase("dismiss"),
	{Name: "close control", All: []string{"close"}, Any: []string{"button", "btn", "icon", "dialog", "modal", "popup", "overlay", "banner", " x", "×"}},
}

// ErrorClass groups executor error strings.
type ErrorClass string

const (
	ErrorElementNotFound ErrorClass = "ELEMENT_NOT_FOUND"
	ErrorTimeout         ErrorClass = "TIMEOUT"
	ErrorOther           ErrorClass = "OTHER"
)

// ClassifyError maps an executor error string onto an ErrorClass.
func ClassifyError(errMsg string) ErrorClass {
	if _, ok := MatchAny(ElementNotFoundPatterns, errMsg); ok {
		return ErrorElementNotFound
	}
	if _, ok := MatchAny(TimeoutPatterns, errMsg); ok {
		return ErrorTimeout
	}
	return ErrorOther
}

// IsDismissible reports whether a step target names optional UI.
func IsDismissible(target string) bool {
	_, ok := MatchAny(DismissiblePatterns, target)
	return ok
}
