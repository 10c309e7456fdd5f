package planner

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/snowmanjy/ai2qa/api/schemas"
	"github.com/snowmanjy/ai2qa/internal/llmclient"
	"github.com/snowmanjy/ai2qa/internal/resilience"
	"github.com/snowmanjy/ai2qa/internal/testrun"
)

// SummaryInput is the finished run as the summary sees it.
type SummaryInput struct {
	TargetURL     string
	Goals         []string
	Persona       schemas.Persona
	Status        testrun.RunStatus
	FailureReason string
	Progress      testrun.Progress
	History       []schemas.ExecutedStep
}

// SummaryInputFrom reads a SummaryInput off run.
func SummaryInputFrom(run *testrun.TestRun) SummaryInput {
	return SummaryInput{
		TargetURL:     run.TargetURL(),
		Goals:         run.Goals(),
		Persona:       run.Persona(),
		Status:        run.Status(),
		FailureReason: run.FailureReason(),
		Progress:      run.Progress(),
		History:       run.History(),
	}
}

// maxSignalLines bounds the side-channel lines listed per kind.
const maxSignalLines = 20

// Summarize never fails: an open circuit or a failed call yields FallbackSummary.
func (p *Planner) Summarize(ctx context.Context, in SummaryInput) string {
	out, degraded := p.llm.GenerateOrFallback(ctx, p.breaker, resilience.ClassSummary,
		llmclient.GenerationRequest{
			SystemPrompt: summarySystemPrompt,
			UserPrompt:   summaryPrompt(in),
		},
		func(err error) string { return FallbackSummary(in, err) })
	out = strings.TrimSpace(out)
	if out == "" {
		return FallbackSummary(in, nil)
	}
	if degraded {
		p.logger.Info("Summary generated from fallback", zap.String("status", string(in.Status)))
	}
	return out
}

func summaryPrompt(in SummaryInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Application URL: %s\nPersona: %s\nGoals:\n", in.TargetURL, in.Persona)
	for _, g := range in.Goals {
		fmt.Fprintf(&b, "- %s\n", g)
	}
	fmt.Fprintf(&b, "\nFinal status: %s (%s)\n", in.Status, in.Progress)
	if in.FailureReason != "" {
		fmt.Fprintf(&b, "Failure reason: %s\n", in.FailureReason)
	}

	b.WriteString("\nSteps:\n")
	var network, console, a11y []string
	for i, e := range in.History {
		fmt.Fprintf(&b, "%d. [%s] %s", i+1, e.Status, e.Step)
		if e.ErrorMessage != "" {
			fmt.Fprintf(&b, " error=%q", e.ErrorMessage)
		}
		if e.RetryCount > 0 {
			fmt.Fprintf(&b, " retries=%d", e.RetryCount)
		}
		b.WriteByte('\n')

		for _, n := range e.Signals.Network {
			network = append(network, fmt.Sprintf("%s %s -> %d %s", n.Method, n.URL, n.Status, n.Failure))
		}
		for _, c := range e.Signals.Console {
			console = append(console, fmt.Sprintf("[%s] %s", c.Level, c.Text))
		}
		for _, a := range e.Signals.Accessibility {
			a11y = append(a11y, fmt.Sprintf("%s: %s (%s)", a.Rule, a.Message, a.Element))
		}
	}
	writeSection(&b, "Failed network requests", network)
	writeSection(&b, "Console errors", console)
	writeSection(&b, "Accessibility issues", a11y)
	return b.String()
}

func writeSection(b *strings.Builder, title string, lines []string) {
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s:\n", title)
	for i, l := range lines {
		if i == maxSignalLines {
			fmt.Fprintf(b, "... and %d more\n", len(lines)-maxSignalLines)
			break
		}
		fmt.Fprintf(b, "- %s\n", l)
	}
}
