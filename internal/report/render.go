// Package report renders run reports and publishes them to their sinks.
package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/muesli/termenv"

	"devicecheck/internal/orchestrator"
	"devicecheck/internal/runner"
)

type styles struct {
	title  lipgloss.Style
	header lipgloss.Style
	cell   lipgloss.Style
	pass   lipgloss.Style
	fail   lipgloss.Style
	skip   lipgloss.Style
	border lipgloss.Style
}

func newStyles(w io.Writer, noColor bool) styles {
	r := lipgloss.NewRenderer(w)
	if noColor {
		r.SetColorProfile(termenv.Ascii)
	}
	return styles{
		title:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("63")),
		header: r.NewStyle().Bold(true).Padding(0, 1),
		cell:   r.NewStyle().Padding(0, 1),
		pass:   r.NewStyle().Padding(0, 1).Foreground(lipgloss.Color("46")),
		fail:   r.NewStyle().Padding(0, 1).Foreground(lipgloss.Color("196")).Bold(true),
		skip:   r.NewStyle().Padding(0, 1).Foreground(lipgloss.Color("241")),
		border: r.NewStyle().Foreground(lipgloss.Color("240")),
	}
}

func (s styles) status(st runner.Status) lipgloss.Style {
	switch st {
	case runner.Passed:
		return s.pass
	case runner.Skipped:
		return s.skip
	default:
		return s.fail
	}
}

// Render writes the report as a table followed by the verdict.
func Render(w io.Writer, r *orchestrator.Report, noColor bool) error {
	st := newStyles(w, noColor)

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(st.border).
		Headers("SCENARIO", "STATUS", "EXIT", "DURATION", "DETAIL")

	t.Row("(readiness)", string(r.Readiness.Status), "", roundDuration(r.Readiness.Duration), r.Readiness.Error)
	t.Row("(interfaces)", string(r.Interfaces.Status), "", roundDuration(r.Interfaces.Duration), interfacesDetail(r))
	for _, res := range r.Results {
		t.Row(res.Scenario, string(res.Status), exitCode(res), roundDuration(res.Duration), res.Error)
	}

	phaseRows := 2
	t.StyleFunc(func(row, col int) lipgloss.Style {
		if row == table.HeaderRow {
			return st.header
		}
		if col != 1 {
			return st.cell
		}
		if row < phaseRows {
			var ph orchestrator.PhaseOutcome
			if row == 0 {
				ph = r.Readiness
			} else {
				ph = r.Interfaces
			}
			switch ph.Status {
			case orchestrator.PhaseOK:
				return st.pass
			case orchestrator.PhaseFailed:
				return st.fail
			default:
				return st.skip
			}
		}
		return st.status(r.Results[row-phaseRows].Status)
	})

	verdict := st.pass
	if !r.Passed {
		verdict = st.fail
	}
	_, err := fmt.Fprintf(w, "%s\n%s\n%s\n",
		st.title.Render(fmt.Sprintf("Run %s (realm %s)", r.RunID, r.Realm)),
		t.String(),
		verdict.UnsetPadding().Render(r.Summary()))
	return err
}

func exitCode(res runner.RunResult) string {
	if res.ExitCode < 0 {
		return "-"
	}
	return fmt.Sprint(res.ExitCode)
}

func roundDuration(d time.Duration) string {
	if d == 0 {
		return "-"
	}
	return d.Round(10 * time.Millisecond).String()
}

func interfacesDetail(r *orchestrator.Report) string {
	if r.Interfaces.Error != "" {
		return r.Interfaces.Error
	}
	if r.Interfaces.Status != orchestrator.PhaseOK {
		return ""
	}
	return fmt.Sprintf("%d created, %d updated, %d unchanged",
		len(r.Installed.Created), len(r.Installed.Updated), len(r.Installed.Unchanged))
}

// Markdown formats the report for CI step summaries and chat.
func Markdown(r *orchestrator.Report) string {
	var b strings.Builder
	icon := ":white_check_mark:"
	if !r.Passed {
		icon = ":x:"
	}
	fmt.Fprintf(&b, "## %s devicecheck %s\n\n", icon, r.RunID)
	fmt.Fprintf(&b, "Realm `%s`, %s. **%s**\n\n", r.Realm, roundDuration(r.Duration), r.Summary())
	b.WriteString("| Scenario | Status | Exit | Duration |\n|---|---|---|---|\n")
	fmt.Fprintf(&b, "| readiness | %s | | %s |\n", r.Readiness.Status, roundDuration(r.Readiness.Duration))
	fmt.Fprintf(&b, "| interfaces | %s | | %s |\n", r.Interfaces.Status, roundDuration(r.Interfaces.Duration))
	for _, res := range r.Results {
		fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", res.Scenario, res.Status, exitCode(res), roundDuration(res.Duration))
	}

	var details []string
	if r.Readiness.Error != "" {
		details = append(details, fmt.Sprintf("- **readiness**: %s", r.Readiness.Error))
	}
	if r.Interfaces.Error != "" {
		details = append(details, fmt.Sprintf("- **interfaces**: %s", r.Interfaces.Error))
	}
	for _, res := range r.Results {
		if res.Error != "" {
			details = append(details, fmt.Sprintf("- **%s**: %s", res.Scenario, res.Error))
		}
	}
	if len(details) > 0 {
		b.WriteString("\n### Failures\n\n")
		b.WriteString(strings.Join(details, "\n"))
		b.WriteString("\n")
	}
	return b.String()
}

// RenderMarkdown renders md for a terminal. style is a glamour standard style
// name such as "dark", "light" or "notty".
func RenderMarkdown(md, style string, width int) (string, error) {
	if style == "" {
		style = "dark"
	}
	opts := []glamour.TermRendererOption{glamour.WithStandardStyle(style), glamour.WithEmoji()}
	if width > 0 {
		opts = append(opts, glamour.WithWordWrap(width))
	}
	tr, err := glamour.NewTermRenderer(opts...)
	if err != nil {
		return "", err
	}
	return tr.Render(md)
}
