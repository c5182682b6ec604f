package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/artpar/shipyard/internal/core/domain"
)

// =============================================================================
// Styles
// =============================================================================

var (
	accentColor  = lipgloss.AdaptiveColor{Light: "#c2410c", Dark: "#f97316"}
	successColor = lipgloss.AdaptiveColor{Light: "#15803d", Dark: "#22c55e"}
	warningColor = lipgloss.AdaptiveColor{Light: "#a16207", Dark: "#eab308"}
	errorColor   = lipgloss.AdaptiveColor{Light: "#b91c1c", Dark: "#ef4444"}
	dimColor     = lipgloss.AdaptiveColor{Light: "#64748b", Dark: "#5a5a70"}

	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(accentColor)
	stageStyle   = lipgloss.NewStyle().Bold(true).Width(22)
	dimStyle     = lipgloss.NewStyle().Foreground(dimColor)
	successStyle = lipgloss.NewStyle().Bold(true).Foreground(successColor)
	warningStyle = lipgloss.NewStyle().Foreground(warningColor)
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(errorColor)
	keyStyle     = lipgloss.NewStyle().Foreground(dimColor).Width(16)
	boxStyle     = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(accentColor).
			Padding(0, 1)
)

const barWidth = 24

// progressBar renders percent as a fixed-width bar.
func progressBar(percent int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := percent * barWidth / 100
	bar := lipgloss.NewStyle().Foreground(accentColor).Render(strings.Repeat("█", filled)) +
		dimStyle.Render(strings.Repeat("░", barWidth-filled))
	return fmt.Sprintf("%s %3d%%", bar, percent)
}

// =============================================================================
// Rendering
// =============================================================================

// renderEvent formats one progress event as a single line.
func renderEvent(ev domain.ProgressEvent) string {
	label := "pipeline"
	if ev.Stage != nil {
		label = ev.Stage.Label()
	}
	msg := ev.Message
	switch ev.Level {
	case domain.LevelWarning:
		msg = warningStyle.Render("! " + msg)
	case domain.LevelError:
		msg = errorStyle.Render("✗ " + msg)
	}
	return fmt.Sprintf("%s %s %s", progressBar(ev.Percent), stageStyle.Render(label), msg)
}

func renderRows(rows [][2]string) string {
	var b strings.Builder
	for i, row := range rows {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(keyStyle.Render(row[0]))
		b.WriteString(" ")
		b.WriteString(row[1])
	}
	return boxStyle.Render(b.String())
}

// renderResult formats the summary of a finished run.
func renderResult(res domain.RunResult) string {
	var b strings.Builder
	status := successStyle.Render("deployed")
	switch res.Status {
	case domain.RunFailed:
		status = errorStyle.Render("failed")
	case domain.RunCancelled:
		status = warningStyle.Render("cancelled")
	}

	rows := [][2]string{
		{"run", res.RunID},
		{"status", status},
		{"duration", res.Duration.Round(time.Millisecond).String()},
	}
	if res.URL != "" {
		rows = append(rows, [2]string{"url", titleStyle.Render(res.URL)})
	}
	if res.ImageRef != "" {
		rows = append(rows, [2]string{"image", res.ImageRef})
	}
	if res.Region != "" {
		rows = append(rows, [2]string{"region", res.Region})
	}
	b.WriteString(renderRows(rows))

	if len(res.Stages) > 0 {
		b.WriteString("\n")
		for _, st := range res.Stages {
			line := fmt.Sprintf("  %s %-10s %s", stageStyle.Render(st.Stage.Label()), st.Status, dimStyle.Render(st.Duration.Round(time.Millisecond).String()))
			if st.Attempts > 1 {
				line += dimStyle.Render(fmt.Sprintf(" (%d attempts)", st.Attempts))
			}
			b.WriteString("\n" + line)
		}
	}
	for _, w := range res.Warnings {
		b.WriteString("\n" + warningStyle.Render("! "+w))
	}
	return b.String()
}

// renderReport formats an analysis report for humans.
func renderReport(rep domain.AnalysisReport) string {
	f := rep.Facts
	rows := [][2]string{
		{"language", f.Language},
		{"framework", orNone(f.Framework)},
		{"entry point", orNone(f.EntryPoint)},
		{"port", fmt.Sprint(rep.Spec.Port)},
		{"database", orNone(f.Database)},
		{"template", rep.Spec.Template},
		{"files", fmt.Sprintf("%d (%d bytes)", rep.Source.FileCount, rep.Source.SizeBytes)},
	}
	if len(f.EnvVars) > 0 {
		rows = append(rows, [2]string{"env vars", strings.Join(f.EnvVars, ", ")})
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("Analysis") + "\n")
	b.WriteString(renderRows(rows))
	b.WriteString("\n\n" + titleStyle.Render("Dockerfile") + "\n")
	b.WriteString(dimStyle.Render(strings.TrimRight(rep.Spec.Dockerfile, "\n")))
	if len(rep.Findings) > 0 {
		b.WriteString("\n\n" + titleStyle.Render("Security") + "\n")
		for _, fd := range rep.Findings {
			b.WriteString(warningStyle.Render(fmt.Sprintf("! [%s] %s: %s", fd.Severity, fd.Check, fd.Message)) + "\n")
		}
	}
	for _, w := range f.Warnings {
		b.WriteString("\n" + warningStyle.Render("! "+w))
	}
	return b.String()
}

func orNone(s string) string {
	if s == "" {
		return dimStyle.Render("none")
	}
	return s
}

// =============================================================================
// Machine Output
// =============================================================================

// Output formats accepted by --output.
const (
	OutputText = "text"
	OutputJSON = "json"
	OutputYAML = "yaml"
)

// writeStructured writes v as JSON or YAML. YAML keys follow the JSON field
// names.
func writeStructured(w io.Writer, format string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if format == OutputJSON {
		_, err = fmt.Fprintln(w, string(data))
		return err
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}
