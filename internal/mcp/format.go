package mcp

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/gateway-fm/migrationplanner/pkg/types"
)

// formatNumber adds comma separators to integers.
func formatNumber(n any) string {
	var s string
	switch v := n.(type) {
	case float64:
		if v != float64(int64(v)) {
			return fmt.Sprintf("%.1f", v)
		}
		s = fmt.Sprintf("%d", int64(v))
	case int:
		s = fmt.Sprintf("%d", v)
	case uint64:
		s = fmt.Sprintf("%d", v)
	default:
		return fmt.Sprintf("%v", n)
	}

	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	if len(s) <= 3 {
		if neg {
			return "-" + s
		}
		return s
	}

	var result strings.Builder
	if neg {
		result.WriteByte('-')
	}
	start := len(s) % 3
	if start > 0 {
		result.WriteString(s[:start])
	}
	for i := start; i < len(s); i += 3 {
		if i > 0 {
			result.WriteByte(',')
		}
		result.WriteString(s[i : i+3])
	}
	return result.String()
}

// kv formats a key-value pair with aligned values (20 char key width).
func kv(key string, value any) string {
	return fmt.Sprintf("%-20s %v", key+":", value)
}

// section returns a markdown section header.
func section(title string) string {
	return "## " + title
}

// joinLines joins non-empty lines with newlines.
func joinLines(lines ...string) string {
	var result []string
	for _, l := range lines {
		if l != "" {
			result = append(result, l)
		}
	}
	return strings.Join(result, "\n")
}

// formatMs formats milliseconds with a "ms" suffix.
func formatMs(v int64) string {
	return fmt.Sprintf("%dms", v)
}

func orNone(items []string) string {
	if len(items) == 0 {
		return "(none)"
	}
	return strings.Join(items, ", ")
}

func formatHealth(raw json.RawMessage) string {
	var m struct {
		Ready  bool `json:"ready"`
		Checks []struct {
			Name      string `json:"name"`
			Status    string `json:"status"`
			LatencyMs int64  `json:"latency_ms"`
			Error     string `json:"error"`
		} `json:"checks"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing health: %v", err)
	}

	state := "READY"
	if !m.Ready {
		state = "NOT READY"
	}
	lines := []string{section("Planner Health: " + state)}
	for _, c := range m.Checks {
		value := fmt.Sprintf("%s (%s)", c.Status, formatMs(c.LatencyMs))
		if c.Error != "" {
			value += " " + c.Error
		}
		lines = append(lines, kv(c.Name, value))
	}
	return joinLines(lines...)
}

func formatConfig(raw json.RawMessage) string {
	var req types.PlanRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return fmt.Sprintf("Error parsing config: %v", err)
	}
	contract := req.Contract
	if contract == "" {
		contract = "(only deployable contract)"
	}
	address := req.Address
	if address == "" {
		address = "(none, no usage history)"
	}
	gasLimit := "latest block"
	if req.GasLimit > 0 {
		gasLimit = formatNumber(req.GasLimit)
	}
	return joinLines(
		section("Plan Defaults"),
		kv("Contract", contract),
		kv("Address", address),
		kv("Gas Per Slot", formatNumber(req.GasPerSlot)),
		kv("Gas Limit", gasLimit),
		kv("History Window", fmt.Sprintf("%s blocks", formatNumber(req.HistoryWindowBlocks))),
		kv("Max Transactions", formatNumber(req.MaxTransactions)),
	)
}

func formatPlan(raw json.RawMessage) string {
	var p types.PlanArtifact
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Sprintf("Error parsing plan: %v", err)
	}

	title := "Plan " + p.ID
	if p.CustomName != nil && *p.CustomName != "" {
		title += " (" + *p.CustomName + ")"
	}
	errLine := ""
	if p.Error != "" {
		errLine = kv("Error", p.Error)
	}
	out := joinLines(
		section(title),
		kv("Status", p.Status),
		errLine,
		kv("Contract", p.Contract),
		kv("Created", p.CreatedAt.Format(time.RFC3339)),
		kv("Duration", formatMs(p.DurationMs)),
		kv("Block", formatNumber(p.BlockNumber)),
		kv("Gas Limit", formatNumber(p.GasLimit)),
		kv("Gas Per Slot", formatNumber(p.GasPerSlot)),
		kv("Slots Per Batch", formatNumber(p.BatchCapacity)),
		kv("Functions", formatNumber(p.FunctionCount)),
		kv("Variables", formatNumber(p.VariableCount)),
	)
	if p.Address != "" {
		out += "\n" + joinLines(
			kv("Address", p.Address),
			kv("History", fmt.Sprintf("blocks %d-%d, %d calls", p.HistoryFrom, p.HistoryTo, p.TxSampled)),
		)
	}
	if p.Status == types.PlanStatusFailed {
		return out
	}

	if len(p.Priority) > 0 {
		lines := []string{section("Usage Priority")}
		for i, e := range p.Priority {
			lines = append(lines, fmt.Sprintf("%d. %s %s score=%d", i+1, e.Function, e.Selector, e.Score))
		}
		out += "\n\n" + joinLines(lines...)
	}

	if len(p.Dependencies) > 0 {
		names := make([]string, 0, len(p.Dependencies))
		for fn := range p.Dependencies {
			names = append(names, fn)
		}
		slices.Sort(names)
		lines := []string{section("Dependencies")}
		for _, fn := range names {
			lines = append(lines, kv(fn, orNone(p.Dependencies[fn])))
		}
		out += "\n\n" + joinLines(lines...)
	}

	out += "\n\n" + batchLines(p.Batches)

	if len(p.Advisories) > 0 {
		lines := []string{section("Advisories")}
		for _, a := range p.Advisories {
			lines = append(lines, fmt.Sprintf("- [%s] %s: %s", a.Kind, a.Subject, a.Message))
		}
		out += "\n\n" + joinLines(lines...)
	}
	return out
}

func batchLines(batches []types.BatchArtifact) string {
	lines := []string{section(fmt.Sprintf("Batches (%d)", len(batches)))}
	for _, b := range batches {
		lines = append(lines, fmt.Sprintf("%d. write %s; activate %s", b.Index, orNone(b.Slots), orNone(b.Activate)))
	}
	return joinLines(lines...)
}

func formatBatches(raw json.RawMessage) string {
	var m struct {
		PlanID  string                `json:"planId"`
		Batches []types.BatchArtifact `json:"batches"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing batches: %v", err)
	}
	return joinLines(kv("Plan", m.PlanID), batchLines(m.Batches))
}

func summaryLine(s types.PlanSummary) string {
	name := s.Contract
	if s.CustomName != nil && *s.CustomName != "" {
		name = *s.CustomName
	}
	star := ""
	if s.IsFavorite {
		star = " *"
	}
	line := fmt.Sprintf("- %s%s [%s] %s: %d batches, %d functions, %d variables",
		s.ID, star, s.Status, name, s.BatchCount, s.FunctionCount, s.VariableCount)
	if s.Error != "" {
		line += " (" + s.Error + ")"
	}
	return line
}

func formatPlanList(raw json.RawMessage) string {
	var page struct {
		Plans  []types.PlanSummary `json:"plans"`
		Total  int                 `json:"total"`
		Offset int                 `json:"offset"`
	}
	if err := json.Unmarshal(raw, &page); err != nil {
		return fmt.Sprintf("Error parsing plans: %v", err)
	}
	if len(page.Plans) == 0 {
		return "No plans stored."
	}

	lines := []string{
		section("Plans"),
		fmt.Sprintf("Showing %d-%d of %d", page.Offset+1, page.Offset+len(page.Plans), page.Total),
	}
	for _, s := range page.Plans {
		lines = append(lines, summaryLine(s))
	}
	return joinLines(lines...)
}

func formatSummary(raw json.RawMessage) string {
	var s types.PlanSummary
	if err := json.Unmarshal(raw, &s); err != nil {
		return fmt.Sprintf("Error parsing plan: %v", err)
	}
	return joinLines(section("Plan Updated"), summaryLine(s))
}
