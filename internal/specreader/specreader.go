// Package specreader parses the external, read-only spec directory layout
// (spec.md §6): STATE.md/ROADMAP.md progress markers, phase and plan
// checklists, and the three checkpoint marker families. It never writes to
// the directory and never ascribes meaning to plan content, matching
// spec.md §1's "treated as external collaborators" boundary. Grounded on
// the teacher's internal/parse's regex-table + Result{..., Warnings}
// style.
package specreader

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/sandoak/gsd-orchestration-harness-sub002/internal/waitstate"
)

// Phase is one row of the phases table in ROADMAP.md/STATE.md.
type Phase struct {
	Number int
	Name   string
	Status string
}

// PlanItem is one checklist line under a phase's plan file.
type PlanItem struct {
	Number int
	Text   string
	Done   bool
}

// State is the parsed snapshot of one spec directory (spec.md §6).
type State struct {
	Phase          int
	PhaseTotal     int
	Plan           int
	PlanTotal      int
	Status         string
	ProgressPct    int
	Phases         []Phase
	Plans          []PlanItem
	Warnings       []string
}

var (
	phaseOfRe    = regexp.MustCompile(`(?m)^Phase:\s*(\d+)\s+of\s+(\d+)\s*$`)
	planOfRe     = regexp.MustCompile(`(?m)^Plan:\s*(\d+)\s+of\s+(\d+)\s*$`)
	statusRe     = regexp.MustCompile(`(?m)^Status:\s*(\S+)\s*$`)
	progressRe   = regexp.MustCompile(`(?m)^\[[█░]+\]\s*(\d{1,3})%\s*$`)
	phaseRowRe   = regexp.MustCompile(`(?m)^\|\s*(\d+)\s*\|\s*([^|]+?)\s*\|\s*([^|]+?)\s*\|\s*$`)
	checklistRe  = regexp.MustCompile(`(?m)^-\s*\[( |x|X)\]\s*(.+)$`)
)

// ReadState reads STATE.md and ROADMAP.md (if present) under dir and
// returns the merged snapshot. Missing files are not an error: the parser
// degrades gracefully and records a Warning, matching spec.md's directive
// that plan content is an external, optional collaborator.
func ReadState(dir string) (*State, error) {
	st := &State{Plan: 0}

	statePath := filepath.Join(dir, "STATE.md")
	stateBytes, err := os.ReadFile(statePath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		st.Warnings = append(st.Warnings, "STATE.md not found")
	} else {
		parseProgress(st, string(stateBytes))
	}

	roadmapPath := filepath.Join(dir, "ROADMAP.md")
	roadmapBytes, err := os.ReadFile(roadmapPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		st.Warnings = append(st.Warnings, "ROADMAP.md not found")
	} else {
		st.Phases = parsePhasesTable(string(roadmapBytes))
	}

	return st, nil
}

func parseProgress(st *State, content string) {
	if m := phaseOfRe.FindStringSubmatch(content); m != nil {
		st.Phase, _ = strconv.Atoi(m[1])
		st.PhaseTotal, _ = strconv.Atoi(m[2])
	}
	if m := planOfRe.FindStringSubmatch(content); m != nil {
		st.Plan, _ = strconv.Atoi(m[1])
		st.PlanTotal, _ = strconv.Atoi(m[2])
	}
	if m := statusRe.FindStringSubmatch(content); m != nil {
		st.Status = m[1]
	}
	if m := progressRe.FindStringSubmatch(content); m != nil {
		st.ProgressPct, _ = strconv.Atoi(m[1])
	}
}

func parsePhasesTable(content string) []Phase {
	var out []Phase
	for _, m := range phaseRowRe.FindAllStringSubmatch(content, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		out = append(out, Phase{Number: n, Name: strings.TrimSpace(m[2]), Status: strings.TrimSpace(m[3])})
	}
	return out
}

// ReadPlan reads a plan markdown file's checklist lines.
func ReadPlan(path string) ([]PlanItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var items []PlanItem
	for i, m := range checklistRe.FindAllStringSubmatch(string(data), -1) {
		items = append(items, PlanItem{
			Number: i + 1,
			Text:   strings.TrimSpace(m[2]),
			Done:   m[1] == "x" || m[1] == "X",
		})
	}
	return items, nil
}

// PlanComplete reports whether every checklist item in items is checked,
// the signal a SUMMARY.md sibling's presence is meant to corroborate.
func PlanComplete(items []PlanItem) bool {
	if len(items) == 0 {
		return false
	}
	for _, it := range items {
		if !it.Done {
			return false
		}
	}
	return true
}

// ReadCheckpoints scans a plan file for embedded checkpoint blocks
// (checkpoint:human-verify, checkpoint:decision, checkpoint:human-action),
// the same three marker families C3 watches for in live output.
func ReadCheckpoints(path string) ([]waitstate.CheckpointRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return waitstate.FindCheckpoints(string(data)), nil
}

// HasSummary reports whether plan's SUMMARY.md sibling exists, the
// secondary completion signal spec.md §6 names alongside the checklist.
func HasSummary(planPath string) bool {
	dir := filepath.Dir(planPath)
	base := strings.TrimSuffix(filepath.Base(planPath), filepath.Ext(planPath))
	_, err := os.Stat(filepath.Join(dir, base+".SUMMARY.md"))
	return err == nil
}
