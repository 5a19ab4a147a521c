package specreader

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReadStateParsesProgressMarkers(t *testing.T) {
	dir := t.TempDir()
	state := "Phase: 3 of 6\nPlan: 2 of 4\nStatus: in_progress\n[███░░] 55%\n"
	if err := os.WriteFile(filepath.Join(dir, "STATE.md"), []byte(state), 0o644); err != nil {
		t.Fatalf("write STATE.md: %v", err)
	}

	st, err := ReadState(dir)
	if err != nil {
		t.Fatalf("ReadState: %v", err)
	}
	if st.Phase != 3 || st.PhaseTotal != 6 {
		t.Fatalf("phase = %d of %d, want 3 of 6", st.Phase, st.PhaseTotal)
	}
	if st.Plan != 2 || st.PlanTotal != 4 {
		t.Fatalf("plan = %d of %d, want 2 of 4", st.Plan, st.PlanTotal)
	}
	if st.Status != "in_progress" {
		t.Fatalf("status = %q", st.Status)
	}
	if st.ProgressPct != 55 {
		t.Fatalf("progress = %d, want 55", st.ProgressPct)
	}
}

func TestReadStateMissingFilesWarnsNotErrors(t *testing.T) {
	dir := t.TempDir()
	st, err := ReadState(dir)
	if err != nil {
		t.Fatalf("ReadState: %v", err)
	}
	if len(st.Warnings) != 2 {
		t.Fatalf("warnings = %v, want 2", st.Warnings)
	}
}

func TestReadPlanChecklist(t *testing.T) {
	dir := t.TempDir()
	plan := "# Plan\n\n- [x] write the parser\n- [ ] write the tests\n- [X] wire it in\n"
	path := filepath.Join(dir, "plan.md")
	if err := os.WriteFile(path, []byte(plan), 0o644); err != nil {
		t.Fatalf("write plan: %v", err)
	}

	items, err := ReadPlan(path)
	if err != nil {
		t.Fatalf("ReadPlan: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("items = %d, want 3", len(items))
	}
	if PlanComplete(items) {
		t.Fatal("expected plan incomplete")
	}
	if !items[0].Done || items[1].Done || !items[2].Done {
		t.Fatalf("unexpected done flags: %+v", items)
	}
}

func TestPlanCompleteRequiresAllChecked(t *testing.T) {
	items := []PlanItem{{Done: true}, {Done: true}}
	if !PlanComplete(items) {
		t.Fatal("expected complete")
	}
	if PlanComplete(nil) {
		t.Fatal("empty checklist should not count as complete")
	}
}

func TestHasSummarySibling(t *testing.T) {
	dir := t.TempDir()
	planPath := filepath.Join(dir, "3-2-plan.md")
	if err := os.WriteFile(planPath, []byte("# plan"), 0o644); err != nil {
		t.Fatalf("write plan: %v", err)
	}
	if HasSummary(planPath) {
		t.Fatal("expected no summary yet")
	}
	summaryPath := filepath.Join(dir, "3-2-plan.SUMMARY.md")
	if err := os.WriteFile(summaryPath, []byte("done"), 0o644); err != nil {
		t.Fatalf("write summary: %v", err)
	}
	if !HasSummary(planPath) {
		t.Fatal("expected summary to be found")
	}
}

func TestReadCheckpointsFindsAllMarkerFamilies(t *testing.T) {
	dir := t.TempDir()
	content := "checkpoint:human-verify\nWhat's Built: the parser\nHow to Verify: run the tests\n\ncheckpoint:decision\n1) option one\n2) option two\n\ncheckpoint:human-action\nAction: rotate the key\n"
	path := filepath.Join(dir, "plan.md")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write plan: %v", err)
	}

	recs, err := ReadCheckpoints(path)
	if err != nil {
		t.Fatalf("ReadCheckpoints: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("records = %d, want 3", len(recs))
	}
	if recs[0].WhatBuilt != "the parser" {
		t.Fatalf("whatBuilt = %q", recs[0].WhatBuilt)
	}
	if len(recs[1].Options) != 2 {
		t.Fatalf("options = %v", recs[1].Options)
	}
	if recs[2].Action != "rotate the key" {
		t.Fatalf("action = %q", recs[2].Action)
	}
}

func TestParsePhasesTable(t *testing.T) {
	dir := t.TempDir()
	roadmap := "| Phase | Name | Status |\n|---|---|---|\n| 1 | Bootstrap | done |\n| 2 | Core | in_progress |\n"
	if err := os.WriteFile(filepath.Join(dir, "ROADMAP.md"), []byte(roadmap), 0o644); err != nil {
		t.Fatalf("write roadmap: %v", err)
	}

	st, err := ReadState(dir)
	if err != nil {
		t.Fatalf("ReadState: %v", err)
	}
	if len(st.Phases) != 2 {
		t.Fatalf("phases = %d, want 2", len(st.Phases))
	}
	if st.Phases[1].Name != "Core" || st.Phases[1].Status != "in_progress" {
		t.Fatalf("unexpected phase row: %+v", st.Phases[1])
	}
}
