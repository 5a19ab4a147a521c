package waitstate

import (
	"regexp"
	"strings"
)

// CheckpointType is the classification of a detected checkpoint block.
type CheckpointType string

const (
	HumanVerify CheckpointType = "human-verify"
	Decision    CheckpointType = "decision"
	HumanAction CheckpointType = "human-action"
)

// CheckpointRecord is the derived projection over recent output produced
// once a checkpoint marker is seen (spec.md §3). RawContent is always
// populated; the typed fields are filled in as the block's structure
// permits.
type CheckpointRecord struct {
	Type         CheckpointType
	RawContent   string
	WhatBuilt    string
	HowToVerify  string
	Options      []string
	Action       string
	Instructions string
}

// checkpointPattern pairs a marker regex with the type it signals. Order
// matters: when a block matches more than one family, the most specific
// type wins in the order human-verify > decision > human-action.
type checkpointPattern struct {
	typ   CheckpointType
	regex *regexp.Regexp
}

var checkpointPatterns = []checkpointPattern{
	{HumanVerify, regexp.MustCompile(`(?m)^checkpoint:human-verify\s*$`)},
	{Decision, regexp.MustCompile(`(?m)^checkpoint:decision\s*$`)},
	{HumanAction, regexp.MustCompile(`(?m)^checkpoint:human-action\s*$`)},
}

var (
	whatBuiltRe   = regexp.MustCompile(`(?m)^What(?:'s| was)? [Bb]uilt:\s*(.+)$`)
	howToVerifyRe = regexp.MustCompile(`(?m)^How to [Vv]erify:\s*(.+)$`)
	optionLineRe  = regexp.MustCompile(`(?m)^\s*\d+\)\s*(.+)$`)
	actionRe      = regexp.MustCompile(`(?m)^Action:\s*(.+)$`)
	instructionRe = regexp.MustCompile(`(?m)^Instructions?:\s*(.+)$`)
)

// matchCheckpoint scans a rolling window of stripped lines for a
// checkpoint marker and, if found, returns the raw block from the marker
// to the end of the window.
func matchCheckpoint(window []string) (string, bool) {
	joined := strings.Join(window, "\n")
	for _, p := range checkpointPatterns {
		if loc := p.regex.FindStringIndex(joined); loc != nil {
			return joined[loc[0]:], true
		}
	}
	return "", false
}

// FindCheckpoints scans arbitrary markdown content for every checkpoint
// marker occurrence and returns one CheckpointRecord per match, in
// document order. Used by internal/specreader when a plan file embeds
// checkpoint blocks (spec.md §6); the live classifier goes through
// matchCheckpoint and ParseCheckpoint over the same pattern table.
func FindCheckpoints(content string) []CheckpointRecord {
	var starts []int
	var types []CheckpointType
	for _, p := range checkpointPatterns {
		for _, loc := range p.regex.FindAllStringIndex(content, -1) {
			starts = append(starts, loc[0])
			types = append(types, p.typ)
		}
	}
	if len(starts) == 0 {
		return nil
	}

	order := make([]int, len(starts))
	for i := range order {
		order[i] = i
	}
	for i := 1; i < len(order); i++ {
		for j := i; j > 0 && starts[order[j]] < starts[order[j-1]]; j-- {
			order[j], order[j-1] = order[j-1], order[j]
		}
	}

	var out []CheckpointRecord
	for idx, pos := range order {
		start := starts[pos]
		end := len(content)
		if idx+1 < len(order) {
			end = starts[order[idx+1]]
		}
		out = append(out, ParseCheckpoint(content[start:end]))
	}
	return out
}

// ParseCheckpoint classifies a raw block and extracts whichever typed
// fields it can. The most specific matching type wins; RawContent is
// always preserved as a fallback for fields that don't parse.
func ParseCheckpoint(raw string) CheckpointRecord {
	rec := CheckpointRecord{RawContent: raw}

	for _, p := range checkpointPatterns {
		if p.regex.MatchString(raw) {
			rec.Type = p.typ
			break
		}
	}

	if m := whatBuiltRe.FindStringSubmatch(raw); m != nil {
		rec.WhatBuilt = strings.TrimSpace(m[1])
	}
	if m := howToVerifyRe.FindStringSubmatch(raw); m != nil {
		rec.HowToVerify = strings.TrimSpace(m[1])
	}
	if m := actionRe.FindStringSubmatch(raw); m != nil {
		rec.Action = strings.TrimSpace(m[1])
	}
	if m := instructionRe.FindStringSubmatch(raw); m != nil {
		rec.Instructions = strings.TrimSpace(m[1])
	}
	for _, m := range optionLineRe.FindAllStringSubmatch(raw, -1) {
		rec.Options = append(rec.Options, strings.TrimSpace(m[1]))
	}

	return rec
}
