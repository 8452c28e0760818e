package workspace

import (
	"regexp"
	"strings"
	"time"
)

const maxBranchLength = 200

var branchDisallowed = regexp.MustCompile(`[^A-Za-z0-9._/-]+`)

// SanitizeBranch maps any string onto the accepted branch alphabet
// [A-Za-z0-9._/-], collapsing runs of disallowed characters into a single
// dash and bounding total length at 200.
func SanitizeBranch(name string) string {
	s := branchDisallowed.ReplaceAllString(name, "-")
	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	s = strings.Trim(s, "-/")
	if len(s) > maxBranchLength {
		s = s[:maxBranchLength]
		s = strings.Trim(s, "-/")
	}
	return s
}

// SynthesizeBranch builds the deterministic working-branch name
// task/<yyyy-mm-dd>/<jobID-8hex>[/<skill>].
func SynthesizeBranch(now time.Time, jobID, skill string) string {
	short := strings.ReplaceAll(jobID, "-", "")
	if len(short) > 8 {
		short = short[:8]
	}
	name := "task/" + now.UTC().Format("2006-01-02") + "/" + short
	if skill != "" && skill != "auto" {
		name += "/" + skill
	}
	return SanitizeBranch(name)
}
