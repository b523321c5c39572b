package pipeline

import (
	"regexp"

	"github.com/sigforge/sigforge/internal/model"
)

// Platform detection is deterministic keyword counting, no inference. The
// pipeline only produces Windows detections, so articles that clearly target
// another platform terminate before any model call is spent.

var windowsSignals = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bwindows\b`),
	regexp.MustCompile(`(?i)\bpowershell\b`),
	regexp.MustCompile(`(?i)\bcmd\.exe\b`),
	regexp.MustCompile(`(?i)\b\w+\.exe\b`),
	regexp.MustCompile(`(?i)\b\w+\.dll\b`),
	regexp.MustCompile(`(?i)\bhk(?:lm|cu|ey_local_machine|ey_current_user)\b`),
	regexp.MustCompile(`(?i)\bregistry\b`),
	regexp.MustCompile(`(?i)\bsysmon\b`),
	regexp.MustCompile(`(?i)\bevent\s+id\b`),
	regexp.MustCompile(`(?i)\bactive\s+directory\b`),
	regexp.MustCompile(`(?i)\bwmi\b`),
	regexp.MustCompile(`(?i)\bntlm\b`),
	regexp.MustCompile(`(?i)\blsass\b`),
}

var otherPlatformSignals = []struct {
	name    string
	signals []*regexp.Regexp
}{
	{"linux", []*regexp.Regexp{
		regexp.MustCompile(`(?i)\blinux\b`),
		regexp.MustCompile(`(?i)\bsystemd\b`),
		regexp.MustCompile(`(?i)\bcron(?:tab)?\b`),
		regexp.MustCompile(`(?i)/etc/(?:passwd|shadow|crontab)`),
		regexp.MustCompile(`(?i)\bbash(?:rc)?\b`),
		regexp.MustCompile(`(?i)\belf\s+binar`),
	}},
	{"macos", []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bmacos\b`),
		regexp.MustCompile(`(?i)\bos\s?x\b`),
		regexp.MustCompile(`(?i)\blaunchd\b`),
		regexp.MustCompile(`(?i)\blaunch\s?agent\b`),
		regexp.MustCompile(`(?i)\bplist\b`),
		regexp.MustCompile(`(?i)\bgatekeeper\b`),
	}},
}

// DetectPlatform classifies the platform an article targets. Windows wins any
// tie, and an article with no platform markers at all is let through so the
// content gate can judge it on substance.
func DetectPlatform(text string) model.PlatformOutcome {
	windows := countSignals(windowsSignals, text)

	best := ""
	bestCount := 0
	for _, p := range otherPlatformSignals {
		if n := countSignals(p.signals, text); n > bestCount {
			best = p.name
			bestCount = n
		}
	}

	switch {
	case windows > 0 && windows >= bestCount:
		return model.PlatformOutcome{Detected: "windows", Supported: true}
	case bestCount > 0:
		return model.PlatformOutcome{Detected: best, Supported: false}
	default:
		return model.PlatformOutcome{Detected: "unknown", Supported: true}
	}
}

func countSignals(signals []*regexp.Regexp, text string) int {
	n := 0
	for _, re := range signals {
		if re.MatchString(text) {
			n++
		}
	}
	return n
}
