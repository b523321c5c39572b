package scorer

import (
	"regexp"
)

// pattern is one compiled keyword matcher. Literal keywords are matched with
// word boundaries, case-insensitive. Raw patterns match obfuscation constructs
// that word-boundary matching cannot express (variable substring access,
// delayed expansion, caret splitting).
type pattern struct {
	name string
	re   *regexp.Regexp
}

func literal(kw string) pattern {
	return pattern{name: kw, re: regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(kw) + `\b`)}
}

func raw(name, expr string) pattern {
	return pattern{name: name, re: regexp.MustCompile(expr)}
}

// Primary discriminators: terms that historically only appear in articles
// describing concrete, detectable tradecraft. Any single hit here overrides
// downstream confidence-based filtering.
var perfectPatterns = []pattern{
	literal("rundll32"),
	literal("regsvr32"),
	literal("mshta"),
	literal("certutil"),
	literal("bitsadmin"),
	literal("wmic"),
	literal("msiexec"),
	literal("installutil"),
	literal("regasm"),
	literal("cscript"),
	literal("wscript"),
	literal("lolbas"),
	literal("living off the land"),
	raw("encoded-command-flag", `(?i)-e(?:nc|ncodedcommand)?\s+[A-Za-z0-9+/=]{8,}`),
	literal("downloadstring"),
	literal("iex"),
	literal("frombase64string"),
	raw("variable-substring", `%[A-Za-z_][A-Za-z0-9_]*:~\d+(?:,\d+)?%`),
	raw("delayed-expansion", `![A-Za-z_][A-Za-z0-9_]*!`),
	raw("caret-obfuscation", `\w\^\w\^\w`),
	raw("hidden-window-flag", `(?i)-w(?:indowstyle)?\s+hidden`),
}

// Secondary discriminators: weaker behavioral vocabulary. Common in good
// articles but too generic to stand alone.
var goodPatterns = []pattern{
	literal("scheduled task"),
	literal("schtasks"),
	literal("persistence"),
	literal("lateral movement"),
	literal("privilege escalation"),
	literal("defense evasion"),
	literal("process injection"),
	literal("credential dumping"),
	literal("run key"),
	literal("startup folder"),
}

// Technique executables: tooling names that mark offensive content.
var categoryBPatterns = []pattern{
	literal("mimikatz"),
	literal("psexec"),
	literal("cobalt strike"),
	literal("metasploit"),
	literal("empire"),
	literal("rclone"),
	literal("procdump"),
	literal("bloodhound"),
	literal("sharphound"),
	literal("impacket"),
}

// Threat-intelligence vocabulary: marks the article as intel reporting rather
// than product news.
var intelligencePatterns = []pattern{
	literal("ioc"),
	literal("indicators of compromise"),
	literal("ttp"),
	literal("threat actor"),
	literal("apt"),
	literal("c2"),
	literal("command and control"),
	literal("exfiltration"),
	literal("ransomware"),
	literal("initial access"),
	literal("mitre att&ck"),
	raw("technique-id", `(?i)\bT1\d{3}(?:\.\d{3})?\b`),
}

// Negative signals: marketing and event boilerplate that dilutes an article's
// detection value.
var negativePatterns = []pattern{
	literal("webinar"),
	literal("subscribe"),
	literal("newsletter"),
	literal("free trial"),
	literal("request a demo"),
	literal("podcast"),
	literal("press release"),
	literal("register now"),
}

var categoryPatterns = map[Category][]pattern{
	CategoryPerfect:      perfectPatterns,
	CategoryGood:         goodPatterns,
	CategoryB:            categoryBPatterns,
	CategoryIntelligence: intelligencePatterns,
	CategoryNegative:     negativePatterns,
}
