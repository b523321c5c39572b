// Package sigma validates Sigma-style detection rules against the grammar the
// review pipeline promotes into. Findings carry a severity and a line so a
// generator can be re-prompted with concrete correction context.
package sigma

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sigforge/sigforge/internal/model"
)

// Validator checks a candidate rule and returns structured findings. An empty
// slice (or warnings only) means the rule is accepted.
type Validator interface {
	Validate(text string) []model.Finding
}

// RuleValidator implements Validator for the Sigma rule grammar.
type RuleValidator struct{}

// NewRuleValidator returns a Validator for Sigma-style YAML rules.
func NewRuleValidator() *RuleValidator {
	return &RuleValidator{}
}

var knownLevels = map[string]bool{
	"informational": true,
	"low":           true,
	"medium":        true,
	"high":          true,
	"critical":      true,
}

// condition keywords that are not selection references.
var conditionKeywords = map[string]bool{
	"and": true, "or": true, "not": true,
	"of": true, "all": true, "them": true, "1": true,
}

// Validate parses text as YAML and checks the rule's required structure.
func (v *RuleValidator) Validate(text string) []model.Finding {
	var findings []model.Finding

	var root yaml.Node
	if err := yaml.Unmarshal([]byte(text), &root); err != nil {
		return []model.Finding{{
			Severity: "error",
			Message:  fmt.Sprintf("not parseable as YAML: %v", err),
		}}
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 || root.Content[0].Kind != yaml.MappingNode {
		return []model.Finding{{
			Severity: "error",
			Message:  "rule must be a YAML mapping",
		}}
	}

	doc := root.Content[0]
	fields := mappingFields(doc)

	errorf := func(node *yaml.Node, format string, args ...any) {
		findings = append(findings, finding("error", node, format, args...))
	}
	warnf := func(node *yaml.Node, format string, args ...any) {
		findings = append(findings, finding("warning", node, format, args...))
	}

	// title
	title, ok := fields["title"]
	if !ok || strings.TrimSpace(title.Value) == "" {
		errorf(doc, "missing required field: title")
	} else if len(title.Value) > 120 {
		warnf(title, "title longer than 120 characters")
	}

	// logsource
	logsource, ok := fields["logsource"]
	if !ok {
		errorf(doc, "missing required field: logsource")
	} else if logsource.Kind != yaml.MappingNode {
		errorf(logsource, "logsource must be a mapping")
	} else {
		ls := mappingFields(logsource)
		if _, hasProduct := ls["product"]; !hasProduct {
			if _, hasCategory := ls["category"]; !hasCategory {
				errorf(logsource, "logsource needs a product or a category")
			}
		}
	}

	// detection
	detection, ok := fields["detection"]
	switch {
	case !ok:
		errorf(doc, "missing required field: detection")
	case detection.Kind != yaml.MappingNode:
		errorf(detection, "detection must be a mapping")
	default:
		det := mappingFields(detection)

		condNode, hasCond := det["condition"]
		if !hasCond || strings.TrimSpace(condNode.Value) == "" {
			errorf(detection, "detection is missing a condition")
		}

		selections := make(map[string]bool)
		for name, node := range det {
			if name == "condition" {
				continue
			}
			selections[name] = true
			if emptyNode(node) {
				errorf(node, "selection %q is empty", name)
			}
		}
		if len(selections) == 0 {
			errorf(detection, "detection defines no selections")
		}

		if hasCond {
			for _, ref := range conditionIdentifiers(condNode.Value) {
				if !selectionReferenced(ref, selections) {
					errorf(condNode, "condition references undefined selection %q", ref)
				}
			}
		}
	}

	// Advisory fields.
	if _, ok := fields["level"]; !ok {
		warnf(doc, "missing level")
	} else if lvl := fields["level"]; !knownLevels[strings.ToLower(lvl.Value)] {
		warnf(lvl, "unknown level %q", lvl.Value)
	}
	if _, ok := fields["status"]; !ok {
		warnf(doc, "missing status")
	}
	if _, ok := fields["tags"]; !ok {
		warnf(doc, "missing tags")
	}
	if _, ok := fields["falsepositives"]; !ok {
		warnf(doc, "missing falsepositives")
	}

	return findings
}

// Valid reports whether findings contain no errors (warnings are acceptable).
func Valid(findings []model.Finding) bool {
	for _, f := range findings {
		if f.Severity == "error" {
			return false
		}
	}
	return true
}

func finding(severity string, node *yaml.Node, format string, args ...any) model.Finding {
	f := model.Finding{Severity: severity, Message: fmt.Sprintf(format, args...)}
	if node != nil {
		f.Line = node.Line
	}
	return f
}

// mappingFields flattens a mapping node into key → value node.
func mappingFields(node *yaml.Node) map[string]*yaml.Node {
	fields := make(map[string]*yaml.Node, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		fields[node.Content[i].Value] = node.Content[i+1]
	}
	return fields
}

func emptyNode(node *yaml.Node) bool {
	switch node.Kind {
	case yaml.MappingNode, yaml.SequenceNode:
		return len(node.Content) == 0
	default:
		return strings.TrimSpace(node.Value) == ""
	}
}

// conditionIdentifiers extracts the selection references from a condition
// expression, skipping boolean keywords and quantifiers.
func conditionIdentifiers(cond string) []string {
	clean := strings.NewReplacer("(", " ", ")", " ").Replace(cond)
	var ids []string
	for _, tok := range strings.Fields(clean) {
		lower := strings.ToLower(tok)
		if conditionKeywords[lower] {
			continue
		}
		ids = append(ids, tok)
	}
	return ids
}

// selectionReferenced resolves a condition identifier against the defined
// selections, honoring trailing-* wildcards ("selection_*").
func selectionReferenced(ref string, selections map[string]bool) bool {
	if selections[ref] {
		return true
	}
	if strings.HasSuffix(ref, "*") {
		prefix := strings.TrimSuffix(ref, "*")
		for name := range selections {
			if strings.HasPrefix(name, prefix) {
				return true
			}
		}
	}
	return false
}
