package scorer

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// keywordFile is the yaml shape for supplementary keyword tables. Entries are
// literal keywords appended to the built-in tiers; the built-ins are never
// removed, so a deployment can only widen the gate, not silently narrow it.
type keywordFile struct {
	Perfect      []string `yaml:"perfect"`
	Good         []string `yaml:"good"`
	CategoryB    []string `yaml:"category_b"`
	Intelligence []string `yaml:"intelligence"`
	Negative     []string `yaml:"negative"`
}

// LoadKeywordFile appends the literal keywords in the yaml file at path to the
// built-in tables. Call once at startup, before any scoring.
func LoadKeywordFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return eris.Wrapf(err, "scorer: read keyword file %s", path)
	}

	var extra keywordFile
	if err := yaml.Unmarshal(data, &extra); err != nil {
		return eris.Wrapf(err, "scorer: parse keyword file %s", path)
	}

	appendLiterals(CategoryPerfect, extra.Perfect)
	appendLiterals(CategoryGood, extra.Good)
	appendLiterals(CategoryB, extra.CategoryB)
	appendLiterals(CategoryIntelligence, extra.Intelligence)
	appendLiterals(CategoryNegative, extra.Negative)
	return nil
}

func appendLiterals(cat Category, keywords []string) {
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		categoryPatterns[cat] = append(categoryPatterns[cat], literal(kw))
	}
}
