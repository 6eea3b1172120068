package nlu

import (
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/rallylabs/rally-core/internal/config"
	"gopkg.in/yaml.v3"
)

// Builtin minimal tables, used whenever the external files are absent or
// malformed. Missing configuration degrades matching quality but is never
// an error.
var builtinSynonyms = map[string][]string{
	"正手":  {"正拍"},
	"反手":  {"反拍"},
	"高遠球": {"高遠", "高远"},
	"平抽球": {"平抽", "平抽擊"},
	"切球":  {"切"},
	"推挑球": {"推挑"},
	"接殺球": {"接殺", "擋殺"},
}

var builtinSuffixes = []string{"球", "訓練", "套餐"}

var punctuation = []string{
	" ", "\t", "\n", ",", ".", "；", ";", "，", "。", "！", "!", "?", "？", "-", "_", "(", ")",
}

type synonymRule struct {
	alias     string
	canonical string
}

// tables is one immutable snapshot of the normalization rules. Reload swaps
// the whole snapshot; a match operation holds a single snapshot throughout.
type tables struct {
	rules    []synonymRule
	suffixes []string
}

type synonymsFile struct {
	Synonyms map[string][]string `yaml:"synonyms"`
}

type suffixesFile struct {
	Suffixes []string `yaml:"suffixes"`
}

// Normalizer canonicalizes raw utterance text: case/whitespace folding,
// punctuation removal, synonym substitution and suffix stripping.
// Normalize is idempotent.
type Normalizer struct {
	cfg  config.NLUConfig
	log  *slog.Logger
	snap atomic.Pointer[tables]
}

func NewNormalizer(cfg config.NLUConfig, log *slog.Logger) *Normalizer {
	n := &Normalizer{cfg: cfg, log: log.With(slog.String("component", "normalizer"))}
	n.Reload()
	return n
}

// Reload rebuilds the rule snapshot from the configured files, falling back
// to the builtin tables per file.
func (n *Normalizer) Reload() {
	synonyms := builtinSynonyms
	if n.cfg.SynonymsPath != "" {
		var parsed synonymsFile
		if ok := loadYAML(n.cfg.SynonymsPath, &parsed, n.log); ok && len(parsed.Synonyms) > 0 {
			synonyms = parsed.Synonyms
		}
	}
	suffixes := builtinSuffixes
	if n.cfg.SuffixesPath != "" {
		var parsed suffixesFile
		if ok := loadYAML(n.cfg.SuffixesPath, &parsed, n.log); ok && len(parsed.Suffixes) > 0 {
			suffixes = parsed.Suffixes
		}
	}
	n.snap.Store(compile(synonyms, suffixes))
}

func loadYAML(path string, out any, log *slog.Logger) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("failed to read nlu table", slog.String("path", path), slog.String("error", err.Error()))
		}
		return false
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		log.Warn("malformed nlu table, using builtin", slog.String("path", path), slog.String("error", err.Error()))
		return false
	}
	return true
}

func compile(synonyms map[string][]string, suffixes []string) *tables {
	var rules []synonymRule
	for canonical, aliases := range synonyms {
		for _, alias := range aliases {
			if alias == "" || alias == canonical {
				continue
			}
			rules = append(rules, synonymRule{alias: alias, canonical: canonical})
		}
	}
	// Longest alias first so a short alias never clobbers part of a longer
	// one; ties broken lexically for deterministic application order.
	sort.Slice(rules, func(i, j int) bool {
		if len(rules[i].alias) != len(rules[j].alias) {
			return len(rules[i].alias) > len(rules[j].alias)
		}
		return rules[i].alias < rules[j].alias
	})
	return &tables{rules: rules, suffixes: append([]string(nil), suffixes...)}
}

// Normalize canonicalizes text. Applies, in order: case/whitespace folding
// and punctuation removal, the simplified-form patch, synonym substitution,
// suffix stripping.
func (n *Normalizer) Normalize(text string) string {
	t := fold(text)
	snap := n.snap.Load()
	t = snap.applySynonyms(t)
	t = snap.stripSuffix(t)
	return t
}

// StripSuffix removes one trailing filler morpheme using the current
// snapshot.
func (n *Normalizer) StripSuffix(text string) string {
	return n.snap.Load().stripSuffix(fold(text))
}

// ApplySynonyms rewrites aliases to their canonical terms using the current
// snapshot.
func (n *Normalizer) ApplySynonyms(text string) string {
	return n.snap.Load().applySynonyms(fold(text))
}

func fold(text string) string {
	t := strings.ToLower(strings.TrimSpace(text))
	for _, ch := range punctuation {
		t = strings.ReplaceAll(t, ch, "")
	}
	// Simplified-to-traditional patch for the forms the suffix and synonym
	// tables are written in.
	t = strings.ReplaceAll(t, "高远", "高遠")
	return t
}

func (tb *tables) applySynonyms(t string) string {
	for _, rule := range tb.rules {
		// A string already carrying the canonical term is left alone;
		// replacing the embedded alias would duplicate morphemes
		// (平抽球 must not become 平抽球球).
		if strings.Contains(t, rule.canonical) {
			continue
		}
		t = strings.ReplaceAll(t, rule.alias, rule.canonical)
	}
	return t
}

func (tb *tables) stripSuffix(t string) string {
	// Repeat until a full pass removes nothing, so stacked fillers
	// (殺球訓練 → 殺球 → 殺) collapse in one call and Normalize stays
	// idempotent.
	for {
		changed := false
		for _, suf := range tb.suffixes {
			if suf != "" && strings.HasSuffix(t, suf) && len(t) > len(suf) {
				t = t[:len(t)-len(suf)]
				changed = true
			}
		}
		if !changed {
			return t
		}
	}
}
