package registry

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/rallylabs/rally-core/internal/config"
	"github.com/rallylabs/rally-core/internal/nlu"
	"gopkg.in/yaml.v3"
)

// Shot is one discrete serve with its target area parameters.
type Shot struct {
	Description string `yaml:"description"`
	Area        string `yaml:"area"`
	Speed       string `yaml:"speed,omitempty"`
}

// Program is a named, ordered sequence of shots. Loaded at startup and
// never mutated by consumers; hot reload swaps the whole table.
type Program struct {
	ID              string   `yaml:"id"`
	Name            string   `yaml:"name"`
	Difficulty      string   `yaml:"difficulty"`
	DurationMinutes int      `yaml:"duration_minutes"`
	RepeatTimes     int      `yaml:"repeat_times"`
	Shots           []Shot   `yaml:"shots"`
	Aliases         []string `yaml:"aliases"`
	Category        string   `yaml:"-"`
}

type programsFile struct {
	Programs []Program `yaml:"programs"`
}

type entry struct {
	program *Program
	name    string   // normalized canonical name
	aliases []string // normalized alias forms, name included
}

// Snapshot is one immutable view of the program table. A match operation
// holds a single snapshot for its whole duration; reload swaps the pointer
// so concurrent readers never observe a half-built table.
type Snapshot struct {
	byName  map[string]*Program
	singles []*entry
	general []*entry
	all     []*Program
}

// Registry indexes program names and their aliases for lookup.
type Registry struct {
	cfg  config.ProgramsConfig
	norm *nlu.Normalizer
	log  *slog.Logger
	snap atomic.Pointer[Snapshot]
}

var courseNameRe = regexp.MustCompile(`^第\d+級`)

func Load(cfg config.ProgramsConfig, norm *nlu.Normalizer, log *slog.Logger) (*Registry, error) {
	r := &Registry{cfg: cfg, norm: norm, log: log.With(slog.String("component", "program-registry"))}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload rebuilds the snapshot from the configured file. A missing file
// falls back to the builtin program set; malformed data is a config error.
func (r *Registry) Reload() error {
	programs := builtinPrograms()
	if r.cfg.Path != "" {
		data, err := os.ReadFile(r.cfg.Path)
		switch {
		case os.IsNotExist(err):
			r.log.Warn("program file missing, using builtin set", slog.String("path", r.cfg.Path))
		case err != nil:
			return &config.Error{Section: "programs", Reason: err.Error()}
		default:
			var parsed programsFile
			if err := yaml.Unmarshal(data, &parsed); err != nil {
				return &config.Error{Section: "programs", Reason: err.Error()}
			}
			if len(parsed.Programs) > 0 {
				programs = parsed.Programs
			}
		}
	}
	snap, err := r.compile(programs)
	if err != nil {
		return err
	}
	r.snap.Store(snap)
	r.log.Info("program table loaded", slog.Int("programs", len(snap.all)))
	return nil
}

// Snapshot returns the current immutable program table.
func (r *Registry) Snapshot() *Snapshot {
	return r.snap.Load()
}

func (r *Registry) compile(programs []Program) (*Snapshot, error) {
	snap := &Snapshot{byName: make(map[string]*Program)}
	seenShots := make(map[string]bool)

	for i := range programs {
		p := &programs[i]
		if p.ID == "" {
			return nil, &config.Error{Section: "programs", Reason: "program without id"}
		}
		if p.Name == "" {
			p.Name = p.ID
		}
		for j, shot := range p.Shots {
			if shot.Description == "" && shot.Area == "" {
				return nil, &config.Error{Section: "programs", Reason: fmt.Sprintf("program %s: shot %d has neither description nor area", p.ID, j)}
			}
		}

		e := r.buildEntry(p)
		snap.all = append(snap.all, p)
		if isCourse(p) {
			continue
		}
		snap.general = append(snap.general, e)
		snap.byName[e.name] = p

		// Each distinct shot description becomes an implicit single-shot
		// entry, so a bare shot name resolves directly to a single serve
		// rather than a multi-shot program of the same name.
		for _, shot := range p.Shots {
			if shot.Description == "" {
				continue
			}
			key := r.norm.Normalize(shot.Description)
			if key == "" || seenShots[key] {
				continue
			}
			seenShots[key] = true
			single := &Program{
				ID:         "shot_" + key,
				Name:       shot.Description,
				Difficulty: "beginner",
				Shots:      []Shot{shot},
				Category:   "individual_shot",
			}
			se := r.buildEntry(single)
			snap.all = append(snap.all, single)
			snap.singles = append(snap.singles, se)
			if _, taken := snap.byName[se.name]; !taken {
				snap.byName[se.name] = single
			}
		}
	}

	sort.Slice(snap.singles, func(i, j int) bool { return snap.singles[i].name < snap.singles[j].name })
	return snap, nil
}

func (r *Registry) buildEntry(p *Program) *entry {
	name := r.norm.Normalize(p.Name)
	seen := map[string]bool{name: true}
	aliases := []string{name}
	add := func(raw string) {
		if raw == "" {
			return
		}
		a := r.norm.Normalize(raw)
		if a != "" && !seen[a] {
			seen[a] = true
			aliases = append(aliases, a)
		}
	}
	for _, a := range p.Aliases {
		add(a)
	}
	for _, shot := range p.Shots {
		if p.Category != "individual_shot" {
			add(shot.Description)
		}
	}
	return &entry{program: p, name: name, aliases: aliases}
}

func isCourse(p *Program) bool {
	return strings.HasPrefix(strings.ToLower(p.ID), "level") || courseNameRe.MatchString(p.Name)
}

// LookupExact resolves an already-normalized query against canonical names
// and derived single-shot names only.
func (s *Snapshot) LookupExact(query string) *Program {
	return s.byName[query]
}

// ByID resolves a program by identifier, derived single-shot entries
// included.
func (s *Snapshot) ByID(id string) *Program {
	for _, p := range s.all {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// All returns every loaded program, courses included, in load order.
func (s *Snapshot) All() []*Program {
	return append([]*Program(nil), s.all...)
}

// builtinPrograms is the embedded fallback set used when no program file is
// configured or present.
func builtinPrograms() []Program {
	basics := []string{
		"正手平抽球", "反手平抽球", "正手高遠球", "反手高遠球",
		"正手切球", "反手切球", "正手殺球", "反手殺球",
		"正手小球", "反手小球", "正手挑球", "反手挑球",
		"正手接殺球", "反手接殺球", "平推球", "近身接殺",
	}
	areas := []string{
		"sec1", "sec3", "sec5", "sec7", "sec9", "sec11", "sec13", "sec15",
		"sec17", "sec19", "sec21", "sec23", "sec25", "sec2", "sec4", "sec6",
	}
	shots := make([]Shot, 0, len(basics))
	for i, desc := range basics {
		shots = append(shots, Shot{Description: desc, Area: areas[i]})
	}
	return []Program{
		{
			ID:              "basic_training",
			Name:            "基礎訓練",
			Difficulty:      "beginner",
			DurationMinutes: 20,
			RepeatTimes:     1,
			Shots:           shots,
			Aliases:         []string{"基礎", "基本訓練"},
		},
		{
			ID:              "flat_drive",
			Name:            "平抽球",
			Difficulty:      "intermediate",
			DurationMinutes: 10,
			RepeatTimes:     2,
			Shots: []Shot{
				{Description: "正手平抽球", Area: "sec13"},
				{Description: "反手平抽球", Area: "sec11"},
			},
		},
		{
			ID:              "clear_drill",
			Name:            "高遠球",
			Difficulty:      "intermediate",
			DurationMinutes: 10,
			RepeatTimes:     2,
			Shots: []Shot{
				{Description: "正手高遠球", Area: "sec1"},
				{Description: "反手高遠球", Area: "sec5"},
			},
		},
		{
			ID:              "defense_drill",
			Name:            "接殺球",
			Difficulty:      "advanced",
			DurationMinutes: 15,
			RepeatTimes:     2,
			Shots: []Shot{
				{Description: "正手接殺球", Area: "sec21"},
				{Description: "反手接殺球", Area: "sec23"},
				{Description: "近身接殺", Area: "sec25"},
			},
		},
	}
}
