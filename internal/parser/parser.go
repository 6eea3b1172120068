// Package parser turns free-text utterances into structured commands.
package parser

import (
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/rallylabs/rally-core/internal/command"
	"github.com/rallylabs/rally-core/internal/config"
	"github.com/rallylabs/rally-core/internal/nlu"
	"github.com/rallylabs/rally-core/internal/registry"
)

var (
	wakeRe       = regexp.MustCompile(`喚醒|啟動|醒來|你好|哈囉`)
	scanRe       = regexp.MustCompile(`掃描|搜尋|搜索`)
	connectRe    = regexp.MustCompile(`連線|連接|配對`)
	disconnectRe = regexp.MustCompile(`斷開|斷線|解除連線|解除連接|取消配對`)
	stopRe       = regexp.MustCompile(`停止|結束|暫停|取消`)
	resetRe      = regexp.MustCompile(`重置|重設|復位`)

	alternateRe    = regexp.MustCompile(`交替|輪流`)
	simultaneousRe = regexp.MustCompile(`同時|雙打`)
	sequenceRe     = regexp.MustCompile(`序列|連續輪`)
	leftRe         = regexp.MustCompile(`左(邊|側|機)?`)
	rightRe        = regexp.MustCompile(`右(邊|側|機)?`)
	fillerRe       = regexp.MustCompile(`兩台|雙機|兩邊|雙邊|發球機`)

	punctRe = regexp.MustCompile(`[\s\p{Zs}\p{P}]+`)
)

// Result is either a command, a clarification request, or neither
// (no match). At most one of the two fields is set.
type Result struct {
	Command       *command.Command
	Clarification *command.Clarification
}

type Parser struct {
	norm *nlu.Normalizer
	reg  *registry.Registry
	cfg  config.RouterConfig
	log  *slog.Logger
}

func New(norm *nlu.Normalizer, reg *registry.Registry, cfg config.RouterConfig, log *slog.Logger) *Parser {
	return &Parser{
		norm: norm,
		reg:  reg,
		cfg:  cfg,
		log:  log.With(slog.String("component", "parser")),
	}
}

// Parse converts one utterance into a Result. Data-quality problems (no
// match, low scores) are results, never errors.
func (p *Parser) Parse(text, source, sessionID string) Result {
	raw := strings.TrimSpace(text)
	if raw == "" {
		return Result{}
	}
	trace := command.Trace{SessionID: sessionID, Raw: text, Source: source}
	folded := punctRe.ReplaceAllString(raw, "")

	if kind, rule := controlIntent(folded); kind != "" {
		trace.Matched = rule
		trace.Score = 1
		return Result{Command: &command.Command{Kind: kind, Trace: trace}}
	}

	params := command.Params{
		Balls:    nlu.ExtractBalls(raw),
		Interval: time.Duration(nlu.ExtractIntervalSeconds(raw) * float64(time.Second)),
		Speed:    nlu.ExtractSpeed(raw),
		Mode:     coordinationMode(folded),
		Side:     targetSide(folded),
	}
	if params.Balls == 0 {
		params.Balls = p.cfg.DefaultBalls
	}
	if params.Interval == 0 {
		params.Interval = time.Duration(p.cfg.DefaultIntervalMS) * time.Millisecond
	}

	query := p.norm.Normalize(stripModifiers(nlu.StripNumbers(raw)))
	match := p.reg.Snapshot().Match(query)
	switch match.Kind {
	case registry.MatchExact, registry.MatchFuzzy:
		params.ProgramID = match.Program.ID
		params.ProgramName = match.Program.Name
		trace.Matched = match.Program.Name
		trace.Score = match.Score
		kind := command.KindStartTraining
		if match.Program.Category == "individual_shot" {
			kind = command.KindShot
			if len(match.Program.Shots) == 1 {
				params.Area = match.Program.Shots[0].Area
			}
		}
		return Result{Command: &command.Command{Kind: kind, Params: params, Trace: trace}}
	case registry.MatchAmbiguous:
		names := make([]string, len(match.Candidates))
		scores := make([]float64, len(match.Candidates))
		for i, c := range match.Candidates {
			names[i] = c.Program.Name
			scores[i] = c.Score
		}
		trace.Score = match.Score
		return Result{Clarification: &command.Clarification{Candidates: names, Scores: scores, Trace: trace}}
	default:
		return Result{}
	}
}

// controlIntent resolves control verbs anywhere in the folded text, so
// punctuated transcripts and polite prefixes still match. Disconnect is
// checked before connect and stop because its phrases contain both
// (解除連線, 取消配對); wake goes last so a greeting followed by a verb
// resolves to the verb.
func controlIntent(folded string) (command.Kind, string) {
	switch {
	case scanRe.MatchString(folded):
		return command.KindScan, "scan"
	case disconnectRe.MatchString(folded):
		return command.KindDisconnect, "disconnect"
	case connectRe.MatchString(folded):
		return command.KindConnect, "connect"
	case stopRe.MatchString(folded):
		return command.KindStopTraining, "stop_training"
	case resetRe.MatchString(folded):
		return command.KindReset, "reset"
	case wakeRe.MatchString(folded):
		return command.KindWake, "wake"
	}
	return "", ""
}

// stripModifiers removes coordination, side and filler phrases so the
// remainder can be matched as a program name.
func stripModifiers(text string) string {
	for _, re := range []*regexp.Regexp{simultaneousRe, sequenceRe, alternateRe, leftRe, rightRe, fillerRe} {
		text = re.ReplaceAllString(text, "")
	}
	return strings.TrimSpace(text)
}

func coordinationMode(folded string) command.CoordinationMode {
	switch {
	case simultaneousRe.MatchString(folded):
		return command.ModeSimultaneous
	case sequenceRe.MatchString(folded):
		return command.ModeSequence
	case alternateRe.MatchString(folded):
		return command.ModeAlternate
	}
	return ""
}

func targetSide(folded string) string {
	left := leftRe.MatchString(folded)
	right := rightRe.MatchString(folded)
	switch {
	case left && !right:
		return "left"
	case right && !left:
		return "right"
	}
	return ""
}
