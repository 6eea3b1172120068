// Package command defines the structured command value passed from the
// parsing layer to the router. A Command is created once per utterance and
// consumed exactly once.
package command

import "time"

type Kind string

const (
	KindWake          Kind = "wake"
	KindScan          Kind = "scan"
	KindConnect       Kind = "connect"
	KindDisconnect    Kind = "disconnect"
	KindStartTraining Kind = "start_training"
	KindStopTraining  Kind = "stop_training"
	KindShot          Kind = "shot"
	KindReset         Kind = "reset"
)

// CoordinationMode selects how shots are distributed across two machines.
type CoordinationMode string

const (
	ModeAlternate    CoordinationMode = "alternate"
	ModeSimultaneous CoordinationMode = "simultaneous"
	ModeSequence     CoordinationMode = "sequence"
)

// Trace records which utterance produced a command.
type Trace struct {
	SessionID string
	Raw       string
	Source    string // text, speech
	Matched   string // canonical name or rule that matched
	Score     float64
}

// Params carries the typed payload of a command. Zero values mean
// "not specified"; the router applies configured defaults.
type Params struct {
	ProgramID   string
	ProgramName string
	Balls       int
	Interval    time.Duration
	Mode        CoordinationMode
	Side        string // left, right, single
	Speed       string
	Area        string
}

type Command struct {
	Kind   Kind
	Params Params
	Trace  Trace
}

// Clarification is a disambiguation request: the matcher found several
// plausible programs and the caller must re-prompt. It is not an error.
type Clarification struct {
	Candidates []string
	Scores     []float64
	Trace      Trace
}
