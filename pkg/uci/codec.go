// Package uci encodes search commands for, and decodes output lines from,
// engines that speak the line-based Universal Chess Interface protocol.
//
// The codec is stateless. Encoding produces the fixed command sequence used
// for a single depth-bounded search; decoding turns one output line into a
// typed Event. Lines the codec does not understand decode to Unrecognized and
// are never an error.
package uci

import (
	"fmt"
	"strconv"
	"strings"
)

// Protocol commands sent outside of a search sequence.
const (
	InitCommand    = "uci"
	NewGameCommand = "ucinewgame"
	IsReadyCommand = "isready"
	StopCommand    = "stop"
	QuitCommand    = "quit"
)

// SearchCommands returns the command lines for a depth-bounded search of the
// given position, in the order they must be written: initialization,
// new-game reset, position-set and go-to-depth.
func SearchCommands(positionKey string, depth int) ([]string, error) {
	key := strings.TrimSpace(positionKey)
	if key == "" {
		return nil, fmt.Errorf("position key cannot be empty")
	}
	if strings.ContainsAny(key, "\r\n") {
		return nil, fmt.Errorf("position key cannot contain line breaks")
	}
	if depth < 1 {
		return nil, fmt.Errorf("target depth must be >= 1, got %d", depth)
	}

	return []string{
		InitCommand,
		NewGameCommand,
		"position fen " + key,
		"go depth " + strconv.Itoa(depth),
	}, nil
}

// Event is a decoded engine output line. The concrete types are ScoreUpdate,
// MateUpdate, BestMoveFound, Ready and Unrecognized.
type Event interface {
	isEvent()
}

// Bound qualifies a streamed score when the engine reports it as a bound
// rather than an exact value.
type Bound string

const (
	BoundExact Bound = ""
	BoundLower Bound = "lowerbound"
	BoundUpper Bound = "upperbound"
)

// ScoreUpdate carries a centipawn score from the side to move's point of view.
type ScoreUpdate struct {
	Centipawns int
	Depth      int
	Bound      Bound
}

// MateUpdate carries a forced-mate distance. Positive values mean the side to
// move delivers mate; negative values mean it is mated.
type MateUpdate struct {
	MovesToMate int
	Depth       int
	Bound       Bound
}

// BestMoveFound is the terminal event of a search. Move is empty when the
// engine reports "(none)", i.e. the position has no legal move.
type BestMoveFound struct {
	Move   string
	Ponder string
}

// Ready is emitted for the handshake acknowledgements uciok and readyok.
type Ready struct{}

// Unrecognized wraps any line the codec does not understand.
type Unrecognized struct {
	Raw string
}

func (ScoreUpdate) isEvent()   {}
func (MateUpdate) isEvent()    {}
func (BestMoveFound) isEvent() {}
func (Ready) isEvent()         {}
func (Unrecognized) isEvent()  {}

// IsTerminal reports whether ev ends a search.
func IsTerminal(ev Event) bool {
	_, ok := ev.(BestMoveFound)
	return ok
}

// DecodeLine parses a single line of engine output.
func DecodeLine(line string) Event {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Unrecognized{Raw: line}
	}

	switch fields[0] {
	case "bestmove":
		return decodeBestMove(line, fields)
	case "info":
		return decodeInfo(line, fields)
	case "uciok", "readyok":
		return Ready{}
	}

	return Unrecognized{Raw: line}
}

func decodeBestMove(line string, fields []string) Event {
	if len(fields) < 2 {
		return Unrecognized{Raw: line}
	}

	ev := BestMoveFound{Move: fields[1]}
	if ev.Move == "(none)" {
		ev.Move = ""
	}
	if len(fields) >= 4 && fields[2] == "ponder" {
		ev.Ponder = fields[3]
	}
	return ev
}

// decodeInfo extracts depth and score from an info line. Lines without a
// score, and secondary multipv lines, are not evaluation updates.
func decodeInfo(line string, fields []string) Event {
	var (
		depth     int
		kind      string
		value     int
		bound     Bound
		haveScore bool
	)

	for i := 1; i < len(fields); i++ {
		switch fields[i] {
		case "depth":
			if i+1 >= len(fields) {
				return Unrecognized{Raw: line}
			}
			d, err := strconv.Atoi(fields[i+1])
			if err != nil {
				return Unrecognized{Raw: line}
			}
			depth = d
			i++

		case "multipv":
			if i+1 < len(fields) {
				if n, err := strconv.Atoi(fields[i+1]); err == nil && n > 1 {
					return Unrecognized{Raw: line}
				}
				i++
			}

		case "score":
			if i+2 >= len(fields) {
				return Unrecognized{Raw: line}
			}
			kind = fields[i+1]
			v, err := strconv.Atoi(fields[i+2])
			if err != nil || (kind != "cp" && kind != "mate") {
				return Unrecognized{Raw: line}
			}
			value = v
			haveScore = true
			i += 2
			if i+1 < len(fields) {
				switch Bound(fields[i+1]) {
				case BoundLower, BoundUpper:
					bound = Bound(fields[i+1])
					i++
				}
			}

		case "pv", "string":
			// the rest of the line is moves or free text
			i = len(fields)
		}
	}

	if !haveScore {
		return Unrecognized{Raw: line}
	}
	if kind == "mate" {
		return MateUpdate{MovesToMate: value, Depth: depth, Bound: bound}
	}
	return ScoreUpdate{Centipawns: value, Depth: depth, Bound: bound}
}
