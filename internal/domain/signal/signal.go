// Package signal classifies inbound messages into a 5-tuple signal and
// filters noise ahead of the agent loop. Both operations are pure
// functions: same input, byte-identical output, no I/O.
package signal

import "time"

// Mode is the closed set of task-shape categories a message falls into.
type Mode string

const (
	ModeExecute Mode = "execute"
	ModeAssist  Mode = "assist"
	ModeAnalyze Mode = "analyze"
	ModeBuild   Mode = "build"
	ModeMaintain Mode = "maintain"
)

// Genre is the closed set of speech-act categories.
type Genre string

const (
	GenreDirect  Genre = "direct"
	GenreInform  Genre = "inform"
	GenreCommit  Genre = "commit"
	GenreDecide  Genre = "decide"
	GenreExpress Genre = "express"
)

// Type is the closed set of content-shape categories.
type Type string

const (
	TypeQuestion   Type = "question"
	TypeIssue      Type = "issue"
	TypeScheduling Type = "scheduling"
	TypeSummary    Type = "summary"
	TypeGeneral    Type = "general"
)

// Format is derived from the originating channel.
type Format string

const (
	FormatMessage      Format = "message"
	FormatDocument     Format = "document"
	FormatNotification Format = "notification"
	FormatCommand      Format = "command"
	FormatTranscript   Format = "transcript"
)

// Signal is the immutable classification produced once per inbound message.
type Signal struct {
	Mode      Mode
	Genre     Genre
	Type      Type
	Format    Format
	Weight    float64
	Channel   string
	Timestamp time.Time
}
