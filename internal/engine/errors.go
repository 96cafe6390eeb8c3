package engine

import (
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
)

// Kind classifies a failure for callers and exit reporting.
type Kind string

const (
	KindInvalidArgument     Kind = "INVALID_ARGUMENT"
	KindInvalidSizeFormat   Kind = "INVALID_SIZE_FORMAT"
	KindCompressionFailed   Kind = "COMPRESSION_FAILED"
	KindSplitFailed         Kind = "SPLIT_FAILED"
	KindTransferFailed      Kind = "TRANSFER_FAILED"
	KindRemoteMergeFailed   Kind = "REMOTE_MERGE_FAILED"
	KindRemoteExtractFailed Kind = "REMOTE_EXTRACT_FAILED"
	KindCleanupFailed       Kind = "CLEANUP_FAILED"
	KindStashFailed         Kind = "STASH_FAILED"
	KindDirectCopyFailed    Kind = "DIRECT_COPY_FAILED"
	KindUnknown             Kind = "UNKNOWN"
)

// Stage names the pipeline step an error came from.
type Stage string

const (
	StageValidate Stage = "validate"
	StageMeasure  Stage = "measure"
	StageCompress Stage = "compress"
	StageStash    Stage = "stash"
	StageSplit    Stage = "split"
	StagePrepare  Stage = "prepare"
	StageTransfer Stage = "transfer"
	StageMerge    Stage = "merge"
	StageExtract  Stage = "extract"
	StageCleanup  Stage = "cleanup"
	StageCopy     Stage = "copy"
)

// Error carries the stage and job context of a failed run. It never holds credentials.
type Error struct {
	Kind        Kind
	Stage       Stage
	Source      string
	Destination string
	Server      string
	Part        string
	Err         error
	stack       []byte
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s failed [%s]", e.Stage, e.Kind)
	var ctx []string
	if e.Source != "" {
		ctx = append(ctx, "source="+e.Source)
	}
	if e.Destination != "" {
		ctx = append(ctx, "destination="+e.Destination)
	}
	if e.Server != "" {
		ctx = append(ctx, "server="+e.Server)
	}
	if e.Part != "" {
		ctx = append(ctx, "part="+e.Part)
	}
	if len(ctx) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(ctx, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Stack is the goroutine stack captured where the error was raised.
func (e *Error) Stack() string {
	return string(e.stack)
}

// KindOf reports the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if err == nil {
		return ""
	}
	return KindUnknown
}

// StackOf returns the captured stack of err when it carries one.
func StackOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Stack()
	}
	return ""
}

type jobContext struct {
	source      string
	destination string
	server      string
}

func (c jobContext) fail(kind Kind, stage Stage, err error) *Error {
	return &Error{
		Kind:        kind,
		Stage:       stage,
		Source:      c.source,
		Destination: c.destination,
		Server:      c.server,
		Err:         err,
		stack:       debug.Stack(),
	}
}
