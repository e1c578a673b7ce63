// Package tree models the scope of one batch operation as a mutable tree of
// directories and files, each with its own status machine and observers.
package tree

// Status is the state of one unit of work.
type Status int

const (
	StatusPending Status = iota
	StatusInProgress
	StatusDone
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInProgress:
		return "in_progress"
	case StatusDone:
		return "done"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Resolved reports whether no more work will happen for this status.
func (s Status) Resolved() bool {
	return s == StatusDone || s == StatusCancelled
}

// Kind discriminates the Entry union.
type Kind int

const (
	KindDirectory Kind = iota + 1
	KindFile
)

func (k Kind) String() string {
	switch k {
	case KindDirectory:
		return "directory"
	case KindFile:
		return "file"
	default:
		return "invalid"
	}
}

// Phase identifies which status machine of a node changed.
type Phase int

const (
	PhaseBefore Phase = iota + 1
	PhaseAfter
	PhaseFile
)

func (p Phase) String() string {
	switch p {
	case PhaseBefore:
		return "before"
	case PhaseAfter:
		return "after"
	case PhaseFile:
		return "file"
	default:
		return "invalid"
	}
}

// Progress is the {value, max} pair reported by chunked transfers.
type Progress struct {
	Value int64
	Max   int64
}
