package main

// CigarStatus is the per-member cigar lifecycle state.
type CigarStatus string

const (
	StatusSelecting CigarStatus = "selecting"
	StatusCut       CigarStatus = "cut"
	StatusLit       CigarStatus = "lit"
	StatusSmoking   CigarStatus = "smoking"
	StatusFinished  CigarStatus = "finished"
)

// validNext maps each status to its single legal successor. The lifecycle is
// a strict linear ritual; finished loops back to selecting so a member can
// start a fresh cigar without rejoining.
var validNext = map[CigarStatus]CigarStatus{
	StatusSelecting: StatusCut,
	StatusCut:       StatusLit,
	StatusLit:       StatusSmoking,
	StatusSmoking:   StatusFinished,
	StatusFinished:  StatusSelecting,
}

// Valid reports whether s is a known status value.
func (s CigarStatus) Valid() bool {
	_, ok := validNext[s]
	return ok
}

// ValidateTransition rejects everything but the single enumerated successor
// of each state. Unknown statuses on either side fail the same way.
func ValidateTransition(from, to CigarStatus) error {
	next, ok := validNext[from]
	if !ok || !to.Valid() || next != to {
		return ErrInvalidTransition
	}
	return nil
}
