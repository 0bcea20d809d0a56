package protocol

import "fmt"

// ApprovalStatus is the relay's authoritative membership state for a wallet.
type ApprovalStatus int

const (
	StatusUnapproved   ApprovalStatus = 0
	StatusWaiting      ApprovalStatus = 1
	StatusApproved     ApprovalStatus = 2
	StatusUnregistered ApprovalStatus = 3
)

func (s ApprovalStatus) String() string {
	switch s {
	case StatusUnapproved:
		return "UNAPPROVED"
	case StatusWaiting:
		return "WAITING"
	case StatusApproved:
		return "APPROVED"
	case StatusUnregistered:
		return "UNREGISTERED"
	default:
		return fmt.Sprintf("ApprovalStatus(%d)", int(s))
	}
}

// Valid reports whether s is one of the four known states.
func (s ApprovalStatus) Valid() bool {
	return s >= StatusUnapproved && s <= StatusUnregistered
}

// CanRequest reports whether an applicant in this state may submit an
// approval request.
func (s ApprovalStatus) CanRequest() bool {
	return s == StatusUnapproved || s == StatusUnregistered
}

// Candidate is a roster entry from the club directory.
type Candidate struct {
	Name    string `json:"name" yaml:"name" db:"name"`
	Email   string `json:"email" yaml:"email" db:"email"`
	Address string `json:"address" yaml:"address" db:"address"`
}
