// Package protocol defines the JSON envelopes exchanged on the approval
// channel. Every envelope is a flat JSON object whose "event" field names
// the kind; the remaining fields are the kind's payload.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventName is the discriminant carried in the "event" field.
type EventName string

const (
	EventRegisterSession    EventName = "register_session"
	EventGetUserInfo        EventName = "get_user_info"
	EventUserInfo           EventName = "user_info"
	EventUserInfoNotFound   EventName = "user_info_not_found"
	EventWaitingForApproval EventName = "waiting_for_approval"
	EventApproveUser        EventName = "approve_user"
	EventMintingInProgress  EventName = "minting in progress"
	EventApprovalSuccess    EventName = "approval_success"
	EventDenyUser           EventName = "deny_user"
	EventApprovalDenied     EventName = "approval_denied"
)

var (
	// ErrUnknownEvent is returned by Decode for an unrecognised tag.
	ErrUnknownEvent = errors.New("unknown event")
	// ErrMissingEvent is returned by Decode when no tag is present.
	ErrMissingEvent = errors.New("missing event field")
)

// Event is implemented by every envelope payload type.
type Event interface {
	EventName() EventName
}

// RegisterSession binds the sending channel to Address for push routing.
type RegisterSession struct {
	Address string `json:"address"`
}

// GetUserInfo asks the relay for the pending identity behind a scanned address.
type GetUserInfo struct {
	Address string `json:"address"`
}

// UserInfo answers GetUserInfo when a pending identity exists.
type UserInfo struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Address string `json:"address"`
}

// UserInfoNotFound answers GetUserInfo when nothing is pending.
type UserInfoNotFound struct{}

// WaitingForApproval submits an applicant's chosen identity. NewAddress is
// the applicant's wallet; Address is the roster entry's address.
type WaitingForApproval struct {
	NewAddress string `json:"new_address"`
	Name       string `json:"name"`
	Email      string `json:"email"`
	Address    string `json:"address"`
}

// ApproveUser asks the relay to approve and mint for Address.
type ApproveUser struct {
	Address string `json:"address"`
}

// MintingInProgress reports a submitted, unconfirmed mint.
type MintingInProgress struct {
	Name string `json:"name"`
}

// ApprovalSuccess reports a confirmed mint.
type ApprovalSuccess struct {
	TxHash string `json:"txHash"`
}

// DenyUser rejects the pending request for Address.
type DenyUser struct {
	Address string `json:"address"`
}

// ApprovalDenied tells the applicant its pending request was rejected.
type ApprovalDenied struct {
	Address string `json:"address,omitempty"`
}

func (RegisterSession) EventName() EventName    { return EventRegisterSession }
func (GetUserInfo) EventName() EventName        { return EventGetUserInfo }
func (UserInfo) EventName() EventName           { return EventUserInfo }
func (UserInfoNotFound) EventName() EventName   { return EventUserInfoNotFound }
func (WaitingForApproval) EventName() EventName { return EventWaitingForApproval }
func (ApproveUser) EventName() EventName        { return EventApproveUser }
func (MintingInProgress) EventName() EventName  { return EventMintingInProgress }
func (ApprovalSuccess) EventName() EventName    { return EventApprovalSuccess }
func (DenyUser) EventName() EventName           { return EventDenyUser }
func (ApprovalDenied) EventName() EventName     { return EventApprovalDenied }

// Encode serialises ev as a flat object with its "event" tag.
func Encode(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, errors.New("encode: nil event")
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.EventName(), err)
	}

	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("encode %s: payload is not an object: %w", ev.EventName(), err)
	}

	tag, _ := json.Marshal(string(ev.EventName()))
	fields["event"] = tag

	return json.Marshal(fields)
}

// Decode parses one envelope into its concrete payload type.
func Decode(data []byte) (Event, error) {
	var head struct {
		Event *string `json:"event"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if head.Event == nil || *head.Event == "" {
		return nil, ErrMissingEvent
	}

	switch name := EventName(*head.Event); name {
	case EventRegisterSession:
		return decodeAs[RegisterSession](name, data)
	case EventGetUserInfo:
		return decodeAs[GetUserInfo](name, data)
	case EventUserInfo:
		return decodeAs[UserInfo](name, data)
	case EventUserInfoNotFound:
		return UserInfoNotFound{}, nil
	case EventWaitingForApproval:
		return decodeAs[WaitingForApproval](name, data)
	case EventApproveUser:
		return decodeAs[ApproveUser](name, data)
	case EventMintingInProgress:
		return decodeAs[MintingInProgress](name, data)
	case EventApprovalSuccess:
		return decodeAs[ApprovalSuccess](name, data)
	case EventDenyUser:
		return decodeAs[DenyUser](name, data)
	case EventApprovalDenied:
		return decodeAs[ApprovalDenied](name, data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}
}

func decodeAs[T Event](name EventName, data []byte) (Event, error) {
	var ev T
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return ev, nil
}
