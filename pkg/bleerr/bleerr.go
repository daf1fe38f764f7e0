// Package bleerr classifies BLE link failures as recoverable or terminal.
package bleerr

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/muxable/mdocble/pkg/config"
)

type Kind uint8

const (
	Recoverable Kind = iota
	Terminal
)

func (k Kind) String() string {
	if k == Terminal {
		return "terminal"
	}
	return "recoverable"
}

type Code uint8

const (
	CodeUnknown Code = iota
	CodeScanTimeout
	CodeConnectTimeout
	CodeConnectionFailed
	CodeDisconnected
	CodeDiscoveryFailed
	CodeCharacteristicMissing
	CodeIdentMismatch
	CodeMTUNegotiationFailed
	CodeL2CAPUnavailable
	CodeL2CAPNegotiationFailed
	CodeWriteFailed
	CodeProtocolViolation
	CodeBluetoothOff
	CodeUnauthorized
	CodeUnsupported
	CodePeerTerminated
	CodeAborted
)

var codeNames = map[Code]string{
	CodeUnknown:                "unknown",
	CodeScanTimeout:            "scan timeout",
	CodeConnectTimeout:         "connect timeout",
	CodeConnectionFailed:       "connection failed",
	CodeDisconnected:           "disconnected",
	CodeDiscoveryFailed:        "discovery failed",
	CodeCharacteristicMissing:  "characteristic missing",
	CodeIdentMismatch:          "ident mismatch",
	CodeMTUNegotiationFailed:   "mtu negotiation failed",
	CodeL2CAPUnavailable:       "l2cap unavailable",
	CodeL2CAPNegotiationFailed: "l2cap negotiation failed",
	CodeWriteFailed:            "write failed",
	CodeProtocolViolation:      "protocol violation",
	CodeBluetoothOff:           "bluetooth powered off",
	CodeUnauthorized:           "bluetooth unauthorized",
	CodeUnsupported:            "bluetooth unsupported",
	CodePeerTerminated:         "peer terminated session",
	CodeAborted:                "aborted",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("Code(%d)", uint8(c))
}

// Error is a link failure with a machine readable code.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func New(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

func (e *Error) Error() string {
	msg := e.Code.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so callers can write
// errors.Is(err, bleerr.New(bleerr.CodeIdentMismatch, "", nil)).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// Context is what the classifier knows about the link when err happened.
type Context struct {
	// SessionActive is true once the link reached CONNECTED.
	SessionActive bool
	L2CAP         config.L2CAPPolicy
	// RetriesExhausted turns every recoverable failure terminal.
	RetriesExhausted bool
}

// Classify maps err to a severity. It has no side effects.
func Classify(err error, c Context) Kind {
	if err == nil {
		return Recoverable
	}
	k := classify(err, c)
	if k == Recoverable && c.RetriesExhausted {
		return Terminal
	}
	return k
}

func classify(err error, c Context) Kind {
	var e *Error
	if errors.As(err, &e) {
		switch e.Code {
		case CodeScanTimeout, CodeConnectTimeout, CodeConnectionFailed, CodeDiscoveryFailed,
			CodeMTUNegotiationFailed, CodeWriteFailed:
			return Recoverable
		case CodeDisconnected, CodeBluetoothOff, CodeUnauthorized:
			if c.SessionActive {
				return Terminal
			}
			return Recoverable
		case CodeL2CAPUnavailable, CodeL2CAPNegotiationFailed:
			if c.L2CAP == config.L2CAPAlways {
				return Terminal
			}
			return Recoverable
		default:
			return Terminal
		}
	}
	switch {
	case errors.Is(err, context.Canceled):
		return Terminal
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):
		if c.SessionActive {
			return Terminal
		}
		return Recoverable
	}
	return Terminal
}

// Action is a user-facing remedy for a platform capability failure.
type Action uint8

const (
	ActionNone Action = iota
	ActionEnableBluetooth
	ActionGrantPermission
)

func (a Action) String() string {
	switch a {
	case ActionEnableBluetooth:
		return "enable bluetooth"
	case ActionGrantPermission:
		return "grant bluetooth permission"
	}
	return "none"
}

// RequiredAction reports whether err asks the user to do something before a
// session can start. During an active session the same failures are terminal
// errors instead.
func RequiredAction(err error, c Context) (Action, bool) {
	if c.SessionActive {
		return ActionNone, false
	}
	switch CodeOf(err) {
	case CodeBluetoothOff:
		return ActionEnableBluetooth, true
	case CodeUnauthorized:
		return ActionGrantPermission, true
	}
	return ActionNone, false
}
