package shared

import "errors"

var (
	ErrNoLogger         = errors.New("no logger provided")
	ErrNoConfig         = errors.New("no config provided")
	ErrNoCredential     = errors.New("no credential provided")
	ErrInvalidRole      = errors.New("invalid party role")
	ErrInvalidEvent     = errors.New("invalid signaling event")
	ErrUnknownEvent     = errors.New("unknown signaling event")
	ErrNotConnected     = errors.New("transport not connected")
	ErrTransportClosed  = errors.New("transport closed")
	ErrTransportLost    = errors.New("transport reconnection attempts exhausted")
	ErrCallInProgress   = errors.New("call already in progress")
	ErrNoActiveCall     = errors.New("no active call")
	ErrNotRinging       = errors.New("no incoming call to answer")
	ErrSessionClosed    = errors.New("session closed")
	ErrStaleCompletion  = errors.New("session changed before operation completed")
	ErrPeerLinkFailed   = errors.New("peer link failed")
	ErrSetupTimeout     = errors.New("call setup timed out")
	ErrCallRejected     = errors.New("call rejected by remote party")
	ErrNoRemoteParty    = errors.New("no remote party id provided")
	ErrEmptyMessage     = errors.New("empty chat message")
	ErrDirectoryStatus  = errors.New("unexpected directory response status")
	ErrAlreadyConnected = errors.New("transport already started")
	ErrNoOpenThread     = errors.New("no chat thread open")
	ErrUnknownCommand   = errors.New("unknown command")
)
