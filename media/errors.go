package media

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
)

// ErrorKind is the closed set of reasons media acquisition can fail. The UI
// keys its message on it, so every failure maps to exactly one kind.
type ErrorKind int

const (
	Unknown ErrorKind = iota
	PermissionDenied
	DeviceNotFound
	DeviceUnavailable
	ConstraintsUnsatisfiable
	ContextDisallowed
	InvalidConstraints
)

func (k ErrorKind) String() string {
	switch k {
	case PermissionDenied:
		return "PermissionDenied"
	case DeviceNotFound:
		return "DeviceNotFound"
	case DeviceUnavailable:
		return "DeviceUnavailable"
	case ConstraintsUnsatisfiable:
		return "ConstraintsUnsatisfiable"
	case ContextDisallowed:
		return "ContextDisallowed"
	case InvalidConstraints:
		return "InvalidConstraints"
	}
	return "Unknown"
}

// Message is the user-facing text for k.
func (k ErrorKind) Message() string {
	switch k {
	case PermissionDenied:
		return "Camera or microphone access was denied. Allow access and try again."
	case DeviceNotFound:
		return "No camera or microphone was found."
	case DeviceUnavailable:
		return "The camera or microphone is already in use by another application."
	case ConstraintsUnsatisfiable:
		return "Your camera or microphone does not support the requested settings."
	case ContextDisallowed:
		return "Camera and microphone access is not allowed here."
	case InvalidConstraints:
		return "The requested media settings are invalid."
	}
	return "Could not access camera or microphone."
}

type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("media %s: %v", e.Kind, e.Err)
	}
	return "media " + e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the kind carried by err, Unknown when err is not a media error.
func KindOf(err error) ErrorKind {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	return Unknown
}

// Classify maps a capture driver failure onto a kind. devicesPresent tells
// "no driver fits" apart from "nothing to open at all".
func Classify(err error, devicesPresent bool) *Error {
	if err == nil {
		return nil
	}
	var me *Error
	if errors.As(err, &me) {
		return me
	}
	switch {
	case errors.Is(err, os.ErrPermission),
		errors.Is(err, syscall.EACCES),
		errors.Is(err, syscall.EPERM):
		return NewError(PermissionDenied, err)
	case errors.Is(err, syscall.EBUSY):
		return NewError(DeviceUnavailable, err)
	case errors.Is(err, syscall.ENODEV),
		errors.Is(err, syscall.ENOENT),
		errors.Is(err, os.ErrNotExist):
		return NewError(DeviceNotFound, err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission denied"), strings.Contains(msg, "not permitted"):
		return NewError(PermissionDenied, err)
	case strings.Contains(msg, "busy"), strings.Contains(msg, "in use"):
		return NewError(DeviceUnavailable, err)
	case strings.Contains(msg, "failed to find the best driver"), strings.Contains(msg, "not found"):
		if devicesPresent {
			return NewError(ConstraintsUnsatisfiable, err)
		}
		return NewError(DeviceNotFound, err)
	}
	return NewError(Unknown, err)
}
