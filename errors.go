package matching

import "fmt"

// Error is a matching runtime error. Every failure surfaced by the public
// API is one of the package-level values below, carrying the vendor
// numeric code so emulator glue can hand it back to the guest unchanged.
type Error struct {
	code uint32
	name string
}

func (e *Error) Error() string {
	return fmt.Sprintf("adhoc matching: %s (0x%08x)", e.name, e.code)
}

// Code returns the vendor error code in the 0x8041310x range.
func (e *Error) Code() uint32 { return e.code }

var (
	ErrInvalidMode        = &Error{0x80413101, "invalid mode"}
	ErrInvalidPort        = &Error{0x80413102, "invalid port"}
	ErrInvalidMaxnum      = &Error{0x80413103, "invalid maxnum"}
	ErrRxbufTooShort      = &Error{0x80413104, "rxbuf too short"}
	ErrInvalidOptlen      = &Error{0x80413105, "invalid optlen"}
	ErrInvalidArg         = &Error{0x80413106, "invalid argument"}
	ErrInvalidID          = &Error{0x80413107, "invalid id"}
	ErrIDNotAvail         = &Error{0x80413108, "no id available"}
	ErrNoSpace            = &Error{0x80413109, "no space"}
	ErrIsRunning          = &Error{0x8041310a, "context is running"}
	ErrNotRunning         = &Error{0x8041310b, "context not running"}
	ErrUnknownTarget      = &Error{0x8041310c, "unknown target"}
	ErrTargetNotReady     = &Error{0x8041310d, "target not ready"}
	ErrExceedMaxnum       = &Error{0x8041310e, "exceed maxnum"}
	ErrRequestInProgress  = &Error{0x8041310f, "request in progress"}
	ErrAlreadyEstablished = &Error{0x80413110, "already established"}
	ErrBusy               = &Error{0x80413111, "busy"}
	ErrAlreadyInitialized = &Error{0x80413112, "already initialized"}
	ErrNotInitialized     = &Error{0x80413113, "not initialized"}
	ErrPortInUse          = &Error{0x80413114, "port in use"}
	ErrStacksizeTooShort  = &Error{0x80413115, "stack size too short"}
	ErrInvalidDatalen     = &Error{0x80413116, "invalid data length"}
	ErrNotEstablished     = &Error{0x80413117, "not established"}
	ErrDataBusy           = &Error{0x80413118, "data busy"}
	ErrInvalidAlignment   = &Error{0x80413119, "invalid alignment"}
)
