package teec

import "fmt"

// Code is the abstract error taxonomy of the client stack, independent of
// the driver's raw errno-style return values.
type Code int

const (
	// Success is not really an error; zero value reserved for it.
	Success Code = iota
	// BadParameters means caller-supplied input failed validation.
	BadParameters
	// AccessDenied means the kernel or filesystem refused the request.
	AccessDenied
	// OutOfMemory means an allocation failed.
	OutOfMemory
	// Generic means the driver/ioctl reported a non-specific failure.
	Generic
	// TargetDead means the TEE-side endpoint has crashed; the session must
	// be discarded, never reused.
	TargetDead
	// CaAuthFailed means the broker refused the caller's identity.
	CaAuthFailed
	// Interrupted means a cancel or shutdown fired during the operation.
	Interrupted
	// NotSupported means the platform does not expose the requested feature.
	NotSupported
	// TrustedAppLoadError means the TA image could not be loaded.
	TrustedAppLoadError
)

func (c Code) String() string {
	switch c {
	case Success:
		return "success"
	case BadParameters:
		return "bad parameters"
	case AccessDenied:
		return "access denied"
	case OutOfMemory:
		return "out of memory"
	case Generic:
		return "generic failure"
	case TargetDead:
		return "target dead"
	case CaAuthFailed:
		return "ca auth failed"
	case Interrupted:
		return "interrupted"
	case NotSupported:
		return "not supported"
	case TrustedAppLoadError:
		return "trusted app load error"
	default:
		return "unknown"
	}
}

// Error is the error type every CA-facing API returns; nothing in this
// package panics or calls os.Exit on a caller's behalf.
type Error struct {
	Code Code
	// Origin and ReturnCode mirror the driver's in-struct second-level
	// reporting so that TEE-side errors survive marshalling back to the CA,
	// per the error-propagation contract.
	Origin     uint32
	ReturnCode uint32
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("teec: %s (origin=%d code=%#x): %v", e.Code, e.Origin, e.ReturnCode, e.cause)
	}

	return fmt.Sprintf("teec: %s (origin=%d code=%#x)", e.Code, e.Origin, e.ReturnCode)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Error satisfies the error interface so a bare Code can be passed as the
// target of errors.Is(err, teec.BadParameters) without constructing an
// *Error around it first.
func (c Code) Error() string {
	return c.String()
}

// Is lets errors.Is(err, teec.BadParameters) match against e's Code directly,
// without callers needing to type-assert *Error out of the chain themselves.
func (e *Error) Is(target error) bool {
	tc, ok := target.(Code)
	return ok && tc == e.Code
}

// NewError builds a teec.Error from an abstract code plus an optional cause.
func NewError(code Code, cause error) *Error {
	return &Error{Code: code, cause: cause}
}

// NewErrorWithOrigin additionally carries the driver's origin/return-code
// pair, used when a command failed inside the TEE rather than in marshalling.
func NewErrorWithOrigin(code Code, origin, returnCode uint32, cause error) *Error {
	return &Error{Code: code, Origin: origin, ReturnCode: returnCode, cause: cause}
}

// FromErrno maps a driver ioctl's raw negative errno-style return into the
// abstract taxonomy, per the propagation rule in the error-handling design:
// negative -EINVAL -> BadParameters, -EFAULT -> AccessDenied, etc.
func FromErrno(errno int) Code {
	switch errno {
	case 0:
		return Success
	case -1 * int(eINVAL):
		return BadParameters
	case -1 * int(eFAULT), -1 * int(eACCES), -1 * int(ePERM):
		return AccessDenied
	case -1 * int(eNOMEM):
		return OutOfMemory
	case -1 * int(eNODEV), -1 * int(eIO):
		return TargetDead
	case -1 * int(eNOSYS), -1 * int(eOPNOTSUPP):
		return NotSupported
	case -1 * int(eINTR):
		return Interrupted
	default:
		return Generic
	}
}

// The numeric values below mirror the standard Linux errno constants used by
// the driver binding; kept as untyped constants here (rather than importing
// golang.org/x/sys/unix into this leaf package) to keep Code mapping free of
// platform build tags.
const (
	ePERM      = 1
	eIO        = 5
	eNODEV     = 19
	eINVAL     = 22
	eNOSYS     = 38
	eFAULT     = 14
	eACCES     = 13
	eNOMEM     = 12
	eINTR      = 4
	eOPNOTSUPP = 95
)
