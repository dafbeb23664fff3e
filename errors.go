package sdcard

import "errors"

// Error is a failure reported by the driver. Kinds for which IsMisuse returns
// true are caused by the caller's program, the others by the card or bus.
type Error uint8

const (
	// ErrNoCard: card does not respond at all, it is probably missing or unpowered.
	ErrNoCard Error = iota + 1
	// ErrUninitialized: the card host has not been initialized. Call InitCard first.
	ErrUninitialized
	// ErrReceiveOverrun: DMA could not keep up with the card during a read.
	ErrReceiveOverrun
	// ErrSendUnderrun: DMA could not keep up with the card during a write.
	ErrSendUnderrun
	// ErrTimeout: a command or data phase timed out.
	ErrTimeout
	// ErrCRCFail: a command or data CRC check failed.
	ErrCRCFail
	// ErrOperatingConditionsNotSupported: the card rejected the supplied voltage.
	ErrOperatingConditionsNotSupported
	// ErrUnexpectedResponse: the response belongs to a different command.
	ErrUnexpectedResponse
	// ErrUnknownResult: the controller flags do not match any expected outcome.
	ErrUnknownResult
	// ErrBusy: an operation is still outstanding. Call Result until it completes.
	ErrBusy
	// ErrNoOperation: a result was requested but no operation was started.
	ErrNoOperation
	// ErrInvalidValue: a decoded field holds a reserved encoding.
	ErrInvalidValue
)

// ErrWouldBlock is returned by InitCard and Result while the operation is
// still in progress. It is not a failure.
var ErrWouldBlock = errors.New("sdcard: would block")

func (e Error) Error() string {
	switch e {
	case ErrNoCard:
		return "sdcard: no card"
	case ErrUninitialized:
		return "sdcard: uninitialized"
	case ErrReceiveOverrun:
		return "sdcard: receive overrun"
	case ErrSendUnderrun:
		return "sdcard: send underrun"
	case ErrTimeout:
		return "sdcard: timeout"
	case ErrCRCFail:
		return "sdcard: crc fail"
	case ErrOperatingConditionsNotSupported:
		return "sdcard: operating conditions not supported"
	case ErrUnexpectedResponse:
		return "sdcard: unexpected response"
	case ErrUnknownResult:
		return "sdcard: unknown result"
	case ErrBusy:
		return "sdcard: busy"
	case ErrNoOperation:
		return "sdcard: no operation"
	case ErrInvalidValue:
		return "sdcard: invalid value"
	}
	return "sdcard: unknown error"
}

// IsMisuse reports whether the error was caused by requesting an operation in
// a state that cannot support it, as opposed to a card or bus failure.
func (e Error) IsMisuse() bool {
	return e == ErrUninitialized || e == ErrBusy || e == ErrNoOperation
}
