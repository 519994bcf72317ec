package card

import "fmt"

// CardCommunicationError reports a transport failure between the reader and
// the card in the middle of an APDU exchange.
type CardCommunicationError struct {
	Op  string
	Err error
}

func (e *CardCommunicationError) Error() string {
	return fmt.Sprintf("card communication error during %s: %v", e.Op, e.Err)
}

func (e *CardCommunicationError) Unwrap() error { return e.Err }

// NewCardCommunicationError wraps err with the operation that triggered it.
func NewCardCommunicationError(op string, err error) *CardCommunicationError {
	return &CardCommunicationError{Op: op, Err: err}
}

// ReaderCommunicationError reports that the driver/hardware itself is
// unusable, independent of any particular APDU.
type ReaderCommunicationError struct {
	Reader string
	Err    error
}

func (e *ReaderCommunicationError) Error() string {
	return fmt.Sprintf("reader %q is unusable: %v", e.Reader, e.Err)
}

func (e *ReaderCommunicationError) Unwrap() error { return e.Err }

func NewReaderCommunicationError(reader string, err error) *ReaderCommunicationError {
	return &ReaderCommunicationError{Reader: reader, Err: err}
}

// UnexpectedStatusWordError reports a status word outside an APDU's accepted
// set, raised only when the caller requested strict mode.
type UnexpectedStatusWordError struct {
	Got      uint16
	Accepted []uint16
}

func (e *UnexpectedStatusWordError) Error() string {
	return fmt.Sprintf("unexpected status word %04X (accepted: %04X)", e.Got, e.Accepted)
}

// IllegalState reports API misuse: an empty scenario, an unregistered
// reader, an observer attached to a non-observable reader, a pipeline reused
// after process_scenario, and similar caller errors. It is always fatal to
// the call but never to the reader.
type IllegalState struct {
	Reason string
}

func (e *IllegalState) Error() string {
	return fmt.Sprintf("illegal state: %s", e.Reason)
}

// NewIllegalState formats Reason from format/args, matching fmt.Errorf usage
// at call sites.
func NewIllegalState(format string, args ...interface{}) *IllegalState {
	return &IllegalState{Reason: fmt.Sprintf(format, args...)}
}

// PluginError reports a driver failure surfacing from the registry layer
// (e.g. a factory that cannot produce a ReaderDriver, or a named reader that
// is not registered).
type PluginError struct {
	Plugin string
	Err    error
}

func (e *PluginError) Error() string {
	return fmt.Sprintf("plugin %q error: %v", e.Plugin, e.Err)
}

func (e *PluginError) Unwrap() error { return e.Err }

func NewPluginError(plugin string, err error) *PluginError {
	return &PluginError{Plugin: plugin, Err: err}
}
