// Package serializer turns application-level arguments and results into the
// opaque byte payloads carried by Request/Response frames (spec §6,
// "the serializer for payload objects" — an external collaborator to the
// core RPC runtime). The default implementation encodes with CBOR, the same
// codec the framing layer uses for the envelope itself, so a caller that
// only ever sees Go values never needs to know a wire format exists.
package serializer

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/fleetrpc/fleetrpc/pkg/errors"
)

// Serializer marshals a call's arguments for the wire and unmarshals a
// result (or vice versa on the callee side). Implementations must be safe
// for concurrent use.
type Serializer interface {
	MarshalArgs(args []any) ([]byte, error)
	UnmarshalArgs(data []byte) ([]any, error)
	MarshalResult(result any) ([]byte, error)
	UnmarshalResult(data []byte, into any) error
}

// CBOR is the default Serializer, backed by fxamacker/cbor's default
// encoding options (the frame envelope itself uses the canonical mode).
type CBOR struct{}

// NewCBOR creates a CBOR serializer.
func NewCBOR() *CBOR { return &CBOR{} }

// MarshalArgs encodes an argument list as a single CBOR array.
func (CBOR) MarshalArgs(args []any) ([]byte, error) {
	b, err := cbor.Marshal(args)
	if err != nil {
		return nil, errors.NewProtocolViolationError("encoding arguments", err)
	}
	return b, nil
}

// UnmarshalArgs decodes a CBOR array of arguments back into []any. Numeric
// values decode as their CBOR-native Go type (int64/uint64/float64);
// callers needing a specific numeric width should convert after resolving
// the overload.
func (CBOR) UnmarshalArgs(data []byte) ([]any, error) {
	var args []any
	if err := cbor.Unmarshal(data, &args); err != nil {
		return nil, errors.NewProtocolViolationError("decoding arguments", err)
	}
	return args, nil
}

// MarshalResult encodes a single result value.
func (CBOR) MarshalResult(result any) ([]byte, error) {
	b, err := cbor.Marshal(result)
	if err != nil {
		return nil, errors.NewProtocolViolationError("encoding result", err)
	}
	return b, nil
}

// UnmarshalResult decodes a single result value into into, which must be a
// pointer.
func (CBOR) UnmarshalResult(data []byte, into any) error {
	if err := cbor.Unmarshal(data, into); err != nil {
		return errors.NewProtocolViolationError("decoding result", err)
	}
	return nil
}
