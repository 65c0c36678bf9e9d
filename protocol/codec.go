package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
)

// Version is the wire protocol version stamped on every envelope.
const Version uint8 = 1

var (
	// ErrUnknownKind is returned for a structurally valid envelope whose
	// kind is not in the catalog. Receivers may skip such messages
	// instead of treating them as malformed input.
	ErrUnknownKind = errors.New("protocol: unknown message kind")
	// ErrVersionMismatch is returned for envelopes stamped with a
	// protocol version this decoder does not speak.
	ErrVersionMismatch = errors.New("protocol: unsupported version")
)

// Envelope is the self-describing wire record wrapping every message.
// Payload holds the RLP encoding of the kind-specific body. Timestamp
// is unix milliseconds at the sender.
type Envelope struct {
	Version   uint8
	Kind      Kind
	Operator  string
	RequestID string
	Timestamp uint64
	Payload   []byte
}

// NewEnvelope wraps a body into an envelope for the given operator and
// request identifier.
func NewEnvelope(kind Kind, operator, requestID string, body any) (*Envelope, error) {
	if !kind.Known() {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownKind, uint8(kind))
	}
	payload, err := rlp.EncodeToBytes(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", kind, err)
	}
	return &Envelope{
		Version:   Version,
		Kind:      kind,
		Operator:  operator,
		RequestID: requestID,
		Timestamp: uint64(time.Now().UnixMilli()),
		Payload:   payload,
	}, nil
}

// Encode serialises the envelope to its canonical wire form.
func Encode(env *Envelope) ([]byte, error) {
	if !env.Kind.Known() {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownKind, uint8(env.Kind))
	}
	if env.Version == 0 {
		env.Version = Version
	}
	return rlp.EncodeToBytes(env)
}

// Decode parses a wire record back into an envelope. Garbled or
// truncated input yields a Malformed taxonomy error, never a panic. An
// envelope with an unrecognised kind decodes structurally but is
// reported via ErrUnknownKind so the receiver can skip it.
func Decode(raw []byte) (*Envelope, error) {
	env := new(Envelope)
	if err := rlp.DecodeBytes(raw, env); err != nil {
		return nil, NewError(CodeMalformed, "", fmt.Sprintf("decode envelope: %v", err))
	}
	if env.Version != Version {
		return env, fmt.Errorf("%w: got %d want %d", ErrVersionMismatch, env.Version, Version)
	}
	if !env.Kind.Known() {
		return env, fmt.Errorf("%w: 0x%02x", ErrUnknownKind, uint8(env.Kind))
	}
	return env, nil
}

// Body decodes the kind-specific payload. The switch is exhaustive over
// the catalog; a payload that does not match its kind's schema yields a
// Malformed taxonomy error tagged with the envelope's request id.
func (e *Envelope) Body() (any, error) {
	var body any
	switch e.Kind {
	case KindProvisionWallet:
		body = new(ProvisionWallet)
	case KindProvisionAck:
		body = new(ProvisionAck)
	case KindBalanceRequest:
		body = new(BalanceRequest)
	case KindBalanceResponse:
		body = new(BalanceResponse)
	case KindCreateTransaction:
		body = new(CreateTransaction)
	case KindUnsignedTransaction:
		body = new(UnsignedTransaction)
	case KindSignedTransaction:
		body = new(SignedTransaction)
	case KindTransactionResult:
		body = new(TransactionResult)
	case KindTransactionHistory:
		body = new(TransactionHistory)
	case KindHistoryResponse:
		body = new(HistoryResponse)
	case KindExportOutputs:
		body = new(ExportOutputs)
	case KindExportOutputsResponse:
		body = new(ExportOutputsResponse)
	case KindImportKeyImages:
		body = new(ImportKeyImages)
	case KindImportKeyImagesResponse:
		body = new(ImportKeyImagesResponse)
	case KindStatus:
		body = new(Status)
	case KindError:
		body = new(ErrorPayload)
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownKind, uint8(e.Kind))
	}
	if err := rlp.DecodeBytes(e.Payload, body); err != nil {
		return nil, NewError(CodeMalformed, e.RequestID, fmt.Sprintf("decode %s payload: %v", e.Kind, err))
	}
	return body, nil
}

// ErrorEnvelope builds the wire form of a taxonomy error reply.
func ErrorEnvelope(operator string, perr *Error) (*Envelope, error) {
	return NewEnvelope(KindError, operator, perr.RequestID, &ErrorPayload{
		Code:   string(perr.Code),
		Detail: perr.Detail,
	})
}

// PayloadError converts a received ErrorPayload back into a taxonomy
// error tagged with the envelope's request identifier.
func (e *Envelope) PayloadError() (*Error, error) {
	if e.Kind != KindError {
		return nil, fmt.Errorf("envelope kind %s is not an error", e.Kind)
	}
	body, err := e.Body()
	if err != nil {
		return nil, err
	}
	ep := body.(*ErrorPayload)
	return &Error{Code: Code(ep.Code), RequestID: e.RequestID, Detail: ep.Detail}, nil
}
