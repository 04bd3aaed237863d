package sre

// Code is the abstract result code reported across the agent/server boundary.
type Code string

const (
	Accepted         Code = "Accepted"
	DuplicateIgnored Code = "DuplicateIgnored"
	RejectedTamper   Code = "RejectedTamper"
	RejectedExpired  Code = "RejectedExpired"
	RejectedStale    Code = "RejectedStale"

	RejectedConflict    Code = "RejectedConflict"
	RejectedOutOfOrder  Code = "RejectedOutOfOrder"
	RejectedMalformed   Code = "RejectedMalformed"
	RejectedUnavailable Code = "RejectedUnavailable"

	Delivered         Code = "Delivered"
	DeliveryAbandoned Code = "DeliveryAbandoned"
)

// IsRejection reports whether c rejects the request it answers.
func (c Code) IsRejection() bool {
	switch c {
	case RejectedTamper, RejectedExpired, RejectedStale, RejectedConflict,
		RejectedOutOfOrder, RejectedMalformed, RejectedUnavailable:
		return true
	}
	return false
}

// CodeOf maps an error to its boundary result code. A nil error is Accepted.
// Unstructured errors are reported as RejectedUnavailable so that callers
// never treat an unknown failure as success.
func CodeOf(err error) Code {
	if err == nil {
		return Accepted
	}
	switch KindOf(err) {
	case KindSignatureInvalid, KindNonceReplay:
		return RejectedTamper
	case KindEnvelopeExpired:
		return RejectedExpired
	case KindStaleRound:
		return RejectedStale
	case KindRoundConflict:
		return RejectedConflict
	case KindRoundOutOfOrder:
		return RejectedOutOfOrder
	case KindMalformed:
		return RejectedMalformed
	case KindTransientDelivery, KindPermanentDelivery, KindDeliveryAbandoned:
		return DeliveryAbandoned
	default:
		return RejectedUnavailable
	}
}
