package contracts

import "fmt"

// Kind names one of the four policy documents.
type Kind string

const (
	KindDestinationProfile Kind = "dp"
	KindSafeEnvelope       Kind = "se"
	KindCapabilitySpec     Kind = "cs"
	KindTrustAudit         Kind = "tac"
)

// Kinds lists the documents in load order.
func Kinds() []Kind {
	return []Kind{KindDestinationProfile, KindSafeEnvelope, KindCapabilitySpec, KindTrustAudit}
}

// ContractLoadError is fatal: the process cannot serve sessions without a
// complete, valid contract set. It is never retried.
type ContractLoadError struct {
	Kind Kind
	Path string
	Err  error
}

func (e *ContractLoadError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("contract load error (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("contract load error (%s at %s): %v", e.Kind, e.Path, e.Err)
}

func (e *ContractLoadError) Unwrap() error { return e.Err }
