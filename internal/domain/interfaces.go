package domain

import (
	"context"

	"serum_rest/internal/solana"
)

// StreamWorker defines the interface for long-lived websocket connectors
type StreamWorker interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
}

type SignatureState int

const (
	SignaturePending SignatureState = iota
	SignatureConfirmed
	SignatureFailed
)

func (s SignatureState) String() string {
	switch s {
	case SignatureConfirmed:
		return "confirmed"
	case SignatureFailed:
		return "failed"
	default:
		return "pending"
	}
}

// SignatureStatus is the network's view of a submitted transaction.
// Err is set only when State is SignatureFailed.
type SignatureStatus struct {
	State SignatureState
	Err   string
	Slot  uint64
}

// TransactionSender submits raw transactions and polls their status.
type TransactionSender interface {
	SendRawTransaction(ctx context.Context, raw []byte) (solana.Signature, error)
	GetSignatureStatus(ctx context.Context, sig solana.Signature) (SignatureStatus, error)
}

// SignatureSubscriber pushes the status of a signature once it lands.
// The returned channel yields at most one value; cancel releases the
// subscription and may be called more than once.
type SignatureSubscriber interface {
	SubscribeSignature(ctx context.Context, sig solana.Signature) (<-chan SignatureStatus, func(), error)
}

// AccountSubscriber notifies onChange with the raw account data on every update.
type AccountSubscriber interface {
	SubscribeAccount(ctx context.Context, address solana.PublicKey, onChange func(data []byte)) (func(), error)
}

// MarketRepository persists the market catalog
type MarketRepository interface {
	SaveMarket(record *MarketRecord) error
	FindAllMarkets() ([]MarketRecord, error)
}

// SubmissionJournal records transaction submissions for audit.
type SubmissionJournal interface {
	RecordSubmission(record *SubmissionRecord) error
}
