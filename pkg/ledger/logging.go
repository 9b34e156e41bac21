package ledger

import "context"

// ServiceOption customizes a Service at construction time.
type ServiceOption func(*Service)

// OperationLogger receives one entry per state-changing call, successful or not.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog is the audit record of a single wallet mutation.
// Amount is signed for admin adjustments and positive otherwise.
type OperationLog struct {
	Operation       string
	UserID          UserID
	TransactionCode TransactionCode
	Type            TransactionType
	Amount          int64
	Reason          string
	Status          string
	Error           error
}

// WithOperationLogger attaches an audit logger.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithCodeGenerator replaces the transaction code source for settled postings.
// A nil generator keeps the default.
func WithCodeGenerator(generate func() string) ServiceOption {
	return func(service *Service) {
		if generate != nil {
			service.codeFn = generate
		}
	}
}
