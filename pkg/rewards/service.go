package rewards

import (
	"context"
	"fmt"
)

// Service contains the rewards domain logic over a Store.
type Service struct {
	store    Store
	nowFn    func() int64
	flow     FlowConfig
	mode     ExecutionMode
	codes    CodeSource
	charger  CardCharger
	logger   OperationLogger
	notifier TransactionNotifier
}

// NewService wires a Service.
func NewService(store Store, now func() int64, flow FlowConfig, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	if err := flow.Validate(); err != nil {
		return nil, err
	}
	service := &Service{
		store: store,
		nowFn: now,
		flow:  flow,
		mode:  ModeLive,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if _, err := ParseExecutionMode(string(service.mode)); err != nil {
		return nil, err
	}
	if service.codes == nil {
		service.codes = NewRandomCodeSource()
	}
	if service.charger == nil {
		service.charger = NopCharger{}
	}
	return service, nil
}

// Flow returns the configured flow variant parameters.
func (service *Service) Flow() FlowConfig {
	return service.flow
}

// Mode returns the configured execution mode.
func (service *Service) Mode() ExecutionMode {
	return service.mode
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func (service *Service) notifyChanged(ctx context.Context, transaction PendingTransaction) {
	if service.notifier == nil {
		return
	}
	service.notifier.TransactionChanged(ctx, transaction)
}
