package pipeline

import (
	"errors"
	"fmt"
)

var (
	errMissingFetcher    = errors.New("feed fetcher is required")
	errMissingNormalizer = errors.New("normalizer is required")
	errMissingSink       = errors.New("toot sink is required")
	errMissingEndpoint   = errors.New("feed endpoint is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingDatabase   = errors.New("database handle is required")
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew    = "pipeline.service.new"
	opSyncOnRequest = "pipeline.sync_on_request"
	opRunStoreNew   = "pipeline.run_store.new"
	opRecordLeg     = "pipeline.record_leg"
	opListRuns      = "pipeline.list_runs"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
