package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/driftware/paddock/pkg/types"
)

// Client is the capability interface over the cloud GPU provider. Every
// call may fail transiently; callers classify with the Is* helpers.
type Client interface {
	// CreatePod requests one instance and returns its opaque pod id the
	// moment the provider accepts the request. The pod may not be
	// running yet.
	CreatePod(ctx context.Context, spec types.PodSpec) (string, error)
	GetPod(ctx context.Context, podID string) (*types.Pod, error)
	ListPods(ctx context.Context) ([]*types.Pod, error)
	// TerminatePod is idempotent: terminating an already-gone pod
	// returns a not-found error, which callers treat as success.
	TerminatePod(ctx context.Context, podID string) error
}

// ErrorKind classifies provider failures.
type ErrorKind int

const (
	// KindTransient covers network failures and 5xx responses; retry.
	KindTransient ErrorKind = iota
	// KindNotFound means the pod no longer exists at the provider.
	KindNotFound
	// KindAuth means credentials were rejected; retrying cannot help.
	KindAuth
	// KindInvalid covers other 4xx responses.
	KindInvalid
)

// Error is a classified provider failure.
type Error struct {
	Kind       ErrorKind
	Op         string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func kindOf(err error) (ErrorKind, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return 0, false
}

// IsNotFound reports whether the provider says the pod is already gone.
func IsNotFound(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindNotFound
}

// IsAuth reports whether the failure is a credential rejection.
func IsAuth(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindAuth
}

// IsTransient reports whether the failure is worth retrying.
func IsTransient(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindTransient
}
