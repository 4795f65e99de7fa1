package repository

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

var (
	// ErrNotFound means the document does not exist in the addressed partition.
	ErrNotFound = errors.New("repository: not found")
	// ErrConflict means a create hit an existing document.
	ErrConflict = errors.New("repository: already exists")
	// ErrUnavailable means the backend is unconfigured or unreachable.
	ErrUnavailable = errors.New("repository: backend unavailable")
	// ErrTransient means a single call failed (timeout, throttling) but the
	// backend is otherwise healthy.
	ErrTransient = errors.New("repository: transient backend error")
)

// wrap prefixes err with the operation name and tags it with its kind.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if kind := kindOf(err); kind != nil {
		return fmt.Errorf("repository: %s: %w: %w", op, kind, err)
	}
	return fmt.Errorf("repository: %s: %w", op, err)
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func kindOf(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTransient
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException",
			"ProvisionedThroughputExceededException",
			"RequestLimitExceeded",
			"InternalServerError",
			"ServiceUnavailable",
			"TransactionConflictException":
			return ErrTransient
		case "ResourceNotFoundException",
			"AccessDeniedException",
			"UnrecognizedClientException",
			"InvalidSignatureException",
			"MissingAuthenticationTokenException",
			"ExpiredTokenException":
			return ErrUnavailable
		}
		return nil
	}

	var sendErr *smithyhttp.RequestSendError
	if errors.As(err, &sendErr) {
		return ErrUnavailable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrUnavailable
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrUnavailable
	}
	return nil
}
