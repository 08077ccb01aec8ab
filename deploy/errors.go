package deploy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aws/smithy-go"
)

// NotFoundError reports a missing cloud resource.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// ConflictError reports a resource that already exists or is in a state that
// forbids the operation.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// IsNotFound reports whether err is, or wraps, a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// mapAWSError converts AWS API errors to the package's error types.
func mapAWSError(err error, resource, id string) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%s %s: %w", resource, id, err)
	}

	switch apiErr.ErrorCode() {
	case "ResourceNotFoundException", "NoSuchEntity", "NoSuchBucket", "NoSuchKey", "NotFound",
		"InvalidInstanceID.NotFound", "InvalidAllocationID.NotFound", "InvalidAddress.NotFound":
		return &NotFoundError{Resource: resource, ID: id}
	case "ResourceExistsException", "AlreadyExistsException", "EntityAlreadyExists",
		"BucketAlreadyOwnedByYou", "ResourceConflictException":
		return &ConflictError{Message: fmt.Sprintf("%s %s already exists", resource, id)}
	case "ValidationError":
		if strings.Contains(apiErr.ErrorMessage(), "does not exist") {
			return &NotFoundError{Resource: resource, ID: id}
		}
	}
	return fmt.Errorf("%s %s: %w", resource, id, err)
}

// isNoUpdates reports the CloudFormation response to an update that would not
// change anything.
func isNoUpdates(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) &&
		apiErr.ErrorCode() == "ValidationError" &&
		strings.Contains(apiErr.ErrorMessage(), "No updates are to be performed")
}
