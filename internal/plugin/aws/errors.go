package aws

import (
	"errors"
	"strings"

	"github.com/aws/smithy-go"

	"github.com/yairfalse/overwatch/internal/apperr"
)

// retryableCodes are API error codes that mean "try again later".
var retryableCodes = map[string]bool{
	"Throttling":                             true,
	"ThrottlingException":                    true,
	"ThrottledException":                     true,
	"RequestThrottled":                       true,
	"RequestThrottledException":              true,
	"TooManyRequestsException":               true,
	"ProvisionedThroughputExceededException": true,
	"RequestLimitExceeded":                   true,
	"SlowDown":                               true,
	"RequestTimeout":                         true,
	"RequestTimeoutException":                true,
	"ServiceUnavailable":                     true,
	"InternalError":                          true,
	"InternalFailure":                        true,
}

// notFoundCodes mean the resource is already gone.
var notFoundCodes = map[string]bool{
	"InvalidInstanceID.NotFound":              true,
	"InvalidVolume.NotFound":                  true,
	"NoSuchBucket":                            true,
	"DBInstanceNotFound":                      true,
	"DBInstanceNotFoundFault":                 true,
	"ResourceNotFoundException":               true,
	"RepositoryNotFoundException":             true,
	"AWS.SimpleQueueService.NonExistentQueue": true,
	"QueueDoesNotExist":                       true,
	"LoadBalancerNotFound":                    true,
}

// errStackGone reports a stack that is deleted or already being deleted.
var errStackGone = errors.New("stack does not exist")

// classify maps an SDK error onto the apperr external kinds.
// The service answering with a client fault is a rejection; anything else
// (transport, timeouts, throttling, server faults) is unavailability.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		if retryableCodes[ae.ErrorCode()] || ae.ErrorFault() == smithy.FaultServer {
			return apperr.Wrap(apperr.KindExternalUnavailable, op, err)
		}
		return apperr.Wrap(apperr.KindExternalRejected, op, err)
	}
	return apperr.Wrap(apperr.KindExternalUnavailable, op, err)
}

// isNotFound reports whether err says the resource does not exist.
func isNotFound(err error) bool {
	if errors.Is(err, errStackGone) {
		return true
	}
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return false
	}
	if notFoundCodes[ae.ErrorCode()] {
		return true
	}
	// Auto Scaling and CloudFormation report missing resources as validation errors.
	msg := ae.ErrorMessage()
	return ae.ErrorCode() == "ValidationError" && (strings.Contains(msg, "not found") || strings.Contains(msg, "does not exist"))
}

// isNoTags reports whether err means the resource simply has no tags.
func isNoTags(err error) bool {
	var ae smithy.APIError
	return errors.As(err, &ae) && ae.ErrorCode() == "NoSuchTagSet"
}
