package firestore

import (
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/aftabshop/api/internal/platform/firestore"
)

// notFoundError builds a repository not-found error for lookups that resolve
// through queries rather than direct document reads.
func notFoundError(op, format string, args ...any) error {
	return pfirestore.WrapError(op, status.Error(codes.NotFound, fmt.Sprintf(format, args...)))
}
