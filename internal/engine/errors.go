package engine

import (
	"fmt"

	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/engineerr"
)

// requireNonEmpty is the shared argument-validation helper the façade runs
// before dispatching any operation; an empty id/text is always
// InvalidArgument regardless of which method received it.
func requireNonEmpty(field, value string) error {
	if value == "" {
		return fmt.Errorf("%w: %s must not be empty", engineerr.ErrInvalidArgument, field)
	}
	return nil
}
