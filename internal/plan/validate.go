package plan

import (
	"fmt"
	"strings"

	"github.com/hanpama/fedrouter/internal/graphql"
)

// ServiceSet answers whether a service name can be fetched from.
type ServiceSet interface {
	Has(name string) bool
}

// ValidationError reports plan services missing from the registry.
type ValidationError struct {
	Missing []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("query plan references unknown services: %s", strings.Join(e.Missing, ", "))
}

// Validate checks that every fetch in p targets a service in services.
func Validate(p *Plan, services ServiceSet) error {
	var missing []string
	for _, s := range p.Services() {
		if !services.Has(s) {
			missing = append(missing, s)
		}
	}
	if len(missing) > 0 {
		return &ValidationError{Missing: missing}
	}
	return nil
}

// GraphQLError renders e for a response's errors list.
func (e *ValidationError) GraphQLError() graphql.Error {
	return graphql.Error{
		Message: e.Error(),
		Extensions: map[string]any{
			"code":     "INVALID_QUERY_PLAN",
			"services": append([]string(nil), e.Missing...),
		},
	}
}
