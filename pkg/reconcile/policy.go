package reconcile

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/openfroyo/reconcile/pkg/config"
	"github.com/openfroyo/reconcile/pkg/policy"
)

// NewPolicyEngine builds the admission engine described by s: built-in
// policies when enabled, then every custom policy under s.Paths. It returns
// nil when policies are disabled.
func NewPolicyEngine(ctx context.Context, s config.PolicySettings, logger zerolog.Logger) (*policy.Engine, error) {
	if !s.Enabled {
		return nil, nil
	}

	opts := []policy.EngineOption{
		policy.WithParams(policy.Params{
			MaxOperations:     s.MaxOperations,
			ProtectedServices: s.ProtectedServices,
		}),
	}
	if !s.Builtin {
		opts = append(opts, policy.WithoutBuiltins())
	}

	e, err := policy.NewEngine(logger, opts...)
	if err != nil {
		return nil, err
	}
	if len(s.Paths) > 0 {
		if err := e.LoadPolicies(ctx, s.Paths); err != nil {
			return nil, err
		}
	}
	return e, nil
}
