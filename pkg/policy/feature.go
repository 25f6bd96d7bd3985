package policy

import "context"

// FeatureCheck rejects a request whose feature-key is not enabled for the
// tenant/subject. IsEnabled is normally bound to
// pkg/feature.Resolver.IsEnabled by the composition root, kept as a func
// value here so policy never imports pkg/feature directly.
type FeatureCheck struct {
	IsEnabled func(ctx context.Context, req Request) (bool, error)
}

// Check implements Check.
func (f FeatureCheck) Check(ctx context.Context, req Request) (*Rejection, error) {
	if req.FeatureKey == "" {
		return nil, nil
	}
	enabled, err := f.IsEnabled(ctx, req)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return &Rejection{Kind: RejectFeatureDisabled, Details: map[string]any{"feature_key": req.FeatureKey}}, nil
	}
	return nil, nil
}
