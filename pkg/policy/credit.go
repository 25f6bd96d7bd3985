package policy

import "context"

// CreditMinimumCheck rejects a request if the tenant's wallet balance is
// below the minimum required to place one call, the
// one-minute floor).
type CreditMinimumCheck struct {
	BalanceFor func(ctx context.Context, req Request) (int64, error)
	Minimum    int64
}

// Check implements Check.
func (c CreditMinimumCheck) Check(ctx context.Context, req Request) (*Rejection, error) {
	required := c.Minimum
	if req.RequiredCredits > required {
		required = req.RequiredCredits
	}

	balance, err := c.BalanceFor(ctx, req)
	if err != nil {
		return nil, err
	}
	if balance < required {
		return &Rejection{
			Kind: RejectInsufficientCredits,
			Details: map[string]any{
				"required":  required,
				"available": balance,
				"needed":    required - balance,
			},
		}, nil
	}
	return nil, nil
}
