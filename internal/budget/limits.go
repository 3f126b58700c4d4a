package budget

import "context"

// LimitResolver returns an organization's monthly spend limit in USD.
// A negative limit means unlimited.
type LimitResolver interface {
	MonthlyLimitUSD(ctx context.Context, orgID string) float64
}

// LimitFunc adapts a function to LimitResolver
type LimitFunc func(ctx context.Context, orgID string) float64

// MonthlyLimitUSD implements LimitResolver
func (f LimitFunc) MonthlyLimitUSD(ctx context.Context, orgID string) float64 {
	return f(ctx, orgID)
}

// StaticLimit applies the same limit to every organization
func StaticLimit(usd float64) LimitResolver {
	return LimitFunc(func(context.Context, string) float64 { return usd })
}
