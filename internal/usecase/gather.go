package usecase

import (
	"context"

	"golang.org/x/sync/errgroup"

	"risk-coach/internal/domain"
)

// gatherContext fetches every part of the financial context concurrently.
// The first failure cancels the remaining fetches.
func gatherContext(ctx context.Context, r ContextReader, userID string) (domain.FinancialContext, error) {
	var fc domain.FinancialContext
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		doc, err := r.FinancialProfile(gctx, userID)
		fc.Profile = doc
		return err
	})
	g.Go(func() error {
		docs, err := r.PortfolioPositions(gctx, userID)
		fc.Positions = docs
		return err
	})
	g.Go(func() error {
		docs, err := r.NewsSentiment(gctx, userID)
		fc.NewsSentiment = docs
		return err
	})
	g.Go(func() error {
		docs, err := r.PersonalizedNews(gctx, userID)
		fc.PersonalizedNews = docs
		return err
	})
	g.Go(func() error {
		doc, err := r.MarketContext(gctx)
		fc.Market = doc
		return err
	})

	if err := g.Wait(); err != nil {
		return domain.FinancialContext{}, err
	}
	return fc.Normalized(), nil
}
