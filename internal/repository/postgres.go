package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"risk-coach/internal/domain"
)

const (
	newsSentimentLimit    = 10
	personalizedNewsLimit = 5
)

const (
	queryFinancialProfile = `SELECT * FROM user_financial_profile WHERE user_id = $1`

	queryPortfolioPositions = `SELECT * FROM vw_portfolio_insights WHERE user_id = $1`

	queryNewsSentiment = `
SELECT ns.*, na.title, na.published_at
FROM news_sentiment ns
JOIN news_articles na ON ns.article_id = na.id
JOIN portfolio_positions pp ON ns.symbol = pp.symbol
WHERE pp.user_id = $1
ORDER BY na.published_at DESC
LIMIT $2`

	queryPersonalizedNews = `SELECT * FROM vw_user_news_feed_api WHERE user_id = $1 LIMIT $2`
)

// queryer is the subset of *sql.DB used by ContextRepository.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// MarketContextFunc supplies the market-wide context block.
type MarketContextFunc func(ctx context.Context) (domain.Document, error)

// ContextRepository reads the pre-aggregated financial views a risk question
// is answered from. It never writes.
type ContextRepository struct {
	db     queryer
	market MarketContextFunc
}

// ContextOption configures a ContextRepository.
type ContextOption func(*ContextRepository)

// WithMarketContext replaces the default empty market context.
func WithMarketContext(fn MarketContextFunc) ContextOption {
	return func(r *ContextRepository) {
		if fn != nil {
			r.market = fn
		}
	}
}

// NewContextRepository creates a ContextRepository over db.
func NewContextRepository(db queryer, opts ...ContextOption) (*ContextRepository, error) {
	if db == nil {
		return nil, errors.New("repository: db must not be nil")
	}
	r := &ContextRepository{
		db: db,
		market: func(context.Context) (domain.Document, error) {
			return domain.Document{}, nil
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// FinancialProfile returns the user's financial profile, or an empty document
// when none is stored.
func (r *ContextRepository) FinancialProfile(ctx context.Context, userID string) (domain.Document, error) {
	docs, err := r.query(ctx, queryFinancialProfile, userID)
	if err != nil {
		return nil, fmt.Errorf("repository: FinancialProfile: %w", err)
	}
	if len(docs) == 0 {
		return domain.Document{}, nil
	}
	return docs[0], nil
}

// PortfolioPositions returns the user's holdings enriched with fundamentals
// and technicals.
func (r *ContextRepository) PortfolioPositions(ctx context.Context, userID string) ([]domain.Document, error) {
	docs, err := r.query(ctx, queryPortfolioPositions, userID)
	if err != nil {
		return nil, fmt.Errorf("repository: PortfolioPositions: %w", err)
	}
	return docs, nil
}

// NewsSentiment returns the most recent sentiment items for symbols the user
// holds, newest first.
func (r *ContextRepository) NewsSentiment(ctx context.Context, userID string) ([]domain.Document, error) {
	docs, err := r.query(ctx, queryNewsSentiment, userID, newsSentimentLimit)
	if err != nil {
		return nil, fmt.Errorf("repository: NewsSentiment: %w", err)
	}
	return docs, nil
}

// PersonalizedNews returns the top of the user's pre-ranked news feed.
func (r *ContextRepository) PersonalizedNews(ctx context.Context, userID string) ([]domain.Document, error) {
	docs, err := r.query(ctx, queryPersonalizedNews, userID, personalizedNewsLimit)
	if err != nil {
		return nil, fmt.Errorf("repository: PersonalizedNews: %w", err)
	}
	return docs, nil
}

// MarketContext returns the market-wide context block.
func (r *ContextRepository) MarketContext(ctx context.Context) (domain.Document, error) {
	doc, err := r.market(ctx)
	if err != nil {
		return nil, fmt.Errorf("repository: MarketContext: %w", err)
	}
	if doc == nil {
		doc = domain.Document{}
	}
	return doc, nil
}

func (r *ContextRepository) query(ctx context.Context, query string, args ...any) ([]domain.Document, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	docs, err := scanDocuments(rows)
	if err != nil {
		return nil, err
	}
	return docs, nil
}
