package consistency

import (
	"context"
	"strconv"

	"golang.org/x/sync/errgroup"

	"db-pipe/internal/dialect"
)

// countAlgorithm compares row counts computed by the databases themselves.
type countAlgorithm struct{}

func (countAlgorithm) Name() string { return Count }

func (countAlgorithm) Supports(_, _ dialect.Dialect) bool { return true }

func (countAlgorithm) Compare(ctx context.Context, source, target Side, _ Scope) (Outcome, error) {
	var src, dst int64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return count(gctx, source, &src) })
	g.Go(func() error { return count(gctx, target, &dst) })
	if err := g.Wait(); err != nil {
		return Outcome{}, err
	}
	return Outcome{
		SourceDigest: strconv.FormatInt(src, 10),
		TargetDigest: strconv.FormatInt(dst, 10),
		Matched:      src == dst,
	}, nil
}

func count(ctx context.Context, s Side, n *int64) error {
	return s.DB.QueryRowContext(ctx, s.Dialect.CountQuery(s.Table)).Scan(n)
}
