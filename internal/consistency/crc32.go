package consistency

import (
	"context"
	"fmt"
	"hash/crc32"

	"golang.org/x/sync/errgroup"

	"db-pipe/internal/dialect"
)

// crc32Algorithm streams both tables in key order and compares a CRC32 over the
// canonical rows. Both sides must be the same kind of database, since the canonical
// form of temporal and floating values depends on the driver.
type crc32Algorithm struct{}

func (crc32Algorithm) Name() string { return CRC32Match }

func (crc32Algorithm) Supports(source, target dialect.Dialect) bool {
	return source.Name() == target.Name()
}

func (crc32Algorithm) Compare(ctx context.Context, source, target Side, scope Scope) (Outcome, error) {
	var src, dst string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) { src, err = checksum(gctx, source, scope); return })
	g.Go(func() (err error) { dst, err = checksum(gctx, target, scope); return })
	if err := g.Wait(); err != nil {
		return Outcome{}, err
	}
	return Outcome{SourceDigest: src, TargetDigest: dst, Matched: src == dst}, nil
}

func checksum(ctx context.Context, s Side, scope Scope) (string, error) {
	rows, err := s.DB.QueryContext(ctx, orderedSelect(s.Dialect, s.Table, scope))
	if err != nil {
		return "", fmt.Errorf("checksum %s: %w", s.Table, err)
	}
	defer rows.Close()

	h := crc32.NewIEEE()
	var n int64
	c := openCursor(rows, scope)
	for {
		chunk, err := c.next(defaultChunkSize)
		if err != nil {
			return "", fmt.Errorf("checksum %s: %w", s.Table, err)
		}
		for _, row := range chunk {
			h.Write(encodeRow(row))
		}
		n += int64(len(chunk))
		if len(chunk) < defaultChunkSize {
			return fmt.Sprintf("%d:%08x", n, h.Sum32()), nil
		}
	}
}
