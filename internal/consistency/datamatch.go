package consistency

import (
	"context"
	"fmt"
	"hash/crc32"
	"slices"

	"golang.org/x/sync/errgroup"

	"db-pipe/internal/dialect"
)

const defaultChunkSize = 1000

// dataMatchAlgorithm reads both tables in key order, chunk by chunk, and compares
// rows until the first difference.
type dataMatchAlgorithm struct {
	chunkSize int
}

func (*dataMatchAlgorithm) Name() string { return DataMatch }

func (*dataMatchAlgorithm) Supports(_, _ dialect.Dialect) bool { return true }

type digest struct {
	rows int64
	sum  uint32
}

func (d *digest) add(chunk [][]string) {
	for _, row := range chunk {
		d.sum = crc32.Update(d.sum, crc32.IEEETable, encodeRow(row))
	}
	d.rows += int64(len(chunk))
}

func (d digest) String() string { return fmt.Sprintf("%d:%08x", d.rows, d.sum) }

func (a *dataMatchAlgorithm) Compare(ctx context.Context, source, target Side, scope Scope) (Outcome, error) {
	var src, dst *cursor
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rows, err := source.DB.QueryContext(gctx, orderedSelect(source.Dialect, source.Table, scope))
		if err != nil {
			return fmt.Errorf("read source %s: %w", source.Table, err)
		}
		src = openCursor(rows, scope)
		return nil
	})
	g.Go(func() error {
		rows, err := target.DB.QueryContext(gctx, orderedSelect(target.Dialect, target.Table, scope))
		if err != nil {
			return fmt.Errorf("read target %s: %w", target.Table, err)
		}
		dst = openCursor(rows, scope)
		return nil
	})
	err := g.Wait()
	defer func() {
		for _, c := range []*cursor{src, dst} {
			if c != nil {
				c.rows.Close()
			}
		}
	}()
	if err != nil {
		return Outcome{}, err
	}

	var sd, td digest
	for {
		var sc, tc [][]string
		var chunks errgroup.Group
		chunks.Go(func() (err error) { sc, err = src.next(a.chunkSize); return })
		chunks.Go(func() (err error) { tc, err = dst.next(a.chunkSize); return })
		if err := chunks.Wait(); err != nil {
			return Outcome{}, err
		}
		sd.add(sc)
		td.add(tc)

		if key, ok := firstDifference(src, sc, tc); !ok {
			return Outcome{SourceDigest: sd.String(), TargetDigest: td.String(), MismatchKey: key}, nil
		}
		if len(sc) < a.chunkSize && len(tc) < a.chunkSize {
			return Outcome{SourceDigest: sd.String(), TargetDigest: td.String(), Matched: true}, nil
		}
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}
	}
}

// firstDifference returns the key of the first row that differs between two chunks
// read at the same offset.
func firstDifference(c *cursor, source, target [][]string) (string, bool) {
	for i := 0; i < len(source) && i < len(target); i++ {
		if !slices.Equal(source[i], target[i]) {
			return c.key(source[i]), false
		}
	}
	switch {
	case len(source) > len(target):
		return c.key(source[len(target)]), false
	case len(target) > len(source):
		return c.key(target[len(source)]), false
	}
	return "", true
}
