package recognition

import (
	"context"
	"fmt"
	"sort"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

// BatchItem is the outcome of one event of a batch.
type BatchItem struct {
	Index  int    `json:"index"`
	Result Result `json:"result"`
	Err    error  `json:"-"`
}

type indexedEvent struct {
	index int
	input EventInput
}

// ProcessBatch processes events grouped by their related contract. Groups run in parallel up to the
// configured limit; events of one group run in submission order. Per-event failures are reported in
// the returned items; the error is non-nil only when ctx ends.
func (s *Service) ProcessBatch(ctx context.Context, events []EventInput) ([]BatchItem, error) {
	items := lo.Map(events, func(in EventInput, i int) indexedEvent {
		return indexedEvent{index: i, input: in}
	})
	groups := lo.GroupBy(items, func(it indexedEvent) string {
		if it.input.RelatedContractID != nil {
			return fmt.Sprintf("contract:%d", *it.input.RelatedContractID)
		}
		return fmt.Sprintf("event:%d", it.index)
	})
	keys := lo.Keys(groups)
	sort.Strings(keys)

	out := make([]BatchItem, len(events))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.BatchParallelism)
	for _, key := range keys {
		group := groups[key]
		g.Go(func() error {
			for _, it := range group {
				if err := gctx.Err(); err != nil {
					out[it.index] = BatchItem{Index: it.index, Err: err}
					continue
				}
				res, err := s.ProcessSourceEvent(gctx, it.input)
				out[it.index] = BatchItem{Index: it.index, Result: res, Err: err}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	return out, ctx.Err()
}
