package metrics

import (
	"context"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"

	"github.com/filecoin-project/go-state-types/big"
)

// Tags
var (
	Asset, _ = tag.NewKey("asset")
)

// Measures
var (
	RailsCreated     = stats.Int64("rail/created", "Counter for rails created", stats.UnitDimensionless)
	RailsTerminated  = stats.Int64("rail/terminated", "Counter for rails terminated", stats.UnitDimensionless)
	RailsFinalized   = stats.Int64("rail/finalized", "Counter for rails finalized", stats.UnitDimensionless)
	Settlements      = stats.Int64("settle/count", "Counter for settlement calls that committed", stats.UnitDimensionless)
	SettlementAmount = stats.Int64("settle/amount", "Total amount settled payer to payee", stats.UnitDimensionless)
)

// Views
var (
	RailsCreatedView = &view.View{
		Measure:     RailsCreated,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{Asset},
	}
	RailsTerminatedView = &view.View{
		Measure:     RailsTerminated,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{Asset},
	}
	RailsFinalizedView = &view.View{
		Measure:     RailsFinalized,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{Asset},
	}
	SettlementsView = &view.View{
		Measure:     Settlements,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{Asset},
	}
	SettlementAmountView = &view.View{
		Measure:     SettlementAmount,
		Aggregation: view.Sum(),
		TagKeys:     []tag.Key{Asset},
	}
)

// Views to be registered by consumers of the engine.
var Views = []*view.View{
	RailsCreatedView,
	RailsTerminatedView,
	RailsFinalizedView,
	SettlementsView,
	SettlementAmountView,
}

func RecordRailCreated(ctx context.Context, asset string) {
	record(ctx, asset, RailsCreated.M(1))
}

func RecordRailTerminated(ctx context.Context, asset string) {
	record(ctx, asset, RailsTerminated.M(1))
}

func RecordRailFinalized(ctx context.Context, asset string) {
	record(ctx, asset, RailsFinalized.M(1))
}

// RecordSettlement counts one committed settlement call. Amounts that
// overflow int64 are recorded as the count only; the ledger itself
// never leaves big.Int.
func RecordSettlement(ctx context.Context, asset string, amount big.Int) {
	ms := []stats.Measurement{Settlements.M(1)}
	if amount.Int != nil && amount.IsInt64() {
		ms = append(ms, SettlementAmount.M(amount.Int64()))
	}
	record(ctx, asset, ms...)
}

func record(ctx context.Context, asset string, ms ...stats.Measurement) {
	stats.RecordWithTags(ctx, []tag.Mutator{tag.Upsert(Asset, asset)}, ms...) //nolint:errcheck
}
