package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/jfoltran/pgcopydb-go/internal/catalog"
)

// ResetSequences re-syncs every retained sequence's current value onto the
// destination. Logical decoding does not carry sequence advances, so after
// apply finishes the destination's sequences still hold whatever the
// pre-data restore left in them; without this, the first INSERT after a
// cutover would hand out already-used values.
func (o *Orchestrator) ResetSequences(ctx context.Context) error {
	if err := o.openCatalog(); err != nil {
		return err
	}
	if err := o.openPools(ctx); err != nil {
		return err
	}

	n := 0
	err := o.store.IterSequences(ctx, func(seq catalog.SourceSequence) error {
		qn := quoteSeqName(seq.Schema, seq.Name)
		var lastValue int64
		var isCalled bool
		if err := o.src.QueryRow(ctx, "SELECT last_value, is_called FROM "+qn).Scan(&lastValue, &isCalled); err != nil {
			return fmt.Errorf("orchestrator: read sequence %s: %w", qn, err)
		}
		if _, err := o.dst.Exec(ctx, "SELECT pg_catalog.setval($1::regclass, $2, $3)", qn, lastValue, isCalled); err != nil {
			return fmt.Errorf("orchestrator: set sequence %s: %w", qn, err)
		}
		n++
		return nil
	})
	if err != nil {
		return err
	}

	o.logger.Info().Int("sequences", n).Msg("sequence values re-synced on destination")
	return nil
}

func quoteSeqName(schema, name string) string {
	q := func(s string) string { return `"` + strings.ReplaceAll(s, `"`, `""`) + `"` }
	if schema == "" {
		return q(name)
	}
	return q(schema) + "." + q(name)
}
