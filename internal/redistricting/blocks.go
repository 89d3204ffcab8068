package redistricting

import (
	"context"
	"fmt"
	"strings"

	"github.com/EmpoweredVote/EV-Districts/internal/geoio"
)

// BlockFields names the census block attributes in an import.
type BlockFields struct {
	GEOID       string
	Population  string
	VAP         string
	MinorityVAP string
	// Neighbors holds a comma separated GEOID list.
	Neighbors string
}

func DefaultBlockFields() BlockFields {
	return BlockFields{
		GEOID:       "geoid",
		Population:  "population",
		VAP:         "voting_age_population",
		MinorityVAP: "minority_vap",
		Neighbors:   "neighbors",
	}
}

// Block converts one feature into a census block row.
func (bf BlockFields) Block(state string, f geoio.Feature) (CensusBlock, error) {
	geoid := f.Prop(propKey(f, bf.GEOID))
	if geoid == "" {
		geoid = f.ID
	}
	if geoid == "" {
		return CensusBlock{}, fmt.Errorf("%w: block without %s", ErrInvalidRequest, bf.GEOID)
	}
	num := func(key string) int64 {
		n, _ := f.PropInt(propKey(f, key))
		return n
	}
	var neighbors []string
	if raw := f.Prop(propKey(f, bf.Neighbors)); raw != "" {
		for _, n := range strings.Split(raw, ",") {
			if n = strings.TrimSpace(n); n != "" {
				neighbors = append(neighbors, n)
			}
		}
	}
	return NewCensusBlock(state, geoid, f.Geometry, num(bf.Population), num(bf.VAP), num(bf.MinorityVAP), neighbors)
}

// BlockWriter buffers blocks and upserts them in batches.
type BlockWriter struct {
	Store   Store
	State   string
	Fields  BlockFields
	Batch   int
	pending []CensusBlock
	Written int
}

func (w *BlockWriter) Add(ctx context.Context, f geoio.Feature) error {
	b, err := w.Fields.Block(w.State, f)
	if err != nil {
		return err
	}
	w.pending = append(w.pending, b)
	batch := w.Batch
	if batch <= 0 {
		batch = 1000
	}
	if len(w.pending) >= batch {
		return w.Flush(ctx)
	}
	return nil
}

func (w *BlockWriter) Flush(ctx context.Context) error {
	if len(w.pending) == 0 {
		return nil
	}
	if err := w.Store.UpsertBlocks(ctx, w.pending); err != nil {
		return fmt.Errorf("upsert blocks: %w", err)
	}
	w.Written += len(w.pending)
	w.pending = w.pending[:0]
	return nil
}
