package store

import (
	"path/filepath"
	"testing"
	"time"

	arb "github.com/ChoSanghyuk/arbengine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndReadAggregate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.ndjson")
	s, err := Open(path, nil)
	require.NoError(t, err)

	require.NoError(t, s.Append(arb.TradeOutcome{
		TxHash: "0x1", Timestamp: time.Now(), PathLabel: "p1",
		GrossProfit: 1.0, GasCost: 0.1, Status: arb.StatusSuccess,
	}))
	require.NoError(t, s.Append(arb.TradeOutcome{
		TxHash: "0x2", Timestamp: time.Now(), PathLabel: "p1",
		GrossProfit: 0, RevertCost: 0.05, Status: arb.StatusRevert,
	}))
	require.NoError(t, s.Close())

	agg, err := ReadAggregate(path)
	require.NoError(t, err)
	assert.Equal(t, 2, agg.TotalTrades)
	assert.Equal(t, 1, agg.SuccessCount)
	assert.Equal(t, 1, agg.RevertCount)
	assert.InDelta(t, 1.0, agg.TotalGrossProfit, 1e-9)
}

func TestAppendRejectsInvalidOutcome(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.ndjson")
	s, err := Open(path, nil)
	require.NoError(t, err)
	defer s.Close()

	err = s.Append(arb.TradeOutcome{TxHash: "0x1", GrossProfit: -1, Status: arb.StatusSuccess})
	require.Error(t, err)
}

type fakeMirror struct {
	recorded []arb.TradeOutcome
}

func (f *fakeMirror) RecordOutcome(outcome arb.TradeOutcome) error {
	f.recorded = append(f.recorded, outcome)
	return nil
}

func TestAppendMirrorsEveryEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.ndjson")
	mirror := &fakeMirror{}
	s, err := Open(path, mirror)
	require.NoError(t, err)
	defer s.Close()

	outcome := arb.TradeOutcome{TxHash: "0x1", Timestamp: time.Now(), Status: arb.StatusSuccess}
	require.NoError(t, s.Append(outcome))

	require.Len(t, mirror.recorded, 1)
	assert.Equal(t, "0x1", mirror.recorded[0].TxHash)
}

func TestReadAggregateMissingFileIsZeroValue(t *testing.T) {
	agg, err := ReadAggregate(filepath.Join(t.TempDir(), "missing.ndjson"))
	require.NoError(t, err)
	assert.Equal(t, SessionAggregate{}, agg)
}
