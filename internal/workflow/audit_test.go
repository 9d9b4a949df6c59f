package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gxp-workflow/backend/internal/repository"
	"gxp-workflow/backend/pkg/models"
)

// tamperingStore returns a modified copy of the audit chain on reads.
type tamperingStore struct {
	*repository.MemoryStore
	tamper func(records []models.AuditRecord)
}

func (s *tamperingStore) ListAuditRecords(ctx context.Context, entityID string) ([]models.AuditRecord, error) {
	records, err := s.MemoryStore.ListAuditRecords(ctx, entityID)
	if err != nil {
		return nil, err
	}
	s.tamper(records)
	return records, nil
}

func buildChain(t *testing.T) (*testEnv, []models.AuditRecord) {
	t.Helper()
	ctx := context.Background()
	env := newTestEnv(t, DispatchOutbox)
	d := setupDocApproval(t, env.engine)
	mustStart(t, env, d, "DOC-1")
	_, err := env.engine.RecordFieldChange(ctx, FieldChange{EntityID: "DOC-1", Field: "batch_size", NewValue: "12", Actor: alice})
	require.NoError(t, err)
	mustMove(t, env, "DOC-1", d.review.ID, alice, "")
	mustMove(t, env, "DOC-1", d.draft.ID, bob, "needs rework")

	records, err := env.store.ListAuditRecords(ctx, "DOC-1")
	require.NoError(t, err)
	require.Len(t, records, 4)
	return env, records
}

func TestChainLinksRecords(t *testing.T) {
	_, records := buildChain(t)

	assert.Empty(t, records[0].PreviousHash)
	for i := 1; i < len(records); i++ {
		assert.Equal(t, int64(i+1), records[i].Seq)
		assert.Equal(t, records[i-1].DataHash, records[i].PreviousHash)
		assert.Len(t, records[i].DataHash, 64)
	}
	assert.True(t, VerifyRecords(records).Valid)
}

func rehashSecond(r []models.AuditRecord) []models.AuditRecord {
	r[1].PerformedBy = "mallory"
	r[1].DataHash = ComputeHash(&r[1])
	return r
}

func shiftFirst(r []models.AuditRecord) []models.AuditRecord {
	r[0].Timestamp = r[0].Timestamp.Add(time.Second)
	return r
}

func TestVerifyRecordsDetectsTampering(t *testing.T) {
	tests := []struct {
		name     string
		tamper   func(r []models.AuditRecord) []models.AuditRecord
		brokenAt int64
	}{
		{
			name:     "edited reason",
			tamper:   func(r []models.AuditRecord) []models.AuditRecord { r[3].Reason = "approved by QA"; return r },
			brokenAt: 4,
		},
		{
			name:     "edited field value",
			tamper:   func(r []models.AuditRecord) []models.AuditRecord { r[1].NewValue = "1200"; return r },
			brokenAt: 2,
		},
		{
			name:     "rehashed record breaks its successor",
			tamper:   rehashSecond,
			brokenAt: 3,
		},
		{
			name:     "deleted record",
			tamper:   func(r []models.AuditRecord) []models.AuditRecord { return append(r[:1], r[2:]...) },
			brokenAt: 2,
		},
		{
			name:     "shifted timestamp",
			tamper:   shiftFirst,
			brokenAt: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, records := buildChain(t)
			rep := VerifyRecords(tt.tamper(records))
			assert.False(t, rep.Valid)
			assert.Equal(t, tt.brokenAt, rep.BrokenAt)
			assert.NotEmpty(t, rep.Reason)
		})
	}
}

func TestVerifyRecordsEmptyChain(t *testing.T) {
	rep := VerifyRecords(nil)
	assert.True(t, rep.Valid)
	assert.Zero(t, rep.Records)
}

func TestVerifyChainReportsIntegrityViolation(t *testing.T) {
	ctx := context.Background()
	env, _ := buildChain(t)

	store := &tamperingStore{MemoryStore: env.store, tamper: func(r []models.AuditRecord) {
		r[2].ToState = "Approved"
	}}
	e, err := NewEngine(store, Dependencies{Identity: env.directory}, Options{Now: env.clock.Now}, nil)
	require.NoError(t, err)

	rep, err := e.VerifyChain(ctx, "DOC-1")
	var iv *IntegrityViolation
	require.ErrorAs(t, err, &iv)
	assert.Equal(t, int64(3), iv.BrokenAt)
	require.NotNil(t, rep)
	assert.False(t, rep.Valid)
	assert.Equal(t, "DOC-1", rep.EntityID)
}

func TestComputeHashNormalizesTimestamp(t *testing.T) {
	ts := time.Date(2026, 3, 2, 9, 0, 0, 123456789, time.FixedZone("CET", 3600))
	a := models.AuditRecord{EntityID: "DOC-1", Seq: 1, Action: models.AuditStateChange, Timestamp: ts}
	b := a
	b.Timestamp = ts.UTC().Truncate(time.Microsecond)

	assert.Equal(t, ComputeHash(&a), ComputeHash(&b))

	b.SignatureRef = "sig"
	assert.NotEqual(t, ComputeHash(&a), ComputeHash(&b))
}

func TestComputeHashSeparatesFields(t *testing.T) {
	a := models.AuditRecord{EntityID: "DOC-1", FromState: "AB", ToState: "C"}
	b := models.AuditRecord{EntityID: "DOC-1", FromState: "A", ToState: "BC"}
	assert.NotEqual(t, ComputeHash(&a), ComputeHash(&b))
}

func TestRecordFieldChangeChainsOldValue(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, DispatchOutbox)

	_, err := env.engine.RecordFieldChange(ctx, FieldChange{EntityID: "DOC-9", Field: "lot", NewValue: "A1", Actor: alice})
	require.NoError(t, err)
	rec, err := env.engine.RecordFieldChange(ctx, FieldChange{EntityID: "DOC-9", Field: "lot", NewValue: "A2", Actor: bob, Reason: "correction"})
	require.NoError(t, err)

	assert.Equal(t, "A1", rec.OldValue)
	assert.Equal(t, "A2", rec.NewValue)
	assert.Equal(t, int64(2), rec.Seq)
	v, ok, err := env.store.GetFieldValue(ctx, "DOC-9", "lot")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "A2", v)

	_, err = env.engine.RecordFieldChange(ctx, FieldChange{EntityID: "DOC-9", Field: "", NewValue: "x", Actor: bob})
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
}
