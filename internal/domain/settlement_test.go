package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSettlement(t *testing.T) *Settlement {
	t.Helper()
	s, err := NewSettlement("merchant-1", 50000, nil, nil, testNow)
	require.NoError(t, err)
	return s
}

func TestNewSettlement_Validation(t *testing.T) {
	_, err := NewSettlement("", 100, nil, nil, testNow)
	require.ErrorIs(t, err, ErrValidation)

	_, err = NewSettlement("m", 0, nil, nil, testNow)
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestSettlement_Schedule(t *testing.T) {
	t.Run("past date rejected", func(t *testing.T) {
		s := newTestSettlement(t)
		err := s.Schedule(testNow.Add(-time.Hour), "acct-1", testNow)
		require.ErrorIs(t, err, ErrValidation)
		assert.Equal(t, SettlementStatusPending, s.Status)
	})

	t.Run("future date schedules and is not yet due", func(t *testing.T) {
		s := newTestSettlement(t)
		at := testNow.Add(24 * time.Hour)
		require.NoError(t, s.Schedule(at, "acct-1", testNow))
		assert.Equal(t, SettlementStatusScheduled, s.Status)
		assert.Equal(t, "acct-1", *s.BankAccountID)
		assert.False(t, s.IsDue(testNow))
		assert.True(t, s.IsDue(at))
	})

	t.Run("only from pending", func(t *testing.T) {
		s := newTestSettlement(t)
		require.NoError(t, s.Schedule(testNow.Add(time.Hour), "acct-1", testNow))
		err := s.Schedule(testNow.Add(2*time.Hour), "acct-1", testNow)
		require.ErrorIs(t, err, ErrInvalidStateTransition)
	})
}

func TestSettlement_StartProcessingGuards(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(s *Settlement)
		wantErr bool
	}{
		{name: "from pending", prepare: func(s *Settlement) {}},
		{name: "from scheduled", prepare: func(s *Settlement) {
			_ = s.Schedule(testNow.Add(time.Hour), "acct", testNow)
		}},
		{name: "from processing", prepare: func(s *Settlement) { s.Status = SettlementStatusProcessing }, wantErr: true},
		{name: "from completed", prepare: func(s *Settlement) { s.Status = SettlementStatusCompleted }, wantErr: true},
		{name: "from failed", prepare: func(s *Settlement) { s.Status = SettlementStatusFailed }, wantErr: true},
		{name: "from canceled", prepare: func(s *Settlement) { s.Status = SettlementStatusCanceled }, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestSettlement(t)
			tc.prepare(s)
			err := s.StartProcessing(testNow)
			if tc.wantErr {
				require.ErrorIs(t, err, ErrInvalidStateTransition)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, SettlementStatusProcessing, s.Status)
		})
	}
}

func TestSettlement_CompleteAndFailRequireProcessing(t *testing.T) {
	s := newTestSettlement(t)
	require.ErrorIs(t, s.Complete("tx", testNow), ErrInvalidStateTransition)
	require.ErrorIs(t, s.Fail("boom", testNow), ErrInvalidStateTransition)

	require.NoError(t, s.StartProcessing(testNow))
	require.NoError(t, s.Complete("tx-9", testNow))
	assert.Equal(t, SettlementStatusCompleted, s.Status)
	assert.Equal(t, "tx-9", *s.ProviderTxID)
	require.NotNil(t, s.ProcessedAt)

	require.ErrorIs(t, s.Cancel(testNow), ErrInvalidStateTransition)

	f := newTestSettlement(t)
	require.NoError(t, f.StartProcessing(testNow))
	require.NoError(t, f.Fail("account closed", testNow))
	assert.Equal(t, SettlementStatusFailed, f.Status)
	assert.Equal(t, "account closed", *f.FailureReason)
}

func TestSettlement_IsDue(t *testing.T) {
	s := newTestSettlement(t)
	assert.True(t, s.IsDue(testNow))

	s.Status = SettlementStatusProcessing
	assert.False(t, s.IsDue(testNow))
}
