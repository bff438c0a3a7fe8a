package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "consultant.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func fixedClock(ts string) func() time.Time {
	parsed, _ := time.Parse(time.RFC3339, ts)
	return func() time.Time { return parsed }
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "consultant.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	for _, table := range []string{"consultation_data", "chat_history"} {
		var n int
		err := s2.db.QueryRow(`SELECT COUNT(1) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n)
		require.NoError(t, err)
		assert.Equal(t, 1, n, table)
	}
}

func TestSavePlan(t *testing.T) {
	s := newTestStore(t)
	s.now = fixedClock("2025-03-01T10:00:00Z")
	ctx := context.Background()

	id, err := s.SavePlan(ctx, Plan{
		Email:            "sam@tafensw.edu.au",
		Name:             "Sam",
		Role:             "Head Teacher",
		Department:       "Trades",
		Plan:             "1. Expand apprenticeships",
		ConsultationType: "priority_discovery",
		SessionID:        "s-1",
	})
	require.NoError(t, err)
	assert.Positive(t, id)

	plans, err := s.ListConsultations(ctx, "sam@tafensw.edu.au", 0)
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, id, plans[0].ID)
	assert.Equal(t, "2025-03-01T10:00:00Z", plans[0].CreatedAt)
	assert.Equal(t, "priority_discovery", plans[0].ConsultationType)
	assert.Equal(t, "s-1", plans[0].SessionID)
}

func TestSavePlan_RequiresEmail(t *testing.T) {
	s := newTestStore(t)
	_, err := s.SavePlan(context.Background(), Plan{Email: "  ", Plan: "x"})
	assert.Error(t, err)
}

func TestListConsultations_FilterAndOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, p := range []Plan{
		{Email: "a@x.org", Plan: "first", ConsultationType: "risk_register", CreatedAt: "2025-01-01T00:00:00Z"},
		{Email: "b@x.org", Plan: "other", ConsultationType: "risk_register", CreatedAt: "2025-01-02T00:00:00Z"},
		{Email: "a@x.org", Plan: "second", ConsultationType: "capacity_assessment", CreatedAt: "2025-01-03T00:00:00Z"},
	} {
		_, err := s.SavePlan(ctx, p)
		require.NoError(t, err)
	}

	plans, err := s.ListConsultations(ctx, "a@x.org", 10)
	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.Equal(t, "second", plans[0].Plan)
	assert.Equal(t, "first", plans[1].Plan)

	all, err := s.ListConsultations(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSaveChatHistory(t *testing.T) {
	s := newTestStore(t)
	s.now = fixedClock("2025-03-01T10:00:00Z")
	ctx := context.Background()

	id, err := s.SavePlan(ctx, Plan{Email: "jo@x.org", Plan: "plan", ConsultationType: "engagement_planning"})
	require.NoError(t, err)

	n, err := s.SaveChatHistory(ctx, id, "jo@x.org", []ChatMessage{
		{Sender: "human", Message: "hello", Timestamp: "2025-02-28T09:00:00Z"},
		{Sender: "Jordan", Message: "hi, what is your role?"},
		{Sender: "bot", Message: "noted"},
		{Sender: "stranger", Message: "who am I"},
	})
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	rows, err := s.ChatHistory(ctx, id)
	require.NoError(t, err)
	require.Len(t, rows, 4)

	assert.Equal(t, []string{"user", "ai", "ai", "user"}, []string{rows[0].Sender, rows[1].Sender, rows[2].Sender, rows[3].Sender})
	for i, r := range rows {
		assert.Equal(t, i+1, r.MessageOrder)
		assert.Equal(t, "jo@x.org", r.Email)
	}
	assert.Equal(t, "2025-02-28T09:00:00Z", rows[0].CreatedAt)
	assert.Equal(t, "2025-03-01T10:00:00Z", rows[1].CreatedAt)
}

func TestSaveChatHistory_Empty(t *testing.T) {
	s := newTestStore(t)
	n, err := s.SaveChatHistory(context.Background(), 1, "x@y.z", nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSaveChatHistory_UnknownConsultation(t *testing.T) {
	s := newTestStore(t)
	_, err := s.SaveChatHistory(context.Background(), 999, "x@y.z", []ChatMessage{{Sender: "user", Message: "m"}})
	assert.Error(t, err, "foreign key should reject unknown consultation")

	st, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.ChatMessages, "failed transaction should leave no rows")
}

func TestPurgeChatHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.SavePlan(ctx, Plan{Email: "a@x.org", Plan: "p", ConsultationType: "delivery_staff"})
	require.NoError(t, err)
	_, err = s.SaveChatHistory(ctx, id, "a@x.org", []ChatMessage{
		{Sender: "user", Message: "old", Timestamp: "2024-01-01T00:00:00Z"},
		{Sender: "ai", Message: "new", Timestamp: "2025-06-01T00:00:00Z"},
	})
	require.NoError(t, err)

	n, err := s.PurgeChatHistory(ctx, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	rows, err := s.ChatHistory(ctx, id)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "new", rows[0].Message)

	plans, err := s.ListConsultations(ctx, "a@x.org", 0)
	require.NoError(t, err)
	assert.Len(t, plans, 1)
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, kind := range []string{"risk_register", "risk_register", "delivery_staff"} {
		_, err := s.SavePlan(ctx, Plan{Email: "a@x.org", Plan: "p", ConsultationType: kind})
		require.NoError(t, err)
	}

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Consultations)
	assert.Equal(t, map[string]int{"risk_register": 2, "delivery_staff": 1}, st.ByConsultation)
}

func TestSavePlan_Concurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.SavePlan(ctx, Plan{Email: "c@x.org", Plan: "p", ConsultationType: "risk_register"}); err != nil {
				t.Errorf("SavePlan: %v", err)
			}
		}()
	}
	wg.Wait()

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, st.Consultations)
}

func TestNormalizeSender(t *testing.T) {
	tests := map[string]string{
		"user":      SenderUser,
		"Human":     SenderUser,
		"ai":        SenderAI,
		"BOT":       SenderAI,
		"agent":     SenderAI,
		"jordan":    SenderAI,
		"assistant": SenderAI,
		"":          SenderUser,
		"system":    SenderUser,
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeSender(in), in)
	}
}
