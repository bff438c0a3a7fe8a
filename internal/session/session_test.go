package session

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stellarlinkco/consultant/internal/stage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestStore_SessionStable(t *testing.T) {
	s := New(0)
	id := s.Session("webui:1")
	require.NotEmpty(t, id)
	assert.Equal(t, id, s.Session("webui:1"))
	assert.NotEqual(t, id, s.Session("webui:2"))
}

func TestStore_AppendHistory(t *testing.T) {
	s := New(0)
	s.Append("k",
		stage.Entry{Sender: stage.SenderUser, Message: "hi"},
		stage.Entry{Sender: stage.SenderAssistant, Message: "hello", Timestamp: "2025-01-01T00:00:00Z"},
	)

	h := s.History("k")
	require.Len(t, h, 2)
	assert.NotEmpty(t, h[0].Timestamp)
	assert.Equal(t, "2025-01-01T00:00:00Z", h[1].Timestamp)

	h[0].Message = "mutated"
	assert.Equal(t, "hi", s.History("k")[0].Message, "History must return a copy")

	assert.Nil(t, s.History("unknown"))
}

func TestStore_MaxLen(t *testing.T) {
	s := New(3)
	for i := 0; i < 5; i++ {
		s.Append("k", stage.Entry{Sender: stage.SenderUser, Message: fmt.Sprint(i)})
	}
	h := s.History("k")
	require.Len(t, h, 3)
	assert.Equal(t, "2", h[0].Message)
	assert.Equal(t, "4", h[2].Message)
}

func TestStore_Reset(t *testing.T) {
	s := New(0)
	first := s.Session("k")
	s.Append("k", stage.Entry{Sender: stage.SenderUser, Message: "hi"})

	second := s.Reset("k")
	assert.NotEqual(t, first, second)
	assert.Equal(t, second, s.Session("k"))
	assert.Empty(t, s.History("k"))
}

func TestStore_ExpireIdle(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	s := New(0)
	s.now = clock.now

	s.Session("old")
	clock.advance(90 * time.Minute)
	s.Session("fresh")
	clock.advance(40 * time.Minute)

	assert.Equal(t, 1, s.ExpireIdle(time.Hour))
	assert.Equal(t, 1, s.Len())
	assert.Nil(t, s.History("old"))
}

func TestStore_Concurrent(t *testing.T) {
	s := New(0)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i%3)
			for j := 0; j < 20; j++ {
				s.Append(key, stage.Entry{Sender: stage.SenderUser, Message: "m"})
				_ = s.History(key)
				_ = s.Session(key)
			}
		}(i)
	}
	wg.Wait()

	total := 0
	for i := 0; i < 3; i++ {
		total += len(s.History(fmt.Sprintf("k%d", i)))
	}
	assert.Equal(t, 200, total)
}
