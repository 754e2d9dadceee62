package replyqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushPopFIFO(t *testing.T) {
	q := New(4)
	require.True(t, q.Push(Entry{Buf: []byte{1}}))
	require.True(t, q.Push(Entry{Buf: []byte{2}}))

	e, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, []byte{1}, e.Buf)

	e, ok = q.Pop()
	require.True(t, ok)
	assert.Equal(t, []byte{2}, e.Buf)
}

func TestPushDropsOnOverflow(t *testing.T) {
	q := New(2)
	require.True(t, q.Push(Entry{Buf: []byte{1}}))
	require.True(t, q.Push(Entry{Buf: []byte{2}}))
	assert.False(t, q.Push(Entry{Buf: []byte{3}}))
	assert.Equal(t, uint64(1), q.Dropped())
	assert.Equal(t, 2, q.Len())
}

func TestPopBlocksUntilPush(t *testing.T) {
	q := New(4)
	done := make(chan Entry, 1)
	go func() {
		e, ok := q.Pop()
		require.True(t, ok)
		done <- e
	}()

	time.Sleep(20 * time.Millisecond)
	q.Push(Entry{Buf: []byte{9}})

	select {
	case e := <-done:
		assert.Equal(t, []byte{9}, e.Buf)
	case <-time.After(time.Second):
		t.Fatal("Pop never returned after Push")
	}
}

func TestCloseWakesBlockedPop(t *testing.T) {
	q := New(4)
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Pop()
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Pop never returned after Close")
	}
}

func TestPushAfterCloseRejected(t *testing.T) {
	q := New(4)
	q.Close()
	assert.False(t, q.Push(Entry{Buf: []byte{1}}))
}

func TestCloseDrainsRemainingEntries(t *testing.T) {
	q := New(4)
	q.Push(Entry{Buf: []byte{1}})
	q.Close()

	e, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, []byte{1}, e.Buf)

	_, ok = q.Pop()
	assert.False(t, ok)
}
