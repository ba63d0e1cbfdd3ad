package dag

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadStreamBacklog(t *testing.T) {
	l := newTestLog(t)
	for _, p := range []string{"a", "b", "c"} {
		_, err := l.Append([]byte(p))
		require.NoError(t, err)
	}

	s := l.CreateReadStream(ReadStreamOptions{Since: 1})
	ctx := context.Background()
	e, err := s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), e.Payload)
	e, err = s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("c"), e.Payload)
	_, err = s.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadStreamLive(t *testing.T) {
	l := newTestLog(t)
	_, err := l.Append([]byte("old"))
	require.NoError(t, err)

	s := l.CreateReadStream(ReadStreamOptions{Live: true})
	defer s.Close()
	got := make(chan *Entry, 4)
	go func() {
		for {
			e, err := s.Next(context.Background())
			if err != nil {
				close(got)
				return
			}
			got <- e
		}
	}()

	first := <-got
	assert.Equal(t, []byte("old"), first.Payload)

	_, err = l.Append([]byte("new"))
	require.NoError(t, err)
	select {
	case e := <-got:
		assert.Equal(t, []byte("new"), e.Payload)
		assert.Equal(t, uint64(2), e.Seq)
	case <-time.After(2 * time.Second):
		t.Fatal("live entry was not delivered")
	}

	require.NoError(t, s.Close())
	select {
	case _, ok := <-got:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("closed stream kept blocking")
	}
}

func TestReadStreamContextCancel(t *testing.T) {
	l := newTestLog(t)
	s := l.CreateReadStream(ReadStreamOptions{Live: true})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReadStreamEndsOnLogClose(t *testing.T) {
	l, err := Open(NewMemStore(), nil)
	require.NoError(t, err)
	s := l.CreateReadStream(ReadStreamOptions{Live: true})
	errCh := make(chan error, 1)
	go func() {
		_, err := s.Next(context.Background())
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, l.Close())
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end")
	}
}
