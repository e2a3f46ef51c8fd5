package process

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Paranoid-AF/evalvana"
)

func TestMailboxOrderAndClose(t *testing.T) {
	b := newMailbox()
	for i := range 3 {
		b.push(evalvana.Response{ID: int64(i)})
	}
	b.close(io.EOF)
	b.push(evalvana.Response{ID: 99})

	for i := range 3 {
		r, err := b.next(context.Background())
		require.NoError(t, err)
		require.Equal(t, int64(i), r.ID)
	}
	_, err := b.next(context.Background())
	require.ErrorIs(t, err, io.EOF)
}

func TestMailboxBlocksUntilPush(t *testing.T) {
	b := newMailbox()
	go func() {
		time.Sleep(20 * time.Millisecond)
		b.push(evalvana.Response{Text: "late"})
	}()
	r, err := b.next(context.Background())
	require.NoError(t, err)
	require.Equal(t, "late", r.Text)
}

func TestMailboxAbortDropsQueued(t *testing.T) {
	b := newMailbox()
	b.push(evalvana.Response{Text: "queued"})
	b.abort(evalvana.ErrCancelled)
	_, err := b.next(context.Background())
	require.ErrorIs(t, err, evalvana.ErrCancelled)
}

func TestMailboxContext(t *testing.T) {
	b := newMailbox()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := b.next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
