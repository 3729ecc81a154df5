package topicbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSenderRegistry_CreatesOncePerKey(t *testing.T) {
	broker := newFakeBroker()
	broker.createGap = time.Millisecond
	r := newSenderRegistry(broker)
	ctx := context.Background()

	key := senderKey{publication: "fire", topic: "fire"}
	var wg sync.WaitGroup
	got := make([]Sender, 20)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := r.get(ctx, key)
			assert.NoError(t, err)
			got[i] = s
		}(i)
	}
	wg.Wait()

	for _, s := range got {
		assert.Same(t, got[0], s)
	}
	assert.Equal(t, 1, broker.opened["fire"])
	assert.Equal(t, 1, r.len())

	_, err := r.get(ctx, senderKey{topic: "fire"})
	require.NoError(t, err)
	assert.Equal(t, 2, r.len(), "reschedule key is separate from the publication key")
}

func TestSenderRegistry_CreateFailure(t *testing.T) {
	broker := newFakeBroker()
	broker.newErr = errors.New("no route")
	r := newSenderRegistry(broker)

	_, err := r.get(context.Background(), senderKey{publication: "fire", topic: "fire"})
	assert.True(t, HasCode(err, ErrCodeTransport))
	assert.Equal(t, 0, r.len())
}

func TestSenderRegistry_CloseAllOnce(t *testing.T) {
	broker := newFakeBroker()
	r := newSenderRegistry(broker)
	ctx := context.Background()

	_, err := r.get(ctx, senderKey{publication: "fire", topic: "fire"})
	require.NoError(t, err)
	_, err = r.get(ctx, senderKey{publication: "ice", topic: "ice"})
	require.NoError(t, err)

	require.NoError(t, r.closeAll(ctx))
	require.NoError(t, r.closeAll(ctx))

	for _, s := range broker.senders {
		assert.Equal(t, 1, s.closes)
	}

	_, err = r.get(ctx, senderKey{publication: "fire", topic: "fire"})
	assert.ErrorIs(t, err, ErrBusStopped)
}

func TestSenderKey_String(t *testing.T) {
	assert.Equal(t, "fire->fire", senderKey{publication: "fire", topic: "fire"}.String())
	assert.Equal(t, "topic:fire", senderKey{topic: "fire"}.String())
}
