package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 30 * time.Second}

	assert.Equal(t, time.Second, b.Delay(0))
	assert.Equal(t, 2*time.Second, b.Delay(1))
	assert.Equal(t, 16*time.Second, b.Delay(4))
	assert.Equal(t, 30*time.Second, b.Delay(5))
	assert.Equal(t, 30*time.Second, b.Delay(500))
}

func TestBackoffJitterOnlyShortens(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: 10 * time.Second, Jitter: 0.5}
	for retry := 0; retry < 8; retry++ {
		for i := 0; i < 50; i++ {
			d := b.Next(retry)
			assert.LessOrEqual(t, d, b.Delay(retry))
			assert.GreaterOrEqual(t, d, b.Delay(retry)/2)
		}
	}
}

func TestConnBackoffNeverZero(t *testing.T) {
	c := NewConn("ws://127.0.0.1:1", &recordingHandler{}, ConnOptions{Backoff: Backoff{Base: 50 * time.Millisecond}})
	assert.Equal(t, 50*time.Millisecond, c.opts.Backoff.Delay(0))
	assert.Equal(t, 400*time.Millisecond, c.opts.Backoff.Delay(3))
	assert.Equal(t, DefaultBackoff().Max, c.opts.Backoff.Delay(100))

	c = NewConn("ws://127.0.0.1:1", &recordingHandler{}, ConnOptions{Backoff: Backoff{Base: time.Second, Max: time.Millisecond}})
	assert.Equal(t, time.Second, c.opts.Backoff.Delay(4))

	c = NewConn("ws://127.0.0.1:1", &recordingHandler{}, ConnOptions{})
	assert.Equal(t, DefaultBackoff().Base, c.opts.Backoff.Delay(0))
}
