package mqtt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msgs(n int) []bufferedMsg {
	out := make([]bufferedMsg, n)
	for i := range out {
		out[i] = bufferedMsg{topic: Topic, payload: []byte{byte(i)}, qos: 1}
	}
	return out
}

func payloadBytes(in []bufferedMsg) []byte {
	var out []byte
	for _, m := range in {
		out = append(out, m.payload[0])
	}
	return out
}

func TestRingBuffer(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		pushed   int
		want     []byte
		dropped  int
	}{
		{name: "empty", capacity: 4, pushed: 0, want: nil},
		{name: "partial", capacity: 4, pushed: 3, want: []byte{0, 1, 2}},
		{name: "exactly full", capacity: 4, pushed: 4, want: []byte{0, 1, 2, 3}},
		{name: "overwrites oldest", capacity: 4, pushed: 7, want: []byte{3, 4, 5, 6}, dropped: 3},
		{name: "wraps twice", capacity: 3, pushed: 8, want: []byte{5, 6, 7}, dropped: 5},
		{name: "capacity floor", capacity: 0, pushed: 2, want: []byte{1}, dropped: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rb := newRingBuffer(tt.capacity)
			for _, m := range msgs(tt.pushed) {
				rb.push(m)
			}
			assert.Equal(t, len(tt.want), rb.len())
			assert.Equal(t, tt.dropped, rb.dropped)

			got := rb.drainAll()
			assert.Equal(t, tt.want, payloadBytes(got))
			assert.Zero(t, rb.len(), "drain empties the buffer")
			assert.Zero(t, rb.dropped, "drain resets the loss count")
			assert.Nil(t, rb.drainAll())
		})
	}
}

func TestRingBufferKeepsMessageFields(t *testing.T) {
	rb := newRingBuffer(DefaultBufferSize)
	rb.push(bufferedMsg{topic: TopicSystem, payload: []byte("{}"), qos: 1, retained: true})

	got := rb.drainAll()
	require.Len(t, got, 1)
	assert.Equal(t, TopicSystem, got[0].topic)
	assert.Equal(t, []byte("{}"), got[0].payload)
	assert.Equal(t, byte(1), got[0].qos)
	assert.True(t, got[0].retained)
}

func TestRingBufferReusableAfterDrain(t *testing.T) {
	rb := newRingBuffer(2)
	for _, m := range msgs(5) {
		rb.push(m)
	}
	rb.drainAll()

	for _, m := range msgs(2) {
		rb.push(m)
	}
	assert.Equal(t, []byte{0, 1}, payloadBytes(rb.drainAll()))
}
