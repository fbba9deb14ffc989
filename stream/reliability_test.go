package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

const (
	simStep       = 100 * time.Millisecond
	simPacketSize = 100
)

// exchange simulates one packet each way followed by an update of both
// sides. The A to B packet is dropped when lose is set.
func exchange(a, b *Reliability, lose bool) {
	if !lose {
		h := a.Header()
		b.PacketReceived(h.Sequence, h.Ack, h.AckBits)
	}
	a.PacketSent(simPacketSize)

	h := b.Header()
	a.PacketReceived(h.Sequence, h.Ack, h.AckBits)
	b.PacketSent(simPacketSize)

	a.Update(simStep)
	b.Update(simStep)
}

func TestReliability_Clear(t *testing.T) {
	r := NewReliability()
	st := r.Stats()
	assert.Zero(t, st.RTT)
	assert.Zero(t, st.SentBytes)
	assert.Zero(t, st.TotalSent)
	assert.Zero(t, st.Sequence)
	assert.Equal(t, 36, RingCapacity)
}

func TestReliability_NoLoss(t *testing.T) {
	a, b := NewReliability(), NewReliability()

	for s := uint32(1); s <= 10; s++ {
		for ds := 0; ds < 10; ds++ {
			exchange(a, b, false)
		}

		sa := a.Stats()
		assert.Equal(t, s*10, sa.TotalSent)
		assert.Equal(t, s*10, sa.TotalReceived)
		assert.Equal(t, s*10, sa.TotalAcked)
		assert.Zero(t, sa.TotalLost)
		assert.Equal(t, 10*simPacketSize, sa.SentBytes)
		assert.LessOrEqual(t, sa.AckedBytes, 10*simPacketSize)
		assert.InDelta(t, 8.0, sa.SentBandwidth, 0.001)
		assert.LessOrEqual(t, sa.RTT, float32(0.1))

		sb := b.Stats()
		assert.Equal(t, s*10, sb.TotalSent)
		assert.Equal(t, s*10, sb.TotalReceived)
		assert.Equal(t, s*10-1, sb.TotalAcked)
		assert.Zero(t, sb.TotalLost)
		assert.LessOrEqual(t, sb.SentBytes, 10*simPacketSize)
		assert.LessOrEqual(t, sb.RTT, float32(0.1))
	}

	assert.InDelta(t, 0.1, b.Stats().RTT, 0.001)
	assert.Zero(t, a.Stats().LossPercent())
}

func TestReliability_EveryTenthLost(t *testing.T) {
	a, b := NewReliability(), NewReliability()

	for s := uint32(1); s <= 10; s++ {
		for ds := 1; ds <= 10; ds++ {
			exchange(a, b, ds == 10)
		}

		sa := a.Stats()
		assert.Equal(t, s*10, sa.TotalSent)
		assert.Equal(t, s*10, sa.TotalReceived)
		assert.Equal(t, s*9, sa.TotalAcked)
		assert.Equal(t, 10*simPacketSize, sa.SentBytes)
		assert.LessOrEqual(t, sa.RTT, float32(0.1))

		sb := b.Stats()
		assert.Equal(t, s*10, sb.TotalSent)
		assert.Equal(t, s*9, sb.TotalReceived)
		assert.LessOrEqual(t, sb.RTT, float32(0.2))
	}

	// The tenth loss is only detected one round trip after it was sent.
	assert.Equal(t, uint32(9), a.Stats().TotalLost)
	assert.Equal(t, uint32(0), b.Stats().TotalLost)
	assert.InDelta(t, 9.0, a.Stats().LossPercent(), 0.001)
	assert.InDelta(t, 7.2, a.Stats().AckedBandwidth, 0.001)
}

func TestReliability_SequenceWraps(t *testing.T) {
	a, b := NewReliability(), NewReliability()

	for i := 0; i < 70000; i++ {
		exchange(a, b, false)
	}

	sa := a.Stats()
	assert.Equal(t, uint32(70000), sa.TotalAcked)
	assert.Zero(t, sa.TotalLost)
	assert.Equal(t, uint32(70000%(MaxSequence+1)), sa.Sequence)
	assert.Zero(t, b.Stats().TotalLost)
}

func TestReliability_RingOverwrite(t *testing.T) {
	r := NewReliability()
	for i := 0; i < RingCapacity*2; i++ {
		r.PacketSent(10)
	}
	st := r.Stats()
	assert.Equal(t, uint32(RingCapacity*2), st.TotalSent)
	assert.Zero(t, st.TotalLost)

	// Only what is still in the ring ages out.
	r.Update(2 * time.Second)
	assert.Equal(t, uint32(RingCapacity-1), r.Stats().TotalLost)
	assert.Equal(t, RingCapacity+1, r.Stats().SentPackets)
}

func TestMoreRecent(t *testing.T) {
	tests := []struct {
		a, b uint32
		want bool
	}{
		{1, 0, true},
		{0, 1, false},
		{5, 5, false},
		{0, MaxSequence, true},
		{MaxSequence, 0, false},
		{MaxSequence / 2, 0, true},
		{MaxSequence/2 + 1, 0, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MoreRecent(tt.a, tt.b, MaxSequence), "%d vs %d", tt.a, tt.b)
	}
}

func TestReliability_OutOfOrderSetsBit(t *testing.T) {
	r := NewReliability()
	r.PacketReceived(5, 0, 0)
	r.PacketReceived(3, 0, 0)
	h := r.Header()
	assert.Equal(t, uint32(5), h.Ack)
	assert.Equal(t, uint32(1|1<<2), h.AckBits&0x7)
}
