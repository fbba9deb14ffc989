package stream

import (
	"fmt"
	"math"
	"time"
)

const (
	// MaxRTT is the window after which an unacked packet counts as lost.
	MaxRTT float32 = 1.0
	// MaxSequence is the largest sequence number. Sequences wrap to zero
	// after it and every distance is taken modulo MaxSequence+1.
	MaxSequence uint32 = 0xFFFF

	rttSmoothing float32 = 0.1
	ageEpsilon   float32 = 0.0001
	ackWindow            = 31
)

// RingCapacity holds a little over two round trips at the highest rate.
var RingCapacity = int(math.Ceil(2.35 * float64(MaxRTT) * GoodRate))

// sentPacket is the metadata of one sent packet.
type sentPacket struct {
	sequence uint32
	age      float32
	size     int
	acked    bool
}

// Reliability tracks one side of a stream: what we sent, which of it the
// peer acked, and what we received from the peer.
type Reliability struct {
	packets []sentPacket

	frontSent  int // oldest entry not yet timed out
	frontAcked int // oldest entry still inside the acked window
	back       int // next write slot

	sequence uint32 // next sequence to send
	ack      uint32 // most recent sequence received
	ackBits  uint32

	totalSent     uint32
	totalReceived uint32
	totalAcked    uint32
	totalLost     uint32

	sentBytes    int
	sentPackets  int
	ackedPackets int
	ackedBytes   int

	sentBandwidth  float32
	ackedBandwidth float32

	rtt float32
}

// NewReliability returns cleared reliability state.
func NewReliability() *Reliability {
	return &Reliability{packets: make([]sentPacket, RingCapacity)}
}

// MoreRecent reports whether sequence a is newer than b, allowing for
// wraparound at max.
func MoreRecent(a, b, max uint32) bool {
	return (a > b && a-b <= max/2) || (b > a && b-a > max/2)
}

func (r *Reliability) next(i int) int { return (i + 1) % len(r.packets) }

func (r *Reliability) prev(i, n int) int {
	if i >= n {
		return i - n
	}
	return i + len(r.packets) - n
}

// Header returns the fields to stamp on the next outgoing packet.
func (r *Reliability) Header() Header {
	return Header{Sequence: r.sequence, Ack: r.ack, AckBits: r.ackBits}
}

// Sequence returns the next sequence number to be sent.
func (r *Reliability) Sequence() uint32 { return r.sequence }

// PacketSent records a packet of size bytes stamped with the current
// sequence. When the ring is full the oldest entries are discarded.
func (r *Reliability) PacketSent(size int) {
	r.packets[r.back] = sentPacket{sequence: r.sequence, size: size}
	r.back = r.next(r.back)
	r.sequence = (r.sequence + 1) & MaxSequence

	r.totalSent++
	r.sentPackets++
	r.sentBytes += size

	if r.back == r.frontAcked {
		r.frontAcked = r.next(r.frontAcked)
	}
	if r.back == r.frontSent {
		r.frontSent = r.next(r.frontSent)
	}
}

// PacketReceived records a packet from the peer and the acks it carried.
func (r *Reliability) PacketReceived(sequence, ack, ackBits uint32) {
	r.processSequence(sequence)
	r.processAck(ack, ackBits)
	r.totalReceived++
}

func (r *Reliability) processSequence(sequence uint32) {
	if MoreRecent(sequence, r.ack, MaxSequence) {
		var shift uint32
		if sequence > r.ack {
			shift = sequence - r.ack
		} else {
			shift = sequence - r.ack + MaxSequence + 1
		}
		if shift < 32 {
			r.ackBits = r.ackBits<<shift | 1
		} else {
			r.ackBits = 0
		}
		r.ack = sequence
		return
	}

	var shift uint32
	if r.ack >= sequence {
		shift = r.ack - sequence
	} else {
		shift = r.ack - sequence + MaxSequence + 1
	}
	if shift < 32 {
		r.ackBits |= 1 << shift
	}
}

func (r *Reliability) processAck(ack, ackBits uint32) {
	if r.frontSent == r.back {
		return
	}

	var count uint32
	if r.sequence > ack {
		count = r.sequence - ack
	} else {
		count = r.sequence - ack + MaxSequence + 1
	}
	if count >= uint32(len(r.packets)) {
		return
	}

	pivot := r.prev(r.back, int(count))
	for i := 0; i < ackWindow; i++ {
		p := &r.packets[pivot]
		if !p.acked && ackBits&1 != 0 {
			p.acked = true
			r.totalAcked++
			r.rtt += (p.age - r.rtt) * rttSmoothing
		}
		ackBits >>= 1
		pivot = r.prev(pivot, 1)
	}
}

// Update ages every entry by dt, expires entries older than MaxRTT
// (counting the unacked ones as lost) and refreshes the bandwidth figures.
func (r *Reliability) Update(dt time.Duration) {
	if r.frontSent == r.back {
		return
	}

	delta := float32(dt.Seconds())
	for i := range r.packets {
		r.packets[i].age += delta
	}

	for r.frontSent != r.back && r.packets[r.frontSent].age > MaxRTT+ageEpsilon {
		p := &r.packets[r.frontSent]
		r.sentBytes -= p.size
		r.sentPackets--
		if !p.acked {
			r.totalLost++
		}
		r.frontSent = r.next(r.frontSent)
	}

	for r.frontAcked != r.back && r.packets[r.frontAcked].age > MaxRTT*2-ageEpsilon {
		r.frontAcked = r.next(r.frontAcked)
	}

	r.ackedPackets = 0
	r.ackedBytes = 0
	for i := r.frontAcked; i != r.back; i = r.next(i) {
		p := &r.packets[i]
		if p.acked && p.age >= MaxRTT {
			r.ackedPackets++
			r.ackedBytes += p.size
		}
	}

	sentPerSecond := float32(r.sentBytes) / MaxRTT
	ackedPerSecond := float32(r.ackedBytes) / MaxRTT
	r.sentBandwidth = sentPerSecond * 0.008
	r.ackedBandwidth = ackedPerSecond * 0.008
}

// RTT returns the smoothed round trip time.
func (r *Reliability) RTT() time.Duration { return seconds(r.rtt) }

// ReliabilityStats is a snapshot of the counters.
type ReliabilityStats struct {
	Sequence       uint32
	Ack            uint32
	AckBits        uint32
	TotalSent      uint32
	TotalReceived  uint32
	TotalAcked     uint32
	TotalLost      uint32
	SentPackets    int
	SentBytes      int
	AckedPackets   int
	AckedBytes     int
	SentBandwidth  float32 // kbps over the last MaxRTT
	AckedBandwidth float32 // kbps over the last MaxRTT
	RTT            float32 // seconds
}

// Stats returns a snapshot of the counters.
func (r *Reliability) Stats() ReliabilityStats {
	return ReliabilityStats{
		Sequence:       r.sequence,
		Ack:            r.ack,
		AckBits:        r.ackBits,
		TotalSent:      r.totalSent,
		TotalReceived:  r.totalReceived,
		TotalAcked:     r.totalAcked,
		TotalLost:      r.totalLost,
		SentPackets:    r.sentPackets,
		SentBytes:      r.sentBytes,
		AckedPackets:   r.ackedPackets,
		AckedBytes:     r.ackedBytes,
		SentBandwidth:  r.sentBandwidth,
		AckedBandwidth: r.ackedBandwidth,
		RTT:            r.rtt,
	}
}

// LossPercent returns lost packets as a share of sent packets.
func (s ReliabilityStats) LossPercent() float32 {
	if s.TotalSent == 0 {
		return 0
	}
	return float32(s.TotalLost) / float32(s.TotalSent) * 100
}

func (s ReliabilityStats) String() string {
	return fmt.Sprintf("rtt %.1fms, sent %d, acked %d, lost %d (%.1f%%), sent bandwidth %.1fkbps, acked bandwidth %.1fkbps",
		s.RTT*1000, s.TotalSent, s.TotalAcked, s.TotalLost, s.LossPercent(), s.SentBandwidth, s.AckedBandwidth)
}
