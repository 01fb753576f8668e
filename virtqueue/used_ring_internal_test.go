package virtqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUsedRing_MemoryLayout(t *testing.T) {
	const queueSize = 2

	memory := alignedMemory(usedRingSize(queueSize))
	r := newUsedRing(queueSize, memory)

	*r.flags = 0x01ff
	*r.ringIndex = 1
	r.ring[0] = UsedElement{
		DescriptorIndex: 0x0123,
		Length:          0x4567,
	}
	r.ring[1] = UsedElement{
		DescriptorIndex: 0x89ab,
		Length:          0xcdef,
	}
	*r.availableEvent = 0x0102

	assert.Equal(t, []byte{
		0xff, 0x01,
		0x01, 0x00,
		0x23, 0x01, 0x00, 0x00,
		0x67, 0x45, 0x00, 0x00,
		0xab, 0x89, 0x00, 0x00,
		0xef, 0xcd, 0x00, 0x00,
		0x02, 0x01,
	}, memory)
	assert.True(t, r.noNotify())
	assert.Equal(t, uint16(0x0102), r.availEvent())
}

func TestUsedRing_TakeOne(t *testing.T) {
	const queueSize = 4

	tests := []struct {
		name      string
		ringIndex uint16
		lastIndex uint16
		expected  []UsedElement
	}{
		{
			name:      "nothing new",
			ringIndex: 2,
			lastIndex: 2,
			expected:  nil,
		},
		{
			name:      "no overflow",
			ringIndex: 3,
			lastIndex: 1,
			expected:  []UsedElement{{DescriptorIndex: 1}, {DescriptorIndex: 2}},
		},
		{
			name:      "ring overflow",
			ringIndex: 6,
			lastIndex: 3,
			expected:  []UsedElement{{DescriptorIndex: 3}, {DescriptorIndex: 0}, {DescriptorIndex: 1}},
		},
		{
			name:      "index overflow",
			ringIndex: 1,
			lastIndex: 65535,
			expected:  []UsedElement{{DescriptorIndex: 3}, {DescriptorIndex: 0}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			memory := alignedMemory(usedRingSize(queueSize))
			r := newUsedRing(queueSize, memory)
			for i := range r.ring {
				r.ring[i] = UsedElement{DescriptorIndex: uint32(i), Length: 0}
			}
			*r.ringIndex = tt.ringIndex
			r.lastIndex = tt.lastIndex

			assert.Equal(t, len(tt.expected), r.availableToTake())
			var got []UsedElement
			for {
				e, ok := r.takeOne()
				if !ok {
					break
				}
				got = append(got, e)
			}
			assert.Equal(t, tt.expected, got)
			assert.Equal(t, tt.ringIndex, r.lastIndex)
		})
	}
}

func TestNeedEvent(t *testing.T) {
	// The device asked for a notification once entry 4 is published.
	assert.True(t, needEvent(4, 5, 4))
	assert.True(t, needEvent(4, 8, 2))
	assert.False(t, needEvent(4, 4, 2))
	assert.False(t, needEvent(9, 8, 2))
	// Index wraparound.
	assert.True(t, needEvent(65535, 1, 65534))
}

func TestUsedElement_GetHead(t *testing.T) {
	head, ok := (&UsedElement{DescriptorIndex: 7}).GetHead()
	assert.True(t, ok)
	assert.Equal(t, uint16(7), head)

	_, ok = (&UsedElement{DescriptorIndex: 0x10000}).GetHead()
	assert.False(t, ok)
}
