package dht

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func peerN(i int) Peer {
	return Peer{
		ID:   NewID([]byte(fmt.Sprintf("peer-%d", i))),
		Host: "example.com",
		Port: 9000 + i,
	}
}

func TestValidatePeer(t *testing.T) {
	ok := func(host string, port int, allowPrivate bool) bool {
		return ValidatePeer(Peer{ID: NodeID{1}, Host: host, Port: port}, allowPrivate) == nil
	}

	assert.True(t, ok("1.2.3.4", 8549, false))
	assert.True(t, ok("127.0.0.1", 8549, false))
	assert.True(t, ok("example.com", 8549, false))
	assert.True(t, ok("sub.example-node.org", 8549, false))

	assert.False(t, ok("", 8549, false))
	assert.False(t, ok("10.0.0.5", 8549, false))
	assert.False(t, ok("172.16.4.2", 8549, false))
	assert.False(t, ok("192.168.1.1", 8549, false))
	assert.True(t, ok("10.0.0.5", 8549, true))

	assert.False(t, ok("1.2.3.4", 1023, false))
	assert.False(t, ok("1.2.3.4", 65536, false))
	assert.False(t, ok("1.2.3.4", 0, false))

	assert.False(t, ok("::1", 8549, false))
	assert.False(t, ok("bad_host!", 8549, false))
	assert.False(t, ok("-leading.example.com", 8549, false))
}

func TestTouchIgnoresSelf(t *testing.T) {
	self := NewID([]byte("self"))
	tab := NewTable(self, false)
	assert.False(t, tab.Touch(Peer{ID: self, Host: "1.2.3.4", Port: 9000}))
	assert.Equal(t, 0, tab.Len())
}

func TestTouchMovesExistingToTail(t *testing.T) {
	tab := NewTable(NodeID{}, false)

	// Peers sharing a leading bit pattern land in the same bucket.
	var a, b, c NodeID
	a[0], b[0], c[0] = 0x80, 0x81, 0x82
	for i, id := range []NodeID{a, b, c} {
		require.True(t, tab.Touch(Peer{ID: id, Host: "example.com", Port: 9000 + i}))
	}

	require.True(t, tab.Touch(Peer{ID: a, Host: "example.com", Port: 9100}))
	bucket := tab.buckets[0]
	require.Len(t, bucket, 3)
	assert.Equal(t, a, bucket[2].ID)
	assert.Equal(t, 9100, bucket[2].Port)
}

func TestFullBucketIgnoresNewcomer(t *testing.T) {
	tab := NewTable(NodeID{}, false)

	inserted := 0
	for i := 0; inserted < K; i++ {
		var id NodeID
		id[0] = 0x80
		id[31] = byte(i + 1)
		if tab.Touch(Peer{ID: id, Host: "example.com", Port: 9000 + i}) {
			inserted++
		}
	}
	require.Equal(t, K, len(tab.buckets[0]))
	before := make([]Peer, K)
	copy(before, tab.buckets[0])

	var extra NodeID
	extra[0] = 0x80
	extra[30] = 0xff
	assert.False(t, tab.Touch(Peer{ID: extra, Host: "example.com", Port: 9999}))
	assert.Equal(t, before, tab.buckets[0])
}

func TestSubnetCap(t *testing.T) {
	tab := NewTable(NodeID{}, false)
	for i := 0; i < subnetCap; i++ {
		p := peerN(i)
		p.Host = fmt.Sprintf("8.8.4.%d", i+1)
		require.True(t, tab.Touch(p))
	}
	p := peerN(subnetCap)
	p.Host = "8.8.4.100"
	assert.False(t, tab.Touch(p))

	// A different /24 is still welcome.
	p = peerN(subnetCap + 1)
	p.Host = "8.8.5.1"
	assert.True(t, tab.Touch(p))
}

func TestClosestOrdersByDistance(t *testing.T) {
	target := NodeID{}
	tab := NewTable(NewID([]byte("self")), false)
	for i := 0; i < 30; i++ {
		tab.Touch(peerN(i))
	}

	closest := tab.Closest(target, 10)
	require.Len(t, closest, 10)
	for i := 1; i < len(closest); i++ {
		assert.False(t, DistanceLess(target, closest[i].ID, closest[i-1].ID))
	}
}
