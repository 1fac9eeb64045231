package dht

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cipher-network/cipher-agent/gerror"
	"github.com/pkg/errors"
)

const (
	// K is the bucket size and the result width of lookups.
	K = 20
	// bucketCount is one bucket per possible distance prefix length.
	bucketCount = 256
	// subnetCap bounds how many peers from one IPv4 /24 the table accepts.
	subnetCap = 5
	// PortMin and PortMax bound acceptable peer ports.
	PortMin = 1024
	PortMax = 65535
)

// Peer is one routing-table entry.
type Peer struct {
	ID       NodeID
	Host     string
	Port     int
	LastSeen time.Time
}

// Addr returns the peer's dialable host:port.
func (p Peer) Addr() string {
	return net.JoinHostPort(p.Host, fmt.Sprintf("%d", p.Port))
}

var privateNets = func() []*net.IPNet {
	var nets []*net.IPNet
	for _, cidr := range []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"} {
		_, n, _ := net.ParseCIDR(cidr)
		nets = append(nets, n)
	}
	return nets
}()

// ValidatePeer checks a peer record before it may enter the table. Hosts must
// be a non-empty domain name or IPv4 dotted-quad; with allowPrivate false,
// non-loopback private IPv4 ranges are rejected.
func ValidatePeer(p Peer, allowPrivate bool) error {
	if p.Host == "" {
		return errors.Wrap(gerror.ErrBadInput, "peer host is empty")
	}
	if p.Port < PortMin || p.Port > PortMax {
		return errors.Wrapf(gerror.ErrBadInput, "peer port %d out of range", p.Port)
	}
	if ip := net.ParseIP(p.Host); ip != nil {
		v4 := ip.To4()
		if v4 == nil {
			return errors.Wrap(gerror.ErrBadInput, "peer host is not IPv4")
		}
		if ip.IsLoopback() {
			return nil
		}
		if !allowPrivate {
			for _, n := range privateNets {
				if n.Contains(v4) {
					return errors.Wrapf(gerror.ErrBadInput, "peer host %s is in a private range", p.Host)
				}
			}
		}
		return nil
	}
	if !validDomain(p.Host) {
		return errors.Wrapf(gerror.ErrBadInput, "peer host %q is not a domain name", p.Host)
	}
	return nil
}

func validDomain(host string) bool {
	if len(host) > 253 {
		return false
	}
	for _, label := range strings.Split(host, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		for i, r := range label {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			case r == '-' && i > 0 && i < len(label)-1:
			default:
				return false
			}
		}
	}
	return true
}

// subnetKey returns the /24 prefix for IPv4 hosts, or "" for domain names.
func subnetKey(host string) string {
	ip := net.ParseIP(host)
	if ip == nil {
		return ""
	}
	v4 := ip.To4()
	if v4 == nil {
		return ""
	}
	return fmt.Sprintf("%d.%d.%d", v4[0], v4[1], v4[2])
}

// Table is the Kademlia routing table: 256 k-buckets ordered newest at the
// tail, with no eviction probing. A full bucket ignores newcomers.
type Table struct {
	mu           sync.Mutex
	self         NodeID
	buckets      [bucketCount][]Peer
	subnets      map[string]int
	allowPrivate bool
}

// NewTable creates an empty routing table for the given local ID.
func NewTable(self NodeID, allowPrivate bool) *Table {
	return &Table{
		self:         self,
		subnets:      make(map[string]int),
		allowPrivate: allowPrivate,
	}
}

// Self returns the local node ID.
func (t *Table) Self() NodeID {
	return t.self
}

// Touch records activity from a peer. An existing entry moves to the tail of
// its bucket with refreshed address and timestamp; a new peer is appended if
// the bucket has room and the /24 cap allows it. Self-IDs and invalid records
// are ignored. It reports whether the peer is now present.
func (t *Table) Touch(p Peer) bool {
	if p.ID == t.self {
		return false
	}
	if err := ValidatePeer(p, t.allowPrivate); err != nil {
		return false
	}
	p.LastSeen = time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	idx := BucketIndex(t.self, p.ID)
	bucket := t.buckets[idx]
	for i, entry := range bucket {
		if entry.ID == p.ID {
			copy(bucket[i:], bucket[i+1:])
			bucket[len(bucket)-1] = p
			return true
		}
	}
	if len(bucket) >= K {
		return false
	}
	if key := subnetKey(p.Host); key != "" {
		if t.subnets[key] >= subnetCap {
			return false
		}
		t.subnets[key]++
	}
	t.buckets[idx] = append(bucket, p)
	return true
}

// Closest returns up to n peers ordered by XOR distance to target.
func (t *Table) Closest(target NodeID, n int) []Peer {
	all := t.Peers()
	sortByDistance(target, all)
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// Peers returns a copy of every table entry.
func (t *Table) Peers() []Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Peer
	for _, bucket := range t.buckets {
		out = append(out, bucket...)
	}
	return out
}

// Len returns the number of peers in the table.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, bucket := range t.buckets {
		n += len(bucket)
	}
	return n
}

func sortByDistance(target NodeID, peers []Peer) {
	sort.SliceStable(peers, func(i, j int) bool {
		return DistanceLess(target, peers[i].ID, peers[j].ID)
	})
}
