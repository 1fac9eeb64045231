package treeshare

import (
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/cipher-network/cipher-agent/log"
	"github.com/cipher-network/cipher-agent/merkletree"
	"github.com/pkg/errors"
)

// beaconPeriod is the interval between LAN announce datagrams.
const beaconPeriod = 30 * time.Second

// beaconMessage is the LAN announce datagram payload.
type beaconMessage struct {
	Type      string   `json:"type"`
	Port      int      `json:"port"`
	Trees     []uint32 `json:"trees"`
	Timestamp int64    `json:"timestamp"`
}

// Beacon announces this node's tree inventory to each non-loopback /24
// broadcast address and records announcing LAN peers.
type Beacon struct {
	httpPort   int
	beaconPort int
	engine     *merkletree.Engine
	peers      *PeerStore

	conn *net.UDPConn
	quit chan struct{}
	wg   sync.WaitGroup
}

// NewBeacon creates a LAN announcer feeding discoveries into peers.
func NewBeacon(httpPort, beaconPort int, engine *merkletree.Engine, peers *PeerStore) *Beacon {
	if beaconPort == 0 {
		beaconPort = DefaultBeaconPort
	}
	return &Beacon{
		httpPort:   httpPort,
		beaconPort: beaconPort,
		engine:     engine,
		peers:      peers,
		quit:       make(chan struct{}),
	}
}

// Start binds the UDP socket and launches the send and receive loops.
func (b *Beacon) Start() error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: b.beaconPort})
	if err != nil {
		return errors.Wrapf(err, "binding lan beacon on udp %d", b.beaconPort)
	}
	b.conn = conn
	b.wg.Add(2)
	go b.sendLoop()
	go b.recvLoop()
	log.Infof("lan beacon on udp %d", b.beaconPort)
	return nil
}

// Stop closes the socket and waits for the loops.
func (b *Beacon) Stop() {
	close(b.quit)
	if b.conn != nil {
		b.conn.Close() //nolint:errcheck
	}
	b.wg.Wait()
}

func (b *Beacon) sendLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(beaconPeriod)
	defer ticker.Stop()
	b.announce()
	for {
		select {
		case <-b.quit:
			return
		case <-ticker.C:
			b.announce()
		}
	}
}

func (b *Beacon) announce() {
	payload, err := json.Marshal(beaconMessage{
		Type:      "announce",
		Port:      b.httpPort,
		Trees:     b.engine.Chunks(),
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		return
	}
	for _, bcast := range broadcastAddrs() {
		dst := &net.UDPAddr{IP: bcast, Port: b.beaconPort}
		if _, err := b.conn.WriteToUDP(payload, dst); err != nil {
			log.Debugf("beacon to %s: %v", dst, err)
		}
	}
}

func (b *Beacon) recvLoop() {
	defer b.wg.Done()
	local := localIPSet()
	buf := make([]byte, 2048)
	for {
		n, src, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-b.quit:
				return
			default:
				continue
			}
		}
		var msg beaconMessage
		if json.Unmarshal(buf[:n], &msg) != nil || msg.Type != "announce" {
			continue
		}
		if local[src.IP.String()] && msg.Port == b.httpPort {
			continue
		}
		b.peers.Add(src.IP.String(), msg.Port, msg.Trees)
	}
}

// broadcastAddrs returns the /24 broadcast address of every non-loopback
// IPv4 interface.
func broadcastAddrs() []net.IP {
	var out []net.IP
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			v4 := ipnet.IP.To4()
			if v4 == nil {
				continue
			}
			bcast := net.IPv4(v4[0], v4[1], v4[2], 255)
			out = append(out, bcast)
		}
	}
	return out
}

func localIPSet() map[string]bool {
	set := make(map[string]bool)
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return set
	}
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok {
			set[ipnet.IP.String()] = true
		}
	}
	return set
}
