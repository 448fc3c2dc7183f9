package pool

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/poolnet/poolnet/pkg/config"
	"github.com/poolnet/poolnet/pkg/wire"
)

var errConnectionClosed = errors.New("node connection closed")

// drainSignal is a re-armable broadcast: subscribers grab the current channel
// and wait for it to close; fire closes it and installs a fresh one.
type drainSignal struct {
	mu sync.Mutex
	ch chan struct{}
}

func newDrainSignal() *drainSignal {
	return &drainSignal{ch: make(chan struct{})}
}

func (d *drainSignal) subscribe() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ch
}

func (d *drainSignal) fire() {
	d.mu.Lock()
	close(d.ch)
	d.ch = make(chan struct{})
	d.mu.Unlock()
}

// initChunksBuffer queues pre-encoded chunk packets while the chunks channel
// is still connecting. nil rateLimiter means the current refill batch is open.
type initChunksBuffer struct {
	buffer      [][]byte
	rateLimiter <-chan struct{}
}

// chunksBuffer coordinates chunk sends on one peer: the drain signal, the
// pre-open init buffer and the drain time bookkeeping.
type chunksBuffer struct {
	signal *drainSignal

	initMu     sync.Mutex
	initBuffer *initChunksBuffer // nil once the channel opened

	lastMaxBufferTime atomic.Int64 // ms, 0 when unset
}

// nodeConnection is the state for one peer: the WebRTC connection and its two
// negotiated data channels.
type nodeConnection struct {
	pc       *webrtc.PeerConnection
	mainDC   *webrtc.DataChannel
	chunksDC *webrtc.DataChannel
	buffer   *chunksBuffer

	closeOnce sync.Once
	closedCh  chan struct{}
}

func (nc *nodeConnection) close() {
	nc.closeOnce.Do(func() {
		close(nc.closedCh)
		nc.pc.Close()
	})
}

// reportQueue is an unbounded queue of node reports consumed by the
// signaling client.
type reportQueue struct {
	mu     sync.Mutex
	items  []wire.ReportNodeData
	signal chan struct{}
}

func newReportQueue() *reportQueue {
	return &reportQueue{signal: make(chan struct{}, 1)}
}

func (q *reportQueue) push(report wire.ReportNodeData) {
	q.mu.Lock()
	q.items = append(q.items, report)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *reportQueue) pop() (wire.ReportNodeData, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return wire.ReportNodeData{}, false
	}
	report := q.items[0]
	q.items = q.items[1:]
	return report, true
}

// Conn manages the WebRTC connections to neighboring pool nodes: handshake,
// dual data channels with flow control, and fan-out routing.
type Conn struct {
	state *State
	net   atomic.Pointer[Net]

	stunServers []string

	mu    sync.RWMutex
	conns map[string]*nodeConnection

	// Smallest observed time for a full buffer to drain to the low
	// threshold; paces init-buffer refills.
	minTimeToSendMs atomic.Int64

	isFullyConnected atomic.Bool

	reports *reportQueue
}

// NewConn creates the connection manager for a pool.
func NewConn(state *State, stunServers []string) *Conn {
	return &Conn{
		state:       state,
		stunServers: stunServers,
		conns:       make(map[string]*nodeConnection, 12),
		reports:     newReportQueue(),
	}
}

// SetNet wires the pool net after construction (the two reference each other).
func (c *Conn) SetNet(net *Net) { c.net.Store(net) }

// Clean closes every peer connection.
func (c *Conn) Clean() {
	c.mu.Lock()
	conns := c.conns
	c.conns = make(map[string]*nodeConnection)
	c.mu.Unlock()

	for _, nc := range conns {
		nc.close()
	}
}

// IsFullyConnected reports whether every peer main channel has opened.
func (c *Conn) IsFullyConnected() bool { return c.isFullyConnected.Load() }

func (c *Conn) updateIsFullyConnected() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, nc := range c.conns {
		if nc.mainDC.ReadyState() == webrtc.DataChannelStateConnecting {
			c.isFullyConnected.Store(false)
			return
		}
	}
	c.isFullyConnected.Store(true)
}

// GenerateOffer creates a connection to the target node and returns the
// serialized local description once ICE gathering completes.
func (c *Conn) GenerateOffer(targetNodeID string) (string, error) {
	nc, err := c.createConnection(targetNodeID)
	if err != nil {
		return "", err
	}
	c.replaceNodeConnection(targetNodeID, nc)

	offer, err := nc.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err := nc.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return c.awaitLocalDescription(nc)
}

// AnswerOffer applies a remote offer and returns the serialized answer.
func (c *Conn) AnswerOffer(targetNodeID, sdp string) (string, error) {
	nc, err := c.createConnection(targetNodeID)
	if err != nil {
		return "", err
	}
	c.replaceNodeConnection(targetNodeID, nc)

	var offer webrtc.SessionDescription
	if err := json.Unmarshal([]byte(sdp), &offer); err != nil {
		return "", err
	}
	if err := nc.pc.SetRemoteDescription(offer); err != nil {
		return "", err
	}
	answer, err := nc.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := nc.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return c.awaitLocalDescription(nc)
}

func (c *Conn) awaitLocalDescription(nc *nodeConnection) (string, error) {
	select {
	case <-nc.closedCh:
		return "", errConnectionClosed
	case <-webrtc.GatheringCompletePromise(nc.pc):
	}

	local := nc.pc.LocalDescription()
	if local == nil {
		return "", errors.New("no local description")
	}
	b, err := json.Marshal(local)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ConnectNode applies the remote answer and waits for the connection to reach
// the connected state.
func (c *Conn) ConnectNode(targetNodeID, sdp string) error {
	c.mu.RLock()
	nc, ok := c.conns[targetNodeID]
	c.mu.RUnlock()
	if !ok {
		return errors.New("no node connection found")
	}

	connected := make(chan struct{}, 1)
	nc.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateConnected {
			select {
			case connected <- struct{}{}:
			default:
			}
		}
	})

	var answer webrtc.SessionDescription
	if err := json.Unmarshal([]byte(sdp), &answer); err != nil {
		return err
	}
	if err := nc.pc.SetRemoteDescription(answer); err != nil {
		return err
	}

	select {
	case <-nc.closedCh:
		return errConnectionClosed
	case <-connected:
	}
	return nil
}

func (c *Conn) replaceNodeConnection(targetNodeID string, nc *nodeConnection) {
	c.mu.Lock()
	existing := c.conns[targetNodeID]
	c.conns[targetNodeID] = nc
	c.mu.Unlock()

	if existing != nil {
		existing.close()
	}
}

// DisconnectNode drops the connection to a node.
func (c *Conn) DisconnectNode(targetNodeID string) {
	c.mu.Lock()
	existing := c.conns[targetNodeID]
	delete(c.conns, targetNodeID)
	c.mu.Unlock()

	if existing != nil {
		existing.close()
	}
}

// VerifyConnection reports whether the target node's connection is live.
func (c *Conn) VerifyConnection(targetNodeID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if nc, ok := c.conns[targetNodeID]; ok {
		return nc.pc.ConnectionState() == webrtc.PeerConnectionStateConnected
	}
	return false
}

// popReport takes the oldest pending node report, if any, for the signaling
// client to forward.
func (c *Conn) popReport() (wire.ReportNodeData, bool) { return c.reports.pop() }

func (c *Conn) reportSignal() <-chan struct{} { return c.reports.signal }

func nowMs() int64 { return time.Now().UnixMilli() }

// SendDataChannel sends a bundle to one neighbor. Chunk packets go on the
// chunks channel with flow control; everything else goes on the main channel
// only while it is open. Returns whether the packet was accepted.
func (c *Conn) SendDataChannel(nodeID string, bundle *PackageBundle) bool {
	if nodeID == "" {
		return false
	}

	c.mu.RLock()
	nc, ok := c.conns[nodeID]
	c.mu.RUnlock()
	if !ok {
		return false
	}

	if bundle.IsChunk {
		return c.sendChunk(nc, bundle)
	}

	if nc.mainDC.ReadyState() != webrtc.DataChannelStateOpen {
		return false
	}
	nc.mainDC.Send(bundle.Encoded)
	return true
}

func (c *Conn) sendChunk(nc *nodeConnection, bundle *PackageBundle) bool {
	switch nc.chunksDC.ReadyState() {
	case webrtc.DataChannelStateOpen:
		if nc.chunksDC.BufferedAmount() >= config.MaxDCBufferSize {
			drained := nc.buffer.signal.subscribe()
			nc.buffer.lastMaxBufferTime.Store(nowMs())
			select {
			case <-nc.closedCh:
				return false
			case <-drained:
			}
		}
		nc.chunksDC.Send(bundle.Encoded)
		return true

	case webrtc.DataChannelStateConnecting:
		return c.sendChunkConnecting(nc, bundle)
	}
	return false
}

// sendChunkConnecting buffers a chunk while the channel has not opened,
// throttled so a slow handshake does not swallow the whole file: every
// refill batch waits out the observed drain time (clamped) before accepting
// the next batch, and an open mid-wait sends live instead.
func (c *Conn) sendChunkConnecting(nc *nodeConnection, bundle *PackageBundle) bool {
	var rateLimiter <-chan struct{}

	nc.buffer.initMu.Lock()
	init := nc.buffer.initBuffer
	if init == nil {
		// Opened concurrently; the drain already ran.
		nc.buffer.initMu.Unlock()
		nc.chunksDC.Send(bundle.Encoded)
		return true
	}

	if init.rateLimiter != nil {
		rateLimiter = init.rateLimiter
	} else if len(init.buffer)%config.DCRefillRateChunkAmount == 0 {
		limiter := make(chan struct{})
		delay := time.Duration(c.minTimeToSendMs.Load()) * time.Millisecond
		if delay < config.DCInitBufferMinFillRateTimeout {
			delay = config.DCInitBufferMinFillRateTimeout
		}
		if delay > config.DCInitBufferMaxFillRateTimeout {
			delay = config.DCInitBufferMaxFillRateTimeout
		}
		go func() {
			time.Sleep(delay)
			close(limiter)
		}()
		init.rateLimiter = limiter
		rateLimiter = limiter
	} else {
		init.buffer = append(init.buffer, bundle.Encoded)
		nc.buffer.initMu.Unlock()
		return true
	}
	nc.buffer.initMu.Unlock()

	drained := nc.buffer.signal.subscribe()
	select {
	case <-drained:
		nc.chunksDC.Send(bundle.Encoded)
		return true
	case <-rateLimiter:
	}

	nc.buffer.initMu.Lock()
	defer nc.buffer.initMu.Unlock()
	init = nc.buffer.initBuffer
	if init == nil {
		nc.chunksDC.Send(bundle.Encoded)
		return true
	}
	if len(init.buffer) >= config.MaxDCBufferChunkAmount {
		// Oldest batch is dropped; the chunks transport is lossy anyway.
		init.buffer = init.buffer[config.DCRefillRateChunkAmount:]
	}
	init.buffer = append(init.buffer, bundle.Encoded)
	init.rateLimiter = nil
	return true
}

// Distribute forwards a bundle through the overlay according to this node's
// position, the bundle's source path, destination list and partner path.
func (c *Conn) Distribute(bundle *PackageBundle) {
	src := bundle.Pkg.Src
	dests := bundle.Pkg.Dests
	hasDests := len(dests) != 0

	partnerIntPath := 0
	hasPartnerIntPath := false
	if bundle.Pkg.PartnerIntPath != nil {
		partnerIntPath = int(*bundle.Pkg.PartnerIntPath)
		hasPartnerIntPath = true
	}
	fromNodeID := bundle.FromNodeID

	pos := c.state.NodePosition()
	myPartnerInt := pos.PartnerInt
	myPanelNumber := pos.PanelNumber

	// A relay off the packet's partner path may only move it within its own
	// panel, never across panels.
	restrictToOwnPanel := hasPartnerIntPath &&
		src.NodeID != c.state.NodeID &&
		partnerIntPath != myPartnerInt

	if hasDests {
		for i := 0; i < 3; i++ {
			if i == myPartnerInt {
				continue
			}
			nodeID := pos.ParentCluster[myPanelNumber][i]
			if nodeID == "" {
				continue
			}
			if !hasPartnerIntPath || (i == partnerIntPath && nodeID != fromNodeID) {
				c.SendDataChannel(nodeID, bundle)
				if hasPartnerIntPath {
					return
				}
				break
			}
		}

		var parentPanelSwitches [3]bool
		var childPanelSwitches [2]bool

	destLoop:
		for _, dest := range dests {
			for i := 0; i < 3; i++ {
				if restrictToOwnPanel && i != myPanelNumber {
					continue
				}
				for j := 0; j < 3; j++ {
					nodeID := pos.ParentCluster[i][j]
					if nodeID == "" || nodeID == c.state.NodeID || nodeID != dest.NodeID {
						continue
					}
					if i == myPanelNumber && j != myPartnerInt {
						// Same-panel boundary rule for non-partner sends.
						if !hasPartnerIntPath ||
							myPartnerInt == partnerIntPath ||
							partnerIntPath == j ||
							pos.ParentCluster[myPanelNumber][partnerIntPath] == "" {
							c.SendDataChannel(nodeID, bundle)
						}
					} else {
						parentPanelSwitches[i] = true
					}
					continue destLoop
				}
			}

			if restrictToOwnPanel {
				continue
			}

			destPath, ok := c.state.ActiveNodePath(dest.NodeID)
			if !ok {
				continue
			}

			matches := 0
			if len(pos.Path) <= len(destPath) {
				for i := 0; i < len(pos.Path); i++ {
					if pos.Path[i] == destPath[i] {
						matches++
					} else {
						matches = 0
						break
					}
				}
			}

			if matches == 0 {
				if pos.CenterCluster {
					parentPanelSwitches[destPath[0]] = true
				} else {
					parentPanelSwitches[2] = true
				}
			} else {
				if matches >= len(destPath) {
					continue
				}
				childPanelSwitches[destPath[matches]] = true
			}
		}

		if restrictToOwnPanel {
			return
		}

		sendToParent, sendToChild := directionOfMessage(pos.Path, src.Path)

		if sendToParent {
			for i := 0; i < 3; i++ {
				if i != myPanelNumber && parentPanelSwitches[i] {
					c.sendToPanel(pos.ParentCluster[i], bundle)
				}
			}
		}
		if sendToChild {
			for i := 0; i < 2; i++ {
				if childPanelSwitches[i] {
					c.sendToPanel(pos.ChildCluster[i], bundle)
				}
			}
		}
		return
	}

	// Broadcast: same-panel partners first, honoring the partner path.
	for i := 0; i < 3; i++ {
		if i == myPartnerInt {
			continue
		}
		nodeID := pos.ParentCluster[myPanelNumber][i]
		if nodeID == "" || nodeID == fromNodeID {
			continue
		}
		if !hasPartnerIntPath ||
			myPartnerInt == partnerIntPath ||
			partnerIntPath == i ||
			pos.ParentCluster[myPanelNumber][partnerIntPath] == "" {
			c.SendDataChannel(nodeID, bundle)
		}
	}

	if restrictToOwnPanel {
		return
	}

	sendToParent, sendToChild := directionOfMessage(pos.Path, src.Path)

	if sendToParent {
		for i := 0; i < 3; i++ {
			if i != myPanelNumber {
				c.sendToPanel(pos.ParentCluster[i], bundle)
			}
		}
	}
	if sendToChild {
		for i := 0; i < 2; i++ {
			c.sendToPanel(pos.ChildCluster[i], bundle)
		}
	}
}

// sendToPanel delivers a bundle to a panel. With a partner path set it sends
// to the partner-path slot when reachable, otherwise to the first slot that
// accepts; without a partner path it sends to every occupied slot.
func (c *Conn) sendToPanel(panel PanelNodeIDs, bundle *PackageBundle) {
	hasPartnerIntPath := false
	if bundle.Pkg.PartnerIntPath != nil {
		if nodeID := panel[*bundle.Pkg.PartnerIntPath]; nodeID != "" {
			if c.SendDataChannel(nodeID, bundle) {
				return
			}
		}
		hasPartnerIntPath = true
	}

	for _, nodeID := range panel {
		if nodeID == "" {
			continue
		}
		if c.SendDataChannel(nodeID, bundle) && hasPartnerIntPath {
			return
		}
	}
}

// directionOfMessage decides whether a packet travels toward the parent
// clusters, the child clusters, both or neither, from the relation between
// this node's path and the source path.
func directionOfMessage(myPath, srcPath []uint32) (sendToParent, sendToChild bool) {
	if len(myPath) < len(srcPath) {
		for i := 0; i < len(myPath); i++ {
			if myPath[i] != srcPath[i] {
				return false, true
			}
			sendToParent = true
		}
		return sendToParent, false
	}
	if len(myPath) == len(srcPath) {
		for i := 0; i < len(myPath); i++ {
			if myPath[i] != srcPath[i] {
				return false, false
			}
		}
		return true, true
	}
	return false, false
}

func (c *Conn) createConnection(nodeID string) (*nodeConnection, error) {
	net := c.net.Load()
	if net == nil {
		return nil, errors.New("pool net not wired")
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: c.stunServers}},
	})
	if err != nil {
		return nil, err
	}

	unordered := false
	mainID := uint16(0)
	chunksID := uint16(1)
	negotiated := true

	mainDC, err := pc.CreateDataChannel("main", &webrtc.DataChannelInit{
		Ordered:    &unordered,
		Negotiated: &negotiated,
		ID:         &mainID,
	})
	if err != nil {
		pc.Close()
		return nil, err
	}
	chunksDC, err := pc.CreateDataChannel("chunks", &webrtc.DataChannelInit{
		Ordered:    &unordered,
		Negotiated: &negotiated,
		ID:         &chunksID,
	})
	if err != nil {
		pc.Close()
		return nil, err
	}

	nc := &nodeConnection{
		pc:       pc,
		mainDC:   mainDC,
		chunksDC: chunksDC,
		buffer: &chunksBuffer{
			signal: newDrainSignal(),
			initBuffer: &initChunksBuffer{
				buffer: make([][]byte, 0, config.MaxDCBufferChunkAmount),
			},
		},
		closedCh: make(chan struct{}),
	}

	targetNodeID := nodeID

	mainDC.OnOpen(func() {
		logrus.WithFields(logrus.Fields{"pool": c.state.PoolID, "node": targetNodeID}).Info("main channel open")
		c.updateIsFullyConnected()
		go func() {
			if !c.state.IsLatest() {
				net.SendLatestRequest(targetNodeID)
				net.SendNodeInfoData()
			} else {
				net.SendMissedMessages()
			}
		}()
	})

	mainDC.OnMessage(func(dcMsg webrtc.DataChannelMessage) {
		c.handleMainMessage(net, targetNodeID, dcMsg)
	})

	mainDC.OnClose(func() {
		logrus.WithFields(logrus.Fields{"pool": c.state.PoolID, "node": targetNodeID}).Info("main channel closed")
		c.updateIsFullyConnected()
		c.reports.push(wire.ReportNodeData{
			NodeID:     targetNodeID,
			ReportCode: wire.ReportCodeDisconnect,
		})
	})

	chunksDC.OnOpen(func() {
		nc.buffer.initMu.Lock()
		init := nc.buffer.initBuffer
		nc.buffer.initBuffer = nil
		nc.buffer.initMu.Unlock()

		if init != nil {
			for _, encoded := range init.buffer {
				chunksDC.Send(encoded)
			}
		}
		// A stale mark here would skew the next drain measurement.
		nc.buffer.lastMaxBufferTime.Store(0)
		nc.buffer.signal.fire()
	})

	chunksDC.OnMessage(func(dcMsg webrtc.DataChannelMessage) {
		c.handleChunksMessage(net, targetNodeID, dcMsg)
	})

	chunksDC.SetBufferedAmountLowThreshold(config.BufferedAmountLowThreshold)
	chunksDC.OnBufferedAmountLow(func() {
		lastTime := nc.buffer.lastMaxBufferTime.Load()
		if lastTime > 0 {
			diff := nowMs() - lastTime
			minTime := c.minTimeToSendMs.Load()
			if diff < minTime || minTime == 0 {
				c.minTimeToSendMs.Store(diff)
			}
		}
		nc.buffer.signal.fire()
	})

	return nc, nil
}

func (c *Conn) handleMainMessage(net *Net, fromNodeID string, dcMsg webrtc.DataChannelMessage) {
	if len(dcMsg.Data) == 0 || dcMsg.IsString {
		return
	}
	pkg, err := wire.DecodePackage(dcMsg.Data)
	if err != nil {
		return
	}
	if pkg.Src != nil && pkg.Src.NodeID == c.state.NodeID {
		return
	}

	switch {
	case pkg.Msg != nil:
		if !pkg.IsValidMessage() {
			return
		}
		net.HandleMessage(NewReceivedBundle(pkg, dcMsg.Data, fromNodeID))
	case pkg.DirectMsg != nil:
		if !pkg.IsValidDirectMessage() {
			return
		}
		net.HandleDirectMessage(NewReceivedBundle(pkg, dcMsg.Data, fromNodeID))
	}
}

func (c *Conn) handleChunksMessage(net *Net, fromNodeID string, dcMsg webrtc.DataChannelMessage) {
	if len(dcMsg.Data) == 0 || dcMsg.IsString {
		return
	}
	pkg, err := wire.DecodePackage(dcMsg.Data)
	if err != nil {
		return
	}
	if pkg.Src != nil && pkg.Src.NodeID == c.state.NodeID {
		return
	}
	if !pkg.IsValidChunk() {
		return
	}
	net.HandleChunk(NewReceivedBundle(pkg, dcMsg.Data, fromNodeID))
}
