package pool

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/poolnet/poolnet/pkg/chunk"
	"github.com/poolnet/poolnet/pkg/config"
	"github.com/poolnet/poolnet/pkg/poolid"
	"github.com/poolnet/poolnet/pkg/store"
	"github.com/poolnet/poolnet/pkg/wire"
)

// SendChunkInfo is one outbound chunk produced by a chunk sender or the
// cache reader, queued toward the fan-out.
type SendChunkInfo struct {
	ChunkMsg    wire.ChunkMessage
	DestNodeIDs []string // nil means broadcast
	SendToSelf  bool
}

// Net composes, validates and dispatches pool messages: dedup, latest-state
// sync, missed-message replay and the chunk routing policy.
type Net struct {
	state *State
	conn  *Conn
	deps  Deps

	fileManager  *FileManager
	cacheManager *CacheManager // nil when the cache file cannot be created

	missedMu       sync.Mutex
	missedMessages []*PackageBundle

	receivedMu       sync.Mutex
	receivedMessages *receivedMessageQueue

	sendChunkCh chan SendChunkInfo
}

// NewNet wires the pool net with its file and cache managers and starts the
// chunk send loop.
func NewNet(state *State, conn *Conn, deps Deps) *Net {
	sendChunkCh := make(chan SendChunkInfo, config.MaxSendChunkBufferLength)

	n := &Net{
		state:            state,
		conn:             conn,
		deps:             deps,
		receivedMessages: newReceivedMessageQueue(),
		sendChunkCh:      sendChunkCh,
	}
	n.fileManager = NewFileManager(state, deps, sendChunkCh)
	n.cacheManager = NewCacheManager(state, deps, sendChunkCh)
	n.fileManager.SetNet(n)

	go n.sendChunkLoop()

	return n
}

// FileManager exposes the per-pool file manager.
func (n *Net) FileManager() *FileManager { return n.fileManager }

// Clean tears down the file and cache managers.
func (n *Net) Clean() {
	n.fileManager.Clean()
	if n.cacheManager != nil {
		n.cacheManager.Clean()
	}
}

// SendLatestRequest asks a freshly opened neighbor for catch-up state.
func (n *Net) SendLatestRequest(targetNodeID string) {
	n.sendDirectMessage(wire.DirectMessageTypeLatestRequest, nil, targetNodeID)
}

// SendLatestReply serves the latest message window plus the full seeder
// snapshot to a catching-up node.
func (n *Net) SendLatestReply(targetNodeID string) {
	reply := &wire.LatestReplyData{
		LatestMessages: n.deps.DB.LatestMessages(n.state.PoolID),
		FileSeeders:    n.state.CollectFileSeeders(),
	}
	n.sendDirectMessage(wire.DirectMessageTypeLatestReply, reply, targetNodeID)
}

// SendMissedMessages replays messages sent while the overlay was not fully
// connected. Once fully connected the queue is drained for good.
func (n *Net) SendMissedMessages() {
	n.missedMu.Lock()
	if len(n.missedMessages) == 0 {
		n.missedMu.Unlock()
		return
	}
	var missed []*PackageBundle
	if n.conn.IsFullyConnected() {
		missed = n.missedMessages
		n.missedMessages = nil
	} else {
		missed = make([]*PackageBundle, len(n.missedMessages))
		copy(missed, n.missedMessages)
	}
	n.missedMu.Unlock()

	for _, bundle := range missed {
		n.conn.Distribute(bundle)
	}
}

// SendNodeInfoData broadcasts this node's stored file offers.
func (n *Net) SendNodeInfoData() {
	n.sendMessage(wire.MessageTypeNodeInfo, &wire.Message{
		NodeInfoData: &wire.NodeInfoData{FileOffers: n.deps.Stores.FileOffers(n.state.PoolID)},
	}, nil, nil)
}

// SendTextMessage broadcasts a text message.
func (n *Net) SendTextMessage(text string) {
	n.sendMessage(wire.MessageTypeText, &wire.Message{
		TextData: &wire.TextData{Text: text},
	}, nil, nil)
}

// SendFileOffer stores and broadcasts a new file offer backed by path.
func (n *Net) SendFileOffer(fileInfo wire.FileInfo, path string) {
	if !n.deps.Stores.AddFileOffer(n.state.PoolID, fileInfo, path) {
		return
	}

	n.fileManager.AddChunkSender(fileInfo, path, false)

	n.sendMessage(wire.MessageTypeFileOffer, &wire.Message{
		FileOfferData: &fileInfo,
	}, nil, nil)
}

// SendMediaOffer stores and broadcasts a media offer with its preview
// payload, then pushes the whole file to the pool. Media larger than the temp
// limit degrades to a plain file offer.
func (n *Net) SendMediaOffer(fileInfo wire.FileInfo, path string, imageData *wire.ImageData) {
	if fileInfo.TotalSize > config.MaxTempFileSize {
		n.SendFileOffer(fileInfo, path)
		return
	}

	if !n.deps.Stores.AddFileOffer(n.state.PoolID, fileInfo, path) {
		return
	}

	n.fileManager.AddChunkSender(fileInfo, path, true)

	n.sendMessage(wire.MessageTypeMediaOffer, &wire.Message{
		MediaOfferData: &wire.MediaOfferData{
			FileInfo:  &fileInfo,
			MediaType: wire.MediaTypeImage,
			ImageData: imageData,
		},
	}, nil, nil)

	n.fileManager.BroadcastFile(fileInfo.FileID)
}

// DownloadFile starts a download into dirPath, short-circuiting through a
// local copy when this node already holds the file.
func (n *Net) DownloadFile(fileInfo wire.FileInfo, dirPath string) {
	if existingPath, ok := n.deps.Stores.CheckExistingFile(fileInfo.FileID); ok {
		go func() {
			dest := store.CreateValidFilePath(dirPath, fileInfo.FileName)
			success := copyFile(existingPath, dest) == nil
			n.deps.Bus.PublishCompleteFileDownload(n.state.PoolID, fileInfo.FileID, success)
		}()
		return
	}

	if !n.state.IsAvailableFile(fileInfo.FileID) {
		return
	}

	// The receiver loop issues the initial full-range request itself.
	if err := n.fileManager.InitFileDownload(fileInfo, dirPath); err != nil {
		logrus.WithError(err).WithField("file", fileInfo.FileID).Warn("file download init failed")
	}
}

// SendFileRequest fans a request for the given ranges out over all three
// partner paths toward the chosen seeder.
func (n *Net) SendFileRequest(fileID, requestNodeID string, requestedChunks chunk.Ranges, requestFromOrigin bool) {
	for i := uint32(0); i < 3; i++ {
		partner := i
		n.sendMessage(wire.MessageTypeFileRequest, &wire.Message{
			FileRequestData: &wire.FileRequestData{
				FileID:            fileID,
				RequestedChunks:   requestedChunks.Clone(),
				PromisedChunks:    nil,
				RequestFromOrigin: requestFromOrigin,
			},
		}, []string{requestNodeID}, &partner)
	}
}

// SendRetractFileOffer withdraws a stored offer pool-wide.
func (n *Net) SendRetractFileOffer(fileID string) {
	if !n.deps.Stores.RemoveFileOffer(fileID) {
		return
	}

	n.fileManager.RemoveChunkSender(fileID)

	n.sendMessage(wire.MessageTypeRetractFileOffer, &wire.Message{
		RetractFileOfferData: &wire.RetractFileOfferData{FileID: fileID},
	}, nil, nil)
}

// SendRetractFileRequest cancels this node's running download of a file.
func (n *Net) SendRetractFileRequest(fileID string) {
	requestedNodeID, ok := n.fileManager.DownloadRequestedNodeID(fileID)
	if !ok {
		return
	}

	n.fileManager.CompleteFileDownload(fileID, true)

	n.sendMessage(wire.MessageTypeRetractFileRequest, &wire.Message{
		RetractFileRequestData: &wire.RetractFileRequestData{FileID: fileID},
	}, []string{requestedNodeID}, nil)
}

func (n *Net) sendDirectMessage(msgType wire.DirectMessageType, reply *wire.LatestReplyData, targetNodeID string) {
	pkg := n.createMessagePackage(nil, nil)
	pkg.DirectMsg = &wire.DirectMessage{
		Type:            msgType,
		LatestReplyData: reply,
	}

	if bundle := NewBundle(pkg, ""); bundle != nil {
		n.conn.SendDataChannel(targetNodeID, bundle)
	}
}

func (n *Net) sendMessage(msgType wire.MessageType, msg *wire.Message, destNodeIDs []string, partnerIntPath *uint32) {
	msg.MsgID = poolid.NewMessageID()
	msg.Type = msgType
	msg.UserID = n.state.User.UserID
	msg.Created = uint64(time.Now().UnixMilli())

	pkg := n.createMessagePackage(destNodeIDs, partnerIntPath)
	pkg.Msg = msg

	// The originator handles its own packet, which fans it out.
	if bundle := NewBundle(pkg, n.state.NodeID); bundle != nil {
		n.HandleMessage(bundle)
	}
}

func (n *Net) addMessage(msg *wire.Message) {
	n.deps.DB.AppendMessage(n.state.PoolID, *msg)
	n.deps.Bus.PublishAppendPoolMessage(n.state.PoolID, msg)
}

func (n *Net) addMissedMessage(bundle *PackageBundle) {
	if n.conn.IsFullyConnected() {
		return
	}
	n.missedMu.Lock()
	n.missedMessages = append(n.missedMessages, bundle.Clone())
	n.missedMu.Unlock()
}

func (n *Net) updateLatest(reply *wire.LatestReplyData) {
	if n.state.IsLatest() {
		return
	}
	n.state.SetLatest()

	// Replays of the adopted messages must still hit dedup.
	n.receivedMu.Lock()
	for i := range reply.LatestMessages {
		n.receivedMessages.appendMessage(reply.LatestMessages[i].MsgID)
	}
	n.receivedMu.Unlock()

	n.deps.DB.AddLatestMessages(n.state.PoolID, reply.LatestMessages)
	n.state.InitFileSeeders(reply.FileSeeders)
}

// promiseChunks tries to serve parts of a forwarded file request from this
// node's own files first, then from the relay cache. Returns whether the
// request was modified.
func (n *Net) promiseChunks(requestingNodeID string, req *wire.FileRequestData, partnerIntPath uint32) bool {
	if req.RequestFromOrigin || len(req.RequestedChunks) == 0 {
		return false
	}

	req.RequestedChunks.Compact()

	if n.fileManager.PromiseFileChunks(requestingNodeID, req, partnerIntPath) {
		return true
	}
	if n.cacheManager != nil {
		return n.cacheManager.PromiseCacheChunks(requestingNodeID, req, partnerIntPath)
	}
	return false
}

func (n *Net) sendChunkLoop() {
	for {
		select {
		case <-n.state.CloseSignal():
			return
		case info := <-n.sendChunkCh:
			n.sendChunk(info)
		}
	}
}

func (n *Net) sendChunk(info SendChunkInfo) {
	if info.SendToSelf {
		n.fileManager.HandleFileChunk(info.ChunkMsg)
	}

	partnerIntPath := chunk.PartnerIntPath(info.ChunkMsg.ChunkNumber)
	pkg := n.createMessagePackage(info.DestNodeIDs, &partnerIntPath)
	chunkMsg := info.ChunkMsg
	pkg.ChunkMsg = &chunkMsg

	if bundle := NewBundle(pkg, n.state.NodeID); bundle != nil {
		n.conn.Distribute(bundle)
	}
}

// HandleChunk consumes an inbound chunk: deliver locally when this node is a
// destination, relay-cache when the chunk rides this node's partner path, and
// keep distributing either way.
func (n *Net) HandleChunk(bundle *PackageBundle) {
	if len(bundle.Pkg.Dests) == 0 {
		n.fileManager.HandleFileChunk(*bundle.Pkg.ChunkMsg)
	} else if bundle.CheckAndUpdateIsDest(n.state.NodeID) {
		n.fileManager.HandleFileChunk(*bundle.Pkg.ChunkMsg)
		if len(bundle.Pkg.Dests) == 0 {
			return
		}
	} else if n.cacheManager != nil && bundle.Pkg.PartnerIntPath != nil {
		if int(*bundle.Pkg.PartnerIntPath) == n.state.PartnerInt() {
			if n.state.IsAvailableFile(bundle.Pkg.ChunkMsg.FileID) {
				n.cacheManager.CacheFileChunk(*bundle.Pkg.ChunkMsg)
			}
		}
	}

	n.conn.Distribute(bundle)
}

// HandleDirectMessage dispatches a neighbor-only message.
func (n *Net) HandleDirectMessage(bundle *PackageBundle) {
	directMsg := bundle.Pkg.DirectMsg
	srcNodeID := bundle.SrcNodeID()

	switch directMsg.Type {
	case wire.DirectMessageTypeLatestRequest:
		n.SendLatestReply(srcNodeID)
	case wire.DirectMessageTypeLatestReply:
		if directMsg.LatestReplyData == nil {
			return
		}
		n.updateLatest(directMsg.LatestReplyData)
	}
}

// HandleMessage runs the full inbound pipeline: latest gate, dedup, dest
// dispatch, promise-and-reencode, broadcast handlers, missed-message append
// and distribution.
func (n *Net) HandleMessage(bundle *PackageBundle) {
	msg := bundle.Pkg.Msg
	srcNodeID := bundle.SrcNodeID()

	// Out-of-order broadcasts before catch-up would corrupt the log.
	if len(bundle.Pkg.Dests) == 0 && !n.state.IsLatest() && srcNodeID != n.state.NodeID {
		return
	}

	n.receivedMu.Lock()
	fresh := n.receivedMessages.appendMessage(msg.MsgID)
	n.receivedMu.Unlock()
	if !fresh {
		return
	}

	if len(bundle.Pkg.Dests) != 0 {
		if bundle.CheckAndUpdateIsDest(n.state.NodeID) {
			switch msg.Type {
			case wire.MessageTypeFileRequest:
				if msg.FileRequestData == nil {
					return
				}
				n.fileManager.RequestFile(srcNodeID, *msg.FileRequestData)
			case wire.MessageTypeRetractFileRequest:
				if msg.RetractFileRequestData == nil {
					return
				}
				n.fileManager.RetractFileRequest(srcNodeID, msg.RetractFileRequestData.FileID)
			default:
				return
			}

			if len(bundle.Pkg.Dests) == 0 {
				return
			}
		} else {
			modified := false
			if msg.Type == wire.MessageTypeFileRequest {
				if msg.FileRequestData == nil {
					return
				}
				if bundle.Pkg.PartnerIntPath != nil {
					pip := *bundle.Pkg.PartnerIntPath
					if int(pip) == n.state.PartnerInt() || srcNodeID == n.state.NodeID {
						modified = n.promiseChunks(srcNodeID, msg.FileRequestData, pip)
					}
				}
			}
			if modified {
				logrus.WithFields(logrus.Fields{
					"pool": n.state.PoolID, "file": msg.FileRequestData.FileID,
				}).Debug("file request modified by promise")
				bundle.Reencode()
			}
		}
	} else {
		switch msg.Type {
		case wire.MessageTypeNodeInfo:
			if msg.NodeInfoData == nil {
				return
			}
			if srcNodeID != n.state.NodeID {
				n.state.AddFileOffers(srcNodeID, msg.NodeInfoData.FileOffers)
			}
		case wire.MessageTypeText:
			if msg.TextData == nil {
				return
			}
			n.addMessage(msg)
		case wire.MessageTypeFileOffer:
			if msg.FileOfferData == nil {
				return
			}
			n.state.AddFileOffer(srcNodeID, *msg.FileOfferData)
			if srcNodeID == msg.FileOfferData.OriginNodeID {
				n.addMessage(msg)
			}
		case wire.MessageTypeMediaOffer:
			if msg.MediaOfferData == nil || msg.MediaOfferData.FileInfo == nil {
				return
			}
			fileInfo := msg.MediaOfferData.FileInfo
			if fileInfo.TotalSize > config.MaxTempFileSize {
				return
			}
			n.state.AddFileOffer(srcNodeID, *fileInfo)
			if srcNodeID != n.state.NodeID {
				// Media small enough for the temp cap downloads eagerly.
				n.fileManager.InitFileDownload(*fileInfo, "")
			}
			n.addMessage(msg)
		case wire.MessageTypeRetractFileOffer:
			if msg.RetractFileOfferData == nil {
				return
			}
			n.state.RemoveFileOffer(srcNodeID, msg.RetractFileOfferData.FileID)
		default:
			return
		}
	}

	n.addMissedMessage(bundle)
	n.conn.Distribute(bundle)
}

func (n *Net) createMessagePackage(destNodeIDs []string, partnerIntPath *uint32) *wire.MessagePackage {
	var dests []wire.DestinationInfo
	if len(destNodeIDs) != 0 {
		dests = make([]wire.DestinationInfo, len(destNodeIDs))
		for i, nodeID := range destNodeIDs {
			dests[i] = wire.DestinationInfo{NodeID: nodeID}
		}
	}

	return &wire.MessagePackage{
		Src: &wire.SourceInfo{
			NodeID: n.state.NodeID,
			Path:   n.state.NodePositionPath(),
		},
		Dests:          dests,
		PartnerIntPath: partnerIntPath,
	}
}

// GenerateFileOffer builds a fresh offer for a regular file on disk.
func GenerateFileOffer(path, nodeID string) (wire.FileInfo, bool) {
	st, err := os.Stat(path)
	if err != nil || !st.Mode().IsRegular() {
		return wire.FileInfo{}, false
	}
	return wire.FileInfo{
		FileID:       poolid.NewFileID(),
		FileName:     filepath.Base(path),
		TotalSize:    uint64(st.Size()),
		OriginNodeID: nodeID,
	}, true
}

func copyFile(src, dst string) error {
	b, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, b, 0o644)
}
