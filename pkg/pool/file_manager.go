package pool

import (
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/poolnet/poolnet/pkg/chunk"
	"github.com/poolnet/poolnet/pkg/config"
	"github.com/poolnet/poolnet/pkg/store"
	"github.com/poolnet/poolnet/pkg/wire"
)

// Download status values reported through the state updater.
const (
	FileProgressStatusDownloading = 0
	FileProgressStatusRetrying    = 1
)

// FileDownloadStatus carries a download's live status and progress percent.
type FileDownloadStatus struct {
	Status   atomic.Int64
	Progress atomic.Int64
}

// fileRequest is one requester's outstanding slice of a chunk sender's file.
type fileRequest struct {
	requestingNodeID string
	requestedChunks  chunk.Ranges
	promisedChunks   map[uint64]chunk.Ranges // cache_chunk_number -> ranges promised by others

	startChunkNumber        uint64
	nextChunkNumber         uint64
	chunkMissingRangeNumber int
	isNew                   bool
	wrapped                 bool
}

// ChunkSender streams one offered file to its current requesters, advancing a
// shared read cursor across them.
type ChunkSender struct {
	fileInfo       wire.FileInfo
	totalChunks    uint64
	fullChunkRange chunk.Ranges

	broadcasting atomic.Bool
	path         string

	mu           sync.Mutex
	fileRequests []*fileRequest

	fm *FileManager
}

// fileDownload is the assembly state of one active download.
type fileDownload struct {
	fileInfo       wire.FileInfo
	fullChunkRange chunk.Ranges

	path   string
	isTemp bool

	requestedNodeID string

	totalChunks      uint64
	chunksDownloaded uint64
	downloadedRanges chunk.Ranges
}

// FileManager owns the chunk senders of offered files and the chunk
// receivers of active downloads.
type FileManager struct {
	state *State
	deps  Deps
	net   atomic.Pointer[Net]

	downloadsMu sync.Mutex
	downloads   map[string]*fileDownload // file_id -> download

	handlersMu    sync.RWMutex
	chunkHandlers map[string]chan wire.ChunkMessage // file_id -> receiver feed

	sendersMu    sync.RWMutex
	chunkSenders map[string]*ChunkSender // file_id -> sender

	sendChunkCh chan<- SendChunkInfo
}

// NewFileManager builds the file manager and restores chunk senders for the
// pool's stored offers.
func NewFileManager(state *State, deps Deps, sendChunkCh chan<- SendChunkInfo) *FileManager {
	fm := &FileManager{
		state:         state,
		deps:          deps,
		downloads:     make(map[string]*fileDownload),
		chunkHandlers: make(map[string]chan wire.ChunkMessage),
		chunkSenders:  make(map[string]*ChunkSender),
		sendChunkCh:   sendChunkCh,
	}

	for _, offer := range deps.Stores.FileOffersWithPath(state.PoolID) {
		fm.chunkSenders[offer.FileInfo.FileID] = newChunkSender(offer.FileInfo, offer.Path, fm, false)
	}
	deps.Stores.RestoreTempFiles(state.PoolID)

	return fm
}

// SetNet wires the pool net after construction.
func (fm *FileManager) SetNet(net *Net) { fm.net.Store(net) }

// Clean drops every sender, receiver and download.
func (fm *FileManager) Clean() {
	fm.sendersMu.Lock()
	for _, sender := range fm.chunkSenders {
		sender.clean()
	}
	fm.sendersMu.Unlock()

	fm.handlersMu.Lock()
	fm.chunkHandlers = make(map[string]chan wire.ChunkMessage)
	fm.handlersMu.Unlock()

	fm.downloadsMu.Lock()
	fm.downloads = make(map[string]*fileDownload)
	fm.downloadsMu.Unlock()

	fm.net.Store(nil)
}

// AddChunkSender registers a sender for an offered file.
func (fm *FileManager) AddChunkSender(fileInfo wire.FileInfo, path string, intendToBroadcast bool) {
	fm.sendersMu.Lock()
	fm.chunkSenders[fileInfo.FileID] = newChunkSender(fileInfo, path, fm, intendToBroadcast)
	fm.sendersMu.Unlock()
}

// RemoveChunkSender unregisters an offer's sender.
func (fm *FileManager) RemoveChunkSender(fileID string) {
	fm.sendersMu.Lock()
	delete(fm.chunkSenders, fileID)
	fm.sendersMu.Unlock()
}

// HandleFileChunk feeds an inbound chunk to its download, if any.
func (fm *FileManager) HandleFileChunk(chunkMsg wire.ChunkMessage) {
	fm.handlersMu.RLock()
	handler, ok := fm.chunkHandlers[chunkMsg.FileID]
	fm.handlersMu.RUnlock()
	if ok {
		select {
		case handler <- chunkMsg:
		default:
			// Receiver saturated; the retry machinery re-requests losses.
		}
	}
}

// PromiseFileChunks promises ranges this node can already serve: from a
// running download's completed ranges, else from a fully held offer. On
// success the promised ranges move off the request and a sub-request is
// queued on the local sender.
func (fm *FileManager) PromiseFileChunks(requestingNodeID string, req *wire.FileRequestData, partnerIntPath uint32) bool {
	var downloadPromised chunk.Ranges
	hasDownload := false
	fm.downloadsMu.Lock()
	if download, ok := fm.downloads[req.FileID]; ok {
		hasDownload = true
		downloadPromised = req.RequestedChunks.PromiseValidChunks(
			download.downloadedRanges, &req.PromisedChunks, partnerIntPath)
	}
	fm.downloadsMu.Unlock()

	fm.sendersMu.RLock()
	sender, ok := fm.chunkSenders[req.FileID]
	fm.sendersMu.RUnlock()
	if !ok {
		return false
	}

	promised := downloadPromised
	if !hasDownload {
		promised = req.RequestedChunks.PromiseValidChunks(
			sender.fullChunkRange, &req.PromisedChunks, partnerIntPath)
	}
	if len(promised) == 0 {
		return false
	}

	req.RequestedChunks = req.RequestedChunks.Diff(promised)

	sender.addRequest(requestingNodeID, wire.FileRequestData{
		FileID:          req.FileID,
		RequestedChunks: promised,
	})
	return true
}

// RequestFile queues an inbound file request on the file's sender.
func (fm *FileManager) RequestFile(requestingNodeID string, req wire.FileRequestData) {
	fm.sendersMu.RLock()
	sender, ok := fm.chunkSenders[req.FileID]
	fm.sendersMu.RUnlock()
	if ok {
		sender.addRequest(requestingNodeID, req)
	}
}

// RetractFileRequest cancels a requester's outstanding request.
func (fm *FileManager) RetractFileRequest(requestingNodeID, fileID string) {
	fm.sendersMu.RLock()
	sender, ok := fm.chunkSenders[fileID]
	fm.sendersMu.RUnlock()
	if ok {
		sender.retractRequest(requestingNodeID)
	}
}

// BroadcastFile streams the whole file through the overlay without
// destinations.
func (fm *FileManager) BroadcastFile(fileID string) {
	fm.sendersMu.RLock()
	_, ok := fm.chunkSenders[fileID]
	fm.sendersMu.RUnlock()
	if ok {
		go fm.chunkSenderLoop(fileID, true)
	}
}

// HasFileDownload reports whether a download is active for the file.
func (fm *FileManager) HasFileDownload(fileID string) bool {
	fm.handlersMu.RLock()
	defer fm.handlersMu.RUnlock()
	_, ok := fm.chunkHandlers[fileID]
	return ok
}

// DownloadRequestedNodeID returns the seeder a download currently requests
// from.
func (fm *FileManager) DownloadRequestedNodeID(fileID string) (string, bool) {
	fm.downloadsMu.Lock()
	defer fm.downloadsMu.Unlock()
	if download, ok := fm.downloads[fileID]; ok {
		return download.requestedNodeID, true
	}
	return "", false
}

// InitFileDownload sets up the assembly state for a download and starts the
// receiver loop. An empty dirPath downloads into the pool temp directory,
// bounded by the temp file size cap.
func (fm *FileManager) InitFileDownload(fileInfo wire.FileInfo, dirPath string) error {
	if fm.HasFileDownload(fileInfo.FileID) {
		return nil
	}

	var path string
	isTemp := false
	if dirPath != "" {
		path = store.CreateValidFilePath(dirPath, fileInfo.FileName)
	} else {
		if fileInfo.TotalSize > config.MaxTempFileSize {
			return errors.New("temp file too big")
		}
		tempPath, err := fm.deps.Stores.TempFilePath(fm.state.PoolID, fileInfo.FileID)
		if err != nil {
			return errors.New("cannot store temp files")
		}
		path = tempPath
		isTemp = true
	}

	fileHandle, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return errors.New("cannot open download file")
	}

	download := &fileDownload{
		fileInfo:       fileInfo,
		fullChunkRange: chunk.FullRange(fileInfo.TotalSize),
		path:           path,
		isTemp:         isTemp,
		totalChunks:    chunk.TotalChunks(fileInfo.TotalSize),
	}

	fm.downloadsMu.Lock()
	fm.downloads[fileInfo.FileID] = download
	fm.downloadsMu.Unlock()

	status := &FileDownloadStatus{}
	fm.deps.Updater.RegisterDownloadProgress(fm.state.PoolID, fileInfo.FileID, &status.Progress)

	handleChunkCh := make(chan wire.ChunkMessage, config.MaxSendChunkBufferLength)
	fm.handlersMu.Lock()
	fm.chunkHandlers[fileInfo.FileID] = handleChunkCh
	fm.handlersMu.Unlock()

	fm.AddChunkSender(fileInfo, path, false)

	logrus.WithFields(logrus.Fields{
		"pool": fm.state.PoolID, "file": fileInfo.FileID,
	}).Info("downloading file")

	go fm.chunkHandlerLoop(fileInfo, fileHandle, handleChunkCh, status)

	return nil
}

// chunkSenderLoop streams chunks of one file. In request mode it follows the
// minimum next chunk across live requesters, wrapping around the file at most
// once per requester; in broadcast mode it walks the file once.
func (fm *FileManager) chunkSenderLoop(fileID string, broadcast bool) {
	fm.sendersMu.RLock()
	sender, ok := fm.chunkSenders[fileID]
	fm.sendersMu.RUnlock()
	if !ok {
		fm.retractFileOffer(fileID)
		return
	}

	fileHandle, err := os.Open(sender.path)
	if err != nil {
		fm.retractFileOffer(fileID)
		return
	}
	defer fileHandle.Close()

	totalChunks := sender.totalChunks
	lastChunk := totalChunks - 1
	lastChunkSize := int(sender.fileInfo.TotalSize % config.ChunkSize)
	if lastChunkSize == 0 {
		lastChunkSize = config.ChunkSize
	}

	var chunkNumber uint64
	for {
		if fm.state.IsClosed() {
			return
		}

		var destNodeIDs []string
		if !broadcast {
			var done, skip bool
			destNodeIDs, chunkNumber, done, skip = sender.nextDests(fm.state, chunkNumber, totalChunks)
			if done {
				return
			}
			if skip {
				continue
			}
		} else if chunkNumber >= totalChunks {
			chunkNumber = 0
			broadcast = false
			sender.broadcasting.Store(false)
			continue
		}

		size := config.ChunkSize
		if chunkNumber == lastChunk {
			size = lastChunkSize
		}
		buf := make([]byte, size)
		if _, err := fileHandle.ReadAt(buf, int64(chunkNumber*config.ChunkSize)); err != nil {
			fm.retractFileOffer(fileID)
			return
		}

		info := SendChunkInfo{
			ChunkMsg: wire.ChunkMessage{
				FileID:      fileID,
				ChunkNumber: chunkNumber,
				Chunk:       buf,
			},
			DestNodeIDs: destNodeIDs,
		}

		select {
		case <-fm.state.CloseSignal():
			return
		case fm.sendChunkCh <- info:
		}

		chunkNumber++
	}
}

// nextDests advances every live requester past sent, out-of-range and
// promised-by-others regions, and picks the minimum next chunk as the next
// read. Returns done when no requesters remain and skip when the cursor must
// restart this iteration.
func (cs *ChunkSender) nextDests(state *State, chunkNumber, totalChunks uint64) (dests []string, next uint64, done, skip bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if len(cs.fileRequests) == 0 {
		return nil, chunkNumber, true, false
	}

	wrap := chunkNumber >= totalChunks
	if wrap {
		chunkNumber = 0
	}

	minNextChunkNumber := totalChunks + 1
	for i := len(cs.fileRequests) - 1; i >= 0; i-- {
		req := cs.fileRequests[i]

		if !state.IsNodeActive(req.requestingNodeID) {
			cs.fileRequests = append(cs.fileRequests[:i], cs.fileRequests[i+1:]...)
			continue
		}

		if req.isNew {
			req.startChunkNumber = chunkNumber
			req.nextChunkNumber = chunkNumber
			req.isNew = false
		}

		if wrap {
			req.nextChunkNumber = 0
			req.chunkMissingRangeNumber = 0
			req.wrapped = true
		}

		if req.nextChunkNumber > chunkNumber {
			if req.nextChunkNumber < minNextChunkNumber {
				dests = dests[:0]
				dests = append(dests, req.requestingNodeID)
				minNextChunkNumber = req.nextChunkNumber
			} else if req.nextChunkNumber == minNextChunkNumber {
				dests = append(dests, req.requestingNodeID)
			}
			continue
		}
		req.nextChunkNumber = chunkNumber

		for req.nextChunkNumber < totalChunks {
			if req.nextChunkNumber < req.requestedChunks[req.chunkMissingRangeNumber].Start {
				req.nextChunkNumber = req.requestedChunks[req.chunkMissingRangeNumber].Start
			} else if req.nextChunkNumber > req.requestedChunks[req.chunkMissingRangeNumber].End {
				for {
					req.chunkMissingRangeNumber++
					if req.chunkMissingRangeNumber >= len(req.requestedChunks) {
						req.nextChunkNumber = totalChunks
						break
					}
					if req.nextChunkNumber <= req.requestedChunks[req.chunkMissingRangeNumber].End {
						if req.nextChunkNumber < req.requestedChunks[req.chunkMissingRangeNumber].Start {
							req.nextChunkNumber = req.requestedChunks[req.chunkMissingRangeNumber].Start
						}
						break
					}
				}
			}

			// Skip regions another node promised to serve this requester.
			if promisedRanges, ok := req.promisedChunks[chunk.CacheChunkNumber(req.nextChunkNumber)]; ok {
				if promisedRange, ok := promisedRanges.FindChunkRange(req.nextChunkNumber); ok {
					req.nextChunkNumber = promisedRange.End + 1
					continue
				}
			}
			break
		}

		if req.wrapped && req.nextChunkNumber >= req.startChunkNumber {
			cs.fileRequests = append(cs.fileRequests[:i], cs.fileRequests[i+1:]...)
			continue
		}

		if req.nextChunkNumber < minNextChunkNumber {
			dests = dests[:0]
			dests = append(dests, req.requestingNodeID)
			minNextChunkNumber = req.nextChunkNumber
		} else if req.nextChunkNumber == minNextChunkNumber {
			dests = append(dests, req.requestingNodeID)
		}
	}

	if len(cs.fileRequests) == 0 {
		return nil, chunkNumber, false, true
	}

	if minNextChunkNumber >= totalChunks {
		return nil, minNextChunkNumber, false, true
	}

	return dests, minNextChunkNumber, false, false
}

// chunkHandlerLoop assembles a download: request from the closest seeder,
// write arriving chunks, and on stalls re-request missing ranges, rotating
// seeders after repeated dry rounds.
func (fm *FileManager) chunkHandlerLoop(fileInfo wire.FileInfo, fileHandle *os.File, handleChunkCh <-chan wire.ChunkMessage, status *FileDownloadStatus) {
	defer fileHandle.Close()
	defer fm.deps.Updater.UnregisterDownloadProgress(fileInfo.FileID)

	cachedSeeders := fm.state.SortedFileSeeders(fileInfo.FileID)
	if len(cachedSeeders) == 0 {
		fm.CompleteFileDownload(fileInfo.FileID, false)
		return
	}

	fm.setDownloadRequestedNode(fileInfo.FileID, cachedSeeders[0])
	fm.requestChunksMissing(fileInfo.FileID, cachedSeeders[0], chunk.FullRange(fileInfo.TotalSize), false)

	isDone := false
	isMissing := false
	lastProgress := int64(0)

	retryCount := 0
	lastRequestSentCount := config.MaxPollCountBeforeSend
	seederIndex := 0

	ticker := time.NewTicker(config.ChunksMissingPollingInterval)
	defer ticker.Stop()

	lastChunkAt := time.Now()

	for {
		var chunkMsg wire.ChunkMessage
		select {
		case <-fm.state.CloseSignal():
			return
		case chunkMsg = <-handleChunkCh:
			lastChunkAt = time.Now()
		case <-ticker.C:
			// Only a genuinely idle interval counts as a poll timeout.
			if time.Since(lastChunkAt) < config.ChunksMissingPollingInterval {
				continue
			}
			var chunksMissing chunk.Ranges
			fm.downloadsMu.Lock()
			download, ok := fm.downloads[fileInfo.FileID]
			if !ok {
				fm.downloadsMu.Unlock()
				return
			}
			// Never empty here, or the download would have completed.
			chunksMissing = download.fullChunkRange.Diff(download.downloadedRanges)
			fm.downloadsMu.Unlock()

			if lastRequestSentCount == config.MaxPollCountBeforeSend {
				lastRequestSentCount = 0
			} else {
				lastRequestSentCount++
				continue
			}

			if retryCount < config.MaxChunksMissingRetry {
				if isMissing {
					retryCount++
				} else {
					retryCount = 0
				}
			} else {
				if seederIndex == len(cachedSeeders)-1 {
					cachedSeeders = fm.state.SortedFileSeeders(fileInfo.FileID)
					if len(cachedSeeders) == 0 {
						fm.CompleteFileDownload(fileInfo.FileID, false)
						return
					}
					seederIndex = 0
				} else {
					seederIndex++
				}
				retryCount = 0
			}

			if !isMissing {
				status.Status.Store(FileProgressStatusRetrying)
			}
			isMissing = true

			fm.setDownloadRequestedNode(fileInfo.FileID, cachedSeeders[seederIndex])
			fm.requestChunksMissing(
				fileInfo.FileID,
				cachedSeeders[seederIndex],
				chunksMissing,
				retryCount == config.MaxChunksMissingRetry,
			)
			continue
		}

		fm.downloadsMu.Lock()
		download, ok := fm.downloads[fileInfo.FileID]
		if !ok {
			fm.downloadsMu.Unlock()
			return
		}

		if download.downloadedRanges.HasChunk(chunkMsg.ChunkNumber) {
			fm.downloadsMu.Unlock()
			continue
		}

		if isMissing {
			status.Status.Store(FileProgressStatusDownloading)
			isMissing = false
		}

		download.downloadedRanges.AddChunk(chunkMsg.ChunkNumber)
		download.chunksDownloaded++

		progress := int64(download.chunksDownloaded * 100 / download.totalChunks)
		if lastProgress != progress {
			lastProgress = progress
			status.Progress.Store(progress)
		}

		if download.chunksDownloaded == download.totalChunks {
			isDone = true
		}

		payload := chunkMsg.Chunk
		if chunkMsg.ChunkNumber == download.totalChunks-1 {
			if tail := int(fileInfo.TotalSize % config.ChunkSize); tail != 0 && tail <= len(payload) {
				payload = payload[:tail]
			}
		}
		fm.downloadsMu.Unlock()

		offset := int64(chunkMsg.ChunkNumber) * config.ChunkSize
		_, err := fileHandle.WriteAt(payload, offset)
		if err != nil || isDone {
			fm.CompleteFileDownload(fileInfo.FileID, err == nil)
			return
		}
	}
}

func (fm *FileManager) setDownloadRequestedNode(fileID, nodeID string) {
	fm.downloadsMu.Lock()
	if download, ok := fm.downloads[fileID]; ok {
		download.requestedNodeID = nodeID
	}
	fm.downloadsMu.Unlock()
}

// CompleteFileDownload finishes a download: on success the file is re-seeded
// (temp files also enter the temp queue); on failure the partial file is
// removed. The completion event fires either way.
func (fm *FileManager) CompleteFileDownload(fileID string, writeOK bool) {
	fm.downloadsMu.Lock()
	download, ok := fm.downloads[fileID]
	if !ok {
		fm.downloadsMu.Unlock()
		return
	}
	delete(fm.downloads, fileID)
	success := writeOK && download.chunksDownloaded == download.totalChunks
	fm.downloadsMu.Unlock()

	logrus.WithFields(logrus.Fields{
		"pool": fm.state.PoolID, "file": fileID, "success": success,
	}).Info("completed file download")

	if success {
		if download.isTemp {
			fm.addTempFile(store.TempFile{
				FileID:   download.fileInfo.FileID,
				FileSize: download.fileInfo.TotalSize,
				Created:  time.Now(),
				Path:     download.path,
			})
		}
		fm.seedFile(download.path, download.fileInfo)
	} else {
		os.Remove(download.path)
	}

	fm.handlersMu.Lock()
	delete(fm.chunkHandlers, fileID)
	fm.handlersMu.Unlock()

	fm.deps.Bus.PublishCompleteFileDownload(fm.state.PoolID, fileID, success)
}

func (fm *FileManager) addTempFile(tf store.TempFile) {
	removed := fm.deps.Stores.AddTempFile(fm.state.PoolID, tf)
	for _, evicted := range removed {
		fm.retractFileOffer(evicted.FileID)
	}
}

func (fm *FileManager) requestChunksMissing(fileID, requestNodeID string, requestedChunks chunk.Ranges, requestFromOrigin bool) {
	if net := fm.net.Load(); net != nil {
		go net.SendFileRequest(fileID, requestNodeID, requestedChunks, requestFromOrigin)
	}
}

func (fm *FileManager) seedFile(path string, fileInfo wire.FileInfo) {
	if net := fm.net.Load(); net != nil {
		go net.SendFileOffer(fileInfo, path)
	}
}

func (fm *FileManager) retractFileOffer(fileID string) {
	if net := fm.net.Load(); net != nil {
		go net.SendRetractFileOffer(fileID)
	}
}

func newChunkSender(fileInfo wire.FileInfo, path string, fm *FileManager, intendToBroadcast bool) *ChunkSender {
	cs := &ChunkSender{
		fileInfo:       fileInfo,
		totalChunks:    chunk.TotalChunks(fileInfo.TotalSize),
		fullChunkRange: chunk.FullRange(fileInfo.TotalSize),
		path:           path,
		fm:             fm,
	}
	cs.broadcasting.Store(intendToBroadcast)
	return cs
}

func (cs *ChunkSender) clean() {
	cs.mu.Lock()
	cs.fileRequests = nil
	cs.mu.Unlock()
}

// addRequest registers a requester's file request. For a requester that is
// already registered only the promised chunks are merged; its requested
// chunks stay as they were. The first request wakes the sender loop unless a
// broadcast is already streaming.
func (cs *ChunkSender) addRequest(requestingNodeID string, req wire.FileRequestData) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	for _, existing := range cs.fileRequests {
		if existing.requestingNodeID == requestingNodeID {
			req.PromisedChunks.MapPromised(existing.promisedChunks)
			return
		}
	}

	if len(req.RequestedChunks) == 0 {
		return
	}
	req.RequestedChunks.Compact()

	promised := make(map[uint64]chunk.Ranges)
	req.PromisedChunks.MapPromised(promised)

	cs.fileRequests = append(cs.fileRequests, &fileRequest{
		requestingNodeID: requestingNodeID,
		requestedChunks:  req.RequestedChunks,
		promisedChunks:   promised,
		isNew:            true,
	})

	if len(cs.fileRequests) == 1 && !cs.broadcasting.Load() {
		go cs.fm.chunkSenderLoop(cs.fileInfo.FileID, false)
	}
}

func (cs *ChunkSender) retractRequest(requestingNodeID string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for i, req := range cs.fileRequests {
		if req.requestingNodeID == requestingNodeID {
			cs.fileRequests = append(cs.fileRequests[:i], cs.fileRequests[i+1:]...)
			return
		}
	}
}
