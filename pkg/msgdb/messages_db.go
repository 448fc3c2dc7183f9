// Package msgdb stores each pool's message log as an append-only file
// partitioned into fixed-size chunks of length-delimited records.
package msgdb

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/poolnet/poolnet/pkg/config"
	"github.com/poolnet/poolnet/pkg/wire"
)

// MessageHistory is one page of the message log.
type MessageHistory struct {
	Messages    []wire.Message
	ChunkLens   []int
	ChunkNumber uint64
	IsLatest    bool
}

// DB owns one log file per pool.
type DB struct {
	dir string

	mu    sync.Mutex
	pools map[string]*poolLog
}

// New opens the database directory.
func New(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	return &DB{dir: dir, pools: make(map[string]*poolLog)}, nil
}

// Close closes every open log file.
func (db *DB) Close() {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, pl := range db.pools {
		pl.file.Close()
	}
	db.pools = make(map[string]*poolLog)
}

// AppendMessage appends a message to a pool's log.
// Precondition: the message already passed dedup.
func (db *DB) AppendMessage(poolID string, msg wire.Message) {
	db.mu.Lock()
	defer db.mu.Unlock()
	pl, err := db.poolLog(poolID)
	if err != nil {
		return
	}
	if err := pl.appendMessage(msg); err != nil {
		logrus.WithError(err).WithField("pool", poolID).Warn("message append failed")
	}
}

// LatestMessages returns up to the latest-window count of newest messages.
func (db *DB) LatestMessages(poolID string) []wire.Message {
	return db.LastMessages(poolID, config.LatestMessagesSize)
}

// LastMessages returns up to size newest messages, oldest first.
func (db *DB) LastMessages(poolID string, size int) []wire.Message {
	db.mu.Lock()
	defer db.mu.Unlock()
	pl, err := db.poolLog(poolID)
	if err != nil {
		return nil
	}
	return pl.lastMessages(size)
}

// AddLatestMessages appends catch-up messages not already present in the tail
// of the log.
func (db *DB) AddLatestMessages(poolID string, latest []wire.Message) {
	db.mu.Lock()
	defer db.mu.Unlock()
	pl, err := db.poolLog(poolID)
	if err != nil {
		return
	}

	existing := make(map[string]struct{})
	for _, msg := range pl.lastMessages(config.LatestMessagesSize + 50) {
		existing[msg.MsgID] = struct{}{}
	}
	for _, msg := range latest {
		if _, ok := existing[msg.MsgID]; !ok {
			pl.appendMessage(msg)
		}
	}
}

// HistoryChunk returns one log chunk as a history page.
func (db *DB) HistoryChunk(poolID string, chunkNumber uint64) MessageHistory {
	db.mu.Lock()
	defer db.mu.Unlock()
	pl, err := db.poolLog(poolID)
	if err != nil {
		return MessageHistory{ChunkNumber: chunkNumber}
	}
	if chunkNumber > pl.currentChunkNumber {
		return MessageHistory{ChunkNumber: chunkNumber}
	}
	msgs := pl.processChunk(chunkNumber)
	return MessageHistory{
		Messages:    msgs,
		ChunkLens:   []int{len(msgs)},
		ChunkNumber: chunkNumber,
		IsLatest:    chunkNumber == pl.currentChunkNumber,
	}
}

// HistoryChunkByID locates a message id and returns the surrounding page,
// pulling in older chunks until at least minMessages are collected.
func (db *DB) HistoryChunkByID(poolID, msgID string, minMessages int) MessageHistory {
	db.mu.Lock()
	defer db.mu.Unlock()
	pl, err := db.poolLog(poolID)
	if err != nil {
		return MessageHistory{}
	}
	return pl.historyChunkByID(msgID, minMessages)
}

func (db *DB) poolLog(poolID string) (*poolLog, error) {
	if pl, ok := db.pools[poolID]; ok {
		return pl, nil
	}
	pl, err := openPoolLog(filepath.Join(db.dir, poolID+".msgs.db"))
	if err != nil {
		return nil, err
	}
	db.pools[poolID] = pl
	return pl, nil
}

type poolLog struct {
	file *os.File

	currentChunkNumber uint64
	currentChunkSize   uint64
}

func openPoolLog(path string) (*poolLog, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	size := uint64(st.Size())
	pl := &poolLog{
		file:               f,
		currentChunkNumber: size / config.MessagesDBChunkSize,
		currentChunkSize:   size % config.MessagesDBChunkSize,
	}
	pl.checkCorrupt()
	return pl, nil
}

// checkCorrupt scans the trailing chunk and truncates a partially written
// record left by a crash.
func (pl *poolLog) checkCorrupt() {
	buf := make([]byte, pl.currentChunkSize)
	if _, err := pl.file.ReadAt(buf, int64(pl.currentChunkNumber*config.MessagesDBChunkSize)); err != nil {
		return
	}

	for len(buf) > 0 {
		var msg wire.Message
		rest, err := wire.DecodeDelimited(buf, &msg)
		if err != nil {
			pl.currentChunkSize -= uint64(len(buf))
			pl.file.Truncate(int64(pl.fileSize()))
			return
		}
		buf = rest
	}
}

func (pl *poolLog) fileSize() uint64 {
	return pl.currentChunkNumber*config.MessagesDBChunkSize + pl.currentChunkSize
}

func (pl *poolLog) appendMessage(msg wire.Message) error {
	buf, err := wire.EncodeDelimited(nil, &msg)
	if err != nil {
		return err
	}
	if err := pl.preChunkAppend(len(buf)); err != nil {
		return err
	}
	if _, err := pl.file.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	_, err = pl.file.Write(buf)
	return err
}

// preChunkAppend pads out the current chunk when the record would straddle
// the chunk boundary.
func (pl *poolLog) preChunkAppend(recordLen int) error {
	if pl.currentChunkSize+uint64(recordLen) <= config.MessagesDBChunkSize {
		pl.currentChunkSize += uint64(recordLen)
		return nil
	}

	padding := make([]byte, config.MessagesDBChunkSize-pl.currentChunkSize)
	if _, err := pl.file.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	if _, err := pl.file.Write(padding); err != nil {
		return err
	}
	pl.currentChunkNumber++
	pl.currentChunkSize = uint64(recordLen)
	return nil
}

func (pl *poolLog) lastMessages(size int) []wire.Message {
	var msgs []wire.Message
	chunkNumber := pl.currentChunkNumber
	for {
		chunk := pl.processChunk(chunkNumber)
		msgs = append(chunk, msgs...)

		if len(msgs) >= size {
			return msgs[len(msgs)-size:]
		}
		if chunkNumber == 0 {
			return msgs
		}
		chunkNumber--
	}
}

func (pl *poolLog) processChunk(chunkNumber uint64) []wire.Message {
	chunkSize := uint64(config.MessagesDBChunkSize)
	if chunkNumber == pl.currentChunkNumber {
		chunkSize = pl.currentChunkSize
	}
	if chunkSize == 0 {
		return nil
	}

	buf := make([]byte, chunkSize)
	if _, err := pl.file.ReadAt(buf, int64(chunkNumber*config.MessagesDBChunkSize)); err != nil {
		return nil
	}

	var msgs []wire.Message
	for len(buf) > 0 {
		var msg wire.Message
		rest, err := wire.DecodeDelimited(buf, &msg)
		if err != nil || msg.MsgID == "" {
			break
		}
		msgs = append(msgs, msg)
		buf = rest
	}
	return msgs
}

func (pl *poolLog) historyChunkByID(msgID string, minMessages int) MessageHistory {
	chunkNumber := pl.currentChunkNumber
	for {
		chunk := pl.processChunk(chunkNumber)

		for i := range chunk {
			if chunk[i].MsgID != msgID {
				continue
			}

			var messages []wire.Message
			var chunkLens []int
			if i > len(chunk)/2 && chunkNumber < pl.currentChunkNumber {
				next := pl.processChunk(chunkNumber + 1)
				chunkLens = []int{len(chunk), len(next)}
				messages = append(chunk, next...)
			} else if i <= len(chunk)/2 && chunkNumber > 0 {
				chunkNumber--
				prev := pl.processChunk(chunkNumber)
				chunkLens = []int{len(prev), len(chunk)}
				messages = append(prev, chunk...)
			} else {
				chunkLens = []int{len(chunk)}
				messages = chunk
			}

			for len(messages) < minMessages && chunkNumber > 0 {
				chunkNumber--
				prev := pl.processChunk(chunkNumber)
				chunkLens = append([]int{len(prev)}, chunkLens...)
				messages = append(prev, messages...)
			}

			return MessageHistory{
				Messages:    messages,
				ChunkLens:   chunkLens,
				ChunkNumber: chunkNumber,
				IsLatest:    chunkNumber == pl.currentChunkNumber,
			}
		}

		if chunkNumber == 0 {
			return MessageHistory{}
		}
		chunkNumber--
	}
}
