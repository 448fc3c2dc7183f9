package msgdb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poolnet/poolnet/pkg/config"
	"github.com/poolnet/poolnet/pkg/wire"
)

func textMessage(id, text string) wire.Message {
	return wire.Message{
		MsgID:    id,
		Type:     wire.MessageTypeText,
		UserID:   "user-1",
		Created:  1700000000000,
		TextData: &wire.TextData{Text: text},
	}
}

func msgID(i int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz"
	id := make([]byte, config.MessageIDLength)
	for j := range id {
		id[j] = alphabet[(i+j)%len(alphabet)]
	}
	return string(id)
}

func TestAppendAndLastMessages(t *testing.T) {
	db, err := New(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	for i := 0; i < 10; i++ {
		db.AppendMessage("pool1", textMessage(msgID(i), "msg"))
	}

	msgs := db.LastMessages("pool1", 4)
	require.Len(t, msgs, 4)
	assert.Equal(t, msgID(6), msgs[0].MsgID)
	assert.Equal(t, msgID(9), msgs[3].MsgID)

	all := db.LastMessages("pool1", 100)
	assert.Len(t, all, 10)
	assert.Equal(t, msgID(0), all[0].MsgID)
}

func TestChunkBoundaryPadding(t *testing.T) {
	dir := t.TempDir()
	db, err := New(dir)
	require.NoError(t, err)

	// Enough records to cross several 16 KiB chunk boundaries.
	count := 700
	for i := 0; i < count; i++ {
		db.AppendMessage("pool1", textMessage(msgID(i), "some message text payload"))
	}

	st, err := os.Stat(filepath.Join(dir, "pool1.msgs.db"))
	require.NoError(t, err)
	require.Greater(t, st.Size(), int64(config.MessagesDBChunkSize))

	msgs := db.LastMessages("pool1", count)
	require.Len(t, msgs, count)
	for i, msg := range msgs {
		assert.Equal(t, msgID(i), msg.MsgID)
	}
	db.Close()

	// Reopen and read across the padded boundaries.
	db2, err := New(dir)
	require.NoError(t, err)
	defer db2.Close()
	again := db2.LastMessages("pool1", count)
	assert.Len(t, again, count)
}

func TestCorruptTailTruncated(t *testing.T) {
	dir := t.TempDir()
	db, err := New(dir)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		db.AppendMessage("pool1", textMessage(msgID(i), "msg"))
	}
	db.Close()

	// Simulate a crash mid-append: a garbage half-record at the end.
	path := filepath.Join(dir, "pool1.msgs.db")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xff, 0x01, 0x02})
	require.NoError(t, err)
	f.Close()

	db2, err := New(dir)
	require.NoError(t, err)
	defer db2.Close()

	msgs := db2.LastMessages("pool1", 100)
	require.Len(t, msgs, 5)

	// Appends after truncation stay readable.
	db2.AppendMessage("pool1", textMessage(msgID(5), "after"))
	msgs = db2.LastMessages("pool1", 100)
	assert.Len(t, msgs, 6)
}

func TestAddLatestMessagesDedups(t *testing.T) {
	db, err := New(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	db.AppendMessage("pool1", textMessage(msgID(0), "one"))

	latest := []wire.Message{
		textMessage(msgID(0), "one"),
		textMessage(msgID(1), "two"),
	}
	db.AddLatestMessages("pool1", latest)
	assert.Len(t, db.LastMessages("pool1", 100), 2)

	// Replaying the same reply is a no-op.
	db.AddLatestMessages("pool1", latest)
	assert.Len(t, db.LastMessages("pool1", 100), 2)
}

func TestHistoryChunk(t *testing.T) {
	db, err := New(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	for i := 0; i < 20; i++ {
		db.AppendMessage("pool1", textMessage(msgID(i), "msg"))
	}

	history := db.HistoryChunk("pool1", 0)
	assert.True(t, history.IsLatest)
	assert.Len(t, history.Messages, 20)

	missing := db.HistoryChunk("pool1", 99)
	assert.Empty(t, missing.Messages)
	assert.False(t, missing.IsLatest)
}

func TestHistoryChunkByID(t *testing.T) {
	db, err := New(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	for i := 0; i < 20; i++ {
		db.AppendMessage("pool1", textMessage(msgID(i), "msg"))
	}

	history := db.HistoryChunkByID("pool1", msgID(10), 5)
	require.NotEmpty(t, history.Messages)

	found := false
	for _, msg := range history.Messages {
		if msg.MsgID == msgID(10) {
			found = true
		}
	}
	assert.True(t, found)
}
