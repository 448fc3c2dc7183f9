package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poolnet/poolnet/pkg/wire"
)

func TestDirectionOfMessage(t *testing.T) {
	cases := []struct {
		name     string
		my, src  []uint32
		toParent bool
		toChild  bool
	}{
		{"same path", []uint32{0, 1}, []uint32{0, 1}, true, true},
		{"same depth different", []uint32{0, 1}, []uint32{0, 2}, false, false},
		{"shorter prefix", []uint32{0}, []uint32{0, 1}, true, false},
		{"shorter mismatched", []uint32{1}, []uint32{0, 1}, false, true},
		{"deeper than src", []uint32{0, 1, 2}, []uint32{0, 1}, false, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			parent, child := directionOfMessage(tc.my, tc.src)
			assert.Equal(t, tc.toParent, parent, "parent")
			assert.Equal(t, tc.toChild, child, "child")
		})
	}
}

func TestDrainSignalBroadcast(t *testing.T) {
	signal := newDrainSignal()

	sub1 := signal.subscribe()
	sub2 := signal.subscribe()
	signal.fire()

	for _, sub := range []<-chan struct{}{sub1, sub2} {
		select {
		case <-sub:
		case <-time.After(time.Second):
			t.Fatal("subscriber not signaled")
		}
	}

	// A new subscription waits for the next fire.
	sub3 := signal.subscribe()
	select {
	case <-sub3:
		t.Fatal("stale signal")
	default:
	}
}

func TestReportQueue(t *testing.T) {
	q := newReportQueue()

	_, ok := q.pop()
	assert.False(t, ok)

	q.push(wire.ReportNodeData{NodeID: "node-b", ReportCode: wire.ReportCodeDisconnect})
	q.push(wire.ReportNodeData{NodeID: "node-c", ReportCode: wire.ReportCodeDisconnect})

	select {
	case <-q.signal:
	default:
		t.Fatal("signal not raised")
	}

	first, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, "node-b", first.NodeID)

	second, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, "node-c", second.NodeID)

	_, ok = q.pop()
	assert.False(t, ok)
}
