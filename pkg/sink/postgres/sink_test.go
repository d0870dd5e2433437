package postgres

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ep-silk/flowcore/pkg/flowrec"
)

func TestFlowRecordRowMatchesColumnOrder(t *testing.T) {
	r := flowrec.New(nil)
	r.SrcAddr = netip.MustParseAddr("192.0.2.1")
	r.DstAddr = netip.MustParseAddr("198.51.100.1")
	r.NextHop = netip.MustParseAddr("203.0.113.1")
	r.SrcPort = 51234
	r.DstPort = 443
	r.Protocol = 6
	r.Packets = 10
	r.Bytes = 1500
	r.StartTime = time.UnixMilli(1_700_000_000_000)
	r.Duration = 5 * time.Second
	r.Input = 1
	r.Output = 2
	r.SensorID = 3
	r.FlowType = 4
	r.AppID = 80
	r.TCPFlags = 0x12

	row := flowRecordRow(r)
	require.Len(t, row, len(flowRecordColumns))
	require.Equal(t, []interface{}{"192.0.2.1", "198.51.100.1", "203.0.113.1"}, row[1:4])
	require.Equal(t, int32(51234), row[4])
	require.Equal(t, int32(443), row[5])
	require.Equal(t, int64(5000), row[9])
}

func TestInsertBatchEmptyIsNoOp(t *testing.T) {
	s := &Sink{}
	n, err := s.InsertBatch(nil, nil)
	require.NoError(t, err)
	require.Zero(t, n)
}
