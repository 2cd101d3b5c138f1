package status

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutu-network/gpugov/internal/app/idle"
	"github.com/tutu-network/gpugov/internal/domain"
	"github.com/tutu-network/gpugov/internal/infra/sqlite"
)

func TestBuild(t *testing.T) {
	db, err := sqlite.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	now := time.Now()
	for _, m := range []domain.Machine{
		{ID: "b", Name: "busy", Status: domain.StatusActive, Account: "research", SSHKeys: []string{"alice"}, FirstSeen: now.Add(-time.Hour)},
		{ID: "n", Name: "nodata", Status: domain.StatusActive, Account: "prod"},
		{ID: "t", Name: "gone", Status: domain.StatusTerminated, Account: "prod"},
	} {
		require.NoError(t, db.UpsertMachine(m))
	}
	require.NoError(t, db.InsertUtilizationSamples("b", []int{70, 30}, now.Add(-time.Minute)))
	require.NoError(t, db.InsertDiskSample(domain.DiskSample{MachineID: "b", TotalBytes: 100, UsedBytes: 25, Timestamp: now}))
	require.NoError(t, db.AddCost("alice", "research", 480, now))

	rows, err := Build(db, idle.NewReaper(db, nil, idle.DefaultPolicy()))
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "nodata", rows[0].Machine.Name)
	assert.Equal(t, idle.LabelUnknown, rows[0].Label)
	assert.Nil(t, rows[0].Disk)

	assert.Equal(t, idle.LabelActive, rows[1].Label)
	assert.Equal(t, "alice", rows[1].Key)
	assert.Equal(t, int64(480), rows[1].KeyCost)
	require.NotNil(t, rows[1].Disk)
	assert.InDelta(t, 25.0, rows[1].Disk.UsedPercent(), 0.001)
}
