package healthz

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCheckReportsOKStatusAndNonNegativeUptime(t *testing.T) {
	c := New(int32(os.Getpid()))
	time.Sleep(time.Millisecond)

	snap := c.Check()
	assert.Equal(t, "ok", snap.Status)
	assert.GreaterOrEqual(t, snap.UptimeSeconds, int64(0))
	assert.Greater(t, snap.Goroutines, 0)
	assert.Greater(t, snap.HeapAllocBytes, uint64(0))
}

func TestCheckDegradesGracefullyForUnknownPID(t *testing.T) {
	c := New(int32(-1))
	snap := c.Check()
	assert.Equal(t, "ok", snap.Status)
	assert.Equal(t, uint64(0), snap.RSSBytes)
}
