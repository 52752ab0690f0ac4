package generation

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errordefs "github.com/promptloom/promptloom-go/internal/errors"
	"github.com/promptloom/promptloom-go/internal/model"
)

func TestGateRejectsSecondRequest(t *testing.T) {
	g := NewGates(time.Minute)

	release, err := g.TryAcquire("alice/s1")
	require.NoError(t, err)

	_, err = g.TryAcquire("alice/s1")
	assert.Equal(t, errordefs.PL_BUSY, errordefs.CodeOf(err))

	other, err := g.TryAcquire("alice/s2")
	require.NoError(t, err)
	other()

	release()
	release()
	again, err := g.TryAcquire("alice/s1")
	require.NoError(t, err)
	again()
}

func TestGateHeldPastIdleTTL(t *testing.T) {
	g := NewGates(20 * time.Millisecond)

	release, err := g.TryAcquire("alice/s1")
	require.NoError(t, err)

	// a batch may run far longer than the idle ttl
	time.Sleep(80 * time.Millisecond)
	_, err = g.TryAcquire("alice/s1")
	assert.Equal(t, errordefs.PL_BUSY, errordefs.CodeOf(err))

	release()
	again, err := g.TryAcquire("alice/s1")
	require.NoError(t, err)
	again()
}

func TestGateConcurrentEntry(t *testing.T) {
	g := NewGates(time.Minute)
	var (
		wg       sync.WaitGroup
		acquired atomic.Int32
		start    = make(chan struct{})
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := g.TryAcquire("bob"); err == nil {
				acquired.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	assert.Equal(t, int32(1), acquired.Load())
}

func TestGateKey(t *testing.T) {
	assert.Equal(t, "alice/tab-1", GateKey(model.GenerationRequest{CallerID: "alice", SessionID: "tab-1"}))
	assert.Equal(t, "alice", GateKey(model.GenerationRequest{CallerID: "alice"}))

	release, err := NewGates(time.Minute).TryAcquire("")
	require.NoError(t, err)
	release()
}
