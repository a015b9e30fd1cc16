package timeout

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/capability"
)

func TestService_FiresOneShotTimeout(t *testing.T) {
	svc := NewService(capability.NewSystemClock(), time.Millisecond)
	defer svc.Stop()

	var mu sync.Mutex
	var fired []string

	svc.Schedule("s1", "cmd-s1-1", KindTimeout, time.Now().Add(5*time.Millisecond), 0, func(sessionID, commandID string, kind Kind) {
		mu.Lock()
		fired = append(fired, commandID)
		mu.Unlock()
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fired) == 1
	}, time.Second, time.Millisecond)
}

func TestService_CancelPreventsFire(t *testing.T) {
	svc := NewService(capability.NewSystemClock(), time.Millisecond)
	defer svc.Stop()

	fired := false
	h := svc.Schedule("s1", "cmd-s1-1", KindTimeout, time.Now().Add(20*time.Millisecond), 0, func(string, string, Kind) {
		fired = true
	})
	svc.Cancel(h)

	time.Sleep(50 * time.Millisecond)
	require.False(t, fired)
}

func TestService_AfterFiresLikeAClock(t *testing.T) {
	svc := NewService(capability.NewSystemClock(), time.Millisecond)
	defer svc.Stop()

	select {
	case <-svc.After(time.Now().Add(5 * time.Millisecond)):
	case <-time.After(time.Second):
		t.Fatal("After channel never fired")
	}
}

func TestService_HeartbeatReschedules(t *testing.T) {
	svc := NewService(capability.NewSystemClock(), time.Millisecond)
	defer svc.Stop()

	var mu sync.Mutex
	count := 0
	svc.Schedule("s1", "cmd-s1-1", KindHeartbeat, time.Now().Add(5*time.Millisecond), 5*time.Millisecond, func(string, string, Kind) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count >= 3
	}, time.Second, 5*time.Millisecond)
}
