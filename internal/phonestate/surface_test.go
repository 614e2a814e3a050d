package phonestate

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSurfaceInitialState(t *testing.T) {
	s := New()
	snap := s.Snapshot()
	require.Equal(t, Unregistered, snap.Registration)
	require.Equal(t, Idle, snap.Call)
	require.Equal(t, "00:00", snap.Duration)
	require.False(t, snap.Registered())
	require.False(t, snap.CallActive())
}

// TestSurfaceNotifiesInOrder checks synchronous delivery in subscription order.
func TestSurfaceNotifiesInOrder(t *testing.T) {
	s := New()
	var got []string
	s.Subscribe(func(snap Snapshot) { got = append(got, "a:"+snap.Call.String()) })
	s.Subscribe(func(snap Snapshot) { got = append(got, "b:"+snap.Call.String()) })

	s.Update(func(snap *Snapshot) { snap.Call = Active })
	require.Equal(t, []string{"a:Active", "b:Active"}, got)
}

func TestSurfaceSkipsNoopUpdate(t *testing.T) {
	s := New()
	n := 0
	s.Subscribe(func(Snapshot) { n++ })

	s.Update(func(snap *Snapshot) { snap.MicMuted = true })
	s.Update(func(snap *Snapshot) { snap.MicMuted = true })
	require.Equal(t, 1, n)
}

func TestSurfaceCancel(t *testing.T) {
	s := New()
	n := 0
	cancel := s.Subscribe(func(Snapshot) { n++ })
	s.Update(func(snap *Snapshot) { snap.SpeakerOn = true })
	cancel()
	s.Update(func(snap *Snapshot) { snap.SpeakerOn = false })
	require.Equal(t, 1, n)
}

// TestSurfaceConsistentReads runs readers against a writer that keeps
// Call and Duration in lock step; a torn read would break the pairing.
func TestSurfaceConsistentReads(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			if i%2 == 0 {
				s.Update(func(snap *Snapshot) { snap.Call = Active; snap.Duration = "00:01" })
			} else {
				s.Update(func(snap *Snapshot) { snap.Call = Idle; snap.Duration = "00:00" })
			}
		}
		close(stop)
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := s.Snapshot()
				if snap.Call == Active && snap.Duration != "00:01" {
					t.Errorf("torn read: %+v", snap)
					return
				}
				if snap.Call == Idle && snap.Duration != "00:00" {
					t.Errorf("torn read: %+v", snap)
					return
				}
			}
		}()
	}
	wg.Wait()
}
