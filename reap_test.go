//go:build linux

package uring

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCancelWaitUnblocksMaster(t *testing.T) {
	e := newTestEngine(t, Config{Entries: 64, Role: RoleMaster})
	defer e.Close()

	done := make(chan error, 1)
	start := time.Now()
	go func() {
		done <- e.WaitAndFireEvents(10 * time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, e.CancelWait())

	select {
	case err := <-done:
		require.NoError(t, err)
		require.Less(t, time.Since(start), 5*time.Second)
	case <-time.After(time.Second):
		t.Fatal("CancelWait() did not unblock WaitAndFireEvents")
	}
}

func TestCascadingEngineAsyncIO(t *testing.T) {
	e := newTestEngine(t, Config{Entries: 64, Role: RoleCascading})
	defer e.Close()

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			if err := e.WaitForEvents(10 * time.Millisecond); err != nil && err != ErrRingClosed {
				t.Logf("WaitForEvents: %v", err)
			}
		}
	}()
	defer close(stop)

	f, err := os.CreateTemp("", "uring_cascading_test")
	require.NoError(t, err)
	defer os.Remove(f.Name())
	defer f.Close()

	data := []byte("cascading engine write")
	n, err := e.Pwrite(context.Background(), int(f.Fd()), data, 0, 5*time.Second, 0)
	require.NoError(t, err)
	require.Equal(t, int32(len(data)), n)
}

func TestWaitAndFireEventsWrongRole(t *testing.T) {
	e := newTestEngine(t, Config{Entries: 64, Role: RoleCascading})
	defer e.Close()

	err := e.WaitAndFireEvents(time.Millisecond)
	require.ErrorIs(t, err, ErrNotSupported)
}

func TestWaitForEventsWrongRole(t *testing.T) {
	e := newTestEngine(t, Config{Entries: 64, Role: RoleMaster})
	defer e.Close()

	err := e.WaitForEvents(time.Millisecond)
	require.ErrorIs(t, err, ErrNotSupported)
}

func TestCascadingDelegatesToMaster(t *testing.T) {
	master := newTestEngine(t, Config{Entries: 64, Role: RoleMaster})
	defer master.Close()

	stop := make(chan struct{})
	pumpMaster(t, master, stop)
	defer close(stop)

	casc := newTestEngine(t, Config{Entries: 64, Role: RoleCascading, Master: master})
	defer casc.Close()

	cascStop := make(chan struct{})
	go func() {
		for {
			select {
			case <-cascStop:
				return
			default:
			}
			if err := casc.WaitForEvents(50 * time.Millisecond); err != nil && err != ErrRingClosed {
				t.Logf("WaitForEvents: %v", err)
			}
		}
	}()
	defer close(cascStop)

	f, err := os.CreateTemp("", "uring_delegate_test")
	require.NoError(t, err)
	defer os.Remove(f.Name())
	defer f.Close()

	data := []byte("delegated wait")
	n, err := casc.Pwrite(context.Background(), int(f.Fd()), data, 0, 5*time.Second, 0)
	require.NoError(t, err)
	require.Equal(t, int32(len(data)), n)
}
