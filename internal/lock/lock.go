// Package lock serializes work per key inside the daemon and keeps one daemon
// per data directory.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// Keyed is a set of mutexes addressed by string key. A key's slot exists only
// while someone holds or waits for it.
type Keyed struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	token   chan struct{}
	waiters int
}

func NewKeyed() *Keyed {
	return &Keyed{slots: make(map[string]*slot)}
}

// Acquire blocks until key is free or ctx ends. The returned release must be
// called exactly once.
func (k *Keyed) Acquire(ctx context.Context, key string) (release func(), err error) {
	s := k.join(key)
	select {
	case s.token <- struct{}{}:
	case <-ctx.Done():
		k.leave(key, s)
		return nil, fmt.Errorf("acquire %s: %w", key, ctx.Err())
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.token
			k.leave(key, s)
		})
	}, nil
}

// Held reports how many keys are currently held or awaited.
func (k *Keyed) Held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.slots)
}

func (k *Keyed) join(key string) *slot {
	k.mu.Lock()
	defer k.mu.Unlock()
	s := k.slots[key]
	if s == nil {
		s = &slot{token: make(chan struct{}, 1)}
		k.slots[key] = s
	}
	s.waiters++
	return s
}

func (k *Keyed) leave(key string, s *slot) {
	k.mu.Lock()
	defer k.mu.Unlock()
	s.waiters--
	if s.waiters == 0 {
		delete(k.slots, key)
	}
}

// ErrHeld is returned by AcquireInstance when another process owns the lock.
var ErrHeld = errors.New("lock held by another process")

// Instance is an exclusive advisory lock on a file that records the owner's PID.
type Instance struct {
	path string
	f    *os.File
}

// AcquireInstance takes the lock at path without blocking. When another
// process holds it, the error wraps ErrHeld and names the recorded PID.
func AcquireInstance(path string) (*Instance, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		owner := readOwner(f)
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%s: %w (pid %s)", path, ErrHeld, owner)
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}

	pid := []byte(strconv.Itoa(os.Getpid()) + "\n")
	if err := f.Truncate(0); err == nil {
		_, err = f.WriteAt(pid, 0)
	}
	if err != nil {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
		return nil, fmt.Errorf("record pid in %s: %w", path, err)
	}
	return &Instance{path: path, f: f}, nil
}

// Release drops the lock and removes the file. It is safe on a nil or
// already released Instance.
func (in *Instance) Release() error {
	if in == nil || in.f == nil {
		return nil
	}
	f := in.f
	in.f = nil
	_ = os.Remove(in.path)
	unlockErr := unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return errors.Join(unlockErr, f.Close())
}

func readOwner(f *os.File) string {
	buf := make([]byte, 32)
	n, _ := f.ReadAt(buf, 0)
	if pid := strings.TrimSpace(string(buf[:n])); pid != "" {
		return pid
	}
	return "unknown"
}
