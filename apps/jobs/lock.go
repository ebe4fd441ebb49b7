package jobs

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/getevo/evo/v2/lib/log"
	"github.com/nats-io/nats.go"
)

// LockBucket holds one key per running job
const LockBucket = "inbox_job_locks"

// Locker grants the right to run a job to one instance at a time
type Locker interface {
	TryLock(jobName string) bool
	Unlock(jobName string)
	InstanceID() string
}

func instanceID() string {
	hostname, _ := os.Hostname()
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

// LockManager handles distributed locks using NATS KV
type LockManager struct {
	kv         nats.KeyValue
	instanceID string
}

// NewLockManager creates or binds the lock bucket. ttl bounds how long a
// crashed instance can hold a lock and must exceed the longest job timeout.
func NewLockManager(js nats.JetStreamContext, ttl time.Duration) (*LockManager, error) {
	if js == nil {
		return nil, fmt.Errorf("JetStream context is nil")
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}

	kv, err := js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:      LockBucket,
		Description: "Locks of inbox background jobs",
		TTL:         ttl,
	})
	if err != nil {
		// the bucket may already exist
		kv, err = js.KeyValue(LockBucket)
		if err != nil {
			return nil, fmt.Errorf("failed to create/bind %s KV bucket: %w", LockBucket, err)
		}
	}

	id := instanceID()
	log.Info("jobs: lock manager initialized with instance ID: %s", id)
	return &LockManager{kv: kv, instanceID: id}, nil
}

// TryLock acquires the lock of a job. Create is atomic and fails when the
// key exists; a lock already held by this instance is refreshed.
func (lm *LockManager) TryLock(jobName string) bool {
	if _, err := lm.kv.Create(jobName, []byte(lm.instanceID)); err != nil {
		entry, getErr := lm.kv.Get(jobName)
		if getErr == nil && string(entry.Value()) == lm.instanceID {
			if _, updateErr := lm.kv.Update(jobName, []byte(lm.instanceID), entry.Revision()); updateErr == nil {
				return true
			}
		}
		return false
	}
	log.Debug("jobs: lock acquired for %s by %s", jobName, lm.instanceID)
	return true
}

// Unlock releases the lock if this instance owns it
func (lm *LockManager) Unlock(jobName string) {
	entry, err := lm.kv.Get(jobName)
	if err != nil {
		return
	}
	if string(entry.Value()) != lm.instanceID {
		return
	}
	if err := lm.kv.Delete(jobName); err != nil {
		log.Warning("jobs: failed to release lock for %s: %v", jobName, err)
	}
}

// Owner returns the instance holding the lock, or an empty string
func (lm *LockManager) Owner(jobName string) string {
	entry, err := lm.kv.Get(jobName)
	if err != nil {
		return ""
	}
	return string(entry.Value())
}

func (lm *LockManager) InstanceID() string {
	return lm.instanceID
}

// LocalLocker serializes jobs inside one process. It is used when
// JetStream is unavailable, which is only safe with a single instance.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]bool
	id   string
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]bool), id: instanceID()}
}

func (l *LocalLocker) TryLock(jobName string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[jobName] {
		return false
	}
	l.held[jobName] = true
	return true
}

func (l *LocalLocker) Unlock(jobName string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, jobName)
}

func (l *LocalLocker) InstanceID() string {
	return l.id
}
