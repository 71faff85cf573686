package job

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// idTimestampLayout matches microsecond UTC timestamps, e.g. 2024-03-01T12:00:00.123456.
const idTimestampLayout = "2006-01-02T15:04:05.000000"

// NewJobID derives a job ID from the process ID, the canonical JSON form of
// the inputs, the submission time and a random nonce.
//
// json.Marshal sorts map keys, which makes the encoding canonical for the
// decoded-JSON values inputs hold.
func NewJobID(procID string, inputs map[string]any, now time.Time) (string, error) {
	canonical, err := json.Marshal(inputs)
	if err != nil {
		return "", fmt.Errorf("encode inputs: %w", err)
	}
	h := sha1.New()
	h.Write(canonical)
	h.Write([]byte(now.UTC().Format(idTimestampLayout)))
	h.Write([]byte(uuid.NewString()))
	return procID + "-" + hex.EncodeToString(h.Sum(nil)), nil
}

// rewriteStageOut points inputs.stage_out.s3_url at the job's own output
// prefix. The URL is joined as a string so the scheme's "//" survives.
func rewriteStageOut(inputs map[string]any, jobID string) {
	stageOut, ok := inputs["stage_out"].(map[string]any)
	if !ok {
		return
	}
	base, ok := stageOut["s3_url"].(string)
	if !ok {
		return
	}
	stageOut["s3_url"] = strings.TrimRight(base, "/") + "/" + jobID + "/output"
}

// keyedMutex serializes work per key. Entries are reference counted and
// removed once no caller holds or waits for them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock acquires the lock for key and returns its release func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
