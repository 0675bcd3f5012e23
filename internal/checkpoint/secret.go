package checkpoint

import (
	"sync"

	"github.com/awnumar/memguard"
)

var memguardInit sync.Once

// InitSecureMemory installs memguard's interrupt handler so locked buffers are
// wiped on SIGINT/SIGTERM. Safe to call more than once.
func InitSecureMemory() {
	memguardInit.Do(memguard.CatchInterrupt)
}

// PurgeSecureMemory destroys every locked buffer. Call on shutdown.
func PurgeSecureMemory() {
	memguard.Purge()
}

// withSecret moves raw into a locked buffer for the duration of fn. raw is
// wiped either way. When the process cannot lock memory (low RLIMIT_MEMLOCK in
// containers) fn runs on an ordinary copy that is wiped afterwards.
func withSecret(raw []byte, fn func([]byte) error) error {
	buf := lockedBuffer(raw)
	if buf == nil {
		defer wipe(raw)
		return fn(raw)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

func lockedBuffer(raw []byte) (buf *memguard.LockedBuffer) {
	defer func() {
		if recover() != nil {
			buf = nil
		}
	}()
	buf = memguard.NewBufferFromBytes(raw)
	if buf == nil || buf.Size() == 0 {
		return nil
	}
	return buf
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
