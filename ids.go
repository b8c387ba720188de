package boxlite

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"regexp"
	"time"

	"github.com/oklog/ulid/v2"
)

// BoxID is a 26-char Crockford base32 ULID, lexicographically ordered by
// creation time. Immutable once allocated.
type BoxID string

// ContainerID is a 64-char lowercase hex digest (sha256 of 32 random bytes),
// OCI-compatible. Immutable once allocated.
type ContainerID string

var (
	boxIDPattern       = regexp.MustCompile(`^[0-9A-HJ-NP-Z]{26}$`)
	containerIDPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

// NewBoxID allocates a fresh ULID-based BoxID using the current time and a
// crypto-random entropy source, matching the monotonic-free ULID spec used
// by the original runtime's `generate_box_id`.
func NewBoxID() (BoxID, error) {
	id, err := ulid.New(ulid.Timestamp(time.Now()), rand.Reader)
	if err != nil {
		return "", Wrap(ErrInternal, "NewBoxID", err)
	}
	return BoxID(id.String()), nil
}

// NewContainerID allocates a fresh ContainerID as the sha256 of 32 random
// bytes, rendered as lowercase hex.
func NewContainerID() (ContainerID, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", Wrap(ErrInternal, "NewContainerID", err)
	}
	sum := sha256.Sum256(buf)
	return ContainerID(fmt.Sprintf("%x", sum)), nil
}

// Valid reports whether id matches the 26-char Crockford base32 BoxID shape.
func (id BoxID) Valid() bool { return boxIDPattern.MatchString(string(id)) }

// Valid reports whether id matches the 64-char lowercase-hex ContainerID shape.
func (id ContainerID) Valid() bool { return containerIDPattern.MatchString(string(id)) }

// Short returns the first 12 characters of the container id, the form used
// in logs and CLI output.
func (id ContainerID) Short() string {
	s := string(id)
	if len(s) < 12 {
		return s
	}
	return s[:12]
}

func (id BoxID) String() string       { return string(id) }
func (id ContainerID) String() string { return string(id) }
