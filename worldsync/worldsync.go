package worldsync

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"
)

// Logging convention in the `worldsync` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time (infrequent) initialization data that is useful for monitoring
//     this includes:
//     - connect/auth failures and abnormal closes
//     - dropped or malformed frames
// V(1):
//     key lifecycle events with ids that can be used to filter
// V(2):
//     frequent events - e.g. send, receive, deliver, ack

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self *Id) MarshalJSON() ([]byte, error) {
	return []byte(`"` + encodeUuid(*self) + `"`), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// a sync group is a named partition of permissions and update cadence.
// permissions are granted per agent per sync group in four independent dimensions.
type Permission int

const (
	PermissionRead Permission = iota
	PermissionInsert
	PermissionUpdate
	PermissionDelete
)

func (self Permission) String() string {
	switch self {
	case PermissionRead:
		return "read"
	case PermissionInsert:
		return "insert"
	case PermissionUpdate:
		return "update"
	case PermissionDelete:
		return "delete"
	}
	return "unknown"
}

var instanceIdOnce sync.Once
var instanceIdValue string

// stable for the process lifetime. The browser original keeps this in
// session storage; a process has no equivalent, so it is generated once.
func ProcessInstanceId() string {
	instanceIdOnce.Do(func() {
		const chars = "abcdefghijklmnopqrstuvwxyz0123456789"
		b := make([]byte, 6)
		if _, err := rand.Read(b); err != nil {
			copy(b, NewId().Bytes())
		}
		for i := range b {
			b[i] = chars[int(b[i])%len(chars)]
		}
		instanceIdValue = string(b)
	})
	return instanceIdValue
}
