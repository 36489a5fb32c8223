package registry

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wasmcore/wasmcore/internal/idgen"
)

// Hash is a SHA-256 content digest, printed as hex in JSON rather than a
// numeric array.
type Hash [32]byte

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("registry: invalid content hash %q: %w", s, err)
	}
	if len(decoded) != len(h) {
		return fmt.Errorf("registry: content hash %q has wrong length", s)
	}
	copy(h[:], decoded)
	return nil
}

// Metadata is one live registry entry's persisted record (spec.md §3's
// BinaryMetadata). It is serialized as part of the metadata file and
// returned, unmodified, by List.
type Metadata struct {
	ID          idgen.ID  `json:"id"`
	SourcePath  string    `json:"source_path"`
	ByteSize    int64     `json:"byte_size"`
	LoadedAt    time.Time `json:"loaded_at"`
	ContentHash Hash      `json:"content_hash"`
}
