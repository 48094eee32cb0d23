package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"pixelgate/pkg/types"
)

// Key is the decode signature of one cached bitmap variant. Two requests
// for the same URI with a different sample size or format are different keys.
type Key struct {
	URI        string
	SampleSize int
	Format     types.Format
}

// NewKey builds a Key with the URI trimmed.
func NewKey(uri string, sampleSize int, format types.Format) Key {
	return Key{
		URI:        strings.TrimSpace(uri),
		SampleSize: sampleSize,
		Format:     format,
	}
}

// String converts the key into the form used for queue ids and logs.
func (k Key) String() string {
	// img:<SAMPLE_SIZE>:<FORMAT>:<URI>
	return fmt.Sprintf("img:%d:%s:%s", k.SampleSize, k.Format, k.URI)
}

// DetailsKey is the key a details lookup for uri is queued under.
// Details are format independent and carry no sample size.
func DetailsKey(uri string) Key {
	return NewKey(uri, 0, types.FormatARGB8888)
}

// DiskName maps a URI to the file name its bytes are stored under.
// It is the hex SHA-256 of the trimmed URI so any URI is a safe file name.
func DiskName(uri string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(uri)))
	return hex.EncodeToString(sum[:])
}
