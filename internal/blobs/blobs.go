// Package blobs stores attachment bytes by content address so large
// attachments do not have to live inline in the document record.
package blobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/spartanone/spartan/config"
)

var ErrBlobNotFound = errors.New("blob not found")

// Store persists immutable blobs addressed by the sha256 of their content.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) error
}

// Ref returns the content address of data.
func Ref(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func validRef(ref string) error {
	if len(ref) != sha256.Size*2 {
		return fmt.Errorf("invalid blob ref %q", ref)
	}
	if _, err := hex.DecodeString(ref); err != nil {
		return fmt.Errorf("invalid blob ref %q", ref)
	}
	return nil
}

// New builds the configured blob store. It returns nil when offloading is disabled.
func New(cnf config.BlobConfig) (Store, error) {
	switch cnf.Provider {
	case "":
		return nil, nil
	case "fs":
		fs, err := NewFileStore(cnf.Dir)
		if err != nil {
			return nil, err
		}
		return fs, nil
	case "s3":
		s3Store, err := NewS3Store(cnf)
		if err != nil {
			return nil, err
		}
		return s3Store, nil
	default:
		return nil, fmt.Errorf("unsupported blob provider %q", cnf.Provider)
	}
}
