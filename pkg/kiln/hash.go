package kiln

import (
	"encoding/hex"
	"io"
	"os"

	"github.com/karrick/godirwalk"
	"github.com/minio/highwayhash"
	"golang.org/x/xerrors"
)

// contentHashKey is the key we use to hash build inputs. Change this key and
// you'll invalidate every version tag and cached context archive ever produced.
const contentHashKey = "46bd04182b07c0b488f4fa6e5ccb5a9792c013b1e8e4a41d23e4a40b2a25ba1d"

const (
	// versionTagLength is the number of hex characters in content-derived version tags.
	versionTagLength = 16
	// pathDigestLength is the number of hex characters identifying a source path
	// within an archive's uniqueID.
	pathDigestLength = 8
)

func newContentHash() (io.Writer, func() string, error) {
	key, err := hex.DecodeString(contentHashKey)
	if err != nil {
		return nil, nil, err
	}
	hash, err := highwayhash.New(key)
	if err != nil {
		return nil, nil, err
	}
	return hash, func() string { return hex.EncodeToString(hash.Sum(nil)) }, nil
}

// HashBytes computes the content hash of a byte string. If truncate is greater
// than zero the resulting hex string is cut to that many characters.
func HashBytes(content []byte, truncate int) (string, error) {
	hash, sum, err := newContentHash()
	if err != nil {
		return "", err
	}
	if _, err := hash.Write(content); err != nil {
		return "", err
	}
	return truncated(sum(), truncate), nil
}

// HashFile computes the content hash of a single regular file.
func HashFile(path string, truncate int) (string, error) {
	hash, sum, err := newContentHash()
	if err != nil {
		return "", err
	}
	if err := hashFileInto(hash, path); err != nil {
		return "", err
	}
	return truncated(sum(), truncate), nil
}

// HashTree computes the content hash of all regular files under root.
// Files are visited in lexical order at each directory level so that identical
// trees produce identical hashes regardless of host or filesystem. Only file
// content enters the hash - paths, timestamps and modes do not.
func HashTree(root string, truncate int) (string, error) {
	if stat, err := os.Stat(root); err != nil {
		return "", xerrors.Errorf("cannot hash %s: %w", root, err)
	} else if !stat.IsDir() {
		return HashFile(root, truncate)
	}

	hash, sum, err := newContentHash()
	if err != nil {
		return "", err
	}

	err = godirwalk.Walk(root, &godirwalk.Options{
		Callback: func(path string, de *godirwalk.Dirent) error {
			if !de.IsRegular() {
				return nil
			}
			return hashFileInto(hash, path)
		},
		Unsorted: false,
	})
	if err != nil {
		return "", xerrors.Errorf("cannot hash %s: %w", root, err)
	}

	return truncated(sum(), truncate), nil
}

func hashFileInto(dst io.Writer, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return xerrors.Errorf("cannot hash %s: %w", path, err)
	}
	defer file.Close()

	if _, err := io.Copy(dst, file); err != nil {
		return xerrors.Errorf("cannot hash %s: %w", path, err)
	}
	return nil
}

func truncated(digest string, truncate int) string {
	if truncate > 0 && truncate < len(digest) {
		return digest[:truncate]
	}
	return digest
}
