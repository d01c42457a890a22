package syncer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/contree/broker/internal/errs"
	"github.com/contree/broker/internal/scan"
)

// hashFile streams the file through sha256 and checks that it did not
// change between the scan and the read.
func hashFile(fd scan.FileDescriptor) (string, error) {
	f, err := os.Open(fd.AbsPath)
	if err != nil {
		return "", errs.IOError("open", fd.RelPath, err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", errs.IOError("read", fd.RelPath, err)
	}

	info, err := f.Stat()
	if err != nil {
		return "", errs.IOError("stat", fd.RelPath, err)
	}
	if n != fd.Size || info.Size() != fd.Size || !info.ModTime().Equal(fd.ModTime) {
		return "", errs.IOError("hash", fd.RelPath, fmt.Errorf("file changed during sync"))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// readBlob reads a file for upload and verifies it still has the hash
// recorded for it.
func readBlob(absPath, relPath, hash string) ([]byte, error) {
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, errs.IOError("read", relPath, err)
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != hash {
		return nil, errs.IOError("upload", relPath, fmt.Errorf("file changed during sync"))
	}
	return data, nil
}
