// Rebuild-backup compression for primary index whole-file rewrites.
//
// ISAM and Sequential File rebuilds replace their main file(s) in place.
// Before doing so, the previous contents are zstd-compressed and written
// to a sibling "<file>.prev.zst" so an operator can recover the
// pre-rebuild state if the rewrite is interrupted. The zstd bytes are
// written directly; nothing downstream needs the backup to be text-safe.
package dbcore

import (
	"os"

	"github.com/klauspost/compress/zstd"
)

// Shared encoder/decoder, allocated once: construction is expensive and
// both are documented safe for concurrent use. SpeedFastest favours the
// hot rebuild path over backup size.
var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// backupBeforeRebuild compresses the existing contents of path (if any)
// to path+".prev.zst", overwriting whatever backup came before it.
func backupBeforeRebuild(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	compressed := zstdEncoder.EncodeAll(data, nil)
	return os.WriteFile(path+".prev.zst", compressed, 0o644)
}

// restoreRebuildBackup decompresses a "<file>.prev.zst" backup, for
// operator-driven recovery after an interrupted rebuild. Not called by
// the engine itself during normal operation.
func restoreRebuildBackup(path string) ([]byte, error) {
	compressed, err := os.ReadFile(path + ".prev.zst")
	if err != nil {
		return nil, err
	}
	out, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, ErrDecompress
	}
	return out, nil
}
