package IO

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"

	"github.com/jolt8888/MLOPS-Project2/errors"
)

// DefaultShardBytes caps one feature cache shard.
const DefaultShardBytes = 1 << 30

// ExportFeaturesBinary writes tokenized features to a binary data file plus an index:
//
//   - .bin = per example, int32 input ids then int32 token types
//   - .idx = uint64 (start, length, label bits) per example
//
// It will split into shards <= maxShardBytes. A .count file holding the
// example and shard counts is written last; without it the cache is absent.
func ExportFeaturesBinary(outPrefix string, feats []Features, maxShardBytes int64) error {
	if err := os.MkdirAll(filepath.Dir(outPrefix), os.ModePerm); err != nil {
		return errors.IOf(err, "mkdir for %s", outPrefix)
	}
	countPath := outPrefix + ".count"
	if err := os.Remove(countPath); err != nil && !os.IsNotExist(err) {
		return errors.IOf(err, "remove %s", countPath)
	}

	shard := 0
	var (
		dataF *os.File
		idxF  *os.File
		wData *bufio.Writer
		wIdx  *bufio.Writer
		cur   int64
	)

	closeShard := func() error {
		if dataF == nil {
			return nil
		}
		if err := wData.Flush(); err != nil {
			return err
		}
		if err := wIdx.Flush(); err != nil {
			return err
		}
		if err := dataF.Close(); err != nil {
			return err
		}
		return idxF.Close()
	}

	openShard := func() error {
		if err := closeShard(); err != nil {
			return err
		}
		var err error
		dataF, err = os.Create(fmt.Sprintf("%s-%03d.bin", outPrefix, shard))
		if err != nil {
			return err
		}
		idxF, err = os.Create(fmt.Sprintf("%s-%03d.idx", outPrefix, shard))
		if err != nil {
			return err
		}
		wData = bufio.NewWriter(dataF)
		wIdx = bufio.NewWriter(idxF)
		cur = 0
		return nil
	}

	if err := openShard(); err != nil {
		return errors.IOf(err, "open shard %s", outPrefix)
	}

	buf4 := make([]byte, 4)
	buf8 := make([]byte, 8)
	for _, f := range feats {
		// write offset + length + label to idx
		for _, v := range []uint64{uint64(cur), uint64(len(f.InputIDs)), math.Float64bits(f.Label)} {
			binary.LittleEndian.PutUint64(buf8, v)
			if _, err := wIdx.Write(buf8); err != nil {
				return errors.IOf(err, "write %s", outPrefix)
			}
		}

		// write ids then types to bin
		for _, seq := range [][]int{f.InputIDs, f.TokenTypeIDs} {
			for _, id := range seq {
				binary.LittleEndian.PutUint32(buf4, uint32(int32(id)))
				if _, err := wData.Write(buf4); err != nil {
					return errors.IOf(err, "write %s", outPrefix)
				}
			}
		}
		cur += int64(8 * len(f.InputIDs))

		// rollover if shard too big
		if cur >= maxShardBytes {
			shard++
			if err := openShard(); err != nil {
				return errors.IOf(err, "open shard %s", outPrefix)
			}
		}
	}
	if err := closeShard(); err != nil {
		return errors.IOf(err, "close shard %s", outPrefix)
	}
	return writeCount(countPath, uint64(len(feats)), uint64(shard+1))
}

// writeCount commits the cache through a temp file and rename.
func writeCount(path string, examples, shards uint64) error {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf, examples)
	binary.LittleEndian.PutUint64(buf[8:], shards)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return errors.IOf(err, "write %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.IOf(err, "rename to %s", path)
	}
	return nil
}

// ImportFeaturesBinary reads every shard written by ExportFeaturesBinary.
// ok is false when the export never completed. Shards that disagree with the
// recorded counts are an error.
func ImportFeaturesBinary(prefix string) (feats []Features, ok bool, err error) {
	countPath := prefix + ".count"
	if !fileExists(countPath) {
		return nil, false, nil
	}
	counts, err := os.ReadFile(countPath)
	if err != nil {
		return nil, false, errors.IOf(err, "read %s", countPath)
	}
	if len(counts) != 16 {
		return nil, false, errors.IOf(io.ErrUnexpectedEOF, "bad count file %s", countPath)
	}
	examples := int(binary.LittleEndian.Uint64(counts))
	shards := int(binary.LittleEndian.Uint64(counts[8:]))

	for shard := 0; shard < shards; shard++ {
		binPath := fmt.Sprintf("%s-%03d.bin", prefix, shard)
		idxPath := fmt.Sprintf("%s-%03d.idx", prefix, shard)
		data, err := os.ReadFile(binPath)
		if err != nil {
			return nil, false, errors.IOf(err, "read %s", binPath)
		}
		idx, err := os.ReadFile(idxPath)
		if err != nil {
			return nil, false, errors.IOf(err, "read %s", idxPath)
		}
		if len(idx)%24 != 0 {
			return nil, false, errors.IOf(io.ErrUnexpectedEOF, "truncated index %s", idxPath)
		}
		for off := 0; off < len(idx); off += 24 {
			start := int(binary.LittleEndian.Uint64(idx[off:]))
			n := int(binary.LittleEndian.Uint64(idx[off+8:]))
			label := math.Float64frombits(binary.LittleEndian.Uint64(idx[off+16:]))
			if start+8*n > len(data) {
				return nil, false, errors.IOf(io.ErrUnexpectedEOF, "truncated data %s", binPath)
			}
			f := Features{InputIDs: make([]int, n), TokenTypeIDs: make([]int, n), Label: label}
			for i := 0; i < n; i++ {
				f.InputIDs[i] = int(int32(binary.LittleEndian.Uint32(data[start+4*i:])))
				f.TokenTypeIDs[i] = int(int32(binary.LittleEndian.Uint32(data[start+4*(n+i):])))
			}
			feats = append(feats, f)
		}
	}
	if len(feats) != examples {
		return nil, false, errors.IOf(io.ErrUnexpectedEOF, "%s holds %d examples, want %d", prefix, len(feats), examples)
	}
	return feats, true, nil
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// FeatureCachePrefix keys a tokenized split by tokenizer and max length.
func FeatureCachePrefix(dataDir string, task Task, split, tokenizerName string, maxLen int) string {
	name := fmt.Sprintf("%s-%s-%d", split, unsafeChars.ReplaceAllString(tokenizerName, "_"), maxLen)
	return filepath.Join(TaskDir(dataDir, task), "cache", name)
}
