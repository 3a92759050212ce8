// Copyright 2024 ripkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package ripbin

import (
	"bufio"
	"bytes"
	"compress/flate"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/ripkit/ripkit/pkg/log"
	"github.com/ripkit/ripkit/pkg/osutil"
)

// Index is a flat key-value file mapping build-cell coordinates to the
// digests the cell produced. It is cached in memory and mirrored on disk as
// an append-only log of flate-compressed records, compacted when overwritten
// records accumulate. A batch run consults it instead of scanning the whole
// store, which keeps resumability checks O(1) over thousands of cells.
type Index struct {
	// In-memory cache, must not be modified directly.
	Records map[string][]byte

	filename    string
	uncompacted int           // number of records in the file
	pending     *bytes.Buffer // pending writes to the file
}

const (
	indexMagic    = uint32(0xce11db)
	indexRecMagic = uint32(0x1ce11)
	indexVersion  = uint32(1)
	deletedLen    = ^uint32(0)
)

// OpenIndex opens (creating if needed) the index file. A corrupt or
// truncated file is read up to the damage and the rest is dropped.
func OpenIndex(filename string) (*Index, error) {
	ix := &Index{
		filename: filename,
	}
	f, err := os.OpenFile(ix.filename, os.O_RDONLY|os.O_CREATE, osutil.DefaultFilePerm)
	if err != nil {
		return nil, err
	}
	ix.Records, ix.uncompacted = deserializeIndex(bufio.NewReader(f))
	f.Close()
	if len(ix.Records) == 0 || ix.uncompacted/10*9 > len(ix.Records) {
		if err := ix.compact(); err != nil {
			return nil, err
		}
	}
	return ix, nil
}

func (ix *Index) Save(key string, val []byte) {
	if rec, ok := ix.Records[key]; ok && bytes.Equal(val, rec) {
		return
	}
	ix.Records[key] = val
	ix.serialize(key, val, false)
	ix.uncompacted++
}

func (ix *Index) Delete(key string) {
	if _, ok := ix.Records[key]; !ok {
		return
	}
	delete(ix.Records, key)
	ix.serialize(key, nil, true)
	ix.uncompacted++
}

func (ix *Index) Flush() error {
	if ix.uncompacted/10*9 > len(ix.Records) {
		return ix.compact()
	}
	if ix.pending == nil {
		return nil
	}
	f, err := os.OpenFile(ix.filename, os.O_WRONLY|os.O_APPEND|os.O_CREATE, osutil.DefaultFilePerm)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(ix.pending.Bytes()); err != nil {
		return err
	}
	ix.pending = nil
	return nil
}

func (ix *Index) compact() error {
	buf := new(bytes.Buffer)
	serializeIndexHeader(buf)
	for key, val := range ix.Records {
		serializeIndexRecord(buf, key, val, false)
	}
	if err := osutil.WriteFileAtomic(ix.filename, buf.Bytes()); err != nil {
		return err
	}
	ix.uncompacted = len(ix.Records)
	ix.pending = nil
	return nil
}

func (ix *Index) serialize(key string, val []byte, deleted bool) {
	if ix.pending == nil {
		ix.pending = new(bytes.Buffer)
	}
	serializeIndexRecord(ix.pending, key, val, deleted)
}

func serializeIndexHeader(w *bytes.Buffer) {
	binary.Write(w, binary.LittleEndian, indexMagic)
	binary.Write(w, binary.LittleEndian, indexVersion)
}

func serializeIndexRecord(w *bytes.Buffer, key string, val []byte, deleted bool) {
	binary.Write(w, binary.LittleEndian, indexRecMagic)
	binary.Write(w, binary.LittleEndian, uint32(len(key)))
	w.WriteString(key)
	if deleted {
		binary.Write(w, binary.LittleEndian, deletedLen)
		return
	}
	if len(val) == 0 {
		binary.Write(w, binary.LittleEndian, uint32(0))
		return
	}
	lenPos := len(w.Bytes())
	binary.Write(w, binary.LittleEndian, uint32(0))
	startPos := len(w.Bytes())
	fw, err := flate.NewWriter(w, flate.BestCompression)
	if err != nil {
		panic(err)
	}
	if _, err := fw.Write(val); err != nil {
		panic(err)
	}
	fw.Close()
	binary.LittleEndian.PutUint32(w.Bytes()[lenPos:], uint32(len(w.Bytes())-startPos))
}

func deserializeIndex(r *bufio.Reader) (records map[string][]byte, uncompacted int) {
	records = make(map[string][]byte)
	if err := deserializeIndexHeader(r); err != nil {
		log.Logf(0, "failed to deserialize build index header: %v", err)
		return
	}
	for {
		key, val, deleted, err := deserializeIndexRecord(r)
		if err == io.EOF {
			return
		}
		if err != nil {
			log.Logf(0, "failed to deserialize build index record: %v", err)
			return
		}
		uncompacted++
		if deleted {
			delete(records, key)
		} else {
			records[key] = val
		}
	}
}

func deserializeIndexHeader(r *bufio.Reader) error {
	var magic uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		if err == io.EOF {
			// Empty file: a fresh index.
			return nil
		}
		return err
	}
	if magic != indexMagic {
		return fmt.Errorf("bad index header: 0x%x", magic)
	}
	var ver uint32
	if err := binary.Read(r, binary.LittleEndian, &ver); err != nil {
		return err
	}
	if ver == 0 || ver > indexVersion {
		return fmt.Errorf("bad index version: %v", ver)
	}
	return nil
}

func deserializeIndexRecord(r *bufio.Reader) (key string, val []byte, deleted bool, err error) {
	var magic uint32
	if err = binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return
	}
	if magic != indexRecMagic {
		err = fmt.Errorf("bad index record header: 0x%x", magic)
		return
	}
	var keyLen uint32
	if err = binary.Read(r, binary.LittleEndian, &keyLen); err != nil {
		return
	}
	keyBuf := make([]byte, keyLen)
	if _, err = io.ReadFull(r, keyBuf); err != nil {
		return
	}
	key = string(keyBuf)
	var valLen uint32
	if err = binary.Read(r, binary.LittleEndian, &valLen); err != nil {
		return
	}
	if valLen == deletedLen {
		deleted = true
		return
	}
	if valLen != 0 {
		fr := flate.NewReader(&io.LimitedReader{R: r, N: int64(valLen)})
		if val, err = io.ReadAll(fr); err != nil {
			return
		}
		fr.Close()
	}
	return
}
