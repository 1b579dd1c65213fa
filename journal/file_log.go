package journal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"log"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
)

// FileLog keeps the journal in a single append-only file. Each record is
//
//	length  uint32, big endian, of the payload
//	crc     uint32, big endian, CRC-32C of the payload
//	payload CBOR encoded Entry
//
// Every append is synced before it returns. Readers map the file read-only
// up to the length of the last synced record, so they never see a partial
// write. A partial record left at the end of the file by a crash is cut off
// when the file is opened.
type FileLog struct {
	f *os.File

	m       sync.RWMutex // protects everything below
	offsets []int64      // file offset of entry n+1
	size    int64        // durable length of the file
	closed  bool
}

const headerSize = 8

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

var _ Log = &FileLog{}

// OpenFileLog opens or creates the journal file at path.
func OpenFileLog(path string) (*FileLog, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	fl := &FileLog{f: f}
	if err := fl.recover(); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "opening journal %s", path)
	}
	return fl, nil
}

// recover indexes the records in the file and truncates any torn tail.
func (fl *FileLog) recover() error {
	fi, err := fl.f.Stat()
	if err != nil {
		return err
	}
	size := fi.Size()
	var good int64
	if size > 0 {
		data, err := mmap.MapRegion(fl.f, int(size), mmap.RDONLY, 0, 0)
		if err != nil {
			return err
		}
		for good < size {
			payload, next, ok := record(data, good)
			if !ok {
				break
			}
			e, err := Unmarshal(payload)
			if err != nil || e.Position != uint64(len(fl.offsets)+1) {
				break
			}
			fl.offsets = append(fl.offsets, good)
			good = next
		}
		data.Unmap()
	}
	if good < size {
		log.Printf("journal: %s: truncating %d bytes after entry %d",
			fl.f.Name(), size-good, len(fl.offsets))
		if err := fl.f.Truncate(good); err != nil {
			return err
		}
		if err := fl.f.Sync(); err != nil {
			return err
		}
	}
	fl.size = good
	return nil
}

// record returns the payload of the record starting at off and the offset
// of the following record. ok is false if there is no complete, intact
// record at off.
func record(data []byte, off int64) (payload []byte, next int64, ok bool) {
	if int64(len(data))-off < headerSize {
		return nil, 0, false
	}
	n := int64(binary.BigEndian.Uint32(data[off:]))
	sum := binary.BigEndian.Uint32(data[off+4:])
	next = off + headerSize + n
	if next > int64(len(data)) {
		return nil, 0, false
	}
	payload = data[off+headerSize : next]
	if crc32.Checksum(payload, castagnoli) != sum {
		return nil, 0, false
	}
	return payload, next, true
}

func (fl *FileLog) Append(e *Entry) error {
	payload, err := Marshal(e)
	if err != nil {
		return err
	}
	buf := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	binary.BigEndian.PutUint32(buf[4:], crc32.Checksum(payload, castagnoli))
	copy(buf[headerSize:], payload)

	fl.m.Lock()
	defer fl.m.Unlock()
	if fl.closed {
		return ErrLogClosed
	}
	if err := checkNext(uint64(len(fl.offsets)), e); err != nil {
		return err
	}
	_, err = fl.f.WriteAt(buf, fl.size)
	if err == nil {
		err = fl.f.Sync()
	}
	if err != nil {
		// drop whatever part made it out so the next append starts clean
		fl.f.Truncate(fl.size)
		return err
	}
	fl.offsets = append(fl.offsets, fl.size)
	fl.size += int64(len(buf))
	return nil
}

func (fl *FileLog) Scan(from uint64, fn func(*Entry) error) error {
	if from == 0 {
		from = 1
	}
	fl.m.RLock()
	if fl.closed {
		fl.m.RUnlock()
		return ErrLogClosed
	}
	size := fl.size
	count := uint64(len(fl.offsets))
	var start int64
	if from <= count {
		start = fl.offsets[from-1]
	}
	fl.m.RUnlock()
	if from > count {
		return nil
	}

	data, err := mmap.MapRegion(fl.f, int(size), mmap.RDONLY, 0, 0)
	if err != nil {
		return err
	}
	defer data.Unmap()
	for off := start; off < size; {
		payload, next, ok := record(data, off)
		if !ok {
			return fmt.Errorf("%w: bad record at offset %d", ErrCorruptLog, off)
		}
		e, err := Unmarshal(payload)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptLog, err)
		}
		if err := fn(e); err != nil {
			if err == ErrStopScan {
				return nil
			}
			return err
		}
		off = next
	}
	return nil
}

func (fl *FileLog) Last() (uint64, error) {
	fl.m.RLock()
	defer fl.m.RUnlock()
	return uint64(len(fl.offsets)), nil
}

func (fl *FileLog) Close() error {
	fl.m.Lock()
	defer fl.m.Unlock()
	if fl.closed {
		return nil
	}
	fl.closed = true
	return fl.f.Close()
}
