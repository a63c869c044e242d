package dbcore

import (
	"encoding/binary"
	"os"
)

// isamFreeList is the ISAM free-page stack: a small dedicated file storing
// a count followed by that many int32 page offsets, in LIFO order. Freed
// pages are pushed; the next allocation pops, giving amortised-constant
// slot reuse between rebuilds.
type isamFreeList struct {
	path string
}

func newISAMFreeList(path string) *isamFreeList {
	return &isamFreeList{path: path}
}

func (fl *isamFreeList) load() ([]int32, error) {
	data, err := os.ReadFile(fl.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(data) < 4 {
		return nil, nil
	}
	count := int32(binary.LittleEndian.Uint32(data[0:4]))
	offsets := make([]int32, count)
	for i := int32(0); i < count; i++ {
		off := 4 + i*4
		offsets[i] = int32(binary.LittleEndian.Uint32(data[off : off+4]))
	}
	return offsets, nil
}

func (fl *isamFreeList) save(offsets []int32) error {
	buf := make([]byte, 4+len(offsets)*4)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(offsets)))
	for i, o := range offsets {
		off := 4 + i*4
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(o))
	}
	return os.WriteFile(fl.path, buf, 0o644)
}

// push appends offset to the top of the stack.
func (fl *isamFreeList) push(offset int32) error {
	stack, err := fl.load()
	if err != nil {
		return err
	}
	stack = append(stack, offset)
	return fl.save(stack)
}

// pop removes and returns the top of the stack; ok is false when empty.
func (fl *isamFreeList) pop() (offset int32, ok bool, err error) {
	stack, err := fl.load()
	if err != nil {
		return 0, false, err
	}
	if len(stack) == 0 {
		return 0, false, nil
	}
	n := len(stack)
	offset = stack[n-1]
	stack = stack[:n-1]
	if err := fl.save(stack); err != nil {
		return 0, false, err
	}
	return offset, true, nil
}

// truncate empties the free list, used during a full rebuild.
func (fl *isamFreeList) truncate() error {
	return fl.save(nil)
}

func (fl *isamFreeList) len() (int, error) {
	stack, err := fl.load()
	if err != nil {
		return 0, err
	}
	return len(stack), nil
}
