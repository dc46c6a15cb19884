package memory

import (
	"errors"
	"sort"

	"github.com/stratolabs/strato/db"
)

var _ db.Iterator = (*iterator)(nil)

type iterator struct {
	curInd int
	keys   []string
	values [][]byte
	closed bool
}

func (i *iterator) Valid() bool {
	return !i.closed && i.curInd >= 0 && i.curInd < len(i.keys)
}

func (i *iterator) Key() []byte {
	if !i.Valid() {
		return nil
	}
	return []byte(i.keys[i.curInd])
}

func (i *iterator) Value() ([]byte, error) {
	if !i.Valid() {
		return nil, errors.New("iterator not positioned on a valid entry")
	}
	return i.values[i.curInd], nil
}

func (i *iterator) Next() bool {
	if i.closed {
		return false
	}
	i.curInd++
	return i.Valid()
}

func (i *iterator) Seek(key []byte) bool {
	if i.closed {
		return false
	}
	i.curInd = sort.SearchStrings(i.keys, string(key))
	return i.Valid()
}

func (i *iterator) Close() error {
	i.closed = true
	return nil
}
