package badgerdb

import (
	"github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"
)

// createDB opens a badgerhold store at dir, or an in-memory one when dir is
// empty (used by tests). SyncWrites keeps the write-ahead guarantee of the
// event log: an append returns only after the value log hit disk.
func createDB(dir string, logger badger.Logger) (*badgerhold.Store, error) {
	isInMemory := len(dir) <= 0

	opts := badger.DefaultOptions(dir)
	opts.InMemory = isInMemory
	opts.Logger = logger
	if !isInMemory {
		opts.SyncWrites = true
		opts.Compression = 0
	}

	return badgerhold.Open(badgerhold.Options{
		Encoder:          badgerhold.DefaultEncode,
		Decoder:          badgerhold.DefaultDecode,
		SequenceBandwith: 100,
		Options:          opts,
	})
}
