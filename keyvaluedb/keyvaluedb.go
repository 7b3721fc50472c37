package keyvaluedb

// Reader is the interface for random reads from a key value database.
type Reader interface {
	// Read reads the value stored under key into given value type, returns
	// true if the key was present. The value must be a non-nil pointer.
	Read(key []byte, value any) (bool, error)
}

// Writer is the interface for writes to a key value database.
type Writer interface {
	// Write stores the value under key, overwriting any previous value.
	Write(key []byte, value any) error
	// Delete removes the key and its value. Deleting a missing key is not
	// an error.
	Delete(key []byte) error
}

// Iterator iterates over a key value database in key order.
// A fresh iterator is positioned by First, Last or Find; when the
// position is not valid Key and Value return nil.
type Iterator interface {
	// Valid returns true when the iterator is positioned on a key value
	// pair inside the database.
	Valid() bool
	// Next moves the iterator to the next key in ascending order.
	Next()
	// Prev moves the iterator to the previous key in descending order.
	Prev()
	// Key returns the current key, or nil if the position is not valid.
	Key() []byte
	// Value decodes the current value into the given pointer.
	Value(value any) error
	// Close releases the iterator and any read transaction backing it.
	// The iterator must not be used after Close.
	Close() error
}

// Iterable provides ordered access to a key value database.
type Iterable interface {
	// First returns an iterator positioned on the smallest key.
	First() Iterator
	// Last returns an iterator positioned on the biggest key.
	Last() Iterator
	// Find returns an iterator positioned on the first key >= key.
	Find(key []byte) Iterator
}

// DBTransaction is a batch of writes that is applied atomically.
type DBTransaction interface {
	Reader
	Writer
	// Commit applies all writes in the transaction.
	Commit() error
	// Rollback discards the transaction.
	Rollback() error
}

// StartTxInterface is implemented by databases that support explicit
// write transactions.
type StartTxInterface interface {
	StartTx() (DBTransaction, error)
}

// KeyValueDB is a persistent ordered key value database.
type KeyValueDB interface {
	Reader
	Writer
	Iterable
	StartTxInterface
}

// IsEmpty returns true if the database has no keys.
func IsEmpty(db KeyValueDB) (bool, error) {
	if db == nil {
		return true, ErrInvalidArgument
	}
	it := db.First()
	defer func() { _ = it.Close() }()
	return !it.Valid(), nil
}
