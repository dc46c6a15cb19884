package db

// Bucket is a byte prefix that namespaces keys within the flat key-value
// store, standing in for real buckets which pebble does not support.
type Bucket byte

// Pebble does not support buckets to differentiate between groups of keys,
// hence we prefix the keys with the bucket id.
const (
	ChainHeight          Bucket = iota // () -> latest committed chain height
	ChainRecordsByHeight               // (height) -> chain view record
	BatchesByHeight                    // (height) -> sealed batch
	ReceiptsByHeight                   // (height) -> ordered execution receipts
	TxIndexByHash                      // (txHash) -> (height, index)
	ProofsByHeight                     // (height) -> transition proof
	StateLayersByRoot                  // (root) -> state layer (parent root + diff)
	StateBaseKV                        // (key) -> value of the flattened base state
	StateBaseRoot                      // () -> root the flattened base corresponds to
	MempoolMeta                        // () -> pool head/tail/length metadata
	MempoolItems                       // (sequence) -> pending transaction
	DaLedgerHeight                     // () -> head height of the local DA ledger
	DaLedgerBlobs                      // (height) -> published blob
)

// Key flattens the bucket prefix and the given byte slices into a single key.
func (b Bucket) Key(suffix ...[]byte) []byte {
	key := []byte{byte(b)}
	for _, s := range suffix {
		key = append(key, s...)
	}
	return key
}
