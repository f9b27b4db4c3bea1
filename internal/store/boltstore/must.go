package boltstore

import "go.etcd.io/bbolt"

// panicSentinel identifies panics raised by must().
type panicSentinel struct {
	cause error
}

// must panics with a panicSentinel if err is non-nil.
func must(err error) {
	if err != nil {
		panic(panicSentinel{err})
	}
}

// recoverErr recovers from a panic raised by must() and assigns the cause to
// *err. Other panics are re-raised.
func recoverErr(err *error) {
	switch v := recover().(type) {
	case panicSentinel:
		*err = v.cause
	case nil:
		return
	default:
		panic(v)
	}
}

type bucketParent interface {
	CreateBucketIfNotExists([]byte) (*bbolt.Bucket, error)
	Bucket([]byte) *bbolt.Bucket
}

// mustCreateBucket creates nested buckets with names given by the elements of
// path.
func mustCreateBucket(p bucketParent, path ...[]byte) *bbolt.Bucket {
	var b *bbolt.Bucket
	for _, n := range path {
		var err error
		b, err = p.CreateBucketIfNotExists(n)
		must(err)
		p = b
	}
	return b
}

// bucket returns the nested bucket at path, or nil if any element is missing.
func bucket(p bucketParent, path ...[]byte) (b *bbolt.Bucket) {
	for _, n := range path {
		b = p.Bucket(n)
		if b == nil {
			return nil
		}
		p = b
	}
	return b
}
