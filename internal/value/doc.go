// Package value provides the constrained value types carried by process
// payloads, task inputs and produced node values.
//
// Values are limited to null, string, int64, bool, arrays and objects. Floats
// are rejected at every boundary so that stored process data re-encodes to the
// same bytes on every load.
//
// All encoding goes through Marshal, which sorts object keys, NFC-normalizes
// strings and never escapes HTML characters.
package value
