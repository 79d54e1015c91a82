package session

import "github.com/MrEthical07/phazeid/store"

// Session is the record persisted in Redis. It is the store model; the
// alias keeps the codec and the store signatures short.
type Session = store.Session

// CurrentSchemaVersion is the binary layout version written by Encode.
const CurrentSchemaVersion uint8 = 1
