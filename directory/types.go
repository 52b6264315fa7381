// Package directory implements the registry of live relays: a
// single-process service relays register with (GIVE_DIRECT) and
// clients query (GET_DIRECT).
package directory

import "crypto/rsa"

// Entry is one registered relay: its listening address and identity
// public key.
type Entry struct {
	IPAddr    string
	Port      uint16
	PublicKey *rsa.PublicKey
}
