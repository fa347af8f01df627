package ledger

import (
	"github.com/libp2p/go-libp2p-core/crypto"
	"github.com/multiformats/go-multibase"
)

// EncodeAddress returns the account address for a public key.
// Addresses are multibase (base32) encodings of the marshaled key.
func EncodeAddress(pub crypto.PubKey) (string, error) {
	raw, err := crypto.MarshalPublicKey(pub)
	if err != nil {
		return "", err
	}
	return multibase.Encode(multibase.Base32, raw)
}

// DecodeAddress recovers the public key behind an account address.
func DecodeAddress(address string) (crypto.PubKey, error) {
	_, raw, err := multibase.Decode(address)
	if err != nil {
		return nil, Errorf(KindInvalidParams, "decoding address %q: %v", address, err)
	}
	pub, err := crypto.UnmarshalPublicKey(raw)
	if err != nil {
		return nil, Errorf(KindInvalidParams, "unmarshaling address key: %v", err)
	}
	return pub, nil
}

// ValidAddress reports whether address is a well-formed account address.
func ValidAddress(address string) bool {
	_, err := DecodeAddress(address)
	return err == nil
}
