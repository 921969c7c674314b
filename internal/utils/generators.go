package utils

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

const maxReceiptLen = 40

// NewID returns a prefixed random identifier, e.g. ord_3f0c...
func NewID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

// GenerateReceipt builds the merchant receipt reference sent to the gateway:
// a per-attempt nonce followed by the order's UUID without dashes, which
// fits the 40 character gateway limit whole.
func GenerateReceipt(orderID string) string {
	ref := orderID
	if i := strings.LastIndexByte(ref, '_'); i >= 0 {
		ref = ref[i+1:]
	}
	if id, err := uuid.Parse(ref); err == nil {
		ref = hex.EncodeToString(id[:])
	}

	nonce := make([]byte, 3)
	_, _ = rand.Read(nonce)
	receipt := hex.EncodeToString(nonce) + "_" + ref
	if len(receipt) > maxReceiptLen {
		receipt = receipt[:maxReceiptLen]
	}
	return receipt
}
