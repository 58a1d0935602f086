/*
txid.go - Transaction id generation and validation

PURPOSE:
  Transaction ids are human-inspectable but not guessable:

    TXN  +  13-digit unix-millis  +  6 uppercase-alphanumeric chars
    TXN1755432612345K3A9QZ

  The time component keeps ids roughly sortable; the random suffix makes
  collisions cheap to retry against the store's unique index. External
  callers that accept a raw id (lookup endpoints) must validate the shape
  before hitting the store.
*/
package engine

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"time"
)

const (
	txIDPrefix       = "TXN"
	txIDSuffixLength = 6
)

var txIDPattern = regexp.MustCompile(`^TXN\d{13}[A-Z0-9]{6}$`)

// NewTransactionID generates a fresh id. Uniqueness is enforced by the
// ledger store; callers regenerate on ErrDuplicateTransactionID.
func NewTransactionID() TransactionID {
	suffix := make([]byte, txIDSuffixLength)
	if _, err := rand.Read(suffix); err != nil {
		// Degenerate suffix; the store's unique index still protects us.
		for i := range suffix {
			suffix[i] = 'A'
		}
	} else {
		for i, b := range suffix {
			suffix[i] = referralCodeAlphabet[int(b)%len(referralCodeAlphabet)]
		}
	}
	return TransactionID(fmt.Sprintf("%s%013d%s", txIDPrefix, time.Now().UnixMilli(), suffix))
}

// ValidTransactionID reports whether s has the exact textual format of an
// engine-issued transaction id.
func ValidTransactionID(s string) bool {
	return txIDPattern.MatchString(s)
}
