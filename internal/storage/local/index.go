package local

import (
	"bytes"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/snehjoshi/herald/internal/types"
)

// Bucket layout inside messages.db:
//
//	messages     id                     → JSON-encoded types.Message
//	by_recipient recipientID 0x00 id    → state (1 byte)
//	open         id                     → empty (every id not yet acknowledged)
//
// All three are written in the same bbolt transaction, so the indexes never
// disagree with the records they point at.
var (
	bucketMessages    = []byte("messages")
	bucketByRecipient = []byte("by_recipient")
	bucketOpen        = []byte("open")
)

const recipientSep = 0x00

// recipientKey builds the by_recipient key for (recipientID, id).
func recipientKey(recipientID, id string) []byte {
	k := make([]byte, 0, len(recipientID)+1+len(id))
	k = append(k, recipientID...)
	k = append(k, recipientSep)
	return append(k, id...)
}

// recipientPrefix is the seek prefix covering every key of recipientID.
func recipientPrefix(recipientID string) []byte {
	return append([]byte(recipientID), recipientSep)
}

// putMessage writes msg and keeps both indexes in step with it.
func putMessage(tx *bbolt.Tx, msg *types.Message) error {
	val, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.ID, err)
	}
	id := []byte(msg.ID)
	if err := tx.Bucket(bucketMessages).Put(id, val); err != nil {
		return err
	}
	if err := tx.Bucket(bucketByRecipient).Put(recipientKey(msg.RecipientID, msg.ID), []byte{byte(msg.State)}); err != nil {
		return err
	}
	open := tx.Bucket(bucketOpen)
	if msg.IsAcknowledged() {
		return open.Delete(id)
	}
	return open.Put(id, nil)
}

// getMessage decodes the record for id, returning nil when absent.
func getMessage(tx *bbolt.Tx, id []byte) (*types.Message, error) {
	val := tx.Bucket(bucketMessages).Get(id)
	if val == nil {
		return nil, nil
	}
	var msg types.Message
	if err := json.Unmarshal(val, &msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", id, err)
	}
	return &msg, nil
}

// forEachRecipient calls fn with the id and indexed state of every message
// addressed to recipientID, in id order.
func forEachRecipient(tx *bbolt.Tx, recipientID string, fn func(id []byte, state types.State) error) error {
	prefix := recipientPrefix(recipientID)
	c := tx.Bucket(bucketByRecipient).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		var state types.State
		if len(v) == 1 {
			state = types.State(v[0])
		}
		if err := fn(k[len(prefix):], state); err != nil {
			return err
		}
	}
	return nil
}

// forEachOpen calls fn with every record whose id is in the open set, in id
// order.
func forEachOpen(tx *bbolt.Tx, fn func(msg *types.Message) error) error {
	return tx.Bucket(bucketOpen).ForEach(func(k, _ []byte) error {
		msg, err := getMessage(tx, k)
		if err != nil {
			return err
		}
		if msg == nil {
			// Dangling open entry; the record is authoritative.
			return nil
		}
		return fn(msg)
	})
}
