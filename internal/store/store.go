package store

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/boltdb/bolt"

	"github.com/siohaza/oxine/internal/protocol"
)

var worldsBucket = []byte("worlds")

// Store keeps block edits per world so they survive a restart. Worlds are
// regenerated from their seed and the stored edits are applied on top.
type Store struct {
	db *bolt.DB
}

func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open block store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(worldsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize block store: %w", err)
	}
	db.NoSync = true

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func encodeKey(pos protocol.Vec3[uint16]) []byte {
	key := make([]byte, 6)
	binary.BigEndian.PutUint16(key[0:], pos.Y)
	binary.BigEndian.PutUint16(key[2:], pos.Z)
	binary.BigEndian.PutUint16(key[4:], pos.X)
	return key
}

func decodeKey(key []byte) (protocol.Vec3[uint16], bool) {
	if len(key) != 6 {
		return protocol.Vec3[uint16]{}, false
	}
	return protocol.Vec3[uint16]{
		Y: binary.BigEndian.Uint16(key[0:]),
		Z: binary.BigEndian.Uint16(key[2:]),
		X: binary.BigEndian.Uint16(key[4:]),
	}, true
}

func (s *Store) Put(world string, pos protocol.Vec3[uint16], block byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.Bucket(worldsBucket).CreateBucketIfNotExists([]byte(world))
		if err != nil {
			return err
		}
		return bkt.Put(encodeKey(pos), []byte{block})
	})
}

func (s *Store) Range(world string, fn func(pos protocol.Vec3[uint16], block byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(worldsBucket).Bucket([]byte(world))
		if bkt == nil {
			return nil
		}
		return bkt.ForEach(func(k, v []byte) error {
			pos, ok := decodeKey(k)
			if !ok || len(v) != 1 {
				return fmt.Errorf("corrupt block entry in world %s", world)
			}
			return fn(pos, v[0])
		})
	})
}

func (s *Store) Count(world string) (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		if bkt := tx.Bucket(worldsBucket).Bucket([]byte(world)); bkt != nil {
			n = bkt.Stats().KeyN
		}
		return nil
	})
	return n, err
}

// Reset drops every stored edit for world.
func (s *Store) Reset(world string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket(worldsBucket).DeleteBucket([]byte(world))
		if err == bolt.ErrBucketNotFound {
			return nil
		}
		return err
	})
}
