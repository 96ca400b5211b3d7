package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"voicerelay/internal/core/domain"
)

var (
	roomsBucket    = []byte("rooms")      // room id -> room json
	roomNameBucket = []byte("room_names") // room name -> room id
	messagesBucket = []byte("messages")   // room id -> nested bucket of seq -> message json
)

// Store is an embedded single-file room and message store.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the database file at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create bolt directory: %w", err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{roomsBucket, roomNameBucket, messagesBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize bolt buckets: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is still open.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(roomsBucket) == nil {
			return fmt.Errorf("rooms bucket missing")
		}
		return nil
	})
}

// Rooms returns a room repository backed by the store.
func (s *Store) Rooms() *RoomRepository {
	return &RoomRepository{db: s.db}
}

// Messages returns a message repository backed by the store.
func (s *Store) Messages() *MessageRepository {
	return &MessageRepository{db: s.db}
}

type RoomRepository struct {
	db *bolt.DB
}

func (r *RoomRepository) GetOrCreate(ctx context.Context, name string, creator domain.UserID) (*domain.Room, error) {
	var room *domain.Room
	err := r.db.Update(func(tx *bolt.Tx) error {
		names := tx.Bucket(roomNameBucket)
		if id := names.Get([]byte(name)); id != nil {
			found, err := getRoom(tx, domain.RoomID(id))
			room = found
			return err
		}

		room = &domain.Room{
			ID:        domain.RoomID(uuid.New().String()),
			Name:      name,
			CreatedBy: creator,
			CreatedAt: time.Now().UTC(),
		}
		data, err := json.Marshal(room)
		if err != nil {
			return err
		}
		if err := tx.Bucket(roomsBucket).Put([]byte(room.ID), data); err != nil {
			return err
		}
		return names.Put([]byte(name), []byte(room.ID))
	})
	if err != nil {
		return nil, fmt.Errorf("get or create room %s: %w", name, err)
	}
	return room, nil
}

func (r *RoomRepository) GetByName(ctx context.Context, name string) (*domain.Room, error) {
	var room *domain.Room
	err := r.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(roomNameBucket).Get([]byte(name))
		if id == nil {
			return domain.ErrRoomNotFound
		}
		found, err := getRoom(tx, domain.RoomID(id))
		room = found
		return err
	})
	return room, err
}

func (r *RoomRepository) GetByID(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	var room *domain.Room
	err := r.db.View(func(tx *bolt.Tx) error {
		found, err := getRoom(tx, id)
		room = found
		return err
	})
	return room, err
}

func getRoom(tx *bolt.Tx, id domain.RoomID) (*domain.Room, error) {
	data := tx.Bucket(roomsBucket).Get([]byte(id))
	if data == nil {
		return nil, domain.ErrRoomNotFound
	}
	var room domain.Room
	if err := json.Unmarshal(data, &room); err != nil {
		return nil, fmt.Errorf("decode room: %w", err)
	}
	return &room, nil
}

type MessageRepository struct {
	db *bolt.DB
}

// Append stores msg under the next sequence number of its room bucket, so
// cursor order is creation order.
func (r *MessageRepository) Append(ctx context.Context, msg *domain.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		room, err := tx.Bucket(messagesBucket).CreateBucketIfNotExists([]byte(msg.RoomID))
		if err != nil {
			return err
		}
		seq, err := room.NextSequence()
		if err != nil {
			return err
		}
		return room.Put(seqKey(seq), data)
	})
}

func (r *MessageRepository) ListByRoom(ctx context.Context, roomID domain.RoomID, limit int) ([]*domain.Message, error) {
	var messages []*domain.Message
	err := r.db.View(func(tx *bolt.Tx) error {
		room := tx.Bucket(messagesBucket).Bucket([]byte(roomID))
		if room == nil {
			return nil
		}

		// Walk backwards from the newest entry, then restore creation order.
		c := room.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(messages) == limit {
				break
			}
			var msg domain.Message
			if err := json.Unmarshal(v, &msg); err != nil {
				return fmt.Errorf("decode message: %w", err)
			}
			messages = append(messages, &msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	if messages == nil {
		messages = []*domain.Message{}
	}
	return messages, nil
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
