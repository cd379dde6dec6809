package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
)

// MessageList holds payloads locally and advertises only their keys through
// a redis list. Consumers request a key and the holder pushes the payload.
// Supports multiple providers and a single consumer.
type MessageList struct {
	mu       sync.RWMutex
	messages map[BatchID]string
}

func NewMessageList() *MessageList {
	return &MessageList{
		messages: make(map[BatchID]string),
	}
}

// AddAdvertisement stores val as JSON and LPUSHes key onto listName.
// The trainer scans the list right to left.
func (ml *MessageList) AddAdvertisement(ctx context.Context, rdb *redis.Client, listName string, key BatchID, val any) error {
	raw, err := json.Marshal(val)
	if err != nil {
		return err
	}
	ml.mu.Lock()
	ml.messages[key] = string(raw)
	ml.mu.Unlock()
	return rdb.LPush(ctx, listName, string(key)).Err()
}

func (ml *MessageList) Get(key BatchID) (string, bool) {
	ml.mu.RLock()
	defer ml.mu.RUnlock()
	value, ok := ml.messages[key]
	return value, ok
}

func (ml *MessageList) Delete(key BatchID) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	delete(ml.messages, key)
}

func (ml *MessageList) Len() int {
	ml.mu.RLock()
	defer ml.mu.RUnlock()
	return len(ml.messages)
}
