package display

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// pushScript moves the current entry to the head of the history list, trims
// the list and stores the new current entry in one atomic step. A sequenced
// entry at or below the stored seq of its session is skipped; an entry from
// another session clears the panel first.
var pushScript = redis.NewScript(`
	local current_key = KEYS[1]
	local history_key = KEYS[2]
	local mark_key = KEYS[3]
	local limit = tonumber(ARGV[2])
	local seq = tonumber(ARGV[3])
	local session = ARGV[4]

	if seq > 0 then
		if redis.call('HGET', mark_key, 'session') ~= session then
			redis.call('DEL', current_key, history_key)
			redis.call('HSET', mark_key, 'session', session)
		elseif tonumber(redis.call('HGET', mark_key, 'seq') or '0') >= seq then
			return 0
		end
		redis.call('HSET', mark_key, 'seq', seq)
	end

	local previous = redis.call('GET', current_key)
	if previous then
		redis.call('LPUSH', history_key, previous)
		redis.call('LTRIM', history_key, 0, limit - 1)
	end
	redis.call('SET', current_key, ARGV[1])
	return 1
`)

// RedisFeed shares the panel between every process serving the same prefix.
// Each process relays the same events, so pushes are applied once per seq.
type RedisFeed struct {
	client     *redis.Client
	currentKey string
	historyKey string
	markKey    string
}

func NewRedisFeed(client *redis.Client, prefix string) *RedisFeed {
	if prefix == "" {
		prefix = "cidade:panel"
	}
	return &RedisFeed{
		client:     client,
		currentKey: prefix + ":current",
		historyKey: prefix + ":history",
		markKey:    prefix + ":seq",
	}
}

func (f *RedisFeed) Push(ctx context.Context, entry Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := pushScript.Run(ctx, f.client, []string{f.currentKey, f.historyKey, f.markKey}, string(raw), HistorySize, entry.Seq, entry.Session).Err(); err != nil {
		return fmt.Errorf("display: push: %w", err)
	}
	return nil
}

func (f *RedisFeed) Board(ctx context.Context) (Board, error) {
	pipe := f.client.Pipeline()
	currentCmd := pipe.Get(ctx, f.currentKey)
	historyCmd := pipe.LRange(ctx, f.historyKey, 0, HistorySize-1)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Board{}, fmt.Errorf("display: board: %w", err)
	}

	board := Board{History: []Entry{}}
	if raw, err := currentCmd.Result(); err == nil {
		var current Entry
		if err := json.Unmarshal([]byte(raw), &current); err != nil {
			return Board{}, fmt.Errorf("display: decode current: %w", err)
		}
		board.Current = &current
	} else if !errors.Is(err, redis.Nil) {
		return Board{}, fmt.Errorf("display: board: %w", err)
	}

	for _, raw := range historyCmd.Val() {
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return Board{}, fmt.Errorf("display: decode history: %w", err)
		}
		board.History = append(board.History, entry)
	}
	return board, nil
}

// Reset clears the panel and its seq mark.
func (f *RedisFeed) Reset(ctx context.Context) error {
	return f.client.Del(ctx, f.currentKey, f.historyKey, f.markKey).Err()
}
