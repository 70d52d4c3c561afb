/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisRetries = 16
	redisTTL     = 24 * time.Hour
)

type envelope struct {
	Version int64           `json:"version"`
	Doc     json.RawMessage `json:"doc,omitempty"`
	Deleted bool            `json:"deleted,omitempty"`
}

func (e envelope) snapshot(code string) *Snapshot {
	if e.Deleted {
		return &Snapshot{Code: code, Version: e.Version, Deleted: true}
	}

	return &Snapshot{Code: code, Version: e.Version, Data: e.Doc}
}

// Redis keeps each room under its own key and publishes every commit on a
// per-room channel inside the same MULTI block, so all server instances see
// one commit order. Keys left untouched for redisTTL expire; subscribers
// learn of that through Redis keyspace notifications.
type Redis struct {
	client *redis.Client
	db     int
}

func OpenRedis(ctx context.Context, addr string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	enableExpiryEvents(ctx, client)

	return &Redis{client: client, db: db}, nil
}

// enableExpiryEvents turns on expired-key notifications, keeping any flags
// already set. Servers that refuse CONFIG must be configured with
// notify-keyspace-events containing "Ex" by hand.
func enableExpiryEvents(ctx context.Context, client *redis.Client) {
	current, err := client.ConfigGet(ctx, "notify-keyspace-events").Result()
	if err != nil {
		return
	}

	flags := current["notify-keyspace-events"]
	want := flags
	if !strings.Contains(want, "E") {
		want += "E"
	}
	if !strings.Contains(want, "x") && !strings.Contains(want, "A") {
		want += "x"
	}
	if want != flags {
		_ = client.ConfigSet(ctx, "notify-keyspace-events", want).Err()
	}
}

func roomKey(code string) string {
	return "room:" + code
}

func roomChannel(code string) string {
	return "room:" + code + ":changes"
}

func (r *Redis) expiredChannel() string {
	return "__keyevent@" + strconv.Itoa(r.db) + "__:expired"
}

// getter is satisfied by both the client and a WATCH transaction.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *Redis) load(ctx context.Context, c getter, code string) (envelope, error) {
	var env envelope

	b, err := c.Get(ctx, roomKey(code)).Bytes()
	if errors.Is(err, redis.Nil) {
		return env, nil
	}
	if err != nil {
		return env, err
	}

	err = json.Unmarshal(b, &env)

	return env, err
}

func (r *Redis) commit(ctx context.Context, code string, o op) (result, error) {
	key := roomKey(code)

	for range redisRetries {
		var res result

		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			env, err := r.load(ctx, tx, code)
			if err != nil {
				return err
			}

			var raw []byte
			if len(env.Doc) > 0 {
				raw = env.Doc
			}

			next, applied, err := o.apply(raw)
			if err != nil {
				return err
			}

			res = applied
			if !res.changed {
				return nil
			}

			out := envelope{Version: env.Version + 1, Doc: next, Deleted: next == nil}
			msg, err := json.Marshal(out)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if next == nil {
					pipe.Del(ctx, key)
				} else {
					pipe.Set(ctx, key, msg, redisTTL)
				}
				pipe.Publish(ctx, roomChannel(code), msg)
				return nil
			})

			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}

		return res, err
	}

	return result{}, ErrConflict
}

func (r *Redis) Read(ctx context.Context, code string) (*Snapshot, error) {
	env, err := r.load(ctx, r.client, code)
	if err != nil {
		return nil, err
	}
	if len(env.Doc) == 0 {
		return nil, ErrNotFound
	}

	return env.snapshot(code), nil
}

func (r *Redis) Write(ctx context.Context, code, path string, value any) error {
	o, err := writeOp(path, value)
	if err != nil {
		return err
	}

	_, err = r.commit(ctx, code, o)

	return err
}

func (r *Redis) Update(ctx context.Context, code string, values map[string]any) error {
	o, err := updateOp(values)
	if err != nil {
		return err
	}

	_, err = r.commit(ctx, code, o)

	return err
}

func (r *Redis) CompareAndSet(ctx context.Context, code, path string, expected, value any) (bool, error) {
	o, err := compareAndSetOp(path, expected, value)
	if err != nil {
		return false, err
	}

	res, err := r.commit(ctx, code, o)

	return res.swapped, err
}

func (r *Redis) Increment(ctx context.Context, code, path string, delta int64) (int64, error) {
	o, err := incrementOp(path, delta)
	if err != nil {
		return 0, err
	}

	res, err := r.commit(ctx, code, o)

	return res.counter, err
}

func (r *Redis) Remove(ctx context.Context, code string) error {
	_, err := r.commit(ctx, code, removeOp())

	return err
}

func (r *Redis) Subscribe(ctx context.Context, code string, fn func(*Snapshot)) (func(), error) {
	ps := r.client.Subscribe(ctx, roomChannel(code), r.expiredChannel())
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	snap, err := r.Read(ctx, code)
	if err != nil {
		_ = ps.Close()
		return nil, err
	}

	sub := newSubscriber(fn)
	sub.push(snap)

	go func() {
		last := snap.Version

		for msg := range ps.Channel() {
			if msg.Channel != roomChannel(code) {
				if msg.Payload == roomKey(code) {
					last++
					sub.push(&Snapshot{Code: code, Version: last, Deleted: true})
				}
				continue
			}

			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				continue
			}
			last = env.Version
			sub.push(env.snapshot(code))
		}
	}()

	var once sync.Once

	return func() {
		once.Do(func() {
			_ = ps.Close()
			sub.stop()
		})
	}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
