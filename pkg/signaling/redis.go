package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/stv0g/pion-mesh/pkg"
)

const (
	redisKeyPrefix = "mesh"
	redisKeyTTL    = 9 * time.Second
	redisKeepAlive = redisKeyTTL / 3
)

// MemberKey holds the display name of a participant while it is present.
// The key expires unless refreshed, so crashed participants disappear.
func MemberKey(room string, id pkg.ParticipantID) string {
	return fmt.Sprintf("%s/%s/member/%s", redisKeyPrefix, room, id)
}

func memberPattern(room string) string {
	return fmt.Sprintf("%s/%s/member/*", redisKeyPrefix, room)
}

// RoomChannel carries broadcasts and presence change notifications.
func RoomChannel(room string) string {
	return fmt.Sprintf("%s/%s/room", redisKeyPrefix, room)
}

// InboxChannel carries envelopes targeted at a single participant.
func InboxChannel(room string, id pkg.ParticipantID) string {
	return fmt.Sprintf("%s/%s/inbox/%s", redisKeyPrefix, room, id)
}

// RedisLink uses Redis pub/sub as relay. Presence is derived from the
// member keys of the room.
type RedisLink struct {
	*Mux

	client redis.UniversalClient
	room   string
	member pkg.Member
	pubsub *redis.PubSub
	log    *logrus.Entry

	cancel context.CancelFunc
	done   chan struct{}
}

// DialRedis joins room. An empty participant id is replaced by a random one.
func DialRedis(ctx context.Context, client redis.UniversalClient, room string, member pkg.Member, log *logrus.Entry, tags ...string) (*RedisLink, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	if member.ParticipantID == "" {
		member.ParticipantID = pkg.ParticipantID(uuid.NewString())
	}

	id := member.ParticipantID

	ok, err := client.SetNX(ctx, MemberKey(room, id), member.DisplayName, redisKeyTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to register participant: %w", err)
	} else if !ok {
		return nil, ErrDuplicateParticipant
	}

	pubsub := client.Subscribe(ctx, RoomChannel(room), InboxChannel(room, id))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		client.Del(ctx, MemberKey(room, id))
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	l := &RedisLink{
		client: client,
		room:   room,
		member: member,
		pubsub: pubsub,
		log: log.WithFields(logrus.Fields{
			"participant": id,
			"room":        room,
		}),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	l.Mux = NewMux(l, id, l.log, tags...)

	if err := l.refresh(ctx); err != nil {
		l.log.WithError(err).Warn("Failed to load presence")
	}

	if err := l.announce(ctx); err != nil {
		l.log.WithError(err).Warn("Failed to announce presence")
	}

	go l.run(runCtx)

	return l, nil
}

func (l *RedisLink) Publish(ctx context.Context, env pkg.Envelope) error {
	env.Sender = l.member.ParticipantID

	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	channel := RoomChannel(l.room)
	if env.Target != "" {
		channel = InboxChannel(l.room, env.Target)
	}

	return l.client.Publish(ctx, channel, data).Err()
}

// announce tells the room to reload the presence.
func (l *RedisLink) announce(ctx context.Context) error {
	return l.Publish(ctx, pkg.Envelope{
		Presence: &pkg.Presence{},
	})
}

func (l *RedisLink) refresh(ctx context.Context) error {
	keys := []string{}

	iter := l.client.Scan(ctx, 0, memberPattern(l.room), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}

	var names []interface{}
	if len(keys) > 0 {
		var err error
		if names, err = l.client.MGet(ctx, keys...).Result(); err != nil {
			return err
		}
	}

	l.Mux.Dispatch(pkg.Envelope{
		Presence: &pkg.Presence{
			Self:    l.member.ParticipantID,
			Members: membersFromKeys(l.room, keys, names),
		},
	})

	return nil
}

// membersFromKeys turns member keys and their values into a roster sorted
// by id. Keys which expired between SCAN and MGET have a nil value and are
// skipped.
func membersFromKeys(room string, keys []string, names []interface{}) []pkg.Member {
	prefix := strings.TrimSuffix(memberPattern(room), "*")

	ms := []pkg.Member{}
	for i, key := range keys {
		if i >= len(names) || names[i] == nil {
			continue
		}

		id := strings.TrimPrefix(key, prefix)
		if id == key || id == "" {
			continue
		}

		name, _ := names[i].(string)

		ms = append(ms, pkg.Member{
			ParticipantID: pkg.ParticipantID(id),
			DisplayName:   name,
		})
	}

	sort.Slice(ms, func(i, j int) bool {
		return ms[i].ParticipantID.Less(ms[j].ParticipantID)
	})

	return ms
}

func (l *RedisLink) run(ctx context.Context) {
	defer close(l.done)
	defer l.Mux.Close()

	ticker := time.NewTicker(redisKeepAlive)
	defer ticker.Stop()

	msgs := l.pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-msgs:
			if !ok {
				return
			}

			var env pkg.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				l.log.WithError(err).Warn("Dropping malformed envelope")
				continue
			}

			if env.Presence != nil {
				if err := l.refresh(ctx); err != nil {
					l.log.WithError(err).Warn("Failed to load presence")
				}
				continue
			}

			l.Mux.Dispatch(env)

		case <-ticker.C:
			if err := l.client.Expire(ctx, MemberKey(l.room, l.member.ParticipantID), redisKeyTTL).Err(); err != nil {
				l.log.WithError(err).Warn("Failed to refresh presence")
			}

			// Picks up members whose keys expired.
			if err := l.refresh(ctx); err != nil {
				l.log.WithError(err).Warn("Failed to load presence")
			}
		}
	}
}

// Close leaves the room. The Redis client stays open.
func (l *RedisLink) Close() error {
	l.Mux.Close()
	l.cancel()
	<-l.done

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := l.client.Del(ctx, MemberKey(l.room, l.member.ParticipantID)).Err(); err != nil {
		l.log.WithError(err).Warn("Failed to remove presence")
	}

	if err := l.announce(ctx); err != nil {
		l.log.WithError(err).Warn("Failed to announce departure")
	}

	return l.pubsub.Close()
}
