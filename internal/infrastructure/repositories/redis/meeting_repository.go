package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"meetline/internal/core/domain"
	"meetline/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const maxTxRetries = 5

var errTxConflict = errors.New("meeting changed concurrently")

// RedisMeetingRepository stores each meeting as a JSON document. A meeting left
// without members expires after emptyTTL; the index set is pruned lazily.
type RedisMeetingRepository struct {
	client   *redis.Client
	prefix   string
	emptyTTL time.Duration
}

func NewRedisMeetingRepository(client *redis.Client, emptyTTL time.Duration) ports.MeetingRepository {
	return &RedisMeetingRepository{
		client:   client,
		prefix:   "meetline:meeting:",
		emptyTTL: emptyTTL,
	}
}

func (r *RedisMeetingRepository) meetingKey(id domain.MeetingID) string {
	return r.prefix + string(id)
}

func (r *RedisMeetingRepository) indexKey() string {
	return r.prefix + "index"
}

func (r *RedisMeetingRepository) Create(ctx context.Context, meeting *domain.RelayMeeting) error {
	data, err := json.Marshal(meeting)
	if err != nil {
		return fmt.Errorf("failed to marshal meeting: %w", err)
	}

	created, err := r.client.SetNX(ctx, r.meetingKey(meeting.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to set meeting in Redis: %w", err)
	}
	if !created {
		return domain.ErrMeetingExists
	}

	if err := r.client.SAdd(ctx, r.indexKey(), string(meeting.ID)).Err(); err != nil {
		return fmt.Errorf("failed to index meeting: %w", err)
	}
	return nil
}

func (r *RedisMeetingRepository) Get(ctx context.Context, id domain.MeetingID) (*domain.RelayMeeting, error) {
	data, err := r.client.Get(ctx, r.meetingKey(id)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrMeetingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get meeting from Redis: %w", err)
	}

	var meeting domain.RelayMeeting
	if err := json.Unmarshal(data, &meeting); err != nil {
		return nil, fmt.Errorf("failed to unmarshal meeting: %w", err)
	}
	return &meeting, nil
}

func (r *RedisMeetingRepository) AddMember(ctx context.Context, id domain.MeetingID, member domain.Participant) (*domain.RelayMeeting, error) {
	return r.update(ctx, id, func(m *domain.RelayMeeting) {
		if _, ok := m.Member(member.PeerID); !ok {
			m.Members = append(m.Members, member)
		}
	})
}

func (r *RedisMeetingRepository) RemoveMember(ctx context.Context, id domain.MeetingID, peerID domain.PeerID) (*domain.RelayMeeting, error) {
	return r.update(ctx, id, func(m *domain.RelayMeeting) {
		members := m.Members[:0]
		for _, p := range m.Members {
			if p.PeerID != peerID {
				members = append(members, p)
			}
		}
		m.Members = members
	})
}

// update applies fn under WATCH so concurrent relays never lose a member change.
func (r *RedisMeetingRepository) update(ctx context.Context, id domain.MeetingID, fn func(*domain.RelayMeeting)) (*domain.RelayMeeting, error) {
	key := r.meetingKey(id)
	var result *domain.RelayMeeting

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return domain.ErrMeetingNotFound
		}
		if err != nil {
			return err
		}

		var meeting domain.RelayMeeting
		if err := json.Unmarshal(data, &meeting); err != nil {
			return fmt.Errorf("failed to unmarshal meeting: %w", err)
		}
		fn(&meeting)

		updated, err := json.Marshal(&meeting)
		if err != nil {
			return fmt.Errorf("failed to marshal meeting: %w", err)
		}

		var ttl time.Duration
		if len(meeting.Members) == 0 {
			ttl = r.emptyTTL
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, ttl)
			return nil
		})
		if err == nil {
			result = &meeting
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, domain.ErrMeetingNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to update meeting in Redis: %w", err)
	}
	return nil, errTxConflict
}

func (r *RedisMeetingRepository) Delete(ctx context.Context, id domain.MeetingID) error {
	if err := r.client.SRem(ctx, r.indexKey(), string(id)).Err(); err != nil {
		return fmt.Errorf("failed to remove meeting from index: %w", err)
	}

	deleted, err := r.client.Del(ctx, r.meetingKey(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete meeting from Redis: %w", err)
	}
	if deleted == 0 {
		return domain.ErrMeetingNotFound
	}
	return nil
}

func (r *RedisMeetingRepository) Count(ctx context.Context) (int, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list meetings from Redis: %w", err)
	}

	count := 0
	for _, id := range ids {
		exists, err := r.client.Exists(ctx, r.meetingKey(domain.MeetingID(id))).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to check meeting in Redis: %w", err)
		}
		if exists == 0 {
			// Expired after its last member dropped.
			r.client.SRem(ctx, r.indexKey(), id)
			continue
		}
		count++
	}
	return count, nil
}
