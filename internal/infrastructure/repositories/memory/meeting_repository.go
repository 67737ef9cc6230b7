package memory

import (
	"context"
	"sync"
	"time"

	"meetline/internal/core/domain"
	"meetline/internal/core/ports"
)

type meetingEntry struct {
	meeting   *domain.RelayMeeting
	emptiedAt time.Time
}

// MemoryMeetingRepository keeps meetings in process. Meetings left without members
// expire after emptyTTL.
type MemoryMeetingRepository struct {
	meetings map[domain.MeetingID]*meetingEntry
	emptyTTL time.Duration
	now      func() time.Time
	mu       sync.Mutex
}

func NewMemoryMeetingRepository(emptyTTL time.Duration) ports.MeetingRepository {
	return &MemoryMeetingRepository{
		meetings: make(map[domain.MeetingID]*meetingEntry),
		emptyTTL: emptyTTL,
		now:      time.Now,
	}
}

func (r *MemoryMeetingRepository) Create(ctx context.Context, meeting *domain.RelayMeeting) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expireLocked()

	if _, exists := r.meetings[meeting.ID]; exists {
		return domain.ErrMeetingExists
	}
	r.meetings[meeting.ID] = &meetingEntry{meeting: cloneMeeting(meeting)}
	return nil
}

func (r *MemoryMeetingRepository) Get(ctx context.Context, id domain.MeetingID) (*domain.RelayMeeting, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expireLocked()

	entry, exists := r.meetings[id]
	if !exists {
		return nil, domain.ErrMeetingNotFound
	}
	return cloneMeeting(entry.meeting), nil
}

func (r *MemoryMeetingRepository) AddMember(ctx context.Context, id domain.MeetingID, member domain.Participant) (*domain.RelayMeeting, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expireLocked()

	entry, exists := r.meetings[id]
	if !exists {
		return nil, domain.ErrMeetingNotFound
	}
	if _, ok := entry.meeting.Member(member.PeerID); !ok {
		entry.meeting.Members = append(entry.meeting.Members, member)
	}
	entry.emptiedAt = time.Time{}
	return cloneMeeting(entry.meeting), nil
}

func (r *MemoryMeetingRepository) RemoveMember(ctx context.Context, id domain.MeetingID, peerID domain.PeerID) (*domain.RelayMeeting, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expireLocked()

	entry, exists := r.meetings[id]
	if !exists {
		return nil, domain.ErrMeetingNotFound
	}
	members := entry.meeting.Members[:0]
	for _, m := range entry.meeting.Members {
		if m.PeerID != peerID {
			members = append(members, m)
		}
	}
	entry.meeting.Members = members
	if len(members) == 0 && entry.emptiedAt.IsZero() {
		entry.emptiedAt = r.now()
	}
	return cloneMeeting(entry.meeting), nil
}

func (r *MemoryMeetingRepository) Delete(ctx context.Context, id domain.MeetingID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.meetings[id]; !exists {
		return domain.ErrMeetingNotFound
	}
	delete(r.meetings, id)
	return nil
}

func (r *MemoryMeetingRepository) Count(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expireLocked()
	return len(r.meetings), nil
}

func (r *MemoryMeetingRepository) expireLocked() {
	if r.emptyTTL <= 0 {
		return
	}
	now := r.now()
	for id, entry := range r.meetings {
		if !entry.emptiedAt.IsZero() && now.Sub(entry.emptiedAt) >= r.emptyTTL {
			delete(r.meetings, id)
		}
	}
}

func cloneMeeting(m *domain.RelayMeeting) *domain.RelayMeeting {
	c := *m
	c.Members = append([]domain.Participant(nil), m.Members...)
	return &c
}
