package service

import (
	"runtime"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-battle-api/internal/observability"
)

const defaultSendBuffer = 32

// BattleClient is one connection registered in a room. Frames queued for it
// are delivered in order through Outbound.
type BattleClient struct {
	id       string
	identity Identity
	send     chan []byte
	closed   chan struct{}
	once     sync.Once
}

// NewBattleClient creates a client with an outbound queue of bufferSize frames.
func NewBattleClient(identity Identity, bufferSize int) *BattleClient {
	if bufferSize <= 0 {
		bufferSize = defaultSendBuffer
	}
	return &BattleClient{
		id:       uuid.NewString(),
		identity: identity,
		send:     make(chan []byte, bufferSize),
		closed:   make(chan struct{}),
	}
}

// ID returns the connection handle.
func (c *BattleClient) ID() string { return c.id }

// Identity returns who the connection acts as.
func (c *BattleClient) Identity() Identity { return c.identity }

// Outbound yields frames queued for the client.
func (c *BattleClient) Outbound() <-chan []byte { return c.send }

// Done is closed once the client has been shut down.
func (c *BattleClient) Done() <-chan struct{} { return c.closed }

// Close marks the client closed. Queued frames are no longer delivered.
func (c *BattleClient) Close() {
	c.once.Do(func() {
		close(c.closed)
	})
}

// enqueue never blocks: a full queue or a closed client drops the frame.
func (c *BattleClient) enqueue(payload []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}

	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

type battleRoom struct {
	key     string
	mu      sync.RWMutex
	members map[*BattleClient]struct{}
	active  bool
	closed  bool
}

// BattleHub is the in-process room registry and broadcast bus. The hub lock
// only guards the room map; membership changes are serialised per room.
type BattleHub struct {
	mu    sync.RWMutex
	rooms map[string]*battleRoom
	log   zerolog.Logger
}

// NewBattleHub creates an empty hub.
func NewBattleHub(logger zerolog.Logger) *BattleHub {
	return &BattleHub{
		rooms: make(map[string]*battleRoom),
		log:   logger.With().Str("component", "battle_hub").Logger(),
	}
}

// Join adds the client to roomKey, creating the room on first join.
func (h *BattleHub) Join(roomKey string, client *BattleClient) {
	for {
		room := h.roomFor(roomKey)

		room.mu.Lock()
		if room.closed {
			// lost a race with the last leave; the map entry is gone or replaced
			room.mu.Unlock()
			runtime.Gosched()
			continue
		}
		room.members[client] = struct{}{}
		size := len(room.members)
		room.mu.Unlock()

		h.log.Debug().Str("room", roomKey).Str("connection_id", client.id).Int("members", size).Msg("battle client joined")
		return
	}
}

func (h *BattleHub) roomFor(roomKey string) *battleRoom {
	h.mu.RLock()
	room, ok := h.rooms[roomKey]
	h.mu.RUnlock()
	if ok {
		return room
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok = h.rooms[roomKey]; ok {
		return room
	}
	room = &battleRoom{
		key:     roomKey,
		members: make(map[*BattleClient]struct{}),
		active:  true,
	}
	h.rooms[roomKey] = room
	observability.BattleRooms().Inc()
	return room
}

func (h *BattleHub) lookup(roomKey string) (*battleRoom, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	room, ok := h.rooms[roomKey]
	return room, ok
}

// Leave removes the client from roomKey. The room is discarded with its last member.
func (h *BattleHub) Leave(roomKey string, client *BattleClient) {
	room, ok := h.lookup(roomKey)
	if !ok {
		return
	}

	room.mu.Lock()
	delete(room.members, client)
	empty := len(room.members) == 0 && !room.closed
	if empty {
		room.closed = true
	}
	room.mu.Unlock()

	h.log.Debug().Str("room", roomKey).Str("connection_id", client.id).Msg("battle client left")

	if !empty {
		return
	}

	h.mu.Lock()
	if current, ok := h.rooms[roomKey]; ok && current == room {
		delete(h.rooms, roomKey)
		observability.BattleRooms().Dec()
	}
	h.mu.Unlock()
	h.log.Debug().Str("room", roomKey).Msg("battle room discarded")
}

// Members returns the clients currently in roomKey.
func (h *BattleHub) Members(roomKey string) []*BattleClient {
	room, ok := h.lookup(roomKey)
	if !ok {
		return nil
	}

	room.mu.RLock()
	defer room.mu.RUnlock()
	members := make([]*BattleClient, 0, len(room.members))
	for client := range room.members {
		members = append(members, client)
	}
	return members
}

// Broadcast queues payload for every client in roomKey at call time. A client
// that cannot take the frame is skipped; the rest still receive it. It returns
// the number of clients the frame was queued for.
func (h *BattleHub) Broadcast(roomKey, frameType string, payload []byte) int {
	room, ok := h.lookup(roomKey)
	if !ok {
		return 0
	}

	room.mu.RLock()
	defer room.mu.RUnlock()

	delivered := 0
	for client := range room.members {
		if client.enqueue(payload) {
			delivered++
			continue
		}
		observability.BattleDropped().WithLabelValues(frameType).Inc()
		h.log.Warn().Str("room", roomKey).Str("connection_id", client.id).Str("type", frameType).Msg("dropping battle frame for slow client")
	}
	return delivered
}

// Send queues payload for a single client.
func (h *BattleHub) Send(client *BattleClient, frameType string, payload []byte) bool {
	if client.enqueue(payload) {
		return true
	}
	observability.BattleDropped().WithLabelValues(frameType).Inc()
	h.log.Warn().Str("connection_id", client.id).Str("type", frameType).Msg("dropping battle frame for slow client")
	return false
}

// Finish claims the win for roomKey. Only the first caller while the room is
// active gets true.
func (h *BattleHub) Finish(roomKey string) bool {
	room, ok := h.lookup(roomKey)
	if !ok {
		return false
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	if !room.active {
		return false
	}
	room.active = false
	return true
}

// Active reports whether roomKey exists and has no winner yet.
func (h *BattleHub) Active(roomKey string) bool {
	room, ok := h.lookup(roomKey)
	if !ok {
		return false
	}
	room.mu.RLock()
	defer room.mu.RUnlock()
	return room.active
}

// RoomSnapshot is the observable state of a live room.
type RoomSnapshot struct {
	Room    string
	Members []Identity
	Active  bool
}

// Snapshot returns the state of roomKey, sorted by display name.
func (h *BattleHub) Snapshot(roomKey string) (RoomSnapshot, bool) {
	room, ok := h.lookup(roomKey)
	if !ok {
		return RoomSnapshot{}, false
	}

	room.mu.RLock()
	snapshot := RoomSnapshot{
		Room:    roomKey,
		Members: make([]Identity, 0, len(room.members)),
		Active:  room.active,
	}
	for client := range room.members {
		snapshot.Members = append(snapshot.Members, client.identity)
	}
	room.mu.RUnlock()

	sort.Slice(snapshot.Members, func(i, j int) bool {
		return snapshot.Members[i].DisplayName() < snapshot.Members[j].DisplayName()
	})
	return snapshot, true
}
