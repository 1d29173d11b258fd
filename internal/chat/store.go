// Package chat holds the ordered conversation log.
package chat

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/saker-ai/concierge/internal/protocol"
)

// ErrProtocolState is returned when a streaming update has no matching turn.
var ErrProtocolState = errors.New("chat: no turn in matching state")

// Status is the lifecycle state of a turn.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusStreaming Status = "streaming"
	StatusDone      Status = "done"
	StatusVoice     Status = "voice"
)

// Side identifies who spoke.
type Side string

const (
	SideUser      Side = "user"
	SideAssistant Side = "assistant"
)

// Turn is one entry in the conversation.
type Turn struct {
	Name    string `json:"name"`
	Avatar  string `json:"avatar,omitempty"`
	Image   string `json:"image,omitempty"`
	Message string `json:"message"`
	Status  Status `json:"status"`
	Type    Side   `json:"type"`
}

// ImageCache releases cached image blobs.
type ImageCache interface {
	Remove(ref string)
}

// Store is the single writer of turn history. Only the last turn may be
// waiting or streaming.
type Store struct {
	images ImageCache

	mu           sync.Mutex
	threadID     string
	turns        []Turn
	message      string
	currentImage string
}

// NewStore creates an empty store with a fresh thread id.
func NewStore(images ImageCache) *Store {
	return &Store{
		images:   images,
		threadID: uuid.NewString(),
	}
}

// ThreadID returns the active thread.
func (s *Store) ThreadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threadID
}

// SetThreadID switches the active thread.
func (s *Store) SetThreadID(id string) {
	s.mu.Lock()
	s.threadID = id
	s.mu.Unlock()
}

// Turns returns a copy of the ordered turn sequence.
func (s *Store) Turns() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// Snapshot returns the active thread and a copy of its turns, read together.
func (s *Store) Snapshot() (string, []Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return s.threadID, out
}

// Messages returns the history in the shape replayed to the assistant.
func (s *Store) Messages() []protocol.SimpleMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.SimpleMessage, 0, len(s.turns))
	for _, turn := range s.turns {
		out = append(out, protocol.SimpleMessage{Name: turn.Name, Text: turn.Message})
	}
	return out
}

// StartAssistantMessage appends an empty waiting assistant turn.
func (s *Store) StartAssistantMessage(name, avatar, image string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.freezeOpenLocked()
	s.turns = append(s.turns, Turn{
		Name:   name,
		Avatar: avatar,
		Image:  image,
		Status: StatusWaiting,
		Type:   SideAssistant,
	})
}

// StreamAssistantMessage replaces the text of the open assistant turn with
// chunk. Senders must send cumulative text.
func (s *Store) StreamAssistantMessage(chunk string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	last := s.lastLocked()
	if last == nil || last.Type != SideAssistant {
		return ErrProtocolState
	}
	switch last.Status {
	case StatusWaiting, StatusStreaming:
		last.Message = chunk
		last.Status = StatusStreaming
		return nil
	default:
		return ErrProtocolState
	}
}

// CompleteAssistantMessage freezes the streaming turn without changing its text.
func (s *Store) CompleteAssistantMessage() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	last := s.lastLocked()
	if last == nil || last.Type != SideAssistant || last.Status != StatusStreaming {
		return ErrProtocolState
	}
	last.Status = StatusDone
	return nil
}

// AddAssistantMessage appends a finished assistant turn.
func (s *Store) AddAssistantMessage(name, message, avatar, image string) {
	s.appendTurn(Turn{
		Name:    name,
		Avatar:  avatar,
		Image:   image,
		Message: message,
		Status:  StatusDone,
		Type:    SideAssistant,
	})
}

// AddVoiceMessage appends a turn transcribed or spoken on a call.
func (s *Store) AddVoiceMessage(side Side, name, message string) {
	s.appendTurn(Turn{
		Name:    name,
		Message: message,
		Status:  StatusVoice,
		Type:    side,
	})
}

// SetMessage sets the draft text.
func (s *Store) SetMessage(message string) {
	s.mu.Lock()
	s.message = message
	s.mu.Unlock()
}

// SetCurrentImage attaches an image reference to the draft.
func (s *Store) SetCurrentImage(ref string) {
	s.mu.Lock()
	s.currentImage = ref
	s.mu.Unlock()
}

// Draft returns the pending text and image.
func (s *Store) Draft() (message, image string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.message, s.currentImage
}

// SendMessage turns the draft into a user turn. It returns false and changes
// nothing when the draft is empty.
func (s *Store) SendMessage(name, avatar string) (Turn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.message == "" {
		return Turn{}, false
	}
	turn := Turn{
		Name:    name,
		Avatar:  avatar,
		Image:   s.currentImage,
		Message: s.message,
		Status:  StatusDone,
		Type:    SideUser,
	}
	s.freezeOpenLocked()
	s.turns = append(s.turns, turn)
	s.message = ""
	s.currentImage = ""
	return turn, true
}

// SendFullMessage appends a prepared turn and clears the draft. Turns
// without text are ignored.
func (s *Store) SendFullMessage(turn Turn) bool {
	if turn.Message == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.freezeOpenLocked()
	s.turns = append(s.turns, turn)
	s.message = ""
	s.currentImage = ""
	return true
}

// Restore replaces the log with a persisted transcript.
func (s *Store) Restore(threadID string, turns []Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if threadID != "" {
		s.threadID = threadID
	}
	s.turns = append([]Turn(nil), turns...)
	for i := range s.turns {
		if s.turns[i].Status == StatusWaiting || s.turns[i].Status == StatusStreaming {
			s.turns[i].Status = StatusDone
		}
	}
}

// Reset releases every cached image once, discards all turns and the draft
// and starts a new thread. It returns the previous thread id.
func (s *Store) Reset() string {
	s.mu.Lock()
	previous := s.threadID
	seen := make(map[string]struct{})
	var refs []string
	collect := func(ref string) {
		if ref == "" {
			return
		}
		if _, ok := seen[ref]; ok {
			return
		}
		seen[ref] = struct{}{}
		refs = append(refs, ref)
	}
	for _, turn := range s.turns {
		collect(turn.Image)
	}
	collect(s.currentImage)
	s.turns = nil
	s.message = ""
	s.currentImage = ""
	s.threadID = uuid.NewString()
	s.mu.Unlock()

	if s.images != nil {
		for _, ref := range refs {
			s.images.Remove(ref)
		}
	}
	return previous
}

func (s *Store) appendTurn(turn Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.freezeOpenLocked()
	s.turns = append(s.turns, turn)
}

// freezeOpenLocked closes a dangling waiting or streaming turn so that only
// the newest turn can be open.
func (s *Store) freezeOpenLocked() {
	last := s.lastLocked()
	if last == nil {
		return
	}
	if last.Status == StatusWaiting || last.Status == StatusStreaming {
		last.Status = StatusDone
	}
}

func (s *Store) lastLocked() *Turn {
	if len(s.turns) == 0 {
		return nil
	}
	return &s.turns[len(s.turns)-1]
}
