package relay

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

// MaxUsernameLength bounds the username accepted by Connect, in characters.
const MaxUsernameLength = 64

var validate = validator.New()

// ConnID identifies one live connection. The server mints one UUID per socket.
type ConnID string

// Session is one live client connection and its bound username.
type Session struct {
	ID          ConnID
	Username    string
	ConnectedAt time.Time

	sink Sink
}

// Roster maps connection ids to usernames. It encodes as a JSON object, which
// is the shape clients expect in receiveNewUser.
type Roster map[ConnID]string

// Usernames returns the roster's usernames in no particular order.
func (r Roster) Usernames() []string {
	return lo.Values(r)
}

// ChatMessage is the transient value fanned out for every SendMessage.
type ChatMessage struct {
	ID       uuid.UUID
	Username string
	Text     string
}

// NormalizeUsername trims the requested username and checks it against the
// relay's rules. The returned error wraps ErrInvalidUsername.
func NormalizeUsername(requested string) (string, error) {
	username := strings.TrimSpace(requested)
	if err := validate.Var(username, fmt.Sprintf("required,max=%d", MaxUsernameLength)); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidUsername, requested)
	}
	return username, nil
}
