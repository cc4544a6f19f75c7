package bus

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/panyeroa1/realtime-orbit/internal/types"
)

// System control messages are multiplexed over the conversational
// channel using reserved text prefixes. Sharing the channel keeps a
// single total order per session: a knock is ordered consistently with
// the conversation around it.
const (
	knockPrefix = "__SYSTEM_KNOCK__:"
	admitPrefix = "__SYSTEM_ADMIT__:"
)

// ControlKind discriminates control messages.
type ControlKind int

const (
	ControlNone ControlKind = iota
	ControlKnock
	ControlAdmit
)

// Control is a parsed system control message.
type Control struct {
	Kind   ControlKind
	Guest  types.User // Set for ControlKnock
	UserID string     // Set for ControlAdmit
}

// KnockText builds the knock control text for a guest requesting
// admission.
func KnockText(guest types.User) (string, error) {
	data, err := json.Marshal(guest)
	if err != nil {
		return "", fmt.Errorf("marshal guest: %w", err)
	}
	return knockPrefix + string(data), nil
}

// AdmitText builds the admit control text for an admitted guest id.
func AdmitText(userID string) string {
	return admitPrefix + userID
}

// ParseControl recognizes control text. Returns ok=false for
// conversational text. A knock with an unparseable payload is dropped
// as a control (ok=true, Kind=ControlNone): it must not leak into the
// conversation.
func ParseControl(text string) (Control, bool) {
	switch {
	case strings.HasPrefix(text, knockPrefix):
		var guest types.User
		if err := json.Unmarshal([]byte(strings.TrimPrefix(text, knockPrefix)), &guest); err != nil {
			return Control{}, true
		}
		return Control{Kind: ControlKnock, Guest: guest}, true
	case strings.HasPrefix(text, admitPrefix):
		return Control{Kind: ControlAdmit, UserID: strings.TrimPrefix(text, admitPrefix)}, true
	default:
		return Control{}, false
	}
}
