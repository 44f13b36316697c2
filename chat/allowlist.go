package chat

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// channelIDLength is the length of the numeric channel id prefix of an
// allow-list line
const channelIDLength = 18

// Allowlist is the set of channels the bot responds in. A nil Allowlist
// allows every channel.
type Allowlist struct {
	channels map[string]struct{}
}

// LoadAllowlist reads one channel id per line from path. Only the leading
// 18 digits of a line are used and lines without them are skipped. An
// empty path allows every channel.
func LoadAllowlist(path string) (*Allowlist, error) {
	if path == "" {
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open allowlist: %w", err)
	}
	defer f.Close()

	list := &Allowlist{channels: make(map[string]struct{})}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if id, ok := parseChannelID(scanner.Text()); ok {
			list.channels[id] = struct{}{}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read allowlist: %w", err)
	}
	return list, nil
}

// NewAllowlist creates an allow-list of the given channel ids
func NewAllowlist(ids ...string) *Allowlist {
	list := &Allowlist{channels: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		list.channels[id] = struct{}{}
	}
	return list
}

// Allowed reports whether the bot responds in channelID
func (l *Allowlist) Allowed(channelID string) bool {
	if l == nil {
		return true
	}
	_, ok := l.channels[channelID]
	return ok
}

// Len returns the number of allowed channels
func (l *Allowlist) Len() int {
	if l == nil {
		return 0
	}
	return len(l.channels)
}

func parseChannelID(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if len(line) < channelIDLength {
		return "", false
	}
	id := line[:channelIDLength]
	for _, c := range id {
		if c < '0' || c > '9' {
			return "", false
		}
	}
	return id, true
}
