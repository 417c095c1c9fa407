// Package batch splits named Bitrix24 sub-commands into groups that fit a
// single call to the portal's batch endpoint and dispatches those groups.
package batch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// DefaultLimit is the number of sub-commands the batch endpoint accepts per call.
const DefaultLimit = 50

var (
	// ErrInvalidLimit is returned when the group limit is not positive.
	ErrInvalidLimit = errors.New("batch limit must be positive")

	// ErrDuplicateKey is returned when two commands share a key.
	ErrDuplicateKey = errors.New("duplicate batch command key")

	// ErrEmptyKey is returned when a command has no key.
	ErrEmptyKey = errors.New("batch command key is empty")
)

// Command is one named sub-request, e.g. Key "lead" and Query "crm.lead.get?id=5".
type Command struct {
	Key   string
	Query string
}

// Commands is an ordered set of sub-requests keyed by Command.Key.
type Commands []Command

// NewCommand builds a command calling method with params encoded the way the
// batch endpoint expects.
func NewCommand(key, method string, params map[string]any) Command {
	query := EncodeQuery(params)
	if query == "" {
		return Command{Key: key, Query: method}
	}
	return Command{Key: key, Query: method + "?" + query}
}

// Keys returns the command keys in order.
func (c Commands) Keys() []string {
	keys := make([]string, len(c))
	for i, cmd := range c {
		keys[i] = cmd.Key
	}
	return keys
}

// Chunk partitions cmds into groups of at most limit commands, preserving
// order. Empty input yields an empty result.
func Chunk(cmds Commands, limit int) ([]Commands, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w (got %d)", ErrInvalidLimit, limit)
	}

	seen := make(map[string]struct{}, len(cmds))
	for _, cmd := range cmds {
		if cmd.Key == "" {
			return nil, ErrEmptyKey
		}
		if _, dup := seen[cmd.Key]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateKey, cmd.Key)
		}
		seen[cmd.Key] = struct{}{}
	}

	groups := make([]Commands, 0, (len(cmds)+limit-1)/limit)
	for start := 0; start < len(cmds); start += limit {
		end := min(start+limit, len(cmds))
		group := make(Commands, end-start)
		copy(group, cmds[start:end])
		groups = append(groups, group)
	}
	return groups, nil
}

// MarshalJSON encodes the commands as a JSON object whose members appear in
// slice order. The portal runs sub-commands in object order, which halt and
// $result[key] references depend on.
func (c Commands) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, cmd := range c {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(cmd.Key)
		if err != nil {
			return nil, err
		}
		query, err := json.Marshal(cmd.Query)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(query)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Payload returns the request parameters for one batch call. The "cmd"
// member is the group itself so it keeps its order on the wire.
func Payload(group Commands, halt bool) map[string]any {
	haltFlag := 0
	if halt {
		haltFlag = 1
	}
	return map[string]any{
		"halt": haltFlag,
		"cmd":  group,
	}
}
