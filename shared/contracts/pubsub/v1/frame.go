package v1

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MaxFrameEntries bounds how many newline-delimited entries a single frame may carry.
const MaxFrameEntries = 256

// EncodeCommands encodes commands as a newline-delimited JSON frame.
func EncodeCommands(cmds ...Command) ([]byte, error) {
	return encodeLines(len(cmds), func(i int) any { return cmds[i] })
}

// EncodeReplies encodes replies as a newline-delimited JSON frame.
func EncodeReplies(replies ...Reply) ([]byte, error) {
	return encodeLines(len(replies), func(i int) any { return replies[i] })
}

// DecodeCommands decodes a frame sent by a client.
func DecodeCommands(frame []byte) ([]Command, error) {
	var out []Command
	err := decodeLines(frame, func(line []byte) error {
		var c Command
		if err := json.Unmarshal(line, &c); err != nil {
			return err
		}
		out = append(out, c)
		return nil
	})
	return out, err
}

// DecodeReplies decodes a frame sent by the broker.
func DecodeReplies(frame []byte) ([]Reply, error) {
	var out []Reply
	err := decodeLines(frame, func(line []byte) error {
		var r Reply
		if err := json.Unmarshal(line, &r); err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

func encodeLines(n int, at func(int) any) ([]byte, error) {
	if n == 0 {
		return nil, fmt.Errorf("empty frame")
	}
	var buf bytes.Buffer
	for i := 0; i < n; i++ {
		b, err := json.Marshal(at(i))
		if err != nil {
			return nil, err
		}
		if i > 0 {
			buf.WriteByte('\n')
		}
		buf.Write(b)
	}
	return buf.Bytes(), nil
}

func decodeLines(frame []byte, fn func([]byte) error) error {
	count := 0
	for _, line := range bytes.Split(frame, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		count++
		if count > MaxFrameEntries {
			return fmt.Errorf("frame exceeds %d entries", MaxFrameEntries)
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	if count == 0 {
		return fmt.Errorf("empty frame")
	}
	return nil
}
