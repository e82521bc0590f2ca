package archive

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	stampLayout = "Jan 2, 2006 3:04:05 PM"
	senderMe    = "Me"
)

// guidNamespace scopes GUIDs derived from transcript content.
var guidNamespace = uuid.MustParse("6f1c1e0a-4c1b-4f55-9a51-3f0f3f9f2d11")

var errNoMessages = errors.New("no messages recognized")

// ParseTranscript parses one exporter text transcript. Messages are blocks of
//
//	May 17, 2022  8:29:05 PM (Read by you after 1 minute)
//	+15558675309
//	message body, possibly several lines
//
// separated by blank lines; the sender line reads "Me" for outgoing messages.
// The transcript carries no message GUID, so one is derived from the chat,
// timestamp, sender, text and occurrence count, which keeps it stable across
// exports.
func ParseTranscript(chatID string, raw []byte, loc *time.Location) ([]Message, error) {
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		lines = append(lines, strings.TrimRight(sc.Text(), "\r"))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("sc.Scan failed: %w", err)
	}

	var (
		msgs      []Message
		cur       *Message
		body      []string
		prevBlank = true
		seen      = make(map[string]int)
	)

	flush := func() {
		if cur == nil {
			return
		}
		cur.Text = strings.TrimSpace(strings.Join(body, "\n"))
		key := fmt.Sprintf("%s\x00%d\x00%s\x00%s", chatID, cur.Timestamp.Unix(), cur.Sender, cur.Text)
		n := seen[key]
		seen[key] = n + 1
		cur.GUID = uuid.NewSHA1(guidNamespace, []byte(fmt.Sprintf("%s\x00%d", key, n))).String()
		msgs = append(msgs, *cur)
		cur, body = nil, nil
	}

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if prevBlank && i+1 < len(lines) && strings.TrimSpace(lines[i+1]) != "" {
			if ts, ok := parseStamp(line, loc); ok {
				flush()
				sender := strings.TrimSpace(lines[i+1])
				cur = &Message{
					Timestamp:      ts,
					IsFromMe:       sender == senderMe,
					ConversationID: chatID,
				}
				if !cur.IsFromMe {
					cur.Sender = sender
				}
				i++
				prevBlank = false
				continue
			}
		}
		if cur != nil {
			body = append(body, line)
		}
		prevBlank = strings.TrimSpace(line) == ""
	}
	flush()

	if len(msgs) == 0 && len(bytes.TrimSpace(raw)) > 0 {
		return nil, errNoMessages
	}

	return msgs, nil
}

// parseStamp accepts the exporter's header line, ignoring any read-receipt
// note and the space padding of single-digit hours.
func parseStamp(line string, loc *time.Location) (time.Time, bool) {
	if i := strings.Index(line, " ("); i >= 0 {
		line = line[:i]
	}
	line = strings.Join(strings.Fields(line), " ")
	if line == "" {
		return time.Time{}, false
	}
	ts, err := time.ParseInLocation(stampLayout, line, loc)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
