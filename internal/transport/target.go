package transport

import (
	"fmt"
	"strconv"
	"strings"
)

// Reply is a parsed chat target reference of the form
// "<chat_id>[/<thread_id>][:<message_id>]". A zero MessageID means a plain
// post instead of a reply.
type Reply struct {
	Target    ChatTarget
	MessageID int
}

func (r Reply) String() string {
	var b strings.Builder
	b.WriteString(strconv.FormatInt(r.Target.ChatID, 10))
	if r.Target.ThreadID != 0 {
		b.WriteByte('/')
		b.WriteString(strconv.Itoa(r.Target.ThreadID))
	}
	if r.MessageID != 0 {
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(r.MessageID))
	}
	return b.String()
}

func ParseReply(ref string) (Reply, error) {
	s := strings.TrimSpace(ref)
	if s == "" {
		return Reply{}, fmt.Errorf("empty target reference")
	}
	var out Reply
	if i := strings.LastIndexByte(s, ':'); i >= 0 {
		id, err := strconv.Atoi(s[i+1:])
		if err != nil || id <= 0 {
			return Reply{}, fmt.Errorf("bad message id in %q", ref)
		}
		out.MessageID = id
		s = s[:i]
	}
	if i := strings.IndexByte(s, '/'); i >= 0 {
		th, err := strconv.Atoi(s[i+1:])
		if err != nil || th < 0 {
			return Reply{}, fmt.Errorf("bad thread id in %q", ref)
		}
		out.Target.ThreadID = th
		s = s[:i]
	}
	chat, err := strconv.ParseInt(s, 10, 64)
	if err != nil || chat == 0 {
		return Reply{}, fmt.Errorf("bad chat id in %q", ref)
	}
	out.Target.ChatID = chat
	return out, nil
}
