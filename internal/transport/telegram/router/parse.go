package router

import (
	"math/rand/v2"
	"strings"
	"sync/atomic"
	"time"
)

var ridSeq atomic.Uint64

// newReqID returns a short id for correlating a request's log lines.
func newReqID() string {
	n := ridSeq.Add(1)
	return base36(time.Now().UnixNano()) + "-" + base36(int64(n)) + randSuffix(2)
}

func randSuffix(n int) string {
	const alpha = "abcdefghijklmnopqrstuvwxyz0123456789"
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteByte(alpha[rand.IntN(len(alpha))])
	}
	return b.String()
}

func base36(v int64) string {
	const chars = "0123456789abcdefghijklmnopqrstuvwxyz"
	if v < 0 {
		v = -v
	}
	if v == 0 {
		return "0"
	}
	var out [32]byte
	i := len(out)
	for v > 0 {
		i--
		out[i] = chars[v%36]
		v /= 36
	}
	return string(out[i:])
}

// token is one word of a command line plus the byte offset where it starts
// in the original text.
type token struct {
	val   string
	start int
}

// tokenize splits s on whitespace. Double or single quotes group words and
// a backslash escapes the next byte. An apostrophe inside a word (don't)
// does not open a quote.
func tokenize(s string) []token {
	var (
		out   []token
		buf   strings.Builder
		start = -1
		inQ   bool
		qChar byte
		esc   bool
	)
	flush := func() {
		if start >= 0 {
			out = append(out, token{val: buf.String(), start: start})
			buf.Reset()
			start = -1
		}
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if start < 0 && !isSpace(ch) {
			start = i
		}
		switch {
		case esc:
			buf.WriteByte(ch)
			esc = false
		case ch == '\\':
			esc = true
		case inQ:
			if ch == qChar {
				inQ = false
			} else {
				buf.WriteByte(ch)
			}
		case (ch == '"' || ch == '\'') && start == i:
			inQ = true
			qChar = ch
		case isSpace(ch):
			flush()
		default:
			buf.WriteByte(ch)
		}
	}
	flush()
	return out
}

func isSpace(ch byte) bool {
	return ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r'
}

// splitCommand parses "/name@bot args..." into the lowercased command name
// and its argument tokens. ok is false when line is not a command.
func splitCommand(line string) (name string, args []token, ok bool) {
	if !strings.HasPrefix(line, "/") {
		return "", nil, false
	}
	toks := tokenize(line)
	if len(toks) == 0 {
		return "", nil, false
	}
	name = strings.TrimPrefix(toks[0].val, "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return "", nil, false
	}
	return strings.ToLower(name), toks[1:], true
}
