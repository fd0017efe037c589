// Package capture observes the page's own chat websocket through the
// Network domain: it discovers the socket's request identifier and decodes
// its streamed frames into text chunks.
package capture

import (
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/copilot-relay/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// recordSeparator frames records inside delimited-dialect payloads.
const recordSeparator = "\x1e"

// Dialect identifies the wire format a chat socket speaks.
type Dialect int

const (
	// DialectEventTagged frames each payload as one JSON object tagged with
	// an "event" field. The socket is established once and reused across
	// turns, and its URL is matched by prefix.
	DialectEventTagged Dialect = iota
	// DialectDelimited frames records with a 0x1E separator. Each update
	// carries the full response text so far, a fresh socket is opened per
	// turn, and the URL filter matches by substring.
	DialectDelimited
)

// DialectFor maps a target kind to its wire dialect.
func DialectFor(kind config.TargetKind) Dialect {
	if kind == config.TargetM365 {
		return DialectDelimited
	}
	return DialectEventTagged
}

// MatchesURL reports whether a created socket's URL satisfies the filter
// under this dialect's matching rule.
func (d Dialect) MatchesURL(filter, url string) bool {
	if d == DialectDelimited {
		return strings.Contains(url, filter)
	}
	return strings.HasPrefix(url, filter)
}

// ReusesSocket reports whether the chat socket survives across turns, which
// allows its request identifier to be cached.
func (d Dialect) ReusesSocket() bool {
	return d == DialectEventTagged
}

// Result is the outcome of feeding one frame payload to a decoder.
type Result struct {
	// Chunks are the text increments produced by this payload, in order.
	Chunks []string
	// Done marks the response as complete; no further frames belong to it.
	Done bool
}

// Decoder turns raw frame payloads into text chunks. Implementations carry
// per-response state and must be Reset between responses.
type Decoder interface {
	Decode(payload string) Result
	Reset()
}

// NewDecoder builds the decoder for a dialect.
func NewDecoder(d Dialect, logger *zap.Logger) Decoder {
	if d == DialectDelimited {
		return &delimitedDecoder{logger: logger.Named("decoder")}
	}
	return &eventDecoder{logger: logger.Named("decoder")}
}

// eventDecoder handles the event-tagged dialect: one JSON object per frame.
type eventDecoder struct {
	logger *zap.Logger
}

type taggedEvent struct {
	Event string `json:"event"`
	Text  string `json:"text"`
}

func (d *eventDecoder) Decode(payload string) Result {
	var ev taggedEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		d.logger.Warn("Discarding undecodable frame payload.", zap.Error(err))
		return Result{}
	}

	switch ev.Event {
	case "appendText":
		if ev.Text == "" {
			return Result{}
		}
		return Result{Chunks: []string{ev.Text}}
	case "done":
		return Result{Done: true}
	case "":
		d.logger.Debug("Frame payload without an event tag.")
		return Result{}
	default:
		d.logger.Debug("Ignoring frame event.", zap.String("event", ev.Event))
		return Result{}
	}
}

func (d *eventDecoder) Reset() {}

// delimitedDecoder handles the separator-framed dialect. Every update record
// carries the full response text accumulated so far, so chunks are produced
// by diffing consecutive snapshots.
type delimitedDecoder struct {
	logger *zap.Logger

	buf      strings.Builder
	lastText string
}

type delimitedRecord struct {
	Type      int    `json:"type"`
	Target    string `json:"target"`
	Arguments []struct {
		Messages []struct {
			Author string  `json:"author"`
			Text   *string `json:"text"`
		} `json:"messages"`
	} `json:"arguments"`
}

func (d *delimitedDecoder) Decode(payload string) Result {
	d.buf.WriteString(payload)

	var out Result
	// Records are complete only once their trailing separator arrives; the
	// remainder stays buffered for the next frame.
	data := d.buf.String()
	for {
		idx := strings.Index(data, recordSeparator)
		if idx < 0 {
			break
		}
		record := data[:idx]
		data = data[idx+len(recordSeparator):]

		res := d.decodeRecord(record)
		out.Chunks = append(out.Chunks, res.Chunks...)
		if res.Done {
			out.Done = true
			data = ""
			break
		}
	}
	d.buf.Reset()
	d.buf.WriteString(data)
	return out
}

func (d *delimitedDecoder) decodeRecord(record string) Result {
	if record == "" {
		return Result{}
	}

	var rec delimitedRecord
	if err := json.Unmarshal([]byte(record), &rec); err != nil {
		d.logger.Warn("Discarding undecodable record.", zap.Error(err))
		return Result{}
	}

	switch {
	case rec.Type == 1 && rec.Target == "update":
		text, ok := latestBotText(&rec)
		if !ok {
			return Result{}
		}
		return d.diff(text)
	case rec.Type == 3:
		return Result{Done: true}
	default:
		return Result{}
	}
}

// latestBotText extracts the newest assistant snapshot from an update
// record. Records may interleave other authors' messages.
func latestBotText(rec *delimitedRecord) (string, bool) {
	if len(rec.Arguments) == 0 {
		return "", false
	}
	messages := rec.Arguments[0].Messages
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Author == "bot" && messages[i].Text != nil {
			return *messages[i].Text, true
		}
	}
	return "", false
}

// diff converts a full-text snapshot into an incremental chunk. A snapshot
// extending the previous one yields the suffix. A shrunken snapshot yields
// nothing, since emitting text cannot express a deletion. A rewritten
// snapshot yields the full new text so the consumer can resynchronize.
func (d *delimitedDecoder) diff(current string) Result {
	prev := d.lastText
	d.lastText = current

	switch {
	case prev == "":
		if current == "" {
			return Result{}
		}
		return Result{Chunks: []string{current}}
	case strings.HasPrefix(current, prev):
		if suffix := current[len(prev):]; suffix != "" {
			return Result{Chunks: []string{suffix}}
		}
		return Result{}
	case strings.HasPrefix(prev, current):
		d.logger.Warn("Response text shrank between snapshots.",
			zap.Int("previous_len", len(prev)),
			zap.Int("current_len", len(current)))
		return Result{}
	default:
		d.logger.Warn("Response text diverged from previous snapshot; emitting full text.",
			zap.Int("previous_len", len(prev)),
			zap.Int("current_len", len(current)))
		return Result{Chunks: []string{current}}
	}
}

func (d *delimitedDecoder) Reset() {
	d.buf.Reset()
	d.lastText = ""
}
