package gateway

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
)

// ErrorKind classifies a failed gated call. Semantic errors carried
// inside a well-formed reply body are not the gate's concern.
type ErrorKind int

const (
	// KindTimedOut means the fixed timeout elapsed before the call settled.
	KindTimedOut ErrorKind = iota + 1
	// KindWrongReply means the call settled but the body was empty,
	// unparsable, or the transport failed for a reason other than the
	// timeout.
	KindWrongReply
)

type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindTimedOut:
		return "request timed out"
	default:
		if e.Err != nil {
			return "wrong reply: " + e.Err.Error()
		}
		return "wrong reply"
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Reply is the pair every gated call resolves to: the raw JSON body and
// the optional total extracted from a content-range style header.
type Reply struct {
	Body     []byte
	Total    int
	HasTotal bool
}

// Call is one pending REST request.
type Call func(ctx context.Context) (*resty.Response, error)

// Do races call against the client's fixed timeout and classifies the
// outcome. The deadline is always released, on every path.
func (c *Client) Do(ctx context.Context, call Call) (Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := call(ctx)
	if err != nil {
		if isTimeout(ctx, err) {
			return Reply{}, &Error{Kind: KindTimedOut, Err: err}
		}
		return Reply{}, &Error{Kind: KindWrongReply, Err: err}
	}

	body := resp.Body()
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return Reply{}, &Error{Kind: KindWrongReply, Err: errors.New("empty or malformed body")}
	}
	if isFalsyValue(gjson.ParseBytes(body)) {
		return Reply{}, &Error{Kind: KindWrongReply, Err: errors.New("falsy body")}
	}

	reply := Reply{Body: body}
	if total, ok := parseContentRange(resp.Header().Get("Content-Range")); ok {
		reply.Total = total
		reply.HasTotal = true
	}
	return reply, nil
}

// isFalsyValue reports whether a parsed top-level value carries no
// usable data: literal null, false, or an empty string. Such bodies
// parse fine but are as good as no reply at all.
func isFalsyValue(v gjson.Result) bool {
	switch v.Type {
	case gjson.Null, gjson.False:
		return true
	case gjson.String:
		return v.Str == ""
	default:
		return false
	}
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// parseContentRange extracts the total from a "<start>-<end>/<total>"
// header value. A missing or unparsable header is not a failure.
func parseContentRange(value string) (int, bool) {
	if value == "" {
		return 0, false
	}
	slash := strings.LastIndex(value, "/")
	if slash < 0 || slash == len(value)-1 {
		return 0, false
	}
	total, err := strconv.Atoi(value[slash+1:])
	if err != nil || total < 0 {
		return 0, false
	}
	return total, true
}

// Timeout reports the fixed per-request ceiling.
func (c *Client) Timeout() time.Duration { return c.timeout }
