package result

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gregjones/httpcache"
)

// ErrMalformedRequest marks requests that could not be built.
var ErrMalformedRequest = errors.New("malformed request")

type Code int

const (
	Success Code = iota + 1
	CheckURL
	ProtocolError
	ConnectionTimeout
	ReadWriteTimeout
	CheckNetwork
	NoResult
)

func (c Code) String() string {
	switch c {
	case Success:
		return "success"
	case CheckURL:
		return "check_url"
	case ProtocolError:
		return "protocol_error"
	case ConnectionTimeout:
		return "connection_timeout"
	case ReadWriteTimeout:
		return "read_write_timeout"
	case CheckNetwork:
		return "check_network"
	case NoResult:
		return "no_result"
	}
	return "unknown"
}

// Message is the human readable text shown to callers.
func (c Code) Message() string {
	switch c {
	case Success:
		return "request succeeded"
	case CheckURL:
		return "please check the request url"
	case ProtocolError:
		return "request protocol is not supported"
	case ConnectionTimeout:
		return "connection timed out"
	case ReadWriteTimeout:
		return "read or write timed out"
	case CheckNetwork:
		return "please check the network connection"
	case NoResult:
		return "no result returned"
	}
	return "unknown result"
}

// Envelope is the outcome of one logical request attempt.
type Envelope struct {
	Code      Code
	Body      string
	Status    int
	FromCache bool
	CreatedAt time.Time
	Err       error
}

func (e Envelope) OK() bool { return e.Code == Success }

func New(code Code, err error) Envelope {
	return Envelope{Code: code, CreatedAt: time.Now(), Err: err}
}

// FromError maps a transport error onto a code.
func FromError(err error) Code {
	if errors.Is(err, ErrMalformedRequest) {
		return ProtocolError
	}
	var op *net.OpError
	if errors.As(err, &op) && op.Op == "dial" && op.Timeout() {
		return ConnectionTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ReadWriteTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReadWriteTimeout
	}
	var dns *net.DNSError
	if errors.As(err, &dns) {
		return CheckNetwork
	}
	return NoResult
}

// FromStatus maps a non-2xx status onto a code. ok reports a 2xx status.
func FromStatus(status int) (code Code, ok bool) {
	switch {
	case status >= 200 && status < 300:
		return Success, true
	case status == http.StatusNotFound:
		return CheckURL, false
	case status == http.StatusInternalServerError:
		return NoResult, false
	case status == http.StatusBadGateway, status == http.StatusGatewayTimeout:
		return CheckNetwork, false
	}
	return CheckURL, false
}

// Classify turns the engine outcome into an envelope, reading and closing the
// response body.
func Classify(resp *http.Response, err error) Envelope {
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return New(FromError(err), err)
	}
	if resp == nil {
		return New(NoResult, errors.New("nil response"))
	}

	env := Envelope{
		Status:    resp.StatusCode,
		FromCache: resp.Header.Get(httpcache.XFromCache) != "",
		CreatedAt: time.Now(),
	}
	if resp.Body == nil {
		env.Code = CheckURL
		return env
	}
	defer resp.Body.Close()

	code, ok := FromStatus(resp.StatusCode)
	env.Code = code
	if !ok {
		return env
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		env.Code = NoResult
		env.Err = err
		return env
	}
	env.Body = string(b)
	return env
}
