package pipeline

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"

	"github.com/gregjones/httpcache"
)

// keepCopies is the cache seen by httpcache.Transport. httpcache drops the
// stored copy of a GET or HEAD whenever a network attempt fails or answers
// with anything but 200, which would leave nothing to serve once offline.
// Those deletes are ignored here; invalidation by unsafe methods passes
// through. Requests marked no-store evict their copy through CachePolicy.
type keepCopies struct {
	httpcache.Cache
}

func (c keepCopies) Delete(key string) {
	if readKey(key) {
		return
	}
	c.Cache.Delete(key)
}

// Set keeps the last good copy when the origin answers with a server error.
func (c keepCopies) Set(key string, resp []byte) {
	if statusOf(resp) >= http.StatusInternalServerError {
		return
	}
	c.Cache.Set(key, resp)
}

// readKey reports whether key was built for a GET or HEAD request. httpcache
// keys GET by the bare URL and every other method by "METHOD URL".
func readKey(key string) bool {
	return !strings.Contains(key, " ") || strings.HasPrefix(key, http.MethodHead+" ")
}

// statusOf returns the status code of a dumped response, 0 when unreadable.
func statusOf(dump []byte) int {
	line, _, _ := bytes.Cut(dump, []byte("\n"))
	fields := strings.Fields(string(line))
	if len(fields) < 2 {
		return 0
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0
	}
	return code
}
