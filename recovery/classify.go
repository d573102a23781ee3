package recovery

import (
	"errors"
	"net/http"
	"strings"
	"unicode"

	"github.com/m1ndvortex/tabsync/cacheguard"
	"github.com/m1ndvortex/tabsync/kv"
	"github.com/m1ndvortex/tabsync/netretry"
)

// Type is the failure family an operation recovers from.
type Type string

const (
	TypeNetwork Type = "network"
	TypeSession Type = "session"
	TypeCache   Type = "cache"
	TypeAuth    Type = "auth"
)

// ErrSessionInconsistent marks failures caused by diverging session state.
var ErrSessionInconsistent = errors.New("recovery: session inconsistent")

var (
	authWords    = []string{"unauthorized", "forbidden", "unauthenticated", "token", "credential", "credentials", "auth", "authentication", "jwt"}
	sessionWords = []string{"session"}
	cacheWords   = []string{"storage", "quota", "cache", "corrupt"}
	networkWords = []string{"offline", "network", "connection", "timeout", "timed out", "unreachable"}
)

// Classify maps err onto a failure family. Rules run in order: an explicit
// offline or network signal, an HTTP 401/403 or auth wording, network
// wording, session wording, storage wording, and network as the default.
// Auth wording matches whole words only. The result depends
// only on err and online.
func Classify(err error, online bool) Type {
	if err == nil {
		return TypeNetwork
	}
	msg := strings.ToLower(err.Error())
	status := netretry.StatusCode(err)

	var nerr *netretry.NetworkError
	explicitNetwork := errors.Is(err, netretry.ErrOffline) ||
		!online ||
		(errors.As(err, &nerr) && status == 0)
	if explicitNetwork {
		return TypeNetwork
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return TypeAuth
	}
	if status == 0 && hasWord(msg, authWords) {
		return TypeAuth
	}
	if status == 0 && containsAny(msg, networkWords) {
		return TypeNetwork
	}
	if errors.Is(err, ErrSessionInconsistent) || containsAny(msg, sessionWords) {
		return TypeSession
	}
	if errors.Is(err, kv.ErrQuotaExceeded) || errors.Is(err, cacheguard.ErrNotFound) || containsAny(msg, cacheWords) {
		return TypeCache
	}
	return TypeNetwork
}

// hasWord reports whether s contains one of words as a whole word.
func hasWord(s string, words []string) bool {
	fields := strings.FieldsFunc(s, func(r rune) bool { return !unicode.IsLetter(r) })
	for _, f := range fields {
		for _, w := range words {
			if f == w {
				return true
			}
		}
	}
	return false
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
