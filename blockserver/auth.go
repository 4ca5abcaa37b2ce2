package main

import (
	"crypto"
	"crypto/hmac"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// authScope resolves the first path segment of a request to the serial of
// the card mounted there. Both the index and the serial of a card resolve to
// its serial.
type authScope map[string]string

func (s authScope) add(alias string, serial string) {
	s[alias] = serial
}

// card returns the serial of the card a path is for.
func (s authScope) card(path string) (string, bool) {
	segment := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 2)[0]
	serial, ok := s[segment]
	return serial, ok
}

// authCalculate derives the basic auth credentials for a key. The user name
// carries the expiry time and, after a '$', the card the credentials are
// limited to. The password is an HMAC over the user name.
func authCalculate(authKey string, card string, expiry time.Time) (string, string) {
	user := strconv.FormatInt(expiry.Unix(), 10)

	if card != "" {
		user += "$" + card
	}

	return user, hex.EncodeToString(authMAC(authKey, user))
}

func authMAC(authKey string, user string) []byte {
	h := hmac.New(crypto.SHA256.New, []byte(authKey))
	h.Write([]byte(user))
	return h.Sum(nil)
}

// authUser splits a verified user name into its expiry and card.
func authUser(user string) (int64, string, error) {
	parts := strings.SplitN(user, "$", 2)

	expiry, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", err
	}

	if len(parts) == 1 {
		return expiry, "", nil
	}
	return expiry, parts[1], nil
}

// authProcess checks the credentials of every request. A user name without a
// card may access everything, one with a card only the paths of that card.
func authProcess(handler http.HandlerFunc, authKey string, scope authScope) http.HandlerFunc {
	if len(authKey) == 0 {
		return handler
	}

	failed := func(rw http.ResponseWriter) {
		rw.Header().Set("WWW-Authenticate", "Basic")
		rw.WriteHeader(http.StatusUnauthorized)
	}

	return func(rw http.ResponseWriter, rq *http.Request) {
		user, pwd, ok := rq.BasicAuth()
		if !ok {
			failed(rw)
			return
		}

		pwdDec, err := hex.DecodeString(pwd)
		if err != nil {
			failed(rw)
			return
		}

		if subtle.ConstantTimeCompare(pwdDec, authMAC(authKey, user)) != 1 {
			failed(rw)
			return
		}

		expiry, card, err := authUser(user)
		if err != nil || time.Now().Unix() > expiry {
			failed(rw)
			return
		}

		if card != "" {
			want, known := scope[card]
			got, ok := scope.card(rq.URL.Path)
			if !known || !ok || got != want {
				rw.WriteHeader(http.StatusForbidden)
				return
			}
		}

		handler(rw, rq)
	}
}
