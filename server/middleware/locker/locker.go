// Package locker provides an HTTP middleware which allows an HTTPHandler to be locked, returning 423 (locked)
package locker

import (
	"encoding/json"
	"go/types"
	"net/http"
	"strings"
	"sync"

	"github.com/Simscop/DenseLight/generichttp"
)

// Inject adds a lock route to a generichttp.HTTPer which is used to manipulate the locker
func Inject(other generichttp.HTTPer, l *Locker) {
	rt := other.RT()
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/lock"}] = l.HTTPGet
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/lock"}] = l.HTTPSet
}

// Locker is a type which behaves like a sync.Mutex without the blocking,
// and holds a list of paths to not protect
type Locker struct {
	mu       sync.Mutex
	isLocked bool

	// DoNotProtect is a list of path fragments not to apply the lock to
	DoNotProtect []string

	// Pinned, if not nil, reports that the lock is held for work in progress.
	// While it returns true, HTTPSet will not unlock.
	Pinned func() bool
}

// New returns a new Locker with DoNotProtect prepopulated with "lock"
func New() *Locker {
	return &Locker{DoNotProtect: []string{"lock"}}
}

// Lock the locker
func (l *Locker) Lock() {
	l.mu.Lock()
	l.isLocked = true
	l.mu.Unlock()
}

// TryLock locks the locker and returns true, or returns false if it was already locked
func (l *Locker) TryLock() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.isLocked {
		return false
	}
	l.isLocked = true
	return true
}

// Unlock the locker
func (l *Locker) Unlock() {
	l.mu.Lock()
	l.isLocked = false
	l.mu.Unlock()
}

// Locked returns true if the locker is locked
func (l *Locker) Locked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isLocked
}

// Check is an HTTP middleware that returns http.StatusLocked if Locked() is true, otherwise passes down the line
func (l *Locker) Check(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.Locked() && l.protected(r.URL.Path) {
			http.Error(w, "locked", http.StatusLocked)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *Locker) protected(path string) bool {
	for _, str := range l.DoNotProtect {
		if strings.Contains(path, str) {
			return false
		}
	}
	return true
}

// HTTPSet calls Lock or Unlock based on json:bool on the request body.
// An unlock while Pinned is refused with 423.
func (l *Locker) HTTPSet(w http.ResponseWriter, r *http.Request) {
	b := generichttp.BoolT{}
	err := json.NewDecoder(r.Body).Decode(&b)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !b.Bool && l.Pinned != nil && l.Pinned() {
		http.Error(w, "the lock is held by a run in progress", http.StatusLocked)
		return
	}
	if b.Bool {
		l.Lock()
	} else {
		l.Unlock()
	}
	w.WriteHeader(http.StatusOK)
}

// HTTPGet returns Locked() over HTTP as JSON
func (l *Locker) HTTPGet(w http.ResponseWriter, r *http.Request) {
	hp := generichttp.HumanPayload{T: types.Bool, Bool: l.Locked()}
	hp.EncodeAndRespond(w, r)
}
