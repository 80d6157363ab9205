// Package desc holds the collector description types shared by package
// collector (which enforces them) and package extractor (which reads them
// to lay out a batch row), split out to avoid those two packages
// importing each other.
package desc

import (
	"strconv"
	"strings"

	"expcollector/event"
)

// Filter is a predicate over an event's meta fields deciding whether a
// collector accepts it. Simulators still submit to every collector; the
// filter is a secondary accept/reject gate at the collector boundary,
// which is what lets a self-play setup feed only one player's trajectory
// to a trainer.
type Filter func(*event.Event) bool

// BatchDesc is one consumer's registration: batchsize, history length,
// input/reply key sets, optional filter and timeout.
type BatchDesc struct {
	Name      string
	Batchsize int
	T         int
	// InputKeys are the requested input keys, including "last_X" and
	// "histN_X" prefixed forms.
	InputKeys []string
	// ReplyKeys are the reply keys, empty/nil if this collector has no reply.
	ReplyKeys []string
	Filter    Filter
	// TimeoutMicros > 0 forces early dispatch of a partial batch; 0 disables.
	TimeoutMicros   int64
	AllowIncomplete bool
	// PoolSize is the number of pre-allocated batch slots (>= 2 to overlap
	// producer fill and consumer read).
	PoolSize int
	// HistFill, if set, is pushed into a brand-new sender's ring (NumHist
	// times) before its first real event, so a hist-prefix key can be
	// filled even for an agent's very first window instead of waiting
	// NumHist real events to accumulate.
	HistFill *event.Event
}

// KeyForm classifies a declared input key name.
type KeyForm int

const (
	FormPlain KeyForm = iota
	FormLast
	FormHist
)

// ParsedKey is the decomposition of one declared input key name.
type ParsedKey struct {
	Raw  string
	Form KeyForm
	// Base is the underlying domain key name (X in last_X / histN_X).
	Base string
	// N is the history depth for FormHist keys (the N in "histN_X"), else 0.
	N int
}

// ParseKey decomposes a declared input key name into its plain/last_/histN_
// form.
func ParseKey(name string) ParsedKey {
	if strings.HasPrefix(name, "last_") {
		return ParsedKey{Raw: name, Form: FormLast, Base: name[len("last_"):]}
	}
	if strings.HasPrefix(name, "hist") {
		rest := name[len("hist"):]
		if us := strings.IndexByte(rest, '_'); us > 0 {
			if n, err := strconv.Atoi(rest[:us]); err == nil && n > 0 {
				return ParsedKey{Raw: name, Form: FormHist, Base: rest[us+1:], N: n}
			}
		}
	}
	return ParsedKey{Raw: name, Form: FormPlain, Base: name}
}

// NumExtra returns the ring's required history/future overshoot:
// num_hist (max requested histN depth) and num_future (1 if any last_ key
// is declared, else 0).
func NumExtra(inputKeys []string) (numHist, numFuture int) {
	for _, k := range inputKeys {
		p := ParseKey(k)
		switch p.Form {
		case FormLast:
			numFuture = 1
		case FormHist:
			if p.N > numHist {
				numHist = p.N
			}
		}
	}
	return
}
